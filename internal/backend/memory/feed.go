package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"postpart-sync/internal/backend"
	"postpart-sync/internal/models"
)

// Feed delivers change events synchronously on the publishing goroutine.
type Feed struct {
	mu       sync.Mutex
	subs     map[string]*subscription
	failures map[models.Entity]error
}

func NewFeed() *Feed {
	return &Feed{
		subs:     make(map[string]*subscription),
		failures: make(map[models.Entity]error),
	}
}

type subscription struct {
	id      string
	filter  backend.Filter
	handler backend.Handler
	feed    *Feed
}

func (s *subscription) ID() string             { return s.id }
func (s *subscription) Filter() backend.Filter { return s.filter }

func (s *subscription) Close() error {
	s.feed.mu.Lock()
	delete(s.feed.subs, s.id)
	s.feed.mu.Unlock()
	return nil
}

// FailSubscribe makes subscriptions on entity fail with err until cleared with nil.
func (f *Feed) FailSubscribe(entity models.Entity, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, entity)
		return
	}
	f.failures[entity] = err
}

func (f *Feed) Subscribe(_ context.Context, filter backend.Filter, h backend.Handler) (backend.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failures[filter.Entity]; err != nil {
		return nil, err
	}
	s := &subscription{id: uuid.NewString(), filter: filter, handler: h, feed: f}
	f.subs[s.id] = s
	return s, nil
}

// Active returns the filters of all open subscriptions.
func (f *Feed) Active() []backend.Filter {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]backend.Filter, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s.filter)
	}
	return out
}

// Publish delivers a change of row to every matching subscription.
func (f *Feed) Publish(entity models.Entity, typ models.ChangeType, row any) {
	raw, _ := json.Marshal(row)
	var values map[string]any
	_ = json.Unmarshal(raw, &values)

	ev := backend.Event{Entity: entity, Type: typ, Record: raw}
	if id, ok := values["id"].(string); ok {
		ev.RecordID = id
	}

	f.mu.Lock()
	var targets []backend.Handler
	for _, s := range f.subs {
		if s.filter.Matches(entity, values) {
			targets = append(targets, s.handler)
		}
	}
	f.mu.Unlock()

	for _, h := range targets {
		h(ev)
	}
}

// SilentFeed accepts subscriptions and never delivers an event. It stands in
// for a realtime channel that is connected but quiet.
type SilentFeed struct {
	mu   sync.Mutex
	open int
}

func (f *SilentFeed) Subscribe(_ context.Context, filter backend.Filter, _ backend.Handler) (backend.Subscription, error) {
	f.mu.Lock()
	f.open++
	f.mu.Unlock()
	return &silentSubscription{id: uuid.NewString(), filter: filter, feed: f}, nil
}

// Open returns the number of subscriptions not yet closed.
func (f *SilentFeed) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

type silentSubscription struct {
	id     string
	filter backend.Filter
	feed   *SilentFeed
	once   sync.Once
}

func (s *silentSubscription) ID() string             { return s.id }
func (s *silentSubscription) Filter() backend.Filter { return s.filter }

func (s *silentSubscription) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		s.feed.open--
		s.feed.mu.Unlock()
	})
	return nil
}
