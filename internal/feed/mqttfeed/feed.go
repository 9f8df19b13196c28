// Package mqttfeed is a backend.ChangeFeed over MQTT. Row changes are
// published to postpart/<entity>/<filter value>, so the broker does the
// filtering and every delivered message belongs to the subscriber.
package mqttfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	mqttcommon "postpart-sync/common/mqtt"
	"postpart-sync/internal/backend"
	"postpart-sync/internal/models"
)

// DefaultTopicPrefix is the root of all change topics.
const DefaultTopicPrefix = "postpart"

// Broker is the subset of the shared MQTT client the feed uses.
type Broker interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

var _ Broker = (*mqttcommon.Client)(nil)

// Feed multiplexes subscriptions onto one broker subscription per topic.
type Feed struct {
	broker Broker
	prefix string
	qos    byte
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]map[string]*subscription // topic -> sub id -> sub
}

var _ backend.ChangeFeed = (*Feed)(nil)

func New(broker Broker, prefix string, qos byte, logger *zap.Logger) *Feed {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Feed{
		broker: broker,
		prefix: strings.TrimRight(prefix, "/"),
		qos:    qos,
		logger: logger,
		topics: make(map[string]map[string]*subscription),
	}
}

// Topic returns the topic carrying changes for filter.
func (f *Feed) Topic(filter backend.Filter) string {
	return fmt.Sprintf("%s/%s/%s", f.prefix, filter.Entity, filter.Value)
}

// PublishChange sends ev on the topic of the row's filter value.
func (f *Feed) PublishChange(ev backend.Event, filterValue string) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	topic := f.Topic(backend.Filter{Entity: ev.Entity, Value: filterValue})
	return f.broker.Publish(topic, f.qos, false, payload)
}

func (f *Feed) Subscribe(_ context.Context, filter backend.Filter, h backend.Handler) (backend.Subscription, error) {
	topic := f.Topic(filter)
	s := &subscription{id: uuid.NewString(), filter: filter, handler: h, topic: topic, feed: f}

	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.topics[topic]
	if !ok {
		if err := f.broker.Subscribe(topic, f.qos, f.onMessage(topic, filter.Entity)); err != nil {
			return nil, err
		}
		subs = make(map[string]*subscription)
		f.topics[topic] = subs
	}
	subs[s.id] = s
	return s, nil
}

func (f *Feed) onMessage(topic string, entity models.Entity) mqttcommon.MessageHandler {
	return func(_ string, payload []byte) error {
		ev, err := backend.DecodeEvent(payload)
		if err != nil {
			return err
		}
		if ev.Entity != entity {
			return fmt.Errorf("topic %s carried %s change", topic, ev.Entity)
		}

		f.mu.Lock()
		handlers := make([]backend.Handler, 0, len(f.topics[topic]))
		for _, s := range f.topics[topic] {
			handlers = append(handlers, s.handler)
		}
		f.mu.Unlock()

		for _, h := range handlers {
			h(ev)
		}
		return nil
	}
}

func (f *Feed) release(s *subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.topics[s.topic]
	if !ok {
		return nil
	}
	if _, ok := subs[s.id]; !ok {
		return nil
	}
	delete(subs, s.id)
	if len(subs) > 0 {
		return nil
	}
	delete(f.topics, s.topic)
	if err := f.broker.Unsubscribe(s.topic); err != nil {
		f.logger.Warn("MQTT unsubscribe failed", zap.String("topic", s.topic), zap.Error(err))
		return err
	}
	return nil
}

type subscription struct {
	id      string
	filter  backend.Filter
	handler backend.Handler
	topic   string
	feed    *Feed
}

func (s *subscription) ID() string             { return s.id }
func (s *subscription) Filter() backend.Filter { return s.filter }
func (s *subscription) Close() error           { return s.feed.release(s) }
