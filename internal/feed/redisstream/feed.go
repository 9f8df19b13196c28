// Package redisstream is a backend.ChangeFeed over Redis Streams. A bridge on
// the backend side appends row changes to one stream per entity; each
// subscription tails its entity's stream from the moment it subscribes.
package redisstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	rediscommon "postpart-sync/common/redis"
	"postpart-sync/internal/backend"
	"postpart-sync/internal/models"
)

// DefaultPrefix is prepended to entity names to form stream keys.
const DefaultPrefix = "postpart:changes:"

const maxBackoff = 30 * time.Second

// Feed tails Redis streams for subscribed entities.
type Feed struct {
	client *redis.Client
	prefix string
	block  time.Duration
	logger *zap.Logger
}

var _ backend.ChangeFeed = (*Feed)(nil)

// New creates a feed. block bounds each XREAD wait; zero means 5s.
func New(client *redis.Client, prefix string, block time.Duration, logger *zap.Logger) *Feed {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if block <= 0 {
		block = 5 * time.Second
	}
	return &Feed{client: client, prefix: prefix, block: block, logger: logger}
}

// StreamKey returns the stream an entity's changes are written to.
func (f *Feed) StreamKey(e models.Entity) string { return f.prefix + string(e) }

// Publish appends ev to its entity's stream. maxLen > 0 trims the stream approximately.
func (f *Feed) Publish(ctx context.Context, ev backend.Event, maxLen int64) (string, error) {
	id, err := rediscommon.PublishJSONToStream(ctx, f.client, f.StreamKey(ev.Entity), maxLen, ev)
	if err != nil {
		return "", fmt.Errorf("publish %s change: %w", ev.Entity, err)
	}
	return id, nil
}

// Subscribe starts tailing the entity's stream after its current last entry.
func (f *Feed) Subscribe(ctx context.Context, filter backend.Filter, h backend.Handler) (backend.Subscription, error) {
	stream := f.StreamKey(filter.Entity)
	lastID, err := rediscommon.LastStreamID(ctx, f.client, stream)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", filter, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		id:      uuid.NewString(),
		filter:  filter,
		handler: h,
		stream:  stream,
		lastID:  lastID,
		feed:    f,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(subCtx)

	f.logger.Debug("Stream subscription started",
		zap.String("stream", stream),
		zap.String("filter", filter.String()),
		zap.String("last_id", lastID),
	)
	return s, nil
}

type subscription struct {
	id      string
	filter  backend.Filter
	handler backend.Handler
	stream  string
	lastID  string
	feed    *Feed

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) ID() string             { return s.id }
func (s *subscription) Filter() backend.Filter { return s.filter }

func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.feed.logger.Warn("Failed to read change stream",
				zap.String("stream", s.stream),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = time.Second
	}
}

func (s *subscription) poll(ctx context.Context) error {
	messages, err := rediscommon.ReadFromStream(ctx, s.feed.client, s.stream, s.lastID, 50, s.feed.block)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		s.lastID = msg.ID
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		ev, err := backend.DecodeEvent([]byte(raw))
		if err != nil {
			s.feed.logger.Warn("Dropping undecodable stream entry",
				zap.String("stream", s.stream),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if s.filter.Matches(ev.Entity, ev.RowValues()) {
			s.handler(ev)
		}
	}
	return nil
}
