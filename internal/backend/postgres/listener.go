package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"postpart-sync/internal/backend"
	"postpart-sync/internal/backend/postgres/migrate"
)

// notificationSource is the part of *pq.Listener the feed uses.
type notificationSource interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Listener is a backend.ChangeFeed over Postgres LISTEN/NOTIFY. Row changes
// are published by the notify_row_change trigger and fanned out to the
// subscriptions whose filter matches the row.
type Listener struct {
	src     notificationSource
	channel string
	logger  *zap.Logger

	mu   sync.Mutex
	subs map[string]*listenerSub

	idlePing time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

var _ backend.ChangeFeed = (*Listener)(nil)

// NewListener opens a pq.Listener on dsn. Connection state changes are logged.
func NewListener(dsn string, logger *zap.Logger) *Listener {
	pl := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.Info("Change listener connected")
		case pq.ListenerEventDisconnected:
			logger.Warn("Change listener disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			logger.Info("Change listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("Change listener connection attempt failed", zap.Error(err))
		}
	})
	return newListener(pl, migrate.NotifyChannel, logger)
}

func newListener(src notificationSource, channel string, logger *zap.Logger) *Listener {
	return &Listener{
		src:      src,
		channel:  channel,
		logger:   logger,
		subs:     make(map[string]*listenerSub),
		idlePing: 90 * time.Second,
		done:     make(chan struct{}),
	}
}

// Start issues LISTEN and dispatches notifications until ctx is done or Close is called.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.src.Listen(l.channel); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	go l.run(ctx)
	l.logger.Info("Change listener started", zap.String("channel", l.channel))
	return nil
}

func (l *Listener) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case n, ok := <-l.src.NotificationChannel():
			if !ok {
				return
			}
			if n == nil {
				// connection was re-established; missed rows are covered by polling
				continue
			}
			l.dispatch([]byte(n.Extra))
		case <-time.After(l.idlePing):
			go func() {
				if err := l.src.Ping(); err != nil {
					l.logger.Debug("Change listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

func (l *Listener) dispatch(payload []byte) {
	ev, err := backend.DecodeEvent(payload)
	if err != nil {
		l.logger.Warn("Dropping undecodable notification", zap.Error(err))
		return
	}
	row := ev.RowValues()

	l.mu.Lock()
	var targets []backend.Handler
	for _, s := range l.subs {
		if s.filter.Matches(ev.Entity, row) {
			targets = append(targets, s.handler)
		}
	}
	l.mu.Unlock()

	for _, h := range targets {
		h(ev)
	}
}

// Subscribe registers h for rows matching f.
func (l *Listener) Subscribe(_ context.Context, f backend.Filter, h backend.Handler) (backend.Subscription, error) {
	s := &listenerSub{id: uuid.NewString(), filter: f, handler: h, l: l}
	l.mu.Lock()
	l.subs[s.id] = s
	l.mu.Unlock()
	return s, nil
}

// Close stops dispatching and closes the connection.
func (l *Listener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.done)
		err = l.src.Close()
	})
	return err
}

type listenerSub struct {
	id      string
	filter  backend.Filter
	handler backend.Handler
	l       *Listener
}

func (s *listenerSub) ID() string             { return s.id }
func (s *listenerSub) Filter() backend.Filter { return s.filter }

func (s *listenerSub) Close() error {
	s.l.mu.Lock()
	delete(s.l.subs, s.id)
	s.l.mu.Unlock()
	return nil
}
