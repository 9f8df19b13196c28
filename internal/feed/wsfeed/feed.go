// Package wsfeed is a backend.ChangeFeed over a realtime websocket channel.
// One connection carries every subscription; topics are filter strings such
// as "checkins:parent_id=eq.u1".
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"postpart-sync/internal/backend"
)

const maxBackoff = 30 * time.Second

// Frame is the wire message in both directions.
type Frame struct {
	Action  string          `json:"action"` // subscribe | unsubscribe | change
	Topic   string          `json:"topic"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TokenSource supplies the bearer token sent on dial.
type TokenSource interface {
	AccessToken() string
}

// Feed keeps one websocket connection and reconnects with backoff.
type Feed struct {
	url    string
	tokens TokenSource
	dialer *websocket.Dialer
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*subscription
	closed bool

	writeMu sync.Mutex
}

var _ backend.ChangeFeed = (*Feed)(nil)

func New(url string, tokens TokenSource, logger *zap.Logger) *Feed {
	return &Feed{
		url:    url,
		tokens: tokens,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
		subs:   make(map[string]*subscription),
	}
}

var errClosed = errors.New("websocket feed closed")

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if f.tokens != nil {
		if tok := f.tokens.AccessToken(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	conn, _, err := f.dialer.DialContext(ctx, f.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial realtime channel: %w", err)
	}
	return conn, nil
}

// connection returns the live connection, dialing when there is none.
func (f *Feed) connection(ctx context.Context) (*websocket.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errClosed
	}
	if f.conn != nil {
		return f.conn, nil
	}
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	f.conn = conn
	go f.readLoop(conn)
	f.logger.Info("Realtime channel connected", zap.String("url", f.url))
	return conn, nil
}

func (f *Feed) send(conn *websocket.Conn, fr Frame) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteJSON(fr)
}

func (f *Feed) Subscribe(ctx context.Context, filter backend.Filter, h backend.Handler) (backend.Subscription, error) {
	conn, err := f.connection(ctx)
	if err != nil {
		return nil, err
	}
	s := &subscription{id: uuid.NewString(), filter: filter, topic: filter.String(), handler: h, feed: f}

	// registered before the subscribe frame so an immediate reply is not lost
	f.mu.Lock()
	f.subs[s.id] = s
	f.mu.Unlock()

	if err := f.send(conn, Frame{Action: "subscribe", Topic: s.topic, Ref: s.id}); err != nil {
		f.mu.Lock()
		delete(f.subs, s.id)
		f.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	return s, nil
}

func (f *Feed) unsubscribe(s *subscription) error {
	f.mu.Lock()
	if _, ok := f.subs[s.id]; !ok {
		f.mu.Unlock()
		return nil
	}
	delete(f.subs, s.id)
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	return f.send(conn, Frame{Action: "unsubscribe", Topic: s.topic, Ref: s.id})
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		var fr Frame
		if err := conn.ReadJSON(&fr); err != nil {
			f.onDisconnect(conn, err)
			return
		}
		if fr.Action != "change" {
			continue
		}
		ev, err := backend.DecodeEvent(fr.Payload)
		if err != nil {
			f.logger.Warn("Dropping undecodable realtime frame", zap.String("topic", fr.Topic), zap.Error(err))
			continue
		}
		row := ev.RowValues()

		f.mu.Lock()
		var handlers []backend.Handler
		for _, s := range f.subs {
			if s.topic == fr.Topic && (row == nil || s.filter.Matches(ev.Entity, row)) {
				handlers = append(handlers, s.handler)
			}
		}
		f.mu.Unlock()

		for _, h := range handlers {
			h(ev)
		}
	}
}

func (f *Feed) onDisconnect(conn *websocket.Conn, err error) {
	f.mu.Lock()
	if f.conn == conn {
		f.conn = nil
	}
	closed := f.closed
	f.mu.Unlock()
	_ = conn.Close()
	if closed {
		return
	}
	f.logger.Warn("Realtime channel disconnected", zap.Error(err))
	go f.reconnect()
}

func (f *Feed) reconnect() {
	backoff := time.Second
	for {
		f.mu.Lock()
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return
		}

		conn, err := f.connection(context.Background())
		if err == nil {
			f.resubscribe(conn)
			return
		}
		if errors.Is(err, errClosed) {
			return
		}
		f.logger.Warn("Realtime reconnect failed", zap.Duration("backoff", backoff), zap.Error(err))
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (f *Feed) resubscribe(conn *websocket.Conn) {
	f.mu.Lock()
	subs := make([]*subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		if err := f.send(conn, Frame{Action: "subscribe", Topic: s.topic, Ref: s.id}); err != nil {
			f.logger.Warn("Realtime resubscribe failed", zap.String("topic", s.topic), zap.Error(err))
		}
	}
}

// Close drops the connection and every subscription.
func (f *Feed) Close() error {
	f.mu.Lock()
	f.closed = true
	conn := f.conn
	f.conn = nil
	f.subs = make(map[string]*subscription)
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	f.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	f.writeMu.Unlock()
	return conn.Close()
}

type subscription struct {
	id      string
	filter  backend.Filter
	topic   string
	handler backend.Handler
	feed    *Feed
}

func (s *subscription) ID() string             { return s.id }
func (s *subscription) Filter() backend.Filter { return s.filter }
func (s *subscription) Close() error           { return s.feed.unsubscribe(s) }
