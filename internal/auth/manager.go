// Package auth owns the device's single user session: sign-in against the
// auth service, token claims, and the sign-in/sign-out event stream.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"postpart-sync/internal/models"
)

// Session is the signed-in user's credentials. Generation increases with
// every sign-in so stale work from an older session can be recognised.
type Session struct {
	UserID       string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Generation   uint64
}

// EventType distinguishes auth state changes.
type EventType string

const (
	SignedIn  EventType = "SIGNED_IN"
	SignedOut EventType = "SIGNED_OUT"
)

// Event is one auth state change.
type Event struct {
	Type    EventType
	Session Session // zero for SignedOut
	Reason  string
}

// Manager holds the current session and broadcasts auth state changes.
type Manager struct {
	idp    IdentityProvider
	logger *zap.Logger
	now    func() time.Time

	mu         sync.RWMutex
	session    *Session
	generation uint64
	listeners  []*listener
}

func NewManager(idp IdentityProvider, logger *zap.Logger) *Manager {
	return &Manager{idp: idp, logger: logger, now: time.Now}
}

// Subscribe returns a channel receiving every subsequent auth event. A slow
// reader never blocks the manager: while events wait, a newer event replaces
// any queued sign-in and repeated sign-outs collapse into one, so a sign-out
// is always delivered.
func (m *Manager) Subscribe() <-chan Event {
	l := &listener{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
	}
	go l.run()
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
	return l.out
}

// broadcast must be called with m.mu held.
func (m *Manager) broadcast(ev Event) {
	for _, l := range m.listeners {
		if l.push(ev) {
			m.logger.Debug("Coalesced queued auth events", zap.String("event", string(ev.Type)))
		}
	}
}

type listener struct {
	out  chan Event
	wake chan struct{}

	mu    sync.Mutex
	queue []Event
}

// push queues ev and reports whether queued events were coalesced.
func (l *listener) push(ev Event) bool {
	l.mu.Lock()
	kept := l.queue[:0]
	for _, q := range l.queue {
		if q.Type == SignedOut && ev.Type != SignedOut {
			kept = append(kept, q)
		}
	}
	coalesced := len(kept) != len(l.queue)
	l.queue = append(kept, ev)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return coalesced
}

func (l *listener) next() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return Event{}, false
	}
	ev := l.queue[0]
	l.queue = l.queue[1:]
	return ev, true
}

func (l *listener) run() {
	for range l.wake {
		for {
			ev, ok := l.next()
			if !ok {
				break
			}
			l.out <- ev
		}
	}
}

// SignIn validates the access token with the identity provider and starts a
// new session, replacing any previous one.
func (m *Manager) SignIn(ctx context.Context, accessToken, refreshToken string) (Session, error) {
	claims, err := ParseClaims(accessToken)
	if err != nil {
		return Session{}, err
	}
	if claims.Expired(m.now()) {
		return Session{}, fmt.Errorf("sign in: %w", models.ErrAuthExpired)
	}
	user, err := m.idp.CurrentUser(ctx, accessToken)
	if err != nil {
		return Session{}, fmt.Errorf("sign in: %w", err)
	}
	if user.ID != claims.Subject {
		return Session{}, fmt.Errorf("sign in: token subject %s does not match user %s", claims.Subject, user.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	s := Session{
		UserID:       user.ID,
		Email:        user.Email,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    claims.ExpiresAt,
		Generation:   m.generation,
	}
	m.session = &s
	m.broadcast(Event{Type: SignedIn, Session: s})
	m.logger.Info("Signed in", zap.String("user_id", s.UserID), zap.Uint64("generation", s.Generation))
	return s, nil
}

// SignOut ends the session. It is a no-op when nobody is signed in.
func (m *Manager) SignOut(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked(reason)
}

func (m *Manager) endLocked(reason string) {
	if m.session == nil {
		return
	}
	userID := m.session.UserID
	m.session = nil
	m.broadcast(Event{Type: SignedOut, Reason: reason})
	m.logger.Info("Signed out", zap.String("user_id", userID), zap.String("reason", reason))
}

// HandleAuthError ends the session if err is ErrAuthExpired and reports
// whether it did. Repeated reports for the same session end it only once.
func (m *Manager) HandleAuthError(err error) bool {
	if !errors.Is(err, models.ErrAuthExpired) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return false
	}
	m.endLocked("session expired")
	return true
}

// Session returns the current session.
func (m *Manager) Session() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// CurrentUserID returns the signed-in user id or "".
func (m *Manager) CurrentUserID() string {
	s, _ := m.Session()
	return s.UserID
}

// AccessToken returns the current bearer token or "".
func (m *Manager) AccessToken() string {
	s, _ := m.Session()
	return s.AccessToken
}
