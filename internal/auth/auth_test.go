package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"postpart-sync/internal/models"
)

func signToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	claims := accessClaims{
		Email: sub + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

type mockIDP struct{ mock.Mock }

func (m *mockIDP) CurrentUser(ctx context.Context, token string) (*User, error) {
	args := m.Called(ctx, token)
	if u := args.Get(0); u != nil {
		return u.(*User), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestParseClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	c, err := ParseClaims(signToken(t, "u1", exp))
	require.NoError(t, err)
	assert.Equal(t, "u1", c.Subject)
	assert.Equal(t, "u1@example.com", c.Email)
	assert.True(t, c.ExpiresAt.Equal(exp))
	assert.False(t, c.Expired(time.Now()))
	assert.True(t, c.Expired(exp))

	_, err = ParseClaims("not-a-jwt")
	assert.Error(t, err)
}

func TestManager_SignInAndOut(t *testing.T) {
	idp := &mockIDP{}
	tok := signToken(t, "u1", time.Now().Add(time.Hour))
	idp.On("CurrentUser", mock.Anything, tok).Return(&User{ID: "u1", Email: "u1@example.com"}, nil)

	m := NewManager(idp, zap.NewNop())
	events := m.Subscribe()

	s, err := m.SignIn(context.Background(), tok, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Generation)
	assert.Equal(t, "u1", m.CurrentUserID())
	assert.Equal(t, tok, m.AccessToken())

	ev := <-events
	assert.Equal(t, SignedIn, ev.Type)
	assert.Equal(t, "u1", ev.Session.UserID)

	m.SignOut("user request")
	ev = <-events
	assert.Equal(t, SignedOut, ev.Type)
	_, ok := m.Session()
	assert.False(t, ok)

	m.SignOut("again")
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev.Type)
	default:
	}

	s2, err := m.SignIn(context.Background(), tok, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s2.Generation)
}

func TestManager_SignIn_Rejections(t *testing.T) {
	idp := &mockIDP{}
	expired := signToken(t, "u1", time.Now().Add(-time.Minute))
	mismatch := signToken(t, "u2", time.Now().Add(time.Hour))
	revoked := signToken(t, "u3", time.Now().Add(time.Hour))
	idp.On("CurrentUser", mock.Anything, mismatch).Return(&User{ID: "someone-else"}, nil)
	idp.On("CurrentUser", mock.Anything, revoked).Return(nil, models.ErrAuthExpired)

	m := NewManager(idp, zap.NewNop())

	_, err := m.SignIn(context.Background(), expired, "")
	assert.ErrorIs(t, err, models.ErrAuthExpired)
	_, err = m.SignIn(context.Background(), mismatch, "")
	assert.Error(t, err)
	_, err = m.SignIn(context.Background(), revoked, "")
	assert.ErrorIs(t, err, models.ErrAuthExpired)
	_, ok := m.Session()
	assert.False(t, ok)
}

func TestManager_HandleAuthError_EndsSessionOnce(t *testing.T) {
	idp := &mockIDP{}
	tok := signToken(t, "u1", time.Now().Add(time.Hour))
	idp.On("CurrentUser", mock.Anything, tok).Return(&User{ID: "u1"}, nil)

	m := NewManager(idp, zap.NewNop())
	_, err := m.SignIn(context.Background(), tok, "")
	require.NoError(t, err)
	events := m.Subscribe()

	assert.False(t, m.HandleAuthError(errors.New("boom")))
	assert.True(t, m.HandleAuthError(models.ErrAuthExpired))
	assert.False(t, m.HandleAuthError(models.ErrAuthExpired))

	ev := <-events
	assert.Equal(t, SignedOut, ev.Type)
	assert.Equal(t, "session expired", ev.Reason)
	assert.Len(t, events, 0)
}

func drain(events <-chan Event) []Event {
	var got []Event
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(100 * time.Millisecond):
			return got
		}
	}
}

func TestManager_SlowListenerStillGetsSignOut(t *testing.T) {
	idp := &mockIDP{}
	tok := signToken(t, "u1", time.Now().Add(time.Hour))
	idp.On("CurrentUser", mock.Anything, tok).Return(&User{ID: "u1"}, nil)

	m := NewManager(idp, zap.NewNop())
	events := m.Subscribe()

	for i := 0; i < 40; i++ {
		_, err := m.SignIn(context.Background(), tok, "")
		require.NoError(t, err)
		m.SignOut("user request")
	}

	got := drain(events)
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 2)
	assert.Equal(t, SignedOut, got[len(got)-1].Type)
}

func TestManager_SlowListenerGetsLatestSignIn(t *testing.T) {
	idp := &mockIDP{}
	tok := signToken(t, "u1", time.Now().Add(time.Hour))
	idp.On("CurrentUser", mock.Anything, tok).Return(&User{ID: "u1"}, nil)

	m := NewManager(idp, zap.NewNop())
	events := m.Subscribe()

	_, err := m.SignIn(context.Background(), tok, "")
	require.NoError(t, err)
	m.SignOut("user request")
	for i := 0; i < 40; i++ {
		_, err := m.SignIn(context.Background(), tok, "")
		require.NoError(t, err)
	}

	got := drain(events)
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 3)
	last := got[len(got)-1]
	assert.Equal(t, SignedIn, last.Type)
	assert.Equal(t, uint64(41), last.Session.Generation)

	var sawSignOut bool
	for _, ev := range got {
		sawSignOut = sawSignOut || ev.Type == SignedOut
	}
	assert.True(t, sawSignOut)
}

func TestClient_CurrentUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/user", r.URL.Path)
		assert.Equal(t, "anon", r.Header.Get("apikey"))
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"u1","email":"u1@example.com","user_metadata":{"full_name":"Jane"}}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "anon", time.Second, zap.NewNop())

	u, err := c.CurrentUser(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "Jane", u.Metadata["full_name"])

	_, err = c.CurrentUser(context.Background(), "stale")
	assert.ErrorIs(t, err, models.ErrAuthExpired)
}
