package uiapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"postpart-sync/internal/checkin"
	"postpart-sync/internal/models"
	"postpart-sync/internal/refresh"
	"postpart-sync/internal/status"
	"postpart-sync/internal/userdata"
)

type mockFacade struct{ mock.Mock }

func (m *mockFacade) Snapshot() userdata.Snapshot {
	return m.Called().Get(0).(userdata.Snapshot)
}

func (m *mockFacade) RefreshCategory(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *mockFacade) CheckIn(ctx context.Context, rawCode, childID string) (*checkin.Result, error) {
	args := m.Called(ctx, rawCode, childID)
	res, _ := args.Get(0).(*checkin.Result)
	return res, args.Error(1)
}

func (m *mockFacade) CheckOut(ctx context.Context) (*checkin.Result, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*checkin.Result)
	return res, args.Error(1)
}

func (m *mockFacade) MarkNotificationRead(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockFacade) ClearCache(ctx context.Context) {
	m.Called(ctx)
}

func (m *mockFacade) HandleAppState(ctx context.Context, st refresh.AppState) bool {
	return m.Called(ctx, st).Bool(0)
}

type envelope struct {
	Code    int             `json:"code"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestState(t *testing.T) {
	f := &mockFacade{}
	f.On("Snapshot").Return(userdata.Snapshot{UserID: "u1", UnreadNotifications: 3})
	h := NewServer(f, zap.NewNop()).Router()

	code, env := do(t, h, http.MethodGet, "/state", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, ResultSuccess, env.Code)

	var snap userdata.Snapshot
	require.NoError(t, json.Unmarshal(env.Result, &snap))
	assert.Equal(t, "u1", snap.UserID)
	assert.Equal(t, 3, snap.UnreadNotifications)
}

func TestRefresh(t *testing.T) {
	f := &mockFacade{}
	f.On("Snapshot").Return(userdata.Snapshot{UserID: "u1"})
	f.On("RefreshCategory", mock.Anything, "all").Return(nil).Once()
	f.On("RefreshCategory", mock.Anything, "children").Return(nil).Once()
	f.On("RefreshCategory", mock.Anything, "weather").Return(fmt.Errorf("%w: weather", userdata.ErrUnknownCategory)).Once()
	h := NewServer(f, zap.NewNop()).Router()

	code, env := do(t, h, http.MethodPost, "/refresh", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, ResultSuccess, env.Code)

	code, _ = do(t, h, http.MethodPost, "/refresh/children", "")
	assert.Equal(t, http.StatusOK, code)

	code, env = do(t, h, http.MethodPost, "/refresh/weather", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, ResultBadRequest, env.Code)

	f.AssertExpectations(t)
}

func TestCheckIn_Success(t *testing.T) {
	f := &mockFacade{}
	f.On("CheckIn", mock.Anything, "CTR-A", "k1").Return(&checkin.Result{
		CheckIn: &models.CheckIn{ID: "c1"},
		Centre:  &models.Centre{ID: "centre-a", Name: "Acorn"},
	}, nil)
	h := NewServer(f, zap.NewNop()).Router()

	code, env := do(t, h, http.MethodPost, "/checkin", `{"code":"CTR-A","child_id":"k1"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, ResultSuccess, env.Code)
	assert.Contains(t, string(env.Result), `"name":"Acorn"`)
}

func TestCheckIn_BadRequest(t *testing.T) {
	h := NewServer(&mockFacade{}, zap.NewNop()).Router()

	code, env := do(t, h, http.MethodPost, "/checkin", `{`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, ResultBadRequest, env.Code)

	code, env = do(t, h, http.MethodPost, "/checkin", `{"child_id":"k1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, ResultBadRequest, env.Code)
}

func TestCheckIn_ErrorCodes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   int
	}{
		{"invalid code", fmt.Errorf("lookup: %w", models.ErrInvalidCode), http.StatusUnprocessableEntity, ResultInvalidCode},
		{"already checked in", fmt.Errorf("insert: %w", models.ErrAlreadyCheckedIn), http.StatusConflict, ResultAlreadyCheckedIn},
		{"limit", fmt.Errorf("insert: %w", models.ErrLimitReached), http.StatusConflict, ResultLimitReached},
		{"no children", checkin.ErrNoChildren, http.StatusUnprocessableEntity, ResultNoChildren},
		{"child not found", checkin.ErrChildNotFound, http.StatusUnprocessableEntity, ResultChildNotFound},
		{"selection", &checkin.SelectionError{Children: []models.Child{{ID: "k1"}, {ID: "k2"}}}, http.StatusConflict, ResultChildSelection},
		{"blocked", &checkin.BlockedError{Decision: status.Authorize(&models.Profile{Status: models.StatusSuspended})}, http.StatusForbidden, ResultAccountInactive},
		{"not signed in", userdata.ErrNotSignedIn, http.StatusUnauthorized, ResultNotSignedIn},
		{"auth expired", fmt.Errorf("%w: jwt expired", models.ErrAuthExpired), http.StatusUnauthorized, ResultTokenExpired},
		{"offline", fmt.Errorf("%w: dial tcp", models.ErrNetworkUnavailable), http.StatusServiceUnavailable, ResultNetwork},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ResultError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &mockFacade{}
			f.On("CheckIn", mock.Anything, "CTR-A", "").Return(nil, tc.err)
			h := NewServer(f, zap.NewNop()).Router()

			code, env := do(t, h, http.MethodPost, "/checkin", `{"code":"CTR-A"}`)
			assert.Equal(t, tc.status, code)
			assert.Equal(t, tc.code, env.Code)
			assert.NotEmpty(t, env.Message)
		})
	}
}

func TestCheckIn_BlockedCarriesReason(t *testing.T) {
	f := &mockFacade{}
	f.On("CheckIn", mock.Anything, "CTR-A", "").Return(nil,
		&checkin.BlockedError{Decision: status.Authorize(&models.Profile{Status: models.StatusInactive})})
	h := NewServer(f, zap.NewNop()).Router()

	_, env := do(t, h, http.MethodPost, "/checkin", `{"code":"CTR-A"}`)
	assert.Equal(t, status.ReasonInactive, env.Message)
	assert.Equal(t, "warning", env.Type)
}

func TestCheckOut(t *testing.T) {
	f := &mockFacade{}
	f.On("CheckOut", mock.Anything).Return(&checkin.Result{NothingToCheckOut: true}, nil).Once()
	f.On("CheckOut", mock.Anything).Return(nil, fmt.Errorf("re-read: %w", models.ErrVerificationFailed)).Once()
	h := NewServer(f, zap.NewNop()).Router()

	code, env := do(t, h, http.MethodPost, "/checkout", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Result), `"nothing_to_checkout":true`)

	code, env = do(t, h, http.MethodPost, "/checkout", "")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, ResultVerificationFailed, env.Code)
}

func TestMarkNotificationRead(t *testing.T) {
	f := &mockFacade{}
	f.On("MarkNotificationRead", mock.Anything, "pn-1").Return(nil)
	f.On("MarkNotificationRead", mock.Anything, "pn-x").Return(fmt.Errorf("mark: %w", models.ErrNotFound))
	f.On("Snapshot").Return(userdata.Snapshot{UnreadNotifications: 0})
	h := NewServer(f, zap.NewNop()).Router()

	code, env := do(t, h, http.MethodPost, "/notifications/pn-1/read", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0", strings.TrimSpace(string(env.Result)))

	code, env = do(t, h, http.MethodPost, "/notifications/pn-x/read", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, ResultNotFound, env.Code)
}

func TestClearCache(t *testing.T) {
	f := &mockFacade{}
	f.On("ClearCache", mock.Anything).Return()
	h := NewServer(f, zap.NewNop()).Router()

	code, env := do(t, h, http.MethodPost, "/cache/clear", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, ResultSuccess, env.Code)
	f.AssertCalled(t, "ClearCache", mock.Anything)
}

func TestAppState(t *testing.T) {
	f := &mockFacade{}
	f.On("HandleAppState", mock.Anything, refresh.AppActive).Return(true)
	h := NewServer(f, zap.NewNop()).Router()

	code, env := do(t, h, http.MethodPost, "/app-state", `{"state":"active"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"refreshed":true}`, string(env.Result))

	code, env = do(t, h, http.MethodPost, "/app-state", `{"state":"asleep"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, ResultBadRequest, env.Code)
}

func TestHealth(t *testing.T) {
	h := NewServer(&mockFacade{}, zap.NewNop()).Router()
	code, env := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(env.Result))
}
