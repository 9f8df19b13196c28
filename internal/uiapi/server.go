// Package uiapi exposes the user data context to a local UI shell over HTTP.
package uiapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"postpart-sync/internal/checkin"
	"postpart-sync/internal/models"
	"postpart-sync/internal/refresh"
	"postpart-sync/internal/userdata"
)

// Facade is what the bridge needs from userdata.Context.
type Facade interface {
	Snapshot() userdata.Snapshot
	RefreshCategory(ctx context.Context, name string) error
	CheckIn(ctx context.Context, rawCode, childID string) (*checkin.Result, error)
	CheckOut(ctx context.Context) (*checkin.Result, error)
	MarkNotificationRead(ctx context.Context, parentNotificationID string) error
	ClearCache(ctx context.Context)
	HandleAppState(ctx context.Context, st refresh.AppState) bool
}

var _ Facade = (*userdata.Context)(nil)

const maxBody = 64 << 10

type Server struct {
	facade Facade
	logger *zap.Logger
}

func NewServer(facade Facade, logger *zap.Logger) *Server {
	return &Server{facade: facade, logger: logger}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
	r.Get("/state", s.handleState)
	r.Post("/refresh", s.handleRefresh)
	r.Post("/refresh/{category}", s.handleRefresh)
	r.Post("/checkin", s.handleCheckIn)
	r.Post("/checkout", s.handleCheckOut)
	r.Post("/notifications/{id}/read", s.handleMarkRead)
	r.Post("/cache/clear", s.handleClearCache)
	r.Post("/app-state", s.handleAppState)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("UI request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Ok(s.facade.Snapshot()))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if category == "" {
		category = "all"
	}
	if err := s.facade.RefreshCategory(r.Context(), category); err != nil {
		s.writeFailure(w, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(s.facade.Snapshot()))
}

type checkInRequest struct {
	Code    string `json:"code"`
	ChildID string `json:"child_id"`
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(ResultBadRequest, "invalid request body"))
		return
	}
	if req.Code == "" {
		writeJSON(w, http.StatusBadRequest, Fail(ResultBadRequest, "code is required"))
		return
	}
	res, err := s.facade.CheckIn(r.Context(), req.Code, req.ChildID)
	if err != nil {
		s.writeFailure(w, "checkin", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	res, err := s.facade.CheckOut(r.Context())
	if err != nil {
		s.writeFailure(w, "checkout", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.facade.MarkNotificationRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, "mark_notification_read", err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(s.facade.Snapshot().UnreadNotifications))
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	s.facade.ClearCache(r.Context())
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

type appStateRequest struct {
	State string `json:"state"`
}

func (s *Server) handleAppState(w http.ResponseWriter, r *http.Request) {
	var req appStateRequest
	if err := readBodyJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail(ResultBadRequest, "invalid request body"))
		return
	}
	st, ok := refresh.ParseAppState(req.State)
	if !ok {
		writeJSON(w, http.StatusBadRequest, Fail(ResultBadRequest, "state must be active, background or inactive"))
		return
	}
	refreshed := s.facade.HandleAppState(r.Context(), st)
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"refreshed": refreshed}))
}

// writeFailure maps the error taxonomy onto result codes. Anything not in
// the taxonomy is logged and reported generically.
func (s *Server) writeFailure(w http.ResponseWriter, operation string, err error) {
	var blocked *checkin.BlockedError
	var selection *checkin.SelectionError

	switch {
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusForbidden, Result[any]{
			Code: ResultAccountInactive, Type: "warning", Message: blocked.Decision.Reason, Result: blocked.Decision,
		})
	case errors.As(err, &selection):
		writeJSON(w, http.StatusConflict, Result[any]{
			Code: ResultChildSelection, Type: "warning", Message: "Choose which child to check in.", Result: selection.Children,
		})
	case errors.Is(err, userdata.ErrNotSignedIn):
		writeJSON(w, http.StatusUnauthorized, Fail(ResultNotSignedIn, "Please sign in."))
	case errors.Is(err, models.ErrAuthExpired):
		writeJSON(w, http.StatusUnauthorized, Fail(ResultTokenExpired, "Your session has expired. Please sign in again."))
	case errors.Is(err, userdata.ErrUnknownCategory):
		writeJSON(w, http.StatusNotFound, Fail(ResultBadRequest, err.Error()))
	case errors.Is(err, models.ErrInvalidCode):
		writeJSON(w, http.StatusUnprocessableEntity, Fail(ResultInvalidCode, "This code is not valid. Please scan again."))
	case errors.Is(err, models.ErrAlreadyCheckedIn):
		writeJSON(w, http.StatusConflict, Fail(ResultAlreadyCheckedIn, "You are already checked in. Check out first."))
	case errors.Is(err, models.ErrLimitReached):
		writeJSON(w, http.StatusConflict, Fail(ResultLimitReached, "This centre cannot take more check-ins right now. Please contact an administrator."))
	case errors.Is(err, models.ErrVerificationFailed):
		writeJSON(w, http.StatusBadGateway, Fail(ResultVerificationFailed, "Check-out could not be confirmed. Please contact support."))
	case errors.Is(err, checkin.ErrNoChildren):
		writeJSON(w, http.StatusUnprocessableEntity, Fail(ResultNoChildren, "Add a child to your profile before checking in."))
	case errors.Is(err, checkin.ErrChildNotFound):
		writeJSON(w, http.StatusUnprocessableEntity, Fail(ResultChildNotFound, "That child is not on your profile."))
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Fail(ResultNotFound, "Not found."))
	case models.IsNetwork(err):
		writeJSON(w, http.StatusServiceUnavailable, Fail(ResultNetwork, "You appear to be offline. Showing saved data."))
	default:
		s.logger.Error("UI action failed", zap.String("operation", operation), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(ResultError, "Something went wrong. Please try again."))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readBodyJSON(r *http.Request, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
