// Package rest is the backend.Store over a PostgREST-style HTTP gateway.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"postpart-sync/internal/backend"
)

// TokenSource supplies the bearer token of the current session.
type TokenSource interface {
	AccessToken() string
}

// Options configures the HTTP client.
type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RetryCount int
}

// Store implements backend.Store against /rest/v1.
type Store struct {
	http   *resty.Client
	tokens TokenSource
	logger *zap.Logger
}

var _ backend.Store = (*Store)(nil)

// New creates a REST store. tokens may be nil for anonymous access.
func New(opts Options, tokens TokenSource, logger *zap.Logger) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")+"/rest/v1").
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if opts.APIKey != "" {
		client.SetHeader("apikey", opts.APIKey)
	}
	return &Store{http: client, tokens: tokens, logger: logger}
}

func (s *Store) request(ctx context.Context) *resty.Request {
	req := s.http.R().SetContext(ctx)
	if s.tokens != nil {
		if tok := s.tokens.AccessToken(); tok != "" {
			req.SetAuthToken(tok)
		}
	}
	return req
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
	Details string `json:"details"`
}

// send executes req and decodes a JSON response body into out when non-nil.
// Failures come back classified.
func (s *Store) send(req *resty.Request, method, path string, out any) error {
	resp, err := req.Execute(method, path)
	if err != nil {
		return backend.Classify(fmt.Errorf("%s %s: %w", method, path, err))
	}
	if resp.IsError() {
		var body errorBody
		_ = json.Unmarshal(resp.Body(), &body)
		msg := body.Message
		if msg == "" {
			msg = body.Msg
		}
		if msg == "" {
			msg = strings.TrimSpace(string(resp.Body()))
		}
		apiErr := &backend.APIError{Status: resp.StatusCode(), Code: body.Code, Message: msg}
		s.logger.Debug("Backend request rejected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status_code", apiErr.Status),
			zap.String("code", apiErr.Code),
		)
		return backend.Classify(apiErr)
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

func eq(v string) string { return "eq." + v }

// embedded decodes a related record that the gateway may render either as an
// object or as a one-element array. It reports false for null or empty input.
func embedded(raw json.RawMessage, dest any) (bool, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return false, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return false, err
		}
		if len(list) == 0 {
			return false, nil
		}
		raw = list[0]
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}
