package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"postpart-sync/internal/backend"
	"postpart-sync/internal/models"
)

// User is the identity returned by the auth service.
type User struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"user_metadata,omitempty"`
}

// IdentityProvider resolves the user behind an access token.
type IdentityProvider interface {
	CurrentUser(ctx context.Context, accessToken string) (*User, error)
}

// Client talks to the auth service's user endpoint.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

var _ IdentityProvider = (*Client)(nil)

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")+"/auth/v1").
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		c.SetHeader("apikey", apiKey)
	}
	return &Client{http: c, logger: logger}
}

// CurrentUser returns the token's user. A rejected token is ErrAuthExpired.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	var u User
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetResult(&u).
		Get("/user")
	if err != nil {
		return nil, backend.Classify(fmt.Errorf("auth user request: %w", err))
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return nil, fmt.Errorf("auth user request: %w", models.ErrAuthExpired)
	case resp.IsError():
		c.logger.Warn("Auth service rejected user request", zap.Int("status_code", resp.StatusCode()))
		return nil, backend.Classify(&backend.APIError{Status: resp.StatusCode(), Message: string(resp.Body())})
	}
	if u.ID == "" {
		return nil, fmt.Errorf("auth user request: empty user: %w", models.ErrUnknownBackend)
	}
	return &u, nil
}
