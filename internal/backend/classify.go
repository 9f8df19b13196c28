package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"

	"postpart-sync/internal/models"
)

// Postgres SQLSTATE codes the client reacts to.
const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
	codeRaiseException  = "P0001"
)

// APIError is a non-2xx response from an HTTP backend. Code carries the
// database SQLSTATE when the gateway forwards one.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

var networkMarkers = []string{
	"network",
	"fetch",
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"timeout",
	"broken pipe",
	"unexpected eof",
	"server closed",
}

// Classify maps a driver or transport error onto the error taxonomy. The
// result wraps both the taxonomy sentinel and the original error. Already
// classified errors and nil pass through unchanged.
func Classify(err error) error {
	if err == nil || isClassified(err) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyCode(string(pqErr.Code), pqErr.Message, err)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == 401:
			return fmt.Errorf("%w: %w", models.ErrAuthExpired, err)
		case apiErr.Code != "":
			return classifyCode(apiErr.Code, apiErr.Message, err)
		case apiErr.Status == 404:
			return fmt.Errorf("%w: %w", models.ErrNotFound, err)
		case apiErr.Status >= 500:
			return fmt.Errorf("%w: %w", models.ErrUnknownBackend, err)
		}
		return fmt.Errorf("%w: %w", models.ErrUnknownBackend, err)
	}

	if IsNetworkMessage(err) {
		return fmt.Errorf("%w: %w", models.ErrNetworkUnavailable, err)
	}
	return fmt.Errorf("%w: %w", models.ErrUnknownBackend, err)
}

func classifyCode(code, msg string, err error) error {
	switch {
	case code == codeUniqueViolation:
		return fmt.Errorf("%w: %w", models.ErrAlreadyCheckedIn, err)
	case code == codeCheckViolation:
		return fmt.Errorf("%w: %w", models.ErrLimitReached, err)
	case code == codeRaiseException && strings.Contains(strings.ToLower(msg), "capacity"):
		return fmt.Errorf("%w: %w", models.ErrLimitReached, err)
	}
	return fmt.Errorf("%w: %w", models.ErrUnknownBackend, err)
}

func isClassified(err error) bool {
	for _, target := range []error{
		models.ErrInvalidCode,
		models.ErrLimitReached,
		models.ErrVerificationFailed,
		models.ErrNetworkUnavailable,
		models.ErrAuthExpired,
		models.ErrUnknownBackend,
		models.ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNetworkMessage reports whether err looks like a transport failure, either
// by type or by the wording of its message.
func IsNetworkMessage(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range networkMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
