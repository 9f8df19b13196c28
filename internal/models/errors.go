package models

import "errors"

// Error taxonomy. Backend adapters classify driver and transport failures into
// these; the check-in engine adds its own domain errors on top.
var (
	// ErrInvalidCode: scanned code is not in the active-code registry.
	ErrInvalidCode = errors.New("invalid or inactive check-in code")
	// ErrLimitReached: server-side capacity or allocation constraint rejected the insert.
	ErrLimitReached = errors.New("check-in limit reached")
	// ErrVerificationFailed: a write reported success but the re-read disagrees.
	ErrVerificationFailed = errors.New("check-out could not be verified")
	// ErrNetworkUnavailable: transport-level failure; cached state stays valid.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrAuthExpired: the session credentials are no longer accepted.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrUnknownBackend: any other backend failure.
	ErrUnknownBackend = errors.New("backend error")
	// ErrNotFound: a single-row read matched nothing.
	ErrNotFound = errors.New("not found")
)

// IsNetwork reports whether err is network-class.
func IsNetwork(err error) bool { return errors.Is(err, ErrNetworkUnavailable) }

// IsAuthExpired reports whether err means the session must end.
func IsAuthExpired(err error) bool { return errors.Is(err, ErrAuthExpired) }

// limitError is an error that also matches ErrLimitReached.
type limitError struct{ msg string }

func (e *limitError) Error() string { return e.msg }

func (e *limitError) Is(target error) bool { return target == ErrLimitReached }

// ErrAlreadyCheckedIn: the parent already has an open check-in. It is a
// limit-class error, so errors.Is(err, ErrLimitReached) holds as well.
var ErrAlreadyCheckedIn error = &limitError{msg: "already checked in"}
