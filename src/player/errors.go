package player

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the session core can surface. InputError
// and StateError are rejected synchronously and never retried; RateLimited
// and Timeout are the only kinds the resolver retries internally.
type Kind int

const (
	KindInternal Kind = iota
	KindInput
	KindState
	KindTransport
	KindNotFound
	KindAuthRequired
	KindRateLimited
	KindTimeout
	KindRegionBlocked
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "InputError"
	case KindState:
		return "StateError"
	case KindTransport:
		return "TransportError"
	case KindNotFound:
		return "NotFound"
	case KindAuthRequired:
		return "AuthRequired"
	case KindRateLimited:
		return "RateLimited"
	case KindTimeout:
		return "Timeout"
	case KindRegionBlocked:
		return "RegionBlocked"
	default:
		return "InternalError"
	}
}

// Error carries a failure kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a kinded error from a format string.
func Errf(kind Kind, format string, v ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, v...)}
}

// Wrap attaches a kind to an underlying error. A nil err returns nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// Retryable reports whether the resolver may retry err with backoff.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindRateLimited || k == KindTimeout
}
