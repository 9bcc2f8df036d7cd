package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind separates failures worth retrying from those that are not.
type Kind int

const (
	Transient Kind = iota + 1
	Terminal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

var (
	// ErrNotFound matches provider errors for missing or deleted objects.
	ErrNotFound = errors.New("provider: not found")
	// ErrConflict matches provider errors for objects that already exist.
	ErrConflict = errors.New("provider: conflict")
)

// Error is a classified provider failure.
type Error struct {
	Kind Kind
	Op   string
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (%d): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound || e.Code == http.StatusGone
	case ErrConflict:
		return e.Code == http.StatusConflict
	}
	return false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Classify wraps err for op given the HTTP status the provider answered with
// (0 when no response arrived) and whether the provider flagged it a rate limit.
// Without a response the failure is transient unless something in the chain
// says it is not retryable, as an invalid credential does.
func Classify(op string, code int, rateLimited bool, err error) *Error {
	kind := Terminal
	switch {
	case code == 0:
		kind = Transient
		var r interface{ Retryable() bool }
		if errors.As(err, &r) && !r.Retryable() {
			kind = Terminal
		}
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		kind = Transient
	case code == http.StatusForbidden && rateLimited:
		kind = Transient
	}
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}
