package auth

import (
	"errors"
	"fmt"
)

// Kind classifies why a valid credential could not be produced.
type Kind int

const (
	// NotFound means no credential record exists for the user.
	NotFound Kind = iota + 1
	// Invalid means the grant was rejected and the user must re-authenticate.
	Invalid
	// Transient means the refresh may succeed if tried again later.
	Transient
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Invalid:
		return "invalid"
	case Transient:
		return "transient"
	}
	return "unknown"
}

// CredentialError is returned by the broker for every failure.
type CredentialError struct {
	Kind   Kind
	UserID string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("credential %s for user %s", e.Kind, e.UserID)
	}
	return fmt.Sprintf("credential %s for user %s: %v", e.Kind, e.UserID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Retryable reports whether a later attempt may succeed.
func (e *CredentialError) Retryable() bool { return e.Kind == Transient }

// KindOf returns the credential failure kind anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var ce *CredentialError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}
