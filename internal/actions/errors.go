// Package actions performs the side effects a processed message warrants:
// sending replies and mutating the user's calendar.
package actions

import (
	"errors"
	"fmt"

	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
)

// Kind separates action failures worth retrying from final ones.
type Kind int

const (
	Transient Kind = iota + 1
	Terminal
)

func (k Kind) String() string {
	if k == Transient {
		return "transient"
	}
	return "terminal"
}

// ErrUnknownEvent is returned when an update or cancel names no event.
var ErrUnknownEvent = errors.New("no known event id")

// ActionError is the failure of a single action invocation.
type ActionError struct {
	Kind   Kind
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s action failed (%s): %v", e.Action, e.Kind, e.Err)
}

func (e *ActionError) Unwrap() error   { return e.Err }
func (e *ActionError) Retryable() bool { return e.Kind == Transient }

// IsTransient reports whether err is an action failure worth retrying.
func IsTransient(err error) bool {
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Kind == Transient
	}
	return providers.IsTransient(err)
}

func wrap(action string, err error) error {
	if err == nil {
		return nil
	}
	kind := Terminal
	if providers.IsTransient(err) {
		kind = Transient
	}
	return &ActionError{Kind: kind, Action: action, Err: err}
}

// ActionResult is what an executor reports back to the pipeline.
type ActionResult struct {
	Status     string `json:"status"`
	ExternalID string `json:"external_id,omitempty"`
}

const (
	StatusSent      = "sent"
	StatusCreated   = "created"
	StatusUpdated   = "updated"
	StatusCancelled = "cancelled"
)
