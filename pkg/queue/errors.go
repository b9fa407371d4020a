package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrActionQueued is reported by Execute when the action was deferred because the signal was offline.
	ErrActionQueued = errors.New("action queued while offline")
	// ErrActionQueuedAfterFailure is reported by Execute when the action failed and connectivity was lost meanwhile.
	ErrActionQueuedAfterFailure = errors.New("action failed while going offline and was queued for retry")

	ErrActionNotFound = errors.New("pending action not found")
	ErrRetryInFlight  = errors.New("retry already in flight")
	ErrNoReplayFunc   = errors.New("no replay function registered")
	ErrInvalidPayload = errors.New("action payload is not valid JSON")
)

// QueuedError carries the id of the queued action. errors.Is matches both
// the reason sentinel and, when present, the error returned by the action.
type QueuedError struct {
	ActionID string
	Reason   error
	Cause    error
}

func (e *QueuedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v (action %s): %v", e.Reason, e.ActionID, e.Cause)
	}
	return fmt.Sprintf("%v (action %s)", e.Reason, e.ActionID)
}

func (e *QueuedError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Reason, e.Cause}
	}
	return []error{e.Reason}
}
