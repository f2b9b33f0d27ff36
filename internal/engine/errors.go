package engine

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by Dispatch once the engine no longer accepts
// events.
var ErrStopped = errors.New("engine stopped")

// RuntimeError reports an event the loop could not process.
type RuntimeError struct {
	Code        RuntimeErrorCode
	Message     string
	FlowToken   string
	CommunityID string
	Err         error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeInvalidEvent marks an event missing required fields.
	ErrCodeInvalidEvent RuntimeErrorCode = "INVALID_EVENT"

	// ErrCodeReconcileFailed marks a reload or first-contact
	// reconciliation that failed.
	ErrCodeReconcileFailed RuntimeErrorCode = "RECONCILE_FAILED"
)

func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.CommunityID != "" {
		msg += fmt.Sprintf(" (community=%s)", e.CommunityID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsInvalidEvent reports whether err is an ErrCodeInvalidEvent RuntimeError.
func IsInvalidEvent(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Code == ErrCodeInvalidEvent
}

// IsReconcileError reports whether err is an ErrCodeReconcileFailed
// RuntimeError.
func IsReconcileError(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Code == ErrCodeReconcileFailed
}

func invalidEvent(ev Event, format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Code:        ErrCodeInvalidEvent,
		Message:     fmt.Sprintf(format, args...),
		FlowToken:   ev.FlowToken,
		CommunityID: ev.CommunityID,
	}
}
