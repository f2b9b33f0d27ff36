package community

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCommunity is returned for a submission naming a community
	// that is not served.
	ErrUnknownCommunity = errors.New("unknown community")

	// ErrNotParticipant is returned when the submitter is not on the roster.
	ErrNotParticipant = errors.New("not a participant")
)

// FormatError reports a submission that does not follow the grammar.
// The caller renders Hint to the user.
type FormatError struct {
	Input  string
	Reason string
	Scoped bool
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed submission: %s", e.Reason)
}

// Hint is the user-facing usage message.
func (e *FormatError) Hint() string {
	if e.Scoped {
		return "Please send your answer in the following format: <challenge name>:<flag>"
	}
	return "Please send your answer in the following format: <challenge name>:<flag>#COMMUNITY_ID"
}

// IsFormatError reports whether err is a FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// PersistenceError reports a failed durable-storage operation. In-memory
// state stays authoritative; a failed save is retried on the next save.
type PersistenceError struct {
	Op          string
	CommunityID string
	Err         error
}

func (e *PersistenceError) Error() string {
	if e.CommunityID != "" {
		return fmt.Sprintf("persistence %s (community=%s): %v", e.Op, e.CommunityID, e.Err)
	}
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err is a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
