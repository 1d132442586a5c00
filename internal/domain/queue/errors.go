package queue

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedEntry    = errors.New("malformed queue entry")
	ErrUnknownDurableID  = errors.New("unknown durable id")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleMutation     = errors.New("stale mutation")
	ErrInvalidAction     = errors.New("invalid action")
	ErrIndeterminate     = errors.New("request outcome indeterminate; re-query before retrying")
	ErrEngineStopped     = errors.New("queue engine stopped")
)

// EntryError reports a single entry that could not be ingested. The rest of
// its batch is unaffected.
type EntryError struct {
	Index     int       `json:"index"`
	DurableID DurableID `json:"durable_id,omitempty"`
	Reason    string    `json:"reason"`
	Err       error     `json:"-"`
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("entry %d (%s): %s", e.Index, e.DurableID, e.Reason)
}

func (e *EntryError) Unwrap() error { return e.Err }

// MergeConflict records a merge where an incoming leg registered earlier
// than the view's retained primary leg. The primary is kept and the
// conflict is surfaced in the batch result.
type MergeConflict struct {
	DedupKey        DedupKey  `json:"dedup_key"`
	RetainedPrimary DurableID `json:"retained_primary"`
	Challenger      DurableID `json:"challenger"`
}

// TransitionError carries the rejected transition.
type TransitionError struct {
	DurableID DurableID
	From      Status
	Action    Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s entry %s in status %s", e.Action, e.DurableID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// StaleError carries the version mismatch behind ErrStaleMutation.
type StaleError struct {
	DurableID DurableID
	Expected  int64
	Recorded  int64
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("entry %s: expected version %d, recorded %d", e.DurableID, e.Expected, e.Recorded)
}

func (e *StaleError) Unwrap() error { return ErrStaleMutation }
