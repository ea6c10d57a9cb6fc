package campaign

import (
	"errors"
	"fmt"
)

// ErrNoSendersAvailable means no eligible sending account exists at all for a
// campaign. It is distinct from "capacity exhausted right now", which the
// planner absorbs by spilling into future windows.
var ErrNoSendersAvailable = errors.New("no eligible sending accounts available")

// ValidationError reports a campaign configuration the engine refuses to
// schedule. No partial state is created when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid campaign configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid campaign configuration: %s: %s", e.Field, e.Reason)
}

// ConflictError reports a lifecycle operation that lost a race or targeted a
// state it is not allowed from. Callers retry or surface it; the engine never
// retries internally.
type ConflictError struct {
	Op     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: %s", e.Op, e.Reason)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PartialBatchError reports a persistence failure partway through batched
// writes. The counts describe what landed before the failure; the schedule is
// safe to reconcile again because writes are idempotent upserts.
type PartialBatchError struct {
	Written int
	Total   int
	Err     error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("schedule persistence failed after %d/%d rows: %v", e.Written, e.Total, e.Err)
}

func (e *PartialBatchError) Unwrap() error { return e.Err }
