// Package simerr holds the error taxonomy shared by the scheduler and the
// entity-location registry. Packages wrap these sentinels with context so
// callers can match them with errors.Is.
package simerr

import "errors"

var (
	// ErrInvalidArgument indicates a nil/absent entity, location or action,
	// or a negative duration. It is always returned at the call site that
	// introduced the bad value.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInconsistentState indicates the registry's forward and reverse maps
	// disagree. It is unreachable through the published operations and must
	// be treated as fatal.
	ErrInconsistentState = errors.New("inconsistent state")

	// ErrActionFailed indicates an action returned an error while being
	// dispatched. The tick that dispatched it is abandoned.
	ErrActionFailed = errors.New("action execution failed")
)
