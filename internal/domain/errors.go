package domain

import "errors"

// Error kinds returned by the engine. Callers match them with errors.Is; the
// wrapped message carries the detail needed to correct the request.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidState          = errors.New("invalid state")
	ErrIllegalTransition     = errors.New("illegal transition")
	ErrCapacityExceeded      = errors.New("capacity exceeded")
	ErrDuplicateAssignment   = errors.New("duplicate assignment")
	ErrNotVerifiable         = errors.New("not verifiable")
	ErrJobLocked             = errors.New("job locked")
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrConflict              = errors.New("conflict")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

var kinds = []struct {
	err  error
	code string
}{
	{ErrInvalidRequest, "invalid_request"},
	{ErrInvalidState, "invalid_state"},
	{ErrIllegalTransition, "illegal_transition"},
	{ErrCapacityExceeded, "capacity_exceeded"},
	{ErrDuplicateAssignment, "duplicate_assignment"},
	{ErrNotVerifiable, "not_verifiable"},
	{ErrJobLocked, "job_locked"},
	{ErrNotFound, "not_found"},
	{ErrUnauthorized, "unauthorized"},
	{ErrConflict, "conflict"},
	{ErrDependencyUnavailable, "dependency_unavailable"},
}

// KindOf returns the stable code of the first taxonomy error wrapped by err,
// or "internal" when err carries none.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return "internal"
}
