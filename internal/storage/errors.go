package storage

import (
	"errors"
	"fmt"

	"github.com/metsuke-ai/metsuke/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// StatusConflictError is returned when a guarded transition finds the run
// in a status outside the allowed set. Carries the status actually seen so
// callers can distinguish terminal re-entry from a lost race.
type StatusConflictError struct {
	Current model.RunStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("storage: run status conflict: currently %s", e.Current)
}

// IsStatusConflict reports whether err is a guarded-transition conflict and
// returns the status the run was actually in.
func IsStatusConflict(err error) (model.RunStatus, bool) {
	var sc *StatusConflictError
	if errors.As(err, &sc) {
		return sc.Current, true
	}
	return "", false
}
