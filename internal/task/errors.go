package task

import (
	"errors"
	"fmt"

	"github.com/sevir/fetch/pkg/models"
)

var (
	// ErrNotFound is returned for unknown task IDs.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a task is created while another is active.
	ErrConflict = errors.New("another task is already active")
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrInvalidRequest reports a malformed create request.
	ErrInvalidRequest = errors.New("invalid task request")
	// ErrActive is returned when deleting a task that has not finished.
	ErrActive = errors.New("task is still active")
)

// TransitionError describes a rejected state change. Status is left untouched.
type TransitionError struct {
	TaskID string
	From   models.TaskStatus
	To     models.TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot transition from %s to %s", e.TaskID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) hold.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
