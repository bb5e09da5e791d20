package dispatch

import (
	"errors"
	"fmt"
)

// failureBudget counts failed tasks over the dispatcher's lifetime.
//
// Unlike a task retry limit, the budget is never reset: once exhausted the
// dispatcher stops launching and drains.
type failureBudget struct {
	limit   int
	current int
}

func newFailureBudget(limit int) *failureBudget {
	return &failureBudget{limit: limit}
}

// Check records one failure of taskID and reports whether the budget is
// exhausted.
func (b *failureBudget) Check(taskID string) error {
	b.current++
	if b.current >= b.limit {
		return &FailuresExceededError{TaskID: taskID, Failures: b.current, Limit: b.limit}
	}
	return nil
}

// Current returns the failure count.
func (b *failureBudget) Current() int {
	return b.current
}

// FailuresExceededError is returned when max_failed_jobs tasks have failed.
type FailuresExceededError struct {
	TaskID   string // the task whose failure exhausted the budget
	Failures int
	Limit    int
}

func (e *FailuresExceededError) Error() string {
	return fmt.Sprintf("task %s: %d failed tasks reached the limit of %d", e.TaskID, e.Failures, e.Limit)
}

// IsFailuresExceeded reports whether err is a FailuresExceededError.
func IsFailuresExceeded(err error) bool {
	var fe *FailuresExceededError
	return errors.As(err, &fe)
}
