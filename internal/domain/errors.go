package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// InvalidStrategyError is returned when a strategy is rejected at creation.
type InvalidStrategyError struct {
	Mode   StrategyMode
	Detail string
}

func (e *InvalidStrategyError) Error() string {
	return fmt.Sprintf("invalid strategy %q: %s", e.Mode, e.Detail)
}

// InvalidTransitionError is returned when an external action (trigger,
// resume, stop) is not valid for the task's current status.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s cannot %s while %s", e.TaskID, e.Action, e.From)
}
