package domain

import "time"

// Kind says what a monitoring task points at: a single video or an author (UP主).
type Kind string

const (
	KindVideo  Kind = "video"
	KindAuthor Kind = "author"
)

// Status represents the states a monitoring task can be in.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true if no further state transitions are possible.
// Terminal tasks are excluded from all scheduler queries.
func (s Status) IsTerminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusFailed
}

// StrategyMode selects how the collection cadence is derived.
type StrategyMode string

const (
	// StrategyFixed collects at a constant interval configured per task.
	StrategyFixed StrategyMode = "fixed"
	// StrategySmart decays the cadence with task age (video only;
	// author tasks fall back to a flat interval).
	StrategySmart StrategyMode = "smart"
)

// Strategy is the cadence policy attached to a task.
type Strategy struct {
	Mode StrategyMode `json:"mode"`
	// IntervalMinutes is the fixed-mode interval. Ignored in smart mode.
	IntervalMinutes int `json:"interval_minutes,omitempty"`
}

// MaxFixedIntervalMinutes is one day, the ceiling for fixed-mode intervals.
const MaxFixedIntervalMinutes = 1440

// Validate checks the strategy at task creation time. minIntervalMinutes is
// the configured floor for fixed-mode intervals (at least 1).
func (s Strategy) Validate(minIntervalMinutes int) error {
	switch s.Mode {
	case StrategySmart:
		return nil
	case StrategyFixed:
		if minIntervalMinutes < 1 {
			minIntervalMinutes = 1
		}
		if s.IntervalMinutes < minIntervalMinutes || s.IntervalMinutes > MaxFixedIntervalMinutes {
			return &InvalidStrategyError{
				Mode:   s.Mode,
				Detail: "interval_minutes out of range",
			}
		}
		return nil
	default:
		return &InvalidStrategyError{Mode: s.Mode, Detail: "unknown mode"}
	}
}

// Task is the core domain entity: one monitored Bilibili target.
//
// The scheduler is the sole mutator of Status, Reason, NextDueAt and
// ConsecutiveFailures after creation; user pause/resume/stop actions go
// through the repository's conditional updates.
type Task struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind"`
	TargetID string   `json:"target_id"` // BVID for videos, UID for authors
	Title    string   `json:"title,omitempty"`
	Strategy Strategy `json:"strategy"`
	Status   Status   `json:"status"`
	// Reason explains why the task is paused, stopped or failed.
	Reason string `json:"reason,omitempty"`
	// BoundAccountID references a credential-bearing Bilibili account.
	// Empty means "use the global default account".
	BoundAccountID      string     `json:"bound_account_id,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	Deadline            *time.Time `json:"deadline,omitempty"`
	// NextDueAt is the scheduler's sole read key for eligibility.
	// Always set while Status == running.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`
}

// Age returns how long the task has existed at the given instant.
func (t *Task) Age(now time.Time) time.Duration {
	return now.Sub(t.CreatedAt)
}

// DeadlineExpired reports whether the task's deadline has passed.
// Tasks without a deadline run until explicitly stopped.
func (t *Task) DeadlineExpired(now time.Time) bool {
	return t.Deadline != nil && now.After(*t.Deadline)
}
