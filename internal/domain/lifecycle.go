package domain

import "time"

// OutcomeKind classifies a single collection attempt.
type OutcomeKind string

const (
	// OutcomeSuccess carries a sample ready to persist.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeRetryable is a transient upstream error (timeout, 5xx,
	// upstream rate limit). Recovered by trying again next tick.
	OutcomeRetryable OutcomeKind = "retryable_failure"
	// OutcomeFatal means the target is gone or permanently inaccessible.
	OutcomeFatal OutcomeKind = "fatal_failure"
	// OutcomeSkip means a required credential is missing. Not an error;
	// the task pauses until an account is bound.
	OutcomeSkip OutcomeKind = "skip"
)

// Outcome is the result of one Fetch Executor run.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Sample *MetricSample
}

func Success(sample *MetricSample) Outcome { return Outcome{Kind: OutcomeSuccess, Sample: sample} }

func RetryableFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeRetryable, Reason: reason}
}

func FatalFailure(reason string) Outcome { return Outcome{Kind: OutcomeFatal, Reason: reason} }

func Skip(reason string) Outcome { return Outcome{Kind: OutcomeSkip, Reason: reason} }

// ReasonNoAccount is the reason recorded when a task pauses for lack of
// a usable Bilibili account.
const ReasonNoAccount = "no default account"

// ReasonDeadlineReached is recorded when a task completes by deadline.
const ReasonDeadlineReached = "deadline reached"

// Policy is the configured part of the lifecycle state machine.
type Policy struct {
	// MaxRetries bounds consecutive retryable failures before the task
	// is surfaced as failed.
	MaxRetries int
}

// Decision is the state transition produced for one evaluated task.
// The repository applies it in a single transaction.
type Decision struct {
	Status              Status
	Reason              string
	ConsecutiveFailures int
	// NextDueAt is set only when Status stays running.
	NextDueAt *time.Time
	// Sample is appended when the collection succeeded.
	Sample *MetricSample
}

// CompleteByDeadline is the decision for a running task whose deadline has
// passed. Checked before any fetch is attempted, so a due-but-expired task
// completes without consuming a request.
func CompleteByDeadline() Decision {
	return Decision{Status: StatusCompleted, Reason: ReasonDeadlineReached}
}

// Evaluate applies the lifecycle transition table to one outcome.
// Only running tasks reach this point; paused and terminal tasks are
// filtered out by the due query.
func Evaluate(task *Task, out Outcome, now time.Time, policy Policy) Decision {
	switch out.Kind {
	case OutcomeSuccess:
		next := now.Add(NextInterval(task.Kind, task.Strategy, task.Age(now)))
		return Decision{
			Status:              StatusRunning,
			ConsecutiveFailures: 0,
			NextDueAt:           &next,
			Sample:              out.Sample,
		}

	case OutcomeRetryable:
		failures := task.ConsecutiveFailures + 1
		if failures >= policy.MaxRetries {
			return Decision{
				Status:              StatusFailed,
				Reason:              out.Reason,
				ConsecutiveFailures: failures,
			}
		}
		// The normal cadence is the backoff: no extra multiplier.
		next := now.Add(NextInterval(task.Kind, task.Strategy, task.Age(now)))
		return Decision{
			Status:              StatusRunning,
			ConsecutiveFailures: failures,
			NextDueAt:           &next,
		}

	case OutcomeFatal:
		// No retry budget consumed; the counter simply stops mattering.
		return Decision{
			Status:              StatusFailed,
			Reason:              out.Reason,
			ConsecutiveFailures: task.ConsecutiveFailures,
		}

	case OutcomeSkip:
		reason := out.Reason
		if reason == "" {
			reason = ReasonNoAccount
		}
		return Decision{
			Status:              StatusPaused,
			Reason:              reason,
			ConsecutiveFailures: task.ConsecutiveFailures,
		}

	default:
		// Unknown outcome kinds are treated as transient so a bug here
		// never silently kills a task.
		return Evaluate(task, RetryableFailure("unknown outcome: "+string(out.Kind)), now, policy)
	}
}
