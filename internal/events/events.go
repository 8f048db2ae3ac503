// Package events publishes task lifecycle transitions to interested
// consumers. Delivery is best effort: a slow or unavailable broker must
// never stall collection.
package events

import (
	"context"
	"time"

	"github.com/rainpenber/bili-stats-monitor/internal/domain"
)

// TopicTaskTransitions carries one JSON event per task status change.
const TopicTaskTransitions = "bilimon.task.transitions"

// Transition describes a single task status change.
type Transition struct {
	TaskID   string        `json:"task_id"`
	Kind     domain.Kind   `json:"kind"`
	TargetID string        `json:"target_id"`
	From     domain.Status `json:"from"`
	To       domain.Status `json:"to"`
	Reason   string        `json:"reason,omitempty"`
	At       time.Time     `json:"at"`
}

// Sink receives task transitions. Implementations must not block the
// caller beyond the cost of an enqueue.
type Sink interface {
	OnTransition(ctx context.Context, t Transition)
	Close() error
}
