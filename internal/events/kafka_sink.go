package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rainpenber/bili-stats-monitor/internal/kafka"
	"github.com/rainpenber/bili-stats-monitor/pkg/retry"
)

// KafkaSink publishes transitions to Kafka through a bounded in-memory
// queue. When the queue is full the event is dropped and logged; the
// scheduler never waits on the broker.
type KafkaSink struct {
	producer kafka.Producer
	logger   *slog.Logger
	queue    chan Transition
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewKafkaSink starts the delivery worker and returns the sink.
func NewKafkaSink(producer kafka.Producer, logger *slog.Logger) *KafkaSink {
	s := &KafkaSink{
		producer: producer,
		logger:   logger,
		queue:    make(chan Transition, 256),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *KafkaSink) OnTransition(_ context.Context, t Transition) {
	select {
	case s.queue <- t:
	default:
		s.logger.Warn("event queue full, dropping transition",
			"task_id", t.TaskID, "to", t.To)
	}
}

func (s *KafkaSink) run() {
	defer s.wg.Done()
	for {
		select {
		case t := <-s.queue:
			s.deliver(t)
		case <-s.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case t := <-s.queue:
					s.deliver(t)
				default:
					return
				}
			}
		}
	}
}

func (s *KafkaSink) deliver(t Transition) {
	payload, err := json.Marshal(t)
	if err != nil {
		s.logger.Error("marshal transition event", "task_id", t.TaskID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := retry.Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		OnRetry: func(attempt int, err error) {
			s.logger.Warn("retrying event publish",
				"task_id", t.TaskID, "attempt", attempt, "error", err)
		},
	}
	err = retry.Do(ctx, cfg, func() error {
		return s.producer.Publish(ctx, TopicTaskTransitions, t.TaskID, payload)
	})
	if err != nil {
		s.logger.Error("publish transition event",
			"task_id", t.TaskID, "to", t.To, "error", err)
	}
}

// Close stops the worker after draining queued events and closes the
// underlying producer.
func (s *KafkaSink) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return s.producer.Close()
}

// LogSink writes transitions to the logger only. Used when no Kafka
// brokers are configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) OnTransition(_ context.Context, t Transition) {
	s.Logger.Info("task transition",
		"task_id", t.TaskID, "kind", t.Kind,
		"from", t.From, "to", t.To, "reason", t.Reason)
}

func (s LogSink) Close() error { return nil }
