// Package redis holds the collector's Redis plumbing: leader election and
// a best-effort live mirror of task state for cheap dashboard reads.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rainpenber/bili-stats-monitor/internal/domain"
)

const mirrorTTL = 24 * time.Hour

func statusKey(taskID string) string { return "bilimon:task:status:" + taskID }
func sampleKey(taskID string) string { return "bilimon:task:sample:" + taskID }

// StateStore mirrors per-task live state in Redis. The database stays the
// source of truth; a mirror write failure is logged and never fails a tick.
type StateStore interface {
	SetStatus(ctx context.Context, taskID string, status domain.Status) error
	GetStatus(ctx context.Context, taskID string) (domain.Status, error)
	SetLastSample(ctx context.Context, sample *domain.MetricSample) error
	GetLastSample(ctx context.Context, taskID string) (*domain.MetricSample, error)
}

type stateStore struct {
	client *redis.Client
}

// NewStateStore creates a Redis-backed StateStore.
func NewStateStore(client *redis.Client) StateStore {
	return &stateStore{client: client}
}

// NewClient creates a Redis client with the collector's timeouts.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *stateStore) SetStatus(ctx context.Context, taskID string, status domain.Status) error {
	if err := s.client.Set(ctx, statusKey(taskID), string(status), mirrorTTL).Err(); err != nil {
		return fmt.Errorf("redis set status for %s: %w", taskID, err)
	}
	return nil
}

func (s *stateStore) GetStatus(ctx context.Context, taskID string) (domain.Status, error) {
	val, err := s.client.Get(ctx, statusKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{TaskID: taskID}
		}
		return "", fmt.Errorf("redis get status for %s: %w", taskID, err)
	}
	return domain.Status(val), nil
}

func (s *stateStore) SetLastSample(ctx context.Context, sample *domain.MetricSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	if err := s.client.Set(ctx, sampleKey(sample.TaskID), data, mirrorTTL).Err(); err != nil {
		return fmt.Errorf("redis set sample for %s: %w", sample.TaskID, err)
	}
	return nil
}

func (s *stateStore) GetLastSample(ctx context.Context, taskID string) (*domain.MetricSample, error) {
	data, err := s.client.Get(ctx, sampleKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get sample for %s: %w", taskID, err)
	}
	var sample domain.MetricSample
	if err := json.Unmarshal(data, &sample); err != nil {
		return nil, fmt.Errorf("unmarshal sample for %s: %w", taskID, err)
	}
	return &sample, nil
}
