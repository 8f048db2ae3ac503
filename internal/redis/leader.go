package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	leaderKey = "bilimon:scheduler:leader"
	leaderTTL = 30 * time.Second
)

// LeaderElector lets exactly one collector instance run the tick loop at a
// time. Non-leaders keep polling and take over when the leader's key expires.
type LeaderElector struct {
	client     *redis.Client
	instanceID string
	logger     *slog.Logger
}

func NewLeaderElector(client *redis.Client, instanceID string, logger *slog.Logger) *LeaderElector {
	return &LeaderElector{client: client, instanceID: instanceID, logger: logger}
}

// AcquireOrRenew attempts SETNX; returns true if this instance is the leader.
func (l *LeaderElector) AcquireOrRenew(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, leaderKey, l.instanceID, leaderTTL).Result()
	if err != nil {
		l.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		l.logger.Info("acquired scheduler leadership", slog.String("instance_id", l.instanceID))
		return true
	}

	// Key exists — renew only if we own it (atomic Lua script avoids races).
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, l.client,
		[]string{leaderKey},
		l.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

// Resign releases leadership if this instance holds it, so a restart does
// not leave a dead leader key for up to leaderTTL.
func (l *LeaderElector) Resign(ctx context.Context) {
	releaseScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
	if err := releaseScript.Run(ctx, l.client, []string{leaderKey}, l.instanceID).Err(); err != nil &&
		!errors.Is(err, redis.Nil) {
		l.logger.Error("leader resign", slog.String("error", err.Error()))
	}
}
