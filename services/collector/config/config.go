// Package config holds the typed configuration for collectord.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full startup configuration, loaded from flags, config
// file and environment (in that priority order).
type Config struct {
	LogLevel      string
	PostgresDSN   string
	RedisAddr     string
	KafkaBrokers  string
	MetricsAddr   string
	AdminAddr     string
	OTelEndpoint  string
	BiliUserAgent string

	MinCollectionInterval int
	MaxConcurrentTasks    int
	RequestInterval       time.Duration
	RequestTimeout        time.Duration
	MaxRetries            int
	PollInterval          time.Duration
	ClaimTTL              time.Duration
	BatchLimit            int
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:      v.GetString("log_level"),
		PostgresDSN:   v.GetString("postgres_dsn"),
		RedisAddr:     v.GetString("redis_addr"),
		KafkaBrokers:  v.GetString("kafka_brokers"),
		MetricsAddr:   v.GetString("metrics_addr"),
		AdminAddr:     v.GetString("admin_addr"),
		OTelEndpoint:  v.GetString("otel_endpoint"),
		BiliUserAgent: v.GetString("bili_user_agent"),

		MinCollectionInterval: v.GetInt("min_collection_interval"),
		MaxConcurrentTasks:    v.GetInt("max_concurrent_tasks"),
		RequestInterval:       v.GetDuration("request_interval"),
		RequestTimeout:        v.GetDuration("request_timeout"),
		MaxRetries:            v.GetInt("max_retries"),
		PollInterval:          v.GetDuration("poll_interval"),
		ClaimTTL:              v.GetDuration("claim_ttl"),
		BatchLimit:            v.GetInt("batch_limit"),
	}
}

// Validate rejects configurations the scheduler cannot run with.
func (c Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres_dsn is required")
	}
	if c.MinCollectionInterval < 1 {
		return fmt.Errorf("min_collection_interval must be >= 1 minute, got %d", c.MinCollectionInterval)
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be >= 1, got %d", c.MaxConcurrentTasks)
	}
	if c.RequestInterval <= 0 {
		return fmt.Errorf("request_interval must be positive, got %s", c.RequestInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", c.MaxRetries)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.BatchLimit < 1 {
		return fmt.Errorf("batch_limit must be >= 1, got %d", c.BatchLimit)
	}
	// The last task of a full batch waits for every permit ahead of it
	// plus its own fetch; its claim must outlive that wait or another
	// instance can re-claim it mid-queue.
	if worst := time.Duration(c.BatchLimit)*c.RequestInterval + c.RequestTimeout; c.ClaimTTL < worst {
		return fmt.Errorf("claim_ttl (%s) must cover a full batch, need at least batch_limit*request_interval + request_timeout (%s)", c.ClaimTTL, worst)
	}
	return nil
}
