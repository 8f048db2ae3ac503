package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rainpenber/bili-stats-monitor/internal/bili"
	"github.com/rainpenber/bili-stats-monitor/internal/events"
	"github.com/rainpenber/bili-stats-monitor/internal/kafka"
	"github.com/rainpenber/bili-stats-monitor/internal/postgres"
	redisstore "github.com/rainpenber/bili-stats-monitor/internal/redis"
	"github.com/rainpenber/bili-stats-monitor/pkg/ratelimit"
	"github.com/rainpenber/bili-stats-monitor/pkg/telemetry"
	"github.com/rainpenber/bili-stats-monitor/services/collector"
	"github.com/rainpenber/bili-stats-monitor/services/collector/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the collection scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port); empty disables leader election and the state mirror")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty disables the event sink")
	serveCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address")
	serveCmd.Flags().String("admin-addr", ":8080", "admin HTTP server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().String("bili-user-agent", "", "User-Agent override for Bilibili API requests")

	serveCmd.Flags().Int("min-collection-interval", 1, "floor for fixed-strategy intervals, minutes")
	serveCmd.Flags().Int("max-concurrent-tasks", 5, "maximum simultaneous collections")
	serveCmd.Flags().Duration("request-interval", 2*time.Second, "minimum spacing between upstream requests")
	serveCmd.Flags().Duration("request-timeout", 10*time.Second, "per-collection timeout")
	serveCmd.Flags().Int("max-retries", 3, "consecutive retryable failures before a task is marked failed")
	serveCmd.Flags().Duration("poll-interval", 5*time.Second, "scheduler tick interval")
	serveCmd.Flags().Duration("claim-ttl", 5*time.Minute, "how long a claimed task stays invisible to other instances")
	serveCmd.Flags().Int("batch-limit", 100, "maximum due tasks claimed per tick")

	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("admin_addr", serveCmd.Flags(), "admin-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("bili_user_agent", serveCmd.Flags(), "bili-user-agent")
	bindFlag("min_collection_interval", serveCmd.Flags(), "min-collection-interval")
	bindFlag("max_concurrent_tasks", serveCmd.Flags(), "max-concurrent-tasks")
	bindFlag("request_interval", serveCmd.Flags(), "request-interval")
	bindFlag("request_timeout", serveCmd.Flags(), "request-timeout")
	bindFlag("max_retries", serveCmd.Flags(), "max-retries")
	bindFlag("poll_interval", serveCmd.Flags(), "poll-interval")
	bindFlag("claim_ttl", serveCmd.Flags(), "claim-ttl")
	bindFlag("batch_limit", serveCmd.Flags(), "batch-limit")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	instanceID := "collectord-" + uuid.New().String()[:8]
	logger := buildLogger(cfg.LogLevel, "collectord").With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "collectord", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	repo := postgres.NewRepository(pool, cfg.ClaimTTL)
	accounts := postgres.NewAccountStore(pool)

	clientOpts := []bili.Option{}
	if cfg.BiliUserAgent != "" {
		clientOpts = append(clientOpts, bili.WithUserAgent(cfg.BiliUserAgent))
	}
	biliClient := bili.NewClient(clientOpts...)

	executor := collector.NewExecutor(biliClient, accounts, logger)
	limiter := ratelimit.NewInterval(cfg.RequestInterval)

	opts := []collector.Option{
		collector.WithLogger(logger),
		collector.WithPollInterval(cfg.PollInterval),
		collector.WithRequestTimeout(cfg.RequestTimeout),
		collector.WithMaxRetries(cfg.MaxRetries),
		collector.WithBatchLimit(cfg.BatchLimit),
	}

	if cfg.RedisAddr != "" {
		redisClient := redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		opts = append(opts,
			collector.WithElector(redisstore.NewLeaderElector(redisClient, instanceID, logger)),
			collector.WithStateMirror(redisstore.NewStateStore(redisClient)),
		)
	}

	var sink events.Sink
	if cfg.KafkaBrokers != "" {
		producer := kafka.NewProducer(strings.Split(cfg.KafkaBrokers, ","))
		sink = events.NewKafkaSink(producer, logger)
	} else {
		sink = events.LogSink{Logger: logger}
	}
	defer func() { _ = sink.Close() }()
	opts = append(opts, collector.WithEventSink(sink))

	c := collector.NewCollector(repo, executor, limiter, cfg.MaxConcurrentTasks, opts...)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	housekeeping := collector.NewHousekeeping(repo, logger)
	housekeeping.Start()
	defer housekeeping.Stop()

	admin := collector.NewAdmin(repo, c, logger)
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: admin.Router()}
	go func() {
		logger.Info("admin server listening", slog.String("addr", cfg.AdminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = adminSrv.Shutdown(shutCtx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down, draining in-flight collections...")
		runCancel()
	}()

	logger.Info("scheduler starting",
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Duration("request_interval", cfg.RequestInterval),
		slog.Int("max_concurrent_tasks", cfg.MaxConcurrentTasks),
		slog.Int("max_retries", cfg.MaxRetries),
	)

	c.Run(runCtx)
	logger.Info("stopped cleanly")
	return nil
}
