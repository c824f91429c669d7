// Package main is the entry point for the RelayPoint event worker.
//
// It consumes business events from the intake SQS queue and feeds them into
// the notification pipeline. The worker runs the same engine as the API
// server so queued events get the full classify, dedup, select, rate limit
// and security treatment before delivery.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"relaypoint/internal/adapters"
	"relaypoint/internal/config"
	"relaypoint/internal/db"
	"relaypoint/internal/metrics"
	"relaypoint/internal/notifications/audit"
	"relaypoint/internal/notifications/classify"
	"relaypoint/internal/notifications/dedup"
	"relaypoint/internal/notifications/engine"
	"relaypoint/internal/notifications/guard"
	"relaypoint/internal/notifications/ratelimit"
	"relaypoint/internal/notifications/selector"
	"relaypoint/internal/queue"
	"relaypoint/internal/store"
	"relaypoint/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	tlog := &slogAdapter{logger: logger}
	logger.Info("relaypoint event worker starting",
		"environment", cfg.Environment,
		"queue", cfg.AWS.EventQueueURL,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	notifRepo := db.NewNotificationRepository(pool)
	auditRepo := db.NewAuditRepository(pool)
	recipientRepo := db.NewRecipientRepository(pool)

	var counters types.CounterStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Unmask(),
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("pinging redis: %w", err)
		}
		defer rdb.Close()
		counters = store.NewRedisCounterStore(rdb)
	} else {
		counters = store.NewMemoryCounterStore(nil)
	}

	auditLog := audit.NewLogger(auditRepo, cfg.Audit, nil, tlog)
	auditLog.Start()
	defer auditLog.Close()

	policies, err := config.NewPolicyProvider(cfg.Policy.Path)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	ps := policies.Get()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	var emitter engine.MetricsEmitter = metrics.NoopDeliveryMetrics{}
	if !cfg.AWS.MetricsDisabled {
		emitter = metrics.NewCloudWatchDeliveryMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.AWS, tlog)
	}

	eng := engine.New(cfg.Pipeline, engine.Deps{
		Classifier: classify.New(ps.Classifier, auditLog, tlog),
		Dedup:      dedup.New(ps.Dedup, counters, auditLog, tlog, nil),
		Selector:   selector.New(ps.Selector, recipientRepo, auditLog, tlog, nil),
		Limiter:    ratelimit.New(ps.RateLimit, counters, auditLog, tlog, nil),
		Guard:      guard.New(ps.Security, counters, auditLog, tlog, nil),
		Store:      notifRepo,
		Resolver:   recipientRepo,
		Scheduler:  queue.NewReminderPublisher(sqsClient, cfg.AWS, tlog, nil),
		Adapters:   buildAdapters(awsCfg, cfg, pool, recipientRepo, tlog),
		Audit:      auditLog,
		Metrics:    emitter,
		Counters:   counters,
		Logger:     tlog,
	})
	go eng.Start(ctx)
	defer eng.Stop()

	consumer := queue.NewEventConsumer(sqsClient, cfg.AWS, eng, tlog)
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event consumer: %w", err)
	}

	logger.Info("event worker stopped cleanly")
	return nil
}

func buildAdapters(awsCfg aws.Config, cfg *config.Config, pool *pgxpool.Pool, directory adapters.Directory, tlog types.Logger) map[types.ChannelType]types.ChannelAdapter {
	chatClient := adapters.NewBaseClient(
		&http.Client{Timeout: 15 * time.Second},
		"chat-webhook",
		adapters.DefaultRetryPolicy(),
		"relaypoint/1.0",
	)
	return adapters.NewRegistry().
		Register(adapters.NewInAppAdapter(pool)).
		Register(adapters.NewEmailAdapter(ses.NewFromConfig(awsCfg), directory, cfg.AWS.SESFromAddress, tlog)).
		Register(adapters.NewSMSAdapter(sns.NewFromConfig(awsCfg), directory, tlog)).
		Register(adapters.NewPushAdapter(sns.NewFromConfig(awsCfg), directory, tlog)).
		Register(adapters.NewChatAdapter(chatClient, directory, tlog,
			adapters.WithChatSigning(adapters.SigningFromConfig(cfg.Chat)))).
		Map()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}
