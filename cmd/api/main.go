// Package main is the entry point for the RelayPoint API server.
//
// It loads configuration, connects the Postgres pool and the optional Redis
// counter store, assembles the notification pipeline (classifier, dedup,
// selector, rate limiter, security guard, engine) with its delivery adapters,
// and serves the HTTP API with graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
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
	"relaypoint/internal/api/handlers"
	"relaypoint/internal/config"
	"relaypoint/internal/core"
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
	logger.Info("relaypoint API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres pool.
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

	// Counter store: shared Redis when configured, in-process otherwise.
	var counters types.CounterStore
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
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

	// Batched audit writer.
	auditLog := audit.NewLogger(auditRepo, cfg.Audit, nil, tlog)
	auditLog.Start()
	defer auditLog.Close()

	// Policy and pipeline components.
	policies, err := config.NewPolicyProvider(cfg.Policy.Path)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	ps := policies.Get()

	classifier := classify.New(ps.Classifier, auditLog, tlog)
	channelSelector := selector.New(ps.Selector, recipientRepo, auditLog, tlog, nil)
	deduper := dedup.New(ps.Dedup, counters, auditLog, tlog, nil)
	limiter := ratelimit.New(ps.RateLimit, counters, auditLog, tlog, nil)
	securityGuard := guard.New(ps.Security, counters, auditLog, tlog, nil)

	// AWS collaborators.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	scheduler := queue.NewReminderPublisher(sqsClient, cfg.AWS, tlog, nil)

	var emitter engine.MetricsEmitter = metrics.NoopDeliveryMetrics{}
	if !cfg.AWS.MetricsDisabled {
		emitter = metrics.NewCloudWatchDeliveryMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.AWS, tlog)
	}

	registry := buildAdapters(awsCfg, cfg, pool, recipientRepo, tlog)

	eng := engine.New(cfg.Pipeline, engine.Deps{
		Classifier: classifier,
		Dedup:      deduper,
		Selector:   channelSelector,
		Limiter:    limiter,
		Guard:      securityGuard,
		Store:      notifRepo,
		Resolver:   recipientRepo,
		Scheduler:  scheduler,
		Adapters:   registry.Map(),
		Audit:      auditLog,
		Metrics:    emitter,
		Counters:   counters,
		Logger:     tlog,
	})
	go eng.Start(ctx)
	defer eng.Stop()

	// Audit retention sweep.
	go runRetentionSweep(ctx, auditLog, cfg.Audit.Retention, tlog)

	// Gauge feeds for the Prometheus surface.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetIntakeQueueDepth(eng.QueueDepth())
				st := auditLog.Stats()
				metrics.SetAuditBufferDepth(int(st.Enqueued - st.Flushed - st.Dropped))
			}
		}
	}()

	// HTTP server.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	notifHandler := handlers.NewNotificationHandler(eng, notifRepo, logger)
	auditHandler := handlers.NewAuditHandler(auditLog, logger)
	adminHandler := handlers.NewAdminHandler(policies, func(ps *config.PolicySet) {
		classifier.Reload(ps.Classifier)
		channelSelector.Reload(ps.Selector)
		deduper.Reload(ps.Dedup)
		limiter.Reload(ps.RateLimit)
		securityGuard.Reload(ps.Security)
	}, logger)

	srv.V1Registrars = append(srv.V1Registrars,
		notifHandler.RegisterRoutes,
		auditHandler.RegisterRoutes,
		adminHandler.RegisterRoutes,
	)

	srv.Checks = append(srv.Checks, core.Check{Name: "database", Probe: pool.Ping})
	if rdb != nil {
		srv.Checks = append(srv.Checks, core.Check{
			Name:  "redis",
			Probe: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	srv.MountRoutes()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// buildAdapters assembles the channel adapter registry against the shared
// recipient directory.
func buildAdapters(awsCfg aws.Config, cfg *config.Config, pool *pgxpool.Pool, directory adapters.Directory, tlog types.Logger) *adapters.Registry {
	sesClient := ses.NewFromConfig(awsCfg)
	snsClient := sns.NewFromConfig(awsCfg)
	chatClient := adapters.NewBaseClient(
		&http.Client{Timeout: 15 * time.Second},
		"chat-webhook",
		adapters.DefaultRetryPolicy(),
		"relaypoint/1.0",
	)

	return adapters.NewRegistry().
		Register(adapters.NewInAppAdapter(pool)).
		Register(adapters.NewEmailAdapter(sesClient, directory, cfg.AWS.SESFromAddress, tlog)).
		Register(adapters.NewSMSAdapter(snsClient, directory, tlog)).
		Register(adapters.NewPushAdapter(snsClient, directory, tlog)).
		Register(adapters.NewChatAdapter(chatClient, directory, tlog,
			adapters.WithChatSigning(adapters.SigningFromConfig(cfg.Chat))))
}

// runRetentionSweep deletes audit entries older than the retention window on
// a slow tick.
func runRetentionSweep(ctx context.Context, auditLog *audit.Logger, retention time.Duration, tlog types.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := auditLog.Cleanup(ctx)
			if err != nil {
				tlog.Error("audit retention sweep failed", "error", err)
				continue
			}
			if deleted > 0 {
				tlog.Info("audit retention sweep completed", "deleted", deleted)
			}
		}
	}
}

// newLogger creates a JSON slog.Logger at the configured level.
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

// slogAdapter wraps *slog.Logger to implement types.Logger. slog satisfies
// Info/Warn/Error directly but With returns *slog.Logger, so an adapter is
// needed.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}
