// Package main wires the chat engine: storage, services, background loops and HTTP
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"chat-engine/internal/adapters/gateway"
	"chat-engine/internal/adapters/handler"
	"chat-engine/internal/adapters/repository"
	"chat-engine/internal/adapters/websocket"
	"chat-engine/internal/config"
	"chat-engine/internal/core/ports"
	"chat-engine/internal/core/services"
	"chat-engine/internal/metrics"
)

// stores groups the port implementations selected by STORAGE_DRIVER
type stores struct {
	instances ports.InstanceRepository
	queue     ports.QueueRepository
	inbound   ports.InboundRepository
	rules     ports.RuleRepository
	campaigns ports.CampaignRepository
	webhooks  ports.WebhookRepository
	dedup     ports.DedupRepository
	retention ports.RetentionRepository
}

func main() {
	if err := run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Logging: stdout plus the operator log stream
	hub := websocket.NewLogHub(cfg.App.LogSecret)
	logger := slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stdout, hub), &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Storage
	st, cleanup, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// 4. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 5. Services
	provider := gateway.NewProviderClient(cfg.Provider.Timeout)
	registry := services.NewRegistry(st.instances)
	queue := services.NewOutboundQueue(st.instances, st.queue, m)
	campaigns := services.NewCampaignDispatcher(st.campaigns, queue)
	replySwitch := services.NewReplySwitch()
	replies := services.NewAutoReplyEngine(st.rules, queue, replySwitch, m, services.AutoReplyConfig{
		Priority: cfg.AutoReply.Priority,
		Location: cfg.AutoReply.Location,
	})
	ingestor := services.NewIngestor(st.webhooks, st.instances, st.inbound, st.queue, st.dedup, replies, campaigns, m)

	limiter := services.NewInstanceLimiter(cfg.Worker.RatePerSecond, cfg.Worker.RateBurst)
	worker := services.NewDeliveryWorker(queue, st.queue, st.instances, registry, provider, limiter, campaigns, m, services.WorkerConfig{
		BatchSize:            cfg.Worker.BatchSize,
		PollInterval:         cfg.Worker.PollInterval,
		Concurrency:          cfg.Worker.Concurrency,
		MaxAttempts:          cfg.Worker.MaxAttempts,
		MaxRateLimitAttempts: cfg.Worker.MaxRateLimitAttempts,
		BackoffBase:          cfg.Worker.BackoffBase,
		BackoffMax:           cfg.Worker.BackoffMax,
		RateMaxWait:          cfg.Worker.RateMaxWait,
		CallTimeout:          cfg.Provider.Timeout,
		StaleAfter:           cfg.Worker.StaleAfter,
	})
	reconciler := services.NewReconciler(st.instances, provider, m, services.ReconcilerConfig{
		Interval:     cfg.Reconcile.Interval,
		Jitter:       cfg.Reconcile.Jitter,
		BlockedEvery: cfg.Reconcile.BlockedEvery,
		Concurrency:  cfg.Reconcile.Concurrency,
		CallTimeout:  cfg.Provider.Timeout,
	})
	watchdog := services.NewWatchdog(st.retention, services.WatchdogConfig{
		Interval:      cfg.Watchdog.Interval,
		Path:          cfg.Watchdog.Path,
		DiskThreshold: cfg.Watchdog.DiskThreshold,
		Retention:     time.Duration(cfg.Watchdog.RetentionDays) * 24 * time.Hour,
	})

	if cfg.App.RulesFile != "" {
		if err := seedRules(ctx, replies, cfg.App.RulesFile); err != nil {
			return err
		}
	}

	// 6. Background loops
	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){hub.Run, reconciler.Run, worker.Run, watchdog.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	// 7. HTTP
	var logs http.HandlerFunc
	if cfg.App.LogSecret != "" {
		logs = hub.ServeWS
	}
	router := handler.NewRouter(handler.RouterDeps{
		Webhook:  handler.NewWebhookHandler(ingestor, cfg.Webhook.Secret),
		Admin:    handler.NewAdminHandler(registry, queue, replies, replySwitch, campaigns, cfg.Watchdog.Path, cfg.Watchdog.DiskThreshold),
		Logs:     logs,
		Gatherer: reg,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("[HTTP] Server listening", "addr", srv.Addr, "storage", cfg.App.Storage)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	// 8. Graceful shutdown
	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	ingestor.Wait()
	wg.Wait()
	slog.Info("Shutdown complete")
	return nil
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, func(), error) {
	if cfg.App.Storage == config.StorageMemory {
		slog.Warn("Using in-memory storage; data is lost on restart")
		mem := repository.NewMemoryRepository()
		return &stores{
			instances: mem, queue: mem, inbound: mem, rules: mem,
			campaigns: mem, webhooks: mem, dedup: mem, retention: mem,
		}, func() {}, nil
	}

	// Containers may not be ready immediately, so connections retry
	db, err := connectMariaDB(ctx, cfg.DB, 5, 2*time.Second)
	if err != nil {
		return nil, nil, err
	}
	if err := repository.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	maria := repository.NewMariaDBRepository(db)

	st := &stores{
		instances: maria, queue: maria, inbound: maria, rules: maria,
		campaigns: maria, webhooks: maria, retention: maria,
	}
	cleanup := func() { db.Close() }

	if cfg.Redis.Addr == "" {
		slog.Warn("Redis disabled, dedup relies on the database alone")
		return st, cleanup, nil
	}
	rdb, err := connectRedis(ctx, cfg.Redis, 5, 2*time.Second)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	st.dedup = repository.NewRedisRepository(rdb)
	return st, func() {
		rdb.Close()
		db.Close()
	}, nil
}

// connectMariaDB attempts to connect to MariaDB with retry logic
func connectMariaDB(ctx context.Context, cfg config.DBConfig, maxRetries int, retryDelay time.Duration) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("configure db driver: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	for i := 1; i <= maxRetries; i++ {
		if err = db.PingContext(ctx); err == nil {
			slog.Info("MariaDB connection established", "host", cfg.Host, "database", cfg.Database)
			return db, nil
		}
		slog.Warn("Cannot ping MariaDB", "attempt", i, "max_retries", maxRetries, "error", err)
		if i < maxRetries {
			select {
			case <-ctx.Done():
				db.Close()
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	db.Close()
	return nil, fmt.Errorf("connect to MariaDB after %d attempts: %w", maxRetries, err)
}

// connectRedis attempts to connect to Redis with retry logic
func connectRedis(ctx context.Context, cfg config.RedisConfig, maxRetries int, retryDelay time.Duration) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	var err error
	for i := 1; i <= maxRetries; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			slog.Info("Redis connection established", "addr", cfg.Addr)
			return rdb, nil
		}
		slog.Warn("Cannot ping Redis", "attempt", i, "max_retries", maxRetries, "error", err)
		if i < maxRetries {
			select {
			case <-ctx.Done():
				rdb.Close()
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	rdb.Close()
	return nil, fmt.Errorf("connect to Redis after %d attempts: %w", maxRetries, err)
}

func seedRules(ctx context.Context, replies *services.AutoReplyEngine, path string) error {
	seeds, err := config.LoadRules(path)
	if err != nil {
		return err
	}
	inputs := make([]services.RuleInput, 0, len(seeds))
	for _, s := range seeds {
		inputs = append(inputs, services.RuleInput{
			InstanceID:    s.InstanceID,
			Trigger:       s.Trigger,
			MatchMode:     s.MatchMode,
			CaseSensitive: s.CaseSensitive,
			ReplyTemplate: s.Reply,
			Priority:      s.Priority,
			Enabled:       s.Enabled,
			DailyCap:      s.DailyCap,
			DelaySeconds:  s.DelaySeconds,
			Category:      s.Category,
		})
	}
	if _, _, err := replies.SyncRules(ctx, inputs); err != nil {
		return fmt.Errorf("seed rules: %w", err)
	}
	return nil
}
