package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"attendguard/internal/attendance"
	"attendguard/internal/config"
	"attendguard/internal/logging"
	"attendguard/internal/queue"
	"attendguard/internal/store"
)

// The worker drains admission decision events into the admission_audit table.
func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	for _, w := range cfg.Warnings {
		log.Warn("config fallback", zap.String("detail", w))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.QueueBackend == "memory" {
		log.Fatal("the audit worker needs QUEUE_BACKEND=redis or kafka; the memory queue is drained inside the api process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("worker exited", zap.Error(err))
	}
	log.Info("worker stopped")
}

func run(ctx context.Context, cfg config.App, log *zap.Logger) error {
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	if err := store.Migrate(ctx, db.Client); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	opts := queue.Options{
		Backend:      cfg.QueueBackend,
		RedisKey:     cfg.QueueKey,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
		KafkaGroupID: cfg.KafkaGroupID,
	}
	if cfg.QueueBackend == "redis" {
		rdb := store.NewRedis(cfg.RedisAddr)
		defer rdb.Close()
		opts.Redis = rdb.Client
	}
	q, closeQueue, err := queue.Open(opts, log.Named("queue"))
	if err != nil {
		return err
	}
	defer func() { _ = closeQueue() }()

	g, gctx := errgroup.WithContext(ctx)
	msgs, err := q.Consume(gctx)
	if err != nil {
		return fmt.Errorf("queue consume init: %w", err)
	}
	auditor := attendance.NewAuditor(attendance.NewRepository(db.Client), log.Named("audit"))
	g.Go(func() error { return auditor.Run(gctx, msgs) })

	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
