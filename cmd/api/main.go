package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/payledger/internal/api"
	"github.com/punchamoorthee/payledger/internal/audit"
	"github.com/punchamoorthee/payledger/internal/config"
	"github.com/punchamoorthee/payledger/internal/fraud"
	"github.com/punchamoorthee/payledger/internal/gateway"
	"github.com/punchamoorthee/payledger/internal/lock"
	"github.com/punchamoorthee/payledger/internal/logging"
	"github.com/punchamoorthee/payledger/internal/service"
	"github.com/punchamoorthee/payledger/internal/store"
	"github.com/punchamoorthee/payledger/internal/sweeper"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()
	for _, w := range cfg.Warnings {
		logger.Warn("config", zap.String("warning", w))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Layers
	ledgerStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("unable to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	locker, closeLocker, err := openLocker(cfg, logger)
	if err != nil {
		logger.Fatal("unable to open locker", zap.String("backend", cfg.LockBackend), zap.Error(err))
	}
	defer closeLocker()

	sink, closeSink := openAuditSink(cfg, logger)
	defer closeSink()
	dispatcher := audit.NewDispatcher(sink, audit.DispatcherOptions{QueueSize: cfg.AuditQueueSize}, logger)

	var resolver gateway.Resolver
	if cfg.GatewayStatusURL != "" {
		resolver = gateway.NewBreakerResolver(gateway.NewHTTPResolver(cfg.GatewayStatusURL, 10*time.Second), gateway.BreakerOptions{}, logger)
	}

	engine := service.NewEngine(service.Dependencies{
		Store:    ledgerStore,
		Locks:    lock.NewCoordinator(locker, cfg.LockTimeout),
		Audit:    dispatcher,
		Detector: fraud.NewDetector(ledgerStore, cfg.DuplicateWindow, logger),
		Resolver: resolver,
	}, service.Options{
		TransactionTTL:    cfg.TransactionTTL,
		StuckCutoff:       cfg.StuckCutoff,
		SweepBatchSize:    cfg.SweepBatchSize,
		GatewayMaxRetries: cfg.GatewayMaxRetries,
	}, logger)

	scheduler := sweeper.NewScheduler(engine, cfg.SweepSchedule, cfg.StuckCutoff, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("unable to start sweeper", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewHandler(engine, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("store", cfg.StoreDriver), zap.String("locks", cfg.LockBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("sweep still running at shutdown")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error("audit drain", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.StoreDriver != "postgres" {
		return store.NewMemoryStore(), func() {}, nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.DBSource, cfg.LockTimeout)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func openLocker(cfg *config.Config, logger *zap.Logger) (lock.Locker, func(), error) {
	if cfg.LockBackend != "redis" {
		return lock.NewMemoryLocker(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	return lock.NewRedisLocker(client, lock.RedisLockerOptions{}, logger), func() { client.Close() }, nil
}

// openAuditSink falls back to logging records when RabbitMQ is unset or unreachable.
func openAuditSink(cfg *config.Config, logger *zap.Logger) (audit.Sink, func()) {
	if cfg.RabbitMQURL == "" {
		return audit.NewLogSink(logger), func() {}
	}
	sink, err := audit.NewAMQPSink(cfg.RabbitMQURL, cfg.AuditExchange, logger)
	if err != nil {
		logger.Error("rabbitmq unavailable, auditing to log", zap.Error(err))
		return audit.NewLogSink(logger), func() {}
	}
	return sink, sink.Close
}
