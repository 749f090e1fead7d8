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

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/santialv/DOTENDERO-sub001/internal/cache"
	"github.com/santialv/DOTENDERO-sub001/internal/config"
	"github.com/santialv/DOTENDERO-sub001/internal/httpapi"
	"github.com/santialv/DOTENDERO-sub001/internal/jobs"
	"github.com/santialv/DOTENDERO-sub001/internal/logging"
	"github.com/santialv/DOTENDERO-sub001/internal/observability"
	"github.com/santialv/DOTENDERO-sub001/internal/service"
	"github.com/santialv/DOTENDERO-sub001/internal/session"
	"github.com/santialv/DOTENDERO-sub001/internal/store"
	"github.com/santialv/DOTENDERO-sub001/internal/store/memory"
	pgstore "github.com/santialv/DOTENDERO-sub001/internal/store/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dontendero: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", zap.Error(err))
			}
		}
	}()

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set, refusing in-memory fallback: %w", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres", logging.Redacted("database_url", cfg.DatabaseURL))
	} else {
		repo = memory.NewSeeded(cfg.DefaultOrgID)
		logger.Info("repository: in-memory", zap.String("org_id", cfg.DefaultOrgID))
	}

	metrics := observability.NewMetrics()
	opts := service.Options{
		Catalog:    cache.NoopCatalogCache{},
		CatalogTTL: cfg.CatalogTTL(),
		Sessions:   session.NewManager(session.NewMemoryStore(cfg.SessionTTL())),
		Metrics:    metrics,
		Logger:     logger,
	}

	var worker *jobs.Worker
	if cfg.RedisAddr != "" {
		client := cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(startCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("redis unavailable at %s: %w", cfg.RedisAddr, err)
		}
		closers = append(closers, client.Close)
		opts.Catalog = cache.NewRedisCatalogCache(client)
		opts.Sessions = session.NewManager(session.NewRedisStore(client, cfg.SessionTTL()))

		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		publisher := jobs.NewPublisher(redisOpts, logger)
		closers = append(closers, publisher.Close)
		opts.Events = publisher

		worker, err = jobs.NewWorker(jobs.WorkerConfig{
			RedisOpts:   redisOpts,
			Concurrency: cfg.WorkerConcurrency,
			Reconciler:  jobs.NewReconciler(repo, metrics, cfg.VarianceAlertThreshold, logger),
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		logger.Info("cache, sessions and jobs: redis", zap.String("addr", cfg.RedisAddr))
	} else {
		logger.Info("cache: noop, sessions: in-memory, jobs: disabled")
	}

	svc := service.New(repo, opts)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.TokenTTL(), cfg.ManagerPIN, repo, logger)
	if cfg.DatabaseURL != "" {
		if err := auth.EnsureAdmin(startCtx, cfg.DefaultOrgID, cfg.BootstrapAdminPassword); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Metrics:       metrics,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dontendero backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	if worker != nil {
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("server stopped")
		return nil
	})

	return g.Wait()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	if cfg.DatabaseURL != "" && cfg.BootstrapAdminPassword != "" && len(cfg.BootstrapAdminPassword) < 8 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 8 characters")
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "101010": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("PIN must contain digits only")
		}
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
