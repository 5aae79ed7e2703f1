package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/ImmutableWebApps/iwa/internal/app/migrate"
	httpx "github.com/ImmutableWebApps/iwa/internal/http"
	"github.com/ImmutableWebApps/iwa/internal/repository/postgres"
	"github.com/ImmutableWebApps/iwa/internal/service/edge"
	"github.com/ImmutableWebApps/iwa/internal/service/environment"
	"github.com/ImmutableWebApps/iwa/internal/service/events"
	"github.com/ImmutableWebApps/iwa/internal/service/publisher"
	"github.com/ImmutableWebApps/iwa/internal/service/registry"
	"github.com/ImmutableWebApps/iwa/internal/service/release"
	"github.com/ImmutableWebApps/iwa/internal/storage"
	"github.com/ImmutableWebApps/iwa/internal/ws"
	"github.com/ImmutableWebApps/iwa/pkg/config"
	"github.com/ImmutableWebApps/iwa/pkg/logger"
)

const storeRetryBase = 200 * time.Millisecond

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("iwad", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	bundleStore, err := newObjectStore(cfg.BundleStoreDriver, cfg.BundleStorePath, cfg.OSSBundleBucket, cfg)
	if err != nil {
		log.Error("failed to open bundle store", "error", err)
		os.Exit(1)
	}
	documentStore, err := newObjectStore(cfg.DocumentStoreDriver, cfg.DocumentStorePath, cfg.OSSDocumentBucket, cfg)
	if err != nil {
		log.Error("failed to open document store", "error", err)
		os.Exit(1)
	}
	staging, err := publisher.NewStaging(filepath.Join(os.TempDir(), "iwad-staging"))
	if err != nil {
		log.Error("failed to prepare staging root", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	eventsSvc := events.New(hub, log)

	pub, err := publisher.New(repo, bundleStore, eventsSvc, log, cfg)
	if err != nil {
		log.Error("failed to configure publisher", "error", err)
		os.Exit(1)
	}
	environmentSvc := environment.New(repo, repo, log)
	reg := registry.New(repo, log)

	locker := release.NewMemoryLocker()
	if addr := strings.TrimSpace(cfg.ReleaseLockRedisAddr); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.ReleaseLockRedisPassword,
			DB:       cfg.ReleaseLockRedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis release locker unavailable, falling back to in-process locking", "error", err)
			rdb.Close()
		} else {
			locker = release.NewRedisLocker(rdb, cfg.ReleaseLockTTL)
			defer rdb.Close()
		}
	}

	releaseSvc := release.New(repo, repo, reg, documentStore, locker, eventsSvc, log, cfg.BundleBaseURL)
	edgeSvc := edge.New(repo, log, cfg)
	if edgeSvc.Enabled() {
		if err := edgeSvc.Apply(ctx); err != nil {
			log.Warn("initial edge config apply failed", "error", err)
		}
	}

	sweeper := registry.NewSweeper(reg, repo, repo, bundleStore, eventsSvc, log, cfg)
	if err := sweeper.Start(); err != nil {
		log.Error("failed to start retention sweeper", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, pub, staging, environmentSvc, releaseSvc, edgeSvc, eventsSvc, bundleStore, documentStore, limiter, pool.Ping, cfg)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("iwad starting", "addr", cfg.Addr, "bundle_store", cfg.BundleStoreDriver, "document_store", cfg.DocumentStoreDriver)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("iwad stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// newObjectStore opens the configured backend. OSS access goes through the
// retry decorator; local filesystem errors are not transient.
func newObjectStore(driver, path, bucket string, cfg config.ServerConfig) (storage.ObjectStore, error) {
	switch driver {
	case "", "fs":
		return storage.NewFS(path)
	case "oss":
		store, err := storage.NewOSS(storage.OSSConfig{
			Region:          cfg.OSSRegion,
			Endpoint:        cfg.OSSEndpoint,
			Bucket:          bucket,
			AccessKeyID:     cfg.OSSAccessKeyID,
			AccessKeySecret: cfg.OSSAccessKeySecret,
			Prefix:          cfg.OSSPrefix,
		})
		if err != nil {
			return nil, err
		}
		return storage.WithRetry(store, 3, storeRetryBase), nil
	default:
		return nil, fmt.Errorf("unknown object store driver %q", driver)
	}
}
