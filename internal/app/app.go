// Package app wires configuration, infrastructure, and domain services
// together and runs the broker in either "api" or "worker" mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/xtrdev/rondevu/internal/cleanup"
	"github.com/xtrdev/rondevu/internal/config"
	"github.com/xtrdev/rondevu/internal/httpserver"
	"github.com/xtrdev/rondevu/internal/platform"
	"github.com/xtrdev/rondevu/internal/telemetry"
	"github.com/xtrdev/rondevu/pkg/authgate"
	"github.com/xtrdev/rondevu/pkg/credential"
	"github.com/xtrdev/rondevu/pkg/ratelimit"
	"github.com/xtrdev/rondevu/pkg/rpc"
	"github.com/xtrdev/rondevu/pkg/signalcrypto"
	"github.com/xtrdev/rondevu/pkg/signaling"
	"github.com/xtrdev/rondevu/pkg/storage"
	"github.com/xtrdev/rondevu/pkg/storage/memory"
	"github.com/xtrdev/rondevu/pkg/storage/postgres"
)

// Run reads configuration, connects to infrastructure, and starts the
// runtime mode selected by cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting rondevu",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
		"storage", cfg.StorageType,
	)

	masterKey, err := loadMasterKey(cfg, logger)
	if err != nil {
		return err
	}

	store, db, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	limiter, memLimiter, rdb, closeLimiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	encrypt := func(secretHex string) (string, error) { return signalcrypto.EncryptSecret(masterKey, secretHex) }
	decrypt := func(encoded string) (string, error) { return signalcrypto.DecryptSecret(masterKey, encoded) }

	gate := authgate.New(store, limiter, decrypt, cfg.TimestampMaxAge, cfg.TimestampMaxFuture, 365*24*time.Hour)

	signalingSvc := signaling.New(store, signaling.Config{
		MaxOffersPerRequest:      cfg.MaxOffersPerRequest,
		MaxOffersPerUser:         cfg.MaxOffersPerUser,
		MaxTotalOffers:           cfg.MaxTotalOffers,
		MaxSDPSize:               cfg.MaxSDPSize,
		OfferDefaultTTL:          cfg.OfferDefaultTTL,
		OfferMinTTL:              cfg.OfferMinTTL,
		OfferMaxTTL:              cfg.OfferMaxTTL,
		MaxCandidatesPerRequest:  cfg.MaxCandidatesPerReq,
		MaxCandidateDepth:        cfg.MaxCandidateDepth,
		MaxCandidateSize:         cfg.MaxCandidateSize,
		MaxIceCandidatesPerOffer: cfg.MaxIceCandidatesPerOffer,
	})

	credentialSvc := credential.New(store, limiter, encrypt, credential.Config{
		MaxTotalCredentials: cfg.MaxTotalCredentials,
		PerIPPerSecond:      cfg.CredentialsPerIPPerSecond,
		DefaultTTL:          365 * 24 * time.Hour,
	})

	dispatch := rpc.New(rpc.Config{
		MaxBatchSize:           cfg.MaxBatchSize,
		MaxTotalOperations:     cfg.MaxTotalOperations,
		RequestsPerIPPerSecond: cfg.RequestsPerIPPerSecond,
	}, gate, limiter, signalingSvc, credentialSvc)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, dispatch)
	case "worker":
		return runWorker(ctx, logger, store, memLimiter, cfg.CleanupInterval)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// devInsecureMasterKey is the fixed, publicly-known key used in place of
// MASTER_ENCRYPTION_KEY when NODE_ENV=development. Fixed rather than
// randomly generated so dev credentials survive a restart; never valid
// outside development, since loadMasterKey requires the env var everywhere
// else.
const devInsecureMasterKey = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"

// loadMasterKey parses MASTER_ENCRYPTION_KEY, or falls back to a fixed,
// well-known insecure key in development so the broker can start without
// manual setup.
func loadMasterKey(cfg *config.Config, logger *slog.Logger) ([]byte, error) {
	if cfg.MasterEncryptionKey != "" {
		return signalcrypto.ParseMasterKey(cfg.MasterEncryptionKey)
	}
	if !cfg.Development() {
		return nil, errors.New("MASTER_ENCRYPTION_KEY is required outside NODE_ENV=development")
	}
	logger.Warn("MASTER_ENCRYPTION_KEY not set: using the fixed development key — " +
		"every credential secret encrypted under it is readable by anyone who has this source. " +
		"Never use NODE_ENV=development outside a local/dev environment.")
	return signalcrypto.ParseMasterKey(devInsecureMasterKey)
}

// newStore selects the storage backend by cfg.StorageType. Backends other
// than memory and postgres are not implemented in this build.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, *pgxpool.Pool, func(), error) {
	switch cfg.StorageType {
	case "memory":
		logger.Info("storage: in-memory backend selected (not durable across restarts)")
		return memory.New(), nil, func() {}, nil
	case "postgres":
		db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.DBPoolSize)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return postgres.New(db), db, func() { db.Close() }, nil
	case "sqlite", "mysql":
		return nil, nil, nil, fmt.Errorf("storage backend %q is not implemented in this build", cfg.StorageType)
	default:
		return nil, nil, nil, fmt.Errorf("unknown STORAGE_TYPE: %s", cfg.StorageType)
	}
}

// newLimiter selects the rate-limit/nonce backend, mirroring newStore's
// STORAGE_TYPE switch: the memory deployment mode uses the in-process
// limiter for both rate limiting and nonce replay protection, with
// memLimiter non-nil so the cleanup worker can sweep it. Any durable
// storage backend pairs with Redis, since a single-process limiter
// wouldn't be shared across replicas.
func newLimiter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ratelimit.Limiter, *ratelimit.MemoryLimiter, *redis.Client, func(), error) {
	if cfg.StorageType == "memory" {
		logger.Info("rate limiter: in-memory backend selected (not shared across replicas)")
		mem := ratelimit.NewMemoryLimiter()
		return mem, mem, nil, func() {}, nil
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return ratelimit.NewRedisLimiter(rdb, "rondevu"), nil, rdb, func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, dispatch *rpc.Dispatcher) error {
	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, dispatch)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, logger *slog.Logger, store storage.Store, memLimiter *ratelimit.MemoryLimiter, interval time.Duration) error {
	worker := cleanup.NewWorker(store, memLimiter, logger, interval)
	return worker.Run(ctx)
}
