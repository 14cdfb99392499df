// Command datumd runs the decision-of-record server: standards overlay
// evaluation, plan generation and governance, compliance reporting, and
// hardened export behind a single HTTP surface.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"cloud.google.com/go/storage"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/datumfab/datum/pkg/api"
	"github.com/datumfab/datum/pkg/audit"
	"github.com/datumfab/datum/pkg/auth"
	"github.com/datumfab/datum/pkg/catalog"
	"github.com/datumfab/datum/pkg/config"
	"github.com/datumfab/datum/pkg/export"
	"github.com/datumfab/datum/pkg/observability"
	"github.com/datumfab/datum/pkg/plan"
	"github.com/datumfab/datum/pkg/profile"
	"github.com/datumfab/datum/pkg/soe"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "datum",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutCtx)
	}()

	cat, err := catalog.Seed()
	if err != nil {
		return err
	}
	logger.Info("catalog loaded")

	auditStore, planStore, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	auditLog := audit.NewLog(auditStore, logger)

	engine, err := soe.NewEngine(cat, logger)
	if err != nil {
		return err
	}

	keyProvider, err := export.NewMemoryKeyProvider()
	if err != nil {
		return err
	}
	keyring := export.NewKeyring(keyProvider)
	logger.Info("signing key ready", "public_key", keyring.PublicKeyHex())

	archiver, err := buildArchiver(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := api.NewServer(
		engine,
		soe.NewMemoryRunStore(),
		plan.NewService(planStore, auditLog, logger),
		profile.NewService(cat, auditLog, logger),
		cat,
		export.NewExporter(keyring),
		archiver,
		auditLog,
	)

	idemStore, err := buildIdempotencyStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	handler := http.Handler(srv.Routes())
	handler = api.IdempotencyMiddleware(idemStore)(handler)
	handler = api.RateLimitMiddleware(cfg.RateRPS, cfg.RateBurst)(handler)
	handler = auth.Middleware(auth.NewValidator([]byte(cfg.JWTSecret)))(handler)
	handler = api.TelemetryMiddleware(obs)(handler)
	handler = api.RecoverMiddleware(handler)
	handler = api.LoggingMiddleware(logger)(handler)
	handler = api.RequestIDMiddleware(handler)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openStores picks sqlite when DATABASE_PATH is set and falls back to the
// in-memory stores otherwise.
func openStores(cfg *config.Config, logger *slog.Logger) (audit.Store, plan.Store, error) {
	if cfg.DatabasePath == "" {
		logger.Info("stores: in-memory")
		return audit.NewMemoryStore(), plan.NewMemoryStore(), nil
	}
	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	auditStore, err := audit.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, err
	}
	planStore, err := plan.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("stores: sqlite", "path", cfg.DatabasePath)
	return auditStore, planStore, nil
}

func buildArchiver(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*export.Archiver, error) {
	var store export.ObjectStore
	switch cfg.ArchiveBackend {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		store = export.NewS3Store(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket)
		logger.Info("archive: s3", "bucket", cfg.ArchiveBucket)
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		store = export.NewGCSStore(client, cfg.ArchiveBucket)
		logger.Info("archive: gcs", "bucket", cfg.ArchiveBucket)
	default:
		store = export.NewMemoryObjectStore()
		logger.Info("archive: in-memory")
	}
	return export.NewArchiver(store, cfg.ArchivePrefix, logger), nil
}

func buildIdempotencyStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (api.IdempotencyStore, error) {
	const ttl = 24 * time.Hour
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		store := api.NewPostgresIdempotencyStore(db, ttl)
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		logger.Info("idempotency cache: postgres")
		return store, nil
	}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("invalid REDIS_URL, using in-memory idempotency cache", "error", err)
		} else {
			logger.Info("idempotency cache: redis")
			return api.NewRedisIdempotencyStore(redis.NewClient(opts), ttl), nil
		}
	}
	return api.NewMemoryIdempotencyStore(ttl), nil
}
