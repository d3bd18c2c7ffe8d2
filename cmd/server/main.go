// Command server starts the video studio HTTP front door: submit, status,
// cancel, result, payments, and token-gated content delivery.
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

	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/contentaccess"
	httpserver "github.com/fairyhunter13/ai-video-studio/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/idempotency"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/queue/kafka"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/storage"
	"github.com/fairyhunter13/ai-video-studio/internal/app"
	"github.com/fairyhunter13/ai-video-studio/internal/config"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
	"github.com/fairyhunter13/ai-video-studio/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness interface.
type redisPinger struct{ c *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult { return r.c.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rdb.Close() }()

	backoff := domain.Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap}
	jobs := postgres.NewJobRepo(pool, clock.WallClock, backoff)
	ledger := postgres.NewLedgerRepo(pool, clock.WallClock)
	assetRecords := postgres.NewAssetRepo(pool)

	objects, err := storage.NewS3Store(ctx, storage.S3Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		slog.Error("object store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	assets := storage.NewAssetStore(objects, assetRecords, clock.WallClock,
		cfg.AssetBasePath, cfg.AssetCacheControl, cfg.AssetRetention)

	secret := cfg.ContentTokenSecret
	if secret == "" {
		// Validate rejects this in prod; dev gets a fixed local secret.
		secret = "dev-only-content-token-secret"
	}
	signer, err := contentaccess.NewSigner([]byte(secret), clock.WallClock)
	if err != nil {
		slog.Error("content signer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Advisory wake-up producer; the server keeps working without it.
	var signaler *kafka.Signaler
	if len(cfg.KafkaBrokers) > 0 {
		signaler, err = kafka.NewSignaler(cfg.KafkaBrokers)
		if err != nil {
			slog.Warn("job signal producer init failed, continuing without wake-ups",
				slog.Any("error", err))
			signaler = nil
		} else {
			defer func() { _ = signaler.Close() }()
		}
	}

	idem := idempotency.NewRedisStore(rdb, cfg.IdempotencyPendingTTL, cfg.IdempotencyReplayTTL)
	var jobSignal domain.JobSignal
	if signaler != nil {
		jobSignal = signaler
	}
	orch := usecase.NewOrchestrator(jobs, ledger, idem, jobSignal, assets, signer,
		cfg.JobMaxAttempts, cfg.AssetTokenTTL, cfg.AssetSignedURLTTL)

	// Retention runs in the server process; the worker handles settlement.
	retention := app.NewRetentionJob(assets, clock.WallClock, cfg.RetentionInterval, 200)
	go retention.Run(ctx)

	reconciler := app.NewReconciler(ledger, clock.WallClock,
		cfg.ReconIncrementalInterval, cfg.ReconFullInterval,
		cfg.ReconIncrementalScanLimit, cfg.ReconFullPageSize,
		cfg.ReconMaxInterval, cfg.ReconBackoffFactor)
	go reconciler.Run(ctx)

	var broker app.BrokerPinger
	if signaler != nil {
		broker = signaler
	}
	dbCheck, redisCheck, brokerCheck := app.BuildReadinessChecks(pool, redisPinger{rdb}, broker)

	srv := httpserver.NewServer(cfg, orch, assets, signer, dbCheck, redisCheck, brokerCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
