// Command worker runs the lease loop plus the queue maintenance jobs: the
// lease sweeper, the DLQ reprocessor, and the refund sweeper.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/circuit"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/provider"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/queue/kafka"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/storage"
	"github.com/fairyhunter13/ai-video-studio/internal/app"
	"github.com/fairyhunter13/ai-video-studio/internal/config"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
	"github.com/fairyhunter13/ai-video-studio/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	workerID := "worker-" + uuid.NewString()
	slog.Info("starting worker", slog.String("env", cfg.AppEnv), slog.String("worker_id", workerID))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

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

	// Provider adapters come from configuration; a dev process with no remote
	// endpoints runs against the inline fake.
	registry := provider.NewRegistry()
	for key, baseURL := range cfg.ProviderEndpoints {
		registry.Register(key, provider.NewRemoteHTTP(baseURL, cfg.ProviderAPIKeys[key]))
		slog.Info("provider registered", slog.String("key", key))
	}
	if len(registry.Keys()) == 0 {
		if !cfg.IsDev() {
			slog.Error("no providers configured")
			os.Exit(1)
		}
		registry.Register("inline-fake", provider.NewInlineFake())
		slog.Warn("no providers configured, registered inline fake")
	}

	breakers := circuit.NewRegistry(circuit.Config{
		FailureRateThreshold: cfg.CircuitFailureRateThreshold,
		MinVolume:            cfg.CircuitMinVolume,
		Cooldown:             cfg.CircuitCooldown,
		MaxSamples:           cfg.CircuitMaxSamples,
	}, clock.WallClock)

	// Advisory wake-ups from the job-signal topic; polling covers their loss.
	wake := make(chan struct{}, 1)
	if len(cfg.KafkaBrokers) > 0 {
		notifier, err := kafka.NewNotifier(cfg.KafkaBrokers, "video-studio-workers")
		if err != nil {
			slog.Warn("job signal consumer init failed, relying on polling", slog.Any("error", err))
		} else {
			defer func() { _ = notifier.Close() }()
			go func() {
				if err := notifier.Run(ctx); err != nil && ctx.Err() == nil {
					slog.Error("job signal consumer stopped", slog.Any("error", err))
				}
			}()
			go func() {
				for range notifier.Wake() {
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			}()
		}
	}

	workerPool := worker.New(worker.Config{
		WorkerID:              workerID,
		MaxConcurrent:         int64(cfg.WorkerMaxConcurrent),
		ProviderMaxConcurrent: int64(cfg.ProviderMaxConcurrent),
		LeaseDuration:         cfg.LeaseDuration,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		PollInterval:          cfg.WorkerPollInterval,
		ProviderPollInterval:  cfg.ProviderPollInterval,
		DrainTimeout:          cfg.DrainTimeout,
	}, jobs, ledger, assets, registry, breakers, clock.WallClock)
	workerPool.Wake = wake

	sweeper := app.NewLeaseSweeper(jobs, clock.WallClock, cfg.SweepInterval, cfg.SweepMax)
	go sweeper.Run(ctx)

	reprocessor := app.NewDlqReprocessor(jobs, jobs, ledger, breakers, clock.WallClock,
		cfg.DLQPollInterval, cfg.DLQMaxEntriesPerRun, cfg.DLQMinAge)
	go reprocessor.Run(ctx)

	refunds := app.NewRefundSweeper(ledger, clock.WallClock,
		cfg.RefundSweepInterval, cfg.RefundSweepMaxPerRun, cfg.RefundMaxAttempts)
	go refunds.Run(ctx)

	poolDone := make(chan error, 1)
	go func() { poolDone <- workerPool.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, draining", slog.String("signal", sig.String()))

	// Cancelling the root context stops leasing; Run drains in-flight slots
	// for up to DrainTimeout before returning.
	stop()
	if err := <-poolDone; err != nil {
		slog.Error("worker pool error", slog.Any("error", err))
	}
	slog.Info("worker stopped")
}
