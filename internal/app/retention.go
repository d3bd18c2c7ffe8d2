package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/storage"
)

// RetentionJob deletes assets whose retention window lapsed, records first
// and then the backing objects.
type RetentionJob struct {
	assets   *storage.AssetStore
	clock    clock.Clock
	interval time.Duration
	batch    int
}

// NewRetentionJob constructs a RetentionJob.
func NewRetentionJob(assets *storage.AssetStore, clk clock.Clock, interval time.Duration, batch int) *RetentionJob {
	if clk == nil {
		clk = clock.WallClock
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if batch <= 0 {
		batch = 200
	}
	return &RetentionJob{assets: assets, clock: clk, interval: interval, batch: batch}
}

// Run reaps until ctx is cancelled.
func (j *RetentionJob) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopping")
			return
		case <-j.clock.After(j.interval):
			j.RunOnce(ctx)
		}
	}
}

// RunOnce drains expired assets in batches until a batch comes back short.
func (j *RetentionJob) RunOnce(ctx context.Context) {
	tracer := otel.Tracer("app.retention")
	ctx, span := tracer.Start(ctx, "RetentionJob.RunOnce")
	defer span.End()

	total := 0
	for {
		n, err := j.assets.ReapExpired(ctx, j.batch)
		if err != nil {
			span.RecordError(err)
			slog.Error("asset reap failed", slog.Any("error", err))
			break
		}
		total += n
		if n < j.batch {
			break
		}
	}
	span.SetAttributes(attribute.Int("retention.reaped", total))
	if total > 0 {
		slog.Info("expired assets reaped", slog.Int("count", total))
	}
}
