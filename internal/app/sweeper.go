package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// LeaseSweeper reclaims jobs whose lease expired without settlement. It is
// the only component besides the lease holder allowed to move a leased job.
type LeaseSweeper struct {
	jobs     domain.JobStore
	clock    clock.Clock
	interval time.Duration
	max      int
}

// NewLeaseSweeper constructs a LeaseSweeper.
func NewLeaseSweeper(jobs domain.JobStore, clk clock.Clock, interval time.Duration, max int) *LeaseSweeper {
	if clk == nil {
		clk = clock.WallClock
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if max <= 0 {
		max = 100
	}
	return &LeaseSweeper{jobs: jobs, clock: clk, interval: interval, max: max}
}

// Run sweeps until ctx is cancelled.
func (s *LeaseSweeper) Run(ctx context.Context) {
	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("lease sweeper stopping")
			return
		case <-s.clock.After(s.interval):
			s.sweepOnce(ctx)
		}
	}
}

func (s *LeaseSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "LeaseSweeper.sweepOnce")
	defer span.End()

	reclaimed, err := s.jobs.ReclaimExpired(ctx, s.clock.Now().UTC(), s.max)
	if err != nil {
		span.RecordError(err)
		slog.Error("lease reclaim failed", slog.Any("error", err))
		return
	}
	if len(reclaimed) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("jobs.reclaimed", len(reclaimed)))
	observability.LeasesReclaimedTotal.Add(float64(len(reclaimed)))
	for _, j := range reclaimed {
		slog.Warn("reclaimed expired lease",
			slog.String("job_id", j.ID),
			slog.String("provider", j.ProviderKey),
			slog.String("state", string(j.State)),
			slog.Int("attempts", j.Attempts))
	}
}
