package app

import (
	"context"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// RefundSweeper drains the refund failure queue. Refund application is
// idempotent, so replaying an entry whose refund already landed is a no-op;
// entries that keep failing are deferred with exponential backoff and parked
// in failed-refund after maxAttempts.
type RefundSweeper struct {
	ledger      domain.CreditLedger
	clock       clock.Clock
	interval    time.Duration
	maxPerRun   int
	maxAttempts int
}

// NewRefundSweeper constructs a RefundSweeper.
func NewRefundSweeper(ledger domain.CreditLedger, clk clock.Clock, interval time.Duration,
	maxPerRun, maxAttempts int) *RefundSweeper {
	if clk == nil {
		clk = clock.WallClock
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxPerRun <= 0 {
		maxPerRun = 50
	}
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &RefundSweeper{
		ledger: ledger, clock: clk, interval: interval,
		maxPerRun: maxPerRun, maxAttempts: maxAttempts,
	}
}

// Run sweeps until ctx is cancelled.
func (s *RefundSweeper) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("refund sweeper stopping")
			return
		case <-s.clock.After(s.interval):
			s.RunOnce(ctx)
		}
	}
}

// RunOnce retries every due entry once.
func (s *RefundSweeper) RunOnce(ctx context.Context) {
	tracer := otel.Tracer("app.refunds")
	ctx, span := tracer.Start(ctx, "RefundSweeper.RunOnce")
	defer span.End()
	now := s.clock.Now().UTC()

	due, err := s.ledger.DueRefundFailures(ctx, now, s.maxPerRun)
	if err != nil {
		span.RecordError(err)
		slog.Error("refund failure scan failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("refunds.due", len(due)))

	for _, f := range due {
		observability.RefundRetriesTotal.Inc()
		err := s.ledger.Refund(ctx, f.ReservationID, f.Reason)
		if err == nil {
			if resolveErr := s.ledger.ResolveRefundFailure(ctx, f.ReservationID); resolveErr != nil {
				slog.Error("refund failure resolve failed",
					slog.String("reservation_id", f.ReservationID), slog.Any("error", resolveErr))
			}
			continue
		}

		attempts := f.Attempts + 1
		if attempts >= s.maxAttempts {
			slog.Error("refund exhausted retries, parking for operators",
				slog.String("reservation_id", f.ReservationID),
				slog.Int("attempts", attempts),
				slog.Any("error", err))
			if markErr := s.ledger.MarkRefundFailed(ctx, f.ReservationID); markErr != nil {
				slog.Error("mark failed-refund failed",
					slog.String("reservation_id", f.ReservationID), slog.Any("error", markErr))
				continue
			}
			observability.RefundsParkedTotal.Inc()
			if resolveErr := s.ledger.ResolveRefundFailure(ctx, f.ReservationID); resolveErr != nil {
				slog.Error("refund failure resolve failed",
					slog.String("reservation_id", f.ReservationID), slog.Any("error", resolveErr))
			}
			continue
		}

		next := now.Add(s.retryDelay(attempts))
		if deferErr := s.ledger.DeferRefundFailure(ctx, f.ReservationID, attempts, next); deferErr != nil {
			slog.Error("refund failure defer failed",
				slog.String("reservation_id", f.ReservationID), slog.Any("error", deferErr))
		}
		slog.Warn("refund retry failed, deferred",
			slog.String("reservation_id", f.ReservationID),
			slog.Int("attempts", attempts),
			slog.Time("next_attempt_at", next),
			slog.Any("error", err))
	}
}

// retryDelay walks an exponential backoff schedule to the given attempt.
func (s *RefundSweeper) retryDelay(attempts int) time.Duration {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 5 * time.Second
	expo.MaxInterval = 10 * time.Minute
	expo.MaxElapsedTime = 0
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = expo.NextBackOff()
	}
	return d
}
