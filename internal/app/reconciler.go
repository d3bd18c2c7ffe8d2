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

// Reconciler continuously verifies the ledger conservation invariant:
// available + reserved must equal applied payments minus committed
// reservations, and reserved must equal the sum of held reservations.
// Incremental passes follow a reservation watermark; full passes walk every
// balance row.
type Reconciler struct {
	ledger              domain.CreditLedger
	clock               clock.Clock
	incrementalInterval time.Duration
	fullInterval        time.Duration
	scanLimit           int
	pageSize            int
	maxInterval         time.Duration
	backoffFactor       float64

	watermark time.Time
}

// NewReconciler constructs a Reconciler.
func NewReconciler(ledger domain.CreditLedger, clk clock.Clock,
	incrementalInterval, fullInterval time.Duration, scanLimit, pageSize int,
	maxInterval time.Duration, backoffFactor float64) *Reconciler {
	if clk == nil {
		clk = clock.WallClock
	}
	if incrementalInterval <= 0 {
		incrementalInterval = time.Minute
	}
	if fullInterval <= 0 {
		fullInterval = 24 * time.Hour
	}
	if scanLimit <= 0 {
		scanLimit = 500
	}
	if pageSize <= 0 {
		pageSize = 200
	}
	if maxInterval <= 0 {
		maxInterval = 15 * time.Minute
	}
	if backoffFactor < 1 {
		backoffFactor = 2
	}
	return &Reconciler{
		ledger: ledger, clock: clk,
		incrementalInterval: incrementalInterval, fullInterval: fullInterval,
		scanLimit: scanLimit, pageSize: pageSize,
		maxInterval: maxInterval, backoffFactor: backoffFactor,
	}
}

// Run alternates incremental passes with periodic full passes until ctx is
// cancelled. Store failures back the cadence off exponentially up to
// maxInterval; a successful pass resets it.
func (r *Reconciler) Run(ctx context.Context) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.incrementalInterval
	expo.MaxInterval = r.maxInterval
	expo.Multiplier = r.backoffFactor
	expo.MaxElapsedTime = 0
	expo.RandomizationFactor = 0

	lastFull := r.clock.Now()
	wait := r.incrementalInterval
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-r.clock.After(wait):
		}

		var err error
		if r.clock.Now().Sub(lastFull) >= r.fullInterval {
			err = r.FullPass(ctx)
			if err == nil {
				lastFull = r.clock.Now()
			}
		} else {
			err = r.IncrementalPass(ctx)
		}

		if err != nil {
			wait = expo.NextBackOff()
			slog.Warn("reconciliation pass failed, backing off",
				slog.Duration("next_in", wait), slog.Any("error", err))
			continue
		}
		expo.Reset()
		wait = r.incrementalInterval
	}
}

// IncrementalPass verifies the users touched by reservations created since
// the watermark.
func (r *Reconciler) IncrementalPass(ctx context.Context) error {
	tracer := otel.Tracer("app.reconciler")
	ctx, span := tracer.Start(ctx, "Reconciler.IncrementalPass")
	defer span.End()

	reservations, next, err := r.ledger.ScanReservationsSince(ctx, r.watermark, r.scanLimit)
	if err != nil {
		span.RecordError(err)
		return err
	}
	users := make(map[string]struct{})
	for _, res := range reservations {
		users[res.UserID] = struct{}{}
	}
	span.SetAttributes(attribute.Int("recon.reservations", len(reservations)),
		attribute.Int("recon.users", len(users)))

	var worst int64
	for userID := range users {
		drift, err := r.checkUser(ctx, userID)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if drift > worst {
			worst = drift
		}
	}
	observability.ReconciliationDrift.WithLabelValues("incremental").Set(float64(worst))
	r.watermark = next
	return nil
}

// FullPass walks every balance row and rebuilds the expected totals.
func (r *Reconciler) FullPass(ctx context.Context) error {
	tracer := otel.Tracer("app.reconciler")
	ctx, span := tracer.Start(ctx, "Reconciler.FullPass")
	defer span.End()

	var worst int64
	cursor := ""
	for {
		balances, next, err := r.ledger.ScanBalances(ctx, cursor, r.pageSize)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if len(balances) == 0 {
			break
		}
		for _, b := range balances {
			drift, err := r.checkUser(ctx, b.UserID)
			if err != nil {
				span.RecordError(err)
				return err
			}
			if drift > worst {
				worst = drift
			}
		}
		cursor = next
	}
	observability.ReconciliationDrift.WithLabelValues("full").Set(float64(worst))
	return nil
}

// checkUser compares the stored balance against ledger aggregates and
// returns the absolute drift.
func (r *Reconciler) checkUser(ctx context.Context, userID string) (int64, error) {
	b, err := r.ledger.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	payments, committed, held, err := r.ledger.LedgerTotals(ctx, userID)
	if err != nil {
		return 0, err
	}

	drift := abs((b.Available + b.Reserved) - (payments - committed))
	if d := abs(b.Reserved - held); d > drift {
		drift = d
	}
	if drift > 0 {
		slog.Error("ledger drift detected",
			slog.String("user_id", userID),
			slog.Int64("available", b.Available),
			slog.Int64("reserved", b.Reserved),
			slog.Int64("payments", payments),
			slog.Int64("committed", committed),
			slog.Int64("held", held),
			slog.Int64("drift", drift))
	}
	return drift, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
