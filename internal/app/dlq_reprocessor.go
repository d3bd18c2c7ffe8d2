package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// DlqReprocessor requeues dead jobs once their provider recovers. Requeued
// jobs start over with attempts reset to zero. A job whose reservation was
// refunded on death gets a fresh reservation first; if the user can no
// longer cover it, the entry is dropped and the job stays dead.
type DlqReprocessor struct {
	jobs     domain.JobStore
	dlq      domain.DeadLetterQueue
	ledger   domain.CreditLedger
	circuit  domain.CircuitGate
	clock    clock.Clock
	interval time.Duration
	maxRun   int
	minAge   time.Duration
}

// NewDlqReprocessor constructs a DlqReprocessor.
func NewDlqReprocessor(jobs domain.JobStore, dlq domain.DeadLetterQueue, ledger domain.CreditLedger,
	circuit domain.CircuitGate, clk clock.Clock, interval time.Duration, maxRun int, minAge time.Duration) *DlqReprocessor {
	if clk == nil {
		clk = clock.WallClock
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if maxRun <= 0 {
		maxRun = 50
	}
	return &DlqReprocessor{
		jobs: jobs, dlq: dlq, ledger: ledger, circuit: circuit, clock: clk,
		interval: interval, maxRun: maxRun, minAge: minAge,
	}
}

// Run reprocesses until ctx is cancelled.
func (r *DlqReprocessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("dlq reprocessor stopping")
			return
		case <-r.clock.After(r.interval):
			r.RunOnce(ctx)
		}
	}
}

// RunOnce scans a bounded slice of the DLQ and requeues eligible entries.
// Bounded per run to avoid a thundering herd when a provider recovers.
func (r *DlqReprocessor) RunOnce(ctx context.Context) {
	tracer := otel.Tracer("app.dlq")
	ctx, span := tracer.Start(ctx, "DlqReprocessor.RunOnce")
	defer span.End()
	now := r.clock.Now().UTC()

	entries, err := r.dlq.List(ctx, r.maxRun*4)
	if err != nil {
		span.RecordError(err)
		slog.Error("dlq list failed", slog.Any("error", err))
		return
	}
	observability.DLQDepth.Set(float64(len(entries)))

	requeued := 0
	for _, e := range entries {
		if requeued >= r.maxRun {
			break
		}
		if now.Sub(e.EnqueuedAt) < r.minAge {
			continue
		}
		// An open circuit means the provider is still sick; wait it out.
		// Allowed readmits closed and half-open circuits.
		if len(r.circuit.Allowed([]string{e.ProviderKey})) == 0 {
			continue
		}
		newReservation, ok := r.fundRetry(ctx, e)
		if !ok {
			continue
		}
		if err := r.jobs.Requeue(ctx, e.JobID, newReservation); err != nil {
			slog.Warn("dlq requeue failed", slog.String("job_id", e.JobID), slog.Any("error", err))
			if newReservation != "" {
				if rerr := r.ledger.Refund(ctx, newReservation, "dlq requeue failed"); rerr != nil {
					slog.Error("refund of unused retry reservation failed",
						slog.String("reservation_id", newReservation), slog.Any("error", rerr))
				}
			}
			continue
		}
		if err := r.dlq.Remove(ctx, e.JobID); err != nil {
			slog.Error("dlq remove after requeue failed", slog.String("job_id", e.JobID), slog.Any("error", err))
			continue
		}
		observability.DLQRequeuedTotal.Inc()
		requeued++
		slog.Info("dlq entry requeued",
			slog.String("job_id", e.JobID),
			slog.String("provider", e.ProviderKey),
			slog.String("reason", e.Reason))
	}
	span.SetAttributes(attribute.Int("dlq.requeued", requeued), attribute.Int("dlq.depth", len(entries)))
}

// fundRetry makes sure a retried job has credits behind it. A held
// reservation is reused; a refunded one is replaced with a fresh reservation
// for the same amount, returned so Requeue can rebind the job. Entries whose
// user cannot cover the retry, or whose reservation settled in any other
// way, are removed so they never cycle through the queue again.
func (r *DlqReprocessor) fundRetry(ctx context.Context, e domain.DlqEntry) (string, bool) {
	job, err := r.jobs.Get(ctx, e.JobID)
	if err != nil {
		slog.Warn("dlq job lookup failed", slog.String("job_id", e.JobID), slog.Any("error", err))
		return "", false
	}
	if job.ReservationID == "" {
		return "", true
	}
	res, err := r.ledger.GetReservation(ctx, job.ReservationID)
	if err != nil {
		slog.Warn("dlq reservation lookup failed",
			slog.String("job_id", e.JobID), slog.String("reservation_id", job.ReservationID), slog.Any("error", err))
		return "", false
	}
	switch res.Status {
	case domain.ReservationHeld:
		return "", true
	case domain.ReservationRefunded:
		fresh, err := r.ledger.Reserve(ctx, job.UserID, res.Amount, "")
		if errors.Is(err, domain.ErrInsufficientFunds) {
			slog.Info("dlq entry dropped, user cannot fund the retry",
				slog.String("job_id", e.JobID), slog.String("user_id", job.UserID))
			r.purge(ctx, e.JobID)
			return "", false
		}
		if err != nil {
			slog.Warn("dlq retry reserve failed", slog.String("job_id", e.JobID), slog.Any("error", err))
			return "", false
		}
		if err := r.ledger.BindJob(ctx, fresh.ID, job.ID); err != nil {
			slog.Warn("dlq retry bind failed", slog.String("job_id", e.JobID), slog.Any("error", err))
			if rerr := r.ledger.Refund(ctx, fresh.ID, "dlq bind failed"); rerr != nil {
				slog.Error("refund of unused retry reservation failed",
					slog.String("reservation_id", fresh.ID), slog.Any("error", rerr))
			}
			return "", false
		}
		return fresh.ID, true
	default:
		// Committed or parked in failed-refund: not retryable from here.
		slog.Warn("dlq entry dropped, reservation settled",
			slog.String("job_id", e.JobID), slog.String("status", string(res.Status)))
		r.purge(ctx, e.JobID)
		return "", false
	}
}

func (r *DlqReprocessor) purge(ctx context.Context, jobID string) {
	if err := r.dlq.Remove(ctx, jobID); err != nil {
		slog.Error("dlq purge failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}
