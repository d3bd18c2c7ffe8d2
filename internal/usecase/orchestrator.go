// Package usecase binds the stores, the idempotency layer, and the asset
// services into the submit/status/cancel/result front door.
package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/contentaccess"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/storage"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// Orchestrator exposes the core submit/status/cancel/result operations.
type Orchestrator struct {
	Jobs        domain.JobStore
	Ledger      domain.CreditLedger
	Idempotency domain.IdempotencyStore
	Signal      domain.JobSignal
	Assets      *storage.AssetStore
	Signer      *contentaccess.Signer

	MaxAttempts  int
	TokenTTL     time.Duration
	SignedURLTTL time.Duration

	validate *validator.Validate
}

// NewOrchestrator constructs an Orchestrator. signal may be nil when no
// broker is configured; announcements are then skipped.
func NewOrchestrator(jobs domain.JobStore, ledger domain.CreditLedger, idem domain.IdempotencyStore,
	signal domain.JobSignal, assets *storage.AssetStore, signer *contentaccess.Signer,
	maxAttempts int, tokenTTL, signedURLTTL time.Duration) *Orchestrator {
	return &Orchestrator{
		Jobs:         jobs,
		Ledger:       ledger,
		Idempotency:  idem,
		Signal:       signal,
		Assets:       assets,
		Signer:       signer,
		MaxAttempts:  maxAttempts,
		TokenTTL:     tokenTTL,
		SignedURLTTL: signedURLTTL,
		validate:     validator.New(),
	}
}

// SubmitResult is the submit response, also the replayed idempotent body.
type SubmitResult struct {
	JobID string `json:"jobId"`
}

// Submit reserves credits and enqueues one generation job. Identical
// concurrent submits yield exactly one job: the idempotency lock serializes
// them and committed responses replay.
func (o *Orchestrator) Submit(ctx domain.Context, userID string, req domain.GenerationRequest) (SubmitResult, error) {
	if userID == "" {
		return SubmitResult{}, fmt.Errorf("op=submit: %w: user id required", domain.ErrInvalidRequest)
	}
	if err := o.validate.Struct(req); err != nil {
		return SubmitResult{}, fmt.Errorf("op=submit: %w: %v", domain.ErrInvalidRequest, err)
	}

	key := domain.RequestKey(userID, req)

	outcome, replay, err := o.Idempotency.Acquire(ctx, key)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=submit: %w", err)
	}
	switch outcome {
	case domain.AcquireReplay:
		var out SubmitResult
		if err := json.Unmarshal(replay, &out); err != nil {
			return SubmitResult{}, fmt.Errorf("op=submit: stored response: %w", err)
		}
		return out, nil
	case domain.AcquireBusy:
		return SubmitResult{}, fmt.Errorf("op=submit: %w", domain.ErrDuplicateInFlight)
	}

	out, err := o.submitLocked(ctx, userID, req, key)
	if err != nil {
		if abortErr := o.Idempotency.Abort(ctx, key); abortErr != nil {
			slog.Warn("idempotency abort failed", slog.Any("error", abortErr))
		}
		return SubmitResult{}, err
	}
	body, err := json.Marshal(out)
	if err == nil {
		err = o.Idempotency.Commit(ctx, key, body)
	}
	if err != nil {
		// The job exists; replay just will not work for this key.
		slog.Warn("idempotency commit failed", slog.String("job_id", out.JobID), slog.Any("error", err))
	}
	return out, nil
}

// submitLocked runs the reserve+enqueue sequence under the pending lock,
// rolling the reservation back if the enqueue fails.
func (o *Orchestrator) submitLocked(ctx domain.Context, userID string, req domain.GenerationRequest,
	key string) (SubmitResult, error) {
	reservation, err := o.Ledger.Reserve(ctx, userID, req.Cost, key)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=submit: %w", err)
	}

	input, err := json.Marshal(domain.GenerationInput{
		ModelKey: req.ModelKey,
		Prompt:   req.Prompt,
		Kind:     req.Kind,
		Seed:     req.Seed,
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("op=submit: %w", err)
	}

	job := domain.Job{
		ID:               domain.NewJobID(),
		UserID:           userID,
		ProviderKey:      req.ProviderKey,
		ModelKey:         req.ModelKey,
		InputFingerprint: key,
		InputRef:         string(input),
		ReservationID:    reservation.ID,
		MaxAttempts:      o.MaxAttempts,
	}
	if _, err := o.Jobs.Enqueue(ctx, job); err != nil {
		if refundErr := o.Ledger.Refund(ctx, reservation.ID, "enqueue failed"); refundErr != nil {
			slog.Error("rollback refund failed",
				slog.String("reservation_id", reservation.ID), slog.Any("error", refundErr))
			if qErr := o.Ledger.EnqueueRefundFailure(ctx, reservation.ID, "enqueue failed"); qErr != nil {
				slog.Error("refund failure enqueue failed",
					slog.String("reservation_id", reservation.ID), slog.Any("error", qErr))
			}
		}
		return SubmitResult{}, fmt.Errorf("op=submit: %w", err)
	}
	if err := o.Ledger.BindJob(ctx, reservation.ID, job.ID); err != nil {
		slog.Warn("reservation bind failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}

	if o.Signal != nil {
		// Advisory wake-up; the lease loop also polls.
		if err := o.Signal.Announce(ctx, job.ID, job.ProviderKey); err != nil {
			slog.Warn("job signal failed", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	observability.JobsEnqueuedTotal.WithLabelValues(job.ProviderKey).Inc()
	return SubmitResult{JobID: job.ID}, nil
}

// StatusView is the user-visible job status. Internal states collapse:
// leased reads as queued, dead reads as failed, and a cancelled job reads as
// cancelled.
type StatusView struct {
	JobID         string  `json:"jobId"`
	State         string  `json:"state"`
	Attempts      int     `json:"attempts"`
	ProviderKey   string  `json:"providerKey"`
	Error         string  `json:"error,omitempty"`
	ResultAssetID string  `json:"resultAssetId,omitempty"`
	ProgressHint  float64 `json:"progressHint,omitempty"`
}

// Status reports the collapsed state of a job.
func (o *Orchestrator) Status(ctx domain.Context, jobID string) (StatusView, error) {
	j, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		JobID:         j.ID,
		State:         collapseState(j),
		Attempts:      j.Attempts,
		ProviderKey:   j.ProviderKey,
		Error:         j.Error,
		ResultAssetID: j.ResultAssetID,
	}, nil
}

func collapseState(j domain.Job) string {
	switch j.State {
	case domain.JobQueued, domain.JobLeased:
		return "queued"
	case domain.JobRunning:
		return "running"
	case domain.JobSucceeded:
		return "succeeded"
	case domain.JobFailed, domain.JobDead:
		if j.CancelRequested {
			return "cancelled"
		}
		return "failed"
	}
	return string(j.State)
}

// Cancel flags the job for cooperative cancellation. Queued jobs settle on
// their next lease; running jobs settle when the worker observes the flag.
func (o *Orchestrator) Cancel(ctx domain.Context, jobID string) error {
	return o.Jobs.RequestCancel(ctx, jobID)
}

// ResultView carries the delivery grants for a finished job.
type ResultView struct {
	AssetID      string    `json:"assetId"`
	ContentToken string    `json:"contentToken"`
	SignedURL    string    `json:"signedUrl,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Result issues a content token and a signed URL for the job's asset.
// requesterID must match the job owner.
func (o *Orchestrator) Result(ctx domain.Context, jobID, requesterID string) (ResultView, error) {
	j, err := o.Jobs.Get(ctx, jobID)
	if err != nil {
		return ResultView{}, err
	}
	if requesterID != "" && j.UserID != requesterID {
		return ResultView{}, fmt.Errorf("op=result: %w: %s", domain.ErrNotFound, jobID)
	}
	if j.State != domain.JobSucceeded || j.ResultAssetID == "" {
		return ResultView{}, fmt.Errorf("op=result: %w: job is %s", domain.ErrConflict, collapseState(j))
	}

	asset, err := o.Assets.Get(ctx, j.ResultAssetID)
	if err != nil {
		return ResultView{}, err
	}
	token, exp, err := o.Signer.Issue(asset.ID, asset.OwnerID, o.TokenTTL)
	if err != nil {
		return ResultView{}, fmt.Errorf("op=result: %w", err)
	}
	url, _, err := o.Assets.SignedURL(ctx, asset, o.SignedURLTTL)
	if err != nil {
		// The token alone still grants access through the content endpoint.
		slog.Warn("signed url issuance failed", slog.String("asset_id", asset.ID), slog.Any("error", err))
		url = ""
	}
	return ResultView{
		AssetID:      asset.ID,
		ContentToken: token,
		SignedURL:    url,
		ExpiresAt:    exp,
	}, nil
}

// ApplyPayment credits a user's balance, idempotent on eventID.
func (o *Orchestrator) ApplyPayment(ctx domain.Context, eventID, userID string, delta int64) error {
	if eventID == "" || userID == "" || delta <= 0 {
		return fmt.Errorf("op=apply_payment: %w: event, user, and positive delta required", domain.ErrInvalidRequest)
	}
	return o.Ledger.ApplyPayment(ctx, eventID, userID, delta)
}
