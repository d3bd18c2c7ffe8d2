// Package domain defines the core entities, ports, and error taxonomy for
// the video-generation orchestration core.
package domain

import (
	"context"
	"time"
)

// JobState enumerates durable job states. Terminal states are absorbing.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobLeased    JobState = "leased"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobDead      JobState = "dead"
)

// Terminal reports whether s admits no further transitions besides DLQ
// bookkeeping.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobDead
}

// Lease is an exclusive, time-bounded claim on a job by one worker.
type Lease struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Job is a single unit of generation work bound to one user, one provider,
// one reservation.
// Invariants: leased implies Lease != nil with ExpiresAt in the future;
// Attempts <= MaxAttempts; a terminal job carries no lease; a dead job has
// exactly one DLQ entry.
type Job struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	ProviderKey      string    `json:"providerKey"`
	ModelKey         string    `json:"modelKey"`
	InputFingerprint string    `json:"inputFingerprint"`
	InputRef         string    `json:"inputRef"`
	ReservationID    string    `json:"reservationId"`
	Attempts         int       `json:"attempts"`
	MaxAttempts      int       `json:"maxAttempts"`
	State            JobState  `json:"state"`
	Lease            *Lease    `json:"lease,omitempty"`
	VisibleAfter     time.Time `json:"visibleAfter"`
	LastHeartbeatAt  time.Time `json:"lastHeartbeatAt"`
	CancelRequested  bool      `json:"cancelRequested"`
	ProviderJobID    string    `json:"providerJobId,omitempty"`
	ResultAssetID    string    `json:"resultAssetId,omitempty"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// DlqEntry is a back-reference to a dead job, kept for reprocessing.
type DlqEntry struct {
	JobID       string    `json:"jobId"`
	ProviderKey string    `json:"providerKey"`
	Reason      string    `json:"reason"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// ReservationStatus enumerates reservation lifecycle states.
type ReservationStatus string

const (
	ReservationHeld         ReservationStatus = "held"
	ReservationCommitted    ReservationStatus = "committed"
	ReservationRefunded     ReservationStatus = "refunded"
	ReservationFailedRefund ReservationStatus = "failed-refund"
)

// Reservation holds credits against a user's balance pending settlement.
type Reservation struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Amount    int64             `json:"amount"`
	JobID     string            `json:"jobId,omitempty"`
	Status    ReservationStatus `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	SettledAt *time.Time        `json:"settledAt,omitempty"`
}

// Balance is a snapshot of a user's credit balance.
// Invariant: Available + Reserved equals the sum of applied payments minus
// committed reservations; the reconciler verifies this continuously.
type Balance struct {
	UserID    string `json:"userId"`
	Available int64  `json:"available"`
	Reserved  int64  `json:"reserved"`
	Version   int64  `json:"version"`
}

// RefundFailure is a queued refund that could not be applied and must be
// retried by the refund sweeper.
type RefundFailure struct {
	ReservationID string    `json:"reservationId"`
	Reason        string    `json:"reason"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// AssetKind enumerates stored media kinds.
const (
	AssetKindVideo = "video"
	AssetKindImage = "image"
	AssetKindFrame = "frame"
)

// Asset is a persisted media object produced by a job.
// Invariant: ObjectKey = basePath/{kind}/{ownerId}/{id}{ext}.
type Asset struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"ownerId"`
	Kind        string     `json:"kind"`
	ObjectKey   string     `json:"objectKey"`
	Bytes       int64      `json:"bytes"`
	ContentType string     `json:"contentType"`
	ETag        string     `json:"etag"`
	CreatedAt   time.Time  `json:"createdAt"`
	RetainUntil *time.Time `json:"retainUntil,omitempty"`
}

// GenerationRequest is the submit-path input after transport decoding.
type GenerationRequest struct {
	ProviderKey string `json:"providerKey" validate:"required"`
	ModelKey    string `json:"modelKey" validate:"required"`
	Prompt      string `json:"prompt" validate:"required,min=1,max=8000"`
	Kind        string `json:"kind" validate:"required,oneof=video image frame"`
	Cost        int64  `json:"cost" validate:"required,gt=0"`
	Seed        int64  `json:"seed,omitempty"`
}

// GenerationInput is what a provider adapter receives to start work.
type GenerationInput struct {
	JobID    string
	ModelKey string
	Prompt   string
	Kind     string
	Seed     int64
}

// PollState enumerates provider-side job progress.
type PollState string

const (
	PollPending PollState = "pending"
	PollDone    PollState = "done"
	PollFailed  PollState = "failed"
)

// PollResult carries the provider-side outcome of a poll. Retryable is a
// field, not an error subclass; policy rejections arrive as failed with
// Retryable=false.
type PollResult struct {
	State     PollState
	OutputRef string
	Cause     string
	Retryable bool
	Progress  float64
}

// Context is an alias so adapters and usecases share one signature shape.
type Context = context.Context
