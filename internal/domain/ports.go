package domain

import "time"

// JobStore persists job records with atomic, conditional state transitions.
// Every transition is keyed on (state, lease holder) so CAS failure means
// "observe and retry or abandon", never a bug.
type JobStore interface {
	// Enqueue inserts a new job with state=queued, attempts=0, no lease.
	// Returns ErrDuplicate if the id already exists.
	Enqueue(ctx Context, j Job) (Job, error)
	// LeaseNext claims one visible queued job (or one whose lease expired),
	// increments attempts, and returns it. allowedProviders narrows selection;
	// nil means any provider. Returns nil when nothing is claimable.
	LeaseNext(ctx Context, workerID string, leaseFor time.Duration, allowedProviders []string) (*Job, error)
	// Heartbeat extends the lease. Returns ErrLeaseLost if the holder differs.
	Heartbeat(ctx Context, jobID, workerID string, leaseFor time.Duration) error
	// MarkRunning transitions leased->running, records the provider job id,
	// and refreshes the lease.
	MarkRunning(ctx Context, jobID, workerID, providerJobID string, leaseFor time.Duration) error
	// Succeed transitions to succeeded and records the result asset.
	Succeed(ctx Context, jobID, workerID, assetID string) error
	// Fail settles a failed attempt. Retryable failures below the attempt cap
	// go back to queued with a backoff-delayed visibility; everything else
	// lands in failed or dead (dead inserts a DLQ entry atomically).
	Fail(ctx Context, jobID, workerID, cause string, retryable bool) (JobState, error)
	// RequestCancel flags the job; workers observe the flag on heartbeat/poll.
	// A still-queued job keeps its flag until a worker leases and settles it.
	RequestCancel(ctx Context, jobID string) error
	Get(ctx Context, jobID string) (Job, error)
	// ReclaimExpired bumps up to max expired leases back to queued, or to dead
	// once attempts are exhausted. Only the sweeper calls this.
	ReclaimExpired(ctx Context, now time.Time, max int) ([]Job, error)
	// Requeue resets a dead job for reprocessing: attempts back to zero,
	// state queued, visible immediately. A non-empty reservationID
	// rebinds the job to a fresh reservation when the original one already
	// settled; empty keeps the existing binding.
	Requeue(ctx Context, jobID, reservationID string) error
	// ScanCreatedSince pages jobs for reconciliation, oldest first.
	ScanCreatedSince(ctx Context, since time.Time, limit int) ([]Job, time.Time, error)
}

// DeadLetterQueue lists and removes DLQ entries. Insertion happens inside
// JobStore.Fail / ReclaimExpired so a dead job and its entry are atomic.
type DeadLetterQueue interface {
	List(ctx Context, limit int) ([]DlqEntry, error)
	Remove(ctx Context, jobID string) error
}

// CreditLedger applies atomic balance and reservation operations.
type CreditLedger interface {
	// Reserve holds amount against the user's balance, idempotent on
	// requestKey. Returns ErrInsufficientFunds when available < amount.
	Reserve(ctx Context, userID string, amount int64, requestKey string) (Reservation, error)
	// BindJob attaches the job id to a held reservation.
	BindJob(ctx Context, reservationID, jobID string) error
	// Commit settles a held reservation; idempotent.
	Commit(ctx Context, reservationID string) error
	// Refund returns a held reservation to available; idempotent. Transient
	// apply failures are queued via EnqueueRefundFailure by the caller.
	Refund(ctx Context, reservationID, reason string) error
	// ApplyPayment credits available, idempotent on eventID.
	ApplyPayment(ctx Context, eventID, userID string, delta int64) error
	Balance(ctx Context, userID string) (Balance, error)
	GetReservation(ctx Context, reservationID string) (Reservation, error)

	EnqueueRefundFailure(ctx Context, reservationID, reason string) error
	// DueRefundFailures claims entries whose retry time has passed.
	DueRefundFailures(ctx Context, now time.Time, max int) ([]RefundFailure, error)
	ResolveRefundFailure(ctx Context, reservationID string) error
	DeferRefundFailure(ctx Context, reservationID string, attempts int, nextAttemptAt time.Time) error
	// MarkRefundFailed parks the reservation in failed-refund for operators.
	MarkRefundFailed(ctx Context, reservationID string) error

	// Reconciliation scans.
	ScanReservationsSince(ctx Context, since time.Time, limit int) ([]Reservation, time.Time, error)
	ScanBalances(ctx Context, cursor string, limit int) ([]Balance, string, error)
	// LedgerTotals returns per-user aggregates: applied payments, committed
	// reservation amounts, and currently held amounts.
	LedgerTotals(ctx Context, userID string) (payments, committed, held int64, err error)
}

// AssetRepository persists asset records.
type AssetRepository interface {
	Create(ctx Context, a Asset) error
	Get(ctx Context, id string) (Asset, error)
	// DeleteExpired removes records whose retention lapsed and returns them so
	// the caller can delete the backing objects.
	DeleteExpired(ctx Context, now time.Time, limit int) ([]Asset, error)
}

// ObjectStore is the blob backend behind the asset store.
type ObjectStore interface {
	Put(ctx Context, key string, body []byte, contentType, cacheControl string) (etag string, err error)
	Delete(ctx Context, key string) error
	// PresignGet issues a short-lived signed URL for CDN-less delivery paths.
	PresignGet(ctx Context, key string, ttl time.Duration) (url string, expiresAt time.Time, err error)
}

// AcquireOutcome is the result kind of an idempotency acquire.
type AcquireOutcome int

const (
	// AcquireWon means the caller holds the pending lock and must Commit or Abort.
	AcquireWon AcquireOutcome = iota
	// AcquireBusy means another submit holds the pending lock.
	AcquireBusy
	// AcquireReplay means a committed response exists and is returned.
	AcquireReplay
)

// IdempotencyStore implements the pending-lock + response-replay protocol
// keyed on hash(userID, canonical request).
type IdempotencyStore interface {
	Acquire(ctx Context, key string) (AcquireOutcome, []byte, error)
	Commit(ctx Context, key string, response []byte) error
	Abort(ctx Context, key string) error
}

// ProviderAdapter is the unified generate/poll/cancel contract across
// heterogeneous generation backends.
type ProviderAdapter interface {
	Start(ctx Context, in GenerationInput) (providerJobID string, err error)
	Poll(ctx Context, providerJobID string) (PollResult, error)
	// Cancel is best-effort; providers that cannot cancel return nil.
	Cancel(ctx Context, providerJobID string) error
	// FetchOutput downloads the finished media referenced by a done poll.
	FetchOutput(ctx Context, outputRef string) (body []byte, contentType string, err error)
}

// CircuitGate is the worker-facing view of provider health.
type CircuitGate interface {
	Gate(providerKey string) bool
	Record(providerKey string, success bool)
	// Allowed filters keys down to providers whose circuit admits work.
	Allowed(providerKeys []string) []string
}

// JobSignal wakes workers when new work is enqueued. Purely advisory: the
// JobStore remains authoritative and the lease loop also polls.
type JobSignal interface {
	Announce(ctx Context, jobID, providerKey string) error
}
