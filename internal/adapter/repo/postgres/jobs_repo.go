package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

const jobColumns = `id, user_id, provider_key, model_key, input_fingerprint, input_ref,
	reservation_id, attempts, max_attempts, state, lease_holder, lease_expires_at,
	visible_after, last_heartbeat_at, cancel_requested, provider_job_id,
	result_asset_id, error, created_at, updated_at`

// JobRepo persists jobs with conditional, lease-aware transitions. It also
// implements the DLQ read side (entries are written inside Fail/Reclaim so a
// dead job and its entry stay atomic).
type JobRepo struct {
	Pool    *pgxpool.Pool
	Clock   clock.Clock
	Backoff domain.Backoff
}

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p *pgxpool.Pool, clk clock.Clock, backoff domain.Backoff) *JobRepo {
	if clk == nil {
		clk = clock.WallClock
	}
	return &JobRepo{Pool: p, Clock: clk, Backoff: backoff}
}

// Enqueue inserts a new job with state=queued, attempts=0, no lease.
func (r *JobRepo) Enqueue(ctx domain.Context, j domain.Job) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Enqueue")
	defer span.End()
	now := r.Clock.Now().UTC()
	q := `INSERT INTO jobs (id, user_id, provider_key, model_key, input_fingerprint, input_ref,
		reservation_id, max_attempts, state, visible_after, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'queued',$9,$9,$9)`
	_, err := r.Pool.Exec(ctx, q, j.ID, j.UserID, j.ProviderKey, j.ModelKey,
		j.InputFingerprint, j.InputRef, j.ReservationID, j.MaxAttempts, now)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Job{}, fmt.Errorf("op=jobs.enqueue: %w: %s", domain.ErrDuplicate, j.ID)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.enqueue: %w", err)
	}
	j.State = domain.JobQueued
	j.Attempts = 0
	j.Lease = nil
	j.VisibleAfter = now
	j.CreatedAt = now
	j.UpdatedAt = now
	return j, nil
}

// LeaseNext claims one visible queued job or one whose lease expired, FIFO by
// id (ULIDs order by creation time). SKIP LOCKED keeps concurrent workers off
// each other's candidate rows without a global lock.
func (r *JobRepo) LeaseNext(ctx domain.Context, workerID string, leaseFor time.Duration, allowed []string) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.LeaseNext")
	defer span.End()
	now := r.Clock.Now().UTC()

	filter := ``
	args := []any{workerID, now, now.Add(leaseFor)}
	if len(allowed) > 0 {
		filter = `AND provider_key = ANY($4)`
		args = append(args, allowed)
	}
	q := fmt.Sprintf(`WITH candidate AS (
			SELECT id FROM jobs
			WHERE ((state = 'queued' AND visible_after <= $2)
				OR (state IN ('leased','running') AND lease_expires_at <= $2))
			%s
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET state='leased', lease_holder=$1, lease_expires_at=$3,
			attempts=attempts+1, last_heartbeat_at=$2, updated_at=$2
		FROM candidate WHERE j.id = candidate.id
		RETURNING `+jobColumnsPrefixed("j"), filter)

	row := r.Pool.QueryRow(ctx, q, args...)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=jobs.lease_next: %w", err)
	}
	return &j, nil
}

// Heartbeat extends the lease; ErrLeaseLost if the job was stolen.
func (r *JobRepo) Heartbeat(ctx domain.Context, jobID, workerID string, leaseFor time.Duration) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Heartbeat")
	defer span.End()
	now := r.Clock.Now().UTC()
	q := `UPDATE jobs SET lease_expires_at=$4, last_heartbeat_at=$3, updated_at=$3
		WHERE id=$1 AND lease_holder=$2 AND state IN ('leased','running')`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID, now, now.Add(leaseFor))
	if err != nil {
		return fmt.Errorf("op=jobs.heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=jobs.heartbeat: %w", domain.ErrLeaseLost)
	}
	return nil
}

// MarkRunning transitions leased->running and records the provider job id.
func (r *JobRepo) MarkRunning(ctx domain.Context, jobID, workerID, providerJobID string, leaseFor time.Duration) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRunning")
	defer span.End()
	now := r.Clock.Now().UTC()
	q := `UPDATE jobs SET state='running', provider_job_id=$3, lease_expires_at=$5, updated_at=$4
		WHERE id=$1 AND lease_holder=$2 AND state='leased'`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID, providerJobID, now, now.Add(leaseFor))
	if err != nil {
		return fmt.Errorf("op=jobs.mark_running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=jobs.mark_running: %w", domain.ErrLeaseLost)
	}
	return nil
}

// Succeed transitions to succeeded and records the result asset.
func (r *JobRepo) Succeed(ctx domain.Context, jobID, workerID, assetID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Succeed")
	defer span.End()
	now := r.Clock.Now().UTC()
	q := `UPDATE jobs SET state='succeeded', lease_holder=NULL, lease_expires_at=NULL,
		result_asset_id=$3, updated_at=$4
		WHERE id=$1 AND lease_holder=$2 AND state IN ('leased','running')`
	tag, err := r.Pool.Exec(ctx, q, jobID, workerID, assetID, now)
	if err != nil {
		return fmt.Errorf("op=jobs.succeed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=jobs.succeed: %w", domain.ErrLeaseLost)
	}
	return nil
}

// Fail settles a failed attempt. Retryable failures below the cap requeue
// with backoff; a retryable failure at the cap goes dead (with a DLQ entry,
// atomically); terminal failures go failed.
func (r *JobRepo) Fail(ctx domain.Context, jobID, workerID, cause string, retryable bool) (domain.JobState, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	now := r.Clock.Now().UTC()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("op=jobs.fail: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var attempts, maxAttempts int
	var providerKey string
	q := `SELECT attempts, max_attempts, provider_key FROM jobs
		WHERE id=$1 AND lease_holder=$2 AND state IN ('leased','running') FOR UPDATE`
	if err := tx.QueryRow(ctx, q, jobID, workerID).Scan(&attempts, &maxAttempts, &providerKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("op=jobs.fail: %w", domain.ErrLeaseLost)
		}
		return "", fmt.Errorf("op=jobs.fail: %w", err)
	}

	var state domain.JobState
	switch {
	case retryable && attempts < maxAttempts:
		state = domain.JobQueued
		visibleAfter := now.Add(r.Backoff.Delay(attempts))
		uq := `UPDATE jobs SET state='queued', lease_holder=NULL, lease_expires_at=NULL,
			visible_after=$3, error=$2, updated_at=$4 WHERE id=$1`
		if _, err := tx.Exec(ctx, uq, jobID, cause, visibleAfter, now); err != nil {
			return "", fmt.Errorf("op=jobs.fail: %w", err)
		}
	case retryable:
		state = domain.JobDead
		uq := `UPDATE jobs SET state='dead', lease_holder=NULL, lease_expires_at=NULL,
			error=$2, updated_at=$3 WHERE id=$1`
		if _, err := tx.Exec(ctx, uq, jobID, cause, now); err != nil {
			return "", fmt.Errorf("op=jobs.fail: %w", err)
		}
		dq := `INSERT INTO dlq_entries (job_id, provider_key, reason, attempts, last_error, enqueued_at)
			VALUES ($1,$2,'attempts exhausted',$3,$4,$5) ON CONFLICT (job_id) DO NOTHING`
		if _, err := tx.Exec(ctx, dq, jobID, providerKey, attempts, cause, now); err != nil {
			return "", fmt.Errorf("op=jobs.fail: %w", err)
		}
	default:
		state = domain.JobFailed
		uq := `UPDATE jobs SET state='failed', lease_holder=NULL, lease_expires_at=NULL,
			error=$2, updated_at=$3 WHERE id=$1`
		if _, err := tx.Exec(ctx, uq, jobID, cause, now); err != nil {
			return "", fmt.Errorf("op=jobs.fail: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=jobs.fail: %w", err)
	}
	return state, nil
}

// RequestCancel flags a live job for cooperative cancellation.
func (r *JobRepo) RequestCancel(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequestCancel")
	defer span.End()
	now := r.Clock.Now().UTC()
	q := `UPDATE jobs SET cancel_requested=TRUE, updated_at=$2
		WHERE id=$1 AND state NOT IN ('succeeded','failed','dead')`
	tag, err := r.Pool.Exec(ctx, q, jobID, now)
	if err != nil {
		return fmt.Errorf("op=jobs.request_cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already-terminal.
		if _, err := r.Get(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("op=jobs.request_cancel: %w: job already terminal", domain.ErrConflict)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=jobs.get: %w: %s", domain.ErrNotFound, jobID)
		}
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", err)
	}
	return j, nil
}

// ReclaimExpired bumps expired leases back to queued, or to dead once
// attempts are exhausted (inserting the DLQ entry in the same transaction).
func (r *JobRepo) ReclaimExpired(ctx domain.Context, now time.Time, max int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ReclaimExpired")
	defer span.End()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.reclaim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `WITH expired AS (
			SELECT id FROM jobs
			WHERE state IN ('leased','running') AND lease_expires_at <= $1
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j SET
			state = CASE WHEN j.attempts < j.max_attempts THEN 'queued' ELSE 'dead' END,
			lease_holder = NULL, lease_expires_at = NULL, visible_after = $1, updated_at = $1
		FROM expired WHERE j.id = expired.id
		RETURNING ` + jobColumnsPrefixed("j")
	rows, err := tx.Query(ctx, q, now, max)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.reclaim: %w", err)
	}
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=jobs.reclaim: %w", err)
		}
		out = append(out, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=jobs.reclaim: %w", err)
	}

	for _, j := range out {
		if j.State != domain.JobDead {
			continue
		}
		dq := `INSERT INTO dlq_entries (job_id, provider_key, reason, attempts, last_error, enqueued_at)
			VALUES ($1,$2,'lease expired with attempts exhausted',$3,$4,$5) ON CONFLICT (job_id) DO NOTHING`
		if _, err := tx.Exec(ctx, dq, j.ID, j.ProviderKey, j.Attempts, j.Error, now); err != nil {
			return nil, fmt.Errorf("op=jobs.reclaim: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=jobs.reclaim: %w", err)
	}
	return out, nil
}

// Requeue resets a dead job for reprocessing.
func (r *JobRepo) Requeue(ctx domain.Context, jobID, reservationID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Requeue")
	defer span.End()
	now := r.Clock.Now().UTC()
	q := `UPDATE jobs SET state='queued', attempts=0, visible_after=$2, error='', updated_at=$2,
		reservation_id=COALESCE(NULLIF($3,''), reservation_id)
		WHERE id=$1 AND state='dead'`
	tag, err := r.Pool.Exec(ctx, q, jobID, now, reservationID)
	if err != nil {
		return fmt.Errorf("op=jobs.requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=jobs.requeue: %w: job not dead", domain.ErrConflict)
	}
	return nil
}

// ScanCreatedSince pages jobs for reconciliation, oldest first.
func (r *JobRepo) ScanCreatedSince(ctx domain.Context, since time.Time, limit int) ([]domain.Job, time.Time, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ScanCreatedSince")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE created_at > $1 ORDER BY created_at LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("op=jobs.scan: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, since, fmt.Errorf("op=jobs.scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, since, fmt.Errorf("op=jobs.scan: %w", err)
	}
	next := since
	if len(out) > 0 {
		next = out[len(out)-1].CreatedAt
	}
	return out, next, nil
}

// List implements domain.DeadLetterQueue.
func (r *JobRepo) List(ctx domain.Context, limit int) ([]domain.DlqEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.List")
	defer span.End()
	q := `SELECT job_id, provider_key, reason, attempts, last_error, enqueued_at
		FROM dlq_entries ORDER BY enqueued_at LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	defer rows.Close()
	var out []domain.DlqEntry
	for rows.Next() {
		var e domain.DlqEntry
		if err := rows.Scan(&e.JobID, &e.ProviderKey, &e.Reason, &e.Attempts, &e.LastError, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("op=dlq.list: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Remove implements domain.DeadLetterQueue.
func (r *JobRepo) Remove(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Remove")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM dlq_entries WHERE job_id=$1`, jobID); err != nil {
		return fmt.Errorf("op=dlq.remove: %w", err)
	}
	return nil
}

func jobColumnsPrefixed(alias string) string {
	return alias + `.id, ` + alias + `.user_id, ` + alias + `.provider_key, ` + alias + `.model_key, ` +
		alias + `.input_fingerprint, ` + alias + `.input_ref, ` + alias + `.reservation_id, ` +
		alias + `.attempts, ` + alias + `.max_attempts, ` + alias + `.state, ` + alias + `.lease_holder, ` +
		alias + `.lease_expires_at, ` + alias + `.visible_after, ` + alias + `.last_heartbeat_at, ` +
		alias + `.cancel_requested, ` + alias + `.provider_job_id, ` + alias + `.result_asset_id, ` +
		alias + `.error, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var leaseHolder *string
	var leaseExpires, lastHeartbeat *time.Time
	if err := row.Scan(&j.ID, &j.UserID, &j.ProviderKey, &j.ModelKey, &j.InputFingerprint,
		&j.InputRef, &j.ReservationID, &j.Attempts, &j.MaxAttempts, &j.State, &leaseHolder,
		&leaseExpires, &j.VisibleAfter, &lastHeartbeat, &j.CancelRequested, &j.ProviderJobID,
		&j.ResultAssetID, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if leaseHolder != nil && leaseExpires != nil {
		j.Lease = &domain.Lease{Holder: *leaseHolder, ExpiresAt: *leaseExpires}
	}
	if lastHeartbeat != nil {
		j.LastHeartbeatAt = *lastHeartbeat
	}
	return j, nil
}
