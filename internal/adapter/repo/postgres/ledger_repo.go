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

// LedgerRepo implements the credit ledger on top of balances, reservations,
// payment_events, and refund_failures. Each settlement is a single
// transaction; idempotency comes from status checks and unique keys, not
// from callers behaving.
type LedgerRepo struct {
	Pool  *pgxpool.Pool
	Clock clock.Clock
}

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p *pgxpool.Pool, clk clock.Clock) *LedgerRepo {
	if clk == nil {
		clk = clock.WallClock
	}
	return &LedgerRepo{Pool: p, Clock: clk}
}

// Reserve holds amount against the user's balance, idempotent on requestKey.
func (r *LedgerRepo) Reserve(ctx domain.Context, userID string, amount int64, requestKey string) (domain.Reservation, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Reserve")
	defer span.End()
	now := r.Clock.Now().UTC()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("op=ledger.reserve: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if requestKey != "" {
		var existing domain.Reservation
		err := tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE request_key=$1`, requestKey).
			Scan(reservationDest(&existing)...)
		if err == nil {
			return existing, tx.Commit(ctx)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.Reservation{}, fmt.Errorf("op=ledger.reserve: %w", err)
		}
	}

	// Conditional debit; zero rows means the balance could not cover it.
	tag, err := tx.Exec(ctx, `UPDATE balances SET available=available-$2, reserved=reserved+$2,
		version=version+1 WHERE user_id=$1 AND available >= $2`, userID, amount)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("op=ledger.reserve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Reservation{}, fmt.Errorf("op=ledger.reserve: user=%s amount=%d: %w",
			userID, amount, domain.ErrInsufficientFunds)
	}

	res := domain.Reservation{
		ID:        domain.NewReservationID(),
		UserID:    userID,
		Amount:    amount,
		Status:    domain.ReservationHeld,
		CreatedAt: now,
	}
	var key any
	if requestKey != "" {
		key = requestKey
	}
	_, err = tx.Exec(ctx, `INSERT INTO reservations (id, user_id, amount, status, request_key, created_at)
		VALUES ($1,$2,$3,'held',$4,$5)`, res.ID, userID, amount, key, now)
	if err != nil {
		// A concurrent call with the same request key won the insert race.
		// Roll back our debit and replay the winner's reservation.
		if requestKey != "" && isUniqueViolation(err) {
			_ = tx.Rollback(ctx)
			var existing domain.Reservation
			rerr := r.Pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE request_key=$1`, requestKey).
				Scan(reservationDest(&existing)...)
			if rerr != nil {
				return domain.Reservation{}, fmt.Errorf("op=ledger.reserve: replay: %w", rerr)
			}
			return existing, nil
		}
		return domain.Reservation{}, fmt.Errorf("op=ledger.reserve: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Reservation{}, fmt.Errorf("op=ledger.reserve: %w", err)
	}
	return res, nil
}

// BindJob attaches the job id to a held reservation.
func (r *LedgerRepo) BindJob(ctx domain.Context, reservationID, jobID string) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.BindJob")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE reservations SET job_id=$2 WHERE id=$1 AND status='held'`,
		reservationID, jobID)
	if err != nil {
		return fmt.Errorf("op=ledger.bind_job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=ledger.bind_job: %w: reservation not held", domain.ErrConflict)
	}
	return nil
}

// Commit settles a held reservation; idempotent.
func (r *LedgerRepo) Commit(ctx domain.Context, reservationID string) error {
	return r.settle(ctx, reservationID, domain.ReservationCommitted, "")
}

// Refund returns a held reservation to available; idempotent.
func (r *LedgerRepo) Refund(ctx domain.Context, reservationID, reason string) error {
	return r.settle(ctx, reservationID, domain.ReservationRefunded, reason)
}

func (r *LedgerRepo) settle(ctx domain.Context, reservationID string, target domain.ReservationStatus, reason string) error {
	tracer := otel.Tracer("repo.ledger")
	op := "ledger.commit"
	if target == domain.ReservationRefunded {
		op = "ledger.refund"
	}
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	now := r.Clock.Now().UTC()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	var amount int64
	var status domain.ReservationStatus
	err = tx.QueryRow(ctx, `SELECT user_id, amount, status FROM reservations WHERE id=$1 FOR UPDATE`,
		reservationID).Scan(&userID, &amount, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=%s: %w: %s", op, domain.ErrNotFound, reservationID)
		}
		return fmt.Errorf("op=%s: %w", op, err)
	}

	switch status {
	case target:
		return tx.Commit(ctx) // replay
	case domain.ReservationHeld, domain.ReservationFailedRefund:
		// failed-refund may still settle; the sweeper retries refunds.
		if status == domain.ReservationFailedRefund && target == domain.ReservationCommitted {
			return fmt.Errorf("op=%s: %w: reservation is %s", op, domain.ErrConflict, status)
		}
	default:
		return fmt.Errorf("op=%s: %w: reservation is %s", op, domain.ErrConflict, status)
	}

	var bq string
	if target == domain.ReservationCommitted {
		bq = `UPDATE balances SET reserved=reserved-$2, version=version+1
			WHERE user_id=$1 AND reserved >= $2`
	} else {
		bq = `UPDATE balances SET reserved=reserved-$2, available=available+$2, version=version+1
			WHERE user_id=$1 AND reserved >= $2`
	}
	tag, err := tx.Exec(ctx, bq, userID, amount)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=%s: %w: reserved below reservation amount", op, domain.ErrConflict)
	}

	_, err = tx.Exec(ctx, `UPDATE reservations SET status=$2, reason=$3, settled_at=$4 WHERE id=$1`,
		reservationID, string(target), reason, now)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	return nil
}

// ApplyPayment credits available, idempotent on eventID.
func (r *LedgerRepo) ApplyPayment(ctx domain.Context, eventID, userID string, delta int64) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.ApplyPayment")
	defer span.End()
	now := r.Clock.Now().UTC()

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=ledger.apply_payment: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `INSERT INTO payment_events (event_id, user_id, delta, applied_at)
		VALUES ($1,$2,$3,$4) ON CONFLICT (event_id) DO NOTHING`, eventID, userID, delta, now)
	if err != nil {
		return fmt.Errorf("op=ledger.apply_payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx) // replay
	}

	_, err = tx.Exec(ctx, `INSERT INTO balances (user_id, available, reserved, version)
		VALUES ($1,$2,0,1)
		ON CONFLICT (user_id) DO UPDATE SET available=balances.available+$2, version=balances.version+1`,
		userID, delta)
	if err != nil {
		return fmt.Errorf("op=ledger.apply_payment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ledger.apply_payment: %w", err)
	}
	return nil
}

// Balance returns the user's balance snapshot; unknown users read as zero.
func (r *LedgerRepo) Balance(ctx domain.Context, userID string) (domain.Balance, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Balance")
	defer span.End()
	b := domain.Balance{UserID: userID}
	err := r.Pool.QueryRow(ctx, `SELECT available, reserved, version FROM balances WHERE user_id=$1`,
		userID).Scan(&b.Available, &b.Reserved, &b.Version)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.Balance{}, fmt.Errorf("op=ledger.balance: %w", err)
	}
	return b, nil
}

// GetReservation loads a reservation by id.
func (r *LedgerRepo) GetReservation(ctx domain.Context, reservationID string) (domain.Reservation, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.GetReservation")
	defer span.End()
	var res domain.Reservation
	err := r.Pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1`,
		reservationID).Scan(reservationDest(&res)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Reservation{}, fmt.Errorf("op=ledger.get_reservation: %w: %s", domain.ErrNotFound, reservationID)
		}
		return domain.Reservation{}, fmt.Errorf("op=ledger.get_reservation: %w", err)
	}
	return res, nil
}

// EnqueueRefundFailure records a refund that must be retried; duplicate
// enqueues are no-ops.
func (r *LedgerRepo) EnqueueRefundFailure(ctx domain.Context, reservationID, reason string) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.EnqueueRefundFailure")
	defer span.End()
	now := r.Clock.Now().UTC()
	_, err := r.Pool.Exec(ctx, `INSERT INTO refund_failures (reservation_id, reason, attempts, next_attempt_at, created_at)
		VALUES ($1,$2,0,$3,$3) ON CONFLICT (reservation_id) DO NOTHING`, reservationID, reason, now)
	if err != nil {
		return fmt.Errorf("op=ledger.enqueue_refund_failure: %w", err)
	}
	return nil
}

// DueRefundFailures claims entries whose retry time has passed.
func (r *LedgerRepo) DueRefundFailures(ctx domain.Context, now time.Time, max int) ([]domain.RefundFailure, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.DueRefundFailures")
	defer span.End()
	q := `SELECT reservation_id, reason, attempts, next_attempt_at, created_at
		FROM refund_failures WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at LIMIT $2 FOR UPDATE SKIP LOCKED`
	rows, err := r.Pool.Query(ctx, q, now, max)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.due_refund_failures: %w", err)
	}
	defer rows.Close()
	var out []domain.RefundFailure
	for rows.Next() {
		var f domain.RefundFailure
		if err := rows.Scan(&f.ReservationID, &f.Reason, &f.Attempts, &f.NextAttemptAt, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=ledger.due_refund_failures: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ResolveRefundFailure removes a queue entry once the refund applied.
func (r *LedgerRepo) ResolveRefundFailure(ctx domain.Context, reservationID string) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.ResolveRefundFailure")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM refund_failures WHERE reservation_id=$1`, reservationID); err != nil {
		return fmt.Errorf("op=ledger.resolve_refund_failure: %w", err)
	}
	return nil
}

// DeferRefundFailure pushes the entry's next attempt into the future.
func (r *LedgerRepo) DeferRefundFailure(ctx domain.Context, reservationID string, attempts int, nextAttemptAt time.Time) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.DeferRefundFailure")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `UPDATE refund_failures SET attempts=$2, next_attempt_at=$3 WHERE reservation_id=$1`,
		reservationID, attempts, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("op=ledger.defer_refund_failure: %w", err)
	}
	return nil
}

// MarkRefundFailed parks a held reservation in failed-refund for operators.
// Reservations that settled in the meantime are left alone.
func (r *LedgerRepo) MarkRefundFailed(ctx domain.Context, reservationID string) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.MarkRefundFailed")
	defer span.End()
	now := r.Clock.Now().UTC()
	_, err := r.Pool.Exec(ctx, `UPDATE reservations SET status='failed-refund', settled_at=$2
		WHERE id=$1 AND status='held'`, reservationID, now)
	if err != nil {
		return fmt.Errorf("op=ledger.mark_refund_failed: %w", err)
	}
	return nil
}

// ScanReservationsSince pages reservations for reconciliation, oldest first.
func (r *LedgerRepo) ScanReservationsSince(ctx domain.Context, since time.Time, limit int) ([]domain.Reservation, time.Time, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.ScanReservationsSince")
	defer span.End()
	q := `SELECT ` + reservationColumns + ` FROM reservations WHERE created_at > $1 ORDER BY created_at LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, since, limit)
	if err != nil {
		return nil, since, fmt.Errorf("op=ledger.scan_reservations: %w", err)
	}
	defer rows.Close()
	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(reservationDest(&res)...); err != nil {
			return nil, since, fmt.Errorf("op=ledger.scan_reservations: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, since, fmt.Errorf("op=ledger.scan_reservations: %w", err)
	}
	next := since
	if len(out) > 0 {
		next = out[len(out)-1].CreatedAt
	}
	return out, next, nil
}

// ScanBalances pages balances by user id for the full reconciliation pass.
func (r *LedgerRepo) ScanBalances(ctx domain.Context, cursor string, limit int) ([]domain.Balance, string, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.ScanBalances")
	defer span.End()
	q := `SELECT user_id, available, reserved, version FROM balances WHERE user_id > $1 ORDER BY user_id LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cursor, limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("op=ledger.scan_balances: %w", err)
	}
	defer rows.Close()
	var out []domain.Balance
	for rows.Next() {
		var b domain.Balance
		if err := rows.Scan(&b.UserID, &b.Available, &b.Reserved, &b.Version); err != nil {
			return nil, cursor, fmt.Errorf("op=ledger.scan_balances: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, fmt.Errorf("op=ledger.scan_balances: %w", err)
	}
	next := cursor
	if len(out) > 0 {
		next = out[len(out)-1].UserID
	}
	return out, next, nil
}

// LedgerTotals returns per-user aggregates used by the reconciler.
func (r *LedgerRepo) LedgerTotals(ctx domain.Context, userID string) (payments, committed, held int64, err error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.LedgerTotals")
	defer span.End()
	err = r.Pool.QueryRow(ctx, `SELECT
			COALESCE((SELECT SUM(delta) FROM payment_events WHERE user_id=$1), 0),
			COALESCE((SELECT SUM(amount) FROM reservations WHERE user_id=$1 AND status='committed'), 0),
			COALESCE((SELECT SUM(amount) FROM reservations WHERE user_id=$1 AND status IN ('held','failed-refund')), 0)`,
		userID).Scan(&payments, &committed, &held)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("op=ledger.totals: %w", err)
	}
	return payments, committed, held, nil
}

const reservationColumns = `id, user_id, amount, job_id, status, reason, request_key, created_at, settled_at`

func reservationDest(res *domain.Reservation) []any {
	// request_key is internal to the store; discard it on read.
	return []any{&res.ID, &res.UserID, &res.Amount, &res.JobID, &res.Status, &res.Reason,
		new(*string), &res.CreatedAt, &res.SettledAt}
}
