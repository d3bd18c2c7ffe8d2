package memory

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(testclock.NewClock(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))
}

func TestReserveCommitFlow(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ApplyPayment(ctx, "ev1", "u1", 100))

	r, err := l.Reserve(ctx, "u1", 30, "k1")
	require.NoError(t, err)
	b, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 70, b.Available)
	require.EqualValues(t, 30, b.Reserved)

	require.NoError(t, l.Commit(ctx, r.ID))
	b, err = l.Balance(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 70, b.Available)
	require.EqualValues(t, 0, b.Reserved)
}

func TestReserveInsufficientFunds(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ApplyPayment(ctx, "ev1", "u1", 20))
	_, err := l.Reserve(ctx, "u1", 30, "k1")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestReserveIdempotentOnRequestKey(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ApplyPayment(ctx, "ev1", "u1", 100))

	r1, err := l.Reserve(ctx, "u1", 30, "k1")
	require.NoError(t, err)
	r2, err := l.Reserve(ctx, "u1", 30, "k1")
	require.NoError(t, err)
	require.Equal(t, r1.ID, r2.ID)

	b, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 70, b.Available, "credits reserved once, not twice")
}

func TestRefundIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ApplyPayment(ctx, "ev1", "u1", 100))
	r, err := l.Reserve(ctx, "u1", 30, "k1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Refund(ctx, r.ID, "provider rejected prompt"))
	}
	b, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 100, b.Available)
	require.EqualValues(t, 0, b.Reserved)
}

func TestCommitIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ApplyPayment(ctx, "ev1", "u1", 100))
	r, err := l.Reserve(ctx, "u1", 30, "k1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Commit(ctx, r.ID))
	}
	b, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 70, b.Available)
	require.EqualValues(t, 0, b.Reserved)
}

func TestCommitAfterRefundConflicts(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ApplyPayment(ctx, "ev1", "u1", 100))
	r, err := l.Reserve(ctx, "u1", 30, "k1")
	require.NoError(t, err)
	require.NoError(t, l.Refund(ctx, r.ID, "cancelled"))
	require.ErrorIs(t, l.Commit(ctx, r.ID), domain.ErrConflict)
}

func TestApplyPaymentIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.ApplyPayment(ctx, "ev1", "u1", 50))
	}
	b, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 50, b.Available)
}

// Ledger conservation: available + reserved = payments - committed, at any
// quiescent point, under a randomized operation sequence.
func TestLedgerConservationRandomized(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	require.NoError(t, l.ApplyPayment(ctx, "seed", "u1", 10_000))
	var open []string
	for i := 0; i < 500; i++ {
		switch rng.Intn(4) {
		case 0:
			r, err := l.Reserve(ctx, "u1", int64(1+rng.Intn(50)), "")
			if err == nil {
				open = append(open, r.ID)
			}
		case 1:
			if len(open) > 0 {
				idx := rng.Intn(len(open))
				require.NoError(t, l.Commit(ctx, open[idx]))
				open = append(open[:idx], open[idx+1:]...)
			}
		case 2:
			if len(open) > 0 {
				idx := rng.Intn(len(open))
				require.NoError(t, l.Refund(ctx, open[idx], "test"))
				open = append(open[:idx], open[idx+1:]...)
			}
		case 3:
			require.NoError(t, l.ApplyPayment(ctx, domain.NewReservationID(), "u1", int64(1+rng.Intn(100))))
		}

		b, err := l.Balance(ctx, "u1")
		require.NoError(t, err)
		payments, committed, held, err := l.LedgerTotals(ctx, "u1")
		require.NoError(t, err)
		require.Equal(t, payments-committed, b.Available+b.Reserved, "conservation violated at step %d", i)
		require.Equal(t, held, b.Reserved, "reserved mismatch at step %d", i)
	}
}

func TestRefundFailureQueueLifecycle(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ApplyPayment(ctx, "ev1", "u1", 100))
	r, err := l.Reserve(ctx, "u1", 30, "k1")
	require.NoError(t, err)

	require.NoError(t, l.EnqueueRefundFailure(ctx, r.ID, "store unavailable"))
	// Duplicate enqueue is a no-op.
	require.NoError(t, l.EnqueueRefundFailure(ctx, r.ID, "store unavailable"))

	due, err := l.DueRefundFailures(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	next := time.Now().Add(time.Hour)
	require.NoError(t, l.DeferRefundFailure(ctx, r.ID, 1, next))
	due, err = l.DueRefundFailures(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	require.NoError(t, l.ResolveRefundFailure(ctx, r.ID))
	due, err = l.DueRefundFailures(ctx, next.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestMarkRefundFailedOnlyParksHeld(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ApplyPayment(ctx, "ev1", "u1", 100))
	r1, err := l.Reserve(ctx, "u1", 10, "")
	require.NoError(t, err)
	r2, err := l.Reserve(ctx, "u1", 10, "")
	require.NoError(t, err)
	require.NoError(t, l.Refund(ctx, r2.ID, "done"))

	require.NoError(t, l.MarkRefundFailed(ctx, r1.ID))
	require.NoError(t, l.MarkRefundFailed(ctx, r2.ID))

	g1, err := l.GetReservation(ctx, r1.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationFailedRefund, g1.Status)
	g2, err := l.GetReservation(ctx, r2.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationRefunded, g2.Status)
}
