package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// brokenRefundLedger fails Refund a configurable number of times before
// letting it through.
type brokenRefundLedger struct {
	domain.CreditLedger
	failuresLeft int
}

func (b *brokenRefundLedger) Refund(ctx domain.Context, reservationID, reason string) error {
	if b.failuresLeft > 0 {
		b.failuresLeft--
		return errors.New("ledger write timeout")
	}
	return b.CreditLedger.Refund(ctx, reservationID, reason)
}

func reserveFor(t *testing.T, ledger *memory.Ledger, userID string, amount int64) domain.Reservation {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ledger.ApplyPayment(ctx, "ev-"+userID, userID, amount*2))
	res, err := ledger.Reserve(ctx, userID, amount, "")
	require.NoError(t, err)
	return res
}

func TestRefundSweeperRepaysQueuedFailure(t *testing.T) {
	tc := testclock.NewClock(time.Now())
	ledger := memory.NewLedger(tc)
	ctx := context.Background()
	res := reserveFor(t, ledger, "u1", 30)
	require.NoError(t, ledger.EnqueueRefundFailure(ctx, res.ID, "provider failed"))

	NewRefundSweeper(ledger, tc, time.Second, 50, 8).RunOnce(ctx)

	b, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 60, b.Available)
	require.EqualValues(t, 0, b.Reserved)
	due, err := ledger.DueRefundFailures(ctx, tc.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due, "resolved entry leaves the queue")
}

func TestRefundSweeperDefersThenSucceeds(t *testing.T) {
	tc := testclock.NewClock(time.Now())
	ledger := memory.NewLedger(tc)
	broken := &brokenRefundLedger{CreditLedger: ledger, failuresLeft: 1}
	ctx := context.Background()
	res := reserveFor(t, ledger, "u1", 30)
	require.NoError(t, ledger.EnqueueRefundFailure(ctx, res.ID, "provider failed"))

	s := NewRefundSweeper(broken, tc, time.Second, 50, 8)
	s.RunOnce(ctx)

	// Deferred, not due yet.
	due, err := ledger.DueRefundFailures(ctx, tc.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, due)

	tc.Advance(time.Hour)
	s.RunOnce(ctx)
	got, err := ledger.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationRefunded, got.Status)
}

func TestRefundSweeperParksAfterMaxAttempts(t *testing.T) {
	tc := testclock.NewClock(time.Now())
	ledger := memory.NewLedger(tc)
	broken := &brokenRefundLedger{CreditLedger: ledger, failuresLeft: 100}
	ctx := context.Background()
	res := reserveFor(t, ledger, "u1", 30)
	require.NoError(t, ledger.EnqueueRefundFailure(ctx, res.ID, "provider failed"))

	s := NewRefundSweeper(broken, tc, time.Second, 50, 2)
	s.RunOnce(ctx)
	tc.Advance(time.Hour)
	s.RunOnce(ctx)

	got, err := ledger.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationFailedRefund, got.Status, "parked for operators")
	due, err := ledger.DueRefundFailures(ctx, tc.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, due, "parked entry leaves the retry queue")

	// Credits never silently vanish: the held amount is still visible.
	b, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	require.EqualValues(t, 30, b.Reserved)
}
