package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// Ledger is an in-memory domain.CreditLedger.
type Ledger struct {
	mu             sync.Mutex
	clk            clock.Clock
	balances       map[string]*domain.Balance
	reservations   map[string]*domain.Reservation
	reserveKeys    map[string]string // requestKey -> reservationID
	payments       map[string]int64  // eventID -> delta
	paymentsByUser map[string]int64
	refundQueue    map[string]*domain.RefundFailure
}

// NewLedger constructs an empty Ledger.
func NewLedger(clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Ledger{
		clk:            clk,
		balances:       make(map[string]*domain.Balance),
		reservations:   make(map[string]*domain.Reservation),
		reserveKeys:    make(map[string]string),
		payments:       make(map[string]int64),
		paymentsByUser: make(map[string]int64),
		refundQueue:    make(map[string]*domain.RefundFailure),
	}
}

func (l *Ledger) balance(userID string) *domain.Balance {
	b, ok := l.balances[userID]
	if !ok {
		b = &domain.Balance{UserID: userID}
		l.balances[userID] = b
	}
	return b
}

// Reserve implements domain.CreditLedger.
func (l *Ledger) Reserve(_ domain.Context, userID string, amount int64, requestKey string) (domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount <= 0 {
		return domain.Reservation{}, fmt.Errorf("op=ledger.reserve: %w: amount must be positive", domain.ErrInvalidRequest)
	}
	if requestKey != "" {
		if id, ok := l.reserveKeys[requestKey]; ok {
			return *l.reservations[id], nil
		}
	}
	b := l.balance(userID)
	if b.Available < amount {
		return domain.Reservation{}, fmt.Errorf("op=ledger.reserve: %w", domain.ErrInsufficientFunds)
	}
	b.Available -= amount
	b.Reserved += amount
	b.Version++
	r := &domain.Reservation{
		ID:        domain.NewReservationID(),
		UserID:    userID,
		Amount:    amount,
		Status:    domain.ReservationHeld,
		CreatedAt: l.clk.Now().UTC(),
	}
	l.reservations[r.ID] = r
	if requestKey != "" {
		l.reserveKeys[requestKey] = r.ID
	}
	return *r, nil
}

// BindJob implements domain.CreditLedger.
func (l *Ledger) BindJob(_ domain.Context, reservationID, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		return fmt.Errorf("op=ledger.bind_job: %w: %s", domain.ErrNotFound, reservationID)
	}
	r.JobID = jobID
	return nil
}

// Commit implements domain.CreditLedger.
func (l *Ledger) Commit(_ domain.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		return fmt.Errorf("op=ledger.commit: %w: %s", domain.ErrNotFound, reservationID)
	}
	if r.Status == domain.ReservationCommitted {
		return nil
	}
	if r.Status != domain.ReservationHeld {
		return fmt.Errorf("op=ledger.commit: %w: reservation is %s", domain.ErrConflict, r.Status)
	}
	b := l.balance(r.UserID)
	b.Reserved -= r.Amount
	b.Version++
	r.Status = domain.ReservationCommitted
	now := l.clk.Now().UTC()
	r.SettledAt = &now
	return nil
}

// Refund implements domain.CreditLedger.
func (l *Ledger) Refund(_ domain.Context, reservationID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		return fmt.Errorf("op=ledger.refund: %w: %s", domain.ErrNotFound, reservationID)
	}
	if r.Status == domain.ReservationRefunded {
		return nil
	}
	if r.Status != domain.ReservationHeld {
		return fmt.Errorf("op=ledger.refund: %w: reservation is %s", domain.ErrConflict, r.Status)
	}
	b := l.balance(r.UserID)
	b.Reserved -= r.Amount
	b.Available += r.Amount
	b.Version++
	r.Status = domain.ReservationRefunded
	r.Reason = reason
	now := l.clk.Now().UTC()
	r.SettledAt = &now
	return nil
}

// ApplyPayment implements domain.CreditLedger.
func (l *Ledger) ApplyPayment(_ domain.Context, eventID, userID string, delta int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.payments[eventID]; ok {
		return nil
	}
	l.payments[eventID] = delta
	l.paymentsByUser[userID] += delta
	b := l.balance(userID)
	b.Available += delta
	b.Version++
	return nil
}

// Balance implements domain.CreditLedger.
func (l *Ledger) Balance(_ domain.Context, userID string) (domain.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.balance(userID), nil
}

// GetReservation implements domain.CreditLedger.
func (l *Ledger) GetReservation(_ domain.Context, reservationID string) (domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		return domain.Reservation{}, fmt.Errorf("op=ledger.get_reservation: %w: %s", domain.ErrNotFound, reservationID)
	}
	return *r, nil
}

// EnqueueRefundFailure implements domain.CreditLedger.
func (l *Ledger) EnqueueRefundFailure(_ domain.Context, reservationID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.refundQueue[reservationID]; ok {
		return nil
	}
	now := l.clk.Now().UTC()
	l.refundQueue[reservationID] = &domain.RefundFailure{
		ReservationID: reservationID,
		Reason:        reason,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	return nil
}

// DueRefundFailures implements domain.CreditLedger.
func (l *Ledger) DueRefundFailures(_ domain.Context, now time.Time, max int) ([]domain.RefundFailure, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.RefundFailure
	for _, f := range l.refundQueue {
		if !f.NextAttemptAt.After(now) {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// ResolveRefundFailure implements domain.CreditLedger.
func (l *Ledger) ResolveRefundFailure(_ domain.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.refundQueue, reservationID)
	return nil
}

// DeferRefundFailure implements domain.CreditLedger.
func (l *Ledger) DeferRefundFailure(_ domain.Context, reservationID string, attempts int, nextAttemptAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.refundQueue[reservationID]
	if !ok {
		return fmt.Errorf("op=ledger.defer_refund: %w: %s", domain.ErrNotFound, reservationID)
	}
	f.Attempts = attempts
	f.NextAttemptAt = nextAttemptAt
	return nil
}

// MarkRefundFailed implements domain.CreditLedger.
func (l *Ledger) MarkRefundFailed(_ domain.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[reservationID]
	if !ok {
		return fmt.Errorf("op=ledger.mark_refund_failed: %w: %s", domain.ErrNotFound, reservationID)
	}
	// Only a still-held reservation can be parked; a refund that landed in
	// the meantime wins.
	if r.Status == domain.ReservationHeld {
		r.Status = domain.ReservationFailedRefund
	}
	return nil
}

// ScanReservationsSince implements domain.CreditLedger.
func (l *Ledger) ScanReservationsSince(_ domain.Context, since time.Time, limit int) ([]domain.Reservation, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Reservation
	for _, r := range l.reservations {
		if r.CreatedAt.After(since) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	next := since
	if len(out) > 0 {
		next = out[len(out)-1].CreatedAt
	}
	return out, next, nil
}

// ScanBalances implements domain.CreditLedger.
func (l *Ledger) ScanBalances(_ domain.Context, cursor string, limit int) ([]domain.Balance, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.balances))
	for id := range l.balances {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]domain.Balance, 0, len(ids))
	for _, id := range ids {
		out = append(out, *l.balances[id])
	}
	next := cursor
	if len(ids) > 0 {
		next = ids[len(ids)-1]
	}
	return out, next, nil
}

// LedgerTotals implements domain.CreditLedger.
func (l *Ledger) LedgerTotals(_ domain.Context, userID string) (payments, committed, held int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	payments = l.paymentsByUser[userID]
	for _, r := range l.reservations {
		if r.UserID != userID {
			continue
		}
		switch r.Status {
		case domain.ReservationCommitted:
			committed += r.Amount
		case domain.ReservationHeld, domain.ReservationFailedRefund:
			// Parked refunds still hold balance until an operator settles them.
			held += r.Amount
		}
	}
	return payments, committed, held, nil
}

// Corrupt adjusts a stored balance directly; used by reconciliation tests to
// inject drift that could only come from a bug or partial write.
func (l *Ledger) Corrupt(userID string, availableDelta, reservedDelta int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balance(userID)
	b.Available += availableDelta
	b.Reserved += reservedDelta
}
