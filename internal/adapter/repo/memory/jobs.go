// Package memory provides in-memory store implementations mirroring the
// postgres adapters. They back unit tests and local development without
// external services, the same way the stub provider adapter does for
// generation backends.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// JobStore is an in-memory domain.JobStore plus domain.DeadLetterQueue.
type JobStore struct {
	mu      sync.Mutex
	clk     clock.Clock
	backoff domain.Backoff
	jobs    map[string]*domain.Job
	dlq     map[string]domain.DlqEntry
}

// NewJobStore constructs an empty JobStore.
func NewJobStore(clk clock.Clock, backoff domain.Backoff) *JobStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &JobStore{
		clk:     clk,
		backoff: backoff,
		jobs:    make(map[string]*domain.Job),
		dlq:     make(map[string]domain.DlqEntry),
	}
}

// Enqueue implements domain.JobStore.
func (s *JobStore) Enqueue(_ domain.Context, j domain.Job) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return domain.Job{}, fmt.Errorf("op=jobs.enqueue: %w: %s", domain.ErrDuplicate, j.ID)
	}
	now := s.clk.Now().UTC()
	j.State = domain.JobQueued
	j.Attempts = 0
	j.Lease = nil
	j.CreatedAt = now
	j.UpdatedAt = now
	cp := j
	s.jobs[j.ID] = &cp
	return j, nil
}

// LeaseNext implements domain.JobStore. FIFO by id (ULIDs sort by creation).
func (s *JobStore) LeaseNext(_ domain.Context, workerID string, leaseFor time.Duration, allowed []string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now().UTC()

	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		j := s.jobs[id]
		if !s.claimable(j, now) {
			continue
		}
		if len(allowed) > 0 && !contains(allowed, j.ProviderKey) {
			continue
		}
		j.State = domain.JobLeased
		j.Lease = &domain.Lease{Holder: workerID, ExpiresAt: now.Add(leaseFor)}
		j.Attempts++
		j.LastHeartbeatAt = now
		j.UpdatedAt = now
		cp := *j
		return &cp, nil
	}
	return nil, nil
}

func (s *JobStore) claimable(j *domain.Job, now time.Time) bool {
	switch j.State {
	case domain.JobQueued:
		return !j.VisibleAfter.After(now)
	case domain.JobLeased, domain.JobRunning:
		return j.Lease != nil && !j.Lease.ExpiresAt.After(now)
	default:
		return false
	}
}

// Heartbeat implements domain.JobStore.
func (s *JobStore) Heartbeat(_ domain.Context, jobID, workerID string, leaseFor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=jobs.heartbeat: %w: %s", domain.ErrNotFound, jobID)
	}
	if j.Lease == nil || j.Lease.Holder != workerID || j.State.Terminal() {
		return fmt.Errorf("op=jobs.heartbeat: %w", domain.ErrLeaseLost)
	}
	now := s.clk.Now().UTC()
	j.Lease.ExpiresAt = now.Add(leaseFor)
	j.LastHeartbeatAt = now
	j.UpdatedAt = now
	return nil
}

// MarkRunning implements domain.JobStore.
func (s *JobStore) MarkRunning(_ domain.Context, jobID, workerID, providerJobID string, leaseFor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=jobs.mark_running: %w: %s", domain.ErrNotFound, jobID)
	}
	if j.State != domain.JobLeased || j.Lease == nil || j.Lease.Holder != workerID {
		return fmt.Errorf("op=jobs.mark_running: %w", domain.ErrLeaseLost)
	}
	now := s.clk.Now().UTC()
	j.State = domain.JobRunning
	j.ProviderJobID = providerJobID
	j.Lease.ExpiresAt = now.Add(leaseFor)
	j.UpdatedAt = now
	return nil
}

// Succeed implements domain.JobStore.
func (s *JobStore) Succeed(_ domain.Context, jobID, workerID, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=jobs.succeed: %w: %s", domain.ErrNotFound, jobID)
	}
	if j.State.Terminal() || j.Lease == nil || j.Lease.Holder != workerID {
		return fmt.Errorf("op=jobs.succeed: %w", domain.ErrLeaseLost)
	}
	j.State = domain.JobSucceeded
	j.Lease = nil
	j.ResultAssetID = assetID
	j.UpdatedAt = s.clk.Now().UTC()
	return nil
}

// Fail implements domain.JobStore.
func (s *JobStore) Fail(_ domain.Context, jobID, workerID, cause string, retryable bool) (domain.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("op=jobs.fail: %w: %s", domain.ErrNotFound, jobID)
	}
	if j.State.Terminal() || j.Lease == nil || j.Lease.Holder != workerID {
		return "", fmt.Errorf("op=jobs.fail: %w", domain.ErrLeaseLost)
	}
	now := s.clk.Now().UTC()
	j.Lease = nil
	j.Error = cause
	j.UpdatedAt = now

	if retryable && j.Attempts < j.MaxAttempts {
		j.State = domain.JobQueued
		j.VisibleAfter = now.Add(s.backoff.Delay(j.Attempts))
		return j.State, nil
	}
	if retryable {
		// Retries exhausted on a retryable failure: dead-letter.
		j.State = domain.JobDead
		s.dlq[j.ID] = domain.DlqEntry{
			JobID: j.ID, ProviderKey: j.ProviderKey, Reason: "attempts exhausted",
			Attempts: j.Attempts, LastError: cause, EnqueuedAt: now,
		}
		return j.State, nil
	}
	j.State = domain.JobFailed
	return j.State, nil
}

// RequestCancel implements domain.JobStore.
func (s *JobStore) RequestCancel(_ domain.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=jobs.request_cancel: %w: %s", domain.ErrNotFound, jobID)
	}
	if j.State.Terminal() {
		return fmt.Errorf("op=jobs.request_cancel: %w: job already %s", domain.ErrConflict, j.State)
	}
	j.CancelRequested = true
	j.UpdatedAt = s.clk.Now().UTC()
	return nil
}

// Get implements domain.JobStore.
func (s *JobStore) Get(_ domain.Context, jobID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w: %s", domain.ErrNotFound, jobID)
	}
	return *j, nil
}

// ReclaimExpired implements domain.JobStore.
func (s *JobStore) ReclaimExpired(_ domain.Context, now time.Time, max int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if len(out) >= max {
			break
		}
		j := s.jobs[id]
		if (j.State != domain.JobLeased && j.State != domain.JobRunning) || j.Lease == nil || j.Lease.ExpiresAt.After(now) {
			continue
		}
		j.Lease = nil
		j.UpdatedAt = now
		if j.Attempts < j.MaxAttempts {
			j.State = domain.JobQueued
			j.VisibleAfter = now
		} else {
			j.State = domain.JobDead
			s.dlq[j.ID] = domain.DlqEntry{
				JobID: j.ID, ProviderKey: j.ProviderKey, Reason: "lease expired with attempts exhausted",
				Attempts: j.Attempts, LastError: j.Error, EnqueuedAt: now,
			}
		}
		out = append(out, *j)
	}
	return out, nil
}

// Requeue implements domain.JobStore.
func (s *JobStore) Requeue(_ domain.Context, jobID, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=jobs.requeue: %w: %s", domain.ErrNotFound, jobID)
	}
	if j.State != domain.JobDead {
		return fmt.Errorf("op=jobs.requeue: %w: job is %s", domain.ErrConflict, j.State)
	}
	now := s.clk.Now().UTC()
	j.State = domain.JobQueued
	j.Attempts = 0
	j.VisibleAfter = now
	j.Error = ""
	j.UpdatedAt = now
	if reservationID != "" {
		j.ReservationID = reservationID
	}
	return nil
}

// ScanCreatedSince implements domain.JobStore.
func (s *JobStore) ScanCreatedSince(_ domain.Context, since time.Time, limit int) ([]domain.Job, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.CreatedAt.After(since) {
			out = append(out, *j)
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

// List implements domain.DeadLetterQueue.
func (s *JobStore) List(_ domain.Context, limit int) ([]domain.DlqEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DlqEntry, 0, len(s.dlq))
	for _, e := range s.dlq {
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].EnqueuedAt.Before(out[k].EnqueuedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Remove implements domain.DeadLetterQueue.
func (s *JobStore) Remove(_ domain.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dlq, jobID)
	return nil
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
