package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

func newTestJobStore(t *testing.T) (*JobStore, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	return NewJobStore(clk, domain.Backoff{Base: time.Second, Cap: time.Minute}), clk
}

func testJob(id string) domain.Job {
	return domain.Job{
		ID:          id,
		UserID:      "u1",
		ProviderKey: "fastdraft",
		ModelKey:    "draft-1",
		MaxAttempts: 3,
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	s, _ := newTestJobStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, testJob("j1"))
	require.ErrorIs(t, err, domain.ErrDuplicate)
}

func TestLeaseNextFIFO(t *testing.T) {
	s, _ := newTestJobStore(t)
	ctx := context.Background()
	for _, id := range []string{"j1", "j2", "j3"} {
		_, err := s.Enqueue(ctx, testJob(id))
		require.NoError(t, err)
	}
	j, err := s.LeaseNext(ctx, "w1", time.Minute, nil)
	require.NoError(t, err)
	require.Equal(t, "j1", j.ID)
	require.Equal(t, domain.JobLeased, j.State)
	require.Equal(t, 1, j.Attempts)
	require.Equal(t, "w1", j.Lease.Holder)
}

func TestLeaseExclusivity(t *testing.T) {
	s, _ := newTestJobStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)

	var mu sync.Mutex
	holders := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			j, err := s.LeaseNext(ctx, "w", time.Minute, nil)
			require.NoError(t, err)
			if j != nil {
				mu.Lock()
				holders++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, holders, "exactly one worker may hold a valid lease")
}

func TestLeaseNextRespectsProviderFilter(t *testing.T) {
	s, _ := newTestJobStore(t)
	ctx := context.Background()
	j := testJob("j1")
	j.ProviderKey = "premium"
	_, err := s.Enqueue(ctx, j)
	require.NoError(t, err)

	got, err := s.LeaseNext(ctx, "w1", time.Minute, []string{"fastdraft"})
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = s.LeaseNext(ctx, "w1", time.Minute, []string{"fastdraft", "premium"})
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestLeaseNextSkipsBackoffDelayed(t *testing.T) {
	s, clk := newTestJobStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)

	j, err := s.LeaseNext(ctx, "w1", time.Minute, nil)
	require.NoError(t, err)
	_, err = s.Fail(ctx, j.ID, "w1", "503 from provider", true)
	require.NoError(t, err)

	// Invisible until the backoff window passes.
	got, err := s.LeaseNext(ctx, "w1", time.Minute, nil)
	require.NoError(t, err)
	require.Nil(t, got)

	clk.Advance(2 * time.Minute)
	got, err = s.LeaseNext(ctx, "w1", time.Minute, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 2, got.Attempts)
}

func TestHeartbeatStaleAfterSteal(t *testing.T) {
	s, clk := newTestJobStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)

	j, err := s.LeaseNext(ctx, "w1", time.Minute, nil)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	stolen, err := s.LeaseNext(ctx, "w2", time.Minute, nil)
	require.NoError(t, err)
	require.NotNil(t, stolen)
	require.Equal(t, "w2", stolen.Lease.Holder)

	err = s.Heartbeat(ctx, j.ID, "w1", time.Minute)
	require.ErrorIs(t, err, domain.ErrLeaseLost)
	err = s.Heartbeat(ctx, j.ID, "w2", time.Minute)
	require.NoError(t, err)
}

func TestSucceedRequiresLeaseHolder(t *testing.T) {
	s, _ := newTestJobStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)
	j, err := s.LeaseNext(ctx, "w1", time.Minute, nil)
	require.NoError(t, err)

	require.ErrorIs(t, s.Succeed(ctx, j.ID, "w2", "a1"), domain.ErrLeaseLost)
	require.NoError(t, s.Succeed(ctx, j.ID, "w1", "a1"))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, got.State)
	require.Equal(t, "a1", got.ResultAssetID)
	require.Nil(t, got.Lease)
}

func TestTerminalStatesAbsorb(t *testing.T) {
	s, _ := newTestJobStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)
	j, err := s.LeaseNext(ctx, "w1", time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, s.Succeed(ctx, j.ID, "w1", "a1"))

	// No transition out of succeeded.
	require.ErrorIs(t, s.Heartbeat(ctx, j.ID, "w1", time.Minute), domain.ErrLeaseLost)
	_, err = s.Fail(ctx, j.ID, "w1", "late failure", true)
	require.ErrorIs(t, err, domain.ErrLeaseLost)
	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, got.State)
}

func TestFailExhaustedGoesDeadWithDlqEntry(t *testing.T) {
	s, clk := newTestJobStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		clk.Advance(5 * time.Minute)
		j, err := s.LeaseNext(ctx, "w1", time.Minute, nil)
		require.NoError(t, err, "attempt %d", attempt)
		require.NotNil(t, j, "attempt %d", attempt)
		_, err = s.Fail(ctx, j.ID, "w1", "503", true)
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.JobDead, got.State)
	require.Equal(t, 3, got.Attempts)

	entries, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "j1", entries[0].JobID)
}

func TestFailTerminalNoDlq(t *testing.T) {
	s, _ := newTestJobStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)
	j, err := s.LeaseNext(ctx, "w1", time.Minute, nil)
	require.NoError(t, err)

	state, err := s.Fail(ctx, j.ID, "w1", "content policy violation", false)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, state)
	entries, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReclaimExpired(t *testing.T) {
	s, clk := newTestJobStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)
	_, err = s.LeaseNext(ctx, "w1", time.Minute, nil)
	require.NoError(t, err)

	// Not yet expired.
	reclaimed, err := s.ReclaimExpired(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, reclaimed)

	clk.Advance(2 * time.Minute)
	reclaimed, err = s.ReclaimExpired(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, domain.JobQueued, reclaimed[0].State)
}

func TestReclaimExpiredExhaustedGoesDead(t *testing.T) {
	s, clk := newTestJobStore(t)
	ctx := context.Background()
	j := testJob("j1")
	j.MaxAttempts = 1
	_, err := s.Enqueue(ctx, j)
	require.NoError(t, err)
	_, err = s.LeaseNext(ctx, "w1", time.Minute, nil)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	reclaimed, err := s.ReclaimExpired(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, domain.JobDead, reclaimed[0].State)

	entries, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRequeueResetsAttempts(t *testing.T) {
	s, clk := newTestJobStore(t)
	ctx := context.Background()
	j := testJob("j1")
	j.MaxAttempts = 1
	_, err := s.Enqueue(ctx, j)
	require.NoError(t, err)
	got, err := s.LeaseNext(ctx, "w1", time.Minute, nil)
	require.NoError(t, err)
	_, err = s.Fail(ctx, got.ID, "w1", "503", true)
	require.NoError(t, err)

	require.NoError(t, s.Requeue(ctx, "j1", "res-2"))
	require.NoError(t, s.Remove(ctx, "j1"))

	clk.Advance(time.Minute)
	again, err := s.LeaseNext(ctx, "w1", time.Minute, nil)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, 1, again.Attempts)
	require.Equal(t, "res-2", again.ReservationID, "requeue rebinds the reservation")
}

func TestRequestCancelOnTerminalConflicts(t *testing.T) {
	s, _ := newTestJobStore(t)
	ctx := context.Background()
	_, err := s.Enqueue(ctx, testJob("j1"))
	require.NoError(t, err)
	j, err := s.LeaseNext(ctx, "w1", time.Minute, nil)
	require.NoError(t, err)
	require.NoError(t, s.Succeed(ctx, j.ID, "w1", "a1"))

	require.ErrorIs(t, s.RequestCancel(ctx, "j1"), domain.ErrConflict)
}
