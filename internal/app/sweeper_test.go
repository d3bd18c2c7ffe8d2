package app

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

func TestSweeperReclaimsExpiredLease(t *testing.T) {
	tc := testclock.NewClock(time.Now())
	jobs := memory.NewJobStore(tc, domain.DefaultBackoff())
	ctx := context.Background()

	_, err := jobs.Enqueue(ctx, domain.Job{ID: "j1", UserID: "u1", ProviderKey: "fastdraft", MaxAttempts: 3})
	require.NoError(t, err)
	leased, err := jobs.LeaseNext(ctx, "w-dead", time.Minute, nil)
	require.NoError(t, err)
	require.NotNil(t, leased)

	s := NewLeaseSweeper(jobs, tc, 30*time.Second, 100)

	// Lease still live: nothing to reclaim.
	s.sweepOnce(ctx)
	j, err := jobs.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.JobLeased, j.State)

	tc.Advance(2 * time.Minute)
	s.sweepOnce(ctx)
	j, err = jobs.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, j.State)
	require.Nil(t, j.Lease)
}

func TestSweeperDeadLettersExhaustedJob(t *testing.T) {
	tc := testclock.NewClock(time.Now())
	jobs := memory.NewJobStore(tc, domain.DefaultBackoff())
	ctx := context.Background()

	_, err := jobs.Enqueue(ctx, domain.Job{ID: "j1", UserID: "u1", ProviderKey: "fastdraft", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = jobs.LeaseNext(ctx, "w-dead", time.Minute, nil)
	require.NoError(t, err)
	tc.Advance(2 * time.Minute)

	NewLeaseSweeper(jobs, tc, 30*time.Second, 100).sweepOnce(ctx)

	j, err := jobs.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.JobDead, j.State)
	entries, err := jobs.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "j1", entries[0].JobID)
}
