package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, 10*time.Second, 24*time.Hour), mr
}

func TestAcquireWinsOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	out, _, err := s.Acquire(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, domain.AcquireWon, out)

	out, _, err = s.Acquire(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, domain.AcquireBusy, out)
}

func TestCommitEnablesReplay(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	out, _, err := s.Acquire(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, domain.AcquireWon, out)
	require.NoError(t, s.Commit(ctx, "k1", []byte(`{"jobId":"j1"}`)))

	out, resp, err := s.Acquire(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, domain.AcquireReplay, out)
	require.JSONEq(t, `{"jobId":"j1"}`, string(resp))
}

func TestAbortReleasesLock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	out, _, err := s.Acquire(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, domain.AcquireWon, out)
	require.NoError(t, s.Abort(ctx, "k1"))

	out, _, err = s.Acquire(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, domain.AcquireWon, out)
}

func TestPendingLockExpires(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	out, _, err := s.Acquire(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, domain.AcquireWon, out)

	// A crashed submit never commits; the lock lapses on its own.
	mr.FastForward(11 * time.Second)

	out, _, err = s.Acquire(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, domain.AcquireWon, out)
}

func TestDistinctKeysIndependent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	out, _, err := s.Acquire(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, domain.AcquireWon, out)
	out, _, err = s.Acquire(ctx, "k2")
	require.NoError(t, err)
	require.Equal(t, domain.AcquireWon, out)
}
