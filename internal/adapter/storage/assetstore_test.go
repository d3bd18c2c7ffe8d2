package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// Minimal valid file headers so sniffing has something to chew on.
var (
	pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 13, 'I', 'H', 'D', 'R'}
)

func newTestAssetStore(t *testing.T, retention time.Duration) (*AssetStore, *memory.ObjectStore, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	objects := memory.NewObjectStore()
	s := NewAssetStore(objects, memory.NewAssetRepo(), clk, "media", "private, max-age=600", retention)
	return s, objects, clk
}

func TestStoreWritesObjectThenRecord(t *testing.T) {
	s, objects, _ := newTestAssetStore(t, 0)
	ctx := context.Background()

	a, err := s.Store(ctx, "u1", domain.AssetKindImage, pngBytes, "application/octet-stream")
	require.NoError(t, err)
	require.Equal(t, "image/png", a.ContentType, "sniffed type overrides the declared one")
	require.True(t, strings.HasPrefix(a.ObjectKey, "media/image/u1/"), a.ObjectKey)
	require.True(t, strings.HasSuffix(a.ObjectKey, ".png"), a.ObjectKey)
	require.EqualValues(t, len(pngBytes), a.Bytes)
	require.NotEmpty(t, a.ETag)
	require.Nil(t, a.RetainUntil)

	_, ok := objects.Object(a.ObjectKey)
	require.True(t, ok)

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, a.ObjectKey, got.ObjectKey)
}

func TestStoreSetsRetention(t *testing.T) {
	s, _, clk := newTestAssetStore(t, 90*24*time.Hour)
	a, err := s.Store(context.Background(), "u1", domain.AssetKindVideo, pngBytes, "")
	require.NoError(t, err)
	require.NotNil(t, a.RetainUntil)
	require.Equal(t, clk.Now().UTC().Add(90*24*time.Hour), *a.RetainUntil)
}

func TestSignedURLPointsAtObject(t *testing.T) {
	s, _, _ := newTestAssetStore(t, 0)
	ctx := context.Background()
	a, err := s.Store(ctx, "u1", domain.AssetKindImage, pngBytes, "")
	require.NoError(t, err)

	url, exp, err := s.SignedURL(ctx, a, 15*time.Minute)
	require.NoError(t, err)
	require.Contains(t, url, a.ObjectKey)
	require.True(t, exp.After(time.Now()))
}

func TestReapExpiredDeletesRecordAndObject(t *testing.T) {
	s, objects, clk := newTestAssetStore(t, time.Hour)
	ctx := context.Background()
	a, err := s.Store(ctx, "u1", domain.AssetKindFrame, pngBytes, "")
	require.NoError(t, err)

	n, err := s.ReapExpired(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, n, "retention has not lapsed yet")

	clk.Advance(2 * time.Hour)
	n, err = s.ReapExpired(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.Get(ctx, a.ID)
	require.ErrorIs(t, err, domain.ErrAssetUnavailable)
	require.Zero(t, objects.Len())
}
