package app

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/repo/memory"
	"github.com/fairyhunter13/ai-video-studio/internal/adapter/storage"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

func TestRetentionReapsExpiredAssets(t *testing.T) {
	tc := testclock.NewClock(time.Now())
	assets := storage.NewAssetStore(memory.NewObjectStore(), memory.NewAssetRepo(), tc, "media", "private", time.Hour)
	ctx := context.Background()

	a, err := assets.Store(ctx, "u1", domain.AssetKindVideo, []byte("media"), "video/mp4")
	require.NoError(t, err)

	job := NewRetentionJob(assets, tc, 24*time.Hour, 200)
	job.RunOnce(ctx)
	_, err = assets.Get(ctx, a.ID)
	require.NoError(t, err, "unexpired asset survives")

	tc.Advance(2 * time.Hour)
	job.RunOnce(ctx)
	_, err = assets.Get(ctx, a.ID)
	require.ErrorIs(t, err, domain.ErrAssetUnavailable)
}

func TestParseOrigins(t *testing.T) {
	require.Equal(t, []string{"*"}, ParseOrigins(""))
	require.Equal(t, []string{"*"}, ParseOrigins("*"))
	require.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example, https://b.example ,"))
}
