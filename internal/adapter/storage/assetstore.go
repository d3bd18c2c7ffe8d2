package storage

import (
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/juju/clock"

	"github.com/fairyhunter13/ai-video-studio/internal/adapter/observability"
	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// AssetStore writes media to the object store and records the asset row.
// Keys follow {basePath}/{kind}/{ownerId}/{assetId}{ext}; the extension comes
// from content sniffing, never from provider-supplied names.
type AssetStore struct {
	Objects      domain.ObjectStore
	Records      domain.AssetRepository
	Clock        clock.Clock
	BasePath     string
	CacheControl string
	Retention    time.Duration
}

// NewAssetStore constructs an AssetStore. retention <= 0 keeps assets
// indefinitely.
func NewAssetStore(objects domain.ObjectStore, records domain.AssetRepository, clk clock.Clock,
	basePath, cacheControl string, retention time.Duration) *AssetStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &AssetStore{
		Objects:      objects,
		Records:      records,
		Clock:        clk,
		BasePath:     basePath,
		CacheControl: cacheControl,
		Retention:    retention,
	}
}

// Store uploads body and persists the asset record. The record is written
// only after the object upload succeeds, so a stored record always has a
// backing object.
func (s *AssetStore) Store(ctx domain.Context, ownerID, kind string, body []byte, declaredCT string) (domain.Asset, error) {
	ct := declaredCT
	mt := mimetype.Detect(body)
	// Sniffed type wins unless detection came back with the generic fallback.
	if mt.String() != "application/octet-stream" {
		ct = mt.String()
	}
	ext := mt.Extension()
	if ext == "" {
		ext = ".bin"
	}

	now := s.Clock.Now().UTC()
	a := domain.Asset{
		ID:          domain.NewAssetID(),
		OwnerID:     ownerID,
		Kind:        kind,
		Bytes:       int64(len(body)),
		ContentType: ct,
		CreatedAt:   now,
	}
	a.ObjectKey = path.Join(s.BasePath, kind, ownerID, a.ID+ext)
	if s.Retention > 0 {
		retain := now.Add(s.Retention)
		a.RetainUntil = &retain
	}

	etag, err := s.Objects.Put(ctx, a.ObjectKey, body, ct, s.CacheControl)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("op=assetstore.store: %w", err)
	}
	a.ETag = etag

	if err := s.Records.Create(ctx, a); err != nil {
		// Orphaned object; best-effort cleanup, the reaper catches stragglers.
		if delErr := s.Objects.Delete(ctx, a.ObjectKey); delErr != nil {
			slog.Warn("orphaned object after record failure",
				slog.String("key", a.ObjectKey), slog.Any("error", delErr))
		}
		return domain.Asset{}, fmt.Errorf("op=assetstore.store: %w", err)
	}
	observability.AssetsStoredTotal.WithLabelValues(kind).Inc()
	return a, nil
}

// Get returns the asset record; missing or reaped assets surface as
// ErrAssetUnavailable.
func (s *AssetStore) Get(ctx domain.Context, assetID string) (domain.Asset, error) {
	return s.Records.Get(ctx, assetID)
}

// SignedURL issues a short-lived delivery URL for the asset's object.
func (s *AssetStore) SignedURL(ctx domain.Context, a domain.Asset, ttl time.Duration) (string, time.Time, error) {
	return s.Objects.PresignGet(ctx, a.ObjectKey, ttl)
}

// ReapExpired deletes assets whose retention lapsed, records first, then the
// backing objects. Object deletion failures are logged and left for the next
// pass of a bucket lifecycle rule.
func (s *AssetStore) ReapExpired(ctx domain.Context, limit int) (int, error) {
	expired, err := s.Records.DeleteExpired(ctx, s.Clock.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("op=assetstore.reap: %w", err)
	}
	for _, a := range expired {
		if err := s.Objects.Delete(ctx, a.ObjectKey); err != nil {
			slog.Warn("reap object delete failed", slog.String("key", a.ObjectKey), slog.Any("error", err))
		}
	}
	if n := len(expired); n > 0 {
		observability.AssetsReapedTotal.Add(float64(n))
	}
	return len(expired), nil
}
