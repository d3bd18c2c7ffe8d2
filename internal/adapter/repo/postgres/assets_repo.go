package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

// AssetRepo persists asset records.
type AssetRepo struct {
	Pool *pgxpool.Pool
}

// NewAssetRepo constructs an AssetRepo with the given pool.
func NewAssetRepo(p *pgxpool.Pool) *AssetRepo {
	return &AssetRepo{Pool: p}
}

func (r *AssetRepo) Create(ctx domain.Context, a domain.Asset) error {
	tracer := otel.Tracer("repo.assets")
	ctx, span := tracer.Start(ctx, "assets.Create")
	defer span.End()
	q := `INSERT INTO assets (id, owner_id, kind, object_key, bytes, content_type, etag, created_at, retain_until)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q, a.ID, a.OwnerID, a.Kind, a.ObjectKey, a.Bytes,
		a.ContentType, a.ETag, a.CreatedAt, a.RetainUntil)
	if err != nil {
		return fmt.Errorf("op=assets.create: %w", err)
	}
	return nil
}

func (r *AssetRepo) Get(ctx domain.Context, id string) (domain.Asset, error) {
	tracer := otel.Tracer("repo.assets")
	ctx, span := tracer.Start(ctx, "assets.Get")
	defer span.End()
	var a domain.Asset
	q := `SELECT id, owner_id, kind, object_key, bytes, content_type, etag, created_at, retain_until
		FROM assets WHERE id=$1`
	err := r.Pool.QueryRow(ctx, q, id).Scan(&a.ID, &a.OwnerID, &a.Kind, &a.ObjectKey,
		&a.Bytes, &a.ContentType, &a.ETag, &a.CreatedAt, &a.RetainUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Asset{}, fmt.Errorf("op=assets.get: %w: %s", domain.ErrAssetUnavailable, id)
		}
		return domain.Asset{}, fmt.Errorf("op=assets.get: %w", err)
	}
	return a, nil
}

// DeleteExpired removes records whose retention lapsed and returns them so
// the caller can delete the backing objects.
func (r *AssetRepo) DeleteExpired(ctx domain.Context, now time.Time, limit int) ([]domain.Asset, error) {
	tracer := otel.Tracer("repo.assets")
	ctx, span := tracer.Start(ctx, "assets.DeleteExpired")
	defer span.End()
	q := `WITH expired AS (
			SELECT id FROM assets WHERE retain_until IS NOT NULL AND retain_until <= $1
			ORDER BY retain_until LIMIT $2 FOR UPDATE SKIP LOCKED
		)
		DELETE FROM assets a USING expired WHERE a.id = expired.id
		RETURNING a.id, a.owner_id, a.kind, a.object_key, a.bytes, a.content_type, a.etag, a.created_at, a.retain_until`
	rows, err := r.Pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=assets.delete_expired: %w", err)
	}
	defer rows.Close()
	var out []domain.Asset
	for rows.Next() {
		var a domain.Asset
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Kind, &a.ObjectKey, &a.Bytes,
			&a.ContentType, &a.ETag, &a.CreatedAt, &a.RetainUntil); err != nil {
			return nil, fmt.Errorf("op=assets.delete_expired: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
