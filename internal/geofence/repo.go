package geofence

import (
	"context"
	"database/sql"
	"errors"
)

// Repository persists the fence as a single row in Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// LoadFence returns nil when no fence has been saved yet.
func (r *Repository) LoadFence(ctx context.Context) (*Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT center_lat, center_lng, radius_m, version, updated_at
		FROM geofence_config WHERE id = 1
	`)
	var s Snapshot
	if err := row.Scan(&s.Fence.Center.Lat, &s.Fence.Center.Lng, &s.Fence.RadiusMeters, &s.Version, &s.Fence.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SaveFence upserts the singleton row and bumps its version.
func (r *Repository) SaveFence(ctx context.Context, f Fence) (Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO geofence_config (id, center_lat, center_lng, radius_m, version, updated_at)
		VALUES (1, $1, $2, $3, 1, $4)
		ON CONFLICT (id) DO UPDATE SET
			center_lat = EXCLUDED.center_lat,
			center_lng = EXCLUDED.center_lng,
			radius_m   = EXCLUDED.radius_m,
			version    = geofence_config.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING version
	`, f.Center.Lat, f.Center.Lng, f.RadiusMeters, f.UpdatedAt)
	s := Snapshot{Fence: f}
	if err := row.Scan(&s.Version); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}
