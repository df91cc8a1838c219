package proxy

import (
	"context"
	"database/sql"
	"errors"
)

// Repository persists proxy permissions in Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetPermission(ctx context.Context, userID string) (Permission, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, allow_proxy_attendance, updated_at, updated_by
		FROM proxy_permissions WHERE user_id = $1
	`, userID)
	var p Permission
	if err := row.Scan(&p.UserID, &p.AllowProxyAttendance, &p.UpdatedAt, &p.UpdatedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Permission{}, false, nil
		}
		return Permission{}, false, err
	}
	return p, true, nil
}

func (r *Repository) SetPermission(ctx context.Context, p Permission) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO proxy_permissions (user_id, allow_proxy_attendance, updated_at, updated_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			allow_proxy_attendance = EXCLUDED.allow_proxy_attendance,
			updated_at             = EXCLUDED.updated_at,
			updated_by             = EXCLUDED.updated_by
	`, p.UserID, p.AllowProxyAttendance, p.UpdatedAt, p.UpdatedBy)
	return err
}
