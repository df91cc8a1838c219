package directory

import (
	"context"
	"database/sql"
	"errors"
)

// Repository reads accounts from the users table maintained by the account service.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) User(ctx context.Context, id string) (User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT user_id, role, active FROM users WHERE user_id = $1`, id)
	var u User
	var role string
	if err := row.Scan(&u.ID, &role, &u.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	parsed, err := ParseRole(role)
	if err != nil {
		return User{}, err
	}
	u.Role = parsed
	return u, nil
}

// Upsert writes u, used to seed accounts from DIRECTORY_FILE.
func (r *Repository) Upsert(ctx context.Context, u User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (user_id, role, active) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role, active = EXCLUDED.active
	`, u.ID, string(u.Role), u.Active)
	return err
}
