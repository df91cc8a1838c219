package session

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists session tokens in Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateToken(ctx context.Context, t Token) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_tokens (id, issuer_id, subject, room, issued_at, expires_at, nonce)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.IssuerID, t.Subject, t.Room, t.IssuedAt, t.ExpiresAt, t.Nonce)
	return err
}

func (r *Repository) GetToken(ctx context.Context, id string) (Token, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, issuer_id, subject, room, issued_at, expires_at, nonce, revoked_at, COALESCE(revoked_by, '')
		FROM session_tokens WHERE id = $1
	`, id)
	var t Token
	if err := row.Scan(&t.ID, &t.IssuerID, &t.Subject, &t.Room, &t.IssuedAt, &t.ExpiresAt, &t.Nonce, &t.RevokedAt, &t.RevokedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Token{}, ErrTokenNotFound
		}
		return Token{}, err
	}
	return t, nil
}

// RevokeToken keeps the first revocation.
func (r *Repository) RevokeToken(ctx context.Context, id, by string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE session_tokens SET revoked_at = $2, revoked_by = $3
		WHERE id = $1 AND revoked_at IS NULL
	`, id, at, by)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetToken(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
