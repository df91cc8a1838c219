package face

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// Repository persists one template row per user in Postgres.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) PutTemplate(ctx context.Context, t Template) error {
	emb, err := json.Marshal(t.Embedding)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO face_templates (user_id, reference, embedding, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			reference     = EXCLUDED.reference,
			embedding     = EXCLUDED.embedding,
			registered_at = EXCLUDED.registered_at
	`, t.UserID, t.Reference, emb, t.RegisteredAt)
	return err
}

func (r *Repository) GetTemplate(ctx context.Context, userID string) (Template, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT user_id, reference, embedding, registered_at FROM face_templates WHERE user_id = $1
	`, userID)
	var t Template
	var emb []byte
	if err := row.Scan(&t.UserID, &t.Reference, &emb, &t.RegisteredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Template{}, ErrNoTemplateRegistered
		}
		return Template{}, err
	}
	if len(emb) > 0 {
		if err := json.Unmarshal(emb, &t.Embedding); err != nil {
			return Template{}, err
		}
	}
	return t, nil
}

func (r *Repository) DeleteTemplate(ctx context.Context, userID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM face_templates WHERE user_id = $1`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoTemplateRegistered
	}
	return nil
}
