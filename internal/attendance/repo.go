package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists attendance records in Postgres. The partial unique index
// attendance_records_active_uniq (user_id, session_token_id) WHERE status <> 'rejected'
// makes Admit atomic under concurrent duplicate submissions.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, user_id, session_token_id, actor_id, check_in_at, check_out_at,
	geofence_distance_m, checkout_distance_m, face_score, status, reason, detail,
	proxy_user_id, proxy_reason, proxy_approved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r                      Record
		status, reason         string
		proxyUser, proxyReason sql.NullString
		proxyApproved          sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.SessionTokenID, &r.ActorID, &r.CheckInAt, &r.CheckOutAt,
		&r.GeofenceDistanceMeters, &r.CheckOutDistanceMeters, &r.FaceScore, &status, &reason, &r.Detail,
		&proxyUser, &proxyReason, &proxyApproved); err != nil {
		return Record{}, err
	}
	r.Status, r.Reason = Status(status), Reason(reason)
	if proxyUser.Valid {
		r.Proxy = &Proxy{ProxyUserID: proxyUser.String, Reason: proxyReason.String, ApprovedAt: proxyApproved.Time}
	}
	return r, nil
}

func proxyArgs(p *Proxy) (any, any, any) {
	if p == nil {
		return nil, nil, nil
	}
	return p.ProxyUserID, p.Reason, p.ApprovedAt
}

func (r *Repository) insert(ctx context.Context, rec Record, onConflict string) (sql.Result, error) {
	pu, pr, pa := proxyArgs(rec.Proxy)
	return r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`+onConflict,
		rec.ID, rec.UserID, rec.SessionTokenID, rec.ActorID, rec.CheckInAt, rec.CheckOutAt,
		rec.GeofenceDistanceMeters, rec.CheckOutDistanceMeters, rec.FaceScore, string(rec.Status), string(rec.Reason), rec.Detail,
		pu, pr, pa)
}

// Admit inserts the record or returns the existing active one.
func (r *Repository) Admit(ctx context.Context, rec Record) (Record, bool, error) {
	res, err := r.insert(ctx, rec, `ON CONFLICT (user_id, session_token_id) WHERE status <> 'rejected' DO NOTHING`)
	if err != nil {
		return Record{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return rec, true, nil
	}
	existing, err := r.Active(ctx, rec.UserID, rec.SessionTokenID)
	if err != nil {
		return Record{}, false, err
	}
	return existing, false, nil
}

func (r *Repository) AppendRejected(ctx context.Context, rec Record) error {
	_, err := r.insert(ctx, rec, "")
	return err
}

func (r *Repository) Active(ctx context.Context, userID, sessionTokenID string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE user_id = $1 AND session_token_id = $2 AND status <> 'rejected'
	`, userID, sessionTokenID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, err
	}
	return rec, nil
}

// CheckOut is a compare-and-set on status = 'present'.
func (r *Repository) CheckOut(ctx context.Context, userID, sessionTokenID string, at time.Time, distance float64) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET status = 'checked_out', check_out_at = $3, checkout_distance_m = $4
		WHERE user_id = $1 AND session_token_id = $2 AND status = 'present'
		RETURNING `+recordColumns, userID, sessionTokenID, at, distance)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, err
	}
	existing, err := r.Active(ctx, userID, sessionTokenID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Record{}, ErrNotCheckedIn
		}
		return Record{}, err
	}
	if existing.Status == StatusCheckedOut {
		return existing, nil
	}
	return Record{}, ErrNotCheckedIn
}

// List returns records for a session ordered by attempt time.
func (r *Repository) List(ctx context.Context, sessionTokenID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_token_id = $1
		ORDER BY check_in_at ASC, id ASC
	`, sessionTokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// AppendAudit writes a decision event; redelivered events are ignored.
func (r *Repository) AppendAudit(ctx context.Context, evt Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO admission_audit (id, operation, flow, outcome, reason, detail, record_id, user_id, actor_id, session_token_id, distance_m, face_score, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, evt.Operation, string(evt.Flow), string(evt.Outcome), string(evt.Reason), evt.Detail,
		evt.RecordID, evt.UserID, evt.ActorID, evt.SessionTokenID, evt.DistanceMeters, evt.FaceScore, evt.At)
	return err
}
