package feedback

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caremar/caremar/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const feedbackCols = `id, user_id, hospital_id, page, note, screenshot_blob_id, status, created_at, updated_at`

func scanFeedback(row pgx.Row) (*Feedback, error) {
	var f Feedback
	err := row.Scan(
		&f.ID, &f.UserID, &f.HospitalID, &f.Page, &f.Note,
		&f.ScreenshotBlobID, &f.Status, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *repoPG) Create(ctx context.Context, f *Feedback) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO feedback (id, user_id, hospital_id, page, note, screenshot_blob_id, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		f.ID, f.UserID, f.HospitalID, f.Page, f.Note, f.ScreenshotBlobID, f.Status,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Feedback, error) {
	f, err := scanFeedback(r.conn(ctx).QueryRow(ctx, `SELECT `+feedbackCols+` FROM feedback WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFeedbackNotFound
	}
	return f, err
}

func (r *repoPG) Update(ctx context.Context, f *Feedback) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE feedback SET page=$2, note=$3, screenshot_blob_id=$4, status=$5, updated_at=NOW()
		WHERE id = $1`,
		f.ID, f.Page, f.Note, f.ScreenshotBlobID, f.Status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFeedbackNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM feedback WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrFeedbackNotFound
	}
	return nil
}

func (r *repoPG) ListByUser(ctx context.Context, userID uuid.UUID, status Status, limit, offset int) ([]*Feedback, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM feedback
		WHERE user_id = $1 AND ($2 = '' OR status = $2)`, userID, string(status)).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+feedbackCols+` FROM feedback
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`, userID, string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectFeedback(rows, total)
}

func (r *repoPG) List(ctx context.Context, status Status, limit, offset int) ([]*Feedback, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM feedback WHERE ($1 = '' OR status = $1)`, string(status)).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+feedbackCols+` FROM feedback
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectFeedback(rows, total)
}

func collectFeedback(rows pgx.Rows, total int) ([]*Feedback, int, error) {
	var entries []*Feedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, f)
	}
	return entries, total, rows.Err()
}
