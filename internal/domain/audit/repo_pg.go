package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

const auditCols = `id, source, subject, user_id, role, hospital_id, action, resource_type,
	resource_id, patient_id, method, path, status_code, ip_address, user_agent,
	request_id, occurred_at`

func scanEvent(row pgx.Row) (*AuditEvent, error) {
	var e AuditEvent
	err := row.Scan(
		&e.ID, &e.Source, &e.Subject, &e.UserID, &e.Role, &e.HospitalID,
		&e.Action, &e.ResourceType, &e.ResourceID, &e.PatientID,
		&e.Method, &e.Path, &e.StatusCode, &e.IPAddress, &e.UserAgent,
		&e.RequestID, &e.OccurredAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repoPG) Insert(ctx context.Context, e *AuditEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_events (id, source, subject, user_id, role, hospital_id,
			action, resource_type, resource_id, patient_id,
			method, path, status_code, ip_address, user_agent, request_id, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		e.ID, e.Source, e.Subject, e.UserID, e.Role, e.HospitalID,
		e.Action, e.ResourceType, e.ResourceID, e.PatientID,
		e.Method, e.Path, e.StatusCode, e.IPAddress, e.UserAgent,
		e.RequestID, e.OccurredAt,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*AuditEvent, error) {
	q := fmt.Sprintf(`SELECT %s FROM audit_events WHERE id = $1`, auditCols)
	e, err := scanEvent(r.conn(ctx).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return e, err
}

func (r *repoPG) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*AuditEvent, int, error) {
	where := []string{}
	args := []interface{}{}
	idx := 1

	add := func(clause string, arg interface{}) {
		where = append(where, fmt.Sprintf(clause, idx))
		args = append(args, arg)
		idx++
	}
	if params.Source != "" {
		add("source = $%d", params.Source)
	}
	if params.Action != "" {
		add("action = $%d", params.Action)
	}
	if params.ResourceType != "" {
		add("resource_type = $%d", params.ResourceType)
	}
	if params.UserID != uuid.Nil {
		add("user_id = $%d", params.UserID)
	}
	if params.PatientID != uuid.Nil {
		add("patient_id = $%d", params.PatientID)
	}
	if params.HospitalID != uuid.Nil {
		add("hospital_id = $%d", params.HospitalID)
	}
	if !params.From.IsZero() {
		add("occurred_at >= $%d", params.From)
	}
	if !params.To.IsZero() {
		add("occurred_at <= $%d", params.To)
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQ := fmt.Sprintf(`SELECT COUNT(*) FROM audit_events %s`, whereClause)
	if err := r.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf(`SELECT %s FROM audit_events %s ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d`,
		auditCols, whereClause, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}
