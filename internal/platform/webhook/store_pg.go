package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

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

type storePG struct {
	pool *pgxpool.Pool
}

// NewStore returns the Postgres-backed Store.
func NewStore(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const endpointCols = `id, hospital_id, url, secret, events, status, created_by, created_at, updated_at`

func scanEndpoint(row pgx.Row) (*Endpoint, error) {
	var ep Endpoint
	err := row.Scan(
		&ep.ID, &ep.HospitalID, &ep.URL, &ep.Secret, &ep.Events, &ep.Status,
		&ep.CreatedBy, &ep.CreatedAt, &ep.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ep, nil
}

func (s *storePG) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	if ep.ID == uuid.Nil {
		ep.ID = uuid.New()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_endpoints (id, hospital_id, url, secret, events, status, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ep.ID, ep.HospitalID, ep.URL, ep.Secret, ep.Events, ep.Status, ep.CreatedBy,
	)
	return err
}

func (s *storePG) GetEndpoint(ctx context.Context, id uuid.UUID) (*Endpoint, error) {
	q := fmt.Sprintf(`SELECT %s FROM webhook_endpoints WHERE id = $1`, endpointCols)
	ep, err := scanEndpoint(s.conn(ctx).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEndpointNotFound
	}
	return ep, err
}

func (s *storePG) ListEndpoints(ctx context.Context, hospitalID *uuid.UUID, limit, offset int) ([]*Endpoint, int, error) {
	var total int
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM webhook_endpoints
		WHERE ($1::uuid IS NULL OR hospital_id = $1)`, hospitalID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf(`
		SELECT %s FROM webhook_endpoints
		WHERE ($1::uuid IS NULL OR hospital_id = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, endpointCols)
	rows, err := s.conn(ctx).Query(ctx, q, hospitalID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	return collectEndpoints(rows, total)
}

func (s *storePG) ListTargets(ctx context.Context, hospitalID *uuid.UUID) ([]*Endpoint, error) {
	// A nil hospital compares false against every row, leaving only the
	// global (NULL hospital) endpoints.
	q := fmt.Sprintf(`
		SELECT %s FROM webhook_endpoints
		WHERE status = 'active' AND (hospital_id IS NULL OR hospital_id = $1)
		ORDER BY created_at`, endpointCols)
	rows, err := s.conn(ctx).Query(ctx, q, hospitalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets, _, err := collectEndpoints(rows, 0)
	return targets, err
}

func collectEndpoints(rows pgx.Rows, total int) ([]*Endpoint, int, error) {
	var endpoints []*Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, 0, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, total, rows.Err()
}

func (s *storePG) UpdateEndpoint(ctx context.Context, ep *Endpoint) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE webhook_endpoints
		SET url = $2, secret = $3, events = $4, status = $5, updated_at = NOW()
		WHERE id = $1`,
		ep.ID, ep.URL, ep.Secret, ep.Events, ep.Status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

func (s *storePG) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM webhook_endpoints WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

const deliveryCols = `id, endpoint_id, event_type, event_id, payload, signature, status_code,
	response_body, duration_ns, attempt, status, error, created_at`

func scanDelivery(row pgx.Row) (*DeliveryAttempt, error) {
	var d DeliveryAttempt
	var durationNS int64
	err := row.Scan(
		&d.ID, &d.EndpointID, &d.EventType, &d.EventID, &d.Payload, &d.Signature,
		&d.StatusCode, &d.ResponseBody, &durationNS, &d.Attempt, &d.Status,
		&d.Error, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Duration = time.Duration(durationNS)
	return &d, nil
}

func (s *storePG) RecordDelivery(ctx context.Context, attempt *DeliveryAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	// Retries re-record the same attempt id with a bumped counter.
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO webhook_deliveries (id, endpoint_id, event_type, event_id, payload,
			signature, status_code, response_body, duration_ns, attempt, status, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			status_code = EXCLUDED.status_code,
			response_body = EXCLUDED.response_body,
			duration_ns = EXCLUDED.duration_ns,
			attempt = EXCLUDED.attempt,
			status = EXCLUDED.status,
			error = EXCLUDED.error`,
		attempt.ID, attempt.EndpointID, attempt.EventType, attempt.EventID, attempt.Payload,
		attempt.Signature, attempt.StatusCode, attempt.ResponseBody, int64(attempt.Duration),
		attempt.Attempt, attempt.Status, attempt.Error, attempt.CreatedAt,
	)
	return err
}

func (s *storePG) ListDeliveries(ctx context.Context, endpointID uuid.UUID, limit, offset int) ([]*DeliveryAttempt, int, error) {
	var total int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE endpoint_id = $1`, endpointID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf(`
		SELECT %s FROM webhook_deliveries
		WHERE endpoint_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, deliveryCols)
	rows, err := s.conn(ctx).Query(ctx, q, endpointID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var deliveries []*DeliveryAttempt
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, total, rows.Err()
}

func (s *storePG) GetDelivery(ctx context.Context, id uuid.UUID) (*DeliveryAttempt, error) {
	q := fmt.Sprintf(`SELECT %s FROM webhook_deliveries WHERE id = $1`, deliveryCols)
	d, err := scanDelivery(s.conn(ctx).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	return d, err
}
