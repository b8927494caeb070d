package tenancy

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

// -- Hospital Repository --

type hospitalRepoPG struct {
	pool *pgxpool.Pool
}

func NewHospitalRepo(pool *pgxpool.Pool) HospitalRepository {
	return &hospitalRepoPG{pool: pool}
}

func (r *hospitalRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const hospitalCols = `id, name, facility_type, invite_code, active, created_by, created_at, updated_at`

func scanHospital(row pgx.Row) (*Hospital, error) {
	var h Hospital
	err := row.Scan(
		&h.ID, &h.Name, &h.FacilityType, &h.InviteCode, &h.Active,
		&h.CreatedBy, &h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (r *hospitalRepoPG) Create(ctx context.Context, h *Hospital) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO hospitals (id, name, facility_type, invite_code, active, created_by)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		h.ID, h.Name, h.FacilityType, h.InviteCode, h.Active, h.CreatedBy,
	)
	return err
}

func (r *hospitalRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	h, err := scanHospital(r.conn(ctx).QueryRow(ctx, `SELECT `+hospitalCols+` FROM hospitals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHospitalNotFound
	}
	return h, err
}

func (r *hospitalRepoPG) GetByInviteCode(ctx context.Context, code string) (*Hospital, error) {
	h, err := scanHospital(r.conn(ctx).QueryRow(ctx, `SELECT `+hospitalCols+` FROM hospitals WHERE invite_code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHospitalNotFound
	}
	return h, err
}

func (r *hospitalRepoPG) MostRecentCreatedBy(ctx context.Context, profileID uuid.UUID) (*Hospital, error) {
	h, err := scanHospital(r.conn(ctx).QueryRow(ctx, `
		SELECT `+hospitalCols+` FROM hospitals
		WHERE created_by = $1 ORDER BY created_at DESC LIMIT 1`, profileID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHospitalNotFound
	}
	return h, err
}

func (r *hospitalRepoPG) Update(ctx context.Context, h *Hospital) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE hospitals SET name=$2, facility_type=$3, active=$4, updated_at=NOW()
		WHERE id = $1`,
		h.ID, h.Name, h.FacilityType, h.Active,
	)
	return err
}

func (r *hospitalRepoPG) List(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM hospitals`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+hospitalCols+` FROM hospitals ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var hospitals []*Hospital
	for rows.Next() {
		h, err := scanHospital(rows)
		if err != nil {
			return nil, 0, err
		}
		hospitals = append(hospitals, h)
	}
	return hospitals, total, rows.Err()
}

// -- Profile Repository --

type profileRepoPG struct {
	pool *pgxpool.Pool
}

func NewProfileRepo(pool *pgxpool.Pool) ProfileRepository {
	return &profileRepoPG{pool: pool}
}

func (r *profileRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const profileCols = `id, subject, email, full_name, first_name, middle_name, last_name,
	role, hospital_id, initials, designation, signature_blob_id, created_at, updated_at`

func scanProfile(row pgx.Row) (*UserProfile, error) {
	var p UserProfile
	err := row.Scan(
		&p.ID, &p.Subject, &p.Email, &p.FullName, &p.FirstName, &p.MiddleName, &p.LastName,
		&p.Role, &p.HospitalID, &p.Initials, &p.Designation, &p.SignatureBlobID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *profileRepoPG) Create(ctx context.Context, p *UserProfile) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO user_profiles (id, subject, email, full_name, first_name, middle_name, last_name,
			role, hospital_id, initials, designation, signature_blob_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.Subject, p.Email, p.FullName, p.FirstName, p.MiddleName, p.LastName,
		p.Role, p.HospitalID, p.Initials, p.Designation, p.SignatureBlobID,
	)
	return err
}

func (r *profileRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*UserProfile, error) {
	p, err := scanProfile(r.conn(ctx).QueryRow(ctx, `SELECT `+profileCols+` FROM user_profiles WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	return p, err
}

func (r *profileRepoPG) Update(ctx context.Context, p *UserProfile) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE user_profiles SET email=$2, full_name=$3, first_name=$4, middle_name=$5, last_name=$6,
			role=$7, hospital_id=$8, initials=$9, designation=$10, signature_blob_id=$11, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Email, p.FullName, p.FirstName, p.MiddleName, p.LastName,
		p.Role, p.HospitalID, p.Initials, p.Designation, p.SignatureBlobID,
	)
	return err
}

func (r *profileRepoPG) ListByHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*UserProfile, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM user_profiles WHERE hospital_id = $1`, hospitalID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+profileCols+` FROM user_profiles
		WHERE hospital_id = $1 ORDER BY full_name LIMIT $2 OFFSET $3`, hospitalID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectProfiles(rows, total)
}

func (r *profileRepoPG) List(ctx context.Context, limit, offset int) ([]*UserProfile, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM user_profiles`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+profileCols+` FROM user_profiles ORDER BY full_name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectProfiles(rows, total)
}

func collectProfiles(rows pgx.Rows, total int) ([]*UserProfile, int, error) {
	var profiles []*UserProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, 0, err
		}
		profiles = append(profiles, p)
	}
	return profiles, total, rows.Err()
}
