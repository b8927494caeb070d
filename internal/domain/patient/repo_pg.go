package patient

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

// -- Patient Repository --

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const patientCols = `id, hospital_id, patient_name, record_number, date_of_birth, sex, diagnosis,
	diet, allergies, physician_name, physician_phone, facility_name, created_by, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.HospitalID, &p.PatientName, &p.RecordNumber, &p.DateOfBirth, &p.Sex, &p.Diagnosis,
		&p.Diet, &p.Allergies, &p.PhysicianName, &p.PhysicianPhone, &p.FacilityName,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patients (id, hospital_id, patient_name, record_number, date_of_birth, sex,
			diagnosis, diet, allergies, physician_name, physician_phone, facility_name, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.HospitalID, p.PatientName, p.RecordNumber, p.DateOfBirth, p.Sex,
		p.Diagnosis, p.Diet, p.Allergies, p.PhysicianName, p.PhysicianPhone, p.FacilityName, p.CreatedBy,
	)
	return err
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	return p, err
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET patient_name=$2, record_number=$3, date_of_birth=$4, sex=$5, diagnosis=$6,
			diet=$7, allergies=$8, physician_name=$9, physician_phone=$10, facility_name=$11, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.PatientName, p.RecordNumber, p.DateOfBirth, p.Sex, p.Diagnosis,
		p.Diet, p.Allergies, p.PhysicianName, p.PhysicianPhone, p.FacilityName,
	)
	return err
}

func (r *patientRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patients ORDER BY patient_name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectPatients(rows, total)
}

func (r *patientRepoPG) ListByHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients WHERE hospital_id = $1`, hospitalID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+patientCols+` FROM patients
		WHERE hospital_id = $1 ORDER BY patient_name LIMIT $2 OFFSET $3`, hospitalID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectPatients(rows, total)
}

const assignedPatientCols = `p.id, p.hospital_id, p.patient_name, p.record_number, p.date_of_birth,
	p.sex, p.diagnosis, p.diet, p.allergies, p.physician_name, p.physician_phone, p.facility_name,
	p.created_by, p.created_at, p.updated_at`

func (r *patientRepoPG) ListAssignedTo(ctx context.Context, nurseID uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM patients p
		JOIN nurse_patient_assignments a ON a.patient_id = p.id
		WHERE a.nurse_id = $1 AND a.is_active`, nurseID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+assignedPatientCols+` FROM patients p
		JOIN nurse_patient_assignments a ON a.patient_id = p.id
		WHERE a.nurse_id = $1 AND a.is_active
		ORDER BY p.patient_name LIMIT $2 OFFSET $3`, nurseID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectPatients(rows, total)
}

func collectPatients(rows pgx.Rows, total int) ([]*Patient, int, error) {
	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}

// -- Assignment Repository --

type assignmentRepoPG struct {
	pool *pgxpool.Pool
}

func NewAssignmentRepo(pool *pgxpool.Pool) AssignmentRepository {
	return &assignmentRepoPG{pool: pool}
}

func (r *assignmentRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const assignmentCols = `id, nurse_id, patient_id, assigned_by, is_active, created_at, updated_at`

func scanAssignment(row pgx.Row) (*NursePatientAssignment, error) {
	var a NursePatientAssignment
	err := row.Scan(&a.ID, &a.NurseID, &a.PatientID, &a.AssignedBy, &a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *assignmentRepoPG) Create(ctx context.Context, a *NursePatientAssignment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO nurse_patient_assignments (id, nurse_id, patient_id, assigned_by, is_active)
		VALUES ($1,$2,$3,$4,$5)`,
		a.ID, a.NurseID, a.PatientID, a.AssignedBy, a.IsActive,
	)
	return err
}

func (r *assignmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*NursePatientAssignment, error) {
	a, err := scanAssignment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+assignmentCols+` FROM nurse_patient_assignments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	return a, err
}

func (r *assignmentRepoPG) GetByPair(ctx context.Context, nurseID, patientID uuid.UUID) (*NursePatientAssignment, error) {
	a, err := scanAssignment(r.conn(ctx).QueryRow(ctx, `
		SELECT `+assignmentCols+` FROM nurse_patient_assignments
		WHERE nurse_id = $1 AND patient_id = $2`, nurseID, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	return a, err
}

func (r *assignmentRepoPG) Update(ctx context.Context, a *NursePatientAssignment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE nurse_patient_assignments SET assigned_by=$2, is_active=$3, updated_at=NOW()
		WHERE id = $1`,
		a.ID, a.AssignedBy, a.IsActive,
	)
	return err
}

func (r *assignmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*NursePatientAssignment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+assignmentCols+` FROM nurse_patient_assignments
		WHERE patient_id = $1 ORDER BY created_at`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []*NursePatientAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (r *assignmentRepoPG) IsAssigned(ctx context.Context, nurseID, patientID uuid.UUID) (bool, error) {
	var assigned bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM nurse_patient_assignments
			WHERE nurse_id = $1 AND patient_id = $2 AND is_active
		)`, nurseID, patientID).Scan(&assigned)
	return assigned, err
}
