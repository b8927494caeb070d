package mar

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

func conn(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// Repos bundles the six MAR stores behind one wiring point.
type Repos struct {
	Forms           FormRepository
	Medications     MedicationRepository
	Administrations AdministrationRepository
	Vitals          VitalSignRepository
	Prn             PrnRepository
	Legends         LegendRepository
}

func NewRepos(pool *pgxpool.Pool) Repos {
	return Repos{
		Forms:           &formRepoPG{pool: pool},
		Medications:     &medicationRepoPG{pool: pool},
		Administrations: &administrationRepoPG{pool: pool},
		Vitals:          &vitalRepoPG{pool: pool},
		Prn:             &prnRepoPG{pool: pool},
		Legends:         &legendRepoPG{pool: pool},
	}
}

// -- Form Repository --

type formRepoPG struct {
	pool *pgxpool.Pool
}

const formCols = `id, patient_id, hospital_id, month_year, status,
	patient_name, date_of_birth, sex, diagnosis, diet, allergies,
	physician_name, physician_phone, facility_name,
	comments, vital_instructions, created_at, updated_at`

func scanForm(row pgx.Row) (*MarForm, error) {
	var f MarForm
	err := row.Scan(
		&f.ID, &f.PatientID, &f.HospitalID, &f.MonthYear, &f.Status,
		&f.PatientName, &f.DateOfBirth, &f.Sex, &f.Diagnosis, &f.Diet, &f.Allergies,
		&f.PhysicianName, &f.PhysicianPhone, &f.FacilityName,
		&f.Comments, &f.VitalInstructions, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *formRepoPG) Create(ctx context.Context, f *MarForm) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO mar_forms (id, patient_id, hospital_id, month_year, status,
			patient_name, date_of_birth, sex, diagnosis, diet, allergies,
			physician_name, physician_phone, facility_name, comments, vital_instructions)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		f.ID, f.PatientID, f.HospitalID, f.MonthYear, f.Status,
		f.PatientName, f.DateOfBirth, f.Sex, f.Diagnosis, f.Diet, f.Allergies,
		f.PhysicianName, f.PhysicianPhone, f.FacilityName, f.Comments, f.VitalInstructions,
	)
	return err
}

func (r *formRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MarForm, error) {
	f, err := scanForm(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+formCols+` FROM mar_forms WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFormNotFound
	}
	return f, err
}

func (r *formRepoPG) GetByPatientMonth(ctx context.Context, patientID uuid.UUID, monthYear string) (*MarForm, error) {
	f, err := scanForm(conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+formCols+` FROM mar_forms
		WHERE patient_id = $1 AND month_year = $2`, patientID, monthYear))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFormNotFound
	}
	return f, err
}

func (r *formRepoPG) Update(ctx context.Context, f *MarForm) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE mar_forms SET status=$2, diagnosis=$3, diet=$4, allergies=$5,
			physician_name=$6, physician_phone=$7, comments=$8, vital_instructions=$9,
			updated_at=NOW()
		WHERE id = $1`,
		f.ID, f.Status, f.Diagnosis, f.Diet, f.Allergies,
		f.PhysicianName, f.PhysicianPhone, f.Comments, f.VitalInstructions,
	)
	return err
}

func (r *formRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MarForm, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM mar_forms WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `
		SELECT `+formCols+` FROM mar_forms
		WHERE patient_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var forms []*MarForm
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, 0, err
		}
		forms = append(forms, f)
	}
	return forms, total, rows.Err()
}

// -- Medication Repository --

type medicationRepoPG struct {
	pool *pgxpool.Pool
}

// hour is NULL only on legacy placeholder rows; read it as empty.
const medicationCols = `id, mar_form_id, medication_name, dosage, start_date, stop_date,
	COALESCE(hour, ''), route, notes, parameter, frequency, frequency_display,
	display_order, created_at, updated_at`

func scanMedication(row pgx.Row) (*MarMedication, error) {
	var m MarMedication
	err := row.Scan(
		&m.ID, &m.MarFormID, &m.MedicationName, &m.Dosage, &m.StartDate, &m.StopDate,
		&m.Hour, &m.Route, &m.Notes, &m.Parameter, &m.Frequency, &m.FrequencyDisplay,
		&m.DisplayOrder, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *medicationRepoPG) Create(ctx context.Context, m *MarMedication) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO mar_medications (id, mar_form_id, medication_name, dosage,
			start_date, stop_date, hour, route, notes, parameter,
			frequency, frequency_display, display_order)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		m.ID, m.MarFormID, m.MedicationName, m.Dosage,
		m.StartDate, m.StopDate, m.Hour, m.Route, m.Notes, m.Parameter,
		m.Frequency, m.FrequencyDisplay, m.DisplayOrder,
	)
	return err
}

func (r *medicationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MarMedication, error) {
	m, err := scanMedication(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+medicationCols+` FROM mar_medications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMedicationNotFound
	}
	return m, err
}

func (r *medicationRepoPG) Update(ctx context.Context, m *MarMedication) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE mar_medications SET medication_name=$2, dosage=$3, start_date=$4,
			stop_date=$5, hour=$6, route=$7, notes=$8, parameter=$9,
			frequency=$10, frequency_display=$11, display_order=$12, updated_at=NOW()
		WHERE id = $1`,
		m.ID, m.MedicationName, m.Dosage, m.StartDate,
		m.StopDate, m.Hour, m.Route, m.Notes, m.Parameter,
		m.Frequency, m.FrequencyDisplay, m.DisplayOrder,
	)
	return err
}

func (r *medicationRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM mar_medications WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMedicationNotFound
	}
	return nil
}

func (r *medicationRepoPG) ListByForm(ctx context.Context, formID uuid.UUID) ([]*MarMedication, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+medicationCols+` FROM mar_medications
		WHERE mar_form_id = $1 ORDER BY display_order, created_at`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meds []*MarMedication
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, err
		}
		meds = append(meds, m)
	}
	return meds, rows.Err()
}

func (r *medicationRepoPG) MaxDisplayOrder(ctx context.Context, formID uuid.UUID) (int, error) {
	var max int
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COALESCE(MAX(display_order), 0) FROM mar_medications WHERE mar_form_id = $1`, formID).Scan(&max)
	return max, err
}

// -- Administration Repository --

type administrationRepoPG struct {
	pool *pgxpool.Pool
}

const administrationCols = `id, medication_id, mar_form_id, day_of_month,
	initials, given, reason_for_omission, created_at, updated_at`

func scanAdministration(row pgx.Row) (*MarAdministration, error) {
	var a MarAdministration
	err := row.Scan(
		&a.ID, &a.MedicationID, &a.MarFormID, &a.DayOfMonth,
		&a.Initials, &a.Given, &a.ReasonForOmission, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *administrationRepoPG) Create(ctx context.Context, a *MarAdministration) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO mar_administrations (id, medication_id, mar_form_id,
			day_of_month, initials, given, reason_for_omission)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.MedicationID, a.MarFormID, a.DayOfMonth, a.Initials, a.Given, a.ReasonForOmission,
	)
	return err
}

func (r *administrationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MarAdministration, error) {
	a, err := scanAdministration(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+administrationCols+` FROM mar_administrations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAdministrationNotFound
	}
	return a, err
}

func (r *administrationRepoPG) GetByCell(ctx context.Context, medicationID uuid.UUID, day int) (*MarAdministration, error) {
	a, err := scanAdministration(conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+administrationCols+` FROM mar_administrations
		WHERE medication_id = $1 AND day_of_month = $2`, medicationID, day))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAdministrationNotFound
	}
	return a, err
}

func (r *administrationRepoPG) Update(ctx context.Context, a *MarAdministration) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE mar_administrations SET initials=$2, given=$3, reason_for_omission=$4, updated_at=NOW()
		WHERE id = $1`,
		a.ID, a.Initials, a.Given, a.ReasonForOmission,
	)
	return err
}

func (r *administrationRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM mar_administrations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAdministrationNotFound
	}
	return nil
}

func (r *administrationRepoPG) ListByForm(ctx context.Context, formID uuid.UUID) ([]*MarAdministration, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+administrationCols+` FROM mar_administrations
		WHERE mar_form_id = $1 ORDER BY day_of_month`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cells []*MarAdministration
	for rows.Next() {
		a, err := scanAdministration(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, a)
	}
	return cells, rows.Err()
}

// -- Vital Sign Repository --

type vitalRepoPG struct {
	pool *pgxpool.Pool
}

const vitalCols = `id, mar_form_id, vital_type, day_of_month, value, created_at, updated_at`

func scanVital(row pgx.Row) (*MarVitalSign, error) {
	var v MarVitalSign
	err := row.Scan(&v.ID, &v.MarFormID, &v.VitalType, &v.DayOfMonth, &v.Value, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *vitalRepoPG) Create(ctx context.Context, v *MarVitalSign) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO mar_vital_signs (id, mar_form_id, vital_type, day_of_month, value)
		VALUES ($1,$2,$3,$4,$5)`,
		v.ID, v.MarFormID, v.VitalType, v.DayOfMonth, v.Value,
	)
	return err
}

func (r *vitalRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MarVitalSign, error) {
	v, err := scanVital(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+vitalCols+` FROM mar_vital_signs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVitalSignNotFound
	}
	return v, err
}

func (r *vitalRepoPG) GetByCell(ctx context.Context, formID uuid.UUID, vitalType VitalType, day int) (*MarVitalSign, error) {
	v, err := scanVital(conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+vitalCols+` FROM mar_vital_signs
		WHERE mar_form_id = $1 AND vital_type = $2 AND day_of_month = $3`,
		formID, vitalType, day))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrVitalSignNotFound
	}
	return v, err
}

func (r *vitalRepoPG) Update(ctx context.Context, v *MarVitalSign) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE mar_vital_signs SET value=$2, updated_at=NOW() WHERE id = $1`,
		v.ID, v.Value,
	)
	return err
}

func (r *vitalRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM mar_vital_signs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVitalSignNotFound
	}
	return nil
}

func (r *vitalRepoPG) ListByForm(ctx context.Context, formID uuid.UUID) ([]*MarVitalSign, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+vitalCols+` FROM mar_vital_signs
		WHERE mar_form_id = $1 ORDER BY vital_type, day_of_month`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vitals []*MarVitalSign
	for rows.Next() {
		v, err := scanVital(rows)
		if err != nil {
			return nil, err
		}
		vitals = append(vitals, v)
	}
	return vitals, rows.Err()
}

// -- PRN Repository --

type prnRepoPG struct {
	pool *pgxpool.Pool
}

const prnCols = `id, mar_form_id, date, hour, initials, medication, reason,
	result, signature_blob_id, entry_number, created_at, updated_at`

func scanPrn(row pgx.Row) (*MarPrnRecord, error) {
	var p MarPrnRecord
	err := row.Scan(
		&p.ID, &p.MarFormID, &p.Date, &p.Hour, &p.Initials, &p.Medication, &p.Reason,
		&p.Result, &p.SignatureBlobID, &p.EntryNumber, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *prnRepoPG) Create(ctx context.Context, p *MarPrnRecord) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO mar_prn_records (id, mar_form_id, date, hour, initials,
			medication, reason, result, signature_blob_id, entry_number)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.MarFormID, p.Date, p.Hour, p.Initials,
		p.Medication, p.Reason, p.Result, p.SignatureBlobID, p.EntryNumber,
	)
	return err
}

func (r *prnRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MarPrnRecord, error) {
	p, err := scanPrn(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+prnCols+` FROM mar_prn_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPrnNotFound
	}
	return p, err
}

func (r *prnRepoPG) Update(ctx context.Context, p *MarPrnRecord) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE mar_prn_records SET hour=$2, initials=$3, result=$4,
			signature_blob_id=$5, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Hour, p.Initials, p.Result, p.SignatureBlobID,
	)
	return err
}

func (r *prnRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM mar_prn_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPrnNotFound
	}
	return nil
}

func (r *prnRepoPG) ListByForm(ctx context.Context, formID uuid.UUID) ([]*MarPrnRecord, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+prnCols+` FROM mar_prn_records
		WHERE mar_form_id = $1 ORDER BY entry_number`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*MarPrnRecord
	for rows.Next() {
		p, err := scanPrn(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, p)
	}
	return records, rows.Err()
}

func (r *prnRepoPG) NextEntryNumber(ctx context.Context, formID uuid.UUID) (int, error) {
	var next int
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COALESCE(MAX(entry_number), 0) + 1 FROM mar_prn_records WHERE mar_form_id = $1`, formID).Scan(&next)
	return next, err
}

// -- Legend Repository --

type legendRepoPG struct {
	pool *pgxpool.Pool
}

const legendCols = `id, user_id, code, description, created_at, updated_at`

func scanLegend(row pgx.Row) (*MarCustomLegend, error) {
	var l MarCustomLegend
	err := row.Scan(&l.ID, &l.UserID, &l.Code, &l.Description, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *legendRepoPG) Create(ctx context.Context, l *MarCustomLegend) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO mar_custom_legends (id, user_id, code, description)
		VALUES ($1,$2,$3,$4)`,
		l.ID, l.UserID, l.Code, l.Description,
	)
	return err
}

func (r *legendRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MarCustomLegend, error) {
	l, err := scanLegend(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+legendCols+` FROM mar_custom_legends WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLegendNotFound
	}
	return l, err
}

func (r *legendRepoPG) Update(ctx context.Context, l *MarCustomLegend) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE mar_custom_legends SET code=$2, description=$3, updated_at=NOW() WHERE id = $1`,
		l.ID, l.Code, l.Description,
	)
	return err
}

func (r *legendRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM mar_custom_legends WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLegendNotFound
	}
	return nil
}

func (r *legendRepoPG) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*MarCustomLegend, int, error) {
	q := conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM mar_custom_legends WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `
		SELECT `+legendCols+` FROM mar_custom_legends
		WHERE user_id = $1 ORDER BY code LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var legends []*MarCustomLegend
	for rows.Next() {
		l, err := scanLegend(rows)
		if err != nil {
			return nil, 0, err
		}
		legends = append(legends, l)
	}
	return legends, total, rows.Err()
}

// -- Patient Directory --

type patientDirPG struct {
	pool *pgxpool.Pool
}

// NewPatientDirectory reads patient demographics straight from the patients
// table; the patient domain package stays un-imported.
func NewPatientDirectory(pool *pgxpool.Pool) PatientDirectory {
	return &patientDirPG{pool: pool}
}

func (r *patientDirPG) Demographics(ctx context.Context, patientID uuid.UUID) (*PatientDemographics, error) {
	var d PatientDemographics
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, hospital_id, patient_name, date_of_birth, sex, diagnosis, diet,
			allergies, physician_name, physician_phone, facility_name
		FROM patients WHERE id = $1`, patientID).Scan(
		&d.ID, &d.HospitalID, &d.PatientName, &d.DateOfBirth, &d.Sex, &d.Diagnosis, &d.Diet,
		&d.Allergies, &d.PhysicianName, &d.PhysicianPhone, &d.FacilityName,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
