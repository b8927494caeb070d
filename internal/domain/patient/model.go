// Package patient manages hospital patient records and the nurse-patient
// assignments that scope nurse visibility.
package patient

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound    = errors.New("patient not found")
	ErrAssignmentNotFound = errors.New("assignment not found")
)

// Patient is an admitted patient. It belongs to exactly one hospital and is
// never visible across tenants except to a superadmin. The clinical fields
// are unstructured text entered by staff.
type Patient struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	HospitalID     uuid.UUID  `db:"hospital_id" json:"hospital_id"`
	PatientName    string     `db:"patient_name" json:"patient_name"`
	RecordNumber   string     `db:"record_number" json:"record_number"`
	DateOfBirth    *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Sex            string     `db:"sex" json:"sex,omitempty"`
	Diagnosis      string     `db:"diagnosis" json:"diagnosis,omitempty"`
	Diet           string     `db:"diet" json:"diet,omitempty"`
	Allergies      string     `db:"allergies" json:"allergies,omitempty"`
	PhysicianName  string     `db:"physician_name" json:"physician_name,omitempty"`
	PhysicianPhone string     `db:"physician_phone" json:"physician_phone,omitempty"`
	FacilityName   string     `db:"facility_name" json:"facility_name,omitempty"`
	CreatedBy      uuid.UUID  `db:"created_by" json:"created_by"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// NursePatientAssignment grants a nurse visibility of one patient. The
// (nurse_id, patient_id) pair is unique; revoking deactivates the row and
// re-assigning reactivates it, so assignment history survives.
type NursePatientAssignment struct {
	ID         uuid.UUID `db:"id" json:"id"`
	NurseID    uuid.UUID `db:"nurse_id" json:"nurse_id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	AssignedBy uuid.UUID `db:"assigned_by" json:"assigned_by"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}
