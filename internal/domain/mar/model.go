// Package mar implements the Medication Administration Record: monthly
// per-patient forms aggregating medication rows, the administration grid,
// vital signs, PRN entries and per-user legend codes, plus the grouping and
// duplication engine that turns per-hour physical rows into logical
// medications and back.
package mar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrFormNotFound           = errors.New("mar form not found")
	ErrMedicationNotFound     = errors.New("medication not found")
	ErrAdministrationNotFound = errors.New("administration not found")
	ErrVitalSignNotFound      = errors.New("vital sign not found")
	ErrPrnNotFound            = errors.New("prn record not found")
	ErrLegendNotFound         = errors.New("legend entry not found")
	ErrPatientNotFound        = errors.New("patient not found")

	// ErrFormArchived rejects any mutation of an archived form or its rows.
	ErrFormArchived = errors.New("mar form is archived")
)

// FormStatus is the lifecycle state of a MarForm. Draft forms become
// submitted on explicit action; archived is terminal and read-mostly.
type FormStatus string

const (
	FormStatusDraft     FormStatus = "draft"
	FormStatusSubmitted FormStatus = "submitted"
	FormStatusArchived  FormStatus = "archived"
)

// monthYearLayout is the human month label forms are keyed by.
const monthYearLayout = "January 2006"

// NormalizeMonthYear validates and canonicalizes a month label such as
// "November 2025".
func NormalizeMonthYear(s string) (string, error) {
	t, err := time.Parse(monthYearLayout, strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("month must look like %q", "November 2025")
	}
	return t.Format(monthYearLayout), nil
}

// MarForm is the aggregate root for one patient-month. Demographics are
// snapshotted from the patient when the form is first created and never
// refreshed afterwards; comments and vital_instructions are header fields
// edited on the form itself.
type MarForm struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	PatientID  uuid.UUID  `db:"patient_id" json:"patient_id"`
	HospitalID uuid.UUID  `db:"hospital_id" json:"hospital_id"`
	MonthYear  string     `db:"month_year" json:"month_year"`
	Status     FormStatus `db:"status" json:"status"`

	PatientName    string     `db:"patient_name" json:"patient_name"`
	DateOfBirth    *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Sex            string     `db:"sex" json:"sex,omitempty"`
	Diagnosis      string     `db:"diagnosis" json:"diagnosis,omitempty"`
	Diet           string     `db:"diet" json:"diet,omitempty"`
	Allergies      string     `db:"allergies" json:"allergies,omitempty"`
	PhysicianName  string     `db:"physician_name" json:"physician_name,omitempty"`
	PhysicianPhone string     `db:"physician_phone" json:"physician_phone,omitempty"`
	FacilityName   string     `db:"facility_name" json:"facility_name,omitempty"`

	Comments          string `db:"comments" json:"comments,omitempty"`
	VitalInstructions string `db:"vital_instructions" json:"vital_instructions,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// MarMedication is one physical medication row. A logical medication given N
// times per day is N rows sharing every field but the hour; the shared fields
// form the grouping key (see grouping.go). Hour is empty on expansion slots
// still awaiting input and on the legacy vitals placeholder row.
type MarMedication struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	MarFormID        uuid.UUID  `db:"mar_form_id" json:"mar_form_id"`
	MedicationName   string     `db:"medication_name" json:"medication_name"`
	Dosage           string     `db:"dosage" json:"dosage,omitempty"`
	StartDate        *time.Time `db:"start_date" json:"start_date,omitempty"`
	StopDate         *time.Time `db:"stop_date" json:"stop_date,omitempty"`
	Hour             string     `db:"hour" json:"hour"`
	Route            string     `db:"route" json:"route,omitempty"`
	Notes            string     `db:"notes" json:"notes,omitempty"`
	Parameter        string     `db:"parameter" json:"parameter,omitempty"`
	Frequency        int        `db:"frequency" json:"frequency"`
	FrequencyDisplay string     `db:"frequency_display" json:"frequency_display,omitempty"`
	DisplayOrder     int        `db:"display_order" json:"display_order"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// MarAdministration is one grid cell: what happened for one medication row on
// one day of the month. A cell either records a given dose with the nurse's
// initials or an omission with its reason; clearing a cell deletes the row.
type MarAdministration struct {
	ID                uuid.UUID `db:"id" json:"id"`
	MedicationID      uuid.UUID `db:"medication_id" json:"medication_id"`
	MarFormID         uuid.UUID `db:"mar_form_id" json:"mar_form_id"`
	DayOfMonth        int       `db:"day_of_month" json:"day_of_month"`
	Initials          string    `db:"initials" json:"initials"`
	Given             bool      `db:"given" json:"given"`
	ReasonForOmission string    `db:"reason_for_omission" json:"reason_for_omission,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// VitalType names one tracked vital-sign series.
type VitalType string

const (
	VitalTemperature   VitalType = "TEMPERATURE"
	VitalPulse         VitalType = "PULSE"
	VitalRespiration   VitalType = "RESPIRATION"
	VitalWeight        VitalType = "WEIGHT"
	VitalBPSystolic    VitalType = "BP_SYSTOLIC"
	VitalBPDiastolic   VitalType = "BP_DIASTOLIC"
	VitalBowelMovement VitalType = "BOWEL_MOVEMENT"
)

var vitalTypes = map[VitalType]bool{
	VitalTemperature:   true,
	VitalPulse:         true,
	VitalRespiration:   true,
	VitalWeight:        true,
	VitalBPSystolic:    true,
	VitalBPDiastolic:   true,
	VitalBowelMovement: true,
}

// ValidVitalType reports whether t names a tracked vital-sign series.
func ValidVitalType(t VitalType) bool {
	return vitalTypes[t]
}

// MarVitalSign is one vital reading: one value per (form, type, day). Values
// are free text the way they are charted ("98.6", "120/80" split across the
// BP rows, "L" for a large bowel movement).
type MarVitalSign struct {
	ID         uuid.UUID `db:"id" json:"id"`
	MarFormID  uuid.UUID `db:"mar_form_id" json:"mar_form_id"`
	VitalType  VitalType `db:"vital_type" json:"vital_type"`
	DayOfMonth int       `db:"day_of_month" json:"day_of_month"`
	Value      string    `db:"value" json:"value"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// MarPrnRecord is one as-needed administration logged outside the grid.
// EntryNumber is sequential per form and display-only. Rows stay editable
// until the form is archived.
type MarPrnRecord struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	MarFormID       uuid.UUID  `db:"mar_form_id" json:"mar_form_id"`
	Date            time.Time  `db:"date" json:"date"`
	Hour            string     `db:"hour" json:"hour,omitempty"`
	Initials        string     `db:"initials" json:"initials,omitempty"`
	Medication      string     `db:"medication" json:"medication"`
	Reason          string     `db:"reason" json:"reason,omitempty"`
	Result          string     `db:"result" json:"result,omitempty"`
	SignatureBlobID *uuid.UUID `db:"signature_blob_id" json:"signature_blob_id,omitempty"`
	EntryNumber     int        `db:"entry_number" json:"entry_number"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// MarCustomLegend is a personal chart annotation code, e.g. "R" for refused.
// Codes are unique per user.
type MarCustomLegend struct {
	ID          uuid.UUID `db:"id" json:"id"`
	UserID      uuid.UUID `db:"user_id" json:"user_id"`
	Code        string    `db:"code" json:"code"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// PatientDemographics is the slice of the patient record the MAR needs: the
// tenant chain for access checks and the fields snapshotted onto a new form.
type PatientDemographics struct {
	ID             uuid.UUID
	HospitalID     uuid.UUID
	PatientName    string
	DateOfBirth    *time.Time
	Sex            string
	Diagnosis      string
	Diet           string
	Allergies      string
	PhysicianName  string
	PhysicianPhone string
	FacilityName   string
}

func validDay(day int) error {
	if day < 1 || day > 31 {
		return fmt.Errorf("day_of_month must be between 1 and 31")
	}
	return nil
}
