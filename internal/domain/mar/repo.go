package mar

import (
	"context"

	"github.com/google/uuid"
)

// FormRepository persists MarForm aggregates. (patient_id, month_year) is
// unique; concurrent creates resolve through that index.
type FormRepository interface {
	Create(ctx context.Context, f *MarForm) error
	GetByID(ctx context.Context, id uuid.UUID) (*MarForm, error)
	GetByPatientMonth(ctx context.Context, patientID uuid.UUID, monthYear string) (*MarForm, error)
	Update(ctx context.Context, f *MarForm) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MarForm, int, error)
}

// MedicationRepository persists physical medication rows.
type MedicationRepository interface {
	Create(ctx context.Context, m *MarMedication) error
	GetByID(ctx context.Context, id uuid.UUID) (*MarMedication, error)
	Update(ctx context.Context, m *MarMedication) error
	Delete(ctx context.Context, id uuid.UUID) error
	// ListByForm returns every row of a form ordered by display_order. The
	// grid renders whole, so form sublists are not paginated.
	ListByForm(ctx context.Context, formID uuid.UUID) ([]*MarMedication, error)
	MaxDisplayOrder(ctx context.Context, formID uuid.UUID) (int, error)
}

// AdministrationRepository persists grid cells, unique per
// (medication_id, day_of_month).
type AdministrationRepository interface {
	Create(ctx context.Context, a *MarAdministration) error
	GetByID(ctx context.Context, id uuid.UUID) (*MarAdministration, error)
	GetByCell(ctx context.Context, medicationID uuid.UUID, day int) (*MarAdministration, error)
	Update(ctx context.Context, a *MarAdministration) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByForm(ctx context.Context, formID uuid.UUID) ([]*MarAdministration, error)
}

// VitalSignRepository persists vital readings, unique per
// (mar_form_id, vital_type, day_of_month).
type VitalSignRepository interface {
	Create(ctx context.Context, v *MarVitalSign) error
	GetByID(ctx context.Context, id uuid.UUID) (*MarVitalSign, error)
	GetByCell(ctx context.Context, formID uuid.UUID, vitalType VitalType, day int) (*MarVitalSign, error)
	Update(ctx context.Context, v *MarVitalSign) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByForm(ctx context.Context, formID uuid.UUID) ([]*MarVitalSign, error)
}

// PrnRepository persists as-needed administration entries.
type PrnRepository interface {
	Create(ctx context.Context, p *MarPrnRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*MarPrnRecord, error)
	Update(ctx context.Context, p *MarPrnRecord) error
	Delete(ctx context.Context, id uuid.UUID) error
	// ListByForm returns a form's whole PRN log ordered by entry_number.
	ListByForm(ctx context.Context, formID uuid.UUID) ([]*MarPrnRecord, error)
	NextEntryNumber(ctx context.Context, formID uuid.UUID) (int, error)
}

// LegendRepository persists per-user legend codes, unique per (user_id, code).
type LegendRepository interface {
	Create(ctx context.Context, l *MarCustomLegend) error
	GetByID(ctx context.Context, id uuid.UUID) (*MarCustomLegend, error)
	Update(ctx context.Context, l *MarCustomLegend) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*MarCustomLegend, int, error)
}

// PatientDirectory resolves the patient chain for access checks and the
// demographic snapshot taken when a form is first created.
type PatientDirectory interface {
	Demographics(ctx context.Context, patientID uuid.UUID) (*PatientDemographics, error)
}

// TxRunner runs a function inside one database transaction; the duplication
// batch uses it so partial failure rolls the whole batch back.
// db.TxManager satisfies it.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventSink receives domain events for fan-out to live grid subscribers and
// registered webhooks. Implementations must not block the caller.
type EventSink interface {
	Publish(ctx context.Context, topic, event string, payload any)
}

// Auditor records clinical mutations in the append-only audit trail.
type Auditor interface {
	RecordChange(ctx context.Context, action, resourceType string, resourceID, patientID uuid.UUID)
}
