package patient

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	ListByHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Patient, int, error)
	ListAssignedTo(ctx context.Context, nurseID uuid.UUID, limit, offset int) ([]*Patient, int, error)
}

type AssignmentRepository interface {
	Create(ctx context.Context, a *NursePatientAssignment) error
	GetByID(ctx context.Context, id uuid.UUID) (*NursePatientAssignment, error)
	GetByPair(ctx context.Context, nurseID, patientID uuid.UUID) (*NursePatientAssignment, error)
	Update(ctx context.Context, a *NursePatientAssignment) error
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*NursePatientAssignment, error)
	// IsAssigned reports an active assignment. It backs the access policy
	// engine's assignment lookups.
	IsAssigned(ctx context.Context, nurseID, patientID uuid.UUID) (bool, error)
}

// ProfileDirectory resolves the hospital a profile belongs to, uuid.Nil when
// unknown or detached. The tenancy service provides it; the patient domain
// stays decoupled from profile storage.
type ProfileDirectory interface {
	HospitalOf(ctx context.Context, profileID uuid.UUID) (uuid.UUID, error)
}
