package tenancy

import (
	"context"

	"github.com/google/uuid"
)

type HospitalRepository interface {
	Create(ctx context.Context, h *Hospital) error
	GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error)
	GetByInviteCode(ctx context.Context, code string) (*Hospital, error)
	// MostRecentCreatedBy returns the newest hospital a profile founded, for
	// onboarding repair. ErrHospitalNotFound when there is none.
	MostRecentCreatedBy(ctx context.Context, profileID uuid.UUID) (*Hospital, error)
	Update(ctx context.Context, h *Hospital) error
	List(ctx context.Context, limit, offset int) ([]*Hospital, int, error)
}

type ProfileRepository interface {
	Create(ctx context.Context, p *UserProfile) error
	GetByID(ctx context.Context, id uuid.UUID) (*UserProfile, error)
	Update(ctx context.Context, p *UserProfile) error
	ListByHospital(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*UserProfile, int, error)
	List(ctx context.Context, limit, offset int) ([]*UserProfile, int, error)
}
