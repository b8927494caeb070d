package feedback

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists feedback entries. List filters accept an empty status
// to mean every status.
type Repository interface {
	Create(ctx context.Context, f *Feedback) error
	GetByID(ctx context.Context, id uuid.UUID) (*Feedback, error)
	Update(ctx context.Context, f *Feedback) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uuid.UUID, status Status, limit, offset int) ([]*Feedback, int, error)
	List(ctx context.Context, status Status, limit, offset int) ([]*Feedback, int, error)
}
