package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SearchParams filters the trail. Zero values mean "no filter"; HospitalID
// is also how the service pins head nurses to their own hospital.
type SearchParams struct {
	Source       string
	Action       string
	ResourceType string
	UserID       uuid.UUID
	PatientID    uuid.UUID
	HospitalID   uuid.UUID
	From         time.Time
	To           time.Time
}

// Repository is append-only: events are inserted, read and searched, never
// updated or deleted.
type Repository interface {
	Insert(ctx context.Context, e *AuditEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*AuditEvent, error)
	Search(ctx context.Context, params SearchParams, limit, offset int) ([]*AuditEvent, int, error)
}
