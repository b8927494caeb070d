package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
	"github.com/caremar/caremar/internal/platform/middleware"
)

type Service struct {
	repo Repository
	log  zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, log: logger}
}

const insertTimeout = 5 * time.Second

// RecordAccess persists one request-level entry handed over by the audit
// middleware. The middleware already logs recorder failures, so errors are
// returned as-is.
func (s *Service) RecordAccess(entry middleware.AuditEntry) error {
	e := &AuditEvent{
		ID:           uuid.New(),
		Source:       SourceAccess,
		Subject:      entry.Subject,
		UserID:       parseID(entry.UserID),
		Role:         entry.Role,
		HospitalID:   parseID(entry.HospitalID),
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		PatientID:    parseID(entry.PatientID),
		Method:       entry.Method,
		Path:         entry.Path,
		StatusCode:   entry.StatusCode,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
		RequestID:    entry.RequestID,
		OccurredAt:   entry.Timestamp,
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	// The middleware runs after the response is written, so the request
	// context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	return s.repo.Insert(ctx, e)
}

// RecordChange persists one mutation entry. The actor comes off the context
// subject; a failed insert is logged and swallowed so a broken audit store
// cannot block clinical charting.
func (s *Service) RecordChange(ctx context.Context, action, resourceType string, resourceID, patientID uuid.UUID) {
	e := &AuditEvent{
		ID:           uuid.New(),
		Source:       SourceChange,
		Action:       action,
		ResourceType: resourceType,
		OccurredAt:   time.Now().UTC(),
	}
	if resourceID != uuid.Nil {
		id := resourceID
		e.ResourceID = &id
	}
	if patientID != uuid.Nil {
		id := patientID
		e.PatientID = &id
	}
	if sub, ok := accesspolicy.SubjectFromContext(ctx); ok {
		uid := sub.UserID
		e.UserID = &uid
		e.Role = string(sub.Role)
		if sub.HospitalID != uuid.Nil {
			hid := sub.HospitalID
			e.HospitalID = &hid
		}
	}
	if err := s.repo.Insert(ctx, e); err != nil {
		s.log.Warn().Err(err).
			Str("action", action).
			Str("resource_type", resourceType).
			Str("resource_id", resourceID.String()).
			Msg("audit change entry dropped")
	}
}

func parseID(s string) *uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil || id == uuid.Nil {
		return nil
	}
	return &id
}

// Get returns a single event. Superadmins read everything; head nurses only
// events stamped with their own hospital.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*AuditEvent, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canView(sub, e); err != nil {
		return nil, err
	}
	return e, nil
}

func canView(sub accesspolicy.Subject, e *AuditEvent) error {
	switch sub.Role {
	case accesspolicy.RoleSuperadmin:
		return nil
	case accesspolicy.RoleHeadNurse:
		if sub.HospitalID != uuid.Nil && e.HospitalID != nil && *e.HospitalID == sub.HospitalID {
			return nil
		}
	}
	return accesspolicy.ErrNotPermitted
}

// Search runs a filtered query over the trail. Head nurses are pinned to
// their own hospital regardless of the filter they send; nurses get nothing.
func (s *Service) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*AuditEvent, int, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, 0, err
	}
	switch sub.Role {
	case accesspolicy.RoleSuperadmin:
	case accesspolicy.RoleHeadNurse:
		if sub.HospitalID == uuid.Nil {
			return nil, 0, accesspolicy.ErrNotPermitted
		}
		params.HospitalID = sub.HospitalID
	default:
		return nil, 0, accesspolicy.ErrNotPermitted
	}
	return s.repo.Search(ctx, params, limit, offset)
}
