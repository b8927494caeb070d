package feedback

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
)

type Service struct {
	repo   Repository
	engine *accesspolicy.Engine
}

func NewService(repo Repository, engine *accesspolicy.Engine) *Service {
	return &Service{repo: repo, engine: engine}
}

// CreateInput is one feedback submission from the overlay.
type CreateInput struct {
	Page             string     `json:"page"`
	Note             string     `json:"note"`
	ScreenshotBlobID *uuid.UUID `json:"screenshot_blob_id"`
}

// Create files a new entry owned by the caller, stamped with the caller's
// hospital when they are attached to one.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Feedback, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionCreate, accesspolicy.ResourceFeedback(sub.UserID)); err != nil {
		return nil, err
	}
	in.Note = strings.TrimSpace(in.Note)
	if in.Note == "" {
		return nil, fmt.Errorf("note is required")
	}

	f := &Feedback{
		ID:               uuid.New(),
		UserID:           sub.UserID,
		Page:             strings.TrimSpace(in.Page),
		Note:             in.Note,
		ScreenshotBlobID: in.ScreenshotBlobID,
		Status:           StatusOpen,
	}
	if sub.HospitalID != uuid.Nil {
		hid := sub.HospitalID
		f.HospitalID = &hid
	}
	if err := s.repo.Create(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Feedback, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	f, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionRead, accesspolicy.ResourceFeedback(f.UserID)); err != nil {
		return nil, err
	}
	return f, nil
}

// List returns the caller's own entries; superadmins get everyone's. An
// empty status means every status.
func (s *Service) List(ctx context.Context, status Status, limit, offset int) ([]*Feedback, int, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, 0, err
	}
	if status != "" && !validStatuses[status] {
		return nil, 0, fmt.Errorf("unknown status %q", status)
	}
	if sub.Role == accesspolicy.RoleSuperadmin {
		return s.repo.List(ctx, status, limit, offset)
	}
	return s.repo.ListByUser(ctx, sub.UserID, status, limit, offset)
}

// Update carries the mutable fields; nil leaves a field unchanged. Status
// transitions are reserved to superadmins, who triage and resolve entries.
type Update struct {
	Page             *string    `json:"page"`
	Note             *string    `json:"note"`
	ScreenshotBlobID *uuid.UUID `json:"screenshot_blob_id"`
	Status           *Status    `json:"status"`
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, upd Update) (*Feedback, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	f, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionUpdate, accesspolicy.ResourceFeedback(f.UserID)); err != nil {
		return nil, err
	}

	if upd.Page != nil {
		f.Page = strings.TrimSpace(*upd.Page)
	}
	if upd.Note != nil {
		if strings.TrimSpace(*upd.Note) == "" {
			return nil, fmt.Errorf("note is required")
		}
		f.Note = strings.TrimSpace(*upd.Note)
	}
	if upd.ScreenshotBlobID != nil {
		f.ScreenshotBlobID = upd.ScreenshotBlobID
	}
	if upd.Status != nil {
		if !validStatuses[*upd.Status] {
			return nil, fmt.Errorf("unknown status %q", *upd.Status)
		}
		if sub.Role != accesspolicy.RoleSuperadmin {
			return nil, accesspolicy.ErrNotPermitted
		}
		f.Status = *upd.Status
	}

	if err := s.repo.Update(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return err
	}
	f, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionDelete, accesspolicy.ResourceFeedback(f.UserID)); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}
