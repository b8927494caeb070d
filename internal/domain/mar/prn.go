package mar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
	"github.com/caremar/caremar/internal/platform/db"
)

// PrnInput is one as-needed administration to log.
type PrnInput struct {
	Date            time.Time  `json:"date"`
	Hour            string     `json:"hour"`
	Initials        string     `json:"initials"`
	Medication      string     `json:"medication"`
	Reason          string     `json:"reason"`
	Result          string     `json:"result"`
	SignatureBlobID *uuid.UUID `json:"signature_blob_id"`
}

// AddPrnRecord appends to the form's PRN log with the next sequential entry
// number. Entry numbers are display-only: a rare concurrent append may
// produce a duplicate number, which the log tolerates.
func (s *Service) AddPrnRecord(ctx context.Context, formID uuid.UUID, in PrnInput) (*MarPrnRecord, error) {
	f, err := s.mutableForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	in.Medication = strings.TrimSpace(in.Medication)
	if in.Medication == "" {
		return nil, fmt.Errorf("medication is required")
	}
	if in.Date.IsZero() {
		return nil, fmt.Errorf("date is required")
	}
	hours := []string{in.Hour}
	if err := normalizeHours(hours); err != nil {
		return nil, err
	}

	entryNumber, err := s.prn.NextEntryNumber(ctx, formID)
	if err != nil {
		return nil, err
	}
	p := &MarPrnRecord{
		ID:              uuid.New(),
		MarFormID:       formID,
		Date:            in.Date,
		Hour:            hours[0],
		Initials:        strings.ToUpper(strings.TrimSpace(in.Initials)),
		Medication:      in.Medication,
		Reason:          strings.TrimSpace(in.Reason),
		Result:          strings.TrimSpace(in.Result),
		SignatureBlobID: in.SignatureBlobID,
		EntryNumber:     entryNumber,
	}
	if err := s.prn.Create(ctx, p); err != nil {
		return nil, err
	}

	s.events.Publish(ctx, FormTopic(formID), EventPrnRecorded, p)
	s.audit.RecordChange(ctx, "create", "mar_prn_record", p.ID, f.PatientID)
	return p, nil
}

func (s *Service) ListPrn(ctx context.Context, formID uuid.UUID) ([]*MarPrnRecord, error) {
	if _, err := s.formAccess(ctx, formID, accesspolicy.ActionRead); err != nil {
		return nil, err
	}
	return s.prn.ListByForm(ctx, formID)
}

// PrnUpdate carries the fields a logged entry may change after the fact;
// nil leaves a field unchanged.
type PrnUpdate struct {
	Hour            *string    `json:"hour"`
	Initials        *string    `json:"initials"`
	Result          *string    `json:"result"`
	SignatureBlobID *uuid.UUID `json:"signature_blob_id"`
}

func (s *Service) UpdatePrnRecord(ctx context.Context, id uuid.UUID, upd PrnUpdate) (*MarPrnRecord, error) {
	p, err := s.prn.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := s.mutableForm(ctx, p.MarFormID)
	if err != nil {
		return nil, err
	}

	if upd.Hour != nil {
		hours := []string{*upd.Hour}
		if err := normalizeHours(hours); err != nil {
			return nil, err
		}
		p.Hour = hours[0]
	}
	if upd.Initials != nil {
		p.Initials = strings.ToUpper(strings.TrimSpace(*upd.Initials))
	}
	if upd.Result != nil {
		p.Result = strings.TrimSpace(*upd.Result)
	}
	if upd.SignatureBlobID != nil {
		p.SignatureBlobID = upd.SignatureBlobID
	}

	if err := s.prn.Update(ctx, p); err != nil {
		return nil, err
	}
	s.events.Publish(ctx, FormTopic(p.MarFormID), EventPrnRecorded, p)
	s.audit.RecordChange(ctx, "update", "mar_prn_record", p.ID, f.PatientID)
	return p, nil
}

func (s *Service) DeletePrnRecord(ctx context.Context, id uuid.UUID) error {
	p, err := s.prn.GetByID(ctx, id)
	if err != nil {
		return err
	}
	f, err := s.mutableForm(ctx, p.MarFormID)
	if err != nil {
		return err
	}
	if err := s.prn.Delete(ctx, id); err != nil {
		return err
	}
	s.events.Publish(ctx, FormTopic(p.MarFormID), EventPrnDeleted, p)
	s.audit.RecordChange(ctx, "delete", "mar_prn_record", id, f.PatientID)
	return nil
}

// -- Custom legend --

func (s *Service) CreateLegend(ctx context.Context, code, description string) (*MarCustomLegend, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	description = strings.TrimSpace(description)
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}
	if description == "" {
		return nil, fmt.Errorf("description is required")
	}

	l := &MarCustomLegend{
		ID:          uuid.New(),
		UserID:      sub.UserID,
		Code:        code,
		Description: description,
	}
	if err := s.legends.Create(ctx, l); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("legend code %q already exists", code)
		}
		return nil, err
	}
	return l, nil
}

// ListLegend returns the caller's own legend entries.
func (s *Service) ListLegend(ctx context.Context, limit, offset int) ([]*MarCustomLegend, int, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, 0, err
	}
	return s.legends.ListByUser(ctx, sub.UserID, limit, offset)
}

// LegendUpdate carries the mutable legend fields; nil leaves a field
// unchanged.
type LegendUpdate struct {
	Code        *string `json:"code"`
	Description *string `json:"description"`
}

func (s *Service) UpdateLegend(ctx context.Context, id uuid.UUID, upd LegendUpdate) (*MarCustomLegend, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	l, err := s.legends.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionUpdate, accesspolicy.ResourceLegend(l.UserID)); err != nil {
		return nil, err
	}

	if upd.Code != nil {
		if strings.TrimSpace(*upd.Code) == "" {
			return nil, fmt.Errorf("code is required")
		}
		l.Code = strings.TrimSpace(*upd.Code)
	}
	if upd.Description != nil {
		if strings.TrimSpace(*upd.Description) == "" {
			return nil, fmt.Errorf("description is required")
		}
		l.Description = strings.TrimSpace(*upd.Description)
	}

	if err := s.legends.Update(ctx, l); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("legend code %q already exists", l.Code)
		}
		return nil, err
	}
	return l, nil
}

func (s *Service) DeleteLegend(ctx context.Context, id uuid.UUID) error {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return err
	}
	l, err := s.legends.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionDelete, accesspolicy.ResourceLegend(l.UserID)); err != nil {
		return err
	}
	return s.legends.Delete(ctx, id)
}
