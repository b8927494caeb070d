package mar

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/caremar/caremar/internal/platform/db"
)

// AdministrationInput is one grid cell write: either a given dose with the
// nurse's initials or an omission with its reason.
type AdministrationInput struct {
	MedicationID      uuid.UUID `json:"medication_id"`
	DayOfMonth        int       `json:"day_of_month"`
	Initials          string    `json:"initials"`
	Given             bool      `json:"given"`
	ReasonForOmission string    `json:"reason_for_omission"`
}

// RecordAdministration upserts the (medication, day) cell. A concurrent or
// repeated write for the same cell lands on the unique index and updates the
// existing row in place, keeping one row per cell.
func (s *Service) RecordAdministration(ctx context.Context, formID uuid.UUID, in AdministrationInput) (*MarAdministration, error) {
	f, err := s.mutableForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	if err := validDay(in.DayOfMonth); err != nil {
		return nil, err
	}
	med, err := s.medications.GetByID(ctx, in.MedicationID)
	if err != nil {
		return nil, err
	}
	if med.MarFormID != formID {
		return nil, fmt.Errorf("medication does not belong to this form")
	}

	in.Initials = strings.ToUpper(strings.TrimSpace(in.Initials))
	in.ReasonForOmission = strings.TrimSpace(in.ReasonForOmission)
	if in.Given && in.Initials == "" {
		return nil, fmt.Errorf("initials are required when a dose is given")
	}
	if !in.Given && in.ReasonForOmission == "" {
		return nil, fmt.Errorf("a reason is required when a dose is omitted")
	}

	a := &MarAdministration{
		ID:                uuid.New(),
		MedicationID:      in.MedicationID,
		MarFormID:         formID,
		DayOfMonth:        in.DayOfMonth,
		Initials:          in.Initials,
		Given:             in.Given,
		ReasonForOmission: in.ReasonForOmission,
	}
	if err := s.administrations.Create(ctx, a); err != nil {
		if !db.IsUniqueViolation(err) {
			return nil, err
		}
		existing, err := s.administrations.GetByCell(ctx, in.MedicationID, in.DayOfMonth)
		if err != nil {
			return nil, err
		}
		existing.Initials = in.Initials
		existing.Given = in.Given
		existing.ReasonForOmission = in.ReasonForOmission
		if err := s.administrations.Update(ctx, existing); err != nil {
			return nil, err
		}
		a = existing
	}

	s.events.Publish(ctx, FormTopic(formID), EventAdministrationRecorded, a)
	s.audit.RecordChange(ctx, "record", "mar_administration", a.ID, f.PatientID)
	return a, nil
}

// ClearAdministration deletes a cell outright: a cleared cell is empty, not
// a blanked row.
func (s *Service) ClearAdministration(ctx context.Context, id uuid.UUID) error {
	a, err := s.administrations.GetByID(ctx, id)
	if err != nil {
		return err
	}
	f, err := s.mutableForm(ctx, a.MarFormID)
	if err != nil {
		return err
	}
	if err := s.administrations.Delete(ctx, id); err != nil {
		return err
	}
	s.events.Publish(ctx, FormTopic(a.MarFormID), EventAdministrationCleared, a)
	s.audit.RecordChange(ctx, "clear", "mar_administration", id, f.PatientID)
	return nil
}

// VitalSignInput is one vitals cell write.
type VitalSignInput struct {
	VitalType  VitalType `json:"vital_type"`
	DayOfMonth int       `json:"day_of_month"`
	Value      string    `json:"value"`
}

// UpsertVitalSign upserts the (form, vital type, day) cell with the same
// unique-index discipline as the administration grid.
func (s *Service) UpsertVitalSign(ctx context.Context, formID uuid.UUID, in VitalSignInput) (*MarVitalSign, error) {
	f, err := s.mutableForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	if !ValidVitalType(in.VitalType) {
		return nil, fmt.Errorf("unknown vital type %q", in.VitalType)
	}
	if err := validDay(in.DayOfMonth); err != nil {
		return nil, err
	}
	in.Value = strings.TrimSpace(in.Value)
	if in.Value == "" {
		return nil, fmt.Errorf("value is required")
	}

	v := &MarVitalSign{
		ID:         uuid.New(),
		MarFormID:  formID,
		VitalType:  in.VitalType,
		DayOfMonth: in.DayOfMonth,
		Value:      in.Value,
	}
	if err := s.vitals.Create(ctx, v); err != nil {
		if !db.IsUniqueViolation(err) {
			return nil, err
		}
		existing, err := s.vitals.GetByCell(ctx, formID, in.VitalType, in.DayOfMonth)
		if err != nil {
			return nil, err
		}
		existing.Value = in.Value
		if err := s.vitals.Update(ctx, existing); err != nil {
			return nil, err
		}
		v = existing
	}

	s.events.Publish(ctx, FormTopic(formID), EventVitalRecorded, v)
	s.audit.RecordChange(ctx, "record", "mar_vital_sign", v.ID, f.PatientID)
	return v, nil
}

// DeleteVitalSign clears a vitals cell.
func (s *Service) DeleteVitalSign(ctx context.Context, id uuid.UUID) error {
	v, err := s.vitals.GetByID(ctx, id)
	if err != nil {
		return err
	}
	f, err := s.mutableForm(ctx, v.MarFormID)
	if err != nil {
		return err
	}
	if err := s.vitals.Delete(ctx, id); err != nil {
		return err
	}
	s.events.Publish(ctx, FormTopic(v.MarFormID), EventVitalCleared, v)
	s.audit.RecordChange(ctx, "clear", "mar_vital_sign", id, f.PatientID)
	return nil
}
