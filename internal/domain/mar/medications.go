package mar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
	"github.com/caremar/caremar/pkg/clocktime"
)

// normalizeHours rewrites each non-empty hour to its canonical 12-hour
// display form in place. Empty slots stay empty; anything unparseable is a
// validation error.
func normalizeHours(hours []string) error {
	for i, h := range hours {
		if strings.TrimSpace(h) == "" {
			hours[i] = ""
			continue
		}
		norm, err := clocktime.Normalize(h)
		if err != nil {
			return fmt.Errorf("hour %q: %w", h, err)
		}
		hours[i] = norm
	}
	return nil
}

func (s *Service) ListMedications(ctx context.Context, formID uuid.UUID) ([]*MarMedication, error) {
	if _, err := s.formAccess(ctx, formID, accesspolicy.ActionRead); err != nil {
		return nil, err
	}
	return s.medications.ListByForm(ctx, formID)
}

func (s *Service) GroupedMedications(ctx context.Context, formID uuid.UUID) ([]LogicalMedication, error) {
	meds, err := s.ListMedications(ctx, formID)
	if err != nil {
		return nil, err
	}
	return Group(meds), nil
}

// AddMedication expands one logical entry into physical rows on the form.
// The entry's frequency sizes the hour list (grown with empty slots or
// truncated); an entry with neither hours nor frequency still creates one
// empty-hour row. Rows are appended after the form's current display orders.
func (s *Service) AddMedication(ctx context.Context, formID uuid.UUID, entry LogicalMedication) ([]*MarMedication, error) {
	f, err := s.mutableForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	entry.MedicationName = strings.TrimSpace(entry.MedicationName)
	if entry.MedicationName == "" {
		return nil, fmt.Errorf("medication name is required")
	}
	entry = entry.ReconcileHours()
	if len(entry.Hours) == 0 {
		entry.Hours = []string{""}
	}
	if err := normalizeHours(entry.Hours); err != nil {
		return nil, err
	}

	var rows []*MarMedication
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		base, err := s.medications.MaxDisplayOrder(ctx, formID)
		if err != nil {
			return err
		}
		rows = Expand([]LogicalMedication{entry})
		for _, m := range rows {
			m.MarFormID = formID
			m.DisplayOrder += base
			if err := s.medications.Create(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.RecordChange(ctx, "create", "mar_medication", rows[0].ID, f.PatientID)
	return rows, nil
}

// MedicationUpdate carries the mutable fields of one physical row; nil
// leaves a field unchanged. Changing a shared field moves the row out of its
// group on the next read, which is how a row is deliberately split off.
type MedicationUpdate struct {
	MedicationName   *string    `json:"medication_name"`
	Dosage           *string    `json:"dosage"`
	StartDate        *time.Time `json:"start_date"`
	StopDate         *time.Time `json:"stop_date"`
	Hour             *string    `json:"hour"`
	Route            *string    `json:"route"`
	Notes            *string    `json:"notes"`
	Parameter        *string    `json:"parameter"`
	Frequency        *int       `json:"frequency"`
	FrequencyDisplay *string    `json:"frequency_display"`
	DisplayOrder     *int       `json:"display_order"`
}

func (s *Service) UpdateMedication(ctx context.Context, id uuid.UUID, upd MedicationUpdate) (*MarMedication, error) {
	m, err := s.medications.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := s.mutableForm(ctx, m.MarFormID)
	if err != nil {
		return nil, err
	}

	if upd.MedicationName != nil {
		if strings.TrimSpace(*upd.MedicationName) == "" {
			return nil, fmt.Errorf("medication name is required")
		}
		m.MedicationName = strings.TrimSpace(*upd.MedicationName)
	}
	if upd.Dosage != nil {
		m.Dosage = *upd.Dosage
	}
	if upd.StartDate != nil {
		m.StartDate = upd.StartDate
	}
	if upd.StopDate != nil {
		m.StopDate = upd.StopDate
	}
	if upd.Hour != nil {
		hours := []string{*upd.Hour}
		if err := normalizeHours(hours); err != nil {
			return nil, err
		}
		m.Hour = hours[0]
	}
	if upd.Route != nil {
		m.Route = *upd.Route
	}
	if upd.Notes != nil {
		m.Notes = *upd.Notes
	}
	if upd.Parameter != nil {
		m.Parameter = *upd.Parameter
	}
	if upd.Frequency != nil {
		m.Frequency = *upd.Frequency
	}
	if upd.FrequencyDisplay != nil {
		m.FrequencyDisplay = *upd.FrequencyDisplay
	}
	if upd.DisplayOrder != nil {
		m.DisplayOrder = *upd.DisplayOrder
	}

	if err := s.medications.Update(ctx, m); err != nil {
		return nil, err
	}
	s.audit.RecordChange(ctx, "update", "mar_medication", m.ID, f.PatientID)
	return m, nil
}

// DeleteMedication removes one physical row, or with wholeGroup the entire
// hour group the row belongs to. Administrations on deleted rows go with
// them through the schema cascade.
func (s *Service) DeleteMedication(ctx context.Context, id uuid.UUID, wholeGroup bool) error {
	m, err := s.medications.GetByID(ctx, id)
	if err != nil {
		return err
	}
	f, err := s.mutableForm(ctx, m.MarFormID)
	if err != nil {
		return err
	}

	if !wholeGroup {
		if err := s.medications.Delete(ctx, id); err != nil {
			return err
		}
		s.audit.RecordChange(ctx, "delete", "mar_medication", id, f.PatientID)
		return nil
	}

	all, err := s.medications.ListByForm(ctx, m.MarFormID)
	if err != nil {
		return err
	}
	key := keyOf(m)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		for _, row := range all {
			if keyOf(row) == key {
				if err := s.medications.Delete(ctx, row.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.audit.RecordChange(ctx, "delete", "mar_medication", id, f.PatientID)
	return nil
}
