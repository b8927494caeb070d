package mar

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
	"github.com/caremar/caremar/internal/platform/db"
)

// Event types published to a form's topic. Webhook subscribers receive the
// subset they registered for.
const (
	EventFormSubmitted          = "mar_form.submitted"
	EventFormDuplicated         = "mar_form.duplicated"
	EventAdministrationRecorded = "administration.recorded"
	EventAdministrationCleared  = "administration.cleared"
	EventVitalRecorded          = "vital.recorded"
	EventVitalCleared           = "vital.cleared"
	EventPrnRecorded            = "prn.recorded"
	EventPrnDeleted             = "prn.deleted"
)

// FormTopic names the live-update topic for one form.
func FormTopic(formID uuid.UUID) string {
	return "mar-form/" + formID.String()
}

type Service struct {
	forms           FormRepository
	medications     MedicationRepository
	administrations AdministrationRepository
	vitals          VitalSignRepository
	prn             PrnRepository
	legends         LegendRepository
	patients        PatientDirectory
	engine          *accesspolicy.Engine
	tx              TxRunner
	events          EventSink
	audit           Auditor
}

func NewService(repos Repos, patients PatientDirectory, engine *accesspolicy.Engine, tx TxRunner, events EventSink, audit Auditor) *Service {
	return &Service{
		forms:           repos.Forms,
		medications:     repos.Medications,
		administrations: repos.Administrations,
		vitals:          repos.Vitals,
		prn:             repos.Prn,
		legends:         repos.Legends,
		patients:        patients,
		engine:          engine,
		tx:              tx,
		events:          events,
		audit:           audit,
	}
}

// formAccess loads a form and checks the caller may perform action on it.
func (s *Service) formAccess(ctx context.Context, formID uuid.UUID, action accesspolicy.Action) (*MarForm, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	f, err := s.forms.GetByID(ctx, formID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Can(ctx, sub, action, accesspolicy.ResourceMarForm(f.HospitalID, f.PatientID)); err != nil {
		return nil, err
	}
	return f, nil
}

// mutableForm is formAccess plus the archived gate every write goes through.
func (s *Service) mutableForm(ctx context.Context, formID uuid.UUID) (*MarForm, error) {
	f, err := s.formAccess(ctx, formID, accesspolicy.ActionUpdate)
	if err != nil {
		return nil, err
	}
	if f.Status == FormStatusArchived {
		return nil, ErrFormArchived
	}
	return f, nil
}

// AuthorizeFormRead reports whether the caller may read the form. The
// websocket hub consults it before accepting a topic subscription.
func (s *Service) AuthorizeFormRead(ctx context.Context, formID uuid.UUID) error {
	_, err := s.formAccess(ctx, formID, accesspolicy.ActionRead)
	return err
}

// GetOrCreateForm returns the patient's form for the month, creating it with
// a one-time snapshot of the patient's demographics when it does not exist.
// The returned flag is true when this call created the form. A concurrent
// create resolves through the (patient_id, month_year) unique index: the
// loser re-fetches the winner.
func (s *Service) GetOrCreateForm(ctx context.Context, patientID uuid.UUID, monthYear string) (*MarForm, bool, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, false, err
	}
	monthYear, err = NormalizeMonthYear(monthYear)
	if err != nil {
		return nil, false, err
	}
	demo, err := s.patients.Demographics(ctx, patientID)
	if err != nil {
		return nil, false, err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionCreate, accesspolicy.ResourceMarForm(demo.HospitalID, patientID)); err != nil {
		return nil, false, err
	}

	if f, err := s.forms.GetByPatientMonth(ctx, patientID, monthYear); err == nil {
		return f, false, nil
	} else if !errors.Is(err, ErrFormNotFound) {
		return nil, false, err
	}

	f := snapshotForm(demo, monthYear)
	if err := s.forms.Create(ctx, f); err != nil {
		if db.IsUniqueViolation(err) {
			winner, err := s.forms.GetByPatientMonth(ctx, patientID, monthYear)
			return winner, false, err
		}
		return nil, false, err
	}
	s.audit.RecordChange(ctx, "create", "mar_form", f.ID, patientID)
	return f, true, nil
}

// snapshotForm builds a draft form carrying the patient's demographics as
// they are right now. Later patient edits never touch the snapshot.
func snapshotForm(demo *PatientDemographics, monthYear string) *MarForm {
	return &MarForm{
		ID:             uuid.New(),
		PatientID:      demo.ID,
		HospitalID:     demo.HospitalID,
		MonthYear:      monthYear,
		Status:         FormStatusDraft,
		PatientName:    demo.PatientName,
		DateOfBirth:    demo.DateOfBirth,
		Sex:            demo.Sex,
		Diagnosis:      demo.Diagnosis,
		Diet:           demo.Diet,
		Allergies:      demo.Allergies,
		PhysicianName:  demo.PhysicianName,
		PhysicianPhone: demo.PhysicianPhone,
		FacilityName:   demo.FacilityName,
	}
}

func (s *Service) ListForms(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*MarForm, int, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, 0, err
	}
	demo, err := s.patients.Demographics(ctx, patientID)
	if err != nil {
		return nil, 0, err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionRead, accesspolicy.ResourceMarForm(demo.HospitalID, patientID)); err != nil {
		return nil, 0, err
	}
	return s.forms.ListByPatient(ctx, patientID, limit, offset)
}

// FormAggregate is one form with everything on it, the shape the MAR sheet
// renders from.
type FormAggregate struct {
	Form            *MarForm             `json:"form"`
	Medications     []*MarMedication     `json:"medications"`
	Grouped         []LogicalMedication  `json:"grouped_medications"`
	Administrations []*MarAdministration `json:"administrations"`
	VitalSigns      []*MarVitalSign      `json:"vital_signs"`
	PrnRecords      []*MarPrnRecord      `json:"prn_records"`
}

func (s *Service) GetForm(ctx context.Context, formID uuid.UUID) (*FormAggregate, error) {
	f, err := s.formAccess(ctx, formID, accesspolicy.ActionRead)
	if err != nil {
		return nil, err
	}
	meds, err := s.medications.ListByForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	cells, err := s.administrations.ListByForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	vitals, err := s.vitals.ListByForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	records, err := s.prn.ListByForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	return &FormAggregate{
		Form:            f,
		Medications:     meds,
		Grouped:         Group(meds),
		Administrations: cells,
		VitalSigns:      vitals,
		PrnRecords:      records,
	}, nil
}

// FormHeaderUpdate carries the independently updatable header fields; nil
// leaves a field unchanged. Fields are last-write-wins so debounced editors
// can flush one field at a time.
type FormHeaderUpdate struct {
	Diagnosis         *string `json:"diagnosis"`
	Diet              *string `json:"diet"`
	Allergies         *string `json:"allergies"`
	PhysicianName     *string `json:"physician_name"`
	PhysicianPhone    *string `json:"physician_phone"`
	Comments          *string `json:"comments"`
	VitalInstructions *string `json:"vital_instructions"`
}

func (s *Service) UpdateFormHeader(ctx context.Context, formID uuid.UUID, upd FormHeaderUpdate) (*MarForm, error) {
	f, err := s.mutableForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	if upd.Diagnosis != nil {
		f.Diagnosis = *upd.Diagnosis
	}
	if upd.Diet != nil {
		f.Diet = *upd.Diet
	}
	if upd.Allergies != nil {
		f.Allergies = *upd.Allergies
	}
	if upd.PhysicianName != nil {
		f.PhysicianName = *upd.PhysicianName
	}
	if upd.PhysicianPhone != nil {
		f.PhysicianPhone = *upd.PhysicianPhone
	}
	if upd.Comments != nil {
		f.Comments = *upd.Comments
	}
	if upd.VitalInstructions != nil {
		f.VitalInstructions = *upd.VitalInstructions
	}
	if err := s.forms.Update(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// SubmitForm moves a draft to submitted. Submitting an already submitted
// form is a no-op.
func (s *Service) SubmitForm(ctx context.Context, formID uuid.UUID) (*MarForm, error) {
	f, err := s.mutableForm(ctx, formID)
	if err != nil {
		return nil, err
	}
	if f.Status == FormStatusSubmitted {
		return f, nil
	}
	f.Status = FormStatusSubmitted
	if err := s.forms.Update(ctx, f); err != nil {
		return nil, err
	}
	s.events.Publish(ctx, FormTopic(f.ID), EventFormSubmitted, f)
	s.audit.RecordChange(ctx, "submit", "mar_form", f.ID, f.PatientID)
	return f, nil
}

// ArchiveForm makes the form terminal; every later mutation of the form or
// its rows is rejected. Archiving twice is a no-op.
func (s *Service) ArchiveForm(ctx context.Context, formID uuid.UUID) (*MarForm, error) {
	f, err := s.formAccess(ctx, formID, accesspolicy.ActionUpdate)
	if err != nil {
		return nil, err
	}
	if f.Status == FormStatusArchived {
		return f, nil
	}
	f.Status = FormStatusArchived
	if err := s.forms.Update(ctx, f); err != nil {
		return nil, err
	}
	s.audit.RecordChange(ctx, "archive", "mar_form", f.ID, f.PatientID)
	return f, nil
}

// DuplicateForm copies the source form's medications into the target month.
// With no edited entries the source rows are grouped and re-expanded as they
// are; an edited entry list replaces the grouping (entries removed from it
// drop their whole hour group, edited frequencies resize the hour list). All
// rows land in one transaction: any failure rolls the whole batch back and
// no partially populated form is left behind.
func (s *Service) DuplicateForm(ctx context.Context, sourceFormID uuid.UUID, targetMonth string, entries []LogicalMedication) (*MarForm, error) {
	src, err := s.formAccess(ctx, sourceFormID, accesspolicy.ActionRead)
	if err != nil {
		return nil, err
	}
	targetMonth, err = NormalizeMonthYear(targetMonth)
	if err != nil {
		return nil, err
	}
	if targetMonth == src.MonthYear {
		return nil, fmt.Errorf("target month matches the source form")
	}
	demo, err := s.patients.Demographics(ctx, src.PatientID)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		srcMeds, err := s.medications.ListByForm(ctx, sourceFormID)
		if err != nil {
			return nil, err
		}
		entries = Group(srcMeds)
	} else {
		for i := range entries {
			e := entries[i].ReconcileHours()
			if err := normalizeHours(e.Hours); err != nil {
				return nil, err
			}
			entries[i] = e
		}
	}

	var target *MarForm
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		target, err = s.forms.GetByPatientMonth(ctx, src.PatientID, targetMonth)
		if errors.Is(err, ErrFormNotFound) {
			target = snapshotForm(demo, targetMonth)
			if err = s.forms.Create(ctx, target); err != nil {
				if db.IsUniqueViolation(err) {
					target, err = s.forms.GetByPatientMonth(ctx, src.PatientID, targetMonth)
				}
			}
		}
		if err != nil {
			return err
		}
		if target.Status == FormStatusArchived {
			return ErrFormArchived
		}

		base, err := s.medications.MaxDisplayOrder(ctx, target.ID)
		if err != nil {
			return err
		}
		for _, m := range Expand(entries) {
			m.MarFormID = target.ID
			m.DisplayOrder += base
			if err := s.medications.Create(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("duplicate form: %w", err)
	}

	s.events.Publish(ctx, FormTopic(target.ID), EventFormDuplicated, target)
	s.audit.RecordChange(ctx, "duplicate", "mar_form", target.ID, src.PatientID)
	return target, nil
}
