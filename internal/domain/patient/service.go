package patient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
	"github.com/caremar/caremar/internal/platform/db"
)

// Service owns patient records and nurse-patient assignments.
type Service struct {
	patients    PatientRepository
	assignments AssignmentRepository
	profiles    ProfileDirectory
	engine      *accesspolicy.Engine
}

func NewService(patients PatientRepository, assignments AssignmentRepository, profiles ProfileDirectory, engine *accesspolicy.Engine) *Service {
	return &Service{patients: patients, assignments: assignments, profiles: profiles, engine: engine}
}

// CreatePatient admits a patient into the caller's hospital. A superadmin
// must name the hospital explicitly. A nurse who registers a patient is
// assigned to them, since nurses only see assigned patients.
func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(p.PatientName) == "" {
		return fmt.Errorf("patient name is required")
	}
	if strings.TrimSpace(p.RecordNumber) == "" {
		return fmt.Errorf("record number is required")
	}

	hospitalID := sub.HospitalID
	if sub.Role == accesspolicy.RoleSuperadmin {
		if p.HospitalID == uuid.Nil {
			return fmt.Errorf("hospital id is required")
		}
		hospitalID = p.HospitalID
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionCreate, accesspolicy.ResourcePatient(hospitalID, uuid.Nil)); err != nil {
		return err
	}

	p.HospitalID = hospitalID
	p.CreatedBy = sub.UserID
	p.PatientName = strings.TrimSpace(p.PatientName)
	p.RecordNumber = strings.TrimSpace(p.RecordNumber)
	if err := s.patients.Create(ctx, p); err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("record number %q is already in use", p.RecordNumber)
		}
		return err
	}

	if sub.Role == accesspolicy.RoleNurse {
		if _, err := s.ensureAssignment(ctx, sub.UserID, p.ID, sub.UserID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionRead, accesspolicy.ResourcePatient(p.HospitalID, p.ID)); err != nil {
		return nil, err
	}
	return p, nil
}

// ListPatients returns the caller's visible patients: all of them for a
// superadmin, the hospital roster for a head nurse, assigned patients for a
// nurse.
func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, 0, err
	}
	switch {
	case sub.Role == accesspolicy.RoleSuperadmin:
		return s.patients.List(ctx, limit, offset)
	case sub.HospitalID == uuid.Nil:
		return nil, 0, nil
	case sub.Role == accesspolicy.RoleHeadNurse:
		return s.patients.ListByHospital(ctx, sub.HospitalID, limit, offset)
	default:
		return s.patients.ListAssignedTo(ctx, sub.UserID, limit, offset)
	}
}

// PatientUpdate carries the mutable patient fields; nil leaves a field
// unchanged.
type PatientUpdate struct {
	PatientName    *string    `json:"patient_name"`
	RecordNumber   *string    `json:"record_number"`
	DateOfBirth    *time.Time `json:"date_of_birth"`
	Sex            *string    `json:"sex"`
	Diagnosis      *string    `json:"diagnosis"`
	Diet           *string    `json:"diet"`
	Allergies      *string    `json:"allergies"`
	PhysicianName  *string    `json:"physician_name"`
	PhysicianPhone *string    `json:"physician_phone"`
	FacilityName   *string    `json:"facility_name"`
}

func (s *Service) UpdatePatient(ctx context.Context, id uuid.UUID, upd PatientUpdate) (*Patient, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionUpdate, accesspolicy.ResourcePatient(p.HospitalID, p.ID)); err != nil {
		return nil, err
	}

	if upd.PatientName != nil {
		if strings.TrimSpace(*upd.PatientName) == "" {
			return nil, fmt.Errorf("patient name is required")
		}
		p.PatientName = strings.TrimSpace(*upd.PatientName)
	}
	if upd.RecordNumber != nil {
		if strings.TrimSpace(*upd.RecordNumber) == "" {
			return nil, fmt.Errorf("record number is required")
		}
		p.RecordNumber = strings.TrimSpace(*upd.RecordNumber)
	}
	if upd.DateOfBirth != nil {
		p.DateOfBirth = upd.DateOfBirth
	}
	if upd.Sex != nil {
		p.Sex = *upd.Sex
	}
	if upd.Diagnosis != nil {
		p.Diagnosis = *upd.Diagnosis
	}
	if upd.Diet != nil {
		p.Diet = *upd.Diet
	}
	if upd.Allergies != nil {
		p.Allergies = *upd.Allergies
	}
	if upd.PhysicianName != nil {
		p.PhysicianName = *upd.PhysicianName
	}
	if upd.PhysicianPhone != nil {
		p.PhysicianPhone = *upd.PhysicianPhone
	}
	if upd.FacilityName != nil {
		p.FacilityName = *upd.FacilityName
	}

	if err := s.patients.Update(ctx, p); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("record number %q is already in use", p.RecordNumber)
		}
		return nil, err
	}
	return p, nil
}

// DeletePatient removes a patient and, through the schema's cascade, every
// MAR form hanging off them. Nurses cannot delete.
func (s *Service) DeletePatient(ctx context.Context, id uuid.UUID) error {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return err
	}
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionDelete, accesspolicy.ResourcePatient(p.HospitalID, p.ID)); err != nil {
		return err
	}
	return s.patients.Delete(ctx, id)
}

// AssignNurse grants a nurse visibility of a patient. The pair is unique:
// assigning an already-known pair reactivates the existing row, so a
// concurrent double-assign converges on one row either way.
func (s *Service) AssignNurse(ctx context.Context, patientID, nurseID uuid.UUID) (*NursePatientAssignment, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	if nurseID == uuid.Nil {
		return nil, fmt.Errorf("nurse id is required")
	}
	p, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionCreate, accesspolicy.ResourceAssignment(nurseID, p.HospitalID, patientID)); err != nil {
		return nil, err
	}
	nurseHospital, err := s.profiles.HospitalOf(ctx, nurseID)
	if err != nil {
		return nil, err
	}
	if nurseHospital != p.HospitalID {
		return nil, fmt.Errorf("nurse is not a member of this hospital")
	}
	return s.ensureAssignment(ctx, nurseID, patientID, sub.UserID)
}

func (s *Service) ensureAssignment(ctx context.Context, nurseID, patientID, assignedBy uuid.UUID) (*NursePatientAssignment, error) {
	a := &NursePatientAssignment{
		NurseID:    nurseID,
		PatientID:  patientID,
		AssignedBy: assignedBy,
		IsActive:   true,
	}
	err := s.assignments.Create(ctx, a)
	if err == nil {
		return a, nil
	}
	if !db.IsUniqueViolation(err) {
		return nil, err
	}
	existing, err := s.assignments.GetByPair(ctx, nurseID, patientID)
	if err != nil {
		return nil, err
	}
	if !existing.IsActive {
		existing.IsActive = true
		existing.AssignedBy = assignedBy
		if err := s.assignments.Update(ctx, existing); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

// ListAssignments returns a patient's assignment rows. Nurses see only their
// own row.
func (s *Service) ListAssignments(ctx context.Context, patientID uuid.UUID) ([]*NursePatientAssignment, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionRead, accesspolicy.ResourcePatient(p.HospitalID, p.ID)); err != nil {
		return nil, err
	}
	rows, err := s.assignments.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if sub.Role == accesspolicy.RoleNurse {
		var own []*NursePatientAssignment
		for _, a := range rows {
			if a.NurseID == sub.UserID {
				own = append(own, a)
			}
		}
		return own, nil
	}
	return rows, nil
}

// Unassign revokes an assignment by deactivating it. The row stays so the
// pair's history survives and a later re-assign reactivates it.
func (s *Service) Unassign(ctx context.Context, assignmentID uuid.UUID) error {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return err
	}
	a, err := s.assignments.GetByID(ctx, assignmentID)
	if err != nil {
		return err
	}
	p, err := s.patients.GetByID(ctx, a.PatientID)
	if err != nil {
		return err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionDelete, accesspolicy.ResourceAssignment(a.NurseID, p.HospitalID, a.PatientID)); err != nil {
		return err
	}
	if !a.IsActive {
		return nil
	}
	a.IsActive = false
	return s.assignments.Update(ctx, a)
}
