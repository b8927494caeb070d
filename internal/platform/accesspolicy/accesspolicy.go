// Package accesspolicy centralizes row-level authorization. Every entity
// access reduces to one predicate over (subject, action, resource chain), so
// child tables cannot drift out of sync with the tenant and assignment rules
// that govern their parents.
package accesspolicy

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Role is the application role carried by a user profile.
type Role string

const (
	RoleSuperadmin Role = "superadmin"
	RoleHeadNurse  Role = "head_nurse"
	RoleNurse      Role = "nurse"
)

// ValidRoles enumerates the roles a profile may carry.
var ValidRoles = map[Role]bool{
	RoleSuperadmin: true,
	RoleHeadNurse:  true,
	RoleNurse:      true,
}

// Subject is the resolved identity a request acts as. It comes from the
// user profile row, never from token claims, so role and hospital changes
// take effect on the next request.
type Subject struct {
	UserID     uuid.UUID
	HospitalID uuid.UUID // zero until the profile joins a hospital
	Role       Role
}

// Action is the operation being attempted on a resource.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ResourceKind identifies which rule family applies to a resource. MAR
// descendants (medications, administrations, vital signs, PRN entries) all
// reduce to KindMarForm: their visibility is the parent form's visibility.
type ResourceKind string

const (
	KindHospital     ResourceKind = "hospital"
	KindUserProfile  ResourceKind = "user_profile"
	KindPatient      ResourceKind = "patient"
	KindAssignment   ResourceKind = "assignment"
	KindMarForm      ResourceKind = "mar_form"
	KindCustomLegend ResourceKind = "custom_legend"
	KindFeedback     ResourceKind = "feedback"
)

// Resource describes the target of an access check, reduced to its scoping
// chain: the hospital that owns it, the patient it descends from (if any),
// and the user that owns it (for per-user rows).
type Resource struct {
	Kind       ResourceKind
	HospitalID uuid.UUID
	PatientID  uuid.UUID
	OwnerID    uuid.UUID
}

// ResourceHospital describes a hospital row.
func ResourceHospital(hospitalID uuid.UUID) Resource {
	return Resource{Kind: KindHospital, HospitalID: hospitalID}
}

// ResourceProfile describes a user profile row.
func ResourceProfile(ownerID, hospitalID uuid.UUID) Resource {
	return Resource{Kind: KindUserProfile, OwnerID: ownerID, HospitalID: hospitalID}
}

// ResourcePatient describes a patient row.
func ResourcePatient(hospitalID, patientID uuid.UUID) Resource {
	return Resource{Kind: KindPatient, HospitalID: hospitalID, PatientID: patientID}
}

// ResourceAssignment describes a nurse-patient assignment row.
func ResourceAssignment(nurseID, hospitalID, patientID uuid.UUID) Resource {
	return Resource{Kind: KindAssignment, OwnerID: nurseID, HospitalID: hospitalID, PatientID: patientID}
}

// ResourceMarForm describes a MAR form or any row hanging off one.
func ResourceMarForm(hospitalID, patientID uuid.UUID) Resource {
	return Resource{Kind: KindMarForm, HospitalID: hospitalID, PatientID: patientID}
}

// ResourceLegend describes a per-user custom legend row.
func ResourceLegend(ownerID uuid.UUID) Resource {
	return Resource{Kind: KindCustomLegend, OwnerID: ownerID}
}

// ResourceFeedback describes a feedback entry.
func ResourceFeedback(ownerID uuid.UUID) Resource {
	return Resource{Kind: KindFeedback, OwnerID: ownerID}
}

// ErrNotPermitted is returned for every denial. Handlers translate it to the
// same response as a missing resource so out-of-scope rows are
// indistinguishable from rows that do not exist.
var ErrNotPermitted = errors.New("not permitted")

// AssignmentChecker reports whether a nurse holds an active assignment to a
// patient. The engine stays storage-independent behind it.
type AssignmentChecker interface {
	IsAssigned(ctx context.Context, nurseID, patientID uuid.UUID) (bool, error)
}

// Engine evaluates the access predicate.
type Engine struct {
	assignments AssignmentChecker
}

// NewEngine creates an Engine backed by the given assignment lookup.
func NewEngine(assignments AssignmentChecker) *Engine {
	return &Engine{assignments: assignments}
}

// Can returns nil when sub may perform action on res, ErrNotPermitted when
// it may not, and a wrapped storage error when the assignment lookup fails.
func (e *Engine) Can(ctx context.Context, sub Subject, action Action, res Resource) error {
	if sub.Role == RoleSuperadmin {
		return nil
	}

	switch res.Kind {
	case KindHospital:
		return e.canHospital(sub, action, res)
	case KindUserProfile:
		return e.canProfile(sub, action, res)
	case KindAssignment:
		return e.canAssignment(sub, action, res)
	case KindPatient, KindMarForm:
		return e.canPatientChain(ctx, sub, action, res)
	case KindCustomLegend:
		if res.OwnerID == sub.UserID {
			return nil
		}
		return ErrNotPermitted
	case KindFeedback:
		if action == ActionCreate || res.OwnerID == sub.UserID {
			return nil
		}
		return ErrNotPermitted
	}
	return ErrNotPermitted
}

func (e *Engine) canHospital(sub Subject, action Action, res Resource) error {
	switch action {
	case ActionCreate:
		// Onboarding: only an unattached profile may found a hospital.
		if sub.HospitalID == uuid.Nil {
			return nil
		}
	case ActionRead:
		if sub.HospitalID != uuid.Nil && sub.HospitalID == res.HospitalID {
			return nil
		}
	case ActionUpdate:
		if sub.Role == RoleHeadNurse && sub.HospitalID == res.HospitalID {
			return nil
		}
	}
	return ErrNotPermitted
}

func (e *Engine) canProfile(sub Subject, action Action, res Resource) error {
	own := res.OwnerID == sub.UserID
	sameHospital := sub.HospitalID != uuid.Nil && sub.HospitalID == res.HospitalID

	switch action {
	case ActionRead:
		if own || sameHospital {
			return nil
		}
	case ActionCreate:
		if own {
			return nil
		}
	case ActionUpdate:
		if own || (sub.Role == RoleHeadNurse && sameHospital) {
			return nil
		}
	}
	return ErrNotPermitted
}

func (e *Engine) canAssignment(sub Subject, action Action, res Resource) error {
	sameHospital := sub.HospitalID != uuid.Nil && sub.HospitalID == res.HospitalID
	if !sameHospital {
		return ErrNotPermitted
	}
	if sub.Role == RoleHeadNurse {
		return nil
	}
	// Nurses may only read their own assignment rows.
	if action == ActionRead && res.OwnerID == sub.UserID {
		return nil
	}
	return ErrNotPermitted
}

func (e *Engine) canPatientChain(ctx context.Context, sub Subject, action Action, res Resource) error {
	if sub.HospitalID == uuid.Nil || sub.HospitalID != res.HospitalID {
		return ErrNotPermitted
	}
	if sub.Role == RoleHeadNurse {
		return nil
	}
	if sub.Role != RoleNurse {
		return ErrNotPermitted
	}

	// Nurses may register new patients; the service self-assigns them.
	if res.Kind == KindPatient && action == ActionCreate {
		return nil
	}
	// Patient rows themselves are not deletable by nurses.
	if res.Kind == KindPatient && action == ActionDelete {
		return ErrNotPermitted
	}

	if res.PatientID == uuid.Nil {
		return ErrNotPermitted
	}
	assigned, err := e.assignments.IsAssigned(ctx, sub.UserID, res.PatientID)
	if err != nil {
		return fmt.Errorf("check assignment: %w", err)
	}
	if !assigned {
		return ErrNotPermitted
	}
	return nil
}
