package accesspolicy

import "github.com/google/uuid"

// Scope narrows list queries to the rows a subject may see. Repositories
// translate it into WHERE clauses; deriving it here keeps the visibility
// rules in one place.
type Scope struct {
	// All disables filtering entirely (superadmin).
	All bool
	// HospitalID restricts rows to one hospital.
	HospitalID uuid.UUID
	// NurseID, when set, additionally restricts patient-chained rows to
	// patients with an active assignment for this nurse.
	NurseID uuid.UUID
}

// ScopeFor derives the list scope for a subject.
func ScopeFor(sub Subject) Scope {
	switch sub.Role {
	case RoleSuperadmin:
		return Scope{All: true}
	case RoleHeadNurse:
		return Scope{HospitalID: sub.HospitalID}
	default:
		return Scope{HospitalID: sub.HospitalID, NurseID: sub.UserID}
	}
}
