// Package tenancy owns hospitals and user profiles: the tenant boundary of
// the application. It covers hospital creation with invite codes, the
// join-by-code flow, and the per-request profile resolution that repairs
// partially onboarded identities instead of failing them.
package tenancy

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
)

var (
	ErrHospitalNotFound  = errors.New("hospital not found")
	ErrProfileNotFound   = errors.New("profile not found")
	ErrInvalidInviteCode = errors.New("invalid or inactive invite code")
	ErrAlreadyInHospital = errors.New("profile already belongs to a hospital")
	ErrOnboardingFailed  = errors.New("onboarding incomplete, contact an administrator")
)

// Hospital is the tenant. Every patient row hangs off exactly one hospital;
// staff join by entering the hospital's invite code.
type Hospital struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	FacilityType *string    `db:"facility_type" json:"facility_type,omitempty"`
	InviteCode   string     `db:"invite_code" json:"invite_code"`
	Active       bool       `db:"active" json:"active"`
	CreatedBy    *uuid.UUID `db:"created_by" json:"created_by,omitempty"` // nil for CLI-provisioned hospitals
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// UserProfile is the application-side record for an authenticated identity.
// The id is derived deterministically from the identity provider's subject
// (ProfileIDForSubject), so concurrent first requests for the same identity
// collide on the primary key and resolve by re-fetching.
type UserProfile struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	Subject         string            `db:"subject" json:"-"`
	Email           string            `db:"email" json:"email"`
	FullName        string            `db:"full_name" json:"full_name"`
	FirstName       *string           `db:"first_name" json:"first_name,omitempty"`
	MiddleName      *string           `db:"middle_name" json:"middle_name,omitempty"`
	LastName        *string           `db:"last_name" json:"last_name,omitempty"`
	Role            accesspolicy.Role `db:"role" json:"role"`
	HospitalID      *uuid.UUID        `db:"hospital_id" json:"hospital_id,omitempty"`
	Initials        string            `db:"initials" json:"initials"`
	Designation     *string           `db:"designation" json:"designation,omitempty"`
	SignatureBlobID *uuid.UUID        `db:"signature_blob_id" json:"signature_blob_id,omitempty"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
}

// profileNamespace salts the subject-to-id derivation so profile ids never
// collide with UUIDs minted elsewhere from the same subject strings.
var profileNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("caremar/user-profile"))

// ProfileIDForSubject maps an identity-provider subject to its profile id.
// The mapping is a pure function: every request for the same subject lands
// on the same row without a secondary lookup.
func ProfileIDForSubject(subject string) uuid.UUID {
	return uuid.NewSHA1(profileNamespace, []byte(subject))
}

// PolicySubject converts the profile row into the subject the access policy
// engine evaluates.
func (p *UserProfile) PolicySubject() accesspolicy.Subject {
	sub := accesspolicy.Subject{UserID: p.ID, Role: p.Role}
	if p.HospitalID != nil {
		sub.HospitalID = *p.HospitalID
	}
	return sub
}

// splitFullName breaks a display name into first/middle/last parts: first
// word, last word, everything between. A single word is all first name.
func splitFullName(full string) (first, middle, last string) {
	fields := strings.Fields(full)
	switch len(fields) {
	case 0:
		return "", "", ""
	case 1:
		return fields[0], "", ""
	case 2:
		return fields[0], "", fields[1]
	default:
		return fields[0], strings.Join(fields[1:len(fields)-1], " "), fields[len(fields)-1]
	}
}

// joinNameParts rebuilds a display name from its parts, skipping blanks.
func joinNameParts(first, middle, last string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{first, middle, last} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	return strings.Join(parts, " ")
}

// defaultInitials derives initials from a name ("Maria J Lopez" -> "MJL").
// Used only when a profile is created without explicit initials.
func defaultInitials(fullName string) string {
	var b strings.Builder
	for _, f := range strings.Fields(fullName) {
		r := []rune(f)
		if len(r) > 0 {
			b.WriteRune(r[0])
		}
	}
	return strings.ToUpper(b.String())
}
