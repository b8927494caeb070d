package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/caremar/caremar/internal/platform/accesspolicy"
	"github.com/caremar/caremar/internal/platform/db"
	"github.com/caremar/caremar/internal/platform/notification"
)

// maxEnsureAttempts bounds the onboarding auto-repair loop. A creation race
// resolves on the second pass; anything still failing after three is a real
// storage problem.
const maxEnsureAttempts = 3

// Service owns hospitals and user profiles: onboarding, invite codes, role
// grants, and the profile self-service operations.
type Service struct {
	hospitals HospitalRepository
	profiles  ProfileRepository
	engine    *accesspolicy.Engine
	sender    notification.EmailSender
}

func NewService(hospitals HospitalRepository, profiles ProfileRepository, engine *accesspolicy.Engine, sender notification.EmailSender) *Service {
	return &Service{hospitals: hospitals, profiles: profiles, engine: engine, sender: sender}
}

// EnsureProfile returns the profile for an identity-provider subject,
// creating or repairing it as needed. It runs on every authenticated request,
// so each pass is one fetch in the common case. Concurrent first requests for
// the same subject race on the insert; the loser re-fetches the winner's row.
func (s *Service) EnsureProfile(ctx context.Context, subject, email string) (*UserProfile, error) {
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	id := ProfileIDForSubject(subject)

	var lastErr error
	for attempt := 0; attempt < maxEnsureAttempts; attempt++ {
		p, err := s.profiles.GetByID(ctx, id)
		if err == nil {
			p, err = s.repairAttachment(ctx, p)
			if err == nil {
				return p, nil
			}
			lastErr = err
			continue
		}
		if !errors.Is(err, ErrProfileNotFound) {
			lastErr = err
			continue
		}

		name := provisionalName(email)
		p = &UserProfile{
			ID:       id,
			Subject:  subject,
			Email:    email,
			FullName: name,
			Role:     accesspolicy.RoleNurse,
			Initials: defaultInitials(name),
		}
		first, middle, last := splitFullName(name)
		p.FirstName, p.MiddleName, p.LastName = optional(first), optional(middle), optional(last)

		err = s.profiles.Create(ctx, p)
		if err == nil {
			return p, nil
		}
		if db.IsUniqueViolation(err) {
			// Lost the creation race; the next pass fetches the winner.
			continue
		}
		lastErr = err
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrOnboardingFailed, lastErr)
	}
	return nil, ErrOnboardingFailed
}

// repairAttachment re-attaches a detached profile to the most recent hospital
// it created. This heals the window where hospital creation committed but the
// profile update did not.
func (s *Service) repairAttachment(ctx context.Context, p *UserProfile) (*UserProfile, error) {
	if p.HospitalID != nil || p.Role == accesspolicy.RoleSuperadmin {
		return p, nil
	}
	h, err := s.hospitals.MostRecentCreatedBy(ctx, p.ID)
	if errors.Is(err, ErrHospitalNotFound) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	p.HospitalID = &h.ID
	if p.Role == accesspolicy.RoleNurse {
		p.Role = accesspolicy.RoleHeadNurse
	}
	if err := s.profiles.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateHospital founds a hospital for an unattached caller, who becomes its
// head nurse. Superadmins may create hospitals without being attached.
func (s *Service) CreateHospital(ctx context.Context, name, facilityType string) (*Hospital, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("hospital name is required")
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionCreate, accesspolicy.ResourceHospital(uuid.Nil)); err != nil {
		return nil, err
	}

	h, err := s.createWithInviteCode(ctx, name, facilityType, &sub.UserID)
	if err != nil {
		return nil, err
	}

	if sub.Role != accesspolicy.RoleSuperadmin {
		p, err := s.profiles.GetByID(ctx, sub.UserID)
		if err != nil {
			return nil, err
		}
		p.HospitalID = &h.ID
		p.Role = accesspolicy.RoleHeadNurse
		if err := s.profiles.Update(ctx, p); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// ProvisionHospital creates a hospital outside any request, for the CLI. No
// profile is attached; the first staff member joins by invite code.
func (s *Service) ProvisionHospital(ctx context.Context, name, facilityType string) (*Hospital, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("hospital name is required")
	}
	return s.createWithInviteCode(ctx, name, facilityType, nil)
}

func (s *Service) createWithInviteCode(ctx context.Context, name, facilityType string, createdBy *uuid.UUID) (*Hospital, error) {
	var ft *string
	if facilityType != "" {
		ft = &facilityType
	}

	for attempt := 0; attempt < maxInviteAttempts; attempt++ {
		code, err := newInviteCode()
		if err != nil {
			return nil, fmt.Errorf("generate invite code: %w", err)
		}
		if _, err := s.hospitals.GetByInviteCode(ctx, code); err == nil {
			continue
		} else if !errors.Is(err, ErrHospitalNotFound) {
			return nil, err
		}

		h := &Hospital{
			Name:         strings.TrimSpace(name),
			FacilityType: ft,
			InviteCode:   code,
			Active:       true,
			CreatedBy:    createdBy,
		}
		err = s.hospitals.Create(ctx, h)
		if err == nil {
			return h, nil
		}
		if db.IsUniqueViolation(err) {
			// Another creation took the code between check and insert.
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("could not allocate a unique invite code after %d attempts", maxInviteAttempts)
}

// JoinHospital attaches the caller to the active hospital owning the invite
// code, as a nurse. Already-attached callers must be detached by an
// administrator first.
func (s *Service) JoinHospital(ctx context.Context, code string) (*Hospital, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, ErrInvalidInviteCode
	}

	p, err := s.profiles.GetByID(ctx, sub.UserID)
	if err != nil {
		return nil, err
	}
	if p.HospitalID != nil {
		return nil, ErrAlreadyInHospital
	}

	h, err := s.hospitals.GetByInviteCode(ctx, code)
	if errors.Is(err, ErrHospitalNotFound) {
		return nil, ErrInvalidInviteCode
	}
	if err != nil {
		return nil, err
	}
	if !h.Active {
		return nil, ErrInvalidInviteCode
	}

	p.HospitalID = &h.ID
	if p.Role != accesspolicy.RoleSuperadmin {
		p.Role = accesspolicy.RoleNurse
	}
	if err := s.profiles.Update(ctx, p); err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Service) GetHospital(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionRead, accesspolicy.ResourceHospital(id)); err != nil {
		return nil, err
	}
	return s.hospitals.GetByID(ctx, id)
}

// ListHospitals returns every hospital for a superadmin and the caller's own
// hospital for everyone else.
func (s *Service) ListHospitals(ctx context.Context, limit, offset int) ([]*Hospital, int, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, 0, err
	}
	if sub.Role == accesspolicy.RoleSuperadmin {
		return s.hospitals.List(ctx, limit, offset)
	}
	if sub.HospitalID == uuid.Nil {
		return nil, 0, nil
	}
	h, err := s.hospitals.GetByID(ctx, sub.HospitalID)
	if err != nil {
		return nil, 0, err
	}
	return []*Hospital{h}, 1, nil
}

// HospitalUpdate carries the mutable hospital fields; nil leaves a field
// unchanged.
type HospitalUpdate struct {
	Name         *string `json:"name"`
	FacilityType *string `json:"facility_type"`
	Active       *bool   `json:"active"`
}

func (s *Service) UpdateHospital(ctx context.Context, id uuid.UUID, upd HospitalUpdate) (*Hospital, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionUpdate, accesspolicy.ResourceHospital(id)); err != nil {
		return nil, err
	}
	h, err := s.hospitals.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		if strings.TrimSpace(*upd.Name) == "" {
			return nil, fmt.Errorf("hospital name is required")
		}
		h.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.FacilityType != nil {
		if *upd.FacilityType == "" {
			h.FacilityType = nil
		} else {
			h.FacilityType = upd.FacilityType
		}
	}
	if upd.Active != nil {
		h.Active = *upd.Active
	}
	if err := s.hospitals.Update(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// SendInviteEmail mails the hospital's invite code to a staff address. The
// caller must be able to manage the hospital.
func (s *Service) SendInviteEmail(ctx context.Context, hospitalID uuid.UUID, email string) error {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(email) == "" {
		return fmt.Errorf("email is required")
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionUpdate, accesspolicy.ResourceHospital(hospitalID)); err != nil {
		return err
	}
	h, err := s.hospitals.GetByID(ctx, hospitalID)
	if err != nil {
		return err
	}
	subject, body := notification.StaffInvite(h.Name, h.InviteCode)
	if err := s.sender.SendEmail(ctx, email, subject, body); err != nil {
		return fmt.Errorf("send invite email: %w", err)
	}
	return nil
}

// MyProfile returns the caller's own profile.
func (s *Service) MyProfile(ctx context.Context) (*UserProfile, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	return s.profiles.GetByID(ctx, sub.UserID)
}

func (s *Service) GetProfile(ctx context.Context, id uuid.UUID) (*UserProfile, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.profiles.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	hid := uuid.Nil
	if p.HospitalID != nil {
		hid = *p.HospitalID
	}
	if err := s.engine.Can(ctx, sub, accesspolicy.ActionRead, accesspolicy.ResourceProfile(p.ID, hid)); err != nil {
		return nil, err
	}
	return p, nil
}

// ListProfiles returns all profiles for a superadmin and the caller's
// hospital roster for everyone else.
func (s *Service) ListProfiles(ctx context.Context, limit, offset int) ([]*UserProfile, int, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, 0, err
	}
	if sub.Role == accesspolicy.RoleSuperadmin {
		return s.profiles.List(ctx, limit, offset)
	}
	if sub.HospitalID == uuid.Nil {
		p, err := s.profiles.GetByID(ctx, sub.UserID)
		if err != nil {
			return nil, 0, err
		}
		return []*UserProfile{p}, 1, nil
	}
	return s.profiles.ListByHospital(ctx, sub.HospitalID, limit, offset)
}

// ProfileUpdate carries the self-service profile fields; nil leaves a field
// unchanged. Name parts and full_name stay in sync: parts present rebuild
// full_name, otherwise full_name present re-splits the parts.
type ProfileUpdate struct {
	FullName    *string `json:"full_name"`
	FirstName   *string `json:"first_name"`
	MiddleName  *string `json:"middle_name"`
	LastName    *string `json:"last_name"`
	Initials    *string `json:"initials"`
	Designation *string `json:"designation"`
}

func (s *Service) UpdateOwnProfile(ctx context.Context, upd ProfileUpdate) (*UserProfile, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	p, err := s.profiles.GetByID(ctx, sub.UserID)
	if err != nil {
		return nil, err
	}

	partsTouched := upd.FirstName != nil || upd.MiddleName != nil || upd.LastName != nil
	switch {
	case partsTouched:
		if upd.FirstName != nil {
			p.FirstName = optional(*upd.FirstName)
		}
		if upd.MiddleName != nil {
			p.MiddleName = optional(*upd.MiddleName)
		}
		if upd.LastName != nil {
			p.LastName = optional(*upd.LastName)
		}
		p.FullName = joinNameParts(deref(p.FirstName), deref(p.MiddleName), deref(p.LastName))
	case upd.FullName != nil:
		p.FullName = strings.TrimSpace(*upd.FullName)
		first, middle, last := splitFullName(p.FullName)
		p.FirstName, p.MiddleName, p.LastName = optional(first), optional(middle), optional(last)
	}

	if upd.Initials != nil {
		p.Initials = strings.ToUpper(strings.TrimSpace(*upd.Initials))
	}
	if p.Initials == "" {
		p.Initials = defaultInitials(p.FullName)
	}
	if upd.Designation != nil {
		p.Designation = optional(*upd.Designation)
	}

	if err := s.profiles.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// SetSignature stores the caller's signature blob reference.
func (s *Service) SetSignature(ctx context.Context, blobID uuid.UUID) (*UserProfile, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	if blobID == uuid.Nil {
		return nil, fmt.Errorf("signature blob id is required")
	}
	p, err := s.profiles.GetByID(ctx, sub.UserID)
	if err != nil {
		return nil, err
	}
	p.SignatureBlobID = &blobID
	if err := s.profiles.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ChangeRole grants a role to a profile. Head nurses manage head_nurse/nurse
// within their own hospital; only a superadmin grants or revokes superadmin.
func (s *Service) ChangeRole(ctx context.Context, profileID uuid.UUID, role accesspolicy.Role) (*UserProfile, error) {
	sub, err := accesspolicy.RequireSubject(ctx)
	if err != nil {
		return nil, err
	}
	if !accesspolicy.ValidRoles[role] {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	target, err := s.profiles.GetByID(ctx, profileID)
	if err != nil {
		return nil, err
	}

	if sub.Role != accesspolicy.RoleSuperadmin {
		if sub.Role != accesspolicy.RoleHeadNurse {
			return nil, accesspolicy.ErrNotPermitted
		}
		if role == accesspolicy.RoleSuperadmin || target.Role == accesspolicy.RoleSuperadmin {
			return nil, accesspolicy.ErrNotPermitted
		}
		if target.HospitalID == nil || sub.HospitalID == uuid.Nil || *target.HospitalID != sub.HospitalID {
			return nil, accesspolicy.ErrNotPermitted
		}
	}

	target.Role = role
	if err := s.profiles.Update(ctx, target); err != nil {
		return nil, err
	}
	return target, nil
}

// HospitalOf resolves the hospital a profile belongs to, uuid.Nil when the
// profile is unknown or detached. Other domains consume this through their
// own directory ports so they stay decoupled from profile storage.
func (s *Service) HospitalOf(ctx context.Context, profileID uuid.UUID) (uuid.UUID, error) {
	p, err := s.profiles.GetByID(ctx, profileID)
	if errors.Is(err, ErrProfileNotFound) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	if p.HospitalID == nil {
		return uuid.Nil, nil
	}
	return *p.HospitalID, nil
}

// provisionalName derives a placeholder display name from the email local
// part until the user completes their profile.
func provisionalName(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return ""
	}
	return email[:at]
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
