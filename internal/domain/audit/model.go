// Package audit keeps the append-only trail of PHI access and clinical
// changes. Request-level entries arrive from the HTTP middleware, mutation
// entries from the domain services; both land in the same table and are
// searchable by superadmins and, within their own hospital, head nurses.
package audit

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrEventNotFound = errors.New("audit event not found")

// Source identifies the pipeline that produced an event.
const (
	SourceAccess = "access" // request middleware, one entry per API call
	SourceChange = "change" // service-level clinical mutation
)

type AuditEvent struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Source       string     `db:"source" json:"source"`
	Subject      string     `db:"subject" json:"subject,omitempty"`
	UserID       *uuid.UUID `db:"user_id" json:"user_id,omitempty"`
	Role         string     `db:"role" json:"role,omitempty"`
	HospitalID   *uuid.UUID `db:"hospital_id" json:"hospital_id,omitempty"`
	Action       string     `db:"action" json:"action"`
	ResourceType string     `db:"resource_type" json:"resource_type"`
	ResourceID   *uuid.UUID `db:"resource_id" json:"resource_id,omitempty"`
	PatientID    *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	Method       string     `db:"method" json:"method,omitempty"`
	Path         string     `db:"path" json:"path,omitempty"`
	StatusCode   int        `db:"status_code" json:"status_code,omitempty"`
	IPAddress    string     `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent    string     `db:"user_agent" json:"user_agent,omitempty"`
	RequestID    string     `db:"request_id" json:"request_id,omitempty"`
	OccurredAt   time.Time  `db:"occurred_at" json:"occurred_at"`
}
