// Package feedback stores tester feedback entries captured by the in-app
// annotation overlay. Entries belong to the reporting user; superadmins see
// and resolve everything.
package feedback

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrFeedbackNotFound = errors.New("feedback entry not found")

type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

var validStatuses = map[Status]bool{
	StatusOpen:     true,
	StatusResolved: true,
}

type Feedback struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	UserID           uuid.UUID  `db:"user_id" json:"user_id"`
	HospitalID       *uuid.UUID `db:"hospital_id" json:"hospital_id,omitempty"`
	Page             string     `db:"page" json:"page"`
	Note             string     `db:"note" json:"note"`
	ScreenshotBlobID *uuid.UUID `db:"screenshot_blob_id" json:"screenshot_blob_id,omitempty"`
	Status           Status     `db:"status" json:"status"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}
