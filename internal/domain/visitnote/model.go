package visitnote

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/chartcheck/internal/domain/assertion"
	"github.com/ehr/chartcheck/internal/domain/completeness"
	"github.com/ehr/chartcheck/internal/domain/narrative"
	"github.com/ehr/chartcheck/internal/domain/signoff"
	"github.com/ehr/chartcheck/internal/domain/visit"
)

var (
	ErrNoteNotFound      = errors.New("note not found")
	ErrNoteSigned        = errors.New("note is signed")
	ErrVersionConflict   = errors.New("note was modified concurrently")
	ErrAssertionNotFound = errors.New("assertion not found")
	ErrSignOffBlocked    = errors.New("sign-off blocked")
	ErrTemplateNotFound  = errors.New("no template for code")
)

// Status is the lifecycle state of a note.
type Status string

const (
	StatusDraft  Status = "draft"
	StatusSigned Status = "signed"
)

// Inputs are the visit facts the note was last generated from.
type Inputs struct {
	Visit      visit.VisitContext     `json:"visit"`
	Procedures []visit.ProcedureFact  `json:"procedures"`
	Risks      []visit.RiskDisclosure `json:"risks"`
}

// Note maps to the visit_note table.
type Note struct {
	ID             uuid.UUID                   `db:"id" json:"id"`
	VisitID        string                      `db:"visit_id" json:"visit_id"`
	PatientID      string                      `db:"patient_id" json:"patient_id,omitempty"`
	Status         Status                      `db:"status" json:"status"`
	Inputs         Inputs                      `db:"inputs" json:"inputs"`
	Bundle         *assertion.Bundle           `db:"bundle" json:"bundle"`
	Sections       []narrative.DocumentSection `db:"sections" json:"sections"`
	Score          *int                        `db:"score" json:"score,omitempty"`
	OverrideReason *string                     `db:"override_reason" json:"override_reason,omitempty"`
	SignedAt       *time.Time                  `db:"signed_at" json:"signed_at,omitempty"`
	SignedBy       *string                     `db:"signed_by" json:"signed_by,omitempty"`
	VersionID      int                         `db:"version_id" json:"version_id"`
	CreatedAt      time.Time                   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time                   `db:"updated_at" json:"updated_at"`
}

func (n *Note) IsSigned() bool { return n.Status == StatusSigned }

// Evaluation combines the slot view of the bundle with the rule score of the
// visit inputs. The two are reported side by side and never blended.
type Evaluation struct {
	Slots    assertion.NoteSummary `json:"slots"`
	Result   completeness.Result   `json:"result"`
	Decision signoff.Decision      `json:"sign_off"`
}

// RegenerateRequest carries fresh visit facts for a note.
type RegenerateRequest struct {
	PatientID string `json:"patient_id"`
	Inputs
}

type ToggleRequest struct {
	Checked bool `json:"checked"`
}

type SignRequest struct {
	OverrideReason string `json:"override_reason"`
}
