package narrative

import (
	"time"

	"github.com/ehr/chartcheck/internal/domain/assertion"
)

// DocumentSection is one editable section of a clinical note. Its ID is
// owned by the caller and never changed by composition.
type DocumentSection struct {
	ID           string            `json:"id"`
	Type         assertion.Section `json:"type"`
	Content      string            `json:"content"`
	LastEditedAt *time.Time        `json:"last_edited_at,omitempty"`
}

// EmptySections returns one blank section per canonical section type.
func EmptySections(newID func() string) []DocumentSection {
	out := make([]DocumentSection, len(assertion.Sections))
	for i, s := range assertion.Sections {
		out[i] = DocumentSection{ID: newID(), Type: s}
	}
	return out
}

func copySections(in []DocumentSection) []DocumentSection {
	out := make([]DocumentSection, len(in))
	copy(out, in)
	return out
}
