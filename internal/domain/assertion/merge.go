package assertion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("assertion not found")
	ErrNotManual = errors.New("generated assertions cannot be removed")
	ErrInvalid   = errors.New("invalid manual assertion")
)

// Merge folds a freshly generated bundle into the previous one. Generated
// assertions whose id survives keep the previous checked state; assertions
// that were not regenerated are dropped; manual assertions are always kept
// and stay after the generated content. Neither input is modified.
func Merge(previous, generated *Bundle) *Bundle {
	if generated == nil {
		generated = &Bundle{}
	}
	out := generated.clone()
	if previous == nil {
		return out
	}
	if out.VisitID == "" {
		out.VisitID = previous.VisitID
	}

	checked := make(map[string]bool, len(previous.Assertions))
	for _, a := range previous.Assertions {
		if !a.IsManual() {
			checked[a.ID] = a.Checked
		}
	}
	for i, a := range out.Assertions {
		if prev, ok := checked[a.ID]; ok {
			out.Assertions[i].Checked = prev
		}
	}

	for _, a := range previous.Assertions {
		if a.IsManual() {
			a.SortOrder = ManualSortOrder
			out.Assertions = append(out.Assertions, a)
		}
	}
	return out
}

// Toggle returns a copy of b with the assertion's checked state set.
func Toggle(b *Bundle, id string, checked bool) (*Bundle, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := b.clone()
	for i := range out.Assertions {
		if out.Assertions[i].ID == id {
			out.Assertions[i].Checked = checked
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// ManualInput describes a user-entered fact.
type ManualInput struct {
	Section     Section `json:"section"`
	Slot        Slot    `json:"slot"`
	Label       string  `json:"label"`
	Description string  `json:"description,omitempty"`
	Checked     *bool   `json:"checked,omitempty"`
}

// AddManual returns a copy of b with a new manual assertion appended.
// Manual assertions default to checked.
func AddManual(b *Bundle, in ManualInput) (*Bundle, Assertion, error) {
	if !in.Section.Valid() {
		return nil, Assertion{}, fmt.Errorf("%w: unknown section %q", ErrInvalid, in.Section)
	}
	if in.Slot == "" {
		in.Slot = SlotMisc
	}
	if !in.Section.Allows(in.Slot) {
		return nil, Assertion{}, fmt.Errorf("%w: slot %s does not belong to section %s", ErrInvalid, in.Slot, in.Section)
	}
	label := strings.TrimSpace(in.Label)
	if label == "" {
		return nil, Assertion{}, fmt.Errorf("%w: label is required", ErrInvalid)
	}
	checked := true
	if in.Checked != nil {
		checked = *in.Checked
	}

	a := Assertion{
		ID:          uuid.New().String(),
		Section:     in.Section,
		Slot:        in.Slot,
		Label:       label,
		Description: strings.TrimSpace(in.Description),
		Source:      SourceManual,
		Checked:     checked,
		SortOrder:   ManualSortOrder,
	}
	var out *Bundle
	if b == nil {
		out = &Bundle{}
	} else {
		out = b.clone()
	}
	out.Assertions = append(out.Assertions, a)
	return out, a, nil
}

// RemoveManual returns a copy of b without the manual assertion id. Generated
// assertions cannot be removed, only unchecked.
func RemoveManual(b *Bundle, id string) (*Bundle, error) {
	a, ok := b.Find(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !a.IsManual() {
		return nil, fmt.Errorf("%w: %s", ErrNotManual, id)
	}
	out := &Bundle{VisitID: b.VisitID, GeneratedAt: b.GeneratedAt}
	for _, x := range b.Assertions {
		if x.ID != id {
			out.Assertions = append(out.Assertions, x)
		}
	}
	return out, nil
}
