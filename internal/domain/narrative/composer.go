package narrative

import (
	"strings"
	"time"

	"github.com/ehr/chartcheck/internal/domain/assertion"
)

// Composer renders checked assertions into note sections.
type Composer struct {
	now func() time.Time
}

func NewComposer() *Composer {
	return &Composer{now: time.Now}
}

// WithClock overrides the clock used for LastEditedAt.
func (c *Composer) WithClock(now func() time.Time) *Composer {
	c.now = now
	return c
}

// Render returns the text of one section: a paragraph per slot in slot
// order, lines in sort order. ok is false when nothing in the section is
// checked.
func Render(b *assertion.Bundle, section assertion.Section) (text string, ok bool) {
	bySlot := make(map[assertion.Slot][]string)
	for _, a := range b.InSection(section) {
		if a.Checked {
			bySlot[a.Slot] = append(bySlot[a.Slot], a.Text())
		}
	}
	if len(bySlot) == 0 {
		return "", false
	}
	var paragraphs []string
	for _, slot := range assertion.SlotsFor(section) {
		if lines := bySlot[slot]; len(lines) > 0 {
			paragraphs = append(paragraphs, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(paragraphs, "\n\n"), true
}

// Compose writes the rendered text of each canonical section into the
// matching existing section by type. Sections with nothing checked keep their
// content, and section types missing from sections are skipped. The input is
// not modified.
func (c *Composer) Compose(b *assertion.Bundle, sections []DocumentSection) []DocumentSection {
	out := copySections(sections)
	if b == nil {
		return out
	}
	now := c.now()
	for _, section := range assertion.Sections {
		text, ok := Render(b, section)
		if !ok {
			continue
		}
		for i := range out {
			if out[i].Type != section || out[i].Content == text {
				continue
			}
			out[i].Content = text
			ts := now
			out[i].LastEditedAt = &ts
		}
	}
	return out
}
