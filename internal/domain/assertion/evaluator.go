package assertion

import "math"

// SlotStatus is the completeness state of one (section, slot) pair.
type SlotStatus string

const (
	SlotComplete    SlotStatus = "complete"
	SlotEmpty       SlotStatus = "empty"
	SlotNotRequired SlotStatus = "not_required"
)

// SlotRef addresses one slot of one section.
type SlotRef struct {
	Section Section `json:"section"`
	Slot    Slot    `json:"slot"`
}

// SlotState is a slot with its evaluated status.
type SlotState struct {
	Slot   Slot       `json:"slot"`
	Status SlotStatus `json:"status"`
}

// SectionSummary counts required and completed slots of one section.
type SectionSummary struct {
	Section   Section     `json:"section"`
	Required  int         `json:"required"`
	Completed int         `json:"completed"`
	Percent   int         `json:"percent"`
	Slots     []SlotState `json:"slots"`
}

// NoteSummary aggregates slot completeness over the whole note.
type NoteSummary struct {
	Required  int              `json:"required"`
	Completed int              `json:"completed"`
	Percent   int              `json:"percent"`
	Sections  []SectionSummary `json:"sections"`
	Next      *SlotRef         `json:"next_missing,omitempty"`
}

// bundleFacts are the whole-bundle observations applicability rules use.
type bundleFacts struct {
	hasProcedure      bool
	hasChiefComplaint bool
	hasRadiographic   bool
	hasRisk           bool
}

func observe(b *Bundle) bundleFacts {
	var f bundleFacts
	if b == nil {
		return f
	}
	for _, a := range b.Assertions {
		switch {
		case a.Source == SourceProcedure:
			f.hasProcedure = true
		case a.Source == SourceRisk:
			f.hasRisk = true
		}
		switch a.Slot {
		case SlotChiefComplaint:
			f.hasChiefComplaint = true
		case SlotRadiographic:
			f.hasRadiographic = true
		}
	}
	return f
}

// required decides whether slot must be filled in this bundle. The
// radiographic slot is only required once a radiographic fact exists: no
// radiographic fact is read as "no radiograph taken".
func (f bundleFacts) required(section Section, slot Slot) bool {
	switch slot {
	case SlotChiefComplaint, SlotHistory:
		return section == SectionSubjective && (f.hasProcedure || f.hasChiefComplaint)
	case SlotRadiographic:
		return section == SectionObjective && f.hasRadiographic
	case SlotClinicalFinding:
		return section == SectionObjective && f.hasProcedure
	case SlotDiagnosis:
		return section == SectionAssessment && f.hasProcedure
	case SlotIntervention:
		return section == SectionTreatmentPerformed && f.hasProcedure
	case SlotRisk:
		return section == SectionPlan && f.hasRisk
	case SlotPlan:
		return section == SectionPlan && f.hasProcedure
	}
	return false
}

// EvaluateSlots returns the status of every slot of section.
func EvaluateSlots(b *Bundle, section Section) map[Slot]SlotStatus {
	facts := observe(b)
	out := make(map[Slot]SlotStatus, len(SlotsFor(section)))
	for _, slot := range SlotsFor(section) {
		out[slot] = evaluate(b, facts, section, slot)
	}
	return out
}

func evaluate(b *Bundle, facts bundleFacts, section Section, slot Slot) SlotStatus {
	if !facts.required(section, slot) {
		return SlotNotRequired
	}
	if b != nil {
		for _, a := range b.Assertions {
			if a.Section == section && a.Slot == slot && a.Checked {
				return SlotComplete
			}
		}
	}
	return SlotEmpty
}

// SectionCompleteness summarizes one section.
func SectionCompleteness(b *Bundle, section Section) SectionSummary {
	return sectionSummary(b, observe(b), section)
}

func sectionSummary(b *Bundle, facts bundleFacts, section Section) SectionSummary {
	s := SectionSummary{Section: section}
	for _, slot := range SlotsFor(section) {
		status := evaluate(b, facts, section, slot)
		s.Slots = append(s.Slots, SlotState{Slot: slot, Status: status})
		switch status {
		case SlotComplete:
			s.Required++
			s.Completed++
		case SlotEmpty:
			s.Required++
		}
	}
	s.Percent = percent(s.Completed, s.Required)
	return s
}

// NoteCompleteness sums slot completeness over all five sections.
func NoteCompleteness(b *Bundle) NoteSummary {
	facts := observe(b)
	var n NoteSummary
	for _, section := range Sections {
		s := sectionSummary(b, facts, section)
		n.Required += s.Required
		n.Completed += s.Completed
		n.Sections = append(n.Sections, s)
	}
	n.Percent = percent(n.Completed, n.Required)
	if ref, ok := NextMissingSlot(b); ok {
		n.Next = &ref
	}
	return n
}

// NextMissingSlot returns the first empty slot in section order, then slot
// order.
func NextMissingSlot(b *Bundle) (SlotRef, bool) {
	facts := observe(b)
	for _, section := range Sections {
		for _, slot := range SlotsFor(section) {
			if evaluate(b, facts, section, slot) == SlotEmpty {
				return SlotRef{Section: section, Slot: slot}, true
			}
		}
	}
	return SlotRef{}, false
}

func percent(completed, required int) int {
	if required == 0 {
		return 100
	}
	return int(math.Round(100 * float64(completed) / float64(required)))
}
