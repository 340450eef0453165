package assertion

import (
	"sort"
	"time"
)

// Section is one of the five canonical note sections.
type Section string

const (
	SectionSubjective         Section = "SUBJECTIVE"
	SectionObjective          Section = "OBJECTIVE"
	SectionAssessment         Section = "ASSESSMENT"
	SectionTreatmentPerformed Section = "TREATMENT_PERFORMED"
	SectionPlan               Section = "PLAN"
)

// Sections lists the canonical sections in document order.
var Sections = []Section{
	SectionSubjective,
	SectionObjective,
	SectionAssessment,
	SectionTreatmentPerformed,
	SectionPlan,
}

// Valid reports whether s is a canonical section.
func (s Section) Valid() bool {
	_, ok := sectionSlots[s]
	return ok
}

// Slot is a semantic sub-category of a section.
type Slot string

const (
	SlotChiefComplaint  Slot = "CC"
	SlotHistory         Slot = "HPI"
	SlotClinicalFinding Slot = "CLINICAL_FINDING"
	SlotRadiographic    Slot = "RADIOGRAPHIC"
	SlotDiagnosis       Slot = "DIAGNOSIS"
	SlotIntervention    Slot = "INTERVENTION"
	SlotRisk            Slot = "RISK"
	SlotPlan            Slot = "PLAN"
	SlotMisc            Slot = "MISC"
)

// Slots lists every slot in traversal order.
var Slots = []Slot{
	SlotChiefComplaint,
	SlotHistory,
	SlotClinicalFinding,
	SlotRadiographic,
	SlotDiagnosis,
	SlotIntervention,
	SlotRisk,
	SlotPlan,
	SlotMisc,
}

var sectionSlots = map[Section][]Slot{
	SectionSubjective:         {SlotChiefComplaint, SlotHistory, SlotMisc},
	SectionObjective:          {SlotClinicalFinding, SlotRadiographic, SlotMisc},
	SectionAssessment:         {SlotDiagnosis, SlotMisc},
	SectionTreatmentPerformed: {SlotIntervention, SlotMisc},
	SectionPlan:               {SlotRisk, SlotPlan, SlotMisc},
}

// SlotsFor returns the slots a section is made of, in traversal order.
func SlotsFor(section Section) []Slot {
	return sectionSlots[section]
}

// Allows reports whether slot belongs to section.
func (s Section) Allows(slot Slot) bool {
	for _, sl := range sectionSlots[s] {
		if sl == slot {
			return true
		}
	}
	return false
}

// Source records where an assertion came from.
type Source string

const (
	SourceProcedure   Source = "procedure"
	SourceRisk        Source = "risk"
	SourceDerivedExam Source = "derived_exam"
	SourceManual      Source = "manual"
)

// ManualSortOrder places manual assertions after all generated content.
const ManualSortOrder = 1_000_000

// Assertion is one atomic, independently checkable fact.
type Assertion struct {
	ID          string   `json:"id"`
	Section     Section  `json:"section"`
	Slot        Slot     `json:"slot"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`
	Sentence    string   `json:"sentence,omitempty"`
	Source      Source   `json:"source"`
	ProcedureID string   `json:"procedure_id,omitempty"`
	Code        string   `json:"code,omitempty"`
	Tooth       string   `json:"tooth,omitempty"`
	Surfaces    []string `json:"surfaces,omitempty"`
	Checked     bool     `json:"checked"`
	SortOrder   int      `json:"sort_order"`
}

// IsManual reports whether the assertion was entered by a user.
func (a Assertion) IsManual() bool {
	return a.Source == SourceManual
}

// Text is the line the composer renders for this assertion.
func (a Assertion) Text() string {
	if a.Sentence != "" {
		return a.Sentence
	}
	if a.Description != "" && a.Description != a.Label {
		return a.Label + " - " + a.Description
	}
	return a.Label
}

// Bundle is the full assertion set of one visit.
type Bundle struct {
	VisitID     string      `json:"visit_id"`
	Assertions  []Assertion `json:"assertions"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// Find returns the assertion with id.
func (b *Bundle) Find(id string) (Assertion, bool) {
	if b == nil {
		return Assertion{}, false
	}
	for _, a := range b.Assertions {
		if a.ID == id {
			return a, true
		}
	}
	return Assertion{}, false
}

// InSection returns the section's assertions ordered by SortOrder.
func (b *Bundle) InSection(section Section) []Assertion {
	var out []Assertion
	if b == nil {
		return out
	}
	for _, a := range b.Assertions {
		if a.Section == section {
			out = append(out, a)
		}
	}
	sortStable(out)
	return out
}

// Sorted returns a copy of all assertions ordered by SortOrder; ties keep
// their bundle order.
func (b *Bundle) Sorted() []Assertion {
	if b == nil {
		return nil
	}
	out := make([]Assertion, len(b.Assertions))
	copy(out, b.Assertions)
	sortStable(out)
	return out
}

func (b *Bundle) clone() *Bundle {
	out := &Bundle{GeneratedAt: b.GeneratedAt, VisitID: b.VisitID}
	out.Assertions = make([]Assertion, len(b.Assertions))
	copy(out.Assertions, b.Assertions)
	return out
}

func sortStable(as []Assertion) {
	sort.SliceStable(as, func(i, j int) bool {
		return as[i].SortOrder < as[j].SortOrder
	})
}
