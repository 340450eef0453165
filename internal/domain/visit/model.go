package visit

import (
	"fmt"
	"strings"
)

// Well-known documentation flags carried on a ProcedureFact.
const (
	FlagHasXray               = "hasXray"
	FlagHasPerioChart         = "hasPerioChart"
	FlagVitalityTestPerformed = "vitalityTestPerformed"
	FlagHasPostOpInstructions = "hasPostOpInstructions"
)

// Location kinds. A procedure selects exactly one of them.
const (
	LocationTeeth     = "teeth"
	LocationQuadrants = "quadrants"
	LocationArch      = "arch"
)

// Location is the anatomical site of a procedure.
type Location struct {
	Kind   string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
}

// IsEmpty reports whether no site was selected.
func (l Location) IsEmpty() bool {
	for _, v := range l.Values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// HasTeeth reports whether the location names at least one tooth number.
func (l Location) HasTeeth() bool {
	return l.Kind == LocationTeeth && !l.IsEmpty()
}

// String renders the location for narrative text: "#3, #4", "UR, LL quadrant",
// "upper arch".
func (l Location) String() string {
	values := nonEmpty(l.Values)
	if len(values) == 0 {
		return ""
	}
	switch l.Kind {
	case LocationTeeth:
		teeth := make([]string, len(values))
		for i, v := range values {
			teeth[i] = "#" + strings.TrimPrefix(v, "#")
		}
		return strings.Join(teeth, ", ")
	case LocationQuadrants:
		return strings.Join(values, ", ") + " quadrant"
	case LocationArch:
		return strings.ToLower(strings.Join(values, ", ")) + " arch"
	default:
		return strings.Join(values, ", ")
	}
}

// ProcedureFact is one billed or performed procedure from the treatment plan.
type ProcedureFact struct {
	ID                 string          `json:"id"`
	Code               string          `json:"code"`
	DisplayName        string          `json:"display_name,omitempty"`
	Location           Location        `json:"location"`
	Surfaces           []string        `json:"surfaces,omitempty"`
	DiagnosisCodes     []string        `json:"diagnosis_codes,omitempty"`
	DocumentationFlags map[string]bool `json:"documentation_flags,omitempty"`
}

// Name returns the display name, falling back to the billing code.
func (p ProcedureFact) Name() string {
	if n := strings.TrimSpace(p.DisplayName); n != "" {
		return n
	}
	return strings.ToUpper(strings.TrimSpace(p.Code))
}

// NormalizedCode returns the billing code trimmed and upper-cased.
func (p ProcedureFact) NormalizedCode() string {
	return NormalizeCode(p.Code)
}

// Flag returns the value of a documentation flag; absent flags are false.
func (p ProcedureFact) Flag(name string) bool {
	return p.DocumentationFlags[name]
}

// SurfaceString joins surfaces in their recorded order, e.g. "MOD".
func (p ProcedureFact) SurfaceString() string {
	return strings.ToUpper(strings.Join(nonEmpty(p.Surfaces), ""))
}

// Site renders location and surfaces together, e.g. "#30 MO". Empty when
// neither is recorded.
func (p ProcedureFact) Site() string {
	loc := p.Location.String()
	surf := p.SurfaceString()
	switch {
	case loc != "" && surf != "":
		return loc + " " + surf
	case loc != "":
		return loc
	default:
		return surf
	}
}

// Severity is the ordinal likelihood of a disclosed risk.
type Severity int

const (
	SeverityCommon Severity = iota
	SeverityUncommon
	SeverityRare
	SeverityVeryRare
)

var severityNames = []string{"COMMON", "UNCOMMON", "RARE", "VERY_RARE"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "UNKNOWN"
	}
	return severityNames[s]
}

// ParseSeverity maps a severity name onto its ordinal.
func ParseSeverity(name string) (Severity, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range severityNames {
		if n == upper {
			return Severity(i), nil
		}
	}
	return SeverityCommon, fmt.Errorf("unknown severity: %q", name)
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// RiskDisclosure is one informed-consent risk shown to the patient.
// LinkedCodes is a snapshot taken when the risk was disclosed and is the only
// thing consulted when matching a risk to a procedure.
type RiskDisclosure struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Body        string   `json:"body,omitempty"`
	Severity    Severity `json:"severity"`
	IsActive    bool     `json:"is_active"`
	SortOrder   int      `json:"sort_order"`
	LinkedCodes []string `json:"linked_codes,omitempty"`
}

// CoversCode reports whether the disclosure snapshot names the given code.
func (r RiskDisclosure) CoversCode(code string) bool {
	want := NormalizeCode(code)
	if want == "" {
		return false
	}
	for _, c := range r.LinkedCodes {
		if NormalizeCode(c) == want {
			return true
		}
	}
	return false
}

// Visit types.
const (
	VisitTypeEmergency = "emergency"
	VisitTypeRecall    = "recall"
	VisitTypeTreatment = "treatment"
	VisitTypeConsult   = "consult"
)

var visitTypeLabels = map[string]string{
	VisitTypeEmergency: "Emergency visit",
	VisitTypeRecall:    "Recall / hygiene visit",
	VisitTypeTreatment: "Treatment visit",
	VisitTypeConsult:   "Consultation",
}

// VisitContext carries the per-visit free-text fields.
type VisitContext struct {
	VisitID                 string `json:"visit_id,omitempty"`
	VisitType               string `json:"visit_type,omitempty"`
	ChiefComplaint          string `json:"chief_complaint,omitempty"`
	HistoryOfPresentIllness string `json:"history_of_present_illness,omitempty"`
	RadiographicNarrative   string `json:"radiographic_narrative,omitempty"`
	ClinicalFindings        string `json:"clinical_findings,omitempty"`
	NoTreatmentNote         string `json:"no_treatment_note,omitempty"`
}

// VisitTypeLabel returns the display label of the visit type.
func (v VisitContext) VisitTypeLabel() string {
	if label, ok := visitTypeLabels[strings.ToLower(v.VisitType)]; ok {
		return label
	}
	if v.VisitType == "" {
		return "Visit"
	}
	return v.VisitType
}

// SubjectiveText is the free text a reader would file under Subjective.
func (v VisitContext) SubjectiveText() string {
	return joinText(v.ChiefComplaint, v.HistoryOfPresentIllness)
}

// ObjectiveText is the free text a reader would file under Objective.
func (v VisitContext) ObjectiveText() string {
	return joinText(v.ClinicalFindings, v.RadiographicNarrative)
}

// NormalizeCode trims and upper-cases a billing code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// HasText reports whether s carries anything other than whitespace.
func HasText(s string) bool {
	return strings.TrimSpace(s) != ""
}

func joinText(parts ...string) string {
	return strings.Join(nonEmpty(parts), "\n")
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
