package codefamily

import (
	"regexp"
	"strings"
)

// Requirement kinds a family can impose on each of its procedures.
const (
	KindTooth      = "tooth"
	KindLocation   = "location"
	KindSurfaces   = "surfaces"
	KindDiagnosis  = "diagnosis"
	KindRadiograph = "radiograph"
	KindRiskLink   = "risk_link"
	KindFlag       = "flag"
	KindKeywords   = "keywords"
)

// Requirement severities. Warnings are reported but never affect the score.
const (
	SeverityRequired = "required"
	SeverityWarning  = "warning"
)

// Text sections a keyword requirement may scan.
const (
	TextSubjective = "subjective"
	TextObjective  = "objective"
)

var validKinds = map[string]bool{
	KindTooth: true, KindLocation: true, KindSurfaces: true, KindDiagnosis: true,
	KindRadiograph: true, KindRiskLink: true, KindFlag: true, KindKeywords: true,
}

var validSeverities = map[string]bool{
	SeverityRequired: true, SeverityWarning: true,
}

var validTextSections = map[string]bool{
	TextSubjective: true, TextObjective: true,
}

// Requirement is one documentation element a family demands.
type Requirement struct {
	Kind     string `yaml:"kind" json:"kind"`
	Severity string `yaml:"severity,omitempty" json:"severity,omitempty"`
	Message  string `yaml:"message,omitempty" json:"message,omitempty"`

	// Flag names the documentation flag checked by KindFlag.
	Flag string `yaml:"flag,omitempty" json:"flag,omitempty"`

	// Keywords and Sections drive KindKeywords: any keyword found in the
	// concatenated text of Sections satisfies the requirement.
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Sections []string `yaml:"sections,omitempty" json:"sections,omitempty"`

	// SatisfiedByFlag lets a structured flag stand in for a keyword scan.
	SatisfiedByFlag string `yaml:"satisfied_by_flag,omitempty" json:"satisfied_by_flag,omitempty"`
}

// IsWarning reports whether the requirement is advisory only.
func (r Requirement) IsWarning() bool {
	return r.Severity == SeverityWarning
}

// key identifies requirements that are equivalent for merge purposes.
func (r Requirement) key() string {
	return strings.Join([]string{
		r.Kind, r.Severity, r.Flag, r.SatisfiedByFlag,
		strings.Join(r.Keywords, ","), strings.Join(r.Sections, ","),
	}, "|")
}

// CodeFamily groups billing codes that share documentation requirements.
type CodeFamily struct {
	ID              string        `yaml:"id" json:"id"`
	Label           string        `yaml:"label" json:"label"`
	Pattern         string        `yaml:"pattern" json:"pattern"`
	VisitRadiograph bool          `yaml:"visit_radiograph,omitempty" json:"visit_radiograph,omitempty"`
	TreatmentDetail string        `yaml:"treatment_detail,omitempty" json:"treatment_detail,omitempty"`
	Requirements    []Requirement `yaml:"requirements,omitempty" json:"requirements,omitempty"`

	re *regexp.Regexp
}

// Matches reports whether the family's pattern accepts the normalized code.
func (f *CodeFamily) Matches(code string) bool {
	return f.re != nil && f.re.MatchString(code)
}

// Template is canned per-code text used to pre-seed note sections before an
// assertion bundle exists. Empty fields are skipped.
type Template struct {
	Subjective string `yaml:"subjective,omitempty" json:"subjective,omitempty"`
	Objective  string `yaml:"objective,omitempty" json:"objective,omitempty"`
	Assessment string `yaml:"assessment,omitempty" json:"assessment,omitempty"`
	Plan       string `yaml:"plan,omitempty" json:"plan,omitempty"`
}

// RuleSet is an immutable, versioned requirement table. It is built once by
// Parse/Load and may be shared by any number of classifiers and scorers.
type RuleSet struct {
	Version   string              `yaml:"version" json:"version"`
	Families  []*CodeFamily       `yaml:"families" json:"families"`
	Templates map[string]Template `yaml:"templates,omitempty" json:"templates,omitempty"`
}

// Family returns the family with the given id.
func (rs *RuleSet) Family(id string) (*CodeFamily, bool) {
	for _, f := range rs.Families {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// Template returns the canned text for a billing code.
func (rs *RuleSet) Template(code string) (Template, bool) {
	t, ok := rs.Templates[strings.ToUpper(strings.TrimSpace(code))]
	return t, ok
}
