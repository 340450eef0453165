package codefamily

import "github.com/ehr/chartcheck/internal/domain/visit"

// Classifier maps billing codes onto code families of a single RuleSet.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	rules *RuleSet
}

// NewClassifier creates a classifier over rs. A nil rule set classifies every
// code as general.
func NewClassifier(rs *RuleSet) *Classifier {
	if rs == nil {
		rs = &RuleSet{Version: "empty"}
	}
	return &Classifier{rules: rs}
}

// Rules returns the rule set the classifier was built with.
func (c *Classifier) Rules() *RuleSet {
	return c.rules
}

// Classify returns the ids of every family whose pattern matches code, in
// table order. Unknown or malformed codes yield an empty result.
func (c *Classifier) Classify(code string) []string {
	families := c.Families(code)
	ids := make([]string, len(families))
	for i, f := range families {
		ids[i] = f.ID
	}
	return ids
}

// Families returns the matching family records for code.
func (c *Classifier) Families(code string) []*CodeFamily {
	norm := visit.NormalizeCode(code)
	if norm == "" {
		return nil
	}
	var out []*CodeFamily
	for _, f := range c.rules.Families {
		if f.Matches(norm) {
			out = append(out, f)
		}
	}
	return out
}

// InFamily reports whether code classifies into the family with id.
func (c *Classifier) InFamily(code, id string) bool {
	for _, f := range c.Families(code) {
		if f.ID == id {
			return true
		}
	}
	return false
}

// MergedRequirements unions the requirements of every family code belongs
// to. Identical requirements contributed by several families count once.
func (c *Classifier) MergedRequirements(code string) []Requirement {
	var out []Requirement
	seen := make(map[string]bool)
	for _, f := range c.Families(code) {
		for _, r := range f.Requirements {
			k := r.key()
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, r)
		}
	}
	return out
}

// TriggersVisitRadiograph reports whether code belongs to a family that makes
// a radiographic narrative mandatory for the whole visit.
func (c *Classifier) TriggersVisitRadiograph(code string) bool {
	for _, f := range c.Families(code) {
		if f.VisitRadiograph {
			return true
		}
	}
	return false
}

// TreatmentDetail returns the boilerplate of the first matching family that
// defines one.
func (c *Classifier) TreatmentDetail(code string) (string, bool) {
	for _, f := range c.Families(code) {
		if f.TreatmentDetail != "" {
			return f.TreatmentDetail, true
		}
	}
	return "", false
}
