package codefamily

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules/default.yaml
var defaultRules []byte

// Default parses the rule table compiled into the binary. The embedded table
// is validated by tests, so a failure here is a build defect.
func Default() *RuleSet {
	rs, err := Parse(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("codefamily: embedded rule table is invalid: %v", err))
	}
	return rs
}

// Load reads and validates a rule table from a YAML file.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule table %s: %w", path, err)
	}
	rs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rule table %s: %w", path, err)
	}
	return rs, nil
}

// Parse decodes a YAML rule table, compiles the family patterns and checks
// the table for structural mistakes.
func Parse(data []byte) (*RuleSet, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var rs RuleSet
	if err := dec.Decode(&rs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *RuleSet) compile() error {
	if strings.TrimSpace(rs.Version) == "" {
		return fmt.Errorf("version is required")
	}
	seen := make(map[string]bool, len(rs.Families))
	for i, f := range rs.Families {
		if f == nil || f.ID == "" {
			return fmt.Errorf("family %d: id is required", i)
		}
		if seen[f.ID] {
			return fmt.Errorf("family %s: duplicate id", f.ID)
		}
		seen[f.ID] = true

		if f.Pattern == "" {
			return fmt.Errorf("family %s: pattern is required", f.ID)
		}
		re, err := regexp.Compile("(?i)" + f.Pattern)
		if err != nil {
			return fmt.Errorf("family %s: pattern: %w", f.ID, err)
		}
		f.re = re
		if f.Label == "" {
			f.Label = f.ID
		}

		for j := range f.Requirements {
			if err := validateRequirement(&f.Requirements[j]); err != nil {
				return fmt.Errorf("family %s: requirement %d: %w", f.ID, j, err)
			}
		}
	}

	if len(rs.Templates) > 0 {
		normalized := make(map[string]Template, len(rs.Templates))
		for code, t := range rs.Templates {
			normalized[strings.ToUpper(strings.TrimSpace(code))] = t
		}
		rs.Templates = normalized
	}
	return nil
}

func validateRequirement(r *Requirement) error {
	if !validKinds[r.Kind] {
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.Severity == "" {
		r.Severity = SeverityRequired
	}
	if !validSeverities[r.Severity] {
		return fmt.Errorf("unknown severity %q", r.Severity)
	}
	switch r.Kind {
	case KindFlag:
		if r.Flag == "" {
			return fmt.Errorf("flag requirement needs a flag name")
		}
	case KindKeywords:
		if len(r.Keywords) == 0 {
			return fmt.Errorf("keywords requirement needs at least one keyword")
		}
		if len(r.Sections) == 0 {
			r.Sections = []string{TextSubjective, TextObjective}
		}
		for _, s := range r.Sections {
			if !validTextSections[s] {
				return fmt.Errorf("unknown text section %q", s)
			}
		}
		for i, kw := range r.Keywords {
			r.Keywords[i] = strings.ToLower(strings.TrimSpace(kw))
		}
	}
	if r.Message == "" {
		r.Message = defaultMessage(*r)
	}
	return nil
}

func defaultMessage(r Requirement) string {
	switch r.Kind {
	case KindTooth:
		return "missing tooth number"
	case KindLocation:
		return "missing tooth, quadrant or arch"
	case KindSurfaces:
		return "missing surfaces"
	case KindDiagnosis:
		return "missing diagnosis code"
	case KindRadiograph:
		return "missing radiographic findings"
	case KindRiskLink:
		return "missing consent risk disclosure linked to this procedure"
	case KindFlag:
		return "missing documentation: " + r.Flag
	case KindKeywords:
		return "narrative does not mention any of: " + strings.Join(r.Keywords, ", ")
	}
	return "missing documentation"
}
