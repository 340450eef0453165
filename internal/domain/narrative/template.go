package narrative

import (
	"io"
	"strings"
	"time"

	"github.com/valyala/fasttemplate"

	"github.com/ehr/chartcheck/internal/domain/assertion"
	"github.com/ehr/chartcheck/internal/domain/codefamily"
	"github.com/ehr/chartcheck/internal/domain/visit"
)

const (
	startTag = "{{"
	endTag   = "}}"
)

// TemplateContext is the substitution dictionary for canned text.
type TemplateContext struct {
	Teeth     string `json:"teeth"`
	Surfaces  string `json:"surfaces"`
	Procedure string `json:"procedure"`
	Code      string `json:"code"`
	VisitType string `json:"visit_type"`
	Date      string `json:"date"`
}

// NewTemplateContext builds the dictionary for a single just-added procedure.
func NewTemplateContext(v visit.VisitContext, p visit.ProcedureFact, date time.Time) TemplateContext {
	return TemplateContext{
		Teeth:     p.Location.String(),
		Surfaces:  p.SurfaceString(),
		Procedure: p.Name(),
		Code:      p.NormalizedCode(),
		VisitType: v.VisitTypeLabel(),
		Date:      date.Format("2006-01-02"),
	}
}

func (tc TemplateContext) lookup(tag string) string {
	switch strings.TrimSpace(tag) {
	case "teeth":
		return tc.Teeth
	case "surfaces":
		return tc.Surfaces
	case "procedure":
		return tc.Procedure
	case "code":
		return tc.Code
	case "visit_type":
		return tc.VisitType
	case "date":
		return tc.Date
	}
	return ""
}

// Substitute replaces {{token}} placeholders. Unknown tokens render empty.
func Substitute(text string, tc TemplateContext) string {
	return fasttemplate.ExecuteFuncString(text, startTag, endTag, func(w io.Writer, tag string) (int, error) {
		return w.Write([]byte(tc.lookup(tag)))
	})
}

// TemplateComposer pre-seeds sections with canned, code-indexed text. It
// appends and never overwrites; text already contained in a section is not
// appended again.
type TemplateComposer struct {
	rules *codefamily.RuleSet
	now   func() time.Time
}

func NewTemplateComposer(rules *codefamily.RuleSet) *TemplateComposer {
	if rules == nil {
		rules = &codefamily.RuleSet{}
	}
	return &TemplateComposer{rules: rules, now: time.Now}
}

// WithClock overrides the clock used for LastEditedAt.
func (c *TemplateComposer) WithClock(now func() time.Time) *TemplateComposer {
	c.now = now
	return c
}

// HasTemplate reports whether the rule set carries canned text for code.
func (c *TemplateComposer) HasTemplate(code string) bool {
	_, ok := c.rules.Template(code)
	return ok
}

// Apply appends the substituted template of code into the matching sections.
// Codes without a template return the sections unchanged.
func (c *TemplateComposer) Apply(code string, tc TemplateContext, sections []DocumentSection) []DocumentSection {
	out := copySections(sections)
	tpl, ok := c.rules.Template(code)
	if !ok {
		return out
	}
	parts := map[assertion.Section]string{
		assertion.SectionSubjective: tpl.Subjective,
		assertion.SectionObjective:  tpl.Objective,
		assertion.SectionAssessment: tpl.Assessment,
		assertion.SectionPlan:       tpl.Plan,
	}
	now := c.now()
	for i := range out {
		raw := parts[out[i].Type]
		if strings.TrimSpace(raw) == "" {
			continue
		}
		text := strings.TrimSpace(Substitute(raw, tc))
		merged, changed := appendText(out[i].Content, text)
		if !changed {
			continue
		}
		out[i].Content = merged
		ts := now
		out[i].LastEditedAt = &ts
	}
	return out
}

func appendText(content, text string) (string, bool) {
	if text == "" || strings.Contains(content, text) {
		return content, false
	}
	if strings.TrimSpace(content) == "" {
		return text, true
	}
	return strings.TrimRight(content, "\n") + "\n\n" + text, true
}
