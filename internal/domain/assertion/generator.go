package assertion

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ehr/chartcheck/internal/domain/codefamily"
	"github.com/ehr/chartcheck/internal/domain/visit"
)

const (
	labelScheduledTreatment = "Patient presents for scheduled treatment"
	labelDiagnosisPending   = "Diagnosis pending"
	labelNextVisit          = "Next visit / recall scheduled"
	labelPostOp             = "Post-operative instructions provided"
	defaultTreatmentDetail  = "Completed per standard of care"
)

// Generator turns visit facts into an ordered assertion bundle. The order in
// which assertions are emitted is their SortOrder.
type Generator struct {
	classifier *codefamily.Classifier
	now        func() time.Time
}

// NewGenerator creates a generator that uses classifier for family-specific
// treatment wording.
func NewGenerator(classifier *codefamily.Classifier) *Generator {
	if classifier == nil {
		classifier = codefamily.NewClassifier(nil)
	}
	return &Generator{classifier: classifier, now: time.Now}
}

// WithClock replaces the clock used for GeneratedAt.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	return &Generator{classifier: g.classifier, now: now}
}

type emitter struct {
	ids   *idAllocator
	order int
	out   []Assertion
}

func (e *emitter) emit(a Assertion) {
	a.ID = e.ids.next(a.Section, a.Label, a.ProcedureID, a.Code)
	e.order++
	a.SortOrder = e.order
	e.out = append(e.out, a)
}

// Generate builds the assertion bundle for a visit. Identical inputs always
// produce identical ids, labels and ordering.
func (g *Generator) Generate(v visit.VisitContext, procedures []visit.ProcedureFact, risks []visit.RiskDisclosure) *Bundle {
	e := &emitter{ids: newIDAllocator()}

	g.subjective(e, v, procedures)
	g.objective(e, v, procedures)
	g.assessment(e, procedures)
	g.treatment(e, procedures)
	g.plan(e, risks)

	return &Bundle{
		VisitID:     v.VisitID,
		Assertions:  e.out,
		GeneratedAt: g.now().UTC(),
	}
}

func (g *Generator) subjective(e *emitter, v visit.VisitContext, procedures []visit.ProcedureFact) {
	switch {
	case visit.HasText(v.ChiefComplaint):
		e.emit(Assertion{
			Section: SectionSubjective,
			Slot:    SlotChiefComplaint,
			Label:   "Chief complaint: " + strings.TrimSpace(v.ChiefComplaint),
			Source:  SourceDerivedExam,
			Checked: true,
		})
	case len(procedures) > 0:
		e.emit(Assertion{
			Section: SectionSubjective,
			Slot:    SlotChiefComplaint,
			Label:   labelScheduledTreatment,
			Source:  SourceDerivedExam,
			Checked: true,
		})
	}

	if visit.HasText(v.HistoryOfPresentIllness) {
		e.emit(Assertion{
			Section: SectionSubjective,
			Slot:    SlotHistory,
			Label:   "History: " + strings.TrimSpace(v.HistoryOfPresentIllness),
			Source:  SourceDerivedExam,
			Checked: true,
		})
	}

	for _, p := range procedures {
		label := "Presents for " + p.Name()
		if site := p.Site(); site != "" {
			label += " (" + site + ")"
		}
		e.emit(procedureAssertion(p, SectionSubjective, SlotChiefComplaint, label))
	}
}

func (g *Generator) objective(e *emitter, v visit.VisitContext, procedures []visit.ProcedureFact) {
	if visit.HasText(v.RadiographicNarrative) {
		e.emit(Assertion{
			Section: SectionObjective,
			Slot:    SlotRadiographic,
			Label:   "Radiographic findings: " + strings.TrimSpace(v.RadiographicNarrative),
			Source:  SourceDerivedExam,
			Checked: true,
		})
	}

	for _, p := range procedures {
		label := p.Name() + " indicated"
		if loc := p.Location.String(); loc != "" {
			label = p.Name() + " required on " + loc
		}
		e.emit(procedureAssertion(p, SectionObjective, SlotClinicalFinding, label))
	}
}

func (g *Generator) assessment(e *emitter, procedures []visit.ProcedureFact) {
	if len(procedures) == 0 {
		return
	}

	var codes []string
	citedBy := make(map[string]map[string]bool)
	for _, p := range procedures {
		for _, dx := range p.DiagnosisCodes {
			dx = visit.NormalizeCode(dx)
			if dx == "" {
				continue
			}
			if _, ok := citedBy[dx]; !ok {
				citedBy[dx] = make(map[string]bool)
				codes = append(codes, dx)
			}
			citedBy[dx][p.Name()] = true
		}
	}

	if len(codes) == 0 {
		e.emit(Assertion{
			Section: SectionAssessment,
			Slot:    SlotDiagnosis,
			Label:   labelDiagnosisPending,
			Source:  SourceDerivedExam,
		})
		return
	}

	for _, dx := range codes {
		names := make([]string, 0, len(citedBy[dx]))
		for n := range citedBy[dx] {
			names = append(names, n)
		}
		sort.Strings(names)
		e.emit(Assertion{
			Section:     SectionAssessment,
			Slot:        SlotDiagnosis,
			Label:       "Diagnosis " + dx,
			Description: "Cited by: " + strings.Join(names, ", "),
			Source:      SourceProcedure,
			Code:        dx,
			Checked:     true,
		})
	}
}

func (g *Generator) treatment(e *emitter, procedures []visit.ProcedureFact) {
	for _, p := range procedures {
		detail, ok := g.classifier.TreatmentDetail(p.Code)
		if !ok {
			detail = defaultTreatmentDetail
		}
		label := p.Name() + " completed"
		if site := p.Site(); site != "" {
			label += " (" + site + ")"
		}
		a := procedureAssertion(p, SectionTreatmentPerformed, SlotIntervention, label)
		a.Description = detail
		e.emit(a)
	}
}

func (g *Generator) plan(e *emitter, risks []visit.RiskDisclosure) {
	active := make([]visit.RiskDisclosure, 0, len(risks))
	for _, r := range risks {
		if r.IsActive {
			active = append(active, r)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].SortOrder < active[j].SortOrder
	})

	for _, r := range active {
		e.emit(Assertion{
			Section:     SectionPlan,
			Slot:        SlotRisk,
			Label:       "Risk discussed: " + strings.TrimSpace(r.Title),
			Description: strings.TrimSpace(r.Body),
			Sentence:    riskSentence(r),
			Source:      SourceRisk,
			Checked:     true,
		})
	}

	e.emit(Assertion{Section: SectionPlan, Slot: SlotPlan, Label: labelNextVisit, Source: SourceDerivedExam, Checked: true})
	e.emit(Assertion{Section: SectionPlan, Slot: SlotPlan, Label: labelPostOp, Source: SourceDerivedExam, Checked: true})
}

func riskSentence(r visit.RiskDisclosure) string {
	s := fmt.Sprintf("Risk discussed: %s (%s)", strings.TrimSpace(r.Title), strings.ToLower(r.Severity.String()))
	if body := strings.TrimSpace(r.Body); body != "" {
		s += " - " + body
	}
	return s
}

func procedureAssertion(p visit.ProcedureFact, section Section, slot Slot, label string) Assertion {
	a := Assertion{
		Section:     section,
		Slot:        slot,
		Label:       label,
		Source:      SourceProcedure,
		ProcedureID: p.ID,
		Code:        p.NormalizedCode(),
		Checked:     true,
	}
	if p.Location.HasTeeth() {
		a.Tooth = strings.Join(p.Location.Values, ",")
	}
	if len(p.Surfaces) > 0 {
		a.Surfaces = append([]string(nil), p.Surfaces...)
	}
	return a
}
