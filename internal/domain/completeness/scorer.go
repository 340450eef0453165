package completeness

import (
	"math"
	"strings"

	"github.com/ehr/chartcheck/internal/domain/codefamily"
	"github.com/ehr/chartcheck/internal/domain/visit"
)

// Visit-level messages. Procedure-scoped messages are prefixed with the code.
const (
	MsgChiefComplaint = "missing chief complaint"
	MsgHistory        = "missing history of present illness"
	MsgProcedures     = "no procedures documented and no explanation recorded"
	MsgRadiograph     = "missing radiographic findings for imaging-dependent procedures"
)

// Result is the outcome of a rule-driven completeness check. Missing entries
// are hard requirements and lower the score; warnings never do.
type Result struct {
	Score    int      `json:"score"`
	Missing  []string `json:"missing"`
	Warnings []string `json:"warnings"`
}

// Complete reports whether every hard requirement was met.
func (r Result) Complete() bool {
	return len(r.Missing) == 0
}

// Scorer evaluates visit documentation against a code family rule set.
type Scorer struct {
	classifier *codefamily.Classifier
}

func NewScorer(classifier *codefamily.Classifier) *Scorer {
	if classifier == nil {
		classifier = codefamily.NewClassifier(nil)
	}
	return &Scorer{classifier: classifier}
}

type tally struct {
	total, met int
	missing    []string
	warnings   []string
}

func (t *tally) require(ok bool, msg string) {
	t.total++
	if ok {
		t.met++
		return
	}
	t.missing = append(t.missing, msg)
}

func (t *tally) warn(ok bool, msg string) {
	if !ok {
		t.warnings = append(t.warnings, msg)
	}
}

// Score runs the visit-level checks and then every requirement of every
// family each procedure belongs to. Procedures are walked in input order.
func (s *Scorer) Score(v visit.VisitContext, procedures []visit.ProcedureFact, risks []visit.RiskDisclosure) Result {
	t := &tally{}
	noVisitText := !visit.HasText(v.ChiefComplaint) && !visit.HasText(v.HistoryOfPresentIllness) &&
		!visit.HasText(v.RadiographicNarrative) && !visit.HasText(v.ClinicalFindings) && !visit.HasText(v.NoTreatmentNote)

	// A visit with nothing recorded at all is vacuously complete.
	if !(len(procedures) == 0 && noVisitText) {
		t.require(visit.HasText(v.ChiefComplaint), MsgChiefComplaint)
		t.require(visit.HasText(v.HistoryOfPresentIllness), MsgHistory)
		t.require(len(procedures) > 0 || visit.HasText(v.NoTreatmentNote), MsgProcedures)
		if s.needsVisitRadiograph(procedures) {
			t.require(visit.HasText(v.RadiographicNarrative), MsgRadiograph)
		}
	}

	active := activeRisks(risks)
	for _, p := range procedures {
		code := p.NormalizedCode()
		for _, req := range s.classifier.MergedRequirements(code) {
			ok := satisfied(req, v, p, active)
			msg := code + ": " + req.Message
			if req.IsWarning() {
				t.warn(ok, msg)
			} else {
				t.require(ok, msg)
			}
		}
	}

	res := Result{Score: score(t.met, t.total), Missing: t.missing, Warnings: t.warnings}
	if res.Missing == nil {
		res.Missing = []string{}
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	return res
}

func (s *Scorer) needsVisitRadiograph(procedures []visit.ProcedureFact) bool {
	for _, p := range procedures {
		if s.classifier.TriggersVisitRadiograph(p.Code) {
			return true
		}
	}
	return false
}

func satisfied(req codefamily.Requirement, v visit.VisitContext, p visit.ProcedureFact, risks []visit.RiskDisclosure) bool {
	switch req.Kind {
	case codefamily.KindTooth:
		return p.Location.HasTeeth()
	case codefamily.KindLocation:
		return !p.Location.IsEmpty()
	case codefamily.KindSurfaces:
		return p.SurfaceString() != ""
	case codefamily.KindDiagnosis:
		for _, dx := range p.DiagnosisCodes {
			if visit.HasText(dx) {
				return true
			}
		}
		return false
	case codefamily.KindRadiograph:
		return visit.HasText(v.RadiographicNarrative)
	case codefamily.KindRiskLink:
		for _, r := range risks {
			if r.CoversCode(p.Code) {
				return true
			}
		}
		return false
	case codefamily.KindFlag:
		return p.Flag(req.Flag)
	case codefamily.KindKeywords:
		if req.SatisfiedByFlag != "" && p.Flag(req.SatisfiedByFlag) {
			return true
		}
		return containsAny(sectionText(v, req.Sections), req.Keywords)
	}
	return false
}

func activeRisks(risks []visit.RiskDisclosure) []visit.RiskDisclosure {
	out := make([]visit.RiskDisclosure, 0, len(risks))
	for _, r := range risks {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}

func sectionText(v visit.VisitContext, sections []string) string {
	var parts []string
	for _, sec := range sections {
		switch sec {
		case codefamily.TextSubjective:
			parts = append(parts, v.SubjectiveText())
		case codefamily.TextObjective:
			parts = append(parts, v.ObjectiveText())
		}
	}
	return strings.ToLower(strings.Join(parts, "\n"))
}

// containsAny expects text to be lower-cased already; keywords are
// lower-cased when the rule table is loaded.
func containsAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	for _, k := range keywords {
		if k != "" && strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func score(met, total int) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(100 * float64(met) / float64(total)))
}
