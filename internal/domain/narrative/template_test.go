package narrative

import (
	"testing"
	"time"

	"github.com/ehr/chartcheck/internal/domain/assertion"
	"github.com/ehr/chartcheck/internal/domain/codefamily"
	"github.com/ehr/chartcheck/internal/domain/visit"
)

func TestSubstitute(t *testing.T) {
	tc := TemplateContext{Teeth: "#30", Surfaces: "MO", Procedure: "Resin", Code: "D2392", VisitType: "Treatment visit"}
	tests := []struct {
		in, want string
	}{
		{"Caries on {{teeth}} {{surfaces}}.", "Caries on #30 MO."},
		{"{{ procedure }} ({{code}})", "Resin (D2392)"},
		{"{{visit_type}}: {{unknown}}done", "Treatment visit: done"},
		{"no tokens", "no tokens"},
	}
	for _, tt := range tests {
		if got := Substitute(tt.in, tc); got != tt.want {
			t.Errorf("Substitute(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewTemplateContext(t *testing.T) {
	v := visit.VisitContext{VisitType: visit.VisitTypeEmergency}
	p := visit.ProcedureFact{Code: "d7140", DisplayName: "Extraction", Location: visit.Location{Kind: visit.LocationTeeth, Values: []string{"1", "16"}}}
	tc := NewTemplateContext(v, p, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC))
	want := TemplateContext{Teeth: "#1, #16", Procedure: "Extraction", Code: "D7140", VisitType: "Emergency visit", Date: "2026-10-18"}
	if tc != want {
		t.Errorf("got %+v, want %+v", tc, want)
	}
}

func TestTemplateComposer_AppendsOnce(t *testing.T) {
	tcmp := NewTemplateComposer(codefamily.Default()).WithClock(func() time.Time { return fixedNow })
	tc := TemplateContext{Teeth: "#30", Surfaces: "O", Procedure: "Resin composite", Code: "D2391"}

	in := sections()
	for i := range in {
		if in[i].Type == assertion.SectionSubjective {
			in[i].Content = "Patient anxious."
		}
	}

	out := tcmp.Apply("d2391", tc, in)
	subj := find(t, out, assertion.SectionSubjective)
	if subj.Content != "Patient anxious.\n\nPatient presents for restoration of #30." {
		t.Errorf("subjective = %q", subj.Content)
	}
	if got := find(t, out, assertion.SectionPlan).Content; got != "Resin composite (D2391) on #30 O." {
		t.Errorf("plan = %q", got)
	}
	if tp := find(t, out, assertion.SectionTreatmentPerformed); tp.Content != "" || tp.LastEditedAt != nil {
		t.Errorf("treatment section has no template and should be untouched: %+v", tp)
	}

	again := tcmp.Apply("D2391", tc, out)
	for i := range again {
		if again[i].Content != out[i].Content {
			t.Errorf("section %s changed on second apply", again[i].Type)
		}
	}
}

func TestTemplateComposer_UnknownCode(t *testing.T) {
	tcmp := NewTemplateComposer(codefamily.Default())
	if tcmp.HasTemplate("D9999") {
		t.Fatal("unexpected template")
	}
	in := sections()
	out := tcmp.Apply("D9999", TemplateContext{}, in)
	for i := range out {
		if out[i] != in[i] {
			t.Errorf("section %s changed", out[i].Type)
		}
	}
}
