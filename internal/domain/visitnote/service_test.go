package visitnote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/chartcheck/internal/domain/assertion"
	"github.com/ehr/chartcheck/internal/domain/codefamily"
	"github.com/ehr/chartcheck/internal/domain/signoff"
	"github.com/ehr/chartcheck/internal/domain/visit"
	"github.com/ehr/chartcheck/internal/platform/audit"
	"github.com/ehr/chartcheck/internal/platform/auth"
	"github.com/ehr/chartcheck/internal/platform/db"
	"github.com/ehr/chartcheck/internal/platform/lock"
	"github.com/ehr/chartcheck/internal/platform/webhook"
	"github.com/ehr/chartcheck/internal/platform/websocket"
)

// -- Mock Repository --

type mockRepo struct {
	notes   map[string]*Note
	updates int
}

func newMockRepo() *mockRepo {
	return &mockRepo{notes: make(map[string]*Note)}
}

func (m *mockRepo) GetByVisitID(_ context.Context, visitID string) (*Note, error) {
	n, ok := m.notes[visitID]
	if !ok {
		return nil, fmt.Errorf("%w: visit %s", ErrNoteNotFound, visitID)
	}
	cp := *n
	return &cp, nil
}

func (m *mockRepo) Create(_ context.Context, n *Note) error {
	if _, ok := m.notes[n.VisitID]; ok {
		return ErrVersionConflict
	}
	n.VersionID = 1
	n.CreatedAt = time.Now()
	n.UpdatedAt = n.CreatedAt
	cp := *n
	m.notes[n.VisitID] = &cp
	return nil
}

func (m *mockRepo) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *mockRepo) Update(_ context.Context, n *Note) error {
	stored, ok := m.notes[n.VisitID]
	if !ok {
		return ErrNoteNotFound
	}
	if stored.VersionID != n.VersionID {
		return ErrVersionConflict
	}
	m.updates++
	n.VersionID++
	n.UpdatedAt = time.Now()
	cp := *n
	m.notes[n.VisitID] = &cp
	return nil
}

var fixedNow = time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC)

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	registry := codefamily.NewRegistry(codefamily.Default(), zerolog.Nop())
	svc := NewService(repo, registry, lock.NewLocal(), signoff.New(signoff.DefaultPolicy()))
	svc.WithClock(func() time.Time { return fixedNow })
	return svc, repo
}

func documentedInputs() Inputs {
	return Inputs{
		Visit: visit.VisitContext{
			VisitType:               visit.VisitTypeTreatment,
			ChiefComplaint:          "Broken filling",
			HistoryOfPresentIllness: "Filling chipped last week",
			RadiographicNarrative:   "Recurrent caries #30",
		},
		Procedures: []visit.ProcedureFact{{
			ID:             "p1",
			Code:           "D2391",
			DisplayName:    "Resin composite, one surface",
			Location:       visit.Location{Kind: visit.LocationTeeth, Values: []string{"30"}},
			Surfaces:       []string{"O"},
			DiagnosisCodes: []string{"K02.9"},
		}},
		Risks: []visit.RiskDisclosure{{ID: "r1", Title: "Sensitivity", IsActive: true, LinkedCodes: []string{"D2391"}}},
	}
}

func sparseInputs() Inputs {
	return Inputs{Procedures: []visit.ProcedureFact{{ID: "p1", Code: "D2391"}}}
}

func regenerate(t *testing.T, svc *Service, visitID string, in Inputs) *Note {
	t.Helper()
	n, err := svc.Regenerate(context.Background(), visitID, RegenerateRequest{PatientID: "pat-1", Inputs: in})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	return n
}

func TestService_RegenerateCreatesNote(t *testing.T) {
	svc, repo := newTestService()
	n := regenerate(t, svc, "visit-1", documentedInputs())

	if n.VersionID != 1 || n.Status != StatusDraft {
		t.Errorf("expected draft at version 1, got %s v%d", n.Status, n.VersionID)
	}
	if n.ID == uuid.Nil || n.PatientID != "pat-1" {
		t.Errorf("unexpected identity: %+v", n)
	}
	if len(n.Sections) != len(assertion.Sections) {
		t.Errorf("expected %d sections, got %d", len(assertion.Sections), len(n.Sections))
	}
	if n.Bundle == nil || len(n.Bundle.Assertions) == 0 {
		t.Fatal("expected generated assertions")
	}
	if n.Bundle.VisitID != "visit-1" || n.Inputs.Visit.VisitID != "visit-1" {
		t.Errorf("expected visit id to be stamped, got %q/%q", n.Bundle.VisitID, n.Inputs.Visit.VisitID)
	}
	if _, ok := repo.notes["visit-1"]; !ok {
		t.Error("expected note to be persisted")
	}
}

func TestService_RegeneratePreservesEdits(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	n := regenerate(t, svc, "visit-1", documentedInputs())

	target := n.Bundle.Assertions[0].ID
	if _, err := svc.ToggleAssertion(ctx, "visit-1", target, false); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	_, manual, err := svc.AddManualAssertion(ctx, "visit-1", assertion.ManualInput{Section: assertion.SectionPlan, Label: "Follow up by phone"})
	if err != nil {
		t.Fatalf("add manual: %v", err)
	}

	n = regenerate(t, svc, "visit-1", documentedInputs())
	if n.VersionID != 4 {
		t.Errorf("expected version 4, got %d", n.VersionID)
	}
	a, ok := n.Bundle.Find(target)
	if !ok || a.Checked {
		t.Errorf("expected %s to stay unchecked, got %+v (found=%v)", target, a, ok)
	}
	if _, ok := n.Bundle.Find(manual.ID); !ok {
		t.Error("expected manual assertion to survive regeneration")
	}
}

func TestService_MutationsRequireNote(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.ToggleAssertion(ctx, "nope", "a", true); !errors.Is(err, ErrNoteNotFound) {
		t.Errorf("toggle: expected ErrNoteNotFound, got %v", err)
	}
	if _, err := svc.Compose(ctx, "nope"); !errors.Is(err, ErrNoteNotFound) {
		t.Errorf("compose: expected ErrNoteNotFound, got %v", err)
	}
	if _, err := svc.Evaluate(ctx, "nope"); !errors.Is(err, ErrNoteNotFound) {
		t.Errorf("evaluate: expected ErrNoteNotFound, got %v", err)
	}
}

func TestService_AssertionErrors(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	n := regenerate(t, svc, "visit-1", documentedInputs())

	if _, err := svc.ToggleAssertion(ctx, "visit-1", "missing", true); !errors.Is(err, ErrAssertionNotFound) {
		t.Errorf("expected ErrAssertionNotFound, got %v", err)
	}
	if _, err := svc.RemoveManualAssertion(ctx, "visit-1", n.Bundle.Assertions[0].ID); !errors.Is(err, assertion.ErrNotManual) {
		t.Errorf("expected ErrNotManual, got %v", err)
	}
	if _, _, err := svc.AddManualAssertion(ctx, "visit-1", assertion.ManualInput{Section: "NOTES", Label: "x"}); !errors.Is(err, assertion.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestService_RemoveManualAssertion(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	regenerate(t, svc, "visit-1", documentedInputs())

	_, a, err := svc.AddManualAssertion(ctx, "visit-1", assertion.ManualInput{Section: assertion.SectionSubjective, Label: "Anxious patient"})
	if err != nil {
		t.Fatal(err)
	}
	n, err := svc.RemoveManualAssertion(ctx, "visit-1", a.ID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := n.Bundle.Find(a.ID); ok {
		t.Error("expected manual assertion to be removed")
	}
}

func TestService_Compose(t *testing.T) {
	svc, _ := newTestService()
	regenerate(t, svc, "visit-1", documentedInputs())

	n, err := svc.Compose(context.Background(), "visit-1")
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	for _, sec := range n.Sections {
		if sec.Type != assertion.SectionSubjective {
			continue
		}
		if !strings.Contains(sec.Content, "Chief complaint: Broken filling") {
			t.Errorf("unexpected subjective content: %q", sec.Content)
		}
		if sec.LastEditedAt == nil || !sec.LastEditedAt.Equal(fixedNow) {
			t.Errorf("expected section to be stamped, got %v", sec.LastEditedAt)
		}
		return
	}
	t.Fatal("subjective section missing")
}

func TestService_ApplyTemplate(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	regenerate(t, svc, "visit-1", documentedInputs())

	n, err := svc.ApplyTemplate(ctx, "visit-1", "d2391")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var subjective string
	for _, sec := range n.Sections {
		if sec.Type == assertion.SectionSubjective {
			subjective = sec.Content
		}
	}
	if !strings.Contains(subjective, "restoration of #30") {
		t.Errorf("expected substituted template, got %q", subjective)
	}

	again, err := svc.ApplyTemplate(ctx, "visit-1", "D2391")
	if err != nil {
		t.Fatal(err)
	}
	for _, sec := range again.Sections {
		if sec.Type == assertion.SectionSubjective && sec.Content != subjective {
			t.Errorf("template applied twice: %q", sec.Content)
		}
	}

	if _, err := svc.ApplyTemplate(ctx, "visit-1", "ZZ999"); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestService_Evaluate(t *testing.T) {
	svc, _ := newTestService()
	regenerate(t, svc, "visit-1", documentedInputs())

	ev, err := svc.Evaluate(context.Background(), "visit-1")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Result.Score != 100 || !ev.Decision.Allowed || ev.Decision.OverrideUsed {
		t.Errorf("expected complete note, got %+v / %+v", ev.Result, ev.Decision)
	}
	if ev.Slots.Percent != 100 || ev.Slots.Next != nil {
		t.Errorf("expected all slots complete, got %+v", ev.Slots)
	}
}

func TestService_SignBlockedThenOverride(t *testing.T) {
	svc, repo := newTestService()
	ctx := auth.WithUser(context.Background(), "dr-smith", []string{auth.RoleDentist})
	regenerate(t, svc, "visit-1", sparseInputs())

	_, decision, err := svc.Sign(ctx, "visit-1", SignRequest{})
	if !errors.Is(err, ErrSignOffBlocked) {
		t.Fatalf("expected ErrSignOffBlocked, got %v", err)
	}
	if decision.Allowed || decision.Reason == "" {
		t.Errorf("expected explained refusal, got %+v", decision)
	}
	if repo.notes["visit-1"].IsSigned() {
		t.Fatal("blocked sign-off must not write")
	}

	if _, _, err := svc.Sign(ctx, "visit-1", SignRequest{OverrideReason: "  short  "}); !errors.Is(err, ErrSignOffBlocked) {
		t.Errorf("expected short override to be rejected, got %v", err)
	}

	n, decision, err := svc.Sign(ctx, "visit-1", SignRequest{OverrideReason: "  Patient left before charting  "})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !decision.OverrideUsed || n.Status != StatusSigned {
		t.Errorf("expected override sign-off, got %+v status=%s", decision, n.Status)
	}
	if n.OverrideReason == nil || *n.OverrideReason != "Patient left before charting" {
		t.Errorf("expected trimmed override reason, got %v", n.OverrideReason)
	}
	if n.SignedBy == nil || *n.SignedBy != "dr-smith" {
		t.Errorf("expected signer, got %v", n.SignedBy)
	}
	if n.SignedAt == nil || !n.SignedAt.Equal(fixedNow) || n.Score == nil || *n.Score >= 90 {
		t.Errorf("unexpected sign-off record: at=%v score=%v", n.SignedAt, n.Score)
	}
}

type chanPublisher chan webhook.Event

func (p chanPublisher) Publish(_ context.Context, ev webhook.Event) []webhook.DeliveryResult {
	p <- ev
	return nil
}

func TestService_SignPublishesEvent(t *testing.T) {
	svc, _ := newTestService()
	events := make(chanPublisher, 1)
	svc.SetPublisher(events)

	ctx := db.WithTenant(auth.WithUser(context.Background(), "dr-jones", []string{auth.RoleDentist}), "acme")
	regenerate(t, svc, "visit-1", sparseInputs())
	if _, _, err := svc.Sign(ctx, "visit-1", SignRequest{}); !errors.Is(err, ErrSignOffBlocked) {
		t.Fatalf("expected blocked sign-off, got %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("blocked sign-off published %s", ev.Type)
	default:
	}

	if _, _, err := svc.Sign(ctx, "visit-1", SignRequest{OverrideReason: "Emergency walk-in, charted later"}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != webhook.EventNoteSigned || ev.VisitID != "visit-1" || ev.TenantID != "acme" {
			t.Errorf("unexpected event: %+v", ev)
		}
		var p signedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if !p.OverrideUsed || p.SignedBy != "dr-jones" || p.Threshold != 90 || p.OverrideReason == "" {
			t.Errorf("unexpected payload: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a note.signed event")
	}
}

type recordingFeed struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (f *recordingFeed) Publish(_ context.Context, ev websocket.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func TestService_LiveFeed(t *testing.T) {
	svc, _ := newTestService()
	feed := &recordingFeed{}
	svc.SetLiveFeed(feed)
	ctx := context.Background()

	n := regenerate(t, svc, "visit-1", documentedInputs())
	if _, err := svc.ToggleAssertion(ctx, "visit-1", n.Bundle.Assertions[0].ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ToggleAssertion(ctx, "visit-1", "missing", false); err == nil {
		t.Fatal("expected toggle of unknown assertion to fail")
	}

	if len(feed.events) != 2 {
		t.Fatalf("expected 2 change events, got %d", len(feed.events))
	}
	var p changePayload
	if err := json.Unmarshal(feed.events[1].Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.Op != "ToggleAssertion" || p.Version != 2 || p.Status != StatusDraft {
		t.Errorf("unexpected payload: %+v", p)
	}
	if p.Percent >= 100 {
		t.Errorf("expected completeness to drop after unchecking, got %d", p.Percent)
	}
	if feed.events[0].VisitID != "visit-1" || feed.events[0].Type != "note.updated" {
		t.Errorf("unexpected event: %+v", feed.events[0])
	}
}

type memAuditor struct {
	entries []audit.Entry
	err     error
}

func (m *memAuditor) Record(_ context.Context, e *audit.Entry) error {
	if m.err != nil {
		return m.err
	}
	e.ID = uuid.New()
	e.Recorded = fixedNow
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memAuditor) List(_ context.Context, entityType, entityID string, limit, offset int) ([]audit.Entry, int, error) {
	var out []audit.Entry
	for _, e := range m.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func TestService_AuditTrail(t *testing.T) {
	svc, _ := newTestService()
	aud := &memAuditor{}
	svc.SetAuditor(aud)
	ctx := auth.WithUser(context.Background(), "dr-lee", []string{auth.RoleDentist})

	regenerate(t, svc, "visit-1", sparseInputs())
	if _, _, err := svc.Sign(ctx, "visit-1", SignRequest{}); !errors.Is(err, ErrSignOffBlocked) {
		t.Fatalf("expected blocked sign-off, got %v", err)
	}
	if _, _, err := svc.Sign(ctx, "visit-1", SignRequest{OverrideReason: "Documented on paper chart"}); err != nil {
		t.Fatalf("sign: %v", err)
	}

	entries, total, err := svc.AuditTrail(ctx, "visit-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", total)
	}
	wantActions := []string{"Regenerate", "Sign", "Sign"}
	wantOutcomes := []string{audit.OutcomeSuccess, audit.OutcomeDenied, audit.OutcomeSuccess}
	for i, e := range entries {
		if e.Action != wantActions[i] || e.Outcome != wantOutcomes[i] {
			t.Errorf("entry %d: got %s/%s, want %s/%s", i, e.Action, e.Outcome, wantActions[i], wantOutcomes[i])
		}
	}
	var detail auditDetail
	if err := json.Unmarshal(entries[2].Detail, &detail); err != nil {
		t.Fatal(err)
	}
	if detail.Status != StatusSigned || detail.Score == nil || detail.OverrideReason == nil {
		t.Errorf("unexpected sign detail: %+v", detail)
	}
	if entries[2].Actor != "dr-lee" {
		t.Errorf("expected actor dr-lee, got %q", entries[2].Actor)
	}
}

func TestService_AuditFailureFailsWrite(t *testing.T) {
	svc, _ := newTestService()
	regenerate(t, svc, "visit-1", documentedInputs())
	svc.SetAuditor(&memAuditor{err: errors.New("audit table missing")})

	if _, err := svc.Compose(context.Background(), "visit-1"); err == nil {
		t.Fatal("expected compose to fail when the audit entry cannot be written")
	}
}

func TestService_SignedNoteIsImmutable(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	n := regenerate(t, svc, "visit-1", documentedInputs())

	if _, _, err := svc.Sign(ctx, "visit-1", SignRequest{}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	before := repo.updates

	id := n.Bundle.Assertions[0].ID
	checks := map[string]error{}
	_, checks["toggle"] = svc.ToggleAssertion(ctx, "visit-1", id, false)
	_, _, checks["add"] = svc.AddManualAssertion(ctx, "visit-1", assertion.ManualInput{Section: assertion.SectionPlan, Label: "late"})
	_, checks["compose"] = svc.Compose(ctx, "visit-1")
	_, checks["template"] = svc.ApplyTemplate(ctx, "visit-1", "D2391")
	_, _, checks["sign"] = svc.Sign(ctx, "visit-1", SignRequest{})
	_, checks["regenerate"] = svc.Regenerate(ctx, "visit-1", RegenerateRequest{Inputs: documentedInputs()})
	for op, err := range checks {
		if !errors.Is(err, ErrNoteSigned) {
			t.Errorf("%s: expected ErrNoteSigned, got %v", op, err)
		}
	}
	if repo.updates != before {
		t.Errorf("signed note was written %d times", repo.updates-before)
	}
}

func TestService_VersionConflict(t *testing.T) {
	svc, repo := newTestService()
	n := regenerate(t, svc, "visit-1", documentedInputs())

	// Another replica wrote in between.
	repo.notes["visit-1"].VersionID = 7
	stale := *n
	if err := repo.Update(context.Background(), &stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict from repo, got %v", err)
	}
	if _, err := svc.Compose(context.Background(), "visit-1"); err != nil {
		t.Errorf("fresh read should not conflict: %v", err)
	}
}

func TestService_StatelessOperations(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	if res := svc.Score(ctx, documentedInputs()); res.Score != 100 {
		t.Errorf("expected 100, got %+v", res)
	}
	if b := svc.Generate(ctx, documentedInputs()); len(b.Assertions) == 0 {
		t.Error("expected assertions")
	}
	fams := svc.Classify(ctx, " d2391 ")
	if len(fams) != 1 || fams[0].ID != "restorative_direct" {
		t.Errorf("unexpected families %v", fams)
	}
	if len(repo.notes) != 0 {
		t.Error("stateless operations must not persist")
	}
}

func TestService_ConcurrentToggles(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	n := regenerate(t, svc, "visit-1", documentedInputs())

	errs := make(chan error, len(n.Bundle.Assertions))
	for _, a := range n.Bundle.Assertions {
		go func(id string) {
			_, err := svc.ToggleAssertion(ctx, "visit-1", id, false)
			errs <- err
		}(a.ID)
	}
	for range n.Bundle.Assertions {
		if err := <-errs; err != nil {
			t.Errorf("toggle: %v", err)
		}
	}
	got, _ := svc.GetNote(ctx, "visit-1")
	for _, a := range got.Bundle.Assertions {
		if a.Checked {
			t.Errorf("assertion %q lost its toggle", a.Label)
		}
	}
}
