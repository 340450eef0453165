package visitnote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ehr/chartcheck/internal/domain/assertion"
	"github.com/ehr/chartcheck/internal/domain/codefamily"
	"github.com/ehr/chartcheck/internal/domain/completeness"
	"github.com/ehr/chartcheck/internal/domain/narrative"
	"github.com/ehr/chartcheck/internal/domain/signoff"
	"github.com/ehr/chartcheck/internal/domain/visit"
	"github.com/ehr/chartcheck/internal/platform/audit"
	"github.com/ehr/chartcheck/internal/platform/auth"
	"github.com/ehr/chartcheck/internal/platform/db"
	"github.com/ehr/chartcheck/internal/platform/lock"
	"github.com/ehr/chartcheck/internal/platform/telemetry"
	"github.com/ehr/chartcheck/internal/platform/webhook"
	"github.com/ehr/chartcheck/internal/platform/websocket"
)

// Auditor keeps the note's audit trail. *audit.Logger satisfies it.
type Auditor interface {
	Record(ctx context.Context, e *audit.Entry) error
	List(ctx context.Context, entityType, entityID string, limit, offset int) ([]audit.Entry, int, error)
}

// AuditEntity is the entity type of note audit entries.
const AuditEntity = "visit_note"

// LiveFeed receives a change event after every note write.
// *websocket.Hub satisfies it.
type LiveFeed interface {
	Publish(ctx context.Context, ev websocket.Event) error
}

// Publisher receives note lifecycle events. *webhook.Notifier satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ev webhook.Event) []webhook.DeliveryResult
}

// Service owns the document state of visit notes. The engine packages it
// calls are pure; every read-modify-write here runs under a per-visit lock.
type Service struct {
	repo      Repository
	rules     *codefamily.Registry
	locker    lock.Locker
	gate      *signoff.Gate
	metrics   *telemetry.Metrics
	publisher Publisher
	live      LiveFeed
	auditor   Auditor
	now       func() time.Time
}

func NewService(repo Repository, rules *codefamily.Registry, locker lock.Locker, gate *signoff.Gate) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if gate == nil {
		gate = signoff.New(signoff.DefaultPolicy())
	}
	return &Service{repo: repo, rules: rules, locker: locker, gate: gate, now: time.Now}
}

// SetMetrics attaches optional instruments.
func (s *Service) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// SetPublisher enables sign-off events. Delivery runs in the background and
// never fails the sign-off.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetAuditor records every note write, and refused sign-offs, in the
// audit trail.
func (s *Service) SetAuditor(a Auditor) {
	s.auditor = a
}

// SetLiveFeed streams note changes to connected clients.
func (s *Service) SetLiveFeed(f LiveFeed) {
	s.live = f
}

// WithClock overrides the clock used for generation, composition and
// sign-off timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Gate() *signoff.Gate { return s.gate }

// RuleSet returns the requirement table in effect for the request's tenant.
func (s *Service) RuleSet(ctx context.Context) *codefamily.RuleSet {
	return s.rules.RuleSet(db.TenantFromContext(ctx))
}

func (s *Service) classifier(ctx context.Context) *codefamily.Classifier {
	return s.rules.Classifier(db.TenantFromContext(ctx))
}

// -- Stateless operations --

// Classify returns the families a billing code belongs to.
func (s *Service) Classify(ctx context.Context, code string) []*codefamily.CodeFamily {
	return s.classifier(ctx).Families(code)
}

// Generate builds a fresh bundle without touching any stored note.
func (s *Service) Generate(ctx context.Context, in Inputs) *assertion.Bundle {
	return assertion.NewGenerator(s.classifier(ctx)).WithClock(s.now).
		Generate(in.Visit, in.Procedures, in.Risks)
}

// Score runs the rule-driven scorer over in.
func (s *Service) Score(ctx context.Context, in Inputs) completeness.Result {
	res := completeness.NewScorer(s.classifier(ctx)).Score(in.Visit, in.Procedures, in.Risks)
	s.recordScore(ctx, res.Score)
	return res
}

// -- Note operations --

func (s *Service) GetNote(ctx context.Context, visitID string) (*Note, error) {
	return s.repo.GetByVisitID(ctx, visitID)
}

// Regenerate rebuilds the visit's assertion bundle from req and merges it
// with the stored one, so user toggles and manual assertions survive. The
// note is created on first use.
func (s *Service) Regenerate(ctx context.Context, visitID string, req RegenerateRequest) (n *Note, err error) {
	ctx, span := telemetry.StartSpan(ctx, "visitnote.Regenerate", attribute.String("visit.id", visitID))
	defer func() { telemetry.End(span, err) }()

	release, err := s.acquire(ctx, visitID)
	if err != nil {
		return nil, err
	}
	defer release()

	n, err = s.repo.GetByVisitID(ctx, visitID)
	created := false
	switch {
	case errors.Is(err, ErrNoteNotFound):
		created = true
		n = &Note{
			ID:       uuid.New(),
			VisitID:  visitID,
			Status:   StatusDraft,
			Sections: narrative.EmptySections(func() string { return uuid.New().String() }),
		}
	case err != nil:
		return nil, err
	case n.IsSigned():
		return nil, fmt.Errorf("%w: visit %s", ErrNoteSigned, visitID)
	}

	if req.PatientID != "" {
		n.PatientID = req.PatientID
	}
	in := req.Inputs
	in.Visit.VisitID = visitID
	n.Inputs = in
	n.Bundle = assertion.Merge(n.Bundle, s.Generate(ctx, in))

	if err = s.save(ctx, n, "Regenerate", created); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Regenerations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("created", created)))
	}
	zerolog.Ctx(ctx).Info().
		Str("visit_id", visitID).
		Int("assertions", len(n.Bundle.Assertions)).
		Int("version", n.VersionID).
		Msg("assertion bundle regenerated")
	s.broadcast(ctx, n, "Regenerate")
	return n, nil
}

// ToggleAssertion sets the checked state of one assertion.
func (s *Service) ToggleAssertion(ctx context.Context, visitID, assertionID string, checked bool) (*Note, error) {
	return s.mutate(ctx, visitID, "ToggleAssertion", func(n *Note) error {
		b, err := assertion.Toggle(n.Bundle, assertionID, checked)
		if err != nil {
			return assertionErr(err)
		}
		n.Bundle = b
		return nil
	})
}

// AddManualAssertion appends a user-entered fact.
func (s *Service) AddManualAssertion(ctx context.Context, visitID string, in assertion.ManualInput) (*Note, assertion.Assertion, error) {
	var added assertion.Assertion
	n, err := s.mutate(ctx, visitID, "AddManualAssertion", func(n *Note) error {
		b, a, err := assertion.AddManual(n.Bundle, in)
		if err != nil {
			return err
		}
		if b.VisitID == "" {
			b.VisitID = visitID
		}
		n.Bundle, added = b, a
		return nil
	})
	return n, added, err
}

// RemoveManualAssertion deletes a manual assertion. Generated assertions can
// only be unchecked.
func (s *Service) RemoveManualAssertion(ctx context.Context, visitID, assertionID string) (*Note, error) {
	return s.mutate(ctx, visitID, "RemoveManualAssertion", func(n *Note) error {
		b, err := assertion.RemoveManual(n.Bundle, assertionID)
		if err != nil {
			return assertionErr(err)
		}
		n.Bundle = b
		return nil
	})
}

// Compose renders the checked assertions into the note's sections.
func (s *Service) Compose(ctx context.Context, visitID string) (*Note, error) {
	return s.mutate(ctx, visitID, "Compose", func(n *Note) error {
		n.Sections = narrative.NewComposer().WithClock(s.now).Compose(n.Bundle, s.ensureSections(n.Sections))
		return nil
	})
}

// ApplyTemplate appends the canned text for code. The procedure with that
// code in the stored inputs supplies the substitution context.
func (s *Service) ApplyTemplate(ctx context.Context, visitID, code string) (*Note, error) {
	tc := narrative.NewTemplateComposer(s.RuleSet(ctx)).WithClock(s.now)
	if !tc.HasTemplate(code) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, visit.NormalizeCode(code))
	}
	return s.mutate(ctx, visitID, "ApplyTemplate", func(n *Note) error {
		proc := visit.ProcedureFact{Code: code}
		for _, p := range n.Inputs.Procedures {
			if p.NormalizedCode() == visit.NormalizeCode(code) {
				proc = p
				break
			}
		}
		vars := narrative.NewTemplateContext(n.Inputs.Visit, proc, s.now())
		n.Sections = tc.Apply(code, vars, s.ensureSections(n.Sections))
		return nil
	})
}

// Evaluate reports slot completeness of the stored bundle, the rule score of
// the stored inputs, and what the gate would answer without an override.
func (s *Service) Evaluate(ctx context.Context, visitID string) (*Evaluation, error) {
	n, err := s.repo.GetByVisitID(ctx, visitID)
	if err != nil {
		return nil, err
	}
	res := s.Score(ctx, n.Inputs)
	return &Evaluation{
		Slots:    assertion.NoteCompleteness(n.Bundle),
		Result:   res,
		Decision: s.gate.Decide(res.Score, ""),
	}, nil
}

// Sign finalizes the note when the gate allows it. A blocked attempt returns
// the decision together with ErrSignOffBlocked.
func (s *Service) Sign(ctx context.Context, visitID string, req SignRequest) (*Note, signoff.Decision, error) {
	var decision signoff.Decision
	var score int
	n, err := s.mutate(ctx, visitID, "Sign", func(n *Note) error {
		res := completeness.NewScorer(s.classifier(ctx)).Score(n.Inputs.Visit, n.Inputs.Procedures, n.Inputs.Risks)
		score = res.Score
		decision = s.gate.Decide(res.Score, req.OverrideReason)
		if !decision.Allowed {
			return fmt.Errorf("%w: %s", ErrSignOffBlocked, decision.Reason)
		}
		now := s.now().UTC()
		score := res.Score
		n.Score = &score
		n.Status = StatusSigned
		n.SignedAt = &now
		if user := auth.UserIDFromContext(ctx); user != "" {
			n.SignedBy = &user
		}
		if decision.OverrideUsed {
			reason := strings.TrimSpace(req.OverrideReason)
			n.OverrideReason = &reason
		}
		return nil
	})
	if errors.Is(err, ErrSignOffBlocked) {
		s.auditDenied(ctx, visitID, score, decision)
	}
	if err != nil {
		return nil, decision, err
	}

	if s.metrics != nil {
		s.metrics.SignOffs.Add(ctx, 1, metric.WithAttributes(attribute.Bool("override", decision.OverrideUsed)))
	}
	zerolog.Ctx(ctx).Info().
		Str("visit_id", visitID).
		Int("score", *n.Score).
		Bool("override", decision.OverrideUsed).
		Msg("note signed")
	s.publishSigned(ctx, n, decision)
	return n, decision, nil
}

type signedPayload struct {
	NoteID         string    `json:"note_id"`
	VisitID        string    `json:"visit_id"`
	PatientID      string    `json:"patient_id,omitempty"`
	Score          int       `json:"score"`
	Threshold      int       `json:"threshold"`
	OverrideUsed   bool      `json:"override_used"`
	OverrideReason string    `json:"override_reason,omitempty"`
	SignedBy       string    `json:"signed_by,omitempty"`
	SignedAt       time.Time `json:"signed_at"`
}

func (s *Service) publishSigned(ctx context.Context, n *Note, d signoff.Decision) {
	if s.publisher == nil {
		return
	}
	p := signedPayload{
		NoteID:       n.ID.String(),
		VisitID:      n.VisitID,
		PatientID:    n.PatientID,
		Score:        *n.Score,
		Threshold:    s.gate.Policy().Threshold,
		OverrideUsed: d.OverrideUsed,
		SignedAt:     *n.SignedAt,
	}
	if n.OverrideReason != nil {
		p.OverrideReason = *n.OverrideReason
	}
	if n.SignedBy != nil {
		p.SignedBy = *n.SignedBy
	}
	ev, err := webhook.NewEvent(webhook.EventNoteSigned, db.TenantFromContext(ctx), n.VisitID, p)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("visit_id", n.VisitID).Msg("build sign-off event")
		return
	}
	bg := context.WithoutCancel(ctx)
	go s.publisher.Publish(bg, ev)
}

// mutate loads the note under the visit lock, applies fn and saves it.
// Signed notes are never written.
func (s *Service) mutate(ctx context.Context, visitID, op string, fn func(n *Note) error) (n *Note, err error) {
	ctx, span := telemetry.StartSpan(ctx, "visitnote."+op, attribute.String("visit.id", visitID))
	defer func() { telemetry.End(span, err) }()

	release, err := s.acquire(ctx, visitID)
	if err != nil {
		return nil, err
	}
	defer release()

	n, err = s.repo.GetByVisitID(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if n.IsSigned() {
		return nil, fmt.Errorf("%w: visit %s", ErrNoteSigned, visitID)
	}
	if err = fn(n); err != nil {
		return nil, err
	}
	if err = s.save(ctx, n, op, false); err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Debug().Str("visit_id", visitID).Str("op", op).Int("version", n.VersionID).Msg("note updated")
	s.broadcast(ctx, n, op)
	return n, nil
}

func (s *Service) acquire(ctx context.Context, visitID string) (func(), error) {
	key := "visit:" + visitID
	if tenant := db.TenantFromContext(ctx); tenant != "" {
		key = tenant + ":" + key
	}
	return s.locker.Acquire(ctx, key)
}

// ensureSections adds any canonical section the stored note is missing.
func (s *Service) ensureSections(sections []narrative.DocumentSection) []narrative.DocumentSection {
	have := make(map[assertion.Section]bool, len(sections))
	for _, sec := range sections {
		have[sec.Type] = true
	}
	out := sections
	for _, t := range assertion.Sections {
		if !have[t] {
			out = append(out, narrative.DocumentSection{ID: uuid.New().String(), Type: t})
		}
	}
	return out
}

func (s *Service) recordScore(ctx context.Context, score int) {
	if s.metrics != nil {
		s.metrics.Score.Record(ctx, int64(score))
	}
}

func assertionErr(err error) error {
	if errors.Is(err, assertion.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrAssertionNotFound, err)
	}
	return err
}

type changePayload struct {
	Op        string `json:"op"`
	Version   int    `json:"version"`
	Status    Status `json:"status"`
	Percent   int    `json:"percent"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

// broadcast tells live clients the note changed. Failures only log.
func (s *Service) broadcast(ctx context.Context, n *Note, op string) {
	if s.live == nil {
		return
	}
	data, err := json.Marshal(changePayload{
		Op:        op,
		Version:   n.VersionID,
		Status:    n.Status,
		Percent:   assertion.NoteCompleteness(n.Bundle).Percent,
		UpdatedBy: auth.UserIDFromContext(ctx),
	})
	if err == nil {
		err = s.live.Publish(ctx, websocket.Event{Type: "note.updated", VisitID: n.VisitID, Timestamp: s.now().UTC(), Data: data})
	}
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("visit_id", n.VisitID).Msg("live note update failed")
	}
}

// AuditTrail returns the visit's audit entries, oldest first.
func (s *Service) AuditTrail(ctx context.Context, visitID string, limit, offset int) ([]audit.Entry, int, error) {
	if s.auditor == nil {
		return []audit.Entry{}, 0, nil
	}
	return s.auditor.List(ctx, AuditEntity, visitID, limit, offset)
}

type auditDetail struct {
	Version        int     `json:"version"`
	Status         Status  `json:"status"`
	Score          *int    `json:"score,omitempty"`
	OverrideReason *string `json:"override_reason,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// save writes n and its audit entry in one transaction.
func (s *Service) save(ctx context.Context, n *Note, op string, create bool) error {
	return s.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if create {
			err = s.repo.Create(ctx, n)
		} else {
			err = s.repo.Update(ctx, n)
		}
		if err != nil {
			return err
		}
		if s.auditor == nil {
			return nil
		}
		e, err := audit.NewEntry(ctx, AuditEntity, n.VisitID, op, auditDetail{
			Version:        n.VersionID,
			Status:         n.Status,
			Score:          n.Score,
			OverrideReason: n.OverrideReason,
		})
		if err != nil {
			return err
		}
		return s.auditor.Record(ctx, e)
	})
}

func (s *Service) auditDenied(ctx context.Context, visitID string, score int, d signoff.Decision) {
	if s.auditor == nil {
		return
	}
	e, err := audit.NewEntry(ctx, AuditEntity, visitID, "Sign", auditDetail{Status: StatusDraft, Score: &score, Reason: d.Reason})
	if err == nil {
		e.Outcome = audit.OutcomeDenied
		err = s.auditor.Record(ctx, e)
	}
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("visit_id", visitID).Msg("audit refused sign-off")
	}
}
