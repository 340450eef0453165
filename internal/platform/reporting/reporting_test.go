package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
)

// -- fake querier --

type fakeRows struct {
	fields []pgconn.FieldDescription
	rows   [][]any
	idx    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *fakeRows) Scan(...any) error                            { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.rows)
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.idx-1], nil }

type fakeQuerier struct {
	sql  string
	args []any
	rows *fakeRows
	err  error
}

func (q *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.sql, q.args = sql, args
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

func evaluate(t *testing.T, h *Handler, id, since string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	target := "/reports/measures/" + id + "/evaluate"
	if since != "" {
		target += "?since=" + since
	}
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.EvaluateMeasure(c); err != nil {
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			t.Fatalf("unexpected error: %v", err)
		}
		rec.Code = he.Code
	}
	return rec
}

// -- tests --

func TestPredefinedMeasures(t *testing.T) {
	expectedIDs := []string{"note-status", "override-rate", "score-distribution", "signer-activity"}
	if len(PredefinedMeasures) != len(expectedIDs) {
		t.Fatalf("expected %d predefined measures, got %d", len(expectedIDs), len(PredefinedMeasures))
	}
	for i, id := range expectedIDs {
		m := PredefinedMeasures[i]
		if m.ID != id {
			t.Errorf("expected measure[%d].ID = %s, got %s", i, id, m.ID)
		}
		if m.Name == "" || m.Description == "" {
			t.Errorf("measure %s is missing a name or description", m.ID)
		}
		if !strings.Contains(m.SQL, "visit_note") || !strings.Contains(m.SQL, "$1") {
			t.Errorf("measure %s must query visit_note bounded by $1", m.ID)
		}
	}
}

func TestFindMeasure(t *testing.T) {
	if m := FindMeasure("override-rate"); m == nil || m.Name != "Override Rate" {
		t.Errorf("expected override-rate, got %+v", m)
	}
	if FindMeasure("patient-count") != nil {
		t.Error("expected nil for unknown measure")
	}
}

func TestEvaluateMeasure(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	q := &fakeQuerier{rows: &fakeRows{
		fields: []pgconn.FieldDescription{{Name: "status"}, {Name: "total"}},
		rows:   [][]any{{"draft", int64(4)}, {"signed", int64(11)}},
	}}
	h := NewHandler(q)
	h.now = func() time.Time { return now }

	rec := evaluate(t, h, "note-status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report MeasureReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.MeasureID != "note-status" || len(report.Results) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Results[1]["status"] != "signed" || report.Results[1]["total"] != float64(11) {
		t.Errorf("unexpected row: %v", report.Results[1])
	}
	if want := now.Add(-DefaultWindow); !report.Since.Equal(want) {
		t.Errorf("expected default window since %v, got %v", want, report.Since)
	}
	if len(q.args) != 1 || q.sql != FindMeasure("note-status").SQL {
		t.Errorf("unexpected query: %q %v", q.sql, q.args)
	}
}

func TestEvaluateMeasure_Since(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{}}
	h := NewHandler(q)

	if rec := evaluate(t, h, "override-rate", "2026-01-01"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := q.args[0].(time.Time); !got.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected since: %v", got)
	}
	if rec := evaluate(t, h, "override-rate", "yesterday"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad since, got %d", rec.Code)
	}
}

func TestEvaluateMeasure_Errors(t *testing.T) {
	h := NewHandler(&fakeQuerier{err: errors.New("relation does not exist")})
	if rec := evaluate(t, h, "nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := evaluate(t, h, "signer-activity", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestListMeasures_HidesSQL(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/reports/measures", nil), rec)
	if err := NewHandler(&fakeQuerier{}).ListMeasures(c); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(rec.Body.String(), "SELECT") {
		t.Error("measure SQL must not be exposed")
	}
}
