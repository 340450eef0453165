// Package reporting serves read-only documentation quality measures computed
// over the tenant's visit notes.
package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/ehr/chartcheck/internal/platform/auth"
	"github.com/ehr/chartcheck/internal/platform/db"
)

// MeasureDefinition defines a reporting measure with its SQL query. Every
// query takes the lower bound of updated_at as $1.
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"-"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string           `json:"measure_id"`
	MeasureName string           `json:"measure_name"`
	Since       time.Time        `json:"since"`
	GeneratedAt time.Time        `json:"generated_at"`
	Results     []map[string]any `json:"results"`
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "note-status",
		Name:        "Note Status",
		Description: "Visit notes grouped by draft or signed status",
		SQL:         `SELECT status, COUNT(*) AS total FROM visit_note WHERE updated_at >= $1 GROUP BY status ORDER BY status`,
	},
	{
		ID:          "override-rate",
		Name:        "Override Rate",
		Description: "Signed notes finalized below threshold with an override reason",
		SQL: `SELECT COUNT(*) AS signed,
			COALESCE(SUM(CASE WHEN override_reason IS NOT NULL THEN 1 ELSE 0 END), 0) AS overridden
			FROM visit_note WHERE status = 'signed' AND signed_at >= $1`,
	},
	{
		ID:          "score-distribution",
		Name:        "Score Distribution",
		Description: "Completeness scores of signed notes in ten point buckets",
		SQL: `SELECT LEAST(score / 10 * 10, 90) AS bucket, COUNT(*) AS total
			FROM visit_note WHERE status = 'signed' AND score IS NOT NULL AND signed_at >= $1
			GROUP BY bucket ORDER BY bucket`,
	},
	{
		ID:          "signer-activity",
		Name:        "Signer Activity",
		Description: "Signed notes and overrides per signer",
		SQL: `SELECT COALESCE(signed_by, 'unknown') AS signer, COUNT(*) AS signed,
			COALESCE(SUM(CASE WHEN override_reason IS NOT NULL THEN 1 ELSE 0 END), 0) AS overridden,
			ROUND(AVG(score)) AS average_score
			FROM visit_note WHERE status = 'signed' AND signed_at >= $1
			GROUP BY signer ORDER BY signed DESC`,
	},
}

// DefaultWindow is how far back measures look when no since is given.
const DefaultWindow = 30 * 24 * time.Hour

// Querier is satisfied by *pgxpool.Pool and *pgxpool.Conn.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	db  Querier
	now func() time.Time
}

// NewHandler creates a reporting handler. Requests run on the tenant
// connection when one is attached to the context.
func NewHandler(q Querier) *Handler {
	return &Handler{db: q, now: time.Now}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequireRole(auth.RoleAdmin, auth.RoleDentist, auth.RolePhysician))
	g.GET("/measures", h.ListMeasures)
	g.GET("/measures/:id/evaluate", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	since := h.now().Add(-DefaultWindow).UTC()
	if raw := c.QueryParam("since"); raw != "" {
		t, err := parseSince(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		since = t
	}

	results, err := h.query(c.Request().Context(), measure.SQL, since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		Since:       since,
		GeneratedAt: h.now().UTC(),
		Results:     results,
	})
}

func parseSince(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("since must be RFC3339 or YYYY-MM-DD, got %q", raw)
	}
	return t, nil
}

func (h *Handler) querier(ctx context.Context) Querier {
	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn
	}
	return h.db
}

// query runs sql and returns rows as maps keyed by column name.
func (h *Handler) query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	q := h.querier(ctx)
	if q == nil {
		return nil, fmt.Errorf("no database connection")
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
