package visitnote

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/chartcheck/internal/domain/assertion"
	"github.com/ehr/chartcheck/internal/domain/codefamily"
	"github.com/ehr/chartcheck/internal/platform/auth"
	"github.com/ehr/chartcheck/internal/platform/lock"
	"github.com/ehr/chartcheck/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Stateless engine endpoints
	api.POST("/completeness/score", h.ScoreVisit)
	api.POST("/assertions/generate", h.GenerateAssertions)
	api.GET("/code-families", h.ListCodeFamilies)
	api.GET("/code-families/classify/:code", h.ClassifyCode)

	// Note endpoints – clinical staff
	notes := api.Group("/visits/:visitId/note",
		auth.RequireRole(auth.RoleDentist, auth.RolePhysician, auth.RoleHygienist))
	notes.GET("", h.GetNote)
	notes.GET("/completeness", h.EvaluateNote)
	notes.POST("/regenerate", h.RegenerateNote)
	notes.PUT("/assertions/:assertionId", h.ToggleAssertion)
	notes.POST("/assertions", h.AddManualAssertion)
	notes.DELETE("/assertions/:assertionId", h.RemoveManualAssertion)
	notes.POST("/compose", h.ComposeNote)
	notes.POST("/templates/:code", h.ApplyTemplate)
	notes.GET("/audit", h.ListAudit)

	// Sign-off – licensed providers only
	api.POST("/visits/:visitId/note/sign", h.SignNote,
		auth.RequireRole(auth.RoleDentist, auth.RolePhysician))
}

// -- Stateless Handlers --

func (h *Handler) ScoreVisit(c echo.Context) error {
	var in Inputs
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, h.svc.Score(c.Request().Context(), in))
}

func (h *Handler) GenerateAssertions(c echo.Context) error {
	var in Inputs
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, h.svc.Generate(c.Request().Context(), in))
}

type familyView struct {
	ID              string   `json:"id"`
	Label           string   `json:"label"`
	Pattern         string   `json:"pattern"`
	VisitRadiograph bool     `json:"visit_radiograph"`
	Requirements    []string `json:"requirements"`
}

func toFamilyView(f *codefamily.CodeFamily) familyView {
	v := familyView{ID: f.ID, Label: f.Label, Pattern: f.Pattern, VisitRadiograph: f.VisitRadiograph}
	v.Requirements = make([]string, 0, len(f.Requirements))
	for _, r := range f.Requirements {
		v.Requirements = append(v.Requirements, r.Message)
	}
	return v
}

func (h *Handler) ListCodeFamilies(c echo.Context) error {
	pg := pagination.FromContext(c)
	rs := h.svc.RuleSet(c.Request().Context())
	page := pagination.Slice(rs.Families, pg)
	views := make([]familyView, len(page))
	for i, f := range page {
		views[i] = toFamilyView(f)
	}
	c.Response().Header().Set("X-Rules-Version", rs.Version)
	return c.JSON(http.StatusOK, pagination.NewResponse(views, len(rs.Families), pg))
}

func (h *Handler) ClassifyCode(c echo.Context) error {
	code := strings.TrimSpace(c.Param("code"))
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	fams := h.svc.Classify(c.Request().Context(), code)
	ids := make([]string, len(fams))
	for i, f := range fams {
		ids[i] = f.ID
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"code":     strings.ToUpper(code),
		"families": ids,
	})
}

// -- Note Handlers --

func (h *Handler) GetNote(c echo.Context) error {
	n, err := h.svc.GetNote(c.Request().Context(), c.Param("visitId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) EvaluateNote(c echo.Context) error {
	ev, err := h.svc.Evaluate(c.Request().Context(), c.Param("visitId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ev)
}

func (h *Handler) ListAudit(c echo.Context) error {
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.AuditTrail(c.Request().Context(), c.Param("visitId"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg))
}

func (h *Handler) RegenerateNote(c echo.Context) error {
	var req RegenerateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, err := h.svc.Regenerate(c.Request().Context(), c.Param("visitId"), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) ToggleAssertion(c echo.Context) error {
	var req ToggleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, err := h.svc.ToggleAssertion(c.Request().Context(), c.Param("visitId"), c.Param("assertionId"), req.Checked)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) AddManualAssertion(c echo.Context) error {
	var in assertion.ManualInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, a, err := h.svc.AddManualAssertion(c.Request().Context(), c.Param("visitId"), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"assertion": a,
		"note":      n,
	})
}

func (h *Handler) RemoveManualAssertion(c echo.Context) error {
	if _, err := h.svc.RemoveManualAssertion(c.Request().Context(), c.Param("visitId"), c.Param("assertionId")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ComposeNote(c echo.Context) error {
	n, err := h.svc.Compose(c.Request().Context(), c.Param("visitId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) ApplyTemplate(c echo.Context) error {
	n, err := h.svc.ApplyTemplate(c.Request().Context(), c.Param("visitId"), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) SignNote(c echo.Context) error {
	var req SignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, decision, err := h.svc.Sign(c.Request().Context(), c.Param("visitId"), req)
	if errors.Is(err, ErrSignOffBlocked) {
		return c.JSON(http.StatusUnprocessableEntity, decision)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"note":     n,
		"sign_off": decision,
	})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNoteNotFound), errors.Is(err, ErrAssertionNotFound), errors.Is(err, ErrTemplateNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNoteSigned), errors.Is(err, ErrVersionConflict), errors.Is(err, lock.ErrNotAcquired):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrSignOffBlocked), errors.Is(err, assertion.ErrInvalid), errors.Is(err, assertion.ErrNotManual):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
