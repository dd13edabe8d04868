package scan

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/ctflow/ctflow/internal/platform/auth"
	"github.com/ctflow/ctflow/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := []string{auth.RoleEDPhysician, auth.RoleRadiologist, auth.RoleNurse, auth.RoleTechnician, auth.RoleTransport}

	readGroup := api.Group("", auth.RequireRole(clinical...))
	readGroup.GET("/scans", h.List)
	readGroup.GET("/scans/:id", h.Get)
	readGroup.GET("/scans/:id/history", h.History)
	readGroup.POST("/scans/classify", h.Classify)
	readGroup.GET("/patients/:id/scans", h.ListByPatient)

	// Ordering new scans is the ED physician's call.
	orderGroup := api.Group("", auth.RequireRole(auth.RoleEDPhysician))
	orderGroup.POST("/scans", h.Create)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleEDPhysician, auth.RoleRadiologist, auth.RoleNurse, auth.RoleTechnician))
	writeGroup.PUT("/scans/:id", h.Update)
	writeGroup.POST("/scans/:id/transition", h.Transition)
	writeGroup.POST("/scans/:id/cancel", h.Cancel)

	reportGroup := api.Group("", auth.RequireRole(auth.RoleRadiologist))
	reportGroup.POST("/scans/:id/report", h.AttachReport)
}

func (h *Handler) Create(c echo.Context) error {
	var sc Scan
	if err := c.Bind(&sc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if sc.OrderedBy == uuid.Nil {
		if id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context())); err == nil {
			sc.OrderedBy = id
		}
	}
	if err := h.svc.Create(c.Request().Context(), &sc); err != nil {
		return scanError(err)
	}
	return c.JSON(http.StatusCreated, sc)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		// Fall back to lookup by scan number for CT-... identifiers.
		sc, nerr := h.svc.GetByNumber(c.Request().Context(), c.Param("id"))
		if nerr != nil {
			return echo.NewHTTPError(http.StatusNotFound, "scan not found")
		}
		return c.JSON(http.StatusOK, sc)
	}
	sc, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "scan not found")
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)

	params := map[string]string{}
	for _, key := range []string{"patient_id", "status", "urgency", "scanner_id", "critical_findings"} {
		if v := c.QueryParam(key); v != "" {
			params[key] = v
		}
	}

	items, total, err := h.svc.Search(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListByPatient(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Update(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var sc Scan
	if err := c.Bind(&sc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sc.ID = id
	if err := h.svc.Update(c.Request().Context(), &sc); err != nil {
		return scanError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

type transitionRequest struct {
	TargetStatus string `json:"target_status"`
	TransitionPayload
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	actor := auth.UserIDFromContext(ctx)
	role := auth.RoleFromContext(ctx)
	if err := h.svc.Transition(ctx, id, req.TargetStatus, actor, role, req.TransitionPayload); err != nil {
		return scanError(err)
	}
	sc, err := h.svc.Get(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sc)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if err := h.svc.Cancel(ctx, id, auth.UserIDFromContext(ctx), auth.RoleFromContext(ctx), req.Reason); err != nil {
		return scanError(err)
	}
	sc, err := h.svc.Get(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sc)
}

type reportRequest struct {
	PreliminaryReport *string `json:"preliminary_report,omitempty"`
	FinalReport       *string `json:"final_report,omitempty"`
	CriticalFindings  bool    `json:"critical_findings"`
}

func (h *Handler) AttachReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req reportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if err := h.svc.AttachReport(ctx, id, auth.UserIDFromContext(ctx), req.PreliminaryReport, req.FinalReport, req.CriticalFindings); err != nil {
		return scanError(err)
	}
	sc, err := h.svc.Get(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) History(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.StatusHistory(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// Classify runs the triage rules against a hypothetical order without
// persisting anything. Useful for order-entry UIs previewing urgency.
func (h *Handler) Classify(c echo.Context) error {
	var in ClassifyInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	result, err := Classify(in)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// scanError maps service errors onto the HTTP taxonomy: validation
// failures are 400s, illegal transitions and capacity losses are 409s,
// missing rows are 404s, the report role gate is a 403.
func scanError(err error) error {
	var ite *InvalidTransitionError
	switch {
	case errors.As(err, &ite):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message": ite.Error(),
			"allowed": ite.Allowed,
		})
	case errors.Is(err, ErrReportRoleRequired):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNoCapacity):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"warning": err.Error(),
			"queued":  true,
		})
	case errors.Is(err, ErrSchedulingConflict), errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pgx.ErrNoRows):
		return echo.NewHTTPError(http.StatusNotFound, "scan not found")
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
