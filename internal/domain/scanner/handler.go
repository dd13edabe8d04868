package scanner

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
	readGroup := api.Group("", auth.RequireRole(
		auth.RoleEDPhysician, auth.RoleRadiologist, auth.RoleNurse, auth.RoleTechnician, auth.RoleTransport))
	readGroup.GET("/scanners", h.List)
	readGroup.GET("/scanners/utilization", h.Utilization)
	readGroup.GET("/scanners/:id", h.Get)

	// Fleet administration is for technicians and admins.
	adminGroup := api.Group("", auth.RequireRole(auth.RoleTechnician))
	adminGroup.POST("/scanners", h.Create)
	adminGroup.PUT("/scanners/:id", h.Update)
	adminGroup.PATCH("/scanners/:id/status", h.SetStatus)
}

func (h *Handler) Create(c echo.Context) error {
	var sc Scanner
	if err := c.Bind(&sc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), &sc); err != nil {
		return scannerError(err)
	}
	return c.JSON(http.StatusCreated, sc)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		// Scanner codes double as identifiers.
		sc, cerr := h.svc.GetByCode(c.Request().Context(), c.Param("id"))
		if cerr != nil {
			return echo.NewHTTPError(http.StatusNotFound, "scanner not found")
		}
		return c.JSON(http.StatusOK, sc)
	}
	sc, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "scanner not found")
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), c.QueryParam("status"), pg.Limit, pg.Offset)
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
	var sc Scanner
	if err := c.Bind(&sc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sc.ID = id
	if err := h.svc.Update(c.Request().Context(), &sc); err != nil {
		return scannerError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

type statusRequest struct {
	Status string  `json:"status"`
	Note   *string `json:"note,omitempty"`
}

func (h *Handler) SetStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}
	ctx := c.Request().Context()
	sc, err := h.svc.SetStatus(ctx, id, req.Status, auth.UserIDFromContext(ctx), req.Note)
	if err != nil {
		return scannerError(err)
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) Utilization(c echo.Context) error {
	entries, err := h.svc.UtilizationReport(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

func scannerError(err error) error {
	var isc *InvalidStatusChangeError
	switch {
	case errors.As(err, &isc):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message": isc.Error(),
			"allowed": isc.Allowed,
		})
	case errors.Is(err, ErrCapacityExhausted), errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pgx.ErrNoRows):
		return echo.NewHTTPError(http.StatusNotFound, "scanner not found")
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
