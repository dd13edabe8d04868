package workflow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"github.com/ctflow/ctflow/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	wf := api.Group("/workflow")

	clinical := []string{auth.RoleEDPhysician, auth.RoleRadiologist, auth.RoleNurse, auth.RoleTechnician, auth.RoleTransport}
	readGroup := wf.Group("", auth.RequireRole(clinical...))
	readGroup.GET("/queue", h.Queue)
	readGroup.GET("/forecast", h.Forecast)

	runGroup := wf.Group("", auth.RequireRole(auth.RoleEDPhysician, auth.RoleNurse, auth.RoleTechnician))
	runGroup.POST("/queue/run", h.RunQueue)
	runGroup.POST("/scans/:id/process", h.ProcessOrder)
}

func (h *Handler) ProcessOrder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid scan id")
	}
	actor := auth.UserIDFromContext(c.Request().Context())
	res, err := h.svc.ProcessOrder(c.Request().Context(), id, actor)
	if err != nil {
		return workflowError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RunQueue(c echo.Context) error {
	res, err := h.svc.RunQueue(c.Request().Context())
	if err != nil {
		return workflowError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Queue(c echo.Context) error {
	view, err := h.svc.Queue(c.Request().Context())
	if err != nil {
		return workflowError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Forecast(c echo.Context) error {
	hours, _ := strconv.Atoi(c.QueryParam("hours"))
	fc, err := h.svc.ForecastLoad(c.Request().Context(), hours)
	if err != nil {
		return workflowError(err)
	}
	return c.JSON(http.StatusOK, fc)
}

func workflowError(err error) error {
	switch {
	case errors.Is(err, ErrQueueBusy):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message": err.Error(),
			"retry":   true,
		})
	case errors.Is(err, ErrNotProcessable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pgx.ErrNoRows):
		return echo.NewHTTPError(http.StatusNotFound, "scan not found")
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
