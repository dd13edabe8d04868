package dashboard

import (
	"net/http"

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
	clinical := []string{auth.RoleEDPhysician, auth.RoleRadiologist, auth.RoleNurse, auth.RoleTechnician, auth.RoleTransport}
	g := api.Group("/dashboard", auth.RequireRole(clinical...))
	g.GET("/metrics", h.Metrics)
	g.GET("/scan-status", h.ScanStatus)
	g.GET("/urgency", h.Urgency)
	g.GET("/scanners", h.Scanners)
	g.GET("/recent", h.Recent)
}

func (h *Handler) Metrics(c echo.Context) error {
	m, err := h.svc.Metrics(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to compute metrics")
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ScanStatus(c echo.Context) error {
	dist, err := h.svc.StatusDistribution(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to compute status distribution")
	}
	return c.JSON(http.StatusOK, dist)
}

func (h *Handler) Urgency(c echo.Context) error {
	dist, err := h.svc.UrgencyDistribution(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to compute urgency distribution")
	}
	return c.JSON(http.StatusOK, dist)
}

func (h *Handler) Scanners(c echo.Context) error {
	loads, err := h.svc.ScannerLoads(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to compute scanner loads")
	}
	return c.JSON(http.StatusOK, loads)
}

func (h *Handler) Recent(c echo.Context) error {
	recent, err := h.svc.RecentScans(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load recent scans")
	}
	return c.JSON(http.StatusOK, recent)
}
