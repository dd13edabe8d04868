package audit

import (
	"net/http"

	"github.com/google/uuid"
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

// RegisterRoutes mounts the trail read endpoints. The trail names patients
// and staff, so only administrators see it.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/audit", auth.RequireRole(auth.RoleAdmin))
	g.GET("", h.List)
	g.GET("/resource/:type/:id", h.ListByResource)
	g.GET("/user/:id", h.ListByUser)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		Action:       c.QueryParam("action"),
		ResourceType: c.QueryParam("resource_type"),
	}
	entries, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list audit trail")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListByResource(c echo.Context) error {
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.ListByResource(c.Request().Context(),
		c.Param("type"), c.Param("id"), c.QueryParam("action"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list audit trail")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListByUser(c echo.Context) error {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.ListByUser(c.Request().Context(),
		userID, c.QueryParam("action"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list audit trail")
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}
