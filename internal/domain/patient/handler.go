package patient

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
	readGroup.GET("/patients", h.List)
	readGroup.GET("/patients/:id", h.Get)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleEDPhysician, auth.RoleNurse))
	writeGroup.POST("/patients", h.Register)
	writeGroup.PUT("/patients/:id", h.Update)
	writeGroup.DELETE("/patients/:id", h.Delete)
	writeGroup.POST("/patients/:id/consent", h.RecordConsent)
	writeGroup.POST("/patients/:id/anxiety", h.RecordAnxiety)

	// Transport staff move patients between journey stages too.
	statusGroup := api.Group("", auth.RequireRole(
		auth.RoleEDPhysician, auth.RoleNurse, auth.RoleTechnician, auth.RoleTransport))
	statusGroup.PATCH("/patients/:id/status", h.UpdateStatus)
}

func (h *Handler) Register(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Register(c.Request().Context(), &p); err != nil {
		return patientError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		// Fall back to lookup by MRN for MRN-... identifiers.
		p, merr := h.svc.GetByMRN(c.Request().Context(), c.Param("id"))
		if merr != nil {
			return echo.NewHTTPError(http.StatusNotFound, "patient not found")
		}
		return c.JSON(http.StatusOK, p)
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)

	params := map[string]string{}
	for _, key := range []string{"name", "mrn", "status", "ward"} {
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

func (h *Handler) Update(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = id
	if err := h.svc.Update(c.Request().Context(), &p); err != nil {
		return patientError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
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
	p, err := h.svc.UpdateStatus(ctx, id, req.Status, auth.UserIDFromContext(ctx))
	if err != nil {
		return patientError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) RecordConsent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	p, err := h.svc.RecordConsent(ctx, id, auth.UserIDFromContext(ctx))
	if err != nil {
		return patientError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type anxietyRequest struct {
	AnxietyLevel string `json:"anxiety_level"`
}

func (h *Handler) RecordAnxiety(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req anxietyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	p, err := h.svc.RecordAnxiety(ctx, id, req.AnxietyLevel, auth.UserIDFromContext(ctx))
	if err != nil {
		return patientError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if err := h.svc.Delete(ctx, id, auth.UserIDFromContext(ctx)); err != nil {
		return patientError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func patientError(err error) error {
	var ijm *InvalidJourneyMoveError
	switch {
	case errors.As(err, &ijm):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message": ijm.Error(),
			"allowed": ijm.Allowed,
		})
	case errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pgx.ErrNoRows):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
