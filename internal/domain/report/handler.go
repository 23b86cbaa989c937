package report

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/allocstats/internal/domain/rollup"
	"github.com/ehr/allocstats/internal/domain/scope"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/stats")
	g.POST("/grid", h.Grid)
	g.POST("/panel", h.Panel)
	g.GET("/rows/:family", h.Row)
}

// httpError maps input and contract errors to 400 and everything else,
// including corrupt stored rows, to 500.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		scope.IsInvalid(err),
		errors.Is(err, rollup.ErrUnknownFamily),
		errors.Is(err, rollup.ErrUnknownMetric):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) Grid(c echo.Context) error {
	var req GridRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	grid, err := h.svc.Grid(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, grid)
}

func (h *Handler) Panel(c echo.Context) error {
	var req PanelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	panel, err := h.svc.Panel(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, panel)
}

func (h *Handler) Row(c echo.Context) error {
	ref := ScopeRef{
		Type:        c.QueryParam("scope_type"),
		ID:          c.QueryParam("scope_id"),
		Granularity: c.QueryParam("gran"),
		Period:      c.QueryParam("period"),
	}
	view, err := h.svc.Row(c.Request().Context(), c.Param("family"), ref)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}
