package rollup

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/allocstats/internal/platform/jobs"
	"github.com/ehr/allocstats/pkg/pagination"
)

// JobReader lists queued rebuilds.
type JobReader interface {
	Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
	List(ctx context.Context, limit, offset int) ([]*jobs.Job, int, error)
}

type Handler struct {
	dispatcher *Dispatcher
	jobs       JobReader
}

func NewHandler(d *Dispatcher, jobs JobReader) *Handler {
	return &Handler{dispatcher: d, jobs: jobs}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/rollups")
	g.POST("", h.Dispatch)
	g.GET("/jobs", h.ListJobs)
	g.GET("/jobs/:id", h.GetJob)
}

type dispatchRequest struct {
	ImportID int64 `json:"import_id"`
	Async    bool  `json:"async"`
}

func (h *Handler) Dispatch(c echo.Context) error {
	var req dispatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ImportID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "import_id must be a positive integer")
	}

	out, err := h.dispatcher.Dispatch(c.Request().Context(), req.ImportID, req.Async)
	switch {
	case errors.Is(err, ErrNoFacts):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNoQueue):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if out.Async {
		return c.JSON(http.StatusAccepted, out)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) ListJobs(c echo.Context) error {
	if h.jobs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, ErrNoQueue.Error())
	}
	p := pagination.FromContext(c)
	items, total, err := h.jobs.List(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) GetJob(c echo.Context) error {
	if h.jobs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, ErrNoQueue.Error())
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	job, err := h.jobs.Get(c.Request().Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, job)
}
