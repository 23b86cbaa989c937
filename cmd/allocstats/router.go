package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/allocstats/internal/config"
	"github.com/ehr/allocstats/internal/domain/report"
	"github.com/ehr/allocstats/internal/domain/rollup"
	"github.com/ehr/allocstats/internal/platform/db"
	"github.com/ehr/allocstats/internal/platform/middleware"
)

// routes are the services the HTTP surface exposes. A nil probe omits the
// database health check.
type routes struct {
	reports    *report.Service
	dispatcher *rollup.Dispatcher
	jobs       rollup.JobReader
	probe      db.Probe
}

func newRouter(cfg *config.Config, logger zerolog.Logger, r routes) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Tracing())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if r.probe != nil {
		e.GET("/health/db", db.HealthHandler(r.probe))
	}

	api := e.Group("/api/v1",
		middleware.BodyLimit(cfg.BodyLimit),
		middleware.RequestTimeout(cfg.RequestTimeout),
	)
	report.NewHandler(r.reports).RegisterRoutes(api)
	rollup.NewHandler(r.dispatcher, r.jobs).RegisterRoutes(api)

	return e
}
