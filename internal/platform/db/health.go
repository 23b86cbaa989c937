package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the connection pool snapshot reported by the health check.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Probe inspects the database backing the aggregate tables.
type Probe interface {
	Ping(ctx context.Context) error
	// Pending counts migrations not yet applied to the schema.
	Pending(ctx context.Context) (int, error)
	Stats() *PoolStats
}

type poolProbe struct {
	pool     *pgxpool.Pool
	migrator *Migrator
	schema   string
}

func NewProbe(pool *pgxpool.Pool, m *Migrator, schema string) Probe {
	return &poolProbe{pool: pool, migrator: m, schema: schema}
}

func (p *poolProbe) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *poolProbe) Stats() *PoolStats { return GetPoolStats(p.pool) }

func (p *poolProbe) Pending(ctx context.Context) (int, error) {
	statuses, err := p.migrator.Status(ctx, p.schema)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range statuses {
		if !s.Applied {
			n++
		}
	}
	return n, nil
}

// HealthReport is the body of GET /health/db.
type HealthReport struct {
	Status            string     `json:"status"`
	Error             string     `json:"error,omitempty"`
	PendingMigrations int        `json:"pending_migrations"`
	Pool              *PoolStats `json:"pool,omitempty"`
}

// HealthHandler answers 200 when the database is reachable and fully
// migrated, 503 otherwise.
func HealthHandler(p Probe) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report := HealthReport{Status: "healthy", Pool: p.Stats()}
		if err := p.Ping(ctx); err != nil {
			report.Status = "unhealthy"
			report.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, report)
		}

		pending, err := p.Pending(ctx)
		switch {
		case err != nil:
			report.Status = "unhealthy"
			report.Error = err.Error()
		case pending > 0:
			report.Status = "migrations_pending"
		}
		report.PendingMigrations = pending
		if report.Status != "healthy" {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
