package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakeProbe struct {
	pingErr    error
	pending    int
	pendingErr error
}

func (f *fakeProbe) Ping(context.Context) error { return f.pingErr }

func (f *fakeProbe) Pending(context.Context) (int, error) { return f.pending, f.pendingErr }

func (f *fakeProbe) Stats() *PoolStats { return &PoolStats{TotalConns: 2, MaxConns: 20} }

func checkHealth(t *testing.T, p Probe) (int, HealthReport) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	if err := HealthHandler(p)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var report HealthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	return rec.Code, report
}

func TestHealthHandler_Healthy(t *testing.T) {
	code, report := checkHealth(t, &fakeProbe{})
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if report.Status != "healthy" || report.Pool == nil || report.Pool.MaxConns != 20 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestHealthHandler_PingFails(t *testing.T) {
	code, report := checkHealth(t, &fakeProbe{pingErr: errors.New("connection refused")})
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if report.Status != "unhealthy" || report.Error != "connection refused" {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestHealthHandler_PendingMigrations(t *testing.T) {
	code, report := checkHealth(t, &fakeProbe{pending: 2})
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if report.Status != "migrations_pending" || report.PendingMigrations != 2 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestHealthHandler_StatusError(t *testing.T) {
	code, report := checkHealth(t, &fakeProbe{pendingErr: errors.New("permission denied")})
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if report.Status != "unhealthy" {
		t.Errorf("unexpected report %+v", report)
	}
}
