package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestValidSchema(t *testing.T) {
	valid := []string{"public", "stats", "stats_2025", "_scratch"}
	for _, v := range valid {
		if err := ValidSchema(v); err != nil {
			t.Errorf("expected %q to be valid, got %v", v, err)
		}
	}

	invalid := []string{"", "Stats", "1stats", "stats;drop", "a-b", "a b", "public, other"}
	for _, v := range invalid {
		if err := ValidSchema(v); err == nil {
			t.Errorf("expected %q to be invalid", v)
		}
	}
}

func TestConnFromContext_Empty(t *testing.T) {
	if q := ConnFromContext(context.Background()); q != nil {
		t.Errorf("expected nil connection, got %T", q)
	}
}

func TestConn_PrefersContextConnection(t *testing.T) {
	var bound Queryable = &stubQueryable{}
	ctx := WithConn(context.Background(), bound)

	if got := Conn(ctx, nil); got != bound {
		t.Errorf("expected context connection, got %T", got)
	}
	if got := ConnFromContext(ctx); got != bound {
		t.Errorf("expected ConnFromContext to return bound connection")
	}
}

type stubQueryable struct{}

func (stubQueryable) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (stubQueryable) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (stubQueryable) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (stubQueryable) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults  { return nil }
