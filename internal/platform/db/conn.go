package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queryable is the query surface shared by pools, pooled connections and
// transactions.
type Queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type contextKey string

const connKey contextKey = "db_conn"

var schemaPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidSchema rejects schema names that cannot be interpolated safely.
func ValidSchema(schema string) error {
	if !schemaPattern.MatchString(schema) {
		return fmt.Errorf("invalid schema name %q", schema)
	}
	return nil
}

// WithConn stores q in ctx so repositories run their queries on it.
func WithConn(ctx context.Context, q Queryable) context.Context {
	return context.WithValue(ctx, connKey, q)
}

// ConnFromContext retrieves the connection or transaction bound to ctx.
func ConnFromContext(ctx context.Context) Queryable {
	q, _ := ctx.Value(connKey).(Queryable)
	return q
}

// Conn returns the connection bound to ctx, falling back to pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Queryable {
	if q := ConnFromContext(ctx); q != nil {
		return q
	}
	return pool
}

// InTx runs fn inside one transaction. Repositories called with the context
// passed to fn share it. An already bound transaction is reused.
func InTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	if _, ok := ConnFromContext(ctx).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithConn(ctx, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateSchema creates schema if missing and applies all migrations to it.
func CreateSchema(ctx context.Context, pool *pgxpool.Pool, schema string, m *Migrator) error {
	if err := ValidSchema(schema); err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	if m != nil {
		if _, err := m.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
