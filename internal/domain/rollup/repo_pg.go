package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/allocstats/internal/domain/allocation"
	"github.com/ehr/allocstats/internal/domain/scope"
	"github.com/ehr/allocstats/internal/platform/db"
)

const keyCols = `scope_type, scope_id, period_gran, period_key`

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (r *storePG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

func keyArgs(s scope.Scope) []any {
	return []any{string(s.Type), s.ID, string(s.Granularity), s.Period}
}

// upsertSQL renders an INSERT ... ON CONFLICT DO UPDATE over the scope key
// for the given value columns.
func upsertSQL(table string, cols []string) string {
	placeholders := make([]string, 0, len(cols)+4)
	for i := 1; i <= len(cols)+4; i++ {
		placeholders = append(placeholders, "$"+strconv.Itoa(i))
	}
	sets := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	sets = append(sets, "computed_at = EXCLUDED.computed_at")
	return fmt.Sprintf(`INSERT INTO %s (%s, %s, computed_at) VALUES (%s, NOW())
		ON CONFLICT (%s) DO UPDATE SET %s`,
		table, keyCols, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		keyCols, strings.Join(sets, ", "))
}

func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func countArgs(c Counts) []any {
	keys := allocation.BreakdownKeys()
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = c[k]
	}
	return args
}

// =========== Writes ===========

func (r *storePG) Upsert(ctx context.Context, row Row) error {
	var (
		table string
		cols  []string
		vals  []any
	)
	switch v := row.(type) {
	case *CountsRow:
		table, cols, vals = FamilyCounts.Table(), allocation.BreakdownKeys(), countArgs(v.Counts)
	case *CohortSumsRow:
		table = FamilyCohortSums.Table()
		cols = append([]string{"hospitals"}, allocation.BreakdownKeys()...)
		vals = append([]any{v.Hospitals}, countArgs(v.Counts)...)
	case *HourlyRow:
		hours, err := jsonText(v.Hours)
		if err != nil {
			return fmt.Errorf("encode hourly: %w", err)
		}
		table, cols, vals = FamilyHourly.Table(), []string{"hours"}, []any{hours}
	case *CohortStatsRow:
		rates, err := jsonText(v.Rates)
		if err != nil {
			return fmt.Errorf("encode rates: %w", err)
		}
		table = FamilyCohortStats.Table()
		cols = []string{"n", "mean_total", "rates"}
		vals = []any{v.N, v.MeanTotal, rates}
	case *TopCategoriesRow:
		table = FamilyTopCategories.Table()
		cols = []string{"total"}
		vals = []any{v.Total}
		for _, d := range allocation.Categories {
			entries := v.Categories[d]
			if entries == nil {
				entries = []allocation.CategoryCount{}
			}
			doc, err := jsonText(entries)
			if err != nil {
				return fmt.Errorf("encode %s: %w", d, err)
			}
			cols = append(cols, string(d))
			vals = append(vals, doc)
		}
	case *BucketsRow:
		buckets, err := jsonText(v.Buckets)
		if err != nil {
			return fmt.Errorf("encode buckets: %w", err)
		}
		table = v.Kind.Table()
		cols = []string{"buckets", "mean", "variance", "stddev"}
		vals = []any{buckets, v.Mean, v.Variance, v.StdDev}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownFamily, row)
	}

	args := append(keyArgs(row.Key()), vals...)
	if _, err := r.conn(ctx).Exec(ctx, upsertSQL(table, cols), args...); err != nil {
		return fmt.Errorf("upsert %s %s: %w", row.Family(), row.Key(), err)
	}
	return nil
}

func (r *storePG) ReplaceTransportDims(ctx context.Context, s scope.Scope, rows []TransportDimRow) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		conn := r.conn(ctx)
		var scopeID int64
		err := conn.QueryRow(ctx, `
			INSERT INTO agg_scope (`+keyCols+`) VALUES ($1, $2, $3, $4)
			ON CONFLICT (`+keyCols+`) DO UPDATE SET scope_type = EXCLUDED.scope_type
			RETURNING id`, keyArgs(s)...).Scan(&scopeID)
		if err != nil {
			return fmt.Errorf("resolve agg_scope for %s: %w", s, err)
		}
		if _, err := conn.Exec(ctx, `DELETE FROM agg_transport_time_dim WHERE agg_scope_id = $1`, scopeID); err != nil {
			return fmt.Errorf("clear transport dims for %s: %w", s, err)
		}
		if len(rows) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, d := range rows {
			batch.Queue(`
				INSERT INTO agg_transport_time_dim
					(agg_scope_id, dim_type, dim_id, bucket_key, n, share, dim_rows, mean, variance, stddev, computed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`,
				scopeID, string(d.DimType), d.DimID, d.BucketKey, d.N, d.Share, d.Rows, d.Mean, d.Variance, d.StdDev)
		}
		if err := conn.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert transport dims for %s: %w", s, err)
		}
		return nil
	})
}

// =========== Reads ===========

type rowScanner func(row pgx.Row, s *scope.Scope) (Row, error)

// scanKey prefixes dest with the scope key columns.
func scanKey(dest []any, s *scope.Scope) []any {
	return append([]any{&s.Type, &s.ID, &s.Granularity, &s.Period}, dest...)
}

func countCols() string { return strings.Join(allocation.BreakdownKeys(), ", ") }

func scanCounts(row pgx.Row, s *scope.Scope, extra ...any) (Counts, time.Time, error) {
	keys := allocation.BreakdownKeys()
	vals := make([]int, len(keys))
	dest := make([]any, 0, len(keys)+len(extra)+1)
	dest = append(dest, extra...)
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	var computedAt time.Time
	dest = append(dest, &computedAt)
	if err := row.Scan(scanKey(dest, s)...); err != nil {
		return nil, computedAt, err
	}
	c := make(Counts, len(keys))
	for i, k := range keys {
		c[k] = vals[i]
	}
	return c, computedAt, nil
}

// familyColumns lists the value columns read for each family, after the key
// columns and before computed_at.
func familyColumns(f Family) (string, rowScanner, error) {
	switch f {
	case FamilyCounts:
		return countCols(), func(row pgx.Row, s *scope.Scope) (Row, error) {
			c, at, err := scanCounts(row, s)
			if err != nil {
				return nil, err
			}
			return &CountsRow{Scope: *s, Counts: c, ComputedAt: at}, nil
		}, nil
	case FamilyCohortSums:
		return "hospitals, " + countCols(), func(row pgx.Row, s *scope.Scope) (Row, error) {
			var hospitals int
			c, at, err := scanCounts(row, s, &hospitals)
			if err != nil {
				return nil, err
			}
			return &CohortSumsRow{Scope: *s, Hospitals: hospitals, Counts: c, ComputedAt: at}, nil
		}, nil
	case FamilyHourly:
		return "hours", func(row pgx.Row, s *scope.Scope) (Row, error) {
			var (
				raw []byte
				out HourlyRow
			)
			if err := row.Scan(scanKey([]any{&raw, &out.ComputedAt}, s)...); err != nil {
				return nil, err
			}
			hours, err := decodeHours(raw)
			if err != nil {
				return nil, err
			}
			out.Scope, out.Hours = *s, hours
			return &out, nil
		}, nil
	case FamilyCohortStats:
		return "n, mean_total, rates", func(row pgx.Row, s *scope.Scope) (Row, error) {
			var (
				raw []byte
				out CohortStatsRow
			)
			if err := row.Scan(scanKey([]any{&out.N, &out.MeanTotal, &raw, &out.ComputedAt}, s)...); err != nil {
				return nil, err
			}
			rates, err := decodeRates(raw)
			if err != nil {
				return nil, err
			}
			out.Scope, out.Rates = *s, rates
			return &out, nil
		}, nil
	case FamilyTopCategories:
		names := make([]string, len(allocation.Categories))
		for i, d := range allocation.Categories {
			names[i] = string(d)
		}
		return "total, " + strings.Join(names, ", "), func(row pgx.Row, s *scope.Scope) (Row, error) {
			out := TopCategoriesRow{Categories: make(map[allocation.Dimension][]allocation.CategoryCount)}
			raws := make([][]byte, len(allocation.Categories))
			dest := []any{&out.Total}
			for i := range raws {
				dest = append(dest, &raws[i])
			}
			dest = append(dest, &out.ComputedAt)
			if err := row.Scan(scanKey(dest, s)...); err != nil {
				return nil, err
			}
			for i, d := range allocation.Categories {
				entries, err := decodeCategories(raws[i])
				if err != nil {
					return nil, err
				}
				out.Categories[d] = entries
			}
			out.Scope = *s
			return &out, nil
		}, nil
	case FamilyAgeBuckets, FamilyTransportTime:
		return "buckets, mean, variance, stddev", func(row pgx.Row, s *scope.Scope) (Row, error) {
			var (
				raw []byte
				out = BucketsRow{Kind: f}
			)
			if err := row.Scan(scanKey([]any{&raw, &out.Mean, &out.Variance, &out.StdDev, &out.ComputedAt}, s)...); err != nil {
				return nil, err
			}
			buckets, err := decodeBuckets(raw)
			if err != nil {
				return nil, err
			}
			out.Scope, out.Buckets = *s, buckets
			return &out, nil
		}, nil
	}
	return "", nil, fmt.Errorf("%w: %q", ErrUnknownFamily, f)
}

func (r *storePG) Get(ctx context.Context, f Family, s scope.Scope) (Row, error) {
	rows, err := r.Load(ctx, f, s.Type, s.ID, s.Granularity, []time.Time{s.Period})
	if err != nil {
		return nil, err
	}
	return rows[s.PeriodKey()], nil
}

func (r *storePG) Load(ctx context.Context, f Family, t scope.Type, id string, g scope.Granularity, keys []time.Time) (map[string]Row, error) {
	cols, scan, err := familyColumns(f)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s, %s, computed_at FROM %s
		WHERE scope_type = $1 AND scope_id = $2 AND period_gran = $3 AND period_key = ANY($4::date[])`,
		keyCols, cols, f.Table())

	rows, err := r.conn(ctx).Query(ctx, query, string(t), id, string(g), keys)
	if err != nil {
		return nil, fmt.Errorf("load %s for %s:%s@%s: %w", f, t, id, g, err)
	}
	defer rows.Close()

	out := make(map[string]Row)
	for rows.Next() {
		var s scope.Scope
		row, err := scan(rows, &s)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", f, err)
		}
		out[row.Key().PeriodKey()] = row
	}
	return out, rows.Err()
}

func (r *storePG) TransportDims(ctx context.Context, s scope.Scope) ([]TransportDimRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT d.dim_type, d.dim_id, d.bucket_key, d.n, d.share, d.dim_rows, d.mean, d.variance, d.stddev
		FROM agg_transport_time_dim d
		JOIN agg_scope sc ON sc.id = d.agg_scope_id
		WHERE sc.scope_type = $1 AND sc.scope_id = $2 AND sc.period_gran = $3 AND sc.period_key = $4
		ORDER BY d.dim_type, d.dim_rows DESC, d.dim_id`, keyArgs(s)...)
	if err != nil {
		return nil, fmt.Errorf("load transport dims for %s: %w", s, err)
	}
	defer rows.Close()

	var out []TransportDimRow
	for rows.Next() {
		var (
			d       TransportDimRow
			dimType string
		)
		if err := rows.Scan(&dimType, &d.DimID, &d.BucketKey, &d.N, &d.Share, &d.Rows, &d.Mean, &d.Variance, &d.StdDev); err != nil {
			return nil, fmt.Errorf("scan transport dim: %w", err)
		}
		d.DimType = allocation.Dimension(dimType)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return SortTransportDims(out), nil
}

func (r *storePG) HospitalCounts(ctx context.Context, ids []int64, g scope.Granularity, key time.Time) ([]*CountsRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	scopeIDs := make([]string, len(ids))
	for i, id := range ids {
		scopeIDs[i] = strconv.FormatInt(id, 10)
	}
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT %s, %s, computed_at FROM agg_counts
		WHERE scope_type = $1 AND scope_id = ANY($2) AND period_gran = $3 AND period_key = $4
		ORDER BY scope_id`, keyCols, countCols()),
		string(scope.Hospital), scopeIDs, string(g), key)
	if err != nil {
		return nil, fmt.Errorf("load hospital counts: %w", err)
	}
	defer rows.Close()

	var out []*CountsRow
	for rows.Next() {
		var s scope.Scope
		c, at, err := scanCounts(rows, &s)
		if err != nil {
			return nil, fmt.Errorf("scan hospital counts: %w", err)
		}
		out = append(out, &CountsRow{Scope: s, Counts: c, ComputedAt: at})
	}
	return out, rows.Err()
}
