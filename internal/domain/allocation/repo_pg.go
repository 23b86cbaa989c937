package allocation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/allocstats/internal/domain/scope"
	"github.com/ehr/allocstats/internal/platform/db"
)

const (
	ageExpr        = "a.age"
	ageValid       = "a.age IS NOT NULL AND a.age >= 0"
	transportExpr  = "(EXTRACT(EPOCH FROM (a.arrival_at - a.created_at)) / 60.0)"
	transportValid = "a.arrival_at IS NOT NULL AND a.arrival_at >= a.created_at"
)

type repoPG struct {
	pool *pgxpool.Pool
	cal  *scope.Calendar
}

// NewRepoPG returns the Postgres implementation of Repository.
func NewRepoPG(pool *pgxpool.Pool, cal *scope.Calendar) Repository {
	return &repoPG{pool: pool, cal: cal}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

// =========== Import Discovery ===========

func (r *repoPG) ImportHasFacts(ctx context.Context, importID int64) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM allocation WHERE import_id = $1)`, importID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check import %d: %w", importID, err)
	}
	return ok, nil
}

func (r *repoPG) TouchedIDs(ctx context.Context, importID int64, dim Dimension) ([]int64, error) {
	col := "a." + dim.Column()
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT DISTINCT `+col+` FROM allocation a WHERE a.import_id = $1 AND `+col+` IS NOT NULL ORDER BY 1`,
		importID)
	if err != nil {
		return nil, fmt.Errorf("touched %s ids: %w", dim, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan touched %s ids: %w", dim, err)
	}
	return ids, nil
}

func (r *repoPG) TouchedPeriods(ctx context.Context, importID int64, dim Dimension, id int64, g scope.Granularity) ([]time.Time, error) {
	if g == scope.All {
		return []time.Time{r.cal.Anchor()}, nil
	}
	q := &Args{}
	query := fmt.Sprintf(`SELECT DISTINCT %s FROM allocation a WHERE a.import_id = %s`,
		PeriodExpr(g, q.Add(r.cal.Location().String())), q.Add(importID))
	if dim != "" {
		query += fmt.Sprintf(` AND a.%s = %s`, dim.Column(), q.Add(id))
	}
	query += ` ORDER BY 1`

	rows, err := r.conn(ctx).Query(ctx, query, q.Values()...)
	if err != nil {
		return nil, fmt.Errorf("touched %s periods: %w", g, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, fmt.Errorf("scan touched %s periods: %w", g, err)
	}
	return keys, nil
}

func (r *repoPG) Hospitals(ctx context.Context, ids []int64) ([]*Hospital, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, name, tier, size, location, beds FROM hospital WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("load hospitals: %w", err)
	}
	defer rows.Close()
	var items []*Hospital
	for rows.Next() {
		var h Hospital
		if err := rows.Scan(&h.ID, &h.Name, &h.Tier, &h.Size, &h.Location, &h.Beds); err != nil {
			return nil, fmt.Errorf("scan hospital: %w", err)
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}

// =========== Aggregates ===========

func breakdownColumns() string {
	cols := []string{"COUNT(*)"}
	for _, b := range Breakdowns {
		cols = append(cols, "COUNT(*) FILTER (WHERE "+b.Predicate+")")
	}
	return strings.Join(cols, ", ")
}

func scanTargets(n int) ([]int, []any) {
	vals := make([]int, n)
	dest := make([]any, n)
	for i := range vals {
		dest[i] = &vals[i]
	}
	return vals, dest
}

func (r *repoPG) CountBreakdowns(ctx context.Context, f Filter) (map[string]int, error) {
	q := &Args{}
	join, where := f.Clause(q)
	query := fmt.Sprintf(`SELECT %s FROM allocation a %s WHERE %s`, breakdownColumns(), join, where)

	keys := BreakdownKeys()
	vals, dest := scanTargets(len(keys))
	if err := r.conn(ctx).QueryRow(ctx, query, q.Values()...).Scan(dest...); err != nil {
		return nil, fmt.Errorf("count breakdowns for %s: %w", f.Scope, err)
	}
	out := make(map[string]int, len(keys))
	for i, k := range keys {
		out[k] = vals[i]
	}
	return out, nil
}

func (r *repoPG) HourHistogram(ctx context.Context, f Filter) (map[string][]int, error) {
	q := &Args{}
	join, where := f.Clause(q)
	hour := fmt.Sprintf(`EXTRACT(HOUR FROM a.created_at AT TIME ZONE %s)::int`, q.Add(r.cal.Location().String()))
	query := fmt.Sprintf(`SELECT %s AS hour, %s FROM allocation a %s WHERE %s GROUP BY 1`,
		hour, breakdownColumns(), join, where)

	rows, err := r.conn(ctx).Query(ctx, query, q.Values()...)
	if err != nil {
		return nil, fmt.Errorf("hour histogram for %s: %w", f.Scope, err)
	}
	defer rows.Close()

	keys := BreakdownKeys()
	out := EmptyHourHistogram()
	for rows.Next() {
		var h int
		vals, dest := scanTargets(len(keys))
		if err := rows.Scan(append([]any{&h}, dest...)...); err != nil {
			return nil, fmt.Errorf("scan hour histogram: %w", err)
		}
		if h < 0 || h > 23 {
			continue
		}
		for i, k := range keys {
			out[k][h] = vals[i]
		}
	}
	return out, rows.Err()
}

func (r *repoPG) TopCategories(ctx context.Context, f Filter, dim Dimension, limit int) ([]CategoryCount, error) {
	q := &Args{}
	join, where := f.Clause(q)
	col := "a." + dim.Column()
	query := fmt.Sprintf(`
		SELECT %[1]s, COALESCE(d.name, '%[2]s') AS label, COUNT(*) AS n
		FROM allocation a %[3]s
		LEFT JOIN %[4]s d ON d.id = %[1]s
		WHERE %[5]s
		GROUP BY %[1]s, d.name
		ORDER BY n DESC, COALESCE(d.name, '%[2]s') COLLATE "C" ASC, %[1]s ASC NULLS FIRST
		LIMIT %[6]s`,
		col, UnknownLabel, join, dim.Table(), where, q.Add(limit))

	rows, err := r.conn(ctx).Query(ctx, query, q.Values()...)
	if err != nil {
		return nil, fmt.Errorf("top %s for %s: %w", dim, f.Scope, err)
	}
	defer rows.Close()
	items := []CategoryCount{}
	for rows.Next() {
		var c CategoryCount
		if err := rows.Scan(&c.ID, &c.Label, &c.Count); err != nil {
			return nil, fmt.Errorf("scan top %s: %w", dim, err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *repoPG) AgeHistogram(ctx context.Context, f Filter, bins Bins) (*Histogram, error) {
	return r.histogram(ctx, f, bins, ageExpr, ageValid)
}

func (r *repoPG) TransportHistogram(ctx context.Context, f Filter, bins Bins) (*Histogram, error) {
	return r.histogram(ctx, f, bins, transportExpr, transportValid)
}

func (r *repoPG) histogram(ctx context.Context, f Filter, bins Bins, expr, valid string) (*Histogram, error) {
	q := &Args{}
	join, where := f.Clause(q)
	query := fmt.Sprintf(`
		SELECT a.bin, %s
		FROM (SELECT %s AS bin, a.* FROM allocation a %s WHERE %s AND %s) a
		WHERE a.bin IS NOT NULL
		GROUP BY a.bin`,
		breakdownColumns(), bins.CaseSQL(expr), join, where, valid)

	rows, err := r.conn(ctx).Query(ctx, query, q.Values()...)
	if err != nil {
		return nil, fmt.Errorf("histogram for %s: %w", f.Scope, err)
	}
	defer rows.Close()

	keys := BreakdownKeys()
	hist := &Histogram{Counts: EmptyCounts(len(bins))}
	for rows.Next() {
		var bin int
		vals, dest := scanTargets(len(keys))
		if err := rows.Scan(append([]any{&bin}, dest...)...); err != nil {
			return nil, fmt.Errorf("scan histogram: %w", err)
		}
		if bin < 0 || bin >= len(bins) {
			continue
		}
		for i, k := range keys {
			hist.Counts[k][bin] = vals[i]
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mq := &Args{}
	mjoin, mwhere := f.Clause(mq)
	momentsQuery := fmt.Sprintf(`
		SELECT COUNT(*), AVG(%[1]s)::float8, VAR_SAMP(%[1]s)::float8, STDDEV_SAMP(%[1]s)::float8
		FROM allocation a %[2]s WHERE %[3]s AND %[4]s`, expr, mjoin, mwhere, valid)
	m := &hist.Moments
	if err := r.conn(ctx).QueryRow(ctx, momentsQuery, mq.Values()...).Scan(&m.N, &m.Mean, &m.Variance, &m.StdDev); err != nil {
		return nil, fmt.Errorf("moments for %s: %w", f.Scope, err)
	}
	return hist, nil
}

func (r *repoPG) TransportSlices(ctx context.Context, f Filter, dim Dimension, bins Bins, limit int) ([]SliceHistogram, error) {
	q := &Args{}
	join, where := f.Clause(q)
	col := "a." + dim.Column()
	query := fmt.Sprintf(`
		WITH base AS (
			SELECT %[1]s AS dim_id, %[2]s AS v
			FROM allocation a %[3]s
			WHERE %[4]s AND %[5]s AND %[1]s IS NOT NULL
		), top AS (
			SELECT dim_id, COUNT(*) AS n, AVG(v)::float8 AS mean,
				VAR_SAMP(v)::float8 AS variance, STDDEV_SAMP(v)::float8 AS stddev
			FROM base GROUP BY dim_id
			ORDER BY n DESC, dim_id ASC
			LIMIT %[6]s
		)
		SELECT t.dim_id, t.n, t.mean, t.variance, t.stddev, %[7]s AS bin, COUNT(*)
		FROM top t JOIN base b ON b.dim_id = t.dim_id
		GROUP BY t.dim_id, t.n, t.mean, t.variance, t.stddev, bin
		ORDER BY t.n DESC, t.dim_id ASC`,
		col, transportExpr, join, where, transportValid, q.Add(limit), bins.CaseSQL("b.v"))

	rows, err := r.conn(ctx).Query(ctx, query, q.Values()...)
	if err != nil {
		return nil, fmt.Errorf("transport slices by %s for %s: %w", dim, f.Scope, err)
	}
	defer rows.Close()

	var out []SliceHistogram
	index := map[int64]int{}
	for rows.Next() {
		var (
			s     SliceHistogram
			bin   *int
			count int
		)
		if err := rows.Scan(&s.DimID, &s.Rows, &s.Moments.Mean, &s.Moments.Variance, &s.Moments.StdDev, &bin, &count); err != nil {
			return nil, fmt.Errorf("scan transport slice: %w", err)
		}
		i, ok := index[s.DimID]
		if !ok {
			s.Moments.N = s.Rows
			s.Counts = make([]int, len(bins))
			out = append(out, s)
			i = len(out) - 1
			index[s.DimID] = i
		}
		if bin != nil && *bin >= 0 && *bin < len(bins) {
			out[i].Counts[*bin] += count
		}
	}
	return out, rows.Err()
}

func (r *repoPG) CohortHospitalIDs(ctx context.Context, f Filter) ([]int64, error) {
	q := &Args{}
	cond, ok := f.HospitalClause(q)
	if !ok {
		return nil, fmt.Errorf("scope %s does not select hospitals by attribute", f.Scope)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT h.id FROM hospital h WHERE `+cond+` ORDER BY h.id`, q.Values()...)
	if err != nil {
		return nil, fmt.Errorf("cohort hospitals for %s: %w", f.Scope, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan cohort hospitals: %w", err)
	}
	return ids, nil
}

// EmptyHourHistogram returns zeroed 24-slot arrays for every breakdown key.
func EmptyHourHistogram() map[string][]int {
	return EmptyCounts(24)
}

// EmptyCounts returns zeroed n-slot arrays for every breakdown key.
func EmptyCounts(n int) map[string][]int {
	out := make(map[string][]int, len(Breakdowns)+1)
	for _, k := range BreakdownKeys() {
		out[k] = make([]int, n)
	}
	return out
}
