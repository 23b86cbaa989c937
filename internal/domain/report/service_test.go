package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/allocstats/internal/domain/rollup"
	"github.com/ehr/allocstats/internal/domain/scope"
)

func day(d int) time.Time { return scope.Date(2025, time.November, d) }

func testCalendar() *scope.Calendar {
	return scope.NewCalendar(time.UTC, time.Time{}).WithClock(func() time.Time {
		return time.Date(2025, time.November, 20, 12, 0, 0, 0, time.UTC)
	})
}

func seedCounts(t *testing.T, store *rollup.MemoryStore, typ scope.Type, id string, g scope.Granularity, period time.Time, total, male int) {
	t.Helper()
	s, err := scope.New(typ, id, g, period)
	require.NoError(t, err)
	c := rollup.ZeroCounts()
	c["total"] = total
	c["gender_m"] = male
	require.NoError(t, store.Upsert(context.Background(), &rollup.CountsRow{Scope: s, Counts: c}))
}

// newTestService seeds public day rows for 2025-10-31..2025-11-02 and state 5
// rows for 2025-11-01..02.
func newTestService(t *testing.T) (*Service, *rollup.MemoryStore) {
	t.Helper()
	store := rollup.NewMemoryStore()
	seedCounts(t, store, scope.Public, scope.PublicID, scope.Day, scope.Date(2025, time.October, 31), 6, 3)
	seedCounts(t, store, scope.Public, scope.PublicID, scope.Day, day(1), 3, 1)
	seedCounts(t, store, scope.Public, scope.PublicID, scope.Day, day(2), 20, 5)
	seedCounts(t, store, scope.State, "5", scope.Day, day(1), 1, 1)
	seedCounts(t, store, scope.State, "5", scope.Day, day(2), 0, 0)
	return NewService(store, testCalendar()), store
}

var monthRef = ScopeRef{Type: "public", Granularity: "month", Period: "2025-11-01"}

func metrics() []MetricSpec {
	return []MetricSpec{
		{Label: "Total", Key: "counts.total", Format: FormatInt},
		{Label: "Male %", Key: "counts.gender_m.share", Format: FormatPct},
	}
}

func TestDataGranularity(t *testing.T) {
	assert.Equal(t, scope.Month, DataGranularity(scope.Year))
	assert.Equal(t, scope.Month, DataGranularity(scope.Quarter))
	assert.Equal(t, scope.Day, DataGranularity(scope.Month))
	assert.Equal(t, scope.Day, DataGranularity(scope.Week))
	assert.Equal(t, scope.Day, DataGranularity(scope.Day))
	assert.Equal(t, scope.All, DataGranularity(scope.All))
}

func TestColumnKeys(t *testing.T) {
	cal := testCalendar()
	assert.Len(t, ColumnKeys(cal, scope.Year, scope.Date(2025, time.January, 1)), 12)
	assert.Len(t, ColumnKeys(cal, scope.Quarter, scope.Date(2025, time.October, 1)), 3)
	assert.Len(t, ColumnKeys(cal, scope.Month, day(1)), 30)
	assert.Equal(t, []time.Time{day(3), day(4), day(5), day(6), day(7), day(8), day(9)}, ColumnKeys(cal, scope.Week, day(3)))
	assert.Equal(t, []time.Time{day(2)}, ColumnKeys(cal, scope.Day, day(2)))
	assert.Equal(t, []time.Time{scope.DefaultAnchor}, ColumnKeys(cal, scope.All, scope.DefaultAnchor))
}

func TestTotal(t *testing.T) {
	v := func(f float64) *float64 { return &f }

	assert.Equal(t, 30.0, *Total([]*float64{v(10), nil, v(20)}, FormatInt))
	assert.Equal(t, 29.2, *Total([]*float64{v(100.0 / 3.0), v(25), nil}, FormatPct))
	assert.Equal(t, 0.1, *Total([]*float64{v(0.05), v(0.15)}, FormatPct))
	assert.Nil(t, Total([]*float64{nil, nil}, FormatInt))
	assert.Nil(t, Total(nil, FormatPct))
}

func TestBuildRow_PctTotalMatchesShownCells(t *testing.T) {
	v := func(f float64) *float64 { return &f }
	m := MetricSpec{Label: "Share", Key: "counts.gender_m.share", Format: FormatPct}

	row := buildRow(m, ModeRaw, []*float64{v(1.05), v(1.00)}, nil, nil)
	assert.Equal(t, 1.1, *row.Cells[0].Value)
	assert.Equal(t, 1.0, *row.Cells[1].Value)
	assert.Equal(t, 1.1, *row.Total.Value)

	row = buildRow(m, ModeCompare, []*float64{v(2), v(2)}, nil, []*float64{v(1.05), v(1.00)})
	assert.Equal(t, 1.1, *row.Cells[0].Baseline)
	assert.Equal(t, 1.1, *row.Total.Baseline)
	assert.Equal(t, 2.0, *row.Total.Value)
	assert.Equal(t, 0.9, *row.Total.Delta)
}

func TestGrid_Raw(t *testing.T) {
	svc, _ := newTestService(t)
	grid, err := svc.Grid(context.Background(), GridRequest{Scope: monthRef, Metrics: metrics()})
	require.NoError(t, err)

	assert.Equal(t, ModeRaw, grid.Mode)
	assert.Equal(t, scope.Day, grid.DataGranularity)
	require.Len(t, grid.Columns, 31)
	assert.Equal(t, "2025-11-01", grid.Columns[0].Key)
	assert.True(t, grid.Columns[30].Total)
	assert.Equal(t, "all", grid.Scope.ID)

	total := grid.Rows[0]
	require.Len(t, total.Cells, 30)
	assert.Equal(t, 3.0, *total.Cells[0].Value)
	assert.Equal(t, 20.0, *total.Cells[1].Value)
	assert.Nil(t, total.Cells[2].Value)
	assert.Nil(t, total.Cells[0].Delta)
	assert.Equal(t, 23.0, *total.Total.Value)

	share := grid.Rows[1]
	assert.Equal(t, 33.3, *share.Cells[0].Value)
	assert.Equal(t, 25.0, *share.Cells[1].Value)
	assert.Equal(t, 29.2, *share.Total.Value)

	assert.Equal(t, Navigation{Previous: "2025-10-01", Current: "2025-11-01", Next: "2025-11-01"}, grid.Navigation)
}

func TestGrid_Delta(t *testing.T) {
	svc, _ := newTestService(t)
	grid, err := svc.Grid(context.Background(), GridRequest{Scope: monthRef, Metrics: metrics(), Mode: "delta"})
	require.NoError(t, err)

	cells := grid.Rows[0].Cells
	// the first column compares against 2025-10-31
	assert.Equal(t, 6.0, *cells[0].Previous)
	assert.Equal(t, -3.0, *cells[0].Delta)
	assert.Equal(t, -50.0, *cells[0].DeltaPct)

	assert.Equal(t, 17.0, *cells[1].Delta)
	assert.Equal(t, 566.7, *cells[1].DeltaPct)

	assert.Nil(t, cells[2].Delta)
	assert.Nil(t, cells[3].Previous)
	assert.Nil(t, grid.Rows[0].Total.Delta)
	assert.Equal(t, 23.0, *grid.Rows[0].Total.Value)
}

func TestGrid_DeltaPctNullWhenPriorIsZero(t *testing.T) {
	svc, store := newTestService(t)
	seedCounts(t, store, scope.Public, scope.PublicID, scope.Day, day(3), 0, 0)
	seedCounts(t, store, scope.Public, scope.PublicID, scope.Day, day(4), 4, 0)

	grid, err := svc.Grid(context.Background(), GridRequest{Scope: monthRef, Metrics: metrics(), Mode: ModeDelta})
	require.NoError(t, err)

	c := grid.Rows[0].Cells[3]
	assert.Equal(t, 4.0, *c.Delta)
	assert.Nil(t, c.DeltaPct)
}

func TestGrid_Compare(t *testing.T) {
	svc, _ := newTestService(t)
	grid, err := svc.Grid(context.Background(), GridRequest{
		Scope:    monthRef,
		Metrics:  metrics()[:1],
		Mode:     ModeCompare,
		Baseline: &ScopeRef{Type: "state", ID: "5"},
	})
	require.NoError(t, err)

	require.NotNil(t, grid.Baseline)
	assert.Equal(t, ScopeRef{Type: "state", ID: "5", Granularity: "month", Period: "2025-11-01"}, *grid.Baseline)

	cells := grid.Rows[0].Cells
	assert.Equal(t, 1.0, *cells[0].Baseline)
	assert.Equal(t, 2.0, *cells[0].Delta)
	assert.Equal(t, 200.0, *cells[0].DeltaPct)
	assert.Equal(t, 20.0, *cells[1].Delta)
	assert.Nil(t, cells[1].DeltaPct)

	tot := grid.Rows[0].Total
	assert.Equal(t, 23.0, *tot.Value)
	assert.Equal(t, 1.0, *tot.Baseline)
	assert.Equal(t, 22.0, *tot.Delta)
	assert.Equal(t, 2200.0, *tot.DeltaPct)
}

func TestGrid_AllNullTotalIsNull(t *testing.T) {
	svc, _ := newTestService(t)
	grid, err := svc.Grid(context.Background(), GridRequest{
		Scope:   ScopeRef{Type: "hospital", ID: "10", Granularity: "week", Period: "2025-11-05"},
		Metrics: metrics(),
	})
	require.NoError(t, err)

	assert.Len(t, grid.Columns, 8)
	assert.Equal(t, "2025-11-03", grid.Columns[0].Key)
	for _, row := range grid.Rows {
		assert.Nil(t, row.Total.Value)
	}
}

func TestGrid_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Grid(ctx, GridRequest{Scope: monthRef})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Grid(ctx, GridRequest{Scope: monthRef, Metrics: []MetricSpec{{Key: "counts"}}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Grid(ctx, GridRequest{Scope: monthRef, Metrics: []MetricSpec{{Key: "counts.bogus"}}})
	assert.ErrorIs(t, err, rollup.ErrUnknownMetric)

	_, err = svc.Grid(ctx, GridRequest{Scope: monthRef, Metrics: []MetricSpec{{Key: "median.total"}}})
	assert.ErrorIs(t, err, rollup.ErrUnknownFamily)

	_, err = svc.Grid(ctx, GridRequest{Scope: monthRef, Metrics: []MetricSpec{{Key: "counts.total", Format: "ratio"}}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Grid(ctx, GridRequest{Scope: monthRef, Metrics: metrics(), Mode: "SIDEWAYS"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Grid(ctx, GridRequest{Scope: monthRef, Metrics: metrics(), Mode: ModeCompare})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Grid(ctx, GridRequest{Scope: ScopeRef{Type: "hospital_cohort", ID: "invalid"}, Metrics: metrics()})
	assert.True(t, scope.IsInvalid(err))

	_, err = svc.Grid(ctx, GridRequest{Scope: ScopeRef{Type: "state", ID: "five"}, Metrics: metrics()})
	assert.True(t, scope.IsInvalid(err))

	_, err = svc.Grid(ctx, GridRequest{Scope: ScopeRef{Type: "public", Period: "01.11.2025"}, Metrics: metrics()})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestScopeRef_ResolveClamps(t *testing.T) {
	cal := testCalendar()

	s, err := ScopeRef{Type: "public", Granularity: "month", Period: "2030-05-17"}.Resolve(cal)
	require.NoError(t, err)
	assert.Equal(t, day(1), s.Period)

	s, err = ScopeRef{Type: "public", Granularity: "day", Period: "2001-01-01"}.Resolve(cal)
	require.NoError(t, err)
	assert.Equal(t, scope.DefaultAnchor, s.Period)

	s, err = ScopeRef{Type: "Hospital_Cohort", ID: "Extended_Rural", Granularity: "day"}.Resolve(cal)
	require.NoError(t, err)
	assert.Equal(t, "extended_rural", s.ID)
	assert.Equal(t, day(20), s.Period)
}

func TestPanel(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	panel, err := svc.Panel(ctx, PanelRequest{
		Scope:    ScopeRef{Type: "public", Granularity: "day", Period: "2025-11-02"},
		Metrics:  metrics(),
		Baseline: &ScopeRef{Type: "state", ID: "5"},
	})
	require.NoError(t, err)

	require.Len(t, panel.Values, 2)
	assert.Equal(t, 20.0, *panel.Values[0].Value)
	assert.Equal(t, 0.0, *panel.Values[0].Baseline)
	assert.Equal(t, 20.0, *panel.Values[0].Delta)
	assert.Nil(t, panel.Values[0].DeltaPct)
	// state 5 has a zero total on 2025-11-02, so its share is undefined
	assert.Nil(t, panel.Values[1].Baseline)
	assert.Equal(t, "2025-11-01", panel.Navigation.Previous)
	assert.Equal(t, "2025-11-03", panel.Navigation.Next)

	panel, err = svc.Panel(ctx, PanelRequest{
		Scope:   ScopeRef{Type: "public", Granularity: "day", Period: "2025-11-05"},
		Metrics: metrics(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, *panel.Values[0].Value)
	assert.Nil(t, panel.Values[1].Value)
}

func TestRow_Snapshot(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	view, err := svc.Row(ctx, "counts", ScopeRef{Type: "public", Granularity: "day", Period: "2025-11-01"})
	require.NoError(t, err)
	assert.True(t, view.Materialized)
	assert.Equal(t, 3, view.Data.(*rollup.CountsRow).Counts["total"])

	view, err = svc.Row(ctx, "hourly", ScopeRef{Type: "state", ID: "5", Granularity: "day", Period: "2025-11-01"})
	require.NoError(t, err)
	assert.False(t, view.Materialized)
	assert.Len(t, view.Data.(*rollup.HourlyRow).Hours["total"], 24)

	view, err = svc.Row(ctx, "transport_time_buckets", ScopeRef{Type: "public", Granularity: "day", Period: "2025-11-01"})
	require.NoError(t, err)
	assert.Empty(t, view.TransportDims)

	_, err = svc.Row(ctx, "median", ScopeRef{Type: "public"})
	assert.ErrorIs(t, err, rollup.ErrUnknownFamily)
}
