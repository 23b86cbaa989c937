package report

import (
	"context"
	"time"

	"github.com/ehr/allocstats/internal/domain/rollup"
	"github.com/ehr/allocstats/internal/domain/scope"
)

// Service answers read requests from the materialized store only; it never
// touches the fact table.
type Service struct {
	store rollup.Store
	cal   *scope.Calendar
}

func NewService(store rollup.Store, cal *scope.Calendar) *Service {
	return &Service{store: store, cal: cal}
}

// baselineOf combines the baseline's dimension with the primary's period.
func (s *Service) baselineOf(ref *ScopeRef, primary scope.Scope) (scope.Scope, error) {
	if ref == nil {
		return scope.Scope{}, invalid("COMPARE mode requires a baseline scope")
	}
	b := *ref
	b.Granularity = string(primary.Granularity)
	b.Period = primary.PeriodKey()
	return b.Resolve(s.cal)
}

// values reads every metric for the given series keys. Absent rows yield
// nil values.
func (s *Service) values(ctx context.Context, sc scope.Scope, g scope.Granularity, keys []time.Time, metrics []metricRef) ([][]*float64, error) {
	loaded := map[rollup.Family]map[string]rollup.Row{}
	for _, m := range metrics {
		if _, ok := loaded[m.family]; ok {
			continue
		}
		rows, err := s.store.Load(ctx, m.family, sc.Type, sc.ID, g, keys)
		if err != nil {
			return nil, err
		}
		loaded[m.family] = rows
	}

	out := make([][]*float64, len(metrics))
	for i, m := range metrics {
		vals := make([]*float64, len(keys))
		for j, k := range keys {
			row, ok := loaded[m.family][k.Format(scope.DateLayout)]
			if !ok {
				continue
			}
			v, err := row.Metric(m.path)
			if err != nil {
				return nil, err
			}
			vals[j] = v
		}
		out[i] = vals
	}
	return out, nil
}

// Grid expands the requested period into data-granularity columns and lays
// out one row per metric.
func (s *Service) Grid(ctx context.Context, req GridRequest) (*Grid, error) {
	mode, err := parseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	primary, err := req.Scope.Resolve(s.cal)
	if err != nil {
		return nil, err
	}
	metrics, err := parseMetrics(req.Metrics, primary)
	if err != nil {
		return nil, err
	}

	dg := DataGranularity(primary.Granularity)
	keys := ColumnKeys(s.cal, primary.Granularity, primary.Period)
	grid := &Grid{
		Scope:           RefOf(primary),
		Mode:            mode,
		DataGranularity: dg,
		Columns:         columns(dg, keys),
		Rows:            make([]GridRow, 0, len(metrics)),
		Navigation:      navigation(s.cal, primary),
	}

	// DELTA needs the period before the first column.
	fetch := keys
	withPrev := mode == ModeDelta && dg != scope.All
	if withPrev {
		fetch = append([]time.Time{s.cal.Add(dg, keys[0], -1)}, keys...)
	}
	vals, err := s.values(ctx, primary, dg, fetch, metrics)
	if err != nil {
		return nil, err
	}

	var base [][]*float64
	if mode == ModeCompare {
		b, err := s.baselineOf(req.Baseline, primary)
		if err != nil {
			return nil, err
		}
		ref := RefOf(b)
		grid.Baseline = &ref
		if base, err = s.values(ctx, b, dg, keys, metrics); err != nil {
			return nil, err
		}
	}

	for i, m := range metrics {
		v := vals[i]
		var prev *float64
		if withPrev {
			prev, v = v[0], v[1:]
		}
		var b []*float64
		if base != nil {
			b = base[i]
		}
		grid.Rows = append(grid.Rows, buildRow(m.spec, mode, v, prev, b))
	}
	return grid, nil
}

// snapshot returns the stored row or the family's zero row.
func (s *Service) snapshot(ctx context.Context, f rollup.Family, sc scope.Scope) (rollup.Row, bool, error) {
	row, err := s.store.Get(ctx, f, sc)
	if err != nil {
		return nil, false, err
	}
	if row != nil {
		return row, true, nil
	}
	row, err = rollup.Empty(f, sc)
	return row, false, err
}

// Panel reads the metrics of one period at its own granularity. Rows that
// were never computed read as zero.
func (s *Service) Panel(ctx context.Context, req PanelRequest) (*Panel, error) {
	primary, err := req.Scope.Resolve(s.cal)
	if err != nil {
		return nil, err
	}
	metrics, err := parseMetrics(req.Metrics, primary)
	if err != nil {
		return nil, err
	}
	panel := &Panel{
		Scope:      RefOf(primary),
		Values:     make([]PanelValue, 0, len(metrics)),
		Navigation: navigation(s.cal, primary),
	}

	var baseline *scope.Scope
	if req.Baseline != nil {
		b, err := s.baselineOf(req.Baseline, primary)
		if err != nil {
			return nil, err
		}
		ref := RefOf(b)
		panel.Baseline = &ref
		baseline = &b
	}

	for _, m := range metrics {
		row, _, err := s.snapshot(ctx, m.family, primary)
		if err != nil {
			return nil, err
		}
		v, err := row.Metric(m.path)
		if err != nil {
			return nil, err
		}
		cell := Cell{Value: present(v, m.spec.Format)}
		if baseline != nil {
			brow, _, err := s.snapshot(ctx, m.family, *baseline)
			if err != nil {
				return nil, err
			}
			bv, err := brow.Metric(m.path)
			if err != nil {
				return nil, err
			}
			cell.Baseline = present(bv, m.spec.Format)
			cell.Delta, cell.DeltaPct = change(v, bv, m.spec.Format)
		}
		panel.Values = append(panel.Values, PanelValue{MetricSpec: m.spec, Cell: cell})
	}
	return panel, nil
}

// Row returns the materialized row of one family and scope, or its zero row.
func (s *Service) Row(ctx context.Context, family string, ref ScopeRef) (*RowView, error) {
	f, err := rollup.ParseFamily(family)
	if err != nil {
		return nil, err
	}
	sc, err := ref.Resolve(s.cal)
	if err != nil {
		return nil, err
	}
	row, ok, err := s.snapshot(ctx, f, sc)
	if err != nil {
		return nil, err
	}
	view := &RowView{Family: f, Scope: RefOf(sc), Materialized: ok, Data: row}
	if f == rollup.FamilyTransportTime {
		if view.TransportDims, err = s.store.TransportDims(ctx, sc); err != nil {
			return nil, err
		}
	}
	return view, nil
}
