// Package report builds the read-side views over materialized aggregates:
// time grids with RAW, DELTA and COMPARE modes, single-period panels and raw
// row snapshots.
package report

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/allocstats/internal/domain/rollup"
	"github.com/ehr/allocstats/internal/domain/scope"
)

// ErrInvalidRequest marks malformed read requests.
var ErrInvalidRequest = errors.New("invalid report request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

type Mode string

const (
	ModeRaw     Mode = "RAW"
	ModeDelta   Mode = "DELTA"
	ModeCompare Mode = "COMPARE"
)

func parseMode(m Mode) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(string(m)))) {
	case "", ModeRaw:
		return ModeRaw, nil
	case ModeDelta:
		return ModeDelta, nil
	case ModeCompare:
		return ModeCompare, nil
	}
	return "", invalid("unknown mode %q", m)
}

type Format string

const (
	FormatInt Format = "int"
	FormatPct Format = "pct"
)

// MetricSpec selects one metric of a family, e.g. "counts.gender_m" or
// "cohort_stats.rates.cpr.mean".
type MetricSpec struct {
	Label  string `json:"label"`
	Key    string `json:"key"`
	Format Format `json:"format"`
}

type metricRef struct {
	spec   MetricSpec
	family rollup.Family
	path   string
}

// parseMetric validates the key against the family's zero row so unknown
// paths fail before anything is read.
func parseMetric(m MetricSpec, s scope.Scope) (metricRef, error) {
	fam, path, ok := strings.Cut(strings.TrimSpace(m.Key), ".")
	if !ok || path == "" {
		return metricRef{}, invalid("metric key %q must be <family>.<metric>", m.Key)
	}
	f, err := rollup.ParseFamily(fam)
	if err != nil {
		return metricRef{}, err
	}
	probe, err := rollup.Empty(f, s)
	if err != nil {
		return metricRef{}, err
	}
	if _, err := probe.Metric(path); err != nil {
		return metricRef{}, err
	}
	switch m.Format {
	case "":
		m.Format = FormatInt
	case FormatInt, FormatPct:
	default:
		return metricRef{}, invalid("metric %q: unknown format %q", m.Key, m.Format)
	}
	if m.Label == "" {
		m.Label = m.Key
	}
	return metricRef{spec: m, family: f, path: path}, nil
}

func parseMetrics(specs []MetricSpec, s scope.Scope) ([]metricRef, error) {
	if len(specs) == 0 {
		return nil, invalid("at least one metric is required")
	}
	out := make([]metricRef, 0, len(specs))
	for _, m := range specs {
		ref, err := parseMetric(m, s)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// ScopeRef is the wire form of a scope. An empty period means today; an
// empty public id means "all".
type ScopeRef struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Granularity string `json:"gran"`
	Period      string `json:"period"`
}

func RefOf(s scope.Scope) ScopeRef {
	return ScopeRef{Type: string(s.Type), ID: s.ID, Granularity: string(s.Granularity), Period: s.PeriodKey()}
}

// Resolve validates the reference and clamps its period to the navigable
// range of the calendar.
func (r ScopeRef) Resolve(cal *scope.Calendar) (scope.Scope, error) {
	t, err := scope.ParseType(r.Type)
	if err != nil {
		return scope.Scope{}, err
	}
	g := scope.Month
	if strings.TrimSpace(r.Granularity) != "" {
		if g, err = scope.ParseGranularity(r.Granularity); err != nil {
			return scope.Scope{}, err
		}
	}
	id := r.ID
	if t == scope.Public && strings.TrimSpace(id) == "" {
		id = scope.PublicID
	}
	period := cal.Today()
	if strings.TrimSpace(r.Period) != "" {
		if period, err = scope.ParseDate(r.Period); err != nil {
			return scope.Scope{}, invalid("%v", err)
		}
	}
	s, err := scope.New(t, id, g, cal.Clamp(g, period))
	if err != nil {
		return scope.Scope{}, err
	}
	if _, err := s.Selector(); err != nil {
		return scope.Scope{}, err
	}
	return s, nil
}

// Navigation holds the clamped neighbours of the displayed period.
type Navigation struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
	Next     string `json:"next"`
}

func navigation(cal *scope.Calendar, s scope.Scope) Navigation {
	return Navigation{
		Previous: cal.Previous(s.Granularity, s.Period).Format(scope.DateLayout),
		Current:  s.PeriodKey(),
		Next:     cal.Next(s.Granularity, s.Period).Format(scope.DateLayout),
	}
}

// Cell is one value of a grid or panel. Previous is set in DELTA mode and
// Baseline in COMPARE mode; Delta and DeltaPct compare Value against
// whichever applies.
type Cell struct {
	Value    *float64 `json:"value"`
	Previous *float64 `json:"previous,omitempty"`
	Baseline *float64 `json:"baseline,omitempty"`
	Delta    *float64 `json:"delta"`
	DeltaPct *float64 `json:"delta_pct"`
}

// Column is a time column of a grid. The last column is the synthetic total.
type Column struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Total bool   `json:"total,omitempty"`
}

type GridRequest struct {
	Scope    ScopeRef     `json:"scope"`
	Metrics  []MetricSpec `json:"metrics"`
	Mode     Mode         `json:"mode"`
	Baseline *ScopeRef    `json:"baseline,omitempty"`
}

type GridRow struct {
	MetricSpec
	Cells []Cell `json:"cells"`
	Total Cell   `json:"total"`
}

type Grid struct {
	Scope           ScopeRef          `json:"scope"`
	Baseline        *ScopeRef         `json:"baseline,omitempty"`
	Mode            Mode              `json:"mode"`
	DataGranularity scope.Granularity `json:"data_gran"`
	Columns         []Column          `json:"columns"`
	Rows            []GridRow         `json:"rows"`
	Navigation      Navigation        `json:"navigation"`
}

type PanelRequest struct {
	Scope    ScopeRef     `json:"scope"`
	Metrics  []MetricSpec `json:"metrics"`
	Baseline *ScopeRef    `json:"baseline,omitempty"`
}

type PanelValue struct {
	MetricSpec
	Cell
}

type Panel struct {
	Scope      ScopeRef     `json:"scope"`
	Baseline   *ScopeRef    `json:"baseline,omitempty"`
	Values     []PanelValue `json:"values"`
	Navigation Navigation   `json:"navigation"`
}

// RowView is a raw snapshot of one materialized row. Materialized is false
// when the row was never computed and Data holds the zero row.
type RowView struct {
	Family        rollup.Family            `json:"family"`
	Scope         ScopeRef                 `json:"scope"`
	Materialized  bool                     `json:"materialized"`
	Data          rollup.Row               `json:"data"`
	TransportDims []rollup.TransportDimRow `json:"transport_dims,omitempty"`
}
