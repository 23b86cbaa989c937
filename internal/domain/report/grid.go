package report

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/allocstats/internal/domain/scope"
)

// pctPlaces is the number of decimals percentage values are rounded to.
const pctPlaces = 1

// DataGranularity maps a display granularity to the granularity of the rows
// its columns are read from.
func DataGranularity(g scope.Granularity) scope.Granularity {
	switch g {
	case scope.Year, scope.Quarter:
		return scope.Month
	case scope.Month, scope.Week, scope.Day:
		return scope.Day
	}
	return scope.All
}

// ColumnKeys expands a displayed bucket into its data-granularity periods.
// A week is read as its seven days rather than as one week row, so week and
// month grids share day columns.
func ColumnKeys(cal *scope.Calendar, g scope.Granularity, key time.Time) []time.Time {
	return cal.SubPeriods(g, key, DataGranularity(g))
}

func columnLabel(g scope.Granularity, key time.Time) string {
	switch g {
	case scope.All:
		return "All"
	case scope.Month:
		return key.Format("2006-01")
	}
	return key.Format(scope.DateLayout)
}

func columns(dg scope.Granularity, keys []time.Time) []Column {
	out := make([]Column, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, Column{Key: k.Format(scope.DateLayout), Label: columnLabel(dg, k)})
	}
	return append(out, Column{Key: "total", Label: "Total", Total: true})
}

func round(v *float64, places int32) *float64 {
	if v == nil {
		return nil
	}
	r := decimal.NewFromFloat(*v).Round(places).InexactFloat64()
	return &r
}

// present rounds a value for display in the metric's format.
func present(v *float64, f Format) *float64 {
	if f == FormatPct {
		return round(v, pctPlaces)
	}
	return v
}

// change returns the absolute and percentage change of cur against ref. The
// percentage is nil when ref is zero; both are nil when either side is.
func change(cur, ref *float64, f Format) (delta, pct *float64) {
	if cur == nil || ref == nil {
		return nil, nil
	}
	d := *cur - *ref
	delta = present(&d, f)
	if *ref != 0 {
		p := 100 * d / *ref
		pct = round(&p, pctPlaces)
	}
	return delta, pct
}

// Total sums int values and averages pct values, ignoring nils. It returns
// nil when no value is numeric.
func Total(vals []*float64, f Format) *float64 {
	sum := decimal.Zero
	n := 0
	for _, v := range vals {
		if v == nil {
			continue
		}
		sum = sum.Add(decimal.NewFromFloat(*v))
		n++
	}
	if n == 0 {
		return nil
	}
	if f == FormatPct {
		mean := sum.Div(decimal.NewFromInt(int64(n))).Round(pctPlaces).InexactFloat64()
		return &mean
	}
	total := sum.InexactFloat64()
	return &total
}

// buildRow lays out one metric row. vals holds the primary values of every
// column; prev is the value before the first column (DELTA only) and base
// the baseline values (COMPARE only).
func buildRow(m MetricSpec, mode Mode, vals []*float64, prev *float64, base []*float64) GridRow {
	row := GridRow{MetricSpec: m, Cells: make([]Cell, len(vals))}
	shown := make([]*float64, len(vals))
	var shownBase []*float64
	if mode == ModeCompare {
		shownBase = make([]*float64, len(base))
	}
	for i, v := range vals {
		c := Cell{Value: present(v, m.Format)}
		switch mode {
		case ModeDelta:
			p := prev
			if i > 0 {
				p = vals[i-1]
			}
			c.Previous = present(p, m.Format)
			c.Delta, c.DeltaPct = change(v, p, m.Format)
		case ModeCompare:
			c.Baseline = present(base[i], m.Format)
			c.Delta, c.DeltaPct = change(v, base[i], m.Format)
			shownBase[i] = c.Baseline
		}
		shown[i] = c.Value
		row.Cells[i] = c
	}

	// Totals are taken over the displayed cells so a pct mean agrees with
	// the rounded values beside it.
	row.Total = Cell{Value: Total(shown, m.Format)}
	if mode == ModeCompare {
		row.Total.Baseline = Total(shownBase, m.Format)
		row.Total.Delta, row.Total.DeltaPct = change(row.Total.Value, row.Total.Baseline, m.Format)
	}
	return row
}
