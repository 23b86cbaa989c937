package rollup

import (
	"context"
	"fmt"

	"github.com/ehr/allocstats/internal/domain/allocation"
	"github.com/ehr/allocstats/internal/domain/scope"
)

// Stage orders calculators within a rebuild. Derived calculators read other
// materialized families and run after every fact-reading calculator.
type Stage int

const (
	StageFacts Stage = iota
	StageDerived
)

// Calculator recomputes one aggregate family for a scope from scratch and
// upserts the result. Calculate must be idempotent.
type Calculator interface {
	Family() Family
	Stage() Stage
	Supports(s scope.Scope) bool
	Calculate(ctx context.Context, s scope.Scope) error
}

// Options tunes the ranked families.
type Options struct {
	TopN      int
	SliceTopN int
}

func (o Options) withDefaults() Options {
	if o.TopN <= 0 {
		o.TopN = 10
	}
	if o.SliceTopN <= 0 {
		o.SliceTopN = 10
	}
	return o
}

// DefaultCalculators returns every family's calculator in calculation order.
func DefaultCalculators(facts allocation.FactRepository, store Store, cal *scope.Calendar, opts Options) []Calculator {
	opts = opts.withDefaults()
	b := base{facts: facts, store: store, cal: cal}
	return []Calculator{
		&CountsCalculator{b},
		&HourlyCalculator{b},
		&TopCategoriesCalculator{base: b, limit: opts.TopN},
		&AgeBucketsCalculator{b},
		&TransportTimeCalculator{base: b, sliceLimit: opts.SliceTopN},
		&CohortSumsCalculator{b},
		&CohortStatsCalculator{b},
	}
}

type base struct {
	facts allocation.FactRepository
	store Store
	cal   *scope.Calendar
}

// filter validates the scope. Malformed scopes fail here, before any query.
func (b base) filter(s scope.Scope) (allocation.Filter, error) {
	return allocation.NewFilter(s, b.cal)
}

// =========== Counts ===========

type CountsCalculator struct{ base }

func (c *CountsCalculator) Family() Family            { return FamilyCounts }
func (c *CountsCalculator) Stage() Stage              { return StageFacts }
func (c *CountsCalculator) Supports(scope.Scope) bool { return true }

func (c *CountsCalculator) Calculate(ctx context.Context, s scope.Scope) error {
	f, err := c.filter(s)
	if err != nil {
		return err
	}
	counts, err := c.facts.CountBreakdowns(ctx, f)
	if err != nil {
		return err
	}
	row := &CountsRow{Scope: s, Counts: ZeroCounts()}
	for k, v := range counts {
		row.Counts[k] = v
	}
	return c.store.Upsert(ctx, row)
}

// =========== Hourly ===========

type HourlyCalculator struct{ base }

func (c *HourlyCalculator) Family() Family            { return FamilyHourly }
func (c *HourlyCalculator) Stage() Stage              { return StageFacts }
func (c *HourlyCalculator) Supports(scope.Scope) bool { return true }

func (c *HourlyCalculator) Calculate(ctx context.Context, s scope.Scope) error {
	f, err := c.filter(s)
	if err != nil {
		return err
	}
	hours, err := c.facts.HourHistogram(ctx, f)
	if err != nil {
		return err
	}
	row := &HourlyRow{Scope: s, Hours: allocation.EmptyHourHistogram()}
	for k, v := range hours {
		row.Hours[k] = v
	}
	return c.store.Upsert(ctx, row)
}

// =========== Top categories ===========

type TopCategoriesCalculator struct {
	base
	limit int
}

func (c *TopCategoriesCalculator) Family() Family            { return FamilyTopCategories }
func (c *TopCategoriesCalculator) Stage() Stage              { return StageFacts }
func (c *TopCategoriesCalculator) Supports(scope.Scope) bool { return true }

func (c *TopCategoriesCalculator) Calculate(ctx context.Context, s scope.Scope) error {
	f, err := c.filter(s)
	if err != nil {
		return err
	}
	counts, err := c.facts.CountBreakdowns(ctx, f)
	if err != nil {
		return err
	}
	row := &TopCategoriesRow{
		Scope:      s,
		Total:      counts[allocation.TotalKey],
		Categories: make(map[allocation.Dimension][]allocation.CategoryCount, len(allocation.Categories)),
	}
	for _, d := range allocation.Categories {
		entries, err := c.facts.TopCategories(ctx, f, d, c.limit)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []allocation.CategoryCount{}
		}
		row.Categories[d] = entries
	}
	return c.store.Upsert(ctx, row)
}

// =========== Age buckets ===========

// AgeBucketsCalculator stores age histograms. Moments are only meaningful
// for cohort-level scopes and stay nil everywhere else.
type AgeBucketsCalculator struct{ base }

func (c *AgeBucketsCalculator) Family() Family            { return FamilyAgeBuckets }
func (c *AgeBucketsCalculator) Stage() Stage              { return StageFacts }
func (c *AgeBucketsCalculator) Supports(scope.Scope) bool { return true }

func (c *AgeBucketsCalculator) Calculate(ctx context.Context, s scope.Scope) error {
	f, err := c.filter(s)
	if err != nil {
		return err
	}
	hist, err := c.facts.AgeHistogram(ctx, f, allocation.AgeBins)
	if err != nil {
		return err
	}
	row := &BucketsRow{Scope: s, Kind: FamilyAgeBuckets, Buckets: BucketsFromHistogram(hist.Counts, allocation.AgeBins)}
	if s.Type.IsCohortLevel() {
		row.Mean, row.Variance, row.StdDev = hist.Moments.Mean, hist.Moments.Variance, hist.Moments.StdDev
	}
	return c.store.Upsert(ctx, row)
}

// =========== Transport time ===========

type TransportTimeCalculator struct {
	base
	sliceLimit int
}

func (c *TransportTimeCalculator) Family() Family            { return FamilyTransportTime }
func (c *TransportTimeCalculator) Stage() Stage              { return StageFacts }
func (c *TransportTimeCalculator) Supports(scope.Scope) bool { return true }

func (c *TransportTimeCalculator) Calculate(ctx context.Context, s scope.Scope) error {
	f, err := c.filter(s)
	if err != nil {
		return err
	}
	hist, err := c.facts.TransportHistogram(ctx, f, allocation.TransportBins)
	if err != nil {
		return err
	}

	var dims []TransportDimRow
	for _, d := range allocation.SliceDimensions {
		slices, err := c.facts.TransportSlices(ctx, f, d, allocation.TransportBins, c.sliceLimit)
		if err != nil {
			return err
		}
		for _, sl := range slices {
			for _, b := range bucketsOf(sl.Counts, allocation.TransportBins) {
				dims = append(dims, TransportDimRow{
					DimType:   d,
					DimID:     sl.DimID,
					BucketKey: b.Key,
					N:         b.N,
					Share:     b.Share,
					Rows:      sl.Rows,
					Mean:      sl.Moments.Mean,
					Variance:  sl.Moments.Variance,
					StdDev:    sl.Moments.StdDev,
				})
			}
		}
	}

	row := &BucketsRow{
		Scope:    s,
		Kind:     FamilyTransportTime,
		Buckets:  BucketsFromHistogram(hist.Counts, allocation.TransportBins),
		Mean:     hist.Moments.Mean,
		Variance: hist.Moments.Variance,
		StdDev:   hist.Moments.StdDev,
	}
	if err := c.store.Upsert(ctx, row); err != nil {
		return err
	}
	return c.store.ReplaceTransportDims(ctx, s, dims)
}

// =========== Cohort sums ===========

// CohortSumsCalculator adds up the stored hospital counts of a cohort's
// members instead of rescanning facts.
type CohortSumsCalculator struct{ base }

func (c *CohortSumsCalculator) Family() Family { return FamilyCohortSums }
func (c *CohortSumsCalculator) Stage() Stage   { return StageDerived }
func (c *CohortSumsCalculator) Supports(s scope.Scope) bool {
	return s.Type.IsCohortLevel()
}

func (c *CohortSumsCalculator) Calculate(ctx context.Context, s scope.Scope) error {
	ids, rows, err := c.memberCounts(ctx, s)
	if err != nil {
		return err
	}
	row := &CohortSumsRow{Scope: s, Hospitals: len(ids), Counts: ZeroCounts()}
	for _, r := range rows {
		for k, v := range r.Counts {
			if allocation.IsBreakdown(k) {
				row.Counts[k] += v
			}
		}
	}
	return c.store.Upsert(ctx, row)
}

func (b base) memberCounts(ctx context.Context, s scope.Scope) ([]int64, []*CountsRow, error) {
	f, err := b.filter(s)
	if err != nil {
		return nil, nil, err
	}
	if !f.NeedsHospital() {
		return nil, nil, &scope.IDError{Type: s.Type, ID: s.ID, Reason: "not a hospital attribute scope"}
	}
	ids, err := b.facts.CohortHospitalIDs(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	rows, err := b.store.HospitalCounts(ctx, ids, s.Granularity, s.Period)
	if err != nil {
		return nil, nil, fmt.Errorf("member counts for %s: %w", s, err)
	}
	return ids, rows, nil
}

// =========== Cohort stats ===========

// CohortStatsCalculator describes per-hospital breakdown ratios across the
// members of a cohort with a non-zero total.
type CohortStatsCalculator struct{ base }

func (c *CohortStatsCalculator) Family() Family { return FamilyCohortStats }
func (c *CohortStatsCalculator) Stage() Stage   { return StageDerived }
func (c *CohortStatsCalculator) Supports(s scope.Scope) bool {
	return s.Type.IsCohortLevel()
}

func (c *CohortStatsCalculator) Calculate(ctx context.Context, s scope.Scope) error {
	_, rows, err := c.memberCounts(ctx, s)
	if err != nil {
		return err
	}
	return c.store.Upsert(ctx, CohortStats(s, rows))
}

// CohortStats computes the stats row from member counts.
func CohortStats(s scope.Scope, members []*CountsRow) *CohortStatsRow {
	var active []Counts
	var totals []float64
	for _, m := range members {
		if t := m.Counts[allocation.TotalKey]; t > 0 {
			active = append(active, m.Counts)
			totals = append(totals, float64(t))
		}
	}

	row := &CohortStatsRow{Scope: s, N: len(active), Rates: emptyRates()}
	row.MeanTotal = allocation.SampleMoments(totals).Mean
	for _, b := range allocation.Breakdowns {
		ratios := make([]float64, 0, len(active))
		for _, c := range active {
			ratios = append(ratios, float64(c[b.Key])/float64(c[allocation.TotalKey]))
		}
		m := allocation.SampleMoments(ratios)
		row.Rates[b.Key] = RateStats{Mean: m.Mean, SD: m.StdDev, Var: m.Variance}
	}
	return row
}
