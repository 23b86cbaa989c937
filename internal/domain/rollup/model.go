// Package rollup materializes per-scope aggregates of the allocation fact
// table: it discovers the scopes an import made stale, recomputes every
// aggregate family for them and persists the results.
package rollup

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/allocstats/internal/domain/allocation"
	"github.com/ehr/allocstats/internal/domain/scope"
)

// Family names one materialized aggregate table.
type Family string

const (
	FamilyCounts        Family = "counts"
	FamilyHourly        Family = "hourly"
	FamilyCohortSums    Family = "cohort_sums"
	FamilyCohortStats   Family = "cohort_stats"
	FamilyTopCategories Family = "top_categories"
	FamilyAgeBuckets    Family = "age_buckets"
	FamilyTransportTime Family = "transport_time_buckets"
)

// Families lists every family in calculation order.
var Families = []Family{
	FamilyCounts, FamilyHourly, FamilyTopCategories, FamilyAgeBuckets,
	FamilyTransportTime, FamilyCohortSums, FamilyCohortStats,
}

func ParseFamily(s string) (Family, error) {
	f := Family(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Families {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFamily, s)
}

// Table returns the family's storage table.
func (f Family) Table() string { return "agg_" + string(f) }

// Row is one materialized aggregate. Metric resolves a dotted metric path
// relative to the family; a nil value means the metric is undefined for the
// row (for example a rate over zero hospitals).
type Row interface {
	Key() scope.Scope
	Family() Family
	Metric(path string) (*float64, error)
}

// Counts holds "total" plus one count per breakdown key.
type Counts map[string]int

// ZeroCounts returns a Counts with every key present and zero.
func ZeroCounts() Counts {
	c := make(Counts, len(allocation.Breakdowns)+1)
	for _, k := range allocation.BreakdownKeys() {
		c[k] = 0
	}
	return c
}

// metric resolves "<key>" and "<key>.share".
func (c Counts) metric(path string) (*float64, error) {
	key, sub, _ := strings.Cut(path, ".")
	if !allocation.IsBreakdown(key) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, path)
	}
	switch sub {
	case "":
		return num(float64(c[key])), nil
	case "share":
		return Ratio(c[key], c[allocation.TotalKey]), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, path)
}

// Ratio returns n/total as a percentage, or nil when total is zero.
func Ratio(n, total int) *float64 {
	if total == 0 {
		return nil
	}
	return num(100 * float64(n) / float64(total))
}

func num(v float64) *float64 { return &v }

type CountsRow struct {
	Scope      scope.Scope `json:"-"`
	Counts     Counts      `json:"counts"`
	ComputedAt time.Time   `json:"computed_at"`
}

func (r *CountsRow) Key() scope.Scope { return r.Scope }
func (r *CountsRow) Family() Family   { return FamilyCounts }
func (r *CountsRow) Metric(path string) (*float64, error) {
	return r.Counts.metric(path)
}

// HourlyRow maps each breakdown key to a 24-slot local hour histogram.
type HourlyRow struct {
	Scope      scope.Scope      `json:"-"`
	Hours      map[string][]int `json:"hours"`
	ComputedAt time.Time        `json:"computed_at"`
}

func (r *HourlyRow) Key() scope.Scope { return r.Scope }
func (r *HourlyRow) Family() Family   { return FamilyHourly }

// Metric resolves "<key>.<hour>".
func (r *HourlyRow) Metric(path string) (*float64, error) {
	key, hour, ok := strings.Cut(path, ".")
	slots, known := r.Hours[key]
	h, err := strconv.Atoi(hour)
	if !ok || !known || err != nil || h < 0 || h >= len(slots) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, path)
	}
	return num(float64(slots[h])), nil
}

// CohortSumsRow adds up the hospital-level counts of a cohort's members.
type CohortSumsRow struct {
	Scope      scope.Scope `json:"-"`
	Hospitals  int         `json:"hospitals"`
	Counts     Counts      `json:"counts"`
	ComputedAt time.Time   `json:"computed_at"`
}

func (r *CohortSumsRow) Key() scope.Scope { return r.Scope }
func (r *CohortSumsRow) Family() Family   { return FamilyCohortSums }
func (r *CohortSumsRow) Metric(path string) (*float64, error) {
	if path == "hospitals" {
		return num(float64(r.Hospitals)), nil
	}
	return r.Counts.metric(path)
}

// RateStats are sample statistics of one per-hospital ratio.
type RateStats struct {
	Mean *float64 `json:"mean"`
	SD   *float64 `json:"sd"`
	Var  *float64 `json:"var"`
}

// CohortStatsRow describes the spread of per-hospital breakdown ratios
// across the hospitals of a cohort that had any activity.
type CohortStatsRow struct {
	Scope      scope.Scope          `json:"-"`
	N          int                  `json:"n"`
	MeanTotal  *float64             `json:"mean_total"`
	Rates      map[string]RateStats `json:"rates"`
	ComputedAt time.Time            `json:"computed_at"`
}

func (r *CohortStatsRow) Key() scope.Scope { return r.Scope }
func (r *CohortStatsRow) Family() Family   { return FamilyCohortStats }

// Metric resolves "n", "mean_total" and "rates.<key>.<mean|sd|var>".
func (r *CohortStatsRow) Metric(path string) (*float64, error) {
	switch path {
	case "n":
		return num(float64(r.N)), nil
	case "mean_total":
		return r.MeanTotal, nil
	}
	parts := strings.Split(path, ".")
	if len(parts) == 3 && parts[0] == "rates" {
		if st, ok := r.Rates[parts[1]]; ok {
			switch parts[2] {
			case "mean":
				return st.Mean, nil
			case "sd":
				return st.SD, nil
			case "var":
				return st.Var, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, path)
}

// TopCategoriesRow holds the ranked entries of every category dimension.
type TopCategoriesRow struct {
	Scope      scope.Scope                                         `json:"-"`
	Total      int                                                 `json:"total"`
	Categories map[allocation.Dimension][]allocation.CategoryCount `json:"categories"`
	ComputedAt time.Time                                           `json:"computed_at"`
}

func (r *TopCategoriesRow) Key() scope.Scope { return r.Scope }
func (r *TopCategoriesRow) Family() Family   { return FamilyTopCategories }

// Metric resolves "total" and "<dimension>.<rank>" (1-based count).
func (r *TopCategoriesRow) Metric(path string) (*float64, error) {
	if path == "total" {
		return num(float64(r.Total)), nil
	}
	dim, rank, ok := strings.Cut(path, ".")
	entries, known := r.Categories[allocation.Dimension(dim)]
	i, err := strconv.Atoi(rank)
	if !ok || !known || err != nil || i < 1 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, path)
	}
	if i > len(entries) {
		return nil, nil
	}
	return num(float64(entries[i-1].Count)), nil
}

// Bucket is one bin of a stored histogram. Share is the bin's percentage of
// the breakdown's binned rows, nil when there are none.
type Bucket struct {
	Key   string   `json:"key"`
	N     int      `json:"n"`
	Share *float64 `json:"share"`
}

// BucketsRow is the stored form of the age and transport time families.
type BucketsRow struct {
	Scope      scope.Scope         `json:"-"`
	Kind       Family              `json:"-"`
	Buckets    map[string][]Bucket `json:"buckets"`
	Mean       *float64            `json:"mean"`
	Variance   *float64            `json:"variance"`
	StdDev     *float64            `json:"stddev"`
	ComputedAt time.Time           `json:"computed_at"`
}

func (r *BucketsRow) Key() scope.Scope { return r.Scope }
func (r *BucketsRow) Family() Family   { return r.Kind }

// Metric resolves "mean", "variance", "stddev", "<key>.<bin>" and
// "<key>.<bin>.share".
func (r *BucketsRow) Metric(path string) (*float64, error) {
	switch path {
	case "mean":
		return r.Mean, nil
	case "variance":
		return r.Variance, nil
	case "stddev":
		return r.StdDev, nil
	}
	parts := strings.Split(path, ".")
	if len(parts) >= 2 && len(parts) <= 3 {
		for _, b := range r.Buckets[parts[0]] {
			if b.Key != parts[1] {
				continue
			}
			if len(parts) == 2 {
				return num(float64(b.N)), nil
			}
			if parts[2] == "share" {
				return b.Share, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMetric, path)
}

// BucketsFromHistogram converts per-breakdown bin counts into ordered
// bucket arrays with shares.
func BucketsFromHistogram(counts map[string][]int, bins allocation.Bins) map[string][]Bucket {
	out := make(map[string][]Bucket, len(counts))
	for _, k := range allocation.BreakdownKeys() {
		out[k] = bucketsOf(counts[k], bins)
	}
	return out
}

func bucketsOf(counts []int, bins allocation.Bins) []Bucket {
	sum := 0
	for _, n := range counts {
		sum += n
	}
	out := make([]Bucket, len(bins))
	for i, b := range bins {
		n := 0
		if i < len(counts) {
			n = counts[i]
		}
		out[i] = Bucket{Key: b.Key, N: n, Share: Ratio(n, sum)}
	}
	return out
}

// TransportDimRow is one bin of the transport time histogram restricted to a
// single value of a slice dimension.
type TransportDimRow struct {
	DimType   allocation.Dimension `json:"dim_type"`
	DimID     int64                `json:"dim_id"`
	BucketKey string               `json:"bucket_key"`
	N         int                  `json:"n"`
	Share     *float64             `json:"share"`
	Rows      int                  `json:"rows"`
	Mean      *float64             `json:"mean"`
	Variance  *float64             `json:"variance"`
	StdDev    *float64             `json:"stddev"`
}

// Empty returns the zero-valued row of a family, used when nothing has been
// materialized for a scope yet.
func Empty(f Family, s scope.Scope) (Row, error) {
	switch f {
	case FamilyCounts:
		return &CountsRow{Scope: s, Counts: ZeroCounts()}, nil
	case FamilyHourly:
		return &HourlyRow{Scope: s, Hours: allocation.EmptyHourHistogram()}, nil
	case FamilyCohortSums:
		return &CohortSumsRow{Scope: s, Counts: ZeroCounts()}, nil
	case FamilyCohortStats:
		return &CohortStatsRow{Scope: s, Rates: emptyRates()}, nil
	case FamilyTopCategories:
		cats := make(map[allocation.Dimension][]allocation.CategoryCount, len(allocation.Categories))
		for _, d := range allocation.Categories {
			cats[d] = []allocation.CategoryCount{}
		}
		return &TopCategoriesRow{Scope: s, Categories: cats}, nil
	case FamilyAgeBuckets:
		return &BucketsRow{Scope: s, Kind: f, Buckets: BucketsFromHistogram(nil, allocation.AgeBins)}, nil
	case FamilyTransportTime:
		return &BucketsRow{Scope: s, Kind: f, Buckets: BucketsFromHistogram(nil, allocation.TransportBins)}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, f)
}

func emptyRates() map[string]RateStats {
	rates := make(map[string]RateStats, len(allocation.Breakdowns))
	for _, b := range allocation.Breakdowns {
		rates[b.Key] = RateStats{}
	}
	return rates
}

// SortTransportDims orders slice rows by dimension, busiest value first,
// then by bin.
func SortTransportDims(rows []TransportDimRow) []TransportDimRow {
	dimOrder := func(d allocation.Dimension) int {
		for i, known := range allocation.SliceDimensions {
			if d == known {
				return i
			}
		}
		return len(allocation.SliceDimensions)
	}
	binOrder := func(key string) int {
		for i, b := range allocation.TransportBins {
			if b.Key == key {
				return i
			}
		}
		return len(allocation.TransportBins)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.DimType != b.DimType {
			return dimOrder(a.DimType) < dimOrder(b.DimType)
		}
		if a.Rows != b.Rows {
			return a.Rows > b.Rows
		}
		if a.DimID != b.DimID {
			return a.DimID < b.DimID
		}
		return binOrder(a.BucketKey) < binOrder(b.BucketKey)
	})
	return rows
}
