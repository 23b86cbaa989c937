package allocation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ehr/allocstats/internal/domain/scope"
)

// MemoryRepository evaluates every aggregate in Go over an in-memory fact
// set. It mirrors the SQL semantics of the Postgres repository and backs the
// tests of this and the rollup, command and integration packages.
type MemoryRepository struct {
	mu        sync.RWMutex
	cal       *scope.Calendar
	nextID    int64
	facts     []*Allocation
	hospitals map[int64]*Hospital
	labels    map[Dimension]map[int64]string
}

func NewMemoryRepository(cal *scope.Calendar) *MemoryRepository {
	return &MemoryRepository{
		cal:       cal,
		hospitals: make(map[int64]*Hospital),
		labels:    make(map[Dimension]map[int64]string),
	}
}

// Add appends fact rows, assigning ids to rows that have none.
func (m *MemoryRepository) Add(rows ...*Allocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range rows {
		if a.ID == 0 {
			m.nextID++
			a.ID = m.nextID
		}
		m.facts = append(m.facts, a)
	}
}

func (m *MemoryRepository) AddHospital(hs ...*Hospital) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hs {
		m.hospitals[h.ID] = h
	}
}

// AddLabel names a category dimension value.
func (m *MemoryRepository) AddLabel(dim Dimension, id int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.labels[dim] == nil {
		m.labels[dim] = make(map[int64]string)
	}
	m.labels[dim][id] = name
}

func (m *MemoryRepository) hospitalOf(a *Allocation) *Hospital {
	if a.HospitalID == nil {
		return nil
	}
	return m.hospitals[*a.HospitalID]
}

func (m *MemoryRepository) matching(f Filter) []*Allocation {
	var out []*Allocation
	for _, a := range m.facts {
		if f.Matches(a, m.hospitalOf(a)) {
			out = append(out, a)
		}
	}
	return out
}

// =========== Import Discovery ===========

func (m *MemoryRepository) ImportHasFacts(_ context.Context, importID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.facts {
		if a.ImportID == importID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) TouchedIDs(_ context.Context, importID int64, dim Dimension) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[int64]bool{}
	ids := []int64{}
	for _, a := range m.facts {
		if a.ImportID != importID {
			continue
		}
		if id := dim.Of(a); id != nil && !seen[*id] {
			seen[*id] = true
			ids = append(ids, *id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryRepository) TouchedPeriods(_ context.Context, importID int64, dim Dimension, id int64, g scope.Granularity) ([]time.Time, error) {
	if g == scope.All {
		return []time.Time{m.cal.Anchor()}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[time.Time]bool{}
	keys := []time.Time{}
	for _, a := range m.facts {
		if a.ImportID != importID {
			continue
		}
		if dim != "" && !eqID(dim.Of(a), id) {
			continue
		}
		k := m.cal.BucketStart(g, a.CreatedAt)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys, nil
}

func (m *MemoryRepository) Hospitals(_ context.Context, ids []int64) ([]*Hospital, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Hospital
	for _, id := range ids {
		if h, ok := m.hospitals[id]; ok {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =========== Aggregates ===========

func countInto(out map[string][]int, a *Allocation, slot int) {
	out[TotalKey][slot]++
	for _, b := range Breakdowns {
		if b.Match(a) {
			out[b.Key][slot]++
		}
	}
}

func (m *MemoryRepository) CountBreakdowns(_ context.Context, f Filter) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := EmptyCounts(1)
	for _, a := range m.matching(f) {
		countInto(counts, a, 0)
	}
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v[0]
	}
	return out, nil
}

func (m *MemoryRepository) HourHistogram(_ context.Context, f Filter) (map[string][]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := EmptyHourHistogram()
	for _, a := range m.matching(f) {
		countInto(out, a, m.cal.HourOfDay(a.CreatedAt))
	}
	return out, nil
}

func (m *MemoryRepository) TopCategories(_ context.Context, f Filter, dim Dimension, limit int) ([]CategoryCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var unknown *CategoryCount
	byID := map[int64]*CategoryCount{}
	for _, a := range m.matching(f) {
		id := dim.Of(a)
		if id == nil {
			if unknown == nil {
				unknown = &CategoryCount{Label: UnknownLabel}
			}
			unknown.Count++
			continue
		}
		c, ok := byID[*id]
		if !ok {
			v := *id
			label, named := m.labels[dim][v]
			if !named {
				label = UnknownLabel
			}
			c = &CategoryCount{ID: &v, Label: label}
			byID[v] = c
		}
		c.Count++
	}

	items := make([]CategoryCount, 0, len(byID)+1)
	if unknown != nil {
		items = append(items, *unknown)
	}
	for _, c := range byID {
		items = append(items, *c)
	}
	SortCategories(items)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// SortCategories orders by count desc, label asc, then id with null first.
func SortCategories(items []CategoryCount) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		switch {
		case a.ID == nil:
			return b.ID != nil
		case b.ID == nil:
			return false
		}
		return *a.ID < *b.ID
	})
}

func ageOf(a *Allocation) (float64, bool) {
	if a.Age == nil || *a.Age < 0 {
		return 0, false
	}
	return float64(*a.Age), true
}

func (m *MemoryRepository) AgeHistogram(_ context.Context, f Filter, bins Bins) (*Histogram, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return histogramOf(m.matching(f), bins, ageOf), nil
}

func (m *MemoryRepository) TransportHistogram(_ context.Context, f Filter, bins Bins) (*Histogram, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return histogramOf(m.matching(f), bins, (*Allocation).TransportMinutes), nil
}

func histogramOf(rows []*Allocation, bins Bins, value func(*Allocation) (float64, bool)) *Histogram {
	h := &Histogram{Counts: EmptyCounts(len(bins))}
	var vals []float64
	for _, a := range rows {
		v, ok := value(a)
		if !ok {
			continue
		}
		vals = append(vals, v)
		if i := bins.Index(v); i >= 0 {
			countInto(h.Counts, a, i)
		}
	}
	h.Moments = SampleMoments(vals)
	return h
}

func (m *MemoryRepository) TransportSlices(_ context.Context, f Filter, dim Dimension, bins Bins, limit int) ([]SliceHistogram, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values := map[int64][]float64{}
	for _, a := range m.matching(f) {
		id := dim.Of(a)
		if id == nil {
			continue
		}
		if v, ok := a.TransportMinutes(); ok {
			values[*id] = append(values[*id], v)
		}
	}

	out := make([]SliceHistogram, 0, len(values))
	for id, vals := range values {
		s := SliceHistogram{DimID: id, Rows: len(vals), Counts: make([]int, len(bins)), Moments: SampleMoments(vals)}
		for _, v := range vals {
			if i := bins.Index(v); i >= 0 {
				s.Counts[i]++
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rows != out[j].Rows {
			return out[i].Rows > out[j].Rows
		}
		return out[i].DimID < out[j].DimID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) CohortHospitalIDs(_ context.Context, f Filter) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := []int64{}
	for id, h := range m.hospitals {
		if f.MatchesHospital(h) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

var _ Repository = (*MemoryRepository)(nil)
