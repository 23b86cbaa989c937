package rollup

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ehr/allocstats/internal/domain/scope"
)

// MemoryStore keeps materialized rows in process. It is a test double shared
// by the rollup, report, command and integration tests.
type MemoryStore struct {
	mu   sync.RWMutex
	now  func() time.Time
	rows map[Family]map[string]Row
	dims map[string][]TransportDimRow

	// Writes counts upserts per family.
	Writes map[Family]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:    time.Now,
		rows:   make(map[Family]map[string]Row),
		dims:   make(map[string][]TransportDimRow),
		Writes: make(map[Family]int),
	}
}

func stamp(row Row, at time.Time) {
	switch v := row.(type) {
	case *CountsRow:
		v.ComputedAt = at
	case *HourlyRow:
		v.ComputedAt = at
	case *CohortSumsRow:
		v.ComputedAt = at
	case *CohortStatsRow:
		v.ComputedAt = at
	case *TopCategoriesRow:
		v.ComputedAt = at
	case *BucketsRow:
		v.ComputedAt = at
	}
}

func (m *MemoryStore) Upsert(_ context.Context, row Row) error {
	if _, err := Empty(row.Family(), row.Key()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stamp(row, m.now())
	f := row.Family()
	if m.rows[f] == nil {
		m.rows[f] = make(map[string]Row)
	}
	m.rows[f][row.Key().Key()] = row
	m.Writes[f]++
	return nil
}

func (m *MemoryStore) ReplaceTransportDims(_ context.Context, s scope.Scope, rows []TransportDimRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dims[s.Key()] = append([]TransportDimRow(nil), rows...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, f Family, s scope.Scope) (Row, error) {
	if _, err := Empty(f, s); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rows[f][s.Key()], nil
}

func (m *MemoryStore) Load(ctx context.Context, f Family, t scope.Type, id string, g scope.Granularity, keys []time.Time) (map[string]Row, error) {
	out := make(map[string]Row)
	for _, k := range keys {
		s := scope.Scope{Type: t, ID: id, Granularity: g, Period: k}
		row, err := m.Get(ctx, f, s)
		if err != nil {
			return nil, err
		}
		if row != nil {
			out[s.PeriodKey()] = row
		}
	}
	return out, nil
}

func (m *MemoryStore) TransportDims(_ context.Context, s scope.Scope) ([]TransportDimRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return SortTransportDims(append([]TransportDimRow(nil), m.dims[s.Key()]...)), nil
}

func (m *MemoryStore) HospitalCounts(_ context.Context, ids []int64, g scope.Granularity, key time.Time) ([]*CountsRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CountsRow
	for _, id := range ids {
		s := scope.Scope{Type: scope.Hospital, ID: strconv.FormatInt(id, 10), Granularity: g, Period: key}
		if row, ok := m.rows[FamilyCounts][s.Key()].(*CountsRow); ok {
			out = append(out, row)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
