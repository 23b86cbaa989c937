package rollup

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/allocstats/internal/domain/allocation"
	"github.com/ehr/allocstats/internal/domain/scope"
)

var nov1 = scope.Date(2025, time.November, 1)

func ptr[T any](v T) *T { return &v }

func at(hour, minute int) time.Time {
	return time.Date(2025, time.November, 1, hour, minute, 0, 0, time.UTC)
}

func mustScope(t *testing.T, typ scope.Type, id string, g scope.Granularity, period time.Time) scope.Scope {
	t.Helper()
	s, err := scope.New(typ, id, g, period)
	require.NoError(t, err)
	return s
}

type fixture struct {
	cal   *scope.Calendar
	facts *allocation.MemoryRepository
	store *MemoryStore
}

// newFixture seeds two imports on 2025-11-01 (UTC):
//
//	import 1: hospital 10 (full/urban) x2, 12 (size small), 13 (no attributes),
//	          14 (invalid tier, rural), 99 (not in the dimension table)
//	import 2: hospital 11 (full/urban)
func newFixture(t *testing.T) *fixture {
	t.Helper()
	cal := scope.NewCalendar(time.UTC, time.Time{})
	facts := allocation.NewMemoryRepository(cal)
	facts.AddHospital(
		&allocation.Hospital{ID: 10, Name: "Nord", Tier: ptr("Full"), Location: ptr("Urban"), Size: ptr("large")},
		&allocation.Hospital{ID: 11, Name: "Süd", Tier: ptr("full"), Location: ptr("urban")},
		&allocation.Hospital{ID: 12, Name: "Land", Size: ptr("small"), Location: ptr("rural")},
		&allocation.Hospital{ID: 13, Name: "Blank"},
		&allocation.Hospital{ID: 14, Name: "Odd", Tier: ptr("premium"), Location: ptr("rural")},
	)
	facts.AddLabel(allocation.DimOccasion, 1, "Stroke")
	facts.AddLabel(allocation.DimOccasion, 2, "Cardiac")

	arrive := func(ts time.Time, minutes int) *time.Time {
		v := ts.Add(time.Duration(minutes) * time.Minute)
		return &v
	}
	facts.Add(
		&allocation.Allocation{ImportID: 1, CreatedAt: at(8, 0), ArrivalAt: arrive(at(8, 0), 15), HospitalID: ptr(int64(10)),
			StateID: ptr(int64(5)), OccasionID: ptr(int64(1)), Gender: ptr("M"), Urgency: ptr(1), Age: ptr(40)},
		&allocation.Allocation{ImportID: 1, CreatedAt: at(9, 30), ArrivalAt: arrive(at(9, 30), 25), HospitalID: ptr(int64(10)),
			StateID: ptr(int64(5)), OccasionID: ptr(int64(2)), Gender: ptr("F"), Urgency: ptr(2), Age: ptr(70)},
		&allocation.Allocation{ImportID: 1, CreatedAt: at(10, 0), HospitalID: ptr(int64(12)),
			StateID: ptr(int64(5)), OccasionID: ptr(int64(1)), Gender: ptr("M"), Urgency: ptr(2)},
		&allocation.Allocation{ImportID: 1, CreatedAt: at(10, 15), HospitalID: ptr(int64(13)), StateID: ptr(int64(6))},
		&allocation.Allocation{ImportID: 1, CreatedAt: at(11, 0), HospitalID: ptr(int64(14))},
		&allocation.Allocation{ImportID: 1, CreatedAt: at(23, 0), HospitalID: ptr(int64(99))},
		&allocation.Allocation{ImportID: 2, CreatedAt: at(12, 0), HospitalID: ptr(int64(11)), Gender: ptr("W"), Urgency: ptr(3)},
	)
	return &fixture{cal: cal, facts: facts, store: NewMemoryStore()}
}

func (fx *fixture) orchestrator(opts ...Option) *Orchestrator {
	return NewOrchestrator(fx.facts,
		DefaultProviders(fx.facts, zerolog.Nop()),
		DefaultCalculators(fx.facts, fx.store, fx.cal, Options{}),
		opts...)
}
