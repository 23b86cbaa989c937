package rollup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/allocstats/internal/domain/scope"
)

func TestOrchestrator_Rebuild(t *testing.T) {
	fx := newFixture(t)
	sum, err := fx.orchestrator().Rebuild(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, int64(1), sum.ImportID)
	assert.Equal(t, 66, sum.Scopes)
	assert.Equal(t, 66*5+18*2, sum.Calculations)
	assert.Equal(t, 66, sum.Families[FamilyCounts])
	assert.Equal(t, 18, sum.Families[FamilyCohortSums])
	assert.Equal(t, 18, sum.Families[FamilyCohortStats])
	assert.NotEqual(t, uuid.Nil, sum.RunID)
}

func TestOrchestrator_CohortUsesFreshHospitalCounts(t *testing.T) {
	fx := newFixture(t)
	o := fx.orchestrator()
	ctx := context.Background()
	cohort := mustScope(t, scope.HospitalCohort, "full_urban", scope.Day, nov1)

	_, err := o.Rebuild(ctx, 1)
	require.NoError(t, err)

	row, err := fx.store.Get(ctx, FamilyCohortSums, cohort)
	require.NoError(t, err)
	sums := row.(*CohortSumsRow)
	// hospital 11 belongs to the cohort but has no materialized counts yet
	assert.Equal(t, 2, sums.Hospitals)
	assert.Equal(t, 2, sums.Counts["total"])

	_, err = o.Rebuild(ctx, 2)
	require.NoError(t, err)

	row, err = fx.store.Get(ctx, FamilyCohortSums, cohort)
	require.NoError(t, err)
	sums = row.(*CohortSumsRow)
	assert.Equal(t, 2, sums.Hospitals)
	assert.Equal(t, 3, sums.Counts["total"])
	assert.Equal(t, 1, sums.Counts["gender_m"])
	assert.Equal(t, 2, sums.Counts["gender_w"])

	row, err = fx.store.Get(ctx, FamilyCohortStats, cohort)
	require.NoError(t, err)
	stats := row.(*CohortStatsRow)
	assert.Equal(t, 2, stats.N)
	assert.InDelta(t, 1.5, *stats.MeanTotal, 1e-9)
	assert.InDelta(t, 0.25, *stats.Rates["gender_m"].Mean, 1e-9)
}

func TestOrchestrator_RebuildIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	o := fx.orchestrator()
	ctx := context.Background()
	s := mustScope(t, scope.Public, scope.PublicID, scope.All, scope.DefaultAnchor)

	_, err := o.Rebuild(ctx, 1)
	require.NoError(t, err)
	first, _ := fx.store.Get(ctx, FamilyCounts, s)
	firstCounts := first.(*CountsRow).Counts

	_, err = o.Rebuild(ctx, 1)
	require.NoError(t, err)
	second, _ := fx.store.Get(ctx, FamilyCounts, s)

	assert.Equal(t, firstCounts, second.(*CountsRow).Counts)
	assert.Equal(t, 7, second.(*CountsRow).Counts["total"])
}

func TestOrchestrator_ConcurrencyMatchesSequential(t *testing.T) {
	seq := newFixture(t)
	par := newFixture(t)
	ctx := context.Background()

	s1, err := seq.orchestrator().Rebuild(ctx, 1)
	require.NoError(t, err)
	s2, err := par.orchestrator(WithConcurrency(8)).Rebuild(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, s1.Calculations, s2.Calculations)
	assert.Equal(t, s1.Families, s2.Families)
	assert.Equal(t, seq.store.Writes, par.store.Writes)
}

func TestOrchestrator_NoFacts(t *testing.T) {
	fx := newFixture(t)
	sum, err := fx.orchestrator().Rebuild(context.Background(), 404)

	require.ErrorIs(t, err, ErrNoFacts)
	assert.True(t, IsFatal(err))
	require.NotNil(t, sum)
	assert.Zero(t, sum.Calculations)
	assert.Empty(t, fx.store.Writes)
}

type recordingCalc struct {
	family Family
	stage  Stage
	fail   error

	mu  *sync.Mutex
	log *[]Stage
}

func (c *recordingCalc) Family() Family            { return c.family }
func (c *recordingCalc) Stage() Stage              { return c.stage }
func (c *recordingCalc) Supports(scope.Scope) bool { return true }
func (c *recordingCalc) Calculate(context.Context, scope.Scope) error {
	c.mu.Lock()
	*c.log = append(*c.log, c.stage)
	c.mu.Unlock()
	return c.fail
}

func TestOrchestrator_DerivedStageRunsLast(t *testing.T) {
	fx := newFixture(t)
	var (
		mu  sync.Mutex
		log []Stage
	)
	// derived listed first on purpose
	calcs := []Calculator{
		&recordingCalc{family: FamilyCohortStats, stage: StageDerived, mu: &mu, log: &log},
		&recordingCalc{family: FamilyCounts, stage: StageFacts, mu: &mu, log: &log},
	}
	o := NewOrchestrator(fx.facts, DefaultProviders(fx.facts, zerolog.Nop()), calcs, WithConcurrency(4))

	_, err := o.Rebuild(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, log, 2*66)
	for i, st := range log {
		want := StageFacts
		if i >= 66 {
			want = StageDerived
		}
		assert.Equal(t, want, st, "call %d", i)
	}
}

func TestOrchestrator_CalculatorErrorStopsRebuild(t *testing.T) {
	fx := newFixture(t)
	var (
		mu  sync.Mutex
		log []Stage
	)
	boom := errors.New("connection reset")
	calcs := []Calculator{
		&recordingCalc{family: FamilyCounts, stage: StageFacts, fail: boom, mu: &mu, log: &log},
		&recordingCalc{family: FamilyCohortSums, stage: StageDerived, mu: &mu, log: &log},
	}
	o := NewOrchestrator(fx.facts, DefaultProviders(fx.facts, zerolog.Nop()), calcs)

	_, err := o.Rebuild(context.Background(), 1)
	require.ErrorIs(t, err, boom)
	assert.False(t, IsFatal(err))
	for _, st := range log {
		assert.Equal(t, StageFacts, st)
	}
}
