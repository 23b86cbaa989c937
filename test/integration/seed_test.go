//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/allocstats/internal/domain/allocation"
	"github.com/ehr/allocstats/internal/domain/scope"
)

func ptr[T any](v T) *T { return &v }

func at(day, hour, minute int) time.Time {
	return time.Date(2025, time.November, day, hour, minute, 0, 0, time.UTC)
}

func arrive(ts time.Time, minutes int) *time.Time {
	v := ts.Add(time.Duration(minutes) * time.Minute)
	return &v
}

var hospitals = []*allocation.Hospital{
	{ID: 10, Name: "Nord", Tier: ptr("Full"), Location: ptr("Urban"), Size: ptr("large")},
	{ID: 11, Name: "Süd", Tier: ptr("full"), Location: ptr("urban")},
	{ID: 12, Name: "Land", Size: ptr("small"), Location: ptr("rural")},
	{ID: 13, Name: "Blank"},
}

var occasions = map[int64]string{1: "Stroke", 2: "Cardiac"}

// allocations spans two days and two imports. Import 2 only touches
// hospital 11 on 2025-11-02.
var allocations = []*allocation.Allocation{
	{ImportID: 1, CreatedAt: at(1, 8, 0), ArrivalAt: arrive(at(1, 8, 0), 15), HospitalID: ptr(int64(10)),
		StateID: ptr(int64(5)), DispatchAreaID: ptr(int64(50)), OccasionID: ptr(int64(1)),
		Gender: ptr("M"), Urgency: ptr(1), Age: ptr(40), Cathlab: true},
	{ImportID: 1, CreatedAt: at(1, 9, 30), ArrivalAt: arrive(at(1, 9, 30), 25), HospitalID: ptr(int64(10)),
		StateID: ptr(int64(5)), DispatchAreaID: ptr(int64(50)), OccasionID: ptr(int64(2)),
		Gender: ptr("F"), Urgency: ptr(2), Age: ptr(70), WithPhysician: true},
	{ImportID: 1, CreatedAt: at(1, 10, 0), ArrivalAt: arrive(at(1, 10, 0), 45), HospitalID: ptr(int64(12)),
		StateID: ptr(int64(5)), OccasionID: ptr(int64(1)), Gender: ptr("M"), Urgency: ptr(2), Age: ptr(85)},
	{ImportID: 1, CreatedAt: at(1, 10, 15), HospitalID: ptr(int64(13)), StateID: ptr(int64(6))},
	{ImportID: 1, CreatedAt: at(1, 23, 0), HospitalID: ptr(int64(99))},
	{ImportID: 2, CreatedAt: at(2, 12, 0), ArrivalAt: arrive(at(2, 12, 0), 5), HospitalID: ptr(int64(11)),
		StateID: ptr(int64(5)), Gender: ptr("W"), Urgency: ptr(3), Age: ptr(30)},
}

// seed loads the fixture into Postgres and returns the same data held in
// memory.
func seed(t *testing.T, pool *pgxpool.Pool, cal *scope.Calendar) *allocation.MemoryRepository {
	t.Helper()
	ctx := context.Background()

	batch := &pgx.Batch{}
	for _, h := range hospitals {
		batch.Queue(`INSERT INTO hospital (id, name, tier, size, location) VALUES ($1, $2, $3, $4, $5)`,
			h.ID, h.Name, h.Tier, h.Size, h.Location)
	}
	for id, name := range occasions {
		batch.Queue(`INSERT INTO occasion (id, name) VALUES ($1, $2)`, id, name)
	}
	for _, a := range allocations {
		batch.Queue(`INSERT INTO allocation (import_id, created_at, arrival_at, hospital_id, dispatch_area_id,
			state_id, occasion_id, gender, urgency, requires_cathlab, is_with_physician, age)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			a.ImportID, a.CreatedAt, a.ArrivalAt, a.HospitalID, a.DispatchAreaID,
			a.StateID, a.OccasionID, a.Gender, a.Urgency, a.Cathlab, a.WithPhysician, a.Age)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	mem := allocation.NewMemoryRepository(cal)
	mem.AddHospital(hospitals...)
	for id, name := range occasions {
		mem.AddLabel(allocation.DimOccasion, id, name)
	}
	for _, a := range allocations {
		cp := *a
		cp.ID = 0
		mem.Add(&cp)
	}
	return mem
}

func allocationRepo(pool *pgxpool.Pool, cal *scope.Calendar) allocation.Repository {
	return allocation.NewRepoPG(pool, cal)
}
