package allocation

import (
	"context"
	"time"

	"github.com/ehr/allocstats/internal/domain/scope"
)

// ImportRepository answers which parts of the fact table an import touched.
type ImportRepository interface {
	ImportHasFacts(ctx context.Context, importID int64) (bool, error)
	// TouchedIDs lists the distinct non-null ids of dim among the import's rows.
	TouchedIDs(ctx context.Context, importID int64, dim Dimension) ([]int64, error)
	// TouchedPeriods lists the distinct bucket keys of g among the import's rows,
	// restricted to rows with dim = id when dim is not empty.
	TouchedPeriods(ctx context.Context, importID int64, dim Dimension, id int64, g scope.Granularity) ([]time.Time, error)
	Hospitals(ctx context.Context, ids []int64) ([]*Hospital, error)
}

// FactRepository computes aggregates over the filtered fact rows.
type FactRepository interface {
	// CountBreakdowns returns "total" and every breakdown key, zero when empty.
	CountBreakdowns(ctx context.Context, f Filter) (map[string]int, error)
	// HourHistogram returns a 24-slot local hour histogram per breakdown key.
	HourHistogram(ctx context.Context, f Filter) (map[string][]int, error)
	// TopCategories ranks dim by count desc, label asc, keeping limit entries.
	TopCategories(ctx context.Context, f Filter, dim Dimension, limit int) ([]CategoryCount, error)
	AgeHistogram(ctx context.Context, f Filter, bins Bins) (*Histogram, error)
	TransportHistogram(ctx context.Context, f Filter, bins Bins) (*Histogram, error)
	// TransportSlices histograms transport times for the limit most frequent
	// values of dim.
	TransportSlices(ctx context.Context, f Filter, dim Dimension, bins Bins, limit int) ([]SliceHistogram, error)
	// CohortHospitalIDs lists the hospitals an attribute filter selects.
	CohortHospitalIDs(ctx context.Context, f Filter) ([]int64, error)
}

// Repository is the full read surface over facts and the hospital dimension.
type Repository interface {
	ImportRepository
	FactRepository
}
