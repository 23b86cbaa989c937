package rollup

import (
	"context"
	"time"

	"github.com/ehr/allocstats/internal/domain/scope"
)

// Store persists and reads materialized aggregates.
type Store interface {
	// Upsert overwrites the row stored under the row's scope key.
	Upsert(ctx context.Context, row Row) error
	// ReplaceTransportDims swaps the whole slice-dimension set of one scope.
	ReplaceTransportDims(ctx context.Context, s scope.Scope, rows []TransportDimRow) error

	// Get returns the stored row, or nil when it was never computed.
	Get(ctx context.Context, f Family, s scope.Scope) (Row, error)
	// Load returns the stored rows of one scope series keyed by period key.
	// Missing periods are absent from the map.
	Load(ctx context.Context, f Family, t scope.Type, id string, g scope.Granularity, keys []time.Time) (map[string]Row, error)
	TransportDims(ctx context.Context, s scope.Scope) ([]TransportDimRow, error)
	// HospitalCounts returns the stored hospital-level counts of the given
	// hospitals for one period.
	HospitalCounts(ctx context.Context, ids []int64, g scope.Granularity, key time.Time) ([]*CountsRow, error)
}
