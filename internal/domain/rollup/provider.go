package rollup

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/allocstats/internal/domain/allocation"
	"github.com/ehr/allocstats/internal/domain/scope"
)

// Provider enumerates the scopes an import made stale.
type Provider interface {
	Name() string
	DirtyScopes(ctx context.Context, importID int64) ([]scope.Scope, error)
}

// periodScopes emits the `all` scope plus one scope per bucket key touched by
// the import's rows matching dim = id (every row when dim is empty).
func periodScopes(ctx context.Context, facts allocation.ImportRepository, importID int64,
	dim allocation.Dimension, id int64, t scope.Type, scopeID string) ([]scope.Scope, error) {
	var out []scope.Scope
	for _, g := range scope.Granularities {
		keys, err := facts.TouchedPeriods(ctx, importID, dim, id, g)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			s, err := scope.New(t, scopeID, g, k)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
	}
	return out, nil
}

// =========== Public ===========

// PublicProvider emits the global scope for every period the import touched.
type PublicProvider struct {
	facts allocation.ImportRepository
}

func NewPublicProvider(facts allocation.ImportRepository) *PublicProvider {
	return &PublicProvider{facts: facts}
}

func (p *PublicProvider) Name() string { return string(scope.Public) }

func (p *PublicProvider) DirtyScopes(ctx context.Context, importID int64) ([]scope.Scope, error) {
	return periodScopes(ctx, p.facts, importID, "", 0, scope.Public, scope.PublicID)
}

// =========== Dimension ===========

// DimensionProvider emits one scope series per dimension id the import
// touched.
type DimensionProvider struct {
	typ   scope.Type
	dim   allocation.Dimension
	facts allocation.ImportRepository
}

func NewStateProvider(facts allocation.ImportRepository) *DimensionProvider {
	return &DimensionProvider{typ: scope.State, dim: allocation.DimState, facts: facts}
}

func NewDispatchAreaProvider(facts allocation.ImportRepository) *DimensionProvider {
	return &DimensionProvider{typ: scope.DispatchArea, dim: allocation.DimDispatchArea, facts: facts}
}

func NewHospitalProvider(facts allocation.ImportRepository) *DimensionProvider {
	return &DimensionProvider{typ: scope.Hospital, dim: allocation.DimHospital, facts: facts}
}

func (p *DimensionProvider) Name() string { return string(p.typ) }

func (p *DimensionProvider) DirtyScopes(ctx context.Context, importID int64) ([]scope.Scope, error) {
	ids, err := p.facts.TouchedIDs(ctx, importID, p.dim)
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", p.typ, err)
	}
	var out []scope.Scope
	for _, id := range ids {
		scopes, err := periodScopes(ctx, p.facts, importID, p.dim, id, p.typ, strconv.FormatInt(id, 10))
		if err != nil {
			return nil, fmt.Errorf("%s provider: %w", p.typ, err)
		}
		out = append(out, scopes...)
	}
	return out, nil
}

// =========== Cohort ===========

// CohortProvider maps the hospitals an import touched onto the most specific
// attribute group they can be classified into.
type CohortProvider struct {
	facts allocation.ImportRepository
	log   zerolog.Logger
}

func NewCohortProvider(facts allocation.ImportRepository, log zerolog.Logger) *CohortProvider {
	return &CohortProvider{facts: facts, log: log}
}

func (p *CohortProvider) Name() string { return string(scope.HospitalCohort) }

func enumValue(v *string, allowed []string) string {
	if v == nil {
		return ""
	}
	s := strings.ToLower(strings.TrimSpace(*v))
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	return ""
}

// Classify picks the cohort scope of a hospital: tier and location together,
// else tier, else size, else location. Attribute values outside their
// enumerations count as missing. It reports false when nothing applies.
func Classify(h *allocation.Hospital) (scope.Type, string, bool) {
	tier := enumValue(h.Tier, scope.Tiers)
	location := enumValue(h.Location, scope.Locations)
	size := enumValue(h.Size, scope.Sizes)
	switch {
	case tier != "" && location != "":
		return scope.HospitalCohort, scope.CohortID(tier, location), true
	case tier != "":
		return scope.HospitalTier, tier, true
	case size != "":
		return scope.HospitalSize, size, true
	case location != "":
		return scope.HospitalLocation, location, true
	}
	return "", "", false
}

type cohortKey struct {
	typ scope.Type
	id  string
}

func (p *CohortProvider) DirtyScopes(ctx context.Context, importID int64) ([]scope.Scope, error) {
	ids, err := p.facts.TouchedIDs(ctx, importID, allocation.DimHospital)
	if err != nil {
		return nil, fmt.Errorf("cohort provider: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	hospitals, err := p.facts.Hospitals(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("cohort provider: %w", err)
	}

	known := make(map[int64]bool, len(hospitals))
	members := map[cohortKey][]int64{}
	var order []cohortKey
	for _, h := range hospitals {
		known[h.ID] = true
		t, id, ok := Classify(h)
		if !ok {
			p.log.Warn().
				Int64("import_id", importID).
				Int64("hospital_id", h.ID).
				Msg("hospital has no tier, size or location; no cohort scope emitted")
			continue
		}
		k := cohortKey{typ: t, id: id}
		if _, seen := members[k]; !seen {
			order = append(order, k)
		}
		members[k] = append(members[k], h.ID)
	}
	for _, id := range ids {
		if !known[id] {
			p.log.Warn().
				Int64("import_id", importID).
				Int64("hospital_id", id).
				Msg("hospital missing from dimension table; no cohort scope emitted")
		}
	}

	var out []scope.Scope
	for _, k := range order {
		for _, g := range scope.Granularities {
			keys, err := p.memberPeriods(ctx, importID, members[k], g)
			if err != nil {
				return nil, fmt.Errorf("cohort provider: %w", err)
			}
			for _, key := range keys {
				s, err := scope.New(k.typ, k.id, g, key)
				if err != nil {
					return nil, err
				}
				out = append(out, s)
			}
		}
	}
	return out, nil
}

// memberPeriods unions the bucket keys touched by any member hospital.
func (p *CohortProvider) memberPeriods(ctx context.Context, importID int64, hospitalIDs []int64, g scope.Granularity) ([]time.Time, error) {
	seen := map[string]time.Time{}
	for _, hid := range hospitalIDs {
		keys, err := p.facts.TouchedPeriods(ctx, importID, allocation.DimHospital, hid, g)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			seen[k.Format(scope.DateLayout)] = k
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// DefaultProviders returns the providers consulted by every rebuild.
func DefaultProviders(facts allocation.ImportRepository, log zerolog.Logger) []Provider {
	return []Provider{
		NewPublicProvider(facts),
		NewStateProvider(facts),
		NewDispatchAreaProvider(facts),
		NewHospitalProvider(facts),
		NewCohortProvider(facts, log),
	}
}
