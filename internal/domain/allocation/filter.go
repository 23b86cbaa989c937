package allocation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ehr/allocstats/internal/domain/scope"
)

// Args collects positional query arguments.
type Args struct {
	vals []any
}

// Add appends v and returns its placeholder.
func (q *Args) Add(v any) string {
	q.vals = append(q.vals, v)
	return "$" + strconv.Itoa(len(q.vals))
}

func (q *Args) Values() []any { return q.vals }

// Filter restricts fact rows to one scope and period. Build it with
// NewFilter; a Filter always holds a valid selector.
type Filter struct {
	Scope    scope.Scope
	Selector scope.Selector
	cal      *scope.Calendar
}

// NewFilter validates the scope and prepares its selector. It fails on
// unknown types or granularities, non-numeric ids and malformed cohort ids.
func NewFilter(s scope.Scope, cal *scope.Calendar) (Filter, error) {
	if _, err := scope.ParseGranularity(string(s.Granularity)); err != nil {
		return Filter{}, err
	}
	sel, err := s.Selector()
	if err != nil {
		return Filter{}, err
	}
	return Filter{Scope: s, Selector: sel, cal: cal}, nil
}

// Calendar returns the calendar periods are evaluated in.
func (f Filter) Calendar() *scope.Calendar { return f.cal }

// NeedsHospital reports whether the selector filters on hospital attributes.
func (f Filter) NeedsHospital() bool {
	switch f.Selector.(type) {
	case scope.TierSelector, scope.SizeSelector, scope.LocationSelector, scope.CohortSelector:
		return true
	}
	return false
}

// Clause renders the join and the WHERE predicate for fact alias "a".
func (f Filter) Clause(q *Args) (join, where string) {
	var conds []string
	if f.NeedsHospital() {
		join = "JOIN hospital h ON h.id = a.hospital_id"
	}
	conds = append(conds, selectorSQL(f.Selector, q)...)
	if f.Scope.Granularity != scope.All {
		conds = append(conds, fmt.Sprintf("%s = %s::date",
			PeriodExpr(f.Scope.Granularity, q.Add(f.cal.Location().String())),
			q.Add(f.Scope.Period)))
	}
	if len(conds) == 0 {
		return join, "TRUE"
	}
	return join, strings.Join(conds, " AND ")
}

func selectorSQL(sel scope.Selector, q *Args) []string {
	switch s := sel.(type) {
	case scope.PublicSelector:
		return nil
	case scope.StateSelector:
		return []string{"a.state_id = " + q.Add(s.ID)}
	case scope.DispatchAreaSelector:
		return []string{"a.dispatch_area_id = " + q.Add(s.ID)}
	case scope.HospitalSelector:
		return []string{"a.hospital_id = " + q.Add(s.ID)}
	case scope.TierSelector:
		return []string{"lower(h.tier) = " + q.Add(s.Tier)}
	case scope.SizeSelector:
		return []string{"lower(h.size) = " + q.Add(s.Size)}
	case scope.LocationSelector:
		return []string{"lower(h.location) = " + q.Add(s.Location)}
	case scope.CohortSelector:
		return []string{"lower(h.tier) = " + q.Add(s.Tier), "lower(h.location) = " + q.Add(s.Location)}
	default:
		panic(fmt.Sprintf("allocation: unhandled selector %T", sel))
	}
}

// HospitalClause renders the predicate selecting cohort hospitals over alias "h".
// It returns false for selectors that are not attribute based.
func (f Filter) HospitalClause(q *Args) (string, bool) {
	if !f.NeedsHospital() {
		return "", false
	}
	return strings.Join(selectorSQL(f.Selector, q), " AND "), true
}

// PeriodExpr renders the bucket start of a.created_at for a bucketed
// granularity. Arrival time never moves a row between periods.
func PeriodExpr(g scope.Granularity, tzPlaceholder string) string {
	return fmt.Sprintf("date_trunc('%s', a.created_at AT TIME ZONE %s)::date", g, tzPlaceholder)
}

// Matches evaluates the filter against a fact row in Go. h is the row's
// hospital, or nil when unknown.
func (f Filter) Matches(a *Allocation, h *Hospital) bool {
	if !f.MatchesSelector(a, h) {
		return false
	}
	if f.Scope.Granularity == scope.All {
		return true
	}
	return f.cal.BucketStart(f.Scope.Granularity, a.CreatedAt).Equal(f.Scope.Period)
}

// MatchesSelector evaluates only the dimension part of the filter.
func (f Filter) MatchesSelector(a *Allocation, h *Hospital) bool {
	switch s := f.Selector.(type) {
	case scope.PublicSelector:
		return true
	case scope.StateSelector:
		return eqID(a.StateID, s.ID)
	case scope.DispatchAreaSelector:
		return eqID(a.DispatchAreaID, s.ID)
	case scope.HospitalSelector:
		return eqID(a.HospitalID, s.ID)
	case scope.TierSelector, scope.SizeSelector, scope.LocationSelector, scope.CohortSelector:
		return h != nil && f.MatchesHospital(h)
	default:
		panic(fmt.Sprintf("allocation: unhandled selector %T", f.Selector))
	}
}

// MatchesHospital reports whether a hospital belongs to an attribute selector.
func (f Filter) MatchesHospital(h *Hospital) bool {
	switch s := f.Selector.(type) {
	case scope.TierSelector:
		return eqLabel(h.Tier, s.Tier)
	case scope.SizeSelector:
		return eqLabel(h.Size, s.Size)
	case scope.LocationSelector:
		return eqLabel(h.Location, s.Location)
	case scope.CohortSelector:
		return eqLabel(h.Tier, s.Tier) && eqLabel(h.Location, s.Location)
	default:
		return false
	}
}

func eqID(v *int64, id int64) bool { return v != nil && *v == id }

func eqLabel(v *string, want string) bool {
	return v != nil && strings.EqualFold(strings.TrimSpace(*v), want)
}
