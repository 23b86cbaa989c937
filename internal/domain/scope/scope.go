// Package scope defines the key every materialized aggregate is stored under:
// a dimension selector (scope type + id) combined with a time bucket
// (granularity + period key).
package scope

import (
	"fmt"
	"strings"
	"time"
)

// Type selects the dimension an aggregate is computed for.
type Type string

const (
	Public           Type = "public"
	State            Type = "state"
	DispatchArea     Type = "dispatch_area"
	Hospital         Type = "hospital"
	HospitalTier     Type = "hospital_tier"
	HospitalSize     Type = "hospital_size"
	HospitalLocation Type = "hospital_location"
	HospitalCohort   Type = "hospital_cohort"
)

// Types lists every scope type in processing order.
var Types = []Type{
	Public, State, DispatchArea, Hospital,
	HospitalTier, HospitalSize, HospitalLocation, HospitalCohort,
}

// PublicID is the scope id used for the global public scope.
const PublicID = "all"

// ParseType validates a scope type string.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// IsCohortLevel reports whether the type aggregates over a group of hospitals
// selected by their attributes rather than by id.
func (t Type) IsCohortLevel() bool {
	switch t {
	case HospitalTier, HospitalSize, HospitalLocation, HospitalCohort:
		return true
	}
	return false
}

func (t Type) order() int {
	for i, known := range Types {
		if t == known {
			return i
		}
	}
	return len(Types)
}

// Granularity is the size of a period bucket.
type Granularity string

const (
	All     Granularity = "all"
	Year    Granularity = "year"
	Quarter Granularity = "quarter"
	Month   Granularity = "month"
	Week    Granularity = "week"
	Day     Granularity = "day"
)

// Granularities lists all granularities from coarsest to finest.
var Granularities = []Granularity{All, Year, Quarter, Month, Week, Day}

// Bucketed lists the granularities that have more than one period.
var Bucketed = []Granularity{Year, Quarter, Month, Week, Day}

// ParseGranularity validates a granularity string.
func ParseGranularity(s string) (Granularity, error) {
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Granularities {
		if g == known {
			return g, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGranularity, s)
}

func (g Granularity) order() int {
	for i, known := range Granularities {
		if g == known {
			return i
		}
	}
	return len(Granularities)
}

// DateLayout is the ISO layout of period keys.
const DateLayout = "2006-01-02"

// Scope is the immutable key (type, id, granularity, period) of one aggregate row.
type Scope struct {
	Type        Type
	ID          string
	Granularity Granularity
	// Period is the bucket start date at midnight UTC.
	Period time.Time
}

// New validates and normalizes a scope. Cohort ids are lowercased.
func New(t Type, id string, g Granularity, period time.Time) (Scope, error) {
	if _, err := ParseType(string(t)); err != nil {
		return Scope{}, err
	}
	if _, err := ParseGranularity(string(g)); err != nil {
		return Scope{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Scope{}, &IDError{Type: t, ID: id, Reason: "empty id"}
	}
	if t == HospitalCohort {
		tier, location, err := ParseCohortID(id)
		if err != nil {
			return Scope{}, err
		}
		id = CohortID(tier, location)
	}
	return Scope{Type: t, ID: id, Granularity: g, Period: Date(period.Year(), period.Month(), period.Day())}, nil
}

// PeriodKey returns the ISO period key.
func (s Scope) PeriodKey() string {
	return s.Period.Format(DateLayout)
}

// Key returns a stable string form used for deduplication and logging.
func (s Scope) Key() string {
	return string(s.Type) + "|" + s.ID + "|" + string(s.Granularity) + "|" + s.PeriodKey()
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%s@%s/%s", s.Type, s.ID, s.Granularity, s.PeriodKey())
}

// WithPeriod returns a copy of the scope at another granularity and period.
func (s Scope) WithPeriod(g Granularity, period time.Time) Scope {
	s.Granularity = g
	s.Period = period
	return s
}

// Less orders scopes by type, id, granularity and period.
func Less(a, b Scope) bool {
	if a.Type != b.Type {
		return a.Type.order() < b.Type.order()
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	if a.Granularity != b.Granularity {
		return a.Granularity.order() < b.Granularity.order()
	}
	return a.Period.Before(b.Period)
}

// Date returns the civil date at midnight UTC.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses an ISO period key.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse period key %q: %w", s, err)
	}
	return d, nil
}
