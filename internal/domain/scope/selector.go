package scope

import (
	"regexp"
	"strconv"
	"strings"
)

// Hospital attribute enumerations.
var (
	Tiers     = []string{"basic", "extended", "full"}
	Sizes     = []string{"small", "medium", "large"}
	Locations = []string{"urban", "mixed", "rural"}
)

var cohortIDPattern = regexp.MustCompile(`(?i)^(basic|extended|full)_(urban|mixed|rural)$`)

// ParseCohortID splits a hospital_cohort id into lowercase tier and location.
func ParseCohortID(id string) (tier, location string, err error) {
	id = strings.TrimSpace(id)
	if !cohortIDPattern.MatchString(id) {
		return "", "", &CohortIDError{ID: id, Reason: "expected <basic|extended|full>_<urban|mixed|rural>"}
	}
	parts := strings.SplitN(strings.ToLower(id), "_", 2)
	return parts[0], parts[1], nil
}

// CohortID joins a tier and a location into a hospital_cohort id.
func CohortID(tier, location string) string {
	return strings.ToLower(tier) + "_" + strings.ToLower(location)
}

// Selector is the parsed form of a scope's dimension part. The concrete types
// below are the only implementations; code that switches on a Selector must
// handle every one of them.
type Selector interface {
	selector()
}

type PublicSelector struct{}

type StateSelector struct{ ID int64 }

type DispatchAreaSelector struct{ ID int64 }

type HospitalSelector struct{ ID int64 }

type TierSelector struct{ Tier string }

type SizeSelector struct{ Size string }

type LocationSelector struct{ Location string }

type CohortSelector struct{ Tier, Location string }

func (PublicSelector) selector()       {}
func (StateSelector) selector()        {}
func (DispatchAreaSelector) selector() {}
func (HospitalSelector) selector()     {}
func (TierSelector) selector()         {}
func (SizeSelector) selector()         {}
func (LocationSelector) selector()     {}
func (CohortSelector) selector()       {}

// Selector parses the scope type and id. It never touches the database, so
// malformed scopes fail before any query is built.
func (s Scope) Selector() (Selector, error) {
	switch s.Type {
	case Public:
		return PublicSelector{}, nil
	case State:
		id, err := s.numericID()
		return StateSelector{ID: id}, err
	case DispatchArea:
		id, err := s.numericID()
		return DispatchAreaSelector{ID: id}, err
	case Hospital:
		id, err := s.numericID()
		return HospitalSelector{ID: id}, err
	case HospitalTier:
		v, err := s.label(Tiers)
		return TierSelector{Tier: v}, err
	case HospitalSize:
		v, err := s.label(Sizes)
		return SizeSelector{Size: v}, err
	case HospitalLocation:
		v, err := s.label(Locations)
		return LocationSelector{Location: v}, err
	case HospitalCohort:
		tier, location, err := ParseCohortID(s.ID)
		if err != nil {
			return nil, err
		}
		return CohortSelector{Tier: tier, Location: location}, nil
	default:
		return nil, &IDError{Type: s.Type, ID: s.ID, Reason: ErrUnknownType.Error()}
	}
}

func (s Scope) numericID() (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s.ID), 10, 64)
	if err != nil {
		return 0, &IDError{Type: s.Type, ID: s.ID, Reason: "not an integer"}
	}
	return id, nil
}

func (s Scope) label(allowed []string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(s.ID))
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", &IDError{Type: s.Type, ID: s.ID, Reason: "expected one of " + strings.Join(allowed, ", ")}
}
