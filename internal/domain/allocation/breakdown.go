package allocation

import "strings"

// Breakdown is one boolean/categorical split of the fact rows. Predicate is
// the SQL form over alias "a"; Match is the same rule evaluated in Go.
type Breakdown struct {
	Key       string
	Predicate string
	Match     func(a *Allocation) bool
}

// TotalKey names the unfiltered count in every per-breakdown payload.
const TotalKey = "total"

func genderIs(codes ...string) func(a *Allocation) bool {
	return func(a *Allocation) bool {
		if a.Gender == nil {
			return false
		}
		g := strings.ToUpper(strings.TrimSpace(*a.Gender))
		for _, c := range codes {
			if g == c {
				return true
			}
		}
		return false
	}
}

func urgencyIs(level int) func(a *Allocation) bool {
	return func(a *Allocation) bool { return a.Urgency != nil && *a.Urgency == level }
}

// Breakdowns is the ordered breakdown set shared by counts, cohort sums,
// hourly histograms and bucket histograms.
var Breakdowns = []Breakdown{
	{Key: "gender_m", Predicate: "upper(a.gender) = 'M'", Match: genderIs("M")},
	{Key: "gender_w", Predicate: "upper(a.gender) IN ('W','F')", Match: genderIs("W", "F")},
	{Key: "gender_d", Predicate: "upper(a.gender) = 'D'", Match: genderIs("D")},
	{
		Key:       "gender_u",
		Predicate: "(a.gender IS NULL OR upper(a.gender) NOT IN ('M','W','F','D'))",
		Match: func(a *Allocation) bool {
			return !genderIs("M", "W", "F", "D")(a)
		},
	},
	{Key: "urg_1", Predicate: "a.urgency = 1", Match: urgencyIs(1)},
	{Key: "urg_2", Predicate: "a.urgency = 2", Match: urgencyIs(2)},
	{Key: "urg_3", Predicate: "a.urgency = 3", Match: urgencyIs(3)},
	{Key: "cathlab_required", Predicate: "a.requires_cathlab", Match: func(a *Allocation) bool { return a.Cathlab }},
	{Key: "resus_required", Predicate: "a.requires_resus", Match: func(a *Allocation) bool { return a.Resus }},
	{Key: "cpr", Predicate: "a.is_cpr", Match: func(a *Allocation) bool { return a.CPR }},
	{Key: "ventilated", Predicate: "a.is_ventilated", Match: func(a *Allocation) bool { return a.Ventilated }},
	{Key: "shock", Predicate: "a.is_shock", Match: func(a *Allocation) bool { return a.Shock }},
	{Key: "pregnant", Predicate: "a.is_pregnant", Match: func(a *Allocation) bool { return a.Pregnant }},
	{Key: "with_physician", Predicate: "a.is_with_physician", Match: func(a *Allocation) bool { return a.WithPhysician }},
	{Key: "infectious", Predicate: "a.infection_id IS NOT NULL", Match: func(a *Allocation) bool { return a.InfectionID != nil }},
}

// BreakdownKeys returns "total" followed by every breakdown key.
func BreakdownKeys() []string {
	keys := make([]string, 0, len(Breakdowns)+1)
	keys = append(keys, TotalKey)
	for _, b := range Breakdowns {
		keys = append(keys, b.Key)
	}
	return keys
}

// IsBreakdown reports whether key names a breakdown (or the total).
func IsBreakdown(key string) bool {
	if key == TotalKey {
		return true
	}
	for _, b := range Breakdowns {
		if b.Key == key {
			return true
		}
	}
	return false
}
