package scope

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	got, err := ParseType(" Hospital_Cohort ")
	require.NoError(t, err)
	assert.Equal(t, HospitalCohort, got)

	_, err = ParseType("ward")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestParseGranularity(t *testing.T) {
	for _, g := range Granularities {
		got, err := ParseGranularity(string(g))
		require.NoError(t, err)
		assert.Equal(t, g, got)
	}
	_, err := ParseGranularity("decade")
	assert.ErrorIs(t, err, ErrUnknownGranularity)
}

func TestNew_NormalizesCohortID(t *testing.T) {
	s, err := New(HospitalCohort, "Extended_Rural", Month, time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "extended_rural", s.ID)
	assert.Equal(t, "2025-03-01", s.PeriodKey())
}

func TestNew_RejectsInvalidCohortID(t *testing.T) {
	_, err := New(HospitalCohort, "invalid", All, DefaultAnchor)
	var cohortErr *CohortIDError
	require.ErrorAs(t, err, &cohortErr)
	assert.Equal(t, "invalid", cohortErr.ID)
	assert.True(t, IsInvalid(err))
}

func TestNew_RejectsEmptyID(t *testing.T) {
	_, err := New(State, "  ", Day, DefaultAnchor)
	var idErr *IDError
	assert.ErrorAs(t, err, &idErr)
}

func TestParseCohortID(t *testing.T) {
	cases := []struct {
		id       string
		tier     string
		location string
		ok       bool
	}{
		{"basic_urban", "basic", "urban", true},
		{"Extended_Rural", "extended", "rural", true},
		{"FULL_MIXED", "full", "mixed", true},
		{"invalid", "", "", false},
		{"full", "", "", false},
		{"full_urban_extra", "", "", false},
		{"premium_urban", "", "", false},
		{"basic_suburban", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.id, func(t *testing.T) {
			tier, location, err := ParseCohortID(tc.id)
			if !tc.ok {
				var cohortErr *CohortIDError
				assert.ErrorAs(t, err, &cohortErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.tier, tier)
			assert.Equal(t, tc.location, location)
		})
	}
}

func TestSelector_AllTypes(t *testing.T) {
	cases := []struct {
		scope Scope
		want  Selector
	}{
		{Scope{Type: Public, ID: PublicID}, PublicSelector{}},
		{Scope{Type: State, ID: "5"}, StateSelector{ID: 5}},
		{Scope{Type: DispatchArea, ID: "12"}, DispatchAreaSelector{ID: 12}},
		{Scope{Type: Hospital, ID: "901"}, HospitalSelector{ID: 901}},
		{Scope{Type: HospitalTier, ID: "Full"}, TierSelector{Tier: "full"}},
		{Scope{Type: HospitalSize, ID: "large"}, SizeSelector{Size: "large"}},
		{Scope{Type: HospitalLocation, ID: "RURAL"}, LocationSelector{Location: "rural"}},
		{Scope{Type: HospitalCohort, ID: "Extended_Rural"}, CohortSelector{Tier: "extended", Location: "rural"}},
	}
	for _, tc := range cases {
		t.Run(string(tc.scope.Type), func(t *testing.T) {
			got, err := tc.scope.Selector()
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSelector_Errors(t *testing.T) {
	cases := []Scope{
		{Type: State, ID: "five"},
		{Type: Hospital, ID: ""},
		{Type: HospitalTier, ID: "premium"},
		{Type: HospitalCohort, ID: "invalid"},
		{Type: Type("ward"), ID: "1"},
	}
	for _, s := range cases {
		_, err := s.Selector()
		assert.Error(t, err, s.String())
		assert.True(t, IsInvalid(err), s.String())
	}
}

func TestLess_Ordering(t *testing.T) {
	a := Scope{Type: State, ID: "1", Granularity: All, Period: DefaultAnchor}
	b := Scope{Type: State, ID: "1", Granularity: Day, Period: Date(2025, 1, 1)}
	c := Scope{Type: Hospital, ID: "1", Granularity: All, Period: DefaultAnchor}
	assert.True(t, Less(a, b))
	assert.True(t, Less(b, c))
	assert.False(t, Less(c, a))
}

func TestIsInvalid_OtherErrors(t *testing.T) {
	assert.False(t, IsInvalid(errors.New("connection reset")))
}
