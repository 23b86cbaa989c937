// Package allocation reads the append-only allocation fact table and the
// hospital dimension. Rows are written by the import pipeline; this package
// never modifies them.
package allocation

import (
	"time"
)

// Allocation is one transport/assignment event. CreatedAt is the event time
// that decides its period and hour buckets; ArrivalAt is only the end of the
// transport interval and may be unset.
type Allocation struct {
	ID             int64      `json:"id"`
	ImportID       int64      `json:"import_id"`
	CreatedAt      time.Time  `json:"created_at"`
	ArrivalAt      *time.Time `json:"arrival_at,omitempty"`
	HospitalID     *int64     `json:"hospital_id,omitempty"`
	DispatchAreaID *int64     `json:"dispatch_area_id,omitempty"`
	StateID        *int64     `json:"state_id,omitempty"`
	OccasionID     *int64     `json:"occasion_id,omitempty"`
	AssignmentID   *int64     `json:"assignment_id,omitempty"`
	SpecialityID   *int64     `json:"speciality_id,omitempty"`
	DepartmentID   *int64     `json:"department_id,omitempty"`
	InfectionID    *int64     `json:"infection_id,omitempty"`
	IndicationID   *int64     `json:"indication_id,omitempty"`
	Gender         *string    `json:"gender,omitempty"`
	Urgency        *int       `json:"urgency,omitempty"`
	Cathlab        bool       `json:"requires_cathlab"`
	Resus          bool       `json:"requires_resus"`
	CPR            bool       `json:"is_cpr"`
	Ventilated     bool       `json:"is_ventilated"`
	Shock          bool       `json:"is_shock"`
	Pregnant       bool       `json:"is_pregnant"`
	WithPhysician  bool       `json:"is_with_physician"`
	TransportType  *string    `json:"transport_type,omitempty"`
	Age            *int       `json:"age,omitempty"`
}

// TransportMinutes returns the elapsed minutes between creation and arrival.
// It reports false when arrival is missing or precedes creation.
func (a *Allocation) TransportMinutes() (float64, bool) {
	if a.ArrivalAt == nil || a.ArrivalAt.Before(a.CreatedAt) {
		return 0, false
	}
	return a.ArrivalAt.Sub(a.CreatedAt).Minutes(), true
}

// Hospital is the dimension row used by cohort scopes.
type Hospital struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Tier     *string `json:"tier,omitempty"`
	Size     *string `json:"size,omitempty"`
	Location *string `json:"location,omitempty"`
	Beds     *int    `json:"beds,omitempty"`
}

// Dimension is a foreign key of the fact table that scopes or slices select on.
type Dimension string

const (
	DimState        Dimension = "state"
	DimDispatchArea Dimension = "dispatch_area"
	DimHospital     Dimension = "hospital"
	DimOccasion     Dimension = "occasion"
	DimAssignment   Dimension = "assignment"
	DimSpeciality   Dimension = "speciality"
	DimDepartment   Dimension = "department"
	DimInfection    Dimension = "infection"
	DimIndication   Dimension = "indication"
)

// Column returns the fact table column holding the dimension's foreign key.
func (d Dimension) Column() string {
	return string(d) + "_id"
}

// Table returns the dimension's lookup table.
func (d Dimension) Table() string {
	return string(d)
}

// Of returns the dimension's foreign key on a fact row.
func (d Dimension) Of(a *Allocation) *int64 {
	switch d {
	case DimState:
		return a.StateID
	case DimDispatchArea:
		return a.DispatchAreaID
	case DimHospital:
		return a.HospitalID
	case DimOccasion:
		return a.OccasionID
	case DimAssignment:
		return a.AssignmentID
	case DimSpeciality:
		return a.SpecialityID
	case DimDepartment:
		return a.DepartmentID
	case DimInfection:
		return a.InfectionID
	case DimIndication:
		return a.IndicationID
	}
	return nil
}

// Categories are the dimensions ranked by the top-categories family, in
// storage order.
var Categories = []Dimension{
	DimOccasion, DimAssignment, DimInfection, DimIndication, DimSpeciality, DimDepartment,
}

// SliceDimensions are the dimensions transport times are broken down by.
var SliceDimensions = []Dimension{
	DimOccasion, DimAssignment, DimSpeciality, DimIndication, DimDispatchArea, DimState,
}

// UnknownLabel names a category whose foreign key is null or dangling.
const UnknownLabel = "Unknown"

// CategoryCount is one ranked entry of a category dimension.
type CategoryCount struct {
	ID    *int64 `json:"id"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Moments are sample statistics of a numeric column. Nil means undefined.
type Moments struct {
	N        int
	Mean     *float64
	Variance *float64
	StdDev   *float64
}

// Histogram holds per-breakdown bin counts. Counts[key][i] is the number of
// rows matching breakdown key whose value falls into bin i.
type Histogram struct {
	Counts  map[string][]int
	Moments Moments
}

// SliceHistogram is the total-only histogram of rows sharing one value of a
// slice dimension.
type SliceHistogram struct {
	DimID   int64
	Rows    int
	Counts  []int
	Moments Moments
}
