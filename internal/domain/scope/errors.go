package scope

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownType        = errors.New("unknown scope type")
	ErrUnknownGranularity = errors.New("unknown granularity")
)

// CohortIDError is returned for a hospital_cohort id that is not
// "<tier>_<location>" with both parts in their enumerations.
type CohortIDError struct {
	ID     string
	Reason string
}

func (e *CohortIDError) Error() string {
	return fmt.Sprintf("invalid hospital_cohort id %q: %s", e.ID, e.Reason)
}

// IDError is returned when a scope id cannot be interpreted for its type.
type IDError struct {
	Type   Type
	ID     string
	Reason string
}

func (e *IDError) Error() string {
	return fmt.Sprintf("invalid %s scope id %q: %s", e.Type, e.ID, e.Reason)
}

// IsInvalid reports whether err is a scope contract violation. These are
// programming or input errors and retrying cannot fix them.
func IsInvalid(err error) bool {
	var cohortErr *CohortIDError
	var idErr *IDError
	return errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrUnknownGranularity) ||
		errors.As(err, &cohortErr) ||
		errors.As(err, &idErr)
}
