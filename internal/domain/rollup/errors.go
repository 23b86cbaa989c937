package rollup

import (
	"errors"

	"github.com/ehr/allocstats/internal/domain/scope"
)

var (
	// ErrNoFacts is returned when a rebuild names an import without fact rows.
	ErrNoFacts       = errors.New("import has no allocation facts")
	ErrCorruptRow    = errors.New("corrupt materialized row")
	ErrUnknownFamily = errors.New("unknown aggregate family")
	ErrUnknownMetric = errors.New("unknown metric")
)

// IsFatal reports whether err is a contract violation that a retry of the
// same rebuild cannot fix.
func IsFatal(err error) bool {
	return scope.IsInvalid(err) ||
		errors.Is(err, ErrNoFacts) ||
		errors.Is(err, ErrCorruptRow) ||
		errors.Is(err, ErrUnknownFamily)
}
