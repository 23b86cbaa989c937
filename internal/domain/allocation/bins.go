package allocation

import (
	"fmt"
	"strings"
)

// Bin is a half-open interval [Lo, Hi). A nil Hi is unbounded.
type Bin struct {
	Key string
	Lo  float64
	Hi  *float64
}

// Bins is an ordered, contiguous bin sequence.
type Bins []Bin

func bounded(key string, lo, hi float64) Bin { return Bin{Key: key, Lo: lo, Hi: &hi} }

// AgeBins buckets the age column in years.
var AgeBins = Bins{
	bounded("0-17", 0, 18),
	bounded("18-29", 18, 30),
	bounded("30-39", 30, 40),
	bounded("40-49", 40, 50),
	bounded("50-59", 50, 60),
	bounded("60-69", 60, 70),
	bounded("70-79", 70, 80),
	bounded("80-89", 80, 90),
	{Key: "90+", Lo: 90},
}

// TransportBins buckets transport durations in minutes.
var TransportBins = Bins{
	bounded("0-9", 0, 10),
	bounded("10-19", 10, 20),
	bounded("20-29", 20, 30),
	bounded("30-44", 30, 45),
	bounded("45-59", 45, 60),
	bounded("60-89", 60, 90),
	bounded("90-119", 90, 120),
	{Key: "120+", Lo: 120},
}

// Index returns the bin holding v, or -1.
func (bs Bins) Index(v float64) int {
	for i, b := range bs {
		if v >= b.Lo && (b.Hi == nil || v < *b.Hi) {
			return i
		}
	}
	return -1
}

// Keys returns the bin keys in order.
func (bs Bins) Keys() []string {
	keys := make([]string, len(bs))
	for i, b := range bs {
		keys[i] = b.Key
	}
	return keys
}

// CaseSQL renders a CASE expression yielding the bin index of expr, or NULL.
func (bs Bins) CaseSQL(expr string) string {
	var sb strings.Builder
	sb.WriteString("CASE")
	for i, b := range bs {
		if b.Hi == nil {
			fmt.Fprintf(&sb, " WHEN %s >= %g THEN %d", expr, b.Lo, i)
			continue
		}
		fmt.Fprintf(&sb, " WHEN %s >= %g AND %s < %g THEN %d", expr, b.Lo, expr, *b.Hi, i)
	}
	sb.WriteString(" END")
	return sb.String()
}
