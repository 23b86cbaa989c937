package rollup

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ehr/allocstats/internal/domain/allocation"
)

// Stored JSON may come back with integral values written as floats (3.0) or
// with counts in scientific notation. Every decoder below goes through
// json.Number and converts to one Go type before the value is used.

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRow, err)
	}
	return nil
}

func toInt(n json.Number) (int, error) {
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrCorruptRow, n)
	}
	return int(f), nil
}

func toFloat(n *json.Number) (*float64, error) {
	if n == nil {
		return nil, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrCorruptRow, *n)
	}
	return &f, nil
}

// decodeHours decodes an object of 24-slot integer arrays.
func decodeHours(raw []byte) (map[string][]int, error) {
	var doc map[string][]json.Number
	if err := decodeStrict(raw, &doc); err != nil {
		return nil, err
	}
	out := allocation.EmptyHourHistogram()
	for k, slots := range doc {
		if len(slots) != 24 {
			return nil, fmt.Errorf("%w: hourly %q has %d slots", ErrCorruptRow, k, len(slots))
		}
		vals := make([]int, 24)
		for i, n := range slots {
			v, err := toInt(n)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		out[k] = vals
	}
	return out, nil
}

type rawBucket struct {
	Key   string       `json:"key"`
	N     json.Number  `json:"n"`
	Share *json.Number `json:"share"`
}

func decodeBuckets(raw []byte) (map[string][]Bucket, error) {
	var doc map[string][]rawBucket
	if err := decodeStrict(raw, &doc); err != nil {
		return nil, err
	}
	out := make(map[string][]Bucket, len(doc))
	for k, items := range doc {
		buckets := make([]Bucket, len(items))
		for i, it := range items {
			n, err := toInt(it.N)
			if err != nil {
				return nil, err
			}
			share, err := toFloat(it.Share)
			if err != nil {
				return nil, err
			}
			buckets[i] = Bucket{Key: it.Key, N: n, Share: share}
		}
		out[k] = buckets
	}
	return out, nil
}

type rawCategory struct {
	ID    *json.Number `json:"id"`
	Label string       `json:"label"`
	Count json.Number  `json:"count"`
}

func decodeCategories(raw []byte) ([]allocation.CategoryCount, error) {
	var doc []rawCategory
	if err := decodeStrict(raw, &doc); err != nil {
		return nil, err
	}
	out := make([]allocation.CategoryCount, len(doc))
	for i, it := range doc {
		c, err := toInt(it.Count)
		if err != nil {
			return nil, err
		}
		out[i] = allocation.CategoryCount{Label: it.Label, Count: c}
		if it.ID != nil {
			id, err := toInt(*it.ID)
			if err != nil {
				return nil, err
			}
			v := int64(id)
			out[i].ID = &v
		}
	}
	return out, nil
}

type rawRate struct {
	Mean *json.Number `json:"mean"`
	SD   *json.Number `json:"sd"`
	Var  *json.Number `json:"var"`
}

func decodeRates(raw []byte) (map[string]RateStats, error) {
	var doc map[string]rawRate
	if err := decodeStrict(raw, &doc); err != nil {
		return nil, err
	}
	out := emptyRates()
	for k, r := range doc {
		var (
			st  RateStats
			err error
		)
		if st.Mean, err = toFloat(r.Mean); err != nil {
			return nil, err
		}
		if st.SD, err = toFloat(r.SD); err != nil {
			return nil, err
		}
		if st.Var, err = toFloat(r.Var); err != nil {
			return nil, err
		}
		out[k] = st
	}
	return out, nil
}
