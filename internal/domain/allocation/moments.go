package allocation

import "math"

// SampleMoments computes mean, sample variance and sample standard deviation.
// Mean is nil for an empty sample; variance and deviation are nil below two
// values, matching VAR_SAMP and STDDEV_SAMP.
func SampleMoments(vals []float64) Moments {
	m := Moments{N: len(vals)}
	if len(vals) == 0 {
		return m
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	m.Mean = &mean
	if len(vals) < 2 {
		return m
	}
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	variance := sq / float64(len(vals)-1)
	sd := math.Sqrt(variance)
	m.Variance = &variance
	m.StdDev = &sd
	return m
}
