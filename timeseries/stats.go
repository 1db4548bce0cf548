package timeseries

import "math"

// Stats summarizes a window. StdDev is the population standard deviation.
type Stats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// accumulator computes Stats incrementally with Welford's algorithm.
type accumulator struct {
	n        int
	mean, m2 float64
	min, max float64
}

func (a *accumulator) add(v float64) {
	a.n++
	if a.n == 1 {
		a.min, a.max = v, v
	} else {
		a.min = math.Min(a.min, v)
		a.max = math.Max(a.max, v)
	}
	d := v - a.mean
	a.mean += d / float64(a.n)
	a.m2 += d * (v - a.mean)
}

func (a *accumulator) stats() Stats {
	s := Stats{Count: a.n, Min: a.min, Max: a.max, Mean: a.mean}
	if a.n > 0 {
		s.StdDev = math.Sqrt(a.m2 / float64(a.n))
	}
	return s
}

// Summarize computes statistics over values.
func Summarize(values []float64) Stats {
	var a accumulator
	for _, v := range values {
		a.add(v)
	}
	return a.stats()
}
