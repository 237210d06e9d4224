package aggregate

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const ciZ = 1.96

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

// stdDev is the sample standard deviation; fewer than two values give 0.
func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.StdDev(xs, nil)
}

func median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, xs)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// confidence is the half-width of the 95% normal confidence interval.
func confidence(std float64, count int) float64 {
	if count == 0 {
		return 0
	}
	return ciZ * std / math.Sqrt(float64(count))
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func percentWhere(xs []float64, pred func(float64) bool) float64 {
	if len(xs) == 0 {
		return 0
	}
	n := 0
	for _, x := range xs {
		if pred(x) {
			n++
		}
	}
	return float64(n) / float64(len(xs)) * 100
}

// histogram bins xs into n equal bins over [lo, hi]. Values outside the range
// are ignored and the last bin includes hi.
func histogram(xs []float64, n int, lo, hi float64) ([]int, []float64) {
	edges := make([]float64, n+1)
	step := (hi - lo) / float64(n)
	for i := range edges {
		edges[i] = lo + float64(i)*step
	}
	edges[n] = hi

	counts := make([]int, n)
	norm := float64(n) / (hi - lo)
	for _, x := range xs {
		if math.IsNaN(x) || x < lo || x > hi {
			continue
		}
		i := int((x - lo) * norm)
		if i == n {
			i--
		}
		// float error can land a value one bin off its edges
		if x < edges[i] {
			i--
		} else if i != n-1 && x >= edges[i+1] {
			i++
		}
		counts[i]++
	}
	return counts, edges
}
