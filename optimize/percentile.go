package optimize

import "math"

// NearestRank returns the p-th percentile of sorted using the nearest-rank
// method: index = ceil(p·n/100) − 1, clamped to [0, n−1]. sorted must be in
// ascending order; an empty slice yields 0.
func NearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(n)/100)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}
