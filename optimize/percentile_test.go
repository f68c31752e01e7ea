package optimize

import "testing"

func TestNearestRank(t *testing.T) {
	cases := []struct {
		name   string
		sorted []float64
		p      float64
		want   float64
	}{
		{"empty", nil, 50, 0},
		{"single", []float64{7}, 99, 7},
		{"p50 of five", []float64{1, 2, 3, 4, 5}, 50, 3},
		{"p90 of five", []float64{1, 2, 3, 4, 5}, 90, 5},
		{"p99 of five", []float64{1, 2, 3, 4, 5}, 99, 5},
		{"p50 of four", []float64{10, 20, 30, 40}, 50, 20},
		{"p90 of ten", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 90, 9},
		{"p95 of ten", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 95, 10},
		{"p0 clamps low", []float64{1, 2, 3}, 0, 1},
		{"p100 clamps high", []float64{1, 2, 3}, 100, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NearestRank(tc.sorted, tc.p); got != tc.want {
				t.Errorf("NearestRank(%v, %v) = %v, want %v", tc.sorted, tc.p, got, tc.want)
			}
		})
	}
}
