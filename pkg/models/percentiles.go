package models

import (
	"fmt"
	"math"
)

// PercentileSet summarizes one metric of one resource over the observation window.
// All values share one unit (cores for CPU, bytes for memory).
type PercentileSet struct {
	Avg  float64 `json:"avg"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
	P100 float64 `json:"p100"`
}

// Validate checks non-negativity and the ordering p100 >= p99 >= p95 >= avg
func (p PercentileSet) Validate() error {
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"avg", p.Avg}, {"p95", p.P95}, {"p99", p.P99}, {"p100", p.P100},
	} {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return fmt.Errorf("%s is not a finite number", v.name)
		}
		if v.value < 0 {
			return fmt.Errorf("%s is negative (%g)", v.name, v.value)
		}
	}

	if p.P100 < p.P99 {
		return fmt.Errorf("p100 %g is below p99 %g", p.P100, p.P99)
	}
	if p.P99 < p.P95 {
		return fmt.Errorf("p99 %g is below p95 %g", p.P99, p.P95)
	}
	if p.P95 < p.Avg {
		return fmt.Errorf("p95 %g is below avg %g", p.P95, p.Avg)
	}
	return nil
}
