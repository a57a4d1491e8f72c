package analyzer

import (
	"fmt"
	"math"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// Ratio divides num by den. It returns nil when the ratio is undefined:
// a zero or negative denominator, a negative numerator or a non-finite
// result. A zero numerator over a positive denominator is a ratio of 0.
func Ratio(num, den float64) *float64 {
	if den <= 0 || num < 0 {
		return nil
	}
	r := num / den
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return nil
	}
	return &r
}

// OverprovisionRatio is request / p95 for one dimension
func OverprovisionRatio(request float64, set *models.PercentileSet) *float64 {
	if set == nil {
		return nil
	}
	return Ratio(request, set.P95)
}

// SpikeRatio is p100 / p95
func SpikeRatio(set *models.PercentileSet) *float64 {
	if set == nil {
		return nil
	}
	return Ratio(set.P100, set.P95)
}

// IsBursty compares the spike ratio against the burst threshold. The
// comparison is strict: a ratio equal to the threshold is not bursty.
func IsBursty(spikeRatio *float64, threshold float64) (bool, string) {
	if spikeRatio == nil {
		return false, "spike ratio undefined: cpu p95 is zero or missing"
	}
	if *spikeRatio > threshold {
		return true, fmt.Sprintf("P100/P95 = %.2f > threshold %.2f", *spikeRatio, threshold)
	}
	return false, fmt.Sprintf("P100/P95 = %.2f <= threshold %.2f", *spikeRatio, threshold)
}

func describeRatio(name string, ratio *float64, limit float64) string {
	if ratio == nil {
		return fmt.Sprintf("%s undefined", name)
	}
	op := "<="
	if *ratio > limit {
		op = ">"
	}
	return fmt.Sprintf("%s = %.2f %s max acceptable %.2f", name, *ratio, op, limit)
}
