package stats

import (
	"fmt"
	"math"
	"sort"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// Percentiles computes avg, P95, P99 and peak (P100) of the values.
// The input slice is not modified.
func Percentiles(values []float64) (models.PercentileSet, error) {
	if len(values) == 0 {
		return models.PercentileSet{}, fmt.Errorf("no samples provided")
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	return models.PercentileSet{
		Avg:  Average(sorted),
		P95:  Percentile(sorted, 95),
		P99:  Percentile(sorted, 99),
		P100: sorted[len(sorted)-1],
	}, nil
}

// Percentile computes the Nth percentile of sorted values using linear
// interpolation between closest ranks
func Percentile(sortedValues []float64, percentile float64) float64 {
	if len(sortedValues) == 0 {
		return 0
	}

	if len(sortedValues) == 1 {
		return sortedValues[0]
	}

	n := float64(len(sortedValues))
	rank := (percentile / 100.0) * (n - 1)

	lowerIndex := int(math.Floor(rank))
	upperIndex := int(math.Ceil(rank))

	if lowerIndex == upperIndex {
		return sortedValues[lowerIndex]
	}

	lowerValue := sortedValues[lowerIndex]
	upperValue := sortedValues[upperIndex]
	fraction := rank - float64(lowerIndex)

	return lowerValue + (upperValue-lowerValue)*fraction
}

// Average computes the mean of values
func Average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// Max returns the largest value, or 0 for an empty slice
func Max(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// CoefficientOfVariation measures the relative variability of values.
// High CV (>0.5) = spiky workload
// Low CV (<0.2) = steady workload
func CoefficientOfVariation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	mean := Average(values)
	if mean == 0 {
		return 0
	}

	sumSquaredDiff := 0.0
	for _, v := range values {
		diff := v - mean
		sumSquaredDiff += diff * diff
	}

	variance := sumSquaredDiff / float64(len(values))
	return math.Sqrt(variance) / mean
}

// UsagePattern describes how variable a usage series is
type UsagePattern struct {
	Type      string
	Variation float64
}

// ClassifyUsagePattern labels values as steady, moderate, spiky or highly-variable
func ClassifyUsagePattern(values []float64) UsagePattern {
	if len(values) < 10 {
		return UsagePattern{Type: "unknown"}
	}

	cv := CoefficientOfVariation(values)

	var patternType string
	switch {
	case cv < 0.15:
		patternType = "steady"
	case cv < 0.35:
		patternType = "moderate"
	case cv < 0.70:
		patternType = "spiky"
	default:
		patternType = "highly-variable"
	}

	return UsagePattern{Type: patternType, Variation: cv}
}
