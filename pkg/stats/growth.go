package stats

import (
	"fmt"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

const minTrendSamples = 10

// GrowthTrend is a least-squares fit of a usage series over time
type GrowthTrend struct {
	RatePerMonth float64 // percent of the series mean
	Slope        float64 // units per hour
	R2           float64
}

// CalculateGrowthTrend fits a line through the series using linear regression
func CalculateGrowthTrend(series models.Series) (*GrowthTrend, error) {
	if len(series) < minTrendSamples {
		return nil, fmt.Errorf("insufficient data for trend analysis (need %d+ samples, got %d)", minTrendSamples, len(series))
	}

	startTime := series[0].Timestamp
	x := make([]float64, len(series)) // hours since start
	y := make([]float64, len(series))

	for i, sample := range series {
		x[i] = sample.Timestamp.Sub(startTime).Hours()
		y[i] = sample.Value
	}

	slope, _, r2 := linearRegression(x, y)

	hoursPerMonth := 24.0 * 30.0
	mean := Average(y)

	var ratePerMonth float64
	if mean > 0 {
		ratePerMonth = (slope * hoursPerMonth / mean) * 100.0
	}

	return &GrowthTrend{
		RatePerMonth: ratePerMonth,
		Slope:        slope,
		R2:           r2,
	}, nil
}

// linearRegression returns slope, intercept and R² of y over x
func linearRegression(x, y []float64) (slope, intercept, r2 float64) {
	if len(x) == 0 {
		return 0, 0, 0
	}

	meanX := Average(x)
	meanY := Average(y)

	numerator := 0.0
	denominator := 0.0
	for i := range x {
		numerator += (x[i] - meanX) * (y[i] - meanY)
		denominator += (x[i] - meanX) * (x[i] - meanX)
	}

	if denominator == 0 {
		return 0, meanY, 0
	}

	slope = numerator / denominator
	intercept = meanY - slope*meanX

	ssTotal := 0.0
	ssRes := 0.0
	for i := range x {
		predicted := slope*x[i] + intercept
		ssRes += (y[i] - predicted) * (y[i] - predicted)
		ssTotal += (y[i] - meanY) * (y[i] - meanY)
	}

	if ssTotal == 0 {
		return slope, intercept, 0
	}

	r2 = 1.0 - (ssRes / ssTotal)
	if r2 < 0 {
		r2 = 0
	} else if r2 > 1 {
		r2 = 1
	}

	return slope, intercept, r2
}

// SplitWindows divides a time-ordered series into n disjoint sub-windows of
// equal duration. The first window always holds the first sample and the
// last window the last sample. It returns nil when the series spans no time
// or n < 2.
func SplitWindows(series models.Series, n int) []models.Series {
	if n < 2 || series.Duration() <= 0 {
		return nil
	}

	start := series[0].Timestamp
	span := series.Duration()
	windows := make([]models.Series, n)

	for _, sample := range series {
		idx := int(float64(sample.Timestamp.Sub(start)) / float64(span) * float64(n))
		if idx >= n {
			idx = n - 1
		}
		windows[idx] = append(windows[idx], sample)
	}

	return windows
}
