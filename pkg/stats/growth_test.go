package stats

import (
	"math"
	"testing"
	"time"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearSeries(n int, step time.Duration, value func(i int) float64) models.Series {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	series := make(models.Series, n)
	for i := 0; i < n; i++ {
		series[i] = models.Sample{Timestamp: start.Add(time.Duration(i) * step), Value: value(i)}
	}
	return series
}

func TestCalculateGrowthTrend(t *testing.T) {
	// 7 days at 5 minute resolution, growing ~10% per month on a base of 100
	series := linearSeries(2016, 5*time.Minute, func(i int) float64 {
		hours := float64(i) * 5.0 / 60.0
		return 100.0 + hours*0.0139
	})

	trend, err := CalculateGrowthTrend(series)
	require.NoError(t, err)

	if math.Abs(trend.RatePerMonth-10.0) > 2.0 {
		t.Errorf("Expected ~10%% growth, got %.2f%%", trend.RatePerMonth)
	}
	assert.InDelta(t, 1.0, trend.R2, 0.01)
}

func TestCalculateGrowthTrendSteady(t *testing.T) {
	series := linearSeries(200, 5*time.Minute, func(i int) float64 { return 100.0 })

	trend, err := CalculateGrowthTrend(series)
	require.NoError(t, err)
	assert.Equal(t, 0.0, trend.RatePerMonth)
	assert.Equal(t, 0.0, trend.R2)
}

func TestCalculateGrowthTrendInsufficient(t *testing.T) {
	series := linearSeries(3, time.Minute, func(i int) float64 { return float64(i) })
	_, err := CalculateGrowthTrend(series)
	assert.Error(t, err)
}

func TestSplitWindows(t *testing.T) {
	series := linearSeries(12, time.Minute, func(i int) float64 { return float64(i) })

	windows := SplitWindows(series, 4)
	require.Len(t, windows, 4)

	total := 0
	for _, w := range windows {
		total += len(w)
	}
	assert.Equal(t, 12, total)
	assert.Equal(t, 0.0, windows[0][0].Value)
	assert.Equal(t, 11.0, windows[3][len(windows[3])-1].Value)

	// windows are disjoint and ordered in time
	for i := 1; i < len(windows); i++ {
		if len(windows[i-1]) == 0 || len(windows[i]) == 0 {
			continue
		}
		last := windows[i-1][len(windows[i-1])-1].Timestamp
		assert.True(t, last.Before(windows[i][0].Timestamp))
	}
}

func TestSplitWindowsDegenerate(t *testing.T) {
	single := linearSeries(1, time.Minute, func(i int) float64 { return 1 })
	assert.Nil(t, SplitWindows(single, 4))

	series := linearSeries(10, time.Minute, func(i int) float64 { return 1 })
	assert.Nil(t, SplitWindows(series, 1))
}
