package analyzer

import (
	"fmt"
	"time"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
	"github.com/opscart/k8s-utilization-facts/pkg/stats"
)

// MemoryGrowth compares the mean of the first and last of n disjoint
// sub-windows. It returns the growth in percent (nil when undefined),
// whether it reaches thresholdPercent, and an evidence line.
func MemoryGrowth(usage models.Series, subWindows int, thresholdPercent float64) (*float64, bool, string) {
	windows := stats.SplitWindows(usage, subWindows)
	if len(windows) < 2 {
		return nil, false, fmt.Sprintf("memory growth not evaluated: insufficient_window, %d sub-windows required", subWindows)
	}

	first := stats.Average(windows[0].Values())
	last := stats.Average(windows[len(windows)-1].Values())
	if first == 0 {
		return nil, false, "memory growth undefined: first sub-window mean is zero"
	}

	growth := (last - first) / first * 100
	if growth >= thresholdPercent {
		return &growth, true, fmt.Sprintf("memory growth first->last sub-window = %.1f%% >= threshold %.1f%%", growth, thresholdPercent)
	}
	return &growth, false, fmt.Sprintf("memory growth first->last sub-window = %.1f%% < threshold %.1f%%", growth, thresholdPercent)
}

// EarlySpike reports whether the maximum inside the first startupWindow of
// the series exceeds the steady-state p95 of the remainder by more than
// burstRatio.
func EarlySpike(usage models.Series, startupWindow time.Duration, burstRatio float64) (bool, string) {
	if len(usage) < 2 {
		return false, "startup spike not evaluated: no usage series"
	}

	cutoff := usage[0].Timestamp.Add(startupWindow)
	var early, steady []float64
	for _, s := range usage {
		if s.Timestamp.Before(cutoff) {
			early = append(early, s.Value)
		} else {
			steady = append(steady, s.Value)
		}
	}
	if len(early) == 0 || len(steady) == 0 {
		return false, "startup spike not evaluated: window does not extend past the startup interval"
	}

	earlyMax := stats.Max(early)
	steadySet, _ := stats.Percentiles(steady)
	if steadySet.P95 == 0 {
		return false, fmt.Sprintf("startup spike undefined: steady-state p95 is zero (early max %.3f)", earlyMax)
	}

	ratio := earlyMax / steadySet.P95
	if ratio > burstRatio {
		return true, fmt.Sprintf("early-window max %.3f / steady-state p95 %.3f = %.2f > threshold %.2f", earlyMax, steadySet.P95, ratio, burstRatio)
	}
	return false, fmt.Sprintf("early-window max %.3f / steady-state p95 %.3f = %.2f <= threshold %.2f", earlyMax, steadySet.P95, ratio, burstRatio)
}

// SawtoothCycles counts drops of at least dropPercent from the running
// peak, the shape a garbage-collected heap leaves on container memory
func SawtoothCycles(usage models.Series, dropPercent float64) int {
	if len(usage) < 3 {
		return 0
	}

	cycles := 0
	peak := usage[0].Value
	for _, s := range usage[1:] {
		if s.Value > peak {
			peak = s.Value
			continue
		}
		if peak > 0 && (peak-s.Value)/peak*100 >= dropPercent {
			cycles++
			peak = s.Value
		}
	}
	return cycles
}
