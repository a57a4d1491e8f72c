package analyzer

import (
	"fmt"
	"time"

	"github.com/opscart/k8s-utilization-facts/pkg/config"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
	"github.com/opscart/k8s-utilization-facts/pkg/stats"
)

// Calculator derives ratios and edge-case flags from deployment facts.
// It holds no state besides its thresholds and is safe for concurrent use.
type Calculator struct {
	thresholds config.Thresholds
}

// NewCalculator creates a calculator bound to one threshold set
func NewCalculator(thresholds config.Thresholds) *Calculator {
	return &Calculator{thresholds: thresholds}
}

// DeploymentResult is everything the calculator derives for one Deployment
type DeploymentResult struct {
	Derived        models.DerivedMetrics
	Flags          models.EdgeCaseFlags
	Usage          models.UsageFlags
	HeuristicNotes []string
	Evidence       []string
}

// QualityFlags turns an observation quality into missing_metrics and
// insufficient_window flags with their evidence
func QualityFlags(q models.ObservationQuality, minWindow float64) (models.EdgeCaseFlags, []string) {
	var flags models.EdgeCaseFlags
	var evidence []string

	if !q.HasMetrics {
		flags.MissingMetrics = true
		evidence = append(evidence, fmt.Sprintf("missing_metrics: %d usable samples", q.SampleCount))
	}
	if !q.SufficientWindow {
		flags.InsufficientWindow = true
		evidence = append(evidence, fmt.Sprintf("insufficient_window: observed %.1fm < minimum %.1fm", q.WindowMinutes, minWindow))
	}
	for _, issue := range q.Issues {
		evidence = append(evidence, "insufficient_data: "+issue)
	}
	return flags, evidence
}

// AnalyzeDeployment computes derived metrics and edge-case flags. When the
// observation quality is not usable every ratio stays nil.
func (c *Calculator) AnalyzeDeployment(f models.DeploymentFacts) DeploymentResult {
	th := c.thresholds
	var r DeploymentResult

	r.Flags, r.Evidence = QualityFlags(f.Quality, th.MinObservationWindowMinutes)

	if f.PDBDisruptionsAllowed != nil && *f.PDBDisruptionsAllowed == 0 {
		r.Flags.StrictPDB = true
		r.Evidence = append(r.Evidence, "strict_pdb: PodDisruptionBudget allows 0 disruptions")
	}
	r.replicaFlags(f)

	if !f.Quality.Usable() {
		return r
	}

	r.Derived.CPUOverprovisionRatio = OverprovisionRatio(f.CPURequest, f.CPU)
	r.Derived.MemoryOverprovisionRatio = OverprovisionRatio(f.MemoryRequest, f.Memory)
	r.Derived.SpikeRatio = SpikeRatio(f.CPU)
	r.Derived.MemorySpikeRatio = SpikeRatio(f.Memory)

	r.Evidence = append(r.Evidence,
		describeRatio("cpu_overprovision_ratio", r.Derived.CPUOverprovisionRatio, th.MaxAcceptableOverprovisionRatio),
		describeRatio("memory_overprovision_ratio", r.Derived.MemoryOverprovisionRatio, th.MaxAcceptableOverprovisionRatio),
	)

	bursty, line := IsBursty(r.Derived.SpikeRatio, th.CPUBurstRatioThreshold)
	r.Flags.Bursty = bursty
	r.Evidence = append(r.Evidence, "bursty: "+line)

	r.usageFlags(f, th)

	growth, grew, line := MemoryGrowth(f.MemoryUsage, th.GrowthSubWindows, th.MemoryGrowthThresholdPercent)
	r.Derived.MemoryGrowthPercent = growth
	r.Flags.MemoryGrowth = grew
	r.Evidence = append(r.Evidence, line)

	if trend, err := stats.CalculateGrowthTrend(f.MemoryUsage); err == nil {
		rate := trend.RatePerMonth
		r.Derived.MemoryGrowthRatePerMonth = &rate
	}

	if values := f.CPUUsage.Values(); len(values) > 0 {
		pattern := stats.ClassifyUsagePattern(values)
		if pattern.Type != "unknown" {
			variation := pattern.Variation
			r.Derived.CPUVariation = &variation
			r.Derived.CPUUsagePattern = pattern.Type
		}
	}

	startup := time.Duration(th.StartupWindowMinutes * float64(time.Minute))
	spike, line := EarlySpike(f.CPUUsage, startup, th.CPUBurstRatioThreshold)
	if spike && f.InitContainers > 0 {
		r.Flags.InitContainerSpike = true
		r.Evidence = append(r.Evidence, fmt.Sprintf("init_container_spike: %s (%d init containers)", line, f.InitContainers))
	} else {
		r.Flags.StartupSpike = spike
		r.Evidence = append(r.Evidence, "startup_spike: "+line)
	}

	if cycles := SawtoothCycles(f.MemoryUsage, th.JVMDropPercent); cycles >= th.JVMMinCycles {
		r.Flags.JVMCachePattern = true
		r.HeuristicNotes = append(r.HeuristicNotes,
			fmt.Sprintf("jvm_cache_pattern: %d memory drops >= %.0f%% from peak; observed pattern, not verified", cycles, th.JVMDropPercent))
	}

	return r
}

// replicaFlags compares the desired replica count with the pods found
func (r *DeploymentResult) replicaFlags(f models.DeploymentFacts) {
	pods := f.RunningPods + f.PendingPods
	switch {
	case f.Replicas == 0 && pods > 0:
		r.Usage.ZeroReplicasWithPods = true
		r.Evidence = append(r.Evidence, fmt.Sprintf("zero_replicas_with_pods: %d pods with 0 desired replicas", pods))
	case f.Replicas > 0 && f.RunningPods == 0:
		r.Usage.NoRunningPods = true
		r.Evidence = append(r.Evidence, fmt.Sprintf("no_running_pods: 0 of %d desired replicas running", f.Replicas))
	}
}

// usageFlags labels idle, underutilized and memory-bursty workloads from
// their average usage and memory spike ratio
func (r *DeploymentResult) usageFlags(f models.DeploymentFacts, th config.Thresholds) {
	cpuAvg, memAvg := f.CPU.Avg, f.Memory.Avg

	if cpuAvg < th.IdleCPUCores && memAvg < th.IdleMemoryBytes {
		r.Usage.Idle = true
		r.Evidence = append(r.Evidence, fmt.Sprintf("idle: avg cpu %.4f < %.4f cores and avg memory %.0f < %.0f bytes",
			cpuAvg, th.IdleCPUCores, memAvg, th.IdleMemoryBytes))
	}
	if f.Replicas > 1 && cpuAvg < th.UnderutilizedCPUCores {
		r.Usage.CPUUnderutilized = true
		r.Evidence = append(r.Evidence, fmt.Sprintf("cpu_underutilized: avg cpu %.3f < %.3f cores across %d replicas",
			cpuAvg, th.UnderutilizedCPUCores, f.Replicas))
	}
	if f.Replicas > 1 && memAvg < th.UnderutilizedMemoryBytes {
		r.Usage.MemoryUnderutilized = true
		r.Evidence = append(r.Evidence, fmt.Sprintf("memory_underutilized: avg memory %.0f < %.0f bytes across %d replicas",
			memAvg, th.UnderutilizedMemoryBytes, f.Replicas))
	}
	if ratio := r.Derived.MemorySpikeRatio; ratio != nil && *ratio > th.MemoryBurstRatioThreshold {
		r.Usage.MemoryBursty = true
		r.Evidence = append(r.Evidence, fmt.Sprintf("memory_bursty: memory P100/P95 = %.2f > threshold %.2f", *ratio, th.MemoryBurstRatioThreshold))
	}
}
