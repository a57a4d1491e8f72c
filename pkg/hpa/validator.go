package hpa

import (
	"fmt"

	"github.com/opscart/k8s-utilization-facts/pkg/analyzer"
	"github.com/opscart/k8s-utilization-facts/pkg/config"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// Validator decides whether autoscaler telemetry can be trusted
type Validator struct {
	thresholds config.Thresholds
}

// NewValidator creates a validator bound to one threshold set
func NewValidator(thresholds config.Thresholds) *Validator {
	return &Validator{thresholds: thresholds}
}

// Result holds the signals derived for one autoscaler
type Result struct {
	Signals               models.HPASignals
	Flags                 models.EdgeCaseFlags
	RequestInflationRatio *float64
	Evidence              []string
}

// Validate evaluates one autoscaler. target is the facts of its scale
// target, or nil when the target is not part of the snapshot.
func (v *Validator) Validate(f models.HPAFacts, target *models.DeploymentFacts) Result {
	th := v.thresholds
	var r Result

	r.checkConfig(f)

	r.Flags, r.Evidence = analyzer.QualityFlags(f.Quality, th.MinObservationWindowMinutes)
	r.Evidence = append(r.configEvidence(f), r.Evidence...)
	if !f.Quality.Usable() {
		return r
	}

	r.checkRequestInflation(f, target, th.HPARequestInflationRatio)
	r.checkMinPressure(f, th)
	r.checkIneffective(f, th)
	r.checkMemoryBound(f, target, th)

	return r
}

func (r *Result) checkConfig(f models.HPAFacts) {
	if f.MinReplicas > f.MaxReplicas {
		r.Signals.InvalidConfig = true
		return
	}
	r.Signals.AtMinReplicas = f.CurrentReplicas == f.MinReplicas
	r.Signals.AtMaxReplicas = f.MaxReplicas > 0 && f.CurrentReplicas == f.MaxReplicas
	r.Signals.LimitedScalingRange = f.MaxReplicas-f.MinReplicas < 2

	if f.CurrentReplicas == f.DesiredReplicas {
		return
	}
	switch {
	case f.DesiredReplicas > f.MaxReplicas:
		r.Signals.ScalingBeyondMax = true
	case f.DesiredReplicas < f.MinReplicas:
		r.Signals.ScalingBelowMin = true
	case f.CurrentReplicas < f.DesiredReplicas:
		r.Signals.ScalingUpPending = true
	default:
		r.Signals.ScalingDownInProgress = true
	}
}

func (r *Result) configEvidence(f models.HPAFacts) []string {
	var evidence []string
	if r.Signals.InvalidConfig {
		return append(evidence, fmt.Sprintf("invalid_config: minReplicas %d > maxReplicas %d", f.MinReplicas, f.MaxReplicas))
	}
	evidence = append(evidence, fmt.Sprintf("replicas current=%d desired=%d range=%d..%d", f.CurrentReplicas, f.DesiredReplicas, f.MinReplicas, f.MaxReplicas))
	if r.Signals.LimitedScalingRange {
		evidence = append(evidence, fmt.Sprintf("limited_scaling_range: maxReplicas - minReplicas = %d < 2", f.MaxReplicas-f.MinReplicas))
	}
	switch {
	case r.Signals.ScalingBeyondMax:
		evidence = append(evidence, fmt.Sprintf("scaling_beyond_max: desired %d > maxReplicas %d", f.DesiredReplicas, f.MaxReplicas))
	case r.Signals.ScalingBelowMin:
		evidence = append(evidence, fmt.Sprintf("scaling_below_min: desired %d < minReplicas %d", f.DesiredReplicas, f.MinReplicas))
	case r.Signals.ScalingUpPending:
		evidence = append(evidence, fmt.Sprintf("scaling_up_pending: current %d < desired %d", f.CurrentReplicas, f.DesiredReplicas))
	case r.Signals.ScalingDownInProgress:
		evidence = append(evidence, fmt.Sprintf("scaling_down_in_progress: current %d > desired %d", f.CurrentReplicas, f.DesiredReplicas))
	}
	return evidence
}

// checkRequestInflation compares the request of the scaled metric with its p95.
// Utilization is usage / request, so an inflated request hides real load.
func (r *Result) checkRequestInflation(f models.HPAFacts, target *models.DeploymentFacts, limit float64) {
	if target == nil {
		r.Evidence = append(r.Evidence, fmt.Sprintf("utilization_misleading not evaluated: scale target %s not found", f.Target.Key()))
		return
	}
	if !target.Quality.Usable() {
		r.Evidence = append(r.Evidence, fmt.Sprintf("utilization_misleading not evaluated: scale target %s has no usable metrics", f.Target.Key()))
		return
	}

	request, set := target.CPURequest, target.CPU
	if f.MetricType == "memory" {
		request, set = target.MemoryRequest, target.Memory
	}

	ratio := analyzer.OverprovisionRatio(request, set)
	r.RequestInflationRatio = ratio
	if ratio == nil {
		r.Evidence = append(r.Evidence, fmt.Sprintf("utilization_misleading not evaluated: %s request/p95 undefined", f.MetricType))
		return
	}
	if *ratio > limit {
		r.Signals.UtilizationMisleading = true
		r.Evidence = append(r.Evidence, fmt.Sprintf("utilization_misleading: target %s request/p95 = %.2f > threshold %.2f", f.MetricType, *ratio, limit))
		return
	}
	r.Evidence = append(r.Evidence, fmt.Sprintf("target %s request/p95 = %.2f <= threshold %.2f", f.MetricType, *ratio, limit))
}

func (r *Result) checkMinPressure(f models.HPAFacts, th config.Thresholds) {
	if f.TimeAtMinFraction == nil || f.AvgUtilization == nil {
		r.Evidence = append(r.Evidence, "min_replica_pressure not evaluated: no replica history")
		return
	}

	low := f.TargetUtilizationPercent * th.HPALowUtilizationFraction
	atMin := *f.TimeAtMinFraction > th.HPAMinPressureFraction
	underused := *f.AvgUtilization < low

	line := fmt.Sprintf("time at minReplicas %.0f%% (threshold %.0f%%), avg utilization %.1f%% vs %.1f%% (target %.0f%% x %.2f)",
		*f.TimeAtMinFraction*100, th.HPAMinPressureFraction*100, *f.AvgUtilization, low, f.TargetUtilizationPercent, th.HPALowUtilizationFraction)
	if atMin && underused {
		r.Signals.MinReplicaPressure = true
		r.Evidence = append(r.Evidence, "min_replica_pressure: "+line)
		return
	}
	r.Evidence = append(r.Evidence, line)
}

func (r *Result) checkIneffective(f models.HPAFacts, th config.Thresholds) {
	required := th.HPAIneffectiveWindowHours * 60
	if f.Quality.WindowMinutes < required {
		r.Evidence = append(r.Evidence, fmt.Sprintf("ineffective_autoscaling not evaluated: window %.0fm < %.0fm", f.Quality.WindowMinutes, required))
		return
	}
	if f.MaxUtilization == nil {
		return
	}
	if f.MaxReplicas == f.MinReplicas || (r.Signals.AtMaxReplicas && f.ScaleEvents == 0) {
		r.Evidence = append(r.Evidence, fmt.Sprintf("ineffective_autoscaling not evaluated: replicas capped at %d (range %d..%d)",
			f.CurrentReplicas, f.MinReplicas, f.MaxReplicas))
		return
	}

	if f.ScaleEvents == 0 && *f.MaxUtilization > f.TargetUtilizationPercent {
		r.Signals.IneffectiveAutoscaling = true
		r.Evidence = append(r.Evidence, fmt.Sprintf("ineffective_autoscaling: 0 scale events in %.0fh while max utilization %.1f%% > target %.0f%%",
			f.Quality.WindowMinutes/60, *f.MaxUtilization, f.TargetUtilizationPercent))
		return
	}
	r.Evidence = append(r.Evidence, fmt.Sprintf("%d scale events, max utilization %.1f%%", f.ScaleEvents, *f.MaxUtilization))
}

// checkMemoryBound flags CPU-scaled targets whose memory runs near its
// request while CPU stays low
func (r *Result) checkMemoryBound(f models.HPAFacts, target *models.DeploymentFacts, th config.Thresholds) {
	if f.MetricType != "cpu" || target == nil || !target.Quality.Usable() {
		return
	}
	if target.CPU == nil || target.Memory == nil || target.CPURequest <= 0 || target.MemoryRequest <= 0 {
		return
	}

	memRatio := target.Memory.P95 / target.MemoryRequest
	cpuRatio := target.CPU.P95 / target.CPURequest
	if memRatio > th.HighMemoryPressureRatio && cpuRatio < th.LowCPUUsageRatio {
		r.Signals.MemoryBoundCPUScaled = true
		r.Evidence = append(r.Evidence, fmt.Sprintf("memory_bound_cpu_scaled: memory p95/request %.2f > %.2f while cpu p95/request %.2f < %.2f",
			memRatio, th.HighMemoryPressureRatio, cpuRatio, th.LowCPUUsageRatio))
	}
}
