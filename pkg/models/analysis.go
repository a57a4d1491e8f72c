package models

import (
	"encoding/json"
	"fmt"
)

// Level is a risk or confidence grade
type Level string

const (
	LevelLow    Level = "Low"
	LevelMedium Level = "Medium"
	LevelHigh   Level = "High"
)

// Rank orders levels so the maximum of several can be taken
func (l Level) Rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	}
	return 0
}

// MaxLevel returns the highest of the given levels
func MaxLevel(levels ...Level) Level {
	max := LevelLow
	for _, l := range levels {
		if l.Rank() > max.Rank() {
			max = l
		}
	}
	return max
}

// ResizeSafety is the tri-state safe_to_resize verdict
type ResizeSafety string

const (
	ResizeSafe        ResizeSafety = "true"
	ResizeUnsafe      ResizeSafety = "false"
	ResizePartialOnly ResizeSafety = "partial_only"
)

// MarshalJSON emits true and false as JSON booleans and partial_only as a string
func (r ResizeSafety) MarshalJSON() ([]byte, error) {
	switch r {
	case ResizeSafe:
		return []byte("true"), nil
	case ResizeUnsafe:
		return []byte("false"), nil
	case ResizePartialOnly:
		return json.Marshal(string(r))
	}
	return nil, fmt.Errorf("unknown resize safety %q", string(r))
}

func (r *ResizeSafety) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*r = ResizeSafe
		} else {
			*r = ResizeUnsafe
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("safe_to_resize must be a boolean or %q: %w", ResizePartialOnly, err)
	}
	if s != string(ResizePartialOnly) {
		return fmt.Errorf("unknown safe_to_resize value %q", s)
	}
	*r = ResizePartialOnly
	return nil
}

// EdgeCaseFlags are boolean detector outcomes. Once set during a run a flag
// is never cleared by a later stage.
type EdgeCaseFlags struct {
	Bursty             bool `json:"bursty"`
	StartupSpike       bool `json:"startup_spike"`
	MemoryGrowth       bool `json:"memory_growth"`
	InitContainerSpike bool `json:"init_container_spike"`
	JVMCachePattern    bool `json:"jvm_cache_pattern"`
	StrictPDB          bool `json:"strict_pdb"`
	InsufficientWindow bool `json:"insufficient_window"`
	MissingMetrics     bool `json:"missing_metrics"`
}

// Blocking reports whether any flag other than the heuristic
// jvm_cache_pattern is set
func (f EdgeCaseFlags) Blocking() bool {
	return f.Bursty || f.StartupSpike || f.MemoryGrowth || f.InitContainerSpike ||
		f.StrictPDB || f.InsufficientWindow || f.MissingMetrics
}

// Merge returns the union of both flag sets
func (f EdgeCaseFlags) Merge(o EdgeCaseFlags) EdgeCaseFlags {
	return EdgeCaseFlags{
		Bursty:             f.Bursty || o.Bursty,
		StartupSpike:       f.StartupSpike || o.StartupSpike,
		MemoryGrowth:       f.MemoryGrowth || o.MemoryGrowth,
		InitContainerSpike: f.InitContainerSpike || o.InitContainerSpike,
		JVMCachePattern:    f.JVMCachePattern || o.JVMCachePattern,
		StrictPDB:          f.StrictPDB || o.StrictPDB,
		InsufficientWindow: f.InsufficientWindow || o.InsufficientWindow,
		MissingMetrics:     f.MissingMetrics || o.MissingMetrics,
	}
}

// UsageFlags label observed workload behavior. They are facts only and do
// not take part in classification.
type UsageFlags struct {
	Idle                 bool `json:"idle"`
	CPUUnderutilized     bool `json:"cpu_underutilized"`
	MemoryUnderutilized  bool `json:"memory_underutilized"`
	MemoryBursty         bool `json:"memory_bursty"`
	ZeroReplicasWithPods bool `json:"zero_replicas_with_pods"`
	NoRunningPods        bool `json:"no_running_pods"`
}

// DerivedMetrics are ratios computed from percentile facts.
// A nil field means the ratio is undefined for this resource.
type DerivedMetrics struct {
	CPUOverprovisionRatio    *float64 `json:"cpu_overprovision_ratio"`
	MemoryOverprovisionRatio *float64 `json:"memory_overprovision_ratio"`
	SpikeRatio               *float64 `json:"spike_ratio"`
	MemorySpikeRatio         *float64 `json:"memory_spike_ratio"`
	MemoryGrowthPercent      *float64 `json:"memory_growth_percent"`
	MemoryGrowthRatePerMonth *float64 `json:"memory_growth_rate_per_month"`
	CPUVariation             *float64 `json:"cpu_variation"`
	CPUUsagePattern          string   `json:"cpu_usage_pattern,omitempty"`
}

// SafetyClassification is the rule-table verdict for one resource
type SafetyClassification struct {
	RiskLevel           Level        `json:"risk_level"`
	ConfidenceLevel     Level        `json:"confidence_level"`
	SafeToResize        ResizeSafety `json:"safe_to_resize"`
	ResizableDimensions []string     `json:"resizable_dimensions,omitempty"`
	Rule                string       `json:"rule"`
	Evidence            []string     `json:"evidence"`
}

// DeploymentAnalysis is the self-describing output entry for one Deployment
type DeploymentAnalysis struct {
	Resource       ResourceRef          `json:"resource"`
	Replicas       int32                `json:"replicas"`
	RunningPods    int                  `json:"running_pods"`
	PendingPods    int                  `json:"pending_pods"`
	ExtraPods      int                  `json:"extra_pods"`
	SingleReplica  bool                 `json:"single_replica"`
	CPURequest     float64              `json:"cpu_request"`
	MemoryRequest  float64              `json:"memory_request"`
	CPU            *PercentileSet       `json:"cpu"`
	Memory         *PercentileSet       `json:"memory"`
	Placements     []PodPlacement       `json:"placements,omitempty"`
	Quality        ObservationQuality   `json:"observation_quality"`
	Derived        DerivedMetrics       `json:"derived_metrics"`
	Flags          EdgeCaseFlags        `json:"edge_case_flags"`
	Usage          UsageFlags           `json:"usage_flags"`
	HeuristicNotes []string             `json:"heuristic_notes,omitempty"`
	Classification SafetyClassification `json:"safety_classification"`
	Evidence       []string             `json:"evidence"`
}

// HPASignals are the autoscaler trust signals
type HPASignals struct {
	UtilizationMisleading  bool `json:"utilization_misleading"`
	MinReplicaPressure     bool `json:"min_replica_pressure"`
	IneffectiveAutoscaling bool `json:"ineffective_autoscaling"`
	AtMinReplicas          bool `json:"at_min_replicas"`
	AtMaxReplicas          bool `json:"at_max_replicas"`
	LimitedScalingRange    bool `json:"limited_scaling_range"`
	InvalidConfig          bool `json:"invalid_config"`
	MemoryBoundCPUScaled   bool `json:"memory_bound_cpu_scaled"`
	ScalingBeyondMax       bool `json:"scaling_beyond_max"`
	ScalingBelowMin        bool `json:"scaling_below_min"`
	ScalingUpPending       bool `json:"scaling_up_pending"`
	ScalingDownInProgress  bool `json:"scaling_down_in_progress"`
}

// HPAAnalysis is the output entry for one autoscaler
type HPAAnalysis struct {
	Resource                 ResourceRef          `json:"resource"`
	Target                   ResourceRef          `json:"target"`
	MetricType               string               `json:"metric_type"`
	TargetUtilizationPercent float64              `json:"target_utilization_percent"`
	MinReplicas              int32                `json:"min_replicas"`
	MaxReplicas              int32                `json:"max_replicas"`
	CurrentReplicas          int32                `json:"current_replicas"`
	DesiredReplicas          int32                `json:"desired_replicas"`
	TimeAtMinFraction        *float64             `json:"time_at_min_fraction"`
	ScaleEvents              int                  `json:"scale_events"`
	AvgUtilization           *float64             `json:"avg_utilization"`
	MaxUtilization           *float64             `json:"max_utilization"`
	RequestInflationRatio    *float64             `json:"request_inflation_ratio"`
	Quality                  ObservationQuality   `json:"observation_quality"`
	Signals                  HPASignals           `json:"signals"`
	Flags                    EdgeCaseFlags        `json:"edge_case_flags"`
	Classification           SafetyClassification `json:"safety_classification"`
	Evidence                 []string             `json:"evidence"`
}

// FragmentationType names the fragmented dimensions of a node
type FragmentationType string

const (
	FragmentationCPU       FragmentationType = "CPU"
	FragmentationMemory    FragmentationType = "Memory"
	FragmentationBoth      FragmentationType = "Both"
	FragmentationNone      FragmentationType = "None"
	FragmentationUndefined FragmentationType = "Undefined"
)

// CPUFragmented reports whether the CPU dimension is fragmented
func (t FragmentationType) CPUFragmented() bool {
	return t == FragmentationCPU || t == FragmentationBoth
}

// MemoryFragmented reports whether the memory dimension is fragmented
func (t FragmentationType) MemoryFragmented() bool {
	return t == FragmentationMemory || t == FragmentationBoth
}

// FragmentationResult is the node-local bin-packing picture
type FragmentationResult struct {
	LargestFreeCPUBlock    float64           `json:"largest_free_cpu_block"`
	LargestFreeMemoryBlock float64           `json:"largest_free_memory_block"`
	CPUFragmentation       *float64          `json:"cpu_fragmentation"`
	MemoryFragmentation    *float64          `json:"memory_fragmentation"`
	FragmentationType      FragmentationType `json:"fragmentation_type"`
	PackingEfficiency      *float64          `json:"packing_efficiency"`
	LowEfficiency          bool              `json:"low_efficiency"`
}

// LargeRequestPod is a pod whose request is a large share of its node
type LargeRequestPod struct {
	Pod                 ResourceRef `json:"pod"`
	CPURequest          float64     `json:"cpu_request"`
	MemoryRequest       float64     `json:"memory_request"`
	CPUPercentOfNode    float64     `json:"cpu_percent_of_node"`
	MemoryPercentOfNode float64     `json:"memory_percent_of_node"`
}

// DaemonSetOverhead sums the requests of DaemonSet pods on a node
type DaemonSetOverhead struct {
	CPURequest    float64  `json:"cpu_request"`
	MemoryRequest float64  `json:"memory_request"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	Significant   bool     `json:"significant"`
	Contributors  []string `json:"contributors,omitempty"`
}

// FragmentationAttribution lists node-local facts about what occupies a node
type FragmentationAttribution struct {
	LargeRequestPods  []LargeRequestPod `json:"large_request_pods,omitempty"`
	DaemonSetOverhead DaemonSetOverhead `json:"daemonset_overhead"`
}

// NodeAnalysis is the output entry for one Node
type NodeAnalysis struct {
	Resource          ResourceRef              `json:"resource"`
	CPUAllocatable    float64                  `json:"cpu_allocatable"`
	MemoryAllocatable float64                  `json:"memory_allocatable"`
	CPURequested      float64                  `json:"cpu_requested"`
	MemoryRequested   float64                  `json:"memory_requested"`
	PodCount          int                      `json:"pod_count"`
	Quality           ObservationQuality       `json:"observation_quality"`
	Fragmentation     FragmentationResult      `json:"fragmentation"`
	Attribution       FragmentationAttribution `json:"attribution"`
	Flags             EdgeCaseFlags            `json:"edge_case_flags"`
	Classification    SafetyClassification     `json:"safety_classification"`
	Evidence          []string                 `json:"evidence"`
}

// CrossLayerObservation joins classifications of several resources
type CrossLayerObservation struct {
	Type                string   `json:"type"`
	Scope               string   `json:"scope"`
	AffectedResourceIDs []string `json:"affected_resource_ids"`
	Description         string   `json:"description"`
	RiskLevel           Level    `json:"risk_level"`
	Evidence            []string `json:"evidence,omitempty"`
}

// Summary counts the entries of a report
type Summary struct {
	DeploymentCount  int           `json:"deployment_count"`
	HPACount         int           `json:"hpa_count"`
	NodeCount        int           `json:"node_count"`
	BlockedCount     int           `json:"blocked_count"`
	ObservationCount int           `json:"observation_count"`
	RiskCounts       map[Level]int `json:"risk_counts"`
}

// Report is the deterministic result of one run. It carries no timestamps
// or run identifiers so identical inputs serialize identically.
type Report struct {
	Summary                Summary                 `json:"cluster_summary"`
	DeploymentAnalysis     []DeploymentAnalysis    `json:"deployment_analysis"`
	HPAAnalysis            []HPAAnalysis           `json:"hpa_analysis"`
	NodeAnalysis           []NodeAnalysis          `json:"node_analysis"`
	CrossLayerObservations []CrossLayerObservation `json:"cross_layer_observations"`
}
