package models

// ObservationQuality states how much the facts of one resource can be trusted
type ObservationQuality struct {
	HasMetrics       bool    `json:"has_metrics"`
	HasTraffic       bool    `json:"has_traffic"`
	WindowMinutes    float64 `json:"window_minutes"`
	SufficientWindow bool    `json:"sufficient_window"`
	SampleCount      int     `json:"sample_count"`

	// Issues lists data problems found while normalizing, such as a
	// heavy-tailed sample set whose mean exceeds its p95.
	Issues []string `json:"issues,omitempty"`
}

// Usable reports whether derived metrics may be computed at all
func (q ObservationQuality) Usable() bool {
	return q.HasMetrics && q.SufficientWindow && len(q.Issues) == 0
}

// PodPlacement links a pod of a workload to the node it runs on
type PodPlacement struct {
	Pod  ResourceRef `json:"pod"`
	Node string      `json:"node"`
}

// DeploymentFacts are the normalized, immutable facts of one Deployment
type DeploymentFacts struct {
	Ref                   ResourceRef
	Replicas              int32
	RunningPods           int
	PendingPods           int
	CPURequest            float64
	MemoryRequest         float64
	InitContainers        int
	PDBDisruptionsAllowed *int32

	CPU    *PercentileSet
	Memory *PercentileSet

	// Per-timestamp mean across pods, used by the windowed detectors
	CPUUsage    Series
	MemoryUsage Series

	Placements []PodPlacement
	Quality    ObservationQuality
}

// PodFacts are the per-pod facts a node analysis needs
type PodFacts struct {
	Ref           ResourceRef
	Node          string
	OwnerKind     ResourceKind
	OwnerName     string
	CPURequest    float64
	MemoryRequest float64
	CPUP95        *float64
	MemoryP95     *float64
}

// NodeFacts are the normalized capacity facts of one Node and its pods
type NodeFacts struct {
	Ref               ResourceRef
	CPUAllocatable    float64
	MemoryAllocatable float64
	MemoryUsage       *float64
	Pods              []PodFacts
	Quality           ObservationQuality
}

// HPAFacts are the normalized facts of one autoscaler
type HPAFacts struct {
	Ref                      ResourceRef
	Target                   ResourceRef
	MetricType               string
	TargetUtilizationPercent float64
	MinReplicas              int32
	MaxReplicas              int32
	CurrentReplicas          int32
	DesiredReplicas          int32

	TimeAtMinFraction *float64
	ScaleEvents       int
	AvgUtilization    *float64
	MaxUtilization    *float64
	Quality           ObservationQuality
}

// Facts is the full normalized input of one run
type Facts struct {
	Window      Window
	Deployments []DeploymentFacts
	HPAs        []HPAFacts
	Nodes       []NodeFacts
}
