package models

import (
	"encoding/json"
	"io"
	"time"
)

// Window is the observation interval a snapshot was collected over
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Minutes returns the window length in minutes
func (w Window) Minutes() float64 {
	return w.End.Sub(w.Start).Minutes()
}

// Snapshot is the raw, already-collected input of one analysis run.
// Collectors produce it; the engine never queries a backend itself.
type Snapshot struct {
	Window      Window            `json:"window"`
	Deployments []DeploymentInput `json:"deployments"`
	Pods        []PodInput        `json:"pods"`
	HPAs        []HPAInput        `json:"hpas"`
	Nodes       []NodeInput       `json:"nodes"`
}

// DecodeSnapshot reads a JSON snapshot. Unknown fields and trailing data
// are contract violations.
func DecodeSnapshot(r io.Reader) (*Snapshot, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, Violation("snapshot", "decode: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, Violation("snapshot", "trailing data after snapshot")
	}
	return &snap, nil
}

// DeploymentInput carries per-pod requests and, optionally, percentiles
// computed by the metrics backend instead of raw pod samples.
type DeploymentInput struct {
	Namespace      string  `json:"namespace"`
	Name           string  `json:"name"`
	Replicas       int32   `json:"replicas"`
	CPURequest     float64 `json:"cpu_request"`    // cores per pod
	MemoryRequest  float64 `json:"memory_request"` // bytes per pod
	InitContainers int     `json:"init_containers,omitempty"`

	// PDBDisruptionsAllowed is nil when no PodDisruptionBudget selects the pods
	PDBDisruptionsAllowed *int32 `json:"pdb_disruptions_allowed,omitempty"`

	CPUPercentiles    *PercentileSet `json:"cpu_percentiles,omitempty"`
	MemoryPercentiles *PercentileSet `json:"memory_percentiles,omitempty"`
	WindowMinutes     float64        `json:"window_minutes,omitempty"`
	SampleCount       int            `json:"sample_count,omitempty"`
}

// Ref returns the deployment identity
func (d DeploymentInput) Ref() ResourceRef {
	return ResourceRef{Kind: KindDeployment, Namespace: d.Namespace, Name: d.Name}
}

// PodInput is one scheduled or pending pod with its owner resolved by discovery
type PodInput struct {
	Namespace     string       `json:"namespace"`
	Name          string       `json:"name"`
	Node          string       `json:"node,omitempty"`
	Phase         string       `json:"phase"`
	OwnerKind     ResourceKind `json:"owner_kind,omitempty"`
	OwnerName     string       `json:"owner_name,omitempty"`
	CPURequest    float64      `json:"cpu_request"`
	MemoryRequest float64      `json:"memory_request"`
	CPU           Series       `json:"cpu,omitempty"`
	Memory        Series       `json:"memory,omitempty"`
}

// Ref returns the pod identity
func (p PodInput) Ref() ResourceRef {
	return ResourceRef{Kind: KindPod, Namespace: p.Namespace, Name: p.Name}
}

// HPAInput is an autoscaler spec plus its replica and utilization history
type HPAInput struct {
	Namespace                string  `json:"namespace"`
	Name                     string  `json:"name"`
	TargetKind               string  `json:"target_kind"`
	TargetName               string  `json:"target_name"`
	MetricType               string  `json:"metric_type"` // cpu or memory
	TargetUtilizationPercent float64 `json:"target_utilization_percent"`
	MinReplicas              int32   `json:"min_replicas"`
	MaxReplicas              int32   `json:"max_replicas"`
	CurrentReplicas          int32   `json:"current_replicas"`
	DesiredReplicas          int32   `json:"desired_replicas"`
	Replicas                 Series  `json:"replicas,omitempty"`
	Utilization              Series  `json:"utilization,omitempty"` // percent of request
}

// Ref returns the autoscaler identity
func (h HPAInput) Ref() ResourceRef {
	return ResourceRef{Kind: KindHPA, Namespace: h.Namespace, Name: h.Name}
}

// NodeInput carries node capacity facts
type NodeInput struct {
	Name              string   `json:"name"`
	CPUAllocatable    float64  `json:"cpu_allocatable"`
	MemoryAllocatable float64  `json:"memory_allocatable"`
	MemoryUsage       *float64 `json:"memory_usage,omitempty"`
}

// Ref returns the node identity
func (n NodeInput) Ref() ResourceRef {
	return ResourceRef{Kind: KindNode, Name: n.Name}
}
