package models

import "time"

// ResourceKind identifies the Kubernetes object type a fact refers to
type ResourceKind string

const (
	KindDeployment ResourceKind = "Deployment"
	KindHPA        ResourceKind = "HorizontalPodAutoscaler"
	KindNode       ResourceKind = "Node"
	KindPod        ResourceKind = "Pod"
	KindDaemonSet  ResourceKind = "DaemonSet"
)

// ResourceRef is the stable identity of a resource within one run.
// Analysis results reference each other through refs, never pointers.
type ResourceRef struct {
	Kind      ResourceKind `json:"kind"`
	Namespace string       `json:"namespace,omitempty"`
	Name      string       `json:"name"`
}

// Key returns the canonical sort and join key of the resource
func (r ResourceRef) Key() string {
	if r.Namespace == "" {
		return string(r.Kind) + "/" + r.Name
	}
	return string(r.Kind) + "/" + r.Namespace + "/" + r.Name
}

func (r ResourceRef) String() string {
	return r.Key()
}

// Sample represents a single metric sample
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series is an ordered list of samples for one metric of one resource
type Series []Sample

// Values returns the raw sample values in series order
func (s Series) Values() []float64 {
	values := make([]float64, len(s))
	for i, sample := range s {
		values[i] = sample.Value
	}
	return values
}

// Duration is the time covered between the first and last sample
func (s Series) Duration() time.Duration {
	if len(s) < 2 {
		return 0
	}
	return s[len(s)-1].Timestamp.Sub(s[0].Timestamp)
}
