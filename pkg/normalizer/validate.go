package normalizer

import (
	"math"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

func badNumber(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0) || v < 0
}

// validateSnapshot enforces the input contract. Any violation aborts the run.
func validateSnapshot(snap *models.Snapshot) error {
	nodes := make(map[string]bool, len(snap.Nodes))
	for _, node := range snap.Nodes {
		if node.Name == "" {
			return models.Violation("Node", "name is empty")
		}
		key := node.Ref().Key()
		if nodes[node.Name] {
			return models.Violation(key, "duplicate node")
		}
		nodes[node.Name] = true

		if badNumber(node.CPUAllocatable) {
			return models.Violation(key, "cpu allocatable %g is not a non-negative number", node.CPUAllocatable)
		}
		if badNumber(node.MemoryAllocatable) {
			return models.Violation(key, "memory allocatable %g is not a non-negative number", node.MemoryAllocatable)
		}
		if node.MemoryUsage != nil && badNumber(*node.MemoryUsage) {
			return models.Violation(key, "memory usage %g is not a non-negative number", *node.MemoryUsage)
		}
	}

	seen := make(map[string]bool)
	for _, d := range snap.Deployments {
		key := d.Ref().Key()
		if d.Name == "" || d.Namespace == "" {
			return models.Violation(key, "namespace and name are required")
		}
		if seen[key] {
			return models.Violation(key, "duplicate deployment")
		}
		seen[key] = true

		if d.Replicas < 0 {
			return models.Violation(key, "replicas %d is negative", d.Replicas)
		}
		if badNumber(d.CPURequest) {
			return models.Violation(key, "cpu request %g is not a non-negative number", d.CPURequest)
		}
		if badNumber(d.MemoryRequest) {
			return models.Violation(key, "memory request %g is not a non-negative number", d.MemoryRequest)
		}
		if d.InitContainers < 0 {
			return models.Violation(key, "init container count %d is negative", d.InitContainers)
		}
		if badNumber(d.WindowMinutes) || d.SampleCount < 0 {
			return models.Violation(key, "window minutes %g and sample count %d must be non-negative", d.WindowMinutes, d.SampleCount)
		}
		if d.CPUPercentiles != nil {
			if err := d.CPUPercentiles.Validate(); err != nil {
				return models.Violation(key, "cpu percentiles: %v", err)
			}
		}
		if d.MemoryPercentiles != nil {
			if err := d.MemoryPercentiles.Validate(); err != nil {
				return models.Violation(key, "memory percentiles: %v", err)
			}
		}
	}

	for _, pod := range snap.Pods {
		key := pod.Ref().Key()
		if pod.Name == "" || pod.Namespace == "" {
			return models.Violation(key, "namespace and name are required")
		}
		if seen[key] {
			return models.Violation(key, "duplicate pod")
		}
		seen[key] = true

		if pod.Node != "" && !nodes[pod.Node] {
			return models.Violation(key, "scheduled on unknown node %q", pod.Node)
		}
		if badNumber(pod.CPURequest) {
			return models.Violation(key, "cpu request %g is not a non-negative number", pod.CPURequest)
		}
		if badNumber(pod.MemoryRequest) {
			return models.Violation(key, "memory request %g is not a non-negative number", pod.MemoryRequest)
		}
	}

	for _, h := range snap.HPAs {
		key := h.Ref().Key()
		if h.Name == "" || h.Namespace == "" {
			return models.Violation(key, "namespace and name are required")
		}
		if seen[key] {
			return models.Violation(key, "duplicate autoscaler")
		}
		seen[key] = true

		if h.TargetName == "" {
			return models.Violation(key, "scale target is empty")
		}
		if h.MinReplicas < 0 || h.MaxReplicas < 0 {
			return models.Violation(key, "replica bounds %d..%d must be non-negative", h.MinReplicas, h.MaxReplicas)
		}
		if badNumber(h.TargetUtilizationPercent) {
			return models.Violation(key, "target utilization %g is not a non-negative number", h.TargetUtilizationPercent)
		}
	}

	return nil
}
