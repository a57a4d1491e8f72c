package correlator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opscart/k8s-utilization-facts/pkg/classifier"
	"github.com/opscart/k8s-utilization-facts/pkg/config"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// Observation types
const (
	TypeCPUOverprovisionedOnFragmentedNode    = "cpu_overprovisioned_on_fragmented_node"
	TypeMemoryOverprovisionedOnFragmentedNode = "memory_overprovisioned_on_fragmented_node"
	TypeMisleadingAutoscalerSignal            = "misleading_autoscaler_signal"
	TypeStrictPDBOnFragmentedNode             = "strict_pdb_on_fragmented_node"
	TypeLargePodCannotMove                    = "large_pod_cannot_move"
)

// Scopes name the layers an observation joins
const (
	ScopeDeploymentNode = "deployment-node"
	ScopeHPADeployment  = "hpa-deployment"
	ScopeNodeCluster    = "node-cluster"
)

// Correlator joins per-resource results into cluster-wide observations.
// It only reads classifications; it never recomputes them.
type Correlator struct {
	thresholds config.Thresholds
}

// New creates a correlator bound to one threshold set
func New(thresholds config.Thresholds) *Correlator {
	return &Correlator{thresholds: thresholds}
}

type index struct {
	deployments map[string]*models.DeploymentAnalysis
	nodes       map[string]*models.NodeAnalysis
}

func buildIndex(deployments []models.DeploymentAnalysis, nodes []models.NodeAnalysis) index {
	idx := index{
		deployments: make(map[string]*models.DeploymentAnalysis, len(deployments)),
		nodes:       make(map[string]*models.NodeAnalysis, len(nodes)),
	}
	for i := range deployments {
		idx.deployments[deployments[i].Resource.Key()] = &deployments[i]
	}
	for i := range nodes {
		if blocked(&nodes[i]) {
			continue
		}
		idx.nodes[nodes[i].Resource.Name] = &nodes[i]
	}
	return idx
}

// blocked nodes have no established fragmentation facts to join on
func blocked(n *models.NodeAnalysis) bool {
	return n.Classification.Rule == classifier.RuleBlockedQuality || !n.Quality.Usable()
}

// Correlate returns observations sorted by scope, type and affected ids
func (c *Correlator) Correlate(deployments []models.DeploymentAnalysis, hpas []models.HPAAnalysis, nodes []models.NodeAnalysis) []models.CrossLayerObservation {
	idx := buildIndex(deployments, nodes)
	observations := []models.CrossLayerObservation{}

	for i := range deployments {
		observations = append(observations, c.deploymentOnFragmentedNodes(&deployments[i], idx)...)
	}
	for i := range hpas {
		if obs, ok := misleadingAutoscaler(&hpas[i], idx); ok {
			observations = append(observations, obs)
		}
	}
	for i := range nodes {
		observations = append(observations, largePodsCannotMove(&nodes[i], nodes)...)
	}

	sort.Slice(observations, func(i, j int) bool {
		a, b := observations[i], observations[j]
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return strings.Join(a.AffectedResourceIDs, ",") < strings.Join(b.AffectedResourceIDs, ",")
	})
	return observations
}

// nodesOf returns the distinct analyzed nodes a deployment runs on, by name
func nodesOf(d *models.DeploymentAnalysis, idx index, match func(*models.NodeAnalysis) bool) []*models.NodeAnalysis {
	seen := map[string]bool{}
	var out []*models.NodeAnalysis
	for _, p := range d.Placements {
		if seen[p.Node] {
			continue
		}
		seen[p.Node] = true
		if n, ok := idx.nodes[p.Node]; ok && match(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource.Name < out[j].Resource.Name })
	return out
}

func joinNodes(deployment models.ResourceRef, nodes []*models.NodeAnalysis) ([]string, []string, []models.Level) {
	ids := []string{deployment.Key()}
	var names []string
	var risks []models.Level
	for _, n := range nodes {
		ids = append(ids, n.Resource.Key())
		names = append(names, n.Resource.Name)
		risks = append(risks, n.Classification.RiskLevel)
	}
	return ids, names, risks
}

func (c *Correlator) deploymentOnFragmentedNodes(d *models.DeploymentAnalysis, idx index) []models.CrossLayerObservation {
	limit := c.thresholds.MaxAcceptableOverprovisionRatio
	var out []models.CrossLayerObservation

	dims := []struct {
		typ        string
		name       string
		ratio      *float64
		fragmented func(models.FragmentationType) bool
	}{
		{TypeCPUOverprovisionedOnFragmentedNode, "cpu", d.Derived.CPUOverprovisionRatio, models.FragmentationType.CPUFragmented},
		{TypeMemoryOverprovisionedOnFragmentedNode, "memory", d.Derived.MemoryOverprovisionRatio, models.FragmentationType.MemoryFragmented},
	}

	if d.Classification.SafeToResize == models.ResizeSafe {
		for _, dim := range dims {
			if dim.ratio == nil || *dim.ratio <= limit {
				continue
			}
			nodes := nodesOf(d, idx, func(n *models.NodeAnalysis) bool { return dim.fragmented(n.Fragmentation.FragmentationType) })
			if len(nodes) == 0 {
				continue
			}
			ids, names, risks := joinNodes(d.Resource, nodes)
			out = append(out, models.CrossLayerObservation{
				Type:                dim.typ,
				Scope:               ScopeDeploymentNode,
				AffectedResourceIDs: ids,
				Description: fmt.Sprintf("%s is safe_to_resize=true with %s_overprovision_ratio %.2f > %.2f and runs on %s-fragmented nodes %s",
					d.Resource.Key(), dim.name, *dim.ratio, limit, dim.name, strings.Join(names, ", ")),
				RiskLevel: models.MaxLevel(append(risks, d.Classification.RiskLevel)...),
				Evidence:  []string{"deployment rule " + d.Classification.Rule},
			})
		}
	}

	if d.Flags.StrictPDB {
		nodes := nodesOf(d, idx, func(n *models.NodeAnalysis) bool {
			t := n.Fragmentation.FragmentationType
			return t.CPUFragmented() || t.MemoryFragmented()
		})
		if len(nodes) > 0 {
			ids, names, risks := joinNodes(d.Resource, nodes)
			out = append(out, models.CrossLayerObservation{
				Type:                TypeStrictPDBOnFragmentedNode,
				Scope:               ScopeDeploymentNode,
				AffectedResourceIDs: ids,
				Description: fmt.Sprintf("%s has a PodDisruptionBudget allowing 0 disruptions and runs on fragmented nodes %s",
					d.Resource.Key(), strings.Join(names, ", ")),
				RiskLevel: models.MaxLevel(append(risks, d.Classification.RiskLevel)...),
			})
		}
	}

	return out
}

func misleadingAutoscaler(h *models.HPAAnalysis, idx index) (models.CrossLayerObservation, bool) {
	if !h.Signals.UtilizationMisleading {
		return models.CrossLayerObservation{}, false
	}
	d, ok := idx.deployments[h.Target.Key()]
	if !ok {
		return models.CrossLayerObservation{}, false
	}

	ratio := "undefined"
	if h.RequestInflationRatio != nil {
		ratio = fmt.Sprintf("%.2f", *h.RequestInflationRatio)
	}
	return models.CrossLayerObservation{
		Type:                TypeMisleadingAutoscalerSignal,
		Scope:               ScopeHPADeployment,
		AffectedResourceIDs: []string{h.Resource.Key(), d.Resource.Key()},
		Description: fmt.Sprintf("%s scales on %s utilization of %s whose request/p95 is %s; target classification safe_to_resize=%s",
			h.Resource.Key(), h.MetricType, d.Resource.Key(), ratio, d.Classification.SafeToResize),
		RiskLevel: models.MaxLevel(h.Classification.RiskLevel, d.Classification.RiskLevel),
		Evidence:  []string{"hpa rule " + h.Classification.Rule, "deployment rule " + d.Classification.Rule},
	}, true
}

// largePodsCannotMove finds large-request pods on a fragmented node whose
// requests fit in no other node's largest free block
func largePodsCannotMove(n *models.NodeAnalysis, all []models.NodeAnalysis) []models.CrossLayerObservation {
	t := n.Fragmentation.FragmentationType
	if blocked(n) || (!t.CPUFragmented() && !t.MemoryFragmented()) {
		return nil
	}

	var out []models.CrossLayerObservation
	for _, pod := range n.Attribution.LargeRequestPods {
		if fitsElsewhere(pod, n.Resource.Name, all) {
			continue
		}
		out = append(out, models.CrossLayerObservation{
			Type:                TypeLargePodCannotMove,
			Scope:               ScopeNodeCluster,
			AffectedResourceIDs: []string{n.Resource.Key(), pod.Pod.Key()},
			Description: fmt.Sprintf("%s on fragmented node %s requests %.3f cpu / %.0f memory, more than the largest free block of every other node",
				pod.Pod.Key(), n.Resource.Name, pod.CPURequest, pod.MemoryRequest),
			RiskLevel: n.Classification.RiskLevel,
		})
	}
	return out
}

func fitsElsewhere(pod models.LargeRequestPod, home string, all []models.NodeAnalysis) bool {
	for i := range all {
		other := &all[i]
		if other.Resource.Name == home || blocked(other) {
			continue
		}
		if pod.CPURequest <= other.Fragmentation.LargestFreeCPUBlock &&
			pod.MemoryRequest <= other.Fragmentation.LargestFreeMemoryBlock {
			return true
		}
	}
	return false
}
