package normalizer

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/opscart/k8s-utilization-facts/pkg/config"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
	"github.com/opscart/k8s-utilization-facts/pkg/stats"
)

// Normalizer turns a raw snapshot into typed, immutable facts
type Normalizer struct {
	thresholds config.Thresholds
}

// New creates a normalizer bound to one threshold set
func New(thresholds config.Thresholds) *Normalizer {
	return &Normalizer{thresholds: thresholds}
}

// Normalize validates the snapshot and derives facts for every resource.
// Malformed input returns an error wrapping models.ErrContractViolation;
// missing or short data is recorded in each resource's ObservationQuality.
func (n *Normalizer) Normalize(snap *models.Snapshot) (*models.Facts, error) {
	if snap == nil {
		return nil, models.Violation("", "snapshot is nil")
	}
	if snap.Window.End.Before(snap.Window.Start) {
		return nil, models.Violation("", "window end %s is before start %s", snap.Window.End, snap.Window.Start)
	}
	if err := validateSnapshot(snap); err != nil {
		return nil, err
	}

	facts := &models.Facts{Window: snap.Window}

	podsByOwner := make(map[string][]models.PodInput)
	podsByNode := make(map[string][]models.PodInput)
	for _, pod := range snap.Pods {
		if pod.OwnerKind != "" && pod.OwnerName != "" {
			owner := models.ResourceRef{Kind: pod.OwnerKind, Namespace: pod.Namespace, Name: pod.OwnerName}
			podsByOwner[owner.Key()] = append(podsByOwner[owner.Key()], pod)
		}
		if pod.Node != "" && isActive(pod.Phase) {
			podsByNode[pod.Node] = append(podsByNode[pod.Node], pod)
		}
	}

	for _, d := range snap.Deployments {
		facts.Deployments = append(facts.Deployments, n.deploymentFacts(d, podsByOwner[d.Ref().Key()]))
	}
	for _, node := range snap.Nodes {
		facts.Nodes = append(facts.Nodes, n.nodeFacts(node, podsByNode[node.Name], snap.Window))
	}
	for _, h := range snap.HPAs {
		facts.HPAs = append(facts.HPAs, n.hpaFacts(h))
	}

	sort.Slice(facts.Deployments, func(i, j int) bool {
		return facts.Deployments[i].Ref.Key() < facts.Deployments[j].Ref.Key()
	})
	sort.Slice(facts.Nodes, func(i, j int) bool {
		return facts.Nodes[i].Ref.Key() < facts.Nodes[j].Ref.Key()
	})
	sort.Slice(facts.HPAs, func(i, j int) bool {
		return facts.HPAs[i].Ref.Key() < facts.HPAs[j].Ref.Key()
	})

	return facts, nil
}

func isActive(phase string) bool {
	return phase != "Succeeded" && phase != "Failed"
}

func (n *Normalizer) deploymentFacts(d models.DeploymentInput, pods []models.PodInput) models.DeploymentFacts {
	sort.Slice(pods, func(i, j int) bool { return pods[i].Name < pods[j].Name })

	f := models.DeploymentFacts{
		Ref:                   d.Ref(),
		Replicas:              d.Replicas,
		CPURequest:            d.CPURequest,
		MemoryRequest:         d.MemoryRequest,
		InitContainers:        d.InitContainers,
		PDBDisruptionsAllowed: d.PDBDisruptionsAllowed,
	}

	var cpuSeries, memSeries []models.Series
	for _, pod := range pods {
		switch pod.Phase {
		case "Running":
			f.RunningPods++
		case "Pending":
			f.PendingPods++
		}
		if pod.Node != "" && isActive(pod.Phase) {
			f.Placements = append(f.Placements, models.PodPlacement{Pod: pod.Ref(), Node: pod.Node})
		}
		if cpu := Clean(pod.CPU); len(cpu) > 0 {
			cpuSeries = append(cpuSeries, cpu)
		}
		if mem := Clean(pod.Memory); len(mem) > 0 {
			memSeries = append(memSeries, mem)
		}
	}

	f.CPUUsage = MeanSeries(cpuSeries)
	f.MemoryUsage = MeanSeries(memSeries)

	var issues []string
	cpuCount, memCount := 0, 0

	if d.CPUPercentiles != nil {
		set := *d.CPUPercentiles
		f.CPU = &set
		cpuCount = d.SampleCount
	} else if values := pooled(cpuSeries); len(values) > 0 {
		set, _ := stats.Percentiles(values)
		if err := set.Validate(); err != nil {
			issues = append(issues, fmt.Sprintf("cpu percentiles from %d samples are inconsistent: %v", len(values), err))
		}
		f.CPU = &set
		cpuCount = len(values)
	}

	if d.MemoryPercentiles != nil {
		set := *d.MemoryPercentiles
		f.Memory = &set
		memCount = d.SampleCount
	} else if values := pooled(memSeries); len(values) > 0 {
		set, _ := stats.Percentiles(values)
		if err := set.Validate(); err != nil {
			issues = append(issues, fmt.Sprintf("memory percentiles from %d samples are inconsistent: %v", len(values), err))
		}
		f.Memory = &set
		memCount = len(values)
	}

	window := math.Max(f.CPUUsage.Duration().Minutes(), f.MemoryUsage.Duration().Minutes())
	if d.CPUPercentiles != nil || d.MemoryPercentiles != nil {
		window = d.WindowMinutes
	}

	f.Quality = models.ObservationQuality{
		HasMetrics:       f.CPU != nil && f.Memory != nil && cpuCount > 0 && memCount > 0,
		HasTraffic:       f.CPU != nil && f.CPU.P100 > 0,
		WindowMinutes:    window,
		SufficientWindow: window >= n.thresholds.MinObservationWindowMinutes,
		SampleCount:      min(cpuCount, memCount),
		Issues:           issues,
	}

	return f
}

func (n *Normalizer) nodeFacts(node models.NodeInput, pods []models.PodInput, window models.Window) models.NodeFacts {
	sort.Slice(pods, func(i, j int) bool { return pods[i].Ref().Key() < pods[j].Ref().Key() })

	f := models.NodeFacts{
		Ref:               node.Ref(),
		CPUAllocatable:    node.CPUAllocatable,
		MemoryAllocatable: node.MemoryAllocatable,
		MemoryUsage:       node.MemoryUsage,
	}

	samples := 0
	seriesWindow := 0.0
	traffic := false

	for _, pod := range pods {
		pf := models.PodFacts{
			Ref:           pod.Ref(),
			Node:          pod.Node,
			OwnerKind:     pod.OwnerKind,
			OwnerName:     pod.OwnerName,
			CPURequest:    pod.CPURequest,
			MemoryRequest: pod.MemoryRequest,
		}
		if cpu := Clean(pod.CPU); len(cpu) > 0 {
			set, _ := stats.Percentiles(cpu.Values())
			pf.CPUP95 = &set.P95
			samples += len(cpu)
			traffic = traffic || set.P100 > 0
			seriesWindow = math.Max(seriesWindow, cpu.Duration().Minutes())
		}
		if mem := Clean(pod.Memory); len(mem) > 0 {
			set, _ := stats.Percentiles(mem.Values())
			pf.MemoryP95 = &set.P95
		}
		f.Pods = append(f.Pods, pf)
	}

	// an explicit snapshot window wins over what the pod series happen to cover
	windowMinutes := window.Minutes()
	if windowMinutes == 0 {
		windowMinutes = seriesWindow
	}

	f.Quality = models.ObservationQuality{
		HasMetrics:       node.CPUAllocatable > 0 && node.MemoryAllocatable > 0,
		HasTraffic:       traffic,
		WindowMinutes:    windowMinutes,
		SufficientWindow: windowMinutes >= n.thresholds.MinObservationWindowMinutes,
		SampleCount:      samples,
	}

	return f
}

func (n *Normalizer) hpaFacts(h models.HPAInput) models.HPAFacts {
	f := models.HPAFacts{
		Ref: h.Ref(),
		Target: models.ResourceRef{
			Kind:      models.ResourceKind(h.TargetKind),
			Namespace: h.Namespace,
			Name:      h.TargetName,
		},
		MetricType:               strings.ToLower(h.MetricType),
		TargetUtilizationPercent: h.TargetUtilizationPercent,
		MinReplicas:              h.MinReplicas,
		MaxReplicas:              h.MaxReplicas,
		CurrentReplicas:          h.CurrentReplicas,
		DesiredReplicas:          h.DesiredReplicas,
	}

	replicas := Clean(h.Replicas)
	if len(replicas) > 0 {
		atMin := 0
		for i, s := range replicas {
			if s.Value == float64(h.MinReplicas) {
				atMin++
			}
			if i > 0 && s.Value != replicas[i-1].Value {
				f.ScaleEvents++
			}
		}
		fraction := float64(atMin) / float64(len(replicas))
		f.TimeAtMinFraction = &fraction
	}

	utilization := Clean(h.Utilization)
	if len(utilization) > 0 {
		values := utilization.Values()
		avg := stats.Average(values)
		max := stats.Max(values)
		f.AvgUtilization = &avg
		f.MaxUtilization = &max
	}

	window := math.Max(replicas.Duration().Minutes(), utilization.Duration().Minutes())
	f.Quality = models.ObservationQuality{
		HasMetrics:       len(utilization) > 0,
		HasTraffic:       f.MaxUtilization != nil && *f.MaxUtilization > 0,
		WindowMinutes:    window,
		SufficientWindow: window >= n.thresholds.MinObservationWindowMinutes,
		SampleCount:      len(utilization),
	}

	return f
}

func pooled(series []models.Series) []float64 {
	var values []float64
	for _, s := range series {
		values = append(values, s.Values()...)
	}
	return values
}
