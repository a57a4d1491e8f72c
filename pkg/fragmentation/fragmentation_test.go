package fragmentation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscart/k8s-utilization-facts/pkg/config"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

func f64(v float64) *float64 { return &v }

func pod(name string, cpuReq, memReq float64, cpuP95, memP95 *float64) models.PodFacts {
	return models.PodFacts{
		Ref:           models.ResourceRef{Kind: models.KindPod, Namespace: "shop", Name: name},
		Node:          "node-a",
		OwnerKind:     models.KindDeployment,
		OwnerName:     "api",
		CPURequest:    cpuReq,
		MemoryRequest: memReq,
		CPUP95:        cpuP95,
		MemoryP95:     memP95,
	}
}

func node(pods ...models.PodFacts) models.NodeFacts {
	return models.NodeFacts{
		Ref:               models.ResourceRef{Kind: models.KindNode, Name: "node-a"},
		CPUAllocatable:    4,
		MemoryAllocatable: 16e9,
		Pods:              pods,
		Quality:           models.ObservationQuality{HasMetrics: true, HasTraffic: true, WindowMinutes: 60, SufficientWindow: true, SampleCount: 100},
	}
}

func TestAnalyzeNodeCPUFragmented(t *testing.T) {
	a := NewAnalyzer(config.DefaultThresholds())

	r := a.AnalyzeNode(node(
		pod("a", 1, 4e9, f64(0.1), f64(3.5e9)),
		pod("b", 1, 4e9, f64(0.2), f64(3.5e9)),
	))

	frag := r.Fragmentation
	require.NotNil(t, frag.CPUFragmentation)
	assert.InDelta(t, 0.85, *frag.CPUFragmentation, 1e-9)
	require.NotNil(t, frag.MemoryFragmentation)
	assert.InDelta(t, 0.125, *frag.MemoryFragmentation, 1e-9)
	assert.Equal(t, models.FragmentationCPU, frag.FragmentationType)

	assert.InDelta(t, 2.0, frag.LargestFreeCPUBlock, 1e-9)
	assert.InDelta(t, 8e9, frag.LargestFreeMemoryBlock, 1)
	assert.Equal(t, 2.0, r.CPURequested)
}

func TestAnalyzeNodeZeroCPURequestsIsUndefined(t *testing.T) {
	a := NewAnalyzer(config.DefaultThresholds())

	r := a.AnalyzeNode(node(
		pod("a", 0, 4e9, f64(0.1), f64(3.5e9)),
		pod("b", 0, 4e9, f64(0.2), f64(3.5e9)),
	))

	assert.Nil(t, r.Fragmentation.CPUFragmentation)
	assert.Equal(t, models.FragmentationUndefined, r.Fragmentation.FragmentationType)
	assert.NotEqual(t, models.FragmentationNone, r.Fragmentation.FragmentationType)
	assert.Contains(t, r.Evidence, "cpu_fragmentation undefined: no cpu requests on sampled pods")
}

func TestAnalyzeNodeMemoryFragmentedWithUndefinedCPU(t *testing.T) {
	a := NewAnalyzer(config.DefaultThresholds())

	r := a.AnalyzeNode(node(
		pod("a", 0, 4e9, f64(0.1), f64(1e9)),
	))

	assert.Nil(t, r.Fragmentation.CPUFragmentation)
	assert.Equal(t, models.FragmentationMemory, r.Fragmentation.FragmentationType)
	assert.False(t, r.Fragmentation.FragmentationType.CPUFragmented())
}

func TestAnalyzeNodeNotFragmented(t *testing.T) {
	a := NewAnalyzer(config.DefaultThresholds())

	r := a.AnalyzeNode(node(
		pod("a", 1, 4e9, f64(0.8), f64(3.5e9)),
	))

	assert.Equal(t, models.FragmentationNone, r.Fragmentation.FragmentationType)
}

func TestAnalyzeNodeFragmentationBoundary(t *testing.T) {
	a := NewAnalyzer(config.DefaultThresholds())

	// exactly at the threshold is not fragmented
	r := a.AnalyzeNode(node(
		pod("a", 1, 4e9, f64(0.5), f64(2e9)),
	))

	assert.InDelta(t, 0.5, *r.Fragmentation.CPUFragmentation, 1e-9)
	assert.Equal(t, models.FragmentationNone, r.Fragmentation.FragmentationType)
}

func TestAnalyzeNodeUnsampledPodsExcluded(t *testing.T) {
	a := NewAnalyzer(config.DefaultThresholds())

	r := a.AnalyzeNode(node(
		pod("a", 1, 4e9, f64(0.8), f64(3.5e9)),
		pod("b", 2, 4e9, nil, nil),
	))

	assert.InDelta(t, 0.2, *r.Fragmentation.CPUFragmentation, 1e-9)
	assert.Equal(t, 3.0, r.CPURequested)
	assert.InDelta(t, 1.0, r.Fragmentation.LargestFreeCPUBlock, 1e-9)
}

func TestPackingEfficiency(t *testing.T) {
	a := NewAnalyzer(config.DefaultThresholds())

	n := node(pod("a", 1, 4e9, f64(0.4), f64(2e9)))
	usage := 10e9
	n.MemoryUsage = &usage

	r := a.AnalyzeNode(n)
	require.NotNil(t, r.Fragmentation.PackingEfficiency)
	// 0.5*0.4/4 + 0.5*10/16
	assert.InDelta(t, 0.3625, *r.Fragmentation.PackingEfficiency, 1e-9)
	assert.False(t, r.Fragmentation.LowEfficiency)

	n.MemoryUsage = nil
	r = a.AnalyzeNode(n)
	// falls back to Σ pod memory p95: 0.5*0.1 + 0.5*0.125
	assert.InDelta(t, 0.1125, *r.Fragmentation.PackingEfficiency, 1e-9)
	assert.True(t, r.Fragmentation.LowEfficiency)
}

func TestAnalyzeNodeMissingCapacity(t *testing.T) {
	a := NewAnalyzer(config.DefaultThresholds())

	n := node(pod("a", 1, 4e9, f64(0.4), f64(2e9)))
	n.CPUAllocatable = 0
	n.Quality.HasMetrics = false

	r := a.AnalyzeNode(n)
	assert.Equal(t, models.FragmentationUndefined, r.Fragmentation.FragmentationType)
	assert.Nil(t, r.Fragmentation.PackingEfficiency)
	assert.Nil(t, r.Fragmentation.CPUFragmentation)
}

func TestAnalyzeNodeShortWindowIsUndefined(t *testing.T) {
	a := NewAnalyzer(config.DefaultThresholds())

	n := node(pod("a", 3.5, 4e9, f64(0.2), f64(2e9)))
	n.Quality.WindowMinutes = 7
	n.Quality.SufficientWindow = false

	r := a.AnalyzeNode(n)
	assert.Equal(t, models.FragmentationUndefined, r.Fragmentation.FragmentationType)
	assert.Nil(t, r.Fragmentation.CPUFragmentation)
	assert.Nil(t, r.Fragmentation.MemoryFragmentation)
	assert.Nil(t, r.Fragmentation.PackingEfficiency)
	assert.Zero(t, r.Fragmentation.LargestFreeCPUBlock)
	assert.Empty(t, r.Attribution.LargeRequestPods)
	assert.Equal(t, 3.5, r.CPURequested)
	assert.Contains(t, r.Evidence, "fragmentation not evaluated: observed 7.0m < minimum 10.0m")
}

func TestAttribution(t *testing.T) {
	a := NewAnalyzer(config.DefaultThresholds())

	big := pod("big", 3, 2e9, f64(1), f64(1e9))
	ds1 := pod("fluentd-x", 0.5, 1e9, f64(0.1), f64(5e8))
	ds1.OwnerKind, ds1.OwnerName = models.KindDaemonSet, "fluentd"
	ds2 := pod("node-exporter-x", 0.2, 5e8, f64(0.05), f64(1e8))
	ds2.OwnerKind, ds2.OwnerName = models.KindDaemonSet, "node-exporter"

	r := a.AnalyzeNode(node(big, ds1, ds2))

	require.Len(t, r.Attribution.LargeRequestPods, 1)
	assert.Equal(t, "Pod/shop/big", r.Attribution.LargeRequestPods[0].Pod.Key())
	assert.InDelta(t, 75.0, r.Attribution.LargeRequestPods[0].CPUPercentOfNode, 1e-9)

	ds := r.Attribution.DaemonSetOverhead
	assert.InDelta(t, 0.7, ds.CPURequest, 1e-9)
	assert.InDelta(t, 17.5, ds.CPUPercent, 1e-9)
	assert.True(t, ds.Significant)
	assert.Equal(t, []string{"shop/fluentd", "shop/node-exporter"}, ds.Contributors)
}
