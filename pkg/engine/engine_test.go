package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscart/k8s-utilization-facts/pkg/config"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func precomputed(name string, cpu, mem models.PercentileSet, window float64, samples int) models.DeploymentInput {
	return models.DeploymentInput{
		Namespace:         "shop",
		Name:              name,
		Replicas:          2,
		CPURequest:        1.0,
		MemoryRequest:     512e6,
		CPUPercentiles:    &cpu,
		MemoryPercentiles: &mem,
		WindowMinutes:     window,
		SampleCount:       samples,
	}
}

var steadyMemory = models.PercentileSet{Avg: 200e6, P95: 300e6, P99: 320e6, P100: 350e6}

func constant(v float64, n int, step time.Duration) models.Series {
	s := make(models.Series, n)
	for i := range s {
		s[i] = models.Sample{Timestamp: t0.Add(time.Duration(i) * step), Value: v}
	}
	return s
}

func find[T any](t *testing.T, items []T, key func(T) string, want string) T {
	t.Helper()
	for _, it := range items {
		if key(it) == want {
			return it
		}
	}
	require.Failf(t, "not found", "%s missing from output", want)
	var zero T
	return zero
}

func deploymentKey(d models.DeploymentAnalysis) string { return d.Resource.Key() }
func nodeKey(n models.NodeAnalysis) string             { return n.Resource.Key() }

func run(t *testing.T, snap *models.Snapshot) *models.Report {
	t.Helper()
	report, err := New(config.DefaultThresholds()).Run(context.Background(), snap)
	require.NoError(t, err)
	return report
}

func TestScenarioOverprovisionedButAcceptable(t *testing.T) {
	snap := &models.Snapshot{Deployments: []models.DeploymentInput{
		precomputed("api", models.PercentileSet{Avg: 0.2, P95: 0.3, P99: 0.35, P100: 0.4}, steadyMemory, 60, 120),
	}}

	d := run(t, snap).DeploymentAnalysis[0]
	require.NotNil(t, d.Derived.CPUOverprovisionRatio)
	assert.InDelta(t, 3.33, *d.Derived.CPUOverprovisionRatio, 0.01)
	assert.Equal(t, models.LevelLow, d.Classification.RiskLevel)
	assert.Equal(t, models.ResizeSafe, d.Classification.SafeToResize)
	assert.False(t, d.Flags.Blocking())
}

func TestScenarioBursty(t *testing.T) {
	snap := &models.Snapshot{Deployments: []models.DeploymentInput{
		precomputed("checkout", models.PercentileSet{Avg: 0.1, P95: 0.2, P99: 0.5, P100: 0.6}, steadyMemory, 60, 120),
	}}

	d := run(t, snap).DeploymentAnalysis[0]
	require.NotNil(t, d.Derived.SpikeRatio)
	assert.InDelta(t, 3.0, *d.Derived.SpikeRatio, 1e-9)
	assert.True(t, d.Flags.Bursty)
	assert.Equal(t, models.ResizePartialOnly, d.Classification.SafeToResize)
	assert.Equal(t, []string{"memory"}, d.Classification.ResizableDimensions)
}

func TestScenarioShortWindowIsReported(t *testing.T) {
	snap := &models.Snapshot{Deployments: []models.DeploymentInput{
		precomputed("batch", models.PercentileSet{Avg: 0.2, P95: 0.3, P99: 0.35, P100: 0.4}, steadyMemory, 7, 120),
	}}

	report := run(t, snap)
	require.Len(t, report.DeploymentAnalysis, 1)
	d := report.DeploymentAnalysis[0]
	assert.True(t, d.Flags.InsufficientWindow)
	assert.Nil(t, d.Derived.CPUOverprovisionRatio)
	assert.Equal(t, models.LevelHigh, d.Classification.RiskLevel)
	assert.Equal(t, models.LevelLow, d.Classification.ConfidenceLevel)
	assert.Equal(t, models.ResizeUnsafe, d.Classification.SafeToResize)
	assert.Equal(t, 1, report.Summary.BlockedCount)
}

func TestScenarioEmptyNodeFragmentationUndefined(t *testing.T) {
	snap := &models.Snapshot{
		Window: models.Window{Start: t0, End: t0.Add(time.Hour)},
		Nodes:  []models.NodeInput{{Name: "node-a", CPUAllocatable: 4, MemoryAllocatable: 16e9}},
	}

	n := run(t, snap).NodeAnalysis[0]
	assert.Nil(t, n.Fragmentation.CPUFragmentation)
	assert.Equal(t, models.FragmentationUndefined, n.Fragmentation.FragmentationType)
	assert.NotEqual(t, models.FragmentationNone, n.Fragmentation.FragmentationType)
	assert.Equal(t, models.LevelLow, n.Classification.ConfidenceLevel)
}

func TestScenarioMinReplicaPressure(t *testing.T) {
	replicas := constant(2, 97, 15*time.Minute)
	for i := 92; i < len(replicas); i++ {
		replicas[i].Value = 3
	}

	snap := &models.Snapshot{HPAs: []models.HPAInput{{
		Namespace:                "shop",
		Name:                     "api",
		TargetKind:               "Deployment",
		TargetName:               "api",
		MetricType:               "cpu",
		TargetUtilizationPercent: 50,
		MinReplicas:              2,
		MaxReplicas:              10,
		CurrentReplicas:          2,
		DesiredReplicas:          2,
		Replicas:                 replicas,
		Utilization:              constant(10, 97, 15*time.Minute),
	}}}

	h := run(t, snap).HPAAnalysis[0]
	require.NotNil(t, h.TimeAtMinFraction)
	assert.InDelta(t, 92.0/97.0, *h.TimeAtMinFraction, 1e-9)
	assert.True(t, h.Signals.MinReplicaPressure)
	assert.Equal(t, models.ResizePartialOnly, h.Classification.SafeToResize)
}

func correlatedSnapshot() *models.Snapshot {
	return &models.Snapshot{
		Window: models.Window{Start: t0, End: t0.Add(19 * time.Minute)},
		Deployments: []models.DeploymentInput{
			{Namespace: "shop", Name: "api", Replicas: 1, CPURequest: 2, MemoryRequest: 1e9},
			{Namespace: "shop", Name: "worker", Replicas: 1, CPURequest: 0.5, MemoryRequest: 1e9},
		},
		Pods: []models.PodInput{
			{
				Namespace: "shop", Name: "api-1", Node: "node-a", Phase: "Running",
				OwnerKind: models.KindDeployment, OwnerName: "api",
				CPURequest: 2, MemoryRequest: 1e9,
				CPU: constant(0.25, 20, time.Minute), Memory: constant(0.8e9, 20, time.Minute),
			},
			{
				Namespace: "shop", Name: "worker-1", Node: "node-b", Phase: "Running",
				OwnerKind: models.KindDeployment, OwnerName: "worker",
				CPURequest: 0.5, MemoryRequest: 1e9,
				CPU: constant(0.4, 20, time.Minute), Memory: constant(0.9e9, 20, time.Minute),
			},
		},
		Nodes: []models.NodeInput{
			{Name: "node-b", CPUAllocatable: 4, MemoryAllocatable: 16e9},
			{Name: "node-a", CPUAllocatable: 4, MemoryAllocatable: 16e9},
		},
	}
}

func TestCorrelatesOverprovisionedDeploymentWithFragmentedNode(t *testing.T) {
	report := run(t, correlatedSnapshot())

	api := find(t, report.DeploymentAnalysis, deploymentKey, "Deployment/shop/api")
	assert.Equal(t, "overprovisioned", api.Classification.Rule)
	assert.Equal(t, models.ResizeSafe, api.Classification.SafeToResize)
	assert.True(t, api.SingleReplica)
	assert.Equal(t, 1, api.RunningPods)

	node := find(t, report.NodeAnalysis, nodeKey, "Node/node-a")
	assert.Equal(t, models.FragmentationCPU, node.Fragmentation.FragmentationType)

	require.Len(t, report.CrossLayerObservations, 1)
	obs := report.CrossLayerObservations[0]
	assert.Equal(t, "cpu_overprovisioned_on_fragmented_node", obs.Type)
	assert.Equal(t, []string{"Deployment/shop/api", "Node/node-a"}, obs.AffectedResourceIDs)
	assert.Equal(t, models.LevelMedium, obs.RiskLevel)
	assert.Equal(t, 1, report.Summary.ObservationCount)
}

func TestShortWindowNodeIsNotCorrelated(t *testing.T) {
	snap := &models.Snapshot{
		Window: models.Window{Start: t0, End: t0.Add(7 * time.Minute)},
		Deployments: []models.DeploymentInput{
			precomputed("api", models.PercentileSet{Avg: 0.08, P95: 0.1, P99: 0.12, P100: 0.15}, steadyMemory, 60, 120),
		},
		Pods: []models.PodInput{{
			Namespace: "shop", Name: "api-1", Node: "node-a", Phase: "Running",
			OwnerKind: models.KindDeployment, OwnerName: "api",
			CPURequest: 1, MemoryRequest: 512e6,
			CPU: constant(0.1, 8, time.Minute), Memory: constant(300e6, 8, time.Minute),
		}},
		Nodes: []models.NodeInput{{Name: "node-a", CPUAllocatable: 4, MemoryAllocatable: 16e9}},
	}

	report := run(t, snap)

	api := find(t, report.DeploymentAnalysis, deploymentKey, "Deployment/shop/api")
	require.NotNil(t, api.Derived.CPUOverprovisionRatio)
	assert.InDelta(t, 10.0, *api.Derived.CPUOverprovisionRatio, 1e-9)
	assert.Equal(t, models.ResizeSafe, api.Classification.SafeToResize)

	node := find(t, report.NodeAnalysis, nodeKey, "Node/node-a")
	assert.True(t, node.Flags.InsufficientWindow)
	assert.Equal(t, "blocked_quality", node.Classification.Rule)
	assert.Equal(t, models.FragmentationUndefined, node.Fragmentation.FragmentationType)
	assert.Nil(t, node.Fragmentation.CPUFragmentation)
	assert.Nil(t, node.Fragmentation.PackingEfficiency)

	assert.Empty(t, report.CrossLayerObservations)
}

func TestOutputIsSortedAndReproducible(t *testing.T) {
	first := run(t, correlatedSnapshot())

	shuffled := correlatedSnapshot()
	shuffled.Deployments[0], shuffled.Deployments[1] = shuffled.Deployments[1], shuffled.Deployments[0]
	shuffled.Pods[0], shuffled.Pods[1] = shuffled.Pods[1], shuffled.Pods[0]
	second, err := New(config.DefaultThresholds(), WithWorkers(1)).Run(context.Background(), shuffled)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	assert.Equal(t, "Node/node-a", first.NodeAnalysis[0].Resource.Key())
	assert.Equal(t, "Node/node-b", first.NodeAnalysis[1].Resource.Key())
}

func TestRunRejectsInvalidThresholds(t *testing.T) {
	th := config.DefaultThresholds()
	th.MaxAcceptableOverprovisionRatio = 0

	_, err := New(th).Run(context.Background(), &models.Snapshot{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestRunRejectsContractViolation(t *testing.T) {
	snap := &models.Snapshot{Pods: []models.PodInput{{Namespace: "shop", Name: "p", Node: "ghost"}}}

	_, err := New(config.DefaultThresholds()).Run(context.Background(), snap)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrContractViolation)
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(config.DefaultThresholds()).Run(ctx, correlatedSnapshot())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmptySnapshot(t *testing.T) {
	report := run(t, &models.Snapshot{})

	assert.Empty(t, report.DeploymentAnalysis)
	assert.NotNil(t, report.CrossLayerObservations)
	assert.Equal(t, 0, report.Summary.RiskCounts[models.LevelHigh])
}

func TestRunRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	snap := correlatedSnapshot()
	snap.Deployments = append(snap.Deployments,
		precomputed("batch", models.PercentileSet{Avg: 0.2, P95: 0.3, P99: 0.35, P100: 0.4}, steadyMemory, 7, 120))

	_, err := New(config.DefaultThresholds(), WithMetrics(m)).Run(context.Background(), snap)
	require.NoError(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ResourcesAnalyzed.WithLabelValues("Deployment")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResourcesAnalyzed.WithLabelValues("Node")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResourcesBlocked.WithLabelValues("Deployment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ObservationsEmitted))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RunsFailed))

	_, err = New(config.DefaultThresholds(), WithMetrics(m)).Run(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsFailed))
}
