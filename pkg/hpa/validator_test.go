package hpa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscart/k8s-utilization-facts/pkg/config"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

func f64(v float64) *float64 { return &v }

func hpaFacts(windowMinutes float64) models.HPAFacts {
	return models.HPAFacts{
		Ref:                      models.ResourceRef{Kind: models.KindHPA, Namespace: "shop", Name: "api"},
		Target:                   models.ResourceRef{Kind: models.KindDeployment, Namespace: "shop", Name: "api"},
		MetricType:               "cpu",
		TargetUtilizationPercent: 50,
		MinReplicas:              2,
		MaxReplicas:              10,
		CurrentReplicas:          4,
		DesiredReplicas:          4,
		TimeAtMinFraction:        f64(0.2),
		ScaleEvents:              6,
		AvgUtilization:           f64(45),
		MaxUtilization:           f64(70),
		Quality: models.ObservationQuality{
			HasMetrics: true, HasTraffic: true, WindowMinutes: windowMinutes, SufficientWindow: true, SampleCount: 288,
		},
	}
}

func target(cpuRequest, cpuP95 float64) *models.DeploymentFacts {
	return &models.DeploymentFacts{
		Ref:           models.ResourceRef{Kind: models.KindDeployment, Namespace: "shop", Name: "api"},
		CPURequest:    cpuRequest,
		MemoryRequest: 1e9,
		CPU:           &models.PercentileSet{Avg: cpuP95 / 2, P95: cpuP95, P99: cpuP95, P100: cpuP95},
		Memory:        &models.PercentileSet{Avg: 3e8, P95: 4e8, P99: 4e8, P100: 4e8},
		Quality:       models.ObservationQuality{HasMetrics: true, WindowMinutes: 1440, SufficientWindow: true, SampleCount: 288},
	}
}

func TestMinReplicaPressure(t *testing.T) {
	v := NewValidator(config.DefaultThresholds())

	f := hpaFacts(1440)
	f.CurrentReplicas = 2
	f.TimeAtMinFraction = f64(0.95)
	f.AvgUtilization = f64(10)
	f.MaxUtilization = f64(20)

	r := v.Validate(f, target(1, 0.5))
	assert.True(t, r.Signals.MinReplicaPressure)
	assert.True(t, r.Signals.AtMinReplicas)
	assert.False(t, r.Signals.IneffectiveAutoscaling)
}

func TestNoMinReplicaPressureWhenBusy(t *testing.T) {
	v := NewValidator(config.DefaultThresholds())

	f := hpaFacts(1440)
	f.TimeAtMinFraction = f64(0.95)
	f.AvgUtilization = f64(40)

	r := v.Validate(f, target(1, 0.5))
	assert.False(t, r.Signals.MinReplicaPressure)
}

func TestUtilizationMisleading(t *testing.T) {
	v := NewValidator(config.DefaultThresholds())

	r := v.Validate(hpaFacts(1440), target(2, 0.25))
	assert.True(t, r.Signals.UtilizationMisleading)
	require.NotNil(t, r.RequestInflationRatio)
	assert.InDelta(t, 8.0, *r.RequestInflationRatio, 1e-9)
	assert.Contains(t, r.Evidence, "utilization_misleading: target cpu request/p95 = 8.00 > threshold 2.00")

	r = v.Validate(hpaFacts(1440), target(1, 0.6))
	assert.False(t, r.Signals.UtilizationMisleading)
}

func TestUtilizationMisleadingWithoutTarget(t *testing.T) {
	v := NewValidator(config.DefaultThresholds())

	r := v.Validate(hpaFacts(1440), nil)
	assert.False(t, r.Signals.UtilizationMisleading)
	assert.Nil(t, r.RequestInflationRatio)
	assert.Contains(t, r.Evidence, "utilization_misleading not evaluated: scale target Deployment/shop/api not found")
}

func TestIneffectiveAutoscaling(t *testing.T) {
	v := NewValidator(config.DefaultThresholds())

	f := hpaFacts(1440)
	f.ScaleEvents = 0
	f.MaxUtilization = f64(90)

	r := v.Validate(f, target(1, 0.6))
	assert.True(t, r.Signals.IneffectiveAutoscaling)

	// a short window never proves ineffective scaling
	short := hpaFacts(600)
	short.ScaleEvents = 0
	short.MaxUtilization = f64(90)
	r = v.Validate(short, target(1, 0.6))
	assert.False(t, r.Signals.IneffectiveAutoscaling)
}

func TestIneffectiveAutoscalingSkippedWhenCapped(t *testing.T) {
	v := NewValidator(config.DefaultThresholds())

	atMax := hpaFacts(1440)
	atMax.ScaleEvents = 0
	atMax.CurrentReplicas, atMax.DesiredReplicas = 10, 10
	atMax.MaxUtilization = f64(95)

	r := v.Validate(atMax, target(1, 0.6))
	assert.True(t, r.Signals.AtMaxReplicas)
	assert.False(t, r.Signals.IneffectiveAutoscaling)
	assert.Contains(t, r.Evidence, "ineffective_autoscaling not evaluated: replicas capped at 10 (range 2..10)")

	pinned := hpaFacts(1440)
	pinned.ScaleEvents = 0
	pinned.MinReplicas, pinned.MaxReplicas = 4, 4
	pinned.MaxUtilization = f64(95)

	r = v.Validate(pinned, target(1, 0.6))
	assert.False(t, r.Signals.IneffectiveAutoscaling)
}

func TestScalingStateSignals(t *testing.T) {
	v := NewValidator(config.DefaultThresholds())

	tests := []struct {
		name             string
		current, desired int32
		expect           models.HPASignals
		evidence         string
	}{
		{"settled", 4, 4, models.HPASignals{}, ""},
		{"beyond max", 10, 12, models.HPASignals{AtMaxReplicas: true, ScalingBeyondMax: true}, "scaling_beyond_max: desired 12 > maxReplicas 10"},
		{"below min", 2, 1, models.HPASignals{AtMinReplicas: true, ScalingBelowMin: true}, "scaling_below_min: desired 1 < minReplicas 2"},
		{"up pending", 4, 6, models.HPASignals{ScalingUpPending: true}, "scaling_up_pending: current 4 < desired 6"},
		{"down in progress", 6, 3, models.HPASignals{ScalingDownInProgress: true}, "scaling_down_in_progress: current 6 > desired 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := hpaFacts(1440)
			f.CurrentReplicas, f.DesiredReplicas = tt.current, tt.desired

			r := v.Validate(f, target(1, 0.6))
			assert.Equal(t, tt.expect, r.Signals)
			if tt.evidence != "" {
				assert.Contains(t, r.Evidence, tt.evidence)
			}
		})
	}
}

func TestConfigSignals(t *testing.T) {
	v := NewValidator(config.DefaultThresholds())

	f := hpaFacts(1440)
	f.MinReplicas, f.MaxReplicas, f.CurrentReplicas = 3, 4, 4
	r := v.Validate(f, target(1, 0.6))
	assert.True(t, r.Signals.AtMaxReplicas)
	assert.True(t, r.Signals.LimitedScalingRange)
	assert.False(t, r.Signals.InvalidConfig)

	f.MinReplicas, f.MaxReplicas = 5, 2
	r = v.Validate(f, target(1, 0.6))
	assert.True(t, r.Signals.InvalidConfig)
	assert.False(t, r.Signals.AtMaxReplicas)
	assert.Contains(t, r.Evidence, "invalid_config: minReplicas 5 > maxReplicas 2")
}

func TestMemoryBoundCPUScaled(t *testing.T) {
	v := NewValidator(config.DefaultThresholds())

	tgt := target(1, 0.1)
	tgt.Memory = &models.PercentileSet{Avg: 9e8, P95: 9.5e8, P99: 9.8e8, P100: 9.9e8}

	r := v.Validate(hpaFacts(1440), tgt)
	assert.True(t, r.Signals.MemoryBoundCPUScaled)
}

func TestBlockedQualitySkipsSignals(t *testing.T) {
	v := NewValidator(config.DefaultThresholds())

	f := hpaFacts(5)
	f.Quality.SufficientWindow = false
	f.TimeAtMinFraction = f64(1)
	f.AvgUtilization = f64(1)

	r := v.Validate(f, target(4, 0.1))
	assert.True(t, r.Flags.InsufficientWindow)
	assert.False(t, r.Signals.MinReplicaPressure)
	assert.False(t, r.Signals.UtilizationMisleading)
}
