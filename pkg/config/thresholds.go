package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// Thresholds are every tunable the engine compares facts against.
// The engine never falls back to a built-in value: a zero field is invalid.
type Thresholds struct {
	MinObservationWindowMinutes     float64 `yaml:"min_observation_window_minutes"`
	CPUBurstRatioThreshold          float64 `yaml:"cpu_burst_ratio_threshold"`
	MemoryGrowthThresholdPercent    float64 `yaml:"memory_growth_threshold_percent"`
	MaxAcceptableOverprovisionRatio float64 `yaml:"max_acceptable_overprovision_ratio"`
	MinRobustSamples                int     `yaml:"min_robust_samples"`
	GrowthSubWindows                int     `yaml:"growth_sub_windows"`
	StartupWindowMinutes            float64 `yaml:"startup_window_minutes"`
	MemoryBurstRatioThreshold       float64 `yaml:"memory_burst_ratio_threshold"`

	IdleCPUCores             float64 `yaml:"idle_cpu_cores"`
	IdleMemoryBytes          float64 `yaml:"idle_memory_bytes"`
	UnderutilizedCPUCores    float64 `yaml:"underutilized_cpu_cores"`
	UnderutilizedMemoryBytes float64 `yaml:"underutilized_memory_bytes"`

	HighFragmentationThreshold        float64 `yaml:"high_fragmentation_threshold"`
	LowEfficiencyThreshold            float64 `yaml:"low_efficiency_threshold"`
	LargePodRequestPercent            float64 `yaml:"large_pod_request_percent"`
	DaemonSetOverheadThresholdPercent float64 `yaml:"daemonset_overhead_threshold_percent"`

	HPARequestInflationRatio  float64 `yaml:"hpa_request_inflation_ratio"`
	HPAMinPressureFraction    float64 `yaml:"hpa_min_pressure_fraction"`
	HPALowUtilizationFraction float64 `yaml:"hpa_low_utilization_fraction"`
	HPAIneffectiveWindowHours float64 `yaml:"hpa_ineffective_window_hours"`
	LowCPUUsageRatio          float64 `yaml:"low_cpu_usage_ratio"`
	HighMemoryPressureRatio   float64 `yaml:"high_memory_pressure_ratio"`

	JVMDropPercent float64 `yaml:"jvm_drop_percent"`
	JVMMinCycles   int     `yaml:"jvm_min_cycles"`
}

// DefaultThresholds returns the values used when no environment override is set
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinObservationWindowMinutes:     10,
		CPUBurstRatioThreshold:          2.0,
		MemoryGrowthThresholdPercent:    10,
		MaxAcceptableOverprovisionRatio: 5.0,
		MinRobustSamples:                30,
		GrowthSubWindows:                4,
		StartupWindowMinutes:            5,
		MemoryBurstRatioThreshold:       2.0,

		IdleCPUCores:             0.001,
		IdleMemoryBytes:          10_000_000,
		UnderutilizedCPUCores:    0.1,
		UnderutilizedMemoryBytes: 100_000_000,

		HighFragmentationThreshold:        0.5,
		LowEfficiencyThreshold:            0.3,
		LargePodRequestPercent:            50,
		DaemonSetOverheadThresholdPercent: 10,

		HPARequestInflationRatio:  2.0,
		HPAMinPressureFraction:    0.5,
		HPALowUtilizationFraction: 0.5,
		HPAIneffectiveWindowHours: 24,
		LowCPUUsageRatio:          0.2,
		HighMemoryPressureRatio:   0.9,

		JVMDropPercent: 20,
		JVMMinCycles:   2,
	}
}

type bound struct {
	key     string
	value   float64
	min     float64
	max     float64
	minIncl bool
}

// Validate reports every missing or out-of-range threshold at once
func (t Thresholds) Validate() error {
	inf := math.Inf(1)
	bounds := []bound{
		{"min_observation_window_minutes", t.MinObservationWindowMinutes, 0, inf, false},
		{"cpu_burst_ratio_threshold", t.CPUBurstRatioThreshold, 1, inf, true},
		{"memory_growth_threshold_percent", t.MemoryGrowthThresholdPercent, 0, inf, false},
		{"max_acceptable_overprovision_ratio", t.MaxAcceptableOverprovisionRatio, 1, inf, true},
		{"min_robust_samples", float64(t.MinRobustSamples), 1, inf, true},
		{"growth_sub_windows", float64(t.GrowthSubWindows), 2, inf, true},
		{"startup_window_minutes", t.StartupWindowMinutes, 0, inf, false},
		{"memory_burst_ratio_threshold", t.MemoryBurstRatioThreshold, 1, inf, true},
		{"idle_cpu_cores", t.IdleCPUCores, 0, inf, false},
		{"idle_memory_bytes", t.IdleMemoryBytes, 0, inf, false},
		{"underutilized_cpu_cores", t.UnderutilizedCPUCores, 0, inf, false},
		{"underutilized_memory_bytes", t.UnderutilizedMemoryBytes, 0, inf, false},
		{"high_fragmentation_threshold", t.HighFragmentationThreshold, 0, 1, false},
		{"low_efficiency_threshold", t.LowEfficiencyThreshold, 0, 1, false},
		{"large_pod_request_percent", t.LargePodRequestPercent, 0, 100, false},
		{"daemonset_overhead_threshold_percent", t.DaemonSetOverheadThresholdPercent, 0, 100, false},
		{"hpa_request_inflation_ratio", t.HPARequestInflationRatio, 1, inf, true},
		{"hpa_min_pressure_fraction", t.HPAMinPressureFraction, 0, 1, false},
		{"hpa_low_utilization_fraction", t.HPALowUtilizationFraction, 0, 1, false},
		{"hpa_ineffective_window_hours", t.HPAIneffectiveWindowHours, 0, inf, false},
		{"low_cpu_usage_ratio", t.LowCPUUsageRatio, 0, 1, false},
		{"high_memory_pressure_ratio", t.HighMemoryPressureRatio, 0, 1, false},
		{"jvm_drop_percent", t.JVMDropPercent, 0, 100, false},
		{"jvm_min_cycles", float64(t.JVMMinCycles), 1, inf, true},
	}

	var errs []error
	for _, b := range bounds {
		switch {
		case math.IsNaN(b.value):
			errs = append(errs, fmt.Errorf("%w: %s is not a number", models.ErrInvalidConfig, b.key))
		case b.value == 0 && !(b.minIncl && b.min == 0):
			errs = append(errs, fmt.Errorf("%w: %s is not set", models.ErrInvalidConfig, b.key))
		case b.minIncl && b.value < b.min, !b.minIncl && b.value <= b.min:
			errs = append(errs, fmt.Errorf("%w: %s=%g is below its minimum %g", models.ErrInvalidConfig, b.key, b.value, b.min))
		case b.value > b.max:
			errs = append(errs, fmt.Errorf("%w: %s=%g exceeds its maximum %g", models.ErrInvalidConfig, b.key, b.value, b.max))
		}
	}

	return errors.Join(errs...)
}

// thresholdKeys lists the yaml keys of every Thresholds field
func thresholdKeys() []string {
	typ := reflect.TypeOf(Thresholds{})
	keys := make([]string, 0, typ.NumField())
	for i := 0; i < typ.NumField(); i++ {
		tag := strings.Split(typ.Field(i).Tag.Get("yaml"), ",")[0]
		if tag != "" {
			keys = append(keys, tag)
		}
	}
	return keys
}

// LoadThresholdsFile loads a YAML threshold file using Koanf. Every threshold
// key must be present in the file.
func LoadThresholdsFile(path string) (*Thresholds, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load thresholds from %q: %w", path, err)
	}

	var missing []error
	for _, key := range thresholdKeys() {
		if !k.Exists(key) {
			missing = append(missing, fmt.Errorf("%w: %s is missing from %q", models.ErrInvalidConfig, key, path))
		}
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	var t Thresholds
	if err := k.UnmarshalWithConf("", &t, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to parse thresholds from %q: %w", path, err)
	}

	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("threshold validation failed for %q: %w", path, err)
	}

	return &t, nil
}
