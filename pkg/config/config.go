package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// Config holds application configuration
type Config struct {
	// Prometheus
	PrometheusURL     string
	PrometheusTimeout time.Duration

	// Storage
	StorageEnabled bool
	DatabaseURL    string

	// Collection
	MetricsWindow      time.Duration
	MetricsStep        time.Duration
	ExcludedNamespaces []string

	// Analysis
	Workers    int
	Thresholds Thresholds

	// Output
	OutputPath string
	Verbose    bool

	envErrs []error
}

// NewConfig creates a new configuration from the environment with defaults
func NewConfig() *Config {
	c := &Config{
		PrometheusURL:  getEnv("PROMETHEUS_URL", "http://localhost:9090"),
		StorageEnabled: getEnvBool("STORAGE_ENABLED", true),
		DatabaseURL:    getEnv("DATABASE_URL", "host=localhost port=5432 user=factuser password=devpassword dbname=utilizationfacts sslmode=disable"),
		OutputPath:     getEnv("ANALYSIS_OUTPUT_PATH", "output/analysis_output.json"),
		Verbose:        false,
	}

	c.PrometheusTimeout = time.Duration(c.getEnvInt("PROMETHEUS_TIMEOUT_SECONDS", 30)) * time.Second
	c.MetricsWindow = time.Duration(c.getEnvInt("METRICS_WINDOW_MINUTES", 15)) * time.Minute
	c.MetricsStep = time.Duration(c.getEnvInt("METRICS_STEP_SECONDS", 30)) * time.Second
	c.Workers = c.getEnvInt("ANALYSIS_WORKERS", 4)
	c.ExcludedNamespaces = splitList(getEnv("EXCLUDED_NAMESPACES", "kube-system,kube-public,istio-system"))

	d := DefaultThresholds()
	c.Thresholds = Thresholds{
		MinObservationWindowMinutes:       c.getEnvFloat("MIN_OBSERVATION_WINDOW_MINUTES", d.MinObservationWindowMinutes),
		CPUBurstRatioThreshold:            c.getEnvFloat("CPU_BURST_RATIO_THRESHOLD", d.CPUBurstRatioThreshold),
		MemoryGrowthThresholdPercent:      c.getEnvFloat("MEMORY_GROWTH_THRESHOLD_PERCENT", d.MemoryGrowthThresholdPercent),
		MaxAcceptableOverprovisionRatio:   c.getEnvFloat("MAX_ACCEPTABLE_OVERPROVISION_RATIO", d.MaxAcceptableOverprovisionRatio),
		MinRobustSamples:                  c.getEnvInt("MIN_ROBUST_SAMPLES", d.MinRobustSamples),
		GrowthSubWindows:                  c.getEnvInt("GROWTH_SUB_WINDOWS", d.GrowthSubWindows),
		StartupWindowMinutes:              c.getEnvFloat("STARTUP_WINDOW_MINUTES", d.StartupWindowMinutes),
		MemoryBurstRatioThreshold:         c.getEnvFloat("MEMORY_BURST_RATIO_THRESHOLD", d.MemoryBurstRatioThreshold),
		IdleCPUCores:                      c.getEnvFloat("IDLE_CPU_CORES", d.IdleCPUCores),
		IdleMemoryBytes:                   c.getEnvFloat("IDLE_MEMORY_BYTES", d.IdleMemoryBytes),
		UnderutilizedCPUCores:             c.getEnvFloat("UNDERUTILIZED_CPU_CORES", d.UnderutilizedCPUCores),
		UnderutilizedMemoryBytes:          c.getEnvFloat("UNDERUTILIZED_MEMORY_BYTES", d.UnderutilizedMemoryBytes),
		HighFragmentationThreshold:        c.getEnvFloat("HIGH_FRAGMENTATION_THRESHOLD", d.HighFragmentationThreshold),
		LowEfficiencyThreshold:            c.getEnvFloat("LOW_EFFICIENCY_THRESHOLD", d.LowEfficiencyThreshold),
		LargePodRequestPercent:            c.getEnvFloat("LARGE_POD_REQUEST_THRESHOLD_PERCENT", d.LargePodRequestPercent),
		DaemonSetOverheadThresholdPercent: c.getEnvFloat("DAEMONSET_OVERHEAD_THRESHOLD_PERCENT", d.DaemonSetOverheadThresholdPercent),
		HPARequestInflationRatio:          c.getEnvFloat("HPA_REQUEST_INFLATION_RATIO", d.HPARequestInflationRatio),
		HPAMinPressureFraction:            c.getEnvFloat("HPA_MIN_PRESSURE_FRACTION", d.HPAMinPressureFraction),
		HPALowUtilizationFraction:         c.getEnvFloat("HPA_LOW_UTILIZATION_FRACTION", d.HPALowUtilizationFraction),
		HPAIneffectiveWindowHours:         c.getEnvFloat("HPA_INEFFECTIVE_WINDOW_HOURS", d.HPAIneffectiveWindowHours),
		LowCPUUsageRatio:                  c.getEnvFloat("LOW_CPU_USAGE_RATIO", d.LowCPUUsageRatio),
		HighMemoryPressureRatio:           c.getEnvFloat("HIGH_MEMORY_PRESSURE_RATIO", d.HighMemoryPressureRatio),
		JVMDropPercent:                    c.getEnvFloat("JVM_DROP_PERCENT", d.JVMDropPercent),
		JVMMinCycles:                      c.getEnvInt("JVM_MIN_CYCLES", d.JVMMinCycles),
	}

	return c
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

// getEnvFloat records unparsable values instead of falling back silently
func (c *Config) getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		c.envErrs = append(c.envErrs, fmt.Errorf("%w: %s=%q is not a number", models.ErrInvalidConfig, key, value))
		return defaultValue
	}
	return f
}

func (c *Config) getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		c.envErrs = append(c.envErrs, fmt.Errorf("%w: %s=%q is not an integer", models.ErrInvalidConfig, key, value))
		return defaultValue
	}
	return i
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsExcluded reports whether a namespace is skipped during collection
func (c *Config) IsExcluded(namespace string) bool {
	for _, ns := range c.ExcludedNamespaces {
		if ns == namespace {
			return true
		}
	}
	return false
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	errs := append([]error{}, c.envErrs...)

	if c.StorageEnabled && c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("%w: DATABASE_URL must be set when storage is enabled", models.ErrInvalidConfig))
	}
	if c.MetricsWindow <= 0 {
		errs = append(errs, fmt.Errorf("%w: metrics window must be positive", models.ErrInvalidConfig))
	}
	if c.MetricsStep <= 0 || c.MetricsStep > c.MetricsWindow {
		errs = append(errs, fmt.Errorf("%w: metrics step must be positive and not exceed the window", models.ErrInvalidConfig))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("%w: workers must be >= 1", models.ErrInvalidConfig))
	}
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
