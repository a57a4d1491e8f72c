package classifier

import (
	"github.com/opscart/k8s-utilization-facts/pkg/config"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// RuleBlockedQuality is the first row of every table. Resources it matches
// have no usable observations.
const RuleBlockedQuality = "blocked_quality"

func exceeds(ratio *float64, limit float64) bool {
	return ratio != nil && *ratio > limit
}

func deploymentRules(th config.Thresholds) []rule[DeploymentInput] {
	return []rule[DeploymentInput]{
		{
			name: RuleBlockedQuality,
			when: func(in DeploymentInput) bool { return blockedQuality(in.Quality, in.Flags) },
			then: func(in DeploymentInput) models.SafetyClassification {
				return classification(models.LevelHigh, models.LevelLow, models.ResizeUnsafe,
					"missing metrics, insufficient window or inconsistent data block every derived metric")
			},
		},
		{
			name: "volatile_usage",
			when: func(in DeploymentInput) bool { return in.Flags.Bursty || in.Flags.MemoryGrowth },
			then: func(in DeploymentInput) models.SafetyClassification {
				switch {
				case in.Flags.Bursty && in.Flags.MemoryGrowth:
					return classification(models.LevelMedium, models.LevelMedium, models.ResizeUnsafe,
						"bursty cpu and memory growth: no dimension is safe to resize")
				case in.Flags.Bursty:
					c := classification(models.LevelMedium, models.LevelMedium, models.ResizePartialOnly,
						"bursty cpu: only memory may be resized")
					c.ResizableDimensions = []string{"memory"}
					return c
				}
				c := classification(models.LevelMedium, models.LevelMedium, models.ResizePartialOnly,
					"memory growth: only cpu may be resized")
				c.ResizableDimensions = []string{"cpu"}
				return c
			},
		},
		{
			name: "overprovisioned",
			when: func(in DeploymentInput) bool {
				over := exceeds(in.Derived.CPUOverprovisionRatio, th.MaxAcceptableOverprovisionRatio) ||
					exceeds(in.Derived.MemoryOverprovisionRatio, th.MaxAcceptableOverprovisionRatio)
				return over && !in.Flags.Blocking()
			},
			then: func(in DeploymentInput) models.SafetyClassification {
				c := classification(models.LevelLow, models.LevelHigh, models.ResizeSafe,
					"overprovision ratio above max acceptable with no edge-case flags")
				if exceeds(in.Derived.CPUOverprovisionRatio, th.MaxAcceptableOverprovisionRatio) {
					c.ResizableDimensions = append(c.ResizableDimensions, "cpu")
				}
				if exceeds(in.Derived.MemoryOverprovisionRatio, th.MaxAcceptableOverprovisionRatio) {
					c.ResizableDimensions = append(c.ResizableDimensions, "memory")
				}
				return c
			},
		},
		{
			name: "default",
			when: always[DeploymentInput],
			then: func(in DeploymentInput) models.SafetyClassification {
				c := classification(models.LevelLow, models.LevelMedium, models.ResizeSafe,
					"no rule above matched")
				if in.Derived.CPUOverprovisionRatio != nil {
					c.ResizableDimensions = append(c.ResizableDimensions, "cpu")
				}
				if in.Derived.MemoryOverprovisionRatio != nil {
					c.ResizableDimensions = append(c.ResizableDimensions, "memory")
				}
				return c
			},
		},
	}
}

func hpaRules() []rule[HPAInput] {
	return []rule[HPAInput]{
		{
			name: RuleBlockedQuality,
			when: func(in HPAInput) bool { return blockedQuality(in.Quality, in.Flags) },
			then: func(HPAInput) models.SafetyClassification {
				return classification(models.LevelHigh, models.LevelLow, models.ResizeUnsafe,
					"missing metrics or insufficient window block every autoscaler signal")
			},
		},
		{
			name: "invalid_config",
			when: func(in HPAInput) bool { return in.Signals.InvalidConfig },
			then: func(HPAInput) models.SafetyClassification {
				return classification(models.LevelHigh, models.LevelHigh, models.ResizeUnsafe,
					"minReplicas exceeds maxReplicas")
			},
		},
		{
			name: "ineffective_autoscaling",
			when: func(in HPAInput) bool { return in.Signals.IneffectiveAutoscaling },
			then: func(HPAInput) models.SafetyClassification {
				return classification(models.LevelMedium, models.LevelMedium, models.ResizeUnsafe,
					"no scale events although utilization crossed the target")
			},
		},
		{
			name: "untrusted_signal",
			when: func(in HPAInput) bool {
				return in.Signals.UtilizationMisleading || in.Signals.MinReplicaPressure
			},
			then: func(HPAInput) models.SafetyClassification {
				return classification(models.LevelMedium, models.LevelMedium, models.ResizePartialOnly,
					"utilization signal distorted by request inflation or minReplicas pressure")
			},
		},
		{
			name: "default",
			when: always[HPAInput],
			then: func(HPAInput) models.SafetyClassification {
				return classification(models.LevelLow, models.LevelMedium, models.ResizeSafe,
					"no rule above matched")
			},
		},
	}
}

func nodeRules() []rule[NodeInput] {
	fragType := func(in NodeInput) models.FragmentationType { return in.Fragmentation.FragmentationType }

	return []rule[NodeInput]{
		{
			name: RuleBlockedQuality,
			when: func(in NodeInput) bool { return blockedQuality(in.Quality, in.Flags) },
			then: func(NodeInput) models.SafetyClassification {
				return classification(models.LevelHigh, models.LevelLow, models.ResizeUnsafe,
					"node capacity or observation window missing")
			},
		},
		{
			name: "fragmented_both",
			when: func(in NodeInput) bool { return fragType(in) == models.FragmentationBoth },
			then: func(NodeInput) models.SafetyClassification {
				return classification(models.LevelMedium, models.LevelHigh, models.ResizeUnsafe,
					"cpu and memory both fragmented")
			},
		},
		{
			name: "fragmented_single",
			when: func(in NodeInput) bool {
				return fragType(in) == models.FragmentationCPU || fragType(in) == models.FragmentationMemory
			},
			then: func(in NodeInput) models.SafetyClassification {
				return classification(models.LevelMedium, models.LevelHigh, models.ResizePartialOnly,
					string(fragType(in))+" fragmented")
			},
		},
		{
			name: "fragmentation_undefined",
			when: func(in NodeInput) bool { return fragType(in) == models.FragmentationUndefined },
			then: func(NodeInput) models.SafetyClassification {
				return classification(models.LevelMedium, models.LevelLow, models.ResizePartialOnly,
					"fragmentation undefined for at least one dimension")
			},
		},
		{
			name: "default",
			when: always[NodeInput],
			then: func(NodeInput) models.SafetyClassification {
				return classification(models.LevelLow, models.LevelMedium, models.ResizeSafe,
					"no rule above matched")
			},
		},
	}
}
