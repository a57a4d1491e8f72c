package fragmentation

import (
	"fmt"
	"sort"

	"github.com/opscart/k8s-utilization-facts/pkg/config"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// maxLargePods bounds the attribution list per node
const maxLargePods = 10

// Analyzer computes node-local bin-packing facts
type Analyzer struct {
	thresholds config.Thresholds
}

// NewAnalyzer creates an analyzer bound to one threshold set
func NewAnalyzer(thresholds config.Thresholds) *Analyzer {
	return &Analyzer{thresholds: thresholds}
}

// Result is the fragmentation picture of one node
type Result struct {
	Fragmentation   models.FragmentationResult
	Attribution     models.FragmentationAttribution
	CPURequested    float64
	MemoryRequested float64
	Evidence        []string
}

type dimension struct {
	name      string
	requested float64 // every pod on the node
	sampled   float64 // requests of pods that have a p95
	usage     float64 // sum of p95 of pods that have one
	unsampled int
}

// AnalyzeNode uses only facts of the node itself. Without usable
// observations every derived field stays nil and the type Undefined.
func (a *Analyzer) AnalyzeNode(f models.NodeFacts) Result {
	th := a.thresholds
	r := Result{}
	r.Fragmentation.FragmentationType = models.FragmentationUndefined

	cpu := dimension{name: "cpu"}
	mem := dimension{name: "memory"}
	for _, pod := range f.Pods {
		cpu.add(pod.CPURequest, pod.CPUP95)
		mem.add(pod.MemoryRequest, pod.MemoryP95)
	}
	r.CPURequested = cpu.requested
	r.MemoryRequested = mem.requested

	if !f.Quality.HasMetrics {
		r.Evidence = append(r.Evidence, "missing_metrics: node allocatable capacity is unknown")
		return r
	}
	if !f.Quality.Usable() {
		r.Evidence = append(r.Evidence, fmt.Sprintf("fragmentation not evaluated: observed %.1fm < minimum %.1fm",
			f.Quality.WindowMinutes, th.MinObservationWindowMinutes))
		return r
	}

	r.Fragmentation.LargestFreeCPUBlock = freeBlock(f.CPUAllocatable, cpu.requested)
	r.Fragmentation.LargestFreeMemoryBlock = freeBlock(f.MemoryAllocatable, mem.requested)
	r.Evidence = append(r.Evidence,
		fmt.Sprintf("largest_free_cpu_block = %.3f allocatable - %.3f requested", f.CPUAllocatable, cpu.requested),
		fmt.Sprintf("largest_free_memory_block = %.0f allocatable - %.0f requested", f.MemoryAllocatable, mem.requested),
	)
	if cpu.requested > f.CPUAllocatable || mem.requested > f.MemoryAllocatable {
		r.Evidence = append(r.Evidence, "requests exceed node allocatable; free block clamped to 0")
	}

	var line string
	r.Fragmentation.CPUFragmentation, line = cpu.fragmentation()
	r.Evidence = append(r.Evidence, line)
	r.Fragmentation.MemoryFragmentation, line = mem.fragmentation()
	r.Evidence = append(r.Evidence, line)

	r.Fragmentation.FragmentationType = classify(r.Fragmentation.CPUFragmentation, r.Fragmentation.MemoryFragmentation, th.HighFragmentationThreshold)
	r.Evidence = append(r.Evidence, fmt.Sprintf("fragmentation_type = %s (threshold %.2f)", r.Fragmentation.FragmentationType, th.HighFragmentationThreshold))

	r.Fragmentation.PackingEfficiency, line = packingEfficiency(f, cpu.usage, mem.usage)
	r.Evidence = append(r.Evidence, line)
	if eff := r.Fragmentation.PackingEfficiency; eff != nil && *eff < th.LowEfficiencyThreshold {
		r.Fragmentation.LowEfficiency = true
		r.Evidence = append(r.Evidence, fmt.Sprintf("low_efficiency: packing_efficiency %.2f < threshold %.2f", *eff, th.LowEfficiencyThreshold))
	}

	r.Attribution = a.attribute(f)
	return r
}

func (d *dimension) add(request float64, p95 *float64) {
	d.requested += request
	if p95 == nil {
		if request > 0 {
			d.unsampled++
		}
		return
	}
	d.sampled += request
	d.usage += *p95
}

// fragmentation is 1 - Σp95/Σrequest clamped to [0,1], nil without requests
func (d dimension) fragmentation() (*float64, string) {
	suffix := ""
	if d.unsampled > 0 {
		suffix = fmt.Sprintf(" (%d pods without samples excluded)", d.unsampled)
	}
	if d.sampled <= 0 {
		return nil, fmt.Sprintf("%s_fragmentation undefined: no %s requests on sampled pods%s", d.name, d.name, suffix)
	}
	frag := clamp01(1 - d.usage/d.sampled)
	return &frag, fmt.Sprintf("%s_fragmentation = 1 - %.3g/%.3g = %.2f%s", d.name, d.usage, d.sampled, frag, suffix)
}

func classify(cpu, mem *float64, threshold float64) models.FragmentationType {
	cpuFragmented := cpu != nil && *cpu > threshold
	memFragmented := mem != nil && *mem > threshold

	switch {
	case cpuFragmented && memFragmented:
		return models.FragmentationBoth
	case cpuFragmented:
		return models.FragmentationCPU
	case memFragmented:
		return models.FragmentationMemory
	case cpu == nil || mem == nil:
		return models.FragmentationUndefined
	}
	return models.FragmentationNone
}

// packingEfficiency = 0.5 × Σcpu_p95/cpu_alloc + 0.5 × mem_usage/mem_alloc
func packingEfficiency(f models.NodeFacts, cpuUsage, podMemUsage float64) (*float64, string) {
	memUsage := podMemUsage
	source := "sum of pod memory p95"
	if f.MemoryUsage != nil {
		memUsage = *f.MemoryUsage
		source = "node memory usage"
	}

	eff := clamp01(0.5*cpuUsage/f.CPUAllocatable + 0.5*memUsage/f.MemoryAllocatable)
	return &eff, fmt.Sprintf("packing_efficiency = 0.5 x %.3g/%.3g + 0.5 x %.3g/%.3g (%s) = %.2f",
		cpuUsage, f.CPUAllocatable, memUsage, f.MemoryAllocatable, source, eff)
}

func (a *Analyzer) attribute(f models.NodeFacts) models.FragmentationAttribution {
	th := a.thresholds
	var attr models.FragmentationAttribution

	cpuLimit := f.CPUAllocatable * th.LargePodRequestPercent / 100
	memLimit := f.MemoryAllocatable * th.LargePodRequestPercent / 100

	contributors := map[string]bool{}
	for _, pod := range f.Pods {
		if pod.CPURequest > cpuLimit || pod.MemoryRequest > memLimit {
			attr.LargeRequestPods = append(attr.LargeRequestPods, models.LargeRequestPod{
				Pod:                 pod.Ref,
				CPURequest:          pod.CPURequest,
				MemoryRequest:       pod.MemoryRequest,
				CPUPercentOfNode:    pod.CPURequest / f.CPUAllocatable * 100,
				MemoryPercentOfNode: pod.MemoryRequest / f.MemoryAllocatable * 100,
			})
		}
		if pod.OwnerKind == models.KindDaemonSet {
			attr.DaemonSetOverhead.CPURequest += pod.CPURequest
			attr.DaemonSetOverhead.MemoryRequest += pod.MemoryRequest
			contributors[pod.Ref.Namespace+"/"+pod.OwnerName] = true
		}
	}

	sort.Slice(attr.LargeRequestPods, func(i, j int) bool {
		pi, pj := attr.LargeRequestPods[i], attr.LargeRequestPods[j]
		if pi.CPURequest != pj.CPURequest {
			return pi.CPURequest > pj.CPURequest
		}
		return pi.Pod.Key() < pj.Pod.Key()
	})
	if len(attr.LargeRequestPods) > maxLargePods {
		attr.LargeRequestPods = attr.LargeRequestPods[:maxLargePods]
	}

	ds := &attr.DaemonSetOverhead
	ds.CPUPercent = ds.CPURequest / f.CPUAllocatable * 100
	ds.MemoryPercent = ds.MemoryRequest / f.MemoryAllocatable * 100
	ds.Significant = ds.CPUPercent > th.DaemonSetOverheadThresholdPercent || ds.MemoryPercent > th.DaemonSetOverheadThresholdPercent
	for name := range contributors {
		ds.Contributors = append(ds.Contributors, name)
	}
	sort.Strings(ds.Contributors)

	return attr
}

func freeBlock(allocatable, requested float64) float64 {
	if requested >= allocatable {
		return 0
	}
	return allocatable - requested
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
