package reporter

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// WriteText prints the cluster summary, a line per classified resource and
// every cross-layer observation
func WriteText(w io.Writer, report *models.Report) error {
	s := report.Summary
	fmt.Fprintf(w, "Deployments: %d  HPAs: %d  Nodes: %d\n", s.DeploymentCount, s.HPACount, s.NodeCount)
	fmt.Fprintf(w, "Risk: High %d  Medium %d  Low %d  (blocked by data quality: %d)\n\n",
		s.RiskCounts[models.LevelHigh], s.RiskCounts[models.LevelMedium], s.RiskCounts[models.LevelLow], s.BlockedCount)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tRISK\tCONFIDENCE\tRESIZE\tRULE\tFLAGS")
	for _, row := range rows(report) {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			row.resource.Key(), row.class.RiskLevel, row.class.ConfidenceLevel, row.class.SafeToResize, row.class.Rule, dash(row.flags))
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	if len(report.CrossLayerObservations) > 0 {
		fmt.Fprintln(w, "\nCross-layer observations:")
		for _, o := range report.CrossLayerObservations {
			fmt.Fprintf(w, "  [%s] %s: %s\n", o.RiskLevel, o.Type, o.Description)
		}
	}
	return nil
}

type row struct {
	resource models.ResourceRef
	class    models.SafetyClassification
	flags    []string
}

func rows(report *models.Report) []row {
	var out []row
	for _, d := range report.DeploymentAnalysis {
		out = append(out, row{d.Resource, d.Classification, flagNames(d.Flags)})
	}
	for _, h := range report.HPAAnalysis {
		out = append(out, row{h.Resource, h.Classification, flagNames(h.Flags)})
	}
	for _, n := range report.NodeAnalysis {
		out = append(out, row{n.Resource, n.Classification, flagNames(n.Flags)})
	}
	return out
}

// flagNames lists the set flags in a fixed order
func flagNames(f models.EdgeCaseFlags) []string {
	var names []string
	for _, flag := range []struct {
		name string
		set  bool
	}{
		{"bursty", f.Bursty},
		{"startup_spike", f.StartupSpike},
		{"memory_growth", f.MemoryGrowth},
		{"init_container_spike", f.InitContainerSpike},
		{"jvm_cache_pattern", f.JVMCachePattern},
		{"strict_pdb", f.StrictPDB},
		{"insufficient_window", f.InsufficientWindow},
		{"missing_metrics", f.MissingMetrics},
	} {
		if flag.set {
			names = append(names, flag.name)
		}
	}
	return names
}

func dash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}
