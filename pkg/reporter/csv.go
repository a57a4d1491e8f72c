package reporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// GenerateCSV writes one row per classified resource
func GenerateCSV(report *models.Report, writer io.Writer) error {
	w := csv.NewWriter(writer)

	header := []string{
		"Kind",
		"Namespace",
		"Name",
		"Risk",
		"Confidence",
		"Safe To Resize",
		"Resizable Dimensions",
		"Rule",
		"Flags",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range rows(report) {
		record := []string{
			string(r.resource.Kind),
			r.resource.Namespace,
			r.resource.Name,
			string(r.class.RiskLevel),
			string(r.class.ConfidenceLevel),
			string(r.class.SafeToResize),
			strings.Join(r.class.ResizableDimensions, ";"),
			r.class.Rule,
			strings.Join(r.flags, ";"),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}
