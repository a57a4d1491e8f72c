package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// ReportFormat represents the output format
type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatText ReportFormat = "text"
	FormatCSV  ReportFormat = "csv"
)

// ParseFormat accepts json, text or csv
func ParseFormat(s string) (ReportFormat, error) {
	switch f := ReportFormat(s); f {
	case FormatJSON, FormatText, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("unknown report format %q: must be json, text or csv", s)
}

// Reporter renders a report in one format
type Reporter struct {
	format ReportFormat
}

// New creates a new reporter
func New(format ReportFormat) *Reporter {
	return &Reporter{
		format: format,
	}
}

// Render writes the report to w
func (r *Reporter) Render(w io.Writer, report *models.Report) error {
	switch r.format {
	case FormatJSON:
		return EncodeJSON(w, report)
	case FormatCSV:
		return GenerateCSV(report, w)
	default:
		return WriteText(w, report)
	}
}

// EncodeJSON writes the report as indented JSON
func EncodeJSON(w io.Writer, report *models.Report) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// WriteFile renders the report into path. The file is written to a
// temporary sibling first and renamed, so readers never see a partial report.
func (r *Reporter) WriteFile(path string, report *models.Report) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := r.Render(tmp, report); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move report into place: %w", err)
	}
	return nil
}
