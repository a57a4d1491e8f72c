package storage

import (
	"context"
	"errors"
	"time"

	"github.com/opscart/k8s-utilization-facts/pkg/config"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// ErrNotFound is returned when a run id has no stored run
var ErrNotFound = errors.New("run not found")

// Run is one stored analysis. Report is nil in listings.
type Run struct {
	ID          string            `json:"run_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Source      string            `json:"source"`
	Thresholds  config.Thresholds `json:"thresholds"`
	Summary     models.Summary    `json:"cluster_summary"`
	Report      *models.Report    `json:"report,omitempty"`
}

// Store defines the interface for persistent storage
type Store interface {
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	Ping(ctx context.Context) error
	Close() error
}
