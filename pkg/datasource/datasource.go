package datasource

import (
	"context"
	"time"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// DataSource provides usage history for the resources of a snapshot
type DataSource interface {
	PodUsage(ctx context.Context, namespace, pod string, r Range) (cpu, memory models.Series, err error)
	AutoscalerHistory(ctx context.Context, namespace, name, metric string, r Range) (replicas, utilization models.Series, err error)
	IsAvailable(ctx context.Context) bool
	Name() string
}

// Range is the query window and resolution
type Range struct {
	Start time.Time
	End   time.Time
	Step  time.Duration
}

// LastMinutes returns the window ending at end and spanning the given minutes
func LastMinutes(end time.Time, minutes int, step time.Duration) Range {
	return Range{
		Start: end.Add(-time.Duration(minutes) * time.Minute),
		End:   end,
		Step:  step,
	}
}

type Config struct {
	PrometheusURL string
	Timeout       time.Duration
}
