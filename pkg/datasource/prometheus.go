package datasource

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

const (
	cpuQuery = `sum(rate(container_cpu_usage_seconds_total{namespace="%s",pod="%s",container!="",container!="POD"}[%s]))`
	memQuery = `sum(container_memory_working_set_bytes{namespace="%s",pod="%s",container!="",container!="POD"})`

	// kube-state-metrics autoscaler series
	replicasQuery    = `kube_horizontalpodautoscaler_status_current_replicas{namespace="%s",horizontalpodautoscaler="%s"}`
	utilizationQuery = `kube_horizontalpodautoscaler_status_target_metric{namespace="%s",horizontalpodautoscaler="%s",metric_name="%s",metric_target_type="utilization"}`
)

type PrometheusSource struct {
	client  v1.API
	timeout time.Duration
	logger  *zap.Logger
}

func NewPrometheusSource(cfg Config, logger *zap.Logger) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{
		Address: cfg.PrometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PrometheusSource{
		client:  v1.NewAPI(client),
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// PodUsage returns the CPU usage in cores and the memory working set in
// bytes of one pod, summed over its containers
func (p *PrometheusSource) PodUsage(ctx context.Context, namespace, pod string, r Range) (models.Series, models.Series, error) {
	cpu, err := p.queryRange(ctx, fmt.Sprintf(cpuQuery, namespace, pod, rateWindow(r.Step)), r)
	if err != nil {
		return nil, nil, fmt.Errorf("CPU query failed: %w", err)
	}

	mem, err := p.queryRange(ctx, fmt.Sprintf(memQuery, namespace, pod), r)
	if err != nil {
		return nil, nil, fmt.Errorf("memory query failed: %w", err)
	}

	return cpu, mem, nil
}

// AutoscalerHistory returns the replica count and the observed utilization
// percent of the scaled metric for one HPA
func (p *PrometheusSource) AutoscalerHistory(ctx context.Context, namespace, name, metric string, r Range) (models.Series, models.Series, error) {
	replicas, err := p.queryRange(ctx, fmt.Sprintf(replicasQuery, namespace, name), r)
	if err != nil {
		return nil, nil, fmt.Errorf("replica query failed: %w", err)
	}

	utilization, err := p.queryRange(ctx, fmt.Sprintf(utilizationQuery, namespace, name, metric), r)
	if err != nil {
		return nil, nil, fmt.Errorf("utilization query failed: %w", err)
	}

	return replicas, utilization, nil
}

func (p *PrometheusSource) queryRange(ctx context.Context, query string, r Range) (models.Series, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	p.logger.Debug("Prometheus range query",
		zap.String("query", query),
		zap.Time("start", r.Start),
		zap.Time("end", r.End),
		zap.Duration("step", r.Step))

	result, warnings, err := p.client.QueryRange(ctx, query, v1.Range{
		Start: r.Start,
		End:   r.End,
		Step:  r.Step,
	})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	if len(warnings) > 0 {
		p.logger.Warn("Prometheus returned warnings", zap.Strings("warnings", warnings))
	}

	return matrixToSeries(result)
}

// matrixToSeries sums all series of a matrix per timestamp. An empty
// matrix is an empty series, not an error.
func matrixToSeries(result model.Value) (models.Series, error) {
	matrix, ok := result.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected result type: %T", result)
	}

	sums := make(map[model.Time]float64)
	for _, stream := range matrix {
		for _, v := range stream.Values {
			sums[v.Timestamp] += float64(v.Value)
		}
	}

	series := make(models.Series, 0, len(sums))
	for ts, v := range sums {
		series = append(series, models.Sample{Timestamp: ts.Time().UTC(), Value: v})
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })
	return series, nil
}

// rateWindow covers at least four scrape steps so rate() always has two points
func rateWindow(step time.Duration) string {
	return model.Duration(max(4*step, time.Minute)).String()
}

func (p *PrometheusSource) IsAvailable(ctx context.Context) bool {
	_, _, err := p.client.Query(ctx, "up", time.Now())
	return err == nil
}

func (p *PrometheusSource) Name() string {
	return "Prometheus"
}
