package datasource

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// Collect fills the usage series of every pod and autoscaler in snap from
// src over r. A resource whose queries fail keeps empty series and is
// reported by the engine as missing metrics; only cancellation aborts.
func Collect(ctx context.Context, src DataSource, snap *models.Snapshot, r Range, workers int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}

	snap.Window = models.Window{Start: r.Start, End: r.End}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	failed := make([]bool, len(snap.Pods)+len(snap.HPAs))

	for i := range snap.Pods {
		pod := &snap.Pods[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cpu, mem, err := src.PodUsage(gctx, pod.Namespace, pod.Name, r)
			if err != nil {
				logger.Warn("Failed to collect pod usage",
					zap.String("namespace", pod.Namespace),
					zap.String("pod", pod.Name),
					zap.Error(err))
				failed[i] = true
				return nil
			}
			pod.CPU, pod.Memory = cpu, mem
			return nil
		})
	}

	for i := range snap.HPAs {
		h := &snap.HPAs[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			replicas, utilization, err := src.AutoscalerHistory(gctx, h.Namespace, h.Name, h.MetricType, r)
			if err != nil {
				logger.Warn("Failed to collect autoscaler history",
					zap.String("namespace", h.Namespace),
					zap.String("hpa", h.Name),
					zap.Error(err))
				failed[len(snap.Pods)+i] = true
				return nil
			}
			h.Replicas, h.Utilization = replicas, utilization
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("collection aborted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("collection aborted: %w", err)
	}

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	logger.Info("Collected usage series",
		zap.String("source", src.Name()),
		zap.Int("pods", len(snap.Pods)),
		zap.Int("hpas", len(snap.HPAs)),
		zap.Int("failed", n))
	return nil
}
