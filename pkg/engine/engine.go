package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opscart/k8s-utilization-facts/pkg/analyzer"
	"github.com/opscart/k8s-utilization-facts/pkg/classifier"
	"github.com/opscart/k8s-utilization-facts/pkg/config"
	"github.com/opscart/k8s-utilization-facts/pkg/correlator"
	"github.com/opscart/k8s-utilization-facts/pkg/fragmentation"
	"github.com/opscart/k8s-utilization-facts/pkg/hpa"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
	"github.com/opscart/k8s-utilization-facts/pkg/normalizer"
)

const defaultWorkers = 4

// Engine runs the full analysis over one snapshot
type Engine struct {
	thresholds config.Thresholds
	workers    int
	logger     *zap.Logger
	metrics    *Metrics
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records run metrics
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithWorkers bounds the number of resources analyzed concurrently
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// New creates an engine bound to one threshold set
func New(thresholds config.Thresholds, opts ...Option) *Engine {
	e := &Engine{
		thresholds: thresholds,
		workers:    defaultWorkers,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run validates thresholds, normalizes the snapshot and analyzes every
// resource. Output order depends only on resource identity.
func (e *Engine) Run(ctx context.Context, snap *models.Snapshot) (*models.Report, error) {
	start := time.Now()

	report, err := e.run(ctx, snap)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RunsFailed.Inc()
		}
		e.logger.Error("Analysis run failed", zap.Error(err))
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RunDuration.Observe(time.Since(start).Seconds())
		e.metrics.record(report)
	}
	e.logger.Info("Analysis run complete",
		zap.Int("deployments", report.Summary.DeploymentCount),
		zap.Int("hpas", report.Summary.HPACount),
		zap.Int("nodes", report.Summary.NodeCount),
		zap.Int("blocked", report.Summary.BlockedCount),
		zap.Int("observations", report.Summary.ObservationCount),
		zap.Duration("duration", time.Since(start)))
	return report, nil
}

func (e *Engine) run(ctx context.Context, snap *models.Snapshot) (*models.Report, error) {
	if err := e.thresholds.Validate(); err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, models.Violation("snapshot", "no snapshot supplied")
	}

	facts, err := normalizer.New(e.thresholds).Normalize(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize snapshot: %w", err)
	}
	e.logger.Debug("Snapshot normalized",
		zap.Int("deployments", len(facts.Deployments)),
		zap.Int("hpas", len(facts.HPAs)),
		zap.Int("nodes", len(facts.Nodes)),
		zap.Int("workers", e.workers))

	p := e.newPipeline(facts)

	deployments := make([]models.DeploymentAnalysis, len(facts.Deployments))
	hpas := make([]models.HPAAnalysis, len(facts.HPAs))
	nodes := make([]models.NodeAnalysis, len(facts.Nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i := range facts.Deployments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			deployments[i] = p.deployment(facts.Deployments[i])
			return nil
		})
	}
	for i := range facts.HPAs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hpas[i] = p.hpa(facts.HPAs[i])
			return nil
		})
	}
	for i := range facts.Nodes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			nodes[i] = p.node(facts.Nodes[i])
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("analysis aborted: %w", err)
	}
	// a cancellation that lands after the last worker still aborts the run
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("analysis aborted: %w", err)
	}

	observations := correlator.New(e.thresholds).Correlate(deployments, hpas, nodes)

	return &models.Report{
		Summary:                summarize(deployments, hpas, nodes, observations),
		DeploymentAnalysis:     deployments,
		HPAAnalysis:            hpas,
		NodeAnalysis:           nodes,
		CrossLayerObservations: observations,
	}, nil
}

func summarize(deployments []models.DeploymentAnalysis, hpas []models.HPAAnalysis, nodes []models.NodeAnalysis, observations []models.CrossLayerObservation) models.Summary {
	s := models.Summary{
		DeploymentCount:  len(deployments),
		HPACount:         len(hpas),
		NodeCount:        len(nodes),
		ObservationCount: len(observations),
		RiskCounts: map[models.Level]int{
			models.LevelLow:    0,
			models.LevelMedium: 0,
			models.LevelHigh:   0,
		},
	}

	tally := func(c models.SafetyClassification) {
		s.RiskCounts[c.RiskLevel]++
		if c.Rule == classifier.RuleBlockedQuality {
			s.BlockedCount++
		}
	}
	for _, d := range deployments {
		tally(d.Classification)
	}
	for _, h := range hpas {
		tally(h.Classification)
	}
	for _, n := range nodes {
		tally(n.Classification)
	}
	return s
}

// pipeline holds the stateless per-kind analyzers shared by all workers.
// Workers only read it.
type pipeline struct {
	minWindow   float64
	calculator  *analyzer.Calculator
	validator   *hpa.Validator
	nodes       *fragmentation.Analyzer
	classifier  *classifier.Classifier
	deployments map[string]*models.DeploymentFacts
}

func (e *Engine) newPipeline(facts *models.Facts) *pipeline {
	p := &pipeline{
		minWindow:   e.thresholds.MinObservationWindowMinutes,
		calculator:  analyzer.NewCalculator(e.thresholds),
		validator:   hpa.NewValidator(e.thresholds),
		nodes:       fragmentation.NewAnalyzer(e.thresholds),
		classifier:  classifier.New(e.thresholds),
		deployments: make(map[string]*models.DeploymentFacts, len(facts.Deployments)),
	}
	for i := range facts.Deployments {
		p.deployments[facts.Deployments[i].Ref.Key()] = &facts.Deployments[i]
	}
	return p
}

func (p *pipeline) deployment(f models.DeploymentFacts) models.DeploymentAnalysis {
	r := p.calculator.AnalyzeDeployment(f)

	a := models.DeploymentAnalysis{
		Resource:       f.Ref,
		Replicas:       f.Replicas,
		RunningPods:    f.RunningPods,
		PendingPods:    f.PendingPods,
		ExtraPods:      max(0, f.RunningPods-int(f.Replicas)),
		SingleReplica:  f.Replicas == 1,
		CPURequest:     f.CPURequest,
		MemoryRequest:  f.MemoryRequest,
		CPU:            f.CPU,
		Memory:         f.Memory,
		Placements:     f.Placements,
		Quality:        f.Quality,
		Derived:        r.Derived,
		Flags:          r.Flags,
		Usage:          r.Usage,
		HeuristicNotes: r.HeuristicNotes,
	}

	a.Evidence = append(a.Evidence, fmt.Sprintf("replicas: desired %d, running %d, pending %d", f.Replicas, f.RunningPods, f.PendingPods))
	a.Evidence = append(a.Evidence, r.Evidence...)

	a.Classification = p.classifier.ClassifyDeployment(classifier.DeploymentInput{
		Quality: f.Quality,
		Flags:   r.Flags,
		Derived: r.Derived,
	})
	return a
}

func (p *pipeline) hpa(f models.HPAFacts) models.HPAAnalysis {
	r := p.validator.Validate(f, p.deployments[f.Target.Key()])

	a := models.HPAAnalysis{
		Resource:                 f.Ref,
		Target:                   f.Target,
		MetricType:               f.MetricType,
		TargetUtilizationPercent: f.TargetUtilizationPercent,
		MinReplicas:              f.MinReplicas,
		MaxReplicas:              f.MaxReplicas,
		CurrentReplicas:          f.CurrentReplicas,
		DesiredReplicas:          f.DesiredReplicas,
		TimeAtMinFraction:        f.TimeAtMinFraction,
		ScaleEvents:              f.ScaleEvents,
		AvgUtilization:           f.AvgUtilization,
		MaxUtilization:           f.MaxUtilization,
		RequestInflationRatio:    r.RequestInflationRatio,
		Quality:                  f.Quality,
		Signals:                  r.Signals,
		Flags:                    r.Flags,
		Evidence:                 r.Evidence,
	}

	a.Classification = p.classifier.ClassifyHPA(classifier.HPAInput{
		Quality: f.Quality,
		Flags:   r.Flags,
		Signals: r.Signals,
	})
	return a
}

func (p *pipeline) node(f models.NodeFacts) models.NodeAnalysis {
	r := p.nodes.AnalyzeNode(f)
	flags, evidence := analyzer.QualityFlags(f.Quality, p.minWindow)

	a := models.NodeAnalysis{
		Resource:          f.Ref,
		CPUAllocatable:    f.CPUAllocatable,
		MemoryAllocatable: f.MemoryAllocatable,
		CPURequested:      r.CPURequested,
		MemoryRequested:   r.MemoryRequested,
		PodCount:          len(f.Pods),
		Quality:           f.Quality,
		Fragmentation:     r.Fragmentation,
		Attribution:       r.Attribution,
		Flags:             flags,
		Evidence:          append(evidence, r.Evidence...),
	}

	a.Classification = p.classifier.ClassifyNode(classifier.NodeInput{
		Quality:       f.Quality,
		Flags:         flags,
		Fragmentation: r.Fragmentation,
	})
	return a
}
