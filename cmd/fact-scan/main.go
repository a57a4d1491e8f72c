package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opscart/k8s-utilization-facts/pkg/config"
	"github.com/opscart/k8s-utilization-facts/pkg/datasource"
	"github.com/opscart/k8s-utilization-facts/pkg/discovery"
	"github.com/opscart/k8s-utilization-facts/pkg/engine"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
	"github.com/opscart/k8s-utilization-facts/pkg/reporter"
	"github.com/opscart/k8s-utilization-facts/pkg/storage"
)

var (
	// Analyze flags
	snapshotPath    string
	thresholdsPath  string
	outputPath      string
	outputFormat    string
	kubeconfig      string
	saveResults     bool
	workers         int
	metricsTextfile string
	verbose         bool

	// Global config
	cfg    *config.Config
	logger *zap.Logger

	// History command vars
	historyLimit int
)

func main() {
	cfg = config.NewConfig()

	rootCmd := &cobra.Command{
		Use:   "fact-scan",
		Short: "Deterministic utilization facts for Kubernetes workloads",
		Long: `Analyze Deployments, HorizontalPodAutoscalers and Nodes and report
evidence-backed utilization facts and resize-safety classifications.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = newLogger(verbose)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	analyzeCmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run an analysis on a live cluster or a snapshot file",
		Args:  cobra.NoArgs,
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "Analyze a JSON snapshot instead of the live cluster")
	analyzeCmd.Flags().StringVar(&thresholdsPath, "thresholds", "", "YAML file defining every threshold (overrides environment)")
	analyzeCmd.Flags().StringVarP(&outputPath, "output", "o", cfg.OutputPath, "Path of the JSON report")
	analyzeCmd.Flags().StringVar(&outputFormat, "format", "text", "Console format: text, json, csv")
	analyzeCmd.Flags().StringVar(&kubeconfig, "kubeconfig", "", "Path to kubeconfig (default ~/.kube/config)")
	analyzeCmd.Flags().BoolVar(&saveResults, "save", false, "Save the run to the database")
	analyzeCmd.Flags().IntVar(&workers, "workers", cfg.Workers, "Resources analyzed concurrently")
	analyzeCmd.Flags().StringVar(&metricsTextfile, "metrics-textfile", "", "Write run metrics in Prometheus text format to this file")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List stored runs",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "Number of runs to show")

	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print the report of a stored run",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	}

	rootCmd.AddCommand(analyzeCmd, historyCmd, showCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(ctx context.Context) (storage.Store, error) {
	if !cfg.StorageEnabled {
		return nil, fmt.Errorf("storage is disabled (STORAGE_ENABLED=false)")
	}
	store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return store, nil
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Workers = workers
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	format, err := reporter.ParseFormat(outputFormat)
	if err != nil {
		return err
	}

	thresholds := cfg.Thresholds
	if thresholdsPath != "" {
		loaded, err := config.LoadThresholdsFile(thresholdsPath)
		if err != nil {
			return err
		}
		thresholds = *loaded
	}

	snap, source, err := loadSnapshot(ctx, thresholds)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	eng := engine.New(thresholds,
		engine.WithLogger(logger),
		engine.WithWorkers(cfg.Workers),
		engine.WithMetrics(engine.NewMetrics(reg)))

	report, err := eng.Run(ctx, snap)
	if err != nil {
		return err
	}

	if err := reporter.New(reporter.FormatJSON).WriteFile(outputPath, report); err != nil {
		return err
	}
	logger.Info("Report written", zap.String("path", outputPath))

	if metricsTextfile != "" {
		if err := prometheus.WriteToTextfile(metricsTextfile, reg); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}

	runID := uuid.New().String()
	if saveResults {
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		run := &storage.Run{ID: runID, Source: source, Thresholds: thresholds, Report: report}
		if err := store.SaveRun(ctx, run); err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}
		logger.Info("Run saved", zap.String("run_id", runID))
	}

	fmt.Printf("Run %s (%s)\n", runID, source)
	return reporter.New(format).Render(os.Stdout, report)
}

// loadSnapshot reads --snapshot, or discovers the live cluster and collects
// usage from Prometheus over the configured window
func loadSnapshot(ctx context.Context, thresholds config.Thresholds) (*models.Snapshot, string, error) {
	if snapshotPath != "" {
		f, err := os.Open(snapshotPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open snapshot: %w", err)
		}
		defer f.Close()

		snap, err := models.DecodeSnapshot(f)
		if err != nil {
			return nil, "", err
		}
		return snap, "snapshot:" + snapshotPath, nil
	}

	disc, err := discovery.NewFromKubeconfig(kubeconfig, cfg.IsExcluded, logger)
	if err != nil {
		return nil, "", err
	}
	snap, err := disc.Discover(ctx)
	if err != nil {
		return nil, "", err
	}

	window := datasource.LastMinutes(time.Now().UTC().Truncate(cfg.MetricsStep), int(cfg.MetricsWindow.Minutes()), cfg.MetricsStep)
	if window.End.Sub(window.Start).Minutes() < thresholds.MinObservationWindowMinutes {
		logger.Warn("Metrics window is shorter than the minimum observation window; every resource will be reported as insufficient_window",
			zap.Duration("window", cfg.MetricsWindow),
			zap.Float64("minimum_minutes", thresholds.MinObservationWindowMinutes))
	}

	prom, err := datasource.NewPrometheusSource(datasource.Config{
		PrometheusURL: cfg.PrometheusURL,
		Timeout:       cfg.PrometheusTimeout,
	}, logger)
	if err != nil {
		return nil, "", err
	}

	if !prom.IsAvailable(ctx) {
		logger.Warn("Prometheus not reachable; resources will be reported as missing_metrics",
			zap.String("url", cfg.PrometheusURL))
		snap.Window = models.Window{Start: window.Start, End: window.End}
		return snap, "live", nil
	}

	if err := datasource.Collect(ctx, prom, snap, window, cfg.Workers, logger); err != nil {
		return nil, "", err
	}
	return snap, "live", nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, historyLimit)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs stored")
		return nil
	}

	fmt.Printf("Recent runs:\n\n")
	for i, run := range runs {
		s := run.Summary
		fmt.Printf("%d. %s (%s)\n", i+1, run.ID, run.Source)
		fmt.Printf("   Created: %s\n", run.GeneratedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("   Deployments: %d  HPAs: %d  Nodes: %d\n", s.DeploymentCount, s.HPACount, s.NodeCount)
		fmt.Printf("   Blocked: %d  Observations: %d\n", s.BlockedCount, s.ObservationCount)
		fmt.Println()
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}
	return reporter.EncodeJSON(os.Stdout, run.Report)
}
