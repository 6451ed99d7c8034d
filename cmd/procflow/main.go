// Package main is the entry point for the procflow binary.
// It provides a CLI for validating and running content-processing pipelines.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/procflow/procflow/pkg/config"
	"github.com/procflow/procflow/pkg/domain"
	"github.com/procflow/procflow/pkg/engine"
	"github.com/procflow/procflow/pkg/logging"
	"github.com/procflow/procflow/pkg/telemetry"
	"github.com/spf13/cobra"
)

const defaultLogLevel = "info"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "procflow",
		Short: "Dependency-ordered pipeline runner for content processing",
		Long: `Runs declared step pipelines over input files: dependency resolution,
conditional steps, per-step timeouts, error recovery and resource monitoring.

Example:
  procflow run --pipeline pipeline.yaml --input document.pdf`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to service configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newValidateCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a pipeline over an input file",
		RunE:  runPipeline,
	}
	cmd.Flags().StringP("pipeline", "p", "", "Path to pipeline definition file (YAML)")
	cmd.Flags().StringP("input", "i", "", "Path to input file")
	cmd.Flags().StringP("output", "o", "", "Write the combined output JSON to this path (default stdout)")
	cmd.Flags().Bool("watch", false, "Keep running and re-execute when the pipeline file changes")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	_ = cmd.MarkFlagRequired("pipeline")
	return cmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a pipeline definition without executing it",
		RunE:  validatePipeline,
	}
	cmd.Flags().StringP("pipeline", "p", "", "Path to pipeline definition file (YAML)")
	_ = cmd.MarkFlagRequired("pipeline")
	return cmd
}

func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" && logLevel != defaultLogLevel {
		cfg.Logging.Level = logLevel
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func validatePipeline(cmd *cobra.Command, _ []string) error {
	_, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	pipelinePath, _ := cmd.Flags().GetString("pipeline")
	pipeline, err := config.LoadPipeline(pipelinePath)
	if err != nil {
		return err
	}

	registry := engine.NewRegistry()
	engine.RegisterBuiltins(registry)
	eng := engine.NewEngine(engine.EngineConfig{Registry: registry, Logger: logger})

	if err := eng.Validate(pipeline); err != nil {
		return err
	}
	logger.Info("pipeline is valid",
		"pipeline", pipeline.Name,
		"steps", len(pipeline.Steps))
	return nil
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	pipelinePath, _ := cmd.Flags().GetString("pipeline")
	inputPath, _ := cmd.Flags().GetString("input")
	outputPath, _ := cmd.Flags().GetString("output")
	watch, _ := cmd.Flags().GetBool("watch")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if metricsAddr == "" {
		metricsAddr = cfg.Server.MetricsAddress
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "procflow",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup failed: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	metrics := engine.NewMetrics()
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, metrics, logger)
	}

	registry := engine.NewRegistry()
	engine.RegisterBuiltins(registry)
	eng := engine.NewEngine(engine.EngineConfig{
		Registry: registry,
		Logger:   logger,
		Metrics:  metrics,
		Progress: func(ev engine.ProgressEvent) {
			logger.Info("progress", "step", ev.StepLabel, "percent", fmt.Sprintf("%.0f", ev.PercentComplete), "detail", ev.Detail)
		},
	})

	input, err := loadArtifact(inputPath)
	if err != nil {
		return err
	}

	if !watch {
		pipeline, err := config.LoadPipeline(pipelinePath)
		if err != nil {
			return err
		}
		return executeOnce(ctx, eng, pipeline, input, outputPath, logger)
	}

	watcher, err := config.NewPipelineWatcher(pipelinePath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.Error("failed to close pipeline watcher", "error", err)
		}
	}()

	updates := watcher.Subscribe()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case pipeline := <-updates:
			if err := executeOnce(ctx, eng, pipeline, input, outputPath, logger); err != nil {
				logger.Error("execution failed", "error", err)
			}
		}
	}
}

func executeOnce(ctx context.Context, eng *engine.Engine, pipeline *domain.PipelineConfig, input *domain.Artifact, outputPath string, logger *slog.Logger) error {
	result, err := eng.Execute(ctx, pipeline, input)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(result.Output, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if outputPath != "" {
		if err := os.WriteFile(outputPath, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	} else {
		fmt.Println(string(data))
	}

	if !result.Success {
		return fmt.Errorf("pipeline %q finished with status %s (%d errors)",
			result.Summary.Pipeline, result.Summary.Status, result.Summary.ErrorCount)
	}
	logger.Info("pipeline succeeded",
		"pipeline", result.Summary.Pipeline,
		"elapsed", result.Summary.TotalTime)
	return nil
}

// loadArtifact reads the input file into an Artifact. A missing path yields
// a nil artifact; pipelines that need no input run fine without one.
func loadArtifact(path string) (*domain.Artifact, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // Input path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &domain.Artifact{
		ID:          uuid.NewString(),
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Size:        int64(len(data)),
		Payload:     data,
	}, nil
}

func serveMetrics(addr string, metrics *engine.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("serving metrics", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}
