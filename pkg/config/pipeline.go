package config

import (
	"fmt"
	"os"
	"time"

	"github.com/procflow/procflow/pkg/domain"
	"gopkg.in/yaml.v3"
)

// PipelineFile is the YAML schema for a pipeline definition on disk. It maps
// one-to-one onto domain.PipelineConfig, with durations expressed as Go
// duration strings ("30s", "2m").
type PipelineFile struct {
	Name     string       `yaml:"name"`
	Settings SettingsFile `yaml:"settings"`
	Steps    []StepFile   `yaml:"steps"`
	Hooks    []HookFile   `yaml:"hooks,omitempty"`
}

// SettingsFile mirrors domain.PipelineSettings.
type SettingsFile struct {
	Timeout    string          `yaml:"timeout,omitempty"`
	Priority   int             `yaml:"priority,omitempty"`
	Parallel   bool            `yaml:"parallel,omitempty"`
	Resources  ResourcesFile   `yaml:"resources,omitempty"`
	Monitoring *MonitoringFile `yaml:"monitoring,omitempty"`
}

// ResourcesFile mirrors domain.ResourceCaps with operator-friendly units.
type ResourcesFile struct {
	MaxMemoryMB   int64   `yaml:"max_memory_mb,omitempty"`
	MaxCPUPercent float64 `yaml:"max_cpu_percent,omitempty"`
}

// MonitoringFile mirrors domain.MonitoringConfig.
type MonitoringFile struct {
	Enabled    bool            `yaml:"enabled"`
	Interval   string          `yaml:"interval,omitempty"`
	Thresholds []ThresholdFile `yaml:"thresholds,omitempty"`
}

// ThresholdFile mirrors domain.AlertThreshold.
type ThresholdFile struct {
	Metric    string  `yaml:"metric"`
	Operator  string  `yaml:"operator"`
	Threshold float64 `yaml:"threshold"`
	Severity  string  `yaml:"severity,omitempty"`
}

// StepFile mirrors domain.StepSpec.
type StepFile struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	Timeout   string         `yaml:"timeout,omitempty"`
	Params    map[string]any `yaml:"params,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty"`
	Condition string         `yaml:"condition,omitempty"`
	Resources ResourcesFile  `yaml:"resources,omitempty"`
	OnError   *ErrorFile     `yaml:"on_error,omitempty"`
}

// ErrorFile mirrors domain.ErrorPolicy.
type ErrorFile struct {
	Strategy        string `yaml:"strategy"`
	MaxRetries      int    `yaml:"max_retries,omitempty"`
	FallbackStep    string `yaml:"fallback_step,omitempty"`
	ContinueOnError bool   `yaml:"continue_on_error,omitempty"`
}

// HookFile mirrors domain.HookSpec.
type HookFile struct {
	Name      string         `yaml:"name"`
	Condition string         `yaml:"condition,omitempty"`
	Params    map[string]any `yaml:"params,omitempty"`
}

// LoadPipeline reads and converts a pipeline definition file. Structural
// problems (unparseable YAML, bad durations) surface here; semantic problems
// (unknown step types, cycles) surface later when the engine validates the
// converted config.
func LoadPipeline(path string) (*domain.PipelineConfig, error) {
	//nolint:gosec // Pipeline file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file %s: %w", path, err)
	}

	var file PipelineFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file %s: %w", path, err)
	}
	return file.ToDomain()
}

// ToDomain converts the file schema into the engine's domain config.
func (f *PipelineFile) ToDomain() (*domain.PipelineConfig, error) {
	settings, err := f.Settings.toDomain()
	if err != nil {
		return nil, err
	}

	cfg := &domain.PipelineConfig{
		Name:     f.Name,
		Settings: settings,
		Steps:    make([]domain.StepSpec, 0, len(f.Steps)),
		Hooks:    make([]domain.HookSpec, 0, len(f.Hooks)),
	}

	for _, step := range f.Steps {
		spec, err := step.toDomain()
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", step.Name, err)
		}
		cfg.Steps = append(cfg.Steps, spec)
	}
	for _, hook := range f.Hooks {
		cfg.Hooks = append(cfg.Hooks, domain.HookSpec{
			Name:      hook.Name,
			Condition: hook.Condition,
			Params:    hook.Params,
		})
	}
	return cfg, nil
}

func (f SettingsFile) toDomain() (domain.PipelineSettings, error) {
	timeout, err := parseDuration(f.Timeout)
	if err != nil {
		return domain.PipelineSettings{}, fmt.Errorf("settings.timeout: %w", err)
	}

	settings := domain.PipelineSettings{
		Timeout:   timeout,
		Priority:  f.Priority,
		Parallel:  f.Parallel,
		Resources: f.Resources.toDomain(),
	}

	if f.Monitoring != nil {
		interval, err := parseDuration(f.Monitoring.Interval)
		if err != nil {
			return domain.PipelineSettings{}, fmt.Errorf("settings.monitoring.interval: %w", err)
		}
		monitoring := domain.MonitoringConfig{
			Enabled:    f.Monitoring.Enabled,
			Interval:   interval,
			Thresholds: make([]domain.AlertThreshold, 0, len(f.Monitoring.Thresholds)),
		}
		for _, t := range f.Monitoring.Thresholds {
			monitoring.Thresholds = append(monitoring.Thresholds, domain.AlertThreshold{
				Metric:    t.Metric,
				Operator:  t.Operator,
				Threshold: t.Threshold,
				Severity:  t.Severity,
			})
		}
		settings.Monitoring = monitoring
	}
	return settings, nil
}

func (f ResourcesFile) toDomain() domain.ResourceCaps {
	return domain.ResourceCaps{
		MaxMemoryBytes: f.MaxMemoryMB * 1024 * 1024,
		MaxCPUPercent:  f.MaxCPUPercent,
	}
}

func (f StepFile) toDomain() (domain.StepSpec, error) {
	timeout, err := parseDuration(f.Timeout)
	if err != nil {
		return domain.StepSpec{}, fmt.Errorf("timeout: %w", err)
	}

	spec := domain.StepSpec{
		Name:      f.Name,
		Type:      f.Type,
		Timeout:   timeout,
		Params:    f.Params,
		DependsOn: f.DependsOn,
		Condition: f.Condition,
		Resources: f.Resources.toDomain(),
	}

	if f.OnError != nil {
		strategy := domain.RecoveryStrategy(f.OnError.Strategy)
		if !strategy.Valid() {
			return domain.StepSpec{}, fmt.Errorf("on_error.strategy: unknown strategy %q", f.OnError.Strategy)
		}
		spec.OnError = domain.ErrorPolicy{
			Strategy:        strategy,
			MaxRetries:      f.OnError.MaxRetries,
			FallbackStep:    f.OnError.FallbackStep,
			ContinueOnError: f.OnError.ContinueOnError,
		}
	}
	return spec, nil
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}
