// Package config loads the fitmon YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-fitmonitor/checkpoints"
	"github.com/tsawler/go-fitmonitor/training"
)

// Config is the root configuration
type Config struct {
	Monitor    MonitorConfig    `yaml:"monitor"`
	EarlyStop  EarlyStopConfig  `yaml:"early_stop"`
	Training   TrainingConfig   `yaml:"training"`
	Plotting   PlottingConfig   `yaml:"plotting"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Store      StoreConfig      `yaml:"store"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// MonitorConfig configures the fit monitor and its sentinels
type MonitorConfig struct {
	Thresh      *float64 `yaml:"thresh"`
	MaxLoss     *float64 `yaml:"max_loss"`
	Filename    string   `yaml:"filename"`
	Verbose     *int     `yaml:"verbose"`
	SentinelDir string   `yaml:"sentinel_dir"`
	Watch       bool     `yaml:"watch"` // use filesystem notifications instead of polling
}

// EarlyStopConfig configures the early stopper
type EarlyStopConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Monitor    string   `yaml:"monitor"`
	Value      *float64 `yaml:"value"`
	EpochLimit *int     `yaml:"epoch_limit"`
	Mode       string   `yaml:"mode"`
	Verbose    *int     `yaml:"verbose"`
}

// TrainingConfig configures the built-in demo model
type TrainingConfig struct {
	ModelName       string         `yaml:"model_name"`
	Epochs          int            `yaml:"epochs"`
	BatchSize       int            `yaml:"batch_size"`
	Samples         int            `yaml:"samples"`
	Features        int            `yaml:"features"`
	LearningRate    float64        `yaml:"learning_rate"`
	ValidationSplit *float64       `yaml:"validation_split"`
	Noise           float64        `yaml:"noise"`
	Seed            int64          `yaml:"seed"`
	Schedule        ScheduleConfig `yaml:"schedule"`
}

// ScheduleConfig selects and tunes the learning rate schedule
type ScheduleConfig struct {
	Name      string  `yaml:"name"` // constant, step, exponential, cosine or plateau
	StepSize  int     `yaml:"step_size,omitempty"`
	Gamma     float64 `yaml:"gamma,omitempty"`
	TMax      int     `yaml:"t_max,omitempty"`
	MinRate   float64 `yaml:"min_rate,omitempty"`
	Factor    float64 `yaml:"factor,omitempty"`
	Patience  int     `yaml:"patience,omitempty"`
	Threshold float64 `yaml:"threshold,omitempty"`
	Monitor   string  `yaml:"monitor,omitempty"`
}

// PlottingConfig configures what happens to the curves on pause
type PlottingConfig struct {
	Mode        string `yaml:"mode"` // "file", "service" or "none"
	Dir         string `yaml:"dir"`
	BaseURL     string `yaml:"base_url"`
	Timeout     string `yaml:"timeout"`
	OpenBrowser bool   `yaml:"open_browser"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// StoreConfig configures the run store
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// CheckpointConfig configures checkpoint encoding. An empty format follows the monitor.filename extension.
type CheckpointConfig struct {
	Format string `yaml:"format"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Plotting modes
const (
	PlotModeFile    = "file"
	PlotModeService = "service"
	PlotModeNone    = "none"
)

// Default returns a configuration with every default applied
func Default() *Config {
	c := &Config{}
	applyDefaults(c)
	return c
}

// Load reads a YAML configuration. ${VAR} references are expanded from the
// environment, which is first populated from a .env file when one exists.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration data, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func applyDefaults(c *Config) {
	mon := training.DefaultMonitorConfig()
	if c.Monitor.Thresh == nil {
		c.Monitor.Thresh = ptr(mon.Thresh)
	}
	if c.Monitor.MaxLoss == nil {
		c.Monitor.MaxLoss = ptr(mon.MaxLoss)
	}
	if c.Monitor.Verbose == nil {
		c.Monitor.Verbose = ptr(mon.Verbose)
	}

	es := training.DefaultEarlyStopConfig()
	if c.EarlyStop.Monitor == "" {
		c.EarlyStop.Monitor = es.Monitor
	}
	if c.EarlyStop.Value == nil {
		c.EarlyStop.Value = ptr(es.Value)
	}
	if c.EarlyStop.EpochLimit == nil {
		c.EarlyStop.EpochLimit = ptr(es.EpochLimit)
	}
	if c.EarlyStop.Mode == "" {
		c.EarlyStop.Mode = string(es.Mode)
	}
	if c.EarlyStop.Verbose == nil {
		c.EarlyStop.Verbose = ptr(es.Verbose)
	}

	if c.Training.ModelName == "" {
		c.Training.ModelName = "logistic"
	}
	if c.Training.Epochs == 0 {
		c.Training.Epochs = 100
	}
	if c.Training.BatchSize == 0 {
		c.Training.BatchSize = 32
	}
	if c.Training.Samples == 0 {
		c.Training.Samples = 1000
	}
	if c.Training.Features == 0 {
		c.Training.Features = 4
	}
	if c.Training.LearningRate == 0 {
		c.Training.LearningRate = 0.1
	}
	if c.Training.ValidationSplit == nil {
		c.Training.ValidationSplit = ptr(0.2)
	}
	if c.Training.Schedule.Name == "" {
		c.Training.Schedule.Name = "constant"
	}

	if c.Plotting.Mode == "" {
		c.Plotting.Mode = PlotModeFile
	}
	c.Plotting.Mode = strings.ToLower(c.Plotting.Mode)
	if c.Plotting.Dir == "" {
		c.Plotting.Dir = "plots"
	}
	svc := training.DefaultPlottingServiceConfig()
	if c.Plotting.BaseURL == "" {
		c.Plotting.BaseURL = svc.BaseURL
	}
	if c.Plotting.Timeout == "" {
		c.Plotting.Timeout = svc.Timeout.String()
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Store.Path == "" {
		c.Store.Path = "fitmon.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks value ranges and enumerations
func (c *Config) Validate() error {
	var errs []error

	if *c.Monitor.Thresh < 0 {
		errs = append(errs, fmt.Errorf("monitor.thresh must be >= 0, got %g", *c.Monitor.Thresh))
	}
	if *c.Monitor.MaxLoss <= 0 {
		errs = append(errs, fmt.Errorf("monitor.max_loss must be > 0, got %g", *c.Monitor.MaxLoss))
	}
	if *c.EarlyStop.EpochLimit < 0 {
		errs = append(errs, fmt.Errorf("early_stop.epoch_limit must be >= 0, got %d", *c.EarlyStop.EpochLimit))
	}
	switch training.MonitorMode(c.EarlyStop.Mode) {
	case training.ModeAuto, training.ModeMin, training.ModeMax:
	default:
		errs = append(errs, fmt.Errorf("early_stop.mode must be auto, min or max, got %q", c.EarlyStop.Mode))
	}

	if c.Training.Epochs < 0 || c.Training.BatchSize < 0 || c.Training.Samples < 0 || c.Training.Features < 0 {
		errs = append(errs, errors.New("training sizes must not be negative"))
	}
	if split := *c.Training.ValidationSplit; split < 0 || split >= 1 {
		errs = append(errs, fmt.Errorf("training.validation_split must be in [0, 1), got %g", split))
	}
	if _, err := c.ScheduleSettings(); err != nil {
		errs = append(errs, fmt.Errorf("training.schedule: %w", err))
	}

	switch c.Plotting.Mode {
	case PlotModeFile, PlotModeService, PlotModeNone:
	default:
		errs = append(errs, fmt.Errorf("plotting.mode must be file, service or none, got %q", c.Plotting.Mode))
	}
	if _, err := time.ParseDuration(c.Plotting.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("plotting.timeout: %w", err))
	}

	if _, err := checkpoints.ResolveFormat(c.Checkpoint.Format, c.Monitor.Filename); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint.format: %w", err))
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// MonitorSettings converts the monitor section
func (c *Config) MonitorSettings() training.MonitorConfig {
	return training.MonitorConfig{
		Thresh:   *c.Monitor.Thresh,
		MaxLoss:  *c.Monitor.MaxLoss,
		Filename: c.Monitor.Filename,
		Verbose:  *c.Monitor.Verbose,
	}
}

// EarlyStopSettings converts the early_stop section
func (c *Config) EarlyStopSettings() training.EarlyStopConfig {
	return training.EarlyStopConfig{
		Monitor:    c.EarlyStop.Monitor,
		Value:      *c.EarlyStop.Value,
		EpochLimit: *c.EarlyStop.EpochLimit,
		Mode:       training.MonitorMode(c.EarlyStop.Mode),
		Verbose:    *c.EarlyStop.Verbose,
	}
}

// ScheduleSettings builds the learning rate schedule. A plateau schedule must
// also be registered as a fit callback.
func (c *Config) ScheduleSettings() (training.LRSchedule, error) {
	sc := c.Training.Schedule
	return training.NewLRSchedule(sc.Name, training.ScheduleConfig{
		StepSize:  sc.StepSize,
		Gamma:     sc.Gamma,
		TMax:      sc.TMax,
		MinRate:   sc.MinRate,
		Factor:    sc.Factor,
		Patience:  sc.Patience,
		Threshold: sc.Threshold,
		Monitor:   sc.Monitor,
	})
}

// PlottingServiceSettings converts the plotting section for the sidecar client
func (c *Config) PlottingServiceSettings(modelName string) training.PlottingServiceConfig {
	timeout, _ := time.ParseDuration(c.Plotting.Timeout)
	return training.PlottingServiceConfig{
		BaseURL:     c.Plotting.BaseURL,
		ModelName:   modelName,
		Timeout:     timeout,
		OpenBrowser: c.Plotting.OpenBrowser,
	}
}

// ParseLevel maps a level name to a slog level
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// Init writes an example configuration file
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	example := Default()
	example.Monitor.Filename = "checkpoints/best.json"
	example.EarlyStop.Enabled = true
	example.Store.Enabled = true

	data, err := yaml.Marshal(example)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
