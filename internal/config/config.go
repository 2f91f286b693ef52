// Package config provides centralized configuration management for the
// corporate-action engine. Configuration is assembled from defaults, an
// optional JSON or YAML file and CORPACT_* environment variables, then
// validated as a whole.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "CORPACT"

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Application metadata
	AppName string `json:"app_name" yaml:"app_name" envconfig:"APP_NAME" validate:"required"`
	Version string `json:"version" yaml:"version" envconfig:"VERSION"`

	Storage       StorageConfig       `json:"storage" yaml:"storage" envconfig:"STORAGE"`
	Limits        LimitsConfig        `json:"limits" yaml:"limits" envconfig:"LIMITS"`
	Detector      DetectorConfig      `json:"detector" yaml:"detector" envconfig:"DETECTOR"`
	Classifier    ClassifierConfig    `json:"classifier" yaml:"classifier" envconfig:"CLASSIFIER"`
	Recalc        RecalcConfig        `json:"recalc" yaml:"recalc" envconfig:"RECALC"`
	Cascade       CascadeConfig       `json:"cascade" yaml:"cascade" envconfig:"CASCADE"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging" envconfig:"LOG"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics" envconfig:"METRICS"`
	ErrorHandling ErrorHandlingConfig `json:"error_handling" yaml:"error_handling" envconfig:"ERRORS"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type         string `json:"type" yaml:"type" envconfig:"TYPE" validate:"oneof=duckdb memory"`
	DataDir      string `json:"data_dir" yaml:"data_dir" envconfig:"DATA_DIR" validate:"required_if=Type duckdb"`
	CatalogPath  string `json:"catalog_path" yaml:"catalog_path" envconfig:"CATALOG_PATH"` // DuckDB catalog file, defaults to <data_dir>/catalog.duckdb
	MemoryLimit  string `json:"memory_limit" yaml:"memory_limit" envconfig:"MEMORY_LIMIT"`
	Threads      int    `json:"threads" yaml:"threads" envconfig:"THREADS" validate:"gte=1"`
	QueryTimeout string `json:"query_timeout" yaml:"query_timeout" envconfig:"QUERY_TIMEOUT" validate:"duration"`
}

// CatalogFile returns the DuckDB catalog path.
func (s StorageConfig) CatalogFile() string {
	if s.CatalogPath != "" {
		return s.CatalogPath
	}
	return filepath.Join(s.DataDir, "catalog.duckdb")
}

// LimitsConfig points at the exchange limit reference data
type LimitsConfig struct {
	File         string             `json:"file" yaml:"file" envconfig:"FILE"` // optional YAML reference file
	DefaultVenue string             `json:"default_venue" yaml:"default_venue" envconfig:"DEFAULT_VENUE" validate:"required"`
	Venues       map[string]float64 `json:"venues" yaml:"venues" envconfig:"VENUES" validate:"required,dive,gt=0,lt=1"`
	Instruments  map[string]string  `json:"instruments" yaml:"instruments" envconfig:"INSTRUMENTS"`
}

// DetectorConfig configures the spike detector
type DetectorConfig struct {
	Window          int     `json:"window" yaml:"window" envconfig:"WINDOW" validate:"gte=2"`
	MinPeriods      int     `json:"min_periods" yaml:"min_periods" envconfig:"MIN_PERIODS" validate:"gte=2,ltefield=Window"`
	ZScoreThreshold float64 `json:"zscore_threshold" yaml:"zscore_threshold" envconfig:"ZSCORE_THRESHOLD" validate:"gt=0"`
	MaxGapDays      int     `json:"max_gap_days" yaml:"max_gap_days" envconfig:"MAX_GAP_DAYS" validate:"gte=0"`
}

// ClassifierConfig configures the event classifier
type ClassifierConfig struct {
	Tolerance             float64 `json:"tolerance" yaml:"tolerance" envconfig:"TOLERANCE" validate:"gt=0,lt=0.5"`
	DividendMinReturn     float64 `json:"dividend_min_return" yaml:"dividend_min_return" envconfig:"DIVIDEND_MIN_RETURN" validate:"gte=0"`
	DividendMaxReturn     float64 `json:"dividend_max_return" yaml:"dividend_max_return" envconfig:"DIVIDEND_MAX_RETURN" validate:"gtfield=DividendMinReturn"`
	VolumeMultiple        float64 `json:"volume_multiple" yaml:"volume_multiple" envconfig:"VOLUME_MULTIPLE" validate:"gt=0"`
	VolumeWindow          int     `json:"volume_window" yaml:"volume_window" envconfig:"VOLUME_WINDOW" validate:"gte=1"`
	AutoConfirmConfidence float64 `json:"auto_confirm_confidence" yaml:"auto_confirm_confidence" envconfig:"AUTO_CONFIRM_CONFIDENCE" validate:"gte=0,lte=1"`
}

// RecalcConfig configures the selective recalculation engine
type RecalcConfig struct {
	MinLookbackDays int      `json:"min_lookback_days" yaml:"min_lookback_days" envconfig:"MIN_LOOKBACK_DAYS" validate:"gte=1"`
	Signals         []string `json:"signals" yaml:"signals" envconfig:"SIGNALS" validate:"required,min=1"`
}

// CascadeConfig configures the cascade orchestrator
type CascadeConfig struct {
	Workers         int     `json:"workers" yaml:"workers" envconfig:"WORKERS" validate:"gte=1"`
	QueueSize       int     `json:"queue_size" yaml:"queue_size" envconfig:"QUEUE_SIZE" validate:"gte=1"`
	RatePerSecond   float64 `json:"rate_per_second" yaml:"rate_per_second" envconfig:"RATE_PER_SECOND" validate:"gte=0"` // 0 disables throttling
	BatchTimeout    string  `json:"batch_timeout" yaml:"batch_timeout" envconfig:"BATCH_TIMEOUT" validate:"duration"`
	ShutdownTimeout string  `json:"shutdown_timeout" yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"duration"`
}

// LoggingConfig configures application logging
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn error"`
	Format     string `json:"format" yaml:"format" envconfig:"FORMAT" validate:"oneof=json text"`
	Output     string `json:"output" yaml:"output" envconfig:"OUTPUT" validate:"oneof=stdout stderr file"`
	FilePath   string `json:"file_path" yaml:"file_path" envconfig:"FILE_PATH" validate:"required_if=Output file"`
	MaxSize    int    `json:"max_size" yaml:"max_size" envconfig:"MAX_SIZE"`          // megabytes
	MaxBackups int    `json:"max_backups" yaml:"max_backups" envconfig:"MAX_BACKUPS"` // rotated files kept
	MaxAge     int    `json:"max_age" yaml:"max_age" envconfig:"MAX_AGE"`             // days
	Compress   bool   `json:"compress" yaml:"compress" envconfig:"COMPRESS"`
}

// MetricsConfig configures batch metrics export
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" envconfig:"ENABLED"`
	Namespace string `json:"namespace" yaml:"namespace" envconfig:"NAMESPACE" validate:"required"`
	Textfile  string `json:"textfile" yaml:"textfile" envconfig:"TEXTFILE"` // node_exporter textfile target
}

// ErrorHandlingConfig configures retry of storage writes
type ErrorHandlingConfig struct {
	RetryPolicy RetryPolicyConfig `json:"retry_policy" yaml:"retry_policy" envconfig:"RETRY"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts" envconfig:"MAX_ATTEMPTS" validate:"gte=1"`
	InitialDelay    string `json:"initial_delay" yaml:"initial_delay" envconfig:"INITIAL_DELAY" validate:"duration"`
	MaxDelay        string `json:"max_delay" yaml:"max_delay" envconfig:"MAX_DELAY" validate:"duration"`
	BackoffStrategy string `json:"backoff_strategy" yaml:"backoff_strategy" envconfig:"BACKOFF_STRATEGY" validate:"oneof=fixed exponential"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
	validate   *validator.Validate
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})

	return &ConfigManager{
		configPath: configPath,
		logger:     logger,
		validate:   v,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.InfoContext(ctx, "configuration loaded successfully",
		"config_path", cm.configPath,
		"storage_type", config.Storage.Type,
		"data_dir", config.Storage.DataDir,
		"workers", config.Cascade.Workers,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile merges a JSON or YAML file over the defaults. The format is
// chosen by extension; a missing file is not an error.
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	if err := cm.validate.Struct(config); err != nil {
		fieldErrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range fieldErrs {
			errors = append(errors, describeFieldError(fe))
		}
	}

	if _, ok := config.Limits.Venues[config.Limits.DefaultVenue]; !ok && config.Limits.File == "" {
		errors = append(errors, fmt.Sprintf("limits.default_venue %q is not a configured venue", config.Limits.DefaultVenue))
	}
	for instrument, venue := range config.Limits.Instruments {
		if _, ok := config.Limits.Venues[venue]; !ok && config.Limits.File == "" {
			errors = append(errors, fmt.Sprintf("limits.instruments.%s references unknown venue %q", instrument, venue))
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// describeFieldError renders a validator failure as "section.field <reason>".
func describeFieldError(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}

	switch fe.Tag() {
	case "required", "required_if":
		return ns + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", ns, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", ns, fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", ns, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", ns, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", ns, fe.Param())
	case "duration":
		return fmt.Sprintf("%s is not a valid duration: %q", ns, fe.Value())
	case "ltefield", "gtfield":
		return fmt.Sprintf("%s must be %s %s", ns, map[string]string{"ltefield": "<=", "gtfield": ">"}[fe.Tag()], fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", ns, fe.Tag())
	}
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig writes the current configuration to the config path as JSON
// or YAML depending on its extension.
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	if cm.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cm.config)
	default:
		data, err = json.MarshalIndent(cm.config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.InfoContext(ctx, "configuration saved", "path", cm.configPath)
	return nil
}

// Durations parses the duration strings of the cascade section.
func (c CascadeConfig) Durations() (batch, shutdown time.Duration, err error) {
	if batch, err = time.ParseDuration(c.BatchTimeout); err != nil {
		return 0, 0, fmt.Errorf("invalid batch_timeout: %w", err)
	}
	if shutdown, err = time.ParseDuration(c.ShutdownTimeout); err != nil {
		return 0, 0, fmt.Errorf("invalid shutdown_timeout: %w", err)
	}
	return batch, shutdown, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "corpaction-engine",
		Version: "1.0.0",
		Storage: StorageConfig{
			Type:         "duckdb",
			DataDir:      "data",
			MemoryLimit:  "1GB",
			Threads:      4,
			QueryTimeout: "30s",
		},
		Limits: LimitsConfig{
			DefaultVenue: "HOSE",
			Venues: map[string]float64{
				"HOSE":  0.07,
				"HNX":   0.10,
				"UPCOM": 0.15,
			},
			Instruments: map[string]string{},
		},
		Detector: DetectorConfig{
			Window:          20,
			MinPeriods:      10,
			ZScoreThreshold: 3.0,
			MaxGapDays:      10,
		},
		Classifier: ClassifierConfig{
			Tolerance:             0.10,
			DividendMinReturn:     0.05,
			DividendMaxReturn:     0.15,
			VolumeMultiple:        2.0,
			VolumeWindow:          20,
			AutoConfirmConfidence: 0.9,
		},
		Recalc: RecalcConfig{
			MinLookbackDays: 200,
			Signals:         []string{"sma_20", "sma_50", "sma_200", "volatility_20", "rsi_14"},
		},
		Cascade: CascadeConfig{
			Workers:         4,
			QueueSize:       256,
			RatePerSecond:   0,
			BatchTimeout:    "30m",
			ShutdownTimeout: "30s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "corpact",
		},
		ErrorHandling: ErrorHandlingConfig{
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    "100ms",
				MaxDelay:        "2s",
				BackoffStrategy: "exponential",
			},
		},
	}
}
