// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultOpenOrdersSyncLoopMs is used when OPEN_ORDERS_SYNC_LOOP_MS is unset
// or does not parse as a positive integer and the config file does not set
// a positive value either.
const DefaultOpenOrdersSyncLoopMs = 5000

// Config is the complete, sectioned configuration for one bot instance.
type Config struct {
	Grid        GridConfig        `yaml:"grid"`
	Accountant  AccountantConfig  `yaml:"accountant"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	System      SystemConfig      `yaml:"system"`
}

// GridConfig mirrors grid.Config plus the persisted-state location fields,
// since a bot's grid geometry and its on-disk identity are configured together.
type GridConfig struct {
	StartPrice          float64 `yaml:"start_price" validate:"required,gt=0"`
	MinPrice            float64 `yaml:"min_price" validate:"required,gt=0"`
	MaxPrice            float64 `yaml:"max_price" validate:"required,gt=0"`
	IncrementPercent    float64 `yaml:"increment_percent" validate:"required,gt=0"`
	TargetSpreadPercent float64 `yaml:"target_spread_percent" validate:"required,gt=0"`
	Precision           int32   `yaml:"precision" validate:"min=0,max=18"`
	Symbol              string  `yaml:"symbol" validate:"required"`
	BotKey              string  `yaml:"bot_key" validate:"required"`
	ProfilesDir         string  `yaml:"profiles_dir" validate:"required"`
	BuyAssetID          string  `yaml:"buy_asset_id" validate:"required"`
	SellAssetID         string  `yaml:"sell_asset_id" validate:"required"`
}

// AccountantConfig sizes fund bookkeeping: asset precision and the fee
// schedule the chain collaborator charges per operation kind.
type AccountantConfig struct {
	BuyPrecision  int32   `yaml:"buy_precision" validate:"min=0,max=18"`
	SellPrecision int32   `yaml:"sell_precision" validate:"min=0,max=18"`
	CreateFee     float64 `yaml:"create_fee" validate:"min=0"`
	UpdateFee     float64 `yaml:"update_fee" validate:"min=0"`
	CancelFee     float64 `yaml:"cancel_fee" validate:"min=0"`
	MinFactor     float64 `yaml:"min_order_size_factor" validate:"min=0"`
	DustPercent   float64 `yaml:"dust_percent" validate:"min=0,max=1"`
}

// PipelineConfig tunes the fill-intake queue and dedup window.
type PipelineConfig struct {
	QueueCapacity        int `yaml:"queue_capacity" validate:"required,min=1"`
	DedupeWindowMs       int `yaml:"fill_dedupe_window_ms" validate:"required,min=1"`
	FillProcessingTimeoutMs int `yaml:"fill_processing_timeout_ms" validate:"min=0"`
}

// MaintenanceConfig tunes the background divergence/recovery loop.
type MaintenanceConfig struct {
	IntervalMs          int     `yaml:"interval_ms" validate:"required,min=1"`
	RecoveryCooldownMs  int     `yaml:"recovery_cooldown_ms" validate:"min=0"`
	DivergenceThreshold float64 `yaml:"divergence_threshold" validate:"min=0,max=1"`
	RecoveryRatePerSec  float64 `yaml:"recovery_rate_per_sec" validate:"min=0"`
}

// ExchangeConfig carries the account identity and connection handed to the
// internal/exchange.Client collaborator; this repo never implements the
// client itself.
type ExchangeConfig struct {
	AccountName         string `yaml:"account_name" validate:"required"`
	PrivateKeyEnv       string `yaml:"private_key_env" validate:"required"`
	RPCEndpoint         string `yaml:"rpc_endpoint" validate:"required"`
	OpenOrdersSyncLoopMs int   `yaml:"open_orders_sync_loop_ms"`
}

// TelemetryConfig contains metrics/logging settings.
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name" validate:"required"`
	MetricsPort   int    `yaml:"metrics_port" validate:"min=0,max=65535"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// SystemConfig contains process-level settings.
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load loads configuration from a YAML file, expanding environment
// variables, and applies the OPEN_ORDERS_SYNC_LOOP_MS override.
func Load(filename string, logger interface {
	Warn(msg string, fields ...interface{})
}) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyOpenOrdersSyncLoopOverride(logger)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyOpenOrdersSyncLoopOverride reads OPEN_ORDERS_SYNC_LOOP_MS; an unset or
// invalid value falls back to the file value (or DefaultOpenOrdersSyncLoopMs
// if that is also unset), with a warning logged on an invalid value.
func (c *Config) applyOpenOrdersSyncLoopOverride(logger interface {
	Warn(msg string, fields ...interface{})
}) {
	raw, ok := os.LookupEnv("OPEN_ORDERS_SYNC_LOOP_MS")
	if !ok {
		if c.Exchange.OpenOrdersSyncLoopMs <= 0 {
			c.Exchange.OpenOrdersSyncLoopMs = DefaultOpenOrdersSyncLoopMs
		}
		return
	}

	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		if logger != nil {
			logger.Warn("invalid OPEN_ORDERS_SYNC_LOOP_MS, falling back to default", "value", raw, "default", DefaultOpenOrdersSyncLoopMs)
		}
		if c.Exchange.OpenOrdersSyncLoopMs <= 0 {
			c.Exchange.OpenOrdersSyncLoopMs = DefaultOpenOrdersSyncLoopMs
		}
		return
	}
	c.Exchange.OpenOrdersSyncLoopMs = ms
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateGrid(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateAccountant(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validatePipeline(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchange(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateGrid() error {
	g := c.Grid
	if g.StartPrice <= 0 {
		return ValidationError{Field: "grid.start_price", Value: g.StartPrice, Message: "must be positive"}
	}
	if g.MinPrice <= 0 {
		return ValidationError{Field: "grid.min_price", Value: g.MinPrice, Message: "minPrice must be positive"}
	}
	if g.MaxPrice <= g.MinPrice {
		return ValidationError{Field: "grid.max_price", Value: g.MaxPrice, Message: "must exceed min_price"}
	}
	if g.IncrementPercent <= 0 {
		return ValidationError{Field: "grid.increment_percent", Value: g.IncrementPercent, Message: "must be positive"}
	}
	if g.BotKey == "" {
		return ValidationError{Field: "grid.bot_key", Message: "bot key is required"}
	}
	if g.ProfilesDir == "" {
		return ValidationError{Field: "grid.profiles_dir", Message: "profiles directory is required"}
	}
	if g.BuyAssetID == "" || g.SellAssetID == "" {
		return ValidationError{Field: "grid.buy_asset_id", Message: "buy and sell asset ids are required"}
	}
	return nil
}

func (c *Config) validateAccountant() error {
	if c.Accountant.BuyPrecision < 0 || c.Accountant.SellPrecision < 0 {
		return ValidationError{Field: "accountant.precision", Message: "precision must be non-negative"}
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.QueueCapacity <= 0 {
		return ValidationError{Field: "pipeline.queue_capacity", Value: c.Pipeline.QueueCapacity, Message: "must be positive"}
	}
	if c.Pipeline.DedupeWindowMs <= 0 {
		return ValidationError{Field: "pipeline.fill_dedupe_window_ms", Value: c.Pipeline.DedupeWindowMs, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateExchange() error {
	if c.Exchange.AccountName == "" {
		return ValidationError{Field: "exchange.account_name", Message: "account name is required"}
	}
	if c.Exchange.RPCEndpoint == "" {
		return ValidationError{Field: "exchange.rpc_endpoint", Message: "rpc endpoint is required"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration (with
// sensitive data masked).
func (c *Config) String() string {
	cfgCopy := *c
	cfgCopy.Exchange.PrivateKeyEnv = maskString(cfgCopy.Exchange.PrivateKeyEnv)
	data, _ := yaml.Marshal(cfgCopy)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration, useful for tests and for
// generating an example config file.
func DefaultConfig() *Config {
	return &Config{
		Grid: GridConfig{
			StartPrice:          100,
			MinPrice:            50,
			MaxPrice:            200,
			IncrementPercent:    1,
			TargetSpreadPercent: 2,
			Precision:           4,
			Symbol:              "BTS/USD",
			BotKey:              "default",
			ProfilesDir:         "./profiles",
			BuyAssetID:          "1.3.0",
			SellAssetID:         "1.3.121",
		},
		Accountant: AccountantConfig{
			BuyPrecision:  4,
			SellPrecision: 4,
			CreateFee:     0.01,
			UpdateFee:     0.005,
			CancelFee:     0,
			MinFactor:     2.0,
			DustPercent:   0.01,
		},
		Pipeline: PipelineConfig{
			QueueCapacity:  1024,
			DedupeWindowMs: 300000,
		},
		Maintenance: MaintenanceConfig{
			IntervalMs:          60000,
			RecoveryCooldownMs:  30000,
			DivergenceThreshold: 0.143,
			RecoveryRatePerSec:  1,
		},
		Exchange: ExchangeConfig{
			AccountName:          "gridbot",
			PrivateKeyEnv:        "GRIDBOT_PRIVATE_KEY",
			RPCEndpoint:          "wss://localhost:8090",
			OpenOrdersSyncLoopMs: DefaultOpenOrdersSyncLoopMs,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "gridbot",
			MetricsPort:   9464,
			EnableMetrics: true,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
	}
}
