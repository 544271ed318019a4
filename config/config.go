// Package config loads the engine's frozen startup configuration: grid
// parameters, risk knobs, and (via godotenv) the two accounts' API secrets.
// A missing config file is not an error — it falls back to documented
// defaults, the same shape as the teacher's LoadConfig.
package config

import (
	"encoding/json"
	"os"

	"hedgegrid/logger"

	"github.com/joho/godotenv"
)

// Config is every value frozen at process start, per §6.
type Config struct {
	Symbol        string `json:"symbol"`
	ATRPeriod     int    `json:"atr_period"`
	ATRMultiplier float64 `json:"atr_multiplier"`
	ATRTimeframe  string `json:"atr_timeframe"`

	TargetProfitRate float64 `json:"target_profit_rate"`
	SafetyFactor     float64 `json:"safety_factor"`
	FundUtilization  float64 `json:"fund_utilization"`
	MakerFee         float64 `json:"maker_fee"`
	MaxLeverage      int     `json:"max_leverage"`

	MaxOpenOrders         int     `json:"max_open_orders"`
	MaxOrdersPerBatch     int     `json:"max_orders_per_batch"`
	OrderFrequencySeconds int     `json:"order_frequency_seconds"`
	TakeProfitRatio       float64 `json:"take_profit_ratio"`
	SafeExtraSpread       float64 `json:"safe_extra_spread"`

	MaxGridDeviation        float64 `json:"max_grid_deviation"`
	MaxNetPosition          float64 `json:"max_net_position"`
	EmergencyTimeoutSeconds int     `json:"emergency_timeout_seconds"`
	HealthCheckIntervalSeconds int  `json:"health_check_interval_seconds"`
	MaxStopLossRetries      int     `json:"max_stop_loss_retries"`
	BalanceTolerance        float64 `json:"balance_tolerance"`

	Log LogConfig `json:"log"`
}

// LogConfig is the logging section of Config.
type LogConfig struct {
	Level string `json:"level"`
}

// SetDefaults fills every zero-valued field with its documented §6 default.
func (c *Config) SetDefaults() {
	if c.Symbol == "" {
		c.Symbol = "DOGEUSDC"
	}
	if c.ATRPeriod == 0 {
		c.ATRPeriod = 14
	}
	if c.ATRMultiplier == 0 {
		c.ATRMultiplier = 2.0
	}
	if c.ATRTimeframe == "" {
		c.ATRTimeframe = "1h"
	}
	if c.TargetProfitRate == 0 {
		c.TargetProfitRate = 0.002
	}
	if c.SafetyFactor == 0 {
		c.SafetyFactor = 0.8
	}
	if c.FundUtilization == 0 {
		c.FundUtilization = 0.9
	}
	if c.MakerFee == 0 {
		c.MakerFee = 0.0002
	}
	if c.MaxLeverage == 0 {
		c.MaxLeverage = 50
	}
	if c.MaxOpenOrders == 0 {
		c.MaxOpenOrders = 5
	}
	if c.MaxOrdersPerBatch == 0 {
		c.MaxOrdersPerBatch = 2
	}
	if c.OrderFrequencySeconds == 0 {
		c.OrderFrequencySeconds = 3
	}
	if c.TakeProfitRatio == 0 {
		c.TakeProfitRatio = 0.01
	}
	if c.SafeExtraSpread == 0 {
		c.SafeExtraSpread = 0.0005
	}
	if c.MaxGridDeviation == 0 {
		c.MaxGridDeviation = 0.10
	}
	if c.EmergencyTimeoutSeconds == 0 {
		c.EmergencyTimeoutSeconds = 30
	}
	if c.HealthCheckIntervalSeconds == 0 {
		c.HealthCheckIntervalSeconds = 10
	}
	if c.MaxStopLossRetries == 0 {
		c.MaxStopLossRetries = 3
	}
	if c.BalanceTolerance == 0 {
		c.BalanceTolerance = 0.05
	}
	c.Log.SetDefaults()
}

// SetDefaults fills the log level default ("info") when unset.
func (c *LogConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

// LoadConfig reads filename as JSON config. A missing file is not an
// error — it returns defaults, matching the teacher's LoadConfig contract.
func LoadConfig(filename string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warnf("config file %s not found, using defaults", filename)
			cfg.SetDefaults()
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

// Secrets holds the two accounts' exchange credentials, loaded from the
// process environment (via a .env file if present).
type Secrets struct {
	LongAPIKey     string
	LongAPISecret  string
	ShortAPIKey    string
	ShortAPISecret string
}

// LoadSecrets loads a .env file (if present; missing is not an error) and
// reads the four required credential environment variables.
func LoadSecrets(envFile string) (Secrets, error) {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return Secrets{}, err
	}

	return Secrets{
		LongAPIKey:     os.Getenv("HEDGEGRID_LONG_API_KEY"),
		LongAPISecret:  os.Getenv("HEDGEGRID_LONG_API_SECRET"),
		ShortAPIKey:    os.Getenv("HEDGEGRID_SHORT_API_KEY"),
		ShortAPISecret: os.Getenv("HEDGEGRID_SHORT_API_SECRET"),
	}, nil
}
