// Package config loads the YAML configuration file and applies environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the trading engine.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Broker    Broker    `yaml:"broker"`
	Strategy  Strategy  `yaml:"strategy"`
	Risk      Risk      `yaml:"risk"`
	Execution Execution `yaml:"execution"`
	Session   Session   `yaml:"session"`
	Alerts    Alerts    `yaml:"alerts"`
	Metrics   Metrics   `yaml:"metrics"`
	Logging   Logging   `yaml:"logging"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	DataDir    string `yaml:"data_dir"`
}

// Broker holds credentials and endpoints for the broker API.
type Broker struct {
	UserID     string `yaml:"user_id"`
	Password   string `yaml:"password"`
	VendorCode string `yaml:"vendor_code"`
	APISecret  string `yaml:"api_secret"`
	TOTPKey    string `yaml:"totp_key"`
	BaseURL    string `yaml:"base_url"`
	StreamURL  string `yaml:"stream_url"`
	Exchange   string `yaml:"exchange"`

	RateLimitPerMin int `yaml:"rate_limit_per_min"`
}

// Strategy defines the zone calculation and signal parameters.
type Strategy struct {
	IndexSymbol      string  `yaml:"index_symbol"`
	ZoneOffset       float64 `yaml:"zone_offset"`
	StrikeStep       float64 `yaml:"strike_step"`
	MiddleTolerance  float64 `yaml:"middle_tolerance"`
	CalibrationStart string  `yaml:"calibration_start"`
	CalibrationEnd   string  `yaml:"calibration_end"`

	SLPoints           float64 `yaml:"sl_points"`
	TPMultiple         float64 `yaml:"tp_multiple"`
	TrailingActivation float64 `yaml:"trailing_activation"`
	TrailingBuffer     float64 `yaml:"trailing_buffer"`
}

// Risk defines the daily limiters enforced by the risk gate.
type Risk struct {
	MaxTradesPerDay int     `yaml:"max_trades_per_day"`
	MaxDailyLoss    float64 `yaml:"max_daily_loss"`
	PositionSize    int     `yaml:"position_size"`
}

// Execution defines order submission behaviour.
type Execution struct {
	Mode        string   `yaml:"mode"` // "paper" or "live"
	PriceOffset float64  `yaml:"price_offset"`
	PriceStep   float64  `yaml:"price_step"`
	FillWait    Duration `yaml:"fill_wait"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// Duration wraps time.Duration so YAML values like "2s" parse naturally.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Session defines the trading day boundaries in the exchange timezone.
type Session struct {
	Timezone     string `yaml:"timezone"`
	Open         string `yaml:"open"`
	Close        string `yaml:"close"`
	ForceCloseAt string `yaml:"force_close_at"`
}

// Alerts configures the outbound notification channel.
type Alerts struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// Metrics configures the Prometheus listener.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("BROKER_USER_ID"); v != "" {
		cfg.Broker.UserID = v
	}
	if v := os.Getenv("BROKER_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}
	if v := os.Getenv("BROKER_VENDOR_CODE"); v != "" {
		cfg.Broker.VendorCode = v
	}
	if v := os.Getenv("BROKER_API_SECRET"); v != "" {
		cfg.Broker.APISecret = v
	}
	if v := os.Getenv("BROKER_TOTP_KEY"); v != "" {
		cfg.Broker.TOTPKey = v
	}
	if v := os.Getenv("BROKER_BASE_URL"); v != "" {
		cfg.Broker.BaseURL = v
	}
	if v := os.Getenv("BROKER_STREAM_URL"); v != "" {
		cfg.Broker.StreamURL = v
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Alerts.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Alerts.TelegramChatID = v
	}

	if v := os.Getenv("EXECUTION_MODE"); v != "" {
		cfg.Execution.Mode = v
	}
	if v := os.Getenv("MAX_TRADES_PER_DAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Risk.MaxTradesPerDay = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// applyDefaults fills in values the file may omit.
func applyDefaults(cfg *Config) {
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/algobot.db"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Broker.Exchange == "" {
		cfg.Broker.Exchange = "NFO"
	}
	if cfg.Broker.RateLimitPerMin == 0 {
		cfg.Broker.RateLimitPerMin = 120
	}

	if cfg.Strategy.IndexSymbol == "" {
		cfg.Strategy.IndexSymbol = "NIFTY"
	}
	if cfg.Strategy.ZoneOffset == 0 {
		cfg.Strategy.ZoneOffset = 2.5
	}
	if cfg.Strategy.StrikeStep == 0 {
		cfg.Strategy.StrikeStep = 50
	}
	if cfg.Strategy.MiddleTolerance == 0 {
		cfg.Strategy.MiddleTolerance = 0.5
	}
	if cfg.Strategy.CalibrationStart == "" {
		cfg.Strategy.CalibrationStart = "9:15:50"
	}
	if cfg.Strategy.CalibrationEnd == "" {
		cfg.Strategy.CalibrationEnd = "9:16:00"
	}
	if cfg.Strategy.SLPoints == 0 {
		cfg.Strategy.SLPoints = 2.5
	}
	if cfg.Strategy.TrailingActivation == 0 {
		cfg.Strategy.TrailingActivation = 20
	}
	if cfg.Strategy.TrailingBuffer == 0 {
		cfg.Strategy.TrailingBuffer = 5
	}

	if cfg.Risk.MaxTradesPerDay == 0 {
		cfg.Risk.MaxTradesPerDay = 4
	}
	if cfg.Risk.MaxDailyLoss == 0 {
		cfg.Risk.MaxDailyLoss = 500
	}
	if cfg.Risk.PositionSize == 0 {
		cfg.Risk.PositionSize = 1
	}

	if cfg.Execution.Mode == "" {
		cfg.Execution.Mode = "paper"
	}
	if cfg.Execution.PriceOffset == 0 {
		cfg.Execution.PriceOffset = 1.0
	}
	if cfg.Execution.PriceStep == 0 {
		cfg.Execution.PriceStep = 1.0
	}
	if cfg.Execution.FillWait == 0 {
		cfg.Execution.FillWait = Duration(time.Second)
	}
	if cfg.Execution.MaxAttempts == 0 {
		cfg.Execution.MaxAttempts = 10
	}

	if cfg.Session.Timezone == "" {
		cfg.Session.Timezone = "Asia/Kolkata"
	}
	if cfg.Session.Open == "" {
		cfg.Session.Open = "9:15"
	}
	if cfg.Session.Close == "" {
		cfg.Session.Close = "15:30"
	}
	if cfg.Session.ForceCloseAt == "" {
		cfg.Session.ForceCloseAt = "15:00"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Execution.Mode != "paper" && c.Execution.Mode != "live" {
		return fmt.Errorf("execution.mode must be \"paper\" or \"live\", got %q", c.Execution.Mode)
	}
	if c.Risk.MaxTradesPerDay < 1 {
		return fmt.Errorf("risk.max_trades_per_day must be positive, got %d", c.Risk.MaxTradesPerDay)
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be positive, got %v", c.Risk.MaxDailyLoss)
	}
	if c.Risk.PositionSize < 1 {
		return fmt.Errorf("risk.position_size must be positive, got %d", c.Risk.PositionSize)
	}
	if c.Strategy.ZoneOffset <= 0 {
		return fmt.Errorf("strategy.zone_offset must be positive, got %v", c.Strategy.ZoneOffset)
	}
	if c.Execution.MaxAttempts < 1 {
		return fmt.Errorf("execution.max_attempts must be positive, got %d", c.Execution.MaxAttempts)
	}
	return nil
}
