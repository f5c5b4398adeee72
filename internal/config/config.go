// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Broker    BrokerConfig    `yaml:"broker"`
	Feed      FeedConfig      `yaml:"feed"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Session   SessionConfig   `yaml:"session"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Status    StatusConfig    `yaml:"status"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	LogLevel      string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR FATAL"`
	CandidateDB   string `yaml:"candidate_db"`   // sqlite path for the day-scoped candidate cache
	CandidateFile string `yaml:"candidate_file"` // JSON artifact fallback from the premarket screener
}

// BrokerConfig contains broker transport credentials and endpoints
type BrokerConfig struct {
	ClientID       string  `yaml:"client_id" validate:"required"`
	AccessToken    Secret  `yaml:"access_token" validate:"required"`
	BaseURL        string  `yaml:"base_url"`
	OrderFeedURL   string  `yaml:"order_feed_url"`
	ScripMasterURL string  `yaml:"scrip_master_url"`
	ScripCacheFile string  `yaml:"scrip_cache_file"`
	RequestsPerSec float64 `yaml:"requests_per_second" validate:"min=0"`
	MaxConnections int     `yaml:"max_connections" validate:"min=0"`
	TimeoutSeconds int     `yaml:"timeout_seconds" validate:"min=0,max=300"`
}

// FeedConfig contains market data feed settings
type FeedConfig struct {
	URL                 string `yaml:"url"`
	PingIntervalSeconds int    `yaml:"ping_interval_seconds" validate:"min=0,max=300"`
	PongWaitSeconds     int    `yaml:"pong_wait_seconds" validate:"min=0,max=600"`
}

// StrategyConfig contains the ladder strategy settings. It doubles as the
// runtime settings object updated through the control surface.
type StrategyConfig struct {
	NoOfAddOns           int     `yaml:"no_of_add_ons"`
	AddOnPercentage      float64 `yaml:"add_on_percentage"`
	InitialStopLossPct   float64 `yaml:"initial_stop_loss_pct"`
	TrailingStopLossPct  float64 `yaml:"trailing_stop_loss_pct"`
	TargetPercentage     float64 `yaml:"target_percentage"`
	MaxLadderStocks      int     `yaml:"max_ladder_stocks"`
	TopNGainers          int     `yaml:"top_n_gainers"`
	TopNLosers           int     `yaml:"top_n_losers"`
	MinTurnoverCrores    float64 `yaml:"min_turnover_crores"`
	MaxOpenGapPctLong    float64 `yaml:"max_open_gap_pct_long"`
	MinOpenGapPctShort   float64 `yaml:"min_open_gap_pct_short"`
	CyclesPerStock       int     `yaml:"cycles_per_stock"`
	TradeCapital         float64 `yaml:"trade_capital"`
	ProfitTargetPerStock float64 `yaml:"profit_target_per_stock"`
	LossLimitPerStock    float64 `yaml:"loss_limit_per_stock"`
	GlobalProfitExit     float64 `yaml:"global_profit_exit"`
	GlobalLossExit       float64 `yaml:"global_loss_exit"`
	MaxConcurrentOrders  int     `yaml:"max_concurrent_orders"`
	OrderQueueSize       int     `yaml:"order_queue_size"`
}

// SessionConfig contains trading session boundaries
type SessionConfig struct {
	Timezone  string `yaml:"timezone"`
	OpenTime  string `yaml:"open_time"`
	CloseTime string `yaml:"close_time"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	DebugTraces   bool `yaml:"debug_traces"` // pretty-printed spans and OTel logs on stdout
}

// StatusConfig contains the live status WebSocket stream settings.
type StatusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxViewers     int      `yaml:"max_viewers"`
}

// AlertsConfig contains operator notification channels. Channels with empty
// credentials are skipped.
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// DefaultStrategy returns the baseline ladder settings.
func DefaultStrategy() StrategyConfig {
	return StrategyConfig{
		NoOfAddOns:           5,
		AddOnPercentage:      0.5,
		InitialStopLossPct:   2,
		TrailingStopLossPct:  2,
		TargetPercentage:     5,
		MaxLadderStocks:      10,
		TopNGainers:          5,
		TopNLosers:           5,
		MinTurnoverCrores:    1.0,
		MaxOpenGapPctLong:    5.0,
		MinOpenGapPctShort:   -5.0,
		CyclesPerStock:       3,
		TradeCapital:         1000,
		ProfitTargetPerStock: 5000,
		LossLimitPerStock:    2000,
		GlobalProfitExit:     4000,
		GlobalLossExit:       2000,
		MaxConcurrentOrders:  10,
		OrderQueueSize:       100,
	}
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := &Config{Strategy: DefaultStrategy()}
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	config.Strategy = config.Strategy.Normalize()

	return config, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.App.CandidateDB == "" {
		c.App.CandidateDB = "candidates.db"
	}
	if c.App.CandidateFile == "" {
		c.App.CandidateFile = "filtered_stocks.json"
	}
	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://api.dhan.co/v2"
	}
	if c.Broker.OrderFeedURL == "" {
		c.Broker.OrderFeedURL = "wss://api-order-update.dhan.co"
	}
	if c.Broker.ScripMasterURL == "" {
		c.Broker.ScripMasterURL = "https://images.dhan.co/api-data/api-scrip-master.csv"
	}
	if c.Broker.ScripCacheFile == "" {
		c.Broker.ScripCacheFile = "security_id_cache.json"
	}
	if c.Broker.RequestsPerSec <= 0 {
		c.Broker.RequestsPerSec = 1.0
	}
	if c.Broker.MaxConnections <= 0 {
		c.Broker.MaxConnections = 5
	}
	if c.Broker.TimeoutSeconds <= 0 {
		c.Broker.TimeoutSeconds = 15
	}
	if c.Feed.PingIntervalSeconds <= 0 {
		c.Feed.PingIntervalSeconds = 30
	}
	if c.Feed.PongWaitSeconds <= 0 {
		c.Feed.PongWaitSeconds = 60
	}
	if c.Session.Timezone == "" {
		c.Session.Timezone = "Asia/Kolkata"
	}
	if c.Session.OpenTime == "" {
		c.Session.OpenTime = "09:16"
	}
	if c.Session.CloseTime == "" {
		c.Session.CloseTime = "15:30"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
	if c.Status.Port == 0 {
		c.Status.Port = 8090
	}
	if len(c.Status.AllowedOrigins) == 0 {
		c.Status.AllowedOrigins = []string{"*"}
	}
	if c.Status.MaxViewers <= 0 {
		c.Status.MaxViewers = 100
	}
}

// Validate checks the loaded configuration for invalid combinations
func (c *Config) Validate() error {
	if c.Broker.ClientID == "" {
		return ValidationError{Field: "broker.client_id", Value: "", Message: "required"}
	}
	if c.Broker.AccessToken == "" {
		return ValidationError{Field: "broker.access_token", Value: "", Message: "required"}
	}
	switch strings.ToUpper(c.App.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return ValidationError{Field: "app.log_level", Value: c.App.LogLevel, Message: "must be one of DEBUG INFO WARN ERROR FATAL"}
	}
	if c.Strategy.TradeCapital <= 0 {
		return ValidationError{Field: "strategy.trade_capital", Value: c.Strategy.TradeCapital, Message: "must be positive"}
	}
	if c.Strategy.AddOnPercentage < 0 || c.Strategy.InitialStopLossPct < 0 ||
		c.Strategy.TrailingStopLossPct < 0 || c.Strategy.TargetPercentage < 0 {
		return ValidationError{Field: "strategy", Value: nil, Message: "percentage offsets must not be negative"}
	}
	return nil
}

// Normalize clamps settings to avoid invalid combinations from the control
// surface. Gainer capacity is preserved before loser capacity is reduced.
func (s StrategyConfig) Normalize() StrategyConfig {
	out := s

	if out.MaxLadderStocks < 1 {
		out.MaxLadderStocks = 1
	}
	if out.TopNGainers < 0 {
		out.TopNGainers = 0
	}
	if out.TopNLosers < 0 {
		out.TopNLosers = 0
	}
	if out.MaxConcurrentOrders < 1 {
		out.MaxConcurrentOrders = 1
	}
	if out.CyclesPerStock < 1 {
		out.CyclesPerStock = 1
	}
	if out.NoOfAddOns < 0 {
		out.NoOfAddOns = 0
	}
	if out.OrderQueueSize < 1 {
		out.OrderQueueSize = 100
	}

	// Rule: top_gainers + top_losers must not exceed max_ladder_stocks.
	if out.TopNGainers+out.TopNLosers > out.MaxLadderStocks {
		out.TopNLosers = out.MaxLadderStocks - out.TopNGainers
		if out.TopNLosers < 0 {
			out.TopNLosers = 0
		}
		if out.TopNLosers == 0 && out.TopNGainers > out.MaxLadderStocks {
			out.TopNGainers = out.MaxLadderStocks
		}
	}

	return out
}

// expandEnvVars replaces ${VAR} and $VAR references with environment values
func expandEnvVars(content string) string {
	return os.Expand(content, func(key string) string {
		return os.Getenv(key)
	})
}
