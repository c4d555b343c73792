package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atfleming/tradestream/alert"
	"github.com/atfleming/tradestream/position"
	"github.com/atfleming/tradestream/risk"
	"github.com/atfleming/tradestream/router"
)

// EnvPrefix prefixes every environment override, e.g. TRADESTREAM_BROKER_TOKEN.
const EnvPrefix = "TRADESTREAM_"

// Config is the complete runtime configuration
type Config struct {
	Log       LogConfig       `json:"log" yaml:"log"`
	Contract  ContractConfig  `json:"contract" yaml:"contract"`
	Parser    ParserConfig    `json:"parser" yaml:"parser"`
	Sizing    SizingConfig    `json:"sizing" yaml:"sizing"`
	Risk      RiskConfig      `json:"risk" yaml:"risk"`
	Execution ExecutionConfig `json:"execution" yaml:"execution"`
	Broker    BrokerConfig    `json:"broker" yaml:"broker"`
	Prices    PricesConfig    `json:"prices" yaml:"prices"`
	Feed      FeedConfig      `json:"feed" yaml:"feed"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Server    ServerConfig    `json:"server" yaml:"server"`
}

type LogConfig struct {
	Level    string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Encoding string `json:"encoding" yaml:"encoding"` // "json" or "console"
}

// ContractConfig describes the traded futures contract
type ContractConfig struct {
	Symbol    string  `json:"symbol" yaml:"symbol"`
	TickSize  float64 `json:"tick_size" yaml:"tick_size"`
	UnitValue float64 `json:"unit_value" yaml:"unit_value"` // dollars per point per contract
}

type ParserConfig struct {
	MinPrice        float64 `json:"min_price" yaml:"min_price"`
	MaxPrice        float64 `json:"max_price" yaml:"max_price"`
	MaxStopDistance float64 `json:"max_stop_distance" yaml:"max_stop_distance"`
	Target1Offset   float64 `json:"target1_offset" yaml:"target1_offset"`
	Target2Offset   float64 `json:"target2_offset" yaml:"target2_offset"`
}

type SizingConfig struct {
	BaseUnit int `json:"base_unit" yaml:"base_unit"`
}

type RiskConfig struct {
	MaxDailyTrades           int     `json:"max_daily_trades" yaml:"max_daily_trades"`
	MaxPositionSize          int     `json:"max_position_size" yaml:"max_position_size"`
	DailyLossLimit           float64 `json:"daily_loss_limit" yaml:"daily_loss_limit"`
	ConsecutiveLossThreshold int     `json:"consecutive_loss_circuit_threshold" yaml:"consecutive_loss_circuit_threshold"`
	CircuitDrawdown          float64 `json:"circuit_drawdown" yaml:"circuit_drawdown"`
	SessionReset             string  `json:"session_reset" yaml:"session_reset"` // cron with seconds
	Timezone                 string  `json:"timezone" yaml:"timezone"`
}

// ExecutionConfig durations are Go duration strings, e.g. "10s"
type ExecutionConfig struct {
	Mode              string  `json:"mode" yaml:"mode" env:"MODE"`
	SlippageTicks     int     `json:"slippage_ticks" yaml:"slippage_ticks"`
	CommissionPerUnit float64 `json:"commission_per_unit" yaml:"commission_per_unit"`
	RemainderTo       string  `json:"remainder_to" yaml:"remainder_to"`
	ExitTimeout       string  `json:"exit_timeout" yaml:"exit_timeout"`
	ShutdownTimeout   string  `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	StaleAfter        string  `json:"stale_after" yaml:"stale_after"`
}

type BrokerConfig struct {
	BaseURL     string  `json:"base_url" yaml:"base_url" env:"BROKER_BASE_URL"`
	FillsURL    string  `json:"fills_ws_url" yaml:"fills_ws_url" env:"BROKER_FILLS_URL"`
	Token       string  `json:"token,omitempty" yaml:"token,omitempty" env:"BROKER_TOKEN"`
	RetryBudget int     `json:"retry_budget" yaml:"retry_budget"`
	RateLimit   float64 `json:"rate_limit" yaml:"rate_limit"` // orders per second, 0 = unlimited
	RateBurst   int     `json:"rate_burst" yaml:"rate_burst"`
	HTTPTimeout string  `json:"http_timeout" yaml:"http_timeout"`
}

type PricesConfig struct {
	Source      string  `json:"source" yaml:"source"` // "ws" or "replay"
	URL         string  `json:"url,omitempty" yaml:"url,omitempty" env:"PRICES_URL"`
	ReplayFile  string  `json:"replay_file,omitempty" yaml:"replay_file,omitempty"`
	ReplaySpeed float64 `json:"replay_speed,omitempty" yaml:"replay_speed,omitempty"`
	Buffer      int     `json:"buffer" yaml:"buffer"`
}

type FeedConfig struct {
	Type    string        `json:"type" yaml:"type"` // "discord", "kafka" or "stdin"
	Discord DiscordConfig `json:"discord" yaml:"discord"`
	Kafka   KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type DiscordConfig struct {
	Token    string   `json:"token,omitempty" yaml:"token,omitempty" env:"DISCORD_TOKEN"`
	Channels []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	Authors  []string `json:"authors,omitempty" yaml:"authors,omitempty"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers,omitempty" yaml:"brokers,omitempty" env:"KAFKA_BROKERS"`
	Topic   string   `json:"topic,omitempty" yaml:"topic,omitempty"`
	GroupID string   `json:"group_id,omitempty" yaml:"group_id,omitempty"`
}

type JournalConfig struct {
	DBPath string `json:"db_path" yaml:"db_path" env:"DB_PATH"`
}

type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" env:"SERVER_ADDR"` // empty disables the ops server
}

// LoadFromFile loads configuration from a file (YAML, falling back to JSON),
// applies environment overrides, and validates the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		cfg = Default()
		err = json.Unmarshal(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays TRADESTREAM_* environment variables, mostly secrets.
func ApplyEnv(c *Config) error {
	return applyEnv(c, nil)
}

func applyEnv(c *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a file (JSON or YAML based on extension)
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	if c.Log.Encoding != "json" && c.Log.Encoding != "console" {
		return fmt.Errorf("log.encoding must be 'json' or 'console'")
	}

	if c.Contract.Symbol == "" {
		return fmt.Errorf("contract.symbol is required")
	}
	if c.Contract.TickSize <= 0 {
		return fmt.Errorf("contract.tick_size must be positive")
	}
	if c.Contract.UnitValue <= 0 {
		return fmt.Errorf("contract.unit_value must be positive")
	}

	if err := c.ParserConfig().Validate(); err != nil {
		return err
	}
	if err := c.SizeMapping().Validate(); err != nil {
		return err
	}
	if err := c.RiskLimits().Validate(); err != nil {
		return err
	}
	if _, err := cron.NewParser(cronFields).Parse(c.Risk.SessionReset); err != nil {
		return fmt.Errorf("risk.session_reset: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	mode, err := router.ParseMode(c.Execution.Mode)
	if err != nil {
		return fmt.Errorf("execution.mode: %w", err)
	}
	if c.Execution.SlippageTicks < 0 {
		return fmt.Errorf("execution.slippage_ticks must be >= 0")
	}
	if c.Execution.CommissionPerUnit < 0 {
		return fmt.Errorf("execution.commission_per_unit must be >= 0")
	}
	if err := position.RemainderPolicy(c.Execution.RemainderTo).Validate(); err != nil {
		return fmt.Errorf("execution.remainder_to: %w", err)
	}
	for field, v := range map[string]string{
		"execution.exit_timeout":     c.Execution.ExitTimeout,
		"execution.shutdown_timeout": c.Execution.ShutdownTimeout,
		"execution.stale_after":      c.Execution.StaleAfter,
		"broker.http_timeout":        c.Broker.HTTPTimeout,
	} {
		if _, err := parseDuration(field, v); err != nil {
			return err
		}
	}

	if mode != router.ModePaper {
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url required for %s mode", mode)
		}
		if c.Broker.Token == "" {
			return fmt.Errorf("broker.token required for %s mode (set %sBROKER_TOKEN)", mode, EnvPrefix)
		}
	}
	if c.Broker.RetryBudget < 0 {
		return fmt.Errorf("broker.retry_budget must be >= 0")
	}
	if c.Broker.RateLimit < 0 {
		return fmt.Errorf("broker.rate_limit must be >= 0")
	}

	switch c.Prices.Source {
	case "ws":
		if c.Prices.URL == "" {
			return fmt.Errorf("prices.url required for ws source")
		}
	case "replay":
		if c.Prices.ReplayFile == "" {
			return fmt.Errorf("prices.replay_file required for replay source")
		}
	default:
		return fmt.Errorf("prices.source must be 'ws' or 'replay'")
	}

	switch c.Feed.Type {
	case "stdin":
	case "discord":
		if c.Feed.Discord.Token == "" {
			return fmt.Errorf("feed.discord.token required (set %sDISCORD_TOKEN)", EnvPrefix)
		}
	case "kafka":
		if len(c.Feed.Kafka.Brokers) == 0 || c.Feed.Kafka.Topic == "" {
			return fmt.Errorf("feed.kafka brokers and topic required for kafka feed")
		}
	default:
		return fmt.Errorf("feed.type must be 'discord', 'kafka' or 'stdin'")
	}

	if c.Journal.DBPath == "" {
		return fmt.Errorf("journal.db_path is required")
	}
	return nil
}

const cronFields = cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0", field)
	}
	return d, nil
}

func (c *Config) ParserConfig() alert.ParserConfig {
	return alert.ParserConfig{
		MinPrice:        c.Parser.MinPrice,
		MaxPrice:        c.Parser.MaxPrice,
		MaxStopDistance: c.Parser.MaxStopDistance,
		Target1Offset:   c.Parser.Target1Offset,
		Target2Offset:   c.Parser.Target2Offset,
	}
}

func (c *Config) SizeMapping() risk.SizeMapping {
	return risk.SizeMapping{BaseUnit: c.Sizing.BaseUnit}
}

func (c *Config) RiskLimits() risk.Limits {
	return risk.Limits{
		MaxDailyTrades:           c.Risk.MaxDailyTrades,
		MaxPositionSize:          c.Risk.MaxPositionSize,
		DailyLossLimit:           decimal.NewFromFloat(c.Risk.DailyLossLimit),
		ConsecutiveLossThreshold: c.Risk.ConsecutiveLossThreshold,
		CircuitDrawdown:          decimal.NewFromFloat(c.Risk.CircuitDrawdown),
	}
}

// Location is the exchange timezone used for session boundaries.
func (c *Config) Location() (*time.Location, error) {
	if c.Risk.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Risk.Timezone)
	if err != nil {
		return nil, fmt.Errorf("risk.timezone: %w", err)
	}
	return loc, nil
}

// EngineConfig converts the execution section for the position engine.
func (c *Config) EngineConfig() (position.Config, error) {
	exit, err := parseDuration("execution.exit_timeout", c.Execution.ExitTimeout)
	if err != nil {
		return position.Config{}, err
	}
	shutdown, err := parseDuration("execution.shutdown_timeout", c.Execution.ShutdownTimeout)
	if err != nil {
		return position.Config{}, err
	}
	stale, err := parseDuration("execution.stale_after", c.Execution.StaleAfter)
	if err != nil {
		return position.Config{}, err
	}
	return position.Config{
		UnitValue:         decimal.NewFromFloat(c.Contract.UnitValue),
		CommissionPerUnit: decimal.NewFromFloat(c.Execution.CommissionPerUnit),
		Remainder:         position.RemainderPolicy(c.Execution.RemainderTo),
		ExitTimeout:       exit,
		ShutdownTimeout:   shutdown,
		StaleAfter:        stale,
	}, nil
}

// HTTPTimeout is the live broker request timeout.
func (c *Config) HTTPTimeout() (time.Duration, error) {
	return parseDuration("broker.http_timeout", c.Broker.HTTPTimeout)
}

// Default returns a paper-trading ES configuration
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
		Contract: ContractConfig{
			Symbol:    "ES",
			TickSize:  0.25,
			UnitValue: 50,
		},
		Parser: ParserConfig{
			MinPrice:        3000,
			MaxPrice:        8000,
			MaxStopDistance: 50,
			Target1Offset:   7,
			Target2Offset:   12,
		},
		Sizing: SizingConfig{
			BaseUnit: 1,
		},
		Risk: RiskConfig{
			MaxDailyTrades:           10,
			MaxPositionSize:          5,
			DailyLossLimit:           500,
			ConsecutiveLossThreshold: 3,
			SessionReset:             "0 0 18 * * SUN-FRI",
			Timezone:                 "America/New_York",
		},
		Execution: ExecutionConfig{
			Mode:              string(router.ModePaper),
			SlippageTicks:     1,
			CommissionPerUnit: 2.50,
			RemainderTo:       string(position.RemainderToTarget2),
			ExitTimeout:       "10s",
			ShutdownTimeout:   "15s",
			StaleAfter:        "30s",
		},
		Broker: BrokerConfig{
			RetryBudget: 3,
			RateLimit:   5,
			RateBurst:   5,
			HTTPTimeout: "10s",
		},
		Prices: PricesConfig{
			Source:      "replay",
			ReplayFile:  "./ticks.csv",
			ReplaySpeed: 1,
			Buffer:      64,
		},
		Feed: FeedConfig{
			Type: "stdin",
		},
		Journal: JournalConfig{
			DBPath: "./tradestream.db",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8088",
		},
	}
}
