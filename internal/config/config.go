package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Run       RunConfig
	Strategy  StrategyConfig
	Capital   CapitalConfig
	Execution ExecutionConfig
	Symbols   []string
	Venues    []VenueConfig
	Database  DatabaseConfig
	Events    EventsConfig
	Log       LogConfig
}

// RunConfig defines cadence and timing of the cycle loop.
type RunConfig struct {
	Mode                  string        `mapstructure:"mode"`
	ScanInterval          time.Duration `mapstructure:"scan_interval"`
	VenueTimeout          time.Duration `mapstructure:"venue_timeout"`
	CycleDeadline         time.Duration `mapstructure:"cycle_deadline"`
	StalenessWindow       time.Duration `mapstructure:"staleness_window"`
	RecoveryProbeInterval time.Duration `mapstructure:"recovery_probe_interval"`
	OpportunityTTL        time.Duration `mapstructure:"opportunity_ttl"`
	LiveStartDelay        time.Duration `mapstructure:"live_start_delay"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
}

// StrategyConfig defines the scanner thresholds and cost model.
type StrategyConfig struct {
	Enabled                []string `mapstructure:"enabled"`
	MinSpreadBps           float64  `mapstructure:"min_spread_bps"`
	MinProfitUSD           float64  `mapstructure:"min_profit_usd"`
	MaxSlippageBps         float64  `mapstructure:"max_slippage_bps"`
	MaxTradeFraction       float64  `mapstructure:"max_trade_fraction"`
	VenueLiquidityFraction float64  `mapstructure:"venue_liquidity_fraction"`
	MinNotionalUSD         float64  `mapstructure:"min_notional_usd"`
	ConfidenceFloor        float64  `mapstructure:"confidence_floor"`
	BaseConfidence         float64  `mapstructure:"base_confidence"`
	TipLamports            int64    `mapstructure:"tip_lamports"`
	PriorityFeeLamports    int64    `mapstructure:"priority_fee_lamports"`
	FeeLegs                int      `mapstructure:"fee_legs"`
	NativeSymbol           string   `mapstructure:"native_symbol"`
}

// CapitalConfig defines the account source and valuation of usable capital.
type CapitalConfig struct {
	AccountID        string        `mapstructure:"account_id"`
	Source           string        `mapstructure:"source"`
	SourceURL        string        `mapstructure:"source_url"`
	ValuationSymbol  string        `mapstructure:"valuation_symbol"`
	ReserveBase      float64       `mapstructure:"reserve_base"`
	AllocationPct    float64       `mapstructure:"allocation_pct"`
	RefreshThreshold time.Duration `mapstructure:"refresh_threshold"`
	StaticBase       float64       `mapstructure:"static_base"`
	StaticQuote      float64       `mapstructure:"static_quote"`
}

// ExecutionConfig defines settlement for both run modes.
type ExecutionConfig struct {
	SettlementURL      string  `mapstructure:"settlement_url"`
	AuthToken          string  `mapstructure:"auth_token"`
	Atomic             bool    `mapstructure:"atomic"`
	Seed               uint64  `mapstructure:"seed"`
	SimSuccessRate     float64 `mapstructure:"sim_success_rate"`
	SimSlippageMinBps  float64 `mapstructure:"sim_slippage_min_bps"`
	SimSlippageMaxBps  float64 `mapstructure:"sim_slippage_max_bps"`
	SimulatedLatencyMS int     `mapstructure:"simulated_latency_ms"`
}

// VenueConfig defines settings for a specific venue adapter.
type VenueConfig struct {
	Name            string        `mapstructure:"name"`
	Kind            string        `mapstructure:"kind"`
	URL             string        `mapstructure:"url"`
	Seed            uint64        `mapstructure:"seed"`
	BasePrices      []BasePrice   `mapstructure:"base_prices"`
	JitterBps       float64       `mapstructure:"jitter_bps"`
	HalfSpreadBps   float64       `mapstructure:"half_spread_bps"`
	LiquidityMinUSD float64       `mapstructure:"liquidity_min_usd"`
	LiquidityMaxUSD float64       `mapstructure:"liquidity_max_usd"`
	Latency         time.Duration `mapstructure:"latency"`
}

// BasePrice anchors a simulated venue's price for one symbol.
type BasePrice struct {
	Symbol string  `mapstructure:"symbol"`
	Price  float64 `mapstructure:"price"`
}

// DatabaseConfig defines the database connection settings.
// An empty Host keeps the trade ledger in memory.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// EventsConfig defines the optional external event sinks.
type EventsConfig struct {
	Kafka KafkaConfig
	Redis RedisConfig
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("capital.account_id", "CAPITAL_ACCOUNT_ID", "ACCOUNT_ID")
	_ = v.BindEnv("execution.auth_token", "EXECUTION_AUTH_TOKEN", "SETTLEMENT_AUTH_TOKEN")

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	if err != nil {
		return
	}

	err = config.Validate()
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.mode", ModePaper)
	v.SetDefault("run.scan_interval", 750*time.Millisecond)
	v.SetDefault("run.venue_timeout", 400*time.Millisecond)
	v.SetDefault("run.cycle_deadline", 500*time.Millisecond)
	v.SetDefault("run.staleness_window", time.Second)
	v.SetDefault("run.recovery_probe_interval", 10*time.Second)
	v.SetDefault("run.opportunity_ttl", 2*time.Second)
	v.SetDefault("run.live_start_delay", 3*time.Second)
	v.SetDefault("run.shutdown_timeout", 10*time.Second)

	v.SetDefault("strategy.enabled", []string{"spot_arb"})
	v.SetDefault("strategy.min_spread_bps", 15.0)
	v.SetDefault("strategy.min_profit_usd", 10.0)
	v.SetDefault("strategy.max_slippage_bps", 20.0)
	v.SetDefault("strategy.max_trade_fraction", 0.3)
	v.SetDefault("strategy.venue_liquidity_fraction", 0.05)
	v.SetDefault("strategy.min_notional_usd", 100.0)
	v.SetDefault("strategy.confidence_floor", 0.8)
	v.SetDefault("strategy.base_confidence", 0.85)
	v.SetDefault("strategy.tip_lamports", 10000)
	v.SetDefault("strategy.priority_fee_lamports", 5000)
	v.SetDefault("strategy.fee_legs", 2)
	v.SetDefault("strategy.native_symbol", "SOL/USDC")

	v.SetDefault("capital.account_id", "")
	v.SetDefault("capital.source", "static")
	v.SetDefault("capital.source_url", "")
	v.SetDefault("capital.valuation_symbol", "SOL/USDC")
	v.SetDefault("capital.reserve_base", 0.5)
	v.SetDefault("capital.allocation_pct", 0.85)
	v.SetDefault("capital.refresh_threshold", 10*time.Second)
	v.SetDefault("capital.static_base", 10.0)
	v.SetDefault("capital.static_quote", 50000.0)

	v.SetDefault("execution.settlement_url", "")
	v.SetDefault("execution.auth_token", "")
	v.SetDefault("execution.atomic", true)
	v.SetDefault("execution.seed", 1)
	v.SetDefault("execution.sim_success_rate", 0.9)
	v.SetDefault("execution.sim_slippage_min_bps", 5.0)
	v.SetDefault("execution.sim_slippage_max_bps", 15.0)
	v.SetDefault("execution.simulated_latency_ms", 200)

	v.SetDefault("symbols", []string{"SOL/USDC", "BTC/USDC"})

	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("events.kafka.brokers", []string{})
	v.SetDefault("events.kafka.topic", "arbiter.events")
	v.SetDefault("events.redis.addr", "")
	v.SetDefault("events.redis.password", "")
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.redis.channel", "arbiter:events")

	v.SetDefault("log.level", "info")
}
