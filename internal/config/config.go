// Package config loads the engine configuration from a yaml file with
// environment overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

// Config is the full configuration surface of creditd.
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	Database   DatabaseConfig       `yaml:"database"`
	Logging    logger.LoggingConfig `yaml:"logging"`
	Upstream   UpstreamConfig       `yaml:"upstream"`
	Chain      ChainConfig          `yaml:"chain"`
	Redis      RedisConfig          `yaml:"redis"`
	AMQP       AMQPConfig           `yaml:"amqp"`
	Fees       FeeConfig            `yaml:"fees"`
	Tiers      []TierConfig         `yaml:"tiers"`
	RateLimits []WindowRule         `yaml:"rate_limits"`
	Backoff    BackoffConfig        `yaml:"backoff"`
	Intervals  IntervalConfig       `yaml:"intervals"`
}

type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	AdminToken string `yaml:"admin_token"`
}

type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

type UpstreamConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Token             string        `yaml:"token"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type ChainConfig struct {
	RPCURL        string `yaml:"rpc_url"`
	TokenContract string `yaml:"token_contract"`
	Decimals      int    `yaml:"decimals"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AMQPConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// FeeConfig holds every monetary policy knob. Rates are fractions, not
// percentages.
type FeeConfig struct {
	DepositFeeRate     float64 `yaml:"deposit_fee_rate"`
	PerformanceFeeRate float64 `yaml:"performance_fee_rate"`
	LineageShareRate   float64 `yaml:"lineage_share_rate"`
	WithdrawalFeeRate  float64 `yaml:"withdrawal_fee_rate"`
	SpawnFee           float64 `yaml:"spawn_fee"`
	ConversionRate     float64 `yaml:"conversion_rate"`
	MinDeposit         float64 `yaml:"min_deposit"`
	MaxLineageDepth    int     `yaml:"max_lineage_depth"`
}

// TierConfig defines one survival tier: the minimum credit balance that
// qualifies and the daily consumption estimate used for runtime projection.
type TierConfig struct {
	Name             string  `yaml:"name"`
	MinBalance       float64 `yaml:"min_balance"`
	DailyConsumption float64 `yaml:"daily_consumption"`
}

// WindowRule is a sliding-window limit for one user operation.
type WindowRule struct {
	Operation string        `yaml:"operation"`
	Limit     int           `yaml:"limit"`
	Window    time.Duration `yaml:"window"`
}

type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

type IntervalConfig struct {
	Reconcile  string `yaml:"reconcile"`
	Refresh    string `yaml:"refresh"`
	CollectFee string `yaml:"collect_fee"`
}

// Default returns the reference configuration. File and env values override
// it field by field.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8090},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "json"},
		Upstream: UpstreamConfig{
			Timeout:           15 * time.Second,
			MaxAttempts:       3,
			RequestsPerSecond: 10,
		},
		Chain: ChainConfig{Decimals: 6},
		Fees: FeeConfig{
			DepositFeeRate:     0.02,
			PerformanceFeeRate: 0.20,
			LineageShareRate:   0.10,
			WithdrawalFeeRate:  0.01,
			SpawnFee:           100000,
			ConversionRate:     100,
			MinDeposit:         1,
			MaxLineageDepth:    10,
		},
		Tiers: []TierConfig{
			{Name: "normal", MinBalance: 10000, DailyConsumption: 1000},
			{Name: "low_compute", MinBalance: 5000, DailyConsumption: 500},
			{Name: "critical", MinBalance: 1000, DailyConsumption: 250},
			{Name: "dead", MinBalance: 0, DailyConsumption: 0},
		},
		RateLimits: []WindowRule{
			{Operation: "spawn", Limit: 1, Window: time.Hour},
			{Operation: "withdrawal", Limit: 3, Window: 24 * time.Hour},
		},
		Backoff: BackoffConfig{Base: time.Second, Max: 5 * time.Minute},
		Intervals: IntervalConfig{
			Reconcile:  "@every 30s",
			Refresh:    "@every 1h",
			CollectFee: "@every 5m",
		},
	}
}

// Load reads config/creditd.yaml (or $CREDITD_CONFIG) over the defaults and
// applies environment overrides.
func Load() (*Config, error) {
	path := os.Getenv("CREDITD_CONFIG")
	if path == "" {
		path = filepath.Join("config", "creditd.yaml")
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from an explicit file path. A missing file
// is not an error; defaults plus environment apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("UPSTREAM_TOKEN"); v != "" {
		cfg.Upstream.Token = v
	}
	if v := os.Getenv("CHAIN_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("CHAIN_TOKEN_CONTRACT"); v != "" {
		cfg.Chain.TokenContract = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects configurations that would corrupt money math.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Fees.DepositFeeRate < 0 || c.Fees.DepositFeeRate >= 1 {
		return fmt.Errorf("deposit_fee_rate %v must be in [0,1)", c.Fees.DepositFeeRate)
	}
	if c.Fees.PerformanceFeeRate < 0 || c.Fees.PerformanceFeeRate >= 1 {
		return fmt.Errorf("performance_fee_rate %v must be in [0,1)", c.Fees.PerformanceFeeRate)
	}
	if c.Fees.LineageShareRate < 0 || c.Fees.LineageShareRate >= 1 {
		return fmt.Errorf("lineage_share_rate %v must be in [0,1)", c.Fees.LineageShareRate)
	}
	if c.Fees.ConversionRate <= 0 {
		return fmt.Errorf("conversion_rate must be positive")
	}
	if c.Fees.SpawnFee < 0 {
		return fmt.Errorf("spawn_fee must not be negative")
	}
	if c.Fees.MaxLineageDepth <= 0 {
		return fmt.Errorf("max_lineage_depth must be positive")
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one survival tier is required")
	}
	for i := 1; i < len(c.Tiers); i++ {
		if c.Tiers[i].MinBalance >= c.Tiers[i-1].MinBalance {
			return fmt.Errorf("tiers must be ordered by descending min_balance")
		}
	}
	for _, rule := range c.RateLimits {
		if rule.Limit <= 0 || rule.Window <= 0 {
			return fmt.Errorf("rate limit for %q must have positive limit and window", rule.Operation)
		}
	}
	if c.Upstream.MaxAttempts <= 0 {
		return fmt.Errorf("upstream max_attempts must be positive")
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base {
		return fmt.Errorf("backoff base/max misconfigured")
	}
	return nil
}
