// Package config loads the daemon configuration. The main config file is
// YAML; the optional chain registry fallback file is TOML (see chains.go).
package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"sweepd/gasoracle"
	"sweepd/sweeper"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// LogConfig controls structured log output.
type LogConfig struct {
	Level string `yaml:"level"`
	// File enables rotated file output alongside stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// SweepConfig carries the daemon-level sweep knobs. Owners can override most
// of them per wallet through the store.
type SweepConfig struct {
	CheckInterval Duration `yaml:"check_interval"`
	// BlockEvents switches the scheduler from interval polling to
	// new-head subscriptions.
	BlockEvents        bool     `yaml:"block_events"`
	NativeEnabled      *bool    `yaml:"native_enabled"`
	NativeGasLimit     uint64   `yaml:"native_gas_limit"`
	NativeMinBalance   string   `yaml:"native_min_balance"`
	GasPriceMultiplier string   `yaml:"gas_price_multiplier"`
	GasCacheTTL        Duration `yaml:"gas_cache_ttl"`
	// MaxGasPriceGwei skips sweeps while the adjusted price exceeds the
	// cap; zero disables the cap.
	MaxGasPriceGwei uint64   `yaml:"max_gas_price_gwei"`
	GuardTTL        Duration `yaml:"guard_ttl"`
	MaxRetries      int      `yaml:"max_retries"`
	RetryDelay      Duration `yaml:"retry_delay"`
	ReceiptTimeout  Duration `yaml:"receipt_timeout"`
	ReceiptPoll     Duration `yaml:"receipt_poll"`
}

// RPCConfig tunes per-endpoint transport behaviour.
type RPCConfig struct {
	DialTimeout     Duration `yaml:"dial_timeout"`
	LivenessTimeout Duration `yaml:"liveness_timeout"`
	// RateLimit caps calls per second per endpoint; zero disables.
	RateLimit        float64  `yaml:"rate_limit"`
	RateBurst        int      `yaml:"rate_burst"`
	BreakerThreshold uint32   `yaml:"breaker_threshold"`
	BreakerCooldown  Duration `yaml:"breaker_cooldown"`
}

// MetricsConfig controls the aggregator push loop.
type MetricsConfig struct {
	Enabled      *bool    `yaml:"enabled"`
	PushInterval Duration `yaml:"push_interval"`
}

// Config is the full daemon configuration.
type Config struct {
	ListenAddress  string `yaml:"listen"`
	Environment    string `yaml:"env"`
	DatabaseURL    string `yaml:"database_url"`
	DatabaseURLEnv string `yaml:"database_url_env"`
	// BoltPath is the file-backed store used when no database is
	// configured.
	BoltPath   string        `yaml:"bolt_path"`
	ChainsFile string        `yaml:"chains_file"`
	Log        LogConfig     `yaml:"log"`
	Sweep      SweepConfig   `yaml:"sweep"`
	RPC        RPCConfig     `yaml:"rpc"`
	Metrics    MetricsConfig `yaml:"metrics"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if cfg.BoltPath == "" {
		cfg.BoltPath = "sweepd.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Sweep.CheckInterval.Duration <= 0 {
		cfg.Sweep.CheckInterval.Duration = time.Second
	}
	if cfg.Sweep.NativeEnabled == nil {
		enabled := true
		cfg.Sweep.NativeEnabled = &enabled
	}
	if cfg.Sweep.NativeGasLimit == 0 {
		cfg.Sweep.NativeGasLimit = 21_000
	}
	if cfg.Sweep.NativeMinBalance == "" {
		cfg.Sweep.NativeMinBalance = "0"
	}
	if cfg.Sweep.GasPriceMultiplier == "" {
		cfg.Sweep.GasPriceMultiplier = "1.5"
	}
	if cfg.Sweep.GasCacheTTL.Duration <= 0 {
		cfg.Sweep.GasCacheTTL.Duration = time.Second
	}
	if cfg.Sweep.GuardTTL.Duration <= 0 {
		cfg.Sweep.GuardTTL.Duration = 5 * time.Second
	}
	if cfg.Sweep.MaxRetries == 0 {
		cfg.Sweep.MaxRetries = 3
	}
	if cfg.Sweep.RetryDelay.Duration <= 0 {
		cfg.Sweep.RetryDelay.Duration = time.Second
	}
	if cfg.Sweep.ReceiptTimeout.Duration <= 0 {
		cfg.Sweep.ReceiptTimeout.Duration = 90 * time.Second
	}
	if cfg.Sweep.ReceiptPoll.Duration <= 0 {
		cfg.Sweep.ReceiptPoll.Duration = 2 * time.Second
	}
	if cfg.RPC.DialTimeout.Duration <= 0 {
		cfg.RPC.DialTimeout.Duration = 10 * time.Second
	}
	if cfg.RPC.LivenessTimeout.Duration <= 0 {
		cfg.RPC.LivenessTimeout.Duration = 5 * time.Second
	}
	if cfg.RPC.BreakerThreshold == 0 {
		cfg.RPC.BreakerThreshold = 5
	}
	if cfg.RPC.BreakerCooldown.Duration <= 0 {
		cfg.RPC.BreakerCooldown.Duration = 30 * time.Second
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.PushInterval.Duration <= 0 {
		cfg.Metrics.PushInterval.Duration = 3 * time.Second
	}
}

func (c *Config) normalise() error {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	if env := strings.TrimSpace(c.DatabaseURLEnv); c.DatabaseURL == "" && env != "" {
		c.DatabaseURL = strings.TrimSpace(os.Getenv(env))
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url_env %s is empty", env)
		}
	}
	return nil
}

func validate(cfg Config) error {
	if _, err := decimal.NewFromString(cfg.Sweep.NativeMinBalance); err != nil {
		return fmt.Errorf("native_min_balance: %w", err)
	}
	if _, err := gasoracle.ParseMultiplier(cfg.Sweep.GasPriceMultiplier); err != nil {
		return err
	}
	if cfg.Sweep.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}

// SweepDefaults converts the config into the scheduler's merged defaults.
func (c Config) SweepDefaults() (sweeper.Defaults, error) {
	mult, err := gasoracle.ParseMultiplier(c.Sweep.GasPriceMultiplier)
	if err != nil {
		return sweeper.Defaults{}, err
	}
	minBalance, err := decimal.NewFromString(c.Sweep.NativeMinBalance)
	if err != nil {
		return sweeper.Defaults{}, fmt.Errorf("native_min_balance: %w", err)
	}
	defaults := sweeper.Defaults{
		Multiplier:       mult,
		NativeMinBalance: minBalance,
		NativeGasLimit:   c.Sweep.NativeGasLimit,
		MaxRetries:       c.Sweep.MaxRetries,
		RetryDelay:       c.Sweep.RetryDelay.Duration,
		NativeEnabled:    c.Sweep.NativeEnabled == nil || *c.Sweep.NativeEnabled,
	}
	if c.Sweep.MaxGasPriceGwei > 0 {
		gasCap := new(big.Int).SetUint64(c.Sweep.MaxGasPriceGwei)
		defaults.MaxGasPrice = gasCap.Mul(gasCap, big.NewInt(1_000_000_000))
	}
	return defaults, nil
}
