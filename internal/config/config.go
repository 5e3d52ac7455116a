// Package config defines all configuration for the arbitrage pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Bus       BusConfig               `mapstructure:"bus"`
	Scanner   ScannerConfig           `mapstructure:"scanner"`
	Venues    map[string]VenueConfig  `mapstructure:"venues"`
	Risk      RiskConfig              `mapstructure:"risk"`
	Executor  ExecutorConfig          `mapstructure:"executor"`
	Assembler AssemblerConfig         `mapstructure:"assembler"`
	Toggles   TogglesConfig           `mapstructure:"toggles"`
	Store     StoreConfig             `mapstructure:"store"`
	Ops       OpsConfig               `mapstructure:"ops"`
	Logging   LoggingConfig           `mapstructure:"logging"`
}

// BusConfig selects the message-bus backend. "redis" is the deployment
// backend; "memory" runs the whole pipeline in one process for paper trading
// and development.
type BusConfig struct {
	Backend  string `mapstructure:"backend"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ScannerConfig controls universe discovery and opportunity admission.
//
//   - VenueA/VenueB: the two venues compared each tick.
//   - Options: match instruments on canonical option ids instead of raw symbols.
//   - ScanInterval: cadence of the scan tick.
//   - DiscoverEvery: how often the symbol universe is refreshed.
//   - MaxSymbols: cap on the intersected universe.
//   - MaxBookAge: quotes older than this (bus clock) are skipped as stale.
//   - MinGrossBps/MinNetBps/MinAbsSpread: admission thresholds on the edge,
//     all inclusive (>=).
//   - MinNotional: minimum mid price for admission.
//   - EmitRatePerSec/EmitBurst: token-bucket gate on emitted opportunities;
//     excess candidates are dropped, not queued.
//   - OrderSize: size attached to each emitted leg.
//   - SlippageFrac/BorrowFrac: cost fractions attached to emitted opportunities.
type ScannerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	VenueA         string        `mapstructure:"venue_a"`
	VenueB         string        `mapstructure:"venue_b"`
	Options        bool          `mapstructure:"options"`
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	DiscoverEvery  time.Duration `mapstructure:"discover_every"`
	MaxSymbols     int           `mapstructure:"max_symbols"`
	MaxBookAge     time.Duration `mapstructure:"max_book_age"`
	MinGrossBps    float64       `mapstructure:"min_gross_bps"`
	MinNetBps      float64       `mapstructure:"min_net_bps"`
	MinAbsSpread   float64       `mapstructure:"min_abs_spread"`
	MinNotional    float64       `mapstructure:"min_notional"`
	EmitRatePerSec float64       `mapstructure:"emit_rate_per_sec"`
	EmitBurst      int           `mapstructure:"emit_burst"`
	OrderSize      float64       `mapstructure:"order_size"`
	SlippageFrac   float64       `mapstructure:"slippage_frac"`
	BorrowFrac     float64       `mapstructure:"borrow_frac"`
}

// VenueConfig carries per-venue trading parameters.
type VenueConfig struct {
	TakerBps float64 `mapstructure:"taker_bps"`
}

// RiskConfig sets the approval policy applied to every scanned opportunity.
//
//   - EdgeMinBps: minimum gross edge.
//   - NetMinBps: minimum edge after fee-like costs.
//   - MaxTotalSize: cap on the summed leg sizes.
//   - RequireBothSides: reject opportunities missing a BUY or SELL leg.
//   - AllowPaperOnly: when false, paper-flagged opportunities are rejected.
type RiskConfig struct {
	EdgeMinBps       float64 `mapstructure:"edge_min_bps"`
	NetMinBps        float64 `mapstructure:"net_min_bps"`
	MaxTotalSize     float64 `mapstructure:"max_total_size"`
	RequireBothSides bool    `mapstructure:"require_both_sides"`
	AllowPaperOnly   bool    `mapstructure:"allow_paper_only"`
}

// ExecutorConfig tunes the router-executor.
//
//   - MinRealizedPnl: trades at or below this PnL are completed but not emitted.
//   - InflightTTL: entries whose protective fill never arrives are abandoned
//     after this long.
//   - ToggleRefresh: cadence of the toggle re-read; must stay at or under 1s
//     so toggle flips take effect promptly.
type ExecutorConfig struct {
	MinRealizedPnl float64       `mapstructure:"min_realized_pnl"`
	InflightTTL    time.Duration `mapstructure:"inflight_ttl"`
	ToggleRefresh  time.Duration `mapstructure:"toggle_refresh"`
}

// AssemblerConfig tunes the trade assembler.
type AssemblerConfig struct {
	PendingTTL time.Duration `mapstructure:"pending_ttl"`
}

// TogglesConfig seeds the runtime toggles when their keys are absent.
type TogglesConfig struct {
	AutoTrade bool   `mapstructure:"auto_trade"`
	Mode      string `mapstructure:"mode"`
}

// StoreConfig sets where completed trades are persisted (SQLite file).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// OpsConfig controls the operator HTTP server (health, metrics, toggles,
// trade tail).
type OpsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with ARB_* env var overrides
// (e.g. ARB_BUS_ADDR, ARB_TOGGLES_AUTO_TRADE).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper lowercases map keys on unmarshal, so venue names are stored
	// lowercased and always looked up through Venue.
	venues := make(map[string]VenueConfig, len(cfg.Venues))
	for name, vc := range cfg.Venues {
		venues[strings.ToLower(name)] = vc
	}
	cfg.Venues = venues

	return &cfg, nil
}

// Venue returns the per-venue parameters for name, matched
// case-insensitively.
func (c *Config) Venue(name string) VenueConfig {
	return c.Venues[strings.ToLower(name)]
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus.backend", "redis")
	v.SetDefault("bus.addr", "localhost:6379")
	v.SetDefault("scanner.enabled", true)
	v.SetDefault("scanner.scan_interval", "250ms")
	v.SetDefault("scanner.discover_every", "30s")
	v.SetDefault("scanner.max_symbols", 200)
	v.SetDefault("scanner.max_book_age", "2s")
	v.SetDefault("scanner.emit_rate_per_sec", 10.0)
	v.SetDefault("scanner.emit_burst", 20)
	v.SetDefault("scanner.order_size", 1.0)
	v.SetDefault("risk.require_both_sides", true)
	v.SetDefault("risk.allow_paper_only", true)
	v.SetDefault("executor.inflight_ttl", "30s")
	v.SetDefault("executor.toggle_refresh", "1s")
	v.SetDefault("assembler.pending_ttl", "30s")
	v.SetDefault("toggles.auto_trade", false)
	v.SetDefault("toggles.mode", "paper")
	v.SetDefault("store.path", "data/trades.db")
	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.port", 8090)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Bus.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("bus.backend must be redis or memory, got %q", c.Bus.Backend)
	}
	if c.Bus.Backend == "redis" && c.Bus.Addr == "" {
		return fmt.Errorf("bus.addr is required for the redis backend")
	}
	if c.Scanner.Enabled {
		if c.Scanner.VenueA == "" || c.Scanner.VenueB == "" {
			return fmt.Errorf("scanner.venue_a and scanner.venue_b are required")
		}
		if c.Scanner.VenueA == c.Scanner.VenueB {
			return fmt.Errorf("scanner venues must differ")
		}
		if c.Scanner.ScanInterval <= 0 {
			return fmt.Errorf("scanner.scan_interval must be > 0")
		}
		if c.Scanner.MaxSymbols <= 0 {
			return fmt.Errorf("scanner.max_symbols must be > 0")
		}
		if c.Scanner.OrderSize <= 0 {
			return fmt.Errorf("scanner.order_size must be > 0")
		}
	}
	if c.Executor.ToggleRefresh <= 0 || c.Executor.ToggleRefresh > time.Second {
		return fmt.Errorf("executor.toggle_refresh must be in (0, 1s]")
	}
	if c.Executor.InflightTTL <= 0 {
		return fmt.Errorf("executor.inflight_ttl must be > 0")
	}
	if _, err := parseToggleMode(c.Toggles.Mode); err != nil {
		return fmt.Errorf("toggles.mode: %w", err)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Ops.Enabled && (c.Ops.Port <= 0 || c.Ops.Port > 65535) {
		return fmt.Errorf("ops.port must be a valid port")
	}
	return nil
}

func parseToggleMode(s string) (string, error) {
	switch strings.ToLower(s) {
	case "paper", "live":
		return strings.ToLower(s), nil
	}
	return "", fmt.Errorf("must be paper or live, got %q", s)
}
