// Package config defines all configuration for the funding-arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool                   `mapstructure:"dry_run"`
	Strategy  StrategyConfig         `mapstructure:"strategy"`
	Execution ExecutionConfig        `mapstructure:"execution"`
	Risk      RiskConfig             `mapstructure:"risk_config"`
	Profit    ProfitConfig           `mapstructure:"profit_taking"`
	Venues    map[string]VenueConfig `mapstructure:"venues"`
	Store     StoreConfig            `mapstructure:"store"`
	Logging   LoggingConfig          `mapstructure:"logging"`
	Dashboard DashboardConfig        `mapstructure:"dashboard"`
}

// StrategyConfig drives the orchestrator cycle and the opportunity scanner.
//
//   - Exchanges: venues the scanner may pair. Every name must have a venue entry.
//   - MandatoryExchange: if set, one leg of every hedge must use this venue.
//   - TargetMargin: base margin per position; exposure = margin × min leverage.
//   - MinProfit: minimum fee-adjusted net profit (fraction, per TimeHorizon).
//   - SinglePositionPerSession: once one hedge opens, skip further opens.
type StrategyConfig struct {
	Exchanges                []string      `mapstructure:"exchanges"`
	OpportunityStoreURL      string        `mapstructure:"opportunity_store_url"`
	MandatoryExchange        string        `mapstructure:"mandatory_exchange"`
	MaxPositions             int           `mapstructure:"max_positions"`
	MaxNewPositionsPerCycle  int           `mapstructure:"max_new_positions_per_cycle"`
	MaxTotalExposureUSD      float64       `mapstructure:"max_total_exposure_usd"`
	MaxPositionSizeUSD       float64       `mapstructure:"max_position_size_usd"`
	MaxOIUSD                 float64       `mapstructure:"max_oi_usd"`
	TargetMargin             float64       `mapstructure:"target_margin"`
	MinProfit                float64       `mapstructure:"min_profit"`
	TimeHorizon              time.Duration `mapstructure:"time_horizon"`
	CycleInterval            time.Duration `mapstructure:"cycle_interval"`
	CooldownInterval         time.Duration `mapstructure:"cooldown_interval"`
	SinglePositionPerSession bool          `mapstructure:"single_position_per_session"`
}

// ExecutionConfig tunes the atomic multi-leg executor.
//
//   - LimitOrderOffsetPct: distance from touch for limit/aggressive-limit prices.
//   - MaxSpreadThresholdPct: cross-venue gap beyond which break-even alignment
//     falls back to raw BBO.
//   - MaxEntryPriceDivergencePct: abort opening when venue mids diverge more.
//   - MinLiquidationDistancePct: required |entry − liq| / entry post-fill.
type ExecutionConfig struct {
	EntryMode                  string        `mapstructure:"entry_mode"` // limit_only, market_only, aggressive_limit, mixed
	CloseMode                  string        `mapstructure:"close_mode"`
	OrderTimeout               time.Duration `mapstructure:"order_timeout"`
	LimitOrderOffsetPct        float64       `mapstructure:"limit_order_offset_pct"`
	EnableBreakEvenAlignment   bool          `mapstructure:"enable_break_even_alignment"`
	MaxSpreadThresholdPct      float64       `mapstructure:"max_spread_threshold_pct"`
	MaxEntryPriceDivergencePct float64       `mapstructure:"max_entry_price_divergence_pct"`
	EnableLiquidationPrevent   bool          `mapstructure:"enable_liquidation_prevention"`
	MinLiquidationDistancePct  float64       `mapstructure:"min_liquidation_distance_pct"`
	RollbackOnPartial          bool          `mapstructure:"rollback_on_partial"`
}

// RiskConfig selects and tunes the exit-rule waterfall.
//
//   - Strategy: "divergence", "time_limit", or "combined" (production default).
//   - MinErosionThreshold: erosion ratio below which PROFIT_EROSION fires.
//   - SevereErosionRatio: erosion ratio below which SEVERE_EROSION fires.
//   - FlipMargin: divergence below this counts as flipped (default 0).
//   - ImbalanceThreshold: actual-token imbalance that forces a critical close.
type RiskConfig struct {
	Strategy            string        `mapstructure:"strategy"`
	MinHoldHours        float64       `mapstructure:"min_hold_hours"`
	MinErosionThreshold float64       `mapstructure:"min_erosion_threshold"`
	SevereErosionRatio  float64       `mapstructure:"severe_erosion_ratio"`
	MaxPositionAgeHours float64       `mapstructure:"max_position_age_hours"`
	FlipMargin          float64       `mapstructure:"flip_margin"`
	ImbalanceThreshold  float64       `mapstructure:"imbalance_threshold"`
	CheckInterval       time.Duration `mapstructure:"check_interval_seconds"`
}

// ProfitConfig controls BBO-driven opportunistic closes.
type ProfitConfig struct {
	Enabled       bool          `mapstructure:"enable_immediate_profit_taking"`
	MinProfitPct  float64       `mapstructure:"min_immediate_profit_taking_pct"`
	CheckInterval time.Duration `mapstructure:"realtime_profit_check_interval"`
}

// VenueConfig describes one trading venue: REST/WS endpoints, credentials,
// symbol format, fees, and stream capabilities.
//
//   - SymbolFormat: template with an ASSET placeholder, e.g. "ASSETUSDT",
//     "ASSET-USD-PERP", "ASSET_USDC_PERP".
//   - RequiresListenKey: private stream needs an expiring access token.
//   - ReconnectToSwitch: venue authenticates at handshake time, so switching
//     the market feed requires a full disconnect/reconnect instead of
//     subscribe/unsubscribe messages.
//   - HasDepthFeed: false for venues exposing only BBO (public-ready at once).
type VenueConfig struct {
	RESTBaseURL       string  `mapstructure:"rest_base_url"`
	WSPublicURL       string  `mapstructure:"ws_public_url"`
	WSPrivateURL      string  `mapstructure:"ws_private_url"`
	APIKey            string  `mapstructure:"api_key"`
	APISecret         string  `mapstructure:"api_secret"`
	SymbolFormat      string  `mapstructure:"symbol_format"`
	MakerFeeRate      float64 `mapstructure:"maker_fee_rate"`
	TakerFeeRate      float64 `mapstructure:"taker_fee_rate"`
	FundingIntervalS  int64   `mapstructure:"funding_interval_seconds"`
	RequiresListenKey bool    `mapstructure:"requires_listen_key"`
	ReconnectToSwitch bool    `mapstructure:"reconnect_to_switch"`
	HasDepthFeed      bool    `mapstructure:"has_depth_feed"`
	MaintMarginRate   float64 `mapstructure:"maintenance_margin_rate"`
}

// StoreConfig sets the SQLite database location.
type StoreConfig struct {
	DSN string `mapstructure:"dsn"` // file path or ":memory:"
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the dashboard/control WebSocket server.
type DashboardConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Port              int           `mapstructure:"port"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	PersistSnapshots  bool          `mapstructure:"persist_snapshots"`
	SnapshotRetention int           `mapstructure:"snapshot_retention"`
	EventRetention    int           `mapstructure:"event_retention"`
	WriteInterval     time.Duration `mapstructure:"write_interval_seconds"`
}

// Load reads config from a YAML file with env var overrides.
// Venue credentials use env vars: ARB_<VENUE>_API_KEY, ARB_<VENUE>_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override venue credentials from env
	for name, vc := range cfg.Venues {
		prefix := "ARB_" + strings.ToUpper(name)
		if key := os.Getenv(prefix + "_API_KEY"); key != "" {
			vc.APIKey = key
		}
		if secret := os.Getenv(prefix + "_API_SECRET"); secret != "" {
			vc.APISecret = secret
		}
		cfg.Venues[name] = vc
	}
	if os.Getenv("ARB_DRY_RUN") == "true" || os.Getenv("ARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Strategy.CycleInterval == 0 {
		c.Strategy.CycleInterval = 60 * time.Second
	}
	if c.Strategy.CooldownInterval == 0 {
		c.Strategy.CooldownInterval = c.Strategy.CycleInterval
	}
	if c.Strategy.TimeHorizon == 0 {
		c.Strategy.TimeHorizon = 24 * time.Hour
	}
	if c.Execution.OrderTimeout == 0 {
		c.Execution.OrderTimeout = 30 * time.Second
	}
	if c.Execution.EntryMode == "" {
		c.Execution.EntryMode = "mixed"
	}
	if c.Execution.CloseMode == "" {
		c.Execution.CloseMode = "aggressive_limit"
	}
	if c.Risk.Strategy == "" {
		c.Risk.Strategy = "combined"
	}
	if c.Risk.SevereErosionRatio == 0 {
		c.Risk.SevereErosionRatio = 0.2
	}
	if c.Risk.MinErosionThreshold == 0 {
		c.Risk.MinErosionThreshold = 0.5
	}
	if c.Risk.ImbalanceThreshold == 0 {
		c.Risk.ImbalanceThreshold = 0.05
	}
	if c.Profit.MinProfitPct == 0 {
		c.Profit.MinProfitPct = 0.002
	}
	if c.Profit.CheckInterval == 0 {
		c.Profit.CheckInterval = time.Second
	}
	for name, vc := range c.Venues {
		if vc.FundingIntervalS == 0 {
			vc.FundingIntervalS = 8 * 3600
		}
		if vc.SymbolFormat == "" {
			vc.SymbolFormat = "ASSETUSDT"
		}
		c.Venues[name] = vc
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Strategy.Exchanges) < 2 {
		return fmt.Errorf("strategy.exchanges needs at least two venues")
	}
	for _, name := range c.Strategy.Exchanges {
		vc, ok := c.Venues[name]
		if !ok {
			return fmt.Errorf("venue %q listed in strategy.exchanges has no venues.%s entry", name, name)
		}
		if vc.RESTBaseURL == "" {
			return fmt.Errorf("venues.%s.rest_base_url is required", name)
		}
		if vc.WSPublicURL == "" {
			return fmt.Errorf("venues.%s.ws_public_url is required", name)
		}
		if !strings.Contains(vc.SymbolFormat, "ASSET") {
			return fmt.Errorf("venues.%s.symbol_format must contain ASSET placeholder", name)
		}
	}
	if c.Strategy.MandatoryExchange != "" {
		if _, ok := c.Venues[c.Strategy.MandatoryExchange]; !ok {
			return fmt.Errorf("strategy.mandatory_exchange %q has no venue entry", c.Strategy.MandatoryExchange)
		}
	}
	if c.Strategy.MaxPositions <= 0 {
		return fmt.Errorf("strategy.max_positions must be > 0")
	}
	if c.Strategy.TargetMargin <= 0 {
		return fmt.Errorf("strategy.target_margin must be > 0")
	}
	if c.Strategy.MaxTotalExposureUSD <= 0 {
		return fmt.Errorf("strategy.max_total_exposure_usd must be > 0")
	}
	if c.Risk.MinErosionThreshold <= c.Risk.SevereErosionRatio {
		return fmt.Errorf("risk_config.min_erosion_threshold must exceed severe_erosion_ratio")
	}
	switch c.Risk.Strategy {
	case "divergence", "time_limit", "combined":
	default:
		return fmt.Errorf("risk_config.strategy must be one of: divergence, time_limit, combined")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}
	return nil
}
