package api

import (
	"time"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

// DashboardSnapshot is the complete strategy state pushed to dashboard
// clients and persisted with a retention cap.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Session   SessionStatus    `json:"session"`
	Positions []PositionStatus `json:"positions"`
	Portfolio PortfolioStatus  `json:"portfolio"`
	Config    ConfigSummary    `json:"config"`
}

// SessionStatus mirrors the persisted session row.
type SessionStatus struct {
	ID            string               `json:"session_id"`
	StartedAt     time.Time            `json:"started_at"`
	LastHeartbeat time.Time            `json:"last_heartbeat"`
	Health        types.SessionHealth  `json:"health"`
	Stage         types.LifecycleStage `json:"lifecycle_stage"`
	Paused        bool                 `json:"paused"`
}

// PositionStatus is one open hedge as shown on the dashboard.
type PositionStatus struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	LongVenue       string    `json:"long_dex"`
	ShortVenue      string    `json:"short_dex"`
	SizeUSD         float64   `json:"size_usd"`
	EntryDivergence float64   `json:"entry_divergence"`
	AgeHours        float64   `json:"age_hours"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	FundingAccrued  float64   `json:"funding_accrued"`
	Status          string    `json:"status"`
	OpenedAt        time.Time `json:"opened_at"`
}

// PortfolioStatus aggregates across open positions.
type PortfolioStatus struct {
	OpenPositions    int     `json:"open_positions"`
	TotalExposureUSD float64 `json:"total_exposure_usd"`
	MaxExposureUSD   float64 `json:"max_exposure_usd"`
	ExposurePct      float64 `json:"exposure_pct"`
	TotalFundingUSD  float64 `json:"total_funding_usd"`
	TotalPnLUSD      float64 `json:"total_pnl_usd"`
	TotalFeesUSD     float64 `json:"total_fees_usd"`
}

// ConfigSummary is the subset of config shown on the dashboard.
type ConfigSummary struct {
	Exchanges           []string `json:"exchanges"`
	MaxPositions        int      `json:"max_positions"`
	MaxTotalExposureUSD float64  `json:"max_total_exposure_usd"`
	TargetMargin        float64  `json:"target_margin"`
	MinProfit           float64  `json:"min_profit"`
	CycleInterval       string   `json:"cycle_interval"`
	RiskStrategy        string   `json:"risk_strategy"`
	MaxPositionAgeHours float64  `json:"max_position_age_hours"`
	ProfitTaking        bool     `json:"profit_taking"`
	DryRun              bool     `json:"dry_run"`
}

// NewConfigSummary extracts the dashboard-facing fields.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		Exchanges:           cfg.Strategy.Exchanges,
		MaxPositions:        cfg.Strategy.MaxPositions,
		MaxTotalExposureUSD: cfg.Strategy.MaxTotalExposureUSD,
		TargetMargin:        cfg.Strategy.TargetMargin,
		MinProfit:           cfg.Strategy.MinProfit,
		CycleInterval:       cfg.Strategy.CycleInterval.String(),
		RiskStrategy:        cfg.Risk.Strategy,
		MaxPositionAgeHours: cfg.Risk.MaxPositionAgeHours,
		ProfitTaking:        cfg.Profit.Enabled,
		DryRun:              cfg.DryRun,
	}
}

// Command is an inbound control message from a dashboard client.
type Command struct {
	Type       string `json:"type"` // pause_strategy, resume_strategy, close_position, ping
	PositionID string `json:"position_id,omitempty"`
}

// CommandReply is the response to a Command.
type CommandReply struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
