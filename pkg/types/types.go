// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — sides, execution
// modes, BBO quotes, funding opportunities, positions with per-leg metadata,
// and WebSocket event payloads. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the flattening direction for a side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// PositionSide identifies which leg of a hedge a record belongs to.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// OrderSide returns the order direction that opens this leg.
func (p PositionSide) OrderSide() Side {
	if p == Long {
		return BUY
	}
	return SELL
}

// ExecutionMode selects how a leg is filled.
type ExecutionMode string

const (
	LimitOnly       ExecutionMode = "limit_only"       // post at aligned price, cancel at timeout
	MarketOnly      ExecutionMode = "market_only"      // IOC/market, reduce-only honored
	AggressiveLimit ExecutionMode = "aggressive_limit" // limit crossed by an offset, fillable at BBO
	Mixed           ExecutionMode = "mixed"            // limit first, market the residual at timeout
)

// TradeType distinguishes fills that open a hedge from fills that close one.
type TradeType string

const (
	TradeEntry TradeType = "entry"
	TradeExit  TradeType = "exit"
)

// PositionStatus is the lifecycle state of a hedge.
type PositionStatus string

const (
	StatusOpen         PositionStatus = "open"
	StatusPendingClose PositionStatus = "pending_close"
	StatusClosed       PositionStatus = "closed"
)

// SessionHealth reports overall process health for the dashboard.
type SessionHealth string

const (
	HealthStarting SessionHealth = "starting"
	HealthRunning  SessionHealth = "running"
	HealthDegraded SessionHealth = "degraded"
	HealthStopped  SessionHealth = "stopped"
)

// LifecycleStage is the orchestrator's current phase, published to the dashboard.
type LifecycleStage string

const (
	StageInitializing LifecycleStage = "initializing"
	StageIdle         LifecycleStage = "idle"
	StageScanning     LifecycleStage = "scanning"
	StageExecuting    LifecycleStage = "executing"
	StageMonitoring   LifecycleStage = "monitoring"
	StageClosing      LifecycleStage = "closing"
	StageComplete     LifecycleStage = "complete"
	StageError        LifecycleStage = "error"
)

// ErrorKind discriminates failure classes surfaced by the core.
type ErrorKind string

const (
	ErrTransientNetwork    ErrorKind = "transient_network"
	ErrSequenceGap         ErrorKind = "sequence_gap"
	ErrStaleOrderBook      ErrorKind = "stale_order_book"
	ErrListenKeyExpired    ErrorKind = "listen_key_expired"
	ErrPreflightValidation ErrorKind = "preflight_validation"
	ErrPartialFill         ErrorKind = "partial_fill"
	ErrLiquidationDetected ErrorKind = "liquidation_detected"
	ErrSevereImbalance     ErrorKind = "severe_imbalance"
	ErrConfigInvalid       ErrorKind = "config_invalid"
	ErrDatabaseUnavailable ErrorKind = "database_unavailable"
)

// Exit reasons emitted by the risk controller and profit monitor.
const (
	ExitDivergenceFlipped = "DIVERGENCE_FLIPPED"
	ExitSevereErosion     = "SEVERE_EROSION"
	ExitProfitErosion     = "PROFIT_EROSION"
	ExitTimeLimit         = "TIME_LIMIT"
	ExitLegLiquidated     = "LEG_LIQUIDATED"
	ExitAllLegsClosed     = "ALL_LEGS_CLOSED"
	ExitSevereImbalance   = "SEVERE_IMBALANCE"
	ExitProfitTaking      = "PROFIT_TAKING"
	ExitManual            = "MANUAL"
	HoldTopOpportunity    = "HOLD_TOP_OPPORTUNITY"
	ExitLiquidationPrefix = "LIQUIDATION_" // + upper-cased venue name
)

// LiquidationExitReason builds the exit reason for a venue force-order close.
func LiquidationExitReason(venue string) string {
	return ExitLiquidationPrefix + strings.ToUpper(venue)
}

// CriticalExitReason reports whether a reason bypasses the minimum-hold and
// hold-top-opportunity guards.
func CriticalExitReason(reason string) bool {
	switch reason {
	case ExitLegLiquidated, ExitAllLegsClosed, ExitSevereImbalance:
		return true
	}
	return strings.HasPrefix(reason, ExitLiquidationPrefix)
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// BBO is the best bid/offer for one symbol on one venue.
type BBO struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq,omitempty"` // monotonic per-stream counter, 0 if the venue has none
}

// Mid returns the midpoint price, or 0 if either side is missing.
func (b BBO) Mid() float64 {
	if b.Bid <= 0 || b.Ask <= 0 {
		return 0
	}
	return (b.Bid + b.Ask) / 2
}

// Valid reports whether both sides are positive.
func (b BBO) Valid() bool {
	return b.Bid > 0 && b.Ask > 0
}

// PriceLevel is a single bid or ask level in an order book snapshot.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookSnapshot is a point-in-time top-N view of one symbol's order book.
type BookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // sorted descending (best bid first)
	Asks      []PriceLevel `json:"asks"` // sorted ascending (best ask first)
	Seq       int64        `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
}

// LiquidationEvent is a venue force-order notification touching some symbol.
type LiquidationEvent struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Venue contract metadata
// ————————————————————————————————————————————————————————————————————————

// ContractAttributes is venue-native metadata for one perp contract.
// Cached into position leg metadata so closing from a cold start needs no
// extra REST round trip.
type ContractAttributes struct {
	ContractID      string          `json:"contract_id"` // venue-native identifier
	TickSize        decimal.Decimal `json:"tick_size"`
	StepSize        decimal.Decimal `json:"step_size"`
	QtyMultiplier   decimal.Decimal `json:"qty_multiplier"`   // contract units → underlying tokens
	PriceMultiplier decimal.Decimal `json:"price_multiplier"` // quoted price → USD price
	MinQuantity     decimal.Decimal `json:"min_quantity"`
	MaxLeverage     int             `json:"max_leverage"`
}

// FeeStructure holds a venue's maker/taker rates as fractions (0.0002 = 2 bps).
type FeeStructure struct {
	MakerRate float64 `json:"maker_rate"`
	TakerRate float64 `json:"taker_rate"`
}

// PositionSnapshot is a live venue-native read of one leg's current state.
type PositionSnapshot struct {
	Symbol           string          `json:"symbol"`
	Side             PositionSide    `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"` // signed: positive long, negative short
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	FundingAccrued   decimal.Decimal `json:"funding_accrued"`
	Leverage         int             `json:"leverage"`
	MarginReserved   decimal.Decimal `json:"margin_reserved"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Timestamp        time.Time       `json:"timestamp"`
}

// TradeData is one execution from a venue's user trade history.
type TradeData struct {
	OrderID         string          `json:"order_id"`
	TradeID         string          `json:"trade_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Fee             decimal.Decimal `json:"fee"`
	FeeCurrency     string          `json:"fee_currency"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	RealizedFunding decimal.Decimal `json:"realized_funding"`
	Maker           bool            `json:"maker"`
	Timestamp       time.Time       `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// FundingOpportunity is a candidate (symbol, long-venue, short-venue) triple
// produced by the shared funding-rate store and ranked by the scanner.
type FundingOpportunity struct {
	Symbol               string  `json:"symbol"`
	LongVenue            string  `json:"long_dex"`
	ShortVenue           string  `json:"short_dex"`
	LongRate             float64 `json:"long_rate"`  // per the long venue's funding interval
	ShortRate            float64 `json:"short_rate"` // per the short venue's funding interval
	Divergence           float64 `json:"divergence"` // short_rate − long_rate
	NetProfitPct         float64 `json:"net_profit_percent"`
	OpenInterestLongUSD  float64 `json:"open_interest_long_usd"`
	OpenInterestShortUSD float64 `json:"open_interest_short_usd"`
}

// FundingRates carries the current rates for a triple when re-evaluating an
// open hedge. Divergence is short − long.
type FundingRates struct {
	Divergence float64 `json:"divergence"`
	LongRate   float64 `json:"long_rate"`
	ShortRate  float64 `json:"short_rate"`
	LongOIUSD  float64 `json:"long_oi_usd"`
	ShortOIUSD float64 `json:"short_oi_usd"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// LegMetadata records everything the engine knows about one leg of a hedge.
type LegMetadata struct {
	Side             PositionSide    `json:"side"`
	EntryPrice       decimal.Decimal `json:"entry_price"` // size-weighted VWAP after merges
	Quantity         decimal.Decimal `json:"quantity"`    // venue-native units, unsigned
	FeesPaid         decimal.Decimal `json:"fees_paid"`
	SlippageUSD      decimal.Decimal `json:"slippage_usd"`
	ExecutionMode    ExecutionMode   `json:"execution_mode"` // mode actually used
	ExposureUSD      decimal.Decimal `json:"exposure_usd"`
	LastUpdated      time.Time       `json:"last_updated"`
	OrderID          string          `json:"order_id"`
	ContractID       string          `json:"contract_id"`
	QtyMultiplier    decimal.Decimal `json:"qty_multiplier"`
	PriceMultiplier  decimal.Decimal `json:"price_multiplier"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	MarginReserved   decimal.Decimal `json:"margin_reserved"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
}

// ActualTokens converts the leg quantity to underlying token units.
func (l *LegMetadata) ActualTokens() decimal.Decimal {
	mult := l.QtyMultiplier
	if mult.IsZero() {
		mult = decimal.NewFromInt(1)
	}
	return l.Quantity.Mul(mult)
}

// FillFingerprint is an audit entry appended on each additive merge.
type FillFingerprint struct {
	Timestamp  time.Time       `json:"timestamp"`
	SizeUSD    decimal.Decimal `json:"size_usd"`
	LongPrice  decimal.Decimal `json:"long_price"`
	ShortPrice decimal.Decimal `json:"short_price"`
	Divergence float64         `json:"divergence"`
}

// Position is a delta-neutral hedge between two venues: a long leg on one,
// a short leg on the other, same underlying symbol.
type Position struct {
	ID              string                  `json:"id"` // UUID
	Symbol          string                  `json:"symbol"`
	LongVenue       string                  `json:"long_dex"`
	ShortVenue      string                  `json:"short_dex"`
	SizeUSD         decimal.Decimal         `json:"size_usd"` // hedge notional
	EntryLongRate   float64                 `json:"entry_long_rate"`
	EntryShortRate  float64                 `json:"entry_short_rate"`
	EntryDivergence float64                 `json:"entry_divergence"`
	OpenedAt        time.Time               `json:"opened_at"`
	ClosedAt        *time.Time              `json:"closed_at,omitempty"`
	Status          PositionStatus          `json:"status"`
	ExitReason      string                  `json:"exit_reason,omitempty"`
	PnLUSD          decimal.Decimal         `json:"pnl_usd"`
	TotalFeesPaid   decimal.Decimal         `json:"total_fees_paid"`
	LastCheck       time.Time               `json:"last_check"`
	Legs            map[string]*LegMetadata `json:"legs"`  // keyed by venue name
	Fills           []FillFingerprint       `json:"fills"` // merge audit trail

	// SnapshotCache holds live leg snapshots refreshed by the monitor loop so
	// the profit monitor can skip REST calls when recent enough. Not persisted.
	SnapshotCache    map[string]*PositionSnapshot `json:"-"`
	SnapshotCachedAt time.Time                    `json:"-"`
}

// Leg returns the metadata for one venue's leg, or nil.
func (p *Position) Leg(venue string) *LegMetadata {
	if p.Legs == nil {
		return nil
	}
	return p.Legs[venue]
}

// AgeHours is the position age in hours.
func (p *Position) AgeHours(now time.Time) float64 {
	return now.Sub(p.OpenedAt).Hours()
}

// TokenImbalance returns (max−min)/max of the two legs' actual-token amounts.
// Returns 0 when either leg is missing or empty.
func (p *Position) TokenImbalance() float64 {
	long, short := p.Leg(p.LongVenue), p.Leg(p.ShortVenue)
	if long == nil || short == nil {
		return 0
	}
	a, b := long.ActualTokens(), short.ActualTokens()
	if a.IsZero() || b.IsZero() {
		return 0
	}
	max, min := a, b
	if b.GreaterThan(a) {
		max, min = b, a
	}
	imb, _ := max.Sub(min).Div(max).Float64()
	return imb
}

// Session is one process lifetime of the strategy.
type Session struct {
	ID            string            `json:"session_id"`
	Strategy      string            `json:"strategy"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Health        SessionHealth     `json:"health"`
	Stage         LifecycleStage    `json:"lifecycle_stage"`
	Paused        bool              `json:"paused"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TradeFill is the persisted record of one leg's execution (entry or exit).
type TradeFill struct {
	ID              int64           `json:"id"`
	PositionID      string          `json:"position_id"`
	AccountID       string          `json:"account_id"`
	TradeType       TradeType       `json:"trade_type"`
	Venue           string          `json:"dex_id"`
	Symbol          string          `json:"symbol_id"`
	OrderID         string          `json:"order_id"`
	TradeID         string          `json:"trade_id"`
	Timestamp       time.Time       `json:"timestamp"`
	Side            Side            `json:"side"`
	TotalQuantity   decimal.Decimal `json:"total_quantity"`
	WeightedPrice   decimal.Decimal `json:"weighted_avg_price"`
	TotalFee        decimal.Decimal `json:"total_fee"`
	FeeCurrency     string          `json:"fee_currency"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	RealizedFunding decimal.Decimal `json:"realized_funding"`
	FillCount       int             `json:"fill_count"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire format
// ————————————————————————————————————————————————————————————————————————
// These structs map to the JSON messages the perp venues push. The public
// stream carries bookTicker (BBO), depthUpdate (delta book), and forceOrder
// (liquidation) events; the private stream carries order/fill updates and
// listen-key expiry notices. Events are discriminated by the "e" field.

// WSEnvelope peeks at the event type for routing.
type WSEnvelope struct {
	EventType string `json:"e"`
}

// WSBookTicker is a BBO update from the public stream.
type WSBookTicker struct {
	EventType string `json:"e"` // "bookTicker"
	Symbol    string `json:"s"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
	UpdateID  int64  `json:"u"`
	EventTime int64  `json:"E"` // ms epoch
}

// WSDepthUpdate is an incremental order book delta. FirstSeq/LastSeq bound
// the sequence offsets covered by this update; a size of "0" removes a level.
type WSDepthUpdate struct {
	EventType string      `json:"e"` // "depthUpdate"
	Symbol    string      `json:"s"`
	FirstSeq  int64       `json:"U"`
	LastSeq   int64       `json:"u"`
	Bids      [][2]string `json:"b"` // [price, size]
	Asks      [][2]string `json:"a"`
	EventTime int64       `json:"E"`
}

// WSOrderUpdate is an order lifecycle / fill event from the private stream.
type WSOrderUpdate struct {
	EventType    string `json:"e"` // "orderUpdate"
	Symbol       string `json:"s"`
	OrderID      string `json:"i"`
	Side         string `json:"S"`
	Status       string `json:"X"` // NEW, PARTIALLY_FILLED, FILLED, CANCELED, EXPIRED
	FilledQty    string `json:"z"` // cumulative
	LastFillQty  string `json:"l"`
	AvgFillPrice string `json:"ap"`
	Fee          string `json:"n"`
	FeeCurrency  string `json:"N"`
	Maker        bool   `json:"m"`
	TradeID      string `json:"t"`
	EventTime    int64  `json:"E"`
}

// WSForceOrder is a venue liquidation (force-close) notification.
type WSForceOrder struct {
	EventType string `json:"e"` // "forceOrder"
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Quantity  string `json:"q"`
	Price     string `json:"p"`
	EventTime int64  `json:"E"`
}

// WSListenKeyExpired signals the private stream's token lapsed server-side.
type WSListenKeyExpired struct {
	EventType string `json:"e"` // "listenKeyExpired"
	EventTime int64  `json:"E"`
}

// WSSubscribeMsg subscribes or unsubscribes public-stream channels.
type WSSubscribeMsg struct {
	Method string   `json:"method"` // "SUBSCRIBE" or "UNSUBSCRIBE"
	Params []string `json:"params"` // e.g. ["btcusdt@bookTicker", "btcusdt@depth"]
	ID     int64    `json:"id"`
}
