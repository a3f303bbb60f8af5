// Package scanner ranks funding-rate opportunities and sizes new hedges.
//
// Raw candidates come from an external opportunity store. The scanner
// normalizes funding rates across venues' differing funding intervals,
// deducts round-trip fees over the configured horizon, ranks by net profit,
// and enforces capacity rails (global position cap, per-cycle cap, exposure
// headroom, per-symbol cooldowns) before anything reaches the executor.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

// Filter narrows an opportunity-store query.
type Filter struct {
	MinProfitPercent float64  `json:"min_profit_percent"`
	MaxOIUSD         float64  `json:"max_oi_usd"`
	WhitelistVenues  []string `json:"whitelist_dexes"`
	RequiredVenue    string   `json:"required_dex,omitempty"`
	Symbol           string   `json:"symbol,omitempty"`
	Limit            int      `json:"limit"`
}

// OpportunityStore is the external funding-rate database.
type OpportunityStore interface {
	FindOpportunities(ctx context.Context, filter Filter) ([]types.FundingOpportunity, error)
}

// VenueMeta is the slice of the venue client the scanner needs for fee and
// leverage lookups. *venue.Client satisfies this.
type VenueMeta interface {
	Fees() types.FeeStructure
	FundingIntervalSeconds() int64
	GetLeverageInfo(ctx context.Context, symbol string) (current, max int, err error)
}

// Candidate is a ranked, sized opportunity ready for the open pipeline.
type Candidate struct {
	Opportunity types.FundingOpportunity
	NetProfit   float64 // fee-adjusted, over the configured horizon
	ExposureUSD decimal.Decimal
	Leverage    int // min of the two venues for the symbol
}

// Scanner queries, ranks, and capacity-gates opportunities.
type Scanner struct {
	cfg    config.StrategyConfig
	store  OpportunityStore
	venues map[string]VenueMeta
	logger *slog.Logger

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time // symbol → cooldown expiry
}

// New creates a scanner over the wired venues.
func New(cfg config.StrategyConfig, store OpportunityStore, venues map[string]VenueMeta, logger *slog.Logger) *Scanner {
	return &Scanner{
		cfg:       cfg,
		store:     store,
		venues:    venues,
		logger:    logger.With("component", "scanner"),
		cooldowns: make(map[string]time.Time),
	}
}

// MarkCooldown suppresses a symbol for the configured cooldown interval.
func (s *Scanner) MarkCooldown(symbol string) {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()
	s.cooldowns[symbol] = time.Now().Add(s.cfg.CooldownInterval)
	s.logger.Info("symbol on cooldown", "symbol", symbol, "until", s.cooldowns[symbol])
}

// InCooldown reports whether a symbol is currently suppressed. Expired
// entries are pruned as they are observed.
func (s *Scanner) InCooldown(symbol string) bool {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()
	until, ok := s.cooldowns[symbol]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.cooldowns, symbol)
		return false
	}
	return true
}

// CooldownState exports the live cooldown map for persistence.
func (s *Scanner) CooldownState() map[string]time.Time {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()
	out := make(map[string]time.Time, len(s.cooldowns))
	now := time.Now()
	for sym, until := range s.cooldowns {
		if until.After(now) {
			out[sym] = until
		}
	}
	return out
}

// RestoreCooldowns merges persisted cooldowns back in after a restart.
func (s *Scanner) RestoreCooldowns(state map[string]time.Time) {
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()
	now := time.Now()
	for sym, until := range state {
		if until.After(now) {
			s.cooldowns[sym] = until
		}
	}
}

// netProfit recomputes a candidate's fee-adjusted profitability over the
// configured horizon:
//
//	normalized = rate / venue_funding_interval_seconds
//	gross      = |short_normalized − long_normalized| × horizon_seconds
//	net        = gross − round-trip fees on both venues
func (s *Scanner) netProfit(opp types.FundingOpportunity) (float64, error) {
	longMeta, ok := s.venues[opp.LongVenue]
	if !ok {
		return 0, fmt.Errorf("no client for venue %s", opp.LongVenue)
	}
	shortMeta, ok := s.venues[opp.ShortVenue]
	if !ok {
		return 0, fmt.Errorf("no client for venue %s", opp.ShortVenue)
	}

	longInterval := float64(longMeta.FundingIntervalSeconds())
	shortInterval := float64(shortMeta.FundingIntervalSeconds())
	if longInterval <= 0 || shortInterval <= 0 {
		return 0, fmt.Errorf("zero funding interval for %s/%s", opp.LongVenue, opp.ShortVenue)
	}

	perSecond := opp.ShortRate/shortInterval - opp.LongRate/longInterval
	gross := math.Abs(perSecond) * s.cfg.TimeHorizon.Seconds()

	// Entry and exit on both legs at maker rates.
	fees := 2 * (longMeta.Fees().MakerRate + shortMeta.Fees().MakerRate)
	return gross - fees, nil
}

// Scan returns sized candidates that clear every rail, best first.
// openPositions and currentExposureUSD describe the portfolio right now.
func (s *Scanner) Scan(ctx context.Context, openPositions []*types.Position, currentExposureUSD float64) ([]Candidate, error) {
	slots := s.cfg.MaxPositions - len(openPositions)
	if slots <= 0 {
		return nil, nil
	}
	if s.cfg.MaxNewPositionsPerCycle > 0 && slots > s.cfg.MaxNewPositionsPerCycle {
		slots = s.cfg.MaxNewPositionsPerCycle
	}

	filter := Filter{
		MinProfitPercent: s.cfg.MinProfit,
		MaxOIUSD:         s.cfg.MaxOIUSD,
		WhitelistVenues:  s.cfg.Exchanges,
		RequiredVenue:    s.cfg.MandatoryExchange,
		Limit:            slots * 4, // headroom for rail rejections
	}
	opps, err := s.store.FindOpportunities(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find opportunities: %w", err)
	}

	ranked := s.rank(opps)

	headroom := s.cfg.MaxTotalExposureUSD - currentExposureUSD
	heldSymbols := make(map[string]bool, len(openPositions))
	for _, p := range openPositions {
		heldSymbols[p.Symbol] = true
	}

	var out []Candidate
	for _, cand := range ranked {
		if len(out) >= slots {
			break
		}
		sym := cand.Opportunity.Symbol
		if heldSymbols[sym] || s.InCooldown(sym) {
			continue
		}
		sized, err := s.size(ctx, cand, headroom)
		if err != nil {
			s.logger.Warn("sizing failed, skipping", "symbol", sym, "error", err)
			continue
		}
		if !sized.ExposureUSD.IsPositive() {
			continue
		}
		exp, _ := sized.ExposureUSD.Float64()
		headroom -= exp
		out = append(out, sized)
	}
	return out, nil
}

// rank recomputes net profit and sorts descending, dropping anything below
// the configured floor.
func (s *Scanner) rank(opps []types.FundingOpportunity) []Candidate {
	out := make([]Candidate, 0, len(opps))
	for _, opp := range opps {
		net, err := s.netProfit(opp)
		if err != nil {
			s.logger.Debug("skipping candidate", "symbol", opp.Symbol, "error", err)
			continue
		}
		if net < s.cfg.MinProfit {
			continue
		}
		opp.NetProfitPct = net
		out = append(out, Candidate{Opportunity: opp, NetProfit: net})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetProfit > out[j].NetProfit })
	return out
}

// size sets the candidate's leverage and USD exposure:
// exposure = target_margin × min(venue leverage), clamped by the per-position
// cap and remaining portfolio headroom.
func (s *Scanner) size(ctx context.Context, cand Candidate, headroomUSD float64) (Candidate, error) {
	opp := cand.Opportunity
	_, longMax, err := s.venues[opp.LongVenue].GetLeverageInfo(ctx, opp.Symbol)
	if err != nil {
		return cand, fmt.Errorf("leverage info %s: %w", opp.LongVenue, err)
	}
	_, shortMax, err := s.venues[opp.ShortVenue].GetLeverageInfo(ctx, opp.Symbol)
	if err != nil {
		return cand, fmt.Errorf("leverage info %s: %w", opp.ShortVenue, err)
	}

	lev := longMax
	if shortMax < lev {
		lev = shortMax
	}
	if lev <= 0 {
		return cand, fmt.Errorf("no leverage available for %s", opp.Symbol)
	}

	exposure := s.cfg.TargetMargin * float64(lev)
	if s.cfg.MaxPositionSizeUSD > 0 && exposure > s.cfg.MaxPositionSizeUSD {
		exposure = s.cfg.MaxPositionSizeUSD
	}
	if exposure > headroomUSD {
		exposure = headroomUSD
	}
	if exposure <= 0 {
		exposure = 0
	}

	cand.Leverage = lev
	cand.ExposureUSD = decimal.NewFromFloat(exposure)
	return cand, nil
}

// IsTopOpportunity reports whether the exact (symbol, long venue, short
// venue) triple is currently the single best candidate with net profit at or
// above the configured floor. The risk controller uses this to hold an
// eroding position that is still the best thing to be in.
func (s *Scanner) IsTopOpportunity(ctx context.Context, symbol, longVenue, shortVenue string) (bool, error) {
	opps, err := s.store.FindOpportunities(ctx, Filter{
		MinProfitPercent: s.cfg.MinProfit,
		MaxOIUSD:         s.cfg.MaxOIUSD,
		WhitelistVenues:  s.cfg.Exchanges,
		RequiredVenue:    s.cfg.MandatoryExchange,
		Limit:            10,
	})
	if err != nil {
		return false, fmt.Errorf("find opportunities: %w", err)
	}
	ranked := s.rank(opps)
	if len(ranked) == 0 {
		return false, nil
	}
	top := ranked[0].Opportunity
	return top.Symbol == symbol &&
		top.LongVenue == longVenue &&
		top.ShortVenue == shortVenue &&
		ranked[0].NetProfit >= s.cfg.MinProfit, nil
}
