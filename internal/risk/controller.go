package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"funding-arb/pkg/types"
)

const snapshotCacheMaxAge = 30 * time.Second

// OpportunitySource answers whether a triple is still the best candidate.
// *scanner.Scanner satisfies this.
type OpportunitySource interface {
	IsTopOpportunity(ctx context.Context, symbol, longVenue, shortVenue string) (bool, error)
}

// SnapshotSource reads one venue's live leg state. *venue.Connector
// satisfies this.
type SnapshotSource interface {
	PositionSnapshot(ctx context.Context, symbol string) (*types.PositionSnapshot, error)
}

// Verdict is the outcome of one risk evaluation.
type Verdict struct {
	Exit     bool
	Reason   string
	Critical bool // bypassed the minimum-hold and hold-top guards
}

// Controller runs the critical detectors and the exit-strategy waterfall
// for open positions.
type Controller struct {
	minHoldHours       float64
	imbalanceThreshold float64
	strategy           ExitStrategy
	scanner            OpportunitySource
	venues             map[string]SnapshotSource
	logger             *slog.Logger
}

// NewController wires the controller. scanner may be nil, in which case the
// hold-top-opportunity check is skipped.
func NewController(minHoldHours, imbalanceThreshold float64, strategy ExitStrategy,
	scanner OpportunitySource, venues map[string]SnapshotSource, logger *slog.Logger) *Controller {
	if imbalanceThreshold <= 0 {
		imbalanceThreshold = 0.05
	}
	return &Controller{
		minHoldHours:       minHoldHours,
		imbalanceThreshold: imbalanceThreshold,
		strategy:           strategy,
		scanner:            scanner,
		venues:             venues,
		logger:             logger.With("component", "risk"),
	}
}

// Evaluate decides whether a position should be closed right now.
func (c *Controller) Evaluate(ctx context.Context, pos *types.Position, rates types.FundingRates) Verdict {
	if v := c.criticalCheck(ctx, pos); v.Exit {
		c.logger.Warn("critical exit condition",
			"position_id", pos.ID, "symbol", pos.Symbol, "reason", v.Reason)
		return v
	}

	now := time.Now()
	exit, reason := c.strategy.ShouldExit(pos, rates, now)
	if !exit {
		return Verdict{}
	}

	// A flipped divergence pays on both legs; holding it out of respect for
	// the minimum hold only deepens the loss.
	if reason == types.ExitDivergenceFlipped {
		c.logger.Warn("divergence flipped, closing regardless of hold time",
			"position_id", pos.ID, "symbol", pos.Symbol)
		return Verdict{Exit: true, Reason: reason, Critical: true}
	}

	if c.minHoldHours > 0 && pos.AgeHours(now) < c.minHoldHours {
		return Verdict{}
	}

	if reason == types.ExitProfitErosion && c.scanner != nil {
		top, err := c.scanner.IsTopOpportunity(ctx, pos.Symbol, pos.LongVenue, pos.ShortVenue)
		if err != nil {
			c.logger.Warn("hold-top check failed, proceeding with exit",
				"position_id", pos.ID, "error", err)
		} else if top {
			c.logger.Info("holding eroded position, still top opportunity",
				"position_id", pos.ID, "symbol", pos.Symbol, "verdict", types.HoldTopOpportunity)
			return Verdict{Reason: types.HoldTopOpportunity}
		}
	}
	return Verdict{Exit: true, Reason: reason}
}

// criticalCheck runs the detectors that pre-empt the waterfall: legs gone
// from the venue side, and actual-token imbalance past the threshold.
func (c *Controller) criticalCheck(ctx context.Context, pos *types.Position) Verdict {
	snaps := c.legSnapshots(ctx, pos)

	longSnap, longOK := snaps[pos.LongVenue]
	shortSnap, shortOK := snaps[pos.ShortVenue]
	if longOK && shortOK {
		longGone := longSnap.Quantity.IsZero()
		shortGone := shortSnap.Quantity.IsZero()
		switch {
		case longGone && shortGone:
			return Verdict{Exit: true, Reason: types.ExitAllLegsClosed, Critical: true}
		case longGone || shortGone:
			return Verdict{Exit: true, Reason: types.ExitLegLiquidated, Critical: true}
		}
	}

	if imb := pos.TokenImbalance(); imb > c.imbalanceThreshold {
		return Verdict{Exit: true, Reason: types.ExitSevereImbalance, Critical: true}
	}
	return Verdict{}
}

// legSnapshots returns both legs' live state, preferring the position's
// snapshot cache when fresh, fetching the rest in parallel.
func (c *Controller) legSnapshots(ctx context.Context, pos *types.Position) map[string]*types.PositionSnapshot {
	out := make(map[string]*types.PositionSnapshot, 2)
	if pos.SnapshotCache != nil && time.Since(pos.SnapshotCachedAt) <= snapshotCacheMaxAge {
		for v, s := range pos.SnapshotCache {
			out[v] = s
		}
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, venueName := range []string{pos.LongVenue, pos.ShortVenue} {
		if _, ok := out[venueName]; ok {
			continue
		}
		src, ok := c.venues[venueName]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(venueName string, src SnapshotSource) {
			defer wg.Done()
			snap, err := src.PositionSnapshot(ctx, pos.Symbol)
			if err != nil {
				c.logger.Warn("leg snapshot failed", "venue", venueName,
					"symbol", pos.Symbol, "error", err)
				return
			}
			mu.Lock()
			out[venueName] = snap
			mu.Unlock()
		}(venueName, src)
	}
	wg.Wait()
	return out
}

// MatchLiquidation reports whether a venue force-order event hit one of the
// position's legs, and the exit reason to use if so. A forced sell
// liquidates longs; a forced buy liquidates shorts.
func MatchLiquidation(pos *types.Position, evt types.LiquidationEvent) (string, bool) {
	if evt.Symbol != pos.Symbol {
		return "", false
	}
	leg := pos.Leg(evt.Venue)
	if leg == nil {
		return "", false
	}
	hit := (leg.Side == types.Long && evt.Side == types.SELL) ||
		(leg.Side == types.Short && evt.Side == types.BUY)
	if !hit {
		return "", false
	}
	return types.LiquidationExitReason(evt.Venue), true
}
