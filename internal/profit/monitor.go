// Package profit closes hedges opportunistically when the mark-to-market
// plus accrued funding already beats the closing costs.
//
// The monitor is the event-driven peer of the risk controller: instead of
// running on the orchestrator cycle it subscribes to BBO streams on both
// leg venues and re-evaluates a position whenever its symbol ticks, subject
// to a per-position throttle. Closes go through the shared closing set so
// the risk controller and the monitor never race on the same position.
package profit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/internal/executor"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

const snapshotCacheMaxAge = 30 * time.Second

// Feed is the slice of a venue connector the monitor needs. *venue.Connector
// satisfies this.
type Feed interface {
	RegisterBBOListener(id string) <-chan types.BBO
	UnregisterBBOListener(id string)
	LatestBBO(symbol string) (types.BBO, bool)
	PositionSnapshot(ctx context.Context, symbol string) (*types.PositionSnapshot, error)
	Client() venue.VenueClient
}

// Closer executes the actual close. The orchestrator implements this with
// its atomic aggressive-limit close path.
type Closer interface {
	ClosePosition(ctx context.Context, pos *types.Position, reason string) error
}

// Monitor watches registered positions for immediate-profit exits.
type Monitor struct {
	cfg     config.ProfitConfig
	feeds   map[string]Feed
	closing *executor.ClosingSet
	closer  Closer
	logger  *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch // position ID → watch
}

// watch tracks one registered position. pos holds the latest copy the
// orchestrator handed us; the monitor cycle swaps it via Refresh so
// evaluations never price against stale legs or funding.
type watch struct {
	pos        atomic.Pointer[types.Position]
	evaluating atomic.Bool
	lastEval   atomic.Int64 // unix nanos of the last completed evaluation
}

// New creates a monitor over the wired venue feeds.
func New(cfg config.ProfitConfig, feeds map[string]Feed, closing *executor.ClosingSet, closer Closer, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		feeds:   feeds,
		closing: closing,
		closer:  closer,
		logger:  logger.With("component", "profit"),
		watches: make(map[string]*watch),
	}
}

// Register subscribes the position to BBO ticks on both leg venues. The
// listeners live until Unregister or until ctx is cancelled. No-op when
// immediate profit taking is disabled or the position is already watched.
func (m *Monitor) Register(ctx context.Context, pos *types.Position) {
	if !m.cfg.Enabled {
		return
	}
	m.mu.Lock()
	if _, ok := m.watches[pos.ID]; ok {
		m.mu.Unlock()
		return
	}
	w := &watch{}
	w.pos.Store(pos)
	m.watches[pos.ID] = w
	m.mu.Unlock()

	for _, venueName := range []string{pos.LongVenue, pos.ShortVenue} {
		feed, ok := m.feeds[venueName]
		if !ok {
			m.logger.Warn("no feed for leg venue", "venue", venueName, "position_id", pos.ID)
			continue
		}
		ch := feed.RegisterBBOListener(listenerID(pos.ID, venueName))
		venueSym := feed.Client().VenueSymbolFormat(pos.Symbol)
		go m.listen(ctx, w, feed, venueSym, ch)
	}
	m.logger.Info("watching position", "position_id", pos.ID, "symbol", pos.Symbol)
}

// Refresh swaps in the latest copy of a watched position. No-op for
// positions that are not registered.
func (m *Monitor) Refresh(pos *types.Position) {
	m.mu.Lock()
	w, ok := m.watches[pos.ID]
	m.mu.Unlock()
	if ok {
		w.pos.Store(pos)
	}
}

// Unregister drops the position's BBO listeners and its watch entry.
func (m *Monitor) Unregister(positionID string) {
	m.mu.Lock()
	w, ok := m.watches[positionID]
	if ok {
		delete(m.watches, positionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	pos := w.pos.Load()
	for _, venueName := range []string{pos.LongVenue, pos.ShortVenue} {
		if feed, ok := m.feeds[venueName]; ok {
			feed.UnregisterBBOListener(listenerID(positionID, venueName))
		}
	}
}

func listenerID(positionID, venueName string) string {
	return "profit-" + positionID + "-" + venueName
}

// listen drains one venue's BBO stream, filtering to the watched symbol.
// The channel closes when the listener is unregistered.
func (m *Monitor) listen(ctx context.Context, w *watch, feed Feed, venueSym string, ch <-chan types.BBO) {
	client := feed.Client()
	for {
		select {
		case <-ctx.Done():
			return
		case bbo, ok := <-ch:
			if !ok {
				return
			}
			if bbo.Symbol != venueSym && client.NormalizeSymbol(bbo.Symbol) != w.pos.Load().Symbol {
				continue
			}
			m.maybeEvaluate(ctx, w)
		}
	}
}

// maybeEvaluate applies the throttle, the reentrancy flag, and the closing
// set before running a full evaluation.
func (m *Monitor) maybeEvaluate(ctx context.Context, w *watch) {
	last := w.lastEval.Load()
	now := time.Now().UnixNano()
	if now-last < int64(m.cfg.CheckInterval) {
		return
	}
	if !w.evaluating.CompareAndSwap(false, true) {
		return
	}
	defer w.evaluating.Store(false)
	w.lastEval.Store(now)

	pos := w.pos.Load()
	if m.closing.Contains(pos.ID) {
		return
	}
	m.evaluate(ctx, pos)
}

// evaluate computes exit-price net PnL and closes the position when it
// clears the threshold. The final BBO double-check is fail-closed: any
// doubt and the position stays open.
func (m *Monitor) evaluate(ctx context.Context, pos *types.Position) {
	snaps, err := m.legSnapshots(ctx, pos)
	if err != nil {
		m.logger.Warn("snapshot fetch failed", "position_id", pos.ID, "error", err)
		return
	}

	net, err := m.netPnL(ctx, pos, snaps)
	if err != nil {
		m.logger.Debug("evaluation skipped", "position_id", pos.ID, "error", err)
		return
	}
	threshold := pos.SizeUSD.Mul(decimal.NewFromFloat(m.cfg.MinProfitPct))
	if net.LessThanOrEqual(threshold) {
		return
	}

	if !m.closing.TryAdd(pos.ID) {
		return
	}

	// Spread may have moved while we computed. Re-read BBO and require the
	// threshold to still clear before committing the close.
	confirm, err := m.netPnL(ctx, pos, snaps)
	if err != nil || confirm.LessThanOrEqual(threshold) {
		m.closing.Remove(pos.ID)
		m.logger.Info("profit evaporated on double-check, holding",
			"position_id", pos.ID, "first", net, "second", confirm)
		return
	}

	m.logger.Info("taking profit", "position_id", pos.ID, "symbol", pos.Symbol,
		"net_pnl", confirm, "threshold", threshold)
	if err := m.closer.ClosePosition(ctx, pos, types.ExitProfitTaking); err != nil {
		m.closing.Remove(pos.ID)
		m.logger.Error("profit close failed", "position_id", pos.ID, "error", err)
		return
	}
	m.Unregister(pos.ID)
}

// legSnapshots prefers the position's snapshot cache when fresh, falling
// back to live venue reads.
func (m *Monitor) legSnapshots(ctx context.Context, pos *types.Position) (map[string]*types.PositionSnapshot, error) {
	if pos.SnapshotCache != nil && time.Since(pos.SnapshotCachedAt) <= snapshotCacheMaxAge {
		if pos.SnapshotCache[pos.LongVenue] != nil && pos.SnapshotCache[pos.ShortVenue] != nil {
			return pos.SnapshotCache, nil
		}
	}
	out := make(map[string]*types.PositionSnapshot, 2)
	for _, venueName := range []string{pos.LongVenue, pos.ShortVenue} {
		feed, ok := m.feeds[venueName]
		if !ok {
			return nil, fmt.Errorf("no feed for venue %s", venueName)
		}
		snap, err := feed.PositionSnapshot(ctx, pos.Symbol)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", venueName, err)
		}
		out[venueName] = snap
	}
	return out, nil
}

// netPnL prices both legs at their exit side of the current BBO: the long
// sells into the bid, the short buys from the ask. Accrued funding is added
// and an estimated maker-rate closing fee on both legs is deducted.
func (m *Monitor) netPnL(ctx context.Context, pos *types.Position, snaps map[string]*types.PositionSnapshot) (decimal.Decimal, error) {
	net := decimal.Zero
	for _, venueName := range []string{pos.LongVenue, pos.ShortVenue} {
		leg := pos.Leg(venueName)
		if leg == nil {
			return decimal.Zero, fmt.Errorf("missing leg metadata for %s", venueName)
		}
		feed := m.feeds[venueName]
		bbo, err := m.freshBBO(ctx, feed, pos.Symbol)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bbo %s: %w", venueName, err)
		}

		entry := leg.EntryPrice
		if snap := snaps[venueName]; snap != nil && snap.EntryPrice.IsPositive() {
			entry = snap.EntryPrice
		}
		tokens := leg.ActualTokens()

		var exitPx decimal.Decimal
		if leg.Side == types.Long {
			exitPx = decimal.NewFromFloat(bbo.Bid)
			net = net.Add(exitPx.Sub(entry).Mul(tokens))
		} else {
			exitPx = decimal.NewFromFloat(bbo.Ask)
			net = net.Add(entry.Sub(exitPx).Mul(tokens))
		}
		if snap := snaps[venueName]; snap != nil {
			net = net.Add(snap.FundingAccrued)
		}

		maker := decimal.NewFromFloat(feed.Client().Fees().MakerRate)
		net = net.Sub(exitPx.Mul(tokens).Mul(maker))
	}
	return net, nil
}

// freshBBO reads the connector's live quote, falling back to REST when the
// stream has nothing for the symbol yet. The connector caches quotes under
// the canonical symbol.
func (m *Monitor) freshBBO(ctx context.Context, feed Feed, symbol string) (types.BBO, error) {
	if bbo, ok := feed.LatestBBO(symbol); ok && bbo.Valid() {
		return bbo, nil
	}
	bbo, err := feed.Client().FetchBBOPrices(ctx, symbol)
	if err != nil {
		return types.BBO{}, err
	}
	if !bbo.Valid() {
		return types.BBO{}, fmt.Errorf("invalid bbo for %s", symbol)
	}
	return bbo, nil
}
