// Package engine is the strategy orchestrator.
//
// It wires together all subsystems:
//
//  1. Venue connectors keep one private and one public stream per venue.
//  2. The scanner ranks funding opportunities from the external store.
//  3. The executor opens and closes hedges atomically across two venues.
//  4. The risk controller and profit monitor decide when a hedge comes off.
//  5. The store persists positions, fills, funding, and session state.
//
// Each cycle runs three phases: monitor open positions (snapshot refresh and
// funding accrual), close what the risk controller flags, then open new
// hedges if capacity allows. While paused only the monitor phase runs.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding-arb/internal/api"
	"funding-arb/internal/config"
	"funding-arb/internal/executor"
	"funding-arb/internal/prices"
	"funding-arb/internal/profit"
	"funding-arb/internal/risk"
	"funding-arb/internal/scanner"
	"funding-arb/internal/store"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

const cooldownStateKey = "scanner_cooldowns"

// Dashboard is the outbound reporting surface. *api.Server satisfies this.
// Nil when the dashboard is disabled.
type Dashboard interface {
	PublishSnapshot(ctx context.Context)
	PublishEvent(ctx context.Context, evt api.TimelineEvent)
}

// Engine owns the strategy lifecycle and all component goroutines.
type Engine struct {
	cfg        config.Config
	connectors map[string]*venue.Connector
	prices     *prices.Provider
	exec       *executor.Executor
	scan       *scanner.Scanner
	riskCtrl   *risk.Controller
	profitMon  *profit.Monitor
	oppStore   scanner.OpportunityStore
	st         *store.Store
	logger     *slog.Logger

	dashboard Dashboard

	sessionMu sync.Mutex
	session   types.Session

	posMu           sync.RWMutex
	lastPositions   []*types.Position
	totalFundingUSD float64

	paused       atomic.Bool
	openedOnce   atomic.Bool
	maxPosLogged bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components from config.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	connectors := make(map[string]*venue.Connector, len(cfg.Venues))
	priceSources := make(map[string]prices.Source, len(cfg.Venues))
	snapSources := make(map[string]risk.SnapshotSource, len(cfg.Venues))
	venueMeta := make(map[string]scanner.VenueMeta, len(cfg.Venues))
	feeds := make(map[string]profit.Feed, len(cfg.Venues))
	for name, vc := range cfg.Venues {
		client := venue.NewClient(name, vc, cfg.DryRun, logger)
		conn := venue.NewConnector(client, vc, logger)
		connectors[name] = conn
		priceSources[name] = conn
		snapSources[name] = conn
		venueMeta[name] = client
		feeds[name] = conn
	}

	priceProvider := prices.NewProvider(priceSources, 0, logger)
	exec := executor.NewExecutor(cfg.Execution, priceProvider, logger)

	oppStore := scanner.NewHTTPOpportunityStore(cfg.Strategy.OpportunityStoreURL, logger)
	scan := scanner.New(cfg.Strategy, oppStore, venueMeta, logger)

	exitStrategy, err := risk.NewExitStrategy(cfg.Risk)
	if err != nil {
		st.Close()
		return nil, err
	}
	riskCtrl := risk.NewController(cfg.Risk.MinHoldHours, cfg.Risk.ImbalanceThreshold,
		exitStrategy, scan, snapSources, logger)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		connectors: connectors,
		prices:     priceProvider,
		exec:       exec,
		scan:       scan,
		riskCtrl:   riskCtrl,
		oppStore:   oppStore,
		st:         st,
		logger:     logger.With("component", "engine"),
		ctx:        ctx,
		cancel:     cancel,
	}
	e.profitMon = profit.New(cfg.Profit, feeds, exec.Closing(), e, logger)
	e.session = types.Session{
		ID:       uuid.NewString(),
		Strategy: "funding-arb",
		Health:   types.HealthStarting,
		Stage:    types.StageInitializing,
	}
	return e, nil
}

// Store exposes the persistence layer so the dashboard server can share it.
func (e *Engine) Store() *store.Store { return e.st }

// SetDashboard attaches the reporting surface. Must be called before Start.
func (e *Engine) SetDashboard(d Dashboard) { e.dashboard = d }

// Start connects all venues, restores persisted state, and launches the
// cycle loop.
func (e *Engine) Start() error {
	for name, conn := range e.connectors {
		if err := conn.Connect(e.ctx); err != nil {
			return fmt.Errorf("connect %s: %w", name, err)
		}
		// Route private fills into the executor and force orders into the
		// liquidation watcher.
		go e.exec.TrackerFor(name).Run(e.ctx, conn.OrderUpdates())
		e.wg.Add(1)
		go func(name string, conn *venue.Connector) {
			defer e.wg.Done()
			e.watchLiquidations(name, conn)
		}(name, conn)
	}

	var cooldowns map[string]time.Time
	if err := e.st.LoadStrategyState(e.ctx, cooldownStateKey, &cooldowns); err == nil && len(cooldowns) > 0 {
		e.scan.RestoreCooldowns(cooldowns)
		e.logger.Info("restored scanner cooldowns", "count", len(cooldowns))
	}

	now := time.Now()
	e.sessionMu.Lock()
	e.session.StartedAt = now
	e.session.LastHeartbeat = now
	e.sessionMu.Unlock()
	if err := e.st.CreateSession(e.ctx, &e.session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	// Re-attach the profit monitor to hedges that survived a restart.
	if open, err := e.st.OpenPositions(e.ctx); err == nil {
		e.setPositions(open)
		for _, pos := range open {
			e.profitMon.Register(e.ctx, pos)
		}
		if len(open) > 0 {
			e.logger.Info("resumed open positions", "count", len(open))
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()
	return nil
}

// SessionID returns the current session's identifier.
func (e *Engine) SessionID() string {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	return e.session.ID
}

// Stop drains the cycle loop, closes the session row, and disconnects venues.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()
	e.sessionMu.Lock()
	e.session.EndedAt = &now
	e.session.Health = types.HealthStopped
	e.session.Stage = types.StageComplete
	sess := e.session
	e.sessionMu.Unlock()
	if err := e.st.UpdateSession(ctx, &sess); err != nil {
		e.logger.Error("failed to close session", "error", err)
	}
	if err := e.st.SaveStrategyState(ctx, cooldownStateKey, e.scan.CooldownState()); err != nil {
		e.logger.Error("failed to save strategy state", "error", err)
	}

	for _, conn := range e.connectors {
		conn.Disconnect()
	}
	e.st.Close()

	e.logger.Info("shutdown complete")
}

// run executes strategy cycles until cancellation.
func (e *Engine) run() {
	e.setHealth(types.HealthRunning)
	ticker := time.NewTicker(e.cfg.Strategy.CycleInterval)
	defer ticker.Stop()

	e.runCycle()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runCycle()
		}
	}
}

func (e *Engine) runCycle() {
	ctx := e.ctx
	e.heartbeat(ctx)

	e.setStage(types.StageMonitoring)
	e.phase1Monitor(ctx)

	if e.paused.Load() {
		e.setStage(types.StageIdle)
		e.publishSnapshot(ctx)
		return
	}

	e.setStage(types.StageClosing)
	e.phase2Close(ctx)

	e.setStage(types.StageScanning)
	e.phase3Open(ctx)

	if err := e.st.SaveStrategyState(ctx, cooldownStateKey, e.scan.CooldownState()); err != nil {
		e.logger.Warn("strategy state save failed", "error", err)
	}

	e.setStage(types.StageIdle)
	e.publishSnapshot(ctx)
}

// ————————————————————————————————————————————————————————————————————————
// Phase 1: monitor
// ————————————————————————————————————————————————————————————————————————

// phase1Monitor refreshes leg snapshots into each position's cache and
// accrues newly credited funding payments.
func (e *Engine) phase1Monitor(ctx context.Context) {
	open, err := e.st.OpenPositions(ctx)
	if err != nil {
		e.logger.Error("list open positions failed", "error", err)
		return
	}

	// The snapshot cache is process-local and not persisted; re-seed each
	// freshly loaded row from last cycle's copy so funding deltas have a
	// baseline to diff against.
	prevByID := make(map[string]*types.Position)
	for _, p := range e.positions() {
		prevByID[p.ID] = p
	}

	var fundingTotal float64
	for _, pos := range open {
		if last, ok := prevByID[pos.ID]; ok {
			pos.SnapshotCache = last.SnapshotCache
			pos.SnapshotCachedAt = last.SnapshotCachedAt
		}
		fresh := make(map[string]*types.PositionSnapshot, 2)
		for _, venueName := range []string{pos.LongVenue, pos.ShortVenue} {
			conn, ok := e.connectors[venueName]
			if !ok {
				continue
			}
			snap, err := conn.PositionSnapshot(ctx, pos.Symbol)
			if err != nil {
				e.logger.Warn("snapshot refresh failed",
					"position_id", pos.ID, "venue", venueName, "error", err)
				continue
			}
			// Funding deltas need a previous reading from this process; the
			// first cycle after a restart only sets the baseline.
			if prev := pos.SnapshotCache[venueName]; prev != nil {
				if snap.FundingAccrued.IsZero() && prev.FundingAccrued.IsZero() {
					// Venue reports no cumulative funding on the position;
					// sum realized funding from the trade history instead.
					e.accrueFundingFromTrades(ctx, pos, conn.Client(), venueName)
				} else {
					delta := snap.FundingAccrued.Sub(prev.FundingAccrued)
					if !delta.IsZero() {
						if err := e.st.RecordFunding(ctx, pos.ID, venueName, delta, snap.Timestamp); err != nil {
							e.logger.Warn("funding record failed", "position_id", pos.ID, "error", err)
						}
					}
				}
			}
			if leg := pos.Leg(venueName); leg != nil {
				leg.MarkPrice = snap.MarkPrice
				leg.MarginReserved = snap.MarginReserved
				leg.LiquidationPrice = snap.LiquidationPrice
				leg.LastUpdated = snap.Timestamp
			}
			fresh[venueName] = snap
		}
		if len(fresh) > 0 {
			// Carry forward legs that failed to refresh this cycle.
			for v, snap := range pos.SnapshotCache {
				if _, ok := fresh[v]; !ok {
					fresh[v] = snap
				}
			}
			pos.SnapshotCache = fresh
			pos.SnapshotCachedAt = time.Now()
		}
		pos.LastCheck = time.Now()
		if err := e.st.UpdatePosition(ctx, pos); err != nil {
			e.logger.Warn("position update failed", "position_id", pos.ID, "error", err)
		}
		e.profitMon.Refresh(pos)

		if funding, err := e.st.CumulativeFunding(ctx, pos.ID); err == nil {
			f, _ := funding.Float64()
			fundingTotal += f
		}
	}

	e.setPositions(open)
	e.posMu.Lock()
	e.totalFundingUSD = fundingTotal
	e.posMu.Unlock()
}

// accrueFundingFromTrades records funding credited since the last monitor
// pass by scanning the venue's trade history for the position window.
func (e *Engine) accrueFundingFromTrades(ctx context.Context, pos *types.Position, client venue.VenueClient, venueName string) {
	since := pos.LastCheck
	if since.Before(pos.OpenedAt) {
		since = pos.OpenedAt
	}
	now := time.Now()
	trades, err := client.GetUserTradeHistory(ctx, pos.Symbol, since, now, "")
	if err != nil {
		e.logger.Warn("trade history scan failed",
			"position_id", pos.ID, "venue", venueName, "error", err)
		return
	}
	total := decimal.Zero
	for _, t := range trades {
		total = total.Add(t.RealizedFunding)
	}
	if total.IsZero() {
		return
	}
	if err := e.st.RecordFunding(ctx, pos.ID, venueName, total, now); err != nil {
		e.logger.Warn("funding record failed", "position_id", pos.ID, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Phase 2: close
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) phase2Close(ctx context.Context) {
	for _, pos := range e.positions() {
		rates, ok := e.fundingRates(ctx, pos)
		if !ok {
			// No current data for the triple; neutral rates keep the erosion
			// checks quiet while critical detectors and the age check still run.
			rates = types.FundingRates{Divergence: pos.EntryDivergence}
		}

		verdict := e.riskCtrl.Evaluate(ctx, pos, rates)
		if !verdict.Exit {
			continue
		}
		if !e.exec.Closing().TryAdd(pos.ID) {
			continue // profit monitor is already closing it
		}
		if err := e.closeClaimed(ctx, pos, verdict.Reason); err != nil {
			e.logger.Error("close failed", "position_id", pos.ID,
				"reason", verdict.Reason, "error", err)
		}
	}
}

// fundingRates queries the opportunity store for the position's triple. The
// divergence sign is flipped when the stored pair is oriented the other way.
func (e *Engine) fundingRates(ctx context.Context, pos *types.Position) (types.FundingRates, bool) {
	opps, err := e.oppStore.FindOpportunities(ctx, scanner.Filter{
		Symbol: pos.Symbol,
		Limit:  25,
	})
	if err != nil {
		e.logger.Warn("funding rate lookup failed", "symbol", pos.Symbol, "error", err)
		return types.FundingRates{}, false
	}
	return matchRates(opps, pos)
}

// matchRates finds the opportunity row for a position's venue pair in either
// orientation.
func matchRates(opps []types.FundingOpportunity, pos *types.Position) (types.FundingRates, bool) {
	for _, opp := range opps {
		if opp.Symbol != pos.Symbol {
			continue
		}
		div := opp.Divergence
		if div == 0 {
			div = opp.ShortRate - opp.LongRate
		}
		switch {
		case opp.LongVenue == pos.LongVenue && opp.ShortVenue == pos.ShortVenue:
			return types.FundingRates{
				Divergence: div,
				LongRate:   opp.LongRate,
				ShortRate:  opp.ShortRate,
				LongOIUSD:  opp.OpenInterestLongUSD,
				ShortOIUSD: opp.OpenInterestShortUSD,
			}, true
		case opp.LongVenue == pos.ShortVenue && opp.ShortVenue == pos.LongVenue:
			return types.FundingRates{
				Divergence: -div,
				LongRate:   opp.ShortRate,
				ShortRate:  opp.LongRate,
				LongOIUSD:  opp.OpenInterestShortUSD,
				ShortOIUSD: opp.OpenInterestLongUSD,
			}, true
		}
	}
	return types.FundingRates{}, false
}

// ClosePosition closes a hedge whose closing-set claim the caller already
// holds. The profit monitor uses this as its execution path.
func (e *Engine) ClosePosition(ctx context.Context, pos *types.Position, reason string) error {
	return e.closeClaimed(ctx, pos, reason)
}

// closeClaimed runs the atomic close path. The claim is always released:
// on success the position is closed in the store, on failure it stays
// pending_close and the next cycle retries.
func (e *Engine) closeClaimed(ctx context.Context, pos *types.Position, reason string) error {
	defer e.exec.Closing().Remove(pos.ID)

	e.logger.Info("closing position", "position_id", pos.ID,
		"symbol", pos.Symbol, "reason", reason)
	e.publishEvent(ctx, api.NewExecutionEvent("closing "+pos.Symbol+" ("+reason+")",
		map[string]string{"position_id": pos.ID, "reason": reason}))

	if err := e.st.MarkPendingClose(ctx, pos.ID); err != nil {
		return fmt.Errorf("mark pending close: %w", err)
	}

	legs, err := e.closeLegs(ctx, pos)
	if err != nil {
		return err
	}

	result, execErr := e.exec.ExecuteAtomic(ctx, legs)
	for i := range result.FilledOrders {
		e.recordFill(ctx, pos, &result.FilledOrders[i], types.TradeExit)
	}
	if execErr != nil {
		e.publishEvent(ctx, api.NewErrorEvent("close execution failed for "+pos.Symbol,
			map[string]string{"position_id": pos.ID, "error": execErr.Error()}))
		return fmt.Errorf("close execution: %w", execErr)
	}

	pnl := e.realizedPnL(ctx, pos, result)
	closed, err := e.st.ClosePosition(ctx, pos.ID, reason, pnl)
	if err != nil {
		return fmt.Errorf("persist close: %w", err)
	}

	e.profitMon.Unregister(pos.ID)
	e.logger.Info("position closed", "position_id", pos.ID,
		"reason", closed.ExitReason, "pnl_usd", closed.PnLUSD)
	e.publishEvent(ctx, api.NewExecutionEvent("closed "+pos.Symbol,
		map[string]string{"position_id": pos.ID, "reason": reason, "pnl_usd": closed.PnLUSD.String()}))
	return nil
}

// closeLegs builds reduce-only specs flattening both legs.
func (e *Engine) closeLegs(ctx context.Context, pos *types.Position) ([]executor.OrderSpec, error) {
	legs := make([]executor.OrderSpec, 0, 2)
	for _, venueName := range []string{pos.LongVenue, pos.ShortVenue} {
		conn, ok := e.connectors[venueName]
		if !ok {
			return nil, fmt.Errorf("no connector for venue %s", venueName)
		}
		leg := pos.Leg(venueName)
		if leg == nil {
			return nil, fmt.Errorf("missing leg metadata for %s", venueName)
		}
		if err := conn.EnsureMarketFeed(ctx, pos.Symbol); err != nil {
			e.logger.Warn("market feed switch failed, relying on REST prices",
				"venue", venueName, "error", err)
		}
		legs = append(legs, executor.OrderSpec{
			Client:     conn.Client(),
			Symbol:     pos.Symbol,
			Side:       leg.Side.OrderSide().Opposite(),
			Quantity:   leg.Quantity,
			Mode:       types.ExecutionMode(e.cfg.Execution.CloseMode),
			Timeout:    e.cfg.Execution.OrderTimeout,
			ReduceOnly: true,
		})
	}
	return legs, nil
}

// realizedPnL prices each exit fill against its leg's entry VWAP, adds the
// position's cumulative funding, and deducts all fees paid.
func (e *Engine) realizedPnL(ctx context.Context, pos *types.Position, result *executor.AtomicExecutionResult) decimal.Decimal {
	pnl := decimal.Zero
	fees := pos.TotalFeesPaid
	for _, fill := range result.FilledOrders {
		leg := pos.Leg(fill.Venue)
		if leg == nil {
			continue
		}
		mult := leg.QtyMultiplier
		if mult.IsZero() {
			mult = decimal.NewFromInt(1)
		}
		tokens := fill.FilledQty.Mul(mult)
		if leg.Side == types.Long {
			pnl = pnl.Add(fill.FillPrice.Sub(leg.EntryPrice).Mul(tokens))
		} else {
			pnl = pnl.Add(leg.EntryPrice.Sub(fill.FillPrice).Mul(tokens))
		}
		fees = fees.Add(fill.FeesPaid)
	}
	if funding, err := e.st.CumulativeFunding(ctx, pos.ID); err == nil {
		pnl = pnl.Add(funding)
	}
	return pnl.Sub(fees)
}

// ————————————————————————————————————————————————————————————————————————
// Phase 3: open
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) phase3Open(ctx context.Context) {
	if e.cfg.Strategy.SinglePositionPerSession && e.openedOnce.Load() {
		return
	}

	open := e.positions()
	if len(open) >= e.cfg.Strategy.MaxPositions {
		if !e.maxPosLogged {
			e.logger.Info("max positions reached, not opening",
				"open", len(open), "max", e.cfg.Strategy.MaxPositions)
			e.maxPosLogged = true
		}
		return
	}
	e.maxPosLogged = false

	var exposure float64
	for _, pos := range open {
		f, _ := pos.SizeUSD.Float64()
		exposure += f
	}

	cands, err := e.scan.Scan(ctx, open, exposure)
	if err != nil {
		e.logger.Error("scan failed", "error", err)
		return
	}
	if len(cands) == 0 {
		return
	}

	e.setStage(types.StageExecuting)
	failed := make(map[string]bool)
	for _, cand := range cands {
		sym := cand.Opportunity.Symbol
		if failed[sym] {
			continue
		}
		if err := e.openPosition(ctx, cand); err != nil {
			failed[sym] = true
			e.logger.Warn("open failed", "symbol", sym, "error", err)
			continue
		}
		e.openedOnce.Store(true)
		if e.cfg.Strategy.SinglePositionPerSession {
			return
		}
	}
}

// openPosition runs the full open pipeline for one candidate: feed prep,
// leverage normalization, sizing, atomic execution, persistence, and
// profit-monitor registration.
func (e *Engine) openPosition(ctx context.Context, cand scanner.Candidate) error {
	opp := cand.Opportunity
	longConn, ok := e.connectors[opp.LongVenue]
	if !ok {
		return fmt.Errorf("no connector for venue %s", opp.LongVenue)
	}
	shortConn, ok := e.connectors[opp.ShortVenue]
	if !ok {
		return fmt.Errorf("no connector for venue %s", opp.ShortVenue)
	}

	for _, conn := range []*venue.Connector{longConn, shortConn} {
		if err := conn.EnsureMarketFeed(ctx, opp.Symbol); err != nil {
			return fmt.Errorf("market feed %s: %w", conn.Name(), err)
		}
		if err := conn.Client().SetLeverage(ctx, opp.Symbol, cand.Leverage); err != nil {
			return fmt.Errorf("set leverage %s: %w", conn.Name(), err)
		}
	}

	legs, err := e.entryLegs(ctx, cand, longConn, shortConn)
	if err != nil {
		return err
	}

	e.publishEvent(ctx, api.NewExecutionEvent("opening "+opp.Symbol,
		map[string]string{
			"long_venue":  opp.LongVenue,
			"short_venue": opp.ShortVenue,
			"exposure":    cand.ExposureUSD.String(),
		}))

	result, execErr := e.exec.ExecuteAtomic(ctx, legs)
	if execErr != nil {
		if pf, ok := execErr.(*executor.PreflightError); ok && pf.CooldownSymbol != "" {
			e.scan.MarkCooldown(pf.CooldownSymbol)
		}
		if result != nil && result.RollbackPerformed {
			e.scan.MarkCooldown(opp.Symbol)
			e.publishEvent(ctx, api.NewWarningEvent("entry rolled back for "+opp.Symbol,
				map[string]string{"cost_usd": result.RollbackCostUSD.String()}))
		}
		return fmt.Errorf("entry execution: %w", execErr)
	}

	pos, err := e.buildPosition(ctx, cand, legs, result)
	if err != nil {
		return err
	}

	// A second fill on the same triple folds into the existing row.
	if existing, err := e.st.FindOpenPosition(ctx, pos.Symbol, pos.LongVenue, pos.ShortVenue); err == nil {
		merged, err := e.st.MergePosition(ctx, existing.ID, pos)
		if err != nil {
			return fmt.Errorf("merge position: %w", err)
		}
		pos = merged
	} else {
		if err := e.st.CreatePosition(ctx, pos); err != nil {
			return fmt.Errorf("persist position: %w", err)
		}
	}
	for i := range result.FilledOrders {
		e.recordFill(ctx, pos, &result.FilledOrders[i], types.TradeEntry)
	}

	e.profitMon.Register(e.ctx, pos)
	e.logger.Info("position opened", "position_id", pos.ID, "symbol", pos.Symbol,
		"long_venue", pos.LongVenue, "short_venue", pos.ShortVenue,
		"size_usd", pos.SizeUSD, "divergence", pos.EntryDivergence)
	e.publishEvent(ctx, api.NewExecutionEvent("opened "+pos.Symbol,
		map[string]string{"position_id": pos.ID, "size_usd": pos.SizeUSD.String()}))
	return nil
}

// entryLegs sizes both legs off current mids; the executor harmonizes the
// quantities to equal token exposure before submission.
func (e *Engine) entryLegs(ctx context.Context, cand scanner.Candidate, longConn, shortConn *venue.Connector) ([]executor.OrderSpec, error) {
	opp := cand.Opportunity
	mode := types.ExecutionMode(e.cfg.Execution.EntryMode)
	legs := make([]executor.OrderSpec, 0, 2)
	for _, lc := range []struct {
		conn *venue.Connector
		side types.Side
	}{
		{longConn, types.BUY},
		{shortConn, types.SELL},
	} {
		client := lc.conn.Client()
		bbo, err := e.prices.GetBBO(ctx, client.Name(), opp.Symbol)
		if err != nil {
			return nil, fmt.Errorf("bbo %s: %w", client.Name(), err)
		}
		mid := bbo.Mid()
		if mid <= 0 {
			return nil, fmt.Errorf("no usable price on %s", client.Name())
		}
		attrs, err := client.GetContractAttributes(ctx, opp.Symbol)
		if err != nil {
			return nil, fmt.Errorf("contract attributes %s: %w", client.Name(), err)
		}
		mult := attrs.QtyMultiplier
		if mult.IsZero() {
			mult = decimal.NewFromInt(1)
		}
		qty := cand.ExposureUSD.Div(decimal.NewFromFloat(mid)).Div(mult)
		legs = append(legs, executor.OrderSpec{
			Client:      client,
			Symbol:      opp.Symbol,
			Side:        lc.side,
			NotionalUSD: cand.ExposureUSD,
			Quantity:    client.RoundToStep(opp.Symbol, qty),
			Mode:        mode,
			Timeout:     e.cfg.Execution.OrderTimeout,
			Leverage:    cand.Leverage,
		})
	}
	return legs, nil
}

// buildPosition assembles the persisted hedge from the execution result.
func (e *Engine) buildPosition(ctx context.Context, cand scanner.Candidate, legs []executor.OrderSpec, result *executor.AtomicExecutionResult) (*types.Position, error) {
	opp := cand.Opportunity
	divergence := opp.Divergence
	if divergence == 0 {
		divergence = opp.ShortRate - opp.LongRate
	}

	now := time.Now()
	pos := &types.Position{
		ID:              uuid.NewString(),
		Symbol:          opp.Symbol,
		LongVenue:       opp.LongVenue,
		ShortVenue:      opp.ShortVenue,
		SizeUSD:         cand.ExposureUSD,
		EntryLongRate:   opp.LongRate,
		EntryShortRate:  opp.ShortRate,
		EntryDivergence: divergence,
		OpenedAt:        now,
		Status:          types.StatusOpen,
		LastCheck:       now,
		Legs:            make(map[string]*types.LegMetadata, 2),
	}

	var longPrice, shortPrice decimal.Decimal
	for _, fill := range result.FilledOrders {
		var spec *executor.OrderSpec
		for i := range legs {
			if legs[i].Client.Name() == fill.Venue {
				spec = &legs[i]
				break
			}
		}
		if spec == nil {
			return nil, fmt.Errorf("fill for unknown venue %s", fill.Venue)
		}
		side := types.Long
		if spec.Side == types.SELL {
			side = types.Short
			shortPrice = fill.FillPrice
		} else {
			longPrice = fill.FillPrice
		}

		attrs, err := spec.Client.GetContractAttributes(ctx, pos.Symbol)
		if err != nil {
			return nil, fmt.Errorf("contract attributes %s: %w", fill.Venue, err)
		}
		liq := spec.Client.EstimateLiquidationPrice(pos.Symbol, side, fill.FillPrice, cand.Leverage)
		pos.Legs[fill.Venue] = &types.LegMetadata{
			Side:             side,
			EntryPrice:       fill.FillPrice,
			Quantity:         fill.FilledQty,
			FeesPaid:         fill.FeesPaid,
			SlippageUSD:      fill.SlippageUSD,
			ExecutionMode:    fill.ModeUsed,
			ExposureUSD:      cand.ExposureUSD,
			LastUpdated:      now,
			OrderID:          fill.OrderID,
			ContractID:       attrs.ContractID,
			QtyMultiplier:    attrs.QtyMultiplier,
			PriceMultiplier:  attrs.PriceMultiplier,
			LiquidationPrice: liq,
		}
		pos.TotalFeesPaid = pos.TotalFeesPaid.Add(fill.FeesPaid)
	}
	if len(pos.Legs) != 2 {
		return nil, fmt.Errorf("expected 2 filled legs, got %d", len(pos.Legs))
	}

	pos.Fills = []types.FillFingerprint{{
		Timestamp:  now,
		SizeUSD:    cand.ExposureUSD,
		LongPrice:  longPrice,
		ShortPrice: shortPrice,
		Divergence: divergence,
	}}
	return pos, nil
}

func (e *Engine) recordFill(ctx context.Context, pos *types.Position, fill *executor.FillRecord, tradeType types.TradeType) {
	leg := pos.Leg(fill.Venue)
	side := types.BUY
	if leg != nil {
		side = leg.Side.OrderSide()
		if tradeType == types.TradeExit {
			side = side.Opposite()
		}
	}
	tf := &types.TradeFill{
		PositionID:    pos.ID,
		TradeType:     tradeType,
		Venue:         fill.Venue,
		Symbol:        pos.Symbol,
		OrderID:       fill.OrderID,
		Timestamp:     time.Now(),
		Side:          side,
		TotalQuantity: fill.FilledQty,
		WeightedPrice: fill.FillPrice,
		TotalFee:      fill.FeesPaid,
		FillCount:     1,
	}
	if err := e.st.RecordFill(ctx, tf); err != nil {
		e.logger.Warn("fill record failed", "position_id", pos.ID, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Liquidation events
// ————————————————————————————————————————————————————————————————————————

// watchLiquidations consumes one venue's force-order stream and closes any
// hedge whose leg was hit.
func (e *Engine) watchLiquidations(name string, conn *venue.Connector) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt, ok := <-conn.Liquidations():
			if !ok {
				return
			}
			for _, pos := range e.positions() {
				reason, hit := risk.MatchLiquidation(pos, evt)
				if !hit {
					continue
				}
				e.logger.Warn("leg liquidated by venue", "position_id", pos.ID,
					"venue", name, "symbol", evt.Symbol, "reason", reason)
				if !e.exec.Closing().TryAdd(pos.ID) {
					continue
				}
				pos := pos
				e.wg.Add(1)
				go func() {
					defer e.wg.Done()
					if err := e.closeClaimed(e.ctx, pos, reason); err != nil {
						e.logger.Error("liquidation close failed",
							"position_id", pos.ID, "error", err)
					}
				}()
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Control surface (dashboard commands)
// ————————————————————————————————————————————————————————————————————————

// Pause stops the close and open phases; monitoring continues.
func (e *Engine) Pause() {
	if e.paused.CompareAndSwap(false, true) {
		e.logger.Info("strategy paused")
		e.setPaused(true)
	}
}

// Resume re-enables the full cycle.
func (e *Engine) Resume() {
	if e.paused.CompareAndSwap(true, false) {
		e.logger.Info("strategy resumed")
		e.setPaused(false)
	}
}

// RequestClose starts a manual close of one position.
func (e *Engine) RequestClose(positionID string) error {
	pos, err := e.st.GetPosition(e.ctx, positionID)
	if err != nil {
		return fmt.Errorf("position %s: %w", positionID, err)
	}
	if pos.Status == types.StatusClosed {
		return fmt.Errorf("position %s is already closed", positionID)
	}
	if !e.exec.Closing().TryAdd(pos.ID) {
		return fmt.Errorf("position %s is already being closed", positionID)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.closeClaimed(e.ctx, pos, types.ExitManual); err != nil {
			e.logger.Error("manual close failed", "position_id", pos.ID, "error", err)
		}
	}()
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Dashboard surface
// ————————————————————————————————————————————————————————————————————————

// Session returns a copy of the current session row.
func (e *Engine) Session() types.Session {
	e.sessionMu.Lock()
	defer e.sessionMu.Unlock()
	return e.session
}

// DashboardPositions returns the last monitored open-position set.
func (e *Engine) DashboardPositions() []*types.Position {
	return e.positions()
}

// TotalFundingUSD returns the open positions' cumulative funding.
func (e *Engine) TotalFundingUSD() float64 {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	return e.totalFundingUSD
}

func (e *Engine) positions() []*types.Position {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	return e.lastPositions
}

func (e *Engine) setPositions(positions []*types.Position) {
	e.posMu.Lock()
	e.lastPositions = positions
	e.posMu.Unlock()
}

func (e *Engine) heartbeat(ctx context.Context) {
	e.sessionMu.Lock()
	e.session.LastHeartbeat = time.Now()
	e.session.Paused = e.paused.Load()
	sess := e.session
	e.sessionMu.Unlock()
	if err := e.st.UpdateSession(ctx, &sess); err != nil {
		e.logger.Warn("session heartbeat failed", "error", err)
	}
}

func (e *Engine) setHealth(h types.SessionHealth) {
	e.sessionMu.Lock()
	e.session.Health = h
	e.sessionMu.Unlock()
}

func (e *Engine) setPaused(paused bool) {
	e.sessionMu.Lock()
	e.session.Paused = paused
	e.sessionMu.Unlock()
	if e.dashboard != nil {
		state := "resumed"
		if paused {
			state = "paused"
		}
		e.dashboard.PublishEvent(e.ctx, api.NewInfoEvent("strategy "+state, nil))
		e.dashboard.PublishSnapshot(e.ctx)
	}
}

func (e *Engine) setStage(stage types.LifecycleStage) {
	e.sessionMu.Lock()
	changed := e.session.Stage != stage
	e.session.Stage = stage
	e.sessionMu.Unlock()
	if changed && e.dashboard != nil {
		e.dashboard.PublishEvent(e.ctx, api.NewStageEvent(string(stage)))
	}
}

func (e *Engine) publishSnapshot(ctx context.Context) {
	if e.dashboard != nil {
		e.dashboard.PublishSnapshot(ctx)
	}
}

func (e *Engine) publishEvent(ctx context.Context, evt api.TimelineEvent) {
	if e.dashboard != nil {
		e.dashboard.PublishEvent(ctx, evt)
	}
}
