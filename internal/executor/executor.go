// Package executor places multi-leg orders atomically across venues.
//
// An execution runs pre-flight validation (contract metadata, BBO sanity,
// entry-price divergence, liquidation distance), aligns limit prices across
// the two venues, harmonizes quantities to equal actual-token exposure, then
// submits all legs concurrently. If any leg fails to fill completely and
// rollback is enabled, filled legs are flattened with reduce-only market
// orders so no directional exposure survives a partial entry.
//
// The executor also owns the ClosingSet through which the risk controller
// and profit monitor coordinate close attempts.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

const (
	fillPollInterval  = 2 * time.Second
	marketFillTimeout = 15 * time.Second

	// Venues reject dust orders; entries below this notional are refused
	// before any order is placed.
	minNotionalUSD = 5
)

// PriceSource answers BBO queries. *prices.Provider satisfies this.
type PriceSource interface {
	GetBBO(ctx context.Context, venueName, symbol string) (types.BBO, error)
}

// OrderSpec describes one leg of an atomic execution.
type OrderSpec struct {
	Client         venue.VenueClient
	Symbol         string
	Side           types.Side
	NotionalUSD    decimal.Decimal
	Quantity       decimal.Decimal // venue-native units
	Mode           types.ExecutionMode
	Timeout        time.Duration
	LimitOffsetPct float64
	ReduceOnly     bool
	Leverage       int
}

// FillRecord reports one leg's execution outcome.
type FillRecord struct {
	Venue       string          `json:"venue"`
	OrderID     string          `json:"order_id"`
	FillPrice   decimal.Decimal `json:"fill_price"`
	FilledQty   decimal.Decimal `json:"filled_quantity"`
	MakerQty    decimal.Decimal `json:"maker_qty"`
	TakerQty    decimal.Decimal `json:"taker_qty"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
	SlippageUSD decimal.Decimal `json:"slippage_usd"`
	ModeUsed    types.ExecutionMode `json:"execution_mode_used"`
	AlignStrategy string        `json:"align_strategy,omitempty"`
}

// AtomicExecutionResult is the outcome of one multi-leg execution.
type AtomicExecutionResult struct {
	AllFilled            bool            `json:"all_filled"`
	FilledOrders         []FillRecord    `json:"filled_orders"`
	TotalSlippageUSD     decimal.Decimal `json:"total_slippage_usd"`
	ResidualImbalanceUSD decimal.Decimal `json:"residual_imbalance_usd"`
	RollbackPerformed    bool            `json:"rollback_performed"`
	RollbackCostUSD      decimal.Decimal `json:"rollback_cost_usd"`
	ErrorMessage         string          `json:"error_message,omitempty"`
	ErrorKind            types.ErrorKind `json:"error_kind,omitempty"`
}

// PreflightError aborts an execution before any order is placed. When
// CooldownSymbol is set the orchestrator puts that symbol on cooldown.
type PreflightError struct {
	Kind           types.ErrorKind
	Reason         string
	CooldownSymbol string
}

func (e *PreflightError) Error() string { return e.Reason }

// Executor submits atomic multi-leg executions.
type Executor struct {
	cfg    config.ExecutionConfig
	prices PriceSource
	logger *slog.Logger

	closing *ClosingSet

	trackersMu sync.Mutex
	trackers   map[string]*FillTracker // venue name → private-stream tracker
}

// NewExecutor builds an executor. Wire each venue's private stream with
// `go exec.TrackerFor(name).Run(ctx, connector.OrderUpdates())`.
func NewExecutor(cfg config.ExecutionConfig, prices PriceSource, logger *slog.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		prices:   prices,
		logger:   logger.With("component", "executor"),
		closing:  NewClosingSet(),
		trackers: make(map[string]*FillTracker),
	}
}

// Closing exposes the shared closing set.
func (e *Executor) Closing() *ClosingSet { return e.closing }

// TrackerFor returns (creating if needed) the fill tracker for one venue.
func (e *Executor) TrackerFor(venueName string) *FillTracker {
	e.trackersMu.Lock()
	defer e.trackersMu.Unlock()
	t, ok := e.trackers[venueName]
	if !ok {
		t = NewFillTracker()
		e.trackers[venueName] = t
	}
	return t
}

// ExecuteAtomic runs the full pipeline for a set of legs. The returned result
// is non-nil even on error so callers can see partial fills and rollbacks.
func (e *Executor) ExecuteAtomic(ctx context.Context, legs []OrderSpec) (*AtomicExecutionResult, error) {
	result := &AtomicExecutionResult{}
	if len(legs) == 0 {
		return result, fmt.Errorf("no legs to execute")
	}

	attrs, bbos, err := e.preflight(ctx, legs)
	if err != nil {
		var pf *PreflightError
		if pe, ok := err.(*PreflightError); ok {
			pf = pe
		} else {
			pf = &PreflightError{Kind: types.ErrPreflightValidation, Reason: err.Error()}
		}
		result.ErrorKind = pf.Kind
		result.ErrorMessage = pf.Reason
		return result, pf
	}

	prices, alignStrategy := e.legPrices(legs, bbos, attrs)

	entry := !anyReduceOnly(legs)
	if entry && len(legs) == 2 {
		if err := harmonize(legs, attrs); err != nil {
			result.ErrorKind = types.ErrPreflightValidation
			result.ErrorMessage = err.Error()
			return result, &PreflightError{Kind: types.ErrPreflightValidation, Reason: err.Error()}
		}
	}

	outcomes := make([]legOutcome, len(legs))
	var wg sync.WaitGroup
	for i := range legs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = e.executeLeg(ctx, legs[i], prices[i], bbos[i])
			outcomes[i].record.AlignStrategy = alignStrategy
		}(i)
	}
	wg.Wait()

	allFilled := true
	for i, out := range outcomes {
		if out.record.FilledQty.GreaterThan(decimal.Zero) {
			result.FilledOrders = append(result.FilledOrders, out.record)
			result.TotalSlippageUSD = result.TotalSlippageUSD.Add(out.record.SlippageUSD)
		}
		if !out.fullyFilled {
			allFilled = false
			if out.err != nil {
				result.ErrorMessage = fmt.Sprintf("leg %s: %v", legs[i].Client.Name(), out.err)
			} else {
				result.ErrorMessage = fmt.Sprintf("leg %s: filled %s of %s",
					legs[i].Client.Name(), out.record.FilledQty, legs[i].Quantity)
			}
		}
	}
	result.AllFilled = allFilled
	result.ResidualImbalanceUSD = residualImbalance(legs, outcomes, attrs, bbos)

	if !allFilled {
		result.ErrorKind = types.ErrPartialFill
		if e.cfg.RollbackOnPartial && entry {
			cost := e.rollback(ctx, legs, outcomes)
			result.RollbackPerformed = true
			result.RollbackCostUSD = cost
			result.ResidualImbalanceUSD = decimal.Zero
		}
		return result, fmt.Errorf("partial fill: %s", result.ErrorMessage)
	}
	return result, nil
}

// ————————————————————————————————————————————————————————————————————————
// Pre-flight
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) preflight(ctx context.Context, legs []OrderSpec) ([]*types.ContractAttributes, []types.BBO, error) {
	attrs := make([]*types.ContractAttributes, len(legs))
	bbos := make([]types.BBO, len(legs))
	errs := make([]error, len(legs))

	var wg sync.WaitGroup
	for i := range legs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leg := legs[i]
			a, err := leg.Client.GetContractAttributes(ctx, leg.Symbol)
			if err != nil {
				errs[i] = fmt.Errorf("contract attributes %s: %w", leg.Client.Name(), err)
				return
			}
			attrs[i] = a
			bbo, err := e.prices.GetBBO(ctx, leg.Client.Name(), leg.Symbol)
			if err != nil {
				errs[i] = fmt.Errorf("bbo %s: %w", leg.Client.Name(), err)
				return
			}
			if !bbo.Valid() {
				errs[i] = fmt.Errorf("non-positive bbo on %s: bid=%v ask=%v", leg.Client.Name(), bbo.Bid, bbo.Ask)
				return
			}
			bbos[i] = bbo
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, nil, &PreflightError{Kind: types.ErrPreflightValidation, Reason: err.Error()}
		}
	}

	// Cross-venue gates only make sense for a two-leg entry.
	if len(legs) == 2 && !anyReduceOnly(legs) {
		floor := decimal.NewFromInt(minNotionalUSD)
		for i, leg := range legs {
			notional := leg.NotionalUSD
			if notional.IsZero() {
				notional = leg.Quantity.Mul(multiplier(attrs[i])).Mul(decimal.NewFromFloat(bbos[i].Mid()))
			}
			if notional.LessThan(floor) {
				return nil, nil, &PreflightError{
					Kind: types.ErrPreflightValidation,
					Reason: fmt.Sprintf("notional %s USD on %s below the %s USD minimum",
						notional, leg.Client.Name(), floor),
				}
			}
		}

		m0, m1 := bbos[0].Mid(), bbos[1].Mid()
		min := m0
		if m1 < min {
			min = m1
		}
		div := m0 - m1
		if div < 0 {
			div = -div
		}
		if min > 0 && e.cfg.MaxEntryPriceDivergencePct > 0 && div/min > e.cfg.MaxEntryPriceDivergencePct {
			return nil, nil, &PreflightError{
				Kind:           types.ErrPreflightValidation,
				Reason:         fmt.Sprintf("entry price divergence %.5f exceeds %.5f", div/min, e.cfg.MaxEntryPriceDivergencePct),
				CooldownSymbol: legs[0].Symbol,
			}
		}

		if e.cfg.EnableLiquidationPrevent {
			for i, leg := range legs {
				if leg.Leverage <= 0 {
					continue
				}
				entry := decimal.NewFromFloat(bbos[i].Mid())
				side := types.Long
				if leg.Side == types.SELL {
					side = types.Short
				}
				liq := leg.Client.EstimateLiquidationPrice(leg.Symbol, side, entry, leg.Leverage)
				if liq.IsZero() {
					continue
				}
				dist, _ := entry.Sub(liq).Abs().Div(entry).Float64()
				if dist < e.cfg.MinLiquidationDistancePct {
					return nil, nil, &PreflightError{
						Kind: types.ErrPreflightValidation,
						Reason: fmt.Sprintf("liquidation distance %.4f on %s below %.4f",
							dist, leg.Client.Name(), e.cfg.MinLiquidationDistancePct),
					}
				}
			}
		}
	}
	return attrs, bbos, nil
}

// ————————————————————————————————————————————————————————————————————————
// Price alignment
// ————————————————————————————————————————————————————————————————————————

// legPrices computes the limit price for each leg. For a two-leg entry with
// break-even alignment enabled, both prices derive from the combined mid so
// long_price < short_price; otherwise each leg prices off its own BBO.
func (e *Executor) legPrices(legs []OrderSpec, bbos []types.BBO, attrs []*types.ContractAttributes) ([]decimal.Decimal, string) {
	out := make([]decimal.Decimal, len(legs))
	strategy := "per_leg_bbo"

	aligned := false
	if len(legs) == 2 && !anyReduceOnly(legs) && e.cfg.EnableBreakEvenAlignment &&
		legs[0].Side != legs[1].Side {
		longIdx, shortIdx := 0, 1
		if legs[0].Side == types.SELL {
			longIdx, shortIdx = 1, 0
		}
		mLong, mShort := bbos[longIdx].Mid(), bbos[shortIdx].Mid()
		min := mLong
		if mShort < min {
			min = mShort
		}
		gap := mLong - mShort
		if gap < 0 {
			gap = -gap
		}
		if min > 0 && gap/min <= e.cfg.MaxSpreadThresholdPct {
			mid := (mLong + mShort) / 2
			off := legs[longIdx].LimitOffsetPct
			if off == 0 {
				off = e.cfg.LimitOrderOffsetPct
			}
			longPrice := decimal.NewFromFloat(mid * (1 - off))
			shortPrice := decimal.NewFromFloat(mid * (1 + off))
			out[longIdx] = roundToTick(longPrice, attrs[longIdx].TickSize, false)
			out[shortIdx] = roundToTick(shortPrice, attrs[shortIdx].TickSize, true)
			strategy = "break_even"
			aligned = true
		} else {
			// Venues disagree on price; take each venue's touch.
			out[longIdx] = roundToTick(decimal.NewFromFloat(bbos[longIdx].Ask), attrs[longIdx].TickSize, false)
			out[shortIdx] = roundToTick(decimal.NewFromFloat(bbos[shortIdx].Bid), attrs[shortIdx].TickSize, true)
			strategy = "raw_bbo"
			aligned = true
		}
	}
	if aligned {
		return out, strategy
	}

	for i, leg := range legs {
		off := leg.LimitOffsetPct
		if off == 0 {
			off = e.cfg.LimitOrderOffsetPct
		}
		var price float64
		switch leg.Mode {
		case types.AggressiveLimit:
			// Cross the touch so the order is fillable at current BBO.
			if leg.Side == types.BUY {
				price = bbos[i].Ask * (1 + off)
			} else {
				price = bbos[i].Bid * (1 - off)
			}
		default:
			// Join the touch on our own side.
			if leg.Side == types.BUY {
				price = bbos[i].Bid * (1 + off)
			} else {
				price = bbos[i].Ask * (1 - off)
			}
		}
		roundUp := leg.Side == types.SELL
		out[i] = roundToTick(decimal.NewFromFloat(price), attrs[i].TickSize, roundUp)
	}
	return out, strategy
}

func roundToTick(price, tick decimal.Decimal, up bool) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	steps := price.Div(tick)
	if up {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(tick)
}

// ————————————————————————————————————————————————————————————————————————
// Quantity harmonization
// ————————————————————————————————————————————————————————————————————————

// harmonize equalizes the two legs' actual-token exposure in place:
//
//	actual = rounded_qty × multiplier
//	common = min(actual_a, actual_b)
//	final  = round_down_to_step(common / multiplier)
func harmonize(legs []OrderSpec, attrs []*types.ContractAttributes) error {
	actuals := make([]decimal.Decimal, len(legs))
	for i := range legs {
		rounded := legs[i].Client.RoundToStep(legs[i].Symbol, legs[i].Quantity)
		actuals[i] = rounded.Mul(multiplier(attrs[i]))
	}
	common := actuals[0]
	if actuals[1].LessThan(common) {
		common = actuals[1]
	}

	for i := range legs {
		final := legs[i].Client.RoundToStep(legs[i].Symbol, common.Div(multiplier(attrs[i])))
		if !final.IsPositive() {
			return fmt.Errorf("harmonized quantity on %s is zero", legs[i].Client.Name())
		}
		if !attrs[i].MinQuantity.IsZero() && final.LessThan(attrs[i].MinQuantity) {
			return fmt.Errorf("harmonized quantity %s on %s below venue minimum %s",
				final, legs[i].Client.Name(), attrs[i].MinQuantity)
		}
		legs[i].Quantity = final
	}
	return nil
}

func multiplier(a *types.ContractAttributes) decimal.Decimal {
	if a == nil || a.QtyMultiplier.IsZero() {
		return decimal.NewFromInt(1)
	}
	return a.QtyMultiplier
}

func anyReduceOnly(legs []OrderSpec) bool {
	for _, l := range legs {
		if l.ReduceOnly {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Leg execution
// ————————————————————————————————————————————————————————————————————————

type legOutcome struct {
	record      FillRecord
	fullyFilled bool
	err         error
}

func (e *Executor) executeLeg(ctx context.Context, spec OrderSpec, price decimal.Decimal, bbo types.BBO) legOutcome {
	out := legOutcome{record: FillRecord{
		Venue:    spec.Client.Name(),
		ModeUsed: spec.Mode,
	}}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.cfg.OrderTimeout
	}

	switch spec.Mode {
	case types.MarketOnly:
		orderID, err := spec.Client.PlaceMarketOrder(ctx, spec.Symbol, spec.Side, spec.Quantity, spec.ReduceOnly)
		if err != nil {
			out.err = fmt.Errorf("place market: %w", err)
			return out
		}
		out.record.OrderID = orderID
		status, _ := e.waitForFill(ctx, spec, orderID, marketFillTimeout)
		applyStatus(&out, spec, status, price, bbo, false)
		return out

	case types.LimitOnly, types.AggressiveLimit:
		orderID, err := spec.Client.PlaceLimitOrder(ctx, spec.Symbol, spec.Side, spec.Quantity, price, spec.ReduceOnly, "GTC")
		if err != nil {
			out.err = fmt.Errorf("place limit: %w", err)
			return out
		}
		out.record.OrderID = orderID
		status, timedOut := e.waitForFill(ctx, spec, orderID, timeout)
		if timedOut && (status == nil || !status.Filled()) {
			if err := spec.Client.CancelOrder(ctx, spec.Symbol, orderID); err != nil {
				e.logger.Warn("cancel after timeout failed", "venue", spec.Client.Name(), "order_id", orderID, "error", err)
			}
			// The cancel races the matching engine; capture the final state.
			if final, err := spec.Client.GetOrderStatus(ctx, spec.Symbol, orderID); err == nil {
				status = final
			}
		}
		applyStatus(&out, spec, status, price, bbo, true)
		return out

	case types.Mixed:
		orderID, err := spec.Client.PlaceLimitOrder(ctx, spec.Symbol, spec.Side, spec.Quantity, price, spec.ReduceOnly, "GTC")
		if err != nil {
			out.err = fmt.Errorf("place limit: %w", err)
			return out
		}
		out.record.OrderID = orderID
		status, timedOut := e.waitForFill(ctx, spec, orderID, timeout)
		if timedOut && (status == nil || !status.Filled()) {
			if err := spec.Client.CancelOrder(ctx, spec.Symbol, orderID); err != nil {
				e.logger.Warn("cancel residual failed", "venue", spec.Client.Name(), "order_id", orderID, "error", err)
			}
			if final, err := spec.Client.GetOrderStatus(ctx, spec.Symbol, orderID); err == nil {
				status = final
			}
		}
		applyStatus(&out, spec, status, price, bbo, true)

		residual := spec.Quantity.Sub(out.record.FilledQty)
		residual = spec.Client.RoundToStep(spec.Symbol, residual)
		if !out.fullyFilled && residual.IsPositive() {
			mktID, err := spec.Client.PlaceMarketOrder(ctx, spec.Symbol, spec.Side, residual, spec.ReduceOnly)
			if err != nil {
				out.err = fmt.Errorf("market residual: %w", err)
				return out
			}
			mktSpec := spec
			mktSpec.Quantity = residual
			mktStatus, _ := e.waitForFill(ctx, mktSpec, mktID, marketFillTimeout)
			if mktStatus != nil && mktStatus.FilledQty.IsPositive() {
				mergeTakerFill(&out, spec, mktStatus, price, bbo)
				out.fullyFilled = out.record.FilledQty.GreaterThanOrEqual(spec.Quantity)
			}
		}
		return out
	}

	out.err = fmt.Errorf("unknown execution mode %q", spec.Mode)
	return out
}

// waitForFill blocks until the order reaches a terminal state, the timeout
// lapses, or ctx is cancelled. The private stream is primary; a slow REST
// poll covers stream loss. Returns the last status seen and whether the
// wait timed out.
func (e *Executor) waitForFill(ctx context.Context, spec OrderSpec, orderID string, timeout time.Duration) (*venue.OrderStatus, bool) {
	tracker := e.TrackerFor(spec.Client.Name())
	ch, unsub := tracker.Subscribe(orderID)
	defer unsub()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	poll := time.NewTicker(fillPollInterval)
	defer poll.Stop()

	var last *venue.OrderStatus
	for {
		select {
		case <-ctx.Done():
			return last, true
		case <-timer.C:
			return last, true
		case u := <-ch:
			st := statusFromUpdate(u)
			last = st
			if terminal(st) {
				return st, false
			}
		case <-poll.C:
			st, err := spec.Client.GetOrderStatus(ctx, spec.Symbol, orderID)
			if err != nil {
				continue
			}
			last = st
			if terminal(st) {
				return st, false
			}
		}
	}
}

func statusFromUpdate(u types.WSOrderUpdate) *venue.OrderStatus {
	return &venue.OrderStatus{
		OrderID:      u.OrderID,
		Status:       u.Status,
		FilledQty:    safeDecimal(u.FilledQty),
		AvgFillPrice: safeDecimal(u.AvgFillPrice),
		Fee:          safeDecimal(u.Fee),
	}
}

func terminal(st *venue.OrderStatus) bool {
	switch st.Status {
	case "FILLED", "CANCELED", "EXPIRED", "REJECTED":
		return true
	}
	return false
}

// applyStatus folds a terminal (or last-known) order status into the outcome.
func applyStatus(out *legOutcome, spec OrderSpec, st *venue.OrderStatus, refPrice decimal.Decimal, bbo types.BBO, maker bool) {
	if st == nil {
		return
	}
	out.record.FilledQty = st.FilledQty
	out.record.FillPrice = st.AvgFillPrice
	out.record.FeesPaid = st.Fee
	if maker {
		out.record.MakerQty = st.FilledQty
	} else {
		out.record.TakerQty = st.FilledQty
	}
	out.record.SlippageUSD = slippage(spec, st.AvgFillPrice, st.FilledQty, refPrice, bbo)
	out.fullyFilled = st.FilledQty.GreaterThanOrEqual(spec.Quantity)
}

// mergeTakerFill folds the market residual of a mixed execution into the
// outcome, re-weighting the average fill price.
func mergeTakerFill(out *legOutcome, spec OrderSpec, st *venue.OrderStatus, refPrice decimal.Decimal, bbo types.BBO) {
	prevQty := out.record.FilledQty
	newQty := prevQty.Add(st.FilledQty)
	if newQty.IsPositive() {
		out.record.FillPrice = out.record.FillPrice.Mul(prevQty).
			Add(st.AvgFillPrice.Mul(st.FilledQty)).
			Div(newQty)
	}
	out.record.FilledQty = newQty
	out.record.TakerQty = out.record.TakerQty.Add(st.FilledQty)
	out.record.FeesPaid = out.record.FeesPaid.Add(st.Fee)
	out.record.SlippageUSD = out.record.SlippageUSD.Add(slippage(spec, st.AvgFillPrice, st.FilledQty, refPrice, bbo))
}

// slippage is the adverse price movement versus the reference price, in USD.
// Buys that pay more and sells that receive less are positive slippage.
func slippage(spec OrderSpec, fillPrice, qty, refPrice decimal.Decimal, bbo types.BBO) decimal.Decimal {
	if fillPrice.IsZero() || qty.IsZero() {
		return decimal.Zero
	}
	ref := refPrice
	if ref.IsZero() {
		ref = decimal.NewFromFloat(bbo.Mid())
	}
	diff := fillPrice.Sub(ref)
	if spec.Side == types.SELL {
		diff = diff.Neg()
	}
	if diff.IsNegative() {
		return decimal.Zero
	}
	return diff.Mul(qty)
}

// residualImbalance converts each leg's filled quantity to actual tokens and
// prices the absolute gap at the first leg's mid.
func residualImbalance(legs []OrderSpec, outcomes []legOutcome, attrs []*types.ContractAttributes, bbos []types.BBO) decimal.Decimal {
	if len(legs) != 2 {
		return decimal.Zero
	}
	a := outcomes[0].record.FilledQty.Mul(multiplier(attrs[0]))
	b := outcomes[1].record.FilledQty.Mul(multiplier(attrs[1]))
	gap := a.Sub(b).Abs()
	if gap.IsZero() {
		return decimal.Zero
	}
	return gap.Mul(decimal.NewFromFloat(bbos[0].Mid()))
}

// ————————————————————————————————————————————————————————————————————————
// Rollback
// ————————————————————————————————————————————————————————————————————————

// rollback flattens every partially- or fully-filled leg with reduce-only
// market orders and returns the total cost (adverse price movement plus fees).
func (e *Executor) rollback(ctx context.Context, legs []OrderSpec, outcomes []legOutcome) decimal.Decimal {
	cost := decimal.Zero
	for i, out := range outcomes {
		filled := out.record.FilledQty
		if !filled.IsPositive() {
			continue
		}
		spec := legs[i]
		flatten := spec.Client.RoundToStep(spec.Symbol, filled)
		if !flatten.IsPositive() {
			continue
		}

		e.logger.Warn("rolling back partial fill",
			"venue", spec.Client.Name(),
			"symbol", spec.Symbol,
			"quantity", flatten.String(),
		)
		orderID, err := spec.Client.PlaceMarketOrder(ctx, spec.Symbol, spec.Side.Opposite(), flatten, true)
		if err != nil {
			e.logger.Error("rollback order failed, manual intervention needed",
				"venue", spec.Client.Name(), "symbol", spec.Symbol, "error", err)
			continue
		}
		rbSpec := spec
		rbSpec.Quantity = flatten
		rbSpec.Side = spec.Side.Opposite()
		status, _ := e.waitForFill(ctx, rbSpec, orderID, marketFillTimeout)
		if status == nil || status.AvgFillPrice.IsZero() {
			continue
		}

		// Cost of the round trip: entry at out.record.FillPrice, exit at the
		// rollback price, in the entry direction.
		diff := status.AvgFillPrice.Sub(out.record.FillPrice)
		if spec.Side == types.BUY {
			diff = diff.Neg() // bought high, sold low ⇒ positive cost
		}
		if diff.IsNegative() {
			diff = decimal.Zero
		}
		cost = cost.Add(diff.Mul(status.FilledQty)).Add(status.Fee).Add(out.record.FeesPaid)
	}
	return cost
}

func safeDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
