package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/internal/venue"
	"funding-arb/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type placedOrder struct {
	OrderID    string
	Symbol     string
	Side       types.Side
	Qty        decimal.Decimal
	Price      decimal.Decimal
	Market     bool
	ReduceOnly bool
}

// fakeClient implements venue.VenueClient. Orders fill according to fillMode:
// "full" publishes a FILLED update shortly after placement, "half" reports a
// partial fill on status polls and cancels into a half-filled CANCELED state,
// "none" never fills.
type fakeClient struct {
	name     string
	attrs    *types.ContractAttributes
	fees     types.FeeStructure
	fillMode string
	publish  func(types.WSOrderUpdate)

	mu     sync.Mutex
	nextID int
	orders []placedOrder
}

func newFakeClient(name, fillMode string, step, mult string, publish func(types.WSOrderUpdate)) *fakeClient {
	return &fakeClient{
		name:     name,
		fillMode: fillMode,
		publish:  publish,
		attrs: &types.ContractAttributes{
			ContractID:    name + "-BTC",
			TickSize:      d("0.1"),
			StepSize:      d(step),
			QtyMultiplier: d(mult),
			MinQuantity:   d(step),
			MaxLeverage:   20,
		},
		fees: types.FeeStructure{MakerRate: 0.0002, TakerRate: 0.0005},
	}
}

func (f *fakeClient) Name() string                          { return f.name }
func (f *fakeClient) NormalizeSymbol(s string) string       { return strings.TrimSuffix(s, "USDT") }
func (f *fakeClient) VenueSymbolFormat(s string) string     { return s + "USDT" }
func (f *fakeClient) Fees() types.FeeStructure              { return f.fees }
func (f *fakeClient) FundingIntervalSeconds() int64         { return 8 * 3600 }
func (f *fakeClient) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeClient) GetContractAttributes(context.Context, string) (*types.ContractAttributes, error) {
	return f.attrs, nil
}

func (f *fakeClient) GetLeverageInfo(context.Context, string) (int, int, error) {
	return 10, f.attrs.MaxLeverage, nil
}

func (f *fakeClient) FetchBBOPrices(context.Context, string) (types.BBO, error) {
	return types.BBO{}, fmt.Errorf("not wired in test")
}

func (f *fakeClient) FetchDepthSnapshot(context.Context, string, int) (*types.BookSnapshot, error) {
	return nil, fmt.Errorf("not wired in test")
}

func (f *fakeClient) place(symbol string, side types.Side, qty, price decimal.Decimal, market, reduceOnly bool) string {
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("%s-%d", f.name, f.nextID)
	f.orders = append(f.orders, placedOrder{
		OrderID: id, Symbol: symbol, Side: side, Qty: qty, Price: price,
		Market: market, ReduceOnly: reduceOnly,
	})
	f.mu.Unlock()

	fills := f.fillMode == "full" || market
	if fills && f.publish != nil {
		fillPrice := price
		if fillPrice.IsZero() {
			fillPrice = d("100")
		}
		go func() {
			time.Sleep(5 * time.Millisecond)
			f.publish(types.WSOrderUpdate{
				EventType:    "orderUpdate",
				Symbol:       symbol,
				OrderID:      id,
				Side:         string(side),
				Status:       "FILLED",
				FilledQty:    qty.String(),
				AvgFillPrice: fillPrice.String(),
				Fee:          "0.01",
			})
		}()
	}
	return id
}

func (f *fakeClient) PlaceLimitOrder(_ context.Context, symbol string, side types.Side, qty, price decimal.Decimal, reduceOnly bool, _ string) (string, error) {
	return f.place(symbol, side, qty, price, false, reduceOnly), nil
}

func (f *fakeClient) PlaceMarketOrder(_ context.Context, symbol string, side types.Side, qty decimal.Decimal, reduceOnly bool) (string, error) {
	return f.place(symbol, side, qty, decimal.Zero, true, reduceOnly), nil
}

func (f *fakeClient) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeClient) GetOrderStatus(_ context.Context, _ string, orderID string) (*venue.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.OrderID != orderID {
			continue
		}
		switch {
		case o.Market || f.fillMode == "full":
			price := o.Price
			if price.IsZero() {
				price = d("100")
			}
			return &venue.OrderStatus{OrderID: orderID, Status: "FILLED", FilledQty: o.Qty, AvgFillPrice: price, Fee: d("0.01")}, nil
		case f.fillMode == "half":
			return &venue.OrderStatus{
				OrderID: orderID, Status: "CANCELED",
				FilledQty:    o.Qty.Div(d("2")),
				AvgFillPrice: o.Price, Fee: d("0.005"),
			}, nil
		default:
			return &venue.OrderStatus{OrderID: orderID, Status: "NEW", FilledQty: decimal.Zero}, nil
		}
	}
	return nil, fmt.Errorf("unknown order %s", orderID)
}

func (f *fakeClient) GetPositionSnapshot(context.Context, string) (*types.PositionSnapshot, error) {
	return &types.PositionSnapshot{}, nil
}

func (f *fakeClient) GetUserTradeHistory(context.Context, string, time.Time, time.Time, string) ([]types.TradeData, error) {
	return nil, nil
}

func (f *fakeClient) RoundToStep(_ string, qty decimal.Decimal) decimal.Decimal {
	steps := qty.Div(f.attrs.StepSize).Floor()
	return steps.Mul(f.attrs.StepSize)
}

func (f *fakeClient) EstimateLiquidationPrice(_ string, side types.PositionSide, entry decimal.Decimal, lev int) decimal.Decimal {
	if lev <= 0 || entry.IsZero() {
		return decimal.Zero
	}
	inv := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(lev)))
	if side == types.Long {
		return entry.Mul(decimal.NewFromInt(1).Sub(inv))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(inv))
}

func (f *fakeClient) CreateListenKey(context.Context) (string, error)        { return "", nil }
func (f *fakeClient) KeepAliveListenKey(context.Context, string) error       { return nil }

func (f *fakeClient) ordersPlaced() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]placedOrder, len(f.orders))
	copy(out, f.orders)
	return out
}

type fakePrices struct {
	bbos map[string]types.BBO // venue name → BBO
}

func (f *fakePrices) GetBBO(_ context.Context, venueName, _ string) (types.BBO, error) {
	bbo, ok := f.bbos[venueName]
	if !ok {
		return types.BBO{}, fmt.Errorf("no bbo for %s", venueName)
	}
	return bbo, nil
}

func testExecutor(prices PriceSource, cfg config.ExecutionConfig) *Executor {
	return NewExecutor(cfg, prices, slog.Default())
}

func defaultExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		OrderTimeout:               200 * time.Millisecond,
		LimitOrderOffsetPct:        0.0001,
		EnableBreakEvenAlignment:   true,
		MaxSpreadThresholdPct:      0.005,
		MaxEntryPriceDivergencePct: 0.01,
		RollbackOnPartial:          true,
	}
}

func TestBreakEvenAlignment(t *testing.T) {
	t.Parallel()

	e := testExecutor(nil, defaultExecConfig())
	long := newFakeClient("lighter", "full", "0.001", "1", nil)
	short := newFakeClient("edgex", "full", "0.001", "1", nil)

	legs := []OrderSpec{
		{Client: long, Symbol: "BTC", Side: types.BUY, Quantity: d("10"), Mode: types.LimitOnly},
		{Client: short, Symbol: "BTC", Side: types.SELL, Quantity: d("10"), Mode: types.LimitOnly},
	}
	bbos := []types.BBO{
		{Symbol: "BTC", Bid: 99.9, Ask: 100.1},
		{Symbol: "BTC", Bid: 100.0, Ask: 100.2},
	}
	attrs := []*types.ContractAttributes{long.attrs, short.attrs}

	prices, strategy := e.legPrices(legs, bbos, attrs)
	if strategy != "break_even" {
		t.Fatalf("strategy = %q, want break_even", strategy)
	}
	if !prices[0].LessThan(prices[1]) {
		t.Errorf("long price %s must be below short price %s", prices[0], prices[1])
	}
}

func TestAlignmentFallsBackToRawBBO(t *testing.T) {
	t.Parallel()

	e := testExecutor(nil, defaultExecConfig())
	long := newFakeClient("lighter", "full", "0.001", "1", nil)
	short := newFakeClient("edgex", "full", "0.001", "1", nil)

	legs := []OrderSpec{
		{Client: long, Symbol: "BTC", Side: types.BUY, Quantity: d("10"), Mode: types.LimitOnly},
		{Client: short, Symbol: "BTC", Side: types.SELL, Quantity: d("10"), Mode: types.LimitOnly},
	}
	// Venue mids 100 vs 102: a 2% gap, past the 0.5% spread threshold.
	bbos := []types.BBO{
		{Symbol: "BTC", Bid: 99.9, Ask: 100.1},
		{Symbol: "BTC", Bid: 101.9, Ask: 102.1},
	}
	attrs := []*types.ContractAttributes{long.attrs, short.attrs}

	prices, strategy := e.legPrices(legs, bbos, attrs)
	if strategy != "raw_bbo" {
		t.Fatalf("strategy = %q, want raw_bbo", strategy)
	}
	if !prices[0].Equal(d("100.1")) {
		t.Errorf("long raw price = %s, want 100.1 (long ask)", prices[0])
	}
	if !prices[1].Equal(d("101.9")) {
		t.Errorf("short raw price = %s, want 101.9 (short bid)", prices[1])
	}
}

func TestHarmonizeQuantities(t *testing.T) {
	t.Parallel()

	// Venue A trades raw tokens; venue B trades 10-token contracts.
	a := newFakeClient("a", "full", "0.001", "1", nil)
	b := newFakeClient("b", "full", "1", "10", nil)

	legs := []OrderSpec{
		{Client: a, Symbol: "BTC", Side: types.BUY, Quantity: d("57.3")},
		{Client: b, Symbol: "BTC", Side: types.SELL, Quantity: d("5.9")},
	}
	attrs := []*types.ContractAttributes{a.attrs, b.attrs}
	if err := harmonize(legs, attrs); err != nil {
		t.Fatalf("harmonize: %v", err)
	}

	// B rounds to 5 contracts = 50 tokens; A rounds 57.3 → 57.3 tokens.
	// Common = 50 tokens ⇒ A = 50, B = 5.
	if !legs[0].Quantity.Equal(d("50")) {
		t.Errorf("leg A quantity = %s, want 50", legs[0].Quantity)
	}
	if !legs[1].Quantity.Equal(d("5")) {
		t.Errorf("leg B quantity = %s, want 5", legs[1].Quantity)
	}

	tokensA := legs[0].Quantity.Mul(attrs[0].QtyMultiplier)
	tokensB := legs[1].Quantity.Mul(attrs[1].QtyMultiplier)
	if !tokensA.Equal(tokensB) {
		t.Errorf("actual tokens diverge: %s vs %s", tokensA, tokensB)
	}
}

func TestHarmonizeRejectsZeroQuantity(t *testing.T) {
	t.Parallel()

	a := newFakeClient("a", "full", "1", "1", nil)
	b := newFakeClient("b", "full", "1", "1", nil)
	legs := []OrderSpec{
		{Client: a, Symbol: "BTC", Side: types.BUY, Quantity: d("0.4")},
		{Client: b, Symbol: "BTC", Side: types.SELL, Quantity: d("3")},
	}
	if err := harmonize(legs, []*types.ContractAttributes{a.attrs, b.attrs}); err == nil {
		t.Error("expected error when harmonized quantity rounds to zero")
	}
}

func TestExecuteAtomicBothLegsFill(t *testing.T) {
	t.Parallel()

	e := testExecutor(&fakePrices{bbos: map[string]types.BBO{
		"lighter": {Symbol: "BTC", Bid: 99.9, Ask: 100.1},
		"edgex":   {Symbol: "BTC", Bid: 100.0, Ask: 100.2},
	}}, defaultExecConfig())

	long := newFakeClient("lighter", "full", "0.001", "1", e.TrackerFor("lighter").Publish)
	short := newFakeClient("edgex", "full", "0.001", "1", e.TrackerFor("edgex").Publish)

	result, err := e.ExecuteAtomic(context.Background(), []OrderSpec{
		{Client: long, Symbol: "BTC", Side: types.BUY, Quantity: d("10"), Mode: types.LimitOnly, Timeout: time.Second},
		{Client: short, Symbol: "BTC", Side: types.SELL, Quantity: d("10"), Mode: types.LimitOnly, Timeout: time.Second},
	})
	if err != nil {
		t.Fatalf("ExecuteAtomic: %v", err)
	}
	if !result.AllFilled {
		t.Errorf("AllFilled = false: %+v", result)
	}
	if len(result.FilledOrders) != 2 {
		t.Fatalf("FilledOrders = %d, want 2", len(result.FilledOrders))
	}
	if result.RollbackPerformed {
		t.Error("no rollback expected on clean fill")
	}
	if !result.ResidualImbalanceUSD.IsZero() {
		t.Errorf("ResidualImbalanceUSD = %s, want 0", result.ResidualImbalanceUSD)
	}
}

func TestExecuteAtomicPartialFillRollsBack(t *testing.T) {
	t.Parallel()

	e := testExecutor(&fakePrices{bbos: map[string]types.BBO{
		"lighter": {Symbol: "BTC", Bid: 99.9, Ask: 100.1},
		"edgex":   {Symbol: "BTC", Bid: 100.0, Ask: 100.2},
	}}, defaultExecConfig())

	long := newFakeClient("lighter", "full", "0.001", "1", e.TrackerFor("lighter").Publish)
	short := newFakeClient("edgex", "half", "0.001", "1", e.TrackerFor("edgex").Publish)

	result, err := e.ExecuteAtomic(context.Background(), []OrderSpec{
		{Client: long, Symbol: "BTC", Side: types.BUY, Quantity: d("10"), Mode: types.LimitOnly, Timeout: 100 * time.Millisecond},
		{Client: short, Symbol: "BTC", Side: types.SELL, Quantity: d("10"), Mode: types.LimitOnly, Timeout: 100 * time.Millisecond},
	})
	if err == nil {
		t.Fatal("expected partial-fill error")
	}
	if result.AllFilled {
		t.Error("AllFilled should be false")
	}
	if result.ErrorKind != types.ErrPartialFill {
		t.Errorf("ErrorKind = %s, want %s", result.ErrorKind, types.ErrPartialFill)
	}
	if !result.RollbackPerformed {
		t.Fatal("rollback should have run")
	}

	// The long leg filled 10 and must be flattened with a reduce-only SELL;
	// the short leg filled 5 and must be flattened with a reduce-only BUY.
	assertFlattened(t, long, types.SELL, d("10"))
	assertFlattened(t, short, types.BUY, d("5"))
}

func assertFlattened(t *testing.T, c *fakeClient, side types.Side, qty decimal.Decimal) {
	t.Helper()
	for _, o := range c.ordersPlaced() {
		if o.Market && o.ReduceOnly && o.Side == side && o.Qty.Equal(qty) {
			return
		}
	}
	t.Errorf("%s: no reduce-only %s market order for %s placed; orders: %+v",
		c.name, side, qty, c.ordersPlaced())
}

func TestExecuteAtomicDivergenceGate(t *testing.T) {
	t.Parallel()

	// Mids 100 vs 105 with a 1% gate.
	e := testExecutor(&fakePrices{bbos: map[string]types.BBO{
		"lighter": {Symbol: "BTC", Bid: 99.9, Ask: 100.1},
		"edgex":   {Symbol: "BTC", Bid: 104.9, Ask: 105.1},
	}}, defaultExecConfig())

	long := newFakeClient("lighter", "full", "0.001", "1", nil)
	short := newFakeClient("edgex", "full", "0.001", "1", nil)

	_, err := e.ExecuteAtomic(context.Background(), []OrderSpec{
		{Client: long, Symbol: "BTC", Side: types.BUY, Quantity: d("10"), Mode: types.LimitOnly},
		{Client: short, Symbol: "BTC", Side: types.SELL, Quantity: d("10"), Mode: types.LimitOnly},
	})
	pf, ok := err.(*PreflightError)
	if !ok {
		t.Fatalf("err = %v, want PreflightError", err)
	}
	if pf.CooldownSymbol != "BTC" {
		t.Errorf("CooldownSymbol = %q, want BTC", pf.CooldownSymbol)
	}
	if len(long.ordersPlaced())+len(short.ordersPlaced()) != 0 {
		t.Error("no orders may be placed when pre-flight aborts")
	}
}

func TestExecuteAtomicRefusesDustEntry(t *testing.T) {
	t.Parallel()

	e := testExecutor(&fakePrices{bbos: map[string]types.BBO{
		"lighter": {Symbol: "BTC", Bid: 99.9, Ask: 100.1},
		"edgex":   {Symbol: "BTC", Bid: 100.0, Ask: 100.2},
	}}, defaultExecConfig())

	long := newFakeClient("lighter", "full", "0.001", "1", nil)
	short := newFakeClient("edgex", "full", "0.001", "1", nil)

	// 0.01 tokens at ~100 is a $1 order, below the $5 venue minimum.
	_, err := e.ExecuteAtomic(context.Background(), []OrderSpec{
		{Client: long, Symbol: "BTC", Side: types.BUY, Quantity: d("0.01"), NotionalUSD: d("1"), Mode: types.LimitOnly},
		{Client: short, Symbol: "BTC", Side: types.SELL, Quantity: d("0.01"), NotionalUSD: d("1"), Mode: types.LimitOnly},
	})
	pf, ok := err.(*PreflightError)
	if !ok {
		t.Fatalf("err = %v, want PreflightError", err)
	}
	if pf.Kind != types.ErrPreflightValidation {
		t.Errorf("Kind = %s, want %s", pf.Kind, types.ErrPreflightValidation)
	}
	if len(long.ordersPlaced())+len(short.ordersPlaced()) != 0 {
		t.Error("no orders may be placed for a dust entry")
	}

	// The same quantity without an explicit notional is derived from the mid
	// and refused just the same.
	_, err = e.ExecuteAtomic(context.Background(), []OrderSpec{
		{Client: long, Symbol: "BTC", Side: types.BUY, Quantity: d("0.01"), Mode: types.LimitOnly},
		{Client: short, Symbol: "BTC", Side: types.SELL, Quantity: d("0.01"), Mode: types.LimitOnly},
	})
	if _, ok := err.(*PreflightError); !ok {
		t.Fatalf("err = %v, want PreflightError for derived dust notional", err)
	}

	// Reduce-only closes are exempt: flattening a small residual must work.
	if _, err := e.ExecuteAtomic(context.Background(), []OrderSpec{
		{Client: long, Symbol: "BTC", Side: types.SELL, Quantity: d("0.01"), Mode: types.LimitOnly, ReduceOnly: true, Timeout: 50 * time.Millisecond},
		{Client: short, Symbol: "BTC", Side: types.BUY, Quantity: d("0.01"), Mode: types.LimitOnly, ReduceOnly: true, Timeout: 50 * time.Millisecond},
	}); err != nil {
		if _, ok := err.(*PreflightError); ok {
			t.Fatalf("reduce-only legs must not hit the notional floor: %v", err)
		}
	}
}

func TestClosingSet(t *testing.T) {
	t.Parallel()

	s := NewClosingSet()
	if !s.TryAdd("p1") {
		t.Fatal("first TryAdd should succeed")
	}
	if s.TryAdd("p1") {
		t.Error("second TryAdd should fail while claimed")
	}
	if !s.Contains("p1") {
		t.Error("Contains should report the claim")
	}
	s.Remove("p1")
	if s.Contains("p1") {
		t.Error("claim should be gone after Remove")
	}
	if !s.TryAdd("p1") {
		t.Error("TryAdd should succeed after Remove")
	}
}

func TestFillTrackerLateSubscriber(t *testing.T) {
	t.Parallel()

	tr := NewFillTracker()
	tr.Publish(types.WSOrderUpdate{OrderID: "o1", Status: "FILLED", FilledQty: "5"})

	ch, cancel := tr.Subscribe("o1")
	defer cancel()
	select {
	case u := <-ch:
		if u.Status != "FILLED" {
			t.Errorf("status = %s", u.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber never saw the buffered update")
	}
}
