package store

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding-arb/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPosition() *types.Position {
	return &types.Position{
		ID:              uuid.NewString(),
		Symbol:          "BTC",
		LongVenue:       "lighter",
		ShortVenue:      "edgex",
		SizeUSD:         d("1000"),
		EntryLongRate:   -0.0001,
		EntryShortRate:  0.0003,
		EntryDivergence: 0.0004,
		OpenedAt:        time.Now().Add(-time.Hour),
		Status:          types.StatusOpen,
		LastCheck:       time.Now(),
		Legs: map[string]*types.LegMetadata{
			"lighter": {
				Side:          types.Long,
				EntryPrice:    d("100"),
				Quantity:      d("10"),
				FeesPaid:      d("0.5"),
				ExposureUSD:   d("1000"),
				QtyMultiplier: d("1"),
			},
			"edgex": {
				Side:          types.Short,
				EntryPrice:    d("100.2"),
				Quantity:      d("10"),
				FeesPaid:      d("0.6"),
				ExposureUSD:   d("1002"),
				QtyMultiplier: d("1"),
			},
		},
		Fills: []types.FillFingerprint{{
			Timestamp:  time.Now(),
			SizeUSD:    d("1000"),
			LongPrice:  d("100"),
			ShortPrice: d("100.2"),
			Divergence: 0.0004,
		}},
	}
}

func TestPositionRoundTrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	p := testPosition()
	if err := s.CreatePosition(ctx, p); err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}

	got, err := s.GetPosition(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Symbol != "BTC" || got.LongVenue != "lighter" || got.ShortVenue != "edgex" {
		t.Errorf("identity fields mangled: %+v", got)
	}
	if !got.SizeUSD.Equal(d("1000")) {
		t.Errorf("SizeUSD = %s, want 1000", got.SizeUSD)
	}
	leg := got.Leg("lighter")
	if leg == nil || !leg.Quantity.Equal(d("10")) || leg.Side != types.Long {
		t.Errorf("long leg = %+v", leg)
	}
	if len(got.Fills) != 1 {
		t.Errorf("fills = %d, want 1", len(got.Fills))
	}

	if _, err := s.GetPosition(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPosition(missing) err = %v, want ErrNotFound", err)
	}
}

func TestFindOpenPosition(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	p := testPosition()
	if err := s.CreatePosition(ctx, p); err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}

	got, err := s.FindOpenPosition(ctx, "BTC", "lighter", "edgex")
	if err != nil {
		t.Fatalf("FindOpenPosition: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("found %s, want %s", got.ID, p.ID)
	}

	// Reversed venues do not match.
	if _, err := s.FindOpenPosition(ctx, "BTC", "edgex", "lighter"); !errors.Is(err, ErrNotFound) {
		t.Errorf("reversed venues err = %v, want ErrNotFound", err)
	}

	// Closed positions are excluded.
	if _, err := s.ClosePosition(ctx, p.ID, types.ExitManual, d("1")); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if _, err := s.FindOpenPosition(ctx, "BTC", "lighter", "edgex"); !errors.Is(err, ErrNotFound) {
		t.Errorf("closed position err = %v, want ErrNotFound", err)
	}
}

func TestMergePosition(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	p := testPosition()
	if err := s.CreatePosition(ctx, p); err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}

	add := testPosition()
	add.SizeUSD = d("500")
	add.EntryDivergence = 0.001
	add.EntryLongRate = -0.0004
	add.EntryShortRate = 0.0006
	add.TotalFeesPaid = d("1")
	add.Legs["lighter"].Quantity = d("5")
	add.Legs["lighter"].EntryPrice = d("103")
	add.Legs["lighter"].FeesPaid = d("0.25")
	add.Legs["edgex"].Quantity = d("5")

	merged, err := s.MergePosition(ctx, p.ID, add)
	if err != nil {
		t.Fatalf("MergePosition: %v", err)
	}

	if !merged.SizeUSD.Equal(d("1500")) {
		t.Errorf("SizeUSD = %s, want 1500", merged.SizeUSD)
	}
	// Divergence weighted: (0.0004×1000 + 0.001×500) / 1500 = 0.0006
	if diff := merged.EntryDivergence - 0.0006; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("EntryDivergence = %v, want 0.0006", merged.EntryDivergence)
	}
	leg := merged.Leg("lighter")
	if !leg.Quantity.Equal(d("15")) {
		t.Errorf("leg quantity = %s, want 15", leg.Quantity)
	}
	// VWAP: (100×10 + 103×5) / 15 = 101
	if !leg.EntryPrice.Equal(d("101")) {
		t.Errorf("leg VWAP = %s, want 101", leg.EntryPrice)
	}
	if !leg.FeesPaid.Equal(d("0.75")) {
		t.Errorf("leg fees = %s, want 0.75", leg.FeesPaid)
	}
	if len(merged.Fills) != 2 {
		t.Errorf("fills = %d, want 2", len(merged.Fills))
	}

	// Merge persists.
	reloaded, err := s.GetPosition(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !reloaded.SizeUSD.Equal(d("1500")) {
		t.Errorf("reloaded SizeUSD = %s, want 1500", reloaded.SizeUSD)
	}
}

func TestClosePositionIdempotent(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	p := testPosition()
	if err := s.CreatePosition(ctx, p); err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}

	first, err := s.ClosePosition(ctx, p.ID, types.ExitTimeLimit, d("12.5"))
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if first.Status != types.StatusClosed || first.ExitReason != types.ExitTimeLimit {
		t.Errorf("first close = %+v", first)
	}
	if first.ClosedAt == nil {
		t.Fatal("ClosedAt not set")
	}

	// Second close keeps the original reason and PnL.
	second, err := s.ClosePosition(ctx, p.ID, types.ExitManual, d("-99"))
	if err != nil {
		t.Fatalf("second ClosePosition: %v", err)
	}
	if second.ExitReason != types.ExitTimeLimit || !second.PnLUSD.Equal(d("12.5")) {
		t.Errorf("second close mutated the row: %+v", second)
	}
}

func TestFillsAndFunding(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	p := testPosition()
	if err := s.CreatePosition(ctx, p); err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}

	fill := &types.TradeFill{
		PositionID:    p.ID,
		TradeType:     types.TradeEntry,
		Venue:         "lighter",
		Symbol:        "BTC",
		OrderID:       "o-1",
		Timestamp:     time.Now(),
		Side:          types.BUY,
		TotalQuantity: d("10"),
		WeightedPrice: d("100"),
		TotalFee:      d("0.5"),
		FillCount:     2,
	}
	if err := s.RecordFill(ctx, fill); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}
	fills, err := s.FillsForPosition(ctx, p.ID)
	if err != nil {
		t.Fatalf("FillsForPosition: %v", err)
	}
	if len(fills) != 1 || fills[0].OrderID != "o-1" || fills[0].FillCount != 2 {
		t.Errorf("fills = %+v", fills)
	}

	if err := s.RecordFunding(ctx, p.ID, "lighter", d("0.4"), time.Now()); err != nil {
		t.Fatalf("RecordFunding: %v", err)
	}
	if err := s.RecordFunding(ctx, p.ID, "edgex", d("-0.1"), time.Now()); err != nil {
		t.Fatalf("RecordFunding: %v", err)
	}
	total, err := s.CumulativeFunding(ctx, p.ID)
	if err != nil {
		t.Fatalf("CumulativeFunding: %v", err)
	}
	if !total.Equal(d("0.3")) {
		t.Errorf("CumulativeFunding = %s, want 0.3", total)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	sess := &types.Session{
		ID:            uuid.NewString(),
		Strategy:      "funding_arb",
		StartedAt:     time.Now(),
		LastHeartbeat: time.Now(),
		Health:        types.HealthStarting,
		Stage:         types.StageInitializing,
		Metadata:      map[string]string{"venues": "lighter,edgex"},
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	sess.Health = types.HealthRunning
	sess.Stage = types.StageScanning
	sess.Paused = true
	sess.LastHeartbeat = time.Now()
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Health != types.HealthRunning || got.Stage != types.StageScanning || !got.Paused {
		t.Errorf("session = %+v", got)
	}
	if got.Metadata["venues"] != "lighter,edgex" {
		t.Errorf("metadata = %+v", got.Metadata)
	}
}

func TestStrategyState(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	type state struct {
		Cooldowns map[string]time.Time `json:"cooldowns"`
	}
	saved := state{Cooldowns: map[string]time.Time{"BTC": time.Now().Round(time.Second)}}
	if err := s.SaveStrategyState(ctx, "scanner", saved); err != nil {
		t.Fatalf("SaveStrategyState: %v", err)
	}

	var loaded state
	if err := s.LoadStrategyState(ctx, "scanner", &loaded); err != nil {
		t.Fatalf("LoadStrategyState: %v", err)
	}
	if !loaded.Cooldowns["BTC"].Equal(saved.Cooldowns["BTC"]) {
		t.Errorf("loaded = %+v, want %+v", loaded, saved)
	}

	var missing state
	if err := s.LoadStrategyState(ctx, "absent", &missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDashboardRetention(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := s.AppendDashboardEvent(ctx, "sess", []byte(`{"n":`+string(rune('0'+i))+`}`), 5); err != nil {
			t.Fatalf("AppendDashboardEvent: %v", err)
		}
	}
	events, err := s.RecentDashboardEvents(ctx, 100)
	if err != nil {
		t.Fatalf("RecentDashboardEvents: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("retained %d events, want 5", len(events))
	}
	if events[0] != `{"n":9}` {
		t.Errorf("newest event = %s", events[0])
	}
}
