package risk

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		Strategy:            "combined",
		MinHoldHours:        1,
		MinErosionThreshold: 0.5,
		SevereErosionRatio:  0.2,
		MaxPositionAgeHours: 48,
		FlipMargin:          0,
		ImbalanceThreshold:  0.05,
	}
}

func position(ageHours float64, entryDivergence float64) *types.Position {
	now := time.Now()
	return &types.Position{
		ID:              "pos-1",
		Symbol:          "BTC",
		LongVenue:       "lighter",
		ShortVenue:      "edgex",
		SizeUSD:         d("1000"),
		EntryDivergence: entryDivergence,
		OpenedAt:        now.Add(-time.Duration(ageHours * float64(time.Hour))),
		Status:          types.StatusOpen,
		Legs: map[string]*types.LegMetadata{
			"lighter": {Side: types.Long, Quantity: d("10"), QtyMultiplier: d("1")},
			"edgex":   {Side: types.Short, Quantity: d("10"), QtyMultiplier: d("1")},
		},
	}
}

func rates(divergence float64) types.FundingRates {
	return types.FundingRates{Divergence: divergence}
}

func TestExitWaterfall(t *testing.T) {
	t.Parallel()

	strat, err := NewExitStrategy(riskConfig())
	if err != nil {
		t.Fatalf("NewExitStrategy: %v", err)
	}
	now := time.Now()

	tests := []struct {
		name       string
		ageHours   float64
		entryDiv   float64
		currentDiv float64
		wantExit   bool
		wantReason string
	}{
		{"healthy", 5, 0.001, 0.0009, false, ""},
		{"flipped", 5, 0.001, -0.0001, true, types.ExitDivergenceFlipped},
		{"boundary zero divergence is severe erosion", 5, 0.001, 0, true, types.ExitSevereErosion},
		{"severe erosion", 5, 0.001, 0.0001, true, types.ExitSevereErosion},
		{"normal erosion", 5, 0.001, 0.0004, true, types.ExitProfitErosion},
		{"just above erosion floor", 5, 0.001, 0.0006, false, ""},
		{"too old", 49, 0.001, 0.0009, true, types.ExitTimeLimit},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pos := position(tt.ageHours, tt.entryDiv)
			exit, reason := strat.ShouldExit(pos, rates(tt.currentDiv), now)
			if exit != tt.wantExit || reason != tt.wantReason {
				t.Errorf("ShouldExit = (%v, %q), want (%v, %q)", exit, reason, tt.wantExit, tt.wantReason)
			}
		})
	}
}

type fakeScanner struct {
	top bool
}

func (f *fakeScanner) IsTopOpportunity(context.Context, string, string, string) (bool, error) {
	return f.top, nil
}

type fakeSnapshots struct {
	qty map[string]decimal.Decimal // venue → live quantity
}

func (f *fakeSnapshots) source(venueName string) SnapshotSource {
	return snapshotFunc(func(context.Context, string) (*types.PositionSnapshot, error) {
		return &types.PositionSnapshot{Quantity: f.qty[venueName]}, nil
	})
}

type snapshotFunc func(ctx context.Context, symbol string) (*types.PositionSnapshot, error)

func (f snapshotFunc) PositionSnapshot(ctx context.Context, symbol string) (*types.PositionSnapshot, error) {
	return f(ctx, symbol)
}

func newController(t *testing.T, scanner OpportunitySource, snaps *fakeSnapshots) *Controller {
	t.Helper()
	cfg := riskConfig()
	strat, err := NewExitStrategy(cfg)
	if err != nil {
		t.Fatalf("NewExitStrategy: %v", err)
	}
	venues := map[string]SnapshotSource{
		"lighter": snaps.source("lighter"),
		"edgex":   snaps.source("edgex"),
	}
	return NewController(cfg.MinHoldHours, cfg.ImbalanceThreshold, strat, scanner, venues, slog.Default())
}

func healthySnapshots() *fakeSnapshots {
	return &fakeSnapshots{qty: map[string]decimal.Decimal{
		"lighter": d("10"),
		"edgex":   d("-10"),
	}}
}

func TestMinHoldGuardBlocksOrdinaryExit(t *testing.T) {
	t.Parallel()

	c := newController(t, &fakeScanner{}, healthySnapshots())
	pos := position(0.5, 0.001) // younger than min hold

	// Erosion to 40% of entry would normally exit; too young, so hold.
	v := c.Evaluate(context.Background(), pos, rates(0.0004))
	if v.Exit {
		t.Errorf("min-hold guard should block an erosion exit, got %+v", v)
	}

	// Severe erosion is still an ordinary strategy exit; the guard holds it too.
	v = c.Evaluate(context.Background(), pos, rates(0.0001))
	if v.Exit {
		t.Errorf("min-hold guard should block a severe-erosion exit, got %+v", v)
	}
}

func TestDivergenceFlipBypassesMinHold(t *testing.T) {
	t.Parallel()

	c := newController(t, &fakeScanner{}, healthySnapshots())
	pos := position(0.5, 0.001) // younger than min hold

	// The divergence crossed zero: both legs now pay funding. The flip closes
	// immediately, hold time notwithstanding.
	v := c.Evaluate(context.Background(), pos, rates(-0.001))
	if !v.Exit || v.Reason != types.ExitDivergenceFlipped {
		t.Fatalf("verdict = %+v, want DIVERGENCE_FLIPPED exit", v)
	}
	if !v.Critical {
		t.Error("flip exit should be critical")
	}
}

func TestCriticalBypassesMinHold(t *testing.T) {
	t.Parallel()

	snaps := &fakeSnapshots{qty: map[string]decimal.Decimal{
		"lighter": decimal.Zero, // long leg gone
		"edgex":   d("-10"),
	}}
	c := newController(t, &fakeScanner{}, snaps)
	pos := position(0.5, 0.001) // younger than min hold

	v := c.Evaluate(context.Background(), pos, rates(0.001))
	if !v.Exit || v.Reason != types.ExitLegLiquidated || !v.Critical {
		t.Errorf("verdict = %+v, want critical LEG_LIQUIDATED", v)
	}
}

func TestAllLegsClosed(t *testing.T) {
	t.Parallel()

	snaps := &fakeSnapshots{qty: map[string]decimal.Decimal{
		"lighter": decimal.Zero,
		"edgex":   decimal.Zero,
	}}
	c := newController(t, &fakeScanner{}, snaps)

	v := c.Evaluate(context.Background(), position(5, 0.001), rates(0.001))
	if !v.Exit || v.Reason != types.ExitAllLegsClosed {
		t.Errorf("verdict = %+v, want ALL_LEGS_CLOSED", v)
	}
}

func TestSevereImbalance(t *testing.T) {
	t.Parallel()

	c := newController(t, &fakeScanner{}, healthySnapshots())
	pos := position(5, 0.001)
	pos.Legs["edgex"].Quantity = d("9") // 10% token imbalance

	v := c.Evaluate(context.Background(), pos, rates(0.001))
	if !v.Exit || v.Reason != types.ExitSevereImbalance || !v.Critical {
		t.Errorf("verdict = %+v, want critical SEVERE_IMBALANCE", v)
	}
}

func TestHoldTopOpportunity(t *testing.T) {
	t.Parallel()

	// Erosion fires, but the triple is still the best candidate: hold.
	c := newController(t, &fakeScanner{top: true}, healthySnapshots())
	pos := position(5, 0.001)

	v := c.Evaluate(context.Background(), pos, rates(0.0004))
	if v.Exit || v.Reason != types.HoldTopOpportunity {
		t.Errorf("verdict = %+v, want hold with HOLD_TOP_OPPORTUNITY", v)
	}

	// Same erosion, no longer the top candidate: exit.
	c2 := newController(t, &fakeScanner{top: false}, healthySnapshots())
	v = c2.Evaluate(context.Background(), pos, rates(0.0004))
	if !v.Exit || v.Reason != types.ExitProfitErosion {
		t.Errorf("verdict = %+v, want PROFIT_EROSION exit", v)
	}

	// Severe erosion skips the hold check entirely.
	v = c.Evaluate(context.Background(), pos, rates(0.0001))
	if !v.Exit || v.Reason != types.ExitSevereErosion {
		t.Errorf("verdict = %+v, want SEVERE_EROSION exit", v)
	}
}

func TestSnapshotCachePreferred(t *testing.T) {
	t.Parallel()

	// Live sources report legs gone, but a fresh cache shows them intact:
	// the cache wins and no critical exit fires.
	snaps := &fakeSnapshots{qty: map[string]decimal.Decimal{}}
	c := newController(t, &fakeScanner{}, snaps)

	pos := position(5, 0.001)
	pos.SnapshotCache = map[string]*types.PositionSnapshot{
		"lighter": {Quantity: d("10")},
		"edgex":   {Quantity: d("-10")},
	}
	pos.SnapshotCachedAt = time.Now()

	v := c.Evaluate(context.Background(), pos, rates(0.001))
	if v.Exit {
		t.Errorf("verdict = %+v, fresh cache should mask live zeros", v)
	}
}

func TestMatchLiquidation(t *testing.T) {
	t.Parallel()

	pos := position(5, 0.001)

	// Forced sell on the long-leg venue hits our long.
	reason, hit := MatchLiquidation(pos, types.LiquidationEvent{
		Venue: "lighter", Symbol: "BTC", Side: types.SELL,
	})
	if !hit || reason != "LIQUIDATION_LIGHTER" {
		t.Errorf("(%q, %v), want LIQUIDATION_LIGHTER hit", reason, hit)
	}

	// Forced sell on the short-leg venue does not touch our short.
	if _, hit := MatchLiquidation(pos, types.LiquidationEvent{
		Venue: "edgex", Symbol: "BTC", Side: types.SELL,
	}); hit {
		t.Error("forced sell must not match a short leg")
	}

	// Different symbol never matches.
	if _, hit := MatchLiquidation(pos, types.LiquidationEvent{
		Venue: "lighter", Symbol: "ETH", Side: types.SELL,
	}); hit {
		t.Error("other symbols must not match")
	}

	if !types.CriticalExitReason("LIQUIDATION_LIGHTER") {
		t.Error("liquidation reasons are critical")
	}
}
