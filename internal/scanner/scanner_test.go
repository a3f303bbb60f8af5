package scanner

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

func decimalFromInt(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

type fakeStore struct {
	opps []types.FundingOpportunity
}

func (f *fakeStore) FindOpportunities(context.Context, Filter) ([]types.FundingOpportunity, error) {
	return f.opps, nil
}

type fakeMeta struct {
	maker    float64
	interval int64
	maxLev   int
}

func (f *fakeMeta) Fees() types.FeeStructure      { return types.FeeStructure{MakerRate: f.maker, TakerRate: f.maker * 2} }
func (f *fakeMeta) FundingIntervalSeconds() int64 { return f.interval }
func (f *fakeMeta) GetLeverageInfo(context.Context, string) (int, int, error) {
	return 1, f.maxLev, nil
}

func testScanner(store OpportunityStore, cfg config.StrategyConfig) *Scanner {
	venues := map[string]VenueMeta{
		"lighter": &fakeMeta{maker: 0.0002, interval: 3600, maxLev: 20},
		"edgex":   &fakeMeta{maker: 0.0002, interval: 8 * 3600, maxLev: 10},
	}
	return New(cfg, store, venues, slog.Default())
}

func defaultStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Exchanges:           []string{"lighter", "edgex"},
		MaxPositions:        3,
		MaxTotalExposureUSD: 10000,
		MaxPositionSizeUSD:  4000,
		TargetMargin:        100,
		MinProfit:           0.001,
		TimeHorizon:         24 * time.Hour,
		CycleInterval:       time.Minute,
		CooldownInterval:    time.Minute,
	}
}

func opp(symbol string, longRate, shortRate float64) types.FundingOpportunity {
	return types.FundingOpportunity{
		Symbol:     symbol,
		LongVenue:  "lighter",
		ShortVenue: "edgex",
		LongRate:   longRate,
		ShortRate:  shortRate,
	}
}

func TestNetProfitNormalizesIntervals(t *testing.T) {
	t.Parallel()

	s := testScanner(&fakeStore{}, defaultStrategyConfig())

	// Long pays −0.0001 per 1h; short earns 0.0004 per 8h.
	// per-second = 0.0004/28800 − (−0.0001/3600); gross over 24h minus
	// 2 × (0.0002 + 0.0002) fees.
	net, err := s.netProfit(opp("BTC", -0.0001, 0.0004))
	if err != nil {
		t.Fatalf("netProfit: %v", err)
	}
	perSec := 0.0004/28800.0 + 0.0001/3600.0
	want := perSec*86400 - 0.0008
	if diff := net - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("net = %v, want %v", net, want)
	}
}

func TestScanRanksAndDropsNegatives(t *testing.T) {
	t.Parallel()

	store := &fakeStore{opps: []types.FundingOpportunity{
		opp("SMALL", 0, 0.00005),  // net below floor after fees
		opp("BIG", -0.001, 0.002), // clearly profitable
		opp("MID", -0.0002, 0.0004),
	}}
	s := testScanner(store, defaultStrategyConfig())

	cands, err := s.Scan(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(cands) < 2 {
		t.Fatalf("candidates = %d, want ≥ 2", len(cands))
	}
	if cands[0].Opportunity.Symbol != "BIG" {
		t.Errorf("top candidate = %s, want BIG", cands[0].Opportunity.Symbol)
	}
	for _, c := range cands {
		if c.Opportunity.Symbol == "SMALL" {
			t.Error("SMALL should have been dropped below the profit floor")
		}
		if c.NetProfit < 0.001 {
			t.Errorf("candidate %s net %v below floor", c.Opportunity.Symbol, c.NetProfit)
		}
	}
}

func TestScanCapacityRails(t *testing.T) {
	t.Parallel()

	store := &fakeStore{opps: []types.FundingOpportunity{
		opp("A", -0.001, 0.002),
		opp("B", -0.001, 0.0019),
		opp("C", -0.001, 0.0018),
		opp("D", -0.001, 0.0017),
	}}
	cfg := defaultStrategyConfig()
	cfg.MaxNewPositionsPerCycle = 2
	s := testScanner(store, cfg)

	cands, err := s.Scan(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(cands) != 2 {
		t.Errorf("candidates = %d, want 2 (per-cycle cap)", len(cands))
	}

	// A full book yields nothing.
	full := []*types.Position{{Symbol: "X"}, {Symbol: "Y"}, {Symbol: "Z"}}
	cands, err = s.Scan(context.Background(), full, 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("candidates = %d with max positions held, want 0", len(cands))
	}

	// Symbols already held are skipped.
	holding := []*types.Position{{Symbol: "A"}}
	cands, err = s.Scan(context.Background(), holding, 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	for _, c := range cands {
		if c.Opportunity.Symbol == "A" {
			t.Error("held symbol A must not be re-proposed")
		}
	}
}

func TestScanCooldown(t *testing.T) {
	t.Parallel()

	store := &fakeStore{opps: []types.FundingOpportunity{opp("BTC", -0.001, 0.002)}}
	cfg := defaultStrategyConfig()
	cfg.CooldownInterval = 50 * time.Millisecond
	s := testScanner(store, cfg)

	s.MarkCooldown("BTC")
	cands, err := s.Scan(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("cooled-down symbol returned: %+v", cands)
	}

	time.Sleep(60 * time.Millisecond)
	cands, err = s.Scan(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(cands) != 1 {
		t.Errorf("candidates = %d after cooldown expiry, want 1", len(cands))
	}
}

func TestCooldownStateRoundTrip(t *testing.T) {
	t.Parallel()

	s := testScanner(&fakeStore{}, defaultStrategyConfig())
	s.MarkCooldown("BTC")

	state := s.CooldownState()
	if _, ok := state["BTC"]; !ok {
		t.Fatal("exported state missing BTC")
	}

	s2 := testScanner(&fakeStore{}, defaultStrategyConfig())
	s2.RestoreCooldowns(state)
	if !s2.InCooldown("BTC") {
		t.Error("restored scanner should keep BTC on cooldown")
	}
}

func TestSizing(t *testing.T) {
	t.Parallel()

	store := &fakeStore{opps: []types.FundingOpportunity{opp("BTC", -0.001, 0.002)}}
	s := testScanner(store, defaultStrategyConfig())

	cands, err := s.Scan(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	c := cands[0]
	// min(20, 10) = 10x leverage; 100 × 10 = 1000 exposure, under both caps.
	if c.Leverage != 10 {
		t.Errorf("leverage = %d, want 10", c.Leverage)
	}
	if !c.ExposureUSD.Equal(decimalFromInt(1000)) {
		t.Errorf("exposure = %s, want 1000", c.ExposureUSD)
	}

	// Near-exhausted headroom clamps the size down.
	cands, err = s.Scan(context.Background(), nil, 9700)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1", len(cands))
	}
	if !cands[0].ExposureUSD.Equal(decimalFromInt(300)) {
		t.Errorf("clamped exposure = %s, want 300", cands[0].ExposureUSD)
	}
}

func TestIsTopOpportunity(t *testing.T) {
	t.Parallel()

	store := &fakeStore{opps: []types.FundingOpportunity{
		opp("BTC", -0.001, 0.002),
		opp("ETH", -0.0002, 0.0004),
	}}
	s := testScanner(store, defaultStrategyConfig())

	top, err := s.IsTopOpportunity(context.Background(), "BTC", "lighter", "edgex")
	if err != nil {
		t.Fatalf("IsTopOpportunity: %v", err)
	}
	if !top {
		t.Error("BTC/lighter/edgex should be top")
	}

	top, err = s.IsTopOpportunity(context.Background(), "ETH", "lighter", "edgex")
	if err != nil {
		t.Fatalf("IsTopOpportunity: %v", err)
	}
	if top {
		t.Error("ETH is not the top opportunity")
	}
}
