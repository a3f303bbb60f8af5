package prices

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"funding-arb/pkg/types"
)

type fakeSource struct {
	live      map[string]types.BBO
	rest      map[string]types.BBO
	restErr   error
	restCalls int
}

func (f *fakeSource) LatestBBO(symbol string) (types.BBO, bool) {
	bbo, ok := f.live[symbol]
	return bbo, ok
}

func (f *fakeSource) FetchBBOPrices(_ context.Context, symbol string) (types.BBO, error) {
	f.restCalls++
	if f.restErr != nil {
		return types.BBO{}, f.restErr
	}
	return f.rest[symbol], nil
}

func TestGetBBOLookupOrder(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		live: map[string]types.BBO{"BTC": {Symbol: "BTC", Bid: 100, Ask: 100.5}},
		rest: map[string]types.BBO{"ETH": {Symbol: "ETH", Bid: 50, Ask: 50.2}},
	}
	p := NewProvider(map[string]Source{"lighter": src}, time.Minute, slog.Default())
	ctx := context.Background()

	// Live BBO wins without touching REST.
	bbo, err := p.GetBBO(ctx, "lighter", "BTC")
	if err != nil {
		t.Fatalf("GetBBO: %v", err)
	}
	if bbo.Bid != 100 || src.restCalls != 0 {
		t.Errorf("bbo = %+v, restCalls = %d", bbo, src.restCalls)
	}

	// No live BBO falls through to REST.
	bbo, err = p.GetBBO(ctx, "lighter", "ETH")
	if err != nil {
		t.Fatalf("GetBBO: %v", err)
	}
	if bbo.Bid != 50 || src.restCalls != 1 {
		t.Errorf("bbo = %+v, restCalls = %d", bbo, src.restCalls)
	}

	// Second lookup inside the TTL is served from cache.
	if _, err := p.GetBBO(ctx, "lighter", "ETH"); err != nil {
		t.Fatalf("GetBBO: %v", err)
	}
	if src.restCalls != 1 {
		t.Errorf("restCalls = %d, want 1 (cache hit)", src.restCalls)
	}

	if _, err := p.GetBBO(ctx, "unknown", "BTC"); err == nil {
		t.Error("expected error for unknown venue")
	}
}

func TestGetBBOCacheExpiry(t *testing.T) {
	t.Parallel()

	src := &fakeSource{rest: map[string]types.BBO{"BTC": {Symbol: "BTC", Bid: 100, Ask: 100.5}}}
	p := NewProvider(map[string]Source{"edgex": src}, 10*time.Millisecond, slog.Default())
	ctx := context.Background()

	if _, err := p.GetBBO(ctx, "edgex", "BTC"); err != nil {
		t.Fatalf("GetBBO: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := p.GetBBO(ctx, "edgex", "BTC"); err != nil {
		t.Fatalf("GetBBO: %v", err)
	}
	if src.restCalls != 2 {
		t.Errorf("restCalls = %d, want 2 after TTL expiry", src.restCalls)
	}
}

func TestGetBBORESTFailure(t *testing.T) {
	t.Parallel()

	src := &fakeSource{restErr: errors.New("down")}
	p := NewProvider(map[string]Source{"edgex": src}, time.Minute, slog.Default())

	if _, err := p.GetBBO(context.Background(), "edgex", "BTC"); err == nil {
		t.Error("expected error when REST fails and no live BBO exists")
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	src := &fakeSource{rest: map[string]types.BBO{"BTC": {Symbol: "BTC", Bid: 100, Ask: 100.5}}}
	p := NewProvider(map[string]Source{"edgex": src}, time.Minute, slog.Default())
	ctx := context.Background()

	p.GetBBO(ctx, "edgex", "BTC")
	p.Invalidate("edgex", "BTC")
	p.GetBBO(ctx, "edgex", "BTC")
	if src.restCalls != 2 {
		t.Errorf("restCalls = %d, want 2 after invalidation", src.restCalls)
	}
}
