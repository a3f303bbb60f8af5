// Package prices provides a venue-spanning BBO lookup with a short TTL cache.
//
// Lookup order: cache → the venue connector's live BBO → REST fallback. One
// shared Provider serves the scanner, executor, risk controller, and profit
// monitor so concurrent evaluation loops don't multiply REST traffic.
package prices

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"funding-arb/pkg/types"
)

const defaultTTL = 5 * time.Second

// Source is one venue's price surface: the connector's live cache plus the
// REST fallback. *venue.Connector satisfies this.
type Source interface {
	LatestBBO(symbol string) (types.BBO, bool)
	FetchBBOPrices(ctx context.Context, symbol string) (types.BBO, error)
}

type cachedBBO struct {
	bbo       types.BBO
	fetchedAt time.Time
}

// Provider answers BBO queries for (venue, symbol) pairs with a TTL cache.
type Provider struct {
	sources map[string]Source
	ttl     time.Duration
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]cachedBBO // "venue|symbol"
}

// NewProvider builds a provider over the given venue sources. ttl ≤ 0 uses
// the 5 s default.
func NewProvider(sources map[string]Source, ttl time.Duration, logger *slog.Logger) *Provider {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Provider{
		sources: sources,
		ttl:     ttl,
		logger:  logger.With("component", "prices"),
		cache:   make(map[string]cachedBBO),
	}
}

// GetBBO returns a current best bid/offer for symbol on venueName.
func (p *Provider) GetBBO(ctx context.Context, venueName, symbol string) (types.BBO, error) {
	key := venueName + "|" + symbol

	p.mu.RLock()
	entry, ok := p.cache[key]
	p.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < p.ttl {
		return entry.bbo, nil
	}

	src, ok := p.sources[venueName]
	if !ok {
		return types.BBO{}, fmt.Errorf("no price source for venue %s", venueName)
	}

	if bbo, ok := src.LatestBBO(symbol); ok && bbo.Valid() {
		p.store(key, bbo)
		return bbo, nil
	}

	bbo, err := src.FetchBBOPrices(ctx, symbol)
	if err != nil {
		return types.BBO{}, fmt.Errorf("fetch bbo %s %s: %w", venueName, symbol, err)
	}
	if !bbo.Valid() {
		return types.BBO{}, fmt.Errorf("invalid bbo for %s %s", venueName, symbol)
	}
	p.store(key, bbo)
	return bbo, nil
}

// Mid returns the midpoint price for symbol on venueName.
func (p *Provider) Mid(ctx context.Context, venueName, symbol string) (float64, error) {
	bbo, err := p.GetBBO(ctx, venueName, symbol)
	if err != nil {
		return 0, err
	}
	return bbo.Mid(), nil
}

// Invalidate drops the cached entry for one (venue, symbol) pair.
func (p *Provider) Invalidate(venueName, symbol string) {
	p.mu.Lock()
	delete(p.cache, venueName+"|"+symbol)
	p.mu.Unlock()
}

func (p *Provider) store(key string, bbo types.BBO) {
	p.mu.Lock()
	p.cache[key] = cachedBBO{bbo: bbo, fetchedAt: time.Now()}
	p.mu.Unlock()
}
