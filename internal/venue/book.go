// book.go maintains a local mirror of one symbol's L2 order book.
//
// The book is updated from two sources:
//   - REST snapshots via ApplySnapshot (initial load and resync)
//   - WebSocket deltas via ApplyDelta (incremental updates)
//
// Delta application is guarded by sequence-offset validation. A delta that
// leaves a gap against the last applied sequence invalidates the book and the
// connector must refetch a snapshot before quoting resumes. The book is
// concurrency-safe (RWMutex protected).
package venue

import (
	"sort"
	"sync"
	"time"

	"funding-arb/pkg/types"
)

// maxBookLevels caps each side; levels beyond the cap are pruned from the
// far end after every delta.
const maxBookLevels = 100

// DeltaResult classifies the outcome of applying one depth delta.
type DeltaResult int

const (
	DeltaApplied   DeltaResult = iota
	DeltaDuplicate             // entirely covered by the snapshot, dropped
	DeltaGap                   // sequence gap, book invalidated, resync needed
	DeltaNoBook                // no snapshot yet, delta ignored
)

// Book is a local L2 order book for a single symbol on a single venue.
type Book struct {
	mu      sync.RWMutex
	symbol  string
	bids    map[float64]float64 // price → size
	asks    map[float64]float64
	lastSeq int64
	synced  bool // snapshot applied and no gap since
	primed  bool // first delta after the snapshot validated
	updated time.Time
}

// NewBook creates an empty, unsynced book for one symbol.
func NewBook(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids:   make(map[float64]float64),
		asks:   make(map[float64]float64),
	}
}

// Symbol returns the canonical symbol this book tracks.
func (b *Book) Symbol() string { return b.symbol }

// ApplySnapshot replaces the book contents with a REST snapshot.
func (b *Book) ApplySnapshot(snap *types.BookSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[float64]float64, len(snap.Bids))
	b.asks = make(map[float64]float64, len(snap.Asks))
	for _, lvl := range snap.Bids {
		if lvl.Size > 0 {
			b.bids[lvl.Price] = lvl.Size
		}
	}
	for _, lvl := range snap.Asks {
		if lvl.Size > 0 {
			b.asks[lvl.Price] = lvl.Size
		}
	}
	b.lastSeq = snap.Seq
	b.synced = true
	b.primed = false
	b.updated = time.Now()
}

// ApplyDelta applies one incremental depth update.
//
// The first delta after a snapshot must straddle the snapshot sequence
// (FirstSeq ≤ snapSeq+1 ≤ LastSeq); deltas entirely at or before the snapshot
// are duplicates and dropped. Once primed, each delta must continue exactly
// from the previous one (FirstSeq = lastSeq+1); anything later is a gap and
// invalidates the book.
func (b *Book) ApplyDelta(d *types.WSDepthUpdate) DeltaResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced {
		return DeltaNoBook
	}

	if d.LastSeq <= b.lastSeq {
		return DeltaDuplicate
	}

	if !b.primed {
		if d.FirstSeq > b.lastSeq+1 {
			b.invalidateLocked()
			return DeltaGap
		}
		b.primed = true
	} else if d.FirstSeq != b.lastSeq+1 {
		b.invalidateLocked()
		return DeltaGap
	}

	for _, lvl := range d.Bids {
		price, size := parseFloat(lvl[0]), parseFloat(lvl[1])
		if size == 0 {
			delete(b.bids, price)
		} else {
			b.bids[price] = size
		}
	}
	for _, lvl := range d.Asks {
		price, size := parseFloat(lvl[0]), parseFloat(lvl[1])
		if size == 0 {
			delete(b.asks, price)
		} else {
			b.asks[price] = size
		}
	}
	b.lastSeq = d.LastSeq
	b.updated = time.Now()

	b.pruneLocked()

	// A crossed book means the feed desynced even with clean sequences.
	if bid, ok1 := b.bestBidLocked(); ok1 {
		if ask, ok2 := b.bestAskLocked(); ok2 && bid >= ask {
			b.invalidateLocked()
			return DeltaGap
		}
	}
	return DeltaApplied
}

// Invalidate marks the book unsynced; deltas are ignored until the next snapshot.
func (b *Book) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidateLocked()
}

func (b *Book) invalidateLocked() {
	b.bids = make(map[float64]float64)
	b.asks = make(map[float64]float64)
	b.synced = false
	b.primed = false
}

// pruneLocked drops levels past maxBookLevels from the far end of each side.
func (b *Book) pruneLocked() {
	if len(b.bids) > maxBookLevels {
		prices := make([]float64, 0, len(b.bids))
		for p := range b.bids {
			prices = append(prices, p)
		}
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
		for _, p := range prices[maxBookLevels:] {
			delete(b.bids, p)
		}
	}
	if len(b.asks) > maxBookLevels {
		prices := make([]float64, 0, len(b.asks))
		for p := range b.asks {
			prices = append(prices, p)
		}
		sort.Float64s(prices)
		for _, p := range prices[maxBookLevels:] {
			delete(b.asks, p)
		}
	}
}

// Synced reports whether the book has a valid snapshot with no gap since.
func (b *Book) Synced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

// LastSeq returns the sequence offset of the last applied update.
func (b *Book) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastSeq
}

// IsStale returns true if no data arrived within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last book change.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

func (b *Book) bestBidLocked() (float64, bool) {
	best, ok := 0.0, false
	for p := range b.bids {
		if !ok || p > best {
			best, ok = p, true
		}
	}
	return best, ok
}

func (b *Book) bestAskLocked() (float64, bool) {
	best, ok := 0.0, false
	for p := range b.asks {
		if !ok || p < best {
			best, ok = p, true
		}
	}
	return best, ok
}

// BestBidAsk returns the current top of book. ok is false when either side
// is empty or the book is unsynced.
func (b *Book) BestBidAsk() (bid, ask float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.synced {
		return 0, 0, false
	}
	bid, ok1 := b.bestBidLocked()
	ask, ok2 := b.bestAskLocked()
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return bid, ask, true
}

// GetBestLevels returns each side sorted best-first, keeping only levels
// whose own notional (price × size) is at least minNotional. Thin levels are
// dust from cancelled quotes; filtering them gives a sizeable-liquidity view.
// With minNotional ≤ 0 only the raw top of each side is returned.
func (b *Book) GetBestLevels(minNotional float64) (bids, asks []types.PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.synced {
		return nil, nil
	}
	return filterLevels(b.bids, minNotional, true), filterLevels(b.asks, minNotional, false)
}

// Snapshot exports the current book sorted best-first on both sides.
func (b *Book) Snapshot() *types.BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := &types.BookSnapshot{
		Symbol:    b.symbol,
		Seq:       b.lastSeq,
		Timestamp: b.updated,
	}
	snap.Bids = sortedLevels(b.bids, true)
	snap.Asks = sortedLevels(b.asks, false)
	return snap
}

// sortedLevels exports one whole side best-first.
func sortedLevels(side map[float64]float64, descending bool) []types.PriceLevel {
	prices := make([]float64, 0, len(side))
	for p := range side {
		prices = append(prices, p)
	}
	if descending {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	} else {
		sort.Float64s(prices)
	}
	out := make([]types.PriceLevel, 0, len(prices))
	for _, p := range prices {
		out = append(out, types.PriceLevel{Price: p, Size: side[p]})
	}
	return out
}

// filterLevels keeps the levels whose own notional clears minNotional,
// best-first. minNotional ≤ 0 returns just the top level.
func filterLevels(side map[float64]float64, minNotional float64, descending bool) []types.PriceLevel {
	levels := sortedLevels(side, descending)
	if minNotional <= 0 {
		if len(levels) > 1 {
			levels = levels[:1]
		}
		return levels
	}
	var out []types.PriceLevel
	for _, lvl := range levels {
		if lvl.Price*lvl.Size >= minNotional {
			out = append(out, lvl)
		}
	}
	return out
}
