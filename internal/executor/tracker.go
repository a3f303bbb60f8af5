package executor

import (
	"context"
	"sync"

	"funding-arb/pkg/types"
)

// FillTracker consumes one venue's private-stream order updates and lets leg
// executions wait on a specific order id. Updates arriving before anyone
// waits are kept as the latest-known state so a late waiter still sees them.
type FillTracker struct {
	mu      sync.Mutex
	waiters map[string][]chan types.WSOrderUpdate
	latest  map[string]types.WSOrderUpdate
}

// NewFillTracker returns an empty tracker. Run feeds it.
func NewFillTracker() *FillTracker {
	return &FillTracker{
		waiters: make(map[string][]chan types.WSOrderUpdate),
		latest:  make(map[string]types.WSOrderUpdate),
	}
}

// Run pumps updates into the tracker until ctx is cancelled or the channel
// closes. Intended as `go tracker.Run(ctx, connector.OrderUpdates())`.
func (t *FillTracker) Run(ctx context.Context, updates <-chan types.WSOrderUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			t.Publish(u)
		}
	}
}

// Publish records one order update and wakes its waiters.
func (t *FillTracker) Publish(u types.WSOrderUpdate) {
	t.mu.Lock()
	t.latest[u.OrderID] = u
	chans := t.waiters[u.OrderID]
	t.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- u:
		default:
			// Waiter is behind; it re-reads latest state anyway.
		}
	}
}

// Subscribe registers interest in one order id. The returned channel gets
// every subsequent update (buffered, lossy under backlog); cancel releases it.
// If an update already arrived, it is delivered immediately.
func (t *FillTracker) Subscribe(orderID string) (<-chan types.WSOrderUpdate, func()) {
	ch := make(chan types.WSOrderUpdate, 8)
	t.mu.Lock()
	t.waiters[orderID] = append(t.waiters[orderID], ch)
	if u, ok := t.latest[orderID]; ok {
		ch <- u
	}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		chans := t.waiters[orderID]
		for i, c := range chans {
			if c == ch {
				t.waiters[orderID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(t.waiters[orderID]) == 0 {
			delete(t.waiters, orderID)
			delete(t.latest, orderID)
		}
	}
	return ch, cancel
}
