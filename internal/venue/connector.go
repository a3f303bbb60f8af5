// connector.go keeps one venue's WebSocket surface alive.
//
// Two independent feeds run concurrently:
//
//   - Public feed: bookTicker (BBO) and depthUpdate (L2 delta) events for the
//     single currently-tracked symbol, plus forceOrder liquidations.
//
//   - Private feed: orderUpdate fills and listenKeyExpired notices, dialed
//     with a listen key when the venue requires one.
//
// Both feeds auto-reconnect with exponential backoff (private 1s → 30s max,
// public 1s → 60s max) and restore their subscriptions on reconnection. A
// read deadline ensures silent server failures are detected quickly; a
// watchdog force-closes a connection whose traffic stops entirely, and a
// staleness monitor resyncs or rebuilds the market feed when the local book
// stops moving.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

const (
	pingInterval      = 50 * time.Second // how often we send PING to keep alive
	readTimeout       = 90 * time.Second // ~2 missed pings triggers reconnect
	writeTimeout      = 10 * time.Second // deadline for outgoing messages
	privateMaxBackoff = 30 * time.Second
	publicMaxBackoff  = 60 * time.Second

	listenKeyRefresh = 50 * time.Minute // venue keys expire at 60 min
	watchdogInterval = 5 * time.Minute
	maxSilence       = 10 * time.Minute // no traffic at all ⇒ force reconnect

	stalenessInterval = 30 * time.Second
	resyncAfter       = 60 * time.Second  // stale book ⇒ snapshot refetch
	reconnectAfter    = 180 * time.Second // very stale ⇒ tear the socket down

	feedReadyTimeout = 5 * time.Second
	bboListenerSize  = 256
	orderBufferSize  = 64
	liqBufferSize    = 64

	// Dial failures before the first successful connect are terminal for
	// Connect; after that the loops retry forever.
	maxConnectAttempts = 5
)

// Connector owns one venue's market and account streams. It maintains the
// local order book for the currently-tracked symbol, fans BBO updates out to
// registered listeners, and surfaces order fills and liquidation events.
type Connector struct {
	client VenueClient
	cfg    config.VenueConfig
	logger *slog.Logger

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// Currently tracked market. symbolMu guards symbol/book swaps during
	// EnsureMarketFeed; the Book has its own lock for data access.
	symbolMu sync.RWMutex
	symbol   string
	book     *Book

	bboMu     sync.RWMutex
	latestBBO map[string]types.BBO // canonical symbol → last BBO seen

	listenersMu sync.RWMutex
	listeners   map[string]chan types.BBO

	orderCh chan types.WSOrderUpdate
	liqCh   chan types.LiquidationEvent

	pubConnMu sync.Mutex
	pubConn   *websocket.Conn

	privConnMu sync.Mutex
	privConn   *websocket.Conn

	listenKeyMu sync.Mutex
	listenKey   string
	keyCreated  time.Time

	lastPublicMsg  atomic.Int64 // unix nanos of last public frame
	lastPrivateMsg atomic.Int64

	subID atomic.Int64 // SUBSCRIBE message id counter
}

// NewConnector creates a connector for one venue. Call Connect to start it.
func NewConnector(client VenueClient, cfg config.VenueConfig, logger *slog.Logger) *Connector {
	return &Connector{
		client:    client,
		cfg:       cfg,
		logger:    logger.With("component", "connector", "venue", client.Name()),
		latestBBO: make(map[string]types.BBO),
		listeners: make(map[string]chan types.BBO),
		orderCh:   make(chan types.WSOrderUpdate, orderBufferSize),
		liqCh:     make(chan types.LiquidationEvent, liqBufferSize),
	}
}

// Name returns the venue this connector serves.
func (c *Connector) Name() string { return c.client.Name() }

// Client exposes the venue's REST surface.
func (c *Connector) Client() VenueClient { return c.client }

// OrderUpdates returns the private-stream fill/lifecycle channel.
func (c *Connector) OrderUpdates() <-chan types.WSOrderUpdate { return c.orderCh }

// Liquidations returns the venue force-order channel.
func (c *Connector) Liquidations() <-chan types.LiquidationEvent { return c.liqCh }

// Connect starts the feed goroutines and blocks until the public socket is
// established and, when configured, the private stream is authenticated — or
// fails once either stream exhausts its initial dial attempts. No market
// symbol is tracked yet; EnsureMarketFeed loads the order book. Calling
// Connect on a running connector is a no-op.
func (c *Connector) Connect(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	pubReady := newReadySignal(maxConnectAttempts)
	var privReady *readySignal
	if c.cfg.WSPrivateURL != "" {
		privReady = newReadySignal(maxConnectAttempts)
	}

	go func() {
		defer close(c.done)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() { defer wg.Done(); c.publicLoop(runCtx, pubReady) }()
		if privReady != nil {
			wg.Add(1)
			go func() { defer wg.Done(); c.privateLoop(runCtx, privReady) }()
		}
		wg.Add(1)
		go func() { defer wg.Done(); c.watchdogLoop(runCtx) }()
		wg.Add(1)
		go func() { defer wg.Done(); c.stalenessLoop(runCtx) }()
		wg.Wait()
	}()

	if err := c.awaitReady(runCtx, pubReady); err != nil {
		c.abortConnectLocked()
		return fmt.Errorf("public stream: %w", err)
	}
	if privReady != nil {
		if err := c.awaitReady(runCtx, privReady); err != nil {
			c.abortConnectLocked()
			return fmt.Errorf("private stream: %w", err)
		}
	}

	c.logger.Info("connector started")
	return nil
}

func (c *Connector) awaitReady(ctx context.Context, r *readySignal) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-r.ch:
		return err
	}
}

// abortConnectLocked tears down a half-started connector. Requires runMu held.
func (c *Connector) abortConnectLocked() {
	c.cancel()
	c.closePublic()
	c.closePrivate()
	<-c.done
	c.running = false
}

// readySignal carries one stream's first connect outcome back to Connect.
// ok/fail are only called from the owning feed loop goroutine.
type readySignal struct {
	ch       chan error
	attempts int
	limit    int
	done     bool
}

func newReadySignal(limit int) *readySignal {
	return &readySignal{ch: make(chan error, 1), limit: limit}
}

// ok reports the first successful connect. Later reconnects are silent.
func (r *readySignal) ok() {
	if !r.done {
		r.done = true
		r.ch <- nil
	}
}

// fail counts one failed attempt before the first success; returns true when
// the budget is spent and the loop should give up.
func (r *readySignal) fail(err error) bool {
	if r.done {
		return false
	}
	r.attempts++
	if r.attempts >= r.limit {
		r.done = true
		r.ch <- err
		return true
	}
	return false
}

// Disconnect stops all feed goroutines and closes both sockets. Idempotent.
func (c *Connector) Disconnect() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return
	}
	c.cancel()
	c.closePublic()
	c.closePrivate()
	<-c.done
	c.running = false
	c.logger.Info("connector stopped")
}

// ————————————————————————————————————————————————————————————————————————
// Market feed switching
// ————————————————————————————————————————————————————————————————————————

// EnsureMarketFeed points the public feed at symbol and blocks until the
// local market state is usable (book synced, or first BBO for venues without
// a depth feed) or the ready timeout lapses. A no-op when the symbol is
// already tracked and healthy.
func (c *Connector) EnsureMarketFeed(ctx context.Context, symbol string) error {
	c.symbolMu.Lock()
	if c.symbol == symbol && c.marketReadyLocked() {
		c.symbolMu.Unlock()
		return nil
	}
	prev := c.symbol
	c.symbol = symbol
	c.book = NewBook(symbol)
	c.symbolMu.Unlock()

	c.bboMu.Lock()
	delete(c.latestBBO, symbol)
	c.bboMu.Unlock()

	if c.cfg.ReconnectToSwitch {
		// Venue binds the subscription at handshake time. The redial loop
		// picks up the new symbol.
		c.closePublic()
	} else {
		if prev != "" && prev != symbol {
			if err := c.sendSubscription("UNSUBSCRIBE", prev); err != nil {
				c.logger.Warn("unsubscribe failed", "symbol", prev, "error", err)
			}
		}
		if err := c.sendSubscription("SUBSCRIBE", symbol); err != nil {
			// Socket may be mid-reconnect; the redial path re-subscribes.
			c.logger.Warn("subscribe failed, deferring to reconnect", "symbol", symbol, "error", err)
		}
	}

	if c.cfg.HasDepthFeed {
		if err := c.resyncBook(ctx, symbol); err != nil {
			c.logger.Warn("initial book snapshot failed", "symbol", symbol, "error", err)
		}
	}

	deadline := time.Now().Add(feedReadyTimeout)
	for time.Now().Before(deadline) {
		c.symbolMu.RLock()
		ready := c.symbol == symbol && c.marketReadyLocked()
		c.symbolMu.RUnlock()
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("market feed for %s not ready after %s", symbol, feedReadyTimeout)
}

// marketReadyLocked requires symbolMu held (read or write).
func (c *Connector) marketReadyLocked() bool {
	if c.symbol == "" {
		return false
	}
	if c.cfg.HasDepthFeed {
		return c.book != nil && c.book.Synced()
	}
	c.bboMu.RLock()
	bbo, ok := c.latestBBO[c.symbol]
	c.bboMu.RUnlock()
	return ok && bbo.Valid()
}

// sendSubscription emits one SUBSCRIBE/UNSUBSCRIBE for a symbol's channels.
func (c *Connector) sendSubscription(method, symbol string) error {
	venueSym := strings.ToLower(c.client.VenueSymbolFormat(symbol))
	params := []string{venueSym + "@bookTicker"}
	if c.cfg.HasDepthFeed {
		params = append(params, venueSym+"@depth")
	}
	params = append(params, venueSym+"@forceOrder")
	return c.writePublicJSON(types.WSSubscribeMsg{
		Method: method,
		Params: params,
		ID:     c.subID.Add(1),
	})
}

// resyncBook refetches a depth snapshot and applies it to the local book.
func (c *Connector) resyncBook(ctx context.Context, symbol string) error {
	snap, err := c.client.FetchDepthSnapshot(ctx, symbol, maxBookLevels)
	if err != nil {
		return fmt.Errorf("fetch depth snapshot: %w", err)
	}
	c.symbolMu.RLock()
	book := c.book
	current := c.symbol
	c.symbolMu.RUnlock()
	if book == nil || current != symbol {
		return nil
	}
	book.ApplySnapshot(snap)
	c.logger.Info("order book synced",
		"symbol", symbol,
		"bids", len(snap.Bids),
		"asks", len(snap.Asks),
		"seq", snap.Seq,
	)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Market data access
// ————————————————————————————————————————————————————————————————————————

// LatestBBO returns the most recent BBO seen for symbol, if any.
func (c *Connector) LatestBBO(symbol string) (types.BBO, bool) {
	c.bboMu.RLock()
	defer c.bboMu.RUnlock()
	bbo, ok := c.latestBBO[symbol]
	return bbo, ok
}

// OrderBookSnapshot exports the current local book, or nil when no market
// feed is active.
func (c *Connector) OrderBookSnapshot() *types.BookSnapshot {
	c.symbolMu.RLock()
	book := c.book
	c.symbolMu.RUnlock()
	if book == nil {
		return nil
	}
	return book.Snapshot()
}

// GetBestLevels proxies to the live book. Returns nils without a feed.
func (c *Connector) GetBestLevels(minNotional float64) (bids, asks []types.PriceLevel) {
	c.symbolMu.RLock()
	book := c.book
	c.symbolMu.RUnlock()
	if book == nil {
		return nil, nil
	}
	return book.GetBestLevels(minNotional)
}

// FetchBBOPrices falls through to the venue's REST surface.
func (c *Connector) FetchBBOPrices(ctx context.Context, symbol string) (types.BBO, error) {
	return c.client.FetchBBOPrices(ctx, symbol)
}

// PositionSnapshot reads the venue's live leg state over REST.
func (c *Connector) PositionSnapshot(ctx context.Context, symbol string) (*types.PositionSnapshot, error) {
	return c.client.GetPositionSnapshot(ctx, symbol)
}

// RegisterBBOListener subscribes id to BBO updates. Registering an existing
// id returns the already-registered channel. Slow listeners lose their oldest
// update rather than blocking the feed.
func (c *Connector) RegisterBBOListener(id string) <-chan types.BBO {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	if ch, ok := c.listeners[id]; ok {
		return ch
	}
	ch := make(chan types.BBO, bboListenerSize)
	c.listeners[id] = ch
	return ch
}

// UnregisterBBOListener removes a listener. Unknown ids are ignored.
func (c *Connector) UnregisterBBOListener(id string) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	if ch, ok := c.listeners[id]; ok {
		delete(c.listeners, id)
		close(ch)
	}
}

func (c *Connector) publishBBO(bbo types.BBO) {
	c.bboMu.Lock()
	c.latestBBO[bbo.Symbol] = bbo
	c.bboMu.Unlock()

	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for id, ch := range c.listeners {
		select {
		case ch <- bbo:
		default:
			// Drop the oldest queued update, then try once more.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- bbo:
			default:
				c.logger.Warn("bbo listener full, dropping update", "listener", id)
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Public feed
// ————————————————————————————————————————————————————————————————————————

func (c *Connector) publicLoop(ctx context.Context, ready *readySignal) {
	backoff := time.Second
	for {
		start := time.Now()
		up := false
		err := c.connectAndReadPublic(ctx, func() { up = true; ready.ok() })
		if ctx.Err() != nil {
			return
		}
		if !up && ready.fail(err) {
			c.logger.Error("public websocket never connected, giving up", "error", err)
			return
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		c.logger.Warn("public websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > publicMaxBackoff {
			backoff = publicMaxBackoff
		}
	}
}

func (c *Connector) connectAndReadPublic(ctx context.Context, onUp func()) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.WSPublicURL, nil)
	if err != nil {
		return fmt.Errorf("dial public: %w", err)
	}

	c.pubConnMu.Lock()
	c.pubConn = conn
	c.pubConnMu.Unlock()
	defer func() {
		c.pubConnMu.Lock()
		conn.Close()
		if c.pubConn == conn {
			c.pubConn = nil
		}
		c.pubConnMu.Unlock()
	}()

	c.symbolMu.RLock()
	symbol := c.symbol
	c.symbolMu.RUnlock()
	if symbol != "" && !c.cfg.ReconnectToSwitch {
		if err := c.sendSubscription("SUBSCRIBE", symbol); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	c.logger.Info("public websocket connected", "symbol", symbol)
	onUp()

	// The book missed deltas while the socket was down.
	if symbol != "" && c.cfg.HasDepthFeed {
		go func() {
			if err := c.resyncBook(ctx, symbol); err != nil {
				c.logger.Warn("post-reconnect resync failed", "symbol", symbol, "error", err)
			}
		}()
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx, c.writePublicMessage)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read public: %w", err)
		}
		c.lastPublicMsg.Store(time.Now().UnixNano())
		c.dispatchPublic(ctx, msg)
	}
}

func (c *Connector) dispatchPublic(ctx context.Context, data []byte) {
	var envelope types.WSEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "bookTicker":
		var evt types.WSBookTicker
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal bookTicker", "error", err)
			return
		}
		symbol := c.client.NormalizeSymbol(evt.Symbol)
		c.publishBBO(types.BBO{
			Symbol:    symbol,
			Bid:       parseFloat(evt.BidPrice),
			Ask:       parseFloat(evt.AskPrice),
			Timestamp: time.UnixMilli(evt.EventTime),
			Seq:       evt.UpdateID,
		})

	case "depthUpdate":
		var evt types.WSDepthUpdate
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal depthUpdate", "error", err)
			return
		}
		symbol := c.client.NormalizeSymbol(evt.Symbol)
		c.symbolMu.RLock()
		book := c.book
		current := c.symbol
		c.symbolMu.RUnlock()
		if book == nil || current != symbol {
			return
		}
		if res := book.ApplyDelta(&evt); res == DeltaGap {
			c.logger.Warn("depth sequence gap, resyncing",
				"symbol", symbol,
				"first_seq", evt.FirstSeq,
				"last_seq", evt.LastSeq,
			)
			go func() {
				if err := c.resyncBook(ctx, symbol); err != nil {
					c.logger.Error("gap resync failed", "symbol", symbol, "error", err)
				}
			}()
		}

	case "forceOrder":
		var evt types.WSForceOrder
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal forceOrder", "error", err)
			return
		}
		liq := types.LiquidationEvent{
			Venue:     c.client.Name(),
			Symbol:    c.client.NormalizeSymbol(evt.Symbol),
			Side:      types.Side(evt.Side),
			Quantity:  mustDecimal(evt.Quantity, "0"),
			Price:     mustDecimal(evt.Price, "0"),
			Timestamp: time.UnixMilli(evt.EventTime),
		}
		select {
		case c.liqCh <- liq:
		default:
			c.logger.Warn("liquidation channel full, dropping event", "symbol", liq.Symbol)
		}

	default:
		c.logger.Debug("unknown public ws event", "type", envelope.EventType)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Private feed
// ————————————————————————————————————————————————————————————————————————

func (c *Connector) privateLoop(ctx context.Context, ready *readySignal) {
	backoff := time.Second
	for {
		start := time.Now()
		up := false
		err := c.connectAndReadPrivate(ctx, func() { up = true; ready.ok() })
		if ctx.Err() != nil {
			return
		}
		if !up && ready.fail(err) {
			c.logger.Error("private websocket never connected, giving up", "error", err)
			return
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		c.logger.Warn("private websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > privateMaxBackoff {
			backoff = privateMaxBackoff
		}
	}
}

func (c *Connector) connectAndReadPrivate(ctx context.Context, onUp func()) error {
	url := c.cfg.WSPrivateURL
	if c.cfg.RequiresListenKey {
		key, err := c.client.CreateListenKey(ctx)
		if err != nil {
			return fmt.Errorf("create listen key: %w", err)
		}
		c.listenKeyMu.Lock()
		c.listenKey = key
		c.keyCreated = time.Now()
		c.listenKeyMu.Unlock()
		url = url + "?listenKey=" + key
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial private: %w", err)
	}

	c.privConnMu.Lock()
	c.privConn = conn
	c.privConnMu.Unlock()
	defer func() {
		c.privConnMu.Lock()
		conn.Close()
		if c.privConn == conn {
			c.privConn = nil
		}
		c.privConnMu.Unlock()
	}()

	c.logger.Info("private websocket connected")
	onUp()

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go c.pingLoop(pingCtx, c.writePrivateMessage)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read private: %w", err)
		}
		c.lastPrivateMsg.Store(time.Now().UnixNano())
		if expired := c.dispatchPrivate(msg); expired {
			return fmt.Errorf("listen key expired")
		}
	}
}

// dispatchPrivate routes one private frame; returns true when the server
// announced listen-key expiry and the stream must be rebuilt.
func (c *Connector) dispatchPrivate(data []byte) bool {
	var envelope types.WSEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("ignoring non-json ws message", "data", string(data))
		return false
	}

	switch envelope.EventType {
	case "orderUpdate":
		var evt types.WSOrderUpdate
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Error("unmarshal orderUpdate", "error", err)
			return false
		}
		evt.Symbol = c.client.NormalizeSymbol(evt.Symbol)
		select {
		case c.orderCh <- evt:
		default:
			c.logger.Warn("order channel full, dropping event", "order_id", evt.OrderID)
		}

	case "listenKeyExpired":
		c.logger.Warn("listen key expired server-side, rebuilding private stream")
		c.listenKeyMu.Lock()
		c.listenKey = ""
		c.listenKeyMu.Unlock()
		return true

	default:
		c.logger.Debug("unknown private ws event", "type", envelope.EventType)
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Watchdog and staleness
// ————————————————————————————————————————————————————————————————————————

func (c *Connector) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if last := c.lastPublicMsg.Load(); last > 0 && now.Sub(time.Unix(0, last)) > maxSilence {
			c.logger.Warn("public stream silent too long, forcing reconnect",
				"silent_for", now.Sub(time.Unix(0, last)))
			c.closePublic()
		}
		if c.cfg.WSPrivateURL != "" {
			if last := c.lastPrivateMsg.Load(); last > 0 && now.Sub(time.Unix(0, last)) > maxSilence {
				c.logger.Warn("private stream silent too long, forcing reconnect",
					"silent_for", now.Sub(time.Unix(0, last)))
				c.closePrivate()
			}
		}

		if c.cfg.RequiresListenKey {
			c.listenKeyMu.Lock()
			key := c.listenKey
			age := now.Sub(c.keyCreated)
			c.listenKeyMu.Unlock()
			if key != "" && age > listenKeyRefresh {
				if err := c.client.KeepAliveListenKey(ctx, key); err != nil {
					c.logger.Warn("listen key keepalive failed, forcing reconnect", "error", err)
					c.closePrivate()
				} else {
					c.listenKeyMu.Lock()
					c.keyCreated = now
					c.listenKeyMu.Unlock()
				}
			}
		}
	}
}

func (c *Connector) stalenessLoop(ctx context.Context) {
	ticker := time.NewTicker(stalenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.symbolMu.RLock()
		symbol := c.symbol
		book := c.book
		c.symbolMu.RUnlock()
		if symbol == "" || book == nil || !c.cfg.HasDepthFeed {
			continue
		}

		switch {
		case book.IsStale(reconnectAfter):
			c.logger.Warn("order book very stale, forcing reconnect",
				"symbol", symbol, "last_update", book.LastUpdated())
			c.closePublic()
		case book.IsStale(resyncAfter):
			c.logger.Warn("order book stale, resyncing",
				"symbol", symbol, "last_update", book.LastUpdated())
			if err := c.resyncBook(ctx, symbol); err != nil {
				c.logger.Error("staleness resync failed", "symbol", symbol, "error", err)
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Socket plumbing
// ————————————————————————————————————————————————————————————————————————

func (c *Connector) pingLoop(ctx context.Context, write func(int, []byte) error) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Connector) writePublicJSON(v interface{}) error {
	c.pubConnMu.Lock()
	defer c.pubConnMu.Unlock()
	if c.pubConn == nil {
		return fmt.Errorf("public websocket not connected")
	}
	c.pubConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.pubConn.WriteJSON(v)
}

func (c *Connector) writePublicMessage(msgType int, data []byte) error {
	c.pubConnMu.Lock()
	defer c.pubConnMu.Unlock()
	if c.pubConn == nil {
		return fmt.Errorf("public websocket not connected")
	}
	c.pubConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.pubConn.WriteMessage(msgType, data)
}

func (c *Connector) writePrivateMessage(msgType int, data []byte) error {
	c.privConnMu.Lock()
	defer c.privConnMu.Unlock()
	if c.privConn == nil {
		return fmt.Errorf("private websocket not connected")
	}
	c.privConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.privConn.WriteMessage(msgType, data)
}

func (c *Connector) closePublic() {
	c.pubConnMu.Lock()
	defer c.pubConnMu.Unlock()
	if c.pubConn != nil {
		c.pubConn.Close()
		c.pubConn = nil
	}
}

func (c *Connector) closePrivate() {
	c.privConnMu.Lock()
	defer c.privConnMu.Unlock()
	if c.privConn != nil {
		c.privConn.Close()
		c.privConn = nil
	}
}
