// Package venue implements the per-venue trading surface: the REST client
// used for order management and snapshots, the streaming connector that keeps
// the private and public WebSocket feeds alive, and the local order book.
//
// The REST client (Client) talks to a Binance-style perp API:
//   - GetContractAttributes:  GET  /exchangeInfo      — contract metadata
//   - FetchBBOPrices:         GET  /ticker/bookTicker — best bid/offer
//   - FetchDepthSnapshot:     GET  /depth             — L2 book snapshot
//   - PlaceLimitOrder etc.:   POST /order             — order placement
//   - GetPositionSnapshot:    GET  /positionRisk      — live leg state
//   - GetUserTradeHistory:    GET  /userTrades        — fills + funding
//   - CreateListenKey:        POST /listenKey         — private stream token
//
// Every request is rate-limited via per-category TokenBuckets, wrapped in a
// circuit breaker, automatically retried on 5xx errors, and signed with the
// venue's HMAC scheme (reads of public endpoints are unsigned).
package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"funding-arb/internal/config"
	"funding-arb/pkg/types"
)

// OrderStatus is a venue's view of one order, used for websocket-loss fallback
// polling and timeout handling.
type OrderStatus struct {
	OrderID      string
	Status       string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, EXPIRED
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	Fee          decimal.Decimal
}

// Filled reports whether the order is completely executed.
func (o OrderStatus) Filled() bool { return o.Status == "FILLED" }

// VenueClient is the capability set every trading venue must provide.
// One implementation per venue; the orchestrator holds a map[name]VenueClient.
type VenueClient interface {
	Name() string

	// Symbol translation. NormalizeSymbol maps a venue-native contract name
	// back to the canonical asset ("BTCUSDT" → "BTC"); VenueSymbolFormat does
	// the inverse. Unformatted strings never cross venue boundaries.
	NormalizeSymbol(venueSymbol string) string
	VenueSymbolFormat(symbol string) string

	GetContractAttributes(ctx context.Context, symbol string) (*types.ContractAttributes, error)
	GetLeverageInfo(ctx context.Context, symbol string) (current, max int, err error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	FetchBBOPrices(ctx context.Context, symbol string) (types.BBO, error)
	FetchDepthSnapshot(ctx context.Context, symbol string, limit int) (*types.BookSnapshot, error)

	PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, qty, price decimal.Decimal, reduceOnly bool, timeInForce string) (string, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, reduceOnly bool) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error)

	GetPositionSnapshot(ctx context.Context, symbol string) (*types.PositionSnapshot, error)
	GetUserTradeHistory(ctx context.Context, symbol string, start, end time.Time, orderID string) ([]types.TradeData, error)

	RoundToStep(symbol string, qty decimal.Decimal) decimal.Decimal
	EstimateLiquidationPrice(symbol string, side types.PositionSide, entryPrice decimal.Decimal, leverage int) decimal.Decimal

	Fees() types.FeeStructure
	FundingIntervalSeconds() int64

	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
}

// Client is the REST implementation of VenueClient for HMAC-authenticated
// perp venues. It wraps a resty HTTP client with rate limiting, a circuit
// breaker, retry, and signing.
type Client struct {
	name   string
	cfg    config.VenueConfig
	http   *resty.Client
	rl     *RateLimiter
	cb     *gobreaker.CircuitBreaker
	dryRun bool
	logger *slog.Logger

	contractsMu sync.RWMutex
	contracts   map[string]*types.ContractAttributes // symbol → cached metadata

	dryRunSeq int64
	dryRunMu  sync.Mutex
}

var _ VenueClient = (*Client)(nil)

// NewClient creates a REST client for one venue.
func NewClient(name string, cfg config.VenueConfig, dryRun bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-KEY", cfg.APIKey)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name + "-rest",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		name:      name,
		cfg:       cfg,
		http:      httpClient,
		rl:        NewRateLimiter(),
		cb:        cb,
		dryRun:    dryRun,
		logger:    logger.With("component", "venue-client", "venue", name),
		contracts: make(map[string]*types.ContractAttributes),
	}
}

// Name returns the venue identifier used throughout the engine.
func (c *Client) Name() string { return c.name }

// Fees returns the venue's maker/taker rates.
func (c *Client) Fees() types.FeeStructure {
	return types.FeeStructure{MakerRate: c.cfg.MakerFeeRate, TakerRate: c.cfg.TakerFeeRate}
}

// FundingIntervalSeconds returns the venue's funding period length.
func (c *Client) FundingIntervalSeconds() int64 { return c.cfg.FundingIntervalS }

// VenueSymbolFormat renders the canonical asset in the venue's contract format.
func (c *Client) VenueSymbolFormat(symbol string) string {
	return strings.Replace(c.cfg.SymbolFormat, "ASSET", strings.ToUpper(symbol), 1)
}

// NormalizeSymbol strips the venue's contract decoration back to the asset.
func (c *Client) NormalizeSymbol(venueSymbol string) string {
	parts := strings.SplitN(c.cfg.SymbolFormat, "ASSET", 2)
	s := strings.ToUpper(venueSymbol)
	s = strings.TrimPrefix(s, strings.ToUpper(parts[0]))
	if len(parts) == 2 {
		s = strings.TrimSuffix(s, strings.ToUpper(parts[1]))
	}
	return s
}

// signedQuery appends timestamp + HMAC-SHA256 signature over the query string.
// The signing input orders keys lexicographically; the server rebuilds the
// same string, so map iteration order must not leak into the signature.
func (c *Client) signedQuery(params map[string]string) map[string]string {
	if params == nil {
		params = make(map[string]string)
	}
	params["timestamp"] = fmt.Sprintf("%d", time.Now().UnixMilli())
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(sb.String()))
	params["signature"] = hex.EncodeToString(mac.Sum(nil))
	return params
}

// do executes a request through the circuit breaker and checks the status code.
func (c *Client) do(fn func() (*resty.Response, error), op string) (*resty.Response, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := fn()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*resty.Response), nil
}

type contractInfoResponse struct {
	Symbol          string `json:"symbol"`
	ContractID      string `json:"contractId"`
	TickSize        string `json:"tickSize"`
	StepSize        string `json:"stepSize"`
	QtyMultiplier   string `json:"contractSize"`
	PriceMultiplier string `json:"priceMultiplier"`
	MinQty          string `json:"minQty"`
	MaxLeverage     int    `json:"maxLeverage"`
}

// GetContractAttributes fetches (and caches) contract metadata for a symbol.
func (c *Client) GetContractAttributes(ctx context.Context, symbol string) (*types.ContractAttributes, error) {
	c.contractsMu.RLock()
	if attrs, ok := c.contracts[symbol]; ok {
		c.contractsMu.RUnlock()
		return attrs, nil
	}
	c.contractsMu.RUnlock()

	if err := c.rl.MarketData.Wait(ctx); err != nil {
		return nil, err
	}

	var result contractInfoResponse
	_, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", c.VenueSymbolFormat(symbol)).
			SetResult(&result).
			Get("/exchangeInfo")
	}, "get contract attributes")
	if err != nil {
		return nil, err
	}

	attrs := &types.ContractAttributes{
		ContractID:      result.ContractID,
		TickSize:        mustDecimal(result.TickSize, "0.01"),
		StepSize:        mustDecimal(result.StepSize, "0.001"),
		QtyMultiplier:   mustDecimal(result.QtyMultiplier, "1"),
		PriceMultiplier: mustDecimal(result.PriceMultiplier, "1"),
		MinQuantity:     mustDecimal(result.MinQty, "0"),
		MaxLeverage:     result.MaxLeverage,
	}
	if attrs.ContractID == "" {
		attrs.ContractID = c.VenueSymbolFormat(symbol)
	}

	c.contractsMu.Lock()
	c.contracts[symbol] = attrs
	c.contractsMu.Unlock()
	return attrs, nil
}

// SeedContractAttributes primes the metadata cache from persisted leg
// metadata so a cold-start close avoids the REST round trip.
func (c *Client) SeedContractAttributes(symbol string, attrs *types.ContractAttributes) {
	c.contractsMu.Lock()
	defer c.contractsMu.Unlock()
	if _, ok := c.contracts[symbol]; !ok {
		c.contracts[symbol] = attrs
	}
}

type leverageResponse struct {
	Leverage    int `json:"leverage"`
	MaxLeverage int `json:"maxLeverage"`
}

// GetLeverageInfo returns the account's current and maximum leverage for a symbol.
func (c *Client) GetLeverageInfo(ctx context.Context, symbol string) (int, int, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return 0, 0, err
	}
	var result leverageResponse
	_, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParams(c.signedQuery(map[string]string{"symbol": c.VenueSymbolFormat(symbol)})).
			SetResult(&result).
			Get("/leverage")
	}, "get leverage info")
	if err != nil {
		return 0, 0, err
	}
	return result.Leverage, result.MaxLeverage, nil
}

// SetLeverage sets the account leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set leverage", "symbol", symbol, "leverage", leverage)
		return nil
	}
	if err := c.rl.Account.Wait(ctx); err != nil {
		return err
	}
	_, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParams(c.signedQuery(map[string]string{
				"symbol":   c.VenueSymbolFormat(symbol),
				"leverage": fmt.Sprintf("%d", leverage),
			})).
			Post("/leverage")
	}, "set leverage")
	return err
}

type bookTickerResponse struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

// FetchBBOPrices fetches the current best bid/offer via REST.
func (c *Client) FetchBBOPrices(ctx context.Context, symbol string) (types.BBO, error) {
	if err := c.rl.MarketData.Wait(ctx); err != nil {
		return types.BBO{}, err
	}
	var result bookTickerResponse
	_, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParam("symbol", c.VenueSymbolFormat(symbol)).
			SetResult(&result).
			Get("/ticker/bookTicker")
	}, "fetch bbo")
	if err != nil {
		return types.BBO{}, err
	}
	return types.BBO{
		Symbol:    symbol,
		Bid:       parseFloat(result.BidPrice),
		Ask:       parseFloat(result.AskPrice),
		Timestamp: time.Now(),
	}, nil
}

type depthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// FetchDepthSnapshot fetches an L2 order book snapshot via REST.
func (c *Client) FetchDepthSnapshot(ctx context.Context, symbol string, limit int) (*types.BookSnapshot, error) {
	if err := c.rl.MarketData.Wait(ctx); err != nil {
		return nil, err
	}
	var result depthResponse
	_, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbol": c.VenueSymbolFormat(symbol),
				"limit":  fmt.Sprintf("%d", limit),
			}).
			SetResult(&result).
			Get("/depth")
	}, "fetch depth")
	if err != nil {
		return nil, err
	}

	snap := &types.BookSnapshot{
		Symbol:    symbol,
		Seq:       result.LastUpdateID,
		Timestamp: time.Now(),
	}
	for _, lvl := range result.Bids {
		snap.Bids = append(snap.Bids, types.PriceLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
	}
	for _, lvl := range result.Asks {
		snap.Asks = append(snap.Asks, types.PriceLevel{Price: parseFloat(lvl[0]), Size: parseFloat(lvl[1])})
	}
	return snap, nil
}

type orderResponse struct {
	OrderID      string `json:"orderId"`
	Status       string `json:"status"`
	ExecutedQty  string `json:"executedQty"`
	AvgFillPrice string `json:"avgPrice"`
	Fee          string `json:"fee"`
}

func (c *Client) placeOrder(ctx context.Context, params map[string]string, op string) (string, error) {
	if c.dryRun {
		c.dryRunMu.Lock()
		c.dryRunSeq++
		id := fmt.Sprintf("dry-run-%s-%d", c.name, c.dryRunSeq)
		c.dryRunMu.Unlock()
		c.logger.Info("DRY-RUN: would place order", "params", params)
		return id, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}
	var result orderResponse
	_, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParams(c.signedQuery(params)).
			SetResult(&result).
			Post("/order")
	}, op)
	if err != nil {
		return "", err
	}
	return result.OrderID, nil
}

// PlaceLimitOrder submits a limit order and returns the venue order ID.
func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side types.Side, qty, price decimal.Decimal, reduceOnly bool, timeInForce string) (string, error) {
	if timeInForce == "" {
		timeInForce = "GTC"
	}
	return c.placeOrder(ctx, map[string]string{
		"symbol":      c.VenueSymbolFormat(symbol),
		"side":        string(side),
		"type":        "LIMIT",
		"quantity":    qty.String(),
		"price":       price.String(),
		"timeInForce": timeInForce,
		"reduceOnly":  fmt.Sprintf("%t", reduceOnly),
	}, "place limit order")
}

// PlaceMarketOrder submits a market order and returns the venue order ID.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal, reduceOnly bool) (string, error) {
	return c.placeOrder(ctx, map[string]string{
		"symbol":     c.VenueSymbolFormat(symbol),
		"side":       string(side),
		"type":       "MARKET",
		"quantity":   qty.String(),
		"reduceOnly": fmt.Sprintf("%t", reduceOnly),
	}, "place market order")
}

// CancelOrder cancels one order on the venue side.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}
	_, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParams(c.signedQuery(map[string]string{
				"symbol":  c.VenueSymbolFormat(symbol),
				"orderId": orderID,
			})).
			Delete("/order")
	}, "cancel order")
	return err
}

// GetOrderStatus polls one order's state. Used as a fallback while the
// private stream is rebuilding.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderStatus, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	var result orderResponse
	_, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParams(c.signedQuery(map[string]string{
				"symbol":  c.VenueSymbolFormat(symbol),
				"orderId": orderID,
			})).
			SetResult(&result).
			Get("/order")
	}, "get order status")
	if err != nil {
		return nil, err
	}
	return &OrderStatus{
		OrderID:      result.OrderID,
		Status:       result.Status,
		FilledQty:    mustDecimal(result.ExecutedQty, "0"),
		AvgFillPrice: mustDecimal(result.AvgFillPrice, "0"),
		Fee:          mustDecimal(result.Fee, "0"),
	}, nil
}

type positionRiskResponse struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	RealizedProfit   string `json:"realizedProfit"`
	FundingAccrued   string `json:"cumFunding"`
	Leverage         int    `json:"leverage,string"`
	IsolatedMargin   string `json:"isolatedMargin"`
	LiquidationPrice string `json:"liquidationPrice"`
}

// GetPositionSnapshot reads the live state of this venue's leg.
func (c *Client) GetPositionSnapshot(ctx context.Context, symbol string) (*types.PositionSnapshot, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	var result positionRiskResponse
	_, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParams(c.signedQuery(map[string]string{"symbol": c.VenueSymbolFormat(symbol)})).
			SetResult(&result).
			Get("/positionRisk")
	}, "get position snapshot")
	if err != nil {
		return nil, err
	}

	qty := mustDecimal(result.PositionAmt, "0")
	side := types.Long
	if qty.IsNegative() {
		side = types.Short
	}
	return &types.PositionSnapshot{
		Symbol:           symbol,
		Side:             side,
		Quantity:         qty,
		EntryPrice:       mustDecimal(result.EntryPrice, "0"),
		MarkPrice:        mustDecimal(result.MarkPrice, "0"),
		UnrealizedPnL:    mustDecimal(result.UnrealizedProfit, "0"),
		RealizedPnL:      mustDecimal(result.RealizedProfit, "0"),
		FundingAccrued:   mustDecimal(result.FundingAccrued, "0"),
		Leverage:         result.Leverage,
		MarginReserved:   mustDecimal(result.IsolatedMargin, "0"),
		LiquidationPrice: mustDecimal(result.LiquidationPrice, "0"),
		Timestamp:        time.Now(),
	}, nil
}

type userTradeResponse struct {
	OrderID         string `json:"orderId"`
	TradeID         string `json:"id"`
	Side            string `json:"side"`
	Qty             string `json:"qty"`
	Price           string `json:"price"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	RealizedPnL     string `json:"realizedPnl"`
	RealizedFunding string `json:"funding"`
	Maker           bool   `json:"maker"`
	Time            int64  `json:"time"`
}

// GetUserTradeHistory lists the account's fills for a symbol in [start, end].
// When orderID is non-empty only that order's fills are returned.
func (c *Client) GetUserTradeHistory(ctx context.Context, symbol string, start, end time.Time, orderID string) ([]types.TradeData, error) {
	if err := c.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	params := map[string]string{
		"symbol":    c.VenueSymbolFormat(symbol),
		"startTime": fmt.Sprintf("%d", start.UnixMilli()),
		"endTime":   fmt.Sprintf("%d", end.UnixMilli()),
	}
	if orderID != "" {
		params["orderId"] = orderID
	}

	var result []userTradeResponse
	_, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParams(c.signedQuery(params)).
			SetResult(&result).
			Get("/userTrades")
	}, "get user trades")
	if err != nil {
		return nil, err
	}

	trades := make([]types.TradeData, 0, len(result))
	for _, t := range result {
		trades = append(trades, types.TradeData{
			OrderID:         t.OrderID,
			TradeID:         t.TradeID,
			Symbol:          symbol,
			Side:            types.Side(t.Side),
			Quantity:        mustDecimal(t.Qty, "0"),
			Price:           mustDecimal(t.Price, "0"),
			Fee:             mustDecimal(t.Commission, "0"),
			FeeCurrency:     t.CommissionAsset,
			RealizedPnL:     mustDecimal(t.RealizedPnL, "0"),
			RealizedFunding: mustDecimal(t.RealizedFunding, "0"),
			Maker:           t.Maker,
			Timestamp:       time.UnixMilli(t.Time),
		})
	}
	return trades, nil
}

// RoundToStep rounds a quantity down to the contract's step size. Falls back
// to the raw quantity when metadata was never fetched.
func (c *Client) RoundToStep(symbol string, qty decimal.Decimal) decimal.Decimal {
	c.contractsMu.RLock()
	attrs, ok := c.contracts[symbol]
	c.contractsMu.RUnlock()
	if !ok || attrs.StepSize.IsZero() {
		return qty
	}
	steps := qty.Div(attrs.StepSize).Floor()
	return steps.Mul(attrs.StepSize)
}

// EstimateLiquidationPrice approximates the post-fill liquidation price under
// the venue's isolated maintenance-margin rule:
//
//	long:  entry × (1 − 1/leverage + mmr)
//	short: entry × (1 + 1/leverage − mmr)
func (c *Client) EstimateLiquidationPrice(symbol string, side types.PositionSide, entryPrice decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 0 || entryPrice.IsZero() {
		return decimal.Zero
	}
	inv := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(leverage)))
	mmr := decimal.NewFromFloat(c.cfg.MaintMarginRate)
	one := decimal.NewFromInt(1)
	if side == types.Long {
		return entryPrice.Mul(one.Sub(inv).Add(mmr))
	}
	return entryPrice.Mul(one.Add(inv).Sub(mmr))
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// CreateListenKey obtains a fresh private-stream access token.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	if !c.cfg.RequiresListenKey {
		return "", nil
	}
	if err := c.rl.Account.Wait(ctx); err != nil {
		return "", err
	}
	var result listenKeyResponse
	_, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetResult(&result).
			Post("/listenKey")
	}, "create listen key")
	if err != nil {
		return "", err
	}
	return result.ListenKey, nil
}

// KeepAliveListenKey extends the token's TTL.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	if !c.cfg.RequiresListenKey || key == "" {
		return nil
	}
	if err := c.rl.Account.Wait(ctx); err != nil {
		return err
	}
	_, err := c.do(func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParam("listenKey", key).
			Put("/listenKey")
	}, "keepalive listen key")
	return err
}

func parseFloat(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

func mustDecimal(s, fallback string) decimal.Decimal {
	if s == "" {
		s = fallback
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		d, _ = decimal.NewFromString(fallback)
	}
	return d
}
