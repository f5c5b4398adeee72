package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ladder_engine/internal/config"
	"ladder_engine/internal/core"
	apperrors "ladder_engine/pkg/errors"
	pkghttp "ladder_engine/pkg/http"
	"ladder_engine/pkg/retry"
	"ladder_engine/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	exchangeSegment = "NSE_EQ"
	productIntraday = "INTRADAY"

	// Historical/snapshot retry bounds.
	historicalMaxAttempts = 12
	snapshotMaxAttempts   = 6
	snapshotBatchSize     = 100

	// Server rate-limit penalty: 60s cooldown at 70% of the current rate,
	// floored at 0.5 rps.
	penaltyCooldown = 60 * time.Second
	penaltyFloor    = 0.5
	penaltyFactor   = 0.7

	// Bounds for the per-request token wait.
	acquireRetries = 10
	acquireWait    = 30 * time.Second
)

// headerSigner attaches the access-token/client-id headers the API expects.
type headerSigner struct {
	accessToken config.Secret
	clientID    string
}

func (s *headerSigner) SignRequest(req *http.Request) error {
	req.Header.Set("access-token", s.accessToken.Reveal())
	req.Header.Set("client-id", s.clientID)
	return nil
}

// Client is the rate-limited REST broker transport.
type Client struct {
	http     *pkghttp.Client
	limiter  *RateLimiter
	resolver core.ISymbolResolver
	clientID string
	logger   core.ILogger
}

// NewClient creates a broker client. All calls pass through the shared limiter.
func NewClient(cfg config.BrokerConfig, limiter *RateLimiter, resolver core.ISymbolResolver, logger core.ILogger) *Client {
	signer := &headerSigner{accessToken: cfg.AccessToken, clientID: cfg.ClientID}
	return &Client{
		http:     pkghttp.NewClient(cfg.BaseURL, time.Duration(cfg.TimeoutSeconds)*time.Second, signer),
		limiter:  limiter,
		resolver: resolver,
		clientID: cfg.ClientID,
		logger:   logger.WithField("component", "broker_client"),
	}
}

// Limiter exposes the shared rate limiter for out-of-band callers.
func (c *Client) Limiter() *RateLimiter {
	return c.limiter
}

type orderRequest struct {
	DhanClientID    string `json:"dhanClientId"`
	CorrelationID   string `json:"correlationId"`
	TransactionType string `json:"transactionType"`
	ExchangeSegment string `json:"exchangeSegment"`
	ProductType     string `json:"productType"`
	OrderType       string `json:"orderType"`
	SecurityID      string `json:"securityId"`
	Quantity        int64  `json:"quantity"`
}

type orderResponse struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

// PlaceMarketOrder submits an intraday market order. Broker rejections come
// back wrapping apperrors.ErrOrderRejected.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side core.Side, qty int64) (core.OrderResult, error) {
	securityID, ok := c.resolver.Resolve(symbol)
	if !ok {
		return core.OrderResult{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	if qty <= 0 {
		return core.OrderResult{}, fmt.Errorf("%w: quantity %d", apperrors.ErrOrderRejected, qty)
	}

	if !c.limiter.Acquire(acquireRetries, acquireWait) {
		return core.OrderResult{}, apperrors.ErrRateLimitExceeded
	}
	if err := c.limiter.AcquireConnection(ctx); err != nil {
		return core.OrderResult{}, err
	}
	defer c.limiter.ReleaseConnection()

	correlationID := uuid.NewString()
	start := time.Now()
	body, err := c.http.Post(ctx, "/orders", orderRequest{
		DhanClientID:    c.clientID,
		CorrelationID:   correlationID,
		TransactionType: string(side),
		ExchangeSegment: exchangeSegment,
		ProductType:     productIntraday,
		OrderType:       "MARKET",
		SecurityID:      strconv.FormatInt(securityID, 10),
		Quantity:        qty,
	})
	telemetry.GetGlobalMetrics().OrderLatency.Record(ctx, float64(time.Since(start).Milliseconds()))

	if err != nil {
		if isRateLimited(err) {
			c.applyPenalty()
			return core.OrderResult{}, fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
		}
		var apiErr *pkghttp.APIError
		if errors.As(err, &apiErr) {
			return core.OrderResult{}, fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, strings.TrimSpace(string(apiErr.Body)))
		}
		return core.OrderResult{}, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	if strings.EqualFold(resp.OrderStatus, "REJECTED") {
		return core.OrderResult{}, fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, string(body))
	}

	telemetry.GetGlobalMetrics().OrdersPlacedTotal.Add(ctx, 1)
	c.logger.Info("Order accepted",
		"order_id", resp.OrderID, "correlation_id", correlationID, "symbol", symbol, "side", side, "qty", qty)
	return core.OrderResult{OrderID: resp.OrderID, Status: resp.OrderStatus}, nil
}

// Positions returns the intraday position snapshot, tolerating the several
// field spellings the API has used.
func (c *Client) Positions(ctx context.Context) ([]core.PositionRow, error) {
	if !c.limiter.Acquire(acquireRetries, acquireWait) {
		return nil, apperrors.ErrRateLimitExceeded
	}
	if err := c.limiter.AcquireConnection(ctx); err != nil {
		return nil, err
	}
	defer c.limiter.ReleaseConnection()

	body, err := c.http.Get(ctx, "/positions", nil)
	if err != nil {
		if isRateLimited(err) {
			c.applyPenalty()
			return nil, fmt.Errorf("%w: %v", apperrors.ErrRateLimitExceeded, err)
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		// Some responses wrap the list in a data field.
		var wrapped struct {
			Data []map[string]json.RawMessage `json:"data"`
		}
		if err2 := json.Unmarshal(body, &wrapped); err2 != nil {
			return nil, fmt.Errorf("decode positions: %w", err)
		}
		raw = wrapped.Data
	}

	rows := make([]core.PositionRow, 0, len(raw))
	for _, rec := range raw {
		row := core.PositionRow{
			Symbol:  pickString(rec, "tradingSymbol", "trading_symbol", "symbol"),
			BuyQty:  pickInt(rec, "buyQty", "buy_qty", "totalBuyQty"),
			SellQty: pickInt(rec, "sellQty", "sell_qty", "totalSellQty"),
			BuyAvg:  pickDecimal(rec, "buyAvg", "buy_avg", "avgCostPrice"),
			SellAvg: pickDecimal(rec, "sellAvg", "sell_avg"),
		}
		if row.Symbol == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

type historicalResponse struct {
	Open      []float64 `json:"open"`
	High      []float64 `json:"high"`
	Low       []float64 `json:"low"`
	Close     []float64 `json:"close"`
	Volume    []float64 `json:"volume"`
	Timestamp []int64   `json:"timestamp"`
}

// HistoricalDaily fetches daily candles with capped exponential backoff,
// distinguishing server rate limiting (long cooldown plus limiter penalty)
// from generic transport errors (short doubling backoff).
func (c *Client) HistoricalDaily(ctx context.Context, symbol string, days int) ([]core.Candle, error) {
	securityID, ok := c.resolver.Resolve(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	to := time.Now()
	from := to.AddDate(0, 0, -days)
	payload := map[string]interface{}{
		"securityId":      strconv.FormatInt(securityID, 10),
		"exchangeSegment": exchangeSegment,
		"instrument":      "EQUITY",
		"fromDate":        from.Format("2006-01-02"),
		"toDate":          to.Format("2006-01-02"),
	}

	backoff := retry.Backoff{Base: 2 * time.Second, Cap: 20 * time.Second}
	var lastErr error

	for attempt := 1; attempt <= historicalMaxAttempts; attempt++ {
		body, err := c.throttledPost(ctx, "/charts/historical", payload)
		if err == nil {
			var resp historicalResponse
			if derr := json.Unmarshal(body, &resp); derr != nil {
				return nil, fmt.Errorf("decode historical response: %w", derr)
			}
			return candlesFrom(resp), nil
		}
		lastErr = err

		var wait time.Duration
		if isRateLimited(err) {
			c.applyPenalty()
			wait = penaltyCooldown
			c.logger.Warn("Historical data rate-limited, cooling down",
				"symbol", symbol, "attempt", attempt, "wait", wait.String())
		} else {
			wait = backoff.Next()
			c.logger.Warn("Historical data fetch failed, retrying",
				"symbol", symbol, "attempt", attempt, "wait", wait.String(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, fmt.Errorf("historical data for %s failed after %d attempts: %w", symbol, historicalMaxAttempts, lastErr)
}

// OhlcSnapshot fetches REST quotes for the symbols in batches.
func (c *Client) OhlcSnapshot(ctx context.Context, symbols []string) (map[string]core.Quote, error) {
	out := make(map[string]core.Quote, len(symbols))

	for start := 0; start < len(symbols); start += snapshotBatchSize {
		end := start + snapshotBatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		if err := c.snapshotBatch(ctx, symbols[start:end], out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (c *Client) snapshotBatch(ctx context.Context, symbols []string, out map[string]core.Quote) error {
	ids := make([]int64, 0, len(symbols))
	idToSymbol := make(map[int64]string, len(symbols))
	for _, sym := range symbols {
		id, ok := c.resolver.Resolve(sym)
		if !ok {
			continue
		}
		ids = append(ids, id)
		idToSymbol[id] = sym
	}
	if len(ids) == 0 {
		return nil
	}

	payload := map[string][]int64{exchangeSegment: ids}
	backoff := retry.Backoff{Base: 2 * time.Second, Cap: 20 * time.Second}
	var lastErr error

	for attempt := 1; attempt <= snapshotMaxAttempts; attempt++ {
		body, err := c.throttledPost(ctx, "/marketfeed/ohlc", payload)
		if err == nil {
			return decodeSnapshot(body, idToSymbol, out)
		}
		lastErr = err

		var wait time.Duration
		if isRateLimited(err) {
			c.applyPenalty()
			wait = penaltyCooldown
		} else {
			wait = backoff.Next()
		}
		c.logger.Warn("OHLC snapshot fetch failed, retrying",
			"attempt", attempt, "wait", wait.String(), "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("ohlc snapshot failed after %d attempts: %w", snapshotMaxAttempts, lastErr)
}

func (c *Client) throttledPost(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	if !c.limiter.Acquire(acquireRetries, acquireWait) {
		return nil, apperrors.ErrRateLimitExceeded
	}
	if err := c.limiter.AcquireConnection(ctx); err != nil {
		return nil, err
	}
	defer c.limiter.ReleaseConnection()
	return c.http.Post(ctx, path, payload)
}

func (c *Client) applyPenalty() {
	rate := c.limiter.EffectiveRate()
	penaltyRPS := rate * penaltyFactor
	if penaltyRPS < penaltyFloor {
		penaltyRPS = penaltyFloor
	}
	c.limiter.Penalize(penaltyCooldown, penaltyRPS)
}

func decodeSnapshot(body []byte, idToSymbol map[int64]string, out map[string]core.Quote) error {
	var resp struct {
		Data map[string]map[string]struct {
			LastPrice float64 `json:"last_price"`
			Volume    int64   `json:"volume"`
			Ohlc      struct {
				Open  float64 `json:"open"`
				Close float64 `json:"close"`
			} `json:"ohlc"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode ohlc snapshot: %w", err)
	}

	for _, bySecurity := range resp.Data {
		for idStr, quote := range bySecurity {
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				continue
			}
			sym, ok := idToSymbol[id]
			if !ok {
				continue
			}
			out[sym] = core.Quote{
				LTP:       decimal.NewFromFloat(quote.LastPrice),
				PrevClose: decimal.NewFromFloat(quote.Ohlc.Close),
				Volume:    quote.Volume,
			}
		}
	}
	return nil
}

func candlesFrom(resp historicalResponse) []core.Candle {
	n := len(resp.Close)
	candles := make([]core.Candle, 0, n)
	for i := 0; i < n; i++ {
		c := core.Candle{Close: decimal.NewFromFloat(resp.Close[i])}
		if i < len(resp.Open) {
			c.Open = decimal.NewFromFloat(resp.Open[i])
		}
		if i < len(resp.High) {
			c.High = decimal.NewFromFloat(resp.High[i])
		}
		if i < len(resp.Low) {
			c.Low = decimal.NewFromFloat(resp.Low[i])
		}
		if i < len(resp.Volume) {
			c.Volume = int64(resp.Volume[i])
		}
		if i < len(resp.Timestamp) {
			c.Timestamp = time.Unix(resp.Timestamp[i], 0)
		}
		candles = append(candles, c)
	}
	return candles
}

// isRateLimited reports whether an error is a server-signaled rate limit:
// HTTP 429, error code DH-904, or an errorType containing RATE_LIMIT.
func isRateLimited(err error) bool {
	var apiErr *pkghttp.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusTooManyRequests {
		return true
	}

	var parsed struct {
		ErrorType string `json:"errorType"`
		ErrorCode string `json:"errorCode"`
	}
	if jerr := json.Unmarshal(apiErr.Body, &parsed); jerr == nil {
		if strings.EqualFold(strings.TrimSpace(parsed.ErrorCode), "DH-904") {
			return true
		}
		if strings.Contains(strings.ToUpper(parsed.ErrorType), "RATE_LIMIT") {
			return true
		}
	}
	return false
}

func pickString(rec map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := rec[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return ""
}

func pickInt(rec map[string]json.RawMessage, keys ...string) int64 {
	for _, k := range keys {
		raw, ok := rec[k]
		if !ok {
			continue
		}
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			return n
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return int64(f)
		}
	}
	return 0
}

func pickDecimal(rec map[string]json.RawMessage, keys ...string) decimal.Decimal {
	for _, k := range keys {
		raw, ok := rec[k]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return decimal.NewFromFloat(f)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if d, derr := decimal.NewFromString(s); derr == nil {
				return d
			}
		}
	}
	return decimal.Zero
}
