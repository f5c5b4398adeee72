package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ladder_engine/internal/config"
	"ladder_engine/internal/core"
	"ladder_engine/pkg/telemetry"
	"ladder_engine/pkg/websocket"

	gws "github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Connection states for logging and metrics.
const (
	stateDisconnected = "DISCONNECTED"
	stateConnecting   = "CONNECTING"
	stateConnected    = "CONNECTED"
	stateBackoff      = "BACKOFF"
	stateStopped      = "STOPPED"
)

// Fatal feed error codes. Reconnecting cannot help for these; the session has
// to be fixed by the operator (expired token, invalid client, plan limits).
var fatalFeedCodes = map[int]string{
	806: "data subscription not active",
	807: "access token expired",
	808: "invalid client id",
	809: "authentication failed",
}

// MarketFeed streams live ticks over the broker websocket and invokes a
// synchronous callback per tick. Implements core.IMarketFeed.
type MarketFeed struct {
	url      string
	token    config.Secret
	clientID string
	resolver core.ISymbolResolver
	logger   core.ILogger

	pingInterval time.Duration
	pongWait     time.Duration

	mu      sync.Mutex
	client  *websocket.Client
	onTick  core.TickHandler
	ids     []int64
	state   string
	stopped bool

	// Unknown payload shapes are logged at most a few times per interval so a
	// misbehaving upstream cannot flood the log.
	unknownLog *rate.Limiter
}

// NewMarketFeed builds a feed for the configured websocket endpoint.
func NewMarketFeed(cfg config.FeedConfig, broker config.BrokerConfig, resolver core.ISymbolResolver, logger core.ILogger) *MarketFeed {
	return &MarketFeed{
		url:          cfg.URL,
		token:        broker.AccessToken,
		clientID:     broker.ClientID,
		resolver:     resolver,
		logger:       logger.WithField("component", "market_feed"),
		pingInterval: time.Duration(cfg.PingIntervalSeconds) * time.Second,
		pongWait:     time.Duration(cfg.PongWaitSeconds) * time.Second,
		state:        stateDisconnected,
		unknownLog:   rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Subscribe resolves the symbols, connects and starts streaming ticks to
// onTick. The callback runs on the feed's read goroutine; keep it fast.
func (f *MarketFeed) Subscribe(symbols []string, onTick core.TickHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.client != nil {
		return fmt.Errorf("market feed already subscribed")
	}
	// A stopped feed is resubscribable: the engine restarts within the same
	// process and builds a fresh connection.
	f.stopped = false

	ids := make([]int64, 0, len(symbols))
	skipped := 0
	for _, sym := range symbols {
		id, ok := f.resolver.Resolve(sym)
		if !ok {
			skipped++
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return fmt.Errorf("no resolvable symbols to subscribe (%d requested)", len(symbols))
	}
	if skipped > 0 {
		f.logger.Warn("Some symbols could not be resolved for the feed", "skipped", skipped)
	}

	f.onTick = onTick
	f.ids = ids
	f.setState(stateConnecting)

	url := fmt.Sprintf("%s?version=2&token=%s&clientId=%s&authType=2", f.url, f.token.Reveal(), f.clientID)
	client := websocket.NewClient(url, f.handleMessage, websocket.DefaultBackoff, f.logger)
	if f.pingInterval > 0 {
		client.SetPingConfig(f.pingInterval, 10*time.Second, f.pongWait)
	}
	client.SetHardErrorClassifier(isHardConnectError)
	client.SetOnConnected(func() {
		f.setState(stateConnected)
		telemetry.GetGlobalMetrics().FeedReconnects.Add(context.Background(), 1)
		f.sendSubscription(client)
	})
	f.client = client
	client.Start()
	return nil
}

// Stop closes the feed connection. Idempotent.
func (f *MarketFeed) Stop() {
	f.mu.Lock()
	client := f.client
	f.client = nil
	f.stopped = true
	f.setState(stateStopped)
	f.mu.Unlock()

	if client != nil {
		client.Stop()
	}
}

func (f *MarketFeed) setState(state string) {
	if f.state != state {
		f.logger.Info("Feed state change", "from", f.state, "to", state)
		f.state = state
	}
}

func (f *MarketFeed) sendSubscription(client *websocket.Client) {
	f.mu.Lock()
	ids := f.ids
	f.mu.Unlock()

	// The upstream caps instruments per subscribe request.
	const batch = 100
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		instruments := make([]map[string]interface{}, 0, end-start)
		for _, id := range ids[start:end] {
			instruments = append(instruments, map[string]interface{}{
				"ExchangeSegment": "NSE_EQ",
				"SecurityId":      fmt.Sprintf("%d", id),
			})
		}
		msg := map[string]interface{}{
			"RequestCode":     15,
			"InstrumentCount": len(instruments),
			"InstrumentList":  instruments,
		}
		if err := client.Send(msg); err != nil {
			f.logger.Error("Feed subscription send failed", "error", err, "batch_start", start)
			return
		}
	}
	f.logger.Info("Feed subscription sent", "instruments", len(ids))
}

func (f *MarketFeed) handleMessage(message []byte) {
	tick, code, ok := parseTick(message)
	if code != 0 {
		if reason, fatal := fatalFeedCodes[code]; fatal {
			f.logger.Error("Fatal feed error, stopping feed", "code", code, "reason", reason)
			// Stop must not run on the read goroutine or it joins itself.
			go f.Stop()
			return
		}
		f.logger.Warn("Feed error frame", "code", code)
		return
	}
	if !ok {
		if f.unknownLog.Allow() {
			f.logger.Warn("Unrecognized feed payload", "sample", truncate(string(message), 200))
		}
		return
	}

	symbol, resolved := f.resolver.SymbolFor(tick.SecurityID)
	if !resolved {
		return
	}

	f.mu.Lock()
	onTick := f.onTick
	stopped := f.stopped
	f.mu.Unlock()
	if stopped || onTick == nil {
		return
	}

	start := time.Now()
	onTick(symbol, tick.LTP, tick.Volume)
	m := telemetry.GetGlobalMetrics()
	m.TicksTotal.Add(context.Background(), 1)
	m.TickLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()))
}

// isHardConnectError classifies connection failures that deserve the long
// backoff class: the server refusing for capacity (too many connections) or
// rate limiting the handshake.
func isHardConnectError(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := err.(*gws.CloseError); ok && ce.Code == 805 {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "805")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
