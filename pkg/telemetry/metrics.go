package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTicksTotal         = "ladder_ticks_total"
	MetricTickLatency        = "ladder_tick_latency_ms"
	MetricOrderLatency       = "ladder_order_latency_ms"
	MetricOrdersPlacedTotal  = "ladder_orders_placed_total"
	MetricOrdersFailedTotal  = "ladder_orders_failed_total"
	MetricTasksCancelled     = "ladder_tasks_cancelled_total"
	MetricQueueRejections    = "ladder_queue_rejections_total"
	MetricFeedReconnects     = "ladder_feed_reconnects_total"
	MetricRatePenaltiesTotal = "ladder_rate_penalties_total"
	MetricPnLUnrealized      = "ladder_pnl_unrealized"
	MetricPnLGlobal          = "ladder_pnl_global"
	MetricActiveLadders      = "ladder_active_positions"
	MetricTradingHalted      = "ladder_trading_halted"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	TicksTotal         metric.Int64Counter
	TickLatency        metric.Float64Histogram
	OrderLatency       metric.Float64Histogram
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFailedTotal  metric.Int64Counter
	TasksCancelled     metric.Int64Counter
	QueueRejections    metric.Int64Counter
	FeedReconnects     metric.Int64Counter
	RatePenaltiesTotal metric.Int64Counter
	PnLUnrealized      metric.Float64ObservableGauge
	PnLGlobal          metric.Float64ObservableGauge
	ActiveLadders      metric.Int64ObservableGauge
	TradingHalted      metric.Int64ObservableGauge

	// State for observable gauges
	mu               sync.RWMutex
	unrealizedPnLMap map[string]float64
	pnlGlobal        float64
	activeLadders    int64
	tradingHalted    int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			unrealizedPnLMap: make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TicksTotal, err = meter.Int64Counter(MetricTicksTotal, metric.WithDescription("Total quote ticks processed"))
	if err != nil {
		return err
	}

	m.TickLatency, err = meter.Float64Histogram(MetricTickLatency, metric.WithDescription("Tick handling latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrderLatency, err = meter.Float64Histogram(MetricOrderLatency, metric.WithDescription("Broker order round-trip latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed"))
	if err != nil {
		return err
	}

	m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal, metric.WithDescription("Total orders rejected or failed"))
	if err != nil {
		return err
	}

	m.TasksCancelled, err = meter.Int64Counter(MetricTasksCancelled, metric.WithDescription("Order tasks voided by generation mismatch"))
	if err != nil {
		return err
	}

	m.QueueRejections, err = meter.Int64Counter(MetricQueueRejections, metric.WithDescription("Order tasks rejected by queue backpressure"))
	if err != nil {
		return err
	}

	m.FeedReconnects, err = meter.Int64Counter(MetricFeedReconnects, metric.WithDescription("Market feed reconnect attempts"))
	if err != nil {
		return err
	}

	m.RatePenaltiesTotal, err = meter.Int64Counter(MetricRatePenaltiesTotal, metric.WithDescription("Server-signaled rate-limit penalties applied"))
	if err != nil {
		return err
	}

	// Observables
	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Unrealized PnL per instrument"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLGlobal, err = meter.Float64ObservableGauge(MetricPnLGlobal, metric.WithDescription("Portfolio-wide unrealized PnL"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.pnlGlobal)
			return nil
		}))
	if err != nil {
		return err
	}

	m.ActiveLadders, err = meter.Int64ObservableGauge(MetricActiveLadders, metric.WithDescription("Instruments with an open ladder position"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.activeLadders)
			return nil
		}))
	if err != nil {
		return err
	}

	m.TradingHalted, err = meter.Int64ObservableGauge(MetricTradingHalted, metric.WithDescription("Trading halt state (1=halted, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.tradingHalted)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetGlobalPnL(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pnlGlobal = value
}

func (m *MetricsHolder) SetActiveLadders(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeLadders = count
}

func (m *MetricsHolder) SetTradingHalted(halted bool) {
	val := int64(0)
	if halted {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradingHalted = val
}

func (m *MetricsHolder) GetGlobalPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pnlGlobal
}
