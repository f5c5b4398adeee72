// Package alert fans risk events out to operator channels (Slack, Telegram).
// Delivery is asynchronous and best-effort: alerting must never slow the
// trading path down.
package alert

import (
	"context"
	"strconv"
	"sync"
	"time"

	"ladder_engine/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Critical Level = "CRITICAL"
)

// Payload is one alert event.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers alerts to one destination.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager broadcasts alerts to every registered channel.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{logger: logger.WithField("component", "alerts")}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Alert channel registered", "name", ch.Name())
}

// Notify sends the alert to all channels without waiting for delivery.
func (m *Manager) Notify(ctx context.Context, level Level, title, message string, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				m.logger.Error("Alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// TradingHalted reports a global exit or emergency halt.
func (m *Manager) TradingHalted(reason, pnl string) {
	m.Notify(context.Background(), Critical, "Trading halted", reason, map[string]string{
		"global_pnl": pnl,
	})
}

// SessionClosed reports the end-of-day square-off.
func (m *Manager) SessionClosed(openPositions int) {
	m.Notify(context.Background(), Info, "Session closed", "Squaring off open positions", map[string]string{
		"open_positions": strconv.Itoa(openPositions),
	})
}

// OrderFailed reports a rejected or failed ladder order.
func (m *Manager) OrderFailed(symbol, reason string) {
	m.Notify(context.Background(), Warning, "Order failed", reason, map[string]string{
		"symbol": symbol,
	})
}
