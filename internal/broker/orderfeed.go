package broker

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"ladder_engine/internal/config"
	"ladder_engine/internal/core"
	"ladder_engine/pkg/websocket"
)

// FillMonitor subscribes to the broker's order-update websocket and lets an
// order worker wait for the terminal update of a specific order instead of
// polling the positions endpoint.
type FillMonitor struct {
	client *websocket.Client
	logger core.ILogger

	clientID string
	token    config.Secret

	mu      sync.Mutex
	waiters map[string]chan core.OrderUpdate
	last    map[string]core.OrderUpdate
}

type orderFeedLogin struct {
	LoginReq struct {
		MsgCode  int    `json:"MsgCode"`
		ClientId string `json:"ClientId"`
		Token    string `json:"Token"`
	} `json:"LoginReq"`
	UserType string `json:"UserType"`
}

// NewFillMonitor creates a monitor for the given order-update endpoint.
// Start must be called before the first Wait.
func NewFillMonitor(cfg config.BrokerConfig, logger core.ILogger) *FillMonitor {
	m := &FillMonitor{
		logger:   logger.WithField("component", "fill_monitor"),
		clientID: cfg.ClientID,
		token:    cfg.AccessToken,
		waiters:  make(map[string]chan core.OrderUpdate),
		last:     make(map[string]core.OrderUpdate),
	}
	m.client = websocket.NewClient(cfg.OrderFeedURL, m.handleMessage, websocket.DefaultBackoff, logger)
	m.client.SetOnConnected(m.authenticate)
	return m
}

// Start opens the websocket connection in the background.
func (m *FillMonitor) Start() {
	m.client.Start()
}

// Stop closes the connection and releases all waiters.
func (m *FillMonitor) Stop() {
	m.client.Stop()
	m.mu.Lock()
	for id, ch := range m.waiters {
		close(ch)
		delete(m.waiters, id)
	}
	m.mu.Unlock()
}

func (m *FillMonitor) authenticate() {
	var login orderFeedLogin
	login.LoginReq.MsgCode = 42
	login.LoginReq.ClientId = m.clientID
	login.LoginReq.Token = m.token.Reveal()
	login.UserType = "SELF"
	if err := m.client.Send(login); err != nil {
		m.logger.Error("Order feed authentication send failed", "error", err)
	}
}

// Wait blocks until a terminal update for orderID arrives or the timeout
// elapses. Returns ok=false on timeout so the caller can fall back to
// position polling.
func (m *FillMonitor) Wait(orderID string, timeout time.Duration) (core.OrderUpdate, bool) {
	m.mu.Lock()
	if upd, ok := m.last[orderID]; ok && isTerminalOrderStatus(upd.Status) {
		m.mu.Unlock()
		return upd, true
	}
	ch, ok := m.waiters[orderID]
	if !ok {
		ch = make(chan core.OrderUpdate, 1)
		m.waiters[orderID] = ch
	}
	m.mu.Unlock()

	select {
	case upd, open := <-ch:
		if !open {
			return core.OrderUpdate{}, false
		}
		return upd, true
	case <-time.After(timeout):
		m.mu.Lock()
		delete(m.waiters, orderID)
		m.mu.Unlock()
		return core.OrderUpdate{}, false
	}
}

func (m *FillMonitor) handleMessage(message []byte) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(message, &payload); err != nil {
		m.logger.Debug("Ignoring non-JSON order feed frame", "size", len(message))
		return
	}

	for _, key := range []string{"Data", "data", "OrderAlert"} {
		if raw, ok := payload[key]; ok {
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(raw, &inner); err == nil {
				payload = inner
			}
		}
	}

	orderID := pickString(payload, "orderNo", "OrderNo", "orderId", "order_id")
	if orderID == "" {
		return
	}

	upd := core.OrderUpdate{
		OrderID:      orderID,
		Status:       strings.ToUpper(pickString(payload, "status", "Status", "orderStatus")),
		FilledQty:    pickInt(payload, "tradedQty", "TradedQty", "filledQty", "filled_qty"),
		AvgFillPrice: pickDecimal(payload, "avgTradedPrice", "AvgTradedPrice", "tradedPrice", "avg_price"),
	}

	m.mu.Lock()
	m.last[orderID] = upd
	if isTerminalOrderStatus(upd.Status) {
		if ch, ok := m.waiters[orderID]; ok {
			ch <- upd
			delete(m.waiters, orderID)
		}
	}
	m.mu.Unlock()
}

func isTerminalOrderStatus(status string) bool {
	switch status {
	case "TRADED", "EXECUTED", "FILLED", "REJECTED", "CANCELLED":
		return true
	}
	return false
}
