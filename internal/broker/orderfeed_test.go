package broker

import (
	"testing"
	"time"

	"ladder_engine/internal/config"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T) *FillMonitor {
	t.Helper()
	return NewFillMonitor(config.BrokerConfig{
		ClientID:     "client1",
		AccessToken:  config.Secret("token1"),
		OrderFeedURL: "wss://unused.invalid",
	}, testLogger(t))
}

func TestFillMonitorTerminalUpdate(t *testing.T) {
	m := newTestMonitor(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		upd, ok := m.Wait("1001", time.Second)
		assert.True(t, ok)
		assert.Equal(t, int64(50), upd.FilledQty)
		assert.True(t, upd.AvgFillPrice.Equal(decimal.NewFromFloat(101.5)))
	}()

	time.Sleep(20 * time.Millisecond)
	m.handleMessage([]byte(`{"Data":{"orderNo":"1001","status":"TRADED","tradedQty":50,"avgTradedPrice":101.5}}`))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never released")
	}
}

func TestFillMonitorLateWaiterSeesLastUpdate(t *testing.T) {
	m := newTestMonitor(t)
	m.handleMessage([]byte(`{"orderId":"2002","orderStatus":"EXECUTED","filled_qty":10,"avg_price":"99.25"}`))

	upd, ok := m.Wait("2002", 10*time.Millisecond)
	require.True(t, ok, "terminal update recorded before Wait must be returned")
	assert.Equal(t, "EXECUTED", upd.Status)
	assert.Equal(t, int64(10), upd.FilledQty)
}

func TestFillMonitorNonTerminalDoesNotRelease(t *testing.T) {
	m := newTestMonitor(t)
	m.handleMessage([]byte(`{"orderNo":"3003","status":"PENDING","tradedQty":0}`))

	_, ok := m.Wait("3003", 30*time.Millisecond)
	assert.False(t, ok, "non-terminal status must not satisfy Wait")
}

func TestFillMonitorTimeout(t *testing.T) {
	m := newTestMonitor(t)

	start := time.Now()
	_, ok := m.Wait("9999", 50*time.Millisecond)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFillMonitorIgnoresGarbage(t *testing.T) {
	m := newTestMonitor(t)
	m.handleMessage([]byte("not json"))
	m.handleMessage([]byte(`{"no_order_field":true}`))
}
