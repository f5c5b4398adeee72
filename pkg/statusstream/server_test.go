package statusstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ladder_engine/pkg/logging"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, cfg ServerConfig) (*Server, *Hub, *httptest.Server) {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	srv := NewServer(hub, cfg, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, hub, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialViewer(t *testing.T, ts *httptest.Server, origin string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerStreamsBroadcasts(t *testing.T) {
	_, hub, ts := testServer(t, ServerConfig{AllowedOrigins: []string{"*"}})

	conn := dialViewer(t, ts, "http://localhost")
	require.Eventually(t, func() bool { return hub.ViewerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(NewMessage(TypeSnapshot, []map[string]string{{"symbol": "RELIANCE"}}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeSnapshot, msg.Type)
	assert.NotZero(t, msg.At)
}

func TestServerRejectsMissingOrigin(t *testing.T) {
	_, _, ts := testServer(t, ServerConfig{AllowedOrigins: []string{"*"}})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServerHonorsOriginAllowlist(t *testing.T) {
	_, hub, ts := testServer(t, ServerConfig{AllowedOrigins: []string{"http://dashboard.local"}})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	dialViewer(t, ts, "http://dashboard.local")
	require.Eventually(t, func() bool { return hub.ViewerCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerEnforcesConnectionCap(t *testing.T) {
	_, hub, ts := testServer(t, ServerConfig{
		AllowedOrigins:    []string{"*"},
		MaxConnections:    1,
		ConnectionsPerSec: 100,
		Burst:             100,
	})

	dialViewer(t, ts, "http://localhost")
	require.Eventually(t, func() bool { return hub.ViewerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), http.Header{"Origin": []string{"http://localhost"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServerRateLimitsPerIP(t *testing.T) {
	_, _, ts := testServer(t, ServerConfig{
		AllowedOrigins:    []string{"*"},
		MaxConnections:    100,
		ConnectionsPerSec: 0.001,
		Burst:             1,
	})

	dialViewer(t, ts, "http://localhost")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), http.Header{"Origin": []string{"http://localhost"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealthEndpointReportsViewers(t *testing.T) {
	_, hub, ts := testServer(t, ServerConfig{AllowedOrigins: []string{"*"}})

	dialViewer(t, ts, "http://localhost")
	require.Eventually(t, func() bool { return hub.ViewerCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["viewers"])
}
