package statusstream

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"ladder_engine/internal/core"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var (
	viewerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "status_stream_viewers",
		Help: "Connected status stream viewers",
	})
	viewerRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "status_stream_rejected_total",
		Help: "Rejected status stream connection attempts",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(viewerConnections, viewerRejections)
}

const (
	writeDeadline = 10 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 54 * time.Second
)

// Server serves the /ws status stream and a /health endpoint. Connections
// pass an origin allowlist, a per-IP rate limit and a global connection cap
// before the upgrade.
type Server struct {
	hub    *Hub
	logger core.ILogger

	allowedOrigins []string
	upgrader       websocket.Upgrader

	connSemaphore chan struct{}

	ipLimiters sync.Map // remote IP -> *rate.Limiter
	rateLimit  rate.Limit
	rateBurst  int

	mu  sync.Mutex
	srv *http.Server
}

// ServerConfig bounds the server's intake.
type ServerConfig struct {
	AllowedOrigins    []string
	MaxConnections    int     // 0 means 100
	ConnectionsPerSec float64 // per source IP; 0 means 5
	Burst             int     // 0 means 10
}

func NewServer(hub *Hub, cfg ServerConfig, logger core.ILogger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.ConnectionsPerSec <= 0 {
		cfg.ConnectionsPerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	s := &Server{
		hub:            hub,
		logger:         logger.WithField("component", "statusstream_server"),
		allowedOrigins: cfg.AllowedOrigins,
		connSemaphore:  make(chan struct{}, cfg.MaxConnections),
		rateLimit:      rate.Limit(cfg.ConnectionsPerSec),
		rateBurst:      cfg.Burst,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.mu.Lock()
	s.srv = &http.Server{Addr: addr, Handler: mux}
	s.mu.Unlock()

	s.logger.Info("Status stream listening", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Status stream stopping")
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// checkOrigin enforces the allowlist. "*" admits any origin and is meant for
// local dashboards only.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		viewerRejections.WithLabelValues("missing_origin").Inc()
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		viewerRejections.WithLabelValues("invalid_origin").Inc()
		return false
	}
	got := parsed.Scheme + "://" + parsed.Host
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || got == allowed {
			return true
		}
	}
	s.logger.Warn("Viewer rejected, origin not allowed", "origin", origin, "remote", r.RemoteAddr)
	viewerRejections.WithLabelValues("invalid_origin").Inc()
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.ipLimiter(remoteIP(r)).Allow() {
		viewerRejections.WithLabelValues("rate_limit").Inc()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	select {
	case s.connSemaphore <- struct{}{}:
		viewerConnections.Inc()
		defer func() {
			<-s.connSemaphore
			viewerConnections.Dec()
		}()
	default:
		viewerRejections.WithLabelValues("connection_limit").Inc()
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Viewer upgrade failed", "error", err)
		return
	}

	viewer := newViewer(uuid.NewString())
	s.hub.register <- viewer

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, viewer)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, viewer)
	}()
	wg.Wait()

	select {
	case s.hub.unregister <- viewer:
	default:
		viewer.close()
	}
	conn.Close()
}

// writePump forwards hub frames to the socket and keeps it alive with pings.
func (s *Server) writePump(conn *websocket.Conn, viewer *Viewer) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-viewer.send:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the socket for pongs and close frames. Viewers never send
// application data; the stream is one-way.
func (s *Server) readPump(conn *websocket.Conn, viewer *Viewer) {
	defer viewer.close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"viewers": s.hub.ViewerCount(),
		"time":    time.Now().Unix(),
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipLimiter(ip string) *rate.Limiter {
	if v, ok := s.ipLimiters.Load(ip); ok {
		return v.(*rate.Limiter)
	}
	actual, _ := s.ipLimiters.LoadOrStore(ip, rate.NewLimiter(s.rateLimit, s.rateBurst))
	return actual.(*rate.Limiter)
}
