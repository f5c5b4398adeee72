package bootstrap

import (
	"context"
	"fmt"
	"time"

	"ladder_engine/internal/core"
	"ladder_engine/internal/engine"
	"ladder_engine/pkg/statusstream"
)

const statusPublishInterval = time.Second

// statusPublisher pushes the instrument book and engine summary to dashboard
// viewers once a second, plus an immediate frame on halt transitions.
type statusPublisher struct {
	eng    *engine.Engine
	hub    *statusstream.Hub
	logger core.ILogger
}

// engineSummary is the payload of engine_status frames.
type engineSummary struct {
	Running    bool   `json:"running"`
	Halted     bool   `json:"halted"`
	HaltReason string `json:"halt_reason,omitempty"`
	Generation uint64 `json:"generation"`
}

func newStatusPublisher(eng *engine.Engine, hub *statusstream.Hub, logger core.ILogger) *statusPublisher {
	return &statusPublisher{
		eng:    eng,
		hub:    hub,
		logger: logger.WithField("component", "status_publisher"),
	}
}

// run publishes until ctx is cancelled.
func (p *statusPublisher) run(ctx context.Context) {
	ticker := time.NewTicker(statusPublishInterval)
	defer ticker.Stop()

	var lastHalted bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.hub.Broadcast(statusstream.NewMessage(statusstream.TypeSnapshot, p.eng.Snapshots()))

		summary := engineSummary{
			Running:    p.eng.IsRunning(),
			Halted:     p.eng.IsHalted(),
			HaltReason: p.eng.HaltReason(),
			Generation: p.eng.Generation(),
		}
		p.hub.Broadcast(statusstream.NewMessage(statusstream.TypeEngine, summary))

		if summary.Halted && !lastHalted {
			p.hub.Broadcast(statusstream.NewMessage(statusstream.TypeHalt, summary))
			p.logger.Warn("Halt published to viewers", "reason", summary.HaltReason)
		}
		lastHalted = summary.Halted
	}
}

// startStatusStream launches the hub, the WebSocket server and the publisher.
// Returns a stop func.
func (a *App) startStatusStream(ctx context.Context) func() {
	streamCtx, cancel := context.WithCancel(ctx)

	hub := statusstream.NewHub(a.Logger)
	go hub.Run(streamCtx)

	srv := statusstream.NewServer(hub, statusstream.ServerConfig{
		AllowedOrigins: a.Cfg.Status.AllowedOrigins,
		MaxConnections: a.Cfg.Status.MaxViewers,
	}, a.Logger)

	go func() {
		addr := fmt.Sprintf(":%d", a.Cfg.Status.Port)
		if err := srv.Start(streamCtx, addr); err != nil {
			a.Logger.Error("Status stream server failed", "error", err)
		}
	}()

	pub := newStatusPublisher(a.Engine, hub, a.Logger)
	go pub.run(streamCtx)

	return cancel
}
