// Package statusstream pushes the engine's live state to operator dashboards
// over WebSocket. A broadcast hub fans snapshot and event frames out to every
// connected viewer; viewers that cannot keep up are dropped rather than
// allowed to stall the publisher.
package statusstream

import (
	"context"
	"sync"

	"ladder_engine/internal/core"
)

// viewerBuffer bounds the per-viewer send queue. A full queue marks the
// viewer as slow and it gets unregistered.
const viewerBuffer = 64

// Viewer is one connected dashboard session.
type Viewer struct {
	id string

	mu     sync.Mutex
	closed bool
	send   chan Message
}

func newViewer(id string) *Viewer {
	return &Viewer{id: id, send: make(chan Message, viewerBuffer)}
}

// deliver queues a message without blocking. False means the viewer is slow
// or already closed.
func (v *Viewer) deliver(msg Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	select {
	case v.send <- msg:
		return true
	default:
		return false
	}
}

func (v *Viewer) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.closed = true
		close(v.send)
	}
}

// Hub tracks viewers and broadcasts messages to all of them.
type Hub struct {
	mu      sync.RWMutex
	viewers map[*Viewer]struct{}

	broadcast  chan Message
	register   chan *Viewer
	unregister chan *Viewer

	logger core.ILogger
}

func NewHub(logger core.ILogger) *Hub {
	return &Hub{
		viewers:    make(map[*Viewer]struct{}),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Viewer),
		unregister: make(chan *Viewer),
		logger:     logger.WithField("component", "statusstream"),
	}
}

// Run owns the viewer set until ctx is cancelled, then closes every viewer.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for v := range h.viewers {
				v.close()
				delete(h.viewers, v)
			}
			h.mu.Unlock()
			return

		case v := <-h.register:
			h.mu.Lock()
			h.viewers[v] = struct{}{}
			n := len(h.viewers)
			h.mu.Unlock()
			h.logger.Info("Viewer connected", "viewer_id", v.id, "viewers", n)

		case v := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.viewers[v]; ok {
				delete(h.viewers, v)
				v.close()
			}
			n := len(h.viewers)
			h.mu.Unlock()
			h.logger.Info("Viewer disconnected", "viewer_id", v.id, "viewers", n)

		case msg := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Viewer, 0, len(h.viewers))
			for v := range h.viewers {
				targets = append(targets, v)
			}
			h.mu.RUnlock()

			for _, v := range targets {
				if !v.deliver(msg) {
					// Slow or closed viewer; drop it right here. The loop is
					// the only unregister reader, so going through the
					// channel would never complete.
					h.mu.Lock()
					if _, ok := h.viewers[v]; ok {
						delete(h.viewers, v)
						v.close()
					}
					h.mu.Unlock()
					h.logger.Warn("Viewer dropped, send queue full", "viewer_id", v.id)
				}
			}
		}
	}
}

// Broadcast queues a message for every viewer. Dropped when the hub itself is
// backed up; the next snapshot supersedes it anyway.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Status broadcast dropped, hub backlogged", "type", msg.Type)
	}
}

// ViewerCount reports the number of connected viewers.
func (h *Hub) ViewerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}
