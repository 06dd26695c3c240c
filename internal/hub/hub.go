// Package hub maintains the set of connected trigger listeners and
// broadcasts events to them. It is the only owner of listener
// connections: the WebSocket endpoint admits them with [Hub.Accept],
// peers that disconnect cleanly are dropped with [Hub.Remove], and any
// listener whose send fails during [Hub.Broadcast] is pruned.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSendTimeout bounds a single listener send when no timeout is
// configured.
const DefaultSendTimeout = 2 * time.Second

// DefaultTriggerMessage is the payload delivered by [Hub.Trigger].
const DefaultTriggerMessage = "trigger_voice"

// ErrListenerClosed is returned by Send on a listener that has already
// been closed.
var ErrListenerClosed = errors.New("listener closed")

// Listener is one connected peer. Implementations must allow Send and
// Close to be called from different goroutines; the hub never calls
// Send concurrently on the same listener.
type Listener interface {
	// ID is a stable identifier, unique for the life of the process.
	ID() string
	// Send delivers msg, honoring any deadline carried by ctx.
	Send(ctx context.Context, msg []byte) error
	// Closed reports whether the listener has been closed.
	Closed() bool
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Config configures a Hub.
type Config struct {
	// SendTimeout bounds each per-listener send during a broadcast so a
	// slow or dead peer cannot stall delivery to the rest.
	SendTimeout time.Duration
	// TriggerMessage is the payload sent by Trigger.
	TriggerMessage string
	Logger         *slog.Logger
}

// Hub is the listener registry. All methods are safe for concurrent use.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]Listener
	closed    bool

	// broadcastMu serializes broadcasts so every listener observes
	// events in the order they were broadcast.
	broadcastMu sync.Mutex

	sendTimeout time.Duration
	trigger     []byte
	logger      *slog.Logger

	broadcasts atomic.Int64
	pruned     atomic.Int64
}

// New creates an empty hub.
func New(cfg Config) *Hub {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.TriggerMessage == "" {
		cfg.TriggerMessage = DefaultTriggerMessage
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		listeners:   make(map[string]Listener),
		sendTimeout: cfg.SendTimeout,
		trigger:     []byte(cfg.TriggerMessage),
		logger:      cfg.Logger,
	}
}

// Accept admits l into the registry. A listener that is already closed
// is never added and Accept returns false, as is any listener offered
// after [Hub.CloseAll].
func (h *Hub) Accept(l Listener) bool {
	if l == nil || l.Closed() {
		return false
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.listeners[l.ID()] = l
	n := len(h.listeners)
	h.mu.Unlock()

	h.logger.Info("listener connected", "listener", l.ID(), "listeners", n)
	return true
}

// Remove drops l from the registry and closes it. Removing a listener
// that is not registered is a no-op apart from the close.
func (h *Hub) Remove(l Listener) {
	if l == nil {
		return
	}
	if h.remove(l) {
		h.logger.Info("listener disconnected", "listener", l.ID(), "listeners", h.Count())
	}
	_ = l.Close()
}

// remove deletes l if it is the registered listener for its ID and
// reports whether anything was deleted.
func (h *Hub) remove(l Listener) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur, ok := h.listeners[l.ID()]
	if !ok || cur != l {
		return false
	}
	delete(h.listeners, l.ID())
	return true
}

// Count returns the number of registered listeners.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// snapshot copies the registry so broadcasts never iterate the live map.
func (h *Hub) snapshot() []Listener {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		out = append(out, l)
	}
	return out
}

// Broadcast sends msg to every listener registered when the call
// begins and returns how many sends succeeded. Sends run concurrently,
// each bounded by the hub's send timeout. A listener whose send fails
// is removed and closed before Broadcast returns; its failure never
// affects delivery to the others. Cancelling ctx does not abort the
// sends: only the peer's own failure or the send timeout removes it.
func (h *Hub) Broadcast(ctx context.Context, msg []byte) int {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	targets := h.snapshot()
	if len(targets) == 0 {
		return 0
	}

	// Values from ctx still flow through; its cancellation does not.
	base := context.WithoutCancel(ctx)

	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
	)
	for _, l := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(base, h.sendTimeout)
			defer cancel()

			if err := l.Send(sendCtx, msg); err != nil {
				h.pruned.Add(1)
				h.logger.Warn("dropping listener after failed send",
					"listener", l.ID(),
					"error", err,
				)
				h.remove(l)
				_ = l.Close()
				return
			}
			delivered.Add(1)
		}()
	}
	wg.Wait()
	h.broadcasts.Add(1)

	n := int(delivered.Load())
	h.logger.Debug("broadcast complete",
		"targets", len(targets),
		"delivered", n,
	)
	return n
}

// Trigger broadcasts the configured trigger message.
func (h *Hub) Trigger(ctx context.Context) int {
	return h.Broadcast(ctx, h.trigger)
}

// Stats is a point-in-time summary for health reporting.
type Stats struct {
	Listeners  int   `json:"listeners"`
	Broadcasts int64 `json:"broadcasts"`
	Pruned     int64 `json:"pruned"`
}

// Stats returns current registry counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Listeners:  h.Count(),
		Broadcasts: h.broadcasts.Load(),
		Pruned:     h.pruned.Load(),
	}
}

// CloseAll removes and closes every listener and stops admitting new
// ones. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	all := make([]Listener, 0, len(h.listeners))
	for id, l := range h.listeners {
		all = append(all, l)
		delete(h.listeners, id)
	}
	h.mu.Unlock()

	for _, l := range all {
		_ = l.Close()
	}
	if len(all) > 0 {
		h.logger.Info("closed all listeners", "count", len(all))
	}
}
