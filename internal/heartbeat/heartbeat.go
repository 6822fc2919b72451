// Package heartbeat implements the server-side heartbeat and idleness
// engine: a periodic KEEP_ALIVE probe to every live node, reaping any
// node that goes silent for longer than one heartbeat interval.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/heliosrpc/helios/internal/node"
	"github.com/heliosrpc/helios/internal/observability"
)

// KeepAliveEvent is the name of the EVENT frame the engine sends as
// its probe.
const KeepAliveEvent = "KEEP_ALIVE"

// Engine periodically probes every registered node and reaps nodes
// that fail to produce any inbound activity within one interval.
type Engine struct {
	interval time.Duration

	mu    sync.Mutex
	nodes map[string]*node.Node

	logger *slog.Logger
	bus    *observability.Bus

	stop chan struct{}
	done chan struct{}
}

// New creates a heartbeat Engine. Call Start to begin probing.
func New(interval time.Duration, logger *slog.Logger, bus *observability.Bus) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		interval: interval,
		nodes:    make(map[string]*node.Node),
		logger:   logger,
		bus:      bus,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register adds a node to the probe set.
func (e *Engine) Register(n *node.Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes[n.Id] = n
}

// Unregister removes a node from the probe set, called on node close.
func (e *Engine) Unregister(n *node.Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.nodes, n.Id)
}

// Start runs the probe loop until Stop is called.
func (e *Engine) Start() {
	go e.run()
}

// Stop terminates the probe loop and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	e.mu.Lock()
	targets := make([]*node.Node, 0, len(e.nodes))
	for _, n := range e.nodes {
		targets = append(targets, n)
	}
	e.mu.Unlock()

	now := time.Now()
	for _, n := range targets {
		if now.Sub(n.LastInboundAt()) >= e.interval {
			e.reap(n)
			continue
		}
		_ = n.SendEvent(KeepAliveEvent, nil, "")
		e.bus.Publish(observability.Event{
			Source: observability.SourceHeartbeat,
			Kind:   observability.KindKeepAlive,
			Data:   map[string]any{"node_id": n.Id},
		})
	}
}

func (e *Engine) reap(n *node.Node) {
	e.Unregister(n)
	e.bus.Publish(observability.Event{
		Source: observability.SourceHeartbeat,
		Kind:   observability.KindHeartbeatDisconnect,
		Data:   map[string]any{"node_id": n.Id},
	})
	n.Close("HEARTBEAT_DISCONNECT")
}

// Count returns the number of nodes currently under watch, for
// diagnostics.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.nodes)
}
