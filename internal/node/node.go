// Package node implements ClientNode: the per-connection state machine
// that every transport drives. A Node owns its authentication context,
// its channel subscriptions, and the termination timer that reaps idle
// connections.
package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heliosrpc/helios/internal/observability"
	"github.com/heliosrpc/helios/internal/payload"
)

// State is a position in the ClientNode lifecycle.
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateReady        State = "READY"
	StateAuthenticated State = "AUTHENTICATED"
	StateClosing      State = "CLOSING"
	StateClosed       State = "CLOSED"
)

// TransportKind identifies which transport a node is bound to.
type TransportKind string

const (
	TransportSocket TransportKind = "SOCKET"
	TransportSSE    TransportKind = "HTTP_SSE"
)

// ErrClosed is returned by Send when the node has already closed.
var ErrClosed = errors.New("node: closed")

// Sender is the minimal transport-facing contract a Node needs to
// deliver frames: one ordered write path.
// Both the socket and SSE transports implement this.
type Sender interface {
	SendFrame(data []byte) error
}

// ChannelEvent identifies a single subscription: one (channel, event)
// pair.
type ChannelEvent struct {
	Channel string
	Event   string
}

// Node is a single live ClientNode: one per connected transport,
// regardless of transport kind.
type Node struct {
	Id            string
	TransportKind TransportKind
	RemoteAddress string
	UserAgent     string
	APIKey        string

	mu            sync.RWMutex
	state         State
	context       map[string]any
	subscriptions map[ChannelEvent]struct{}
	sender        Sender

	lastInboundAt time.Time
	termTimer     *time.Timer
	termDuration  time.Duration
	onReap        func(n *Node, reason string)

	logger *slog.Logger
	bus    *observability.Bus
}

// Config carries the dependencies a Node needs at construction time.
type Config struct {
	TransportKind   TransportKind
	RemoteAddress   string
	UserAgent       string
	APIKey          string
	Sender          Sender
	TerminationTime time.Duration
	OnReap          func(n *Node, reason string)
	Logger          *slog.Logger
	Bus             *observability.Bus
}

// New creates a Node in the CONNECTING state with a fresh random id.
func New(cfg Config) *Node {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		Id:            uuid.NewString(),
		TransportKind: cfg.TransportKind,
		RemoteAddress: cfg.RemoteAddress,
		UserAgent:     cfg.UserAgent,
		APIKey:        cfg.APIKey,
		state:         StateConnecting,
		context:       make(map[string]any),
		subscriptions: make(map[ChannelEvent]struct{}),
		sender:        cfg.Sender,
		lastInboundAt: time.Now(),
		termDuration:  cfg.TerminationTime,
		onReap:        cfg.OnReap,
		logger:        logger,
		bus:           cfg.Bus,
	}
	return n
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Authenticated reports whether the node currently carries an
// authenticated user context.
func (n *Node) Authenticated() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == StateAuthenticated
}

// Context returns a shallow copy of the node's server-authoritative
// context map.
func (n *Node) Context() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]any, len(n.context))
	for k, v := range n.context {
		out[k] = v
	}
	return out
}

// UserID returns the stable scalar id of the authenticated principal,
// and false if the node carries no user.
func (n *Node) UserID() (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	user, ok := n.context["user"]
	if !ok {
		return "", false
	}
	m, ok := user.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := m["_id"].(string)
	return id, ok
}

// MarkReady transitions CONNECTING → READY after SETUP has been
// flushed to the transport.
func (n *Node) MarkReady() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == StateConnecting {
		n.state = StateReady
	}
}

// Authenticate installs a new context; the node becomes AUTHENTICATED
// iff the context carries a "user" entry, otherwise it reverts to
// READY.
func (n *Node) Authenticate(ctx map[string]any) {
	n.mu.Lock()
	n.context = ctx
	_, hasUser := ctx["user"]
	if hasUser {
		n.state = StateAuthenticated
	} else if n.state == StateAuthenticated {
		n.state = StateReady
	}
	n.mu.Unlock()
}

// Logout clears the context and reverts to READY. Callers are
// responsible for emitting a LOGOUT event to the node's subscribers.
func (n *Node) Logout() {
	n.mu.Lock()
	n.context = make(map[string]any)
	if n.state == StateAuthenticated {
		n.state = StateReady
	}
	n.mu.Unlock()
}

// Send encodes and dispatches a payload frame, preserving per-node
// FIFO ordering of successfully-enqueued frames. Returns ErrClosed if
// the node has already closed.
func (n *Node) Send(p any) error {
	n.mu.RLock()
	closed := n.state == StateClosed
	sender := n.sender
	n.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("node: marshal frame: %w", err)
	}
	return sender.SendFrame(data)
}

// SendEvent is a convenience wrapper for sending an EVENT frame.
func (n *Node) SendEvent(event string, params any, channel string) error {
	if channel == "" {
		channel = payload.NoChannel
	}
	return n.Send(payload.NewEvent(uuid.NewString(), event, channel, params))
}

// Subscribe records a (channel, event) subscription for this node.
// Admission decisions belong to the pubsub registry; Node just tracks
// membership for cleanup on close.
func (n *Node) Subscribe(channel, event string) {
	n.mu.Lock()
	n.subscriptions[ChannelEvent{Channel: channel, Event: event}] = struct{}{}
	n.mu.Unlock()
}

// Unsubscribe removes a (channel, event) subscription.
func (n *Node) Unsubscribe(channel, event string) {
	n.mu.Lock()
	delete(n.subscriptions, ChannelEvent{Channel: channel, Event: event})
	n.mu.Unlock()
}

// Subscriptions returns a snapshot of this node's current (channel,
// event) subscriptions.
func (n *Node) Subscriptions() []ChannelEvent {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]ChannelEvent, 0, len(n.subscriptions))
	for ce := range n.subscriptions {
		out = append(out, ce)
	}
	return out
}

// Touch resets the termination timer. Called on any inbound frame and
// by the keepAlive built-in method.
func (n *Node) Touch() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastInboundAt = time.Now()
	if n.termTimer != nil {
		n.termTimer.Reset(n.termDuration)
	}
}

// ArmTerminationTimer starts the one-shot termination timer. Must be
// called once the node is registered with its owning server so onReap
// can find it.
func (n *Node) ArmTerminationTimer() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.termDuration <= 0 || n.termTimer != nil {
		return
	}
	n.termTimer = time.AfterFunc(n.termDuration, func() {
		n.reap("TERMINATION_TIMEOUT")
	})
}

func (n *Node) reap(reason string) {
	n.bus.Publish(observability.Event{
		Source: observability.SourceHeartbeat,
		Kind:   observability.KindHeartbeatDisconnect,
		Data:   map[string]any{"node_id": n.Id},
	})
	if n.onReap != nil {
		n.onReap(n, reason)
	}
	n.Close(reason)
}

// LastInboundAt returns the timestamp of the most recent inbound
// frame or Touch call.
func (n *Node) LastInboundAt() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastInboundAt
}

// Close transitions the node through CLOSING to CLOSED, cancels
// timers, and publishes a DISCONNECTION observation. Safe to call more
// than once; subsequent calls are no-ops.
func (n *Node) Close(reason string) {
	n.mu.Lock()
	if n.state == StateClosed || n.state == StateClosing {
		n.mu.Unlock()
		return
	}
	n.state = StateClosing
	timer := n.termTimer
	n.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}

	n.mu.Lock()
	n.state = StateClosed
	n.mu.Unlock()

	n.bus.Publish(observability.Event{
		Source: observability.SourceNode,
		Kind:   observability.KindDisconnection,
		Data:   map[string]any{"node_id": n.Id, "reason": reason},
	})
}
