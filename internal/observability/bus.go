// Package observability provides a publish/subscribe bus for internal
// operational events. These are distinct from the wire-level EVENT
// payloads a client subscribes to: observability events never reach a
// peer, they exist so an operator-facing consumer (a metrics
// collector, a debug dashboard, a log sink) can watch what the server
// is doing — method dispatch, node lifecycle, heartbeat reaps, bus
// errors. The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package observability

import (
	"sync"
	"time"
)

// Source constants identify which core component published an event.
const (
	SourceNode      = "node"
	SourceRegistry  = "registry"
	SourcePubsub    = "pubsub"
	SourceBus       = "bus"
	SourceHeartbeat = "heartbeat"
	SourceRatelimit = "ratelimit"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnect signals a new client-node transport connected.
	// Data: node_id, transport, remote_addr.
	KindConnect = "connect"
	// KindDisconnection signals a node was closed.
	// Data: node_id, reason.
	KindDisconnection = "disconnection"
	// KindMethodExecution signals a completed method call.
	// Data: node_id, method, duration_ms, cached, error.
	KindMethodExecution = "method_execution"
	// KindKeepAlive signals a termination timer reset via keepAlive,
	// or a KEEP_ALIVE probe sent by the heartbeat engine.
	// Data: node_id.
	KindKeepAlive = "keep_alive"
	// KindHeartbeatDisconnect signals a node was reaped for missing a
	// heartbeat response.
	// Data: node_id.
	KindHeartbeatDisconnect = "heartbeat_disconnect"
	// KindSubscriptionChange signals a subscribe/unsubscribe admission
	// decision.
	// Data: node_id, channel, event, admitted.
	KindSubscriptionChange = "subscription_change"
	// KindEmit signals a local event emission to channel subscribers.
	// Data: event, channel, subscriber_count.
	KindEmit = "emit"
	// KindSocketError signals a bus or transport error that must not
	// propagate into a user-visible method result.
	// Data: error.
	KindSocketError = "socket_error"
	// KindRateLimited signals a rejected inbound frame or request.
	// Data: remote_addr, transport.
	KindRateLimited = "rate_limited"
)

// Event represents a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new observability bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
