// Package pubsub implements the Event Registry & Channels: global
// event registration, per-channel subscription admission, and local
// delivery of emitted events — including bus-originated deliveries
// deduplicated by emission id.
package pubsub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/heliosrpc/helios/internal/node"
	"github.com/heliosrpc/helios/internal/observability"
	"github.com/heliosrpc/helios/internal/payload"
)

// NoChannel is the sentinel default/global channel name.
const NoChannel = payload.NoChannel

// ShouldSubscribeFunc is an optional admission predicate consulted
// per (node, event, channel) during subscribe.
type ShouldSubscribeFunc func(n *node.Node, event, channel string) bool

// Event is a registered event definition.
type Event struct {
	Name            string
	Protected       bool
	UserScoped      bool
	ClusterWide     bool
	ShouldSubscribe ShouldSubscribeFunc
}

// ClusterPublisher is the outbound half of the cluster bus adapter
// contract: pubsub calls Publish for clusterWide emissions, without
// depending on the bus package's MQTT plumbing directly.
type ClusterPublisher interface {
	Publish(channel, event string, params any, emissionID string) error
}

// ChannelAuthzFunc gates subscription to a channel as a whole,
// independent of per-event admission.
type ChannelAuthzFunc func(n *node.Node, channel string) bool

type channel struct {
	name        string
	subscribers map[string]map[*node.Node]struct{} // event name -> node set
}

func newChannel(name string) *channel {
	return &channel{name: name, subscribers: make(map[string]map[*node.Node]struct{})}
}

// Registry is the server-wide event and channel registry.
type Registry struct {
	mu       sync.RWMutex
	events   map[string]*Event
	channels map[string]*channel

	channelAuthz ChannelAuthzFunc
	cluster      ClusterPublisher

	dedupe *emissionDedupe

	logger *slog.Logger
	bus    *observability.Bus
}

// New creates an empty registry with no cluster publisher; until
// SetClusterPublisher is called, clusterWide emits stay local-only.
func New(logger *slog.Logger, bus *observability.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		events:   make(map[string]*Event),
		channels: make(map[string]*channel),
		dedupe:   newEmissionDedupe(30 * time.Second),
		logger:   logger,
		bus:      bus,
	}
}

// ChannelCount returns the number of channels materialised so far.
// A channel is created on its first subscribe request and is not
// removed when it has no subscribers left.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// SetClusterPublisher installs the outbound bus adapter used for
// clusterWide events.
func (r *Registry) SetClusterPublisher(cp ClusterPublisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cluster = cp
}

// SetChannelAuthz installs the channel-level authorization predicate.
func (r *Registry) SetChannelAuthz(fn ChannelAuthzFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channelAuthz = fn
}

// AddEvent registers an event definition globally; it becomes
// immediately visible to subscribe/emit on every channel.
func (r *Registry) AddEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := e
	r.events[e.Name] = &ev
}

// Event looks up a registered event by name.
func (r *Registry) Event(name string) (Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.events[name]
	if !ok {
		return Event{}, false
	}
	return *ev, true
}

func (r *Registry) channelFor(name string) *channel {
	if name == "" {
		name = NoChannel
	}
	ch, ok := r.channels[name]
	if !ok {
		ch = newChannel(name)
		r.channels[name] = ch
	}
	return ch
}

// Subscribe resolves channel-level authorization once, then admits
// each event independently, returning a mapping from event name to
// admission boolean. Partial admission is legal.
func (r *Registry) Subscribe(n *node.Node, events []string, channelName string) map[string]bool {
	if channelName == "" {
		channelName = NoChannel
	}
	result := make(map[string]bool, len(events))

	r.mu.Lock()
	defer r.mu.Unlock()

	channelAuthorized := true
	if r.channelAuthz != nil {
		channelAuthorized = r.channelAuthz(n, channelName)
	}
	if !channelAuthorized {
		for _, name := range events {
			result[name] = false
		}
		return result
	}

	ch := r.channelFor(channelName)
	for _, name := range events {
		ev, ok := r.events[name]
		if !ok {
			result[name] = false
			continue
		}
		if ev.Protected && !n.Authenticated() {
			result[name] = false
			continue
		}
		if ev.UserScoped {
			userID, hasUser := n.UserID()
			if !hasUser || userID != channelName {
				result[name] = false
				continue
			}
		}
		if ev.ShouldSubscribe != nil && !ev.ShouldSubscribe(n, name, channelName) {
			result[name] = false
			continue
		}
		if ch.subscribers[name] == nil {
			ch.subscribers[name] = make(map[*node.Node]struct{})
		}
		ch.subscribers[name][n] = struct{}{}
		n.Subscribe(channelName, name)
		result[name] = true

		r.bus.Publish(observability.Event{
			Source: observability.SourcePubsub,
			Kind:   observability.KindSubscriptionChange,
			Data:   map[string]any{"node_id": n.Id, "channel": channelName, "event": name, "admitted": true},
		})
	}
	return result
}

// Unsubscribe removes a node from the given (channel, events) set.
// Idempotent: returns true per event whether or not it was
// subscribed.
func (r *Registry) Unsubscribe(n *node.Node, events []string, channelName string) map[string]bool {
	if channelName == "" {
		channelName = NoChannel
	}
	result := make(map[string]bool, len(events))

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[channelName]
	for _, name := range events {
		if ok && ch.subscribers[name] != nil {
			delete(ch.subscribers[name], n)
		}
		n.Unsubscribe(channelName, name)
		result[name] = true
		r.bus.Publish(observability.Event{
			Source: observability.SourcePubsub,
			Kind:   observability.KindSubscriptionChange,
			Data:   map[string]any{"node_id": n.Id, "channel": channelName, "event": name, "admitted": false},
		})
	}
	return result
}

// UnsubscribeAll removes every subscription held by n, used on node
// close.
func (r *Registry) UnsubscribeAll(n *node.Node) {
	subs := n.Subscriptions()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ce := range subs {
		ch, ok := r.channels[ce.Channel]
		if !ok || ch.subscribers[ce.Event] == nil {
			continue
		}
		delete(ch.subscribers[ce.Event], n)
	}
}

// Emit looks up channel's subscriber set for event, builds the EVENT
// frame once, and sends it to each subscriber. If the event is clusterWide, it is also
// published to the cluster bus with a fresh emission id.
func (r *Registry) Emit(eventName string, params any, channelName string) {
	if channelName == "" {
		channelName = NoChannel
	}

	r.mu.RLock()
	ev, known := r.events[eventName]
	ch, hasChannel := r.channels[channelName]
	cluster := r.cluster
	r.mu.RUnlock()

	subscriberCount := r.deliverLocal(ch, hasChannel, eventName, params, channelName)

	r.bus.Publish(observability.Event{
		Source: observability.SourcePubsub,
		Kind:   observability.KindEmit,
		Data:   map[string]any{"event": eventName, "channel": channelName, "subscriber_count": subscriberCount},
	})

	if known && ev.ClusterWide && cluster != nil {
		emissionID := uuid.NewString()
		r.dedupe.mark(emissionID)
		if err := cluster.Publish(channelName, eventName, params, emissionID); err != nil {
			r.bus.Publish(observability.Event{
				Source: observability.SourceBus,
				Kind:   observability.KindSocketError,
				Data:   map[string]any{"error": err.Error()},
			})
		}
	}
}

// DeliverRemote is called by the cluster bus adapter on inbound
// messages. It drops the message if emissionID was seen recently,
// otherwise delivers it locally without re-publishing.
func (r *Registry) DeliverRemote(channelName, eventName string, params any, emissionID string) {
	if r.dedupe.seenRecently(emissionID) {
		return
	}
	r.dedupe.mark(emissionID)

	r.mu.RLock()
	ch, hasChannel := r.channels[channelName]
	r.mu.RUnlock()

	r.deliverLocal(ch, hasChannel, eventName, params, channelName)
}

func (r *Registry) deliverLocal(ch *channel, hasChannel bool, eventName string, params any, channelName string) int {
	if !hasChannel {
		return 0
	}
	r.mu.RLock()
	subs := ch.subscribers[eventName]
	targets := make([]*node.Node, 0, len(subs))
	for n := range subs {
		targets = append(targets, n)
	}
	r.mu.RUnlock()

	frame := payload.NewEvent(uuid.NewString(), eventName, channelName, params)
	for _, n := range targets {
		_ = n.Send(frame)
	}
	return len(targets)
}

// emissionDedupe is a time-indexed set of recently-seen emission ids,
// used to suppress re-delivery of the server's own cluster-wide
// emissions when they echo back from the bus. Backed by an expirable
// LRU so entries age out without a dedicated sweep goroutine.
type emissionDedupe struct {
	cache *expirable.LRU[string, struct{}]
}

const emissionDedupeCapacity = 4096

func newEmissionDedupe(ttl time.Duration) *emissionDedupe {
	return &emissionDedupe{cache: expirable.NewLRU[string, struct{}](emissionDedupeCapacity, nil, ttl)}
}

func (d *emissionDedupe) mark(id string) {
	d.cache.Add(id, struct{}{})
}

func (d *emissionDedupe) seenRecently(id string) bool {
	_, ok := d.cache.Get(id)
	return ok
}
