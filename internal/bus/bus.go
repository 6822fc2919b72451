// Package bus implements the Cluster Bus Adapter: external pub/sub
// fan-out for clusterWide events, backed by MQTT via
// eclipse/paho.golang's autopaho client. Topics are namespaced
// "<namespace>/<channel>/<event>"; the adapter subscribes to the
// wildcard "<namespace>/#" when EnsureSubscribed is called, which the
// server does right after Connect, independent of any local
// subscription.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/heliosrpc/helios/internal/observability"
	"github.com/heliosrpc/helios/internal/pubsub"
)

// Config configures the bus adapter's MQTT connection.
type Config struct {
	URL       string
	Namespace string
	ClientID  string
	Username  string
	Password  string
}

// envelope is the wire shape of one cluster-fanned-out emission.
type envelope struct {
	Channel    string `json:"channel"`
	Event      string `json:"event"`
	Params     any    `json:"params"`
	EmissionID string `json:"emission_id"`
}

// Adapter is the cluster bus: publisher and subscriber over one
// shared MQTT connection.
type Adapter struct {
	cfg Config

	mu        sync.Mutex
	subscribed bool
	cm        *autopaho.ConnectionManager

	registry *pubsub.Registry

	logger *slog.Logger
	obs    *observability.Bus
}

// New creates a bus Adapter wired to deliver inbound messages into
// registry (via DeliverRemote) and to be installed on registry as its
// ClusterPublisher.
func New(cfg Config, registry *pubsub.Registry, logger *slog.Logger, obs *observability.Bus) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, registry: registry, logger: logger, obs: obs}
}

// Connect establishes the MQTT connection with autopaho's built-in
// exponential-backoff reconnect. It blocks until the connection is up,
// ctx is done, or 15 seconds have passed.
func (a *Adapter) Connect(ctx context.Context) error {
	serverURL, err := url.Parse(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("bus: invalid url: %w", err)
	}

	clientCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     20,
		ConnectUsername:               a.cfg.Username,
		ConnectPassword:               []byte(a.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.logger.Info("bus connected", "url", a.cfg.URL)
			a.resubscribeIfNeeded(ctx, cm)
		},
		OnConnectError: func(err error) {
			a.logger.Warn("bus connect error", "error", err)
			a.obs.Publish(observability.Event{
				Source: observability.SourceBus,
				Kind:   observability.KindSocketError,
				Data:   map[string]any{"error": err.Error()},
			})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: a.cfg.ClientID,
		},
	}
	if strings.HasPrefix(serverURL.Scheme, "mqtts") || strings.HasPrefix(serverURL.Scheme, "ssl") || strings.HasPrefix(serverURL.Scheme, "tls") {
		clientCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, clientCfg)
	if err != nil {
		return fmt.Errorf("bus: new connection: %w", err)
	}
	// autopaho does not accept OnPublishReceived in ClientConfig;
	// handlers are registered on the live connection manager instead.
	cm.AddOnPublishReceived(a.onPublish)
	a.mu.Lock()
	a.cm = cm
	a.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return cm.AwaitConnection(connectCtx)
}

func (a *Adapter) onPublish(pr autopaho.PublishReceived) (bool, error) {
	var env envelope
	if err := json.Unmarshal(pr.Packet.Payload, &env); err != nil {
		a.logger.Warn("bus: malformed message", "error", err)
		return true, nil
	}
	a.registry.DeliverRemote(env.Channel, env.Event, env.Params, env.EmissionID)
	return true, nil
}

// EnsureSubscribed subscribes to the namespace wildcard topic. Once it
// has succeeded, the subscription is renewed on every reconnect.
func (a *Adapter) EnsureSubscribed(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.subscribed || a.cm == nil {
		return nil
	}
	return a.subscribeLocked(ctx, a.cm)
}

func (a *Adapter) resubscribeIfNeeded(ctx context.Context, cm *autopaho.ConnectionManager) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.subscribed {
		return
	}
	if err := a.subscribeLocked(ctx, cm); err != nil {
		a.logger.Warn("bus: resubscribe failed", "error", err)
	}
}

func (a *Adapter) subscribeLocked(ctx context.Context, cm *autopaho.ConnectionManager) error {
	topic := a.cfg.Namespace + "/#"
	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", topic, err)
	}
	a.subscribed = true
	return nil
}

// Publish implements pubsub.ClusterPublisher: it fans channel/event
// out to the bus. Buffered publishes are dropped on failure, matching
// the adapter's no-durability contract.
func (a *Adapter) Publish(channel, event string, params any, emissionID string) error {
	a.mu.Lock()
	cm := a.cm
	a.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("bus: not connected")
	}

	payload, err := json.Marshal(envelope{Channel: channel, Event: event, Params: params, EmissionID: emissionID})
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}

	topic := fmt.Sprintf("%s/%s/%s", a.cfg.Namespace, channel, event)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     0,
		Payload: payload,
	})
	if err != nil {
		a.obs.Publish(observability.Event{
			Source: observability.SourceBus,
			Kind:   observability.KindSocketError,
			Data:   map[string]any{"error": err.Error(), "topic": topic},
		})
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used by connwatch to probe cluster bus reachability for
// the health endpoint.
func (a *Adapter) AwaitConnection(ctx context.Context) error {
	a.mu.Lock()
	cm := a.cm
	a.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("bus: not connected")
	}
	return cm.AwaitConnection(ctx)
}

// Disconnect closes the MQTT connection.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cm := a.cm
	a.mu.Unlock()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}
