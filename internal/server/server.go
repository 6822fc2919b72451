// Package server wires every Helios subsystem together: the method
// and event registries, both transports, the heartbeat engine, the
// rate limiter, and the optional cluster bus adapter. It also serves
// the unauthenticated health endpoint and, optionally, Prometheus
// metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/heliosrpc/helios/internal/auth"
	"github.com/heliosrpc/helios/internal/buildinfo"
	"github.com/heliosrpc/helios/internal/builtin"
	"github.com/heliosrpc/helios/internal/bus"
	"github.com/heliosrpc/helios/internal/config"
	"github.com/heliosrpc/helios/internal/connwatch"
	"github.com/heliosrpc/helios/internal/heartbeat"
	"github.com/heliosrpc/helios/internal/node"
	"github.com/heliosrpc/helios/internal/observability"
	"github.com/heliosrpc/helios/internal/payload"
	"github.com/heliosrpc/helios/internal/pubsub"
	"github.com/heliosrpc/helios/internal/ratelimit"
	"github.com/heliosrpc/helios/internal/registry"
	"github.com/heliosrpc/helios/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server owns every subsystem: both registries, both transports, the
// heartbeat engine, the rate limiter, and the optional cluster bus.
type Server struct {
	cfg *config.Config

	Registry *registry.Registry
	Pubsub   *pubsub.Registry
	Hooks    auth.Hooks

	limiter    *ratelimit.Limiter
	heartbeat  *heartbeat.Engine
	clusterBus *bus.Adapter
	conns      *connwatch.Manager

	obs *observability.Bus

	mu      sync.RWMutex
	clients map[string]*node.Node

	logger *slog.Logger

	metricsReg *prometheus.Registry
	metrics    *serverMetrics
}

type serverMetrics struct {
	heartbeatReaps prometheus.Counter
	rateLimited    prometheus.Counter
	cacheHits      prometheus.Counter
	methodCalls    prometheus.Counter
}

// New builds a Server from cfg. It does not start listening; host the
// http.Handler returned by Handler() on an http.Server.
func New(cfg *config.Config, hooks auth.Hooks, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	obs := observability.New()

	s := &Server{
		cfg:     cfg,
		Hooks:   hooks,
		obs:     obs,
		clients: make(map[string]*node.Node),
		logger:  logger,
	}

	s.Registry = registry.New(cfg.Cache.MaxEntries, 15*time.Second, logger, obs)
	s.Pubsub = pubsub.New(logger, obs)
	s.Pubsub.SetChannelAuthz(func(n *node.Node, channel string) bool {
		return s.Hooks.AuthorizeChannel(n.Context(), channel)
	})
	s.limiter = ratelimit.New(cfg.RateLimit.Max, cfg.RateLimit.Window, cfg.RateLimit.MaxViolations)
	s.heartbeat = heartbeat.New(cfg.Heartbeat.Interval, logger, obs)
	s.conns = connwatch.NewManager(logger)

	builtin.Register(s.Registry, s.Pubsub, s.Hooks, obs)

	if cfg.Metrics.Enabled {
		s.metricsReg = prometheus.NewRegistry()
		s.metrics = newServerMetrics(s.metricsReg)
		s.watchObservability()
	}

	return s
}

func newServerMetrics(reg *prometheus.Registry) *serverMetrics {
	factory := promauto.With(reg)
	return &serverMetrics{
		heartbeatReaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "helios_heartbeat_reaps_total",
			Help: "Nodes reaped for missing a heartbeat response.",
		}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "helios_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "helios_method_cache_hits_total",
			Help: "Method calls served from the result cache.",
		}),
		methodCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "helios_method_calls_total",
			Help: "Total method calls dispatched.",
		}),
	}
}

// watchObservability subscribes to the internal event bus and feeds
// Prometheus counters, decoupling metrics from the subsystems that
// emit observability events.
func (s *Server) watchObservability() {
	ch := s.obs.Subscribe(256)
	go func() {
		for evt := range ch {
			switch evt.Kind {
			case observability.KindHeartbeatDisconnect:
				s.metrics.heartbeatReaps.Inc()
			case observability.KindRateLimited:
				s.metrics.rateLimited.Inc()
			case observability.KindMethodExecution:
				s.metrics.methodCalls.Inc()
				if cached, _ := evt.Data["cached"].(bool); cached {
					s.metrics.cacheHits.Inc()
				}
			}
		}
	}()
}

// ConnectBus establishes the cluster bus adapter, if configured, and
// installs it as the pubsub registry's cluster publisher.
func (s *Server) ConnectBus(ctx context.Context) error {
	if !s.cfg.Bus.Enabled {
		return nil
	}
	adapter := bus.New(bus.Config{
		URL:       s.cfg.Bus.URL,
		Namespace: s.cfg.Bus.Namespace,
		ClientID:  s.cfg.Bus.ClientID,
	}, s.Pubsub, s.logger, s.obs)
	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("server: connect cluster bus: %w", err)
	}
	if err := adapter.EnsureSubscribed(ctx); err != nil {
		return fmt.Errorf("server: subscribe cluster bus: %w", err)
	}
	s.clusterBus = adapter
	s.Pubsub.SetClusterPublisher(adapter)

	s.conns.Watch(ctx, connwatch.WatcherConfig{
		Name:   "clusterbus",
		Probe:  adapter.AwaitConnection,
		Logger: s.logger,
	})
	return nil
}

// Start begins the heartbeat engine. Call once, after construction.
func (s *Server) Start() {
	s.heartbeat.Start()
}

// Stop shuts down the heartbeat engine and, if connected, the cluster
// bus.
func (s *Server) Stop(ctx context.Context) {
	s.heartbeat.Stop()
	s.conns.Stop()
	if s.clusterBus != nil {
		_ = s.clusterBus.Disconnect(ctx)
	}
}

// AddEvent registers an event definition on the pubsub registry.
func (s *Server) AddEvent(e pubsub.Event) {
	s.Pubsub.AddEvent(e)
}

// RegisterMethod registers a method on the method registry.
func (s *Server) RegisterMethod(m registry.Method) {
	s.Registry.Register(m)
}

// Emit publishes an event to channel subscribers (and, if the event
// is clusterWide, to the bus).
func (s *Server) Emit(event string, params any, channel string) {
	s.Pubsub.Emit(event, params, channel)
}

// --- transport.Dispatcher ---

// OnConnect registers a newly-connected node and flushes SETUP.
func (s *Server) OnConnect(n *node.Node) {
	s.mu.Lock()
	s.clients[n.Id] = n
	s.mu.Unlock()

	s.heartbeat.Register(n)
	s.obs.Publish(observability.Event{
		Source: observability.SourceNode,
		Kind:   observability.KindConnect,
		Data:   map[string]any{"node_id": n.Id, "transport": string(n.TransportKind), "remote_addr": n.RemoteAddress},
	})

	if n.APIKey != "" {
		ctx := n.Context()
		ctx["api_key"] = n.APIKey
		if user, ok := s.Hooks.Authenticate(ctx); ok {
			ctx["user"] = user
		}
		n.Authenticate(ctx)
	}

	_ = n.Send(payload.NewSetup(n.Id))
	n.MarkReady()
}

// OnInbound parses a raw frame and dispatches it according to its
// type discriminator.
func (s *Server) OnInbound(n *node.Node, raw []byte) {
	env, err := payload.Peek(raw)
	if err != nil {
		_ = n.Send(payload.NewError("", payload.CodeParseError, "malformed frame"))
		return
	}
	s.logger.Log(context.Background(), config.LevelTrace, "inbound frame", "node_id", n.Id, "type", env.Type, "id", env.Id)

	switch env.Type {
	case payload.TypeMethod:
		var m payload.Method
		if err := json.Unmarshal(raw, &m); err != nil {
			_ = n.Send(payload.NewError(env.Id, payload.CodeParseError, "malformed METHOD frame"))
			return
		}
		if m.Method == "" {
			_ = n.Send(payload.NewError(m.Id, payload.CodeMethodNotSpecified, "method name required"))
			return
		}
		result := s.Registry.Call(n, m)
		if result != nil {
			_ = n.Send(result)
		}
	case payload.TypeSetup:
		_ = n.Send(payload.NewError(env.Id, payload.CodeInvalidRequest, "SETUP is server-originated"))
	case payload.TypeError:
		s.logger.Warn("peer reported error", "node_id", n.Id)
	default:
		_ = n.Send(payload.NewError(env.Id, payload.CodeInvalidRequest, fmt.Sprintf("unexpected frame type %q", env.Type)))
	}
}

// OnClose removes a node from every registry it participated in.
func (s *Server) OnClose(n *node.Node) {
	s.mu.Lock()
	delete(s.clients, n.Id)
	s.mu.Unlock()

	s.heartbeat.Unregister(n)
	s.Pubsub.UnsubscribeAll(n)
}

// --- HTTP surface ---

// Handler builds the full HTTP mux: the websocket mount, the SSE
// endpoints, health, and (if enabled) metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	transportCfg := transport.Config{
		AllowOrigin:     transport.AllowlistChecker(s.cfg.Origins),
		RateLimiter:     s.limiter,
		TerminationTime: time.Duration(s.cfg.Heartbeat.TerminationFactor * float64(s.cfg.Heartbeat.Interval)),
		SSEGrace:        s.cfg.Heartbeat.SSEReconnectGrace,
	}

	socketHandler := transport.NewSocketHandler(transportCfg, s, s.logger, s.obs)
	sseHandler := transport.NewSSEHandler(transportCfg, s, s.logger, s.obs)

	mux.Handle(s.cfg.Listen.SocketPath, socketHandler)
	mux.HandleFunc("GET /__h/sse", sseHandler.ServeStream)
	mux.HandleFunc("POST /__h", sseHandler.ServeMethod)
	mux.HandleFunc("GET /__h/health", s.handleHealth)

	if s.cfg.Metrics.Enabled {
		mux.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{}))
	}

	return mux
}

type healthBody struct {
	Status       string                            `json:"status"`
	Uptime       string                            `json:"uptime"`
	Version      string                            `json:"version"`
	Clients      int                               `json:"clients"`
	Channels     int                               `json:"channels"`
	Dependencies map[string]connwatch.ServiceStatus `json:"dependencies,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	clients := len(s.clients)
	s.mu.RUnlock()

	body := healthBody{
		Status:       "ok",
		Uptime:       buildinfo.Uptime().String(),
		Version:      buildinfo.Version,
		Clients:      clients,
		Channels:     s.Pubsub.ChannelCount(),
		Dependencies: s.conns.Status(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

// ClientCount returns the number of currently-connected nodes.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
