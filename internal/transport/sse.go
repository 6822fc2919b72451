package transport

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heliosrpc/helios/internal/node"
	"github.com/heliosrpc/helios/internal/observability"
)

// ClientIDHeader is the request header correlating an HTTP POST
// method call to its long-lived SSE sink.
const ClientIDHeader = "x-client-id"

// APIKeyHeader carries an optional bearer-like token for token-auth
// flows, read once at connection establishment on both transports.
const APIKeyHeader = "x-api-key"

// sseSink is the per-node outbound channel an active GET /__h/sse
// request drains. Exactly one sink may be active per node; if it
// drops, the node enters CLOSING after cfg.SSEGrace to allow
// reconnection with the same id.
type sseSink struct {
	frames chan []byte
}

// SSEHandler serves both halves of the HTTP fallback transport: the
// long-lived event stream and the POST method-call endpoint.
type SSEHandler struct {
	cfg        Config
	dispatcher Dispatcher
	logger     *slog.Logger
	obs        *observability.Bus

	mu    sync.Mutex
	nodes map[string]*node.Node
	sinks map[string]*sseSink
}

// NewSSEHandler creates the HTTP POST + SSE transport handler.
func NewSSEHandler(cfg Config, dispatcher Dispatcher, logger *slog.Logger, obs *observability.Bus) *SSEHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		obs:        obs,
		nodes:      make(map[string]*node.Node),
		sinks:      make(map[string]*sseSink),
	}
}

type sseSender struct {
	h      *SSEHandler
	nodeID string
}

func (s *sseSender) SendFrame(data []byte) error {
	s.h.mu.Lock()
	sink, ok := s.h.sinks[s.nodeID]
	s.h.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no active SSE sink for node %s", s.nodeID)
	}
	select {
	case sink.frames <- data:
		return nil
	default:
		return fmt.Errorf("transport: SSE sink full for node %s", s.nodeID)
	}
}

// ServeStream handles GET /__h/sse: establishes (or reattaches to) a
// node's outbound event stream.
func (h *SSEHandler) ServeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	addr := remoteAddr(r)
	if h.cfg.RateLimiter != nil && !h.cfg.RateLimiter.Allow(addr) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	clientID := r.URL.Query().Get(ClientIDHeader)
	var n *node.Node
	if clientID != "" {
		h.mu.Lock()
		n = h.nodes[clientID]
		h.mu.Unlock()
	}

	if n == nil {
		clientID = uuid.NewString()
		n = node.New(node.Config{
			TransportKind:   node.TransportSSE,
			RemoteAddress:   addr,
			UserAgent:       r.UserAgent(),
			APIKey:          r.Header.Get(APIKeyHeader),
			Sender:          &sseSender{h: h, nodeID: clientID},
			TerminationTime: h.cfg.TerminationTime,
			Logger:          h.logger,
			Bus:             h.obs,
		})
		n.Id = clientID
		h.mu.Lock()
		h.nodes[clientID] = n
		h.mu.Unlock()
		h.dispatcher.OnConnect(n)
		n.ArmTerminationTimer()
	}

	sink := &sseSink{frames: make(chan []byte, 64)}
	h.mu.Lock()
	h.sinks[clientID] = sink
	h.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(ClientIDHeader, clientID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.detachSink(clientID)
			return
		case data := <-sink.frames:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				h.detachSink(clientID)
				return
			}
			flusher.Flush()
		}
	}
}

// detachSink removes the active sink and, after the configured grace
// period with no reattachment, closes the node.
func (h *SSEHandler) detachSink(clientID string) {
	h.mu.Lock()
	delete(h.sinks, clientID)
	h.mu.Unlock()

	grace := h.cfg.SSEGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	time.AfterFunc(grace, func() {
		h.mu.Lock()
		_, reattached := h.sinks[clientID]
		n := h.nodes[clientID]
		if !reattached {
			delete(h.nodes, clientID)
		}
		h.mu.Unlock()
		if !reattached && n != nil {
			n.Close("SSE_SINK_GONE")
			h.dispatcher.OnClose(n)
		}
	})
}

// ServeMethod handles POST /__h: reads the request body, correlated to
// its node via the x-client-id header, and forwards it undecoded to
// the dispatcher.
func (h *SSEHandler) ServeMethod(w http.ResponseWriter, r *http.Request) {
	addr := remoteAddr(r)
	clientID := r.Header.Get(ClientIDHeader)
	if h.cfg.RateLimiter != nil && !h.cfg.RateLimiter.Allow(addr) {
		if h.cfg.RateLimiter.ShouldForceClose(addr) {
			h.mu.Lock()
			n := h.nodes[clientID]
			h.mu.Unlock()
			if n != nil {
				n.Close("RATE_LIMITED")
			}
		}
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	if clientID == "" {
		http.Error(w, "missing "+ClientIDHeader, http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	n, ok := h.nodes[clientID]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "unknown client id", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	n.Touch()
	h.dispatcher.OnInbound(n, body)
	w.WriteHeader(http.StatusAccepted)
}
