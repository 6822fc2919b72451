package transport

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/heliosrpc/helios/internal/node"
	"github.com/heliosrpc/helios/internal/observability"
)

// SocketHandler serves the full-duplex websocket mount point.
type SocketHandler struct {
	cfg        Config
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	obs        *observability.Bus
}

// NewSocketHandler creates the websocket transport handler.
func NewSocketHandler(cfg Config, dispatcher Dispatcher, logger *slog.Logger, obs *observability.Bus) *SocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := cfg.AllowOrigin
	if checkOrigin == nil {
		checkOrigin = AllowlistChecker(nil)
	}
	return &SocketHandler{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		obs:        obs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r.Header.Get("Origin"))
			},
		},
	}
}

// socketSender wraps a websocket connection as a node.Sender,
// serialising writes under a mutex so concurrent callers (handler
// results, pubsub emits, heartbeat probes) never interleave frames on
// the wire and so per-node FIFO ordering holds.
type socketSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socketSender) SendFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := remoteAddr(r)
	if h.cfg.RateLimiter != nil && !h.cfg.RateLimiter.Allow(addr) {
		h.obs.Publish(observability.Event{
			Source: observability.SourceRatelimit,
			Kind:   observability.KindRateLimited,
			Data:   map[string]any{"remote_addr": addr, "transport": "SOCKET"},
		})
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("socket upgrade failed", "error", err)
		return
	}

	sender := &socketSender{conn: conn}
	n := node.New(node.Config{
		TransportKind:   node.TransportSocket,
		RemoteAddress:   addr,
		UserAgent:       r.UserAgent(),
		APIKey:          r.Header.Get(APIKeyHeader),
		Sender:          sender,
		TerminationTime: h.cfg.TerminationTime,
		Logger:          h.logger,
		Bus:             h.obs,
	})

	h.dispatcher.OnConnect(n)
	n.ArmTerminationTimer()

	h.readPump(n, conn)
}

func (h *SocketHandler) readPump(n *node.Node, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		h.dispatcher.OnClose(n)
	}()

	addr := n.RemoteAddress
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			n.Close("ABNORMAL")
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if h.cfg.RateLimiter != nil && !h.cfg.RateLimiter.Allow(addr) {
			h.obs.Publish(observability.Event{
				Source: observability.SourceRatelimit,
				Kind:   observability.KindRateLimited,
				Data:   map[string]any{"remote_addr": addr, "transport": "SOCKET"},
			})
			if h.cfg.RateLimiter.ShouldForceClose(addr) {
				n.Close("RATE_LIMITED")
				return
			}
			continue
		}
		n.Touch()
		h.dispatcher.OnInbound(n, data)
	}
}
