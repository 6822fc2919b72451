// Package transport implements the two wire transports: a full-duplex
// websocket and an HTTP POST + Server-Sent-Events fallback. Both
// expose the same contract to the rest of the server: onConnect,
// onInbound, onClose.
package transport

import (
	"net/http"
	"time"

	"github.com/heliosrpc/helios/internal/node"
)

// Dispatcher is implemented by the server glue: it is notified of
// connection lifecycle events and inbound frames, independent of
// which transport produced them.
type Dispatcher interface {
	// OnConnect is called once a transport has produced a live Node,
	// before SETUP is sent.
	OnConnect(n *node.Node)
	// OnInbound is called for every raw frame received from n.
	OnInbound(n *node.Node, raw []byte)
	// OnClose is called once a transport has torn down n.
	OnClose(n *node.Node)
}

// OriginChecker reports whether an inbound request's Origin header is
// allowed to establish a connection.
type OriginChecker func(origin string) bool

// AllowlistChecker builds an OriginChecker from a configured list of
// allowed origins. An empty allowlist permits every origin (useful
// for local development; production deployments should configure
// one).
func AllowlistChecker(allowed []string) OriginChecker {
	if len(allowed) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(origin string) bool {
		_, ok := set[origin]
		return ok
	}
}

// RateLimiter is the minimal contract transports need from
// internal/ratelimit, kept narrow to avoid a direct package
// dependency cycle risk.
type RateLimiter interface {
	Allow(addr string) bool
	ShouldForceClose(addr string) bool
}

// Config carries the shared transport configuration.
type Config struct {
	AllowOrigin     OriginChecker
	RateLimiter     RateLimiter
	TerminationTime time.Duration
	SSEGrace        time.Duration
}

func remoteAddr(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		return xf
	}
	return r.RemoteAddr
}
