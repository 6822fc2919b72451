// Package registry implements the Method Registry: registration,
// lookup, and the full call pipeline (resolve, protection check,
// schema validation, cache lookup, middleware, handler invocation,
// observation, response).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/heliosrpc/helios/internal/codec"
	"github.com/heliosrpc/helios/internal/exectx"
	"github.com/heliosrpc/helios/internal/node"
	"github.com/heliosrpc/helios/internal/observability"
	"github.com/heliosrpc/helios/internal/payload"

	"github.com/google/uuid"
)

// Handler is a registered method's business logic. ctx carries the
// async execution context (see internal/exectx); n is the invoking
// node; params are post-schema, post-middleware.
type Handler func(ctx context.Context, n *node.Node, params any) (any, error)

// MiddlewareFunc transforms params before the handler runs, or
// returns an error to abort the call with INTERNAL_ERROR.
type MiddlewareFunc func(n *node.Node, params any) (any, error)

// SchemaFunc validates and coerces params, returning INVALID_PARAMS
// semantics via a non-nil error.
type SchemaFunc func(params any) (any, error)

// CacheConfig enables result caching for a method.
type CacheConfig struct {
	MaxAge time.Duration
}

// Method is one registered RPC method.
type Method struct {
	Name       string
	Handler    Handler
	Protected  bool
	Middleware []MiddlewareFunc
	Schema     SchemaFunc
	Cache      *CacheConfig
}

type cacheEntry struct {
	value     any
	timestamp time.Time
}

// Registry holds every registered method and the bounded result
// cache shared across all cache-enabled methods.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Method

	cache *lru.Cache[string, cacheEntry]

	logger *slog.Logger
	bus    *observability.Bus

	callDeadline time.Duration
}

// New creates a Registry. cacheCapacity bounds the total number of
// cached entries across all methods (default 1000 per the spec's
// shared-cache sizing).
func New(cacheCapacity int, callDeadline time.Duration, logger *slog.Logger, bus *observability.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheCapacity <= 0 {
		cacheCapacity = 1000
	}
	if callDeadline <= 0 {
		callDeadline = 15 * time.Second
	}
	c, _ := lru.New[string, cacheEntry](cacheCapacity)
	return &Registry{
		methods:      make(map[string]*Method),
		cache:        c,
		logger:       logger,
		bus:          bus,
		callDeadline: callDeadline,
	}
}

// Register adds or replaces a method.
func (r *Registry) Register(m Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mc := m
	r.methods[m.Name] = &mc
}

// Unregister removes a method.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, name)
}

// Names returns every registered method name, for the built-in `list`
// method.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for name := range r.methods {
		out = append(out, name)
	}
	return out
}

// Call runs the full method pipeline described by the call() contract:
// resolve, protection, schema, cache, middleware, async execution
// context, observation, and response shaping. It returns a
// payload.Error when the call fails, nil when it succeeds on a frame
// that carried Void, and a payload.Result otherwise.
func (r *Registry) Call(n *node.Node, frame payload.Method) any {
	start := time.Now()

	r.mu.RLock()
	m, ok := r.methods[frame.Method]
	r.mu.RUnlock()
	if !ok {
		return payload.NewError(frame.Id, payload.CodeMethodNotFound, fmt.Sprintf("method not found: %s", frame.Method))
	}

	if m.Protected && !n.Authenticated() {
		return payload.NewError(frame.Id, payload.CodeMethodForbidden, "method requires authentication")
	}

	params := frame.Params
	if m.Schema != nil {
		coerced, err := m.Schema(params)
		if err != nil {
			return payload.NewError(frame.Id, payload.CodeInvalidParams, err.Error())
		}
		params = coerced
	}

	var cacheKey string
	if m.Cache != nil {
		cacheKey = r.canonicalKey(frame.Method, params)
		if entry, found := r.cache.Get(cacheKey); found {
			if time.Since(entry.timestamp) < m.Cache.MaxAge {
				r.observe(n, frame.Method, start, true, nil)
				if frame.Void {
					return nil
				}
				return payload.NewResult(frame.Id, frame.Method, entry.value)
			}
			r.cache.Remove(cacheKey)
		}
	}

	for _, mw := range m.Middleware {
		transformed, err := mw(n, params)
		if err != nil {
			r.observe(n, frame.Method, start, false, err)
			return payload.NewError(frame.Id, payload.CodeInternalError, err.Error())
		}
		params = transformed
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.callDeadline)
	defer cancel()
	ctx = exectx.With(ctx, exectx.ExecContext{
		ExecutionId: uuid.NewString(),
		NodeId:      n.Id,
		NodeContext: n.Context(),
	})

	result, err := m.Handler(ctx, n, params)
	r.observe(n, frame.Method, start, false, err)
	if err != nil {
		return payload.NewError(frame.Id, payload.CodeInternalError, err.Error())
	}

	if m.Cache != nil {
		r.cache.Add(cacheKey, cacheEntry{value: result, timestamp: time.Now()})
	}

	if frame.Void {
		return nil
	}
	return payload.NewResult(frame.Id, frame.Method, result)
}

func (r *Registry) canonicalKey(method string, params any) string {
	encoded, err := codec.Encode(params)
	if err != nil {
		encoded = params
	}
	canon := codec.Canonicalize(encoded)
	return fmt.Sprintf("%s:%v", method, canon)
}

func (r *Registry) observe(n *node.Node, method string, start time.Time, cached bool, err error) {
	data := map[string]any{
		"node_id":     n.Id,
		"method":      method,
		"duration_ms": time.Since(start).Milliseconds(),
		"cached":      cached,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	r.bus.Publish(observability.Event{
		Source: observability.SourceRegistry,
		Kind:   observability.KindMethodExecution,
		Data:   data,
	})
}
