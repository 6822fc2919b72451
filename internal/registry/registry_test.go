package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/heliosrpc/helios/internal/node"
	"github.com/heliosrpc/helios/internal/payload"
)

type fakeSender struct {
	mu     sync.Mutex
	frames int
}

func (f *fakeSender) SendFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return nil
}

func newTestNode() *node.Node {
	return node.New(node.Config{TransportKind: node.TransportSocket, Sender: &fakeSender{}})
}

func TestCallUnknownMethod(t *testing.T) {
	r := New(10, time.Second, nil, nil)
	n := newTestNode()
	result := r.Call(n, payload.Method{Id: "1", Method: "ghost"})
	errResult, ok := result.(payload.Error)
	if !ok || errResult.Code != payload.CodeMethodNotFound {
		t.Fatalf("got %+v, want METHOD_NOT_FOUND error", result)
	}
}

func TestCallProtectedRequiresAuth(t *testing.T) {
	r := New(10, time.Second, nil, nil)
	r.Register(Method{
		Name:      "secret",
		Protected: true,
		Handler: func(ctx context.Context, n *node.Node, params any) (any, error) {
			return "ok", nil
		},
	})
	n := newTestNode()

	result := r.Call(n, payload.Method{Id: "1", Method: "secret"})
	errResult, ok := result.(payload.Error)
	if !ok || errResult.Code != payload.CodeMethodForbidden {
		t.Fatalf("got %+v, want METHOD_FORBIDDEN error", result)
	}

	n.Authenticate(map[string]any{"user": map[string]any{"_id": "u1"}})
	result = r.Call(n, payload.Method{Id: "1", Method: "secret"})
	res, ok := result.(payload.Result)
	if !ok || res.Result != "ok" {
		t.Fatalf("got %+v, want RESULT ok", result)
	}
}

func TestCallSchemaFailureReturnsInvalidParams(t *testing.T) {
	r := New(10, time.Second, nil, nil)
	r.Register(Method{
		Name: "sum",
		Schema: func(params any) (any, error) {
			return nil, errors.New("expected array of numbers")
		},
		Handler: func(ctx context.Context, n *node.Node, params any) (any, error) {
			return nil, nil
		},
	})
	n := newTestNode()

	result := r.Call(n, payload.Method{Id: "1", Method: "sum", Params: "bad"})
	errResult, ok := result.(payload.Error)
	if !ok || errResult.Code != payload.CodeInvalidParams {
		t.Fatalf("got %+v, want INVALID_PARAMS error", result)
	}
}

func TestCallSumHandler(t *testing.T) {
	r := New(10, time.Second, nil, nil)
	r.Register(Method{
		Name: "sum",
		Handler: func(ctx context.Context, n *node.Node, params any) (any, error) {
			nums := params.([]any)
			total := 0.0
			for _, v := range nums {
				total += v.(float64)
			}
			return total, nil
		},
	})
	n := newTestNode()

	result := r.Call(n, payload.Method{Id: "1", Method: "sum", Params: []any{1.0, 2.0, 3.0}})
	res, ok := result.(payload.Result)
	if !ok || res.Result != 6.0 {
		t.Fatalf("got %+v, want RESULT 6", result)
	}
}

func TestCallVoidSuppressesResult(t *testing.T) {
	r := New(10, time.Second, nil, nil)
	r.Register(Method{
		Name: "fireAndForget",
		Handler: func(ctx context.Context, n *node.Node, params any) (any, error) {
			return "ignored", nil
		},
	})
	n := newTestNode()

	result := r.Call(n, payload.Method{Id: "1", Method: "fireAndForget", Void: true})
	if result != nil {
		t.Errorf("got %+v, want nil (no RESULT frame)", result)
	}
}

func TestCallHandlerErrorReturnsInternalError(t *testing.T) {
	r := New(10, time.Second, nil, nil)
	r.Register(Method{
		Name: "boom",
		Handler: func(ctx context.Context, n *node.Node, params any) (any, error) {
			return nil, errors.New("kaboom")
		},
	})
	n := newTestNode()

	result := r.Call(n, payload.Method{Id: "1", Method: "boom"})
	errResult, ok := result.(payload.Error)
	if !ok || errResult.Code != payload.CodeInternalError {
		t.Fatalf("got %+v, want INTERNAL_ERROR", result)
	}
}

func TestCallMiddlewareTransformsParams(t *testing.T) {
	r := New(10, time.Second, nil, nil)
	r.Register(Method{
		Name: "echo",
		Middleware: []MiddlewareFunc{
			func(n *node.Node, params any) (any, error) {
				return params.(string) + "-transformed", nil
			},
		},
		Handler: func(ctx context.Context, n *node.Node, params any) (any, error) {
			return params, nil
		},
	})
	n := newTestNode()

	result := r.Call(n, payload.Method{Id: "1", Method: "echo", Params: "hello"})
	res, ok := result.(payload.Result)
	if !ok || res.Result != "hello-transformed" {
		t.Fatalf("got %+v, want hello-transformed", result)
	}
}

func TestCallMiddlewareErrorAbortsBeforeHandler(t *testing.T) {
	handlerCalled := false
	r := New(10, time.Second, nil, nil)
	r.Register(Method{
		Name: "guarded",
		Middleware: []MiddlewareFunc{
			func(n *node.Node, params any) (any, error) {
				return nil, errors.New("rejected")
			},
		},
		Handler: func(ctx context.Context, n *node.Node, params any) (any, error) {
			handlerCalled = true
			return nil, nil
		},
	})
	n := newTestNode()

	r.Call(n, payload.Method{Id: "1", Method: "guarded"})
	if handlerCalled {
		t.Error("handler should not run after a middleware error")
	}
}

func TestCallCachesResult(t *testing.T) {
	calls := 0
	r := New(10, time.Second, nil, nil)
	r.Register(Method{
		Name:  "counter",
		Cache: &CacheConfig{MaxAge: time.Minute},
		Handler: func(ctx context.Context, n *node.Node, params any) (any, error) {
			calls++
			return calls, nil
		},
	})
	n := newTestNode()

	r1 := r.Call(n, payload.Method{Id: "1", Method: "counter", Params: []any{1.0}})
	r2 := r.Call(n, payload.Method{Id: "2", Method: "counter", Params: []any{1.0}})

	res1 := r1.(payload.Result)
	res2 := r2.(payload.Result)
	if res1.Result != res2.Result {
		t.Errorf("expected cached result to be reused, got %v then %v", res1.Result, res2.Result)
	}
	if calls != 1 {
		t.Errorf("handler invocations = %d, want 1 (second call should hit cache)", calls)
	}
}

func TestCallCacheExpiresAfterMaxAge(t *testing.T) {
	calls := 0
	r := New(10, time.Second, nil, nil)
	r.Register(Method{
		Name:  "counter",
		Cache: &CacheConfig{MaxAge: 10 * time.Millisecond},
		Handler: func(ctx context.Context, n *node.Node, params any) (any, error) {
			calls++
			return calls, nil
		},
	})
	n := newTestNode()

	r.Call(n, payload.Method{Id: "1", Method: "counter"})
	time.Sleep(20 * time.Millisecond)
	r.Call(n, payload.Method{Id: "2", Method: "counter"})

	if calls != 2 {
		t.Errorf("handler invocations = %d, want 2 (cache entry should have expired)", calls)
	}
}

func TestNamesListsRegisteredMethods(t *testing.T) {
	r := New(10, time.Second, nil, nil)
	r.Register(Method{Name: "a", Handler: func(ctx context.Context, n *node.Node, params any) (any, error) { return nil, nil }})
	r.Register(Method{Name: "b", Handler: func(ctx context.Context, n *node.Node, params any) (any, error) { return nil, nil }})

	names := r.Names()
	if len(names) != 2 {
		t.Errorf("Names() = %v, want 2 entries", names)
	}
}
