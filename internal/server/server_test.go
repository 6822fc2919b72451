package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/heliosrpc/helios/internal/auth"
	"github.com/heliosrpc/helios/internal/config"
	"github.com/heliosrpc/helios/internal/node"
	"github.com/heliosrpc/helios/internal/payload"
	"github.com/heliosrpc/helios/internal/registry"
	"github.com/heliosrpc/helios/internal/transport"
)

func testConfig() *config.Config {
	return config.Default()
}

func dialSetup(t *testing.T, srv *httptest.Server) (*websocket.Conn, payload.Setup) {
	t.Helper()
	wsURL := "ws" + srv.URL[len("http"):] + "/helene-ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read setup: %v", err)
	}
	var setup payload.Setup
	if err := json.Unmarshal(data, &setup); err != nil {
		t.Fatalf("unmarshal setup: %v", err)
	}
	return conn, setup
}

func TestServeHealth(t *testing.T) {
	s := New(testConfig(), auth.Hooks{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/__h/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSocketConnectReceivesSetup(t *testing.T) {
	s := New(testConfig(), auth.Hooks{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, setup := dialSetup(t, srv)
	defer conn.Close()

	if setup.Type != payload.TypeSetup {
		t.Errorf("type = %q, want SETUP", setup.Type)
	}
	if setup.Id == "" {
		t.Error("expected non-empty node id in SETUP")
	}
}

func TestSocketKeepAliveMethodReturnsResult(t *testing.T) {
	s := New(testConfig(), auth.Hooks{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _ := dialSetup(t, srv)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"METHOD","id":"1","method":"keepAlive"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	var result payload.Result
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Type != payload.TypeResult {
		t.Errorf("type = %q, want RESULT", result.Type)
	}
}

func TestSocketUnknownMethodReturnsError(t *testing.T) {
	s := New(testConfig(), auth.Hooks{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _ := dialSetup(t, srv)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"METHOD","id":"1","method":"doesNotExist"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var errFrame payload.Error
	if err := json.Unmarshal(data, &errFrame); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if errFrame.Code != payload.CodeMethodNotFound {
		t.Errorf("code = %q, want %q", errFrame.Code, payload.CodeMethodNotFound)
	}
}

func TestPeerSentSetupIsRejected(t *testing.T) {
	s := New(testConfig(), auth.Hooks{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _ := dialSetup(t, srv)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SETUP","id":"x"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var errFrame payload.Error
	if err := json.Unmarshal(data, &errFrame); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if errFrame.Code != payload.CodeInvalidRequest {
		t.Errorf("code = %q, want %q", errFrame.Code, payload.CodeInvalidRequest)
	}
}

func TestRegisterMethodIsCallable(t *testing.T) {
	s := New(testConfig(), auth.Hooks{}, nil)
	s.RegisterMethod(registry.Method{
		Name: "echo",
		Handler: func(_ context.Context, n *node.Node, params any) (any, error) {
			return params, nil
		},
	})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _ := dialSetup(t, srv)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"METHOD","id":"1","method":"echo","params":"hi"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	var result payload.Result
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Result != "hi" {
		t.Errorf("result = %v, want %q", result.Result, "hi")
	}
}

func TestClientCountTracksConnections(t *testing.T) {
	s := New(testConfig(), auth.Hooks{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _ := dialSetup(t, srv)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.ClientCount() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.ClientCount() != 1 {
		t.Fatalf("ClientCount() = %d, want 1", s.ClientCount())
	}

	conn.Close()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.ClientCount() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0 after close", s.ClientCount())
	}
}

func TestAPIKeyIsThreadedIntoAuthHooks(t *testing.T) {
	hooks := auth.Hooks{
		AuthFn: func(ctx map[string]any) (any, bool) {
			key, _ := ctx["api_key"].(string)
			if key != "secret-token" {
				return nil, false
			}
			return map[string]any{"_id": "u1"}, true
		},
	}
	s := New(testConfig(), hooks, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/helene-ws"
	header := http.Header{}
	header.Set(transport.APIKeyHeader, "secret-token")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read setup: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	var n *node.Node
	for time.Now().Before(deadline) {
		s.mu.RLock()
		for _, c := range s.clients {
			n = c
		}
		s.mu.RUnlock()
		if n != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n == nil {
		t.Fatal("no client registered")
	}
	if !n.Authenticated() {
		t.Error("expected node to be authenticated via x-api-key")
	}
}
