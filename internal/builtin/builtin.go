// Package builtin registers the fixed set of built-in RPC methods
// every server exposes: login, logout, subscribe, unsubscribe, list,
// keepAlive, and eventProbe.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heliosrpc/helios/internal/auth"
	"github.com/heliosrpc/helios/internal/node"
	"github.com/heliosrpc/helios/internal/observability"
	"github.com/heliosrpc/helios/internal/pubsub"
	"github.com/heliosrpc/helios/internal/registry"
)

// Names of the fixed built-in methods, exported so callers (e.g. the
// server bootstrap) can reason about reserved names.
const (
	NameLogin       = "login"
	NameLogout      = "logout"
	NameSubscribe   = "subscribe"
	NameUnsubscribe = "unsubscribe"
	NameList        = "list"
	NameKeepAlive   = "keepAlive"
	NameEventProbe  = "eventProbe"
)

// Register installs every built-in method into reg.
func Register(reg *registry.Registry, ps *pubsub.Registry, hooks auth.Hooks, bus *observability.Bus) {
	reg.Register(registry.Method{
		Name:    NameLogin,
		Handler: loginHandler(hooks),
	})
	reg.Register(registry.Method{
		Name:      NameLogout,
		Protected: true,
		Handler:   logoutHandler(),
	})
	reg.Register(registry.Method{
		Name:    NameSubscribe,
		Handler: subscribeHandler(ps),
	})
	reg.Register(registry.Method{
		Name:    NameUnsubscribe,
		Handler: unsubscribeHandler(ps),
	})
	reg.Register(registry.Method{
		Name:    NameList,
		Handler: listHandler(reg),
	})
	reg.Register(registry.Method{
		Name:    NameKeepAlive,
		Handler: keepAliveHandler(bus),
	})
	reg.Register(registry.Method{
		Name:    NameEventProbe,
		Handler: eventProbeHandler(),
	})
}

func loginHandler(hooks auth.Hooks) registry.Handler {
	return func(ctx context.Context, n *node.Node, params any) (any, error) {
		fragment, err := hooks.Login(params)
		if err != nil {
			if errors.Is(err, auth.ErrNotConfigured) {
				return false, nil
			}
			return nil, fmt.Errorf("login: %w", err)
		}

		merged := n.Context()
		for k, v := range fragment {
			merged[k] = v
		}
		if user, ok := hooks.Authenticate(merged); ok {
			merged["user"] = user
		}
		n.Authenticate(merged)
		return n.Authenticated(), nil
	}
}

func logoutHandler() registry.Handler {
	return func(ctx context.Context, n *node.Node, params any) (any, error) {
		n.Logout()
		_ = n.SendEvent("LOGOUT", nil, "")
		return true, nil
	}
}

func subscribeHandler(ps *pubsub.Registry) registry.Handler {
	return func(ctx context.Context, n *node.Node, params any) (any, error) {
		events, channel, err := parseSubscriptionParams(params)
		if err != nil {
			return nil, err
		}
		return ps.Subscribe(n, events, channel), nil
	}
}

func unsubscribeHandler(ps *pubsub.Registry) registry.Handler {
	return func(ctx context.Context, n *node.Node, params any) (any, error) {
		events, channel, err := parseSubscriptionParams(params)
		if err != nil {
			return nil, err
		}
		return ps.Unsubscribe(n, events, channel), nil
	}
}

func listHandler(reg *registry.Registry) registry.Handler {
	return func(ctx context.Context, n *node.Node, params any) (any, error) {
		return reg.Names(), nil
	}
}

func keepAliveHandler(bus *observability.Bus) registry.Handler {
	return func(ctx context.Context, n *node.Node, params any) (any, error) {
		n.Touch()
		bus.Publish(observability.Event{
			Source: observability.SourceHeartbeat,
			Kind:   observability.KindKeepAlive,
			Data:   map[string]any{"node_id": n.Id},
		})
		return true, nil
	}
}

func eventProbeHandler() registry.Handler {
	return func(ctx context.Context, n *node.Node, params any) (any, error) {
		err := n.SendEvent("EVENT_PROBE", map[string]any{"at": time.Now().UnixMilli()}, "")
		return err == nil, nil
	}
}

// parseSubscriptionParams extracts {events: [...], channel: "..."}
// from a decoded params value. channel is optional.
func parseSubscriptionParams(params any) ([]string, string, error) {
	m, ok := params.(map[string]any)
	if !ok {
		return nil, "", errors.New("subscribe: params must be an object with an events array")
	}
	raw, ok := m["events"].([]any)
	if !ok {
		return nil, "", errors.New("subscribe: missing events array")
	}
	events := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, "", errors.New("subscribe: events must be strings")
		}
		events = append(events, s)
	}
	channel, _ := m["channel"].(string)
	return events, channel, nil
}
