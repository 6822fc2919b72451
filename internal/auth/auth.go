// Package auth holds the pluggable authentication and authorization
// hooks a server installs: an authFn that derives a user from context,
// a loginFn that exchanges login params for a context to merge, and a
// channelAuthz predicate consulted on subscribe.
package auth

import "errors"

// ErrNotConfigured is returned by Authenticate/Login when no
// corresponding function has been installed.
var ErrNotConfigured = errors.New("auth: not configured")

// AuthFunc derives a user value from a node's context, or reports
// failure. A nil user with ok=false means "no user" (context stays
// unauthenticated, not an error).
type AuthFunc func(ctx map[string]any) (user any, ok bool)

// LoginFunc exchanges login params for a context fragment to merge
// into the node's context (commonly a token or user identity).
type LoginFunc func(params any) (contextFragment map[string]any, err error)

// ChannelAuthzFunc decides whether a node may subscribe to a given
// channel at all, independent of per-event admission rules.
type ChannelAuthzFunc func(nodeContext map[string]any, channel string) bool

// Hooks bundles the installable auth callbacks. With a zero Hooks
// value, Authenticate reports no user, Login fails with
// ErrNotConfigured, and channel authorization always passes.
type Hooks struct {
	AuthFn       AuthFunc
	LoginFn      LoginFunc
	ChannelAuthz ChannelAuthzFunc
}

// Authenticate runs the configured AuthFn, returning (nil, false) if
// none is installed or the function itself reports no user.
func (h Hooks) Authenticate(ctx map[string]any) (any, bool) {
	if h.AuthFn == nil {
		return nil, false
	}
	return h.AuthFn(ctx)
}

// Login runs the configured LoginFn.
func (h Hooks) Login(params any) (map[string]any, error) {
	if h.LoginFn == nil {
		return nil, ErrNotConfigured
	}
	return h.LoginFn(params)
}

// AuthorizeChannel runs the configured ChannelAuthz predicate. With no
// predicate installed, every channel is authorized.
func (h Hooks) AuthorizeChannel(nodeContext map[string]any, channel string) bool {
	if h.ChannelAuthz == nil {
		return true
	}
	return h.ChannelAuthz(nodeContext, channel)
}
