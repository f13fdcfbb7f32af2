// Package contracts — authentication interfaces for the pluggable auth
// layer. OSS ships an API-key provider; additional providers can be
// chained in without touching the session or memory-service code.
package contracts

import (
	"context"
	"net/http"
	"time"
)

// ── Identity ────────────────────────────────────────────────

// Identity represents an authenticated caller. Produced by an
// AuthProvider, consumed by the session layer to resolve the initial
// current-agent. No handler ever knows whether the caller came from an
// API key, mTLS, or a development fallback.
type Identity struct {
	// Subject is the unique identifier (agent id, or a hash of the key).
	Subject string `json:"subject"`

	// AgentID is the resolved agent identity, when the provider can
	// determine it directly (e.g. API key mapped 1:1 to an agent).
	AgentID string `json:"agent_id,omitempty"`

	// Provider identifies which auth provider authenticated this
	// identity. Values: "apikey", "default_agent", "mtls".
	Provider string `json:"provider"`

	// Claims holds any raw claims carried by the credential.
	Claims map[string]string `json:"claims,omitempty"`

	// ExpiresAt is when this identity's session expires, if bounded.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates a connection and returns an Identity.
//
// The chain pattern:
//   - Return (*Identity, nil) → authenticated, stop chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	// Name returns the provider identifier (e.g. "apikey", "mtls").
	Name() string

	// Authenticate inspects the request and returns an Identity.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// Enabled returns whether this provider is configured and active.
	Enabled() bool
}

// ── AuthProviderChain ───────────────────────────────────────

// AuthProviderChain tries providers in priority order until one returns
// an Identity.
type AuthProviderChain interface {
	// Authenticate walks the chain of providers in order. Returns the
	// first successful Identity, or (nil, nil) if no provider matched.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)

	// RegisterProvider adds a provider to the end of the chain.
	// Providers are tried in registration order.
	RegisterProvider(provider AuthProvider)
}
