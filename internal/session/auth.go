package session

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/trinitas/tmws/pkg/contracts"
)

// APIKeyProvider validates TMWS_API_KEYS-configured keys, mapping each
// one to the agent id it authenticates as. Grounded on
// internal/api/middleware/apikey.go's enable-if-configured,
// constant-time-compare shape, generalized from a boolean allow/deny to
// an Identity carrying AgentID (spec.md §4.G: "an authenticated session
// carries an agent id").
type APIKeyProvider struct {
	mu      sync.RWMutex
	keyToID map[string]string
	enabled bool
}

// NewAPIKeyProvider reads TMWS_API_KEYS ("key1:agent-one,key2:agent-two")
// from the environment. An empty value disables the provider, matching
// spec.md §4.G: "Authentication is optional in development."
func NewAPIKeyProvider() *APIKeyProvider {
	p := &APIKeyProvider{keyToID: make(map[string]string)}
	raw := os.Getenv("TMWS_API_KEYS")
	if raw == "" {
		return p
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		p.keyToID[parts[0]] = parts[1]
		p.enabled = true
	}
	return p
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// Authenticate implements contracts.AuthProvider's three-state contract:
// (identity, nil) on success, (nil, nil) when no credential was
// presented, (nil, err) when a credential was presented but rejected.
func (p *APIKeyProvider) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	key := extractAPIKey(r)
	if key == "" {
		return nil, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for candidate, agentID := range p.keyToID {
		if subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			return &contracts.Identity{Subject: agentID, AgentID: agentID, Provider: p.Name()}, nil
		}
	}
	return nil, contracts.NewPermissionError("invalid API key")
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}
