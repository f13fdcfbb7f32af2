package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/trinitas/tmws/pkg/contracts"
)

// ProviderChain implements contracts.AuthProviderChain, unchanged in
// shape from internal/auth/chain.go: walk registered providers in
// order until one returns an Identity.
type ProviderChain struct {
	mu        sync.RWMutex
	providers []contracts.AuthProvider
}

var _ contracts.AuthProviderChain = (*ProviderChain)(nil)

// NewProviderChain creates an empty auth provider chain.
func NewProviderChain() *ProviderChain {
	return &ProviderChain{}
}

// RegisterProvider appends provider to the chain.
func (c *ProviderChain) RegisterProvider(provider contracts.AuthProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = append(c.providers, provider)
	log.Info().Str("provider", provider.Name()).Bool("enabled", provider.Enabled()).Msg("auth provider registered")
}

// Authenticate implements the chain contract documented on
// contracts.AuthProviderChain: (identity, nil) stops the walk,
// (nil, nil) tries the next provider, (nil, err) rejects immediately.
func (c *ProviderChain) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	c.mu.RLock()
	providers := make([]contracts.AuthProvider, len(c.providers))
	copy(providers, c.providers)
	c.mu.RUnlock()

	for _, p := range providers {
		if !p.Enabled() {
			continue
		}
		identity, err := p.Authenticate(ctx, r)
		if err != nil {
			return nil, err
		}
		if identity != nil {
			return identity, nil
		}
	}
	return nil, nil
}
