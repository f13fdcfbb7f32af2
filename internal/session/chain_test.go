package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/trinitas/tmws/internal/session"
	"github.com/trinitas/tmws/pkg/contracts"
)

type stubProvider struct {
	name     string
	enabled  bool
	identity *contracts.Identity
	err      error
	called   *bool
}

func (s stubProvider) Name() string    { return s.name }
func (s stubProvider) Enabled() bool   { return s.enabled }
func (s stubProvider) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	if s.called != nil {
		*s.called = true
	}
	return s.identity, s.err
}

func TestProviderChain_FirstMatchWins(t *testing.T) {
	chain := session.NewProviderChain()
	chain.RegisterProvider(stubProvider{name: "first", enabled: true, identity: nil, err: nil})
	chain.RegisterProvider(stubProvider{name: "second", enabled: true, identity: &contracts.Identity{AgentID: "artemis-optimizer", Provider: "second"}})

	req := httptest.NewRequest(http.MethodPost, "/v1/rpc", nil)
	identity, err := chain.Authenticate(req.Context(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity == nil || identity.AgentID != "artemis-optimizer" {
		t.Fatalf("got %+v, want second provider's identity", identity)
	}
}

func TestProviderChain_RejectionStopsWalk(t *testing.T) {
	var secondCalled bool
	chain := session.NewProviderChain()
	chain.RegisterProvider(stubProvider{name: "first", enabled: true, err: contracts.NewPermissionError("bad credential")})
	chain.RegisterProvider(stubProvider{name: "second", enabled: true, identity: &contracts.Identity{AgentID: "hera-strategist"}, called: &secondCalled})

	req := httptest.NewRequest(http.MethodPost, "/v1/rpc", nil)
	identity, err := chain.Authenticate(req.Context(), req)
	if err == nil {
		t.Fatal("expected the first provider's rejection to propagate")
	}
	if identity != nil {
		t.Fatalf("expected nil identity on rejection, got %+v", identity)
	}
	if secondCalled {
		t.Fatal("chain must stop at the first rejecting provider, not try the next one")
	}
}

func TestProviderChain_SkipsDisabledProviders(t *testing.T) {
	chain := session.NewProviderChain()
	chain.RegisterProvider(stubProvider{name: "disabled", enabled: false, identity: &contracts.Identity{AgentID: "should-not-be-used"}})
	chain.RegisterProvider(stubProvider{name: "enabled", enabled: true, identity: &contracts.Identity{AgentID: "eris-coordinator"}})

	req := httptest.NewRequest(http.MethodPost, "/v1/rpc", nil)
	identity, err := chain.Authenticate(req.Context(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity == nil || identity.AgentID != "eris-coordinator" {
		t.Fatalf("got %+v, want enabled provider's identity", identity)
	}
}

func TestProviderChain_NoProviderMatchedReturnsNilNil(t *testing.T) {
	chain := session.NewProviderChain()
	chain.RegisterProvider(stubProvider{name: "passthrough", enabled: true})

	req := httptest.NewRequest(http.MethodPost, "/v1/rpc", nil)
	identity, err := chain.Authenticate(req.Context(), req)
	if err != nil || identity != nil {
		t.Fatalf("expected (nil, nil), got identity=%v err=%v", identity, err)
	}
}
