package middleware_test

import (
	"context"
	"testing"

	"github.com/trinitas/tmws/pkg/contracts"
	"github.com/trinitas/tmws/pkg/middleware"
)

func TestIdentityRoundTrip(t *testing.T) {
	if got := middleware.GetIdentity(context.Background()); got != nil {
		t.Fatalf("GetIdentity() on bare context = %v, want nil", got)
	}

	want := &contracts.Identity{Subject: "s1", AgentID: "athena-conductor", Provider: "apikey"}
	ctx := middleware.SetIdentity(context.Background(), want)
	if got := middleware.GetIdentity(ctx); got != want {
		t.Fatalf("GetIdentity() = %v, want %v", got, want)
	}
}

func TestSetIdentityIgnoresNil(t *testing.T) {
	ctx := middleware.SetIdentity(context.Background(), nil)
	if got := middleware.GetIdentity(ctx); got != nil {
		t.Fatalf("GetIdentity() after SetIdentity(nil) = %v, want nil", got)
	}
}

func TestNamespaceRoundTrip(t *testing.T) {
	if got := middleware.GetNamespace(context.Background()); got != "default" {
		t.Fatalf("GetNamespace() on bare context = %q, want %q", got, "default")
	}

	ctx := middleware.SetNamespace(context.Background(), "research")
	if got := middleware.GetNamespace(ctx); got != "research" {
		t.Fatalf("GetNamespace() = %q, want %q", got, "research")
	}
}
