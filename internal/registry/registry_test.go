package registry_test

import (
	"context"
	"testing"

	"github.com/trinitas/tmws/internal/registry"
	"github.com/trinitas/tmws/internal/store"
	"github.com/trinitas/tmws/pkg/contracts"
	"github.com/trinitas/tmws/pkg/models"
)

func TestResolveBuiltinByAliasAndFullID(t *testing.T) {
	reg := registry.New(nil)
	ctx := context.Background()

	a, err := reg.Resolve(ctx, "athena")
	if err != nil {
		t.Fatalf("Resolve(athena) error = %v", err)
	}
	if a.AgentID != "athena-conductor" {
		t.Errorf("AgentID = %q, want athena-conductor", a.AgentID)
	}
	if !a.IsBuiltin {
		t.Error("expected built-in agent to report IsBuiltin = true")
	}

	b, err := reg.Resolve(ctx, "athena-conductor")
	if err != nil {
		t.Fatalf("Resolve(athena-conductor) error = %v", err)
	}
	if b.AgentID != a.AgentID {
		t.Errorf("alias and full id resolved to different agents: %q vs %q", b.AgentID, a.AgentID)
	}
}

func TestResolveUnknownAgent(t *testing.T) {
	reg := registry.New(nil)
	_, err := reg.Resolve(context.Background(), "nonexistent-agent")
	if contracts.CodeOf(err) != contracts.CodeUnknownAgent {
		t.Fatalf("CodeOf(err) = %v, want CodeUnknownAgent", contracts.CodeOf(err))
	}
}

func TestRegisterRejectsBuiltinClash(t *testing.T) {
	reg := registry.New(nil)
	err := reg.Register(context.Background(), &models.Agent{AgentID: "athena-conductor", Namespace: "default"}, false)
	if contracts.CodeOf(err) != contracts.CodeNameConflict {
		t.Fatalf("CodeOf(err) = %v, want CodeNameConflict", contracts.CodeOf(err))
	}

	err2 := reg.Register(context.Background(), &models.Agent{AgentID: "custom-bot-one", Namespace: "default"}, false)
	if err2 != nil {
		t.Fatalf("Register() unexpected error = %v", err2)
	}
	err3 := reg.Register(context.Background(), &models.Agent{AgentID: "custom-bot-one", Namespace: "default"}, false)
	if contracts.CodeOf(err3) != contracts.CodeDuplicateID {
		t.Fatalf("CodeOf(err3) = %v, want CodeDuplicateID", contracts.CodeOf(err3))
	}
}

func TestUnregisterRefusesBuiltins(t *testing.T) {
	reg := registry.New(nil)
	err := reg.Unregister(context.Background(), "hestia-auditor")
	if contracts.CodeOf(err) != contracts.CodePermission {
		t.Fatalf("CodeOf(err) = %v, want CodePermission", contracts.CodeOf(err))
	}
}

func TestUnregisterArchivesRegisteredAgent(t *testing.T) {
	reg := registry.New(nil)
	ctx := context.Background()
	if err := reg.Register(ctx, &models.Agent{AgentID: "custom-bot-two", Namespace: "default"}, false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Unregister(ctx, "custom-bot-two"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	// Resolve still finds the (now inactive) record — archived, not deleted.
	a, err := reg.Resolve(ctx, "custom-bot-two")
	if err != nil {
		t.Fatalf("Resolve() after unregister error = %v", err)
	}
	if a.IsActive {
		t.Error("expected unregistered agent to be inactive")
	}
}

func TestListIsSortedAndFiltered(t *testing.T) {
	reg := registry.New(nil)
	ctx := context.Background()
	if err := reg.Register(ctx, &models.Agent{AgentID: "zzz-last", Namespace: "team-a"}, false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	all, err := reg.List(ctx, store.ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 7 { // 6 built-ins + 1 registered
		t.Fatalf("len(all) = %d, want 7", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].AgentID > all[i].AgentID {
			t.Fatalf("List() not sorted: %q before %q", all[i-1].AgentID, all[i].AgentID)
		}
	}

	filtered, err := reg.List(ctx, store.ListFilter{Namespace: "team-a"})
	if err != nil {
		t.Fatalf("List(namespace filter) error = %v", err)
	}
	if len(filtered) != 1 || filtered[0].AgentID != "zzz-last" {
		t.Fatalf("List(namespace=team-a) = %+v, want only zzz-last", filtered)
	}
}
