package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/trinitas/tmws/internal/registry"
	"github.com/trinitas/tmws/pkg/contracts"
	"github.com/trinitas/tmws/pkg/models"
)

func TestCurrentAgentSwitchRecordsHistory(t *testing.T) {
	reg := registry.New(nil)
	session := &models.Session{SessionID: "s1", CurrentAgentID: "athena-conductor"}
	cur := registry.NewCurrentAgent(reg, session)
	ctx := context.Background()

	if _, err := cur.Switch(ctx, "hestia"); err != nil {
		t.Fatalf("Switch() error = %v", err)
	}
	if session.CurrentAgentID != "hestia-auditor" {
		t.Errorf("CurrentAgentID = %q, want hestia-auditor", session.CurrentAgentID)
	}
	if len(session.AgentHistory) != 1 || session.AgentHistory[0] != "athena-conductor" {
		t.Errorf("AgentHistory = %v, want [athena-conductor]", session.AgentHistory)
	}
	if session.SwitchCount != 1 {
		t.Errorf("SwitchCount = %d, want 1", session.SwitchCount)
	}
}

func TestCurrentAgentSwitchUnknownLeavesSlotUntouched(t *testing.T) {
	reg := registry.New(nil)
	session := &models.Session{SessionID: "s1", CurrentAgentID: "athena-conductor"}
	cur := registry.NewCurrentAgent(reg, session)

	_, err := cur.Switch(context.Background(), "does-not-exist")
	if contracts.CodeOf(err) != contracts.CodeUnknownAgent {
		t.Fatalf("CodeOf(err) = %v, want CodeUnknownAgent", contracts.CodeOf(err))
	}
	if session.CurrentAgentID != "athena-conductor" {
		t.Errorf("CurrentAgentID changed to %q despite failed switch", session.CurrentAgentID)
	}
}

func TestCurrentAgentExecuteAsRestoresOnSuccessAndFailure(t *testing.T) {
	reg := registry.New(nil)
	session := &models.Session{SessionID: "s1", CurrentAgentID: "athena-conductor"}
	cur := registry.NewCurrentAgent(reg, session)
	ctx := context.Background()

	var sawDuringCall string
	err := cur.ExecuteAs(ctx, "hestia", func(ctx context.Context, agent *models.Agent) error {
		sawDuringCall = agent.AgentID
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteAs() error = %v", err)
	}
	if sawDuringCall != "hestia-auditor" {
		t.Errorf("fn saw agent %q, want hestia-auditor", sawDuringCall)
	}
	if session.CurrentAgentID != "athena-conductor" {
		t.Errorf("CurrentAgentID = %q after ExecuteAs, want restored athena-conductor", session.CurrentAgentID)
	}
	if len(session.AgentHistory) != 0 {
		t.Errorf("ExecuteAs must not touch agent_history, got %v", session.AgentHistory)
	}

	boom := errors.New("boom")
	err = cur.ExecuteAs(ctx, "hestia", func(ctx context.Context, agent *models.Agent) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("ExecuteAs() error = %v, want boom", err)
	}
	if session.CurrentAgentID != "athena-conductor" {
		t.Errorf("CurrentAgentID = %q after failing ExecuteAs, want restored athena-conductor", session.CurrentAgentID)
	}
}
