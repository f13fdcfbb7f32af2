package registry

import (
	"context"
	"time"

	"github.com/trinitas/tmws/pkg/models"
)

// CurrentAgent is the per-session slot spec.md §4.E describes: "a
// per-session slot protected by the session's single-writer rule."
// internal/session owns the Session struct and its single-writer
// dispatch loop; CurrentAgent only knows how to mutate the slot
// correctly given that external guarantee — it takes no lock of its
// own.
type CurrentAgent struct {
	registry *Registry
	session  *models.Session
}

// NewCurrentAgent binds a session to the registry it resolves agents
// against. The caller (internal/session) is responsible for ensuring
// only one goroutine calls methods on the returned value at a time.
func NewCurrentAgent(reg *Registry, session *models.Session) *CurrentAgent {
	return &CurrentAgent{registry: reg, session: session}
}

// Get resolves the session's current agent record.
func (c *CurrentAgent) Get(ctx context.Context) (*models.Agent, error) {
	return c.registry.Resolve(ctx, c.session.CurrentAgentID)
}

// History returns up to the last n entries of agent_history, most
// recent last.
func (c *CurrentAgent) History(n int) []string {
	h := c.session.AgentHistory
	if n <= 0 || n >= len(h) {
		return append([]string(nil), h...)
	}
	return append([]string(nil), h[len(h)-n:]...)
}

// Switch replaces the session's current agent with nameOrID, per
// spec.md §4.E: resolves first (ErrUnknownAgent if it doesn't exist —
// no auto-registration, see DESIGN.md's Open Question decision),
// pushes the prior agent onto the bounded history, and only then
// commits the new id. switch_agent takes effect before the next tool
// request on the same session is dispatched, which holds automatically
// here since the session's single-writer loop calls Switch
// synchronously between requests.
func (c *CurrentAgent) Switch(ctx context.Context, nameOrID string) (*models.Agent, error) {
	target, err := c.registry.Resolve(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	prior := c.session.CurrentAgentID
	c.session.CurrentAgentID = target.AgentID
	c.session.SwitchCount++
	c.session.LastActivityAt = time.Now()
	c.session.PushHistory(prior)
	return target, nil
}

// ExecuteAs temporarily swaps the current-agent slot to nameOrID, runs
// fn, and restores the prior slot on every exit path including a panic
// or error return from fn (spec.md §4.E). It does not touch
// agent_history — only an explicit Switch does that.
func (c *CurrentAgent) ExecuteAs(ctx context.Context, nameOrID string, fn func(ctx context.Context, agent *models.Agent) error) error {
	target, err := c.registry.Resolve(ctx, nameOrID)
	if err != nil {
		return err
	}
	prior := c.session.CurrentAgentID
	c.session.CurrentAgentID = target.AgentID
	defer func() { c.session.CurrentAgentID = prior }()

	return fn(ctx, target)
}
