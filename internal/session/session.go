package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trinitas/tmws/internal/registry"
	"github.com/trinitas/tmws/pkg/models"
)

// IdleTimeout is how long a session may go without traffic before the
// transport closes it (spec.md §4.G).
const IdleTimeout = 15 * time.Minute

// State is one stage of the session lifecycle spec.md §4.G names:
// open → authenticate? → steady → closing → closed.
type State string

const (
	StateOpen          State = "open"
	StateAuthenticated State = "authenticated"
	StateSteady        State = "steady"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
)

// Session is one client connection's server-side state. Tool requests
// on a given Session are processed strictly in arrival order — dispatch
// holds mu for the duration of one request, which is what spec.md §5
// means by "the router does not interleave two requests from the same
// session": mu *is* the single-writer rule CurrentAgent relies on.
type Session struct {
	mu sync.Mutex

	model   models.Session
	current *registry.CurrentAgent
	state   State
}

// New creates a session bound to reg for agent resolution. agentID may
// be empty for an unauthenticated development-mode session (spec.md
// §4.G: "Authentication is optional in development").
func New(reg *registry.Registry, agentID string) *Session {
	m := models.Session{
		SessionID:      uuid.NewString(),
		CurrentAgentID: agentID,
		ConnectedAt:    time.Now(),
		LastActivityAt: time.Now(),
	}
	s := &Session{model: m, state: StateOpen}
	s.current = registry.NewCurrentAgent(reg, &s.model)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.model.SessionID }

// Dispatch runs fn under the session's single-writer lock, which is the
// mechanism that makes switch_agent, execute_as_agent, and every other
// tool call serialize in arrival order on this session (spec.md §5).
func (s *Session) Dispatch(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.model.LastActivityAt = time.Now()
	return fn(ctx)
}

// CurrentAgent exposes the bound registry.CurrentAgent for tool
// handlers. Callers must only invoke it from inside Dispatch.
func (s *Session) CurrentAgent() *registry.CurrentAgent { return s.current }

// IdleFor reports how long the session has gone without traffic.
func (s *Session) IdleFor() time.Duration { return time.Since(s.model.LastActivityAt) }

// Close transitions the session to closed. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// State reports the session's current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState advances the session's lifecycle stage.
func (s *Session) SetState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// History returns up to the last n agent_history entries.
func (s *Session) History(n int) []string { return s.current.History(n) }
