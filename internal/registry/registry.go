// Package registry implements the Agent Registry from spec.md §4.E: an
// immutable built-in Trinitas catalogue layered under a mutable map of
// persisted and session-local agents, with alias resolution and
// single-writer registration/archival.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trinitas/tmws/internal/store"
	"github.com/trinitas/tmws/internal/validate"
	"github.com/trinitas/tmws/pkg/contracts"
	"github.com/trinitas/tmws/pkg/models"
)

// builtins is the immutable compile-time Trinitas table. It is never
// mutated at runtime; Resolve and List read it alongside the mutable
// overlay held in Registry.agents.
var builtins = []models.Agent{
	{AgentID: "athena-conductor", DisplayName: "Athena", AgentType: models.AgentSystem, Namespace: "trinitas", AccessLevel: models.AccessSystem, IsActive: true, IsBuiltin: true},
	{AgentID: "artemis-optimizer", DisplayName: "Artemis", AgentType: models.AgentSystem, Namespace: "trinitas", AccessLevel: models.AccessElevated, IsActive: true, IsBuiltin: true},
	{AgentID: "hestia-auditor", DisplayName: "Hestia", AgentType: models.AgentSystem, Namespace: "trinitas", AccessLevel: models.AccessSystem, IsActive: true, IsBuiltin: true},
	{AgentID: "eris-coordinator", DisplayName: "Eris", AgentType: models.AgentSystem, Namespace: "trinitas", AccessLevel: models.AccessElevated, IsActive: true, IsBuiltin: true},
	{AgentID: "hera-strategist", DisplayName: "Hera", AgentType: models.AgentSystem, Namespace: "trinitas", AccessLevel: models.AccessElevated, IsActive: true, IsBuiltin: true},
	{AgentID: "muses-documenter", DisplayName: "Muses", AgentType: models.AgentSystem, Namespace: "trinitas", AccessLevel: models.AccessStandard, IsActive: true, IsBuiltin: true},
}

// aliases maps the short Trinitas names to their full agent ids.
var aliases = map[string]string{
	"athena":  "athena-conductor",
	"artemis": "artemis-optimizer",
	"hestia":  "hestia-auditor",
	"eris":    "eris-coordinator",
	"hera":    "hera-strategist",
	"muses":   "muses-documenter",
}

func builtinByID(id string) (models.Agent, bool) {
	for _, a := range builtins {
		if a.AgentID == id {
			return a, true
		}
	}
	return models.Agent{}, false
}

// Registry resolves agent identities and manages dynamic registration.
// The built-in table lives in the package-level builtins var; Registry
// itself only guards the mutable overlay of persisted and session-local
// agents, satisfying spec.md §4.E's "cache coherence" guarantee via a
// single RWMutex shared by every Resolve/Register/Unregister/List call.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
	store  store.AgentStore
}

var _ contracts.AgentRegistry = (*Registry)(nil)

// New builds a Registry backed by backing for persistence of
// non-built-in agents. backing may be nil for a purely in-process
// registry (used in tests).
func New(backing store.AgentStore) *Registry {
	return &Registry{
		agents: make(map[string]*models.Agent),
		store:  backing,
	}
}

// Load populates the mutable overlay from backing storage at startup.
func (r *Registry) Load(ctx context.Context, namespace string) error {
	if r.store == nil {
		return nil
	}
	loaded, err := r.store.ListAgents(ctx, namespace)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range loaded {
		a := loaded[i]
		r.agents[a.AgentID] = &a
	}
	return nil
}

// Resolve looks up an agent by short alias or full id, per spec.md
// §4.E: alias map first, then full id, then the mutable overlay.
func (r *Registry) Resolve(ctx context.Context, nameOrID string) (*models.Agent, error) {
	id := nameOrID
	if full, ok := aliases[nameOrID]; ok {
		id = full
	}
	if b, ok := builtinByID(id); ok {
		cp := b
		return &cp, nil
	}

	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return nil, contracts.NewUnknownAgentError(nameOrID)
	}
	cp := *a
	return &cp, nil
}

// Register adds a session-local or persisted agent. It rejects clashes
// with built-ins (ErrNameConflict) and with already-registered ids
// (ErrDuplicateId), and validates every field per spec.md §4.B before
// accepting the spec.
func (r *Registry) Register(ctx context.Context, agent *models.Agent, persist bool) error {
	if err := validate.ValidateAgentID(agent.AgentID); err != nil {
		return err
	}
	if err := validate.ValidateNamespace(agent.Namespace); err != nil {
		return err
	}
	if _, ok := aliases[agent.AgentID]; ok {
		return contracts.NewNameConflictError("agent id %q clashes with a built-in alias", agent.AgentID)
	}
	if _, ok := builtinByID(agent.AgentID); ok {
		return contracts.NewNameConflictError("agent id %q clashes with a built-in agent", agent.AgentID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.AgentID]; exists {
		return contracts.NewDuplicateIDError("agent id %q is already registered", agent.AgentID)
	}

	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	agent.IsActive = true
	agent.IsBuiltin = false

	if persist && r.store != nil {
		if err := r.store.CreateAgent(ctx, agent); err != nil {
			return err
		}
	}
	cp := *agent
	r.agents[agent.AgentID] = &cp
	return nil
}

// Unregister archives id. Built-ins can never be unregistered
// (ErrPermission, spec.md Testable Property 9); owned memories are
// untouched.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	if _, ok := aliases[id]; ok {
		return contracts.NewPermissionError("built-in agents cannot be unregistered")
	}
	if _, ok := builtinByID(id); ok {
		return contracts.NewPermissionError("built-in agents cannot be unregistered")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return contracts.NewUnknownAgentError(id)
	}
	a.IsActive = false
	a.UpdatedAt = time.Now()
	if r.store != nil {
		if err := r.store.DeleteAgent(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// List returns built-ins plus the mutable overlay, filtered and sorted
// by agent_id ascending per spec.md §4.E.
func (r *Registry) List(ctx context.Context, filter store.ListFilter) ([]models.Agent, error) {
	r.mu.RLock()
	out := make([]models.Agent, 0, len(builtins)+len(r.agents))
	for _, b := range builtins {
		out = append(out, b)
	}
	for _, a := range r.agents {
		out = append(out, *a)
	}
	r.mu.RUnlock()

	filtered := out[:0:0]
	for _, a := range out {
		if filter.Namespace != "" && a.Namespace != filter.Namespace {
			continue
		}
		if filter.AgentType != "" && string(a.AgentType) != filter.AgentType {
			continue
		}
		filtered = append(filtered, a)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].AgentID < filtered[j].AgentID })
	return filtered, nil
}

// NewSessionLocalID produces an id suitable for an ephemeral,
// non-persisted agent registered mid-session (e.g. register_agent with
// persist=false and no caller-supplied id).
func NewSessionLocalID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
