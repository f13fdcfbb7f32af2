package session

import (
	"context"
	"encoding/json"

	"github.com/trinitas/tmws/internal/memsvc"
	"github.com/trinitas/tmws/internal/registry"
	"github.com/trinitas/tmws/internal/store"
	"github.com/trinitas/tmws/internal/validate"
	"github.com/trinitas/tmws/pkg/contracts"
	"github.com/trinitas/tmws/pkg/middleware"
	"github.com/trinitas/tmws/pkg/models"
)

// ToolHandler implements one entry of the tool surface table in
// spec.md §4.G. It returns the value to place in Frame.Result, or an
// error (always a *contracts.Error past the validation/service layers)
// to render as Frame.Error.
type ToolHandler func(ctx context.Context, sess *Session, params json.RawMessage) (interface{}, error)

// Router is the static tool-dispatch table spec.md §9's REDESIGN FLAG
// calls for, replacing a dynamic-dispatch design: every tool name is
// wired to its handler at construction time, never discovered at
// runtime. Grounded on internal/mcpgw's method-switch dispatch,
// generalized from a type switch to a map since the tool set here is
// fixed and does not vary per kitchen/tenant.
type Router struct {
	handlers map[string]ToolHandler
	reg      *registry.Registry
	mem      *memsvc.Service
	fileRoot []string // allowlist for save/load_agent_profiles
}

// NewRouter wires every tool in spec.md §4.G's surface table to its
// handler.
func NewRouter(reg *registry.Registry, mem *memsvc.Service, profileAllowlist []string) *Router {
	r := &Router{
		handlers: make(map[string]ToolHandler),
		reg:      reg,
		mem:      mem,
		fileRoot: profileAllowlist,
	}

	r.handlers["get_agent_info"] = r.handleGetAgentInfo
	r.handlers["switch_agent"] = r.handleSwitchAgent
	r.handlers["get_current_agent"] = r.handleGetCurrentAgent
	r.handlers["execute_as_agent"] = r.handleExecuteAsAgent
	r.handlers["list_trinitas_agents"] = r.handleListAgents
	r.handlers["list_agents"] = r.handleListAgents
	r.handlers["register_agent"] = r.handleRegisterAgent
	r.handlers["unregister_agent"] = r.handleUnregisterAgent
	r.handlers["create_memory"] = r.handleCreateMemory
	r.handlers["search_memories"] = r.handleSearchMemories
	r.handlers["share_memory"] = r.handleShareMemory
	r.handlers["update_memory"] = r.handleUpdateMemory
	r.handlers["delete_memory"] = r.handleDeleteMemory
	r.handlers["recall_memories"] = r.handleRecallMemories
	r.handlers["get_agent_statistics"] = r.handleGetAgentStatistics
	r.handlers["save_agent_profiles"] = r.handleSaveAgentProfiles
	r.handlers["load_agent_profiles"] = r.handleLoadAgentProfiles

	return r
}

// Dispatch decodes req, looks up its tool, and runs the handler under
// the session's single-writer lock. Unknown tool names and malformed
// params surface as ErrUnknownTool / ErrValidation respectively,
// wrapped in the {id, error:{code,message}} frame shape.
func (r *Router) Dispatch(ctx context.Context, sess *Session, req Frame) Frame {
	resp := Frame{ID: req.ID}

	h, ok := r.handlers[req.Tool]
	if !ok {
		return errFrame(req.ID, contracts.NewUnknownToolError(req.Tool))
	}

	result, err := sess.Dispatch(ctx, func(ctx context.Context) (interface{}, error) {
		return h(ctx, sess, req.Params)
	})
	if err != nil {
		return errFrame(req.ID, err)
	}
	resp.Result = result
	return resp
}

func errFrame(id string, err error) Frame {
	e := toFrameError(err)
	return Frame{ID: id, Error: e}
}

// toFrameError renders any error produced by this service as the
// {code, message} shape spec.md §7 requires, never leaking a file path
// or SQL fragment: internal/memsvc and internal/registry already
// translate every error into a *contracts.Error before it reaches here,
// so this is a pure field copy, not a message-sanitizing step.
func toFrameError(err error) *FrameError {
	code := contracts.CodeOf(err)
	fe := &FrameError{Code: string(code), Message: err.Error()}
	if ce, ok := err.(*contracts.Error); ok && ce.Code == contracts.CodeRateLimited {
		fe.RetryAfter = ce.RetryAfterSeconds
	}
	return fe
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return contracts.NewValidationError("invalid params: %v", err)
	}
	return nil
}

// ── Agent / registry tools ──────────────────────────────────

func (r *Router) handleGetAgentInfo(ctx context.Context, sess *Session, _ json.RawMessage) (interface{}, error) {
	return sess.CurrentAgent().Get(ctx)
}

type switchAgentParams struct {
	Name string `json:"name"`
}

func (r *Router) handleSwitchAgent(ctx context.Context, sess *Session, raw json.RawMessage) (interface{}, error) {
	var p switchAgentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return sess.CurrentAgent().Switch(ctx, p.Name)
}

func (r *Router) handleGetCurrentAgent(ctx context.Context, sess *Session, _ json.RawMessage) (interface{}, error) {
	agent, err := sess.CurrentAgent().Get(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{
		"agent":   agent,
		"history": sess.History(5),
	}
	if identity := middleware.GetIdentity(ctx); identity != nil {
		out["auth_provider"] = identity.Provider
		out["auth_subject"] = identity.Subject
	}
	return out, nil
}

type executeAsAgentParams struct {
	Name   string          `json:"name"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

func (r *Router) handleExecuteAsAgent(ctx context.Context, sess *Session, raw json.RawMessage) (interface{}, error) {
	var p executeAsAgentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	h, ok := r.handlers[p.Action]
	if !ok {
		return nil, contracts.NewUnknownToolError(p.Action)
	}

	var result interface{}
	err := sess.CurrentAgent().ExecuteAs(ctx, p.Name, func(ctx context.Context, agent *models.Agent) error {
		var err error
		result, err = h(ctx, sess, p.Params)
		return err
	})
	return result, err
}

type listAgentsParams struct {
	Namespace string `json:"namespace"`
	AgentType string `json:"agent_type"`
}

func (r *Router) handleListAgents(ctx context.Context, _ *Session, raw json.RawMessage) (interface{}, error) {
	var p listAgentsParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return r.reg.List(ctx, store.ListFilter{Namespace: p.Namespace, AgentType: p.AgentType})
}

type registerAgentParams struct {
	AgentID      string                 `json:"agent_id"`
	DisplayName  string                 `json:"display_name"`
	AgentType    string                 `json:"agent_type"`
	Namespace    string                 `json:"namespace"`
	AccessLevel  string                 `json:"access_level"`
	Capabilities map[string]interface{} `json:"capabilities"`
	Persist      bool                   `json:"persist"`
}

func (r *Router) handleRegisterAgent(ctx context.Context, _ *Session, raw json.RawMessage) (interface{}, error) {
	var p registerAgentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	agent := &models.Agent{
		AgentID:      p.AgentID,
		DisplayName:  p.DisplayName,
		AgentType:    models.AgentType(p.AgentType),
		Namespace:    p.Namespace,
		AccessLevel:  models.AccessLevel(p.AccessLevel),
		Capabilities: p.Capabilities,
	}
	if agent.AccessLevel == "" {
		agent.AccessLevel = models.AccessStandard
	}
	if err := r.reg.Register(ctx, agent, p.Persist); err != nil {
		return nil, err
	}
	return agent, nil
}

type unregisterAgentParams struct {
	Name string `json:"name"`
}

func (r *Router) handleUnregisterAgent(ctx context.Context, _ *Session, raw json.RawMessage) (interface{}, error) {
	var p unregisterAgentParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := r.reg.Unregister(ctx, p.Name); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (r *Router) handleGetAgentStatistics(ctx context.Context, sess *Session, raw json.RawMessage) (interface{}, error) {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		cur, err := sess.CurrentAgent().Get(ctx)
		if err != nil {
			return nil, err
		}
		p.AgentID = cur.AgentID
	}
	n, err := r.mem.GetAgentStatistics(ctx, p.AgentID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"agent_id": p.AgentID, "memory_count": n}, nil
}

// ── Memory tools ─────────────────────────────────────────────

type createMemoryParams struct {
	Content        string   `json:"content"`
	Tags           []string `json:"tags"`
	Importance     float64  `json:"importance"`
	AccessLevel    string   `json:"access_level"`
	ShareWith      []string `json:"share_with"`
	AsAgent        string   `json:"as_agent"`
	ParentMemoryID string   `json:"parent_memory_id"`
}

func (r *Router) handleCreateMemory(ctx context.Context, sess *Session, raw json.RawMessage) (interface{}, error) {
	var p createMemoryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	principal, err := sess.CurrentAgent().Get(ctx)
	if err != nil {
		return nil, err
	}
	return r.mem.CreateMemory(ctx, principal, p.Content, p.Tags, p.Importance, models.MemoryAccessLevel(p.AccessLevel), p.ShareWith, p.AsAgent, p.ParentMemoryID)
}

type searchMemoriesParams struct {
	Query         string   `json:"query"`
	Limit         int      `json:"limit"`
	MinSimilarity float64  `json:"min_similarity"`
	IncludeShared bool     `json:"include_shared"`
	Namespace     string   `json:"namespace"`
	Tags          []string `json:"tags"`
}

func (r *Router) handleSearchMemories(ctx context.Context, sess *Session, raw json.RawMessage) (interface{}, error) {
	var p searchMemoriesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	principal, err := sess.CurrentAgent().Get(ctx)
	if err != nil {
		return nil, err
	}
	if p.Limit == 0 {
		p.Limit = 10
	}
	return r.mem.SearchMemories(ctx, principal, p.Query, p.Limit, p.MinSimilarity, defaultTrue(p.IncludeShared, raw), p.Namespace, p.Tags)
}

// defaultTrue honors include_shared's documented default of true when
// the caller omits the field entirely, distinguishing that from an
// explicit false.
func defaultTrue(decoded bool, raw json.RawMessage) bool {
	if decoded {
		return true
	}
	var probe struct {
		IncludeShared *bool `json:"include_shared"`
	}
	_ = json.Unmarshal(raw, &probe)
	if probe.IncludeShared == nil {
		return true
	}
	return *probe.IncludeShared
}

type shareMemoryParams struct {
	MemoryID   string   `json:"memory_id"`
	Grantees   []string `json:"grantees"`
	Permission string   `json:"permission"`
}

func (r *Router) handleShareMemory(ctx context.Context, sess *Session, raw json.RawMessage) (interface{}, error) {
	var p shareMemoryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	principal, err := sess.CurrentAgent().Get(ctx)
	if err != nil {
		return nil, err
	}
	perm := models.Permission(p.Permission)
	if perm == "" {
		perm = models.PermissionRead
	}
	return r.mem.ShareMemory(ctx, principal, p.MemoryID, p.Grantees, perm)
}

type updateMemoryParams struct {
	ID               string   `json:"id"`
	Content          *string  `json:"content"`
	Importance       *float64 `json:"importance"`
	AccessLevel      *string  `json:"access_level"`
	SetTags          []string `json:"set_tags"`
	AddTags          []string `json:"add_tags"`
	RemoveTags       []string `json:"remove_tags"`
	SetSharedWith    []string `json:"set_shared_with"`
	AddSharedWith    []string `json:"add_shared_with"`
	RemoveSharedWith []string `json:"remove_shared_with"`
}

func (r *Router) handleUpdateMemory(ctx context.Context, sess *Session, raw json.RawMessage) (interface{}, error) {
	var p updateMemoryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	principal, err := sess.CurrentAgent().Get(ctx)
	if err != nil {
		return nil, err
	}
	patch := models.MemoryPatch{
		Content:          p.Content,
		Importance:       p.Importance,
		SetTags:          p.SetTags,
		AddTags:          p.AddTags,
		RemoveTags:       p.RemoveTags,
		SetSharedWith:    p.SetSharedWith,
		AddSharedWith:    p.AddSharedWith,
		RemoveSharedWith: p.RemoveSharedWith,
	}
	if p.AccessLevel != nil {
		lvl := models.MemoryAccessLevel(*p.AccessLevel)
		patch.AccessLevel = &lvl
	}
	return r.mem.UpdateMemory(ctx, principal, p.ID, patch)
}

type deleteMemoryParams struct {
	ID   string `json:"id"`
	Hard bool   `json:"hard"`
}

func (r *Router) handleDeleteMemory(ctx context.Context, sess *Session, raw json.RawMessage) (interface{}, error) {
	var p deleteMemoryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	principal, err := sess.CurrentAgent().Get(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.mem.DeleteMemory(ctx, principal, p.ID, p.Hard); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type recallMemoriesParams struct {
	AgentID   string   `json:"agent_id"`
	Namespace string   `json:"namespace"`
	Tags      []string `json:"tags"`
	Limit     int      `json:"limit"`
}

func (r *Router) handleRecallMemories(ctx context.Context, sess *Session, raw json.RawMessage) (interface{}, error) {
	var p recallMemoriesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	principal, err := sess.CurrentAgent().Get(ctx)
	if err != nil {
		return nil, err
	}
	return r.mem.Recall(ctx, principal, p.AgentID, p.Namespace, p.Tags, p.Limit)
}

// ── File-backed profile tools ────────────────────────────────

type profilePathParams struct {
	Path string `json:"path"`
}

func (r *Router) handleSaveAgentProfiles(ctx context.Context, _ *Session, raw json.RawMessage) (interface{}, error) {
	var p profilePathParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	resolved, err := validate.ValidateFilePath(p.Path, r.fileRoot)
	if err != nil {
		return nil, err
	}
	agents, err := r.reg.List(ctx, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	return saveProfiles(resolved, agents)
}

func (r *Router) handleLoadAgentProfiles(ctx context.Context, _ *Session, raw json.RawMessage) (interface{}, error) {
	var p profilePathParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	resolved, err := validate.ValidateFilePath(p.Path, r.fileRoot)
	if err != nil {
		return nil, err
	}
	specs, raw2, err := loadProfiles(resolved)
	if err != nil {
		return nil, err
	}
	if err := validate.ValidateConfigContent(raw2, validate.ConfigFile{CustomAgents: specs}); err != nil {
		return nil, err
	}
	registered := 0
	for _, spec := range specs {
		agent := &models.Agent{
			AgentID:     firstNonEmpty(spec.ID, spec.FullID),
			DisplayName: spec.DisplayName,
			AgentType:   models.AgentType(spec.Type),
			Namespace:   spec.Namespace,
			AccessLevel: models.AccessLevel(spec.AccessLevel),
		}
		if agent.Namespace == "" {
			agent.Namespace = middleware.GetNamespace(ctx)
		}
		if agent.AccessLevel == "" {
			agent.AccessLevel = models.AccessStandard
		}
		if err := r.reg.Register(ctx, agent, true); err != nil {
			if contracts.CodeOf(err) == contracts.CodeNameConflict || contracts.CodeOf(err) == contracts.CodeDuplicateID {
				continue
			}
			return nil, err
		}
		registered++
	}
	return map[string]int{"registered": registered}, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
