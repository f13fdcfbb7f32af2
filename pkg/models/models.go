// Package models defines the core data types shared across the memory
// service: agents, memories, sessions, and the scoring/result shapes
// returned by search.
package models

import (
	"regexp"
	"time"
)

// AccessLevel governs visibility of an Agent.
type AccessLevel string

const (
	AccessReadonly AccessLevel = "readonly"
	AccessStandard AccessLevel = "standard"
	AccessElevated AccessLevel = "elevated"
	AccessAdmin    AccessLevel = "admin"
	AccessSystem   AccessLevel = "system"
)

// rank orders access levels for ">=" comparisons used throughout 4.D.
var accessRank = map[AccessLevel]int{
	AccessReadonly: 0,
	AccessStandard: 1,
	AccessElevated: 2,
	AccessAdmin:    3,
	AccessSystem:   4,
}

// AtLeast reports whether a is ranked at or above min. Unknown levels
// rank below everything.
func (a AccessLevel) AtLeast(min AccessLevel) bool {
	return accessRank[a] >= accessRank[min]
}

// MemoryAccessLevel governs visibility of a Memory record. Distinct
// from AccessLevel because the vocabulary differs (team/shared/public
// have no Agent-level analogue).
type MemoryAccessLevel string

const (
	MemoryPrivate MemoryAccessLevel = "private"
	MemoryTeam    MemoryAccessLevel = "team"
	MemoryShared  MemoryAccessLevel = "shared"
	MemoryPublic  MemoryAccessLevel = "public"
	MemorySystem  MemoryAccessLevel = "system"
)

// AgentType is an open vocabulary tag; unknown values are accepted and
// stored verbatim, matching spec.md's "open vocabulary" note.
type AgentType string

const (
	AgentAnthropicLLM AgentType = "anthropic_llm"
	AgentOpenAILLM    AgentType = "openai_llm"
	AgentGoogleLLM    AgentType = "google_llm"
	AgentMetaLLM      AgentType = "meta_llm"
	AgentCustom       AgentType = "custom_agent"
	AgentSystem       AgentType = "system_agent"
)

// AgentIDPattern is the canonical charset/shape for agent_id and
// namespace strings.
var AgentIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{2,63}$`)

// Agent is the identity of a calling principal.
type Agent struct {
	AgentID      string                 `json:"agent_id" db:"agent_id"`
	DisplayName  string                 `json:"display_name" db:"display_name"`
	AgentType    AgentType              `json:"agent_type" db:"agent_type"`
	Namespace    string                 `json:"namespace" db:"namespace"`
	Capabilities map[string]interface{} `json:"capabilities" db:"capabilities"`
	AccessLevel  AccessLevel            `json:"access_level" db:"access_level"`
	IsActive     bool                   `json:"is_active" db:"is_active"`
	IsBuiltin    bool                   `json:"is_builtin" db:"is_builtin"`
	LastActivity time.Time              `json:"last_activity" db:"last_activity"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at" db:"updated_at"`
}

// Memory is a unit of stored knowledge.
type Memory struct {
	ID                string                `json:"id" db:"id"`
	Content           string                `json:"content" db:"content"`
	Embedding         []float32             `json:"embedding,omitempty" db:"embedding"`
	OwnerAgentID      string                `json:"owner_agent_id" db:"owner_agent_id"`
	Namespace         string                `json:"namespace" db:"namespace"`
	AccessLevel       MemoryAccessLevel     `json:"access_level" db:"access_level"`
	Tags              []string              `json:"tags" db:"tags"`
	Importance        float64               `json:"importance" db:"importance"`
	SharedWith        []string              `json:"shared_with" db:"shared_with"`
	// SharedPermissions maps a SharedWith grantee's agent_id to the
	// permission ShareMemory granted it. A grantee present in SharedWith
	// but absent here was added outside share_memory (e.g. update_memory's
	// raw set/add_shared_with) and defaults to read, per access.Policy.
	SharedPermissions map[string]Permission `json:"shared_permissions,omitempty" db:"shared_permissions"`
	ParentMemoryID    string                `json:"parent_memory_id,omitempty" db:"parent_memory_id"`
	Metadata          map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	IsArchived        bool                  `json:"is_archived" db:"is_archived"`
	CreatedAt         time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at" db:"updated_at"`
	LastAccessedAt    time.Time             `json:"last_accessed_at" db:"last_accessed_at"`
	AccessCount       int64                 `json:"access_count" db:"access_count"`
}

// Validate enforces the structural invariants pinned to the Memory type
// itself: content length, shared_with emptiness tracking access_level,
// tag bounds, and importance range.
func (m *Memory) Validate() error {
	if len(m.Content) == 0 || len(m.Content) > 65535 {
		return ErrInvalidContentLength
	}
	if m.AccessLevel == MemoryShared && len(m.SharedWith) == 0 {
		return ErrSharedWithRequired
	}
	if m.AccessLevel != MemoryShared && len(m.SharedWith) != 0 {
		return ErrSharedWithForbidden
	}
	if len(m.Tags) > 32 {
		return ErrTooManyTags
	}
	for _, t := range m.Tags {
		if len(t) > 32 {
			return ErrTagTooLong
		}
	}
	if m.Importance < 0 || m.Importance > 1 {
		return ErrImportanceOutOfRange
	}
	return nil
}

// ScoredMemory pairs a Memory with its similarity score from a search.
type ScoredMemory struct {
	Memory     Memory  `json:"memory"`
	Similarity float64 `json:"similarity"`
}

// SearchFilters narrows a vector/lexical search to a subset of rows.
type SearchFilters struct {
	OwnerAgentID  string
	Namespace     string
	AccessLevels  []MemoryAccessLevel
	Tags          []string
	IncludeShared bool
	ViewerAgentID string
}

// RecallFilters narrows a non-semantic paged listing.
type RecallFilters struct {
	AgentID   string
	Namespace string
	Tags      []string
	Limit     int
	Offset    int
}

// MemoryPatch carries a partial update for update_memory. Pointer
// fields are last-writer-wins; the Add/Remove slices apply set
// operations to Tags and SharedWith without clobbering unrelated
// entries, per spec.md §4.C ("add, remove").
type MemoryPatch struct {
	Content          *string
	Importance       *float64
	AccessLevel      *MemoryAccessLevel
	SetTags          []string
	AddTags          []string
	RemoveTags       []string
	SetSharedWith    []string
	AddSharedWith    []string
	RemoveSharedWith []string

	// SetSharedPermissions replaces the grantee->permission map wholesale,
	// the same replace-not-diff semantics SetSharedWith uses. ShareMemory
	// is the only caller; a nil map leaves permissions untouched.
	SetSharedPermissions map[string]Permission
}

// Session is per-connection runtime state. It is never persisted.
type Session struct {
	SessionID      string
	CurrentAgentID string
	AgentHistory   []string
	ConnectedAt    time.Time
	LastActivityAt time.Time
	SwitchCount    int
}

const maxAgentHistory = 16

// PushHistory records the prior agent id, dropping the oldest entry
// once the bounded deque (16 entries) is full.
func (s *Session) PushHistory(priorAgentID string) {
	if priorAgentID == "" {
		return
	}
	s.AgentHistory = append(s.AgentHistory, priorAgentID)
	if len(s.AgentHistory) > maxAgentHistory {
		s.AgentHistory = s.AgentHistory[len(s.AgentHistory)-maxAgentHistory:]
	}
}

// ShareGrant is the explicit permission-edge shape implied by
// Memory.SharedWith.
type ShareGrant struct {
	MemoryID       string     `json:"memory_id"`
	GranteeAgentID string     `json:"grantee_agent_id"`
	Permission     Permission `json:"permission"`
}

// Permission is one edge of a ShareGrant.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
)

// permissionRank orders Permission from least to most capable so a
// grantee's permission can be checked against an operation's minimum
// requirement (delete implies write implies read).
var permissionRank = map[Permission]int{
	PermissionRead:   1,
	PermissionWrite:  2,
	PermissionDelete: 3,
}

// Allows reports whether p is sufficient for op ("read", "write", or
// "delete"); an unrecognized permission or op never passes.
func (p Permission) Allows(op string) bool {
	want, ok := permissionRank[Permission(op)]
	if !ok {
		return false
	}
	have, ok := permissionRank[p]
	if !ok {
		return false
	}
	return have >= want
}

// PruneSharedPermissions drops SharedPermissions entries for agent ids
// no longer present in SharedWith, keeping the two in sync after a
// patch that touched only one of them (e.g. update_memory's
// remove_shared_with, which never sees permissions).
func (m *Memory) PruneSharedPermissions() {
	if len(m.SharedPermissions) == 0 {
		return
	}
	present := make(map[string]bool, len(m.SharedWith))
	for _, g := range m.SharedWith {
		present[g] = true
	}
	for g := range m.SharedPermissions {
		if !present[g] {
			delete(m.SharedPermissions, g)
		}
	}
}
