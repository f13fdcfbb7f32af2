// Package memsvc is the Memory Service façade tool handlers call into
// (spec.md §4.F): create_memory, search_memories, share_memory, recall,
// update_memory, delete_memory. It orchestrates resolve → validate →
// embed → access-check → persist and owns both cross-field invariants
// (shared_with ⇔ access_level=shared, parent_memory_id acyclic).
package memsvc

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/trinitas/tmws/internal/access"
	"github.com/trinitas/tmws/internal/embedding"
	"github.com/trinitas/tmws/internal/registry"
	"github.com/trinitas/tmws/internal/store"
	"github.com/trinitas/tmws/internal/validate"
	"github.com/trinitas/tmws/pkg/contracts"
	"github.com/trinitas/tmws/pkg/models"
)

// maxAncestorDepth bounds the parent-chain walk checkAcyclic performs.
// A chain this deep is refused rather than walked indefinitely.
const maxAncestorDepth = 64

// Service composes the building blocks validate/embedding/store/access/
// registry into the six public operations spec.md §4.F names. It holds
// no per-request state; every method takes the acting session's
// principal explicitly.
type Service struct {
	store    store.Store
	gateway  *embedding.Gateway
	policy   *access.Policy
	limiter  *access.RateLimiter
	registry *registry.Registry
}

// New builds a Service from its collaborators. limiter may be the same
// instance policy was built with, or nil to disable the narrower
// searches/writes quotas (policy's own RateRequests check still
// applies if policy was built with a limiter).
func New(st store.Store, gw *embedding.Gateway, policy *access.Policy, limiter *access.RateLimiter, reg *registry.Registry) *Service {
	return &Service{store: st, gateway: gw, policy: policy, limiter: limiter, registry: reg}
}

// resolvePrincipal implements the "resolve principal (from session, or
// as_agent override after permission check)" rule from spec.md §4.F:
// acting as a different agent than the session's own requires the
// session principal to already hold elevated-or-above access.
func (s *Service) resolvePrincipal(ctx context.Context, sessionAgent *models.Agent, asAgent string) (*models.Agent, error) {
	if asAgent == "" || asAgent == sessionAgent.AgentID {
		return sessionAgent, nil
	}
	if !sessionAgent.AccessLevel.AtLeast(models.AccessElevated) {
		return nil, contracts.NewPermissionError("as_agent requires elevated access or above")
	}
	return s.registry.Resolve(ctx, asAgent)
}

// checkAcyclic walks parentID's ancestor chain looking for selfID,
// enforcing the parent_memory_id DAG invariant (spec.md §4.F) here in
// the service layer rather than relying on either storage backend's
// schema to catch it (spec.md §9). selfID must already be the memory's
// real or pre-reserved id, not the empty string, or every chain would
// terminate at the root without ever matching.
func (s *Service) checkAcyclic(ctx context.Context, parentID, selfID string) error {
	cur := parentID
	for i := 0; i < maxAncestorDepth; i++ {
		if cur == "" {
			return nil
		}
		if cur == selfID {
			return translateStoreErr(&store.ErrCycle{MemoryID: selfID})
		}
		parent, err := s.store.GetMemory(ctx, cur)
		if err != nil {
			if _, ok := err.(*store.ErrNotFound); ok {
				return nil
			}
			return translateStoreErr(err)
		}
		cur = parent.ParentMemoryID
	}
	return translateStoreErr(&store.ErrCycle{MemoryID: selfID})
}

// CreateMemory implements create_memory.
func (s *Service) CreateMemory(ctx context.Context, sessionAgent *models.Agent, content string, tags []string, importance float64, accessLevel models.MemoryAccessLevel, shareWith []string, asAgent, parentMemoryID string) (*models.Memory, error) {
	principal, err := s.resolvePrincipal(ctx, sessionAgent, asAgent)
	if err != nil {
		return nil, err
	}

	if accessLevel == "" {
		accessLevel = models.MemoryPrivate
	}
	cleanTags, err := sanitizeTags(tags)
	if err != nil {
		return nil, err
	}
	if err := validate.ValidateNamespace(principal.Namespace); err != nil {
		return nil, err
	}
	if validate.IsReservedNamespace(principal.Namespace) && !principal.AccessLevel.AtLeast(models.AccessElevated) {
		return nil, contracts.NewPermissionError("reserved namespace requires elevated access")
	}

	mem := &models.Memory{
		Content:           content,
		OwnerAgentID:      principal.AgentID,
		Namespace:         principal.Namespace,
		AccessLevel:       accessLevel,
		Tags:              cleanTags,
		Importance:        importance,
		SharedWith:        shareWith,
		SharedPermissions: readOnlyPermissions(shareWith),
		ParentMemoryID:    parentMemoryID,
	}
	if err := mem.Validate(); err != nil {
		return nil, contracts.NewValidationError("%v", err)
	}

	if parentMemoryID != "" {
		mem.ID = uuid.NewString()
		if err := s.checkAcyclic(ctx, parentMemoryID, mem.ID); err != nil {
			return nil, err
		}
	}

	if s.limiter != nil && !s.limiter.Allow(principal.AgentID, access.RateWrites) {
		return nil, contracts.NewRateLimitedError(s.limiter.RetryAfterSeconds(access.RateWrites))
	}

	vec, err := s.gateway.Embed(ctx, content)
	if err != nil {
		return nil, err
	}
	mem.Embedding = vec

	id, err := s.store.InsertMemory(ctx, mem)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	mem.ID = id
	return mem, nil
}

// SearchMemories implements search_memories: embeds the query,
// constructs filters from the principal's rights, delegates to
// storage, then re-checks access control per result in defence of a
// storage layer that over-returns (spec.md §4.F "defence in depth"),
// bumping access_count on every row that survives.
func (s *Service) SearchMemories(ctx context.Context, principal *models.Agent, query string, limit int, minSimilarity float64, includeShared bool, namespace string, tags []string) ([]models.ScoredMemory, error) {
	if limit <= 0 {
		limit = 10
	}

	if s.limiter != nil && !s.limiter.Allow(principal.AgentID, access.RateSearches) {
		return nil, contracts.NewRateLimitedError(s.limiter.RetryAfterSeconds(access.RateSearches))
	}

	vec, err := s.gateway.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	filters := models.SearchFilters{
		OwnerAgentID:  "",
		Namespace:     namespace,
		Tags:          tags,
		IncludeShared: includeShared,
		ViewerAgentID: principal.AgentID,
	}

	rows, err := s.store.Search(ctx, vec, filters, limit*2, minSimilarity)
	if err != nil {
		return nil, translateStoreErr(err)
	}

	out := make([]models.ScoredMemory, 0, limit)
	for _, row := range rows {
		mem := row.Memory
		decision := s.policy.Evaluate(ctx, principal, contracts.OpRead, &mem)
		if !decision.Allowed {
			continue
		}
		_ = s.store.BumpAccess(ctx, mem.ID)
		out = append(out, row)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ShareMemory implements share_memory: requires ownership or admin,
// validates every grantee resolves to a real agent, and flips
// access_level to/from shared as grantees become non-empty/empty.
func (s *Service) ShareMemory(ctx context.Context, principal *models.Agent, memoryID string, grantees []string, permission models.Permission) (*models.Memory, error) {
	mem, err := s.store.GetMemory(ctx, memoryID)
	if err != nil {
		return nil, translateStoreErr(err)
	}

	if mem.OwnerAgentID != principal.AgentID && !principal.AccessLevel.AtLeast(models.AccessAdmin) {
		return nil, contracts.NewPermissionError("share_memory requires ownership or admin")
	}

	for _, g := range grantees {
		if _, err := s.registry.Resolve(ctx, g); err != nil {
			return nil, err
		}
	}

	newLevel := mem.AccessLevel
	if len(grantees) > 0 {
		newLevel = models.MemoryShared
	} else if mem.AccessLevel == models.MemoryShared {
		newLevel = models.MemoryPrivate
	}

	perms := make(map[string]models.Permission, len(grantees))
	for _, g := range grantees {
		perms[g] = permission
	}
	patch := models.MemoryPatch{
		AccessLevel:          &newLevel,
		SetSharedWith:        grantees,
		SetSharedPermissions: perms,
	}
	updated, err := s.store.UpdateMemory(ctx, memoryID, patch)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if err := updated.Validate(); err != nil {
		return nil, contracts.NewValidationError("%v", err)
	}
	return updated, nil
}

// Recall implements recall: a non-semantic paged listing, access
// filtered the same way SearchMemories is.
func (s *Service) Recall(ctx context.Context, principal *models.Agent, agentID, namespace string, tags []string, limit int) ([]models.Memory, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.store.Recall(ctx, models.RecallFilters{AgentID: agentID, Namespace: namespace, Tags: tags, Limit: limit})
	if err != nil {
		return nil, translateStoreErr(err)
	}

	out := make([]models.Memory, 0, len(rows))
	for _, mem := range rows {
		decision := s.policy.Evaluate(ctx, principal, contracts.OpRead, &mem)
		if decision.Allowed {
			out = append(out, mem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateMemory implements update_memory: access-controlled, re-enforces
// the shared_with/access_level invariant after the patch is applied.
func (s *Service) UpdateMemory(ctx context.Context, principal *models.Agent, id string, patch models.MemoryPatch) (*models.Memory, error) {
	existing, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if decision := s.policy.Evaluate(ctx, principal, contracts.OpWrite, existing); !decision.Allowed {
		return nil, denyToError(decision)
	}

	if s.limiter != nil && !s.limiter.Allow(principal.AgentID, access.RateWrites) {
		return nil, contracts.NewRateLimitedError(s.limiter.RetryAfterSeconds(access.RateWrites))
	}

	updated, err := s.store.UpdateMemory(ctx, id, patch)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if err := updated.Validate(); err != nil {
		return nil, contracts.NewValidationError("%v", err)
	}
	return updated, nil
}

// DeleteMemory implements delete_memory: access-controlled; a soft
// archive unless the caller holds admin and passes hard=true.
func (s *Service) DeleteMemory(ctx context.Context, principal *models.Agent, id string, hard bool) error {
	existing, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return translateStoreErr(err)
	}
	if decision := s.policy.Evaluate(ctx, principal, contracts.OpDelete, existing); !decision.Allowed {
		return denyToError(decision)
	}

	if hard && !principal.AccessLevel.AtLeast(models.AccessAdmin) {
		return contracts.NewPermissionError("hard delete requires admin")
	}
	if hard {
		return translateStoreErr(s.store.DeleteMemory(ctx, id))
	}
	return translateStoreErr(s.store.ArchiveMemory(ctx, id))
}

// GetAgentStatistics implements get_agent_statistics: a read-only
// summary, no write path.
func (s *Service) GetAgentStatistics(ctx context.Context, agentID string) (int64, error) {
	n, err := s.store.CountByOwner(ctx, agentID)
	if err != nil {
		return 0, translateStoreErr(err)
	}
	return n, nil
}

func sanitizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		clean, err := validate.SanitizeTag(t)
		if err != nil {
			return nil, err
		}
		out = append(out, clean)
	}
	return out, nil
}

// readOnlyPermissions grants every name in grantees read access.
// create_memory's share_with has no permission argument of its own;
// share_memory is the path for anything stronger.
func readOnlyPermissions(grantees []string) map[string]models.Permission {
	if len(grantees) == 0 {
		return nil
	}
	out := make(map[string]models.Permission, len(grantees))
	for _, g := range grantees {
		out[g] = models.PermissionRead
	}
	return out
}

func denyToError(d contracts.Decision) error {
	if d.RateLimited {
		return contracts.NewRateLimitedError(d.RetryAfterSeconds)
	}
	return contracts.NewPermissionError("%s", d.Reason)
}

// translateStoreErr maps internal/store's typed errors onto the
// wire-facing contracts taxonomy; every other error is wrapped as
// ErrStorage so tool responses never leak file paths or SQL fragments
// (spec.md §7).
func translateStoreErr(err error) error {
	if err == nil {
		return nil
	}
	switch e := err.(type) {
	case *store.ErrNotFound:
		return contracts.NewNotFoundError(e.Entity, e.Key)
	case *store.ErrDuplicate:
		return contracts.NewDuplicateIDError("%s already exists: %s", e.Entity, e.Key)
	case *store.ErrCycle:
		return contracts.NewValidationError("parent_memory_id would introduce a cycle: %s", e.MemoryID)
	default:
		return contracts.NewStorageError(err)
	}
}
