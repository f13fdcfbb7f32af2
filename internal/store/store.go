// Package store provides the storage interface and implementations for
// the memory service. MemoryStore is an in-memory, debounced-snapshot
// implementation used in development and tests; PostgresStore persists
// through pgx with pgvector + pg_trgm for production.
package store

import (
	"context"
	"time"

	"github.com/trinitas/tmws/pkg/models"
)

// Store is the primary storage interface for the service. All
// component code depends on this interface, making it easy to swap
// between in-memory (tests, dev) and PostgreSQL (production).
type Store interface {
	AgentStore
	MemoryRepo

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error

	// WithTx runs fn inside one transaction; a UnitOfWork exposes the
	// same Store surface bound to that transaction so multi-step
	// mutations (e.g. share + access-level flip) commit atomically.
	WithTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// UnitOfWork is the transaction-scoped subset of Store that multi-step
// service operations compose against.
type UnitOfWork interface {
	AgentStore
	MemoryRepo
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	ListAgents(ctx context.Context, namespace string) ([]models.Agent, error)
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	// DeleteAgent archives the agent record; it never hard-deletes and
	// never touches memories the agent owns (spec.md §4.E unregister).
	DeleteAgent(ctx context.Context, agentID string) error
}

// ── Memory Store ────────────────────────────────────────────

// MemoryRepo owns all Memory persistence: CRUD, vector similarity search,
// and paged listing. It never accepts raw query fragments from callers.
// Named distinctly from the concrete in-memory MemoryStore backend,
// which also implements this interface.
type MemoryRepo interface {
	InsertMemory(ctx context.Context, m *models.Memory) (string, error)
	GetMemory(ctx context.Context, id string) (*models.Memory, error)
	UpdateMemory(ctx context.Context, id string, patch models.MemoryPatch) (*models.Memory, error)
	ArchiveMemory(ctx context.Context, id string) error
	DeleteMemory(ctx context.Context, id string) error

	// Search returns up to k rows ranked by cosine similarity among
	// rows satisfying filters, restricted to similarity >= minSimilarity.
	// Ties break by (importance DESC, updated_at DESC, id ASC).
	Search(ctx context.Context, queryVec []float32, filters models.SearchFilters, k int, minSimilarity float64) ([]models.ScoredMemory, error)

	// Recall is a non-semantic paged listing.
	Recall(ctx context.Context, filters models.RecallFilters) ([]models.Memory, error)

	// BumpAccess increments access_count and updates last_accessed_at
	// without touching updated_at.
	BumpAccess(ctx context.Context, id string) error

	// CountByOwner supports get_agent_statistics.
	CountByOwner(ctx context.Context, ownerAgentID string) (int64, error)
}

// ── Filter helpers ──────────────────────────────────────────

// ListFilter provides common pagination/filter options used by the
// agent registry's list(filter) operation.
type ListFilter struct {
	Namespace string
	AgentType string
	Limit     int
	Offset    int
	Since     *time.Time
}
