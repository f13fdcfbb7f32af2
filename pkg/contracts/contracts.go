// Package contracts defines the interface boundary between the
// long-running server process (pkg/server, cmd/server) and the
// pluggable pieces of the memory core: the embedder, the storage
// backend, and the auth provider chain. Swapping an implementation —
// a real embedding backend instead of the static dev driver, Postgres
// instead of the in-memory store — is a wiring change in pkg/server,
// never a change to internal/memsvc or internal/session.
package contracts

import (
	"context"

	"github.com/trinitas/tmws/internal/store"
	"github.com/trinitas/tmws/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed here
// so callers outside internal/ can reference it without reaching past
// the package boundary.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Embedding Gateway ───────────────────────────────────────

// EmbeddingDriver is the one contract the Embedding Gateway is allowed
// to hold a reference to (spec.md §4.A). Implementations MAY batch,
// cache, or proxy to a remote embedder; the Gateway treats every driver
// identically.
type EmbeddingDriver interface {
	// Kind identifies the driver ("static", "http", ...).
	Kind() string

	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the fixed vector length this driver produces.
	Dimensions() int

	// MaxBatchSize is the largest slice Embed accepts in one call.
	MaxBatchSize() int

	// HealthCheck reports whether the driver can currently serve Embed.
	HealthCheck(ctx context.Context) error
}

// ── Access Control ──────────────────────────────────────────

// Operation names an action evaluated by the access policy (spec.md
// §4.D): read, write, delete, share.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
	OpShare  Operation = "share"
)

// Decision is the outcome of a policy evaluation. RateLimited
// distinguishes a quota rejection (wire code ErrRateLimited, client
// should back off) from every other deny reason (wire code
// ErrPermission).
type Decision struct {
	Allowed           bool
	Reason            string
	RateLimited       bool
	RetryAfterSeconds int
}

// AccessPolicy evaluates (principal, operation, resource) per the
// ordered rule chain in spec.md §4.D.
type AccessPolicy interface {
	Evaluate(ctx context.Context, principal *models.Agent, op Operation, resource *models.Memory) Decision
}

// ── Agent Registry ──────────────────────────────────────────

// AgentRegistry resolves agent identities and manages dynamic
// registration (spec.md §4.E). internal/memsvc and internal/session
// depend on this interface rather than the concrete registry type so
// tests can substitute a stub catalogue.
type AgentRegistry interface {
	Resolve(ctx context.Context, nameOrID string) (*models.Agent, error)
	Register(ctx context.Context, agent *models.Agent, persist bool) error
	Unregister(ctx context.Context, id string) error
	List(ctx context.Context, filter store.ListFilter) ([]models.Agent, error)
}
