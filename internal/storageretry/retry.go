// Package storageretry wraps a store.Store so transient storage
// failures (spec.md §7: "the server MAY retry up to 3 times with
// exponential backoff before surfacing ErrStorage") are retried up to
// twice (maxAttempts = 3 attempts in total), transparently, before a
// caller ever sees the error. Every other error
// kind propagates on the first attempt.
package storageretry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/trinitas/tmws/internal/store"
	"github.com/trinitas/tmws/pkg/models"
)

const maxAttempts = 3

// Store decorates a store.Store, retrying only storage-classified
// failures (store.IsRetryable) with bounded exponential backoff.
// Grounded on the teacher's own retry-free executor (no retry layer
// existed there); the shape here follows cenkalti/backoff/v4's own
// documented WithMaxRetries idiom since no pack example wires this
// library directly into a storage interface.
type Store struct {
	store.Store
}

// Wrap returns a Store that retries transient failures of inner.
func Wrap(inner store.Store) *Store {
	return &Store{Store: inner}
}

func newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 1 * time.Second
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithMaxRetries(b, maxAttempts-1)
}

// run executes op, retrying while store.IsRetryable(err) until
// maxAttempts attempts have been made or op succeeds.
func run(ctx context.Context, op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !store.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("retrying transient storage failure")
		return err
	}, backoff.WithContext(newBackoff(), ctx))
}

func (s *Store) ListAgents(ctx context.Context, namespace string) ([]models.Agent, error) {
	var out []models.Agent
	err := run(ctx, func() error {
		var e error
		out, e = s.Store.ListAgents(ctx, namespace)
		return e
	})
	return out, err
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	var out *models.Agent
	err := run(ctx, func() error {
		var e error
		out, e = s.Store.GetAgent(ctx, agentID)
		return e
	})
	return out, err
}

func (s *Store) CreateAgent(ctx context.Context, agent *models.Agent) error {
	return run(ctx, func() error { return s.Store.CreateAgent(ctx, agent) })
}

func (s *Store) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	return run(ctx, func() error { return s.Store.UpdateAgent(ctx, agent) })
}

func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	return run(ctx, func() error { return s.Store.DeleteAgent(ctx, agentID) })
}

func (s *Store) InsertMemory(ctx context.Context, m *models.Memory) (string, error) {
	var id string
	err := run(ctx, func() error {
		var e error
		id, e = s.Store.InsertMemory(ctx, m)
		return e
	})
	return id, err
}

func (s *Store) GetMemory(ctx context.Context, id string) (*models.Memory, error) {
	var out *models.Memory
	err := run(ctx, func() error {
		var e error
		out, e = s.Store.GetMemory(ctx, id)
		return e
	})
	return out, err
}

func (s *Store) UpdateMemory(ctx context.Context, id string, patch models.MemoryPatch) (*models.Memory, error) {
	var out *models.Memory
	err := run(ctx, func() error {
		var e error
		out, e = s.Store.UpdateMemory(ctx, id, patch)
		return e
	})
	return out, err
}

func (s *Store) ArchiveMemory(ctx context.Context, id string) error {
	return run(ctx, func() error { return s.Store.ArchiveMemory(ctx, id) })
}

func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	return run(ctx, func() error { return s.Store.DeleteMemory(ctx, id) })
}

func (s *Store) Search(ctx context.Context, queryVec []float32, filters models.SearchFilters, k int, minSimilarity float64) ([]models.ScoredMemory, error) {
	var out []models.ScoredMemory
	err := run(ctx, func() error {
		var e error
		out, e = s.Store.Search(ctx, queryVec, filters, k, minSimilarity)
		return e
	})
	return out, err
}

func (s *Store) Recall(ctx context.Context, filters models.RecallFilters) ([]models.Memory, error) {
	var out []models.Memory
	err := run(ctx, func() error {
		var e error
		out, e = s.Store.Recall(ctx, filters)
		return e
	})
	return out, err
}

func (s *Store) BumpAccess(ctx context.Context, id string) error {
	return run(ctx, func() error { return s.Store.BumpAccess(ctx, id) })
}

func (s *Store) CountByOwner(ctx context.Context, ownerAgentID string) (int64, error) {
	var n int64
	err := run(ctx, func() error {
		var e error
		n, e = s.Store.CountByOwner(ctx, ownerAgentID)
		return e
	})
	return n, err
}
