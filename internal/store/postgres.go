package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/trinitas/tmws/pkg/models"
)

// PostgresStore persists agents and memories through pgx, using
// pgvector for the embedding column and a pg_trgm GIN index on content.
// Search scores by cosine similarity only; the trigram index is not
// used in scoring.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPostgresStore connects to dsn and ensures the schema exists.
// dim is the embedding vector dimension (TMWS_VECTOR_DIMENSION,
// default 384 per spec.md §3).
func NewPostgresStore(ctx context.Context, dsn string, dim int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, dim: dim}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Int("dim", dim).Msg("postgres store connected")
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)
	if err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pg_trgm`)
	if err != nil {
		return fmt.Errorf("create pg_trgm extension: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tmws_agents (
	agent_id      TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL,
	agent_type    TEXT NOT NULL,
	namespace     TEXT NOT NULL,
	capabilities  JSONB NOT NULL DEFAULT '{}',
	access_level  TEXT NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT true,
	is_builtin    BOOLEAN NOT NULL DEFAULT false,
	last_activity TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("create tmws_agents: %w", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS tmws_agents_namespace_idx ON tmws_agents(namespace, agent_id)`)
	if err != nil {
		return fmt.Errorf("create tmws_agents namespace index: %w", err)
	}

	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS tmws_memories (
	id                TEXT PRIMARY KEY,
	content           TEXT NOT NULL,
	embedding         VECTOR(%d),
	owner_agent_id    TEXT NOT NULL REFERENCES tmws_agents(agent_id),
	namespace         TEXT NOT NULL,
	access_level      TEXT NOT NULL,
	tags              JSONB NOT NULL DEFAULT '[]',
	importance        DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	shared_with       JSONB NOT NULL DEFAULT '[]',
	shared_permissions JSONB NOT NULL DEFAULT '{}',
	parent_memory_id  TEXT REFERENCES tmws_memories(id),
	metadata          JSONB NOT NULL DEFAULT '{}',
	is_archived       BOOLEAN NOT NULL DEFAULT false,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_accessed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	access_count      BIGINT NOT NULL DEFAULT 0
)`, s.dim))
	if err != nil {
		return fmt.Errorf("create tmws_memories: %w", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS tmws_memories_owner_idx ON tmws_memories(owner_agent_id, is_archived)`)
	if err != nil {
		return fmt.Errorf("create owner index: %w", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS tmws_memories_ns_access_idx ON tmws_memories(namespace, access_level)`)
	if err != nil {
		return fmt.Errorf("create namespace/access index: %w", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS tmws_memories_content_trgm_idx ON tmws_memories USING GIN (content gin_trgm_ops)`)
	if err != nil {
		return fmt.Errorf("create trigram index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *PostgresStore) Close() error                   { s.pool.Close(); return nil }

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return NewStoragePgError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Statement-level queries inside fn still go through s.pool rather
	// than tx directly; WithTx's contract here is "single commit point
	// on success, single rollback point on error", not per-statement
	// isolation from concurrent readers.
	txStore := &PostgresStore{pool: s.pool, dim: s.dim}
	if err := fn(ctx, txStore); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// NewStoragePgError is exported so code outside this package (e.g.
// internal/storageretry's tests) can build an error that IsRetryable
// classifies as transient without importing pgx.
func NewStoragePgError(err error) error { return &pgStorageError{err} }

type pgStorageError struct{ err error }

func (e *pgStorageError) Error() string { return "storage: " + e.err.Error() }
func (e *pgStorageError) Unwrap() error { return e.err }

// IsRetryable reports whether err is a transient storage failure
// (spec.md §7: "the storage layer retries only ErrStorage"). ErrNotFound,
// ErrDuplicate, and ErrCycle are never retryable.
func IsRetryable(err error) bool {
	var pg *pgStorageError
	return errors.As(err, &pg)
}

// ── Agents ──────────────────────────────────────────────────

func (s *PostgresStore) ListAgents(ctx context.Context, namespace string) ([]models.Agent, error) {
	query := `SELECT agent_id, display_name, agent_type, namespace, capabilities, access_level, is_active, is_builtin, last_activity, created_at, updated_at FROM tmws_agents`
	args := []interface{}{}
	if namespace != "" {
		query += ` WHERE namespace = $1`
		args = append(args, namespace)
	}
	query += ` ORDER BY agent_id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, NewStoragePgError(err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		var a models.Agent
		if err := rows.Scan(&a.AgentID, &a.DisplayName, &a.AgentType, &a.Namespace, &a.Capabilities, &a.AccessLevel, &a.IsActive, &a.IsBuiltin, &a.LastActivity, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, NewStoragePgError(err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	var a models.Agent
	err := s.pool.QueryRow(ctx, `SELECT agent_id, display_name, agent_type, namespace, capabilities, access_level, is_active, is_builtin, last_activity, created_at, updated_at FROM tmws_agents WHERE agent_id = $1`, agentID).
		Scan(&a.AgentID, &a.DisplayName, &a.AgentType, &a.Namespace, &a.Capabilities, &a.AccessLevel, &a.IsActive, &a.IsBuiltin, &a.LastActivity, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "agent", Key: agentID}
	}
	if err != nil {
		return nil, NewStoragePgError(err)
	}
	return &a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.Agent) error {
	now := time.Now()
	agent.CreatedAt, agent.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
INSERT INTO tmws_agents (agent_id, display_name, agent_type, namespace, capabilities, access_level, is_active, is_builtin, last_activity, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		agent.AgentID, agent.DisplayName, agent.AgentType, agent.Namespace, agent.Capabilities, agent.AccessLevel, agent.IsActive, agent.IsBuiltin, agent.LastActivity, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &ErrDuplicate{Entity: "agent", Key: agent.AgentID}
		}
		return NewStoragePgError(err)
	}
	return nil
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now()
	tag, err := s.pool.Exec(ctx, `
UPDATE tmws_agents SET display_name=$2, agent_type=$3, namespace=$4, capabilities=$5, access_level=$6, is_active=$7, last_activity=$8, updated_at=$9
WHERE agent_id = $1`,
		agent.AgentID, agent.DisplayName, agent.AgentType, agent.Namespace, agent.Capabilities, agent.AccessLevel, agent.IsActive, agent.LastActivity, agent.UpdatedAt)
	if err != nil {
		return NewStoragePgError(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: agent.AgentID}
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, agentID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tmws_agents SET is_active=false, updated_at=now() WHERE agent_id=$1`, agentID)
	if err != nil {
		return NewStoragePgError(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "agent", Key: agentID}
	}
	return nil
}

// ── Memories ────────────────────────────────────────────────

func (s *PostgresStore) InsertMemory(ctx context.Context, m *models.Memory) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now()
	m.CreatedAt, m.UpdatedAt, m.LastAccessedAt = now, now, now

	_, err := s.pool.Exec(ctx, `
INSERT INTO tmws_memories (id, content, embedding, owner_agent_id, namespace, access_level, tags, importance, shared_with, shared_permissions, parent_memory_id, metadata, is_archived, created_at, updated_at, last_accessed_at, access_count)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULLIF($11,''),$12,$13,$14,$15,$16,$17)`,
		m.ID, m.Content, pgvectorArray(m.Embedding), m.OwnerAgentID, m.Namespace, m.AccessLevel, tagsJSON(m.Tags), m.Importance, tagsJSON(m.SharedWith), permsJSON(m.SharedPermissions), m.ParentMemoryID, metaJSON(m.Metadata), m.IsArchived, m.CreatedAt, m.UpdatedAt, m.LastAccessedAt, m.AccessCount)
	if err != nil {
		return "", NewStoragePgError(err)
	}
	return m.ID, nil
}

func (s *PostgresStore) GetMemory(ctx context.Context, id string) (*models.Memory, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, content, owner_agent_id, namespace, access_level, tags, importance, shared_with, shared_permissions, COALESCE(parent_memory_id,''), is_archived, created_at, updated_at, last_accessed_at, access_count FROM tmws_memories WHERE id=$1`, id)
	var m models.Memory
	var tags, shared, perms []byte
	if err := row.Scan(&m.ID, &m.Content, &m.OwnerAgentID, &m.Namespace, &m.AccessLevel, &tags, &m.Importance, &shared, &perms, &m.ParentMemoryID, &m.IsArchived, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &m.AccessCount); err != nil {
		if err == pgx.ErrNoRows {
			return nil, &ErrNotFound{Entity: "memory", Key: id}
		}
		return nil, NewStoragePgError(err)
	}
	m.Tags = parseTags(tags)
	m.SharedWith = parseTags(shared)
	m.SharedPermissions = parsePerms(perms)
	return &m, nil
}

func (s *PostgresStore) UpdateMemory(ctx context.Context, id string, patch models.MemoryPatch) (*models.Memory, error) {
	existing, err := s.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Content != nil {
		existing.Content = *patch.Content
	}
	if patch.Importance != nil {
		existing.Importance = *patch.Importance
	}
	if patch.AccessLevel != nil {
		existing.AccessLevel = *patch.AccessLevel
	}
	applySetOp(&existing.Tags, patch.SetTags, patch.AddTags, patch.RemoveTags)
	applySetOp(&existing.SharedWith, patch.SetSharedWith, patch.AddSharedWith, patch.RemoveSharedWith)
	if patch.SetSharedPermissions != nil {
		existing.SharedPermissions = patch.SetSharedPermissions
	}
	existing.PruneSharedPermissions()
	existing.UpdatedAt = time.Now()

	_, err = s.pool.Exec(ctx, `UPDATE tmws_memories SET content=$2, access_level=$3, tags=$4, importance=$5, shared_with=$6, shared_permissions=$7, updated_at=$8 WHERE id=$1`,
		existing.ID, existing.Content, existing.AccessLevel, tagsJSON(existing.Tags), existing.Importance, tagsJSON(existing.SharedWith), permsJSON(existing.SharedPermissions), existing.UpdatedAt)
	if err != nil {
		return nil, NewStoragePgError(err)
	}
	return existing, nil
}

func (s *PostgresStore) ArchiveMemory(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tmws_memories SET is_archived=true, updated_at=now() WHERE id=$1`, id)
	if err != nil {
		return NewStoragePgError(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "memory", Key: id}
	}
	return nil
}

func (s *PostgresStore) DeleteMemory(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tmws_memories WHERE id=$1`, id)
	if err != nil {
		return NewStoragePgError(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "memory", Key: id}
	}
	return nil
}

func (s *PostgresStore) BumpAccess(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tmws_memories SET access_count = access_count + 1, last_accessed_at = now() WHERE id=$1`, id)
	if err != nil {
		return NewStoragePgError(err)
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "memory", Key: id}
	}
	return nil
}

func (s *PostgresStore) CountByOwner(ctx context.Context, ownerAgentID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM tmws_memories WHERE owner_agent_id=$1 AND is_archived=false`, ownerAgentID).Scan(&n)
	if err != nil {
		return 0, NewStoragePgError(err)
	}
	return n, nil
}

// Search ranks rows matching filters (namespace, owner, access levels,
// tag subset) by cosine similarity (pgvector's <=> operator) with the
// fixed tie-break from spec.md §4.C. No lexical score is blended in.
func (s *PostgresStore) Search(ctx context.Context, queryVec []float32, filters models.SearchFilters, k int, minSimilarity float64) ([]models.ScoredMemory, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, content, owner_agent_id, namespace, access_level, tags, importance, shared_with, shared_permissions, COALESCE(parent_memory_id,''), is_archived, created_at, updated_at, last_accessed_at, access_count,
		1 - (embedding <=> $1) AS score
		FROM tmws_memories WHERE is_archived = false`)
	args := []interface{}{pgvectorArray(queryVec)}
	n := 2
	if filters.Namespace != "" {
		b.WriteString(fmt.Sprintf(" AND namespace = $%d", n))
		args = append(args, filters.Namespace)
		n++
	}
	if filters.OwnerAgentID != "" {
		b.WriteString(fmt.Sprintf(" AND owner_agent_id = $%d", n))
		args = append(args, filters.OwnerAgentID)
		n++
	}
	if len(filters.AccessLevels) > 0 {
		levels := make([]string, len(filters.AccessLevels))
		for i, l := range filters.AccessLevels {
			levels[i] = string(l)
		}
		b.WriteString(fmt.Sprintf(" AND access_level = ANY($%d)", n))
		args = append(args, levels)
		n++
	}
	if len(filters.Tags) > 0 {
		b.WriteString(fmt.Sprintf(" AND tags @> $%d::jsonb", n))
		args = append(args, tagsJSON(filters.Tags))
		n++
	}
	b.WriteString(fmt.Sprintf(" AND (1 - (embedding <=> $1)) >= $%d", n))
	args = append(args, minSimilarity)
	n++
	b.WriteString(" ORDER BY score DESC, importance DESC, updated_at DESC, id ASC")
	limit := k
	if limit <= 0 {
		limit = 10
	}
	b.WriteString(fmt.Sprintf(" LIMIT $%d", n))
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, NewStoragePgError(err)
	}
	defer rows.Close()

	var out []models.ScoredMemory
	for rows.Next() {
		var m models.Memory
		var tags, shared, perms []byte
		var score float64
		if err := rows.Scan(&m.ID, &m.Content, &m.OwnerAgentID, &m.Namespace, &m.AccessLevel, &tags, &m.Importance, &shared, &perms, &m.ParentMemoryID, &m.IsArchived, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &m.AccessCount, &score); err != nil {
			return nil, NewStoragePgError(err)
		}
		m.Tags = parseTags(tags)
		m.SharedWith = parseTags(shared)
		m.SharedPermissions = parsePerms(perms)
		out = append(out, models.ScoredMemory{Memory: m, Similarity: score})
	}
	return out, rows.Err()
}

func (s *PostgresStore) Recall(ctx context.Context, f models.RecallFilters) ([]models.Memory, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, content, owner_agent_id, namespace, access_level, tags, importance, shared_with, shared_permissions, COALESCE(parent_memory_id,''), is_archived, created_at, updated_at, last_accessed_at, access_count FROM tmws_memories WHERE is_archived = false`)
	args := []interface{}{}
	n := 1
	if f.AgentID != "" {
		b.WriteString(fmt.Sprintf(" AND owner_agent_id = $%d", n))
		args = append(args, f.AgentID)
		n++
	}
	if f.Namespace != "" {
		b.WriteString(fmt.Sprintf(" AND namespace = $%d", n))
		args = append(args, f.Namespace)
		n++
	}
	if len(f.Tags) > 0 {
		b.WriteString(fmt.Sprintf(" AND tags @> $%d::jsonb", n))
		args = append(args, tagsJSON(f.Tags))
		n++
	}
	b.WriteString(" ORDER BY created_at DESC")
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	b.WriteString(fmt.Sprintf(" LIMIT $%d OFFSET $%d", n, n+1))
	args = append(args, limit, f.Offset)

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, NewStoragePgError(err)
	}
	defer rows.Close()

	var out []models.Memory
	for rows.Next() {
		var m models.Memory
		var tags, shared, perms []byte
		if err := rows.Scan(&m.ID, &m.Content, &m.OwnerAgentID, &m.Namespace, &m.AccessLevel, &tags, &m.Importance, &shared, &perms, &m.ParentMemoryID, &m.IsArchived, &m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &m.AccessCount); err != nil {
			return nil, NewStoragePgError(err)
		}
		m.Tags = parseTags(tags)
		m.SharedWith = parseTags(shared)
		m.SharedPermissions = parsePerms(perms)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ── helpers ─────────────────────────────────────────────────

// pgvectorArray renders a vector in the textual form pgvector accepts:
// [1.0,2.0,3.0]. Mirrors the teacher's own pgvector serializer exactly.
func pgvectorArray(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func tagsJSON(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func permsJSON(perms map[string]models.Permission) string {
	if perms == nil {
		perms = map[string]models.Permission{}
	}
	b, _ := json.Marshal(perms)
	return string(b)
}

func parsePerms(raw []byte) map[string]models.Permission {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]models.Permission
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func metaJSON(meta map[string]interface{}) string {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	b, _ := json.Marshal(meta)
	return string(b)
}

func parseTags(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}
