package store

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/trinitas/tmws/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Agents   map[string]*models.Agent  `json:"agents"`
	Memories map[string]*models.Memory `json:"memories"`
}

// MemoryStore implements Store with in-memory maps, persisted to a JSON
// snapshot on disk with debounced writes. It is the development and
// test-default backend; PostgresStore is used in production.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*models.Agent  // key: agent_id
	memories map[string]*models.Memory // key: id

	snapshotPath string
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}
	closed       bool
}

// NewMemoryStore creates a new in-memory store. If TMWS_DATA_DIR is
// set, data is persisted to a JSON file in that directory; otherwise it
// defaults to $HOME/.tmws/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		agents:   make(map[string]*models.Agent),
		memories: make(map[string]*models.Memory),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}

	dataDir := os.Getenv("TMWS_DATA_DIR")
	if dataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataDir = filepath.Join(home, ".tmws")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("memory store configured")
	return m
}

func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.RLock()
	snap := snapshot{Agents: m.agents, Memories: m.memories}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Msg("failed to write snapshot")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Msg("failed to rename snapshot into place")
	}
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("failed to read snapshot")
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Msg("failed to parse snapshot, starting empty")
		return
	}
	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Memories != nil {
		m.memories = snap.Memories
	}
}

// Close is idempotent; it stops the background save goroutine and
// forces a final flush.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.snapshotPath != "" {
		close(m.doneCh)
		m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error    { return nil }
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// WithTx has no real transaction to offer in the in-memory backend; the
// store's own mutex already serialises every mutation, so fn simply
// runs against the store itself.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	return fn(ctx, m)
}

// ── Agents ──────────────────────────────────────────────────

func (m *MemoryStore) ListAgents(_ context.Context, namespace string) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		if namespace != "" && a.Namespace != namespace {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *MemoryStore) GetAgent(_ context.Context, agentID string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: agentID}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.AgentID]; exists {
		return &ErrDuplicate{Entity: "agent", Key: agent.AgentID}
	}
	cp := *agent
	m.agents[agent.AgentID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.AgentID]; !exists {
		return &ErrNotFound{Entity: "agent", Key: agent.AgentID}
	}
	cp := *agent
	m.agents[agent.AgentID] = &cp
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.agents[agentID]
	if !exists {
		return &ErrNotFound{Entity: "agent", Key: agentID}
	}
	a.IsActive = false
	a.UpdatedAt = time.Now()
	m.requestSave()
	return nil
}

// ── Memories ────────────────────────────────────────────────

// InsertMemory persists mem as-is. The parent_memory_id DAG invariant
// is enforced by internal/memsvc before this is called, not here
// (spec.md §9: checked in the service layer, not relied upon from the
// schema) — callers that bypass memsvc bypass that check too.
func (m *MemoryStore) InsertMemory(_ context.Context, mem *models.Memory) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mem.ID == "" {
		mem.ID = uuid.NewString()
	}
	now := time.Now()
	mem.CreatedAt = now
	mem.UpdatedAt = now
	mem.LastAccessedAt = now
	cp := *mem
	m.memories[mem.ID] = &cp
	m.requestSave()
	return mem.ID, nil
}

func (m *MemoryStore) GetMemory(_ context.Context, id string) (*models.Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, ok := m.memories[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "memory", Key: id}
	}
	cp := *mem
	return &cp, nil
}

func (m *MemoryStore) UpdateMemory(_ context.Context, id string, patch models.MemoryPatch) (*models.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.memories[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "memory", Key: id}
	}

	if patch.Content != nil {
		mem.Content = *patch.Content
	}
	if patch.Importance != nil {
		mem.Importance = *patch.Importance
	}
	if patch.AccessLevel != nil {
		mem.AccessLevel = *patch.AccessLevel
	}
	applySetOp(&mem.Tags, patch.SetTags, patch.AddTags, patch.RemoveTags)
	applySetOp(&mem.SharedWith, patch.SetSharedWith, patch.AddSharedWith, patch.RemoveSharedWith)
	if patch.SetSharedPermissions != nil {
		mem.SharedPermissions = patch.SetSharedPermissions
	}
	mem.PruneSharedPermissions()

	mem.UpdatedAt = time.Now()
	m.requestSave()

	cp := *mem
	return &cp, nil
}

// applySetOp implements the "replace or diff-update (add, remove)"
// contract from spec.md §4.C for a set-valued field.
func applySetOp(field *[]string, set, add, remove []string) {
	if set != nil {
		*field = append([]string(nil), set...)
		return
	}
	if len(add) == 0 && len(remove) == 0 {
		return
	}
	present := make(map[string]bool, len(*field))
	for _, v := range *field {
		present[v] = true
	}
	for _, v := range remove {
		delete(present, v)
	}
	for _, v := range add {
		present[v] = true
	}
	out := make([]string, 0, len(present))
	for v := range present {
		out = append(out, v)
	}
	sort.Strings(out)
	*field = out
}

func (m *MemoryStore) ArchiveMemory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.memories[id]
	if !ok {
		return &ErrNotFound{Entity: "memory", Key: id}
	}
	mem.IsArchived = true
	mem.UpdatedAt = time.Now()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteMemory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.memories[id]; !ok {
		return &ErrNotFound{Entity: "memory", Key: id}
	}
	delete(m.memories, id)
	m.requestSave()
	return nil
}

func (m *MemoryStore) BumpAccess(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.memories[id]
	if !ok {
		return &ErrNotFound{Entity: "memory", Key: id}
	}
	mem.AccessCount++
	mem.LastAccessedAt = time.Now()
	return nil
}

func (m *MemoryStore) CountByOwner(_ context.Context, ownerAgentID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, mem := range m.memories {
		if mem.OwnerAgentID == ownerAgentID && !mem.IsArchived {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Search(_ context.Context, queryVec []float32, filters models.SearchFilters, k int, minSimilarity float64) ([]models.ScoredMemory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make([]models.ScoredMemory, 0)
	for _, mem := range m.memories {
		if mem.IsArchived {
			continue
		}
		if !matchesFilters(mem, filters) {
			continue
		}
		sim := cosineSimilarity(queryVec, mem.Embedding)
		if sim < minSimilarity {
			continue
		}
		candidates = append(candidates, models.ScoredMemory{Memory: *mem, Similarity: sim})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Memory.Importance != b.Memory.Importance {
			return a.Memory.Importance > b.Memory.Importance
		}
		if !a.Memory.UpdatedAt.Equal(b.Memory.UpdatedAt) {
			return a.Memory.UpdatedAt.After(b.Memory.UpdatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})

	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func matchesFilters(mem *models.Memory, f models.SearchFilters) bool {
	if f.OwnerAgentID != "" && mem.OwnerAgentID != f.OwnerAgentID {
		if !f.IncludeShared || !contains(mem.SharedWith, f.ViewerAgentID) {
			return false
		}
	}
	if f.Namespace != "" && mem.Namespace != f.Namespace {
		return false
	}
	if len(f.AccessLevels) > 0 {
		ok := false
		for _, lvl := range f.AccessLevels {
			if mem.AccessLevel == lvl {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, tag := range f.Tags {
		if !contains(mem.Tags, tag) {
			return false
		}
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Recall(_ context.Context, f models.RecallFilters) ([]models.Memory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]models.Memory, 0)
	for _, mem := range m.memories {
		if mem.IsArchived {
			continue
		}
		if f.AgentID != "" && mem.OwnerAgentID != f.AgentID {
			continue
		}
		if f.Namespace != "" && mem.Namespace != f.Namespace {
			continue
		}
		skip := false
		for _, tag := range f.Tags {
			if !contains(mem.Tags, tag) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		matched = append(matched, *mem)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

// cosineSimilarity returns a·b / (‖a‖‖b‖), or 0 if either vector has
// zero norm — matching the glossary's definition and the teacher's own
// embedded vector store behaviour on degenerate input.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
