package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/trinitas/tmws/internal/store"
	"github.com/trinitas/tmws/pkg/models"
)

func newMemStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	t.Setenv("TMWS_DATA_DIR", t.TempDir())
	m := store.NewMemoryStore()
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMemoryStore_CreateAgentRejectsDuplicate(t *testing.T) {
	m := newMemStore(t)
	ctx := context.Background()
	agent := &models.Agent{AgentID: "athena-conductor", Namespace: "trinitas"}

	if err := m.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("first CreateAgent: %v", err)
	}
	err := m.CreateAgent(ctx, agent)
	var dup *store.ErrDuplicate
	if err == nil {
		t.Fatal("expected ErrDuplicate on second CreateAgent")
	}
	if !asDuplicate(err, &dup) {
		t.Errorf("error = %v, want *store.ErrDuplicate", err)
	}
}

func TestMemoryStore_GetAgentNotFound(t *testing.T) {
	m := newMemStore(t)
	_, err := m.GetAgent(context.Background(), "ghost")
	var nf *store.ErrNotFound
	if !asNotFound(err, &nf) {
		t.Errorf("error = %v, want *store.ErrNotFound", err)
	}
}

func TestMemoryStore_InsertMemoryAssignsIDAndTimestamps(t *testing.T) {
	m := newMemStore(t)
	ctx := context.Background()

	id, err := m.InsertMemory(ctx, &models.Memory{
		Content:      "Project Apollo kickoff",
		OwnerAgentID: "athena-conductor",
		Namespace:    "trinitas",
		AccessLevel:  models.MemoryPrivate,
	})
	if err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated id")
	}

	got, err := m.GetMemory(ctx, id)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() || got.LastAccessedAt.IsZero() {
		t.Error("expected InsertMemory to stamp created/updated/last_accessed times")
	}
}

func TestMemoryStore_UpdateMemoryAppliesSetOps(t *testing.T) {
	m := newMemStore(t)
	ctx := context.Background()

	id, err := m.InsertMemory(ctx, &models.Memory{
		Content:      "notes",
		OwnerAgentID: "a",
		AccessLevel:  models.MemoryPrivate,
		Tags:         []string{"alpha", "beta"},
	})
	if err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}

	addTag := "gamma"
	removeTag := "alpha"
	got, err := m.UpdateMemory(ctx, id, models.MemoryPatch{
		AddTags:    []string{addTag},
		RemoveTags: []string{removeTag},
	})
	if err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}
	want := map[string]bool{"beta": true, "gamma": true}
	if len(got.Tags) != len(want) {
		t.Fatalf("Tags = %v, want %v", got.Tags, want)
	}
	for _, tag := range got.Tags {
		if !want[tag] {
			t.Errorf("unexpected tag %q after add/remove", tag)
		}
	}
}

func TestMemoryStore_UpdateMemoryPrunesStalePermissions(t *testing.T) {
	m := newMemStore(t)
	ctx := context.Background()

	id, err := m.InsertMemory(ctx, &models.Memory{
		Content:           "notes",
		OwnerAgentID:      "a",
		AccessLevel:       models.MemoryShared,
		SharedWith:        []string{"viewer", "editor"},
		SharedPermissions: map[string]models.Permission{"viewer": models.PermissionRead, "editor": models.PermissionWrite},
	})
	if err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}

	got, err := m.UpdateMemory(ctx, id, models.MemoryPatch{RemoveSharedWith: []string{"editor"}})
	if err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}
	if _, stillPresent := got.SharedPermissions["editor"]; stillPresent {
		t.Error("expected editor's permission to be pruned once removed from shared_with")
	}
	if got.SharedPermissions["viewer"] != models.PermissionRead {
		t.Errorf("SharedPermissions[viewer] = %v, want read", got.SharedPermissions["viewer"])
	}
}

func TestMemoryStore_SearchOrdersBySimilarityThenImportance(t *testing.T) {
	m := newMemStore(t)
	ctx := context.Background()

	low, _ := m.InsertMemory(ctx, &models.Memory{
		Content: "low", OwnerAgentID: "a", AccessLevel: models.MemoryPrivate,
		Embedding: []float32{1, 0}, Importance: 0.1,
	})
	high, _ := m.InsertMemory(ctx, &models.Memory{
		Content: "high", OwnerAgentID: "a", AccessLevel: models.MemoryPrivate,
		Embedding: []float32{1, 0}, Importance: 0.9,
	})
	_, _ = m.InsertMemory(ctx, &models.Memory{
		Content: "irrelevant", OwnerAgentID: "a", AccessLevel: models.MemoryPrivate,
		Embedding: []float32{0, 1}, Importance: 1.0,
	})

	results, err := m.Search(ctx, []float32{1, 0}, models.SearchFilters{OwnerAgentID: "a"}, 10, 0.5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2 (orthogonal vector excluded by min_similarity)", len(results))
	}
	if results[0].Memory.ID != high || results[1].Memory.ID != low {
		t.Errorf("results out of order, want [high, low] by importance tiebreak, got [%s, %s]", results[0].Memory.ID, results[1].Memory.ID)
	}
}

// Property 7: search(q, k) is a prefix of search(q, k+1) under the
// fixed tie-break.
func TestMemoryStore_SearchIsMonotonicInK(t *testing.T) {
	m := newMemStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := m.InsertMemory(ctx, &models.Memory{
			Content: "note", OwnerAgentID: "a", AccessLevel: models.MemoryPrivate,
			Embedding: []float32{1, 0}, Importance: float64(i) / 10,
		})
		if err != nil {
			t.Fatalf("InsertMemory: %v", err)
		}
	}

	small, err := m.Search(ctx, []float32{1, 0}, models.SearchFilters{OwnerAgentID: "a"}, 3, 0)
	if err != nil {
		t.Fatalf("Search(k=3): %v", err)
	}
	large, err := m.Search(ctx, []float32{1, 0}, models.SearchFilters{OwnerAgentID: "a"}, 4, 0)
	if err != nil {
		t.Fatalf("Search(k=4): %v", err)
	}
	if len(small) != 3 || len(large) != 4 {
		t.Fatalf("len(small)=%d len(large)=%d, want 3 and 4", len(small), len(large))
	}
	for i := range small {
		if small[i].Memory.ID != large[i].Memory.ID {
			t.Errorf("search(k=3)[%d] = %s, search(k=4)[%d] = %s, want search(k) to be a prefix of search(k+1)", i, small[i].Memory.ID, i, large[i].Memory.ID)
		}
	}
}

func TestMemoryStore_SearchExcludesArchived(t *testing.T) {
	m := newMemStore(t)
	ctx := context.Background()

	id, _ := m.InsertMemory(ctx, &models.Memory{
		Content: "archived", OwnerAgentID: "a", AccessLevel: models.MemoryPrivate, Embedding: []float32{1, 0},
	})
	if err := m.ArchiveMemory(ctx, id); err != nil {
		t.Fatalf("ArchiveMemory: %v", err)
	}

	results, err := m.Search(ctx, []float32{1, 0}, models.SearchFilters{OwnerAgentID: "a"}, 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Memory.ID == id {
			t.Error("archived memory must not appear in search results")
		}
	}
}

func TestMemoryStore_SearchSharedVisibilityRequiresIncludeShared(t *testing.T) {
	m := newMemStore(t)
	ctx := context.Background()

	id, _ := m.InsertMemory(ctx, &models.Memory{
		Content: "shared note", OwnerAgentID: "owner", AccessLevel: models.MemoryShared,
		SharedWith: []string{"viewer"}, Embedding: []float32{1, 0},
	})

	notIncluded, err := m.Search(ctx, []float32{1, 0}, models.SearchFilters{OwnerAgentID: "someone-else", ViewerAgentID: "viewer"}, 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range notIncluded {
		if r.Memory.ID == id {
			t.Error("shared memory leaked to a filter that did not set IncludeShared")
		}
	}

	included, err := m.Search(ctx, []float32{1, 0}, models.SearchFilters{OwnerAgentID: "someone-else", IncludeShared: true, ViewerAgentID: "viewer"}, 10, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	found := false
	for _, r := range included {
		if r.Memory.ID == id {
			found = true
		}
	}
	if !found {
		t.Error("expected shared memory to be visible when IncludeShared is set and viewer is in shared_with")
	}
}

func TestMemoryStore_RecallPaginates(t *testing.T) {
	m := newMemStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := m.InsertMemory(ctx, &models.Memory{Content: "note", OwnerAgentID: "a", AccessLevel: models.MemoryPrivate}); err != nil {
			t.Fatalf("InsertMemory: %v", err)
		}
	}

	page, err := m.Recall(ctx, models.RecallFilters{AgentID: "a", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("len(page) = %d, want 2", len(page))
	}
}

// S6 Concurrent writers: two simultaneous update_memory calls against
// the same row both succeed, and the final content is one of the two
// patches in full, never a mix of the two.
func TestMemoryStore_ConcurrentUpdatesNeverProduceAMixedRow(t *testing.T) {
	m := newMemStore(t)
	ctx := context.Background()

	id, err := m.InsertMemory(ctx, &models.Memory{Content: "original", OwnerAgentID: "a", AccessLevel: models.MemoryPrivate})
	if err != nil {
		t.Fatalf("InsertMemory: %v", err)
	}

	patchA := "patch from writer A"
	patchB := "patch from writer B"
	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = m.UpdateMemory(ctx, id, models.MemoryPatch{Content: &patchA})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = m.UpdateMemory(ctx, id, models.MemoryPatch{Content: &patchB})
	}()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: UpdateMemory error = %v", i, err)
		}
	}

	got, err := m.GetMemory(ctx, id)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.Content != patchA && got.Content != patchB {
		t.Errorf("Content = %q, want exactly %q or %q (never a mixed row)", got.Content, patchA, patchB)
	}
}

func TestMemoryStore_BumpAccessIncrementsCount(t *testing.T) {
	m := newMemStore(t)
	ctx := context.Background()

	id, _ := m.InsertMemory(ctx, &models.Memory{Content: "note", OwnerAgentID: "a", AccessLevel: models.MemoryPrivate})
	if err := m.BumpAccess(ctx, id); err != nil {
		t.Fatalf("BumpAccess: %v", err)
	}
	got, err := m.GetMemory(ctx, id)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", got.AccessCount)
	}
}

func TestMemoryStore_CountByOwnerExcludesArchived(t *testing.T) {
	m := newMemStore(t)
	ctx := context.Background()

	keep, _ := m.InsertMemory(ctx, &models.Memory{Content: "a", OwnerAgentID: "a", AccessLevel: models.MemoryPrivate})
	archived, _ := m.InsertMemory(ctx, &models.Memory{Content: "b", OwnerAgentID: "a", AccessLevel: models.MemoryPrivate})
	_ = keep
	if err := m.ArchiveMemory(ctx, archived); err != nil {
		t.Fatalf("ArchiveMemory: %v", err)
	}

	n, err := m.CountByOwner(ctx, "a")
	if err != nil {
		t.Fatalf("CountByOwner: %v", err)
	}
	if n != 1 {
		t.Errorf("CountByOwner = %d, want 1", n)
	}
}

func asNotFound(err error, target **store.ErrNotFound) bool {
	nf, ok := err.(*store.ErrNotFound)
	if ok {
		*target = nf
	}
	return ok
}

func asDuplicate(err error, target **store.ErrDuplicate) bool {
	d, ok := err.(*store.ErrDuplicate)
	if ok {
		*target = d
	}
	return ok
}

