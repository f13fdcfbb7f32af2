package session_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/trinitas/tmws/internal/access"
	"github.com/trinitas/tmws/internal/embedding"
	"github.com/trinitas/tmws/internal/memsvc"
	"github.com/trinitas/tmws/internal/registry"
	"github.com/trinitas/tmws/internal/session"
	"github.com/trinitas/tmws/internal/store"
	"github.com/trinitas/tmws/pkg/contracts"
)

func newTestRouter(t *testing.T, allowlist []string) (*session.Router, *registry.Registry) {
	t.Helper()
	t.Setenv("TMWS_DATA_DIR", t.TempDir())

	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	gw := embedding.NewGateway(64)
	gw.Register(embedding.NewStaticDriver(8))

	limiter := access.NewRateLimiter(access.DefaultRateLimits)
	policy := access.NewPolicy(limiter)
	reg := registry.New(st)
	if err := reg.Load(context.Background(), ""); err != nil {
		t.Fatalf("reg.Load: %v", err)
	}

	mem := memsvc.New(st, gw, policy, limiter, reg)
	return session.NewRouter(reg, mem, allowlist), reg
}

func frame(id, tool string, params interface{}) session.Frame {
	raw, _ := json.Marshal(params)
	return session.Frame{ID: id, Tool: tool, Params: raw}
}

// S1 Create+recall.
func TestRouter_CreateAndSearchMemory(t *testing.T) {
	router, reg := newTestRouter(t, []string{"."})
	sess := session.New(reg, "athena-conductor")

	create := router.Dispatch(context.Background(), sess, frame("1", "create_memory", map[string]interface{}{
		"content": "Project Apollo kickoff", "tags": []string{"project", "kickoff"}, "importance": 0.8,
	}))
	if create.Error != nil {
		t.Fatalf("create_memory error = %v", create.Error)
	}

	search := router.Dispatch(context.Background(), sess, frame("2", "search_memories", map[string]interface{}{
		"query": "apollo launch", "limit": 5,
	}))
	if search.Error != nil {
		t.Fatalf("search_memories error = %v", search.Error)
	}
	results, ok := search.Result.([]interface{})
	if !ok {
		resultsBytes, _ := json.Marshal(search.Result)
		var decoded []interface{}
		if err := json.Unmarshal(resultsBytes, &decoded); err != nil {
			t.Fatalf("could not decode search result: %v", err)
		}
		results = decoded
	}
	if len(results) == 0 {
		t.Error("expected search_memories to return the just-created memory")
	}
}

// S3 Switch scope.
func TestRouter_ExecuteAsAgentDoesNotChangeCurrentAgent(t *testing.T) {
	router, reg := newTestRouter(t, []string{"."})
	sess := session.New(reg, "athena-conductor")

	resp := router.Dispatch(context.Background(), sess, frame("1", "execute_as_agent", map[string]interface{}{
		"name": "hestia", "action": "create_memory", "params": map[string]interface{}{"content": "audited note"},
	}))
	if resp.Error != nil {
		t.Fatalf("execute_as_agent error = %v", resp.Error)
	}

	cur := router.Dispatch(context.Background(), sess, frame("2", "get_current_agent", nil))
	if cur.Error != nil {
		t.Fatalf("get_current_agent error = %v", cur.Error)
	}
	raw, _ := json.Marshal(cur.Result)
	if !containsSubstring(string(raw), "athena-conductor") {
		t.Errorf("expected current agent to remain athena-conductor after execute_as_agent, got %s", raw)
	}
}

// S4 Path traversal blocked.
func TestRouter_LoadAgentProfilesRejectsPathTraversal(t *testing.T) {
	router, reg := newTestRouter(t, []string{"."})
	sess := session.New(reg, "athena-conductor")

	resp := router.Dispatch(context.Background(), sess, frame("1", "load_agent_profiles", map[string]interface{}{
		"path": "../../etc/passwd",
	}))
	if resp.Error == nil {
		t.Fatal("expected load_agent_profiles to reject a traversal path")
	}
	if resp.Error.Code != string(contracts.CodeValidation) {
		t.Errorf("Error.Code = %q, want %q", resp.Error.Code, contracts.CodeValidation)
	}
}

// S5 ID injection blocked.
func TestRouter_RegisterAgentRejectsInjectionShapedID(t *testing.T) {
	router, reg := newTestRouter(t, []string{"."})
	sess := session.New(reg, "athena-conductor")

	resp := router.Dispatch(context.Background(), sess, frame("1", "register_agent", map[string]interface{}{
		"agent_id": "'; DROP TABLE agents; --", "namespace": "default",
	}))
	if resp.Error == nil {
		t.Fatal("expected register_agent to reject an injection-shaped agent_id")
	}
	if resp.Error.Code != string(contracts.CodeValidation) {
		t.Errorf("Error.Code = %q, want %q", resp.Error.Code, contracts.CodeValidation)
	}
}

func TestRouter_UnknownToolReturnsErrUnknownTool(t *testing.T) {
	router, reg := newTestRouter(t, []string{"."})
	sess := session.New(reg, "athena-conductor")

	resp := router.Dispatch(context.Background(), sess, frame("1", "not_a_real_tool", nil))
	if resp.Error == nil {
		t.Fatal("expected an error frame for an unknown tool")
	}
	if resp.Error.Code != string(contracts.CodeUnknownTool) {
		t.Errorf("Error.Code = %q, want %q", resp.Error.Code, contracts.CodeUnknownTool)
	}
}

// Property 8: ordering per session — responses preserve request id
// order when dispatched in arrival order on one session.
func TestRouter_PreservesRequestIDOrdering(t *testing.T) {
	router, reg := newTestRouter(t, []string{"."})
	sess := session.New(reg, "athena-conductor")

	ids := []string{"r1", "r2", "r3"}
	for _, id := range ids {
		resp := router.Dispatch(context.Background(), sess, frame(id, "get_current_agent", nil))
		if resp.ID != id {
			t.Errorf("response id = %q, want %q", resp.ID, id)
		}
		if resp.Error != nil {
			t.Fatalf("get_current_agent(%s) error = %v", id, resp.Error)
		}
	}
}

// Property 9: built-in immutability.
func TestRouter_UnregisterBuiltinRejected(t *testing.T) {
	router, reg := newTestRouter(t, []string{"."})
	sess := session.New(reg, "athena-conductor")

	resp := router.Dispatch(context.Background(), sess, frame("1", "unregister_agent", map[string]interface{}{
		"name": "athena-conductor",
	}))
	if resp.Error == nil {
		t.Fatal("expected unregistering a built-in agent to fail")
	}
	if resp.Error.Code != string(contracts.CodePermission) {
		t.Errorf("Error.Code = %q, want %q", resp.Error.Code, contracts.CodePermission)
	}
}

func containsSubstring(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
