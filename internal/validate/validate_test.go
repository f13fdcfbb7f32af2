package validate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/trinitas/tmws/internal/validate"
	"github.com/trinitas/tmws/pkg/contracts"
)

func wantValidationErr(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if contracts.CodeOf(err) != contracts.CodeValidation {
		t.Fatalf("CodeOf(err) = %v, want %v", contracts.CodeOf(err), contracts.CodeValidation)
	}
}

func TestValidateAgentID_Accepts(t *testing.T) {
	for _, id := range []string{"athena-conductor", "a12", "My.Agent_1"} {
		if err := validate.ValidateAgentID(id); err != nil {
			t.Errorf("ValidateAgentID(%q) = %v, want nil", id, err)
		}
	}
}

func TestValidateAgentID_RejectsInjectionShapes(t *testing.T) {
	cases := []string{
		"",
		"a",
		"1abc",
		"../etc/passwd",
		"foo/bar",
		"foo..bar",
		"bad\x00id",
		"'; DROP TABLE agents; --",
	}
	for _, id := range cases {
		if err := validate.ValidateAgentID(id); err == nil {
			t.Errorf("ValidateAgentID(%q) = nil, want ErrValidation", id)
		} else {
			wantValidationErr(t, err)
		}
	}
}

func TestValidateNamespace(t *testing.T) {
	if err := validate.ValidateNamespace("default"); err != nil {
		t.Errorf("ValidateNamespace(default) = %v, want nil", err)
	}
	if err := validate.ValidateNamespace(strings.Repeat("a", 65)); err == nil {
		t.Error("ValidateNamespace(65 chars) = nil, want ErrValidation")
	}
}

func TestIsReservedNamespace(t *testing.T) {
	if !validate.IsReservedNamespace("system") || !validate.IsReservedNamespace("trinitas") {
		t.Error("expected system and trinitas to be reserved")
	}
	if validate.IsReservedNamespace("default") {
		t.Error("default must not be reserved")
	}
}

func TestSanitizeTag(t *testing.T) {
	got, err := validate.SanitizeTag("  kickoff  ")
	if err != nil {
		t.Fatalf("SanitizeTag() error = %v", err)
	}
	if got != "kickoff" {
		t.Errorf("SanitizeTag() = %q, want %q", got, "kickoff")
	}

	if _, err := validate.SanitizeTag("   "); err == nil {
		t.Error("SanitizeTag(whitespace only) = nil, want ErrValidation")
	}
	if _, err := validate.SanitizeTag(strings.Repeat("x", 33)); err == nil {
		t.Error("SanitizeTag(33 bytes) = nil, want ErrValidation")
	}
}

func TestValidateFilePath_AllowlistAndTraversal(t *testing.T) {
	dir := t.TempDir()
	allowed := filepath.Join(dir, "allowed")
	if err := os.MkdirAll(allowed, 0o755); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(allowed, "profiles.json")
	if resolved, err := validate.ValidateFilePath(target, []string{allowed}); err != nil {
		t.Errorf("ValidateFilePath(in-allowlist) error = %v", err)
	} else if resolved != target {
		t.Errorf("resolved = %q, want %q", resolved, target)
	}

	outside := filepath.Join(dir, "outside.json")
	if _, err := validate.ValidateFilePath(outside, []string{allowed}); err == nil {
		t.Error("ValidateFilePath(outside allowlist) = nil, want ErrValidation")
	} else {
		wantValidationErr(t, err)
	}

	traversal := filepath.Join(allowed, "..", "outside.json")
	if _, err := validate.ValidateFilePath(traversal, []string{allowed}); err == nil {
		t.Error("ValidateFilePath(traversal) = nil, want ErrValidation")
	}
}

func TestValidateFilePath_SymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	allowed := filepath.Join(dir, "allowed")
	outside := filepath.Join(dir, "outside")
	if err := os.MkdirAll(allowed, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(outside, 0o755); err != nil {
		t.Fatal(err)
	}

	link := filepath.Join(allowed, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}

	if _, err := validate.ValidateFilePath(link, []string{allowed}); err == nil {
		t.Error("ValidateFilePath(symlink escaping allowlist) = nil, want ErrValidation")
	}
}

func TestValidateConfigContent(t *testing.T) {
	good := validate.ConfigFile{
		Version: "1.0",
		CustomAgents: []validate.CustomAgentSpec{
			{ID: "custom-agent-1", Name: "Custom One", Type: "custom_agent", Namespace: "default"},
		},
	}
	if err := validate.ValidateConfigContent([]byte("{}"), good); err != nil {
		t.Errorf("ValidateConfigContent(valid) = %v, want nil", err)
	}

	bad := validate.ConfigFile{
		CustomAgents: []validate.CustomAgentSpec{{Name: "missing id and type"}},
	}
	if err := validate.ValidateConfigContent([]byte("{}"), bad); err == nil {
		t.Error("ValidateConfigContent(missing fields) = nil, want ErrValidation")
	}
}
