// Package validate is a pure, side-effect-free module: every operation
// either returns the sanitised value or a *contracts.Error carrying
// contracts.CodeValidation. Nothing here touches storage, the network,
// or the filesystem directly (ValidateFilePath only canonicalises a
// path string; it does not open it).
package validate

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/trinitas/tmws/pkg/contracts"
	"github.com/trinitas/tmws/pkg/models"
)

const (
	maxNamespaceLen   = 64
	maxTagBytes       = 32
	maxConfigFileSize = 1 << 20 // 1 MiB
	maxConfigAgents   = 1000
)

// ReservedNamespaces may only be written to by elevated/admin/system
// principals (spec.md §4.B).
var ReservedNamespaces = map[string]bool{
	"system":   true,
	"trinitas": true,
}

// ValidateAgentID checks the shape in spec.md §4.B:
// ^[A-Za-z][A-Za-z0-9_.-]{2,63}$, no ".." segment, no control/null
// runes.
func ValidateAgentID(s string) error {
	if err := rejectControlAndNull(s); err != nil {
		return err
	}
	if !models.AgentIDPattern.MatchString(s) {
		return contracts.NewValidationError("agent_id %q does not match required pattern", s)
	}
	if strings.Contains(s, "..") {
		return contracts.NewValidationError("agent_id %q contains a disallowed \"..\" segment", s)
	}
	return nil
}

// namespacePattern is the agent_id charset without the 3-char minimum
// — namespaces as short as a single letter are legitimate.
var namespacePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,63}$`)

// ValidateNamespace checks the same charset as agent_id, bounded to 64
// chars. Reserved namespaces are accepted here; the caller (access
// control) decides whether the principal may write to them.
func ValidateNamespace(s string) error {
	if err := rejectControlAndNull(s); err != nil {
		return err
	}
	if len(s) == 0 || len(s) > maxNamespaceLen {
		return contracts.NewValidationError("namespace must be 1-%d chars", maxNamespaceLen)
	}
	if !namespacePattern.MatchString(s) {
		return contracts.NewValidationError("namespace %q contains disallowed characters", s)
	}
	if strings.Contains(s, "..") {
		return contracts.NewValidationError("namespace %q contains a disallowed \"..\" segment", s)
	}
	return nil
}

// IsReservedNamespace reports whether ns requires elevated/admin/system
// access to write into (spec.md §4.B, §4.D step 5).
func IsReservedNamespace(ns string) bool {
	return ReservedNamespaces[ns]
}

// SanitizeTag normalises a tag to Unicode NFC, strips outer whitespace,
// and rejects empty or oversized results.
func SanitizeTag(s string) (string, error) {
	t := norm.NFC.String(s)
	t = strings.TrimSpace(t)
	if t == "" {
		return "", contracts.NewValidationError("tag must not be empty")
	}
	if len(t) > maxTagBytes {
		return "", contracts.NewValidationError("tag %q exceeds %d bytes", t, maxTagBytes)
	}
	return t, nil
}

func rejectControlAndNull(s string) error {
	for _, r := range s {
		if r == 0 || (unicode.IsControl(r) && r != '\t') {
			return contracts.NewValidationError("input contains a disallowed control or null byte")
		}
	}
	return nil
}

// ValidateFilePath canonicalises p (resolving symlinks, collapsing
// "..") and accepts it only if the resolved path has one of the
// allowlist prefixes. This is the sole gate the session layer's
// save/load_agent_profiles tools may pass a path through — per
// spec.md §4.B this check exists because the source this service
// reimplements had path-traversal flaws, and every external string
// MUST route through here before any filesystem access.
func ValidateFilePath(p string, allowlist []string) (string, error) {
	if p == "" {
		return "", contracts.NewValidationError("path must not be empty")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", contracts.NewValidationError("cannot resolve path %q", p)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The target may not exist yet (e.g. a save path); fall back to
		// resolving the parent directory, which must itself be real and
		// within the allowlist.
		parent, err2 := filepath.EvalSymlinks(filepath.Dir(abs))
		if err2 != nil {
			return "", contracts.NewValidationError("cannot resolve path %q: %v", p, err)
		}
		resolved = filepath.Join(parent, filepath.Base(abs))
	}
	for _, prefix := range allowlist {
		if resolved == prefix || strings.HasPrefix(resolved, prefix+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", contracts.NewValidationError("path %q resolves outside the configured allowlist", p)
}

// CustomAgentSpec mirrors one entry of the custom_agents.json config
// file (spec.md §6).
type CustomAgentSpec struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	FullID       string                 `json:"full_id"`
	Type         string                 `json:"type"`
	Namespace    string                 `json:"namespace"`
	DisplayName  string                 `json:"display_name"`
	AccessLevel  string                 `json:"access_level"`
	Capabilities []string               `json:"capabilities"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// ConfigFile mirrors the top-level custom_agents.json document.
type ConfigFile struct {
	Version      string            `json:"version"`
	CustomAgents []CustomAgentSpec `json:"custom_agents"`
}

// ValidateConfigContent enforces spec.md §4.B/§6: every agents[*] entry
// must carry id, name, type (validated as IDs/namespaces), total file
// size <= 1 MiB, agent count <= 1,000. The whole file is rejected if any
// entry is invalid.
func ValidateConfigContent(raw []byte, cfg ConfigFile) error {
	if len(raw) > maxConfigFileSize {
		return contracts.NewValidationError("config file exceeds %d bytes", maxConfigFileSize)
	}
	if len(cfg.CustomAgents) > maxConfigAgents {
		return contracts.NewValidationError("config file declares more than %d agents", maxConfigAgents)
	}
	for i, a := range cfg.CustomAgents {
		id := a.ID
		if id == "" {
			id = a.FullID
		}
		if id == "" || a.Name == "" || a.Type == "" {
			return contracts.NewValidationError("custom_agents[%d] missing required id/name/type", i)
		}
		if err := ValidateAgentID(id); err != nil {
			return contracts.NewValidationError("custom_agents[%d]: %v", i, err)
		}
		if a.Namespace != "" {
			if err := ValidateNamespace(a.Namespace); err != nil {
				return contracts.NewValidationError("custom_agents[%d]: %v", i, err)
			}
		}
	}
	return nil
}
