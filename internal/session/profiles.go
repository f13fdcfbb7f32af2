package session

import (
	"encoding/json"
	"os"

	"github.com/trinitas/tmws/internal/validate"
	"github.com/trinitas/tmws/pkg/contracts"
	"github.com/trinitas/tmws/pkg/models"
)

// saveProfiles writes agents to resolvedPath as a custom_agents.json
// document (spec.md §6), the same shape load_agent_profiles reads
// back.
func saveProfiles(resolvedPath string, agents []models.Agent) (map[string]int, error) {
	specs := make([]validate.CustomAgentSpec, 0, len(agents))
	for _, a := range agents {
		if a.IsBuiltin {
			continue
		}
		specs = append(specs, validate.CustomAgentSpec{
			ID:          a.AgentID,
			Name:        a.DisplayName,
			Type:        string(a.AgentType),
			Namespace:   a.Namespace,
			DisplayName: a.DisplayName,
			AccessLevel: string(a.AccessLevel),
		})
	}
	doc := validate.ConfigFile{Version: "1", CustomAgents: specs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, contracts.NewInternalError(err)
	}
	if err := os.WriteFile(resolvedPath, data, 0o644); err != nil {
		return nil, contracts.NewStorageError(err)
	}
	return map[string]int{"saved": len(specs)}, nil
}

// loadProfiles reads and JSON-decodes resolvedPath, returning both the
// parsed specs and the raw bytes (ValidateConfigContent needs the raw
// size).
func loadProfiles(resolvedPath string) ([]validate.CustomAgentSpec, []byte, error) {
	data, err := os.ReadFile(resolvedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, contracts.NewNotFoundError("agent profile file", resolvedPath)
		}
		return nil, nil, contracts.NewStorageError(err)
	}
	var doc validate.ConfigFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, contracts.NewValidationError("malformed agent profile file: %v", err)
	}
	return doc.CustomAgents, data, nil
}
