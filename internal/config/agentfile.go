package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/trinitas/tmws/internal/validate"
	"github.com/trinitas/tmws/pkg/contracts"
)

// customAgentSearchPath is the fixed lookup order spec.md §6 names for
// the custom_agents.json config file.
func customAgentSearchPath() []string {
	home, _ := os.UserHomeDir()
	paths := []string{"custom_agents.json"}
	if home != "" {
		paths = append(paths, filepath.Join(home, ".tmws", "custom_agents.json"))
	}
	paths = append(paths, "/etc/tmws/custom_agents.json")
	return paths
}

// LoadCustomAgents searches customAgentSearchPath in order and parses
// the first file found. It returns (nil, nil, "", nil) when none exist — a
// custom agent file is optional at startup.
func LoadCustomAgents() ([]validate.CustomAgentSpec, []byte, string, error) {
	for _, path := range customAgentSearchPath() {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var doc validate.ConfigFile
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, nil, path, contracts.NewValidationError("malformed custom agent file %s: %v", path, err)
		}
		if err := validate.ValidateConfigContent(data, doc); err != nil {
			return nil, nil, path, err
		}
		return doc.CustomAgents, data, path, nil
	}
	return nil, nil, "", nil
}
