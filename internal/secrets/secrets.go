// Package secrets loads the JSON secrets file that configures at-rest
// encryption and signing keys, kept separate from the YAML config so that
// configuration can be version-controlled while secrets cannot.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
)

// Secrets mirrors spec.md §6's JSON secrets file.
type Secrets struct {
	Password          string `json:"password"`
	NetworkPrivateKey string `json:"network_private_key"`
	PrivateKey        string `json:"private_key"`
}

// Load reads and validates the secrets file. aggregator controls whether
// private_key is required: it is fatal only when the node runs the
// aggregator (chain-writer) role.
func Load(path string, aggregator bool) (*Secrets, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets %s: %w", path, err)
	}
	var s Secrets
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse secrets %s: %w", path, err)
	}
	if s.Password == "" {
		return nil, fmt.Errorf("secrets: password is required")
	}
	if s.NetworkPrivateKey == "" {
		return nil, fmt.Errorf("secrets: network_private_key is required")
	}
	if aggregator && s.PrivateKey == "" {
		return nil, fmt.Errorf("secrets: private_key is required when aggregator=true")
	}
	return &s, nil
}
