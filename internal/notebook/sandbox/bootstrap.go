package sandbox

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// BootstrapName is the file name the bootstrap is written under in a run directory.
const BootstrapName = "bootstrap.py"

// PolicyFileName is the file name of the per-run policy handed to the bootstrap.
const PolicyFileName = "policy.json"

//go:embed bootstrap.py
var bootstrapSource []byte

// BootstrapSource returns the embedded bootstrap script.
func BootstrapSource() []byte {
	return bootstrapSource
}

// WriteBootstrap writes the bootstrap and the policy into dir and returns their paths.
func WriteBootstrap(dir string, policy BootstrapPolicy) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create run dir: %w", err)
	}
	scriptPath := filepath.Join(dir, BootstrapName)
	if err := os.WriteFile(scriptPath, bootstrapSource, 0o644); err != nil {
		return "", "", fmt.Errorf("write bootstrap: %w", err)
	}
	data, err := json.Marshal(policy)
	if err != nil {
		return "", "", fmt.Errorf("encode policy: %w", err)
	}
	policyPath := filepath.Join(dir, PolicyFileName)
	if err := os.WriteFile(policyPath, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write policy: %w", err)
	}
	return scriptPath, policyPath, nil
}
