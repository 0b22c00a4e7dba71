package bridgeclient

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// discoveryFile mirrors internal/broker.Discovery's on-disk shape. It is
// redefined here (rather than importing internal/broker) because the
// bridge client is meant to be a standalone SDK package that does not
// depend on host internals.
type discoveryFile struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// ResolveEndpoint implements the client-side discovery rule from spec.md
// §6's environment variables: an explicit ARIA_BRIDGE_URL/ARIA_BRIDGE_SECRET
// override wins; otherwise the workspace's .aria/aria-bridge.json is read.
func ResolveEndpoint(workspace string) (url, secret string, err error) {
	if envURL := os.Getenv("ARIA_BRIDGE_URL"); envURL != "" {
		return envURL, os.Getenv("ARIA_BRIDGE_SECRET"), nil
	}

	path := filepath.Join(workspace, ".aria", "aria-bridge.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read discovery file: %w", err)
	}
	var d discoveryFile
	if err := json.Unmarshal(data, &d); err != nil {
		return "", "", fmt.Errorf("parse discovery file: %w", err)
	}
	if secret := os.Getenv("ARIA_BRIDGE_SECRET"); secret != "" {
		return d.URL, secret, nil
	}
	return d.URL, d.Secret, nil
}
