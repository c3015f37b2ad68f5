package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// LoadFile reads a JWCC (JSON-with-comments) deployment-constants file
// and merges it onto Default(). Using hujson.Standardize to tolerate
// comments and trailing commas mirrors the teacher pack's own config
// loader (calvinalkan-agent-task/config.go): operators hand-edit these
// files, so comments documenting "why Z=4 here" are worth keeping.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: invalid JWCC: %w", path, err)
	}

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}
