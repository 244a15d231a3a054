package environment

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk environment configuration.
type Manifest struct {
	Mode         string        `yaml:"mode"`
	Environments []Environment `yaml:"environments"`
}

// LoadManifest reads and validates a YAML environment manifest.
func LoadManifest(path string) (Mode, *Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read environment manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses manifest bytes and validates the resulting set
// against the declared mode.
func ParseManifest(data []byte) (Mode, *Set, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return "", nil, fmt.Errorf("parse environment manifest: %w", err)
	}

	mode, err := ParseMode(m.Mode)
	if err != nil {
		return "", nil, err
	}

	set, err := NewSet(m.Environments)
	if err != nil {
		return "", nil, err
	}

	if mode == ModeProduction && !set.HasProductionTiers() {
		return "", nil, fmt.Errorf("production mode requires stage and prod environments")
	}

	return mode, set, nil
}
