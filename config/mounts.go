package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MountSpec declares one stdio MCP subserver to attach to the compositor at
// startup: Command (plus Args) is launched as a subprocess speaking MCP
// over stdin/stdout, and mounted under Prefix. Pinned mirrors the
// compositor's pinned-mount concept: a pinned entry refuses detach.
type MountSpec struct {
	Prefix  string   `yaml:"prefix"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Pinned  bool     `yaml:"pinned,omitempty"`
}

// MountFile is the top-level shape of a mounts.yaml file.
type MountFile struct {
	Mounts []MountSpec `yaml:"mounts"`
}

// LoadMountSpecs reads and parses a mounts.yaml file declaring the stdio MCP
// subservers to mount under the compositor at startup.
func LoadMountSpecs(path string) ([]MountSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read mount spec file: %w", err)
	}
	var file MountFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse mount spec file: %w", err)
	}
	for _, m := range file.Mounts {
		if m.Prefix == "" {
			return nil, fmt.Errorf("config: mount spec missing prefix")
		}
		if m.Command == "" {
			return nil, fmt.Errorf("config: mount spec %q missing command", m.Prefix)
		}
	}
	return file.Mounts, nil
}
