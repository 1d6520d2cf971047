package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the convenience human-readable form from path.
//
// This is a collaborator, not the spec's config parser: it exists for
// `test-config` and local development, where a length-prefixed binary
// encoding would be impractical to hand-edit. Production deployments may
// supply the parsed [Config] through any other front end.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
