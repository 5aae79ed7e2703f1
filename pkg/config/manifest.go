package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Manifest describes an application checkout as declared in iwa.yaml.
type Manifest struct {
	Name              string   `yaml:"name"`
	Dist              string   `yaml:"dist"`
	Entrypoints       []string `yaml:"entrypoints"`
	EnvVarNames       []string `yaml:"env_var_names"`
	ForbiddenPatterns []string `yaml:"forbidden_patterns"`
}

var manifestNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// LoadManifest reads and validates an iwa.yaml manifest file.
func LoadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	if m.Dist == "" {
		m.Dist = "dist"
	}
	return m, nil
}

// Validate checks the manifest for the fields the publisher requires.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if !manifestNameRe.MatchString(m.Name) {
		return fmt.Errorf("manifest: name %q must be lowercase alphanumeric with dashes", m.Name)
	}
	// Entrypoints may be omitted: the publisher derives a stylesheet-then-
	// script load order from the uploaded assets.
	for _, p := range m.ForbiddenPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("manifest: forbidden pattern %q: %w", p, err)
		}
	}
	return nil
}
