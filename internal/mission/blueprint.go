package mission

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Blueprint declares a mission in a YAML file: a name, an optional execution
// pattern, and the ordered phase list.
//
//	name: release v2
//	pattern: sequential
//	phases:
//	  - name: plan
//	  - name: build
//	    code_phase: true
//	  - name: docs
//	    skip_on_failure: true
type Blueprint struct {
	Name    string      `yaml:"name"`
	Pattern string      `yaml:"pattern,omitempty"`
	Phases  []PhaseSpec `yaml:"phases"`
}

// Validate checks the blueprint is buildable.
func (b Blueprint) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("blueprint: name is required")
	}
	if len(b.Phases) == 0 {
		return fmt.Errorf("blueprint %q: at least one phase is required", b.Name)
	}
	for i, spec := range b.Phases {
		if strings.TrimSpace(spec.Name) == "" {
			return fmt.Errorf("blueprint %q: phase %d is missing a name", b.Name, i+1)
		}
	}
	return nil
}

// LoadBlueprint reads and validates a blueprint file.
func LoadBlueprint(path string) (Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Blueprint{}, fmt.Errorf("blueprint: read %s: %w", path, err)
	}
	return ParseBlueprint(data)
}

// ParseBlueprint decodes blueprint YAML.
func ParseBlueprint(data []byte) (Blueprint, error) {
	var b Blueprint
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Blueprint{}, fmt.Errorf("blueprint: parse: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Blueprint{}, err
	}
	return b, nil
}
