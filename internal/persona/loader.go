package persona

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/*.yaml
var defaultFS embed.FS

// Parse decodes and validates one YAML constitution.
func Parse(data []byte) (*Constitution, error) {
	c := &Constitution{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse persona yaml: %w", err)
	}
	if c.RewardWeights == (RewardWeights{}) {
		c.RewardWeights = DefaultRewardWeights()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid persona: %w", err)
	}
	return c, nil
}

// LoadFile reads one constitution from disk.
func LoadFile(path string) (*Constitution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return c, nil
}

// LoadDir loads every *.yaml / *.yml file in dir, in name order. A missing
// directory yields no constitutions and no error.
func LoadDir(dir string) ([]*Constitution, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read persona dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isPersonaFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*Constitution, 0, len(names))
	for _, n := range names {
		c, err := LoadFile(filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Defaults returns the built-in constitutions.
func Defaults() ([]*Constitution, error) {
	entries, err := defaultFS.ReadDir("defaults")
	if err != nil {
		return nil, fmt.Errorf("read embedded personas: %w", err)
	}
	out := make([]*Constitution, 0, len(entries))
	for _, e := range entries {
		data, err := defaultFS.ReadFile("defaults/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read embedded %s: %w", e.Name(), err)
		}
		c, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("embedded %s: %w", e.Name(), err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Marshal encodes a constitution back to YAML.
func Marshal(c *Constitution) ([]byte, error) {
	return yaml.Marshal(c)
}

func isPersonaFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
