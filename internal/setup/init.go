// Package setup handles takt project initialization.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/takt-dev/takt/internal/model"
	atomicyaml "github.com/takt-dev/takt/internal/yaml"
)

const taktDir = ".takt"

// Run initializes the .takt/ directory structure in the given project
// directory. projectName overrides the auto-detected name (defaults to
// directory basename if empty).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, taktDir)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	// Create directory structure
	dirs := []string{
		"runs",
		"locks",
		"logs",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	// Generate and write config.yaml with auto-filled fields
	cfg := model.DefaultConfig()
	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(absDir)
	}

	if err := atomicyaml.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	// Create empty registry
	if err := atomicyaml.AtomicWrite(filepath.Join(base, "registry.yaml"), model.NewRegistryFile()); err != nil {
		return fmt.Errorf("write registry.yaml: %w", err)
	}

	// Create daemon.lock (empty)
	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}
