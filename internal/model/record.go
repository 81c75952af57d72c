// Package model defines the data structures for takt's configuration,
// run registry, and status state machines.
package model

// RegistryFile is the durable run_id → TaskRecord document persisted at
// .takt/registry.yaml. It is the single source of truth for run status
// and survives daemon restarts.
type RegistryFile struct {
	SchemaVersion int                    `yaml:"schema_version"`
	FileType      string                 `yaml:"file_type"`
	Tasks         map[string]*TaskRecord `yaml:"tasks"`
}

// NewRegistryFile returns an empty registry document with the current
// schema header.
func NewRegistryFile() *RegistryFile {
	return &RegistryFile{
		SchemaVersion: 1,
		FileType:      "takt_registry",
		Tasks:         make(map[string]*TaskRecord),
	}
}

// TaskRecord is one spawned attempt of a task. A logical task may have
// several records over its lifetime (one per retry), each with its own
// run ID. Result and Params are opaque to the scheduler.
type TaskRecord struct {
	RunID         string            `yaml:"run_id"`
	TaskID        string            `yaml:"task_id,omitempty"` // logical id within a plan, empty for ad-hoc spawns
	Description   string            `yaml:"description"`
	ResourceClass string            `yaml:"resource_class"`
	DependsOn     []string          `yaml:"depends_on,omitempty"`
	Params        map[string]string `yaml:"params,omitempty"`
	Status        Status            `yaml:"status"`
	CreatedAt     string            `yaml:"created_at"`
	StartedAt     *string           `yaml:"started_at"`
	CompletedAt   *string           `yaml:"completed_at"`
	Result        *string           `yaml:"result"`
	Error         *string           `yaml:"error"`
	PID           *int              `yaml:"pid"`
	TimeoutSec    int               `yaml:"timeout_sec"`
	RetryOf       *string           `yaml:"retry_of,omitempty"`
}
