// Package registry persists the durable task record table at
// .takt/registry.yaml. Every mutation goes through a read-modify-write
// cycle under a per-file mutex with an atomic YAML write, so records
// survive daemon restarts and concurrent handlers never interleave.
package registry

import (
	"fmt"
	"os"
	"sort"

	"github.com/takt-dev/takt/internal/lock"
	"github.com/takt-dev/takt/internal/model"
	"github.com/takt-dev/takt/internal/yaml"
)

const lockKey = "registry"

// ErrNotFound is returned when a run ID has no record.
var ErrNotFound = fmt.Errorf("task not found in registry")

// PersistedRegistry is the durable task record store. Safe for
// concurrent use within one process; cross-process exclusion is the
// daemon file lock's job.
type PersistedRegistry struct {
	path    string
	lockMap *lock.MutexMap
}

// New returns a registry over the given YAML file path. The file is
// created on first Update.
func New(path string) *PersistedRegistry {
	return &PersistedRegistry{
		path:    path,
		lockMap: lock.NewMutexMap(),
	}
}

// Path returns the backing file path.
func (r *PersistedRegistry) Path() string {
	return r.path
}

func (r *PersistedRegistry) load() (*model.RegistryFile, error) {
	var rf model.RegistryFile
	if err := yaml.Load(r.path, &rf); err != nil {
		if os.IsNotExist(err) {
			return model.NewRegistryFile(), nil
		}
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	if rf.Tasks == nil {
		rf.Tasks = make(map[string]*model.TaskRecord)
	}
	return &rf, nil
}

// Update runs fn against the current registry contents and persists
// the result atomically. If fn returns an error nothing is written.
func (r *PersistedRegistry) Update(fn func(*model.RegistryFile) error) error {
	r.lockMap.Lock(lockKey)
	defer r.lockMap.Unlock(lockKey)

	rf, err := r.load()
	if err != nil {
		return err
	}
	if err := fn(rf); err != nil {
		return err
	}
	if err := yaml.AtomicWrite(r.path, rf); err != nil {
		return fmt.Errorf("failed to persist registry: %w", err)
	}
	return nil
}

// Get returns a copy of the record for the given run ID.
func (r *PersistedRegistry) Get(runID string) (*model.TaskRecord, error) {
	r.lockMap.Lock(lockKey)
	defer r.lockMap.Unlock(lockKey)

	rf, err := r.load()
	if err != nil {
		return nil, err
	}
	rec, ok := rf.Tasks[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	cp := *rec
	return &cp, nil
}

// List returns copies of all records, newest first.
func (r *PersistedRegistry) List() ([]*model.TaskRecord, error) {
	r.lockMap.Lock(lockKey)
	defer r.lockMap.Unlock(lockKey)

	rf, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]*model.TaskRecord, 0, len(rf.Tasks))
	for _, rec := range rf.Tasks {
		cp := *rec
		out = append(out, &cp)
	}
	// CreatedAt is RFC3339, so lexical order is chronological order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].RunID > out[j].RunID
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out, nil
}

// ClearTerminal removes all records in a terminal status and reports
// how many were dropped.
func (r *PersistedRegistry) ClearTerminal() (int, error) {
	removed := 0
	err := r.Update(func(rf *model.RegistryFile) error {
		for id, rec := range rf.Tasks {
			if model.IsTerminal(rec.Status) {
				delete(rf.Tasks, id)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
