// Package graph implements the declarative task DAG: tasks with
// dependency edges, ready-set computation, and topological "waves" of
// tasks that may run in parallel.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/takt-dev/takt/internal/model"
)

// ErrorKind classifies structural graph failures.
type ErrorKind string

const (
	ErrUnknownDependency ErrorKind = "unknown_dependency"
	ErrDuplicateTask     ErrorKind = "duplicate_task"
	ErrUnknownTask       ErrorKind = "unknown_task"
	ErrCycle             ErrorKind = "cycle"
)

// Error is a structural graph error. The caller must fix the declared
// graph; these are never recoverable by waiting.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("graph error (%s): %s", e.Kind, e.Message)
}

// Task is one declared node. RunID and SpawnedAt are filled in by the
// delegation enforcer when the task is actually spawned.
type Task struct {
	ID            string
	Description   string
	ResourceClass string
	DependsOn     []string
	Status        model.Status
	RunID         string
	SpawnedAt     time.Time
}

// TaskGraph holds declared tasks in insertion order. It is not
// goroutine-safe on its own; the enforcer serializes access.
type TaskGraph struct {
	tasks map[string]*Task
	order []string
}

func New() *TaskGraph {
	return &TaskGraph{tasks: make(map[string]*Task)}
}

// AddTask registers a node. Every dependency must reference a task
// that was added earlier, which makes cycles impossible to declare
// incrementally but still leaves them detectable in Waves for graphs
// built from untrusted wire input via AddTaskUnchecked.
func (g *TaskGraph) AddTask(id, description, resourceClass string, dependsOn []string) error {
	if _, exists := g.tasks[id]; exists {
		return &Error{Kind: ErrDuplicateTask, Message: fmt.Sprintf("task %q already registered", id)}
	}
	for _, dep := range dependsOn {
		if _, ok := g.tasks[dep]; !ok {
			return &Error{
				Kind:    ErrUnknownDependency,
				Message: fmt.Sprintf("task %q depends on unknown task %q", id, dep),
			}
		}
	}
	g.insert(id, description, resourceClass, dependsOn)
	return nil
}

// AddTaskUnchecked registers a node without validating its dependency
// references. Used when loading a full task set whose edges are
// validated as a whole by Waves.
func (g *TaskGraph) AddTaskUnchecked(id, description, resourceClass string, dependsOn []string) error {
	if _, exists := g.tasks[id]; exists {
		return &Error{Kind: ErrDuplicateTask, Message: fmt.Sprintf("task %q already registered", id)}
	}
	g.insert(id, description, resourceClass, dependsOn)
	return nil
}

func (g *TaskGraph) insert(id, description, resourceClass string, dependsOn []string) {
	deps := make([]string, len(dependsOn))
	copy(deps, dependsOn)
	g.tasks[id] = &Task{
		ID:            id,
		Description:   description,
		ResourceClass: resourceClass,
		DependsOn:     deps,
		Status:        model.StatusPending,
	}
	g.order = append(g.order, id)
}

func (g *TaskGraph) Get(id string) (*Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

func (g *TaskGraph) Len() int {
	return len(g.tasks)
}

// Tasks returns all nodes in insertion order.
func (g *TaskGraph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// ReadyTasks returns pending tasks whose every dependency is completed.
func (g *TaskGraph) ReadyTasks() []*Task {
	var ready []*Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != model.StatusPending {
			continue
		}
		if g.depsCompleted(t) {
			ready = append(ready, t)
		}
	}
	return ready
}

func (g *TaskGraph) depsCompleted(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := g.tasks[dep]
		if !ok || d.Status != model.StatusCompleted {
			return false
		}
	}
	return true
}

// Waves partitions the task set into execution waves: wave 0 holds
// tasks with no dependencies, and each task lands in the wave directly
// after the highest wave among its dependencies. The computation
// simulates completion iteratively; if an iteration makes no progress
// while tasks remain, the remainder contains a cycle (or an edge to an
// unknown task) and an ErrCycle error is returned.
func (g *TaskGraph) Waves() ([][]*Task, error) {
	waveIndex := make(map[string]int, len(g.tasks))
	assigned := 0

	for assigned < len(g.tasks) {
		var wave []*Task
		for _, id := range g.order {
			if _, done := waveIndex[id]; done {
				continue
			}
			t := g.tasks[id]
			eligible := true
			for _, dep := range t.DependsOn {
				if _, ok := g.tasks[dep]; !ok {
					eligible = false
					break
				}
				if _, done := waveIndex[dep]; !done {
					eligible = false
					break
				}
			}
			if eligible {
				wave = append(wave, t)
			}
		}

		if len(wave) == 0 {
			return nil, &Error{
				Kind:    ErrCycle,
				Message: fmt.Sprintf("circular dependency among tasks: %s", strings.Join(g.unassigned(waveIndex), ", ")),
			}
		}

		idx := 0
		if assigned > 0 {
			// All members of the previous waves share lower indices
			idx = maxWaveIndex(waveIndex) + 1
		}
		for _, t := range wave {
			waveIndex[t.ID] = idx
		}
		assigned += len(wave)
	}

	total := maxWaveIndex(waveIndex) + 1
	waves := make([][]*Task, total)
	for _, id := range g.order {
		i := waveIndex[id]
		waves[i] = append(waves[i], g.tasks[id])
	}
	return waves, nil
}

func (g *TaskGraph) unassigned(waveIndex map[string]int) []string {
	var ids []string
	for _, id := range g.order {
		if _, done := waveIndex[id]; !done {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func maxWaveIndex(waveIndex map[string]int) int {
	max := 0
	for _, i := range waveIndex {
		if i > max {
			max = i
		}
	}
	return max
}

// MarkCompleted transitions a task to completed. Waves are computed
// once up front; readiness after completion is re-derived via
// ReadyTasks rather than recomputing the partition.
func (g *TaskGraph) MarkCompleted(id string) error {
	return g.MarkTerminal(id, model.StatusCompleted)
}

// MarkTerminal transitions a task to the given terminal status.
func (g *TaskGraph) MarkTerminal(id string, status model.Status) error {
	t, ok := g.tasks[id]
	if !ok {
		return &Error{Kind: ErrUnknownTask, Message: fmt.Sprintf("unknown task %q", id)}
	}
	if !model.IsTerminal(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}
	if err := model.ValidateGraphTransition(t.Status, status); err != nil {
		return err
	}
	t.Status = status
	return nil
}

// MarkSpawned transitions a task to spawned and records its run.
func (g *TaskGraph) MarkSpawned(id, runID string, at time.Time) error {
	t, ok := g.tasks[id]
	if !ok {
		return &Error{Kind: ErrUnknownTask, Message: fmt.Sprintf("unknown task %q", id)}
	}
	if err := model.ValidateGraphTransition(t.Status, model.StatusSpawned); err != nil {
		return err
	}
	t.Status = model.StatusSpawned
	t.RunID = runID
	t.SpawnedAt = at
	return nil
}
