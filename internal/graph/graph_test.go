package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/takt-dev/takt/internal/model"
)

func mustAdd(t *testing.T, g *TaskGraph, id string, deps ...string) {
	t.Helper()
	if err := g.AddTask(id, "Task "+id, "sonnet", deps); err != nil {
		t.Fatalf("AddTask(%s): %v", id, err)
	}
}

func ids(tasks []*Task) map[string]bool {
	out := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		out[t.ID] = true
	}
	return out
}

func TestAddTask_UnknownDependency(t *testing.T) {
	g := New()
	err := g.AddTask("b", "Task B", "sonnet", []string{"a"})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
	var ge *Error
	if !errors.As(err, &ge) || ge.Kind != ErrUnknownDependency {
		t.Errorf("expected ErrUnknownDependency, got %v", err)
	}
}

func TestAddTask_Duplicate(t *testing.T) {
	g := New()
	mustAdd(t, g, "a")
	err := g.AddTask("a", "Task A again", "opus", nil)
	var ge *Error
	if !errors.As(err, &ge) || ge.Kind != ErrDuplicateTask {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestReadyTasks(t *testing.T) {
	g := New()
	mustAdd(t, g, "a")
	mustAdd(t, g, "b")
	mustAdd(t, g, "c", "a", "b")

	ready := ids(g.ReadyTasks())
	if !ready["a"] || !ready["b"] || ready["c"] {
		t.Errorf("initial ready set wrong: %v", ready)
	}

	if err := g.MarkCompleted("a"); err != nil {
		t.Fatalf("MarkCompleted(a): %v", err)
	}
	ready = ids(g.ReadyTasks())
	if ready["a"] || !ready["b"] || ready["c"] {
		t.Errorf("ready set after a: %v", ready)
	}

	if err := g.MarkCompleted("b"); err != nil {
		t.Fatalf("MarkCompleted(b): %v", err)
	}
	ready = ids(g.ReadyTasks())
	if len(ready) != 1 || !ready["c"] {
		t.Errorf("ready set after a,b: %v", ready)
	}
}

func TestWaves_Partition(t *testing.T) {
	g := New()
	mustAdd(t, g, "a")
	mustAdd(t, g, "b")
	mustAdd(t, g, "c", "a")
	mustAdd(t, g, "d", "b")
	mustAdd(t, g, "e", "c", "d")

	waves, err := g.Waves()
	if err != nil {
		t.Fatalf("Waves: %v", err)
	}

	if len(waves) != 3 {
		t.Fatalf("expected 3 waves, got %d", len(waves))
	}
	for i, want := range []map[string]bool{
		{"a": true, "b": true},
		{"c": true, "d": true},
		{"e": true},
	} {
		got := ids(waves[i])
		if len(got) != len(want) {
			t.Errorf("wave %d: got %v, want %v", i, got, want)
			continue
		}
		for id := range want {
			if !got[id] {
				t.Errorf("wave %d missing %s", i, id)
			}
		}
	}

	// Union covers the task set exactly once
	seen := make(map[string]int)
	for _, wave := range waves {
		for _, task := range wave {
			seen[task.ID]++
		}
	}
	if len(seen) != g.Len() {
		t.Errorf("waves cover %d tasks, graph has %d", len(seen), g.Len())
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %s appears %d times", id, n)
		}
	}
}

func TestWaves_DependencyOrdering(t *testing.T) {
	g := New()
	mustAdd(t, g, "a")
	mustAdd(t, g, "b", "a")
	mustAdd(t, g, "c", "a", "b")
	mustAdd(t, g, "d")

	waves, err := g.Waves()
	if err != nil {
		t.Fatalf("Waves: %v", err)
	}

	index := make(map[string]int)
	for i, wave := range waves {
		for _, task := range wave {
			index[task.ID] = i
		}
	}

	for _, task := range g.Tasks() {
		for _, dep := range task.DependsOn {
			if index[task.ID] <= index[dep] {
				t.Errorf("task %s (wave %d) not after dependency %s (wave %d)",
					task.ID, index[task.ID], dep, index[dep])
			}
		}
	}
}

func TestWaves_CycleDetected(t *testing.T) {
	g := New()
	if err := g.AddTaskUnchecked("a", "Task A", "sonnet", []string{"c"}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddTaskUnchecked("b", "Task B", "sonnet", []string{"a"}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddTaskUnchecked("c", "Task C", "sonnet", []string{"b"}); err != nil {
		t.Fatal(err)
	}

	waves, err := g.Waves()
	if err == nil {
		t.Fatalf("expected cycle error, got %d waves", len(waves))
	}
	var ge *Error
	if !errors.As(err, &ge) || ge.Kind != ErrCycle {
		t.Errorf("expected ErrCycle, got %v", err)
	}
	if waves != nil {
		t.Error("cycle must not return a partial wave list")
	}
}

func TestWaves_PartialCycle(t *testing.T) {
	// One clean wave followed by a two-task cycle: the error must
	// still surface instead of a truncated partition.
	g := New()
	mustAdd(t, g, "a")
	if err := g.AddTaskUnchecked("b", "Task B", "sonnet", []string{"a", "c"}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddTaskUnchecked("c", "Task C", "sonnet", []string{"b"}); err != nil {
		t.Fatal(err)
	}

	_, err := g.Waves()
	var ge *Error
	if !errors.As(err, &ge) || ge.Kind != ErrCycle {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestMarkTerminal_Transitions(t *testing.T) {
	g := New()
	mustAdd(t, g, "a")

	if err := g.MarkTerminal("a", model.StatusFailed); err != nil {
		t.Fatalf("MarkTerminal: %v", err)
	}
	// Terminal states are immutable
	if err := g.MarkTerminal("a", model.StatusCompleted); err == nil {
		t.Error("expected error transitioning from terminal state")
	}
	if err := g.MarkTerminal("missing", model.StatusFailed); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestMarkSpawned(t *testing.T) {
	g := New()
	mustAdd(t, g, "a")

	now := time.Now()
	if err := g.MarkSpawned("a", "run_0000000001_deadbeef", now); err != nil {
		t.Fatalf("MarkSpawned: %v", err)
	}
	task, _ := g.Get("a")
	if task.Status != model.StatusSpawned {
		t.Errorf("status: got %s", task.Status)
	}
	if task.RunID != "run_0000000001_deadbeef" {
		t.Errorf("run id: got %s", task.RunID)
	}
	if !task.SpawnedAt.Equal(now) {
		t.Errorf("spawned at: got %v", task.SpawnedAt)
	}

	// Double spawn is rejected
	if err := g.MarkSpawned("a", "run_0000000002_deadbeef", now); err == nil {
		t.Error("expected error on double spawn")
	}
}
