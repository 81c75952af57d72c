// Package enforce implements the delegation enforcer: it walks a task
// graph wave by wave, validates that spawns respect wave membership
// and dependency completion, and checks that the members of a wave are
// actually delegated in parallel instead of one after another.
package enforce

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/takt-dev/takt/internal/graph"
	"github.com/takt-dev/takt/internal/model"
)

// ParallelExecutionError reports a strict-mode compliance violation:
// the current wave's tasks were spawned over a span wider than the
// configured window.
type ParallelExecutionError struct {
	WaveIndex int
	Span      time.Duration
	Window    time.Duration
}

func (e *ParallelExecutionError) Error() string {
	return fmt.Sprintf("wave %d tasks not spawned in parallel: spawn span %s exceeds window %s",
		e.WaveIndex+1, e.Span.Round(time.Millisecond), e.Window)
}

// Options configures an Enforcer.
type Options struct {
	// ParallelWindow bounds the spread of spawn timestamps within one
	// wave. Zero means the 1s default.
	ParallelWindow time.Duration
	// Strict makes wave advancement fail with ParallelExecutionError
	// on violation; otherwise violations are reported, not raised.
	Strict   bool
	Logger   *log.Logger
	LogLevel LogLevel
}

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

const defaultParallelWindow = time.Second

// Enforcer wraps a TaskGraph with wave-ordered spawn validation. All
// methods are safe for concurrent use; the graph is only touched under
// the enforcer's lock.
type Enforcer struct {
	mu      sync.Mutex
	graph   *graph.TaskGraph
	waves   [][]*graph.Task
	waveIdx int
	window  time.Duration
	strict  bool
	// violation latches the first strict-mode compliance failure; once
	// set, further spawns are rejected and the wave never advances.
	violation *ParallelExecutionError

	logger   *log.Logger
	logLevel LogLevel
}

// New computes the graph's waves eagerly and returns an enforcer
// positioned on the first wave. Cyclic graphs fail here.
func New(g *graph.TaskGraph, opts Options) (*Enforcer, error) {
	waves, err := g.Waves()
	if err != nil {
		return nil, err
	}

	window := opts.ParallelWindow
	if window <= 0 {
		window = defaultParallelWindow
	}

	return &Enforcer{
		graph:    g,
		waves:    waves,
		window:   window,
		strict:   opts.Strict,
		logger:   opts.Logger,
		logLevel: opts.LogLevel,
	}, nil
}

// Strict reports whether the enforcer halts on compliance violations.
func (e *Enforcer) Strict() bool {
	return e.strict
}

// CurrentWave returns the members of the active wave. After the final
// wave completes it returns an empty slice.
func (e *Enforcer) CurrentWave() []*graph.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentWaveLocked()
}

func (e *Enforcer) currentWaveLocked() []*graph.Task {
	if e.waveIdx >= len(e.waves) {
		return nil
	}
	wave := make([]*graph.Task, len(e.waves[e.waveIdx]))
	copy(wave, e.waves[e.waveIdx])
	return wave
}

func (e *Enforcer) WaveIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waveIdx
}

func (e *Enforcer) TotalWaves() int {
	return len(e.waves)
}

// ValidateSpawn checks whether spawning the given task is legal right
// now. It rejects tasks outside the current wave, tasks already
// spawned, and tasks with any dependency not completed. No resource is
// consumed on rejection.
func (e *Enforcer) ValidateSpawn(id string) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.violation != nil {
		return false, e.violation.Error()
	}

	task, ok := e.graph.Get(id)
	if !ok {
		return false, fmt.Sprintf("task %q is not declared in the plan", id)
	}

	if task.Status != model.StatusPending && task.Status != model.StatusReady {
		return false, fmt.Sprintf("task %q already %s", id, task.Status)
	}

	inWave := false
	for _, t := range e.currentWaveLocked() {
		if t.ID == id {
			inWave = true
			break
		}
	}
	if !inWave {
		return false, fmt.Sprintf("task %q is not in the current wave (wave %d of %d)",
			id, e.waveIdx+1, len(e.waves))
	}

	var unmet []string
	for _, dep := range task.DependsOn {
		d, ok := e.graph.Get(dep)
		if !ok || d.Status != model.StatusCompleted {
			unmet = append(unmet, dep)
		}
	}
	if len(unmet) > 0 {
		return false, fmt.Sprintf("task %q has unmet dependencies: %s", id, strings.Join(unmet, ", "))
	}

	return true, ""
}

// RecordSpawn transitions the task to spawned and stores its run ID
// and spawn timestamp for compliance checking.
func (e *Enforcer) RecordSpawn(id, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.graph.MarkSpawned(id, runID, time.Now()); err != nil {
		return err
	}
	e.log(LogLevelDebug, "record_spawn task=%s run=%s wave=%d", id, runID, e.waveIdx+1)
	return nil
}

// CheckParallelCompliance compares the spread of spawn timestamps of
// the current wave's spawned members against the configured window.
func (e *Enforcer) CheckParallelCompliance() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkComplianceLocked()
}

func (e *Enforcer) checkComplianceLocked() (bool, string) {
	var first, last time.Time
	spawned := 0
	for _, t := range e.currentWaveLocked() {
		if t.SpawnedAt.IsZero() {
			continue
		}
		if spawned == 0 || t.SpawnedAt.Before(first) {
			first = t.SpawnedAt
		}
		if spawned == 0 || t.SpawnedAt.After(last) {
			last = t.SpawnedAt
		}
		spawned++
	}

	if spawned < 2 {
		return true, ""
	}

	span := last.Sub(first)
	if span > e.window {
		reason := fmt.Sprintf("wave %d tasks not spawned in parallel: spawn span %s exceeds window %s",
			e.waveIdx+1, span.Round(time.Millisecond), e.window)
		e.log(LogLevelWarn, "compliance_violation wave=%d span=%s window=%s",
			e.waveIdx+1, span.Round(time.Millisecond), e.window)
		return false, reason
	}
	return true, ""
}

// MarkTaskCompleted forwards completion to the graph and advances the
// wave once every member of the current wave is terminal.
func (e *Enforcer) MarkTaskCompleted(id string) error {
	return e.MarkTaskTerminal(id, model.StatusCompleted)
}

// MarkTaskTerminal records any terminal outcome for a task. The wave
// advances when all members are terminal regardless of the mix of
// outcomes; dependents of non-completed tasks stay blocked in
// ValidateSpawn, so a failed member degrades the plan gracefully
// without ever running its dependents.
func (e *Enforcer) MarkTaskTerminal(id string, status model.Status) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.graph.MarkTerminal(id, status); err != nil {
		return err
	}
	e.log(LogLevelDebug, "task_terminal task=%s status=%s wave=%d", id, status, e.waveIdx+1)

	return e.maybeAdvanceLocked()
}

func (e *Enforcer) maybeAdvanceLocked() error {
	for e.waveIdx < len(e.waves) {
		allTerminal := true
		for _, t := range e.waves[e.waveIdx] {
			if !model.IsTerminal(t.Status) {
				allTerminal = false
				break
			}
		}
		if !allTerminal {
			return nil
		}

		if ok, _ := e.checkComplianceLocked(); !ok && e.strict {
			e.violation = &ParallelExecutionError{
				WaveIndex: e.waveIdx,
				Span:      e.currentSpanLocked(),
				Window:    e.window,
			}
			return e.violation
		}

		e.waveIdx++
		e.log(LogLevelInfo, "wave_advance wave=%d total=%d", e.waveIdx+1, len(e.waves))
	}
	return nil
}

func (e *Enforcer) currentSpanLocked() time.Duration {
	var first, last time.Time
	n := 0
	for _, t := range e.currentWaveLocked() {
		if t.SpawnedAt.IsZero() {
			continue
		}
		if n == 0 || t.SpawnedAt.Before(first) {
			first = t.SpawnedAt
		}
		if n == 0 || t.SpawnedAt.After(last) {
			last = t.SpawnedAt
		}
		n++
	}
	if n < 2 {
		return 0
	}
	return last.Sub(first)
}

// EnforcementStatus is a point-in-time snapshot for observability.
type EnforcementStatus struct {
	CurrentWave      int                     `json:"current_wave"` // 1-based
	TotalWaves       int                     `json:"total_waves"`
	CurrentWaveTasks []string                `json:"current_wave_tasks"`
	TaskStatuses     map[string]model.Status `json:"task_statuses"`
	Strict           bool                    `json:"strict"`
	WindowMs         int64                   `json:"window_ms"`
	Violation        string                  `json:"violation,omitempty"`
}

func (e *Enforcer) Status() EnforcementStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	var waveTasks []string
	for _, t := range e.currentWaveLocked() {
		waveTasks = append(waveTasks, t.ID)
	}

	statuses := make(map[string]model.Status, e.graph.Len())
	for _, t := range e.graph.Tasks() {
		statuses[t.ID] = t.Status
	}

	st := EnforcementStatus{
		CurrentWave:      e.waveIdx + 1,
		TotalWaves:       len(e.waves),
		CurrentWaveTasks: waveTasks,
		TaskStatuses:     statuses,
		Strict:           e.strict,
		WindowMs:         e.window.Milliseconds(),
	}
	if e.violation != nil {
		st.Violation = e.violation.Error()
	}
	return st
}

func (e *Enforcer) log(level LogLevel, format string, args ...any) {
	if e.logger == nil || level < e.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("%s %s enforcer: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
