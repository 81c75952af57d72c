// Package lifecycle owns the full life of a spawned task: permit
// acquisition, process start, durable registry bookkeeping, output
// retrieval, progress reporting, cancellation, retry, and recovery of
// records orphaned by a daemon crash.
package lifecycle

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/takt-dev/takt/internal/enforce"
	"github.com/takt-dev/takt/internal/executor"
	"github.com/takt-dev/takt/internal/governor"
	"github.com/takt-dev/takt/internal/model"
	"github.com/takt-dev/takt/internal/registry"
)

// Sentinel errors surfaced to handlers and the CLI.
var (
	// ErrAcquireTimeout means no resource-class slot freed up in time.
	ErrAcquireTimeout = errors.New("timed out waiting for a resource slot")
	// ErrNotRetryable means the record is still running; only terminal
	// runs can be retried.
	ErrNotRetryable = errors.New("task is not in a retryable state")
	// ErrOutputTimeout means the task did not reach a terminal status
	// within the caller's deadline.
	ErrOutputTimeout = errors.New("timed out waiting for task output")
)

// zombieError is stored on records whose backing process disappeared
// without reporting a result.
const zombieError = "backing process terminated unexpectedly"

// SpawnValidationError reports a spawn rejected by wave enforcement.
// The task consumed no resources and may be retried once its wave is
// current and its dependencies completed.
type SpawnValidationError struct {
	TaskID string
	Reason string
}

func (e *SpawnValidationError) Error() string {
	return fmt.Sprintf("spawn of %q rejected: %s", e.TaskID, e.Reason)
}

// Executor is the process-starting seam. *executor.Subprocess is the
// production implementation.
type Executor interface {
	Start(spec executor.Spec) (executor.Process, error)
}

// SpawnRequest describes one task to run. Params must carry the shell
// command under the "command" key; other entries are passed to the
// process environment prefixed with TAKT_PARAM_.
type SpawnRequest struct {
	TaskID        string // logical plan id, empty for ad-hoc spawns
	Description   string
	ResourceClass string
	DependsOn     []string
	Params        map[string]string
	Dir           string
	TimeoutSec    int // 0 means the configured default
}

// ProgressInfo is a point-in-time view of one run.
type ProgressInfo struct {
	RunID     string   `json:"run_id"`
	TaskID    string   `json:"task_id,omitempty"`
	Status    string   `json:"status"`
	PID       *int     `json:"pid,omitempty"`
	TailLines []string `json:"tail_lines"`
	Error     *string  `json:"error,omitempty"`
}

// Options configures a Manager.
type Options struct {
	DefaultTimeout time.Duration // per-task runtime bound
	CancelGrace    time.Duration // SIGTERM to SIGKILL gap
	AcquireTimeout time.Duration // resource slot wait bound
	PollInterval   time.Duration // Output status poll cadence
	Logger         *log.Logger
	LogLevel       LogLevel
}

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

const (
	defaultTaskTimeout    = 5 * time.Minute
	defaultCancelGrace    = 5 * time.Second
	defaultAcquireTimeout = 60 * time.Second
	defaultPollInterval   = 500 * time.Millisecond
	progressTailLines     = 10
)

type handle struct {
	proc    executor.Process
	release func()
	done    chan struct{}
}

// Manager coordinates the registry, the governor, the executor, and an
// optional wave enforcer. All methods are safe for concurrent use.
type Manager struct {
	registry *registry.PersistedRegistry
	governor *governor.Governor
	enforcer *enforce.Enforcer // nil when no plan is active
	executor Executor

	defaultTimeout time.Duration
	cancelGrace    time.Duration
	acquireTimeout time.Duration
	pollInterval   time.Duration

	mu      sync.Mutex
	handles map[string]*handle

	logger   *log.Logger
	logLevel LogLevel
}

// New wires a manager over its collaborators. The enforcer may be nil;
// ad-hoc spawns then skip wave validation.
func New(reg *registry.PersistedRegistry, gov *governor.Governor, exec Executor, opts Options) *Manager {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTaskTimeout
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = defaultCancelGrace
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Manager{
		registry:       reg,
		governor:       gov,
		executor:       exec,
		defaultTimeout: opts.DefaultTimeout,
		cancelGrace:    opts.CancelGrace,
		acquireTimeout: opts.AcquireTimeout,
		pollInterval:   opts.PollInterval,
		handles:        make(map[string]*handle),
		logger:         opts.Logger,
		logLevel:       opts.LogLevel,
	}
}

// SetEnforcer installs or clears the wave enforcer for subsequent
// spawns. Running tasks are unaffected.
func (m *Manager) SetEnforcer(e *enforce.Enforcer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enforcer = e
}

// Enforcer returns the active wave enforcer, nil when none is set.
func (m *Manager) Enforcer() *enforce.Enforcer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enforcer
}

// Spawn validates, acquires a resource slot, starts the process, and
// registers the run. It returns the new run ID; the task itself runs
// in the background until completion, timeout, or cancellation.
func (m *Manager) Spawn(req SpawnRequest) (string, error) {
	return m.spawn(req, true)
}

// spawn starts a run. With enforced false the attached enforcer is
// bypassed entirely: a retry re-runs a task whose graph node is already
// terminal, so wave validation and terminal notification do not apply.
func (m *Manager) spawn(req SpawnRequest, enforced bool) (string, error) {
	command := strings.TrimSpace(req.Params["command"])
	if command == "" {
		return "", fmt.Errorf("spawn request has no command param")
	}

	m.mu.Lock()
	enf := m.enforcer
	m.mu.Unlock()
	if !enforced {
		enf = nil
	}

	if enf != nil && req.TaskID != "" {
		if ok, reason := enf.ValidateSpawn(req.TaskID); !ok {
			m.log(LogLevelWarn, "spawn_rejected task=%s reason=%q", req.TaskID, reason)
			return "", &SpawnValidationError{TaskID: req.TaskID, Reason: reason}
		}
	}

	release, ok := m.governor.Scoped(req.ResourceClass, m.acquireTimeout)
	if !ok {
		return "", fmt.Errorf("%w: class %s", ErrAcquireTimeout, governor.Normalize(req.ResourceClass))
	}

	runID := model.GenerateRunID()
	timeout := m.defaultTimeout
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}

	env := make(map[string]string, len(req.Params)+1)
	env["TAKT_RUN_ID"] = runID
	for k, v := range req.Params {
		if k == "command" {
			continue
		}
		env["TAKT_PARAM_"+strings.ToUpper(k)] = v
	}

	proc, err := m.executor.Start(executor.Spec{
		RunID:   runID,
		Command: command,
		Dir:     req.Dir,
		Env:     env,
	})
	if err != nil {
		release()
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	pid := proc.PID()
	regErr := m.registry.Update(func(rf *model.RegistryFile) error {
		rf.Tasks[runID] = &model.TaskRecord{
			RunID:         runID,
			TaskID:        req.TaskID,
			Description:   req.Description,
			ResourceClass: req.ResourceClass,
			DependsOn:     req.DependsOn,
			Params:        req.Params,
			Status:        model.StatusRunning,
			CreatedAt:     now,
			StartedAt:     &now,
			PID:           &pid,
			TimeoutSec:    int(timeout / time.Second),
		}
		return nil
	})
	if regErr != nil {
		proc.Kill()
		release()
		return "", regErr
	}

	if enf != nil && req.TaskID != "" {
		if err := enf.RecordSpawn(req.TaskID, runID); err != nil {
			m.log(LogLevelError, "record_spawn_failed task=%s run=%s error=%v", req.TaskID, runID, err)
		}
	}

	h := &handle{proc: proc, done: make(chan struct{})}
	var once sync.Once
	h.release = func() { once.Do(release) }

	m.mu.Lock()
	m.handles[runID] = h
	m.mu.Unlock()

	// An unenforced run never reports back to the graph.
	superviseTaskID := req.TaskID
	if enf == nil {
		superviseTaskID = ""
	}
	go m.supervise(runID, superviseTaskID, h, timeout)

	m.log(LogLevelInfo, "spawned run=%s task=%s class=%s pid=%d timeout=%s",
		runID, req.TaskID, req.ResourceClass, pid, timeout)
	return runID, nil
}

type waitResult struct {
	output string
	err    error
}

// supervise waits for the process, enforcing the runtime bound, then
// records the terminal outcome. The resource slot is released exactly
// once no matter which path finishes first.
func (m *Manager) supervise(runID, taskID string, h *handle, timeout time.Duration) {
	defer close(h.done)
	defer h.release()
	defer func() {
		m.mu.Lock()
		delete(m.handles, runID)
		m.mu.Unlock()
	}()

	waitCh := make(chan waitResult, 1)
	go func() {
		out, err := h.proc.Wait()
		waitCh <- waitResult{output: out, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res waitResult
	timedOut := false
	select {
	case res = <-waitCh:
	case <-timer.C:
		timedOut = true
		m.log(LogLevelWarn, "timeout run=%s after=%s", runID, timeout)
		h.proc.Terminate()
		select {
		case res = <-waitCh:
		case <-time.After(m.cancelGrace):
			h.proc.Kill()
			res = <-waitCh
		}
	}

	status := model.StatusCompleted
	var errMsg string
	switch {
	case timedOut:
		status = model.StatusFailed
		errMsg = fmt.Sprintf("task timed out after %ds", int(timeout/time.Second))
	case res.err != nil:
		status = model.StatusFailed
		errMsg = res.err.Error()
	}

	m.finishRun(runID, taskID, status, res.output, errMsg)
}

// finishRun records a terminal outcome, skipping records another path
// (cancel, stop-all) already finalized.
func (m *Manager) finishRun(runID, taskID string, status model.Status, output, errMsg string) {
	alreadyTerminal := false
	err := m.registry.Update(func(rf *model.RegistryFile) error {
		rec, ok := rf.Tasks[runID]
		if !ok {
			return fmt.Errorf("%w: %s", registry.ErrNotFound, runID)
		}
		if model.IsTerminal(rec.Status) {
			alreadyTerminal = true
			return nil
		}
		if err := model.ValidateRunTransition(rec.Status, status); err != nil {
			return err
		}
		now := time.Now().UTC().Format(time.RFC3339)
		rec.Status = status
		rec.CompletedAt = &now
		if status == model.StatusCompleted {
			rec.Result = &output
		} else if errMsg != "" {
			rec.Error = &errMsg
		}
		return nil
	})
	if err != nil {
		m.log(LogLevelError, "finish_failed run=%s error=%v", runID, err)
		return
	}
	if alreadyTerminal {
		return
	}

	m.log(LogLevelInfo, "finished run=%s status=%s", runID, status)
	m.notifyEnforcer(taskID, status)
}

func (m *Manager) notifyEnforcer(taskID string, status model.Status) {
	if taskID == "" {
		return
	}
	m.mu.Lock()
	enf := m.enforcer
	m.mu.Unlock()
	if enf == nil {
		return
	}
	if err := enf.MarkTaskTerminal(taskID, status); err != nil {
		var perr *enforce.ParallelExecutionError
		if errors.As(err, &perr) {
			m.log(LogLevelError, "parallel_violation %v", perr)
			return
		}
		m.log(LogLevelWarn, "enforcer_notify_failed task=%s status=%s error=%v", taskID, status, err)
	}
}

// Output returns the captured result of a run. With block set it waits
// until the run reaches a terminal status or the timeout elapses;
// otherwise it returns immediately, reporting either the terminal
// result or a status snapshot of the still-running task. Failed and
// cancelled runs report their error instead.
func (m *Manager) Output(runID string, block bool, timeout time.Duration) (string, error) {
	if !block {
		rec, err := m.snapshotRecord(runID)
		if err != nil {
			return "", err
		}
		if model.IsTerminal(rec.Status) {
			return terminalOutput(rec)
		}
		return statusSnapshot(rec), nil
	}

	// One deadline bounds the whole call, the handle wait included.
	deadline := time.Now().Add(timeout)

	m.mu.Lock()
	h, running := m.handles[runID]
	m.mu.Unlock()

	if running {
		select {
		case <-h.done:
		case <-time.After(time.Until(deadline)):
			return "", fmt.Errorf("%w: %s", ErrOutputTimeout, runID)
		}
	}

	for {
		rec, err := m.registry.Get(runID)
		if err != nil {
			return "", err
		}
		if model.IsTerminal(rec.Status) {
			return terminalOutput(rec)
		}
		// Still running with no in-memory handle: either another poll
		// cycle will see the supervise goroutine finish, or the record
		// is orphaned and a Progress call will reclassify it.
		if !running && rec.PID != nil && !executor.PIDAlive(*rec.PID) {
			if _, err := m.Progress(runID, 0); err != nil {
				return "", err
			}
			continue
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %s", ErrOutputTimeout, runID)
		}
		time.Sleep(m.pollInterval)
	}
}

func terminalOutput(rec *model.TaskRecord) (string, error) {
	switch rec.Status {
	case model.StatusCompleted:
		if rec.Result != nil {
			return *rec.Result, nil
		}
		return "", nil
	case model.StatusCancelled:
		return "", fmt.Errorf("task %s was cancelled", rec.RunID)
	default:
		if rec.Error != nil {
			return "", fmt.Errorf("task %s failed: %s", rec.RunID, *rec.Error)
		}
		return "", fmt.Errorf("task %s failed", rec.RunID)
	}
}

// snapshotRecord fetches the record after the same lazy zombie check a
// progress read performs.
func (m *Manager) snapshotRecord(runID string) (*model.TaskRecord, error) {
	if _, err := m.Progress(runID, 0); err != nil {
		return nil, err
	}
	return m.registry.Get(runID)
}

func statusSnapshot(rec *model.TaskRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "task %s is %s", rec.RunID, rec.Status)
	if rec.PID != nil {
		fmt.Fprintf(&b, " (pid %d)", *rec.PID)
	}
	if rec.StartedAt != nil {
		fmt.Fprintf(&b, ", started %s", *rec.StartedAt)
	}
	return b.String()
}

// Progress returns the run's status and the last lines of its output
// (lines <= 0 selects the default tail length). A run recorded as
// running whose process has vanished is reclassified as failed here;
// detection is lazy, there is no background sweep.
func (m *Manager) Progress(runID string, lines int) (ProgressInfo, error) {
	rec, err := m.registry.Get(runID)
	if err != nil {
		return ProgressInfo{}, err
	}

	m.mu.Lock()
	_, supervised := m.handles[runID]
	m.mu.Unlock()

	if rec.Status == model.StatusRunning && !supervised {
		if rec.PID == nil || !executor.PIDAlive(*rec.PID) {
			if err := m.reclassifyZombie(runID); err != nil {
				return ProgressInfo{}, err
			}
			rec, err = m.registry.Get(runID)
			if err != nil {
				return ProgressInfo{}, err
			}
		}
	}

	info := ProgressInfo{
		RunID:  rec.RunID,
		TaskID: rec.TaskID,
		Status: string(rec.Status),
		PID:    rec.PID,
		Error:  rec.Error,
	}
	if lines <= 0 {
		lines = progressTailLines
	}
	if sub, ok := m.executor.(*executor.Subprocess); ok {
		info.TailLines = tailFile(sub.OutPath(runID), lines)
	}
	return info, nil
}

func (m *Manager) reclassifyZombie(runID string) error {
	m.log(LogLevelWarn, "zombie_detected run=%s", runID)
	return m.registry.Update(func(rf *model.RegistryFile) error {
		rec, ok := rf.Tasks[runID]
		if !ok {
			return fmt.Errorf("%w: %s", registry.ErrNotFound, runID)
		}
		if model.IsTerminal(rec.Status) {
			return nil
		}
		now := time.Now().UTC().Format(time.RFC3339)
		msg := zombieError
		rec.Status = model.StatusFailed
		rec.CompletedAt = &now
		rec.Error = &msg
		return nil
	})
}

func tailFile(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// Cancel stops a running task: SIGTERM, a grace period, then SIGKILL.
// It reports whether a task was actually cancelled; an already terminal
// run is a no-op returning false.
func (m *Manager) Cancel(runID string) (bool, error) {
	rec, err := m.registry.Get(runID)
	if err != nil {
		return false, err
	}
	if model.IsTerminal(rec.Status) {
		return false, nil
	}

	m.mu.Lock()
	h, ok := m.handles[runID]
	m.mu.Unlock()

	if ok {
		// Mark first so supervise's finishRun sees a terminal record
		// and leaves the cancelled status in place.
		if err := m.markCancelled(runID); err != nil {
			return false, err
		}
		h.proc.Terminate()
		select {
		case <-h.done:
		case <-time.After(m.cancelGrace):
			h.proc.Kill()
			<-h.done
		}
		m.notifyEnforcer(rec.TaskID, model.StatusCancelled)
		m.log(LogLevelInfo, "cancelled run=%s", runID)
		return true, nil
	}

	// Orphaned record from a previous daemon process.
	if rec.PID != nil && executor.PIDAlive(*rec.PID) {
		signalGroup(*rec.PID, syscall.SIGTERM)
		time.Sleep(m.cancelGrace)
		if executor.PIDAlive(*rec.PID) {
			signalGroup(*rec.PID, syscall.SIGKILL)
		}
	}
	if err := m.markCancelled(runID); err != nil {
		return false, err
	}
	m.notifyEnforcer(rec.TaskID, model.StatusCancelled)
	m.log(LogLevelInfo, "cancelled run=%s (orphaned)", runID)
	return true, nil
}

func (m *Manager) markCancelled(runID string) error {
	return m.registry.Update(func(rf *model.RegistryFile) error {
		rec, ok := rf.Tasks[runID]
		if !ok {
			return fmt.Errorf("%w: %s", registry.ErrNotFound, runID)
		}
		if model.IsTerminal(rec.Status) {
			return nil
		}
		now := time.Now().UTC().Format(time.RFC3339)
		rec.Status = model.StatusCancelled
		rec.CompletedAt = &now
		return nil
	})
}

// Retry re-spawns a failed or cancelled run with the same parameters
// under a new run ID. The original record is left untouched; the new
// record points back at it through RetryOf. Any attached enforcer is
// bypassed, since the task's graph node is already terminal.
func (m *Manager) Retry(runID string) (string, error) {
	rec, err := m.registry.Get(runID)
	if err != nil {
		return "", err
	}
	if rec.Status != model.StatusFailed && rec.Status != model.StatusCancelled {
		return "", fmt.Errorf("%w: %s is %s", ErrNotRetryable, runID, rec.Status)
	}

	newID, err := m.spawn(SpawnRequest{
		TaskID:        rec.TaskID,
		Description:   rec.Description,
		ResourceClass: rec.ResourceClass,
		DependsOn:     rec.DependsOn,
		Params:        rec.Params,
		TimeoutSec:    rec.TimeoutSec,
	}, false)
	if err != nil {
		return "", err
	}

	err = m.registry.Update(func(rf *model.RegistryFile) error {
		nr, ok := rf.Tasks[newID]
		if !ok {
			return fmt.Errorf("%w: %s", registry.ErrNotFound, newID)
		}
		orig := runID
		nr.RetryOf = &orig
		return nil
	})
	if err != nil {
		return "", err
	}
	m.log(LogLevelInfo, "retried run=%s as=%s", runID, newID)
	return newID, nil
}

// StopAll cancels every running task and optionally clears terminal
// history. It returns the number of tasks cancelled.
func (m *Manager) StopAll(clearHistory bool) (int, error) {
	recs, err := m.registry.List()
	if err != nil {
		return 0, err
	}

	stopped := 0
	for _, rec := range recs {
		if model.IsTerminal(rec.Status) {
			continue
		}
		cancelled, err := m.Cancel(rec.RunID)
		if err != nil {
			m.log(LogLevelWarn, "stop_all_cancel_failed run=%s error=%v", rec.RunID, err)
			continue
		}
		if cancelled {
			stopped++
		}
	}

	if clearHistory {
		if _, err := m.registry.ClearTerminal(); err != nil {
			return stopped, err
		}
	}
	return stopped, nil
}

// RecoverStartup sweeps the registry once at daemon boot and fails any
// running record whose process no longer exists. Records with a live
// process are left alone; they belong to nobody now and are handled
// lazily through Progress and Cancel.
func (m *Manager) RecoverStartup() error {
	recs, err := m.registry.List()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if model.IsTerminal(rec.Status) {
			continue
		}
		if rec.PID != nil && executor.PIDAlive(*rec.PID) {
			m.log(LogLevelInfo, "recover_skip_live run=%s pid=%d", rec.RunID, *rec.PID)
			continue
		}
		if err := m.reclassifyZombie(rec.RunID); err != nil {
			return err
		}
	}
	return nil
}

// signalGroup targets the run's process group first and falls back to
// the bare PID when the group is already gone.
func signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err == syscall.ESRCH {
		syscall.Kill(pid, sig)
	}
}

func (m *Manager) log(level LogLevel, format string, args ...any) {
	if m.logger == nil || level < m.logLevel {
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
	m.logger.Printf("%s %s lifecycle: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
