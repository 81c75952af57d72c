// Package executor starts and controls the backing processes for
// spawned tasks. Each run gets its own process group so that
// termination signals reach the whole command tree, and its stdout
// and stderr land in per-run files under the runs directory.
package executor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// Spec describes one process to start.
type Spec struct {
	RunID   string
	Command string
	Dir     string            // working directory, empty for inherit
	Env     map[string]string // extra environment entries
}

// Process is a handle on a started run.
type Process interface {
	PID() int
	// Wait blocks until the process exits and returns the captured
	// stdout. A non-zero exit is reported as an error alongside any
	// output produced before the failure.
	Wait() (string, error)
	// Terminate sends SIGTERM to the process group.
	Terminate() error
	// Kill sends SIGKILL to the process group.
	Kill() error
	// Alive reports whether the process still exists.
	Alive() bool
}

// Subprocess runs task commands as shell subprocesses.
type Subprocess struct {
	runsDir string
}

// NewSubprocess returns an executor writing per-run output files into
// runsDir. The directory is created on demand.
func NewSubprocess(runsDir string) *Subprocess {
	return &Subprocess{runsDir: runsDir}
}

// OutPath returns the stdout capture file for a run.
func (s *Subprocess) OutPath(runID string) string {
	return filepath.Join(s.runsDir, runID+".out")
}

// LogPath returns the stderr capture file for a run.
func (s *Subprocess) LogPath(runID string) string {
	return filepath.Join(s.runsDir, runID+".log")
}

// Start launches the command in its own process group with stdin
// detached and output redirected to the run's capture files.
func (s *Subprocess) Start(spec Spec) (Process, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("empty command for run %s", spec.RunID)
	}
	if err := os.MkdirAll(s.runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}

	outFile, err := os.Create(s.OutPath(spec.RunID))
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	logFile, err := os.Create(s.LogPath(spec.RunID))
	if err != nil {
		outFile.Close()
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	cmd := exec.Command("sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Stdin = nil // /dev/null; tasks must not wait on a terminal
	cmd.Stdout = outFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		outFile.Close()
		logFile.Close()
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	return &process{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		outPath: s.OutPath(spec.RunID),
		outFile: outFile,
		logFile: logFile,
	}, nil
}

type process struct {
	cmd     *exec.Cmd
	pid     int
	outPath string
	outFile *os.File
	logFile *os.File
}

func (p *process) PID() int {
	return p.pid
}

func (p *process) Wait() (string, error) {
	waitErr := p.cmd.Wait()
	p.outFile.Close()
	p.logFile.Close()

	data, readErr := os.ReadFile(p.outPath)
	output := string(data)
	if waitErr != nil {
		return output, fmt.Errorf("command exited abnormally: %w", waitErr)
	}
	if readErr != nil {
		return "", fmt.Errorf("failed to read output file: %w", readErr)
	}
	return output, nil
}

func (p *process) Terminate() error {
	return p.signalGroup(syscall.SIGTERM)
}

func (p *process) Kill() error {
	return p.signalGroup(syscall.SIGKILL)
}

func (p *process) signalGroup(sig syscall.Signal) error {
	// Negative PID targets the process group created at Start.
	err := syscall.Kill(-p.pid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

func (p *process) Alive() bool {
	return PIDAlive(p.pid)
}

// PIDAlive reports whether a process with the given PID exists. Signal
// zero performs the existence check without delivering anything.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
