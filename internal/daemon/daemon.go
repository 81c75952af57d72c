// Package daemon runs the long-lived takt scheduler process: it owns
// the daemon file lock, serves CLI requests over a unix socket, and
// reloads governor limits when the config file changes.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/takt-dev/takt/internal/executor"
	"github.com/takt-dev/takt/internal/governor"
	"github.com/takt-dev/takt/internal/lifecycle"
	"github.com/takt-dev/takt/internal/lock"
	"github.com/takt-dev/takt/internal/model"
	"github.com/takt-dev/takt/internal/registry"
	"github.com/takt-dev/takt/internal/uds"
	"github.com/takt-dev/takt/internal/yaml"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the main takt scheduler process.
type Daemon struct {
	taktDir  string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher

	registry *registry.PersistedRegistry
	governor *governor.Governor
	manager  *lifecycle.Manager

	// planTasks holds the *[]PlanTask of the active plan for spawn
	// parameter defaulting.
	planTasks atomic.Value

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a new Daemon instance logging to .takt/logs/daemon.log.
func New(taktDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(taktDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(taktDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(taktDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	socketPath := filepath.Join(taktDir, uds.DefaultSocketName)
	server := uds.NewServer(socketPath)

	logger := log.New(w, "", 0)
	logLevel := parseLogLevel(cfg.Logging.Level)

	gov := governor.New(governorLimits(cfg.Governor), logger, governor.LogLevel(logLevel))
	reg := registry.New(filepath.Join(taktDir, "registry.yaml"))
	exec := executor.NewSubprocess(filepath.Join(taktDir, "runs"))

	mgr := lifecycle.New(reg, gov, exec, lifecycle.Options{
		DefaultTimeout: time.Duration(cfg.Lifecycle.DefaultTimeoutSec) * time.Second,
		CancelGrace:    time.Duration(cfg.Lifecycle.CancelGraceSec) * time.Second,
		AcquireTimeout: time.Duration(cfg.Governor.AcquireTimeoutSec) * time.Second,
		PollInterval:   time.Duration(cfg.Lifecycle.PollIntervalMs) * time.Millisecond,
		Logger:         logger,
		LogLevel:       lifecycle.LogLevel(logLevel),
	})

	d := &Daemon{
		taktDir:  taktDir,
		config:   cfg,
		logLevel: logLevel,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(taktDir, "locks", "daemon.lock")),
		server:   server,
		registry: reg,
		governor: gov,
		manager:  mgr,
		ctx:      ctx,
		cancel:   cancel,
	}

	server.SetLogf(func(format string, args ...any) {
		d.log(LogLevelWarn, format, args...)
	})

	return d, nil
}

// governorLimits flattens the config limit table into the governor's
// form, folding default_limit into the "_default" entry.
func governorLimits(cfg model.GovernorConfig) map[string]int64 {
	out := make(map[string]int64, len(cfg.Limits)+1)
	for k, v := range cfg.Limits {
		out[k] = int64(v)
	}
	if cfg.DefaultLimit > 0 {
		out[governor.DefaultKey] = int64(cfg.DefaultLimit)
	}
	return out
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	// Step 2: Init fsnotify watcher on the takt dir for config reloads
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	// Watching the directory rather than the file survives the atomic
	// rename the config writer performs.
	if err := watcher.Add(d.taktDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", d.taktDir, err)
	}

	// Step 3: Register UDS handlers
	d.registerHandlers()

	// Step 4: Start UDS server
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.taktDir, uds.DefaultSocketName))

	// Step 5: Start config watch loop
	d.wg.Add(1)
	go d.fsnotifyLoop()

	// Step 6: Fail registry records orphaned by a previous daemon
	if err := d.manager.RecoverStartup(); err != nil {
		d.log(LogLevelWarn, "startup recovery failed: %v", err)
	}
	d.log(LogLevelInfo, "daemon ready")

	// Step 7: Wait for signals
	d.waitSignals()

	return nil
}

// fsnotifyLoop reloads governor limits when config.yaml changes.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	configPath := filepath.Join(d.taktDir, "config.yaml")
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Name != configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.reloadConfig(configPath)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// reloadConfig re-reads config.yaml and pushes new limits into the
// governor. Only buckets created after the reload pick them up.
func (d *Daemon) reloadConfig(configPath string) {
	var user model.Config
	if err := yaml.Load(configPath, &user); err != nil {
		d.log(LogLevelWarn, "config reload failed: %v", err)
		return
	}
	cfg := model.MergeConfig(model.DefaultConfig(), user)
	d.governor.UpdateLimits(governorLimits(cfg.Governor))
	d.config.Governor = cfg.Governor
	d.log(LogLevelInfo, "config reloaded, governor limits updated")
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal → force exit
	go func() {
		<-sigCh
		d.log(LogLevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops accepting new work)
		d.cancel()

		// 2. Stop producers
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		// 3. Cancel running tasks, then drain with timeout
		if stopped, err := d.manager.StopAll(false); err != nil {
			d.log(LogLevelWarn, "stop all tasks: %v", err)
		} else if stopped > 0 {
			d.log(LogLevelInfo, "cancelled %d running tasks", stopped)
		}

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		// 4. Cleanup
		d.cleanup()
		d.log(LogLevelInfo, "daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	socketPath := filepath.Join(d.taktDir, uds.DefaultSocketName)
	os.Remove(socketPath)
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
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
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
