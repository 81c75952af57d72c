package model

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Governor  GovernorConfig  `yaml:"governor"`
	Enforcer  EnforcerConfig  `yaml:"enforcer"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type GovernorConfig struct {
	// Limits maps canonical resource classes to their concurrency
	// limit. Unknown classes fall back to DefaultLimit.
	Limits            map[string]int `yaml:"limits"`
	DefaultLimit      int            `yaml:"default_limit"`
	AcquireTimeoutSec int            `yaml:"acquire_timeout_sec"`
}

type EnforcerConfig struct {
	ParallelWindowMs int  `yaml:"parallel_window_ms"`
	Strict           bool `yaml:"strict"`
}

type LifecycleConfig struct {
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
	CancelGraceSec    int `yaml:"cancel_grace_sec"`
	PollIntervalMs    int `yaml:"poll_interval_ms"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in configuration. User config merges
// over these values field by field; zero values keep the default.
func DefaultConfig() Config {
	return Config{
		Governor: GovernorConfig{
			Limits: map[string]int{
				"opus":              2,
				"sonnet":            5,
				"haiku":             10,
				"gemini-3-flash":    10,
				"gemini-3-pro-high": 5,
				"gpt-5.2":           3,
			},
			DefaultLimit:      5,
			AcquireTimeoutSec: 60,
		},
		Enforcer: EnforcerConfig{
			ParallelWindowMs: 1000,
		},
		Lifecycle: LifecycleConfig{
			DefaultTimeoutSec: 300,
			CancelGraceSec:    5,
			PollIntervalMs:    500,
		},
		Daemon: DaemonConfig{
			ShutdownTimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// MergeConfig overlays user-supplied values on top of base. Scalars
// replace only when set; governor limits merge key by key so a partial
// limits block does not wipe the defaults.
func MergeConfig(base, user Config) Config {
	out := base

	if user.Project.Name != "" {
		out.Project.Name = user.Project.Name
	}
	if user.Project.Description != "" {
		out.Project.Description = user.Project.Description
	}
	if user.Governor.DefaultLimit > 0 {
		out.Governor.DefaultLimit = user.Governor.DefaultLimit
	}
	if user.Governor.AcquireTimeoutSec > 0 {
		out.Governor.AcquireTimeoutSec = user.Governor.AcquireTimeoutSec
	}
	if len(user.Governor.Limits) > 0 {
		merged := make(map[string]int, len(base.Governor.Limits)+len(user.Governor.Limits))
		for k, v := range base.Governor.Limits {
			merged[k] = v
		}
		for k, v := range user.Governor.Limits {
			merged[k] = v
		}
		out.Governor.Limits = merged
	}
	if user.Enforcer.ParallelWindowMs > 0 {
		out.Enforcer.ParallelWindowMs = user.Enforcer.ParallelWindowMs
	}
	out.Enforcer.Strict = user.Enforcer.Strict
	if user.Lifecycle.DefaultTimeoutSec > 0 {
		out.Lifecycle.DefaultTimeoutSec = user.Lifecycle.DefaultTimeoutSec
	}
	if user.Lifecycle.CancelGraceSec > 0 {
		out.Lifecycle.CancelGraceSec = user.Lifecycle.CancelGraceSec
	}
	if user.Lifecycle.PollIntervalMs > 0 {
		out.Lifecycle.PollIntervalMs = user.Lifecycle.PollIntervalMs
	}
	if user.Daemon.ShutdownTimeoutSec > 0 {
		out.Daemon.ShutdownTimeoutSec = user.Daemon.ShutdownTimeoutSec
	}
	if user.Logging.Level != "" {
		out.Logging.Level = user.Logging.Level
	}

	return out
}
