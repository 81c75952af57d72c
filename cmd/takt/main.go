package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/takt-dev/takt/internal/daemon"
	"github.com/takt-dev/takt/internal/model"
	"github.com/takt-dev/takt/internal/setup"
	"github.com/takt-dev/takt/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "daemon":
		runDaemon(os.Args[2:])
	case "init":
		runInit(os.Args[2:])
	case "plan":
		runPlan(os.Args[2:])
	case "spawn":
		runSpawn(os.Args[2:])
	case "output":
		runOutput(os.Args[2:])
	case "progress":
		runProgress(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "retry":
		runRetry(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "down":
		runDown(os.Args[2:])
	case "version":
		fmt.Printf("takt %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runDaemon(_ []string) {
	taktDir := mustFindTaktDir()

	cfg, err := loadConfig(taktDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(taktDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runInit(args []string) {
	projectDir := "."
	projectName := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			projectName = args[i]
		default:
			if args[i][0] == '-' {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: takt init [dir] [--name <project>]\n", args[i])
				os.Exit(1)
			}
			projectDir = args[i]
		}
	}

	if err := setup.Run(projectDir, projectName); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(projectDir)
	fmt.Printf("Initialized .takt/ in %s\n", absDir)
}

// planFile is the YAML document accepted by `takt plan`.
type planFile struct {
	Tasks []struct {
		ID            string            `yaml:"id" json:"id"`
		Description   string            `yaml:"description" json:"description"`
		ResourceClass string            `yaml:"resource_class" json:"resource_class"`
		DependsOn     []string          `yaml:"depends_on" json:"depends_on,omitempty"`
		Params        map[string]string `yaml:"params" json:"params,omitempty"`
		TimeoutSec    int               `yaml:"timeout_sec" json:"timeout_sec,omitempty"`
	} `yaml:"tasks" json:"tasks"`
	Strict   *bool `yaml:"strict" json:"strict,omitempty"`
	WindowMs int   `yaml:"window_ms" json:"window_ms,omitempty"`
}

func runPlan(args []string) {
	tasksFile := "-"
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--file", "-f":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--file requires a value")
				os.Exit(1)
			}
			i++
			tasksFile = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: takt plan [--file <path>] (default: stdin)\n", args[i])
			os.Exit(1)
		}
	}

	var data []byte
	var err error
	if tasksFile == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(tasksFile)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "read plan: %v\n", err)
		os.Exit(1)
	}

	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		fmt.Fprintf(os.Stderr, "parse plan: %v\n", err)
		os.Exit(1)
	}
	if len(pf.Tasks) == 0 {
		fmt.Fprintln(os.Stderr, "plan has no tasks")
		os.Exit(1)
	}

	sendCommand("plan", pf)
}

func runSpawn(args []string) {
	var taskID, description, resourceClass, command, dir string
	var dependsOn []string
	params := map[string]string{}
	timeoutSec := 0

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--task-id":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--task-id requires a value")
				os.Exit(1)
			}
			i++
			taskID = args[i]
		case "--description":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--description requires a value")
				os.Exit(1)
			}
			i++
			description = args[i]
		case "--class":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--class requires a value")
				os.Exit(1)
			}
			i++
			resourceClass = args[i]
		case "--command":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--command requires a value")
				os.Exit(1)
			}
			i++
			command = args[i]
		case "--dir":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--dir requires a value")
				os.Exit(1)
			}
			i++
			dir = args[i]
		case "--depends-on":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--depends-on requires a value")
				os.Exit(1)
			}
			i++
			dependsOn = append(dependsOn, args[i])
		case "--param":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--param requires key=value")
				os.Exit(1)
			}
			i++
			k, v, ok := splitKeyValue(args[i])
			if !ok {
				fmt.Fprintf(os.Stderr, "invalid --param value: %s (want key=value)\n", args[i])
				os.Exit(1)
			}
			params[k] = v
		case "--timeout":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--timeout requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --timeout value: %s\n", args[i])
				os.Exit(1)
			}
			timeoutSec = n
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			fmt.Fprintln(os.Stderr, "usage: takt spawn [--task-id <id>] [--description <text>] [--class <resource_class>] [--command <cmd>] [--param k=v]... [--depends-on <id>]... [--dir <path>] [--timeout <sec>]")
			os.Exit(1)
		}
	}

	if command != "" {
		params["command"] = command
	}
	if taskID == "" && params["command"] == "" {
		fmt.Fprintln(os.Stderr, "either --task-id (for planned tasks) or --command is required")
		os.Exit(1)
	}

	body := map[string]any{
		"task_id":        taskID,
		"description":    description,
		"resource_class": resourceClass,
		"params":         params,
	}
	if len(dependsOn) > 0 {
		body["depends_on"] = dependsOn
	}
	if dir != "" {
		body["dir"] = dir
	}
	if timeoutSec > 0 {
		body["timeout_sec"] = timeoutSec
	}

	sendCommand("spawn", body)
}

func runOutput(args []string) {
	noWait := false
	rest := args[:0:0]
	for _, a := range args {
		if a == "--no-wait" {
			noWait = true
			continue
		}
		rest = append(rest, a)
	}

	runID, timeoutSec := runIDArgs(rest, "output", true)
	body := map[string]any{"run_id": runID}
	if timeoutSec > 0 {
		body["timeout_sec"] = timeoutSec
	}
	if noWait {
		body["no_wait"] = true
	}
	sendCommandWithTimeout("output", body, timeoutSec)
}

func runProgress(args []string) {
	runID := ""
	lines := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--lines", "-n":
			if i+1 >= len(args) {
				fmt.Fprintf(os.Stderr, "%s requires a value\n", args[i])
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "invalid line count: %s\n", args[i])
				os.Exit(1)
			}
			lines = n
		default:
			if runID != "" {
				fmt.Fprintln(os.Stderr, "usage: takt progress <run_id> [--lines <n>]")
				os.Exit(1)
			}
			runID = args[i]
		}
	}
	if runID == "" {
		fmt.Fprintln(os.Stderr, "usage: takt progress <run_id> [--lines <n>]")
		os.Exit(1)
	}
	sendCommand("progress", map[string]any{"run_id": runID, "lines": lines})
}

func runCancel(args []string) {
	runID, _ := runIDArgs(args, "cancel", false)
	sendCommand("cancel", map[string]any{"run_id": runID})
}

func runRetry(args []string) {
	runID, _ := runIDArgs(args, "retry", false)
	sendCommand("retry", map[string]any{"run_id": runID})
}

func runList(_ []string) {
	sendCommand("list", nil)
}

func runStatus(_ []string) {
	sendCommand("status", nil)
}

func runStop(args []string) {
	clearHistory := false
	for _, a := range args {
		switch a {
		case "--clear":
			clearHistory = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: takt stop [--clear]\n", a)
			os.Exit(1)
		}
	}
	sendCommand("stop", map[string]any{"clear_history": clearHistory})
}

func runDown(_ []string) {
	sendCommand("shutdown", nil)
}

// runIDArgs parses the common `<run_id> [--timeout <sec>]` argument
// shape shared by the run-scoped subcommands.
func runIDArgs(args []string, cmd string, withTimeout bool) (string, int) {
	runID := ""
	timeoutSec := 0
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--timeout":
			if !withTimeout {
				fmt.Fprintf(os.Stderr, "unknown flag: --timeout\nusage: takt %s <run_id>\n", cmd)
				os.Exit(1)
			}
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--timeout requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --timeout value: %s\n", args[i])
				os.Exit(1)
			}
			timeoutSec = n
		default:
			if runID != "" {
				fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", args[i])
				os.Exit(1)
			}
			runID = args[i]
		}
	}
	if runID == "" {
		fmt.Fprintf(os.Stderr, "usage: takt %s <run_id>\n", cmd)
		os.Exit(1)
	}
	return runID, timeoutSec
}

func splitKeyValue(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			if i == 0 {
				return "", "", false
			}
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func sendCommand(command string, params any) {
	sendCommandWithTimeout(command, params, 0)
}

func sendCommandWithTimeout(command string, params any, timeoutSec int) {
	taktDir := mustFindTaktDir()

	client := uds.NewClient(filepath.Join(taktDir, uds.DefaultSocketName))
	if timeoutSec > 0 {
		// Give the daemon room to answer after its own deadline fires.
		client.SetTimeout(time.Duration(timeoutSec+5) * time.Second)
	}
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}

	if !resp.Success {
		code := ""
		msg := "unknown error"
		if resp.Error != nil {
			code = resp.Error.Code
			msg = resp.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, code, msg)
		if code == uds.ErrCodeWaveViolation || code == uds.ErrCodeResourceTimeout {
			os.Exit(2)
		}
		os.Exit(1)
	}

	if len(resp.Data) > 0 {
		out, _ := json.MarshalIndent(json.RawMessage(resp.Data), "", "  ")
		fmt.Println(string(out))
	}
}

// findTaktDir searches for .takt/ in the current directory and ancestors.
func findTaktDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".takt")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustFindTaktDir() string {
	taktDir := findTaktDir()
	if taktDir == "" {
		fmt.Fprintln(os.Stderr, "error: .takt/ directory not found. Run 'takt init' first.")
		os.Exit(1)
	}
	return taktDir
}

func loadConfig(taktDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(taktDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var user model.Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return model.MergeConfig(model.DefaultConfig(), user), nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `takt %s - background task scheduler and concurrency governor

Usage: takt <command> [options]

Project:
  init [dir] [--name <project>]   Initialize .takt/ directory
  daemon                          Run the scheduler daemon

Tasks (CLI → Daemon):
  plan [--file <path>]            Submit a task plan (YAML, default stdin)
  spawn [options]                 Spawn a task (planned or ad-hoc)
  output <run_id> [--timeout <s>] [--no-wait]
                                  Print a task's output, waiting unless --no-wait
  progress <run_id> [--lines <n>] Show status and output tail
  cancel <run_id>                 Cancel a running task
  retry <run_id>                  Re-run a finished task
  list                            List all task records
  status                          Show wave and resource bucket status
  stop [--clear]                  Cancel all running tasks
  down                            Shut the daemon down

Utilities:
  version                         Show version
  help                            Show this help

`, version)
}
