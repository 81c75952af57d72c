package daemon

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/takt-dev/takt/internal/model"
	"github.com/takt-dev/takt/internal/uds"
)

const outputWait = 5 * time.Second

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Lifecycle.CancelGraceSec = 1
	cfg.Daemon.ShutdownTimeoutSec = 1
	cfg.Governor.AcquireTimeoutSec = 1
	return cfg
}

func newTestDaemon(t *testing.T) (*Daemon, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	d, err := newDaemon(t.TempDir(), testConfig(), &buf, nil)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	return d, &buf
}

func TestNewDaemon(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig()
	cfg.Logging.Level = "debug"

	d, err := newDaemon("/tmp/test-takt", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.taktDir != "/tmp/test-takt" {
		t.Errorf("taktDir: got %q, want %q", d.taktDir, "/tmp/test-takt")
	}
	if d.logLevel != LogLevelDebug {
		t.Errorf("logLevel: got %d, want %d", d.logLevel, LogLevelDebug)
	}
}

func TestDaemonShutdownIdempotent(t *testing.T) {
	d, _ := newTestDaemon(t)

	d.Shutdown()
	d.Shutdown() // second call should not panic
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", LogLevelDebug},
		{"DEBUG", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"unknown", LogLevelInfo},
		{"", LogLevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLogLevel(tt.input)
			if got != tt.expected {
				t.Errorf("parseLogLevel(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestDaemonLog(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig()
	cfg.Logging.Level = "warn"

	d, err := newDaemon("", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Info should be filtered
	d.log(LogLevelInfo, "should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}

	// Warn should pass
	d.log(LogLevelWarn, "warning message")
	if !bytes.Contains(buf.Bytes(), []byte("WARN")) {
		t.Errorf("expected WARN in output, got: %s", buf.String())
	}
}

func TestDaemonNew_CreatesLogDir(t *testing.T) {
	tmpDir := t.TempDir()
	taktDir := filepath.Join(tmpDir, ".takt")
	if err := os.MkdirAll(taktDir, 0755); err != nil {
		t.Fatalf("create takt dir: %v", err)
	}

	d, err := New(taktDir, testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.logFile != nil {
		d.logFile.Close()
	}

	logDir := filepath.Join(taktDir, "logs")
	if _, err := os.Stat(logDir); err != nil {
		t.Errorf("expected log dir to be created: %v", err)
	}
}

func TestGovernorLimits_FoldsDefault(t *testing.T) {
	limits := governorLimits(model.GovernorConfig{
		Limits:       map[string]int{"opus": 2},
		DefaultLimit: 7,
	})
	if limits["opus"] != 2 {
		t.Errorf("opus limit = %d, want 2", limits["opus"])
	}
	if limits["_default"] != 7 {
		t.Errorf("_default limit = %d, want 7", limits["_default"])
	}
}

func mustRequest(t *testing.T, command string, params any) *uds.Request {
	t.Helper()
	req, err := uds.NewRequest(command, params)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func decodeData(t *testing.T, resp *uds.Response, v any) {
	t.Helper()
	if !resp.Success {
		t.Fatalf("response not successful: %+v", resp.Error)
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		t.Fatalf("decode response data: %v", err)
	}
}

func TestHandlePlan_WavePartition(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp := d.handlePlan(mustRequest(t, "plan", planParams{Tasks: []PlanTask{
		{ID: "a", Description: "first", ResourceClass: "sonnet"},
		{ID: "b", Description: "second", ResourceClass: "sonnet"},
		{ID: "c", Description: "third", ResourceClass: "sonnet", DependsOn: []string{"a", "b"}},
	}}))

	var result planResult
	decodeData(t, resp, &result)
	if result.TotalWaves != 2 {
		t.Errorf("TotalWaves = %d, want 2", result.TotalWaves)
	}
	if len(result.Waves[0]) != 2 || len(result.Waves[1]) != 1 {
		t.Errorf("wave sizes = %d/%d, want 2/1", len(result.Waves[0]), len(result.Waves[1]))
	}
}

func TestHandlePlan_StrictOverride(t *testing.T) {
	d, _ := newTestDaemon(t)

	strict := true
	resp := d.handlePlan(mustRequest(t, "plan", planParams{
		Tasks:    []PlanTask{{ID: "a", Description: "only", ResourceClass: "sonnet"}},
		Strict:   &strict,
		WindowMs: 250,
	}))
	if !resp.Success {
		t.Fatalf("plan failed: %+v", resp.Error)
	}

	statusResp := d.handleStatus(mustRequest(t, "status", nil))
	var result struct {
		Enforcement *struct {
			Strict   bool  `json:"strict"`
			WindowMs int64 `json:"window_ms"`
		} `json:"enforcement"`
	}
	decodeData(t, statusResp, &result)
	if result.Enforcement == nil {
		t.Fatal("enforcement missing after plan")
	}
	if !result.Enforcement.Strict {
		t.Error("strict override not applied")
	}
	if result.Enforcement.WindowMs != 250 {
		t.Errorf("window_ms = %d, want 250", result.Enforcement.WindowMs)
	}
}

func TestHandlePlan_CycleRejected(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp := d.handlePlan(mustRequest(t, "plan", planParams{Tasks: []PlanTask{
		{ID: "a", ResourceClass: "sonnet", DependsOn: []string{"b"}},
		{ID: "b", ResourceClass: "sonnet", DependsOn: []string{"a"}},
	}}))

	if resp.Success {
		t.Fatal("cyclic plan accepted")
	}
	if resp.Error.Code != uds.ErrCodeValidation {
		t.Errorf("error code = %s, want %s", resp.Error.Code, uds.ErrCodeValidation)
	}
}

func TestHandlePlan_Empty(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp := d.handlePlan(mustRequest(t, "plan", planParams{}))
	if resp.Success {
		t.Fatal("empty plan accepted")
	}
}

func TestHandleSpawn_WaveViolation(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp := d.handlePlan(mustRequest(t, "plan", planParams{Tasks: []PlanTask{
		{ID: "a", ResourceClass: "sonnet", Params: map[string]string{"command": "true"}},
		{ID: "b", ResourceClass: "sonnet", DependsOn: []string{"a"}, Params: map[string]string{"command": "true"}},
	}}))
	if !resp.Success {
		t.Fatalf("plan failed: %+v", resp.Error)
	}

	resp = d.handleSpawn(mustRequest(t, "spawn", spawnParams{TaskID: "b"}))
	if resp.Success {
		t.Fatal("out-of-wave spawn accepted")
	}
	if resp.Error.Code != uds.ErrCodeWaveViolation {
		t.Errorf("error code = %s, want %s", resp.Error.Code, uds.ErrCodeWaveViolation)
	}
}

func TestHandleSpawn_UsesPlanParams(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp := d.handlePlan(mustRequest(t, "plan", planParams{Tasks: []PlanTask{
		{ID: "a", Description: "planned", ResourceClass: "haiku", Params: map[string]string{"command": "echo planned"}},
	}}))
	if !resp.Success {
		t.Fatalf("plan failed: %+v", resp.Error)
	}

	resp = d.handleSpawn(mustRequest(t, "spawn", spawnParams{TaskID: "a"}))
	var result map[string]string
	decodeData(t, resp, &result)
	if result["run_id"] == "" {
		t.Fatal("no run_id in spawn response")
	}

	// The spawned record carries the plan's declaration.
	rec, err := d.registry.Get(result["run_id"])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Description != "planned" {
		t.Errorf("description = %q, want planned", rec.Description)
	}
	if rec.ResourceClass != "haiku" {
		t.Errorf("resource class = %q, want haiku", rec.ResourceClass)
	}

	d.manager.StopAll(false)
}

func TestHandleOutput_MalformedRunID(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp := d.handleOutput(mustRequest(t, "output", runParams{RunID: "not-a-run-id"}))
	if resp.Success {
		t.Fatal("malformed run id accepted")
	}
	if resp.Error.Code != uds.ErrCodeValidation {
		t.Errorf("error code = %s, want %s", resp.Error.Code, uds.ErrCodeValidation)
	}
}

func TestHandleOutput_NotFound(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp := d.handleOutput(mustRequest(t, "output", runParams{RunID: "run_0000000001_deadbeef", TimeoutSec: 1}))
	if resp.Success {
		t.Fatal("unknown run id accepted")
	}
	if resp.Error.Code != uds.ErrCodeNotFound {
		t.Errorf("error code = %s, want %s", resp.Error.Code, uds.ErrCodeNotFound)
	}
}

func TestHandleRetry_NotRetryable(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp := d.handleSpawn(mustRequest(t, "spawn", spawnParams{
		Description:   "long runner",
		ResourceClass: "sonnet",
		Params:        map[string]string{"command": "sleep 30"},
	}))
	var result map[string]string
	decodeData(t, resp, &result)
	runID := result["run_id"]
	defer d.manager.StopAll(false)

	resp = d.handleRetry(mustRequest(t, "retry", runParams{RunID: runID}))
	if resp.Success {
		t.Fatal("retry of running task accepted")
	}
	if resp.Error.Code != uds.ErrCodeNotRetryable {
		t.Errorf("error code = %s, want %s", resp.Error.Code, uds.ErrCodeNotRetryable)
	}
}

func TestHandleCancel_ReportsNoop(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp := d.handleSpawn(mustRequest(t, "spawn", spawnParams{
		Description:   "quick",
		ResourceClass: "sonnet",
		Params:        map[string]string{"command": "echo hi"},
	}))
	var spawned map[string]string
	decodeData(t, resp, &spawned)
	runID := spawned["run_id"]

	// Let the run finish before cancelling.
	if _, err := d.manager.Output(runID, true, outputWait); err != nil {
		t.Fatalf("Output: %v", err)
	}

	resp = d.handleCancel(mustRequest(t, "cancel", runParams{RunID: runID}))
	if !resp.Success {
		t.Fatalf("cancel failed: %+v", resp.Error)
	}
	var result struct {
		Cancelled bool   `json:"cancelled"`
		Status    string `json:"status"`
	}
	decodeData(t, resp, &result)
	if result.Cancelled {
		t.Error("cancel of a terminal run reported as cancelled")
	}
	if result.Status != "already_terminal" {
		t.Errorf("status = %q, want already_terminal", result.Status)
	}
}

func TestHandleCancel_RunningTask(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp := d.handleSpawn(mustRequest(t, "spawn", spawnParams{
		Description:   "long runner",
		ResourceClass: "sonnet",
		Params:        map[string]string{"command": "sleep 30"},
	}))
	var spawned map[string]string
	decodeData(t, resp, &spawned)
	runID := spawned["run_id"]
	defer d.manager.StopAll(false)

	resp = d.handleCancel(mustRequest(t, "cancel", runParams{RunID: runID}))
	if !resp.Success {
		t.Fatalf("cancel failed: %+v", resp.Error)
	}
	var result struct {
		Cancelled bool   `json:"cancelled"`
		Status    string `json:"status"`
	}
	decodeData(t, resp, &result)
	if !result.Cancelled {
		t.Error("cancel of a running task reported as noop")
	}
	if result.Status != "cancelled" {
		t.Errorf("status = %q, want cancelled", result.Status)
	}
}

func TestHandleStatus_NoPlan(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp := d.handleStatus(mustRequest(t, "status", nil))
	var result struct {
		Enforcement  *json.RawMessage `json:"enforcement"`
		ComplianceOK bool             `json:"compliance_ok"`
	}
	decodeData(t, resp, &result)
	if result.Enforcement != nil {
		t.Error("enforcement should be null without a plan")
	}
	if !result.ComplianceOK {
		t.Error("compliance should default to ok")
	}
}

func TestHandleStop_ClearsHistory(t *testing.T) {
	d, _ := newTestDaemon(t)

	resp := d.handleSpawn(mustRequest(t, "spawn", spawnParams{
		Description:   "quick",
		ResourceClass: "sonnet",
		Params:        map[string]string{"command": "true"},
	}))
	var spawned map[string]string
	decodeData(t, resp, &spawned)

	if _, err := d.manager.Output(spawned["run_id"], true, outputWait); err != nil {
		t.Fatalf("Output: %v", err)
	}

	resp = d.handleStop(mustRequest(t, "stop", stopParams{ClearHistory: true}))
	var result map[string]int
	decodeData(t, resp, &result)

	recs, err := d.registry.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("registry still has %d records after stop --clear", len(recs))
	}
}
