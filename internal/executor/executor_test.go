package executor

import (
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestStart_EmptyCommand(t *testing.T) {
	s := NewSubprocess(t.TempDir())
	if _, err := s.Start(Spec{RunID: "run_0000000001_deadbeef", Command: "   "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestStartWait_CapturesStdout(t *testing.T) {
	s := NewSubprocess(t.TempDir())
	p, err := s.Start(Spec{RunID: "run_0000000001_deadbeef", Command: "echo hello; echo oops >&2"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	out, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("output = %q, want hello", out)
	}

	// stderr goes to the log file, not the output.
	logData, err := os.ReadFile(s.LogPath("run_0000000001_deadbeef"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.TrimSpace(string(logData)) != "oops" {
		t.Errorf("log = %q, want oops", logData)
	}
}

func TestWait_NonZeroExit(t *testing.T) {
	s := NewSubprocess(t.TempDir())
	p, err := s.Start(Spec{RunID: "run_0000000002_deadbeef", Command: "echo partial; exit 3"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	out, err := p.Wait()
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if strings.TrimSpace(out) != "partial" {
		t.Errorf("output before failure = %q, want partial", out)
	}
}

func TestStart_ExtraEnv(t *testing.T) {
	s := NewSubprocess(t.TempDir())
	p, err := s.Start(Spec{
		RunID:   "run_0000000003_deadbeef",
		Command: "echo $TAKT_TEST_VALUE",
		Env:     map[string]string{"TAKT_TEST_VALUE": "plumbed"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	out, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if strings.TrimSpace(out) != "plumbed" {
		t.Errorf("output = %q, want plumbed", out)
	}
}

func TestTerminate_StopsProcessGroup(t *testing.T) {
	s := NewSubprocess(t.TempDir())
	p, err := s.Start(Spec{RunID: "run_0000000004_deadbeef", Command: "sleep 30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !p.Alive() {
		t.Fatal("process should be alive right after start")
	}
	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.Kill()
		t.Fatal("process did not exit after SIGTERM")
	}
}

func TestSignal_GoneProcessIsNoop(t *testing.T) {
	s := NewSubprocess(t.TempDir())
	p, err := s.Start(Spec{RunID: "run_0000000005_deadbeef", Command: "true"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if err := p.Terminate(); err != nil && err != syscall.ESRCH {
		t.Errorf("Terminate after exit: %v", err)
	}
	if p.Alive() {
		t.Error("exited process reported alive")
	}
}

func TestPIDAlive(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Error("own PID reported dead")
	}
	if PIDAlive(0) || PIDAlive(-1) {
		t.Error("non-positive PID reported alive")
	}
}
