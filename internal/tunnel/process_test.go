package tunnel

import (
	"bytes"
	"os/exec"
	"testing"
	"time"
)

// newTestProcess builds a process around a plain shell command instead
// of spawnTunnel's hardcoded ssh invocation, so reap()/exited()/kill()
// can be exercised without a real ssh binary or network.
func newTestProcess(t *testing.T, shCmd string) *process {
	t.Helper()
	cmd := exec.Command("sh", "-c", shCmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start test process: %v", err)
	}
	p := &process{cmd: cmd, stderr: &stderr, waitCh: make(chan struct{})}
	go p.reap()
	return p
}

func TestProcessExitedReflectsCompletion(t *testing.T) {
	p := newTestProcess(t, "exit 0")
	p.wait()
	if !p.exited() {
		t.Fatal("expected process to report exited after wait()")
	}
	if p.exitErr() != nil {
		t.Fatalf("expected nil exit error for exit 0, got %v", p.exitErr())
	}
}

func TestProcessCapturesStderr(t *testing.T) {
	p := newTestProcess(t, "echo boom 1>&2; exit 1")
	p.wait()
	if p.stderrText() != "boom" {
		t.Fatalf("expected captured stderr %q, got %q", "boom", p.stderrText())
	}
	if p.exitErr() == nil {
		t.Fatal("expected a non-nil exit error for exit 1")
	}
}

func TestProcessKillStopsLongRunningCommand(t *testing.T) {
	p := newTestProcess(t, "exec sleep 30")
	if p.exited() {
		t.Fatal("expected process to still be running")
	}
	p.kill()
	select {
	case <-p.waitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected kill to cause the process to exit promptly")
	}
	if !p.exited() {
		t.Fatal("expected exited() to report true after kill")
	}
}

func TestExitCodeFromExitError(t *testing.T) {
	p := newTestProcess(t, "exit 7")
	p.wait()
	if got := exitCode(p.exitErr()); got != "7" {
		t.Fatalf("expected exit code 7, got %q", got)
	}
}

func TestExitCodeNilIsZero(t *testing.T) {
	if got := exitCode(nil); got != "0" {
		t.Fatalf("expected 0 for nil error, got %q", got)
	}
}
