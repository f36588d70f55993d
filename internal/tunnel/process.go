package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// portForward is one `-L localPort:remoteHost:remotePort` clause.
type portForward struct {
	local      int
	remoteHost string
	remotePort int
}

// process wraps a running `ssh -N -L ...` forwarding command. Unlike
// sshtransport's queued one-shot commands, a tunnel owns its ssh
// process for its whole lifetime and never shares a control socket,
// per spec: "tunnels must own their SSH process."
type process struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	waitCh chan struct{}

	mu   sync.Mutex
	done bool
	err  error
}

// spawnTunnel starts `ssh -N` with one -L clause per forward. It does
// not wait for the process to become ready; callers poll the local
// port separately.
func spawnTunnel(ctx context.Context, addr, loginUser, identity string, forwards []portForward) (*process, error) {
	args := []string{
		"-N",
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "ServerAliveInterval=30",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ControlMaster=no",
	}
	if identity != "" {
		args = append(args, "-i", identity)
	}
	for _, f := range forwards {
		args = append(args, "-L", fmt.Sprintf("%d:%s:%d", f.local, f.remoteHost, f.remotePort))
	}
	args = append(args, fmt.Sprintf("%s@%s", loginUser, addr))

	cmd := exec.Command("ssh", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tunnel: starting ssh -L: %w", err)
	}

	p := &process{cmd: cmd, stderr: &stderr, waitCh: make(chan struct{})}
	go p.reap()
	return p, nil
}

// reap waits for the process to exit exactly once and records the
// result so exited()/exitErr() never block and wait() can be called
// from multiple goroutines.
func (p *process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.done = true
	p.err = err
	p.mu.Unlock()
	close(p.waitCh)
}

func (p *process) exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *process) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *process) wait() {
	<-p.waitCh
}

func (p *process) stderrText() string {
	return strings.TrimSpace(p.stderr.String())
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) kill() {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Kill()
}

func exitCode(err error) string {
	if err == nil {
		return "0"
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return fmt.Sprintf("%d", exitErr.ExitCode())
	}
	return "unknown"
}
