package tunnel

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/hpcide/orchestrator/internal/core"
)

type fakeHosts struct{}

func (fakeHosts) SSHHost(cluster string) (string, string, bool) {
	if cluster == "anvil" {
		return "anvil.example.edu", "alice", true
	}
	return "", "", false
}

type fakeIdentity struct{}

func (fakeIdentity) IdentityFile(ctx context.Context, user, cluster string) (string, error) {
	return "/home/alice/.ssh/id_ed25519", nil
}

func newTestManager() *Manager {
	return New(fakeHosts{}, fakeIdentity{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// listenerBackedSpawn returns a spawn func that, instead of actually
// running ssh, opens the forward's local port itself with a plain TCP
// listener. This exercises Manager's port-wait/record/exit-callback
// logic without a real ssh binary or network.
func listenerBackedSpawn(t *testing.T) (func(ctx context.Context, addr, loginUser, identity string, forwards []portForward) (*process, error), func()) {
	t.Helper()
	var listeners []net.Listener
	spawn := func(ctx context.Context, addr, loginUser, identity string, forwards []portForward) (*process, error) {
		cmd := exec.Command("sh", "-c", "sleep 30")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		for _, f := range forwards {
			l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(f.local))
			if err != nil {
				continue // port already open from a prior test; fine for our purposes
			}
			listeners = append(listeners, l)
		}
		p := &process{cmd: cmd, stderr: &stderr, waitCh: make(chan struct{})}
		go p.reap()
		return p, nil
	}
	cleanup := func() {
		for _, l := range listeners {
			_ = l.Close()
		}
	}
	return spawn, cleanup
}

func TestStartRecordsHandleOnceLocalPortOpens(t *testing.T) {
	m := newTestManager()
	spawn, cleanup := listenerBackedSpawn(t)
	defer cleanup()
	m.spawn = spawn

	key := core.Key{User: "alice", Cluster: "anvil", IDE: core.IDERStudio}
	handle, err := m.Start(context.Background(), key, "node01", 40111)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if handle.LocalPort != LocalPorts[core.IDERStudio] {
		t.Fatalf("expected local port %d, got %d", LocalPorts[core.IDERStudio], handle.LocalPort)
	}
	if got, ok := m.Get(key); !ok || got.ComputeNode != "node01" {
		t.Fatalf("expected Get to return the recorded handle, got %+v ok=%v", got, ok)
	}
	_ = m.Stop(key)
}

func TestStartStopsConflictingTunnelOnSameIDEPort(t *testing.T) {
	m := newTestManager()
	spawn, cleanup := listenerBackedSpawn(t)
	defer cleanup()
	m.spawn = spawn

	first := core.Key{User: "alice", Cluster: "anvil", IDE: core.IDEJupyter}
	second := core.Key{User: "bob", Cluster: "anvil", IDE: core.IDEJupyter}

	if _, err := m.Start(context.Background(), first, "node01", 40200); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if _, err := m.Start(context.Background(), second, "node02", 40201); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	if _, ok := m.Get(first); ok {
		t.Fatal("expected first tunnel to have been stopped when second claimed the same local port")
	}
	if _, ok := m.Get(second); !ok {
		t.Fatal("expected second tunnel to be recorded")
	}
	_ = m.Stop(second)
}

func TestStopIsIdempotentForUnknownKey(t *testing.T) {
	m := newTestManager()
	key := core.Key{User: "nobody", Cluster: "anvil", IDE: core.IDEVSCode}
	if err := m.Stop(key); err != nil {
		t.Fatalf("expected Stop on an unknown key to be a no-op, got %v", err)
	}
}

func TestExplicitStopDoesNotFireOnExitCallback(t *testing.T) {
	m := newTestManager()
	spawn, cleanup := listenerBackedSpawn(t)
	defer cleanup()
	m.spawn = spawn

	fired := make(chan core.Key, 1)
	m.OnExit(func(k core.Key) { fired <- k })

	key := core.Key{User: "carol", Cluster: "anvil", IDE: core.IDERStudio}
	if _, err := m.Start(context.Background(), key, "node03", 40300); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Stop(key); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case k := <-fired:
		t.Fatalf("did not expect onExit to fire for an explicit stop, got %v", k)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestUnexpectedProcessExitFiresOnExitCallback(t *testing.T) {
	m := newTestManager()
	spawnFastExit := func(ctx context.Context, addr, loginUser, identity string, forwards []portForward) (*process, error) {
		var listeners []net.Listener
		for _, f := range forwards {
			if l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(f.local)); err == nil {
				listeners = append(listeners, l)
			}
		}
		cmd := exec.Command("sh", "-c", "sleep 0.05")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		p := &process{cmd: cmd, stderr: &stderr, waitCh: make(chan struct{})}
		go p.reap()
		go func() {
			p.wait()
			for _, l := range listeners {
				_ = l.Close()
			}
		}()
		return p, nil
	}
	m.spawn = spawnFastExit

	fired := make(chan core.Key, 1)
	m.OnExit(func(k core.Key) { fired <- k })

	key := core.Key{User: "dave", Cluster: "anvil", IDE: core.IDEJupyter}
	if _, err := m.Start(context.Background(), key, "node04", 40400); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case k := <-fired:
		if k != key {
			t.Fatalf("expected onExit for %v, got %v", key, k)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected onExit to fire after the tunnel process exited on its own")
	}
}

func TestClassifyTunnelErrCategories(t *testing.T) {
	cases := []struct {
		stderr string
		want   string
	}{
		{"bind: Address already in use", "address in use"},
		{"Permission denied (publickey).", "permission denied"},
		{"Host key verification failed.", "host key"},
		{"ssh: connect to host x port 22: Connection refused", "connection refused"},
		{"connect to host x port 22: No route to host", "no route"},
		{"ssh: connect to host x port 22: Connection timed out", "timed out"},
	}
	for _, c := range cases {
		err := classifyTunnelErr(c.stderr, nil)
		if err.Category != c.want {
			t.Errorf("classifyTunnelErr(%q) category = %q, want %q", c.stderr, err.Category, c.want)
		}
	}
}

func TestClassifyTunnelErrFallsBackToExitCode(t *testing.T) {
	err := classifyTunnelErr("some unrecognized failure", errUnknown("boom"))
	if err.Category != "code unknown" {
		t.Fatalf("expected fallback category code unknown, got %q", err.Category)
	}
}

type errUnknown string

func (e errUnknown) Error() string { return string(e) }
