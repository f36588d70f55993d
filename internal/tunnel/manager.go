// Package tunnel owns long-lived SSH port-forward processes that
// make a compute node's IDE reachable on a stable local port. It
// mirrors the teacher's chisel tunnel index (one entry per identity,
// an exit callback the owner resubscribes to) but forwards through
// plain OpenSSH `-L` processes instead of a chisel reverse tunnel,
// since SLURM compute nodes run nothing but what the batch job execs.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hpcide/orchestrator/internal/core"
)

// LocalPorts are the fixed local ports each IDE is always reachable
// on, so the UI and reverse proxy never need to learn a dynamic port.
// Kept in sync with jobs.DefaultPorts by convention, not by import,
// since the two packages model distinct concerns (remote vs local).
var LocalPorts = map[core.IDE]int{
	core.IDEVSCode:  8080,
	core.IDERStudio: 8787,
	core.IDEJupyter: 8888,
}

// devServerPorts are forwarded 1:1 alongside VS Code's own port so
// common in-job dev servers (node, vite, flask) are reachable without
// the user reconfiguring anything inside the session.
var devServerPorts = []int{3000, 5173, 8000}

const (
	establishTimeout   = 30 * time.Second
	establishPoll      = 1 * time.Second
	readinessAttempts  = 15
	readinessInterval  = 2 * time.Second
	stopGrace          = 100 * time.Millisecond
)

// HostResolver maps a cluster name to the host and login user ssh(1)
// should dial. Satisfied by internal/clusterconfig.Registry (the same
// interface internal/sshtransport consumes).
type HostResolver interface {
	SSHHost(cluster string) (addr string, loginUser string, ok bool)
}

// IdentityProvider resolves the private key a tunnel to cluster
// should authenticate with. Satisfied by internal/keystore.Store.
type IdentityProvider interface {
	IdentityFile(ctx context.Context, user, cluster string) (path string, err error)
}

type entry struct {
	handle *core.TunnelHandle
	proc   *process
}

// Manager starts, tracks, and tears down forwarded-port processes. It
// implements core.TunnelManager.
type Manager struct {
	hosts    HostResolver
	identity IdentityProvider
	log      *slog.Logger
	spawn    func(ctx context.Context, addr, loginUser, identity string, forwards []portForward) (*process, error)

	mu      sync.Mutex
	byKey   map[core.Key]entry
	byPort  map[int]core.Key // local port -> owning key, for one-tunnel-per-IDE-port enforcement
	exitFns []func(core.Key)
}

// New returns a Manager. Call ReapOrphans once at startup before
// accepting launch traffic.
func New(hosts HostResolver, identity IdentityProvider, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		hosts:    hosts,
		identity: identity,
		log:      log,
		spawn:    spawnTunnel,
		byKey:    make(map[core.Key]entry),
		byPort:   make(map[int]core.Key),
	}
}

// OnExit registers fn to be called when a tunnel's process exits on
// its own (crash, ExitOnForwardFailure, remote close) rather than via
// an explicit Stop. The state machine uses this to demote a running
// session back to idle.
func (m *Manager) OnExit(fn func(key core.Key)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitFns = append(m.exitFns, fn)
}

// Get returns the live handle for key, if any.
func (m *Manager) Get(key core.Key) (*core.TunnelHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byKey[key]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Start enforces one tunnel per IDE's local port, spawns the ssh -L
// process, waits for the local port to open (classifying a failed
// process's stderr if it exits first), and kicks off a best-effort
// HTTP readiness probe in the background.
func (m *Manager) Start(ctx context.Context, key core.Key, computeNode string, remotePort int) (*core.TunnelHandle, error) {
	localPort, ok := LocalPorts[key.IDE]
	if !ok {
		return nil, fmt.Errorf("tunnel: no local port configured for ide %q", key.IDE)
	}

	m.stopConflicting(localPort, key)
	time.Sleep(stopGrace)

	addr, loginUser, ok := m.hosts.SSHHost(key.Cluster)
	if !ok {
		return nil, fmt.Errorf("tunnel: unknown cluster %q", key.Cluster)
	}
	identity, err := m.identity.IdentityFile(ctx, key.User, key.Cluster)
	if err != nil {
		return nil, fmt.Errorf("tunnel: resolving identity for %s@%s: %w", key.User, key.Cluster, err)
	}

	forwards := []portForward{{local: localPort, remoteHost: computeNode, remotePort: remotePort}}
	if key.IDE == core.IDEVSCode {
		for _, p := range devServerPorts {
			forwards = append(forwards, portForward{local: p, remoteHost: computeNode, remotePort: p})
		}
	}

	proc, err := m.spawn(ctx, addr, loginUser, identity, forwards)
	if err != nil {
		return nil, err
	}

	if err := m.waitForLocalPort(proc, localPort); err != nil {
		proc.kill()
		return nil, err
	}

	handle := &core.TunnelHandle{
		ID:          fmt.Sprintf("%s-%s-%s", key.User, key.Cluster, key.IDE),
		LocalPort:   localPort,
		RemotePort:  remotePort,
		ComputeNode: computeNode,
		PID:         proc.pid(),
	}

	m.mu.Lock()
	m.byKey[key] = entry{handle: handle, proc: proc}
	m.byPort[localPort] = key
	m.mu.Unlock()

	go m.watchExit(key, proc)
	go m.probeReadiness(key, localPort)

	return handle, nil
}

// Stop tears down key's tunnel, if any. It is idempotent.
func (m *Manager) Stop(key core.Key) error {
	m.mu.Lock()
	e, ok := m.byKey[key]
	if ok {
		delete(m.byKey, key)
		if m.byPort[e.handle.LocalPort] == key {
			delete(m.byPort, e.handle.LocalPort)
		}
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	e.proc.kill()
	return nil
}

// stopConflicting stops whichever tunnel currently holds localPort,
// unless it's already owned by except.
func (m *Manager) stopConflicting(localPort int, except core.Key) {
	m.mu.Lock()
	owner, ok := m.byPort[localPort]
	m.mu.Unlock()
	if !ok || owner == except {
		return
	}
	m.log.Info("stopping conflicting tunnel for ide port", "local_port", localPort, "owner", owner)
	_ = m.Stop(owner)
}

func (m *Manager) waitForLocalPort(proc *process, localPort int) error {
	deadline := time.Now().Add(establishTimeout)
	addr := fmt.Sprintf("127.0.0.1:%d", localPort)
	for time.Now().Before(deadline) {
		if proc.exited() {
			return classifyTunnelErr(proc.stderrText(), proc.exitErr())
		}
		conn, err := net.DialTimeout("tcp", addr, 300*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(establishPoll)
	}
	return core.NewErrTunnel("timed out", fmt.Sprintf("tunnel to local port %d did not open within %s", localPort, establishTimeout))
}

// watchExit blocks until proc exits, then fires registered OnExit
// callbacks unless the tunnel was already torn down via an explicit
// Stop (which removes the entry before killing the process).
func (m *Manager) watchExit(key core.Key, proc *process) {
	proc.wait()

	m.mu.Lock()
	e, stillOwned := m.byKey[key]
	if stillOwned && e.proc == proc {
		delete(m.byKey, key)
		if m.byPort[e.handle.LocalPort] == key {
			delete(m.byPort, e.handle.LocalPort)
		}
	} else {
		stillOwned = false
	}
	fns := append([]func(core.Key){}, m.exitFns...)
	m.mu.Unlock()

	if !stillOwned {
		return
	}
	m.log.Warn("tunnel process exited unexpectedly", "key", key, "stderr", proc.stderrText())
	for _, fn := range fns {
		fn(key)
	}
}

// probeReadiness polls the IDE's HTTP endpoint on localPort. Any
// response counts as ready; failure here is logged, never fatal,
// since the spec treats the tunnel as already established once the
// local port opens.
func (m *Manager) probeReadiness(key core.Key, localPort int) {
	client := &http.Client{Timeout: 1500 * time.Millisecond}
	url := fmt.Sprintf("http://127.0.0.1:%d/", localPort)
	for i := 0; i < readinessAttempts; i++ {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(readinessInterval)
	}
	m.log.Warn("ide did not answer http within readiness window", "key", key, "local_port", localPort)
}

// classifyTunnelErr turns a dead tunnel process's captured stderr
// into one of the user-friendly categories the spec names, falling
// back to the raw exit code.
func classifyTunnelErr(stderr string, exitErr error) *core.ErrTunnel {
	switch {
	case containsAny(stderr, "Address already in use", "bind: Address in use"):
		return core.NewErrTunnel("address in use", stderr)
	case containsAny(stderr, "Permission denied"):
		return core.NewErrTunnel("permission denied", stderr)
	case containsAny(stderr, "Host key verification failed", "REMOTE HOST IDENTIFICATION HAS CHANGED"):
		return core.NewErrTunnel("host key", stderr)
	case containsAny(stderr, "Connection refused"):
		return core.NewErrTunnel("connection refused", stderr)
	case containsAny(stderr, "No route to host"):
		return core.NewErrTunnel("no route", stderr)
	case containsAny(stderr, "Connection timed out", "Operation timed out"):
		return core.NewErrTunnel("timed out", stderr)
	default:
		msg := stderr
		if msg == "" && exitErr != nil {
			msg = exitErr.Error()
		}
		return core.NewErrTunnel(fmt.Sprintf("code %s", exitCode(exitErr)), msg)
	}
}

var _ core.TunnelManager = (*Manager)(nil)

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
