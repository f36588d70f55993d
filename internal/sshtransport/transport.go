// Package sshtransport runs commands on HPC login nodes over the
// system ssh(1) binary, not a Go SSH library, so that OpenSSH's own
// control-socket multiplexing does the work of keeping one TCP/auth
// round trip open per cluster instead of paying it on every command.
package sshtransport

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	commandTimeout  = 60 * time.Second
	controlPersist  = "30m"
	connectTimeoutS = "15"
)

// IdentityProvider resolves the private key file a command to cluster
// should authenticate with. Implemented by internal/keystore.Store.
type IdentityProvider interface {
	IdentityFile(ctx context.Context, user, cluster string) (path string, err error)
}

// HostResolver maps a cluster name to the host and login user ssh(1)
// should dial. Implemented by internal/clusterconfig.Registry.
type HostResolver interface {
	SSHHost(cluster string) (addr string, loginUser string, ok bool)
}

// Transport executes scripts on cluster login nodes, serializing
// commands per cluster through a FIFO queue so concurrent launches
// never interleave on the same multiplexed control connection.
type Transport struct {
	hosts     HostResolver
	identity  IdentityProvider
	controlDir string
	log       *slog.Logger

	queues *queueSet
}

// New returns a Transport. controlDir holds ssh ControlPath sockets
// and must be writable; it is created if missing.
func New(hosts HostResolver, identity IdentityProvider, controlDir string, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	if controlDir == "" {
		controlDir = filepath.Join(os.TempDir(), "hpcide-ssh")
	}
	_ = os.MkdirAll(controlDir, 0o700)
	return &Transport{
		hosts:      hosts,
		identity:   identity,
		controlDir: controlDir,
		log:        log,
		queues:     newQueueSet(),
	}
}

// Execute runs script on cluster's login node as user via `bash -s`
// fed over stdin, and returns combined stdout. Commands against the
// same cluster are serialized FIFO; commands against different
// clusters run concurrently.
func (t *Transport) Execute(ctx context.Context, cluster, user, script string) (string, error) {
	q := t.queues.forCluster(cluster)
	return q.run(ctx, func(ctx context.Context) (string, error) {
		return t.execute(ctx, cluster, user, script)
	})
}

func (t *Transport) execute(ctx context.Context, cluster, user, script string) (string, error) {
	addr, loginUser, ok := t.hosts.SSHHost(cluster)
	if !ok {
		return "", fmt.Errorf("sshtransport: unknown cluster %q", cluster)
	}

	identity, err := t.identity.IdentityFile(ctx, user, cluster)
	if err != nil {
		return "", fmt.Errorf("sshtransport: resolving identity for %s@%s: %w", user, cluster, err)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	args := t.sshArgs(cluster, addr, loginUser, identity)
	args = append(args, "bash", "-s")

	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdin = strings.NewReader(script)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	clean := scrubStderr(stderr.String())
	t.log.Debug("ssh exec", "cluster", cluster, "user", user, "elapsed", elapsed, "exit_err", err)

	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("sshtransport: command to %s timed out after %s", cluster, commandTimeout)
	}
	if err != nil {
		msg := clean
		if msg == "" {
			msg = err.Error()
		}
		return "", &CommandError{Cluster: cluster, Stderr: msg, Err: err}
	}

	return stdout.String(), nil
}

func (t *Transport) sshArgs(cluster, addr, loginUser, identity string) []string {
	controlPath := filepath.Join(t.controlDir, controlSocketName(cluster, loginUser))
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ConnectTimeout=" + connectTimeoutS,
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + controlPath,
		"-o", "ControlPersist=" + controlPersist,
	}
	if identity != "" {
		args = append(args, "-i", identity)
	}
	args = append(args, fmt.Sprintf("%s@%s", loginUser, addr))
	return args
}

func controlSocketName(cluster, loginUser string) string {
	sum := sha1.Sum([]byte(cluster + ":" + loginUser))
	return fmt.Sprintf("%x.sock", sum[:8])
}

// scrubStderr drops benign OpenSSH noise (post-quantum KEX notices,
// MOTD banners) that would otherwise be mistaken for command failure
// output.
func scrubStderr(raw string) string {
	lines := strings.Split(raw, "\n")
	var kept []string
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			continue
		}
		if strings.Contains(trimmed, "Warning: Permanently added") {
			continue
		}
		if strings.HasPrefix(trimmed, "kex_exchange_identification") {
			continue
		}
		if strings.Contains(trimmed, "hybrid post-quantum") {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, "\n")
}

// CommandError wraps a failed remote command with its cluster and
// scrubbed stderr for display.
type CommandError struct {
	Cluster string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("ssh command on %s failed: %s", e.Cluster, e.Stderr)
	}
	return fmt.Sprintf("ssh command on %s failed: %v", e.Cluster, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

var ErrNoIdentity = errors.New("sshtransport: no usable private key for user")
