package tunnel

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ReapOrphans kills leftover `ssh -L` forwarding processes bound to
// any of the known IDE local ports or forwarded dev-server ports, left
// behind by a previous process
// that died without tearing down its tunnels. It is safe to call on
// every startup; a port with no listener or a listener that isn't an
// ssh process is left alone.
func (m *Manager) ReapOrphans() {
	ports := make([]int, 0, len(LocalPorts)+len(devServerPorts))
	for _, p := range LocalPorts {
		ports = append(ports, p)
	}
	ports = append(ports, devServerPorts...)

	for _, port := range ports {
		pids := pidsListeningOn(port)
		for _, pid := range pids {
			if !looksLikeSSH(pid) {
				continue
			}
			m.log.Warn("reaping orphaned tunnel process", "port", port, "pid", pid)
			if proc, err := os.FindProcess(pid); err == nil {
				_ = proc.Kill()
			}
		}
	}
}

// pidsListeningOn shells out to lsof, the same tool most operators
// already have on a login/orchestrator host, rather than hand-parsing
// /proc/net/tcp's inode-to-pid indirection.
func pidsListeningOn(port int) []int {
	out, err := exec.Command("lsof", "-ti", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN").Output()
	if err != nil {
		return nil
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if pid, err := strconv.Atoi(line); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

// looksLikeSSH reads /proc/<pid>/cmdline and checks the process image
// is ssh, so reaping never kills an unrelated service that happens to
// be squatting on an IDE's local port.
func looksLikeSSH(pid int) bool {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return false
	}
	argv0 := strings.SplitN(string(raw), "\x00", 2)[0]
	return strings.HasSuffix(argv0, "ssh") || strings.HasSuffix(argv0, "/ssh")
}
