package jobs

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/hpcide/orchestrator/internal/core"
)

// jobScriptParams carries everything buildJobScript needs to render a
// complete sbatch script for one IDE.
type jobScriptParams struct {
	JobName   string
	IDE       core.IDE
	CPUs      int
	MemoryMB  int
	Walltime  string
	GPU       string
	Account   string
	Partition string
	Image     string
	Runtime   string
	BindPaths []string
	AuthToken string
}

// buildJobScript renders the sbatch directives plus the embedded
// port-finder and IDE-launch snippets. Sub-scripts are built as text,
// base64-encoded, and written with `echo <b64> | base64 -d > target`
// to dodge every shell-quoting hazard in the IDE's own config files —
// this is load-bearing, not decoration: don't inline the text.
func buildJobScript(p jobScriptParams) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", p.JobName)
	fmt.Fprintf(&b, "#SBATCH --nodes=1\n")
	fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", p.CPUs)
	fmt.Fprintf(&b, "#SBATCH --mem=%dM\n", p.MemoryMB)
	fmt.Fprintf(&b, "#SBATCH --partition=%s\n", p.Partition)
	fmt.Fprintf(&b, "#SBATCH --time=%s\n", p.Walltime)
	fmt.Fprintf(&b, "#SBATCH --output=/tmp/%s_%%j.log\n", p.JobName)
	fmt.Fprintf(&b, "#SBATCH --error=/tmp/%s_%%j.err\n", p.JobName)
	if p.Account != "" {
		fmt.Fprintf(&b, "#SBATCH --account=%s\n", p.Account)
	}
	if p.GPU != "" {
		fmt.Fprintf(&b, "#SBATCH --gres=gpu:%s:1\n", p.GPU)
	}
	b.WriteString("\n")

	dir := artifactDir(p.IDE)
	fmt.Fprintf(&b, "mkdir -p %s\n", dir)

	portFinder := buildPortFinder(DefaultPorts[p.IDE])
	embed(&b, portFinder, dir+"/hpcide_port_finder.sh")
	fmt.Fprintf(&b, "eval \"$(bash %s/hpcide_port_finder.sh)\"\n", dir)
	fmt.Fprintf(&b, "echo $IDE_PORT > %s/port\n", dir)

	if p.AuthToken != "" {
		fmt.Fprintf(&b, "export IDE_AUTH_TOKEN=%s\n", shellQuote(p.AuthToken))
	}

	b.WriteString(launchSnippet(p.IDE, dir, p.Image, p.Runtime, p.BindPaths))

	if p.IDE == core.IDEVSCode {
		proxyDir := "~/.hpc-proxy"
		fmt.Fprintf(&b, "mkdir -p %s\n", proxyDir)
		embed(&b, buildCompanionProxy(), dir+"/hpcide_companion_proxy.py")
		fmt.Fprintf(&b, "nohup python3 %s/hpcide_companion_proxy.py %s >/tmp/%s_proxy.log 2>&1 &\n", dir, proxyDir, p.JobName)
	}

	b.WriteString("wait\n")
	return b.String(), nil
}

// embed base64-encodes content and writes it to path on the remote
// host via `echo <b64> | base64 -d > path`.
func embed(b *strings.Builder, content, path string) {
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	fmt.Fprintf(b, "echo %s | base64 -d > %s\n", encoded, path)
}

// buildPortFinder renders the remote shell snippet that scans from
// defaultPort upward (capped at +100) for a free port using netstat.
// It must end with `echo "export IDE_PORT=$PORT"` so the parent shell
// can eval its stdout.
func buildPortFinder(defaultPort int) string {
	return fmt.Sprintf(`#!/bin/bash
PORT=%d
MAX=$((PORT + 100))
while [ "$PORT" -lt "$MAX" ]; do
  if ! netstat -ltn 2>/dev/null | awk '{print $4}' | grep -q ":$PORT\$"; then
    break
  fi
  PORT=$((PORT + 1))
done
echo "export IDE_PORT=$PORT"
`, defaultPort)
}

// launchSnippet returns the backgrounded IDE-server invocation for
// ide so the job script can fall through to `wait` and hold the
// allocation for the job's walltime. When image is set, the IDE
// command is exec'd inside runtime (apptainer/singularity), binding
// bindPaths and forwarding the thread count and IDE port into the
// container's environment; with no image, the IDE runs directly on
// the compute node.
func launchSnippet(ide core.IDE, dir, image, runtime string, bindPaths []string) string {
	command := ideCommand(ide, dir)
	if command == "" {
		return ""
	}
	if image != "" {
		command = containerExec(runtime, image, bindPaths) + " " + command
	}
	return fmt.Sprintf("nohup %s >/tmp/%s_$SLURM_JOB_ID.out 2>&1 &\n", command, ide)
}

func ideCommand(ide core.IDE, dir string) string {
	switch ide {
	case core.IDEVSCode:
		return fmt.Sprintf("code-server --bind-addr 0.0.0.0:$IDE_PORT --auth none %s/workspace", dir)
	case core.IDERStudio:
		return "rserver --www-port=$IDE_PORT --auth-none=1"
	case core.IDEJupyter:
		return "jupyter lab --ip=0.0.0.0 --port=$IDE_PORT --no-browser --NotebookApp.token=''"
	default:
		return ""
	}
}

// containerExec renders the `apptainer exec`/`singularity exec`
// prefix that binds the cluster's release paths and forwards the
// per-job thread count and IDE port into the container, per the
// "exec the IDE server inside a container runtime" step of job-script
// construction.
func containerExec(runtime, image string, bindPaths []string) string {
	if runtime == "" {
		runtime = "apptainer"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s exec", runtime)
	if len(bindPaths) > 0 {
		fmt.Fprintf(&b, " --bind %s", strings.Join(bindPaths, ","))
	}
	b.WriteString(" --env OMP_NUM_THREADS=$SLURM_CPUS_PER_TASK,MKL_NUM_THREADS=$SLURM_CPUS_PER_TASK,IDE_PORT=$IDE_PORT")
	fmt.Fprintf(&b, " %s", shellQuote(image))
	return b.String()
}

// buildCompanionProxy renders the small Python HTTP proxy VS Code
// sessions run alongside code-server to route dev-server ports; it
// writes its own port and status files under ~/.hpc-proxy.
func buildCompanionProxy() string {
	return `#!/usr/bin/env python3
import http.server
import json
import os
import socketserver
import sys

proxy_dir = sys.argv[1] if len(sys.argv) > 1 else os.path.expanduser("~/.hpc-proxy")
os.makedirs(proxy_dir, exist_ok=True)


class Handler(http.server.BaseHTTPRequestHandler):
    def do_GET(self):
        self.send_response(200)
        self.send_header("Content-Type", "application/json")
        self.end_headers()
        self.wfile.write(json.dumps({"status": "ok"}).encode())


with socketserver.TCPServer(("0.0.0.0", 0), Handler) as httpd:
    port = httpd.server_address[1]
    with open(os.path.join(proxy_dir, "port"), "w") as f:
        f.write(str(port))
    with open(os.path.join(proxy_dir, "status"), "w") as f:
        f.write("running")
    httpd.serve_forever()
`
}
