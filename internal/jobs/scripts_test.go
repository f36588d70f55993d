package jobs

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/hpcide/orchestrator/internal/core"
)

func TestBuildJobScriptEmbedsPortFinderAsBase64(t *testing.T) {
	script, err := buildJobScript(jobScriptParams{
		JobName:   "vscode-alice",
		IDE:       core.IDEVSCode,
		CPUs:      4,
		MemoryMB:  8192,
		Walltime:  "02:00:00",
		Partition: "gpu",
	})
	if err != nil {
		t.Fatalf("buildJobScript failed: %v", err)
	}
	if !strings.Contains(script, "#SBATCH --job-name=vscode-alice") {
		t.Fatal("expected job name directive")
	}
	if !strings.Contains(script, "#SBATCH --nodes=1") {
		t.Fatal("expected a --nodes=1 directive")
	}
	if !strings.Contains(script, "#SBATCH --mem=8192M") {
		t.Fatal("expected memory directive")
	}
	if !strings.Contains(script, "#SBATCH --partition=gpu") {
		t.Fatal("expected partition directive")
	}
	if !strings.Contains(script, "| base64 -d >") {
		t.Fatal("expected base64 embedding technique for the port finder")
	}
	if strings.Contains(script, "netstat") {
		t.Fatal("port finder script text must be embedded as base64, not inlined verbatim")
	}
	if !strings.HasSuffix(strings.TrimRight(script, "\n"), "wait") {
		t.Fatal("expected script to end with wait")
	}
}

func TestBuildJobScriptExecsIDEThroughContainerRuntime(t *testing.T) {
	script, err := buildJobScript(jobScriptParams{
		JobName:   "jupyter-carol",
		IDE:       core.IDEJupyter,
		CPUs:      8,
		MemoryMB:  16384,
		Walltime:  "04:00:00",
		Partition: "standard",
		Image:     "registry.example/hpcide/jupyter:2024.1.0",
		Runtime:   "apptainer",
		BindPaths: []string{"/opt/releases", "/scratch"},
	})
	if err != nil {
		t.Fatalf("buildJobScript failed: %v", err)
	}
	if !strings.Contains(script, "apptainer exec --bind /opt/releases,/scratch") {
		t.Fatal("expected the container runtime invocation with bind paths")
	}
	if !strings.Contains(script, "'registry.example/hpcide/jupyter:2024.1.0' jupyter lab") {
		t.Fatal("expected the IDE command to run inside the resolved image")
	}
}

func TestBuildJobScriptRunsDirectlyWithoutAnImage(t *testing.T) {
	script, err := buildJobScript(jobScriptParams{
		JobName:  "rstudio-dave",
		IDE:      core.IDERStudio,
		CPUs:     2,
		MemoryMB: 4096,
		Walltime: "01:00:00",
	})
	if err != nil {
		t.Fatalf("buildJobScript failed: %v", err)
	}
	if strings.Contains(script, "apptainer exec") || strings.Contains(script, "singularity exec") {
		t.Fatal("did not expect a container invocation with no image configured")
	}
	if !strings.Contains(script, "nohup rserver") {
		t.Fatal("expected rserver to still launch directly")
	}
}

func TestBuildJobScriptIncludesGPUAndAccount(t *testing.T) {
	script, err := buildJobScript(jobScriptParams{
		JobName:  "rstudio-bob",
		IDE:      core.IDERStudio,
		CPUs:     2,
		MemoryMB: 4096,
		Walltime: "01:00:00",
		GPU:      "a100",
		Account:  "grp-phys",
	})
	if err != nil {
		t.Fatalf("buildJobScript failed: %v", err)
	}
	if !strings.Contains(script, "#SBATCH --gres=gpu:a100:1") {
		t.Fatal("expected gres directive")
	}
	if !strings.Contains(script, "#SBATCH --account=grp-phys") {
		t.Fatal("expected account directive")
	}
}

func TestBuildJobScriptOnlyVSCodeGetsCompanionProxy(t *testing.T) {
	vscode, _ := buildJobScript(jobScriptParams{JobName: "vscode-eve", IDE: core.IDEVSCode, CPUs: 1, MemoryMB: 1024, Walltime: "00:30:00"})
	jupyter, _ := buildJobScript(jobScriptParams{JobName: "jupyter-eve", IDE: core.IDEJupyter, CPUs: 1, MemoryMB: 1024, Walltime: "00:30:00"})

	if !strings.Contains(vscode, "hpcide_companion_proxy.py") {
		t.Fatal("expected vscode script to embed the companion proxy")
	}
	if strings.Contains(jupyter, "hpcide_companion_proxy.py") {
		t.Fatal("did not expect jupyter script to embed the companion proxy")
	}
}

func TestPortFinderEndsWithExportLine(t *testing.T) {
	script := buildPortFinder(8080)
	lines := strings.Split(strings.TrimRight(script, "\n"), "\n")
	last := lines[len(lines)-1]
	if last != `echo "export IDE_PORT=$PORT"` {
		t.Fatalf("expected port finder's last line to be the export echo, got %q", last)
	}
}

func TestEmbedRoundTripsBase64(t *testing.T) {
	var b strings.Builder
	embed(&b, "hello world", "/tmp/x")
	line := b.String()
	idx := strings.Index(line, "echo ")
	if idx != 0 {
		t.Fatalf("unexpected embed output: %q", line)
	}
	fields := strings.Fields(line)
	decoded, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		t.Fatalf("failed to decode embedded payload: %v", err)
	}
	if string(decoded) != "hello world" {
		t.Fatalf("expected round-tripped content, got %q", decoded)
	}
}
