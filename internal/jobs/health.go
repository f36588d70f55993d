package jobs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// healthCommand runs sinfo/squeue/sacctmgr in one SSH round trip,
// segmenting the output with a marker line so the parser doesn't need
// a second exec call per section.
const healthCommand = `
echo ===CPUS===
sinfo -h -o '%%C'
echo ===NODES===
sinfo -h -o '%%t|%%D'
echo ===MEMORY===
sinfo -h -o '%%m|%%e'
echo ===JOBS===
squeue -h -o '%%T' -t pending,running
echo ===GRES===
sinfo -h -o '%%G' -p %s
echo ===FAIRSHARE===
sshare -n -o FairShare -U 2>/dev/null || true
`

// HealthSnapshot is the parsed view of a cluster's current load,
// grounded on the combined shell pipeline described for the job
// controller's health responsibility. It is not exposed through
// core.JobController and is reachable only through the concrete
// *Controller type; internal/httpapi's cluster-status handler does not
// use it.
type HealthSnapshot struct {
	CPUsAllocated int
	CPUsIdle      int
	CPUsTotal     int
	NodesByState  map[string]int
	MemoryFreeMB  int64
	MemoryTotalMB int64
	RunningJobs   int
	PendingJobs   int
	GPUAvailable  bool
	GPUTypes      []string
	Fairshare     float64
	HasFairshare  bool
}

// GetHealthSnapshot runs the combined health pipeline for cluster's
// partition and parses its ===SECTION=== delimited output.
func (c *Controller) GetHealthSnapshot(ctx context.Context, cluster, partition string) (*HealthSnapshot, error) {
	cmd := fmt.Sprintf(healthCommand, shellQuote(partition))
	out, err := c.exec.Execute(ctx, cluster, "", cmd)
	if err != nil {
		return nil, err
	}
	return parseHealthSnapshot(out), nil
}

func parseHealthSnapshot(output string) *HealthSnapshot {
	sections := splitSections(output)
	snap := &HealthSnapshot{NodesByState: make(map[string]int)}

	for _, line := range sections["CPUS"] {
		// sinfo %C: allocated/idle/other/total
		parts := strings.Split(line, "/")
		if len(parts) != 4 {
			continue
		}
		a, _ := strconv.Atoi(parts[0])
		i, _ := strconv.Atoi(parts[1])
		t, _ := strconv.Atoi(parts[3])
		snap.CPUsAllocated += a
		snap.CPUsIdle += i
		snap.CPUsTotal += t
	}

	for _, line := range sections["NODES"] {
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		count, _ := strconv.Atoi(parts[1])
		state := strings.TrimRight(parts[0], "*~#!%+$@^-")
		snap.NodesByState[state] += count
	}

	for _, line := range sections["MEMORY"] {
		parts := strings.SplitN(line, "|", 2)
		if len(parts) != 2 {
			continue
		}
		total, _ := strconv.ParseInt(parts[0], 10, 64)
		free, _ := strconv.ParseInt(parts[1], 10, 64)
		snap.MemoryTotalMB += total
		snap.MemoryFreeMB += free
	}

	for _, line := range sections["JOBS"] {
		switch strings.ToUpper(strings.TrimSpace(line)) {
		case "RUNNING":
			snap.RunningJobs++
		case "PENDING":
			snap.PendingJobs++
		}
	}

	for _, line := range sections["GRES"] {
		if isAbsent(line) {
			continue
		}
		count, gtype := parseGRES(line)
		if count > 0 {
			snap.GPUAvailable = true
			if gtype != "" {
				snap.GPUTypes = append(snap.GPUTypes, gtype)
			}
		}
	}

	if fs := sections["FAIRSHARE"]; len(fs) > 0 {
		if v, err := strconv.ParseFloat(strings.TrimSpace(fs[0]), 64); err == nil {
			snap.Fairshare = v
			snap.HasFairshare = true
		}
	}

	return snap
}

// splitSections breaks output into named sections delimited by
// "===NAME===" marker lines.
func splitSections(output string) map[string][]string {
	sections := make(map[string][]string)
	current := ""
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "===") && strings.HasSuffix(trimmed, "===") {
			current = strings.Trim(trimmed, "=")
			continue
		}
		if current == "" || trimmed == "" {
			continue
		}
		sections[current] = append(sections[current], trimmed)
	}
	return sections
}

// parseGRES parses a gres string like "gpu:a100:4" or "gpu:2" into a
// count and optional type.
func parseGRES(gres string) (int, string) {
	parts := strings.Split(gres, ":")
	if len(parts) < 2 || parts[0] != "gpu" {
		return 0, ""
	}
	if len(parts) == 2 {
		n, _ := strconv.Atoi(parts[1])
		return n, ""
	}
	n, _ := strconv.Atoi(parts[2])
	return n, parts[1]
}
