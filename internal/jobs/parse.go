package jobs

import (
	"strconv"
	"strings"
	"time"

	"github.com/hpcide/orchestrator/internal/core"
)

// squeueFieldCount is the number of pipe-delimited fields in the
// format string every squeue call in this package uses:
// %i|%j|%T|%N|%L|%l|%C|%m|%S (jobid, name, state, node, time-left,
// time-limit, cpus, memory, start-time).
const squeueFieldCount = 9

// isAbsent reports whether a squeue field value means "not set":
// SLURM prints (null), N/A, or INVALID for fields that don't apply to
// a job's current state.
func isAbsent(v string) bool {
	switch strings.TrimSpace(v) {
	case "", "(null)", "N/A", "INVALID":
		return true
	default:
		return false
	}
}

func parseSqueueLine(line string) (fields []string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	fields = strings.Split(line, "|")
	if len(fields) < squeueFieldCount {
		return nil, false
	}
	return fields, true
}

func recordFromFields(fields []string) *core.JobRecord {
	rec := &core.JobRecord{
		JobID: strings.TrimSpace(fields[0]),
		State: core.JobState(strings.ToUpper(strings.TrimSpace(fields[2]))),
	}
	if !isAbsent(fields[3]) {
		rec.ComputeNode = fields[3]
	}
	if !isAbsent(fields[4]) {
		rec.TimeLeft = fields[4]
	}
	if !isAbsent(fields[5]) {
		rec.TimeLimit = fields[5]
	}
	if cpus, err := strconv.Atoi(strings.TrimSpace(fields[6])); err == nil {
		rec.CPUs = cpus
	}
	if mem, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(fields[7], "M"))); err == nil {
		rec.MemoryMB = mem
	}
	if !isAbsent(fields[8]) {
		if t, err := time.Parse("2006-01-02T15:04:05", strings.TrimSpace(fields[8])); err == nil {
			if rec.State == core.JobPending {
				rec.EstimatedStartTime = t
			} else {
				rec.StartTime = t
			}
		}
	}
	return rec
}

// parseSqueueOutput parses a multi-line squeue result into a map from
// IDE to job record, keyed by matching each line's job name (field 2)
// against nameToIDE. Lines whose name isn't recognized are ignored.
func parseSqueueOutput(output string, nameToIDE map[string]core.IDE) map[core.IDE]*core.JobRecord {
	result := make(map[core.IDE]*core.JobRecord)
	for _, line := range strings.Split(output, "\n") {
		fields, ok := parseSqueueLine(line)
		if !ok {
			continue
		}
		name := strings.TrimSpace(fields[1])
		ide, known := nameToIDE[name]
		if !known {
			continue
		}
		rec := recordFromFields(fields)
		rec.IDE = ide
		result[ide] = rec
	}
	return result
}

// parseSqueueByIDEPrefix groups a cluster-wide (no name filter) squeue
// result by IDE, matched from the "<ide>-<user>" prefix of each job's
// name. When more than one user has a job for the same IDE, the last
// one encountered wins; this is a best-effort operational snapshot,
// not a per-user view.
func parseSqueueByIDEPrefix(output string) map[core.IDE]*core.JobRecord {
	result := make(map[core.IDE]*core.JobRecord)
	for _, line := range strings.Split(output, "\n") {
		fields, ok := parseSqueueLine(line)
		if !ok {
			continue
		}
		name := strings.TrimSpace(fields[1])
		ide, ok := ideFromJobName(name)
		if !ok {
			continue
		}
		rec := recordFromFields(fields)
		rec.IDE = ide
		result[ide] = rec
	}
	return result
}

func ideFromJobName(name string) (core.IDE, bool) {
	for _, ide := range core.KnownIDEs {
		if strings.HasPrefix(name, string(ide)+"-") {
			return ide, true
		}
	}
	return "", false
}

// parseSqueueLineByJobID scans output for the line whose job ID field
// matches jobID, ignoring its name entirely.
func parseSqueueLineByJobID(output, jobID string) *core.JobRecord {
	for _, line := range strings.Split(output, "\n") {
		fields, ok := parseSqueueLine(line)
		if !ok {
			continue
		}
		if strings.TrimSpace(fields[0]) != jobID {
			continue
		}
		return recordFromFields(fields)
	}
	return nil
}
