// Package core owns session identity, state transitions, and the
// lifecycle rules that coordinate the SSH transport, job controller,
// tunnel manager, and status cache. It has no knowledge of HTTP,
// SSE, or persistence; those live in internal/httpapi, internal/analytics,
// and internal/userstore.
package core

import "time"

// IDE identifies one of the fixed set of interactive servers this
// system knows how to launch.
type IDE string

const (
	IDEVSCode   IDE = "vscode"
	IDERStudio  IDE = "rstudio"
	IDEJupyter  IDE = "jupyter"
)

// KnownIDEs is the closed set of IDEs the system supports, in the
// order job names are joined for squeue filtering.
var KnownIDEs = []IDE{IDEVSCode, IDERStudio, IDEJupyter}

// Valid reports whether i is one of the known IDEs.
func (i IDE) Valid() bool {
	for _, k := range KnownIDEs {
		if k == i {
			return true
		}
	}
	return false
}

// SessionStatus is the closed set of states a Session can occupy.
type SessionStatus string

const (
	StatusIdle     SessionStatus = "idle"
	StatusStarting SessionStatus = "starting"
	StatusPending  SessionStatus = "pending"
	StatusRunning  SessionStatus = "running"
)

// Key identifies a session by (user, cluster, ide).
type Key struct {
	User    string
	Cluster string
	IDE     IDE
}

// LockName returns the launch-lock name for this key.
func (k Key) LockName() string {
	return "launch:" + k.User + "-" + k.Cluster + "-" + string(k.IDE)
}

// Session is the per-(user, cluster, ide) state envelope around a job,
// its tunnel, and its active-selection status. A Session "exists" if
// its status is past idle or it carries a job ID, compute node, tunnel
// handle, or error (see Exists); the session store's Get never hands
// back a Session that does not exist.
type Session struct {
	Key Key

	Status SessionStatus

	JobID              string
	AuthToken          string
	ComputeNode        string
	TunnelHandle       *TunnelHandle
	SubmittedAt        time.Time
	StartedAt          time.Time
	EstimatedStartTime time.Time
	ReleaseVersion     string
	GPU                string
	Account            string
	CPUs               int
	MemoryMB           int
	Walltime           string
	Error              string
	EndReason          string

	FeatureUsage map[string]bool
}

// Exists reports whether this Session has been touched since its
// zero value — the session store treats a never-touched key as "no
// session" even though the map entry exists.
func (s *Session) Exists() bool {
	if s == nil {
		return false
	}
	return (s.Status != "" && s.Status != StatusIdle) || s.JobID != "" || s.ComputeNode != "" ||
		s.TunnelHandle != nil || s.Error != ""
}

// Clone returns a deep-enough copy for safe hand-off to callers
// outside the session store's lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.FeatureUsage != nil {
		cp.FeatureUsage = make(map[string]bool, len(s.FeatureUsage))
		for k, v := range s.FeatureUsage {
			cp.FeatureUsage[k] = v
		}
	}
	return &cp
}

// ActiveSession selects which (cluster, ide) a user's proxy traffic
// currently targets. At most one per user.
type ActiveSession struct {
	User    string
	Cluster string
	IDE     IDE
}

// JobState is the subset of SLURM job states this system cares about.
type JobState string

const (
	JobRunning JobState = "RUNNING"
	JobPending JobState = "PENDING"
)

// JobRecord is the job controller's ephemeral view of a queued or
// running job, derived from a squeue query. Never persisted.
type JobRecord struct {
	JobID              string
	IDE                IDE
	State              JobState
	ComputeNode        string // empty while PENDING
	TimeLeft           string
	TimeLimit          string
	CPUs               int
	MemoryMB           int
	StartTime          time.Time
	EstimatedStartTime time.Time
}

// TunnelHandle is an opaque reference to a running port-forward
// process, owned exclusively by the session that launched it.
type TunnelHandle struct {
	ID          string
	LocalPort   int
	RemotePort  int
	ComputeNode string
	PID         int
}

// ClusterStatus is the cached, per-cluster map of ide -> job record
// (nil entry means idle) plus the time it was inserted.
type ClusterStatus struct {
	Cluster    string
	Jobs       map[IDE]*JobRecord
	InsertedAt time.Time
}

// ResourceRequest is the resource shape a launch request carries.
type ResourceRequest struct {
	CPUs     int
	MemoryMB int
	Walltime string
	GPU      string
	Release  string
}

// LaunchOutcome is the terminal result of a launch attempt, reported
// to callers via HTTP 200 JSON or the final SSE event.
type LaunchOutcome struct {
	Status      string // "running" | "connected" | "pending"
	JobID       string
	ComputeNode string
	RedirectURL string
	StartTime   time.Time
}

// ProgressStep enumerates the SSE progress steps named in the spec.
type ProgressStep string

const (
	StepConnecting   ProgressStep = "connecting"
	StepSubmitting   ProgressStep = "submitting"
	StepSubmitted    ProgressStep = "submitted"
	StepWaiting      ProgressStep = "waiting"
	StepStarting     ProgressStep = "starting"
	StepEstablishing ProgressStep = "establishing"
	StepVerifying    ProgressStep = "verifying"
	StepCancelling   ProgressStep = "cancelling"
	StepLaunching    ProgressStep = "launching"
)

// Progress is a single SSE progress update.
type Progress struct {
	Step     ProgressStep
	Percent  int // cumulative percent, 0 when unknown
	Message  string
	JobID    string
	Node     string
}

// ProgressFunc receives progress updates during a launch or stop.
// Implementations must not block for long; the state machine calls
// this synchronously on the calling goroutine.
type ProgressFunc func(Progress)
