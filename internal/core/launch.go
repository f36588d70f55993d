package core

import (
	"context"
	"time"
)

// redirectPrefix maps an IDE to the reverse-proxy path prefix a
// client is redirected to once a session is running.
var redirectPrefix = map[IDE]string{
	IDEVSCode:  "/code/",
	IDERStudio: "/rstudio/",
	IDEJupyter: "/jupyter/",
}

// StateMachine owns session identity, state, and the launch/reconnect/
// stop/batch-stop lifecycle flows (spec §4.5). It holds no HTTP or SSE
// concerns; internal/httpapi drives it and turns Progress callbacks
// into SSE events.
type StateMachine struct {
	sessions  *SessionStore
	locks     *LockSet
	jobs      JobController
	tunnels   TunnelManager
	cache     StatusCache
	registry  ClusterRegistry
	analytics AnalyticsRecorder

	shortCheckAttempts int
}

// NewStateMachine wires a StateMachine from its collaborators,
// registering its tunnel-exit hook on tunnels and its session-cleared
// hook on the session store before returning.
func NewStateMachine(jobs JobController, tunnels TunnelManager, cache StatusCache, registry ClusterRegistry, analytics AnalyticsRecorder) *StateMachine {
	if analytics == nil {
		analytics = NoopAnalytics{}
	}
	sm := &StateMachine{
		sessions:           NewSessionStore(),
		locks:              NewLockSet(),
		jobs:               jobs,
		tunnels:            tunnels,
		cache:              cache,
		registry:           registry,
		analytics:          analytics,
		shortCheckAttempts: 2,
	}
	tunnels.OnExit(sm.handleTunnelExit)
	sm.sessions.OnCleared(func(key Key, _ string) {
		_ = tunnels.Stop(key)
	})
	return sm
}

// Sessions exposes the underlying store for read-only HTTP handlers
// (GET /status, /cluster-status).
func (sm *StateMachine) Sessions() *SessionStore { return sm.sessions }

// handleTunnelExit is the tunnel manager's exit callback: it refetches
// the session and transitions it to idle if it is still marked
// running, so a crashed tunnel process doesn't leave a dangling
// "running" session with no forward.
func (sm *StateMachine) handleTunnelExit(key Key) {
	sess := sm.sessions.Get(key)
	if sess == nil || sess.Status != StatusRunning {
		return
	}
	sm.sessions.Clear(key, "tunnel_exited")
}

func noopProgress(Progress) {}

// Launch implements the canonical launch flow (spec §4.5) for
// non-streaming callers; progress updates are discarded.
func (sm *StateMachine) Launch(ctx context.Context, key Key, req ResourceRequest) (*LaunchOutcome, ProgressFunc, error) {
	return sm.launch(ctx, key, req, noopProgress)
}

// LaunchStreaming is identical to Launch but reports progress via fn.
func (sm *StateMachine) LaunchStreaming(ctx context.Context, key Key, req ResourceRequest, fn ProgressFunc) (*LaunchOutcome, error) {
	out, _, err := sm.launch(ctx, key, req, fn)
	return out, err
}

func (sm *StateMachine) launch(ctx context.Context, key Key, req ResourceRequest, progress ProgressFunc) (*LaunchOutcome, ProgressFunc, error) {
	if progress == nil {
		progress = noopProgress
	}

	// 1. Validation.
	if err := sm.validate(key, req); err != nil {
		sm.analytics.RecordError(key, ErrorCodeValidation, err.Error())
		return nil, progress, err
	}

	// 2. Acquire the launch lock.
	lockName := key.LockName()
	if !sm.locks.Acquire(lockName) {
		return nil, progress, NewErrBusy(key)
	}
	defer sm.locks.Release(lockName)

	progress(Progress{Step: StepConnecting, Message: "connecting"})

	// 3. Reconnect path.
	sess := sm.sessions.GetOrCreate(key)
	if sess.Status == StatusRunning {
		out, err := sm.reconnect(ctx, key, sess, progress)
		if err != nil {
			return nil, progress, err
		}
		if out != nil {
			return out, progress, nil
		}
		// Fall through: stale detection cleared the session to idle.
		sess = sm.sessions.GetOrCreate(key)
	}

	// 4. Reject if mid-flight.
	if sess.Status != StatusIdle {
		return nil, progress, &ErrInProgress{newDomainError(ErrorCodeInProgress, "session already "+string(sess.Status), nil)}
	}

	// 5. Validate resource request against partition limits.
	if err := sm.registry.ValidateResources(key.Cluster, req); err != nil {
		return nil, progress, NewErrValidation(err.Error())
	}

	// 6. Transition to starting.
	sm.sessions.Update(key, func(s *Session) {
		s.Status = StatusStarting
		s.CPUs = req.CPUs
		s.MemoryMB = req.MemoryMB
		s.Walltime = req.Walltime
		s.Error = ""
	})
	progress(Progress{Step: StepLaunching, Message: "launching"})

	// 7. Reuse-or-submit.
	progress(Progress{Step: StepSubmitting, Message: "submitting job"})
	jobID, token, err := sm.submitOrAdopt(ctx, key, req)
	if err != nil {
		sm.sessions.Update(key, func(s *Session) { s.Status = StatusIdle; s.Error = err.Error() })
		sm.analytics.RecordError(key, ErrorCodeSubmit, err.Error())
		return nil, progress, err
	}
	account := sm.registry.Account(key.Cluster, key.User)
	sm.sessions.Update(key, func(s *Session) {
		s.JobID = jobID
		s.AuthToken = token
		s.SubmittedAt = time.Now()
		s.ReleaseVersion = req.Release
		s.GPU = req.GPU
		s.Account = account
	})
	progress(Progress{Step: StepSubmitted, JobID: jobID, Message: "submitted"})

	// 8. Short status check.
	progress(Progress{Step: StepWaiting, Message: "waiting for node"})
	res, err := sm.jobs.WaitForNode(ctx, key.Cluster, jobID, key.IDE, WaitOpts{
		MaxAttempts:            sm.shortCheckAttempts,
		ReturnPendingOnTimeout: true,
	})
	if err != nil {
		return nil, progress, sm.handleWaitError(key, err)
	}
	if res.Pending {
		sm.sessions.Update(key, func(s *Session) {
			s.Status = StatusPending
			s.EstimatedStartTime = res.EstimatedStartTime
		})
		sm.analytics.RecordPending(key, jobID)
		return &LaunchOutcome{Status: "pending", JobID: jobID, StartTime: res.EstimatedStartTime}, progress, nil
	}

	// 9. Start the tunnel.
	progress(Progress{Step: StepStarting, Node: res.Node, Message: "node assigned"})
	out, err := sm.startTunnelAndFinish(ctx, key, jobID, token, res.Node, progress)
	if err != nil {
		return nil, progress, err
	}
	sm.analytics.RecordLaunch(key, jobID)
	return out, progress, nil
}

func (sm *StateMachine) validate(key Key, req ResourceRequest) error {
	if !key.IDE.Valid() {
		return NewErrValidation("unknown ide " + string(key.IDE))
	}
	if !sm.registry.ClusterExists(key.Cluster) {
		return NewErrValidation("unknown cluster " + key.Cluster)
	}
	if req.Release != "" && !sm.registry.ReleaseAvailable(key.Cluster, req.Release) {
		return NewErrValidation("release " + req.Release + " not available on " + key.Cluster)
	}
	if req.Release != "" && !sm.registry.IDEAvailable(key.Cluster, req.Release, key.IDE) {
		return NewErrValidation(string(key.IDE) + " not available for release " + req.Release)
	}
	if req.GPU != "" && !sm.registry.GPUAvailable(key.Cluster, req.GPU) {
		return NewErrValidation("unknown gpu type " + req.GPU)
	}
	return nil
}

// reconnect implements step 3 of the launch flow: verify an already
// "running" session's job still exists, ensure a tunnel, and return a
// "connected" outcome. A nil, nil return means the session was found
// stale and has been reset to idle; the caller should fall through to
// a fresh launch.
func (sm *StateMachine) reconnect(ctx context.Context, key Key, sess *Session, progress ProgressFunc) (*LaunchOutcome, error) {
	progress(Progress{Step: StepVerifying, Message: "verifying existing session"})

	job, err := sm.jobs.GetJobInfo(ctx, key.Cluster, key.User, key.IDE)
	if err != nil {
		return nil, NewErrTransport(err)
	}
	if job == nil || job.JobID != sess.JobID {
		// Stale detection: the session claims running but the queue
		// disagrees.
		sm.sessions.Clear(key, "timeout")
		return nil, nil
	}

	progress(Progress{Step: StepConnecting, Message: "reconnecting"})
	if sess.TunnelHandle == nil {
		port, err := sm.jobs.GetIDEPort(ctx, key.Cluster, key.User, key.IDE)
		if err != nil {
			return nil, NewErrTransport(err)
		}
		handle, err := sm.tunnels.Start(ctx, key, sess.ComputeNode, port)
		if err != nil {
			return nil, sm.classifyTunnelErr(err)
		}
		sm.sessions.Update(key, func(s *Session) { s.TunnelHandle = handle })
	}

	sm.sessions.SetActiveSession(key.User, key.Cluster, key.IDE)
	sm.analytics.RecordReconnect(key, sess.JobID)
	return &LaunchOutcome{
		Status:      "connected",
		JobID:       sess.JobID,
		ComputeNode: sess.ComputeNode,
		RedirectURL: redirectPrefix[key.IDE],
	}, nil
}

// submitOrAdopt looks for an existing job with this IDE's job name
// before submitting a new one, implementing reconnect idempotency at
// the queue level (step 7).
func (sm *StateMachine) submitOrAdopt(ctx context.Context, key Key, req ResourceRequest) (jobID, token string, err error) {
	existing, err := sm.jobs.GetJobInfo(ctx, key.Cluster, key.User, key.IDE)
	if err != nil {
		return "", "", NewErrTransport(err)
	}
	if existing != nil {
		return existing.JobID, "", nil
	}

	jobID, token, err = sm.jobs.SubmitJob(ctx, key.Cluster, SubmitSpec{
		User:      key.User,
		IDE:       key.IDE,
		CPUs:      req.CPUs,
		MemoryMB:  req.MemoryMB,
		Walltime:  req.Walltime,
		GPU:       req.GPU,
		Release:   req.Release,
		Account:   sm.registry.Account(key.Cluster, key.User),
		Partition: sm.registry.Partition(key.Cluster),
	})
	if err != nil {
		return "", "", NewErrSubmit(err)
	}
	return jobID, token, nil
}

func (sm *StateMachine) handleWaitError(key Key, err error) error {
	var gone *ErrJobGone
	if asErrJobGone(err, &gone) {
		sm.sessions.Clear(key, "timeout")
		sm.analytics.RecordError(key, ErrorCodeJobGone, err.Error())
		return gone
	}
	sm.sessions.Update(key, func(s *Session) { s.Status = StatusIdle; s.Error = err.Error() })
	sm.analytics.RecordError(key, ErrorCodeTimeout, err.Error())
	return err
}

func asErrJobGone(err error, target **ErrJobGone) bool {
	if e, ok := err.(*ErrJobGone); ok {
		*target = e
		return true
	}
	return false
}

func (sm *StateMachine) startTunnelAndFinish(ctx context.Context, key Key, jobID, token, node string, progress ProgressFunc) (*LaunchOutcome, error) {
	progress(Progress{Step: StepEstablishing, Node: node, Message: "establishing tunnel"})

	port, err := sm.jobs.GetIDEPort(ctx, key.Cluster, key.User, key.IDE)
	if err != nil {
		sm.sessions.Update(key, func(s *Session) { s.Status = StatusIdle; s.Error = err.Error() })
		return nil, NewErrTransport(err)
	}

	handle, err := sm.tunnels.Start(ctx, key, node, port)
	if err != nil {
		sm.sessions.Update(key, func(s *Session) { s.Status = StatusIdle; s.Error = err.Error() })
		return nil, sm.classifyTunnelErr(err)
	}

	// 10. Transition to running.
	sm.sessions.Update(key, func(s *Session) {
		s.Status = StatusRunning
		s.JobID = jobID
		s.ComputeNode = node
		s.TunnelHandle = handle
		s.StartedAt = time.Now()
		if token != "" {
			s.AuthToken = token
		}
		s.Error = ""
	})
	sm.sessions.SetActiveSession(key.User, key.Cluster, key.IDE)
	sm.cache.Invalidate(key.Cluster)

	return &LaunchOutcome{
		Status:      "running",
		JobID:       jobID,
		ComputeNode: node,
		RedirectURL: redirectPrefix[key.IDE],
	}, nil
}

func (sm *StateMachine) classifyTunnelErr(err error) error {
	if te, ok := err.(*ErrTunnel); ok {
		return te
	}
	return NewErrTunnel("unknown", err.Error())
}

// Switch sets the active session for (user, cluster, ide) and ensures
// a tunnel exists, without going through the full launch validation;
// it is a thin wrapper spec's POST /switch route calls directly for an
// already-running session.
func (sm *StateMachine) Switch(ctx context.Context, key Key) (*Session, error) {
	sess := sm.sessions.Get(key)
	if sess == nil || sess.Status != StatusRunning {
		return nil, NewErrValidation("no running session for " + key.LockName())
	}
	if sess.TunnelHandle == nil {
		port, err := sm.jobs.GetIDEPort(ctx, key.Cluster, key.User, key.IDE)
		if err != nil {
			return nil, NewErrTransport(err)
		}
		handle, err := sm.tunnels.Start(ctx, key, sess.ComputeNode, port)
		if err != nil {
			return nil, sm.classifyTunnelErr(err)
		}
		sess = sm.sessions.Update(key, func(s *Session) { s.TunnelHandle = handle })
	}
	sm.sessions.SetActiveSession(key.User, key.Cluster, key.IDE)
	return sess, nil
}

// Stop tears down the tunnel unconditionally, optionally cancels the
// SLURM job, and clears the session. Explicit stop always supersedes
// an in-flight launch, so Stop does not take the launch lock.
func (sm *StateMachine) Stop(ctx context.Context, key Key, cancelJob bool, progress ProgressFunc) error {
	if progress == nil {
		progress = noopProgress
	}
	sess := sm.sessions.Get(key)
	if sess == nil {
		return nil // already idle: no-op, per idempotence property
	}

	_ = sm.tunnels.Stop(key)

	if cancelJob {
		progress(Progress{Step: StepCancelling, Message: "cancelling job"})
		jobID := sess.JobID
		if jobID == "" {
			if job, err := sm.jobs.GetJobInfo(ctx, key.Cluster, key.User, key.IDE); err == nil && job != nil {
				jobID = job.JobID
			}
		}
		if jobID != "" {
			if err := sm.jobs.CancelJob(ctx, key.Cluster, jobID); err != nil {
				return NewErrTransport(err)
			}
			sm.cache.Invalidate(key.Cluster)
		}
	}

	sm.sessions.Clear(key, "cancelled")
	sm.analytics.RecordStop(key, "cancelled")
	return nil
}

// BatchStopResult is the outcome of a batch stop.
type BatchStopResult struct {
	Cancelled int
	Failed    []string
	JobIDs    []string
}

// StopAll cancels every running/pending job for user on cluster in a
// single batch call, and clears only the sessions whose jobIDs
// succeeded.
func (sm *StateMachine) StopAll(ctx context.Context, user, cluster string) (*BatchStopResult, error) {
	sessions := sm.sessions.GetAllForUser(user)

	type entry struct {
		key   Key
		jobID string
	}
	var entries []entry
	var jobIDs []string
	for _, s := range sessions {
		if s.Key.Cluster != cluster {
			continue
		}
		if s.Status != StatusRunning && s.Status != StatusPending {
			continue
		}
		if s.JobID == "" {
			continue
		}
		entries = append(entries, entry{key: s.Key, jobID: s.JobID})
		jobIDs = append(jobIDs, s.JobID)
	}

	if len(jobIDs) == 0 {
		return &BatchStopResult{}, nil
	}

	cancelled, failed, err := sm.jobs.CancelJobs(ctx, cluster, jobIDs)
	if err != nil {
		return nil, NewErrTransport(err)
	}

	cancelledSet := make(map[string]struct{}, len(cancelled))
	for _, id := range cancelled {
		cancelledSet[id] = struct{}{}
	}

	for _, e := range entries {
		if _, ok := cancelledSet[e.jobID]; !ok {
			continue
		}
		_ = sm.tunnels.Stop(e.key)
		sm.sessions.Clear(e.key, "cancelled")
		sm.analytics.RecordStop(e.key, "cancelled")
	}

	sm.cache.Invalidate(cluster)

	return &BatchStopResult{Cancelled: len(cancelled), Failed: failed, JobIDs: cancelled}, nil
}
