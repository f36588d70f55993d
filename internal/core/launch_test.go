package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]*JobRecord // keyed by ide
	submitted int
	waitNode  string
	waitErr   error
	pending   bool
	cancelErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*JobRecord)}
}

func (f *fakeJobs) GetJobInfo(ctx context.Context, cluster, user string, ide IDE) (*JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[string(ide)], nil
}

func (f *fakeJobs) GetAllJobs(ctx context.Context, cluster, user string) (map[IDE]*JobRecord, error) {
	return nil, nil
}

func (f *fakeJobs) SubmitJob(ctx context.Context, cluster string, spec SubmitSpec) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted++
	jobID := "J100"
	f.jobs[string(spec.IDE)] = &JobRecord{JobID: jobID, IDE: spec.IDE, State: JobPending}
	return jobID, "tok-abc", nil
}

func (f *fakeJobs) CancelJob(ctx context.Context, cluster, jobID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, j := range f.jobs {
		if j.JobID == jobID {
			delete(f.jobs, k)
		}
	}
	return nil
}

func (f *fakeJobs) CancelJobs(ctx context.Context, cluster string, jobIDs []string) ([]string, []string, error) {
	for _, id := range jobIDs {
		_ = f.CancelJob(ctx, cluster, id)
	}
	return jobIDs, nil, nil
}

func (f *fakeJobs) WaitForNode(ctx context.Context, cluster, jobID string, ide IDE, opts WaitOpts) (*WaitResult, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	if f.pending {
		return &WaitResult{Pending: true, JobID: jobID, EstimatedStartTime: time.Now().Add(time.Minute)}, nil
	}
	node := f.waitNode
	if node == "" {
		node = "node01"
	}
	f.mu.Lock()
	if j, ok := f.jobs[string(ide)]; ok {
		j.State = JobRunning
		j.ComputeNode = node
	}
	f.mu.Unlock()
	return &WaitResult{Node: node, JobID: jobID}, nil
}

func (f *fakeJobs) GetIDEPort(ctx context.Context, cluster, user string, ide IDE) (int, error) {
	return 8080, nil
}

type fakeTunnels struct {
	mu       sync.Mutex
	started  map[Key]*TunnelHandle
	startErr error
	exitFn   func(Key)
}

func newFakeTunnels() *fakeTunnels { return &fakeTunnels{started: make(map[Key]*TunnelHandle)} }

func (f *fakeTunnels) Start(ctx context.Context, key Key, computeNode string, remotePort int) (*TunnelHandle, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &TunnelHandle{ID: key.LockName(), LocalPort: 19999, RemotePort: remotePort, ComputeNode: computeNode}
	f.started[key] = h
	return h, nil
}

func (f *fakeTunnels) Stop(key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.started, key)
	return nil
}

func (f *fakeTunnels) Get(key Key) (*TunnelHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.started[key]
	return h, ok
}

func (f *fakeTunnels) OnExit(fn func(key Key)) { f.exitFn = fn }

type fakeCache struct {
	invalidated []string
}

func (f *fakeCache) Get(cluster string) (*ClusterStatus, bool, time.Duration) { return nil, false, 0 }
func (f *fakeCache) Set(cluster string, data *ClusterStatus)                 {}
func (f *fakeCache) Invalidate(cluster string)                               { f.invalidated = append(f.invalidated, cluster) }
func (f *fakeCache) InvalidateAll()                                          {}

type fakeRegistry struct{}

func (fakeRegistry) ClusterExists(cluster string) bool                  { return cluster == "anvil" }
func (fakeRegistry) ReleaseAvailable(cluster, release string) bool       { return true }
func (fakeRegistry) IDEAvailable(cluster, release string, ide IDE) bool  { return true }
func (fakeRegistry) GPUAvailable(cluster, gpu string) bool               { return gpu == "" || gpu == "a100" }
func (fakeRegistry) ValidateResources(cluster string, req ResourceRequest) error {
	if req.CPUs > 64 {
		return errors.New("cpus exceed partition limit")
	}
	return nil
}
func (fakeRegistry) Partition(cluster string) string        { return "gpu" }
func (fakeRegistry) Account(cluster, user string) string    { return "acct-" + user }

func newTestMachine() (*StateMachine, *fakeJobs, *fakeTunnels, *fakeCache) {
	jobs := newFakeJobs()
	tunnels := newFakeTunnels()
	cache := &fakeCache{}
	sm := NewStateMachine(jobs, tunnels, cache, fakeRegistry{}, NoopAnalytics{})
	return sm, jobs, tunnels, cache
}

func testKey() Key { return Key{User: "alice", Cluster: "anvil", IDE: IDEVSCode} }

func TestLaunchHappyPath(t *testing.T) {
	sm, jobs, tunnels, cache := newTestMachine()
	out, err := sm.LaunchStreaming(context.Background(), testKey(), ResourceRequest{CPUs: 4, MemoryMB: 8192, Walltime: "02:00:00"}, nil)
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	if out.Status != "running" {
		t.Fatalf("expected running, got %s", out.Status)
	}
	if out.RedirectURL != "/code/" {
		t.Fatalf("unexpected redirect url %q", out.RedirectURL)
	}
	if jobs.submitted != 1 {
		t.Fatalf("expected one submission, got %d", jobs.submitted)
	}
	if _, ok := tunnels.Get(testKey()); !ok {
		t.Fatal("expected tunnel to be started")
	}
	if len(cache.invalidated) != 1 {
		t.Fatalf("expected cache invalidation, got %v", cache.invalidated)
	}
	sess := sm.Sessions().Get(testKey())
	if sess.Status != StatusRunning {
		t.Fatalf("expected session running, got %s", sess.Status)
	}
}

func TestLaunchValidationRejectsUnknownCluster(t *testing.T) {
	sm, _, _, _ := newTestMachine()
	key := Key{User: "alice", Cluster: "nowhere", IDE: IDEVSCode}
	_, err := sm.LaunchStreaming(context.Background(), key, ResourceRequest{}, nil)
	var verr *ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("expected ErrValidation, got %v (%T)", err, err)
	}
}

func TestLaunchValidationRejectsOverLimitResources(t *testing.T) {
	sm, _, _, _ := newTestMachine()
	_, err := sm.LaunchStreaming(context.Background(), testKey(), ResourceRequest{CPUs: 128}, nil)
	var verr *ErrValidation
	if !errors.As(err, &verr) {
		t.Fatalf("expected ErrValidation, got %v (%T)", err, err)
	}
}

func TestLaunchBusyWhileLockHeld(t *testing.T) {
	sm, _, _, _ := newTestMachine()
	key := testKey()
	if !sm.locks.Acquire(key.LockName()) {
		t.Fatal("setup: could not acquire lock")
	}
	_, err := sm.LaunchStreaming(context.Background(), key, ResourceRequest{}, nil)
	var busy *ErrBusy
	if !errors.As(err, &busy) {
		t.Fatalf("expected ErrBusy, got %v (%T)", err, err)
	}
	sm.locks.Release(key.LockName())
}

func TestLaunchRejectsWhenAlreadyStarting(t *testing.T) {
	sm, _, _, _ := newTestMachine()
	key := testKey()
	sm.Sessions().Update(key, func(s *Session) { s.Status = StatusStarting })
	_, err := sm.LaunchStreaming(context.Background(), key, ResourceRequest{}, nil)
	var prog *ErrInProgress
	if !errors.As(err, &prog) {
		t.Fatalf("expected ErrInProgress, got %v (%T)", err, err)
	}
}

func TestLaunchPendingReturnsEstimatedStartTime(t *testing.T) {
	sm, _, _, _ := newTestMachine()
	sm.jobs.(*fakeJobs).pending = true
	out, err := sm.LaunchStreaming(context.Background(), testKey(), ResourceRequest{CPUs: 2}, nil)
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	if out.Status != "pending" {
		t.Fatalf("expected pending, got %s", out.Status)
	}
	sess := sm.Sessions().Get(testKey())
	if sess.Status != StatusPending {
		t.Fatalf("expected session pending, got %s", sess.Status)
	}
}

func TestReconnectToRunningSessionReusesTunnel(t *testing.T) {
	sm, jobs, tunnels, _ := newTestMachine()
	key := testKey()
	jobs.jobs[string(key.IDE)] = &JobRecord{JobID: "J1", IDE: key.IDE, State: JobRunning, ComputeNode: "node01"}
	handle := &TunnelHandle{ID: "existing", LocalPort: 1234}
	sm.Sessions().Update(key, func(s *Session) {
		s.Status = StatusRunning
		s.JobID = "J1"
		s.ComputeNode = "node01"
		s.TunnelHandle = handle
	})

	out, err := sm.LaunchStreaming(context.Background(), key, ResourceRequest{}, nil)
	if err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if out.Status != "connected" {
		t.Fatalf("expected connected, got %s", out.Status)
	}
	if _, started := tunnels.Get(key); started {
		t.Fatal("reconnect should not start a new tunnel when one already exists")
	}
}

func TestStaleRunningSessionRelaunches(t *testing.T) {
	sm, jobs, _, _ := newTestMachine()
	key := testKey()
	// Session claims running but the queue has nothing for this ide.
	sm.Sessions().Update(key, func(s *Session) {
		s.Status = StatusRunning
		s.JobID = "ghost"
		s.ComputeNode = "node99"
	})

	out, err := sm.LaunchStreaming(context.Background(), key, ResourceRequest{CPUs: 2}, nil)
	if err != nil {
		t.Fatalf("relaunch failed: %v", err)
	}
	if out.Status != "running" {
		t.Fatalf("expected fresh running session, got %s", out.Status)
	}
	if jobs.submitted != 1 {
		t.Fatalf("expected fresh submission, got %d", jobs.submitted)
	}
}

func TestStopClearsSessionAndCancelsJob(t *testing.T) {
	sm, jobs, tunnels, cache := newTestMachine()
	key := testKey()
	jobs.jobs[string(key.IDE)] = &JobRecord{JobID: "J1", IDE: key.IDE, State: JobRunning}
	tunnels.started[key] = &TunnelHandle{ID: "t1"}
	sm.Sessions().Update(key, func(s *Session) {
		s.Status = StatusRunning
		s.JobID = "J1"
	})

	if err := sm.Stop(context.Background(), key, true, nil); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if sess := sm.Sessions().Get(key); sess != nil {
		t.Fatalf("expected session cleared, got %+v", sess)
	}
	if _, ok := tunnels.Get(key); ok {
		t.Fatal("expected tunnel stopped")
	}
	if len(cache.invalidated) == 0 {
		t.Fatal("expected cache invalidated on cancel")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	sm, _, _, _ := newTestMachine()
	key := testKey()
	if err := sm.Stop(context.Background(), key, true, nil); err != nil {
		t.Fatalf("first stop on idle session should be a no-op, got %v", err)
	}
	if err := sm.Stop(context.Background(), key, true, nil); err != nil {
		t.Fatalf("second stop should remain a no-op, got %v", err)
	}
}

func TestBatchStopCancelsOnlyMatchingCluster(t *testing.T) {
	sm, jobs, tunnels, cache := newTestMachine()
	k1 := Key{User: "alice", Cluster: "anvil", IDE: IDEVSCode}
	k2 := Key{User: "alice", Cluster: "anvil", IDE: IDEJupyter}
	k3 := Key{User: "alice", Cluster: "other", IDE: IDERStudio}

	jobs.jobs[string(k1.IDE)] = &JobRecord{JobID: "J1"}
	jobs.jobs[string(k2.IDE)] = &JobRecord{JobID: "J2"}
	tunnels.started[k1] = &TunnelHandle{ID: "t1"}
	tunnels.started[k2] = &TunnelHandle{ID: "t2"}

	sm.Sessions().Update(k1, func(s *Session) { s.Status = StatusRunning; s.JobID = "J1" })
	sm.Sessions().Update(k2, func(s *Session) { s.Status = StatusPending; s.JobID = "J2" })
	sm.Sessions().Update(k3, func(s *Session) { s.Status = StatusRunning; s.JobID = "J3" })

	res, err := sm.StopAll(context.Background(), "alice", "anvil")
	if err != nil {
		t.Fatalf("batch stop failed: %v", err)
	}
	if res.Cancelled != 2 {
		t.Fatalf("expected 2 cancelled, got %d", res.Cancelled)
	}
	if sm.Sessions().Get(k1) != nil || sm.Sessions().Get(k2) != nil {
		t.Fatal("expected anvil sessions cleared")
	}
	if sm.Sessions().Get(k3) == nil {
		t.Fatal("expected other-cluster session untouched")
	}
	if len(cache.invalidated) == 0 || cache.invalidated[len(cache.invalidated)-1] != "anvil" {
		t.Fatalf("expected anvil cache invalidation, got %v", cache.invalidated)
	}
}

func TestTunnelExitDemotesRunningSessionToIdle(t *testing.T) {
	sm, _, tunnels, _ := newTestMachine()
	key := testKey()
	sm.Sessions().Update(key, func(s *Session) { s.Status = StatusRunning; s.JobID = "J1" })

	tunnels.exitFn(key)

	sess := sm.Sessions().Get(key)
	if sess != nil {
		t.Fatalf("expected session cleared after tunnel exit, got %+v", sess)
	}
}
