package core

import (
	"context"
	"time"
)

// JobController is the interface the state machine uses to submit,
// query, wait for, and cancel SLURM jobs. Implemented by
// internal/jobs.Controller.
type JobController interface {
	GetJobInfo(ctx context.Context, cluster, user string, ide IDE) (*JobRecord, error)
	GetAllJobs(ctx context.Context, cluster, user string) (map[IDE]*JobRecord, error)
	SubmitJob(ctx context.Context, cluster string, spec SubmitSpec) (jobID, token string, err error)
	CancelJob(ctx context.Context, cluster, jobID string) error
	CancelJobs(ctx context.Context, cluster string, jobIDs []string) (cancelled, failed []string, err error)
	WaitForNode(ctx context.Context, cluster, jobID string, ide IDE, opts WaitOpts) (*WaitResult, error)
	GetIDEPort(ctx context.Context, cluster, user string, ide IDE) (int, error)
}

// SubmitSpec is the resource request plus identity needed to submit a
// batch job for one IDE.
type SubmitSpec struct {
	User      string
	IDE       IDE
	CPUs      int
	MemoryMB  int
	Walltime  string
	GPU       string
	Release   string
	Account   string
	Partition string
}

// WaitOpts configures WaitForNode.
type WaitOpts struct {
	MaxAttempts          int
	ReturnPendingOnTimeout bool
}

// WaitResult is the terminal outcome of WaitForNode: either a node
// was assigned, or (when ReturnPendingOnTimeout) the job is still
// pending.
type WaitResult struct {
	Node               string
	Pending            bool
	JobID              string
	EstimatedStartTime  time.Time
}

// TunnelManager starts, tracks, and tears down forwarded-port
// processes. Implemented by internal/tunnel.Manager.
type TunnelManager interface {
	Start(ctx context.Context, key Key, computeNode string, remotePort int) (*TunnelHandle, error)
	Stop(key Key) error
	Get(key Key) (*TunnelHandle, bool)
	OnExit(fn func(key Key))
}

// StatusCache serves cluster-status queries without hitting SSH on
// every poll. Implemented by internal/statuscache.Cache.
type StatusCache interface {
	Get(cluster string) (data *ClusterStatus, valid bool, age time.Duration)
	Set(cluster string, data *ClusterStatus)
	Invalidate(cluster string)
	InvalidateAll()
}
