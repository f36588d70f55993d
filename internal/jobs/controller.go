// Package jobs builds SLURM batch scripts per IDE, submits and polls
// them over the SSH transport, and reads the dynamic port each job
// chooses for its IDE server.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hpcide/orchestrator/internal/core"
)

// DefaultPorts is the IDE's listening port before the port finder
// looks for a free one.
var DefaultPorts = map[core.IDE]int{
	core.IDEVSCode:  8080,
	core.IDERStudio: 8787,
	core.IDEJupyter: 8888,
}

const (
	queuePollInterval = 5 * time.Second
	defaultMaxAttempts = 60

	shortCheckAttempts = 2
	shortCheckInterval = 2500 * time.Millisecond
)

// Executor runs a script on a cluster's login node as user and
// returns combined stdout. Implemented by internal/sshtransport.Transport.
type Executor interface {
	Execute(ctx context.Context, cluster, user, script string) (string, error)
}

// ReleaseResolver maps a (cluster, release) pair to the container
// image reference embedded in the job script, and names the container
// runtime and bind paths the script execs the IDE server through.
// Implemented by internal/clusterconfig.Registry.
type ReleaseResolver interface {
	ImageFor(cluster, release string, ide core.IDE) (string, error)
	ContainerRuntime(cluster string) string
	BindPaths(cluster string) []string
}

// Controller implements core.JobController against a SLURM queue
// reached through an Executor.
type Controller struct {
	exec      Executor
	images    ReleaseResolver
	jwtSecret []byte
	log       *slog.Logger
}

// New returns a Controller. jwtSecret may be nil to disable IDE auth
// token issuance (RStudio never gets one regardless).
func New(exec Executor, images ReleaseResolver, jwtSecret []byte, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{exec: exec, images: images, jwtSecret: jwtSecret, log: log}
}

// jobNames returns the comma-joined squeue job-name filter for every
// known IDE, and the reverse lookup from name to IDE.
func jobNames(user string) (joined string, nameToIDE map[string]core.IDE) {
	nameToIDE = make(map[string]core.IDE, len(core.KnownIDEs))
	var names []string
	for _, ide := range core.KnownIDEs {
		name := jobName(user, ide)
		names = append(names, name)
		nameToIDE[name] = ide
	}
	return strings.Join(names, ","), nameToIDE
}

func jobName(user string, ide core.IDE) string {
	return fmt.Sprintf("%s-%s", ide, user)
}

// GetJobInfo returns the queued/running job for (cluster, user, ide),
// filtered by the job's unique "<ide>-<user>" name, or nil if absent.
func (c *Controller) GetJobInfo(ctx context.Context, cluster, user string, ide core.IDE) (*core.JobRecord, error) {
	name := jobName(user, ide)
	cmd := fmt.Sprintf(
		`squeue -u %s -n %s -h -o '%%i|%%j|%%T|%%N|%%L|%%l|%%C|%%m|%%S'`,
		shellQuote(user), shellQuote(name),
	)
	out, err := c.exec.Execute(ctx, cluster, user, cmd)
	if err != nil {
		return nil, err
	}
	recs := parseSqueueOutput(out, map[string]core.IDE{name: ide})
	return recs[ide], nil
}

// GetAllJobs issues a single squeue call filtered by user and the
// comma-joined job names of every known IDE, and returns a map from
// IDE to job record for whichever are present.
func (c *Controller) GetAllJobs(ctx context.Context, cluster, user string) (map[core.IDE]*core.JobRecord, error) {
	names, nameToIDE := jobNames(user)
	cmd := fmt.Sprintf(
		`squeue -u %s -n %s -h -o '%%i|%%j|%%T|%%N|%%L|%%l|%%C|%%m|%%S'`,
		shellQuote(user), shellQuote(names),
	)
	out, err := c.exec.Execute(ctx, cluster, user, cmd)
	if err != nil {
		return nil, err
	}
	return parseSqueueOutput(out, nameToIDE), nil
}

// GetClusterSnapshot queries every job currently in cluster's queue,
// with no user filter, and groups them by IDE from their job-name
// prefix. It backs internal/statuscache's cluster-wide view and is
// not part of core.JobController: the state machine only ever needs
// one user's job, never the whole queue.
func (c *Controller) GetClusterSnapshot(ctx context.Context, cluster string) (map[core.IDE]*core.JobRecord, error) {
	out, err := c.exec.Execute(ctx, cluster, "", `squeue -h -o '%i|%j|%T|%N|%L|%l|%C|%m|%S'`)
	if err != nil {
		return nil, err
	}
	return parseSqueueByIDEPrefix(out), nil
}

// SubmitJob pipes the IDE's batch script through a heredoc into
// sbatch --parsable on the login node, returning the new job ID and an
// optional short-lived auth token.
func (c *Controller) SubmitJob(ctx context.Context, cluster string, spec core.SubmitSpec) (string, string, error) {
	var (
		image     string
		runtime   string
		bindPaths []string
	)
	if c.images != nil {
		runtime = c.images.ContainerRuntime(cluster)
		bindPaths = c.images.BindPaths(cluster)
		if spec.Release != "" {
			var err error
			image, err = c.images.ImageFor(cluster, spec.Release, spec.IDE)
			if err != nil {
				return "", "", fmt.Errorf("jobs: resolving image: %w", err)
			}
		}
	}

	token, err := c.issueToken(spec.IDE)
	if err != nil {
		return "", "", fmt.Errorf("jobs: issuing auth token: %w", err)
	}

	script, err := buildJobScript(jobScriptParams{
		JobName:   jobName(spec.User, spec.IDE),
		IDE:       spec.IDE,
		CPUs:      spec.CPUs,
		MemoryMB:  spec.MemoryMB,
		Walltime:  spec.Walltime,
		GPU:       spec.GPU,
		Account:   spec.Account,
		Partition: spec.Partition,
		Image:     image,
		Runtime:   runtime,
		BindPaths: bindPaths,
		AuthToken: token,
	})
	if err != nil {
		return "", "", err
	}

	submit := fmt.Sprintf("cat <<'HPCIDE_SCRIPT_EOF' | sbatch --parsable\n%s\nHPCIDE_SCRIPT_EOF", script)
	out, err := c.exec.Execute(ctx, cluster, spec.User, submit)
	if err != nil {
		return "", "", err
	}

	jobID := strings.TrimSpace(out)
	if idx := strings.Index(jobID, ";"); idx >= 0 {
		jobID = jobID[:idx]
	}
	if jobID == "" || !isDigits(jobID) {
		return "", "", fmt.Errorf("jobs: unexpected sbatch output: %q", out)
	}

	return jobID, token, nil
}

func (c *Controller) issueToken(ide core.IDE) (string, error) {
	if ide == core.IDERStudio || len(c.jwtSecret) == 0 {
		return "", nil
	}
	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"ide": string(ide),
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(c.jwtSecret)
}

// CancelJob runs scancel for a single job.
func (c *Controller) CancelJob(ctx context.Context, cluster, jobID string) error {
	_, err := c.exec.Execute(ctx, cluster, "", fmt.Sprintf("scancel %s", shellQuote(jobID)))
	return err
}

// CancelJobs runs scancel once for a batch of job IDs. The SLURM
// command reports failure per-invocation, not per-ID, so on error
// every ID is reported failed; on success every ID is reported
// cancelled.
func (c *Controller) CancelJobs(ctx context.Context, cluster string, jobIDs []string) ([]string, []string, error) {
	if len(jobIDs) == 0 {
		return nil, nil, nil
	}
	quoted := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		quoted[i] = shellQuote(id)
	}
	_, err := c.exec.Execute(ctx, cluster, "", fmt.Sprintf("scancel %s", strings.Join(quoted, " ")))
	if err != nil {
		return nil, jobIDs, nil
	}
	return jobIDs, nil, nil
}

// WaitForNode looks the job up by its ID every 5 seconds (every 2.5
// seconds when at most shortCheckAttempts attempts are requested)
// until the job is RUNNING with a node, disappears, or attempts are
// exhausted.
func (c *Controller) WaitForNode(ctx context.Context, cluster, jobID string, ide core.IDE, opts core.WaitOpts) (*core.WaitResult, error) {
	maxAttempts := opts.MaxAttempts
	interval := queuePollInterval
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if maxAttempts <= shortCheckAttempts {
		interval = shortCheckInterval
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		record, err := c.lookupByJobID(ctx, cluster, ide, jobID)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, core.NewErrJobGone(jobID)
		}
		if record.State == core.JobRunning && record.ComputeNode != "" {
			return &core.WaitResult{Node: record.ComputeNode, JobID: jobID}, nil
		}

		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}

	if opts.ReturnPendingOnTimeout {
		return &core.WaitResult{Pending: true, JobID: jobID, EstimatedStartTime: time.Now().Add(5 * time.Minute)}, nil
	}
	return nil, core.NewErrTimeout(fmt.Sprintf("waitForNode: job %s did not reach RUNNING in time", jobID))
}

// lookupByJobID queries squeue directly by job ID so WaitForNode's
// polling loop doesn't depend on the job's name still matching a
// known IDE (it may have already fallen out of the queue entirely).
func (c *Controller) lookupByJobID(ctx context.Context, cluster string, ide core.IDE, jobID string) (*core.JobRecord, error) {
	out, err := c.exec.Execute(ctx, cluster, "", fmt.Sprintf(
		`squeue -j %s -h -o '%%i|%%j|%%T|%%N|%%L|%%l|%%C|%%m|%%S'`, shellQuote(jobID)))
	if err != nil {
		return nil, err
	}
	rec := parseSqueueLineByJobID(out, jobID)
	if rec != nil {
		rec.IDE = ide
	}
	return rec, nil
}

// GetIDEPort cats the per-IDE port file and falls back to the
// default port when it is absent or malformed.
func (c *Controller) GetIDEPort(ctx context.Context, cluster, user string, ide core.IDE) (int, error) {
	dir := artifactDir(ide)
	cmd := fmt.Sprintf("cat %s/port 2>/dev/null", shellQuote(dir))
	out, err := c.exec.Execute(ctx, cluster, user, cmd)
	if err != nil {
		return DefaultPorts[ide], nil
	}
	port, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || port < 1 || port > 65535 {
		return DefaultPorts[ide], nil
	}
	if port != DefaultPorts[ide] {
		c.log.Info("ide using non-default port", "ide", ide, "port", port)
	}
	return port, nil
}

func artifactDir(ide core.IDE) string {
	switch ide {
	case core.IDEVSCode:
		return "~/.vscode-slurm"
	case core.IDERStudio:
		return "~/.rstudio-slurm"
	case core.IDEJupyter:
		return "~/.jupyter-slurm"
	default:
		return "~/.hpcide-slurm"
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ core.JobController = (*Controller)(nil)
