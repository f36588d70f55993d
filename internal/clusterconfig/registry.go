// Package clusterconfig loads the static, file-backed description of
// every HPC cluster this system can submit to: host, login user,
// partition limits, and the release-to-container-image map the job
// script builders need. It answers every validation and host-lookup
// question the core and transport layers ask, so no other package
// parses cluster configuration of its own.
package clusterconfig

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/viper"

	"github.com/hpcide/orchestrator/internal/core"
)

// ReleaseEntry is one published release on a cluster: the per-IDE
// container image reference the job script binds into the container
// runtime invocation.
type ReleaseEntry struct {
	Images map[core.IDE]string `mapstructure:"images"`
}

// ClusterEntry is one cluster's static configuration.
type ClusterEntry struct {
	Name             string                  `mapstructure:"name"`
	Host             string                  `mapstructure:"host"`
	LoginUser        string                  `mapstructure:"hpcUser"`
	Partition        string                  `mapstructure:"partition"`
	Account          string                  `mapstructure:"account"`
	MaxCPUs          int                     `mapstructure:"maxCpus"`
	MaxMemoryMB      int                     `mapstructure:"maxMemoryMB"`
	MaxWalltime      string                  `mapstructure:"maxWalltime"` // "HH:MM:SS"
	AllowedGPUs      []string                `mapstructure:"allowedGpus"`
	ContainerRuntime string                  `mapstructure:"containerRuntime"` // "apptainer" (default) or "singularity"
	BindPaths        []string                `mapstructure:"bindPaths"`        // host paths bind-mounted into the IDE container
	Releases         map[string]ReleaseEntry `mapstructure:"releases"`
}

const defaultContainerRuntime = "apptainer"

// Registry answers cluster-shape questions for every collaborator
// that needs one: core.ClusterRegistry (validation), sshtransport's
// and tunnel's HostResolver (ssh target), and jobs' ReleaseResolver
// (image lookup).
type Registry struct {
	byName map[string]ClusterEntry
	names  []string
}

// Load reads the "clusters" key from v (a YAML list under that key,
// populated the way the teacher's config.Config loads config.yaml)
// into a Registry. Unmarshalling reuses viper's own mapstructure
// dependency rather than adding a YAML library: config.yaml is parsed
// by viper already, so this is the same struct-tag convention the
// rest of internal/config uses.
func Load(v *viper.Viper) (*Registry, error) {
	var entries []ClusterEntry
	if err := v.UnmarshalKey("clusters", &entries); err != nil {
		return nil, fmt.Errorf("clusterconfig: unmarshal clusters: %w", err)
	}

	r := &Registry{byName: make(map[string]ClusterEntry, len(entries))}
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("clusterconfig: cluster entry missing name")
		}
		if _, dup := r.byName[e.Name]; dup {
			return nil, fmt.Errorf("clusterconfig: duplicate cluster name %q", e.Name)
		}
		r.byName[e.Name] = e
		r.names = append(r.names, e.Name)
	}
	return r, nil
}

var (
	_ core.ClusterRegistry = (*Registry)(nil)
)

// ClusterNames returns every configured cluster name, for
// internal/statuscache.Refresher's poll loop and GET /cluster-status's
// all-clusters view.
func (r *Registry) ClusterNames() []string { return r.names }

// SSHHost implements sshtransport.HostResolver and tunnel.HostResolver.
func (r *Registry) SSHHost(cluster string) (addr, loginUser string, ok bool) {
	e, found := r.byName[cluster]
	if !found {
		return "", "", false
	}
	return e.Host, e.LoginUser, true
}

// ImageFor implements jobs.ReleaseResolver.
func (r *Registry) ImageFor(cluster, release string, ide core.IDE) (string, error) {
	e, found := r.byName[cluster]
	if !found {
		return "", fmt.Errorf("clusterconfig: unknown cluster %q", cluster)
	}
	rel, found := e.Releases[release]
	if !found {
		return "", fmt.Errorf("clusterconfig: release %q not published on %q", release, cluster)
	}
	image, found := rel.Images[ide]
	if !found {
		return "", fmt.Errorf("clusterconfig: %s not available for release %q on %q", ide, release, cluster)
	}
	return image, nil
}

// ClusterExists implements core.ClusterRegistry.
func (r *Registry) ClusterExists(cluster string) bool {
	_, ok := r.byName[cluster]
	return ok
}

// ReleaseAvailable implements core.ClusterRegistry. A release string
// must parse as semver before it can be published at all, mirroring
// the teacher's own use of Masterminds/semver to reject arbitrary
// image-tag strings before they reach a container runtime invocation.
func (r *Registry) ReleaseAvailable(cluster, release string) bool {
	if _, err := semver.NewVersion(release); err != nil {
		return false
	}
	e, ok := r.byName[cluster]
	if !ok {
		return false
	}
	_, ok = e.Releases[release]
	return ok
}

// IDEAvailable implements core.ClusterRegistry.
func (r *Registry) IDEAvailable(cluster, release string, ide core.IDE) bool {
	e, ok := r.byName[cluster]
	if !ok {
		return false
	}
	rel, ok := e.Releases[release]
	if !ok {
		return false
	}
	_, ok = rel.Images[ide]
	return ok
}

// GPUAvailable implements core.ClusterRegistry. "" (no GPU requested)
// is always valid.
func (r *Registry) GPUAvailable(cluster, gpu string) bool {
	if gpu == "" {
		return true
	}
	e, ok := r.byName[cluster]
	if !ok {
		return false
	}
	for _, g := range e.AllowedGPUs {
		if g == gpu {
			return true
		}
	}
	return false
}

// ValidateResources implements core.ClusterRegistry, checking the
// request's CPUs, memory, and walltime against the cluster's
// configured partition limits. A zero limit means unconfigured/no
// limit.
func (r *Registry) ValidateResources(cluster string, req core.ResourceRequest) error {
	e, ok := r.byName[cluster]
	if !ok {
		return fmt.Errorf("clusterconfig: unknown cluster %q", cluster)
	}
	if e.MaxCPUs > 0 && req.CPUs > e.MaxCPUs {
		return fmt.Errorf("clusterconfig: requested %d cpus exceeds %s's limit of %d", req.CPUs, cluster, e.MaxCPUs)
	}
	if e.MaxMemoryMB > 0 && req.MemoryMB > e.MaxMemoryMB {
		return fmt.Errorf("clusterconfig: requested %d MB exceeds %s's limit of %d MB", req.MemoryMB, cluster, e.MaxMemoryMB)
	}
	if e.MaxWalltime != "" && req.Walltime != "" {
		reqSecs, err := walltimeSeconds(req.Walltime)
		if err != nil {
			return fmt.Errorf("clusterconfig: %w", err)
		}
		maxSecs, err := walltimeSeconds(e.MaxWalltime)
		if err != nil {
			return fmt.Errorf("clusterconfig: cluster %q has an invalid maxWalltime: %w", cluster, err)
		}
		if reqSecs > maxSecs {
			return fmt.Errorf("clusterconfig: requested walltime %s exceeds %s's limit of %s", req.Walltime, cluster, e.MaxWalltime)
		}
	}
	return nil
}

// Partition implements core.ClusterRegistry.
func (r *Registry) Partition(cluster string) string {
	return r.byName[cluster].Partition
}

// ContainerRuntime implements jobs.ReleaseResolver, naming the
// apptainer/singularity binary the job script should `exec` the IDE
// server through. Clusters that don't configure one get "apptainer",
// the successor HPC sites have largely standardized on.
func (r *Registry) ContainerRuntime(cluster string) string {
	e, ok := r.byName[cluster]
	if !ok || e.ContainerRuntime == "" {
		return defaultContainerRuntime
	}
	return e.ContainerRuntime
}

// BindPaths implements jobs.ReleaseResolver, listing the host paths
// (release trees, shared library paths, scratch space) the job script
// binds into the IDE container.
func (r *Registry) BindPaths(cluster string) []string {
	return r.byName[cluster].BindPaths
}

// Account implements core.ClusterRegistry.
func (r *Registry) Account(cluster, user string) string {
	return r.byName[cluster].Account
}

// walltimeSeconds parses a SLURM-style "HH:MM:SS" walltime string
// into a second count for comparison; time.ParseDuration doesn't
// accept this format since it has no unit suffixes.
func walltimeSeconds(walltime string) (int, error) {
	parts := strings.Split(walltime, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid walltime %q, expected HH:MM:SS", walltime)
	}
	total := 0
	multipliers := [3]int{3600, 60, 1}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid walltime %q: %w", walltime, err)
		}
		total += n * multipliers[i]
	}
	return total, nil
}
