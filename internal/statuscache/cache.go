// Package statuscache serves cluster-status queries without issuing
// SSH for every poll, the same TTL-plus-singleflight shape the
// teacher uses for Kubernetes discovery caching, generalized from
// schema/version lookups to SLURM queue snapshots.
package statuscache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hpcide/orchestrator/internal/core"
)

// singleflightFetchTimeout bounds a single cache-miss fetch so that
// one caller's cancelled context can't hang every other waiter
// sharing the same singleflight key.
const singleflightFetchTimeout = 30 * time.Second

// Fetcher retrieves a fresh snapshot for cluster. Implemented by
// internal/jobs.Controller's GetClusterSnapshot.
type Fetcher interface {
	GetClusterSnapshot(ctx context.Context, cluster string) (map[core.IDE]*core.JobRecord, error)
}

type entry struct {
	data      *core.ClusterStatus
	expiresAt time.Time
}

// Cache implements core.StatusCache, serving per-cluster snapshots
// with a fixed TTL and singleflight-deduplicated refreshes.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	flights singleflight.Group
}

// New returns a Cache. ttl is typically spec.md's 30-minute default.
func New(fetcher Fetcher, ttl time.Duration) *Cache {
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// Get returns the cached snapshot for cluster, its validity against
// the TTL, and its age. It never fetches; callers that need a
// guaranteed-fresh value should call Refresh first.
func (c *Cache) Get(cluster string) (*core.ClusterStatus, bool, time.Duration) {
	c.mu.RLock()
	e, ok := c.entries[cluster]
	c.mu.RUnlock()
	if !ok {
		return nil, false, 0
	}
	age := time.Since(e.data.InsertedAt)
	return e.data, time.Now().Before(e.expiresAt), age
}

// Set replaces cluster's cached entry.
func (c *Cache) Set(cluster string, data *core.ClusterStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cluster] = &entry{data: data, expiresAt: time.Now().Add(c.ttl)}
}

// Invalidate evicts cluster's entry so the next read is a cache miss.
func (c *Cache) Invalidate(cluster string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cluster)
}

// InvalidateAll evicts every cluster's entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Refresh fetches a fresh snapshot for cluster and stores it,
// deduplicating concurrent refreshes for the same cluster via
// singleflight exactly like the teacher's discoveryCache does for
// schema/version lookups.
func (c *Cache) Refresh(ctx context.Context, cluster string) (*core.ClusterStatus, error) {
	v, err, _ := c.flights.Do(cluster, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), singleflightFetchTimeout)
		defer cancel()

		jobs, err := c.fetcher.GetClusterSnapshot(fetchCtx, cluster)
		if err != nil {
			return nil, err
		}
		status := &core.ClusterStatus{Cluster: cluster, Jobs: jobs, InsertedAt: time.Now()}
		c.Set(cluster, status)
		return status, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.ClusterStatus), nil
}

var _ core.StatusCache = (*Cache)(nil)
