package metrics

import (
	"context"
	"time"

	"github.com/hpcide/orchestrator/internal/core"
)

// InstrumentedTunnels wraps a core.TunnelManager to count successful
// tunnel starts without making internal/tunnel itself aware of metrics.
type InstrumentedTunnels struct {
	core.TunnelManager
	m *Metrics
}

// WrapTunnels returns a TunnelManager that records a tunnel-start event
// on every successful Start call before delegating everything else to
// inner unchanged.
func WrapTunnels(inner core.TunnelManager, m *Metrics) *InstrumentedTunnels {
	return &InstrumentedTunnels{TunnelManager: inner, m: m}
}

func (t *InstrumentedTunnels) Start(ctx context.Context, key core.Key, computeNode string, remotePort int) (*core.TunnelHandle, error) {
	handle, err := t.TunnelManager.Start(ctx, key, computeNode, remotePort)
	if err != nil {
		return nil, err
	}
	t.m.RecordTunnelStart(key)
	return handle, nil
}

// cacheReader is the subset of internal/statuscache.Cache's surface
// that GET /cluster-status drives through internal/httpapi.StatusCache.
type cacheReader interface {
	Get(cluster string) (*core.ClusterStatus, bool, time.Duration)
	Refresh(ctx context.Context, cluster string) (*core.ClusterStatus, error)
}

// InstrumentedCache wraps a cluster status cache to count hits and
// misses on every Get, leaving Refresh untouched.
type InstrumentedCache struct {
	cacheReader
	m *Metrics
}

// WrapCache returns a cacheReader that records cache hit/miss counters
// around inner's Get, suitable for httpapi.New's StatusCache argument.
func WrapCache(inner cacheReader, m *Metrics) *InstrumentedCache {
	return &InstrumentedCache{cacheReader: inner, m: m}
}

func (c *InstrumentedCache) Get(cluster string) (*core.ClusterStatus, bool, time.Duration) {
	data, valid, age := c.cacheReader.Get(cluster)
	if valid {
		c.m.RecordCacheHit(cluster)
	} else {
		c.m.RecordCacheMiss(cluster)
	}
	return data, valid, age
}
