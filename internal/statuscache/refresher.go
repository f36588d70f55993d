package statuscache

import (
	"context"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
)

// tickInterval controls how often the poller checks which clusters
// have gone stale. It is independent of the cache TTL: a short tick
// lets a cluster refresh promptly once it crosses the TTL boundary
// without busy-polling SSH on every tick.
const tickInterval = 1 * time.Minute

// ClusterLister supplies the set of clusters the background poller
// should keep warm. Implemented by internal/clusterconfig.Registry.
type ClusterLister interface {
	ClusterNames() []string
}

// Refresher periodically refreshes every known cluster's cache entry
// in parallel, so steady-state `/cluster-status` reads never wait on
// SSH. It implements internal/transport.Listener so it can be started
// and stopped alongside the HTTP server.
type Refresher struct {
	cache   *Cache
	lister  ClusterLister
	log     *slog.Logger
	ticker  *time.Ticker
	stopped chan struct{}
}

// NewRefresher returns a Refresher bound to cache.
func NewRefresher(cache *Cache, lister ClusterLister, log *slog.Logger) *Refresher {
	if log == nil {
		log = slog.Default()
	}
	return &Refresher{cache: cache, lister: lister, log: log, stopped: make(chan struct{})}
}

// Start runs the poll loop until ctx is cancelled.
func (r *Refresher) Start(ctx context.Context) error {
	r.ticker = time.NewTicker(tickInterval)
	defer r.ticker.Stop()

	r.refreshStale(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.ticker.C:
			r.refreshStale(ctx)
		case <-r.stopped:
			return nil
		}
	}
}

// Stop signals the poll loop to exit.
func (r *Refresher) Stop(ctx context.Context) error {
	close(r.stopped)
	return nil
}

// refreshStale refreshes every cluster whose entry is missing or past
// its TTL, in parallel via errgroup, exactly like the teacher's
// internal/transport.Serve runs independent listeners concurrently.
// A cluster whose refresh fails is retried with backoff within the
// tick (see refreshWithBackoff), and again on the next tick, without
// blocking its siblings.
func (r *Refresher) refreshStale(ctx context.Context) {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, cluster := range r.lister.ClusterNames() {
		cluster := cluster
		if _, valid, _ := r.cache.Get(cluster); valid {
			continue
		}
		eg.Go(func() error {
			return r.refreshWithBackoff(egCtx, cluster)
		})
	}
	_ = eg.Wait()
}

// refreshWithBackoff retries a single cluster's refresh up to three
// times with jitter before giving up for this tick.
func (r *Refresher) refreshWithBackoff(ctx context.Context, cluster string) error {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := r.cache.Refresh(ctx, cluster); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	r.log.Warn("background cluster refresh failed", "cluster", cluster, "error", lastErr)
	return nil
}
