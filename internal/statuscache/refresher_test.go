package statuscache

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hpcide/orchestrator/internal/core"
)

type fakeLister struct {
	names []string
}

func (f fakeLister) ClusterNames() []string { return f.names }

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshStaleSkipsFreshClusters(t *testing.T) {
	fetcher := &fakeFetcher{jobs: map[core.IDE]*core.JobRecord{}}
	cache := New(fetcher, time.Minute)
	_, _ = cache.Refresh(context.Background(), "anvil")
	fetcher.calls = 0

	r := NewRefresher(cache, fakeLister{names: []string{"anvil", "gemini"}}, newTestLogger())
	r.refreshStale(context.Background())

	if calls := atomic.LoadInt32(&fetcher.calls); calls != 1 {
		t.Fatalf("expected exactly one fetch (for stale gemini only), got %d", calls)
	}
	if _, valid, _ := cache.Get("gemini"); !valid {
		t.Fatal("expected gemini to be populated after refreshStale")
	}
}

func TestRefreshWithBackoffGivesUpAfterRetries(t *testing.T) {
	fetcher := &fakeFetcher{err: context.DeadlineExceeded}
	cache := New(fetcher, time.Minute)
	r := NewRefresher(cache, fakeLister{}, newTestLogger())

	if err := r.refreshWithBackoff(context.Background(), "anvil"); err != nil {
		t.Fatalf("expected refreshWithBackoff to swallow a persistent failure, got %v", err)
	}
	if calls := atomic.LoadInt32(&fetcher.calls); calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestStartAndStopTerminatesCleanly(t *testing.T) {
	fetcher := &fakeFetcher{jobs: map[core.IDE]*core.JobRecord{}}
	cache := New(fetcher, time.Minute)
	r := NewRefresher(cache, fakeLister{names: []string{"anvil"}}, newTestLogger())

	done := make(chan error, 1)
	go func() { done <- r.Start(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected Start to return nil after Stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected Start to return promptly after Stop")
	}
}
