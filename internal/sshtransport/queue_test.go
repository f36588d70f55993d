package sshtransport

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCmdQueueSerializesExecution(t *testing.T) {
	q := newCmdQueue()
	var active int32
	var maxActive int32
	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.run(context.Background(), func(ctx context.Context) (string, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return "", nil
			})
		}()
		time.Sleep(time.Millisecond) // submit roughly in order
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("expected jobs to run one at a time, max concurrent was %d", got)
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 completions, got %d", len(order))
	}
}

func TestCmdQueueRespectsContextCancellation(t *testing.T) {
	q := newCmdQueue()
	block := make(chan struct{})
	go q.run(context.Background(), func(ctx context.Context) (string, error) {
		<-block
		return "", nil
	})
	time.Sleep(5 * time.Millisecond) // ensure the blocker is running

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.run(ctx, func(ctx context.Context) (string, error) { return "ok", nil })
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	close(block)
}

func TestQueueSetReusesQueuePerCluster(t *testing.T) {
	s := newQueueSet()
	a1 := s.forCluster("anvil")
	a2 := s.forCluster("anvil")
	b := s.forCluster("bridges2")
	if a1 != a2 {
		t.Fatal("expected the same queue for the same cluster")
	}
	if a1 == b {
		t.Fatal("expected distinct queues for distinct clusters")
	}
}
