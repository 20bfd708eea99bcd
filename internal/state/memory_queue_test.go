package state

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/taskmesh/internal/observability"
)

func newTestQueue(t *testing.T, store *MemoryQueueStore, opts MemoryQueueOptions) *MemoryQueue {
	t.Helper()
	if opts.LockTTL == 0 {
		opts.LockTTL = time.Minute
	}
	if opts.PollPeriod == 0 {
		opts.PollPeriod = 5 * time.Millisecond
	}
	q, err := NewMemoryQueue(store, opts)
	if err != nil {
		t.Fatalf("new memory queue: %v", err)
	}
	return q
}

func TestQueueRequiresPositiveLockTTL(t *testing.T) {
	if _, err := NewMemoryQueue(nil, MemoryQueueOptions{}); err == nil {
		t.Fatalf("zero lock ttl must be rejected")
	}
	if _, err := NewMemoryQueue(nil, MemoryQueueOptions{LockTTL: -time.Second}); err == nil {
		t.Fatalf("negative lock ttl must be rejected")
	}
}

func TestQueuePriorityThenSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	q := newTestQueue(t, store, MemoryQueueOptions{})

	// C and B share the top priority, A sits below; C enqueued before B
	if err := q.Enqueue(ctx, []string{"C"}, "gpu", 5); err != nil {
		t.Fatalf("enqueue C: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := q.Enqueue(ctx, []string{"B"}, "gpu", 5); err != nil {
		t.Fatalf("enqueue B: %v", err)
	}
	if err := q.Enqueue(ctx, []string{"A"}, "gpu", 1); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}

	handles, err := q.Pull(ctx, 3)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	got := make([]string, 0, len(handles))
	for _, h := range handles {
		got = append(got, h.TaskID())
	}
	want := []string{"C", "B", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("claim order: got %v, want %v", got, want)
		}
	}
}

func TestQueueMetrics(t *testing.T) {
	observability.Default.Reset()
	ctx := context.Background()
	store := NewMemoryQueueStore()
	q := newTestQueue(t, store, MemoryQueueOptions{})

	if err := q.Enqueue(ctx, []string{"t1", "t2"}, "gpu", 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	handles, err := q.Pull(ctx, 2)
	if err != nil || len(handles) != 2 {
		t.Fatalf("pull: %v %v", handles, err)
	}
	if err := handles[0].Finalize(ctx, DispositionProcessed); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	snap := observability.Default.Snapshot()
	counters := make(map[string]float64)
	for _, c := range snap.Counters {
		counters[c.Name] = c.Value
	}
	if counters["queue_claims_total"] != 2 {
		t.Fatalf("expected 2 claims, got %v", counters)
	}
	if counters["queue_acks_total"] != 1 {
		t.Fatalf("expected 1 ack, got %v", counters)
	}
	var depth *float64
	for _, g := range snap.Gauges {
		if g.Name == "queue_depth" && g.Labels["partition"] == "gpu" {
			v := g.Value
			depth = &v
		}
	}
	if depth == nil || *depth != 1 {
		t.Fatalf("expected gpu depth 1, got %v", snap.Gauges)
	}
}

// Two pullers sharing a store must never hold the same message at once.
func TestQueueLeaseMutualExclusion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	q1 := newTestQueue(t, store, MemoryQueueOptions{})
	q2 := newTestQueue(t, store, MemoryQueueOptions{})

	ids := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		ids = append(ids, fmt.Sprintf("task-%02d", i))
	}
	if err := q1.Enqueue(ctx, ids, "gpu", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for _, q := range []*MemoryQueue{q1, q2} {
		wg.Add(1)
		go func(q *MemoryQueue) {
			defer wg.Done()
			for {
				pullCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
				handles, err := q.Pull(pullCtx, 5)
				cancel()
				if err != nil {
					return // timed out: queue drained
				}
				mu.Lock()
				for _, h := range handles {
					claimed[h.MessageID()]++
				}
				mu.Unlock()
			}
		}(q)
	}
	wg.Wait()

	if len(claimed) != 50 {
		t.Fatalf("expected 50 distinct claims, got %d", len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("message %s claimed %d times while leased", id, n)
		}
	}
}

func TestQueueLeaseExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	q1 := newTestQueue(t, store, MemoryQueueOptions{LockTTL: 20 * time.Millisecond})
	q2 := newTestQueue(t, store, MemoryQueueOptions{LockTTL: time.Minute})

	if err := q1.Enqueue(ctx, []string{"t1"}, "gpu", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := q1.Pull(ctx, 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("first pull: %v (%d handles)", err, len(first))
	}

	// q1 stops renewing; after the TTL the message is claimable again
	time.Sleep(30 * time.Millisecond)
	second, err := q2.Pull(ctx, 1)
	if err != nil || len(second) != 1 {
		t.Fatalf("second pull: %v (%d handles)", err, len(second))
	}
	if second[0].TaskID() != "t1" {
		t.Fatalf("expected the expired message, got %s", second[0].TaskID())
	}

	// the original holder lost the lease: renewal must fail
	ok, err := first[0].RenewDeadline(ctx)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if ok {
		t.Fatalf("renewal must fail after the lease moved")
	}
}

func TestQueueRenewKeepsLease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	q1 := newTestQueue(t, store, MemoryQueueOptions{LockTTL: 30 * time.Millisecond})
	q2 := newTestQueue(t, store, MemoryQueueOptions{LockTTL: 30 * time.Millisecond})

	if err := q1.Enqueue(ctx, []string{"t1"}, "gpu", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	handles, err := q1.Pull(ctx, 1)
	if err != nil || len(handles) != 1 {
		t.Fatalf("pull: %v", err)
	}
	for i := 0; i < 4; i++ {
		time.Sleep(15 * time.Millisecond)
		ok, err := handles[0].RenewDeadline(ctx)
		if err != nil || !ok {
			t.Fatalf("renew %d: ok=%v err=%v", i, ok, err)
		}
	}
	// lease held throughout: the competitor must find nothing
	pullCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := q2.Pull(pullCtx, 1); err == nil {
		t.Fatalf("competitor must not claim a renewed lease")
	}
}

func TestQueueDispositions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	q := newTestQueue(t, store, MemoryQueueOptions{})

	pull := func() MessageHandle {
		t.Helper()
		handles, err := q.Pull(ctx, 1)
		if err != nil || len(handles) != 1 {
			t.Fatalf("pull: %v", err)
		}
		return handles[0]
	}
	drained := func() bool {
		pullCtx, cancel := context.WithTimeout(ctx, 15*time.Millisecond)
		defer cancel()
		_, err := q.Pull(pullCtx, 1)
		return err != nil
	}

	// processed deletes
	if err := q.Enqueue(ctx, []string{"t1"}, "gpu", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := pull().Finalize(ctx, DispositionProcessed); err != nil {
		t.Fatalf("finalize processed: %v", err)
	}
	if !drained() {
		t.Fatalf("processed message must be gone")
	}

	// failed releases immediately
	if err := q.Enqueue(ctx, []string{"t2"}, "gpu", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := pull().Finalize(ctx, DispositionFailed); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	again := pull()
	if again.TaskID() != "t2" {
		t.Fatalf("failed message must be reclaimable, got %s", again.TaskID())
	}

	// postponed goes behind a fresh equal-priority message
	if err := q.Enqueue(ctx, []string{"t3"}, "gpu", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := again.Finalize(ctx, DispositionPostponed); err != nil {
		t.Fatalf("finalize postponed: %v", err)
	}
	order := []string{pull().TaskID(), pull().TaskID()}
	if order[0] != "t3" || order[1] != "t2" {
		t.Fatalf("postponed message must yield its slot, got %v", order)
	}
}

func TestQueueReapExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	q := newTestQueue(t, store, MemoryQueueOptions{LockTTL: 10 * time.Millisecond})

	if err := q.Enqueue(ctx, []string{"t1", "t2"}, "gpu", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Pull(ctx, 2); err != nil {
		t.Fatalf("pull: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	n, err := q.ReapExpired(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 reaped leases, got %d", n)
	}
	// reap is idempotent
	n, err = q.ReapExpired(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second reap: n=%d err=%v", n, err)
	}
}

func TestQueuePartitionIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueueStore()
	gpu := newTestQueue(t, store, MemoryQueueOptions{PartitionID: "gpu"})
	cpu := newTestQueue(t, store, MemoryQueueOptions{PartitionID: "cpu"})

	if err := gpu.Enqueue(ctx, []string{"g1"}, "gpu", 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	pullCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := cpu.Pull(pullCtx, 1); err == nil {
		t.Fatalf("cpu puller must not see gpu messages")
	}
	handles, err := gpu.Pull(ctx, 1)
	if err != nil || len(handles) != 1 || handles[0].TaskID() != "g1" {
		t.Fatalf("gpu pull: %v", err)
	}
}
