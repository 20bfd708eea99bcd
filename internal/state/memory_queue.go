package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/taskmesh/internal/observability"
)

// MemoryQueueOptions configure an in-process locked queue. LockTTL must be
// strictly positive; the other durations fall back to defaults when zero.
type MemoryQueueOptions struct {
	// PartitionID restricts Pull to a single partition. Empty pulls from all.
	PartitionID string
	// LockTTL is how far a claim or renewal pushes OwnedUntil into the future.
	LockTTL time.Duration
	// RefreshPeriodicity is the advertised renewal cadence for pullers.
	RefreshPeriodicity time.Duration
	// PollPeriod is the sleep between empty claim attempts.
	PollPeriod time.Duration
	MaxPriority int
}

// MemoryQueue is the process-local LockedQueue. Several MemoryQueue values
// can share one backing store to simulate competing pollers.
type MemoryQueue struct {
	store   *MemoryQueueStore
	ownerID string
	opts    MemoryQueueOptions
}

// MemoryQueueStore holds the messages shared by every MemoryQueue bound to it.
type MemoryQueueStore struct {
	mu       sync.Mutex
	messages map[string]*QueueMessage
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{messages: make(map[string]*QueueMessage)}
}

func NewMemoryQueue(store *MemoryQueueStore, opts MemoryQueueOptions) (*MemoryQueue, error) {
	if opts.LockTTL <= 0 {
		return nil, fmt.Errorf("lock ttl must be strictly positive, got %v", opts.LockTTL)
	}
	if opts.RefreshPeriodicity <= 0 {
		opts.RefreshPeriodicity = opts.LockTTL / 2
	}
	if opts.PollPeriod <= 0 {
		opts.PollPeriod = 100 * time.Millisecond
	}
	if opts.MaxPriority <= 0 {
		opts.MaxPriority = 9
	}
	if store == nil {
		store = NewMemoryQueueStore()
	}
	return &MemoryQueue{
		store:   store,
		ownerID: uuid.NewString(),
		opts:    opts,
	}, nil
}

func (q *MemoryQueue) Enqueue(_ context.Context, taskIDs []string, partitionID string, priority int) error {
	if priority < 0 {
		priority = 0
	}
	if priority > q.opts.MaxPriority {
		priority = q.opts.MaxPriority
	}
	now := time.Now().UTC()
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	for _, taskID := range taskIDs {
		id := uuid.NewString()
		q.store.messages[id] = &QueueMessage{
			MessageID:      id,
			TaskID:         taskID,
			PartitionID:    partitionID,
			Priority:       priority,
			SubmissionDate: now,
		}
	}
	q.publishDepth(partitionID)
	return nil
}

// publishDepth reports the number of messages in a partition. Callers hold
// the store mutex.
func (q *MemoryQueue) publishDepth(partitionID string) {
	n := 0
	for _, msg := range q.store.messages {
		if msg.PartitionID == partitionID {
			n++
		}
	}
	observability.Default.SetGauge("queue_depth", map[string]string{"partition": partitionID}, float64(n))
}

// Pull claims up to n messages, retrying until at least one claim succeeds or
// ctx ends. Claiming and lease-stamping happen in a single critical section,
// which is the in-memory analogue of the backend's atomic claim update.
func (q *MemoryQueue) Pull(ctx context.Context, n int) ([]MessageHandle, error) {
	if n <= 0 {
		return nil, nil
	}
	for {
		handles := q.tryClaim(n)
		if len(handles) > 0 {
			return handles, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.opts.PollPeriod):
		}
	}
}

func (q *MemoryQueue) tryClaim(n int) []MessageHandle {
	now := time.Now().UTC()
	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	candidates := make([]*QueueMessage, 0)
	for _, msg := range q.store.messages {
		if q.opts.PartitionID != "" && msg.PartitionID != q.opts.PartitionID {
			continue
		}
		if msg.OwnerID != "" && msg.OwnedUntil.After(now) {
			continue
		}
		candidates = append(candidates, msg)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].SubmissionDate.Before(candidates[j].SubmissionDate)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	handles := make([]MessageHandle, 0, len(candidates))
	for _, msg := range candidates {
		msg.OwnerID = q.ownerID
		msg.OwnedUntil = now.Add(q.opts.LockTTL)
		handles = append(handles, &memMessageHandle{
			queue:     q,
			messageID: msg.MessageID,
			taskID:    msg.TaskID,
		})
	}
	if len(handles) > 0 {
		observability.Default.IncCounter("queue_claims_total", nil, float64(len(handles)))
	}
	return handles
}

// ReapExpired clears leases whose deadline passed. The claim predicate
// already skips them; reaping only makes queue inspection honest.
func (q *MemoryQueue) ReapExpired(_ context.Context) (int64, error) {
	now := time.Now().UTC()
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	var n int64
	for _, msg := range q.store.messages {
		if msg.OwnerID != "" && !msg.OwnedUntil.After(now) {
			msg.OwnerID = ""
			msg.OwnedUntil = time.Time{}
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) LockRefreshPeriodicity() time.Duration { return q.opts.RefreshPeriodicity }
func (q *MemoryQueue) LockRefreshExtension() time.Duration   { return q.opts.LockTTL }
func (q *MemoryQueue) MaxPriority() int                      { return q.opts.MaxPriority }

// AreMessagesUnique is false: enqueueing the same task twice yields two
// independent messages.
func (q *MemoryQueue) AreMessagesUnique() bool { return false }

type memMessageHandle struct {
	queue     *MemoryQueue
	messageID string
	taskID    string
}

func (h *memMessageHandle) MessageID() string { return h.messageID }
func (h *memMessageHandle) TaskID() string    { return h.taskID }

// RenewDeadline extends the lease iff this puller still owns the message.
func (h *memMessageHandle) RenewDeadline(_ context.Context) (bool, error) {
	q := h.queue
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	msg, ok := q.store.messages[h.messageID]
	if !ok || msg.OwnerID != q.ownerID {
		return false, nil
	}
	msg.OwnedUntil = time.Now().UTC().Add(q.opts.LockTTL)
	return true, nil
}

func (h *memMessageHandle) Finalize(_ context.Context, disposition Disposition) error {
	q := h.queue
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	msg, ok := q.store.messages[h.messageID]
	if !ok {
		return nil
	}
	switch disposition {
	case DispositionProcessed, DispositionRejected:
		delete(q.store.messages, h.messageID)
		q.publishDepth(msg.PartitionID)
		if disposition == DispositionProcessed {
			observability.Default.IncCounter("queue_acks_total", nil, 1)
		}
	case DispositionFailed:
		if msg.OwnerID == q.ownerID {
			msg.OwnerID = ""
			msg.OwnedUntil = time.Time{}
		}
	case DispositionPostponed:
		if msg.OwnerID == q.ownerID {
			msg.OwnerID = ""
			msg.OwnedUntil = time.Time{}
			msg.SubmissionDate = time.Now().UTC()
		}
	default:
		return fmt.Errorf("unknown disposition %d", disposition)
	}
	return nil
}
