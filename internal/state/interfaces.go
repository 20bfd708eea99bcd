package state

import (
	"context"
	"time"
)

// TaskStore persists tasks. All mutating calls are atomic conditional
// updates; a guard that matches zero rows surfaces as ErrTaskNotFound, which
// callers may treat as a benign lost race.
type TaskStore interface {
	CreateTasks(ctx context.Context, tasks []Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	// UpdateOneTask applies updates to the task matching id and the optional
	// guard. Returns the document image before or after the update.
	UpdateOneTask(ctx context.Context, taskID string, guard *TaskFilter, updates []TaskUpdate, returnBefore bool) (*Task, error)
	UpdateManyTasks(ctx context.Context, filter TaskFilter, updates []TaskUpdate) (int64, error)
	BulkUpdateTasks(ctx context.Context, updates []TaskBulkUpdate) (int64, error)
	// FindTasks and ListTasks return the fields named by projection, or full
	// documents when projection is empty. ID and SessionID are always kept.
	FindTasks(ctx context.Context, filter TaskFilter, projection []string) ([]Task, error)
	ListTasks(ctx context.Context, filter TaskFilter, projection []string, page Page) ([]Task, int64, error)
	DeleteTask(ctx context.Context, taskID string) error
	DeleteTasks(ctx context.Context, taskIDs []string) error
	DeleteSessionTasks(ctx context.Context, sessionID string) error
	// RemoveRemainingDataDependencies strikes the resolved result ids from the
	// pending-dependency set of each task and returns the tasks whose set
	// became empty as a result of this very call. A task is reported at most
	// once across concurrent callers.
	RemoveRemainingDataDependencies(ctx context.Context, taskIDs, resolved []string) ([]Task, error)
	CountTasksByStatus(ctx context.Context, filter TaskFilter) ([]StatusCount, error)
	CountPartitionTasks(ctx context.Context) ([]PartitionStatusCount, error)
}

// ResultStore persists results. Cross-entity propagation (dependency
// resolution, cascade abort) lives in the lifecycle package; this store only
// mutates result rows.
type ResultStore interface {
	CreateResults(ctx context.Context, results []Result) error
	GetResult(ctx context.Context, resultID string) (Result, error)
	// AddTaskDependencies appends task ids to the dependent-task list of each
	// result. Idempotent set union; results that do not exist are skipped.
	AddTaskDependencies(ctx context.Context, dependencies map[string][]string) error
	// SetTaskOwnership assigns owners to unowned results still in Created.
	// The no-overwrite guard is part of the conditional update; an owner
	// already set to the requested task counts as matched so retries are
	// idempotent. Any other mismatch between requested and matched counts is
	// ErrResultNotFound.
	SetTaskOwnership(ctx context.Context, sessionID string, ownerships []ResultOwnership) error
	// ChangeResultOwnership moves still-open results from oldTaskID to new
	// owners. Only results with status Created and owner oldTaskID move.
	ChangeResultOwnership(ctx context.Context, sessionID, oldTaskID string, transfers []OwnershipTransfer) error
	UpdateOneResult(ctx context.Context, resultID string, guard *ResultFilter, updates []ResultUpdate, returnBefore bool) (*Result, error)
	UpdateManyResults(ctx context.Context, filter ResultFilter, updates []ResultUpdate) (int64, error)
	// FindResults and ListResults honor projection the same way the task
	// store does.
	FindResults(ctx context.Context, filter ResultFilter, projection []string) ([]Result, error)
	ListResults(ctx context.Context, filter ResultFilter, projection []string, page Page) ([]Result, int64, error)
	DeleteResult(ctx context.Context, resultID string) error
	DeleteSessionResults(ctx context.Context, sessionID string) error
}

// SessionStore persists session metadata. Status moves only through
// compare-and-swap updates.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) (string, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	UpdateOneSession(ctx context.Context, sessionID string, guard *SessionFilter, updates []SessionUpdate, returnBefore bool) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter, page Page) ([]Session, int64, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

type PartitionStore interface {
	CreatePartition(ctx context.Context, partition Partition) error
	GetPartition(ctx context.Context, partitionID string) (Partition, error)
	ArePartitionsExisting(ctx context.Context, partitionIDs []string) (bool, error)
	ListPartitions(ctx context.Context, page Page) ([]Partition, int64, error)
	DeletePartition(ctx context.Context, partitionID string) error
}

// Disposition of a pulled message when its handle is finalized.
type Disposition int

const (
	// DispositionProcessed deletes the message.
	DispositionProcessed Disposition = iota
	// DispositionFailed clears the lease so the message is immediately
	// re-claimable.
	DispositionFailed
	// DispositionRejected deletes the message (poisonous payload).
	DispositionRejected
	// DispositionPostponed clears the lease and sends the message to the back
	// of its priority class.
	DispositionPostponed
)

// MessageHandle is a leased queue message. The lease must be renewed before
// expiry or another puller may claim the message.
type MessageHandle interface {
	MessageID() string
	TaskID() string
	// RenewDeadline extends the lease. ok is false when the lease was lost
	// (owner changed or message gone).
	RenewDeadline(ctx context.Context) (ok bool, err error)
	Finalize(ctx context.Context, disposition Disposition) error
}

// LockedQueue is a lease-based message queue without a central coordinator.
// Mutual exclusion rests entirely on atomic compare-and-swap of the
// OwnerID/OwnedUntil pair.
type LockedQueue interface {
	Enqueue(ctx context.Context, taskIDs []string, partitionID string, priority int) error
	// Pull claims up to n messages, sleeping between unsuccessful attempts
	// until ctx is cancelled. Claim order is priority descending then
	// submission date ascending, best effort under contention.
	Pull(ctx context.Context, n int) ([]MessageHandle, error)
	LockRefreshPeriodicity() time.Duration
	LockRefreshExtension() time.Duration
	MaxPriority() int
	AreMessagesUnique() bool
}

// Watch event plumbing. Backends emit raw mutation events; the watch package
// turns them into typed domain events.

type EntityKind int

const (
	EntityTask EntityKind = iota
	EntityResult
	EntitySession
)

type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

// ChangeEvent is a raw mutation notification carrying the full post-image of
// the changed document. Per-document ordering follows the mutation order;
// there is no cross-document ordering promise.
type ChangeEvent struct {
	Entity        EntityKind
	Op            OpKind
	DocID         string
	ChangedFields []string
	Task          *Task
	Result        *Result
	Session       *Session
}

// WatchFilter restricts a subscription by entity, operation kinds and
// changed fields. Empty slices mean no restriction.
type WatchFilter struct {
	Entity        EntityKind
	Ops           []OpKind
	ChangedFields []string
}

// Watcher exposes a forward-only change feed. Streams are not resumable: a
// dropped subscription must re-subscribe and accept possible gaps.
type Watcher interface {
	Watch(ctx context.Context, filter WatchFilter) (*EventStream, error)
}

// EventStream delivers change events until the subscription context ends.
type EventStream struct {
	ch     chan ChangeEvent
	cancel context.CancelFunc
}

// Next blocks until an event arrives, the stream closes, or ctx is done.
func (s *EventStream) Next(ctx context.Context) (ChangeEvent, bool) {
	select {
	case <-ctx.Done():
		return ChangeEvent{}, false
	case ev, ok := <-s.ch:
		return ev, ok
	}
}

// Close terminates the subscription.
func (s *EventStream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (f WatchFilter) matches(ev ChangeEvent) bool {
	if ev.Entity != f.Entity {
		return false
	}
	if len(f.Ops) > 0 {
		found := false
		for _, op := range f.Ops {
			if op == ev.Op {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.ChangedFields) > 0 {
		if ev.Op != OpUpdate {
			return false
		}
		for _, want := range f.ChangedFields {
			for _, got := range ev.ChangedFields {
				if want == got {
					return true
				}
			}
		}
		return false
	}
	return true
}
