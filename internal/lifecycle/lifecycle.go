// Package lifecycle holds the cross-entity orchestration: everything that
// touches more than one of the task, result and session stores. There are no
// multi-entity transactions; every algorithm here is written so that a crash
// mid-way leaves a state from which a retry converges to the same end state.
package lifecycle

import (
	"fmt"

	"github.com/example/taskmesh/internal/objects"
	"github.com/example/taskmesh/internal/state"
)

const defaultEnqueueChunkSize = 100

// Orchestrator wires the stores, the queue and the payload storage together.
// Objects may be nil; payload deletion is then skipped.
type Orchestrator struct {
	Tasks      state.TaskStore
	Results    state.ResultStore
	Sessions   state.SessionStore
	Partitions state.PartitionStore
	Queue      state.LockedQueue
	Objects    objects.Store

	// EnqueueChunkSize bounds a single enqueue burst on resume and
	// finalization. Zero means the default.
	EnqueueChunkSize int
}

func (o *Orchestrator) chunkSize() int {
	if o.EnqueueChunkSize > 0 {
		return o.EnqueueChunkSize
	}
	return defaultEnqueueChunkSize
}

// nonTerminalTaskStatuses are the statuses a task can still leave.
var nonTerminalTaskStatuses = []string{
	state.TaskCreating,
	state.TaskPending,
	state.TaskPaused,
	state.TaskSubmitted,
	state.TaskDispatched,
	state.TaskProcessing,
	state.TaskCancelling,
}

// MergeAndValidateOptions overlays the requested options on the session
// defaults and enforces the submission rules: the acting side's submission
// flag must be open (client when parentTaskID is the session id, worker
// otherwise), the target partition must be allowed by the session, and the
// priority must not exceed the queue's ceiling.
func MergeAndValidateOptions(session state.Session, requested state.TaskOptions, parentTaskID string, maxPriority int) (state.TaskOptions, error) {
	merged := requested.Merge(session.DefaultTaskOptions)
	clientSubmission := parentTaskID == "" || parentTaskID == session.ID
	if clientSubmission && !session.ClientSubmission {
		return state.TaskOptions{}, fmt.Errorf("session %s: client submission: %w", session.ID, state.ErrSubmissionClosed)
	}
	if !clientSubmission && !session.WorkerSubmission {
		return state.TaskOptions{}, fmt.Errorf("session %s: worker submission: %w", session.ID, state.ErrSubmissionClosed)
	}
	if merged.PartitionID == "" && len(session.PartitionIDs) > 0 {
		merged.PartitionID = session.PartitionIDs[0]
	}
	if len(session.PartitionIDs) > 0 && !containsString(session.PartitionIDs, merged.PartitionID) {
		return state.TaskOptions{}, fmt.Errorf("partition %s is not allowed by session %s: %w", merged.PartitionID, session.ID, state.ErrPartitionNotFound)
	}
	if merged.Priority > maxPriority {
		return state.TaskOptions{}, fmt.Errorf("priority %d exceeds maximum %d", merged.Priority, maxPriority)
	}
	return merged, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
