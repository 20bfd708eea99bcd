package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/example/taskmesh/internal/observability"
	"github.com/example/taskmesh/internal/state"
)

// CreateSession validates the partition list and opens a Running session with
// both submission flags set.
func (o *Orchestrator) CreateSession(ctx context.Context, partitionIDs []string, defaults state.TaskOptions) (string, error) {
	if len(partitionIDs) > 0 {
		ok, err := o.Partitions.ArePartitionsExisting(ctx, partitionIDs)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("session partitions: %w", state.ErrPartitionNotFound)
		}
		if defaults.PartitionID != "" && !containsString(partitionIDs, defaults.PartitionID) {
			return "", fmt.Errorf("default partition %s not in session partitions: %w", defaults.PartitionID, state.ErrPartitionNotFound)
		}
	}
	id, err := o.Sessions.CreateSession(ctx, state.Session{
		PartitionIDs:       partitionIDs,
		DefaultTaskOptions: defaults,
	})
	if err != nil {
		return "", err
	}
	observability.Default.IncCounter("sessions_created_total", nil, 1)
	return id, nil
}

// transitionSession performs the guarded CAS and, on a zero match,
// re-reads the session to classify the failure: a deleted session surfaces
// as not-found, anything else as an invalid transition carrying the
// observed status.
func (o *Orchestrator) transitionSession(ctx context.Context, sessionID string, from []string, target string, updates []state.SessionUpdate) (state.Session, error) {
	after, err := o.Sessions.UpdateOneSession(ctx, sessionID, &state.SessionFilter{Statuses: from}, updates, false)
	if err == nil {
		return *after, nil
	}
	if !errors.Is(err, state.ErrSessionNotFound) {
		return state.Session{}, err
	}
	current, gerr := o.Sessions.GetSession(ctx, sessionID)
	if gerr != nil {
		return state.Session{}, state.ErrSessionNotFound
	}
	if current.Status == state.SessionDeleted {
		return state.Session{}, state.ErrSessionNotFound
	}
	return state.Session{}, &state.InvalidTransitionError{SessionID: sessionID, From: current.Status, To: target}
}

// CancelSession stops the session and flips its live tasks to Cancelling.
func (o *Orchestrator) CancelSession(ctx context.Context, sessionID string) (state.Session, error) {
	session, err := o.transitionSession(ctx, sessionID,
		[]string{state.SessionRunning, state.SessionPaused},
		state.SessionCancelled,
		[]state.SessionUpdate{
			{Field: state.SessionFieldStatus, Value: state.SessionCancelled},
			{Field: state.SessionFieldCancelledAt, Value: time.Now().UTC()},
			{Field: state.SessionFieldClientSubmission, Value: false},
			{Field: state.SessionFieldWorkerSubmission, Value: false},
		})
	if err != nil {
		return state.Session{}, err
	}
	n, err := o.Tasks.UpdateManyTasks(ctx,
		state.TaskFilter{SessionID: sessionID, Statuses: nonTerminalTaskStatuses},
		[]state.TaskUpdate{{Field: state.TaskFieldStatus, Value: state.TaskCancelling}},
	)
	if err != nil {
		return state.Session{}, err
	}
	log.Printf("cancelled session %s, %d tasks moved to cancelling", sessionID, n)
	observability.Default.IncCounter("sessions_cancelled_total", nil, 1)
	return session, nil
}

// PauseSession holds back dispatch: the session moves to Paused and every
// Submitted or Dispatched task is parked. Work already processing runs to
// completion.
func (o *Orchestrator) PauseSession(ctx context.Context, sessionID string) (state.Session, error) {
	session, err := o.transitionSession(ctx, sessionID,
		[]string{state.SessionRunning},
		state.SessionPaused,
		[]state.SessionUpdate{{Field: state.SessionFieldStatus, Value: state.SessionPaused}})
	if err != nil {
		return state.Session{}, err
	}
	if _, err := o.Tasks.UpdateManyTasks(ctx,
		state.TaskFilter{SessionID: sessionID, Statuses: []string{state.TaskSubmitted, state.TaskDispatched}},
		[]state.TaskUpdate{{Field: state.TaskFieldStatus, Value: state.TaskPaused}},
	); err != nil {
		return state.Session{}, err
	}
	return session, nil
}

// ResumeSession reopens the session and re-enqueues every parked task with
// its lease fields cleared, grouped by partition and priority in bounded
// chunks.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) (state.Session, error) {
	session, err := o.transitionSession(ctx, sessionID,
		[]string{state.SessionPaused},
		state.SessionRunning,
		[]state.SessionUpdate{{Field: state.SessionFieldStatus, Value: state.SessionRunning}})
	if err != nil {
		return state.Session{}, err
	}
	paused, err := o.Tasks.FindTasks(ctx, state.TaskFilter{SessionID: sessionID, Statuses: []string{state.TaskPaused}}, []string{"Options"})
	if err != nil {
		return state.Session{}, err
	}
	if len(paused) == 0 {
		return session, nil
	}

	type group struct {
		partition string
		priority  int
	}
	grouped := make(map[group][]string)
	for _, t := range paused {
		g := group{t.Options.PartitionID, t.Options.Priority}
		grouped[g] = append(grouped[g], t.ID)
	}
	chunk := o.chunkSize()
	for g, ids := range grouped {
		for start := 0; start < len(ids); start += chunk {
			end := start + chunk
			if end > len(ids) {
				end = len(ids)
			}
			if err := o.Queue.Enqueue(ctx, ids[start:end], g.partition, g.priority); err != nil {
				return state.Session{}, err
			}
		}
	}
	ids := make([]string, 0, len(paused))
	for _, t := range paused {
		ids = append(ids, t.ID)
	}
	if _, err := o.Tasks.UpdateManyTasks(ctx,
		state.TaskFilter{IDs: ids, SessionID: sessionID, Statuses: []string{state.TaskPaused}},
		[]state.TaskUpdate{
			{Field: state.TaskFieldStatus, Value: state.TaskSubmitted},
			{Field: state.TaskFieldOwnerPodID, Value: ""},
			{Field: state.TaskFieldOwnerPodName, Value: ""},
			{Field: state.TaskFieldReceivedAt, Value: time.Time{}},
			{Field: state.TaskFieldAcquiredAt, Value: time.Time{}},
		},
	); err != nil {
		return state.Session{}, err
	}
	observability.Default.IncCounter("tasks_resumed_total", nil, float64(len(paused)))
	return session, nil
}

// CloseSession forbids any further submission while letting submitted work
// drain.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) (state.Session, error) {
	return o.transitionSession(ctx, sessionID,
		[]string{state.SessionRunning, state.SessionPaused},
		state.SessionClosed,
		[]state.SessionUpdate{
			{Field: state.SessionFieldStatus, Value: state.SessionClosed},
			{Field: state.SessionFieldClosedAt, Value: time.Now().UTC()},
			{Field: state.SessionFieldClientSubmission, Value: false},
			{Field: state.SessionFieldWorkerSubmission, Value: false},
		})
}

// StopSubmission selectively closes the client or worker submission gate
// while the session keeps running.
func (o *Orchestrator) StopSubmission(ctx context.Context, sessionID string, client, worker bool) (state.Session, error) {
	updates := make([]state.SessionUpdate, 0, 2)
	if client {
		updates = append(updates, state.SessionUpdate{Field: state.SessionFieldClientSubmission, Value: false})
	}
	if worker {
		updates = append(updates, state.SessionUpdate{Field: state.SessionFieldWorkerSubmission, Value: false})
	}
	if len(updates) == 0 {
		return o.Sessions.GetSession(ctx, sessionID)
	}
	return o.transitionSession(ctx, sessionID,
		[]string{state.SessionRunning, state.SessionPaused},
		state.SessionRunning,
		updates)
}

// PurgeSession drops the payload data of a closed or cancelled session.
func (o *Orchestrator) PurgeSession(ctx context.Context, sessionID string) (state.Session, error) {
	session, err := o.transitionSession(ctx, sessionID,
		[]string{state.SessionClosed, state.SessionCancelled},
		state.SessionPurged,
		[]state.SessionUpdate{
			{Field: state.SessionFieldStatus, Value: state.SessionPurged},
			{Field: state.SessionFieldPurgedAt, Value: time.Now().UTC()},
		})
	if err != nil {
		return state.Session{}, err
	}
	if err := o.PurgeResults(ctx, sessionID); err != nil {
		return state.Session{}, err
	}
	return session, nil
}

// DeleteSession removes the session and everything it owns. Allowed from any
// status; the Deleted transition is terminal.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := o.transitionSession(ctx, sessionID,
		nil,
		state.SessionDeleted,
		[]state.SessionUpdate{
			{Field: state.SessionFieldStatus, Value: state.SessionDeleted},
			{Field: state.SessionFieldDeletedAt, Value: time.Now().UTC()},
		}); err != nil {
		return err
	}
	if err := o.Tasks.DeleteSessionTasks(ctx, sessionID); err != nil {
		return err
	}
	if err := o.Results.DeleteSessionResults(ctx, sessionID); err != nil {
		return err
	}
	if err := o.Sessions.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, state.ErrSessionNotFound) {
		return err
	}
	log.Printf("deleted session %s", sessionID)
	observability.Default.IncCounter("sessions_deleted_total", nil, 1)
	return nil
}
