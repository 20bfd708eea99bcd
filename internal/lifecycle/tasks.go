package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/taskmesh/internal/observability"
	"github.com/example/taskmesh/internal/state"
)

// TaskRequest describes one task of a submission batch.
type TaskRequest struct {
	// ID is assigned when empty.
	ID                string
	ExpectedOutputIDs []string
	DataDependencies  []string
	Options           state.TaskOptions
}

// CreateTasks validates the submission against the session, writes the task
// rows with status Creating and assigns ownership of the not-yet-owned
// expected-output results to the new tasks. Finalization is a separate step
// so that a client can submit a batch and only then arm it.
func (o *Orchestrator) CreateTasks(ctx context.Context, session state.Session, parentTaskID string, requests []TaskRequest) ([]state.Task, error) {
	ancestry := []string{session.ID}
	if parentTaskID != "" && parentTaskID != session.ID {
		parent, err := o.Tasks.GetTask(ctx, parentTaskID)
		if err != nil {
			return nil, fmt.Errorf("parent task %s: %w", parentTaskID, err)
		}
		ancestry = append(append([]string{}, parent.ParentTaskIDs...), parent.ID)
	}

	now := time.Now().UTC()
	tasks := make([]state.Task, 0, len(requests))
	for _, req := range requests {
		opts, err := MergeAndValidateOptions(session, req.Options, parentTaskID, o.Queue.MaxPriority())
		if err != nil {
			return nil, err
		}
		id := req.ID
		if id == "" {
			id = uuid.NewString()
		}
		tasks = append(tasks, state.Task{
			ID:                id,
			SessionID:         session.ID,
			ParentTaskIDs:     ancestry,
			DataDependencies:  req.DataDependencies,
			ExpectedOutputIDs: req.ExpectedOutputIDs,
			InitialTaskID:     id,
			Status:            state.TaskCreating,
			Options:           opts,
			CreatedAt:         now,
		})
	}
	if err := o.Tasks.CreateTasks(ctx, tasks); err != nil {
		return nil, err
	}
	if err := o.assignUnownedOutputs(ctx, session.ID, tasks); err != nil {
		return nil, err
	}
	observability.Default.IncCounter("tasks_created_total", map[string]string{"session": session.ID}, float64(len(tasks)))
	return tasks, nil
}

// assignUnownedOutputs gives each new task the expected-output results that
// have no owner yet. The pre-read only trims the request; the store update
// itself refuses to overwrite an owner, so a racing submission cannot steal a
// result. Ownership moves only through the explicit transfer in finalization.
func (o *Orchestrator) assignUnownedOutputs(ctx context.Context, sessionID string, tasks []state.Task) error {
	ids := make([]string, 0)
	owner := make(map[string]string)
	for _, t := range tasks {
		for _, resultID := range t.ExpectedOutputIDs {
			ids = append(ids, resultID)
			owner[resultID] = t.ID
		}
	}
	if len(ids) == 0 {
		return nil
	}
	results, err := o.Results.FindResults(ctx, state.ResultFilter{IDs: ids, SessionID: sessionID}, []string{"OwnerTaskID"})
	if err != nil {
		return err
	}
	ownerships := make([]state.ResultOwnership, 0, len(results))
	for _, r := range results {
		if r.OwnerTaskID != "" {
			continue
		}
		ownerships = append(ownerships, state.ResultOwnership{ResultID: r.ID, TaskID: owner[r.ID]})
	}
	if len(ownerships) == 0 {
		return nil
	}
	return o.Results.SetTaskOwnership(ctx, sessionID, ownerships)
}

// FinalizeTaskCreation arms a created batch: transfers still-open parent
// outputs to the new tasks, registers dependency edges, flips
// Creating to Pending, and enqueues the tasks that are already ready.
func (o *Orchestrator) FinalizeTaskCreation(ctx context.Context, session state.Session, parentTaskID string, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	tasks, err := o.Tasks.FindTasks(ctx, state.TaskFilter{IDs: taskIDs, SessionID: session.ID}, []string{"ExpectedOutputIDs", "DataDependencies"})
	if err != nil {
		return err
	}

	if parentTaskID != "" && parentTaskID != session.ID {
		transfers := make([]state.OwnershipTransfer, 0, len(tasks))
		for _, t := range tasks {
			if len(t.ExpectedOutputIDs) == 0 {
				continue
			}
			transfers = append(transfers, state.OwnershipTransfer{ResultIDs: t.ExpectedOutputIDs, NewTaskID: t.ID})
		}
		if len(transfers) > 0 {
			if err := o.Results.ChangeResultOwnership(ctx, session.ID, parentTaskID, transfers); err != nil {
				return err
			}
		}
	}

	if err := o.prepareTaskDependencies(ctx, tasks); err != nil {
		return err
	}

	if _, err := o.Tasks.UpdateManyTasks(ctx,
		state.TaskFilter{IDs: taskIDs, Statuses: []string{state.TaskCreating}},
		[]state.TaskUpdate{{Field: state.TaskFieldStatus, Value: state.TaskPending}},
	); err != nil {
		return err
	}

	current, err := o.Tasks.FindTasks(ctx, state.TaskFilter{IDs: taskIDs, Statuses: []string{state.TaskPending}}, []string{"DataDependencies", "Options"})
	if err != nil {
		return err
	}
	ready := make([]state.Task, 0, len(current))
	for _, t := range current {
		if len(t.DataDependencies) == 0 {
			ready = append(ready, t)
		}
	}
	return o.enqueueReady(ctx, ready)
}

// prepareTaskDependencies registers reverse dependency edges for results that
// are still unresolved, then re-checks completion. A result that completes in
// the window between the check and the edge write is struck immediately
// afterwards; both the registration and the strike are idempotent, so the
// race closes without locking.
func (o *Orchestrator) prepareTaskDependencies(ctx context.Context, tasks []state.Task) error {
	depIDs := make([]string, 0)
	seen := make(map[string]struct{})
	for _, t := range tasks {
		for _, dep := range t.DataDependencies {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			depIDs = append(depIDs, dep)
		}
	}
	if len(depIDs) == 0 {
		return nil
	}

	resolved, err := o.resolvedResultIDs(ctx, depIDs)
	if err != nil {
		return err
	}
	edges := make(map[string][]string)
	for _, t := range tasks {
		for _, dep := range t.DataDependencies {
			if _, ok := resolved[dep]; ok {
				continue
			}
			edges[dep] = append(edges[dep], t.ID)
		}
	}
	if len(edges) > 0 {
		if err := o.Results.AddTaskDependencies(ctx, edges); err != nil {
			return err
		}
	}

	// second check: anything that completed while edges were being written
	resolved, err = o.resolvedResultIDs(ctx, depIDs)
	if err != nil {
		return err
	}
	if len(resolved) == 0 {
		return nil
	}
	resolvedIDs := make([]string, 0, len(resolved))
	for id := range resolved {
		resolvedIDs = append(resolvedIDs, id)
	}
	taskIDs := make([]string, 0, len(tasks))
	for _, t := range tasks {
		taskIDs = append(taskIDs, t.ID)
	}
	_, err = o.Tasks.RemoveRemainingDataDependencies(ctx, taskIDs, resolvedIDs)
	return err
}

func (o *Orchestrator) resolvedResultIDs(ctx context.Context, resultIDs []string) (map[string]struct{}, error) {
	results, err := o.Results.FindResults(ctx, state.ResultFilter{IDs: resultIDs}, []string{"Status"})
	if err != nil {
		return nil, err
	}
	resolved := make(map[string]struct{})
	for _, r := range results {
		if r.Status == state.ResultCompleted || r.Status == state.ResultAborted {
			resolved[r.ID] = struct{}{}
		}
	}
	return resolved, nil
}

// ResolveDependencies reacts to completed results: it strikes them from the
// pending sets of every dependent task and enqueues the tasks that became
// ready through this call. Safe to invoke redundantly; the atomic strike
// reports each task ready at most once.
func (o *Orchestrator) ResolveDependencies(ctx context.Context, completedResultIDs []string) error {
	if len(completedResultIDs) == 0 {
		return nil
	}
	results, err := o.Results.FindResults(ctx, state.ResultFilter{IDs: completedResultIDs}, []string{"DependentTasks"})
	if err != nil {
		return err
	}
	dependents := make([]string, 0)
	seen := make(map[string]struct{})
	for _, r := range results {
		for _, taskID := range r.DependentTasks {
			if _, ok := seen[taskID]; ok {
				continue
			}
			seen[taskID] = struct{}{}
			dependents = append(dependents, taskID)
		}
	}
	if len(dependents) == 0 {
		return nil
	}
	ready, err := o.Tasks.RemoveRemainingDataDependencies(ctx, dependents, completedResultIDs)
	if err != nil {
		return err
	}
	// tasks still in Creating are picked up by their own finalization
	pending := make([]state.Task, 0, len(ready))
	for _, t := range ready {
		if t.Status == state.TaskPending {
			pending = append(pending, t)
		}
	}
	return o.enqueueReady(ctx, pending)
}

// enqueueReady pushes tasks to the queue grouped by (partition, priority) in
// bounded chunks, then flips them to Submitted. Enqueue happens first: a
// crash in between yields a duplicate message on retry, which the acquire
// CAS downstream already tolerates.
func (o *Orchestrator) enqueueReady(ctx context.Context, tasks []state.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	type group struct {
		partition string
		priority  int
	}
	grouped := make(map[group][]string)
	for _, t := range tasks {
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
				return err
			}
		}
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	if _, err := o.Tasks.UpdateManyTasks(ctx,
		state.TaskFilter{IDs: ids, Statuses: []string{state.TaskPending}},
		[]state.TaskUpdate{
			{Field: state.TaskFieldStatus, Value: state.TaskSubmitted},
			{Field: state.TaskFieldSubmittedAt, Value: time.Now().UTC()},
		},
	); err != nil {
		return err
	}
	observability.Default.IncCounter("tasks_submitted_total", nil, float64(len(tasks)))
	return nil
}

// CompleteTask records how a task ended. Success flips it to Completed and
// drops the input payload. Failure flips it to Retried and spawns a retry
// while attempts remain, otherwise to Error followed by a cascading abort of
// its expected outputs. Only the caller whose status flip sticks performs
// the follow-up work.
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID string, output state.Output) error {
	task, err := o.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	if output.Success {
		_, err := o.Tasks.UpdateOneTask(ctx, taskID,
			&state.TaskFilter{Statuses: nonTerminalTaskStatuses},
			[]state.TaskUpdate{
				{Field: state.TaskFieldStatus, Value: state.TaskCompleted},
				{Field: state.TaskFieldOutput, Value: output},
				{Field: state.TaskFieldProcessedAt, Value: now},
				{Field: state.TaskFieldEndedAt, Value: now},
			}, false)
		if err != nil {
			if state.IsBenignConflict(err) {
				return nil
			}
			return err
		}
		if o.Objects != nil {
			if err := o.Objects.Delete(ctx, []string{taskID}); err != nil {
				return err
			}
		}
		observability.Default.IncCounter("tasks_completed_total", nil, 1)
		return nil
	}

	retrying := len(task.RetryOfIDs) < task.Options.MaxRetries
	finalStatus := state.TaskError
	if retrying {
		finalStatus = state.TaskRetried
	}
	_, err = o.Tasks.UpdateOneTask(ctx, taskID,
		&state.TaskFilter{Statuses: nonTerminalTaskStatuses},
		[]state.TaskUpdate{
			{Field: state.TaskFieldStatus, Value: finalStatus},
			{Field: state.TaskFieldOutput, Value: output},
			{Field: state.TaskFieldEndedAt, Value: now},
		}, false)
	if err != nil {
		if state.IsBenignConflict(err) {
			return nil
		}
		return err
	}
	if retrying {
		return o.retryTask(ctx, task)
	}
	observability.Default.IncCounter("tasks_failed_total", nil, 1)
	return o.AbortTasksAndResults(ctx, task.SessionID, []string{taskID}, output.Error)
}

// retryTask spawns the next attempt under the retry id contract
// initialTaskID###attempt, moves the still-open expected outputs over and
// finalizes the new task.
func (o *Orchestrator) retryTask(ctx context.Context, failed state.Task) error {
	attempt := len(failed.RetryOfIDs) + 1
	retryID := fmt.Sprintf("%s###%d", failed.InitialTaskID, attempt)
	retry := state.Task{
		ID:                retryID,
		SessionID:         failed.SessionID,
		ParentTaskIDs:     failed.ParentTaskIDs,
		DataDependencies:  failed.DataDependencies,
		ExpectedOutputIDs: failed.ExpectedOutputIDs,
		InitialTaskID:     failed.InitialTaskID,
		RetryOfIDs:        append(append([]string{}, failed.RetryOfIDs...), failed.ID),
		Status:            state.TaskCreating,
		Options:           failed.Options,
		CreatedAt:         time.Now().UTC(),
	}
	if err := o.Tasks.CreateTasks(ctx, []state.Task{retry}); err != nil {
		// a concurrent completer already spawned this attempt
		if errors.Is(err, state.ErrTaskAlreadyExists) {
			return nil
		}
		return err
	}
	if len(failed.ExpectedOutputIDs) > 0 {
		if err := o.Results.ChangeResultOwnership(ctx, failed.SessionID, failed.ID,
			[]state.OwnershipTransfer{{ResultIDs: failed.ExpectedOutputIDs, NewTaskID: retryID}},
		); err != nil {
			return err
		}
	}
	observability.Default.IncCounter("tasks_retried_total", nil, 1)
	session, err := o.Sessions.GetSession(ctx, failed.SessionID)
	if err != nil {
		return err
	}
	return o.FinalizeTaskCreation(ctx, session, failed.SessionID, []string{retryID})
}
