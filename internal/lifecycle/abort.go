package lifecycle

import (
	"context"
	"time"

	"github.com/example/taskmesh/internal/observability"
	"github.com/example/taskmesh/internal/state"
)

// AbortTasksAndResults walks the dependency DAG from the given tasks: each
// frontier task still in a non-terminal status is marked Error, its
// still-open expected outputs are aborted, and the dependents of those
// results form the next frontier. Re-entry on already-aborted entities is a
// no-op, which bounds the walk even on malformed cyclic input.
func (o *Orchestrator) AbortTasksAndResults(ctx context.Context, sessionID string, rootTaskIDs []string, reason string) error {
	visited := make(map[string]struct{})
	frontier := rootTaskIDs
	for len(frontier) > 0 {
		batch := make([]string, 0, len(frontier))
		for _, id := range frontier {
			if _, ok := visited[id]; ok {
				continue
			}
			visited[id] = struct{}{}
			batch = append(batch, id)
		}
		if len(batch) == 0 {
			return nil
		}

		now := time.Now().UTC()
		aborted, err := o.Tasks.UpdateManyTasks(ctx,
			state.TaskFilter{IDs: batch, SessionID: sessionID, Statuses: nonTerminalTaskStatuses},
			[]state.TaskUpdate{
				{Field: state.TaskFieldStatus, Value: state.TaskError},
				{Field: state.TaskFieldOutput, Value: state.Output{Success: false, Error: reason}},
				{Field: state.TaskFieldEndedAt, Value: now},
			},
		)
		if err != nil {
			return err
		}
		observability.Default.IncCounter("tasks_aborted_total", nil, float64(aborted))

		tasks, err := o.Tasks.FindTasks(ctx, state.TaskFilter{IDs: batch, SessionID: sessionID}, []string{"ExpectedOutputIDs"})
		if err != nil {
			return err
		}
		outputIDs := make([]string, 0)
		seen := make(map[string]struct{})
		for _, t := range tasks {
			for _, id := range t.ExpectedOutputIDs {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				outputIDs = append(outputIDs, id)
			}
		}
		if len(outputIDs) == 0 {
			return nil
		}

		// read the still-open results first: their dependents are the next
		// frontier, and the abort below only touches this same set
		open, err := o.Results.FindResults(ctx, state.ResultFilter{IDs: outputIDs, Statuses: []string{state.ResultCreated}}, []string{"DependentTasks"})
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}
		openIDs := make([]string, 0, len(open))
		next := make([]string, 0)
		for _, r := range open {
			openIDs = append(openIDs, r.ID)
			for _, taskID := range r.DependentTasks {
				if _, ok := visited[taskID]; !ok {
					next = append(next, taskID)
				}
			}
		}
		if _, err := o.Results.UpdateManyResults(ctx,
			state.ResultFilter{IDs: openIDs, Statuses: []string{state.ResultCreated}},
			[]state.ResultUpdate{{Field: state.ResultFieldStatus, Value: state.ResultAborted}},
		); err != nil {
			return err
		}
		frontier = next
	}
	return nil
}
