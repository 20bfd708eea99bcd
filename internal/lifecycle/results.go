package lifecycle

import (
	"context"
	"log"
	"time"

	"github.com/example/taskmesh/internal/observability"
	"github.com/example/taskmesh/internal/state"
)

// CompleteResult marks a result Completed and resolves the tasks waiting on
// it. Duplicate completion notifications are expected: the CAS to Completed
// matches zero rows on the second call, and resolution is idempotent either
// way, so the whole operation is safe under at-least-once delivery.
func (o *Orchestrator) CompleteResult(ctx context.Context, resultID string, size int64, opaqueID []byte) error {
	_, err := o.Results.UpdateOneResult(ctx, resultID,
		&state.ResultFilter{Statuses: []string{state.ResultCreated}},
		[]state.ResultUpdate{
			{Field: state.ResultFieldStatus, Value: state.ResultCompleted},
			{Field: state.ResultFieldCompletedAt, Value: time.Now().UTC()},
			{Field: state.ResultFieldSize, Value: size},
			{Field: state.ResultFieldOpaqueID, Value: opaqueID},
		}, false)
	if err != nil {
		if !state.IsBenignConflict(err) {
			return err
		}
		// lost the completion race or the result is gone; re-read to tell
		current, gerr := o.Results.GetResult(ctx, resultID)
		if gerr != nil {
			return gerr
		}
		if current.Status != state.ResultCompleted {
			return err
		}
	} else {
		observability.Default.IncCounter("results_completed_total", nil, 1)
	}
	return o.ResolveDependencies(ctx, []string{resultID})
}

// PurgeResults drops the payloads of a session's results and marks them
// DeletedData. Results flagged for manual deletion keep their payloads.
func (o *Orchestrator) PurgeResults(ctx context.Context, sessionID string) error {
	results, err := o.Results.FindResults(ctx, state.ResultFilter{SessionID: sessionID}, []string{"Status", "ManualDeletion"})
	if err != nil {
		return err
	}
	purgeKeys := make([]string, 0, len(results))
	purgeIDs := make([]string, 0, len(results))
	for _, r := range results {
		if r.Status == state.ResultDeletedData {
			continue
		}
		purgeIDs = append(purgeIDs, r.ID)
		if !r.ManualDeletion {
			purgeKeys = append(purgeKeys, r.ID)
		}
	}
	if len(purgeIDs) == 0 {
		return nil
	}
	if o.Objects != nil && len(purgeKeys) > 0 {
		if err := o.Objects.Delete(ctx, purgeKeys); err != nil {
			return err
		}
	}
	n, err := o.Results.UpdateManyResults(ctx,
		state.ResultFilter{IDs: purgeIDs, SessionID: sessionID},
		[]state.ResultUpdate{{Field: state.ResultFieldStatus, Value: state.ResultDeletedData}},
	)
	if err != nil {
		return err
	}
	log.Printf("purged %d results of session %s", n, sessionID)
	observability.Default.IncCounter("results_purged_total", map[string]string{"session": sessionID}, float64(n))
	return nil
}
