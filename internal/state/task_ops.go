package state

import (
	"context"
	"time"
)

// Dispatch-side task transitions. Each one is a single conditional update; a
// zero-match is resolved by re-reading the task so the caller can see who won
// the race instead of guessing.

// AcquireTask moves a Submitted, unowned task to Dispatched under the given
// pod. The returned task is the current image either way; the caller checks
// Status and OwnerPodID to learn whether the acquisition stuck.
func AcquireTask(ctx context.Context, store TaskStore, taskID, ownerPodID, ownerPodName string) (Task, error) {
	unowned := false
	guard := &TaskFilter{Statuses: []string{TaskSubmitted}, HasOwner: &unowned}
	after, err := store.UpdateOneTask(ctx, taskID, guard, []TaskUpdate{
		{Field: TaskFieldStatus, Value: TaskDispatched},
		{Field: TaskFieldOwnerPodID, Value: ownerPodID},
		{Field: TaskFieldOwnerPodName, Value: ownerPodName},
		{Field: TaskFieldAcquiredAt, Value: time.Now().UTC()},
		{Field: TaskFieldReceivedAt, Value: time.Now().UTC()},
	}, false)
	if err == nil {
		return *after, nil
	}
	if !IsBenignConflict(err) {
		return Task{}, err
	}
	return store.GetTask(ctx, taskID)
}

// ReleaseTask hands a Dispatched task back to the queue: owner cleared,
// status back to Submitted. Losing the race is benign; the task moved on.
func ReleaseTask(ctx context.Context, store TaskStore, taskID, ownerPodID string) (Task, error) {
	guard := &TaskFilter{Statuses: []string{TaskDispatched}, OwnerPodID: ownerPodID}
	after, err := store.UpdateOneTask(ctx, taskID, guard, []TaskUpdate{
		{Field: TaskFieldStatus, Value: TaskSubmitted},
		{Field: TaskFieldOwnerPodID, Value: ""},
		{Field: TaskFieldOwnerPodName, Value: ""},
	}, false)
	if err == nil {
		return *after, nil
	}
	if !IsBenignConflict(err) {
		return Task{}, err
	}
	return store.GetTask(ctx, taskID)
}

// StartTask moves a Dispatched task owned by the pod to Processing.
func StartTask(ctx context.Context, store TaskStore, taskID, ownerPodID string) (Task, error) {
	guard := &TaskFilter{Statuses: []string{TaskDispatched}, OwnerPodID: ownerPodID}
	after, err := store.UpdateOneTask(ctx, taskID, guard, []TaskUpdate{
		{Field: TaskFieldStatus, Value: TaskProcessing},
		{Field: TaskFieldStartedAt, Value: time.Now().UTC()},
	}, false)
	if err == nil {
		return *after, nil
	}
	if !IsBenignConflict(err) {
		return Task{}, err
	}
	return store.GetTask(ctx, taskID)
}
