package watch

import (
	"context"
	"testing"
	"time"

	"github.com/example/taskmesh/internal/state"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("stream closed while waiting for an event")
		}
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for an event")
		panic("unreachable")
	}
}

func TestNewTasksFiltersBySession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := state.NewMemoryStore()
	w := New(store)

	events, err := w.NewTasks(ctx, Filter{SessionID: "s1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := store.CreateTasks(ctx, []state.Task{
		{ID: "other", SessionID: "s2", Status: state.TaskCreating},
		{ID: "t1", SessionID: "s1", Status: state.TaskCreating},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	ev := recv(t, events)
	if ev.Task.ID != "t1" {
		t.Fatalf("session filter must drop foreign tasks, got %+v", ev)
	}
}

func TestTaskStatusUpdatesOnlyOnStatusChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := state.NewMemoryStore()
	w := New(store)

	events, err := w.TaskStatusUpdates(ctx, Filter{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := store.CreateTasks(ctx, []state.Task{{ID: "t1", SessionID: "s1", Status: state.TaskSubmitted}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.UpdateOneTask(ctx, "t1", nil,
		[]state.TaskUpdate{{Field: state.TaskFieldOwnerPodID, Value: "pod-1"}}, false); err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if _, err := store.UpdateOneTask(ctx, "t1", nil,
		[]state.TaskUpdate{{Field: state.TaskFieldStatus, Value: state.TaskDispatched}}, false); err != nil {
		t.Fatalf("status update: %v", err)
	}

	ev := recv(t, events)
	if ev.TaskID != "t1" || ev.Status != state.TaskDispatched {
		t.Fatalf("expected the dispatch event, got %+v", ev)
	}
}

func TestResultOwnerAndStatusStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := state.NewMemoryStore()
	w := New(store)

	owners, err := w.ResultOwnerUpdates(ctx, Filter{})
	if err != nil {
		t.Fatalf("subscribe owners: %v", err)
	}
	statuses, err := w.ResultStatusUpdates(ctx, Filter{})
	if err != nil {
		t.Fatalf("subscribe statuses: %v", err)
	}
	inserts, err := w.NewResults(ctx, Filter{})
	if err != nil {
		t.Fatalf("subscribe inserts: %v", err)
	}

	if err := store.CreateResults(ctx, []state.Result{{ID: "r1", SessionID: "s1"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SetTaskOwnership(ctx, "s1", []state.ResultOwnership{{ResultID: "r1", TaskID: "t1"}}); err != nil {
		t.Fatalf("set ownership: %v", err)
	}
	if _, err := store.UpdateOneResult(ctx, "r1", nil,
		[]state.ResultUpdate{{Field: state.ResultFieldStatus, Value: state.ResultCompleted}}, false); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if ev := recv(t, inserts); ev.Result.ID != "r1" {
		t.Fatalf("insert stream: %+v", ev)
	}
	if ev := recv(t, owners); ev.OwnerTaskID != "t1" {
		t.Fatalf("owner stream: %+v", ev)
	}
	if ev := recv(t, statuses); ev.Status != state.ResultCompleted {
		t.Fatalf("status stream: %+v", ev)
	}
}

func TestSessionChangesCarryEveryOp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := state.NewMemoryStore()
	w := New(store)

	events, err := w.SessionChanges(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	id, err := store.CreateSession(ctx, state.Session{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.UpdateOneSession(ctx, id, nil,
		[]state.SessionUpdate{{Field: state.SessionFieldStatus, Value: state.SessionClosed}}, false); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.DeleteSession(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	wantOps := []state.OpKind{state.OpInsert, state.OpUpdate, state.OpDelete}
	for _, want := range wantOps {
		ev := recv(t, events)
		if ev.Op != want || ev.Session.ID != id {
			t.Fatalf("want op %v for %s, got %+v", want, id, ev)
		}
	}
}

func TestStreamClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := state.NewMemoryStore()
	w := New(store)

	events, err := w.NewTasks(ctx, Filter{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatalf("no event was published; channel must just close")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel must close after the context ends")
	}
}
