package state

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func nextEvent(t *testing.T, stream *EventStream) ChangeEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := stream.Next(ctx)
	if !ok {
		t.Fatalf("stream closed while waiting for an event")
	}
	return ev
}

func TestWatchTaskInserts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore()

	stream, err := store.Watch(ctx, WatchFilter{Entity: EntityTask, Ops: []OpKind{OpInsert}})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stream.Close()

	if err := store.CreateTasks(ctx, []Task{{ID: "t1", SessionID: "s1", Status: TaskCreating}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// an update must not leak through the insert-only filter
	if _, err := store.UpdateOneTask(ctx, "t1", nil,
		[]TaskUpdate{{Field: TaskFieldStatus, Value: TaskPending}}, false); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.CreateTasks(ctx, []Task{{ID: "t2", SessionID: "s1", Status: TaskCreating}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	ev := nextEvent(t, stream)
	if ev.Op != OpInsert || ev.DocID != "t1" || ev.Task == nil {
		t.Fatalf("unexpected first event %+v", ev)
	}
	ev = nextEvent(t, stream)
	if ev.DocID != "t2" {
		t.Fatalf("insert filter must skip the update, got %+v", ev)
	}
}

func TestWatchChangedFieldsFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore()

	stream, err := store.Watch(ctx, WatchFilter{
		Entity:        EntityTask,
		Ops:           []OpKind{OpUpdate},
		ChangedFields: []string{"Status"},
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stream.Close()

	if err := store.CreateTasks(ctx, []Task{{ID: "t1", SessionID: "s1", Status: TaskSubmitted}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.UpdateOneTask(ctx, "t1", nil,
		[]TaskUpdate{{Field: TaskFieldOwnerPodID, Value: "pod-1"}}, false); err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if _, err := store.UpdateOneTask(ctx, "t1", nil,
		[]TaskUpdate{{Field: TaskFieldStatus, Value: TaskDispatched}}, false); err != nil {
		t.Fatalf("status update: %v", err)
	}

	ev := nextEvent(t, stream)
	if ev.Task == nil || ev.Task.Status != TaskDispatched {
		t.Fatalf("expected the status update only, got %+v", ev)
	}
}

func TestWatchPerDocumentOrdering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore()

	stream, err := store.Watch(ctx, WatchFilter{Entity: EntityTask})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stream.Close()

	if err := store.CreateTasks(ctx, []Task{{ID: "t1", SessionID: "s1", Status: TaskCreating}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	statuses := []string{TaskPending, TaskSubmitted, TaskDispatched, TaskProcessing}
	for _, s := range statuses {
		if _, err := store.UpdateOneTask(ctx, "t1", nil,
			[]TaskUpdate{{Field: TaskFieldStatus, Value: s}}, false); err != nil {
			t.Fatalf("update to %s: %v", s, err)
		}
	}

	ev := nextEvent(t, stream)
	if ev.Op != OpInsert {
		t.Fatalf("expected insert first, got %+v", ev)
	}
	for _, want := range statuses {
		ev = nextEvent(t, stream)
		if ev.Task == nil || ev.Task.Status != want {
			t.Fatalf("events out of order: want %s, got %+v", want, ev)
		}
	}
}

func TestWatchStreamEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore()

	stream, err := store.Watch(ctx, WatchFilter{Entity: EntityTask})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	for {
		if _, ok := stream.Next(waitCtx); !ok {
			return
		}
		if waitCtx.Err() != nil {
			t.Fatalf("stream did not close after subscription context ended")
		}
	}
}

func TestWatchSlowSubscriberDoesNotBlockWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := NewMemoryStore()

	stream, err := store.Watch(ctx, WatchFilter{Entity: EntityTask})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stream.Close()

	// nobody reads the stream while 200 mutations land
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			id := fmt.Sprintf("t%03d", i)
			if err := store.CreateTasks(ctx, []Task{{ID: id, SessionID: "s1", Status: TaskCreating}}); err != nil {
				t.Errorf("create %s: %v", id, err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("writes blocked on an unread subscriber")
	}

	// all events are still delivered once the reader catches up
	for i := 0; i < 200; i++ {
		nextEvent(t, stream)
	}
}
