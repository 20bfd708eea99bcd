// Package watch translates the raw store change feed into the typed events
// downstream consumers care about. Streams are forward-only and not
// resumable; a dropped consumer re-subscribes and accepts the gap.
package watch

import (
	"context"

	"github.com/example/taskmesh/internal/state"
)

// Filter narrows a subscription. Zero values match everything.
type Filter struct {
	SessionID string
}

type NewTask struct {
	Task state.Task
}

type TaskStatusUpdate struct {
	TaskID    string
	SessionID string
	Status    string
}

type NewResult struct {
	Result state.Result
}

type ResultOwnerUpdate struct {
	ResultID    string
	SessionID   string
	OwnerTaskID string
}

type ResultStatusUpdate struct {
	ResultID  string
	SessionID string
	Status    string
}

type SessionChange struct {
	Op      state.OpKind
	Session state.Session
}

// Watcher republishes events from a raw store feed.
type Watcher struct {
	Source state.Watcher
}

func New(source state.Watcher) *Watcher {
	return &Watcher{Source: source}
}

func (f Filter) matchesSession(sessionID string) bool {
	return f.SessionID == "" || f.SessionID == sessionID
}

// pump forwards raw events to the translate callback until the stream or ctx
// ends. translate returns false to drop an event.
func pump[T any](ctx context.Context, stream *state.EventStream, out chan<- T, translate func(state.ChangeEvent) (T, bool)) {
	defer close(out)
	defer stream.Close()
	for {
		ev, ok := stream.Next(ctx)
		if !ok {
			return
		}
		typed, keep := translate(ev)
		if !keep {
			continue
		}
		select {
		case out <- typed:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) NewTasks(ctx context.Context, filter Filter) (<-chan NewTask, error) {
	stream, err := w.Source.Watch(ctx, state.WatchFilter{Entity: state.EntityTask, Ops: []state.OpKind{state.OpInsert}})
	if err != nil {
		return nil, err
	}
	out := make(chan NewTask)
	go pump(ctx, stream, out, func(ev state.ChangeEvent) (NewTask, bool) {
		if ev.Task == nil || !filter.matchesSession(ev.Task.SessionID) {
			return NewTask{}, false
		}
		return NewTask{Task: *ev.Task}, true
	})
	return out, nil
}

func (w *Watcher) TaskStatusUpdates(ctx context.Context, filter Filter) (<-chan TaskStatusUpdate, error) {
	stream, err := w.Source.Watch(ctx, state.WatchFilter{
		Entity:        state.EntityTask,
		Ops:           []state.OpKind{state.OpUpdate},
		ChangedFields: []string{"Status"},
	})
	if err != nil {
		return nil, err
	}
	out := make(chan TaskStatusUpdate)
	go pump(ctx, stream, out, func(ev state.ChangeEvent) (TaskStatusUpdate, bool) {
		if ev.Task == nil || !filter.matchesSession(ev.Task.SessionID) {
			return TaskStatusUpdate{}, false
		}
		return TaskStatusUpdate{TaskID: ev.Task.ID, SessionID: ev.Task.SessionID, Status: ev.Task.Status}, true
	})
	return out, nil
}

func (w *Watcher) NewResults(ctx context.Context, filter Filter) (<-chan NewResult, error) {
	stream, err := w.Source.Watch(ctx, state.WatchFilter{Entity: state.EntityResult, Ops: []state.OpKind{state.OpInsert}})
	if err != nil {
		return nil, err
	}
	out := make(chan NewResult)
	go pump(ctx, stream, out, func(ev state.ChangeEvent) (NewResult, bool) {
		if ev.Result == nil || !filter.matchesSession(ev.Result.SessionID) {
			return NewResult{}, false
		}
		return NewResult{Result: *ev.Result}, true
	})
	return out, nil
}

func (w *Watcher) ResultOwnerUpdates(ctx context.Context, filter Filter) (<-chan ResultOwnerUpdate, error) {
	stream, err := w.Source.Watch(ctx, state.WatchFilter{
		Entity:        state.EntityResult,
		Ops:           []state.OpKind{state.OpUpdate},
		ChangedFields: []string{"OwnerTaskID"},
	})
	if err != nil {
		return nil, err
	}
	out := make(chan ResultOwnerUpdate)
	go pump(ctx, stream, out, func(ev state.ChangeEvent) (ResultOwnerUpdate, bool) {
		if ev.Result == nil || !filter.matchesSession(ev.Result.SessionID) {
			return ResultOwnerUpdate{}, false
		}
		return ResultOwnerUpdate{ResultID: ev.Result.ID, SessionID: ev.Result.SessionID, OwnerTaskID: ev.Result.OwnerTaskID}, true
	})
	return out, nil
}

func (w *Watcher) ResultStatusUpdates(ctx context.Context, filter Filter) (<-chan ResultStatusUpdate, error) {
	stream, err := w.Source.Watch(ctx, state.WatchFilter{
		Entity:        state.EntityResult,
		Ops:           []state.OpKind{state.OpUpdate},
		ChangedFields: []string{"Status"},
	})
	if err != nil {
		return nil, err
	}
	out := make(chan ResultStatusUpdate)
	go pump(ctx, stream, out, func(ev state.ChangeEvent) (ResultStatusUpdate, bool) {
		if ev.Result == nil || !filter.matchesSession(ev.Result.SessionID) {
			return ResultStatusUpdate{}, false
		}
		return ResultStatusUpdate{ResultID: ev.Result.ID, SessionID: ev.Result.SessionID, Status: ev.Result.Status}, true
	})
	return out, nil
}

func (w *Watcher) SessionChanges(ctx context.Context) (<-chan SessionChange, error) {
	stream, err := w.Source.Watch(ctx, state.WatchFilter{Entity: state.EntitySession})
	if err != nil {
		return nil, err
	}
	out := make(chan SessionChange)
	go pump(ctx, stream, out, func(ev state.ChangeEvent) (SessionChange, bool) {
		if ev.Session == nil {
			return SessionChange{}, false
		}
		return SessionChange{Op: ev.Op, Session: *ev.Session}, true
	})
	return out, nil
}
