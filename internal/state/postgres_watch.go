package state

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresWatcher turns LISTEN/NOTIFY traffic from the migration triggers
// into change events. Oversized documents arrive without a post-image and are
// re-read; a document deleted in between is dropped, which is within the
// non-resumable feed contract.
type PostgresWatcher struct {
	store  *PostgresStore
	hub    *memWatchHub
	cancel context.CancelFunc
}

func NewPostgresWatcher(ctx context.Context, store *PostgresStore) (*PostgresWatcher, error) {
	conn, err := pgx.Connect(ctx, store.dsn)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, `LISTEN taskmesh_changes`); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &PostgresWatcher{store: store, hub: newMemWatchHub(), cancel: cancel}
	go w.listen(ctx, conn)
	return w, nil
}

func (w *PostgresWatcher) Watch(ctx context.Context, filter WatchFilter) (*EventStream, error) {
	return w.hub.subscribe(ctx, filter), nil
}

func (w *PostgresWatcher) Close() { w.cancel() }

func (w *PostgresWatcher) listen(ctx context.Context, conn *pgx.Conn) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("change listener: %v", err)
			return
		}
		ev, ok := w.decode(ctx, notification.Payload)
		if !ok {
			continue
		}
		w.hub.publish(ev)
	}
}

type pgNotification struct {
	Entity  string          `json:"entity"`
	Op      string          `json:"op"`
	ID      string          `json:"id"`
	Changed []string        `json:"changed"`
	Doc     json.RawMessage `json:"doc"`
}

func (w *PostgresWatcher) decode(ctx context.Context, payload string) (ChangeEvent, bool) {
	var n pgNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		log.Printf("change listener: bad payload: %v", err)
		return ChangeEvent{}, false
	}
	ev := ChangeEvent{DocID: n.ID}
	switch n.Op {
	case "insert":
		ev.Op = OpInsert
	case "update":
		ev.Op = OpUpdate
	case "delete":
		ev.Op = OpDelete
	default:
		return ChangeEvent{}, false
	}
	switch n.Entity {
	case "task":
		ev.Entity = EntityTask
		ev.ChangedFields = mapColumns(n.Changed, taskColumnFields)
		if len(n.Doc) > 0 {
			var doc pgTaskDoc
			if err := json.Unmarshal(n.Doc, &doc); err != nil {
				log.Printf("change listener: bad task doc: %v", err)
				return ChangeEvent{}, false
			}
			t := doc.task()
			ev.Task = &t
		} else if ev.Op != OpDelete {
			t, err := w.store.GetTask(ctx, n.ID)
			if err != nil {
				return ChangeEvent{}, false
			}
			ev.Task = &t
		}
	case "result":
		ev.Entity = EntityResult
		ev.ChangedFields = mapColumns(n.Changed, resultColumnFields)
		if len(n.Doc) > 0 {
			var doc pgResultDoc
			if err := json.Unmarshal(n.Doc, &doc); err != nil {
				log.Printf("change listener: bad result doc: %v", err)
				return ChangeEvent{}, false
			}
			r := doc.result()
			ev.Result = &r
		} else if ev.Op != OpDelete {
			r, err := w.store.GetResult(ctx, n.ID)
			if err != nil {
				return ChangeEvent{}, false
			}
			ev.Result = &r
		}
	case "session":
		ev.Entity = EntitySession
		ev.ChangedFields = mapColumns(n.Changed, sessionColumnFields)
		if len(n.Doc) > 0 {
			var doc pgSessionDoc
			if err := json.Unmarshal(n.Doc, &doc); err != nil {
				log.Printf("change listener: bad session doc: %v", err)
				return ChangeEvent{}, false
			}
			s := doc.session()
			ev.Session = &s
		} else if ev.Op != OpDelete {
			s, err := w.store.GetSession(ctx, n.ID)
			if err != nil {
				return ChangeEvent{}, false
			}
			ev.Session = &s
		}
	default:
		return ChangeEvent{}, false
	}
	return ev, true
}

var taskColumnFields = map[string]string{
	"status":            "Status",
	"owner_pod_id":      "OwnerPodID",
	"owner_pod_name":    "OwnerPodName",
	"data_dependencies": "DataDependencies",
	"output_success":    "Output",
	"output_error":      "Output",
	"submitted_at":      "SubmittedAt",
	"received_at":       "ReceivedAt",
	"acquired_at":       "AcquiredAt",
	"started_at":        "StartedAt",
	"processed_at":      "ProcessedAt",
	"ended_at":          "EndedAt",
}

var resultColumnFields = map[string]string{
	"status":          "Status",
	"owner_task_id":   "OwnerTaskID",
	"dependent_tasks": "DependentTasks",
	"completed_at":    "CompletedAt",
	"size":            "Size",
	"manual_deletion": "ManualDeletion",
}

var sessionColumnFields = map[string]string{
	"status":            "Status",
	"client_submission": "ClientSubmission",
	"worker_submission": "WorkerSubmission",
	"cancelled_at":      "CancelledAt",
	"closed_at":         "ClosedAt",
	"purged_at":         "PurgedAt",
	"deleted_at":        "DeletedAt",
}

func mapColumns(columns []string, fields map[string]string) []string {
	out := make([]string, 0, len(columns))
	for _, col := range columns {
		field, ok := fields[col]
		if !ok || containsString(out, field) {
			continue
		}
		out = append(out, field)
	}
	return out
}

type pgTaskDoc struct {
	ID                string      `json:"id"`
	SessionID         string      `json:"session_id"`
	OwnerPodID        string      `json:"owner_pod_id"`
	OwnerPodName      string      `json:"owner_pod_name"`
	ParentTaskIDs     []string    `json:"parent_task_ids"`
	DataDependencies  []string    `json:"data_dependencies"`
	ExpectedOutputIDs []string    `json:"expected_output_ids"`
	InitialTaskID     string      `json:"initial_task_id"`
	RetryOfIDs        []string    `json:"retry_of_ids"`
	Status            string      `json:"status"`
	Options           TaskOptions `json:"options"`
	CreatedAt         time.Time   `json:"created_at"`
	SubmittedAt       *time.Time  `json:"submitted_at"`
	ReceivedAt        *time.Time  `json:"received_at"`
	AcquiredAt        *time.Time  `json:"acquired_at"`
	StartedAt         *time.Time  `json:"started_at"`
	ProcessedAt       *time.Time  `json:"processed_at"`
	EndedAt           *time.Time  `json:"ended_at"`
	OutputSuccess     bool        `json:"output_success"`
	OutputError       string      `json:"output_error"`
}

func (d pgTaskDoc) task() Task {
	return Task{
		ID:                d.ID,
		SessionID:         d.SessionID,
		OwnerPodID:        d.OwnerPodID,
		OwnerPodName:      d.OwnerPodName,
		ParentTaskIDs:     d.ParentTaskIDs,
		DataDependencies:  d.DataDependencies,
		ExpectedOutputIDs: d.ExpectedOutputIDs,
		InitialTaskID:     d.InitialTaskID,
		RetryOfIDs:        d.RetryOfIDs,
		Status:            d.Status,
		Options:           d.Options,
		CreatedAt:         d.CreatedAt,
		SubmittedAt:       derefTime(d.SubmittedAt),
		ReceivedAt:        derefTime(d.ReceivedAt),
		AcquiredAt:        derefTime(d.AcquiredAt),
		StartedAt:         derefTime(d.StartedAt),
		ProcessedAt:       derefTime(d.ProcessedAt),
		EndedAt:           derefTime(d.EndedAt),
		Output:            Output{Success: d.OutputSuccess, Error: d.OutputError},
	}
}

type pgResultDoc struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	Name           string     `json:"name"`
	CreatedBy      string     `json:"created_by"`
	OwnerTaskID    string     `json:"owner_task_id"`
	Status         string     `json:"status"`
	DependentTasks []string   `json:"dependent_tasks"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	Size           int64      `json:"size"`
	ManualDeletion bool       `json:"manual_deletion"`
}

func (d pgResultDoc) result() Result {
	return Result{
		ID:             d.ID,
		SessionID:      d.SessionID,
		Name:           d.Name,
		CreatedBy:      d.CreatedBy,
		OwnerTaskID:    d.OwnerTaskID,
		Status:         d.Status,
		DependentTasks: d.DependentTasks,
		CreatedAt:      d.CreatedAt,
		CompletedAt:    derefTime(d.CompletedAt),
		Size:           d.Size,
		ManualDeletion: d.ManualDeletion,
	}
}

type pgSessionDoc struct {
	ID                 string      `json:"id"`
	Status             string      `json:"status"`
	ClientSubmission   bool        `json:"client_submission"`
	WorkerSubmission   bool        `json:"worker_submission"`
	PartitionIDs       []string    `json:"partition_ids"`
	DefaultTaskOptions TaskOptions `json:"default_task_options"`
	CreatedAt          time.Time   `json:"created_at"`
	CancelledAt        *time.Time  `json:"cancelled_at"`
	ClosedAt           *time.Time  `json:"closed_at"`
	PurgedAt           *time.Time  `json:"purged_at"`
	DeletedAt          *time.Time  `json:"deleted_at"`
}

func (d pgSessionDoc) session() Session {
	return Session{
		ID:                 d.ID,
		Status:             d.Status,
		ClientSubmission:   d.ClientSubmission,
		WorkerSubmission:   d.WorkerSubmission,
		PartitionIDs:       d.PartitionIDs,
		DefaultTaskOptions: d.DefaultTaskOptions,
		CreatedAt:          d.CreatedAt,
		CancelledAt:        derefTime(d.CancelledAt),
		ClosedAt:           derefTime(d.ClosedAt),
		PurgedAt:           derefTime(d.PurgedAt),
		DeletedAt:          derefTime(d.DeletedAt),
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
