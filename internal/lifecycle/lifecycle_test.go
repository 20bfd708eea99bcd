package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/taskmesh/internal/objects"
	"github.com/example/taskmesh/internal/state"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *state.MemoryStore, *state.MemoryQueue) {
	t.Helper()
	store := state.NewMemoryStore()
	queue, err := state.NewMemoryQueue(state.NewMemoryQueueStore(), state.MemoryQueueOptions{
		LockTTL:    time.Minute,
		PollPeriod: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	o := &Orchestrator{
		Tasks:      store,
		Results:    store,
		Sessions:   store,
		Partitions: store,
		Queue:      queue,
		Objects:    objects.NewMemoryStore(),
	}
	return o, store, queue
}

func openSession(t *testing.T, o *Orchestrator, partitions ...string) state.Session {
	t.Helper()
	ctx := context.Background()
	for _, p := range partitions {
		if err := o.Partitions.CreatePartition(ctx, state.Partition{ID: p}); err != nil {
			t.Fatalf("create partition %s: %v", p, err)
		}
	}
	id, err := o.CreateSession(ctx, partitions, state.TaskOptions{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	session, err := o.Sessions.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return session
}

func mustTask(t *testing.T, o *Orchestrator, id string) state.Task {
	t.Helper()
	task, err := o.Tasks.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func mustResult(t *testing.T, o *Orchestrator, id string) state.Result {
	t.Helper()
	r, err := o.Results.GetResult(context.Background(), id)
	if err != nil {
		t.Fatalf("get result %s: %v", id, err)
	}
	return r
}

func pullOne(t *testing.T, queue *state.MemoryQueue) state.MessageHandle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	handles, err := queue.Pull(ctx, 1)
	if err != nil || len(handles) != 1 {
		t.Fatalf("pull: %v (%d handles)", err, len(handles))
	}
	return handles[0]
}

func queueDrained(queue *state.MemoryQueue) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_, err := queue.Pull(ctx, 1)
	return err != nil
}

func TestCreateSessionRejectsUnknownPartitions(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)
	if err := o.Partitions.CreatePartition(ctx, state.Partition{ID: "gpu"}); err != nil {
		t.Fatalf("create partition: %v", err)
	}
	if _, err := o.CreateSession(ctx, []string{"gpu", "tpu"}, state.TaskOptions{}); !errors.Is(err, state.ErrPartitionNotFound) {
		t.Fatalf("expected ErrPartitionNotFound, got %v", err)
	}
	if _, err := o.CreateSession(ctx, []string{"gpu"}, state.TaskOptions{PartitionID: "cpu"}); !errors.Is(err, state.ErrPartitionNotFound) {
		t.Fatalf("default partition outside the session list must be rejected, got %v", err)
	}
}

func TestSessionTransitionDAG(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)
	session := openSession(t, o, "gpu")

	if _, err := o.PauseSession(ctx, session.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// pausing a paused session is an invalid transition carrying the status
	_, err := o.PauseSession(ctx, session.ID)
	var invalid *state.InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != state.SessionPaused {
		t.Fatalf("expected invalid transition from Paused, got %v", err)
	}

	if _, err := o.ResumeSession(ctx, session.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, err := o.CancelSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != state.SessionCancelled || got.CancelledAt.IsZero() {
		t.Fatalf("cancel must stamp status and time, got %+v", got)
	}
	if got.ClientSubmission || got.WorkerSubmission {
		t.Fatalf("cancel must close both submission gates, got %+v", got)
	}

	// cancelled sessions cannot move back
	if _, err := o.ResumeSession(ctx, session.ID); err == nil {
		t.Fatalf("resume from Cancelled must fail")
	}
	if _, err := o.PurgeSession(ctx, session.ID); err != nil {
		t.Fatalf("purge from Cancelled: %v", err)
	}
	if err := o.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := o.Sessions.GetSession(ctx, session.ID); !errors.Is(err, state.ErrSessionNotFound) {
		t.Fatalf("deleted session must be gone, got %v", err)
	}
	// further transitions report not-found, not invalid-transition
	if _, err := o.CancelSession(ctx, session.ID); !errors.Is(err, state.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestSubmissionGates(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)
	session := openSession(t, o, "gpu")

	if _, err := o.StopSubmission(ctx, session.ID, true, false); err != nil {
		t.Fatalf("stop client submission: %v", err)
	}
	session, err := o.Sessions.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if _, err := o.CreateTasks(ctx, session, "", []TaskRequest{{}}); !errors.Is(err, state.ErrSubmissionClosed) {
		t.Fatalf("client submission must be closed, got %v", err)
	}

	// worker submission still open: a task-parented batch is accepted
	if _, err := o.CreateTasks(ctx, session, "some-parent-task", []TaskRequest{{ID: "w1"}}); err != nil {
		// parent lookup fails before the gate only if the task is missing
		if !errors.Is(err, state.ErrTaskNotFound) {
			t.Fatalf("unexpected error %v", err)
		}
	}
}

// Full happy path: T1 produces R1, T2 consumes it and produces R2.
func TestEndToEndDependencyFlow(t *testing.T) {
	ctx := context.Background()
	o, _, queue := newTestOrchestrator(t)
	session := openSession(t, o, "gpu")

	if err := o.Results.CreateResults(ctx, []state.Result{
		{ID: "r1", SessionID: session.ID},
		{ID: "r2", SessionID: session.ID},
	}); err != nil {
		t.Fatalf("create results: %v", err)
	}
	if _, err := o.CreateTasks(ctx, session, "", []TaskRequest{
		{ID: "t1", ExpectedOutputIDs: []string{"r1"}},
		{ID: "t2", DataDependencies: []string{"r1"}, ExpectedOutputIDs: []string{"r2"}},
	}); err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	if mustResult(t, o, "r1").OwnerTaskID != "t1" {
		t.Fatalf("r1 must belong to t1")
	}
	if err := o.FinalizeTaskCreation(ctx, session, "", []string{"t1", "t2"}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got := mustTask(t, o, "t1"); got.Status != state.TaskSubmitted {
		t.Fatalf("t1 has no dependencies and must be Submitted, got %s", got.Status)
	}
	if got := mustTask(t, o, "t2"); got.Status != state.TaskPending {
		t.Fatalf("t2 waits on r1 and must stay Pending, got %s", got.Status)
	}

	// dispatch t1
	msg := pullOne(t, queue)
	if msg.TaskID() != "t1" {
		t.Fatalf("expected t1 on the queue, got %s", msg.TaskID())
	}
	if _, err := state.AcquireTask(ctx, o.Tasks, "t1", "pod-a", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := state.StartTask(ctx, o.Tasks, "t1", "pod-a"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// worker uploads r1 and reports success
	if err := o.CompleteResult(ctx, "r1", 128, []byte("blob-r1")); err != nil {
		t.Fatalf("complete r1: %v", err)
	}
	if err := o.CompleteTask(ctx, "t1", state.Output{Success: true}); err != nil {
		t.Fatalf("complete t1: %v", err)
	}
	if err := msg.Finalize(ctx, state.DispositionProcessed); err != nil {
		t.Fatalf("finalize message: %v", err)
	}

	if got := mustTask(t, o, "t1"); got.Status != state.TaskCompleted {
		t.Fatalf("t1 must be Completed, got %s", got.Status)
	}
	if got := mustTask(t, o, "t2"); got.Status != state.TaskSubmitted || len(got.DataDependencies) != 0 {
		t.Fatalf("r1 completion must release t2, got %+v", got)
	}
	if msg := pullOne(t, queue); msg.TaskID() != "t2" {
		t.Fatalf("expected t2 on the queue, got %s", msg.TaskID())
	}
}

// Duplicate completion notifications must release the dependent exactly once.
func TestCompleteResultIdempotent(t *testing.T) {
	ctx := context.Background()
	o, _, queue := newTestOrchestrator(t)
	session := openSession(t, o, "gpu")

	if err := o.Results.CreateResults(ctx, []state.Result{{ID: "r1", SessionID: session.ID}}); err != nil {
		t.Fatalf("create results: %v", err)
	}
	if _, err := o.CreateTasks(ctx, session, "", []TaskRequest{
		{ID: "t1", DataDependencies: []string{"r1"}},
	}); err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	if err := o.FinalizeTaskCreation(ctx, session, "", []string{"t1"}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := o.CompleteResult(ctx, "r1", 1, nil); err != nil {
			t.Fatalf("complete r1 (call %d): %v", i, err)
		}
	}
	if got := mustTask(t, o, "t1"); got.Status != state.TaskSubmitted {
		t.Fatalf("t1 must be Submitted, got %s", got.Status)
	}
	if msg := pullOne(t, queue); msg.TaskID() != "t1" {
		t.Fatalf("expected t1, got %s", msg.TaskID())
	}
	if !queueDrained(queue) {
		t.Fatalf("t1 must be enqueued exactly once")
	}
}

func TestPauseResumeRequeues(t *testing.T) {
	ctx := context.Background()
	o, _, queue := newTestOrchestrator(t)
	session := openSession(t, o, "gpu")

	if _, err := o.CreateTasks(ctx, session, "", []TaskRequest{
		{ID: "t1"}, {ID: "t2"},
	}); err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	if err := o.FinalizeTaskCreation(ctx, session, "", []string{"t1", "t2"}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// t1 is mid-dispatch when the pause lands
	if _, err := state.AcquireTask(ctx, o.Tasks, "t1", "pod-a", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := o.PauseSession(ctx, session.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if got := mustTask(t, o, "t1"); got.Status != state.TaskPaused {
		t.Fatalf("dispatched t1 must be parked, got %s", got.Status)
	}
	if got := mustTask(t, o, "t2"); got.Status != state.TaskPaused {
		t.Fatalf("submitted t2 must be parked, got %s", got.Status)
	}

	if _, err := o.ResumeSession(ctx, session.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got := mustTask(t, o, "t1")
	if got.Status != state.TaskSubmitted {
		t.Fatalf("resumed t1 must be Submitted, got %s", got.Status)
	}
	if got.OwnerPodID != "" || !got.AcquiredAt.IsZero() {
		t.Fatalf("resume must clear the stale dispatch, got %+v", got)
	}

	seen := map[string]bool{}
	seen[pullOne(t, queue).TaskID()] = true
	seen[pullOne(t, queue).TaskID()] = true
	if !seen["t1"] || !seen["t2"] {
		t.Fatalf("both tasks must be re-enqueued, got %v", seen)
	}
}

// A task chain t1 -> r1 -> t2 -> r2 -> t3 collapses when t1 fails for good.
func TestCascadingAbortTerminates(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)
	session := openSession(t, o, "gpu")

	if err := o.Results.CreateResults(ctx, []state.Result{
		{ID: "r1", SessionID: session.ID},
		{ID: "r2", SessionID: session.ID},
	}); err != nil {
		t.Fatalf("create results: %v", err)
	}
	if _, err := o.CreateTasks(ctx, session, "", []TaskRequest{
		{ID: "t1", ExpectedOutputIDs: []string{"r1"}},
		{ID: "t2", DataDependencies: []string{"r1"}, ExpectedOutputIDs: []string{"r2"}},
		{ID: "t3", DataDependencies: []string{"r2"}},
	}); err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	if err := o.FinalizeTaskCreation(ctx, session, "", []string{"t1", "t2", "t3"}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// no retries configured: failure goes straight to abort
	if err := o.CompleteTask(ctx, "t1", state.Output{Success: false, Error: "boom"}); err != nil {
		t.Fatalf("fail t1: %v", err)
	}

	for _, id := range []string{"t1", "t2", "t3"} {
		got := mustTask(t, o, id)
		if got.Status != state.TaskError {
			t.Fatalf("%s must be Error, got %s", id, got.Status)
		}
	}
	got := mustTask(t, o, "t2")
	if got.Output.Error != "boom" {
		t.Fatalf("abort must carry the failure reason, got %+v", got.Output)
	}
	for _, id := range []string{"r1", "r2"} {
		if r := mustResult(t, o, id); r.Status != state.ResultAborted {
			t.Fatalf("%s must be Aborted, got %s", id, r.Status)
		}
	}
}

func TestRetryIDContractAndExhaustion(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)
	session := openSession(t, o, "gpu")

	if err := o.Results.CreateResults(ctx, []state.Result{{ID: "r1", SessionID: session.ID}}); err != nil {
		t.Fatalf("create results: %v", err)
	}
	if _, err := o.CreateTasks(ctx, session, "", []TaskRequest{
		{ID: "t1", ExpectedOutputIDs: []string{"r1"}, Options: state.TaskOptions{MaxRetries: 2}},
	}); err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	if err := o.FinalizeTaskCreation(ctx, session, "", []string{"t1"}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if err := o.CompleteTask(ctx, "t1", state.Output{Success: false, Error: "attempt 1"}); err != nil {
		t.Fatalf("fail t1: %v", err)
	}
	if got := mustTask(t, o, "t1"); got.Status != state.TaskRetried {
		t.Fatalf("t1 must be Retried, got %s", got.Status)
	}
	retry1 := mustTask(t, o, "t1###1")
	if retry1.InitialTaskID != "t1" || len(retry1.RetryOfIDs) != 1 || retry1.RetryOfIDs[0] != "t1" {
		t.Fatalf("retry lineage broken: %+v", retry1)
	}
	if retry1.Status != state.TaskSubmitted {
		t.Fatalf("retry without dependencies must be Submitted, got %s", retry1.Status)
	}
	if mustResult(t, o, "r1").OwnerTaskID != "t1###1" {
		t.Fatalf("r1 must follow the retry")
	}

	if err := o.CompleteTask(ctx, "t1###1", state.Output{Success: false, Error: "attempt 2"}); err != nil {
		t.Fatalf("fail retry 1: %v", err)
	}
	retry2 := mustTask(t, o, "t1###2")
	if len(retry2.RetryOfIDs) != 2 {
		t.Fatalf("second retry must carry both predecessors, got %v", retry2.RetryOfIDs)
	}

	// attempts exhausted: third failure aborts instead of retrying
	if err := o.CompleteTask(ctx, "t1###2", state.Output{Success: false, Error: "attempt 3"}); err != nil {
		t.Fatalf("fail retry 2: %v", err)
	}
	if got := mustTask(t, o, "t1###2"); got.Status != state.TaskError {
		t.Fatalf("exhausted task must be Error, got %s", got.Status)
	}
	if r := mustResult(t, o, "r1"); r.Status != state.ResultAborted {
		t.Fatalf("r1 must be Aborted after exhaustion, got %s", r.Status)
	}
	if _, err := o.Tasks.GetTask(ctx, "t1###3"); !errors.Is(err, state.ErrTaskNotFound) {
		t.Fatalf("no further retry may be spawned, got %v", err)
	}
}

func TestPurgeSessionHonorsManualDeletion(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)
	session := openSession(t, o, "gpu")

	if err := o.Results.CreateResults(ctx, []state.Result{
		{ID: "r1", SessionID: session.ID},
		{ID: "r2", SessionID: session.ID, ManualDeletion: true},
	}); err != nil {
		t.Fatalf("create results: %v", err)
	}
	if _, err := o.Objects.Put(ctx, "r1", []byte("one")); err != nil {
		t.Fatalf("put r1: %v", err)
	}
	if _, err := o.Objects.Put(ctx, "r2", []byte("two")); err != nil {
		t.Fatalf("put r2: %v", err)
	}

	if _, err := o.CloseSession(ctx, session.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := o.PurgeSession(ctx, session.ID); err != nil {
		t.Fatalf("purge: %v", err)
	}

	for _, id := range []string{"r1", "r2"} {
		if r := mustResult(t, o, id); r.Status != state.ResultDeletedData {
			t.Fatalf("%s must be DeletedData, got %s", id, r.Status)
		}
	}
	if _, err := o.Objects.Get(ctx, "r1"); !errors.Is(err, objects.ErrNotFound) {
		t.Fatalf("r1 payload must be deleted, got %v", err)
	}
	if _, err := o.Objects.Get(ctx, "r2"); err != nil {
		t.Fatalf("manually-deleted payload must survive the purge: %v", err)
	}
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	ctx := context.Background()
	o, _, _ := newTestOrchestrator(t)
	session := openSession(t, o, "gpu")

	if err := o.Results.CreateResults(ctx, []state.Result{{ID: "r1", SessionID: session.ID}}); err != nil {
		t.Fatalf("create results: %v", err)
	}
	if _, err := o.CreateTasks(ctx, session, "", []TaskRequest{{ID: "t1"}}); err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	if err := o.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := o.Tasks.GetTask(ctx, "t1"); !errors.Is(err, state.ErrTaskNotFound) {
		t.Fatalf("tasks must be gone, got %v", err)
	}
	if _, err := o.Results.GetResult(ctx, "r1"); !errors.Is(err, state.ErrResultNotFound) {
		t.Fatalf("results must be gone, got %v", err)
	}
}

func TestMergeAndValidateOptions(t *testing.T) {
	session := state.Session{
		ID:               "s1",
		Status:           state.SessionRunning,
		ClientSubmission: true,
		WorkerSubmission: true,
		PartitionIDs:     []string{"gpu", "cpu"},
		DefaultTaskOptions: state.TaskOptions{
			PartitionID: "gpu",
			Priority:    2,
		},
	}

	merged, err := MergeAndValidateOptions(session, state.TaskOptions{}, "", 9)
	if err != nil {
		t.Fatalf("merge defaults: %v", err)
	}
	if merged.PartitionID != "gpu" || merged.Priority != 2 {
		t.Fatalf("defaults must apply, got %+v", merged)
	}

	if _, err := MergeAndValidateOptions(session, state.TaskOptions{PartitionID: "tpu"}, "", 9); !errors.Is(err, state.ErrPartitionNotFound) {
		t.Fatalf("foreign partition must be rejected, got %v", err)
	}
	if _, err := MergeAndValidateOptions(session, state.TaskOptions{Priority: 11}, "", 9); err == nil {
		t.Fatalf("priority above the ceiling must be rejected")
	}

	session.WorkerSubmission = false
	if _, err := MergeAndValidateOptions(session, state.TaskOptions{}, "parent-task", 9); !errors.Is(err, state.ErrSubmissionClosed) {
		t.Fatalf("worker gate must apply to task-parented submissions, got %v", err)
	}
	if _, err := MergeAndValidateOptions(session, state.TaskOptions{}, "s1", 9); err != nil {
		t.Fatalf("session-parented submission is a client submission: %v", err)
	}
}
