package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, session_id, owner_pod_id, owner_pod_name, parent_task_ids, data_dependencies, expected_output_ids, initial_task_id, retry_of_ids, status, options, created_at, submitted_at, received_at, acquired_at, started_at, processed_at, ended_at, output_success, output_error`

func scanTaskRow(s scanner) (Task, error) {
	var (
		t                                        Task
		parentsJSON, depsJSON, outputsJSON       string
		retriesJSON, optJSON                     string
		submitted, received, acquired            sql.NullTime
		started, processed, ended                sql.NullTime
	)
	if err := s.Scan(&t.ID, &t.SessionID, &t.OwnerPodID, &t.OwnerPodName, &parentsJSON, &depsJSON, &outputsJSON, &t.InitialTaskID, &retriesJSON, &t.Status, &optJSON, &t.CreatedAt, &submitted, &received, &acquired, &started, &processed, &ended, &t.Output.Success, &t.Output.Error); err != nil {
		return Task{}, err
	}
	for _, pair := range []struct {
		raw  string
		dest *[]string
	}{
		{parentsJSON, &t.ParentTaskIDs},
		{depsJSON, &t.DataDependencies},
		{outputsJSON, &t.ExpectedOutputIDs},
		{retriesJSON, &t.RetryOfIDs},
	} {
		if err := json.Unmarshal([]byte(pair.raw), pair.dest); err != nil {
			return Task{}, err
		}
	}
	if err := json.Unmarshal([]byte(optJSON), &t.Options); err != nil {
		return Task{}, err
	}
	t.SubmittedAt = timeOrZero(submitted)
	t.ReceivedAt = timeOrZero(received)
	t.AcquiredAt = timeOrZero(acquired)
	t.StartedAt = timeOrZero(started)
	t.ProcessedAt = timeOrZero(processed)
	t.EndedAt = timeOrZero(ended)
	return t, nil
}

func taskWhere(w *whereBuilder, f TaskFilter) {
	if len(f.IDs) > 0 {
		w.add("id = ANY($%d)", f.IDs)
	}
	if f.SessionID != "" {
		w.add("session_id = $%d", f.SessionID)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY($%d)", f.Statuses)
	}
	if f.PartitionID != "" {
		w.add("options->>'PartitionID' = $%d", f.PartitionID)
	}
	if f.OwnerPodID != "" {
		w.add("owner_pod_id = $%d", f.OwnerPodID)
	}
	if f.HasOwner != nil {
		if *f.HasOwner {
			w.clauses = append(w.clauses, "owner_pod_id <> ''")
		} else {
			w.clauses = append(w.clauses, "owner_pod_id = ''")
		}
	}
}

func taskSetClauses(w *whereBuilder, updates []TaskUpdate) []string {
	sets := make([]string, 0, len(updates)+1)
	for _, u := range updates {
		switch u.Field {
		case TaskFieldStatus:
			sets = append(sets, "status="+w.arg(u.Value.(string)))
		case TaskFieldOwnerPodID:
			sets = append(sets, "owner_pod_id="+w.arg(u.Value.(string)))
		case TaskFieldOwnerPodName:
			sets = append(sets, "owner_pod_name="+w.arg(u.Value.(string)))
		case TaskFieldOutput:
			out := u.Value.(Output)
			sets = append(sets, "output_success="+w.arg(out.Success), "output_error="+w.arg(out.Error))
		case TaskFieldSubmittedAt:
			sets = append(sets, "submitted_at="+w.arg(nullTime(u.Value.(time.Time))))
		case TaskFieldReceivedAt:
			sets = append(sets, "received_at="+w.arg(nullTime(u.Value.(time.Time))))
		case TaskFieldAcquiredAt:
			sets = append(sets, "acquired_at="+w.arg(nullTime(u.Value.(time.Time))))
		case TaskFieldStartedAt:
			sets = append(sets, "started_at="+w.arg(nullTime(u.Value.(time.Time))))
		case TaskFieldProcessedAt:
			sets = append(sets, "processed_at="+w.arg(nullTime(u.Value.(time.Time))))
		case TaskFieldEndedAt:
			sets = append(sets, "ended_at="+w.arg(nullTime(u.Value.(time.Time))))
		default:
			panic(fmt.Sprintf("unknown task field %d", u.Field))
		}
	}
	return sets
}

func (p *PostgresStore) CreateTasks(ctx context.Context, tasks []Task) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, t := range tasks {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.InitialTaskID == "" {
			t.InitialTaskID = t.ID
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (id, session_id, owner_pod_id, owner_pod_name, parent_task_ids, data_dependencies, expected_output_ids, initial_task_id, retry_of_ids, status, options, created_at, submitted_at, received_at, acquired_at, started_at, processed_at, ended_at, output_success, output_error)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
			 ON CONFLICT (id) DO NOTHING`,
			t.ID, t.SessionID, t.OwnerPodID, t.OwnerPodName,
			jsonStrings(t.ParentTaskIDs), jsonStrings(t.DataDependencies), jsonStrings(t.ExpectedOutputIDs),
			t.InitialTaskID, jsonStrings(t.RetryOfIDs), t.Status, mustJSON(t.Options), t.CreatedAt,
			nullTime(t.SubmittedAt), nullTime(t.ReceivedAt), nullTime(t.AcquiredAt),
			nullTime(t.StartedAt), nullTime(t.ProcessedAt), nullTime(t.EndedAt),
			t.Output.Success, t.Output.Error,
		)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrTaskAlreadyExists
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, taskID)
	t, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	return t, err
}

func (p *PostgresStore) UpdateOneTask(ctx context.Context, taskID string, guard *TaskFilter, updates []TaskUpdate, returnBefore bool) (*Task, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var w whereBuilder
	w.add("id = $%d", taskID)
	if guard != nil {
		taskWhere(&w, *guard)
	}
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+w.sql()+` FOR UPDATE`, w.args...)
	before, err := scanTaskRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	var uw whereBuilder
	sets := taskSetClauses(&uw, updates)
	row = tx.QueryRowContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id=`+uw.arg(taskID)+` RETURNING `+taskColumns,
		uw.args...)
	after, err := scanTaskRow(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if returnBefore {
		return &before, nil
	}
	return &after, nil
}

func (p *PostgresStore) UpdateManyTasks(ctx context.Context, filter TaskFilter, updates []TaskUpdate) (int64, error) {
	var w whereBuilder
	sets := taskSetClauses(&w, updates)
	taskWhere(&w, filter)
	res, err := p.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE `+w.sql(), w.args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) BulkUpdateTasks(ctx context.Context, updates []TaskBulkUpdate) (int64, error) {
	var matched int64
	for _, item := range updates {
		n, err := p.UpdateManyTasks(ctx, item.Filter, item.Updates)
		if err != nil {
			return matched, err
		}
		matched += n
	}
	return matched, nil
}

func (p *PostgresStore) FindTasks(ctx context.Context, filter TaskFilter, projection []string) ([]Task, error) {
	var w whereBuilder
	taskWhere(&w, filter)
	rows, err := p.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+w.sql(), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Task, 0)
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return projectTasks(out, projection), rows.Err()
}

func (p *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter, projection []string, page Page) ([]Task, int64, error) {
	var w whereBuilder
	taskWhere(&w, filter)

	var total int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE `+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if page.PageSize <= 0 {
		return nil, total, nil
	}

	order := orderClause(map[string]string{
		"CreatedAt":   "created_at",
		"SubmittedAt": "submitted_at",
		"Status":      "status",
		"SessionID":   "session_id",
	}, page)
	limitArg := w.arg(page.PageSize)
	offsetArg := w.arg(page.Page * page.PageSize)
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE `+w.sql()+order+` LIMIT `+limitArg+` OFFSET `+offsetArg,
		w.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]Task, 0, page.PageSize)
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return projectTasks(out, projection), total, rows.Err()
}

func (p *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	return singleRowGuard(rows, ErrTaskNotFound)
}

func (p *PostgresStore) DeleteTasks(ctx context.Context, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ANY($1)`, taskIDs)
	return err
}

func (p *PostgresStore) DeleteSessionTasks(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM tasks WHERE session_id=$1`, sessionID)
	return err
}

// RemoveRemainingDataDependencies strikes the resolved ids in one UPDATE. The
// ?| guard skips rows that hold none of them, and row-level locking
// serializes concurrent strikes, so the post-image emptiness check fires for
// exactly one caller per task.
func (p *PostgresStore) RemoveRemainingDataDependencies(ctx context.Context, taskIDs, resolved []string) ([]Task, error) {
	if len(taskIDs) == 0 || len(resolved) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`UPDATE tasks
		 SET data_dependencies = data_dependencies - $2::text[]
		 WHERE id = ANY($1) AND data_dependencies ?| $2::text[]
		 RETURNING `+taskColumns,
		taskIDs, resolved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ready := make([]Task, 0)
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		if len(t.DataDependencies) == 0 && (t.Status == TaskCreating || t.Status == TaskPending) {
			ready = append(ready, t)
		}
	}
	return ready, rows.Err()
}

func (p *PostgresStore) CountTasksByStatus(ctx context.Context, filter TaskFilter) ([]StatusCount, error) {
	var w whereBuilder
	taskWhere(&w, filter)
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM tasks WHERE `+w.sql()+` GROUP BY status ORDER BY status`,
		w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]StatusCount, 0)
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountPartitionTasks(ctx context.Context) ([]PartitionStatusCount, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT COALESCE(options->>'PartitionID', ''), status, COUNT(1)
		 FROM tasks GROUP BY 1, 2 ORDER BY 1, 2`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]PartitionStatusCount, 0)
	for rows.Next() {
		var pc PartitionStatusCount
		if err := rows.Scan(&pc.PartitionID, &pc.Status, &pc.Count); err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}
