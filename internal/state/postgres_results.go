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

const resultColumns = `id, session_id, name, created_by, owner_task_id, status, dependent_tasks, created_at, completed_at, size, opaque_id, manual_deletion`

func scanResultRow(s scanner) (Result, error) {
	var (
		r         Result
		depsJSON  string
		completed sql.NullTime
		opaque    []byte
	)
	if err := s.Scan(&r.ID, &r.SessionID, &r.Name, &r.CreatedBy, &r.OwnerTaskID, &r.Status, &depsJSON, &r.CreatedAt, &completed, &r.Size, &opaque, &r.ManualDeletion); err != nil {
		return Result{}, err
	}
	if err := json.Unmarshal([]byte(depsJSON), &r.DependentTasks); err != nil {
		return Result{}, err
	}
	r.CompletedAt = timeOrZero(completed)
	r.OpaqueID = opaque
	return r, nil
}

func resultWhere(w *whereBuilder, f ResultFilter) {
	if len(f.IDs) > 0 {
		w.add("id = ANY($%d)", f.IDs)
	}
	if f.SessionID != "" {
		w.add("session_id = $%d", f.SessionID)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY($%d)", f.Statuses)
	}
	if f.OwnerTaskID != "" {
		w.add("owner_task_id = $%d", f.OwnerTaskID)
	}
	if len(f.OwnerTaskIDs) > 0 || f.IncludeUnowned {
		owners := f.OwnerTaskIDs
		if owners == nil {
			owners = []string{}
		}
		clause := "owner_task_id = ANY(" + w.arg(owners) + ")"
		if f.IncludeUnowned {
			clause = "(" + clause + " OR owner_task_id = '')"
		}
		w.clauses = append(w.clauses, clause)
	}
	if f.ManualDeletion != nil {
		w.add("manual_deletion = $%d", *f.ManualDeletion)
	}
}

func resultSetClauses(w *whereBuilder, updates []ResultUpdate) []string {
	sets := make([]string, 0, len(updates))
	for _, u := range updates {
		switch u.Field {
		case ResultFieldStatus:
			sets = append(sets, "status="+w.arg(u.Value.(string)))
		case ResultFieldOwnerTaskID:
			sets = append(sets, "owner_task_id="+w.arg(u.Value.(string)))
		case ResultFieldCompletedAt:
			sets = append(sets, "completed_at="+w.arg(nullTime(u.Value.(time.Time))))
		case ResultFieldSize:
			sets = append(sets, "size="+w.arg(u.Value.(int64)))
		case ResultFieldOpaqueID:
			sets = append(sets, "opaque_id="+w.arg(u.Value.([]byte)))
		case ResultFieldManualDeletion:
			sets = append(sets, "manual_deletion="+w.arg(u.Value.(bool)))
		default:
			panic(fmt.Sprintf("unknown result field %d", u.Field))
		}
	}
	return sets
}

func (p *PostgresStore) CreateResults(ctx context.Context, results []Result) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, r := range results {
		if r.Status == "" {
			r.Status = ResultCreated
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO results (id, session_id, name, created_by, owner_task_id, status, dependent_tasks, created_at, completed_at, size, opaque_id, manual_deletion)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			 ON CONFLICT (id) DO NOTHING`,
			r.ID, r.SessionID, r.Name, r.CreatedBy, r.OwnerTaskID, r.Status,
			jsonStrings(r.DependentTasks), r.CreatedAt, nullTime(r.CompletedAt), r.Size, r.OpaqueID, r.ManualDeletion,
		)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrResultAlreadyExists
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetResult(ctx context.Context, resultID string) (Result, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE id=$1`, resultID)
	r, err := scanResultRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, ErrResultNotFound
	}
	return r, err
}

func (p *PostgresStore) AddTaskDependencies(ctx context.Context, dependencies map[string][]string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for resultID, taskIDs := range dependencies {
		if _, err := tx.ExecContext(ctx,
			`UPDATE results
			 SET dependent_tasks = (
			     SELECT COALESCE(jsonb_agg(DISTINCT e), '[]'::jsonb)
			     FROM jsonb_array_elements(dependent_tasks || $2::jsonb) AS e
			 )
			 WHERE id = $1`,
			resultID, jsonStrings(taskIDs),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) SetTaskOwnership(ctx context.Context, sessionID string, ownerships []ResultOwnership) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	matched := 0
	for _, o := range ownerships {
		// Never overwrites: the row must either already carry this owner or be
		// an unowned result still in Created.
		res, err := tx.ExecContext(ctx,
			`UPDATE results SET owner_task_id=$3
			 WHERE id=$1 AND session_id=$2
			   AND (owner_task_id = $3 OR (owner_task_id = '' AND status = $4))`,
			o.ResultID, sessionID, o.TaskID, ResultCreated,
		)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		matched += int(rows)
	}
	if matched != len(ownerships) {
		return ErrResultNotFound
	}
	return tx.Commit()
}

func (p *PostgresStore) ChangeResultOwnership(ctx context.Context, sessionID, oldTaskID string, transfers []OwnershipTransfer) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, tr := range transfers {
		if _, err := tx.ExecContext(ctx,
			`UPDATE results SET owner_task_id=$4
			 WHERE id = ANY($3) AND session_id=$1 AND owner_task_id=$2 AND status=$5`,
			sessionID, oldTaskID, tr.ResultIDs, tr.NewTaskID, ResultCreated,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) UpdateOneResult(ctx context.Context, resultID string, guard *ResultFilter, updates []ResultUpdate, returnBefore bool) (*Result, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var w whereBuilder
	w.add("id = $%d", resultID)
	if guard != nil {
		resultWhere(&w, *guard)
	}
	row := tx.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE `+w.sql()+` FOR UPDATE`, w.args...)
	before, err := scanResultRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}

	var uw whereBuilder
	sets := resultSetClauses(&uw, updates)
	row = tx.QueryRowContext(ctx,
		`UPDATE results SET `+strings.Join(sets, ", ")+` WHERE id=`+uw.arg(resultID)+` RETURNING `+resultColumns,
		uw.args...)
	after, err := scanResultRow(row)
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

func (p *PostgresStore) UpdateManyResults(ctx context.Context, filter ResultFilter, updates []ResultUpdate) (int64, error) {
	var w whereBuilder
	sets := resultSetClauses(&w, updates)
	resultWhere(&w, filter)
	res, err := p.db.ExecContext(ctx, `UPDATE results SET `+strings.Join(sets, ", ")+` WHERE `+w.sql(), w.args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) FindResults(ctx context.Context, filter ResultFilter, projection []string) ([]Result, error) {
	var w whereBuilder
	resultWhere(&w, filter)
	rows, err := p.db.QueryContext(ctx, `SELECT `+resultColumns+` FROM results WHERE `+w.sql(), w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Result, 0)
	for rows.Next() {
		r, err := scanResultRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return projectResults(out, projection), rows.Err()
}

func (p *PostgresStore) ListResults(ctx context.Context, filter ResultFilter, projection []string, page Page) ([]Result, int64, error) {
	var w whereBuilder
	resultWhere(&w, filter)

	var total int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM results WHERE `+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if page.PageSize <= 0 {
		return nil, total, nil
	}

	order := orderClause(map[string]string{
		"CreatedAt":   "created_at",
		"CompletedAt": "completed_at",
		"Name":        "name",
		"Status":      "status",
	}, page)
	limitArg := w.arg(page.PageSize)
	offsetArg := w.arg(page.Page * page.PageSize)
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+resultColumns+` FROM results WHERE `+w.sql()+order+` LIMIT `+limitArg+` OFFSET `+offsetArg,
		w.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]Result, 0, page.PageSize)
	for rows.Next() {
		r, err := scanResultRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return projectResults(out, projection), total, rows.Err()
}

func (p *PostgresStore) DeleteResult(ctx context.Context, resultID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM results WHERE id=$1`, resultID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	return singleRowGuard(rows, ErrResultNotFound)
}

func (p *PostgresStore) DeleteSessionResults(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM results WHERE session_id=$1`, sessionID)
	return err
}
