package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/taskmesh/db/migrations"
)

// PostgresStore implements the task, result, session and partition stores on
// PostgreSQL. Conditional updates compile to single UPDATE statements whose
// WHERE clause carries the guard, so the compare and the swap are one
// round-trip.
type PostgresStore struct {
	db  *sql.DB
	dsn string
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db, dsn: dsn}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// singleRowGuard classifies the affected-row count of a by-id statement.
// Zero rows is the caller's not-found sentinel; more than one means the id
// matched several rows, which only a broken schema can produce.
func singleRowGuard(rows int64, missing error) error {
	switch {
	case rows == 0:
		return missing
	case rows > 1:
		return ErrIntegrity
	}
	return nil
}

// whereBuilder accumulates AND-ed clauses with positional args.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, vals ...any) {
	placeholders := make([]any, len(vals))
	for i := range vals {
		placeholders[i] = len(w.args) + i + 1
	}
	w.clauses = append(w.clauses, fmt.Sprintf(clause, placeholders...))
	w.args = append(w.args, vals...)
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return "1=1"
	}
	return strings.Join(w.clauses, " AND ")
}

func (w *whereBuilder) arg(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func jsonStrings(list []string) string {
	if list == nil {
		list = []string{}
	}
	return mustJSON(list)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func timeOrZero(t sql.NullTime) time.Time {
	if t.Valid {
		return t.Time
	}
	return time.Time{}
}

type scanner interface {
	Scan(dest ...any) error
}

// Sessions

const sessionColumns = `id, status, client_submission, worker_submission, partition_ids, default_task_options, created_at, cancelled_at, closed_at, purged_at, deleted_at`

func scanSession(s scanner) (Session, error) {
	var (
		out                     Session
		partitionsJSON, optJSON string
		cancelled, closed       sql.NullTime
		purged, deleted         sql.NullTime
	)
	if err := s.Scan(&out.ID, &out.Status, &out.ClientSubmission, &out.WorkerSubmission, &partitionsJSON, &optJSON, &out.CreatedAt, &cancelled, &closed, &purged, &deleted); err != nil {
		return Session{}, err
	}
	if err := json.Unmarshal([]byte(partitionsJSON), &out.PartitionIDs); err != nil {
		return Session{}, err
	}
	if err := json.Unmarshal([]byte(optJSON), &out.DefaultTaskOptions); err != nil {
		return Session{}, err
	}
	out.CancelledAt = timeOrZero(cancelled)
	out.ClosedAt = timeOrZero(closed)
	out.PurgedAt = timeOrZero(purged)
	out.DeletedAt = timeOrZero(deleted)
	return out, nil
}

func (p *PostgresStore) CreateSession(ctx context.Context, session Session) (string, error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	session.Status = SessionRunning
	session.ClientSubmission = true
	session.WorkerSubmission = true
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status, client_submission, worker_submission, partition_ids, default_task_options, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO NOTHING`,
		session.ID, session.Status, session.ClientSubmission, session.WorkerSubmission,
		jsonStrings(session.PartitionIDs), mustJSON(session.DefaultTaskOptions), session.CreatedAt,
	)
	if err != nil {
		return "", err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if rows == 0 {
		return "", ErrSessionAlreadyExists
	}
	return session.ID, nil
}

func (p *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return s, err
}

func sessionWhere(w *whereBuilder, f SessionFilter) {
	if len(f.IDs) > 0 {
		w.add("id = ANY($%d)", f.IDs)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY($%d)", f.Statuses)
	}
}

func sessionSetClause(w *whereBuilder, u SessionUpdate) string {
	switch u.Field {
	case SessionFieldStatus:
		return "status=" + w.arg(u.Value.(string))
	case SessionFieldClientSubmission:
		return "client_submission=" + w.arg(u.Value.(bool))
	case SessionFieldWorkerSubmission:
		return "worker_submission=" + w.arg(u.Value.(bool))
	case SessionFieldCancelledAt:
		return "cancelled_at=" + w.arg(nullTime(u.Value.(time.Time)))
	case SessionFieldClosedAt:
		return "closed_at=" + w.arg(nullTime(u.Value.(time.Time)))
	case SessionFieldPurgedAt:
		return "purged_at=" + w.arg(nullTime(u.Value.(time.Time)))
	case SessionFieldDeletedAt:
		return "deleted_at=" + w.arg(nullTime(u.Value.(time.Time)))
	default:
		panic(fmt.Sprintf("unknown session field %d", u.Field))
	}
}

func (p *PostgresStore) UpdateOneSession(ctx context.Context, sessionID string, guard *SessionFilter, updates []SessionUpdate, returnBefore bool) (*Session, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var w whereBuilder
	w.add("id = $%d", sessionID)
	if guard != nil {
		sessionWhere(&w, *guard)
	}
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE `+w.sql()+` FOR UPDATE`, w.args...)
	before, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	var uw whereBuilder
	sets := make([]string, 0, len(updates))
	for _, u := range updates {
		sets = append(sets, sessionSetClause(&uw, u))
	}
	row = tx.QueryRowContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id=`+uw.arg(sessionID)+` RETURNING `+sessionColumns,
		uw.args...)
	after, err := scanSession(row)
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

func (p *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter, page Page) ([]Session, int64, error) {
	var w whereBuilder
	sessionWhere(&w, filter)

	var total int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE `+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	if page.PageSize <= 0 {
		return nil, total, nil
	}

	order := orderClause(map[string]string{
		"CreatedAt": "created_at",
		"Status":    "status",
	}, page)
	limitArg := w.arg(page.PageSize)
	offsetArg := w.arg(page.Page * page.PageSize)
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+w.sql()+order+` LIMIT `+limitArg+` OFFSET `+offsetArg,
		w.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]Session, 0, page.PageSize)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, sessionID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	return singleRowGuard(rows, ErrSessionNotFound)
}

func orderClause(fields map[string]string, page Page) string {
	col, ok := fields[page.OrderField]
	if !ok {
		col = "id"
	}
	dir := " DESC"
	if page.AscOrder {
		dir = " ASC"
	}
	return " ORDER BY " + col + dir
}

// Partitions

func (p *PostgresStore) CreatePartition(ctx context.Context, partition Partition) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO partitions (id, parent_partition_ids, pod_reserved, pod_max, preemption_percentage, priority, pod_configuration)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET
		 parent_partition_ids=EXCLUDED.parent_partition_ids,
		 pod_reserved=EXCLUDED.pod_reserved,
		 pod_max=EXCLUDED.pod_max,
		 preemption_percentage=EXCLUDED.preemption_percentage,
		 priority=EXCLUDED.priority,
		 pod_configuration=EXCLUDED.pod_configuration`,
		partition.ID, jsonStrings(partition.ParentPartitionIDs), partition.PodReserved, partition.PodMax,
		partition.PreemptionPercentage, partition.Priority, mustJSON(partition.PodConfiguration),
	)
	return err
}

func scanPartition(s scanner) (Partition, error) {
	var out Partition
	var parentsJSON, confJSON string
	if err := s.Scan(&out.ID, &parentsJSON, &out.PodReserved, &out.PodMax, &out.PreemptionPercentage, &out.Priority, &confJSON); err != nil {
		return Partition{}, err
	}
	if err := json.Unmarshal([]byte(parentsJSON), &out.ParentPartitionIDs); err != nil {
		return Partition{}, err
	}
	if err := json.Unmarshal([]byte(confJSON), &out.PodConfiguration); err != nil {
		return Partition{}, err
	}
	return out, nil
}

const partitionColumns = `id, parent_partition_ids, pod_reserved, pod_max, preemption_percentage, priority, pod_configuration`

func (p *PostgresStore) GetPartition(ctx context.Context, partitionID string) (Partition, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+partitionColumns+` FROM partitions WHERE id=$1`, partitionID)
	part, err := scanPartition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Partition{}, ErrPartitionNotFound
	}
	return part, err
}

func (p *PostgresStore) ArePartitionsExisting(ctx context.Context, partitionIDs []string) (bool, error) {
	if len(partitionIDs) == 0 {
		return true, nil
	}
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT id) FROM partitions WHERE id = ANY($1)`, partitionIDs).Scan(&n)
	if err != nil {
		return false, err
	}
	distinct := make(map[string]struct{}, len(partitionIDs))
	for _, id := range partitionIDs {
		distinct[id] = struct{}{}
	}
	return n == len(distinct), nil
}

func (p *PostgresStore) ListPartitions(ctx context.Context, page Page) ([]Partition, int64, error) {
	var total int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM partitions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	if page.PageSize <= 0 {
		return nil, total, nil
	}
	dir := "DESC"
	if page.AscOrder {
		dir = "ASC"
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+partitionColumns+` FROM partitions ORDER BY id `+dir+` LIMIT $1 OFFSET $2`,
		page.PageSize, page.Page*page.PageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := make([]Partition, 0, page.PageSize)
	for rows.Next() {
		part, err := scanPartition(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, part)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) DeletePartition(ctx context.Context, partitionID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM partitions WHERE id=$1`, partitionID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	return singleRowGuard(rows, ErrPartitionNotFound)
}
