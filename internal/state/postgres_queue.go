package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/taskmesh/internal/observability"
)

// PostgresQueueOptions mirror MemoryQueueOptions for the SQL-backed queue.
type PostgresQueueOptions struct {
	PartitionID        string
	LockTTL            time.Duration
	RefreshPeriodicity time.Duration
	PollPeriod         time.Duration
	MaxPriority        int
}

// PostgresQueue is the LockedQueue on the queue_messages table. A claim is
// one UPDATE over a SKIP LOCKED subquery, so competing pullers never block
// each other and never claim the same message.
type PostgresQueue struct {
	db      *sql.DB
	ownerID string
	opts    PostgresQueueOptions
}

func NewPostgresQueue(store *PostgresStore, opts PostgresQueueOptions) (*PostgresQueue, error) {
	if opts.LockTTL <= 0 {
		return nil, fmt.Errorf("lock ttl must be strictly positive, got %v", opts.LockTTL)
	}
	if opts.RefreshPeriodicity <= 0 {
		opts.RefreshPeriodicity = opts.LockTTL / 2
	}
	if opts.PollPeriod <= 0 {
		opts.PollPeriod = 250 * time.Millisecond
	}
	if opts.MaxPriority <= 0 {
		opts.MaxPriority = 9
	}
	return &PostgresQueue{db: store.db, ownerID: uuid.NewString(), opts: opts}, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, taskIDs []string, partitionID string, priority int) error {
	if priority < 0 {
		priority = 0
	}
	if priority > q.opts.MaxPriority {
		priority = q.opts.MaxPriority
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().UTC()
	for _, taskID := range taskIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_messages (message_id, task_id, partition_id, priority, submission_date)
			 VALUES ($1,$2,$3,$4,$5)`,
			uuid.NewString(), taskID, partitionID, priority, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (q *PostgresQueue) Pull(ctx context.Context, n int) ([]MessageHandle, error) {
	if n <= 0 {
		return nil, nil
	}
	for {
		handles, err := q.tryClaim(ctx, n)
		if err != nil {
			return nil, err
		}
		if len(handles) > 0 {
			return handles, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.opts.PollPeriod):
		}
	}
}

func (q *PostgresQueue) tryClaim(ctx context.Context, n int) ([]MessageHandle, error) {
	now := time.Now().UTC()
	rows, err := q.db.QueryContext(ctx,
		`UPDATE queue_messages m
		 SET owner_id=$1, owned_until=$2
		 FROM (
		     SELECT message_id FROM queue_messages
		     WHERE partition_id=$3 AND (owner_id = '' OR owned_until < $4)
		     ORDER BY priority DESC, submission_date ASC
		     LIMIT $5
		     FOR UPDATE SKIP LOCKED
		 ) c
		 WHERE m.message_id = c.message_id
		 RETURNING m.message_id, m.task_id`,
		q.ownerID, now.Add(q.opts.LockTTL), q.opts.PartitionID, now, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	handles := make([]MessageHandle, 0, n)
	for rows.Next() {
		h := &pgMessageHandle{queue: q}
		if err := rows.Scan(&h.messageID, &h.taskID); err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	if len(handles) > 0 {
		observability.Default.IncCounter("queue_claims_total", nil, float64(len(handles)))
	}
	return handles, rows.Err()
}

// ReapExpired clears the lease of every message whose deadline passed. The
// claim predicate already ignores expired leases; the reap just keeps the
// table readable for operators and shortens the claim scan.
func (q *PostgresQueue) ReapExpired(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_messages SET owner_id='', owned_until=NULL WHERE owner_id <> '' AND owned_until < $1`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *PostgresQueue) LockRefreshPeriodicity() time.Duration { return q.opts.RefreshPeriodicity }
func (q *PostgresQueue) LockRefreshExtension() time.Duration   { return q.opts.LockTTL }
func (q *PostgresQueue) MaxPriority() int                      { return q.opts.MaxPriority }
func (q *PostgresQueue) AreMessagesUnique() bool               { return false }

type pgMessageHandle struct {
	queue     *PostgresQueue
	messageID string
	taskID    string
}

func (h *pgMessageHandle) MessageID() string { return h.messageID }
func (h *pgMessageHandle) TaskID() string    { return h.taskID }

func (h *pgMessageHandle) RenewDeadline(ctx context.Context) (bool, error) {
	res, err := h.queue.db.ExecContext(ctx,
		`UPDATE queue_messages SET owned_until=$3 WHERE message_id=$1 AND owner_id=$2`,
		h.messageID, h.queue.ownerID, time.Now().UTC().Add(h.queue.opts.LockTTL),
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (h *pgMessageHandle) Finalize(ctx context.Context, disposition Disposition) error {
	switch disposition {
	case DispositionProcessed, DispositionRejected:
		if _, err := h.queue.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE message_id=$1`, h.messageID); err != nil {
			return err
		}
		if disposition == DispositionProcessed {
			observability.Default.IncCounter("queue_acks_total", nil, 1)
		}
		return nil
	case DispositionFailed:
		_, err := h.queue.db.ExecContext(ctx,
			`UPDATE queue_messages SET owner_id='', owned_until=NULL WHERE message_id=$1 AND owner_id=$2`,
			h.messageID, h.queue.ownerID,
		)
		return err
	case DispositionPostponed:
		_, err := h.queue.db.ExecContext(ctx,
			`UPDATE queue_messages SET owner_id='', owned_until=NULL, submission_date=$3 WHERE message_id=$1 AND owner_id=$2`,
			h.messageID, h.queue.ownerID, time.Now().UTC(),
		)
		return err
	default:
		return fmt.Errorf("unknown disposition %d", disposition)
	}
}
