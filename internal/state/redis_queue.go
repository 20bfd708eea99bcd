package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/example/taskmesh/internal/observability"
)

// RedisQueueConfig configures the Redis-backed LockedQueue.
type RedisQueueConfig struct {
	Addr               string
	Password           string
	DB                 int
	KeyPrefix          string
	PartitionID        string
	LockTTL            time.Duration
	RefreshPeriodicity time.Duration
	PollPeriod         time.Duration
	MaxPriority        int
}

// RedisQueue implements the LockedQueue on Redis. The pending set is a sorted
// set whose score folds priority and submission time into one ordering key;
// claims, renewals and finalization run as Lua scripts so every lease move is
// atomic on the server.
type RedisQueue struct {
	rdb     *redis.Client
	cfg     RedisQueueConfig
	ownerID string
}

// priorityBand separates priority classes in the pending-set score. It must
// exceed any millisecond timestamp.
const priorityBand = 1e13

var claimScript = redis.NewScript(`
local pending = KEYS[1]
local tasks = KEYS[2]
local owners = KEYS[3]
local scores = KEYS[4]
local leases = KEYS[5]
local now = tonumber(ARGV[1])
local until_ms = ARGV[2]
local owner = ARGV[3]
local n = tonumber(ARGV[4])

-- return expired leases to the pending set first
local expired = redis.call('ZRANGEBYSCORE', leases, '-inf', now)
for _, id in ipairs(expired) do
  local score = redis.call('HGET', scores, id)
  if score then
    redis.call('ZADD', pending, score, id)
  end
  redis.call('HDEL', owners, id)
  redis.call('ZREM', leases, id)
end

local claimed = redis.call('ZRANGE', pending, 0, n - 1)
local out = {}
for _, id in ipairs(claimed) do
  redis.call('ZREM', pending, id)
  redis.call('HSET', owners, id, owner)
  redis.call('ZADD', leases, until_ms, id)
  table.insert(out, id)
  table.insert(out, redis.call('HGET', tasks, id))
end
return out
`)

var reapScript = redis.NewScript(`
local pending = KEYS[1]
local owners = KEYS[2]
local scores = KEYS[3]
local leases = KEYS[4]
local now = tonumber(ARGV[1])

local expired = redis.call('ZRANGEBYSCORE', leases, '-inf', now)
for _, id in ipairs(expired) do
  local score = redis.call('HGET', scores, id)
  if score then
    redis.call('ZADD', pending, score, id)
  end
  redis.call('HDEL', owners, id)
  redis.call('ZREM', leases, id)
end
return #expired
`)

var renewScript = redis.NewScript(`
local owners = KEYS[1]
local leases = KEYS[2]
local id = ARGV[1]
local owner = ARGV[2]
local until_ms = ARGV[3]
if redis.call('HGET', owners, id) == owner then
  redis.call('ZADD', leases, until_ms, id)
  return 1
end
return 0
`)

var finalizeScript = redis.NewScript(`
local pending = KEYS[1]
local tasks = KEYS[2]
local owners = KEYS[3]
local scores = KEYS[4]
local leases = KEYS[5]
local priorities = KEYS[6]
local id = ARGV[1]
local owner = ARGV[2]
local mode = ARGV[3]
local newscore = ARGV[4]

if mode == 'delete' then
  redis.call('ZREM', pending, id)
  redis.call('ZREM', leases, id)
  redis.call('HDEL', tasks, id)
  redis.call('HDEL', owners, id)
  redis.call('HDEL', scores, id)
  redis.call('HDEL', priorities, id)
  return 1
end

if redis.call('HGET', owners, id) ~= owner then
  return 0
end
redis.call('HDEL', owners, id)
redis.call('ZREM', leases, id)
if mode == 'postpone' then
  redis.call('HSET', scores, id, newscore)
  redis.call('ZADD', pending, newscore, id)
else
  redis.call('ZADD', pending, redis.call('HGET', scores, id), id)
end
return 1
`)

func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.LockTTL <= 0 {
		return nil, fmt.Errorf("lock ttl must be strictly positive, got %v", cfg.LockTTL)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "taskmesh:queue"
	}
	if cfg.RefreshPeriodicity <= 0 {
		cfg.RefreshPeriodicity = cfg.LockTTL / 2
	}
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = 250 * time.Millisecond
	}
	if cfg.MaxPriority <= 0 {
		cfg.MaxPriority = 9
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisQueue{rdb: rdb, cfg: cfg, ownerID: uuid.NewString()}, nil
}

func (q *RedisQueue) Close() error { return q.rdb.Close() }

func (q *RedisQueue) key(suffix string) string {
	return q.cfg.KeyPrefix + ":" + q.cfg.PartitionID + ":" + suffix
}

func (q *RedisQueue) keys() []string {
	return []string{
		q.key("pending"),
		q.key("tasks"),
		q.key("owners"),
		q.key("scores"),
		q.key("leases"),
		q.key("priorities"),
	}
}

func (q *RedisQueue) score(priority int, submission time.Time) float64 {
	return float64(q.cfg.MaxPriority-priority)*priorityBand + float64(submission.UnixMilli())
}

func (q *RedisQueue) Enqueue(ctx context.Context, taskIDs []string, partitionID string, priority int) error {
	if priority < 0 {
		priority = 0
	}
	if priority > q.cfg.MaxPriority {
		priority = q.cfg.MaxPriority
	}
	prefix := q.cfg.KeyPrefix + ":" + partitionID + ":"
	now := time.Now().UTC()
	pipe := q.rdb.TxPipeline()
	for _, taskID := range taskIDs {
		id := uuid.NewString()
		score := q.score(priority, now)
		pipe.HSet(ctx, prefix+"tasks", id, taskID)
		pipe.HSet(ctx, prefix+"scores", id, strconv.FormatFloat(score, 'f', 0, 64))
		pipe.HSet(ctx, prefix+"priorities", id, priority)
		pipe.ZAdd(ctx, prefix+"pending", &redis.Z{Score: score, Member: id})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Pull(ctx context.Context, n int) ([]MessageHandle, error) {
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
		case <-time.After(q.cfg.PollPeriod):
		}
	}
}

func (q *RedisQueue) tryClaim(ctx context.Context, n int) ([]MessageHandle, error) {
	now := time.Now().UTC()
	res, err := claimScript.Run(ctx, q.rdb, q.keys()[:5],
		now.UnixMilli(), now.Add(q.cfg.LockTTL).UnixMilli(), q.ownerID, n,
	).Result()
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected claim reply %T", res)
	}
	handles := make([]MessageHandle, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		messageID, _ := raw[i].(string)
		taskID, _ := raw[i+1].(string)
		if messageID == "" || taskID == "" {
			continue
		}
		handles = append(handles, &redisMessageHandle{queue: q, messageID: messageID, taskID: taskID})
	}
	if len(handles) > 0 {
		observability.Default.IncCounter("queue_claims_total", nil, float64(len(handles)))
	}
	if depth, err := q.rdb.ZCard(ctx, q.key("pending")).Result(); err == nil {
		observability.Default.SetGauge("queue_depth", map[string]string{"partition": q.cfg.PartitionID}, float64(depth))
	}
	return handles, nil
}

// ReapExpired returns messages with expired leases to the pending set. The
// claim script already does this inline; the periodic reap keeps the pending
// set honest even when no puller is active.
func (q *RedisQueue) ReapExpired(ctx context.Context) (int64, error) {
	n, err := reapScript.Run(ctx, q.rdb,
		[]string{q.key("pending"), q.key("owners"), q.key("scores"), q.key("leases")},
		time.Now().UTC().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (q *RedisQueue) LockRefreshPeriodicity() time.Duration { return q.cfg.RefreshPeriodicity }
func (q *RedisQueue) LockRefreshExtension() time.Duration   { return q.cfg.LockTTL }
func (q *RedisQueue) MaxPriority() int                      { return q.cfg.MaxPriority }
func (q *RedisQueue) AreMessagesUnique() bool               { return false }

type redisMessageHandle struct {
	queue     *RedisQueue
	messageID string
	taskID    string
}

func (h *redisMessageHandle) MessageID() string { return h.messageID }
func (h *redisMessageHandle) TaskID() string    { return h.taskID }

func (h *redisMessageHandle) RenewDeadline(ctx context.Context) (bool, error) {
	q := h.queue
	res, err := renewScript.Run(ctx, q.rdb,
		[]string{q.key("owners"), q.key("leases")},
		h.messageID, q.ownerID, time.Now().UTC().Add(q.cfg.LockTTL).UnixMilli(),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (h *redisMessageHandle) Finalize(ctx context.Context, disposition Disposition) error {
	q := h.queue
	var mode string
	newScore := "0"
	switch disposition {
	case DispositionProcessed, DispositionRejected:
		mode = "delete"
	case DispositionFailed:
		mode = "release"
	case DispositionPostponed:
		mode = "postpone"
		priority, err := q.rdb.HGet(ctx, q.key("priorities"), h.messageID).Int()
		if err != nil && err != redis.Nil {
			return err
		}
		newScore = strconv.FormatFloat(q.score(priority, time.Now().UTC()), 'f', 0, 64)
	default:
		return fmt.Errorf("unknown disposition %d", disposition)
	}
	if err := finalizeScript.Run(ctx, q.rdb, q.keys(), h.messageID, q.ownerID, mode, newScore).Err(); err != nil {
		return err
	}
	if disposition == DispositionProcessed {
		observability.Default.IncCounter("queue_acks_total", nil, 1)
	}
	return nil
}
