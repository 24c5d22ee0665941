package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"insightwatch/api/internal/lock"
	"insightwatch/api/internal/util"
)

// leaseScript moves the oldest ready job to processing and records its lease
// deadline in one step, so a processing job always has a lease.
var leaseScript = redis.NewScript(`
local raw = redis.call("LMOVE", KEYS[1], KEYS[2], "RIGHT", "LEFT")
if not raw then
	return false
end
redis.call("ZADD", KEYS[3], ARGV[1], raw)
return raw
`)

// Delivery is a job leased to one worker.
type Delivery struct {
	Job Job
	raw string
}

// RedisQueue keeps ready jobs in a list, leased jobs in a processing list,
// and retries in a sorted set scored by their due time.
type RedisQueue struct {
	client   *redis.Client
	locker   lock.Locker
	dedupTTL time.Duration
	now      func() time.Time

	ready      string
	processing string
	leases     string
	delayed    string
	dead       string
	statusPfx  string
}

type Options struct {
	Prefix   string
	DedupTTL time.Duration
	Now      func() time.Time
}

func NewRedisQueue(client *redis.Client, locker lock.Locker, opts Options) *RedisQueue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "insight"
	}
	ttl := opts.DedupTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &RedisQueue{
		client:     client,
		locker:     locker,
		dedupTTL:   ttl,
		now:        now,
		ready:      prefix + ":queue:ready",
		processing: prefix + ":queue:processing",
		leases:     prefix + ":queue:leases",
		delayed:    prefix + ":queue:delayed",
		dead:       prefix + ":queue:dead",
		statusPfx:  prefix + ":job:",
	}
}

// Enqueue schedules req unless a job with the same key is still outstanding,
// in which case it returns ErrDuplicate and schedules nothing.
func (q *RedisQueue) Enqueue(ctx context.Context, req Request) (Job, error) {
	job := Job{
		ID:         util.NewID("job"),
		Key:        req.Key(),
		Request:    req,
		EnqueuedAt: q.now().UTC(),
	}

	acquired, err := q.locker.TryAcquire(ctx, job.Key, job.ID, q.dedupTTL)
	if err != nil {
		return Job{}, err
	}
	if !acquired {
		return Job{}, ErrDuplicate
	}

	payload, err := json.Marshal(job)
	if err != nil {
		_ = q.locker.Release(ctx, job.Key, job.ID)
		return Job{}, fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.ready, payload).Err(); err != nil {
		_ = q.locker.Release(ctx, job.Key, job.ID)
		return Job{}, fmt.Errorf("push job %s: %w", job.Key, err)
	}
	q.setStatus(ctx, job, StateEnqueued)
	return job, nil
}

// Dequeue leases the oldest ready job until now+lease. It returns nil when the queue is empty.
// The returned job's Attempts already counts the attempt about to run.
func (q *RedisQueue) Dequeue(ctx context.Context, lease time.Duration) (*Delivery, error) {
	deadline := q.now().Add(lease)
	raw, err := leaseScript.Run(ctx, q.client, []string{q.ready, q.processing, q.leases}, deadline.UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Unreadable payloads can never succeed; park them with the dead letters.
		_ = q.drop(ctx, raw)
		_ = q.client.LPush(ctx, q.dead, raw).Err()
		return nil, fmt.Errorf("decode job: %w", err)
	}
	job.Attempts++
	q.setStatus(ctx, job, StateRunning)
	return &Delivery{Job: job, raw: raw}, nil
}

// Complete finishes a delivery for good and frees its dedup key.
// Terminal failures are kept in the dead-letter list.
func (q *RedisQueue) Complete(ctx context.Context, d *Delivery, state State) error {
	if !state.Final() {
		return fmt.Errorf("complete job %s: %s is not a final state", d.Job.Key, state)
	}
	if err := q.drop(ctx, d.raw); err != nil {
		return err
	}
	if state == StateFailedTerminal {
		payload, err := json.Marshal(d.Job)
		if err != nil {
			return fmt.Errorf("encode dead job: %w", err)
		}
		if err := q.client.LPush(ctx, q.dead, payload).Err(); err != nil {
			return fmt.Errorf("dead-letter job %s: %w", d.Job.Key, err)
		}
	}
	q.setStatus(ctx, d.Job, state)
	if err := q.locker.Release(ctx, d.Job.Key, d.Job.ID); err != nil {
		return err
	}
	return nil
}

// Retry puts the delivery back after delay. The dedup key stays held.
func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	payload, err := json.Marshal(d.Job)
	if err != nil {
		return fmt.Errorf("encode retry: %w", err)
	}
	due := q.now().Add(delay)
	if err := q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due.UnixMilli()), Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("schedule retry %s: %w", d.Job.Key, err)
	}
	if err := q.drop(ctx, d.raw); err != nil {
		return err
	}
	q.setStatus(ctx, d.Job, StateFailedRetryable)
	return nil
}

// PromoteDue moves retries whose delay has elapsed back onto the ready list.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read delayed jobs: %w", err)
	}
	moved := 0
	for _, raw := range due {
		removed, err := q.client.ZRem(ctx, q.delayed, raw).Result()
		if err != nil {
			return moved, fmt.Errorf("claim delayed job: %w", err)
		}
		if removed == 0 {
			continue // another promoter got it
		}
		if err := q.client.LPush(ctx, q.ready, raw).Err(); err != nil {
			return moved, fmt.Errorf("requeue delayed job: %w", err)
		}
		moved++
	}
	return moved, nil
}

// ReclaimExpired returns jobs whose lease ran out (a crashed or stuck worker) to the ready list.
func (q *RedisQueue) ReclaimExpired(ctx context.Context) (int, error) {
	expired, err := q.client.ZRangeByScore(ctx, q.leases, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read leases: %w", err)
	}
	reclaimed := 0
	for _, raw := range expired {
		if err := q.client.ZRem(ctx, q.leases, raw).Err(); err != nil {
			return reclaimed, fmt.Errorf("clear lease: %w", err)
		}
		removed, err := q.client.LRem(ctx, q.processing, 1, raw).Result()
		if err != nil {
			return reclaimed, fmt.Errorf("release processing job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.ready, raw).Err(); err != nil {
			return reclaimed, fmt.Errorf("requeue reclaimed job: %w", err)
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Status returns the last recorded state for key.
func (q *RedisQueue) Status(ctx context.Context, key string) (Status, bool, error) {
	values, err := q.client.HGetAll(ctx, q.statusPfx+key).Result()
	if err != nil {
		return Status{}, false, fmt.Errorf("read job status %s: %w", key, err)
	}
	if len(values) == 0 {
		return Status{}, false, nil
	}
	attempts, _ := strconv.Atoi(values["attempts"])
	updated, _ := time.Parse(time.RFC3339Nano, values["updated_at"])
	return Status{
		JobID:     values["job_id"],
		State:     State(values["state"]),
		Attempts:  attempts,
		LastError: values["last_error"],
		UpdatedAt: updated,
	}, true, nil
}

// Depth reports the size of each list, for tests and diagnostics.
func (q *RedisQueue) Depth(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.ready)
	processing := pipe.LLen(ctx, q.processing)
	delayed := pipe.ZCard(ctx, q.delayed)
	dead := pipe.LLen(ctx, q.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read queue depth: %w", err)
	}
	return map[string]int64{
		"ready":      ready.Val(),
		"processing": processing.Val(),
		"delayed":    delayed.Val(),
		"dead":       dead.Val(),
	}, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) drop(ctx context.Context, raw string) error {
	if err := q.client.LRem(ctx, q.processing, 1, raw).Err(); err != nil {
		return fmt.Errorf("remove processing job: %w", err)
	}
	if err := q.client.ZRem(ctx, q.leases, raw).Err(); err != nil {
		return fmt.Errorf("clear lease: %w", err)
	}
	return nil
}

// setStatus is best effort; the queue lists are the source of truth.
func (q *RedisQueue) setStatus(ctx context.Context, job Job, state State) {
	key := q.statusPfx + job.Key
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"job_id":     job.ID,
		"state":      string(state),
		"attempts":   job.Attempts,
		"last_error": job.LastError,
		"updated_at": q.now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, q.dedupTTL)
	_, _ = pipe.Exec(ctx)
}
