package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Redis is a delayed queue shared by every instance pointing at the same
// Redis. Job bodies live in a hash keyed by job id; a sorted set scored by
// the due time (unix ms) holds the ids that are waiting. A consumer claims a
// job by taking the per-job lock and removing the id from the sorted set.
type Redis struct {
	rdb    *redis.Client
	locker *redislock.Client
	name   string

	// LockTTL bounds how long a crashed consumer can hold a job.
	LockTTL time.Duration
	// Poll is the idle wait between scans of the sorted set.
	Poll time.Duration

	mu          sync.Mutex
	held        map[string]*redislock.Lock
	lastRecover time.Time
	now         func() time.Time
}

func NewRedis(rdb *redis.Client, name string) *Redis {
	if name == "" {
		name = "payhooks"
	}
	return &Redis{
		rdb:     rdb,
		locker:  redislock.New(rdb),
		name:    name,
		LockTTL: 5 * time.Minute,
		Poll:    250 * time.Millisecond,
		held:    map[string]*redislock.Lock{},
		now:     time.Now,
	}
}

func (q *Redis) readyKey() string         { return q.name + ":ready" }
func (q *Redis) jobsKey() string          { return q.name + ":jobs" }
func (q *Redis) lockKey(id string) string { return q.name + ":lock:" + id }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func (q *Redis) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	job.RunAt = q.now().Add(delay)
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := q.rdb.HSetNX(ctx, q.jobsKey(), job.ID, body).Result()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	if !ok {
		return ErrDuplicate
	}
	return q.rdb.ZAdd(ctx, q.readyKey(), redis.Z{Score: score(job.RunAt), Member: job.ID}).Err()
}

func (q *Redis) Dequeue(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		due := q.now().Sub(q.lastRecover) > 30*time.Second
		if due {
			q.lastRecover = q.now()
		}
		q.mu.Unlock()
		if due {
			if err := q.Recover(ctx); err != nil && ctx.Err() == nil {
				return Job{}, err
			}
		}
		job, ok, err := q.claim(ctx)
		if err != nil {
			return Job{}, err
		}
		if ok {
			return job, nil
		}
		t := time.NewTimer(q.Poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return Job{}, ctx.Err()
		case <-t.C:
		}
	}
}

func (q *Redis) claim(ctx context.Context) (Job, bool, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.readyKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: 8,
	}).Result()
	if err != nil {
		return Job{}, false, err
	}
	for _, id := range ids {
		lock, err := q.locker.Obtain(ctx, q.lockKey(id), q.LockTTL, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			continue
		}
		if err != nil {
			return Job{}, false, err
		}
		removed, err := q.rdb.ZRem(ctx, q.readyKey(), id).Result()
		if err != nil || removed == 0 {
			_ = lock.Release(ctx)
			if err != nil {
				return Job{}, false, err
			}
			continue
		}
		body, err := q.rdb.HGet(ctx, q.jobsKey(), id).Bytes()
		if errors.Is(err, redis.Nil) {
			// acked concurrently; nothing to run
			_ = lock.Release(ctx)
			continue
		}
		if err != nil {
			_ = lock.Release(ctx)
			return Job{}, false, err
		}
		var job Job
		if err := json.Unmarshal(body, &job); err != nil {
			_ = lock.Release(ctx)
			_ = q.rdb.HDel(ctx, q.jobsKey(), id).Err()
			return Job{}, false, fmt.Errorf("decode job %s: %w", id, err)
		}
		q.mu.Lock()
		q.held[id] = lock
		q.mu.Unlock()
		return job, true, nil
	}
	return Job{}, false, nil
}

func (q *Redis) release(ctx context.Context, id string) error {
	q.mu.Lock()
	lock, ok := q.held[id]
	delete(q.held, id)
	q.mu.Unlock()
	if !ok {
		return ErrNotHeld
	}
	if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return err
	}
	return nil
}

func (q *Redis) Ack(ctx context.Context, job Job) error {
	if err := q.rdb.HDel(ctx, q.jobsKey(), job.ID).Err(); err != nil {
		return err
	}
	return q.release(ctx, job.ID)
}

func (q *Redis) Nack(ctx context.Context, job Job, delay time.Duration) error {
	job.RunAt = q.now().Add(delay)
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobsKey(), job.ID, body)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: score(job.RunAt), Member: job.ID})
		return nil
	})
	if err != nil {
		return err
	}
	return q.release(ctx, job.ID)
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.HLen(ctx, q.jobsKey()).Result()
	return int(n), err
}

// Recover puts back jobs whose consumer died between claim and ack: the body
// is still stored but the id is neither waiting nor locked.
func (q *Redis) Recover(ctx context.Context) error {
	ids, err := q.rdb.HKeys(ctx, q.jobsKey()).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := q.rdb.ZScore(ctx, q.readyKey(), id).Result(); err == nil {
			continue
		} else if !errors.Is(err, redis.Nil) {
			return err
		}
		locked, err := q.rdb.Exists(ctx, q.lockKey(id)).Result()
		if err != nil {
			return err
		}
		if locked > 0 {
			continue
		}
		if err := q.rdb.ZAddNX(ctx, q.readyKey(), redis.Z{Score: score(q.now()), Member: id}).Err(); err != nil {
			return err
		}
	}
	return nil
}
