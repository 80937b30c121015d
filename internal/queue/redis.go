package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	redisJobsKey    = "docpipe:jobs"
	redisDelayedKey = "docpipe:jobs:delayed"

	// dequeueBlock bounds each BRPOP so the consumer can notice ctx
	// cancellation.
	dequeueBlock = 2 * time.Second
	// moverInterval is how often due delayed jobs are promoted to the
	// ready list.
	moverInterval = 1 * time.Second
)

// Redis is a Queue backed by a Redis list, for multi-process deployments.
// Delayed redeliveries sit in a sorted set scored by ready time; a mover
// goroutine promotes due jobs back onto the ready list.
type Redis struct {
	client *redis.Client
	stop   context.CancelFunc
	done   chan struct{}
}

// NewRedis creates a Redis-backed queue and starts the delayed-job mover.
func NewRedis(client *redis.Client) *Redis {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client: client,
		stop:   cancel,
		done:   make(chan struct{}),
	}
	go r.runMover(ctx)
	return r
}

func (r *Redis) Enqueue(ctx context.Context, jobType JobType, payload any) error {
	job, err := NewJob(jobType, payload)
	if err != nil {
		return err
	}
	return r.push(ctx, job)
}

func (r *Redis) Dequeue(ctx context.Context) (Job, error) {
	for {
		res, err := r.client.BRPop(ctx, dequeueBlock, redisJobsKey).Result()
		if err == redis.Nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, eris.Wrap(err, "queue: brpop")
		}

		// BRPop returns [key, value].
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			zap.L().Error("queue: discarding undecodable job", zap.Error(err))
			continue
		}
		return job, nil
	}
}

func (r *Redis) Requeue(ctx context.Context, job Job, delay time.Duration) error {
	job.Deliveries++

	if delay <= 0 {
		return r.push(ctx, job)
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "queue: marshal job")
	}

	readyAt := time.Now().Add(delay)
	err = r.client.ZAdd(ctx, redisDelayedKey, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: raw,
	}).Err()
	return eris.Wrap(err, "queue: zadd delayed job")
}

func (r *Redis) Close() error {
	r.stop()
	<-r.done
	return nil
}

func (r *Redis) push(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return eris.Wrap(err, "queue: marshal job")
	}
	if err := r.client.LPush(ctx, redisJobsKey, raw).Err(); err != nil {
		return eris.Wrap(err, "queue: lpush")
	}
	return nil
}

// runMover promotes delayed jobs whose ready time has passed.
func (r *Redis) runMover(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(moverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.promoteDue(ctx)
		}
	}
}

func (r *Redis) promoteDue(ctx context.Context) {
	now := time.Now().UnixMilli()

	due, err := r.client.ZRangeByScore(ctx, redisDelayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Warn("queue: delayed-job scan failed", zap.Error(err))
		}
		return
	}

	for _, member := range due {
		// Remove first so concurrent movers cannot double-promote.
		removed, err := r.client.ZRem(ctx, redisDelayedKey, member).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := r.client.LPush(ctx, redisJobsKey, member).Err(); err != nil {
			zap.L().Error("queue: failed to promote delayed job", zap.Error(err))
		}
	}
}
