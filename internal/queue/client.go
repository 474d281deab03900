package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

// DefaultResultTTL is how long finished and failed jobs stay inspectable.
const DefaultResultTTL = 24 * time.Hour

const maxWatchRetries = 10

// Options configures a Client.
type Options struct {
	ResultTTL time.Duration
	Clock     minhash.Clock
	IDs       minhash.IDGenerator
	Logger    minhash.Logger
}

// Client submits and inspects jobs.
type Client struct {
	rdb       redis.UniversalClient
	resultTTL time.Duration
	clock     minhash.Clock
	ids       minhash.IDGenerator
	logger    minhash.Logger
}

func NewClient(rdb redis.UniversalClient, opts Options) *Client {
	c := &Client{
		rdb:       rdb,
		resultTTL: opts.ResultTTL,
		clock:     opts.Clock,
		ids:       opts.IDs,
		logger:    opts.Logger,
	}
	if c.resultTTL <= 0 {
		c.resultTTL = DefaultResultTTL
	}
	if c.clock == nil {
		c.clock = minhash.RealClock{}
	}
	if c.ids == nil {
		c.ids = minhash.UUIDGenerator{}
	}
	if c.logger == nil {
		c.logger = minhash.NewNopLogger()
	}
	return c
}

// Dial connects to Redis at addr and checks that it answers.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errclass.ErrExternalUnavailable.Wrap(err, "connecting to redis at "+addr)
	}
	return rdb, nil
}

// Enqueue stores a job and appends it to the queue. A job whose
// dependencies have not all finished is deferred until they do; one whose
// dependency failed is canceled right away.
func (c *Client) Enqueue(ctx context.Context, queue string, p Payload) (*Job, error) {
	if queue == "" {
		return nil, errclass.ErrMalformed.WithMessage("queue name is required")
	}
	if p.Task == "" {
		return nil, errclass.ErrMalformed.WithMessage("task name is required")
	}
	if p.Retry != nil && (p.Retry.Max < 0 || p.Retry.Interval < 0) {
		return nil, errclass.ErrMalformed.WithMessage("retry policy must not be negative")
	}

	job := &Job{
		ID:         c.ids.New(),
		Queue:      queue,
		Payload:    p,
		Status:     StatusQueued,
		EnqueuedAt: c.clock.Now(),
	}

	if len(p.DependsOn) == 0 {
		fields, err := job.fields()
		if err != nil {
			return nil, err
		}
		_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, jobKey(job.ID), fields...)
			pipe.RPush(ctx, queueKey(queue), job.ID)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("enqueueing job: %w", err)
		}
		c.logger.Debug("job enqueued", "job_id", job.ID, "task", p.Task, "queue", queue)
		return job, nil
	}

	keys := make([]string, len(p.DependsOn))
	for i, dep := range p.DependsOn {
		keys[i] = jobKey(dep)
	}
	for range maxWatchRetries {
		err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
			return c.enqueueChained(ctx, tx, job)
		}, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c.logger.Debug("chained job enqueued", "job_id", job.ID, "task", p.Task, "status", job.Status)
		return job, nil
	}
	return nil, errclass.ErrLocked.WithMessagef("dependencies of job %s kept changing", job.ID)
}

// enqueueChained runs inside a WATCH on the dependency hashes, so a
// dependency cannot finish between the status check and the write.
func (c *Client) enqueueChained(ctx context.Context, tx *redis.Tx, job *Job) error {
	status := StatusQueued
	var pending []string
	var failed string
	for _, dep := range job.Payload.DependsOn {
		st, err := tx.HGet(ctx, jobKey(dep), fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return errclass.ErrNotFound.WithMessagef("dependency job %s", dep)
		}
		if err != nil {
			return fmt.Errorf("reading dependency %s: %w", dep, err)
		}
		switch Status(st) {
		case StatusFinished:
		case StatusFailed, StatusCanceled:
			failed = dep
		default:
			pending = append(pending, dep)
		}
	}
	switch {
	case failed != "":
		status = StatusCanceled
		job.Error = fmt.Sprintf("dependency %s did not succeed", failed)
	case len(pending) > 0:
		status = StatusDeferred
	}
	job.Status = status

	fields, err := job.fields()
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := jobKey(job.ID)
		pipe.HSet(ctx, key, fields...)
		switch status {
		case StatusQueued:
			pipe.RPush(ctx, queueKey(job.Queue), job.ID)
		case StatusDeferred:
			for _, dep := range pending {
				pipe.SAdd(ctx, dependentsKey(dep), job.ID)
			}
		case StatusCanceled:
			pipe.HSet(ctx, key, fieldError, job.Error, fieldEndedAt, formatTime(c.clock.Now()))
			pipe.Expire(ctx, key, c.resultTTL)
		}
		return nil
	})
	return err
}

// Fetch returns the stored state of a job. Unknown and expired jobs are
// ErrNotFound.
func (c *Client) Fetch(ctx context.Context, id string) (*Job, error) {
	h, err := c.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching job %s: %w", id, err)
	}
	return parseJob(id, h)
}

// QueueLength reports how many jobs wait in the queue.
func (c *Client) QueueLength(ctx context.Context, queue string) (int64, error) {
	return c.rdb.LLen(ctx, queueKey(queue)).Result()
}

func (c *Client) markStarted(ctx context.Context, job *Job) error {
	now := c.clock.Now()
	key := jobKey(job.ID)
	var attempts *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldStatus, string(StatusStarted), fieldStartedAt, formatTime(now))
		attempts = pipe.HIncrBy(ctx, key, fieldAttempts, 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("marking job %s started: %w", job.ID, err)
	}
	job.Status = StatusStarted
	job.StartedAt = &now
	job.Attempts = int(attempts.Val())
	return nil
}

// finish records a result and releases the jobs waiting on this one.
func (c *Client) finish(ctx context.Context, job *Job, result []byte) error {
	key := jobKey(job.ID)
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldStatus, string(StatusFinished),
			fieldResult, string(result),
			fieldEndedAt, formatTime(c.clock.Now()))
		pipe.HDel(ctx, key, fieldError)
		pipe.Expire(ctx, key, c.resultTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("marking job %s finished: %w", job.ID, err)
	}

	dependents, err := c.rdb.SMembers(ctx, dependentsKey(job.ID)).Result()
	if err != nil {
		return fmt.Errorf("listing dependents of %s: %w", job.ID, err)
	}
	for _, id := range dependents {
		if err := c.release(ctx, id); err != nil {
			return err
		}
	}
	return c.rdb.Del(ctx, dependentsKey(job.ID)).Err()
}

// release moves a deferred job to the front of its queue once all of its
// dependencies have finished.
func (c *Client) release(ctx context.Context, id string) error {
	for range maxWatchRetries {
		err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
			h, err := tx.HGetAll(ctx, jobKey(id)).Result()
			if err != nil {
				return err
			}
			job, err := parseJob(id, h)
			if err != nil {
				return err
			}
			if job.Status != StatusDeferred {
				return nil
			}
			for _, dep := range job.Payload.DependsOn {
				st, err := tx.HGet(ctx, jobKey(dep), fieldStatus).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return err
				}
				if Status(st) != StatusFinished {
					return nil
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, jobKey(id), fieldStatus, string(StatusQueued))
				pipe.LPush(ctx, queueKey(job.Queue), id)
				return nil
			})
			return err
		}, jobKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, errclass.ErrNotFound) {
			c.logger.Warn("dependent job expired before release", "job_id", id)
			return nil
		}
		if err != nil {
			return fmt.Errorf("releasing job %s: %w", id, err)
		}
		return nil
	}
	return errclass.ErrLocked.WithMessagef("job %s kept changing while being released", id)
}

// fail schedules a retry when the policy allows one and the error is not
// permanent. Otherwise the job fails for good and its dependents are
// canceled.
func (c *Client) fail(ctx context.Context, job *Job, jobErr error) (Status, error) {
	key := jobKey(job.ID)
	msg := jobErr.Error()
	retry := job.Payload.Retry
	if retry != nil && job.Attempts <= retry.Max && !errclass.IsPermanent(jobErr) {
		at := c.clock.Now().Add(retry.interval())
		_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldStatus, string(StatusScheduled), fieldError, msg)
			pipe.ZAdd(ctx, scheduledKey(job.Queue), redis.Z{Score: float64(at.UnixMilli()), Member: job.ID})
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("scheduling retry of %s: %w", job.ID, err)
		}
		return StatusScheduled, nil
	}

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldStatus, string(StatusFailed),
			fieldError, msg,
			fieldEndedAt, formatTime(c.clock.Now()))
		pipe.Expire(ctx, key, c.resultTTL)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("marking job %s failed: %w", job.ID, err)
	}
	return StatusFailed, c.cancelDependents(ctx, job.ID)
}

func (c *Client) cancelDependents(ctx context.Context, id string) error {
	dependents, err := c.rdb.SMembers(ctx, dependentsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("listing dependents of %s: %w", id, err)
	}
	for _, dep := range dependents {
		key := jobKey(dep)
		_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				fieldStatus, string(StatusCanceled),
				fieldError, fmt.Sprintf("dependency %s did not succeed", id),
				fieldEndedAt, formatTime(c.clock.Now()))
			pipe.Expire(ctx, key, c.resultTTL)
			return nil
		})
		if err != nil {
			return fmt.Errorf("canceling job %s: %w", dep, err)
		}
		c.logger.Info("job canceled", "job_id", dep, "dependency", id)
		if err := c.cancelDependents(ctx, dep); err != nil {
			return err
		}
	}
	return c.rdb.Del(ctx, dependentsKey(id)).Err()
}

// promote moves retries that are due back onto the queue.
func (c *Client) promote(ctx context.Context, queue string) (int, error) {
	now := float64(c.clock.Now().UnixMilli())
	due, err := c.rdb.ZRangeByScore(ctx, scheduledKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing scheduled jobs: %w", err)
	}

	promoted := 0
	for _, id := range due {
		// Only the worker that removes the entry requeues it.
		n, err := c.rdb.ZRem(ctx, scheduledKey(queue), id).Result()
		if err != nil {
			return promoted, fmt.Errorf("claiming scheduled job %s: %w", id, err)
		}
		if n == 0 {
			continue
		}
		_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, jobKey(id), fieldStatus, string(StatusQueued))
			pipe.RPush(ctx, queueKey(queue), id)
			return nil
		})
		if err != nil {
			return promoted, fmt.Errorf("requeueing job %s: %w", id, err)
		}
		promoted++
	}
	return promoted, nil
}

// Pending lists the job ids waiting in the queue, head first.
func (c *Client) Pending(ctx context.Context, queue string) ([]string, error) {
	ids, err := c.rdb.LRange(ctx, queueKey(queue), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing queue %s: %w", queue, err)
	}
	return ids, nil
}
