package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

const (
	DefaultJobTimeout  = 30 * time.Minute
	DefaultPollTimeout = 5 * time.Second
)

// Handler executes the payload of one job and returns a JSON-encodable
// result.
type Handler interface {
	Handle(ctx context.Context, p Payload) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, p Payload) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, p Payload) (any, error) { return f(ctx, p) }

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Queue       string
	JobTimeout  time.Duration
	PollTimeout time.Duration
	Logger      minhash.Logger
}

// Worker runs jobs from one queue, one at a time.
type Worker struct {
	client  *Client
	handler Handler
	opts    WorkerOptions
	logger  minhash.Logger
}

func NewWorker(client *Client, handler Handler, opts WorkerOptions) *Worker {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = minhash.NewNopLogger()
	}
	return &Worker{client: client, handler: handler, opts: opts, logger: logger}
}

// Run processes jobs until ctx is canceled. A job that is running when ctx
// ends is allowed to finish.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "queue", w.opts.Queue)
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped", "queue", w.opts.Queue)
			return nil
		}
		if _, err := w.Work(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("worker iteration failed", "queue", w.opts.Queue, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.opts.PollTimeout):
			}
		}
	}
}

// Work promotes due retries, then waits up to the poll timeout for one job
// and runs it. It reports whether a job was run.
func (w *Worker) Work(ctx context.Context) (bool, error) {
	if _, err := w.client.promote(ctx, w.opts.Queue); err != nil {
		return false, err
	}

	res, err := w.client.rdb.BLPop(ctx, w.opts.PollTimeout, queueKey(w.opts.Queue)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("waiting for job: %w", err)
	}
	return true, w.execute(context.WithoutCancel(ctx), res[1])
}

func (w *Worker) execute(ctx context.Context, id string) error {
	job, err := w.client.Fetch(ctx, id)
	if errors.Is(err, errclass.ErrNotFound) {
		w.logger.Warn("dequeued job has expired", "job_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status.Done() {
		w.logger.Warn("dequeued job is already done", "job_id", id, "status", job.Status)
		return nil
	}
	if err := w.client.markStarted(ctx, job); err != nil {
		return err
	}

	timeout := w.opts.JobTimeout
	if job.Payload.JobTimeout > 0 {
		timeout = time.Duration(job.Payload.JobTimeout) * time.Second
	}
	w.logger.Info("job started", "job_id", id, "task", job.Payload.Task, "attempt", job.Attempts)

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	result, jobErr := w.run(jobCtx, job.Payload)
	cancel()

	if jobErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			jobErr = fmt.Errorf("encoding result: %w", err)
		} else {
			w.logger.Info("job finished", "job_id", id, "task", job.Payload.Task)
			return w.client.finish(ctx, job, data)
		}
	}

	status, err := w.client.fail(ctx, job, jobErr)
	if err != nil {
		return err
	}
	w.logger.Warn("job did not succeed", "job_id", id, "task", job.Payload.Task, "status", status, "error", jobErr)
	return nil
}

// run calls the handler, turning a panic into a job failure.
func (w *Worker) run(ctx context.Context, p Payload) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", p.Task, r)
		}
	}()
	return w.handler.Handle(ctx, p)
}
