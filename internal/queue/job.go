// Package queue is a Redis-backed durable job queue. Jobs live in hashes,
// queues are lists of job ids, retries wait in a sorted set and chained
// jobs are parked on a set of dependents until their dependency finishes.
package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"minhash-go/internal/errclass"
)

const keyPrefix = "minhash"

func jobKey(id string) string { return keyPrefix + ":job:" + id }

func dependentsKey(id string) string { return jobKey(id) + ":dependents" }

func queueKey(name string) string { return keyPrefix + ":queue:" + name }

func scheduledKey(name string) string { return keyPrefix + ":scheduled:" + name }

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusDeferred  Status = "deferred"
	StatusStarted   Status = "started"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusScheduled Status = "scheduled"
	StatusCanceled  Status = "canceled"
)

// Done reports whether the job will not run again.
func (s Status) Done() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCanceled
}

// Retry is a fixed-interval retry policy.
type Retry struct {
	Max      int `json:"max"`
	Interval int `json:"interval"`
}

func (r *Retry) interval() time.Duration { return time.Duration(r.Interval) * time.Second }

// Payload is what a producer submits. FunctionPath names the entry point
// the worker must call; Kwargs are the task's arguments.
type Payload struct {
	FunctionPath string          `json:"function_path"`
	Task         string          `json:"task"`
	Kwargs       json.RawMessage `json:"kwargs,omitempty"`
	// JobTimeout in seconds; zero uses the worker default.
	JobTimeout int      `json:"job_timeout,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
	Retry      *Retry   `json:"retry,omitempty"`
}

// Job is the stored state of one submitted payload.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    Payload         `json:"payload"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
}

const (
	fieldQueue      = "queue"
	fieldPayload    = "payload"
	fieldStatus     = "status"
	fieldAttempts   = "attempts"
	fieldResult     = "result"
	fieldError      = "error"
	fieldEnqueuedAt = "enqueued_at"
	fieldStartedAt  = "started_at"
	fieldEndedAt    = "ended_at"
)

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (j *Job) fields() ([]any, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return []any{
		fieldQueue, j.Queue,
		fieldPayload, string(payload),
		fieldStatus, string(j.Status),
		fieldAttempts, j.Attempts,
		fieldEnqueuedAt, formatTime(j.EnqueuedAt),
	}, nil
}

func parseJob(id string, h map[string]string) (*Job, error) {
	if len(h) == 0 {
		return nil, errclass.ErrNotFound.WithMessagef("job %s", id)
	}
	job := &Job{
		ID:     id,
		Queue:  h[fieldQueue],
		Status: Status(h[fieldStatus]),
		Error:  h[fieldError],
	}
	if err := json.Unmarshal([]byte(h[fieldPayload]), &job.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload of job %s: %w", id, err)
	}
	if v := h[fieldAttempts]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("decoding attempts of job %s: %w", id, err)
		}
		job.Attempts = n
	}
	if v := h[fieldResult]; v != "" {
		job.Result = json.RawMessage(v)
	}

	var err error
	if job.EnqueuedAt, err = time.Parse(time.RFC3339Nano, h[fieldEnqueuedAt]); err != nil {
		return nil, fmt.Errorf("decoding enqueue time of job %s: %w", id, err)
	}
	if job.StartedAt, err = parseOptionalTime(h[fieldStartedAt]); err != nil {
		return nil, err
	}
	if job.EndedAt, err = parseOptionalTime(h[fieldEndedAt]); err != nil {
		return nil, err
	}
	return job, nil
}

func parseOptionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("decoding time %q: %w", v, err)
	}
	return &t, nil
}
