// Package scheduler enqueues periodic maintenance tasks on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"minhash-go/internal/config"
	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
	"minhash-go/internal/queue"
	"minhash-go/internal/tasks"
)

// Enqueuer submits jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, p queue.Payload) (*queue.Job, error)
}

// Entry is one periodic task.
type Entry struct {
	Task  string
	Spec  string
	Queue string
}

// EntriesFromConfig returns the enabled periodic tasks.
func EntriesFromConfig(cfg *config.Config) []Entry {
	var entries []Entry
	for task, pt := range map[string]config.PeriodicTask{
		tasks.CheckDataIntegrity:  cfg.Integrity,
		tasks.CleanupRemovedFiles: cfg.PurgeFiles,
	} {
		if !pt.Enabled {
			continue
		}
		q := pt.Queue
		if q == "" {
			q = cfg.Redis.Queue
		}
		entries = append(entries, Entry{Task: task, Spec: pt.Cron, Queue: q})
	}
	return entries
}

// Scheduler triggers enqueues; the jobs themselves run on workers.
type Scheduler struct {
	cron   *cron.Cron
	enq    Enqueuer
	logger minhash.Logger
	ctx    context.Context
}

func New(enq Enqueuer, logger minhash.Logger) *Scheduler {
	if logger == nil {
		logger = minhash.NewNopLogger()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		enq:    enq,
		logger: logger,
		ctx:    context.Background(),
	}
}

// Register adds an entry. Entry.Spec is a standard five-field cron expression.
func (s *Scheduler) Register(e Entry) error {
	if _, err := tasks.NewPayload(e.Task, nil); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(e.Spec); err != nil {
		return errclass.ErrMalformed.Wrap(err, fmt.Sprintf("cron spec %q of %s", e.Spec, e.Task))
	}
	if _, err := s.cron.AddFunc(e.Spec, func() { s.Trigger(s.ctx, e) }); err != nil {
		return fmt.Errorf("scheduling %s: %w", e.Task, err)
	}
	s.logger.Info("periodic task registered", "task", e.Task, "cron", e.Spec, "queue", e.Queue)
	return nil
}

// Trigger enqueues one run of the entry's task.
func (s *Scheduler) Trigger(ctx context.Context, e Entry) {
	p, err := tasks.NewPayload(e.Task, nil)
	if err != nil {
		s.logger.Error("building periodic job failed", "task", e.Task, "error", err)
		return
	}
	job, err := s.enq.Enqueue(ctx, e.Queue, p)
	if err != nil {
		s.logger.Error("enqueueing periodic job failed", "task", e.Task, "error", err)
		return
	}
	s.logger.Info("periodic job enqueued", "task", e.Task, "job_id", job.ID)
}

// Next reports when each registered task fires next.
func (s *Scheduler) Next() []time.Time {
	var next []time.Time
	for _, e := range s.cron.Entries() {
		next = append(next, e.Schedule.Next(time.Now().UTC()))
	}
	return next
}

// Run starts the cron loop and blocks until ctx is canceled, then waits
// for triggers in flight.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("scheduler started", "entries", len(s.cron.Entries()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}
