// Package scheduler submits workflow templates on cron schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

const defaultTickInterval = 30 * time.Second

// Submitter dispatches a workflow submission. Satisfied by the engine
// coordinator.
type Submitter interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (*store.Execution, error)
}

// Scheduler polls scheduled jobs and submits those that are due.
type Scheduler struct {
	store     store.Store
	submitter Submitter
	parser    cron.Parser
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// New creates a Scheduler. interval <= 0 uses the default 30s tick.
func New(st store.Store, submitter Submitter, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultTickInterval
	}
	return &Scheduler{
		store:     st,
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval:  interval,
		logger:    logger,
	}
}

// AddJob validates the cron expression, computes the first due time and
// persists the job.
func (s *Scheduler) AddJob(ctx context.Context, job *store.ScheduledJob) error {
	sched, err := s.parser.Parse(job.CronExpression)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q", job.CronExpression).WithCause(err)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	next := sched.Next(time.Now().UTC())
	job.NextRunAt = &next
	return s.store.CreateScheduledJob(ctx, job)
}

// RemoveJob deletes a scheduled job.
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error {
	return s.store.DeleteScheduledJob(ctx, id)
}

// Start launches the tick loop. Call Stop to terminate it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	stop, stopped := s.stop, s.stopped
	s.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop terminates the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, stopped := s.stop, s.stopped
	s.stop, s.stopped = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-stopped
}

// Tick submits every enabled job whose due time has passed and advances its
// schedule. A job missing its next-run marker (e.g. created by hand) gets
// one computed without submitting.
func (s *Scheduler) Tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		sched, err := s.parser.Parse(job.CronExpression)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping job with invalid cron expression",
				slog.String("job_id", job.ID), slog.String("error", err.Error()))
			continue
		}

		if job.NextRunAt == nil {
			next := sched.Next(now)
			s.updateJob(ctx, job.ID, store.ScheduledJobUpdate{NextRunAt: &next})
			continue
		}
		if job.NextRunAt.After(now) {
			continue
		}

		s.runJob(ctx, job)
		next := sched.Next(now)
		s.updateJob(ctx, job.ID, store.ScheduledJobUpdate{NextRunAt: &next, LastRunAt: &now})
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob) {
	var params map[string]any
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			s.logger.WarnContext(ctx, "scheduled job has malformed params",
				slog.String("job_id", job.ID), slog.String("error", err.Error()))
			s.updateJob(ctx, job.ID, store.ScheduledJobUpdate{LastRunStatus: "invalid_params"})
			return
		}
	}

	exec, err := s.submitter.Submit(ctx, engine.SubmitRequest{
		TemplateName:    job.TemplateName,
		TemplateVersion: job.TemplateVersion,
		Parameters:      params,
		TriggeredBy:     "scheduler",
		TriggerContext:  map[string]any{"scheduled_job_id": job.ID},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled submission failed",
			slog.String("job_id", job.ID),
			slog.String("template", job.TemplateName),
			slog.String("error", err.Error()))
		s.updateJob(ctx, job.ID, store.ScheduledJobUpdate{LastRunStatus: "submit_failed"})
		return
	}

	s.logger.InfoContext(ctx, "scheduled execution submitted",
		slog.String("job_id", job.ID),
		slog.String("execution_id", exec.ID))
	s.updateJob(ctx, job.ID, store.ScheduledJobUpdate{LastRunStatus: "submitted"})
}

func (s *Scheduler) updateJob(ctx context.Context, id string, update store.ScheduledJobUpdate) {
	if err := s.store.UpdateScheduledJob(ctx, id, update); err != nil {
		s.logger.ErrorContext(ctx, "failed to update scheduled job",
			slog.String("job_id", id), slog.String("error", err.Error()))
	}
}
