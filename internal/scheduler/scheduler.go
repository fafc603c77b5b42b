// Package scheduler runs periodic background jobs on a cron runner.
// Every job is wrapped so that a slow run is skipped rather than stacked,
// and a panicking run is logged rather than crashing the process.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a named periodic task.
type Job struct {
	Name string
	// Interval between runs. cron.Every rounds it down to whole seconds
	// with a one second floor.
	Interval time.Duration
	// Spec, when set, is a standard cron expression used instead of Interval.
	Spec string
	Run  func(ctx context.Context)
}

// Scheduler owns a set of jobs and the cron runner that fires them.
type Scheduler struct {
	jobs    []Job
	metrics *Metrics
	logger  *slog.Logger
}

// New creates a Scheduler.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{metrics: metrics, logger: logger}
}

// Add registers a job. Jobs added after Start are not scheduled.
func (s *Scheduler) Add(j Job) *Scheduler {
	s.jobs = append(s.jobs, j)
	return s
}

// Start schedules every job and returns a stop function. Stop cancels the
// context handed to jobs and waits for running jobs to return.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	logger := cronLogger{logger: s.logger}

	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	for _, j := range s.jobs {
		job := j
		run := cron.FuncJob(func() { s.runJob(ctx, job) })
		if job.Spec != "" {
			if _, err := c.AddJob(job.Spec, run); err != nil {
				s.logger.Error("invalid job schedule",
					slog.String("job", job.Name),
					slog.String("spec", job.Spec),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		c.Schedule(cron.Every(job.Interval), run)
	}

	c.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.Int("jobs", len(s.jobs)))

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-c.Stop().Done()
			s.logger.Info("scheduler stopped")
		})
	}
}

func (s *Scheduler) runJob(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	j.Run(ctx)

	if s.metrics != nil {
		s.metrics.JobRuns.WithLabelValues(j.Name).Inc()
		s.metrics.JobDuration.WithLabelValues(j.Name).Observe(time.Since(start).Seconds())
	}
}

// cronLogger adapts slog to cron.Logger. Routine scheduling chatter goes
// to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append(keysAndValues, slog.String("error", err.Error()))
	l.logger.Error("cron: "+msg, args...)
}
