// Package scheduling runs periodic maintenance jobs on cron schedules.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agentdispatch/internal/infra/config"
)

// Action identifies a maintenance job.
type Action string

const (
	ActionLimiterSweep  Action = "limiter_sweep"
	ActionCachePurge    Action = "cache_purge"
	ActionTaskCollector Action = "task_collector"
	ActionAuditPrune    Action = "audit_prune"
)

// Job is a recurring maintenance job.
type Job struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *", descriptor "@every 1m", or duration "30s"
	Action   Action
}

// jobTimeout bounds a single run of any job.
const jobTimeout = time.Minute

// Scheduler runs registered actions on their schedules. A run that is still
// in progress when its next tick arrives is skipped.
type Scheduler struct {
	cron    *cron.Cron
	actions map[Action]func(ctx context.Context) (int, error)
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		actions: make(map[Action]func(ctx context.Context) (int, error)),
		logger:  logger,
	}
}

// RegisterAction registers the handler for an action. The handler returns
// how many items it removed, for logging.
func (s *Scheduler) RegisterAction(action Action, fn func(ctx context.Context) (int, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// AddJob schedules a job whose action must already be registered.
func (s *Scheduler) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[job.Action]
	if !ok {
		return fmt.Errorf("scheduler: unknown action %q for job %q", job.Action, job.Name)
	}
	schedule, err := parseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for job %q: %w", job.Schedule, job.Name, err)
	}

	name := job.Name
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}

		jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
		defer cancel()

		start := time.Now()
		n, err := fn(jobCtx)
		if err != nil {
			s.logger.Warn("maintenance job failed", "job", name, "error", err, "duration", time.Since(start))
			return
		}
		if n > 0 {
			s.logger.Info("maintenance job completed", "job", name, "removed", n, "duration", time.Since(start))
		}
	}))

	s.logger.Debug("job added to scheduler", "name", job.Name, "schedule", job.Schedule, "action", string(job.Action))
	return nil
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	return nil
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Maintenance holds the handlers the service wires into the scheduler.
// Nil handlers are skipped.
type Maintenance struct {
	SweepLimiter func(ctx context.Context) (int, error)
	PurgeCache   func(ctx context.Context) (int, error)
	CollectTasks func(ctx context.Context) (int, error)
	PruneAudit   func(ctx context.Context) (int, error)
}

// Install registers the maintenance handlers and schedules them per cfg.
// Empty schedules disable the corresponding job.
func Install(s *Scheduler, cfg config.SchedulerConfig, m Maintenance) error {
	jobs := []struct {
		action   Action
		schedule string
		fn       func(ctx context.Context) (int, error)
	}{
		{ActionLimiterSweep, cfg.LimiterSweep, m.SweepLimiter},
		{ActionCachePurge, cfg.CachePurge, m.PurgeCache},
		{ActionTaskCollector, cfg.TaskCollector, m.CollectTasks},
		{ActionAuditPrune, cfg.AuditPrune, m.PruneAudit},
	}
	for _, j := range jobs {
		if j.fn == nil || j.schedule == "" {
			continue
		}
		s.RegisterAction(j.action, j.fn)
		if err := s.AddJob(Job{Name: string(j.action), Schedule: j.schedule, Action: j.action}); err != nil {
			return err
		}
	}
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(dur), nil
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
