package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job names.
const (
	JobPromoteScheduled  = "promote_scheduled"
	JobPromoteFailed     = "promote_failed"
	JobPurgeExpiredInApp = "purge_expired_in_app"
	JobRecoverStuck      = "recover_stuck"
)

// JobsConfig contains reconciliation job schedules.
type JobsConfig struct {
	PromoteScheduled  string
	PromoteFailed     string
	PurgeExpiredInApp string
	RecoverStuck      string

	// Attempts is how many times a failing job run is tried before giving up.
	Attempts   int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// DefaultJobsConfig returns default job configuration.
func DefaultJobsConfig() JobsConfig {
	return JobsConfig{
		PromoteScheduled:  "@every 1m",
		PromoteFailed:     "@every 5m",
		PurgeExpiredInApp: "@hourly",
		RecoverStuck:      "@every 5m",
		Attempts:          3,
		RetryDelay:        10 * time.Second,
		Timeout:           2 * time.Minute,
	}
}

// JobFunc is one reconciliation step. It returns the number of affected items.
type JobFunc func(ctx context.Context) (int64, error)

// cronParser accepts standard 5-field expressions and descriptors like "@every 1m".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// JobScheduler runs reconciliation jobs on cron schedules.
type JobScheduler struct {
	config JobsConfig
	cron   *cron.Cron
	jobs   map[string]JobFunc

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewJobScheduler registers the reconciler jobs. Empty schedules disable a job.
func NewJobScheduler(config JobsConfig, reconciler *Reconciler) (*JobScheduler, error) {
	defaults := DefaultJobsConfig()
	if config.Attempts <= 0 {
		config.Attempts = defaults.Attempts
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	logger := cronLogger{logger: slog.Default().With("component", "jobs")}
	s := &JobScheduler{
		config: config,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		jobs:  make(map[string]JobFunc),
		sleep: sleepContext,
	}

	entries := []struct {
		name     string
		schedule string
		fn       JobFunc
	}{
		{JobPromoteScheduled, config.PromoteScheduled, reconciler.PromoteScheduled},
		{JobPromoteFailed, config.PromoteFailed, reconciler.PromoteFailedForRetry},
		{JobPurgeExpiredInApp, config.PurgeExpiredInApp, reconciler.PurgeExpiredInApp},
		{JobRecoverStuck, config.RecoverStuck, reconciler.RecoverStuckProcessing},
	}

	for _, e := range entries {
		if err := s.Register(e.name, e.schedule, e.fn); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Register adds a job. The job is available to RunOnce even when schedule
// is empty, but only scheduled jobs run on their own.
func (s *JobScheduler) Register(name, schedule string, fn JobFunc) error {
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	s.jobs[name] = fn

	if schedule == "" {
		slog.Info("job disabled", "job", name)
		return nil
	}

	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("parse schedule for job %s: %w", name, err)
	}

	s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		_, _ = s.runWithRetry(ctx, name, fn)
	}))

	slog.Debug("job registered", "job", name, "schedule", schedule)
	return nil
}

// Jobs returns the registered job names in sorted order.
func (s *JobScheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start starts the cron loop. Jobs receive a context derived from ctx.
func (s *JobScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()

	slog.Info("job scheduler started", "jobs", s.Jobs())
}

// Stop cancels running jobs and waits for them to return.
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	slog.Info("job scheduler stopped")
}

// RunOnce runs a job synchronously with the same retry policy as scheduled runs.
func (s *JobScheduler) RunOnce(ctx context.Context, name string) (int64, error) {
	fn, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("unknown job %q", name)
	}
	return s.runWithRetry(ctx, name, fn)
}

// runWithRetry tries fn up to config.Attempts times with a fixed delay.
// These attempts are unrelated to queue item retry counters.
func (s *JobScheduler) runWithRetry(ctx context.Context, name string, fn JobFunc) (int64, error) {
	var lastErr error

	for attempt := 1; attempt <= s.config.Attempts; attempt++ {
		affected, err := s.runAttempt(ctx, fn)
		if err == nil {
			recordJobRun(name, "success", affected)
			slog.Debug("job finished", "job", name, "affected", affected, "attempt", attempt)
			return affected, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}

		slog.Warn("job attempt failed",
			"job", name,
			"attempt", attempt,
			"max_attempts", s.config.Attempts,
			"error", err,
		)

		if attempt < s.config.Attempts {
			if err := s.sleep(ctx, s.config.RetryDelay); err != nil {
				break
			}
		}
	}

	recordJobRun(name, "failure", 0)
	slog.Error("job failed", "job", name, "error", lastErr)
	return 0, fmt.Errorf("job %s: %w", name, lastErr)
}

func (s *JobScheduler) runAttempt(ctx context.Context, fn JobFunc) (affected int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return fn(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
