package promotion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/cache"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/observability"
)

// Runner executes the job of one tier.
type Runner interface {
	Run(ctx context.Context, tier feed.Tier) error
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Runner Runner
	Specs  map[feed.Tier]feed.TierSpec
	// Timezone is an IANA name (default UTC)
	Timezone    string
	JobTimeout  time.Duration
	WarmOnStart bool
	Logger      *observability.Logger
}

// Scheduler fires each tier job on its cadence. A job still running when
// its next tick arrives is skipped rather than queued.
type Scheduler struct {
	cron       *cron.Cron
	runner     Runner
	specs      map[feed.Tier]feed.TierSpec
	jobTimeout time.Duration
	warm       bool
	logger     *observability.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler and registers one job per tier.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Specs == nil {
		cfg.Specs = feed.DefaultTierSpecs()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}

	logger := cfg.Logger.Component("scheduler")
	cl := cronLogger{logger: logger}

	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:     cfg.Runner,
		specs:      cfg.Specs,
		jobTimeout: cfg.JobTimeout,
		warm:       cfg.WarmOnStart,
		logger:     logger,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, tier := range feed.AllTiers {
		spec, ok := cfg.Specs[tier]
		if !ok {
			continue
		}
		if _, err := s.cron.AddFunc(spec.Cadence, func() { s.runJob(tier) }); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", tier, spec.Cadence, err)
		}
	}

	return s, nil
}

// Start warms the tiers if configured, then starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	if s.warm {
		s.Warmup(ctx)
	}
	s.cron.Start()
	s.running = true
	s.logger.LogInfo(ctx, "scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.LogInfo(context.Background(), "scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

// Warmup runs every tier job once, in tier order. Skips are not failures.
func (s *Scheduler) Warmup(ctx context.Context) *cache.WarmupResults {
	w := cache.NewWarmer(s.logger, cache.WarmupConfig{
		Timeout:         s.jobTimeout * time.Duration(len(s.specs)),
		ContinueOnError: true,
		IsSkip:          feed.IsSkip,
	})
	for _, tier := range feed.AllTiers {
		if _, ok := s.specs[tier]; !ok {
			continue
		}
		w.RegisterProvider(cache.WarmupFunc{
			Label: tier.Key(),
			Fn:    func(ctx context.Context) error { return s.runner.Run(ctx, tier) },
		})
	}
	return w.Warmup(ctx)
}

// Trigger runs the job of tier now, outside the cron schedule.
func (s *Scheduler) Trigger(ctx context.Context, tier feed.Tier) error {
	if _, ok := s.specs[tier]; !ok {
		return fmt.Errorf("tier %s is not scheduled", tier)
	}
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()
	return s.runner.Run(ctx, tier)
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) runJob(tier feed.Tier) {
	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	err := s.runner.Run(ctx, tier)
	switch {
	case err == nil:
		s.logger.LogDebug(ctx, "tier job finished", "tier", tier, "duration_ms", time.Since(start).Milliseconds())
	case feed.IsSkip(err):
		s.logger.LogDebug(ctx, "tier job skipped", "tier", tier, "reason", err.Error())
	default:
		s.logger.LogError(ctx, "tier job failed", err, "tier", tier)
	}
}

// cronLogger adapts the structured logger to cron.Logger.
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.LogDebug(context.Background(), msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.LogError(context.Background(), msg, err, keysAndValues...)
}
