package promotion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
)

func everySecond() map[feed.Tier]feed.TierSpec {
	specs := feed.DefaultTierSpecs()
	for tier, spec := range specs {
		spec.Cadence = "@every 1s"
		specs[tier] = spec
	}
	return specs
}

func TestScheduler_RegistersOneJobPerTier(t *testing.T) {
	s, err := NewScheduler(SchedulerConfig{Runner: newCountingRunner(), Timezone: "Asia/Seoul"})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if s.Entries() != len(feed.AllTiers) {
		t.Errorf("Expected %d jobs, got %d", len(feed.AllTiers), s.Entries())
	}

	t.Log("✓ One cron job per tier")
}

func TestScheduler_RejectsBadConfig(t *testing.T) {
	if _, err := NewScheduler(SchedulerConfig{Runner: newCountingRunner(), Timezone: "Mars/Olympus"}); err == nil {
		t.Error("Expected invalid timezone error")
	}

	specs := feed.DefaultTierSpecs()
	spec := specs[feed.TierWeekly]
	spec.Cadence = "every tuesday"
	specs[feed.TierWeekly] = spec
	if _, err := NewScheduler(SchedulerConfig{Runner: newCountingRunner(), Specs: specs}); err == nil {
		t.Error("Expected invalid cadence error")
	}

	t.Log("✓ Bad timezone and cadence are rejected")
}

func TestScheduler_WarmupRunsEveryTierOnce(t *testing.T) {
	runner := newCountingRunner()
	runner.errs[feed.TierNotice] = feed.ErrEmptySource
	runner.errs[feed.TierLegend] = errors.New("database is locked")

	s, err := NewScheduler(SchedulerConfig{Runner: runner})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	results := s.Warmup(context.Background())
	for _, tier := range feed.AllTiers {
		if runner.count(tier) != 1 {
			t.Errorf("Expected %s to run once, got %d", tier, runner.count(tier))
		}
	}
	// The empty NOTICE source is a skip, the LEGEND failure is not
	if results.Errors != 1 {
		t.Errorf("Expected 1 warm-up error, got %d", results.Errors)
	}

	t.Log("✓ Warm-up runs each tier job once")
}

func TestScheduler_FiresOnCadenceAndStops(t *testing.T) {
	runner := newCountingRunner()
	s, err := NewScheduler(SchedulerConfig{Runner: runner, Specs: everySecond(), JobTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	s.Start(context.Background())
	select {
	case <-runner.ran:
	case <-time.After(3 * time.Second):
		t.Fatal("Expected a job to fire within 3s")
	}
	s.Stop()

	t.Log("✓ Jobs fire on cadence and Stop waits for them")
}

func TestScheduler_Trigger(t *testing.T) {
	runner := newCountingRunner()
	specs := feed.DefaultTierSpecs()
	delete(specs, feed.TierNotice)

	s, err := NewScheduler(SchedulerConfig{Runner: runner, Specs: specs})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	if err := s.Trigger(context.Background(), feed.TierLegend); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if runner.count(feed.TierLegend) != 1 {
		t.Errorf("Expected LEGEND to run once, got %d", runner.count(feed.TierLegend))
	}
	if err := s.Trigger(context.Background(), feed.TierNotice); err == nil {
		t.Error("Expected error for unscheduled tier")
	}

	t.Log("✓ Trigger runs a tier job on demand")
}
