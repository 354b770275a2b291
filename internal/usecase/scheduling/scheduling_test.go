package scheduling

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"agentdispatch/internal/infra/config"
	"agentdispatch/internal/infra/logger"
)

func counter(n *atomic.Int32) func(context.Context) (int, error) {
	return func(context.Context) (int, error) {
		n.Add(1)
		return 1, nil
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(logger.Discard())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(logger.Discard())
	s.RegisterAction(ActionCachePurge, counter(&count))
	if err := s.AddJob(Job{Name: "purge", Schedule: "50ms", Action: ActionCachePurge}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 1 {
		t.Errorf("action fired %d times, expected at least 1", c)
	}
}

func TestSchedulerFailingActionKeepsRunning(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(logger.Discard())
	s.RegisterAction(ActionTaskCollector, func(context.Context) (int, error) {
		count.Add(1)
		return 0, errors.New("store unavailable")
	})
	s.AddJob(Job{Name: "gc", Schedule: "30ms", Action: ActionTaskCollector})

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	if c := count.Load(); c < 2 {
		t.Errorf("failing action fired %d times, expected repeated runs", c)
	}
}

func TestSchedulerUnknownAction(t *testing.T) {
	s := NewScheduler(logger.Discard())

	err := s.AddJob(Job{Name: "unknown", Schedule: "100ms", Action: "does_not_exist"})
	if err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestSchedulerContextCancellation(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(logger.Discard())
	s.RegisterAction(ActionLimiterSweep, counter(&count))
	s.AddJob(Job{Name: "sweep", Schedule: "50ms", Action: ActionLimiterSweep})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	time.Sleep(150 * time.Millisecond)
	cancel()
	s.Stop()

	countAfterCancel := count.Load()
	time.Sleep(100 * time.Millisecond)

	if count.Load() != countAfterCancel {
		t.Error("job continued after context cancellation")
	}
}

func TestInstall(t *testing.T) {
	var sweeps, purges atomic.Int32

	s := NewScheduler(logger.Discard())
	err := Install(s, config.SchedulerConfig{
		LimiterSweep:  "40ms",
		CachePurge:    "@every 1h",
		TaskCollector: "", // disabled
		AuditPrune:    "@daily",
	}, Maintenance{
		SweepLimiter: counter(&sweeps),
		PurgeCache:   counter(&purges),
		CollectTasks: counter(new(atomic.Int32)),
		// PruneAudit nil: no audit log configured
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if got := s.Jobs(); got != 2 {
		t.Fatalf("Jobs = %d, want 2", got)
	}

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	if sweeps.Load() < 1 {
		t.Error("limiter sweep never fired")
	}
	if purges.Load() != 0 {
		t.Error("hourly purge fired early")
	}
}

func TestInstallRejectsBadSchedule(t *testing.T) {
	s := NewScheduler(logger.Discard())
	err := Install(s, config.SchedulerConfig{CachePurge: "every now and then"}, Maintenance{
		PurgeCache: counter(new(atomic.Int32)),
	})
	if err == nil {
		t.Fatal("expected error for bad schedule")
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		schedule string
		wantErr  bool
	}{
		{"*/5 * * * *", false},
		{"@every 1m", false},
		{"@hourly", false},
		{"30m", false},
		{"250ms", false},
		{"", true},
		{"-5m", true},
		{"0s", true},
		{"bogus", true},
	}
	for _, tt := range tests {
		_, err := parseSchedule(tt.schedule)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSchedule(%q) err = %v, wantErr %v", tt.schedule, err, tt.wantErr)
		}
	}
}

func TestConstantDelay(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, err := parseSchedule("90s")
	if err != nil {
		t.Fatalf("parseSchedule: %v", err)
	}
	if got := sched.Next(base); !got.Equal(base.Add(90 * time.Second)) {
		t.Errorf("Next = %v", got)
	}
}
