package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jorge-Nunes/tag-padrin/internal/syncengine"
)

type mutableInterval struct {
	mu       sync.Mutex
	interval time.Duration
	reads    int
}

func (m *mutableInterval) Interval(context.Context) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	return m.interval, nil
}

func (m *mutableInterval) set(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = interval
}

type countingRunner struct {
	runs     atomic.Int32
	triggers chan syncengine.Trigger
}

func (r *countingRunner) RunCycle(_ context.Context, trigger syncengine.Trigger) (syncengine.CycleResult, error) {
	r.runs.Add(1)
	select {
	case r.triggers <- trigger:
	default:
	}
	return syncengine.CycleResult{Trigger: trigger}, nil
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestSchedulerRunsScheduledCycles(t *testing.T) {
	runner := &countingRunner{triggers: make(chan syncengine.Trigger, 8)}
	scheduler, err := New(Config{Runner: runner, Intervals: &mutableInterval{interval: 20 * time.Millisecond}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	for i := 0; i < 2; i++ {
		select {
		case trigger := <-runner.triggers:
			if trigger != syncengine.TriggerScheduled {
				t.Fatalf("expected scheduled trigger, got %s", trigger)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("expected cycle %d to fire", i+1)
		}
	}
}

func TestRescheduleReadsNewInterval(t *testing.T) {
	runner := &countingRunner{triggers: make(chan syncengine.Trigger, 8)}
	intervals := &mutableInterval{interval: time.Hour}
	scheduler, err := New(Config{Runner: runner, Intervals: intervals})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	scheduler.Start(context.Background())
	defer scheduler.Stop()

	select {
	case <-runner.triggers:
		t.Fatalf("no cycle expected within the first hour")
	case <-time.After(50 * time.Millisecond):
	}

	intervals.set(20 * time.Millisecond)
	scheduler.Reschedule()

	select {
	case <-runner.triggers:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected cycle after reschedule")
	}
}

func TestStopWithoutStart(t *testing.T) {
	scheduler, err := New(Config{Runner: &countingRunner{}, Intervals: &mutableInterval{}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	scheduler.Stop()
}
