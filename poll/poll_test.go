package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pricewatch/pkg/tracker"
	"pricewatch/refresh"
)

type fakeCycler struct {
	errs     []error // returned in order; nil once exhausted
	panics   int     // number of calls that panic before errs is consulted
	calls    int
	maxItems int
	during   func()
	mu       sync.Mutex
}

func (f *fakeCycler) RunCycle(ctx context.Context, maxItems int) (*tracker.RefreshOutcome, error) {
	f.mu.Lock()
	f.calls++
	f.maxItems = maxItems
	if f.panics > 0 {
		f.panics--
		f.mu.Unlock()
		panic("parser exploded")
	}
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	during := f.during
	f.mu.Unlock()

	if during != nil {
		during()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return &tracker.RefreshOutcome{Updated: 1}, nil
}

func (f *fakeCycler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewDefaults(t *testing.T) {
	d := New(&fakeCycler{}, Config{}, testLogger())
	if d.tick != DefaultTick || d.interval != DefaultInterval || d.maxItems != DefaultMaxItems {
		t.Errorf("defaults = %v, %v, %d", d.tick, d.interval, d.maxItems)
	}
	if d.State() != Idle {
		t.Errorf("State() = %v, want idle", d.State())
	}
}

func TestCheckHonorsInterval(t *testing.T) {
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		elapsed   time.Duration
		wantCalls int
	}{
		{"first check always runs", 0, 1},
		{"one tick later", time.Minute, 1},
		{"just before interval", 59 * time.Minute, 1},
		{"interval elapsed", 60 * time.Minute, 2},
		{"well past interval", 3 * time.Hour, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCycler{}
			d := New(c, Config{Interval: time.Hour, MaxItems: 7}, testLogger())
			now := base
			d.now = func() time.Time { return now }

			d.check(context.Background())
			if tt.elapsed > 0 {
				now = base.Add(tt.elapsed)
				d.check(context.Background())
			}

			if c.count() != tt.wantCalls {
				t.Errorf("RunCycle calls = %d, want %d", c.count(), tt.wantCalls)
			}
			if c.maxItems != 7 {
				t.Errorf("maxItems = %d, want 7", c.maxItems)
			}
		})
	}
}

func TestCheckRecordsStartTime(t *testing.T) {
	start := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	now := start
	c := &fakeCycler{}
	d := New(c, Config{}, testLogger())
	d.now = func() time.Time { return now }
	c.during = func() { now = start.Add(20 * time.Minute) }

	d.check(context.Background())
	if got := d.LastRun(); !got.Equal(start) {
		t.Errorf("LastRun() = %v, want cycle start %v", got, start)
	}
}

func TestCheckFailureRetriesNextTick(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"persistence failure", &refresh.PersistenceError{Op: "commit cycle", Err: errors.New("locked")}},
		{"overlapping cycle", refresh.ErrCycleInProgress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
			now := base
			c := &fakeCycler{errs: []error{tt.err}}
			d := New(c, Config{}, testLogger())
			d.now = func() time.Time { return now }

			d.check(context.Background())
			if !d.LastRun().IsZero() {
				t.Errorf("LastRun() = %v after failure, want zero", d.LastRun())
			}

			now = base.Add(time.Minute)
			d.check(context.Background())
			if c.count() != 2 {
				t.Errorf("RunCycle calls = %d, want 2", c.count())
			}
			if !d.LastRun().Equal(now) {
				t.Errorf("LastRun() = %v, want %v", d.LastRun(), now)
			}
			if d.State() != Idle {
				t.Errorf("State() = %v, want idle", d.State())
			}
		})
	}
}

func TestCheckSurvivesPanic(t *testing.T) {
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	now := base
	c := &fakeCycler{panics: 1}
	d := New(c, Config{}, testLogger())
	d.now = func() time.Time { return now }

	d.check(context.Background())
	if d.State() != Idle {
		t.Errorf("State() = %v after panic, want idle", d.State())
	}
	if !d.LastRun().IsZero() {
		t.Errorf("LastRun() = %v after panic, want zero", d.LastRun())
	}

	now = base.Add(time.Minute)
	d.check(context.Background())
	if c.count() != 2 || !d.LastRun().Equal(now) {
		t.Errorf("calls = %d, LastRun() = %v, want a successful retry at %v", c.count(), d.LastRun(), now)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	c := &fakeCycler{}
	d := New(c, Config{Tick: 10 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for c.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("driver never ran a cycle")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if d.State() != Stopped {
		t.Errorf("State() = %v, want stopped", d.State())
	}
}

func TestRunFinishesInFlightCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &fakeCycler{}
	c.during = func() { cancel() }
	d := New(c, Config{Tick: time.Hour}, testLogger())

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if d.LastRun().IsZero() {
		t.Error("cycle cancelled mid-flight; it should have completed")
	}
}
