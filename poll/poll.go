// Package poll runs refresh cycles on a fixed cadence in the background.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"pricewatch/pkg/tracker"
	"pricewatch/refresh"
)

const (
	// DefaultTick is how often the driver checks whether a cycle is due.
	DefaultTick = time.Minute
	// DefaultInterval is the minimum time between two successful cycle starts.
	DefaultInterval = 60 * time.Minute
	// DefaultMaxItems caps the number of products refreshed per cycle.
	DefaultMaxItems = 20
)

// Cycler runs one refresh cycle.
type Cycler interface {
	RunCycle(ctx context.Context, maxItems int) (*tracker.RefreshOutcome, error)
}

// State is the lifecycle state of a Driver.
type State int32

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config controls the driver cadence. Zero values select the defaults.
type Config struct {
	Tick     time.Duration
	Interval time.Duration
	MaxItems int
}

// Driver triggers refresh cycles independently of inbound requests.
type Driver struct {
	lastRun  time.Time
	cycler   Cycler
	logger   *slog.Logger
	now      func() time.Time
	tick     time.Duration
	interval time.Duration
	maxItems int
	state    atomic.Int32
	mu       sync.Mutex
}

// New creates a driver around cycler.
func New(cycler Cycler, cfg Config, logger *slog.Logger) *Driver {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	return &Driver{
		cycler:   cycler,
		logger:   logger,
		now:      time.Now,
		tick:     cfg.Tick,
		interval: cfg.Interval,
		maxItems: cfg.MaxItems,
	}
}

// State reports what the driver is doing right now.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// LastRun returns the start time of the last successful cycle, or zero if none.
func (d *Driver) LastRun() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRun
}

// Run checks immediately and then on every tick until ctx is cancelled.
// A cycle that has already started is never interrupted by cancellation.
func (d *Driver) Run(ctx context.Context) {
	d.logger.Info("Refresh driver started",
		"tick", d.tick.String(),
		"interval", d.interval.String(),
		"max_items", d.maxItems)

	d.check(ctx)

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.state.Store(int32(Stopped))
			d.logger.Info("Refresh driver stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				continue
			}
			d.check(ctx)
		}
	}
}

// due reports whether a cycle should start at now, and how long until it will otherwise.
func (d *Driver) due(now time.Time) (bool, time.Duration) {
	last := d.LastRun()
	if last.IsZero() {
		return true, 0
	}
	elapsed := now.Sub(last)
	if elapsed >= d.interval {
		return true, 0
	}
	return false, d.interval - elapsed
}

func (d *Driver) check(ctx context.Context) {
	start := d.now()
	if ok, wait := d.due(start); !ok {
		d.logger.Debug("Refresh not due", "next_in", wait.Round(time.Second).String())
		return
	}

	d.state.Store(int32(Running))
	outcome, err := d.runCycle(ctx)
	d.state.Store(int32(Idle))

	if err != nil {
		if errors.Is(err, refresh.ErrCycleInProgress) {
			d.logger.Info("Refresh skipped, another cycle is running")
			return
		}
		d.logger.Error("Refresh cycle failed, retrying next tick", "error", err)
		return
	}

	// Start time, not finish time, so a slow cycle does not trigger the next one early.
	d.mu.Lock()
	d.lastRun = start
	d.mu.Unlock()

	d.logger.Info("Refresh cycle finished",
		"updated", outcome.Updated,
		"failed", outcome.Failed,
		"price_drops", len(outcome.PriceDrops),
		"restocks", len(outcome.Restocks),
		"notified", outcome.Notified,
		"started_at", start.Format(time.RFC3339))
}

// runCycle turns a panicking cycle into an error so the driver keeps ticking.
func (d *Driver) runCycle(ctx context.Context) (outcome *tracker.RefreshOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Refresh cycle panicked", "panic", r, "stack", string(debug.Stack()))
			outcome, err = nil, fmt.Errorf("refresh cycle panicked: %v", r)
		}
	}()
	return d.cycler.RunCycle(context.WithoutCancel(ctx), d.maxItems)
}
