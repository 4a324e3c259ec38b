// Package refresh re-checks tracked products and records what changed.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"pricewatch/detect"
	"pricewatch/notify"
	"pricewatch/pkg/tracker"
)

// DefaultRequestDelay is the base pause between two page fetches of one cycle.
const DefaultRequestDelay = 1500 * time.Millisecond

// ErrCycleInProgress is returned when RunCycle is called while another cycle is running.
var ErrCycleInProgress = errors.New("refresh cycle already in progress")

// PersistenceError reports a failure to durably record the results of a cycle.
// The cycle's outcome is void when this error is returned.
type PersistenceError struct {
	Err error
	Op  string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Session is the unit of work for one cycle. Writes are staged until Commit.
type Session interface {
	notify.Session
	DueProducts(ctx context.Context, limit int) ([]*tracker.TrackedProduct, error)
	SaveProduct(p *tracker.TrackedProduct)
	AppendPriceHistory(e *tracker.PriceHistoryEntry)
	Commit(ctx context.Context) error
	Rollback()
}

// Store opens cycle sessions.
type Store interface {
	Begin(ctx context.Context) (Session, error)
}

// Fetcher reads the current state of a product page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*tracker.PageSnapshot, error)
}

// Archiver keeps raw snapshots. Optional.
type Archiver interface {
	Put(ctx context.Context, externalID string, snap *tracker.PageSnapshot) error
}

// Notifier decides which rules hear about the detected changes. Evaluate
// stages cooldowns into the session; Dispatch runs after the session commits.
type Notifier interface {
	Evaluate(ctx context.Context, sess notify.Session, drops, restocks []tracker.ChangeEvent, now time.Time) ([]notify.Delivery, error)
	Dispatch(ctx context.Context, pending []notify.Delivery) int
}

// Config holds scheduler tuning.
type Config struct {
	RequestDelay time.Duration // Zero disables the pause between items
}

// Scheduler runs refresh cycles. At most one cycle runs at a time.
type Scheduler struct {
	store    Store
	fetcher  Fetcher
	notifier Notifier
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration)
	jitter   func() float64
	delay    time.Duration
	running  sync.Mutex
}

// New creates a scheduler. archiver may be nil.
func New(store Store, fetcher Fetcher, notifier Notifier, archiver Archiver, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		fetcher:  fetcher,
		notifier: notifier,
		archiver: archiver,
		logger:   logger,
		now:      time.Now,
		sleep:    sleep,
		jitter:   rand.Float64,
		delay:    cfg.RequestDelay,
	}
}

// RunCycle refreshes up to maxItems of the least recently checked products that
// have at least one active rule, then hands detected changes to the notifier.
//
// A fetch failure only counts against its item. A commit failure voids the whole
// cycle and is returned as *PersistenceError. Product updates, history entries
// and notification cooldowns are committed together, before anything is sent.
//
// Cancelling ctx does not interrupt a started cycle; only its values are used.
func (s *Scheduler) RunCycle(ctx context.Context, maxItems int) (*tracker.RefreshOutcome, error) {
	if !s.running.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer s.running.Unlock()

	ctx = context.WithoutCancel(ctx)

	sess, err := s.store.Begin(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "begin session", Err: err}
	}
	defer sess.Rollback()

	products, err := sess.DueProducts(ctx, maxItems)
	if err != nil {
		return nil, &PersistenceError{Op: "load due products", Err: err}
	}

	outcome := &tracker.RefreshOutcome{}
	if len(products) == 0 {
		s.logger.Debug("No tracked products due for refresh")
		return outcome, nil
	}

	start := s.now()
	s.logger.Info("Starting refresh cycle", "items", len(products), "max_items", maxItems)

	for i, p := range products {
		s.refreshOne(ctx, sess, p, outcome)

		if i < len(products)-1 && s.delay > 0 {
			s.sleep(ctx, time.Duration(float64(s.delay)*(1+s.jitter())))
		}
	}

	pending, err := s.notifier.Evaluate(ctx, sess, outcome.PriceDrops, outcome.Restocks, start)
	if err != nil {
		return nil, &PersistenceError{Op: "load rules", Err: err}
	}

	if err := sess.Commit(ctx); err != nil {
		return nil, &PersistenceError{Op: "commit cycle", Err: err}
	}

	outcome.Notified = s.notifier.Dispatch(ctx, pending)

	s.logger.Info("Refresh cycle completed",
		"updated", outcome.Updated,
		"failed", outcome.Failed,
		"price_drops", len(outcome.PriceDrops),
		"restocks", len(outcome.Restocks),
		"notified", outcome.Notified,
		"duration", s.now().Sub(start).String())

	return outcome, nil
}

func (s *Scheduler) refreshOne(ctx context.Context, sess Session, p *tracker.TrackedProduct, outcome *tracker.RefreshOutcome) {
	// Mark as checked before fetching so a broken item goes to the back of the queue.
	now := s.now()
	if now.After(p.LastCheckedAt) {
		p.LastCheckedAt = now
	}
	sess.SaveProduct(p)

	snap, err := s.fetcher.Fetch(ctx, p.URL)
	if err != nil {
		outcome.Failed++
		s.logger.Warn("Product fetch failed", "product_id", p.ID, "url", p.URL, "error", err)
		return
	}

	if s.archiver != nil {
		if err := s.archiver.Put(ctx, p.ExternalID, snap); err != nil {
			s.logger.Warn("Snapshot archive failed", "product_id", p.ID, "error", err)
		}
	}

	res := detect.Detect(p, snap)
	oldPriceText := p.PriceText
	oldAvailability := p.AvailabilityText

	p.PriceText = res.NewPriceText
	p.PriceValue = res.NewPriceValue
	p.AvailabilityText = res.NewAvailabilityText
	p.IsAvailable = res.IsAvailable
	if res.NewRating.Valid {
		p.Rating = res.NewRating
	}
	if snap.Title != "" {
		p.Title = snap.Title
	}
	sess.SaveProduct(p)

	if res.PriceChanged {
		sess.AppendPriceHistory(&tracker.PriceHistoryEntry{
			ProductID:  p.ID,
			PriceText:  res.NewPriceText,
			PriceValue: res.NewPriceValue,
			ObservedAt: now,
		})
	}
	outcome.Updated++

	if res.PriceDropped {
		outcome.PriceDrops = append(outcome.PriceDrops, tracker.ChangeEvent{
			Product:  p,
			Kind:     tracker.PriceDrop,
			OldValue: oldPriceText,
			NewValue: res.NewPriceText,
			OldPrice: res.OldPriceValue,
			NewPrice: res.NewPriceValue,
		})
		s.logger.Info("Price drop detected", "product_id", p.ID, "old", oldPriceText, "new", res.NewPriceText)
	}
	if res.Restocked {
		outcome.Restocks = append(outcome.Restocks, tracker.ChangeEvent{
			Product:  p,
			Kind:     tracker.Restock,
			OldValue: oldAvailability,
			NewValue: res.NewAvailabilityText,
			NewPrice: res.NewPriceValue,
		})
		s.logger.Info("Restock detected", "product_id", p.ID, "availability", res.NewAvailabilityText)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
