// Package track starts tracking product pages: it validates the URL, reads the
// page once and stores the product together with the caller's tracking rule.
package track

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"pricewatch/detect"
	"pricewatch/pkg/tracker"

	"github.com/shopspring/decimal"
)

// Store persists a product and its new rule.
type Store interface {
	AddTracking(ctx context.Context, p *tracker.TrackedProduct, rule *tracker.TrackingRule) (bool, error)
}

// Fetcher reads a product page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*tracker.PageSnapshot, error)
}

// Archiver keeps raw snapshots. It may be nil.
type Archiver interface {
	Put(ctx context.Context, externalID string, snap *tracker.PageSnapshot) error
}

// ValidationError reports a request that cannot be tracked as given.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// FetchError reports that the product page could not be read.
type FetchError struct {
	Err error
	URL string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Request describes what a user wants to track.
type Request struct {
	TargetPrice          decimal.NullDecimal
	URL                  string
	Name                 string
	NotificationChannel  string
	NotifyOnPriceDrop    bool
	NotifyOnAvailability bool
}

// Result is the outcome of a successful Track call.
type Result struct {
	Product *tracker.TrackedProduct
	Rule    *tracker.TrackingRule
	Created bool // The product was not tracked before
}

// Service handles tracking requests.
type Service struct {
	store    Store
	fetcher  Fetcher
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a tracking service.
func New(store Store, fetcher Fetcher, archiver Archiver, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		fetcher:  fetcher,
		archiver: archiver,
		logger:   logger,
		now:      time.Now,
	}
}

// Track validates req, fetches the product page and records the product and a
// new rule. Tracking a product that is already known adds another rule to it.
func (s *Service) Track(ctx context.Context, req Request) (*Result, error) {
	canonical, externalID, err := tracker.CanonicalURL(strings.TrimSpace(req.URL))
	if err != nil {
		return nil, &ValidationError{Field: "url", Reason: "not a supported product page"}
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	snap, err := s.fetcher.Fetch(ctx, canonical)
	if err != nil {
		return nil, &FetchError{URL: canonical, Err: err}
	}

	now := s.now()
	priceText := strings.TrimSpace(snap.PriceText)
	availability := strings.TrimSpace(snap.AvailabilityText)
	p := &tracker.TrackedProduct{
		ExternalID:       externalID,
		URL:              canonical,
		Title:            strings.TrimSpace(snap.Title),
		PriceText:        priceText,
		PriceValue:       tracker.ParsePrice(priceText),
		AvailabilityText: availability,
		IsAvailable:      detect.IsAvailable(availability),
		Rating:           tracker.ParseRating(snap.RatingText),
		LastCheckedAt:    now,
		CreatedAt:        now,
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = p.Title
	}
	rule := &tracker.TrackingRule{
		Name:                 name,
		TargetPrice:          req.TargetPrice,
		NotifyOnPriceDrop:    req.NotifyOnPriceDrop,
		NotifyOnAvailability: req.NotifyOnAvailability,
		IsActive:             true,
		NotificationChannel:  strings.TrimSpace(req.NotificationChannel),
		CreatedAt:            now,
	}

	created, err := s.store.AddTracking(ctx, p, rule)
	if err != nil {
		return nil, fmt.Errorf("store tracking for %s: %w", externalID, err)
	}

	if s.archiver != nil {
		if err := s.archiver.Put(ctx, externalID, snap); err != nil {
			s.logger.Warn("Failed to archive snapshot", "external_id", externalID, "error", err)
		}
	}

	s.logger.Info("Tracking started",
		"product_id", p.ID,
		"external_id", externalID,
		"rule_id", rule.ID,
		"price", p.PriceText,
		"new_product", created)

	return &Result{Product: p, Rule: rule, Created: created}, nil
}

func validate(req Request) error {
	if !req.NotifyOnPriceDrop && !req.NotifyOnAvailability {
		return &ValidationError{Field: "rule", Reason: "enable price drop or availability notifications"}
	}
	if req.TargetPrice.Valid && !req.TargetPrice.Decimal.IsPositive() {
		return &ValidationError{Field: "target_price", Reason: "must be positive"}
	}
	if ch := strings.TrimSpace(req.NotificationChannel); ch != "" {
		addr, err := mail.ParseAddress(ch)
		if err != nil || addr.Address != ch {
			return &ValidationError{Field: "notification_channel", Reason: "not an email address"}
		}
	}
	return nil
}
