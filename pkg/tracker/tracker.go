// Package tracker contains the core domain types for the price tracking service.
package tracker

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrackedProduct is a product page being monitored for price and availability changes.
type TrackedProduct struct {
	LastCheckedAt    time.Time           `json:"last_checked_at"` // Never moves backwards
	CreatedAt        time.Time           `json:"created_at"`
	PriceValue       decimal.NullDecimal `json:"price_value"` // Absent when PriceText does not parse
	Rating           decimal.NullDecimal `json:"rating"`
	ExternalID       string              `json:"external_id"` // ASIN
	URL              string              `json:"url"`         // Canonical product URL
	Title            string              `json:"title"`
	PriceText        string              `json:"price_text"`
	AvailabilityText string              `json:"availability_text"`
	ID               int64               `json:"id"`
	IsAvailable      bool                `json:"is_available"`
}

// PriceHistoryEntry records one observed price. Entries are append-only.
type PriceHistoryEntry struct {
	ObservedAt time.Time           `json:"observed_at"`
	PriceValue decimal.NullDecimal `json:"price_value"`
	PriceText  string              `json:"price_text"`
	ID         int64               `json:"id"`
	ProductID  int64               `json:"product_id"`
}

// TrackingRule is one user's monitoring intent for a tracked product.
type TrackingRule struct {
	LastNotifiedAt       *time.Time          `json:"last_notified_at,omitempty"`
	CreatedAt            time.Time           `json:"created_at"`
	TargetPrice          decimal.NullDecimal `json:"target_price"`
	Name                 string              `json:"name"`
	NotificationChannel  string              `json:"notification_channel"` // Recipient email; empty when unset
	ID                   int64               `json:"id"`
	ProductID            int64               `json:"product_id"`
	NotifyOnPriceDrop    bool                `json:"notify_on_price_drop"`
	NotifyOnAvailability bool                `json:"notify_on_availability"`
	IsActive             bool                `json:"is_active"`
}

// RuleFilter selects which notification preference a rule lookup requires.
type RuleFilter int

const (
	// WantsPriceDrop matches rules with NotifyOnPriceDrop set.
	WantsPriceDrop RuleFilter = iota
	// WantsAvailability matches rules with NotifyOnAvailability set.
	WantsAvailability
)

func (f RuleFilter) String() string {
	switch f {
	case WantsPriceDrop:
		return "price_drop"
	case WantsAvailability:
		return "availability"
	default:
		return "unknown"
	}
}

// PageSnapshot is a point-in-time read of a product page.
// Only Title, PriceText, AvailabilityText and RatingText drive change detection;
// the remaining fields are archived as-is.
type PageSnapshot struct {
	FetchedAt        time.Time         `json:"fetched_at"`
	Specifications   map[string]string `json:"specifications,omitempty"`
	URL              string            `json:"url"`
	Title            string            `json:"title"`
	PriceText        string            `json:"price_text"`
	AvailabilityText string            `json:"availability_text"`
	RatingText       string            `json:"rating_text,omitempty"`
	Images           []string          `json:"images,omitempty"`
}

// ChangeKind classifies a notifiable change.
type ChangeKind string

const (
	PriceDrop ChangeKind = "price_drop"
	Restock   ChangeKind = "restock"
)

// ChangeEvent describes a price drop or restock observed during a refresh cycle.
type ChangeEvent struct {
	Product  *TrackedProduct     `json:"product"`
	OldPrice decimal.NullDecimal `json:"old_price"`
	NewPrice decimal.NullDecimal `json:"new_price"`
	Kind     ChangeKind          `json:"kind"`
	OldValue string              `json:"old_value"` // Price text or availability text before the change
	NewValue string              `json:"new_value"`
}

// RefreshOutcome aggregates the statistics of one refresh cycle.
type RefreshOutcome struct {
	PriceDrops []ChangeEvent `json:"price_drops"`
	Restocks   []ChangeEvent `json:"restocks"`
	Updated    int           `json:"updated"`
	Failed     int           `json:"failed"`
	Notified   int           `json:"notified"`
}

// SearchResult is one product listing on a storefront search page.
type SearchResult struct {
	PriceValue decimal.NullDecimal `json:"price_value"`
	ExternalID string              `json:"external_id"` // ASIN
	Title      string              `json:"title"`
	URL        string              `json:"url"`
	PriceText  string              `json:"price_text"`
	ImageURL   string              `json:"image_url,omitempty"`
	RatingText string              `json:"rating_text,omitempty"`
	Reviews    string              `json:"reviews,omitempty"`
}
