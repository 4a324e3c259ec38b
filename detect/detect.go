// Package detect compares a fresh page snapshot against the stored state of a product.
package detect

import (
	"strings"

	"pricewatch/pkg/tracker"

	"github.com/shopspring/decimal"
)

// unavailablePhrases mark a product as out of stock when found in the availability text.
// Anything else, including an empty text, counts as available.
var unavailablePhrases = []string{
	"out of stock",
	"temporarily out",
	"currently unavailable",
	"unavailable",
	"not available",
	"sold out",
	"non disponibile",
	"esaurito",
	"no disponible",
	"agotado",
	"nicht verfügbar",
	"derzeit nicht",
	"indisponible",
	"rupture de stock",
}

// Result is the classified delta between a stored product and a snapshot.
type Result struct {
	OldPriceValue       decimal.NullDecimal
	NewPriceValue       decimal.NullDecimal
	NewRating           decimal.NullDecimal
	NewPriceText        string
	NewAvailabilityText string
	PriceChanged        bool // Price text differs; a history entry is due
	PriceDropped        bool // Numeric price strictly decreased
	AvailabilityChanged bool
	Restocked           bool // Transition from unavailable to available
	IsAvailable         bool
}

// Detect classifies the changes between previous and snap. It has no side effects.
func Detect(previous *tracker.TrackedProduct, snap *tracker.PageSnapshot) Result {
	res := Result{
		NewPriceText:        strings.TrimSpace(snap.PriceText),
		NewAvailabilityText: strings.TrimSpace(snap.AvailabilityText),
		NewRating:           tracker.ParseRating(snap.RatingText),
	}

	res.OldPriceValue = previous.PriceValue
	if !res.OldPriceValue.Valid {
		res.OldPriceValue = tracker.ParsePrice(previous.PriceText)
	}

	// A blank price means the page did not show one, not that the price changed.
	if res.NewPriceText != "" {
		res.NewPriceValue = tracker.ParsePrice(res.NewPriceText)
		res.PriceChanged = res.NewPriceText != previous.PriceText
	} else {
		res.NewPriceText = previous.PriceText
		res.NewPriceValue = previous.PriceValue
	}

	if res.PriceChanged && res.OldPriceValue.Valid && res.NewPriceValue.Valid {
		res.PriceDropped = res.NewPriceValue.Decimal.LessThan(res.OldPriceValue.Decimal)
	}

	res.IsAvailable = IsAvailable(res.NewAvailabilityText)
	res.AvailabilityChanged = res.IsAvailable != previous.IsAvailable
	res.Restocked = !previous.IsAvailable && res.IsAvailable

	return res
}

// IsAvailable reports whether an availability text describes a purchasable product.
func IsAvailable(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return true
	}
	for _, phrase := range unavailablePhrases {
		if strings.Contains(t, phrase) {
			return false
		}
	}
	return true
}
