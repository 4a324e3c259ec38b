package tracker

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ParsePrice converts display text such as "€1.299,00" or "$24.99" into a decimal.
//
// All characters except digits, '.' and ',' are dropped, commas become dots and,
// when several dots remain, every dot but the last is treated as a thousands separator.
// The result is invalid when nothing parseable is left.
//
// Ingestion and refresh must both use this function, otherwise stored and fetched
// prices stop being comparable.
func ParsePrice(text string) decimal.NullDecimal {
	var b strings.Builder
	for _, r := range text {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	s := strings.ReplaceAll(b.String(), ",", ".")

	if strings.Count(s, ".") > 1 {
		last := strings.LastIndex(s, ".")
		s = strings.ReplaceAll(s[:last], ".", "") + s[last:]
	}
	if s == "" || s == "." {
		return decimal.NullDecimal{}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

var ratingRegex = regexp.MustCompile(`\d+(?:[.,]\d+)?`)

// ParseRating extracts the leading score from texts like "4,5 su 5 stelle"
// or "4.6 out of 5 stars".
func ParseRating(text string) decimal.NullDecimal {
	m := ratingRegex.FindString(text)
	if m == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m, ",", "."))
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
