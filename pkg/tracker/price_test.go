package tracker

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string // empty means absent
	}{
		{"euro comma decimal", "€29,99", "29.99"},
		{"euro thousands and comma", "€1.299,00", "1299"},
		{"dollar thousands", "$1,299.00", "1299"},
		{"plain decimal", "24.99", "24.99"},
		{"integer with currency code", "AED 99", "99"},
		{"trailing text", "29,99 € IVA inclusa", "29.99"},
		{"empty", "", ""},
		{"no digits", "Currently unavailable", ""},
		{"only separators", ",", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParsePrice(tt.input)
			if tt.want == "" {
				if got.Valid {
					t.Errorf("ParsePrice(%q) = %s, want absent", tt.input, got.Decimal)
				}
				return
			}
			if !got.Valid {
				t.Fatalf("ParsePrice(%q) is absent, want %s", tt.input, tt.want)
			}
			if !got.Decimal.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ParsePrice(%q) = %s, want %s", tt.input, got.Decimal, tt.want)
			}
		})
	}
}

func TestParseRating(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"4,5 su 5 stelle", "4.5"},
		{"4.6 out of 5 stars", "4.6"},
		{"5 out of 5", "5"},
		{"", ""},
		{"no reviews", ""},
	}

	for _, tt := range tests {
		got := ParseRating(tt.input)
		if tt.want == "" {
			if got.Valid {
				t.Errorf("ParseRating(%q) = %s, want absent", tt.input, got.Decimal)
			}
			continue
		}
		if !got.Valid || !got.Decimal.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("ParseRating(%q) = %v, want %s", tt.input, got, tt.want)
		}
	}
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantID  string
		wantErr bool
	}{
		{
			name:   "dp with slug and query",
			input:  "https://www.amazon.it/Echo-Dot/dp/B09B8X9RGM/ref=sr_1_1?keywords=echo",
			want:   "https://www.amazon.it/dp/B09B8X9RGM",
			wantID: "B09B8X9RGM",
		},
		{
			name:   "gp product",
			input:  "https://www.amazon.com/gp/product/B07FZ8S74R?th=1",
			want:   "https://www.amazon.com/dp/B07FZ8S74R",
			wantID: "B07FZ8S74R",
		},
		{
			name:    "other site",
			input:   "https://example.com/dp/B07FZ8S74R",
			wantErr: true,
		},
		{
			name:    "storefront without asin",
			input:   "https://www.amazon.de/s?k=kindle",
			wantErr: true,
		},
		{
			name:    "lookalike domain",
			input:   "https://notamazon.com/dp/B07FZ8S74R",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, id, err := CanonicalURL(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CanonicalURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want || id != tt.wantID {
				t.Errorf("CanonicalURL() = %q, %q, want %q, %q", got, id, tt.want, tt.wantID)
			}
		})
	}
}
