// Package scraper fetches storefront pages and extracts product snapshots and search listings.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"pricewatch/pkg/tracker"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

const (
	// DefaultMaxRetries is the number of retries after the first failed attempt.
	DefaultMaxRetries = 3
	// DefaultTimeout bounds a single page request.
	DefaultTimeout = 10 * time.Second
)

// Selectors tried in order; the first non-empty match wins.
var (
	priceSelectors = []string{
		"#priceblock_ourprice",
		"#priceblock_dealprice",
		".a-price .a-offscreen",
		"#corePrice_feature_div .a-offscreen",
		"#price",
	}
	availabilitySelectors = []string{
		"#availability",
		"#deliveryMessageMirId",
	}
	specRows = "#productDetails_techSpec_section_1 tr, #productDetails_detailBullets_sections1 tr, .a-keyvalue tr"
)

// StatusError reports a non-200 response from the product page.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// permanent reports whether retrying cannot help.
func (e *StatusError) permanent() bool {
	return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// IsStatusError reports whether err carries the given HTTP status code.
func IsStatusError(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Config tunes fetching.
type Config struct {
	SearchBaseURL string // Storefront queried by Search
	MaxRetries    int
	Timeout       time.Duration // Per attempt
	RetryDelay    time.Duration
	RequestDelay  time.Duration // Base pause between search result pages
}

// Scraper fetches product and search pages.
type Scraper struct {
	client        *http.Client
	logger        *slog.Logger
	sleep         func(ctx context.Context, d time.Duration)
	jitter        func() float64
	searchBaseURL string
	timeout       time.Duration
	retryDelay    time.Duration
	requestDelay  time.Duration
	attempts      uint
}

// New creates a new scraper. Negative MaxRetries disables retries.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Scraper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.SearchBaseURL == "" {
		cfg.SearchBaseURL = DefaultSearchBaseURL
	}
	return &Scraper{
		client:        client,
		logger:        logger,
		sleep:         sleep,
		jitter:        rand.Float64,
		searchBaseURL: cfg.SearchBaseURL,
		timeout:       cfg.Timeout,
		retryDelay:    cfg.RetryDelay,
		requestDelay:  cfg.RequestDelay,
		attempts:      uint(cfg.MaxRetries) + 1,
	}
}

// Fetch downloads pageURL and extracts its snapshot.
func (s *Scraper) Fetch(ctx context.Context, pageURL string) (*tracker.PageSnapshot, error) {
	var snap *tracker.PageSnapshot
	err := s.get(ctx, pageURL, func(body io.Reader) error {
		var err error
		snap, err = parseProduct(body, pageURL)
		return err
	})
	if err != nil {
		return nil, err
	}
	snap.FetchedAt = time.Now().UTC()
	return snap, nil
}

// get downloads pageURL with retries and hands a 200 response body to parse.
// Parse errors are not retried.
func (s *Scraper) get(ctx context.Context, pageURL string, parse func(io.Reader) error) error {
	var lastErr error

	err := retry.Do(
		func() error {
			lastErr = s.getOnce(ctx, pageURL, parse)
			return lastErr
		},
		retry.Attempts(s.attempts),
		retry.Delay(s.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(s.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "url", pageURL, "attempt", n+1, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			var se *StatusError
			return !errors.As(err, &se) || !se.permanent()
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return fmt.Errorf("fetch %s: %w", pageURL, lastErr)
	}
	return nil
}

func (s *Scraper) getOnce(ctx context.Context, pageURL string, parse func(io.Reader) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}

	// Browser-like headers; storefronts serve a stripped page to unknown clients.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "it-IT,it;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Cache-Control", "max-age=0")

	start := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		s.logger.Warn("HTTP request failed", "url", pageURL, "duration_ms", duration.Milliseconds(), "error", err)
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	s.logger.Debug("HTTP request completed",
		"url", pageURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: pageURL, StatusCode: resp.StatusCode}
	}

	if err := parse(resp.Body); err != nil {
		return retry.Unrecoverable(fmt.Errorf("parse page: %w", err))
	}
	return nil
}

func parseProduct(body io.Reader, pageURL string) (*tracker.PageSnapshot, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	snap := &tracker.PageSnapshot{
		URL:              pageURL,
		Title:            strings.TrimSpace(doc.Find("#productTitle").First().Text()),
		PriceText:        firstText(doc.Selection, priceSelectors...),
		AvailabilityText: collapseSpace(firstText(doc.Selection, availabilitySelectors...)),
	}
	if rating, ok := doc.Find("#acrPopover").First().Attr("title"); ok {
		snap.RatingText = strings.TrimSpace(rating)
	}

	hero := doc.Find("#imgTagWrapperId img").First()
	if src, ok := hero.Attr("data-old-hires"); ok && src != "" {
		snap.Images = append(snap.Images, src)
	} else if src, ok := hero.Attr("src"); ok && src != "" {
		snap.Images = append(snap.Images, src)
	}
	doc.Find("#altImages .a-button-thumbnail img").Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("src")
		if !ok || src == "" {
			return
		}
		src = strings.Replace(src, "._SS40_", "._SL500_", 1)
		for _, existing := range snap.Images {
			if existing == src {
				return
			}
		}
		snap.Images = append(snap.Images, src)
	})

	doc.Find(specRows).Each(func(_ int, row *goquery.Selection) {
		key := strings.TrimSpace(row.Find("th, .a-span3").First().Text())
		val := collapseSpace(row.Find("td, .a-span9").First().Text())
		if key == "" || val == "" {
			return
		}
		if snap.Specifications == nil {
			snap.Specifications = make(map[string]string)
		}
		snap.Specifications[key] = val
	})

	if snap.Title == "" && snap.PriceText == "" {
		return nil, errors.New("no product details found")
	}
	return snap, nil
}

func firstText(root *goquery.Selection, selectors ...string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(root.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
