package scraper

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pricewatch/pkg/tracker"

	"github.com/PuerkitoBio/goquery"
)

const (
	// DefaultSearchBaseURL is the storefront Search queries when none is configured.
	DefaultSearchBaseURL = "https://www.amazon.it"
	// DefaultSearchResults is the number of listings returned when the caller asks for none.
	DefaultSearchResults = 20
	// MaxSearchResults caps the listings one search may return.
	MaxSearchResults = 100
	// maxSearchPages bounds how many result pages one search walks.
	maxSearchPages = 5
)

// Listing selectors; the first non-empty match wins.
var (
	listingTitleSelectors   = []string{"h2 a span", "h5 a", ".a-size-medium.a-color-base.a-text-normal"}
	listingLinkSelectors    = []string{"h2 a", "h5 a"}
	listingPriceSelectors   = []string{".a-price .a-offscreen", ".a-price"}
	listingImageSelectors   = []string{"img.s-image", "img.a-dynamic-image"}
	listingRatingSelectors  = []string{"i.a-icon-star-small", "i.a-icon-star"}
	listingReviewsSelectors = []string{"span.a-size-base.s-underline-text", "a.a-link-normal span.a-size-base"}
)

// Search runs query against the storefront and returns up to maxResults listings.
// It walks result pages in order, pausing between them, and stops at the first
// empty page. A failure on the first page is returned; a later failure ends the
// walk with the listings gathered so far.
func (s *Scraper) Search(ctx context.Context, query string, maxResults int) ([]tracker.SearchResult, error) {
	if maxResults <= 0 {
		maxResults = DefaultSearchResults
	}
	maxResults = min(maxResults, MaxSearchResults)

	base, err := url.Parse(s.searchBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse search base URL: %w", err)
	}

	s.logger.Info("Searching products", "query", query, "max_results", maxResults)

	var results []tracker.SearchResult
	seen := make(map[string]bool)

	for page := 1; page <= maxSearchPages && len(results) < maxResults; page++ {
		if page > 1 && s.requestDelay > 0 {
			s.sleep(ctx, time.Duration(float64(s.requestDelay)*(1+s.jitter())))
			if ctx.Err() != nil {
				break
			}
		}

		pageURL := searchPageURL(base, query, page)
		var listings []tracker.SearchResult
		err := s.get(ctx, pageURL, func(body io.Reader) error {
			var err error
			listings, err = parseSearch(body, base)
			return err
		})
		if err != nil {
			if page == 1 {
				return nil, err
			}
			s.logger.Warn("Search page failed, returning partial results", "page", page, "error", err)
			break
		}
		if len(listings) == 0 {
			s.logger.Debug("Search page empty", "page", page)
			break
		}

		for _, l := range listings {
			if seen[l.ExternalID] {
				continue
			}
			seen[l.ExternalID] = true
			results = append(results, l)
		}
	}

	if len(results) > maxResults {
		results = results[:maxResults]
	}
	s.logger.Info("Search completed", "query", query, "results", len(results))
	return results, nil
}

func searchPageURL(base *url.URL, query string, page int) string {
	u := *base
	u.Path = "/s"
	u.RawQuery = url.Values{"k": {query}, "page": {strconv.Itoa(page)}}.Encode()
	return u.String()
}

// parseSearch extracts the product listings of one search result page.
func parseSearch(body io.Reader, base *url.URL) ([]tracker.SearchResult, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	items := doc.Find("div.s-result-item[data-asin]")
	if items.Length() == 0 {
		items = doc.Find("div.sg-col[data-asin]")
	}

	var out []tracker.SearchResult
	items.Each(func(_ int, item *goquery.Selection) {
		asin := strings.TrimSpace(item.AttrOr("data-asin", ""))
		if asin == "" {
			return
		}

		res := tracker.SearchResult{
			ExternalID: asin,
			Title:      collapseSpace(firstText(item, listingTitleSelectors...)),
			PriceText:  firstText(item, listingPriceSelectors...),
			RatingText: firstText(item, listingRatingSelectors...),
			Reviews:    firstText(item, listingReviewsSelectors...),
		}
		res.PriceValue = tracker.ParsePrice(res.PriceText)
		res.ImageURL = firstAttr(item, "src", listingImageSelectors...)
		res.URL = listingURL(base, firstAttr(item, "href", listingLinkSelectors...), asin)
		out = append(out, res)
	})
	return out, nil
}

// listingURL resolves href against the storefront and prefers the canonical
// /dp/ form. Without a link it points at the product page of asin.
func listingURL(base *url.URL, href, asin string) string {
	if href == "" {
		return base.ResolveReference(&url.URL{Path: "/dp/" + asin}).String()
	}
	ref, err := url.Parse(href)
	if err != nil {
		return base.ResolveReference(&url.URL{Path: "/dp/" + asin}).String()
	}
	abs := base.ResolveReference(ref).String()
	if canonical, _, err := tracker.CanonicalURL(abs); err == nil {
		return canonical
	}
	return abs
}

func firstAttr(root *goquery.Selection, attr string, selectors ...string) string {
	for _, sel := range selectors {
		if v := strings.TrimSpace(root.Find(sel).First().AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return ""
}
