package tracker

import (
	"errors"
	"net/url"
	"strings"
)

var storefrontDomains = []string{
	"amazon.com",
	"amazon.it",
	"amazon.co.uk",
	"amazon.de",
	"amazon.fr",
	"amazon.es",
	"amazon.co.jp",
	"amazon.ca",
	"amazon.in",
	"amazon.com.au",
	"amazon.com.br",
	"amazon.nl",
	"amazon.com.mx",
	"amazon.se",
	"amazon.pl",
	"amazon.sa",
	"amazon.sg",
	"amazon.ae",
	"amazon.com.tr",
}

// ErrUnsupportedURL is returned for URLs that are not product pages of a known storefront.
var ErrUnsupportedURL = errors.New("unsupported product URL")

// IsProductURL reports whether rawURL points at a known storefront and has a path.
func IsProductURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range storefrontDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return u.Path != "" && u.Path != "/"
		}
	}
	return false
}

// ExternalID extracts the ASIN from a product URL.
func ExternalID(rawURL string) (string, bool) {
	for _, marker := range []string{"/dp/", "/gp/product/", "/exec/obidos/asin/"} {
		if _, rest, ok := strings.Cut(rawURL, marker); ok {
			id := cutAny(rest, "/?#")
			return id, id != ""
		}
	}
	if _, rest, ok := strings.Cut(rawURL, "ASIN="); ok {
		id := cutAny(rest, "&#")
		return id, id != ""
	}
	return "", false
}

// CanonicalURL rewrites a product URL to scheme://host/dp/ASIN, dropping
// tracking parameters and slugs.
func CanonicalURL(rawURL string) (string, string, error) {
	if !IsProductURL(rawURL) {
		return "", "", ErrUnsupportedURL
	}
	id, ok := ExternalID(rawURL)
	if !ok {
		return "", "", ErrUnsupportedURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", ErrUnsupportedURL
	}
	return u.Scheme + "://" + strings.ToLower(u.Host) + "/dp/" + id, id, nil
}

func cutAny(s, seps string) string {
	if i := strings.IndexAny(s, seps); i >= 0 {
		return s[:i]
	}
	return s
}
