package email

import (
	"fmt"
	"strings"

	"pricewatch/pkg/tracker"

	"golang.org/x/net/html"
)

const styles = `<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }
.header { border-bottom: 2px solid #e67e22; padding-bottom: 10px; margin-bottom: 20px; }
.price { font-size: 1.4em; }
.old { color: #7f8c8d; text-decoration: line-through; margin-right: 8px; }
.new { color: #27ae60; font-weight: 600; }
.info { color: #7f8c8d; font-size: 0.9em; margin: 15px 0; }
.footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }
.footer a { color: #7f8c8d; text-decoration: underline; margin: 0 8px; }
.footer a:first-child { margin-left: 0; }
a { color: #e67e22; text-decoration: none; }
@media (prefers-color-scheme: dark) {
body { background: #1a1a1a; color: #e0e0e0; }
.header { border-bottom-color: #ff8c42; }
.old, .info, .footer, .footer a { color: #a0a0a0; }
.footer { border-top-color: #444; }
a { color: #ff8c42; }
}
</style>
`

func writeHead(b *strings.Builder) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString(styles)
	b.WriteString("</head>\n<body>\n")
}

func (s *Sender) formatPriceDropBody(rule *tracker.TrackingRule, ev *tracker.ChangeEvent) string {
	var b strings.Builder
	writeHead(&b)

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>Price drop: %s</h2>\n", html.EscapeString(displayTitle(ev.Product))))
	b.WriteString("</div>\n")

	b.WriteString("<p class=\"price\">")
	if ev.OldValue != "" {
		b.WriteString(fmt.Sprintf("<span class=\"old\">%s</span>", html.EscapeString(ev.OldValue)))
	}
	b.WriteString(fmt.Sprintf("<span class=\"new\">%s</span></p>\n", html.EscapeString(ev.NewValue)))

	if ev.OldPrice.Valid && ev.NewPrice.Valid {
		saved := ev.OldPrice.Decimal.Sub(ev.NewPrice.Decimal)
		if ev.OldPrice.Decimal.IsPositive() {
			pct := saved.Div(ev.OldPrice.Decimal).Shift(2).Round(0)
			b.WriteString(fmt.Sprintf("<p>You save %s (%s%%).</p>\n", saved.StringFixed(2), pct.String()))
		}
	}

	writeRuleInfo(&b, rule)
	s.writeFooter(&b, ev.Product)
	b.WriteString("</body>\n</html>")
	return b.String()
}

func (s *Sender) formatRestockBody(rule *tracker.TrackingRule, ev *tracker.ChangeEvent) string {
	var b strings.Builder
	writeHead(&b)

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>Back in stock: %s</h2>\n", html.EscapeString(displayTitle(ev.Product))))
	b.WriteString("</div>\n")

	b.WriteString(fmt.Sprintf("<p>Availability changed to <strong>%s</strong>.</p>\n", html.EscapeString(ev.NewValue)))
	if ev.OldValue != "" {
		b.WriteString(fmt.Sprintf("<p class=\"info\">Previously: %s</p>\n", html.EscapeString(ev.OldValue)))
	}
	if ev.Product.PriceText != "" {
		b.WriteString(fmt.Sprintf("<p class=\"price\"><span class=\"new\">%s</span></p>\n", html.EscapeString(ev.Product.PriceText)))
	}

	writeRuleInfo(&b, rule)
	s.writeFooter(&b, ev.Product)
	b.WriteString("</body>\n</html>")
	return b.String()
}

func writeRuleInfo(b *strings.Builder, rule *tracker.TrackingRule) {
	b.WriteString("<div class=\"info\">\n<ul>\n")
	if rule.Name != "" {
		b.WriteString(fmt.Sprintf("<li>Rule: %s</li>\n", html.EscapeString(rule.Name)))
	}
	if rule.TargetPrice.Valid {
		b.WriteString(fmt.Sprintf("<li>Target price: %s</li>\n", rule.TargetPrice.Decimal.StringFixed(2)))
	}
	b.WriteString("</ul>\n</div>\n")
}

func (s *Sender) writeFooter(b *strings.Builder, p *tracker.TrackedProduct) {
	b.WriteString("<div class=\"footer\">\n")
	if isSafeURL(p.URL) {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">View product</a>\n", html.EscapeString(p.URL)))
	}
	if s.baseURL != "" {
		historyURL := fmt.Sprintf("%s/products/%d/history", strings.TrimSuffix(s.baseURL, "/"), p.ID)
		b.WriteString(fmt.Sprintf("<a href=\"%s\">Price history</a>\n", html.EscapeString(historyURL)))
	}
	b.WriteString("</div>\n")
}

func displayTitle(p *tracker.TrackedProduct) string {
	if p.Title != "" {
		return p.Title
	}
	return p.ExternalID
}

// isSafeURL reports whether a link may be placed in an email.
// Only absolute http and https URLs are accepted.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	return strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://")
}
