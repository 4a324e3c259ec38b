// Package email delivers price drop and restock notifications.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pricewatch/pkg/tracker"

	"github.com/codeGROOVE-dev/retry"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender turns change events into emails sent through a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links back to the service
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// SendPriceDrop emails the owner of rule about a price drop.
// A rule without a notification channel is logged and skipped.
func (s *Sender) SendPriceDrop(ctx context.Context, rule *tracker.TrackingRule, ev *tracker.ChangeEvent) error {
	if rule.NotificationChannel == "" {
		s.logger.Info("Price drop for rule without notification channel",
			"rule_id", rule.ID,
			"product_id", ev.Product.ID,
			"old_price", ev.OldValue,
			"new_price", ev.NewValue)
		return nil
	}

	subject := fmt.Sprintf("Price drop: %s", shortTitle(ev.Product))
	body := s.formatPriceDropBody(rule, ev)

	s.logger.Info("Sending price drop email",
		"to", rule.NotificationChannel,
		"rule_id", rule.ID,
		"product_id", ev.Product.ID)

	return s.provider.Send(ctx, rule.NotificationChannel, subject, body)
}

// SendRestock emails the owner of rule that a product is available again.
func (s *Sender) SendRestock(ctx context.Context, rule *tracker.TrackingRule, ev *tracker.ChangeEvent) error {
	if rule.NotificationChannel == "" {
		s.logger.Info("Restock for rule without notification channel",
			"rule_id", rule.ID,
			"product_id", ev.Product.ID,
			"availability", ev.NewValue)
		return nil
	}

	subject := fmt.Sprintf("Back in stock: %s", shortTitle(ev.Product))
	body := s.formatRestockBody(rule, ev)

	s.logger.Info("Sending restock email",
		"to", rule.NotificationChannel,
		"rule_id", rule.ID,
		"product_id", ev.Product.ID)

	return s.provider.Send(ctx, rule.NotificationChannel, subject, body)
}

func shortTitle(p *tracker.TrackedProduct) string {
	const maxRunes = 60
	title := displayTitle(p)
	if r := []rune(title); len(r) > maxRunes {
		return string(r[:maxRunes-1]) + "…"
	}
	return title
}

// sendRetryOptions are shared by the providers that talk to remote APIs.
func sendRetryOptions(ctx context.Context, logger *slog.Logger, provider string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send after error", "provider", provider, "attempt", n, "error", err)
		}),
	}
}
