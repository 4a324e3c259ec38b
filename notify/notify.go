// Package notify decides which tracking rules get notified about detected changes.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pricewatch/pkg/tracker"
)

// DefaultCooldown is the minimum time between two notifications for the same rule.
const DefaultCooldown = 24 * time.Hour

// Session is the unit of work the gate reads rules from and stages cooldowns into.
type Session interface {
	ActiveRules(ctx context.Context, productID int64, filter tracker.RuleFilter) ([]*tracker.TrackingRule, error)
	SaveRule(rule *tracker.TrackingRule)
}

// Sender delivers notifications to users.
type Sender interface {
	SendPriceDrop(ctx context.Context, rule *tracker.TrackingRule, ev *tracker.ChangeEvent) error
	SendRestock(ctx context.Context, rule *tracker.TrackingRule, ev *tracker.ChangeEvent) error
}

// Delivery is a notification that passed the gate and waits to be sent.
type Delivery struct {
	Rule  *tracker.TrackingRule
	Event *tracker.ChangeEvent
}

// Gate applies target-price and cooldown rules before dispatching notifications.
type Gate struct {
	sender   Sender
	logger   *slog.Logger
	cooldown time.Duration
}

// New creates a notification gate. A non-positive cooldown selects DefaultCooldown.
func New(sender Sender, cooldown time.Duration, logger *slog.Logger) *Gate {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Gate{
		sender:   sender,
		logger:   logger,
		cooldown: cooldown,
	}
}

// Evaluate picks the active rules that should hear about the given events and
// stages their LastNotifiedAt = now in sess. Nothing is sent.
//
// The caller commits sess and only then calls Dispatch, so a crash after
// sending can never lead to a second send of the same notification.
func (g *Gate) Evaluate(ctx context.Context, sess Session, drops, restocks []tracker.ChangeEvent, now time.Time) ([]Delivery, error) {
	notified := make(map[int64]bool)
	var pending []Delivery

	for i := range drops {
		ev := &drops[i]
		rules, err := sess.ActiveRules(ctx, ev.Product.ID, tracker.WantsPriceDrop)
		if err != nil {
			return nil, fmt.Errorf("load price drop rules for product %d: %w", ev.Product.ID, err)
		}
		for _, rule := range rules {
			if rule.TargetPrice.Valid && ev.NewPrice.Valid && ev.NewPrice.Decimal.GreaterThan(rule.TargetPrice.Decimal) {
				g.logger.Debug("Target price not reached",
					"rule_id", rule.ID,
					"product_id", ev.Product.ID,
					"new_price", ev.NewPrice.Decimal.String(),
					"target_price", rule.TargetPrice.Decimal.String())
				continue
			}
			if g.coolingDown(rule, now, notified) {
				continue
			}
			pending = append(pending, stage(sess, rule, ev, now, notified))
		}
	}

	for i := range restocks {
		ev := &restocks[i]
		rules, err := sess.ActiveRules(ctx, ev.Product.ID, tracker.WantsAvailability)
		if err != nil {
			return nil, fmt.Errorf("load availability rules for product %d: %w", ev.Product.ID, err)
		}
		for _, rule := range rules {
			if g.coolingDown(rule, now, notified) {
				continue
			}
			pending = append(pending, stage(sess, rule, ev, now, notified))
		}
	}

	if len(pending) > 0 {
		g.logger.Debug("Notifications staged", "eligible", len(pending))
	}
	return pending, nil
}

// Dispatch sends the deliveries returned by Evaluate and reports how many went out.
// A failed delivery is logged and not retried in a later cycle.
func (g *Gate) Dispatch(ctx context.Context, pending []Delivery) int {
	if len(pending) == 0 {
		return 0
	}

	sent := 0
	for _, d := range pending {
		var err error
		switch d.Event.Kind {
		case tracker.PriceDrop:
			err = g.sender.SendPriceDrop(ctx, d.Rule, d.Event)
		case tracker.Restock:
			err = g.sender.SendRestock(ctx, d.Rule, d.Event)
		}
		if err != nil {
			g.logger.Warn("Notification delivery failed",
				"rule_id", d.Rule.ID,
				"product_id", d.Event.Product.ID,
				"kind", d.Event.Kind,
				"error", err)
			continue
		}
		sent++
	}

	g.logger.Info("Notifications dispatched", "eligible", len(pending), "sent", sent)
	return sent
}

func (g *Gate) coolingDown(rule *tracker.TrackingRule, now time.Time, notified map[int64]bool) bool {
	if notified[rule.ID] {
		return true
	}
	if rule.LastNotifiedAt == nil {
		return false
	}
	if since := now.Sub(*rule.LastNotifiedAt); since < g.cooldown {
		g.logger.Debug("Rule in cooldown",
			"rule_id", rule.ID,
			"last_notified_at", rule.LastNotifiedAt.Format(time.RFC3339),
			"remaining", (g.cooldown - since).String())
		return true
	}
	return false
}

func stage(sess Session, rule *tracker.TrackingRule, ev *tracker.ChangeEvent, now time.Time, notified map[int64]bool) Delivery {
	ts := now
	rule.LastNotifiedAt = &ts
	sess.SaveRule(rule)
	notified[rule.ID] = true
	return Delivery{Rule: rule, Event: ev}
}
