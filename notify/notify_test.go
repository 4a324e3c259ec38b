package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"pricewatch/pkg/tracker"

	"github.com/shopspring/decimal"
)

type fakeSession struct {
	rules    []*tracker.TrackingRule
	saved    []*tracker.TrackingRule
	rulesErr error
}

func (f *fakeSession) ActiveRules(_ context.Context, productID int64, filter tracker.RuleFilter) ([]*tracker.TrackingRule, error) {
	if f.rulesErr != nil {
		return nil, f.rulesErr
	}
	var out []*tracker.TrackingRule
	for _, r := range f.rules {
		if r.ProductID != productID || !r.IsActive {
			continue
		}
		if filter == tracker.WantsPriceDrop && !r.NotifyOnPriceDrop {
			continue
		}
		if filter == tracker.WantsAvailability && !r.NotifyOnAvailability {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeSession) SaveRule(r *tracker.TrackingRule) { f.saved = append(f.saved, r) }

type fakeSender struct {
	drops    []int64
	restocks []int64
	err      error
}

func (f *fakeSender) SendPriceDrop(_ context.Context, rule *tracker.TrackingRule, _ *tracker.ChangeEvent) error {
	if f.err != nil {
		return f.err
	}
	f.drops = append(f.drops, rule.ID)
	return nil
}

func (f *fakeSender) SendRestock(_ context.Context, rule *tracker.TrackingRule, _ *tracker.ChangeEvent) error {
	if f.err != nil {
		return f.err
	}
	f.restocks = append(f.restocks, rule.ID)
	return nil
}

var cycleStart = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newGate(sender Sender) *Gate {
	return New(sender, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// notifyAll runs both phases the way a refresh cycle does.
func notifyAll(t *testing.T, g *Gate, sess *fakeSession, drops, restocks []tracker.ChangeEvent) int {
	t.Helper()
	pending, err := g.Evaluate(context.Background(), sess, drops, restocks, cycleStart)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	return g.Dispatch(context.Background(), pending)
}

func price(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.RequireFromString(s), Valid: true}
}

func dropEvent(productID int64, oldPrice, newPrice string) tracker.ChangeEvent {
	return tracker.ChangeEvent{
		Product:  &tracker.TrackedProduct{ID: productID},
		Kind:     tracker.PriceDrop,
		OldPrice: price(oldPrice),
		NewPrice: price(newPrice),
	}
}

func TestNotifyPriceDropTargetPrice(t *testing.T) {
	tests := []struct {
		name     string
		target   decimal.NullDecimal
		wantSent int
	}{
		{"no target", decimal.NullDecimal{}, 1},
		{"target reached", price("25.00"), 1},
		{"target equal to new price", price("24.99"), 1},
		{"target not reached", price("20.00"), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &tracker.TrackingRule{ID: 7, ProductID: 1, IsActive: true, NotifyOnPriceDrop: true, TargetPrice: tt.target}
			sess := &fakeSession{rules: []*tracker.TrackingRule{rule}}

			sent := notifyAll(t, newGate(&fakeSender{}), sess, []tracker.ChangeEvent{dropEvent(1, "29.99", "24.99")}, nil)
			if sent != tt.wantSent {
				t.Errorf("sent = %d, want %d", sent, tt.wantSent)
			}
			if tt.wantSent == 0 {
				if rule.LastNotifiedAt != nil || len(sess.saved) != 0 {
					t.Error("nothing should be staged when the target is not reached")
				}
				return
			}
			if rule.LastNotifiedAt == nil || !rule.LastNotifiedAt.Equal(cycleStart) {
				t.Errorf("LastNotifiedAt = %v, want the cycle start %v", rule.LastNotifiedAt, cycleStart)
			}
			if len(sess.saved) != 1 {
				t.Errorf("staged %d rules, want 1", len(sess.saved))
			}
		})
	}
}

func TestNotifyCooldown(t *testing.T) {
	tests := []struct {
		name     string
		last     time.Duration // how long ago the rule was last notified; 0 means never
		wantSent int
	}{
		{"never notified", 0, 1},
		{"notified one hour ago", time.Hour, 0},
		{"notified just under a day ago", 24*time.Hour - time.Second, 0},
		{"notified exactly a day ago", 24 * time.Hour, 1},
		{"notified two days ago", 48 * time.Hour, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &tracker.TrackingRule{ID: 3, ProductID: 1, IsActive: true, NotifyOnPriceDrop: true, NotifyOnAvailability: true}
			if tt.last > 0 {
				last := cycleStart.Add(-tt.last)
				rule.LastNotifiedAt = &last
			}
			sess := &fakeSession{rules: []*tracker.TrackingRule{rule}}

			restock := tracker.ChangeEvent{Product: &tracker.TrackedProduct{ID: 1}, Kind: tracker.Restock}
			if sent := notifyAll(t, newGate(&fakeSender{}), sess, nil, []tracker.ChangeEvent{restock}); sent != tt.wantSent {
				t.Errorf("sent = %d, want %d", sent, tt.wantSent)
			}
		})
	}
}

func TestNotifyFiltersRules(t *testing.T) {
	rules := []*tracker.TrackingRule{
		{ID: 1, ProductID: 1, IsActive: true, NotifyOnPriceDrop: true},
		{ID: 2, ProductID: 1, IsActive: false, NotifyOnPriceDrop: true},
		{ID: 3, ProductID: 1, IsActive: true, NotifyOnAvailability: true},
		{ID: 4, ProductID: 2, IsActive: true, NotifyOnPriceDrop: true},
	}
	sender := &fakeSender{}

	sent := notifyAll(t, newGate(sender), &fakeSession{rules: rules}, []tracker.ChangeEvent{dropEvent(1, "10", "9")}, nil)
	if sent != 1 || len(sender.drops) != 1 || sender.drops[0] != 1 {
		t.Errorf("sent = %d, drops = %v, want only rule 1", sent, sender.drops)
	}
}

func TestNotifyOncePerRulePerCycle(t *testing.T) {
	rule := &tracker.TrackingRule{ID: 9, ProductID: 1, IsActive: true, NotifyOnPriceDrop: true, NotifyOnAvailability: true}
	sender := &fakeSender{}

	drop := dropEvent(1, "10", "8")
	restock := tracker.ChangeEvent{Product: drop.Product, Kind: tracker.Restock}
	sent := notifyAll(t, newGate(sender), &fakeSession{rules: []*tracker.TrackingRule{rule}}, []tracker.ChangeEvent{drop}, []tracker.ChangeEvent{restock})
	if sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
	if len(sender.restocks) != 0 {
		t.Errorf("restock notifications = %v, want none", sender.restocks)
	}
}

func TestEvaluateSendsNothing(t *testing.T) {
	rule := &tracker.TrackingRule{ID: 1, ProductID: 1, IsActive: true, NotifyOnPriceDrop: true}
	sender := &fakeSender{}

	pending, err := newGate(sender).Evaluate(context.Background(), &fakeSession{rules: []*tracker.TrackingRule{rule}},
		[]tracker.ChangeEvent{dropEvent(1, "10", "8")}, nil, cycleStart)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Rule.ID != 1 {
		t.Errorf("pending = %+v, want rule 1", pending)
	}
	if len(sender.drops) != 0 {
		t.Errorf("drops = %v, want nothing sent before Dispatch", sender.drops)
	}
}

func TestEvaluateRulesError(t *testing.T) {
	sess := &fakeSession{rulesErr: errors.New("database is locked")}

	pending, err := newGate(&fakeSender{}).Evaluate(context.Background(), sess, []tracker.ChangeEvent{dropEvent(1, "10", "8")}, nil, cycleStart)
	if err == nil {
		t.Fatal("Evaluate() expected error when rules cannot be read")
	}
	if pending != nil || len(sess.saved) != 0 {
		t.Errorf("pending = %v, saved = %v, want nothing", pending, sess.saved)
	}
}

func TestDispatchDeliveryFailureNotCounted(t *testing.T) {
	rule := &tracker.TrackingRule{ID: 1, ProductID: 1, IsActive: true, NotifyOnPriceDrop: true}
	sess := &fakeSession{rules: []*tracker.TrackingRule{rule}}

	sent := notifyAll(t, newGate(&fakeSender{err: errors.New("smtp down")}), sess, []tracker.ChangeEvent{dropEvent(1, "10", "8")}, nil)
	if sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
	if rule.LastNotifiedAt == nil {
		t.Error("cooldown should be staged even when delivery fails")
	}
}

func TestDispatchEmpty(t *testing.T) {
	if sent := newGate(&fakeSender{}).Dispatch(context.Background(), nil); sent != 0 {
		t.Errorf("Dispatch(nil) = %d, want 0", sent)
	}
}
