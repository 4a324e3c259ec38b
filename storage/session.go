package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pricewatch/pkg/tracker"
)

// ErrSessionClosed is returned by Commit after Rollback.
var ErrSessionClosed = errors.New("storage: session closed")

// Session is a unit of work. Reads go straight to the database; writes are
// staged in memory and applied in a single transaction by Commit, so no
// database lock is held while pages are being fetched.
//
// A Session may be committed several times. Rollback discards whatever is
// staged and closes the session; it is safe to defer right after Begin.
type Session struct {
	store      *Store
	products   map[int64]*tracker.TrackedProduct
	rules      map[int64]*tracker.TrackingRule
	history    []*tracker.PriceHistoryEntry
	productSeq []int64
	ruleSeq    []int64
	closed     bool
}

// Begin opens a session.
func (s *Store) Begin(_ context.Context) (*Session, error) {
	return &Session{
		store:    s,
		products: make(map[int64]*tracker.TrackedProduct),
		rules:    make(map[int64]*tracker.TrackingRule),
	}, nil
}

// DueProducts returns up to limit products with at least one active rule,
// least recently checked first.
func (ss *Session) DueProducts(ctx context.Context, limit int) ([]*tracker.TrackedProduct, error) {
	s := ss.store
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+productColumns+` FROM tracked_products p
		WHERE EXISTS (SELECT 1 FROM tracking_rules r WHERE r.product_id = p.id AND r.is_active = ?)
		ORDER BY p.last_checked_at ASC, p.id ASC
		LIMIT ?`), true, limit)
	if err != nil {
		return nil, fmt.Errorf("query due products: %w", err)
	}
	defer rows.Close()

	var out []*tracker.TrackedProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ActiveRules returns the active rules of a product that want the given kind of
// notification. Rules staged in this session take precedence over stored ones.
func (ss *Session) ActiveRules(ctx context.Context, productID int64, filter tracker.RuleFilter) ([]*tracker.TrackingRule, error) {
	column := "notify_on_price_drop"
	if filter == tracker.WantsAvailability {
		column = "notify_on_availability"
	}

	s := ss.store
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+ruleColumns+` FROM tracking_rules
		WHERE product_id = ? AND is_active = ? AND `+column+` = ?
		ORDER BY id ASC`), productID, true, true)
	if err != nil {
		return nil, fmt.Errorf("query %s rules: %w", filter, err)
	}
	defer rows.Close()

	var out []*tracker.TrackingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if staged, ok := ss.rules[r.ID]; ok {
			r = staged
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveProduct stages the refresh-owned fields of p for the next Commit.
func (ss *Session) SaveProduct(p *tracker.TrackedProduct) {
	if _, ok := ss.products[p.ID]; !ok {
		ss.productSeq = append(ss.productSeq, p.ID)
	}
	ss.products[p.ID] = p
}

// AppendPriceHistory stages a new history entry for the next Commit.
func (ss *Session) AppendPriceHistory(e *tracker.PriceHistoryEntry) {
	ss.history = append(ss.history, e)
}

// SaveRule stages the notification timestamp of r for the next Commit.
func (ss *Session) SaveRule(r *tracker.TrackingRule) {
	if _, ok := ss.rules[r.ID]; !ok {
		ss.ruleSeq = append(ss.ruleSeq, r.ID)
	}
	ss.rules[r.ID] = r
}

// Commit applies all staged writes atomically. On failure nothing is written
// and the staged writes are kept.
func (ss *Session) Commit(ctx context.Context) error {
	if ss.closed {
		return ErrSessionClosed
	}
	if len(ss.productSeq) == 0 && len(ss.ruleSeq) == 0 && len(ss.history) == 0 {
		return nil
	}

	s := ss.store
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ss.productSeq {
			if err := s.updateProduct(ctx, tx, ss.products[id]); err != nil {
				return err
			}
		}
		for _, e := range ss.history {
			if err := s.insertHistory(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, id := range ss.ruleSeq {
			r := ss.rules[id]
			if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE tracking_rules SET last_notified_at = ? WHERE id = ?`),
				formatNullTime(r.LastNotifiedAt), r.ID); err != nil {
				return fmt.Errorf("update rule %d: %w", r.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("Session committed",
		"products", len(ss.productSeq),
		"history_entries", len(ss.history),
		"rules", len(ss.ruleSeq))
	ss.reset()
	return nil
}

// Rollback discards staged writes and closes the session.
func (ss *Session) Rollback() {
	if ss.closed {
		return
	}
	ss.closed = true
	if n := len(ss.productSeq) + len(ss.history) + len(ss.ruleSeq); n > 0 {
		ss.store.logger.Warn("Session rolled back", "discarded_writes", n)
	}
	ss.reset()
}

func (ss *Session) reset() {
	ss.products = make(map[int64]*tracker.TrackedProduct)
	ss.rules = make(map[int64]*tracker.TrackingRule)
	ss.history = nil
	ss.productSeq = nil
	ss.ruleSeq = nil
}
