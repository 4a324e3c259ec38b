package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pricewatch/pkg/tracker"
)

const productColumns = `id, external_id, url, title, price_text, price_value, availability_text,
	is_available, rating, last_checked_at, created_at`

const ruleColumns = `id, product_id, name, target_price, notify_on_price_drop, notify_on_availability,
	is_active, notification_channel, last_notified_at, created_at`

const historyColumns = `id, product_id, price_text, price_value, observed_at`

func scanProduct(row rowScanner) (*tracker.TrackedProduct, error) {
	var p tracker.TrackedProduct
	var lastChecked, created string
	if err := row.Scan(&p.ID, &p.ExternalID, &p.URL, &p.Title, &p.PriceText, &p.PriceValue,
		&p.AvailabilityText, &p.IsAvailable, &p.Rating, &lastChecked, &created); err != nil {
		return nil, err
	}
	var err error
	if p.LastCheckedAt, err = parseTime(lastChecked); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanRule(row rowScanner) (*tracker.TrackingRule, error) {
	var r tracker.TrackingRule
	var lastNotified sql.NullString
	var created string
	if err := row.Scan(&r.ID, &r.ProductID, &r.Name, &r.TargetPrice, &r.NotifyOnPriceDrop,
		&r.NotifyOnAvailability, &r.IsActive, &r.NotificationChannel, &lastNotified, &created); err != nil {
		return nil, err
	}
	var err error
	if lastNotified.Valid && lastNotified.String != "" {
		t, err := parseTime(lastNotified.String)
		if err != nil {
			return nil, err
		}
		r.LastNotifiedAt = &t
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanHistory(row rowScanner) (*tracker.PriceHistoryEntry, error) {
	var e tracker.PriceHistoryEntry
	var observed string
	if err := row.Scan(&e.ID, &e.ProductID, &e.PriceText, &e.PriceValue, &observed); err != nil {
		return nil, err
	}
	var err error
	if e.ObservedAt, err = parseTime(observed); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) productByExternalID(ctx context.Context, q queryer, externalID string) (*tracker.TrackedProduct, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+productColumns+` FROM tracked_products WHERE external_id = ?`), externalID)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *Store) insertProduct(ctx context.Context, q queryer, p *tracker.TrackedProduct) error {
	err := q.QueryRowContext(ctx, s.rebind(`INSERT INTO tracked_products
		(external_id, url, title, price_text, price_value, availability_text, is_available, rating, last_checked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		p.ExternalID, p.URL, p.Title, p.PriceText, p.PriceValue, p.AvailabilityText, p.IsAvailable,
		p.Rating, formatTime(p.LastCheckedAt), formatTime(p.CreatedAt)).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert product %s: %w", p.ExternalID, err)
	}
	return nil
}

// updateProduct writes the fields a refresh is allowed to change.
func (s *Store) updateProduct(ctx context.Context, q queryer, p *tracker.TrackedProduct) error {
	res, err := q.ExecContext(ctx, s.rebind(`UPDATE tracked_products SET
		title = ?, price_text = ?, price_value = ?, availability_text = ?, is_available = ?, rating = ?, last_checked_at = ?
		WHERE id = ?`),
		p.Title, p.PriceText, p.PriceValue, p.AvailabilityText, p.IsAvailable, p.Rating, formatTime(p.LastCheckedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update product %d: %w", p.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update product %d: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *Store) insertHistory(ctx context.Context, q queryer, e *tracker.PriceHistoryEntry) error {
	err := q.QueryRowContext(ctx, s.rebind(`INSERT INTO price_history (product_id, price_text, price_value, observed_at)
		VALUES (?, ?, ?, ?) RETURNING id`),
		e.ProductID, e.PriceText, e.PriceValue, formatTime(e.ObservedAt)).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert price history for product %d: %w", e.ProductID, err)
	}
	return nil
}

func (s *Store) insertRule(ctx context.Context, q queryer, r *tracker.TrackingRule) error {
	err := q.QueryRowContext(ctx, s.rebind(`INSERT INTO tracking_rules
		(product_id, name, target_price, notify_on_price_drop, notify_on_availability, is_active,
		 notification_channel, last_notified_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		r.ProductID, r.Name, r.TargetPrice, r.NotifyOnPriceDrop, r.NotifyOnAvailability, r.IsActive,
		r.NotificationChannel, formatNullTime(r.LastNotifiedAt), formatTime(r.CreatedAt)).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert rule for product %d: %w", r.ProductID, err)
	}
	return nil
}

// AddTracking records that a user started tracking p with rule.
//
// A product seen for the first time is inserted together with its first price
// history entry. A known product gets its observed state refreshed, and a
// history entry only when the price text changed. The rule is always created.
// p and rule receive their database ids.
func (s *Store) AddTracking(ctx context.Context, p *tracker.TrackedProduct, rule *tracker.TrackingRule) (created bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.productByExternalID(ctx, tx, p.ExternalID)
		switch {
		case errors.Is(err, ErrNotFound):
			created = true
			if p.CreatedAt.IsZero() {
				p.CreatedAt = time.Now()
			}
			if err := s.insertProduct(ctx, tx, p); err != nil {
				return err
			}
			if p.PriceText != "" {
				entry := &tracker.PriceHistoryEntry{ProductID: p.ID, PriceText: p.PriceText, PriceValue: p.PriceValue, ObservedAt: p.CreatedAt}
				if err := s.insertHistory(ctx, tx, entry); err != nil {
					return err
				}
			}
		case err != nil:
			return err
		default:
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
			if p.LastCheckedAt.Before(existing.LastCheckedAt) {
				p.LastCheckedAt = existing.LastCheckedAt
			}
			if p.PriceText == "" {
				p.PriceText, p.PriceValue = existing.PriceText, existing.PriceValue
			}
			if err := s.updateProduct(ctx, tx, p); err != nil {
				return err
			}
			if p.PriceText != existing.PriceText {
				entry := &tracker.PriceHistoryEntry{ProductID: p.ID, PriceText: p.PriceText, PriceValue: p.PriceValue, ObservedAt: time.Now()}
				if err := s.insertHistory(ctx, tx, entry); err != nil {
					return err
				}
			}
		}

		rule.ProductID = p.ID
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = time.Now()
		}
		return s.insertRule(ctx, tx, rule)
	})
	if err != nil {
		return false, err
	}

	s.logger.Info("Tracking added", "product_id", p.ID, "external_id", p.ExternalID, "rule_id", rule.ID, "new_product", created)
	return created, nil
}

// ListProducts returns every tracked product, most recently added first.
func (s *Store) ListProducts(ctx context.Context) ([]*tracker.TrackedProduct, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM tracked_products ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
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

// Product returns the product with the given id.
func (s *Store) Product(ctx context.Context, id int64) (*tracker.TrackedProduct, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+productColumns+` FROM tracked_products WHERE id = ?`), id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load product %d: %w", id, err)
	}
	return p, nil
}

// PriceHistory returns the recorded prices of a product, oldest first.
func (s *Store) PriceHistory(ctx context.Context, productID int64) ([]*tracker.PriceHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+historyColumns+` FROM price_history
		WHERE product_id = ? ORDER BY observed_at ASC, id ASC`), productID)
	if err != nil {
		return nil, fmt.Errorf("list price history: %w", err)
	}
	defer rows.Close()

	var out []*tracker.PriceHistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan price history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Rules returns every rule of a product, active or not.
func (s *Store) Rules(ctx context.Context, productID int64) ([]*tracker.TrackingRule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+ruleColumns+` FROM tracking_rules
		WHERE product_id = ? ORDER BY id ASC`), productID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*tracker.TrackingRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetRuleActive activates or deactivates a rule. Deactivated rules are kept
// but no longer make their product due for refresh.
func (s *Store) SetRuleActive(ctx context.Context, ruleID int64, active bool) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tracking_rules SET is_active = ? WHERE id = ?`), active, ruleID)
	if err != nil {
		return fmt.Errorf("update rule %d: %w", ruleID, err)
	}
	return expectRow(res, ruleID)
}

// DeleteRule removes a rule permanently.
func (s *Store) DeleteRule(ctx context.Context, ruleID int64) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tracking_rules WHERE id = ?`), ruleID)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", ruleID, err)
	}
	return expectRow(res, ruleID)
}

func expectRow(res sql.Result, ruleID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rule %d: %w", ruleID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
