package storage

func schema(d Dialect) []string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	boolean := "INTEGER"
	number := "TEXT"
	if d == Postgres {
		id = "BIGSERIAL PRIMARY KEY"
		boolean = "BOOLEAN"
		number = "NUMERIC"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS tracked_products (
			id                ` + id + `,
			external_id       TEXT NOT NULL UNIQUE,
			url               TEXT NOT NULL,
			title             TEXT NOT NULL DEFAULT '',
			price_text        TEXT NOT NULL DEFAULT '',
			price_value       ` + number + `,
			availability_text TEXT NOT NULL DEFAULT '',
			is_available      ` + boolean + ` NOT NULL,
			rating            ` + number + `,
			last_checked_at   TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracked_products_last_checked ON tracked_products(last_checked_at)`,
		`CREATE TABLE IF NOT EXISTS price_history (
			id          ` + id + `,
			product_id  BIGINT NOT NULL REFERENCES tracked_products(id) ON DELETE CASCADE,
			price_text  TEXT NOT NULL,
			price_value ` + number + `,
			observed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_price_history_product ON price_history(product_id, observed_at)`,
		`CREATE TABLE IF NOT EXISTS tracking_rules (
			id                     ` + id + `,
			product_id             BIGINT NOT NULL REFERENCES tracked_products(id) ON DELETE CASCADE,
			name                   TEXT NOT NULL DEFAULT '',
			target_price           ` + number + `,
			notify_on_price_drop   ` + boolean + ` NOT NULL,
			notify_on_availability ` + boolean + ` NOT NULL,
			is_active              ` + boolean + ` NOT NULL,
			notification_channel   TEXT NOT NULL DEFAULT '',
			last_notified_at       TEXT,
			created_at             TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_rules_product ON tracking_rules(product_id, is_active)`,
	}
}
