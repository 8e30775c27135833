package ledger

import (
	"database/sql"
	"fmt"
)

// schema holds the tables owned by the ledger. Variant and product rows
// are owned by the relational store; only the columns joined here are
// assumed.
const schema = `
CREATE TABLE IF NOT EXISTS inventory (
    variant_id          TEXT PRIMARY KEY,
    quantity            INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
    reserved            INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0 AND reserved <= quantity),
    low_stock_threshold INTEGER NOT NULL DEFAULT 10 CHECK (low_stock_threshold >= 0),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS stock_reservations (
    id         TEXT PRIMARY KEY,
    variant_id TEXT NOT NULL REFERENCES inventory(variant_id),
    order_id   TEXT NOT NULL,
    quantity   INTEGER NOT NULL CHECK (quantity > 0),
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_stock_reservations_expires_at
    ON stock_reservations(expires_at);

CREATE INDEX IF NOT EXISTS idx_stock_reservations_order
    ON stock_reservations(order_id, variant_id);
`

// EnsureSchema creates the ledger tables and indexes if they don't
// already exist.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("creating ledger schema: %w", err)
	}
	return nil
}
