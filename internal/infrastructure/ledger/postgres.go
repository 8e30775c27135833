package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresLedger implements Ledger on PostgreSQL. Every mutation is a
// single guarded UPDATE so the database serializes concurrent callers;
// there is no client-side read-then-write.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func (l *PostgresLedger) Reserve(ctx context.Context, variantID, orderID string, qty int, ttl time.Duration) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return &TransportError{Op: "reserve", Err: err}
	}
	defer tx.Rollback()

	// The guard in the WHERE clause is the atomic check: the row only
	// updates when enough stock is available at commit time.
	res, err := tx.ExecContext(ctx,
		`UPDATE inventory
		 SET reserved = reserved + $2, updated_at = NOW()
		 WHERE variant_id = $1 AND quantity - reserved >= $2`,
		variantID, qty,
	)
	if err != nil {
		return &TransportError{Op: "reserve", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return &TransportError{Op: "reserve", Err: err}
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM inventory WHERE variant_id = $1)`,
			variantID,
		).Scan(&exists); err != nil {
			return &TransportError{Op: "reserve", Err: err}
		}
		if !exists {
			return ErrVariantNotFound
		}
		return ErrInsufficientStock
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO stock_reservations (id, variant_id, order_id, quantity, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), variantID, orderID, qty, time.Now().Add(ttl),
	)
	if err != nil {
		return &TransportError{Op: "reserve", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &TransportError{Op: "reserve", Err: err}
	}
	return nil
}

func (l *PostgresLedger) Release(ctx context.Context, variantID, orderID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return &TransportError{Op: "release", Err: err}
	}
	defer tx.Rollback()

	// Lock order matches the sweeper: reservation rows first, then the
	// inventory row. A release racing the expiry sweep therefore queues
	// behind it instead of deadlocking.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM stock_reservations WHERE variant_id = $1 AND order_id = $2`,
		variantID, orderID,
	)
	if err != nil {
		return &TransportError{Op: "release", Err: err}
	}

	// Clamped at zero: releasing more than is reserved (double release,
	// sweeper races) never drives reserved negative.
	res, err := tx.ExecContext(ctx,
		`UPDATE inventory
		 SET reserved = GREATEST(reserved - $2, 0), updated_at = NOW()
		 WHERE variant_id = $1`,
		variantID, qty,
	)
	if err != nil {
		return &TransportError{Op: "release", Err: err}
	}
	if affected, err := res.RowsAffected(); err != nil {
		return &TransportError{Op: "release", Err: err}
	} else if affected == 0 {
		return ErrVariantNotFound
	}

	if err := tx.Commit(); err != nil {
		return &TransportError{Op: "release", Err: err}
	}
	return nil
}

func (l *PostgresLedger) Commit(ctx context.Context, variantID, orderID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return &TransportError{Op: "commit", Err: err}
	}
	defer tx.Rollback()

	// Same lock order as Release and the sweeper: reservation rows, then
	// the inventory row.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM stock_reservations WHERE variant_id = $1 AND order_id = $2`,
		variantID, orderID,
	)
	if err != nil {
		return &TransportError{Op: "commit", Err: err}
	}

	// Quantity drops by the full committed qty; reserved drops by at most
	// what was reserved. Both clamp at zero.
	res, err := tx.ExecContext(ctx,
		`UPDATE inventory
		 SET quantity = GREATEST(quantity - $2, 0),
		     reserved = GREATEST(reserved - $2, 0),
		     updated_at = NOW()
		 WHERE variant_id = $1`,
		variantID, qty,
	)
	if err != nil {
		return &TransportError{Op: "commit", Err: err}
	}
	if affected, err := res.RowsAffected(); err != nil {
		return &TransportError{Op: "commit", Err: err}
	} else if affected == 0 {
		return ErrVariantNotFound
	}

	if err := tx.Commit(); err != nil {
		return &TransportError{Op: "commit", Err: err}
	}
	return nil
}

func (l *PostgresLedger) SetQuantity(ctx context.Context, variantID string, qty int, threshold *int) (*StockRecord, error) {
	if qty < 0 {
		return nil, ErrInvalidQuantity
	}
	if threshold != nil && *threshold < 0 {
		return nil, ErrInvalidQuantity
	}

	// Reserved clamps down to the new quantity so the invariant holds
	// even when an admin shrinks stock below the current reservations.
	res, err := l.db.ExecContext(ctx,
		`UPDATE inventory
		 SET quantity = $2,
		     reserved = LEAST(reserved, $2),
		     low_stock_threshold = COALESCE($3, low_stock_threshold),
		     updated_at = NOW()
		 WHERE variant_id = $1`,
		variantID, qty, threshold,
	)
	if err != nil {
		return nil, &TransportError{Op: "set", Err: err}
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, &TransportError{Op: "set", Err: err}
	} else if affected == 0 {
		return nil, ErrVariantNotFound
	}

	return l.Get(ctx, variantID)
}

func (l *PostgresLedger) Available(ctx context.Context, variantID string) (int, error) {
	var available int
	err := l.db.QueryRowContext(ctx,
		`SELECT quantity - reserved FROM inventory WHERE variant_id = $1`,
		variantID,
	).Scan(&available)
	if err == sql.ErrNoRows {
		return 0, ErrVariantNotFound
	}
	if err != nil {
		return 0, &TransportError{Op: "available", Err: err}
	}
	return available, nil
}

func (l *PostgresLedger) Get(ctx context.Context, variantID string) (*StockRecord, error) {
	var rec StockRecord
	err := l.db.QueryRowContext(ctx,
		`SELECT i.variant_id, v.product_id, i.quantity, i.reserved, i.low_stock_threshold
		 FROM inventory i
		 JOIN variants v ON v.id = i.variant_id
		 WHERE i.variant_id = $1`,
		variantID,
	).Scan(&rec.VariantID, &rec.ProductID, &rec.Quantity, &rec.Reserved, &rec.LowStockThreshold)
	if err == sql.ErrNoRows {
		return nil, ErrVariantNotFound
	}
	if err != nil {
		return nil, &TransportError{Op: "get", Err: err}
	}
	return &rec, nil
}

func (l *PostgresLedger) LowStock(ctx context.Context) ([]LowStockItem, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT i.variant_id, v.product_id, i.quantity, i.reserved, i.low_stock_threshold,
		        v.name, v.sku, p.name
		 FROM inventory i
		 JOIN variants v ON v.id = i.variant_id
		 JOIN products p ON p.id = v.product_id
		 WHERE i.quantity - i.reserved <= i.low_stock_threshold
		 ORDER BY i.quantity - i.reserved ASC`,
	)
	if err != nil {
		return nil, &TransportError{Op: "low-stock", Err: err}
	}
	defer rows.Close()

	var items []LowStockItem
	for rows.Next() {
		var item LowStockItem
		if err := rows.Scan(
			&item.VariantID, &item.ProductID, &item.Quantity, &item.Reserved,
			&item.LowStockThreshold, &item.VariantName, &item.SKU, &item.ProductName,
		); err != nil {
			return nil, &TransportError{Op: "low-stock", Err: err}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransportError{Op: "low-stock", Err: err}
	}
	return items, nil
}

func (l *PostgresLedger) SweepExpired(ctx context.Context, now time.Time) ([]Reservation, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &TransportError{Op: "sweep", Err: err}
	}
	defer tx.Rollback()

	// SKIP LOCKED lets concurrent sweepers partition the expired holds
	// instead of double-releasing them.
	rows, err := tx.QueryContext(ctx,
		`SELECT id, variant_id, order_id, quantity, expires_at
		 FROM stock_reservations
		 WHERE expires_at <= $1
		 FOR UPDATE SKIP LOCKED`,
		now,
	)
	if err != nil {
		return nil, &TransportError{Op: "sweep", Err: err}
	}

	type hold struct {
		id string
		Reservation
	}
	var holds []hold
	for rows.Next() {
		var h hold
		if err := rows.Scan(&h.id, &h.VariantID, &h.OrderID, &h.Quantity, &h.ExpiresAt); err != nil {
			rows.Close()
			return nil, &TransportError{Op: "sweep", Err: err}
		}
		holds = append(holds, h)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &TransportError{Op: "sweep", Err: err}
	}
	rows.Close()

	var swept []Reservation
	for _, h := range holds {
		_, err := tx.ExecContext(ctx,
			`UPDATE inventory
			 SET reserved = GREATEST(reserved - $2, 0), updated_at = NOW()
			 WHERE variant_id = $1`,
			h.VariantID, h.Quantity,
		)
		if err != nil {
			return nil, &TransportError{Op: "sweep", Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM stock_reservations WHERE id = $1`, h.id,
		); err != nil {
			return nil, &TransportError{Op: "sweep", Err: err}
		}
		swept = append(swept, h.Reservation)
	}

	if err := tx.Commit(); err != nil {
		return nil, &TransportError{Op: "sweep", Err: err}
	}
	return swept, nil
}
