package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const DefaultLowStockThreshold = 10

var (
	// ErrInsufficientStock is a business outcome, not a fault: the
	// requested quantity exceeded the available stock at the time of the
	// atomic check.
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must not be negative")
	ErrVariantNotFound   = errors.New("variant not found")
)

// TransportError marks a failed round-trip to the ledger backend. It is
// distinct from business failures so callers can surface it as retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err originated at the ledger transport
// boundary rather than from a business rule.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// StockRecord is the inventory of one sellable variant. Available stock is
// always derived, never stored.
type StockRecord struct {
	VariantID         string `json:"variant_id"`
	ProductID         string `json:"product_id"`
	Quantity          int    `json:"quantity"`
	Reserved          int    `json:"reserved"`
	LowStockThreshold int    `json:"low_stock_threshold"`
}

func (r *StockRecord) Available() int {
	return r.Quantity - r.Reserved
}

// LowStockItem annotates a StockRecord with the variant and product
// identity needed for admin alerts.
type LowStockItem struct {
	StockRecord
	VariantName string `json:"variant_name"`
	SKU         string `json:"sku"`
	ProductName string `json:"product_name"`
}

// Reservation is a hold against stock taken during checkout. Every hold
// carries an expiry; holds neither committed nor released by then are
// swept back into available stock.
type Reservation struct {
	VariantID string    `json:"variant_id"`
	OrderID   string    `json:"order_id"`
	Quantity  int       `json:"quantity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Ledger is the atomic counter store behind the inventory service. Every
// mutation is a single atomic operation at the backend: implementations
// must guarantee reserved never exceeds quantity and neither value goes
// negative, under arbitrary concurrent callers.
type Ledger interface {
	// Reserve atomically increments reserved by qty, failing with
	// ErrInsufficientStock when qty exceeds available stock. The hold is
	// recorded against orderID with the given TTL.
	Reserve(ctx context.Context, variantID, orderID string, qty int, ttl time.Duration) error

	// Release atomically decrements reserved by min(qty, reserved).
	// Releasing more than is reserved is a no-op beyond the clamp, so a
	// double release is harmless.
	Release(ctx context.Context, variantID, orderID string, qty int) error

	// Commit finalizes a sale: reserved drops by min(qty, reserved) and
	// quantity drops by the full qty, clamped at zero. The sale consumed
	// real stock even if the reservation bookkeeping was short.
	Commit(ctx context.Context, variantID, orderID string, qty int) error

	// SetQuantity is the administrative override. Reserved is clamped down
	// to the new quantity so the reserved <= quantity invariant holds.
	SetQuantity(ctx context.Context, variantID string, qty int, threshold *int) (*StockRecord, error)

	// Available returns quantity - reserved without side effects.
	Available(ctx context.Context, variantID string) (int, error)

	// Get returns the full stock record for a variant.
	Get(ctx context.Context, variantID string) (*StockRecord, error)

	// LowStock returns every record whose available stock is at or below
	// its threshold.
	LowStock(ctx context.Context) ([]LowStockItem, error)

	// SweepExpired releases all holds that expired before now and returns
	// them. The release and the hold removal are atomic per hold.
	SweepExpired(ctx context.Context, now time.Time) ([]Reservation, error)
}
