package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger implements Ledger in process memory. It backs tests and
// single-node development; a mutex stands in for the database's
// serialization of concurrent mutations.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*StockRecord
	names   map[string]variantNames
	holds   []Reservation
}

type variantNames struct {
	variantName string
	sku         string
	productName string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]*StockRecord),
		names:   make(map[string]variantNames),
	}
}

// Seed registers a variant with its stock record. Tests and dev setups
// use it in place of the relational store's variant rows.
func (l *MemoryLedger) Seed(rec StockRecord, variantName, sku, productName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec.LowStockThreshold == 0 {
		rec.LowStockThreshold = DefaultLowStockThreshold
	}
	r := rec
	l.records[rec.VariantID] = &r
	l.names[rec.VariantID] = variantNames{variantName: variantName, sku: sku, productName: productName}
}

func (l *MemoryLedger) Reserve(ctx context.Context, variantID, orderID string, qty int, ttl time.Duration) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[variantID]
	if !ok {
		return ErrVariantNotFound
	}
	if rec.Quantity-rec.Reserved < qty {
		return ErrInsufficientStock
	}
	rec.Reserved += qty
	l.holds = append(l.holds, Reservation{
		VariantID: variantID,
		OrderID:   orderID,
		Quantity:  qty,
		ExpiresAt: time.Now().Add(ttl),
	})
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, variantID, orderID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[variantID]
	if !ok {
		return ErrVariantNotFound
	}
	rec.Reserved -= qty
	if rec.Reserved < 0 {
		rec.Reserved = 0
	}
	l.dropHoldLocked(variantID, orderID)
	return nil
}

func (l *MemoryLedger) Commit(ctx context.Context, variantID, orderID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[variantID]
	if !ok {
		return ErrVariantNotFound
	}
	rec.Quantity -= qty
	rec.Reserved -= qty
	if rec.Quantity < 0 {
		rec.Quantity = 0
	}
	if rec.Reserved < 0 {
		rec.Reserved = 0
	}
	l.dropHoldLocked(variantID, orderID)
	return nil
}

func (l *MemoryLedger) SetQuantity(ctx context.Context, variantID string, qty int, threshold *int) (*StockRecord, error) {
	if qty < 0 {
		return nil, ErrInvalidQuantity
	}
	if threshold != nil && *threshold < 0 {
		return nil, ErrInvalidQuantity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[variantID]
	if !ok {
		return nil, ErrVariantNotFound
	}
	rec.Quantity = qty
	if rec.Reserved > qty {
		rec.Reserved = qty
	}
	if threshold != nil {
		rec.LowStockThreshold = *threshold
	}
	copy := *rec
	return &copy, nil
}

func (l *MemoryLedger) Available(ctx context.Context, variantID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[variantID]
	if !ok {
		return 0, ErrVariantNotFound
	}
	return rec.Available(), nil
}

func (l *MemoryLedger) Get(ctx context.Context, variantID string) (*StockRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[variantID]
	if !ok {
		return nil, ErrVariantNotFound
	}
	copy := *rec
	return &copy, nil
}

func (l *MemoryLedger) LowStock(ctx context.Context) ([]LowStockItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var items []LowStockItem
	for id, rec := range l.records {
		if rec.Available() <= rec.LowStockThreshold {
			names := l.names[id]
			items = append(items, LowStockItem{
				StockRecord: *rec,
				VariantName: names.variantName,
				SKU:         names.sku,
				ProductName: names.productName,
			})
		}
	}
	return items, nil
}

func (l *MemoryLedger) SweepExpired(ctx context.Context, now time.Time) ([]Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var swept []Reservation
	var remaining []Reservation
	for _, h := range l.holds {
		if h.ExpiresAt.After(now) {
			remaining = append(remaining, h)
			continue
		}
		if rec, ok := l.records[h.VariantID]; ok {
			rec.Reserved -= h.Quantity
			if rec.Reserved < 0 {
				rec.Reserved = 0
			}
		}
		swept = append(swept, h)
	}
	l.holds = remaining
	return swept, nil
}

// dropHoldLocked removes every hold for the (variant, order) pair. Caller
// holds the mutex.
func (l *MemoryLedger) dropHoldLocked(variantID, orderID string) {
	var remaining []Reservation
	for _, h := range l.holds {
		if h.VariantID == variantID && h.OrderID == orderID {
			continue
		}
		remaining = append(remaining, h)
	}
	l.holds = remaining
}
