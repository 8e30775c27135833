package inventory

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/ec-realtime/internal/infrastructure/ledger"
	"github.com/example/ec-realtime/internal/realtime"
)

// Notifier is the slice of the realtime hub the inventory service needs.
type Notifier interface {
	BroadcastStockUpdate(ctx context.Context, p realtime.StockUpdatedPayload)
	BroadcastLowStock(ctx context.Context, p realtime.LowStockPayload)
}

const (
	availableRetries   = 3
	availableRetryBase = 100 * time.Millisecond
	broadcastTimeout   = 5 * time.Second
)

// Service mediates all stock mutations. The ledger provides atomicity;
// this layer adds validation, availability computation, low-stock
// detection and realtime notification. It is the sole writer of
// stock events.
type Service struct {
	ledger         ledger.Ledger
	notifier       Notifier
	reservationTTL time.Duration
	log            *logrus.Entry
}

func NewService(l ledger.Ledger, n Notifier, reservationTTL time.Duration, log *logrus.Logger) *Service {
	return &Service{
		ledger:         l,
		notifier:       n,
		reservationTTL: reservationTTL,
		log:            log.WithField("component", "inventory"),
	}
}

// Reserve holds qty units against an in-flight checkout. Reservation does
// not change net availability seen by committed state, so it does not
// broadcast; only commit, release and direct set do.
func (s *Service) Reserve(ctx context.Context, variantID, orderID string, qty int) error {
	return s.ledger.Reserve(ctx, variantID, orderID, qty, s.reservationTTL)
}

// Release returns reserved units to the available pool and broadcasts the
// restored availability.
func (s *Service) Release(ctx context.Context, variantID, orderID string, qty int) error {
	if err := s.ledger.Release(ctx, variantID, orderID, qty); err != nil {
		return err
	}
	s.broadcastStock(variantID)
	return nil
}

// Commit finalizes a reservation into a permanent stock reduction and
// broadcasts the new quantities.
func (s *Service) Commit(ctx context.Context, variantID, orderID string, qty int) error {
	if err := s.ledger.Commit(ctx, variantID, orderID, qty); err != nil {
		return err
	}
	s.broadcastStock(variantID)
	return nil
}

// SetQuantity is the admin dashboard override. It broadcasts the new
// stock level, and additionally raises a low-stock alert when the result
// is at or below the variant's threshold.
func (s *Service) SetQuantity(ctx context.Context, variantID string, qty int, threshold *int) (*ledger.StockRecord, error) {
	rec, err := s.ledger.SetQuantity(ctx, variantID, qty, threshold)
	if err != nil {
		return nil, err
	}

	s.broadcastStock(variantID)
	if rec.Available() <= rec.LowStockThreshold {
		s.broadcastLowStock(variantID)
	}
	return rec, nil
}

// Available returns current availability. Reads are idempotent, so
// transport failures retry a bounded number of times with backoff;
// business errors never do.
func (s *Service) Available(ctx context.Context, variantID string) (int, error) {
	var (
		available int
		err       error
	)
	for attempt := 1; attempt <= availableRetries; attempt++ {
		available, err = s.ledger.Available(ctx, variantID)
		if err == nil || !ledger.IsTransport(err) {
			return available, err
		}
		if attempt == availableRetries {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Duration(attempt) * availableRetryBase):
		}
	}
	return 0, err
}

// Get returns the full stock record for a variant.
func (s *Service) Get(ctx context.Context, variantID string) (*ledger.StockRecord, error) {
	return s.ledger.Get(ctx, variantID)
}

// LowStock lists every variant at or below its threshold, annotated with
// variant and product identity for the admin dashboard.
func (s *Service) LowStock(ctx context.Context) ([]ledger.LowStockItem, error) {
	return s.ledger.LowStock(ctx)
}

// HandleSweptReservation broadcasts availability restored by the stale
// reservation sweeper. The sweep itself already released the stock.
func (s *Service) HandleSweptReservation(ctx context.Context, res ledger.Reservation) {
	s.log.WithFields(logrus.Fields{
		"variant_id": res.VariantID,
		"order_id":   res.OrderID,
		"quantity":   res.Quantity,
	}).Info("stale reservation released")
	s.broadcastStock(res.VariantID)
}

// broadcastStock publishes the variant's current stock to its product
// room. Dispatch is asynchronous and failures never surface to the
// mutation's caller: the committed ledger state is authoritative.
func (s *Service) broadcastStock(variantID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
		defer cancel()

		rec, err := s.ledger.Get(ctx, variantID)
		if err != nil {
			s.log.WithError(err).WithField("variant_id", variantID).Warn("stock broadcast skipped")
			return
		}
		s.notifier.BroadcastStockUpdate(ctx, realtime.StockUpdatedPayload{
			VariantID: rec.VariantID,
			ProductID: rec.ProductID,
			Available: rec.Available(),
			Quantity:  rec.Quantity,
			Reserved:  rec.Reserved,
		})
	}()
}

func (s *Service) broadcastLowStock(variantID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
		defer cancel()

		items, err := s.ledger.LowStock(ctx)
		if err != nil {
			s.log.WithError(err).WithField("variant_id", variantID).Warn("low-stock alert skipped")
			return
		}
		for _, item := range items {
			if item.VariantID != variantID {
				continue
			}
			s.notifier.BroadcastLowStock(ctx, realtime.LowStockPayload{
				VariantID:   item.VariantID,
				VariantName: item.VariantName,
				ProductID:   item.ProductID,
				ProductName: item.ProductName,
				Available:   item.Available(),
				Threshold:   item.LowStockThreshold,
			})
			return
		}
	}()
}
