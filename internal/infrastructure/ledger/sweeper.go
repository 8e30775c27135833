package ledger

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper periodically releases reservations that were neither committed
// nor released before their expiry. It is the safety net behind the
// checkout protocol: a crashed or abandoned checkout cannot hold stock
// forever.
type Sweeper struct {
	ledger   Ledger
	interval time.Duration
	log      *logrus.Entry

	// OnReleased is called for each swept hold after its stock has been
	// returned, so callers can broadcast the restored availability.
	OnReleased func(ctx context.Context, res Reservation)
}

func NewSweeper(l Ledger, interval time.Duration, log *logrus.Logger) *Sweeper {
	return &Sweeper{
		ledger:   l,
		interval: interval,
		log:      log.WithField("component", "sweeper"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.interval).Info("sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce releases every currently expired hold.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	swept, err := s.ledger.SweepExpired(ctx, time.Now())
	if err != nil {
		s.log.WithError(err).Error("sweep failed")
		return
	}
	if len(swept) == 0 {
		return
	}

	s.log.WithField("count", len(swept)).Info("released expired reservations")
	for _, res := range swept {
		s.log.WithFields(logrus.Fields{
			"variant_id": res.VariantID,
			"order_id":   res.OrderID,
			"quantity":   res.Quantity,
			"expired_at": res.ExpiresAt,
		}).Debug("reservation swept")
		if s.OnReleased != nil {
			s.OnReleased(ctx, res)
		}
	}
}
