package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/example/ec-realtime/internal/domain/inventory"
)

var (
	ErrNoItems = errors.New("checkout requires at least one line item")
)

// LineItem is one variant/quantity pair in a checkout attempt.
type LineItem struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

// Notifier is the slice of the realtime hub the coordinator needs.
type Notifier interface {
	BroadcastNewOrder(ctx context.Context, order json.RawMessage)
}

// Coordinator drives the reserve -> (commit | release) protocol across a
// checkout's line items. Reservations are taken in ascending variant
// order so concurrent checkouts contending on the same variants cannot
// livelock each other, and a partial failure rolls back every hold
// already taken.
type Coordinator struct {
	inventory *inventory.Service
	notifier  Notifier
	log       *logrus.Entry
}

func NewCoordinator(inv *inventory.Service, n Notifier, log *logrus.Logger) *Coordinator {
	return &Coordinator{
		inventory: inv,
		notifier:  n,
		log:       log.WithField("component", "checkout"),
	}
}

// ReserveAll holds stock for every line item, all or nothing. On any
// failure the already-taken holds are released before the error is
// returned, so a lost checkout never leaks reservations.
func (c *Coordinator) ReserveAll(ctx context.Context, orderID string, items []LineItem) error {
	if len(items) == 0 {
		return ErrNoItems
	}

	sorted := sortedByVariant(items)

	for i, item := range sorted {
		if err := c.inventory.Reserve(ctx, item.VariantID, orderID, item.Quantity); err != nil {
			c.rollback(ctx, orderID, sorted[:i])
			return fmt.Errorf("reserve %s: %w", item.VariantID, err)
		}
	}

	c.log.WithFields(logrus.Fields{
		"order_id": orderID,
		"items":    len(sorted),
	}).Info("reservations held")
	return nil
}

// CommitAll finalizes every held line item after successful payment and
// announces the new order to admins. Commit failures do not stop the
// remaining items: each hold must still be finalized, and the errors are
// joined for the caller.
func (c *Coordinator) CommitAll(ctx context.Context, orderID string, items []LineItem, order json.RawMessage) error {
	if len(items) == 0 {
		return ErrNoItems
	}

	var errs []error
	for _, item := range sortedByVariant(items) {
		if err := c.inventory.Commit(ctx, item.VariantID, orderID, item.Quantity); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"order_id":   orderID,
				"variant_id": item.VariantID,
			}).Error("commit failed")
			errs = append(errs, fmt.Errorf("commit %s: %w", item.VariantID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if c.notifier != nil && len(order) > 0 {
		c.notifier.BroadcastNewOrder(ctx, order)
	}
	c.log.WithField("order_id", orderID).Info("order committed")
	return nil
}

// ReleaseAll returns every held line item after payment failure or
// abandonment. Releases are clamped at the ledger, so releasing an order
// twice is harmless.
func (c *Coordinator) ReleaseAll(ctx context.Context, orderID string, items []LineItem) error {
	if len(items) == 0 {
		return ErrNoItems
	}

	var errs []error
	for _, item := range sortedByVariant(items) {
		if err := c.inventory.Release(ctx, item.VariantID, orderID, item.Quantity); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"order_id":   orderID,
				"variant_id": item.VariantID,
			}).Error("release failed")
			errs = append(errs, fmt.Errorf("release %s: %w", item.VariantID, err))
		}
	}
	return errors.Join(errs...)
}

// rollback compensates the holds taken before a failed reserve. Best
// effort: a failed release here is left to the reservation sweeper.
func (c *Coordinator) rollback(ctx context.Context, orderID string, held []LineItem) {
	for _, item := range held {
		if err := c.inventory.Release(ctx, item.VariantID, orderID, item.Quantity); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"order_id":   orderID,
				"variant_id": item.VariantID,
			}).Warn("compensating release failed, sweeper will reclaim")
		}
	}
}

func sortedByVariant(items []LineItem) []LineItem {
	sorted := make([]LineItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].VariantID < sorted[j].VariantID
	})
	return sorted
}
