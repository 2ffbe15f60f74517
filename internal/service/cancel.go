package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

const defaultCancelReason = "No reason provided"

// CancelSale returns every tracked item to the sale's location and marks the
// sale cancelled. Payments are left as recorded.
func (s *Service) CancelSale(ctx context.Context, saleID string, reason string) (sale *domain.Sale, err error) {
	ctx, span := startSpan(ctx, "CancelSale")
	defer func() { endSpan(span, err) }()

	if err := requirePrivileged(ctx, "sale cancellation"); err != nil {
		return nil, err
	}
	reason = defaultString(strings.TrimSpace(reason), defaultCancelReason)

	// Read outside the unit of work; rows are re-checked under lock below.
	correlations, err := s.repo.ListCorrelationsBySale(ctx, saleID)
	if err != nil {
		return nil, err
	}

	var expired []string
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if !domain.CanTransition(current.Status, domain.SaleCancelled) {
			return &domain.InvalidStateTransitionError{SaleID: saleID, From: current.Status, To: domain.SaleCancelled}
		}

		// Same lock order as sale creation.
		tracked := make([]domain.SaleItemRequest, 0, len(current.Items))
		for _, item := range current.Items {
			if item.TrackStock {
				tracked = append(tracked, domain.SaleItemRequest{ProductID: item.ProductID})
			}
		}
		if _, err := tx.LockProducts(ctx, sortedProductIDs(tracked)); err != nil {
			return err
		}

		actor := actorName(ctx)
		for _, item := range current.Items {
			if !item.TrackStock {
				continue
			}
			_, err := s.stock.Apply(ctx, tx, domain.MovementCommand{
				ProductID:     item.ProductID,
				LocationID:    current.LocationID,
				Quantity:      item.Quantity,
				Type:          domain.MovementReturn,
				ReferenceType: "sale_cancellation",
				ReferenceID:   current.ID,
				Notes:         "Cancelled " + current.SaleNumber,
				Actor:         actor,
			})
			if err != nil {
				return err
			}
		}

		now := s.now()
		current.Status = domain.SaleCancelled
		current.CancelledAt = &now
		current.UpdatedAt = now
		current.Notes += "\nCancelled: " + reason
		if err := tx.UpdateSale(ctx, *current); err != nil {
			return err
		}

		for _, c := range correlations {
			if c.Status != domain.CorrelationPending {
				continue
			}
			locked, err := tx.LockCorrelation(ctx, c.Token)
			if err != nil {
				return err
			}
			if locked.Status != domain.CorrelationPending {
				continue
			}
			locked.Status = domain.CorrelationExpired
			locked.ResultDesc = "sale cancelled"
			locked.ResolvedAt = &now
			if err := tx.UpdateCorrelation(ctx, *locked); err != nil {
				return err
			}
			expired = append(expired, locked.Token)
		}

		sale, err = tx.LockSale(ctx, saleID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("sale cancelled",
		zap.String("sale_id", sale.ID),
		zap.String("sale_number", sale.SaleNumber),
		zap.String("reason", reason),
		zap.Int("expired_payment_requests", len(expired)),
		zap.String("actor", actorName(ctx)),
	)
	s.events.SaleCancelled(saleEvent(sale, s.now()))
	return sale, nil
}
