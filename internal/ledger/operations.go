package ledger

import (
	"context"
	"errors"
	"fmt"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

// Adjust books a stock count, correction or write-off as one movement in its
// own unit of work.
func (l *Ledger) Adjust(ctx context.Context, req domain.StockAdjustmentRequest, actor string) (*domain.StockMovement, error) {
	var movement *domain.StockMovement
	err := l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cmd, err := l.adjustmentCommand(ctx, tx, req)
		if err != nil {
			return err
		}
		cmd.Actor = actor
		movement, err = l.Apply(ctx, tx, cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

func (l *Ledger) adjustmentCommand(ctx context.Context, tx store.Tx, req domain.StockAdjustmentRequest) (domain.MovementCommand, error) {
	cmd := domain.MovementCommand{
		ProductID:     req.ProductID,
		LocationID:    req.LocationID,
		Notes:         req.Notes,
		ReferenceType: "stock_adjustment",
		ReferenceID:   req.Reason,
	}

	switch req.Reason {
	case "stock_count", "correction":
		if req.ActualQuantity == nil {
			return cmd, domain.NewValidationError("actual_quantity", "is required for "+req.Reason)
		}
		current, err := l.currentQuantity(ctx, tx, req.ProductID, req.LocationID)
		if err != nil {
			return cmd, err
		}
		cmd.Type = domain.MovementAdjustment
		cmd.Quantity = *req.ActualQuantity - current
		if cmd.Quantity == 0 {
			return cmd, domain.NewValidationError("actual_quantity", fmt.Sprintf("matches the recorded quantity %d", current))
		}
	case "found":
		cmd.Type = domain.MovementAdjustment
		cmd.Quantity = req.Quantity
	case "damaged":
		cmd.Type = domain.MovementDamage
		cmd.Quantity = -req.Quantity
	case "theft":
		cmd.Type = domain.MovementTheft
		cmd.Quantity = -req.Quantity
	case "expired":
		cmd.Type = domain.MovementExpired
		cmd.Quantity = -req.Quantity
	default:
		return cmd, domain.NewValidationError("reason", fmt.Sprintf("unknown adjustment reason %q", req.Reason))
	}
	if req.Reason != "stock_count" && req.Reason != "correction" && req.Quantity < 1 {
		return cmd, domain.NewValidationError("quantity", "must be at least 1")
	}
	return cmd, nil
}

// currentQuantity is the quantity a count is compared against: the location
// row when locations are tracked, otherwise the product total.
func (l *Ledger) currentQuantity(ctx context.Context, tx store.Tx, productID string, locationID string) (int, error) {
	product, err := tx.LockProduct(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, domain.NewValidationError("product_id", "product not found")
	}
	if err != nil {
		return 0, fmt.Errorf("lock product %s: %w", productID, err)
	}
	if !l.opts.TrackLocations {
		return product.StockQuantity, nil
	}
	return tx.LockLocationStock(ctx, productID, l.ResolveLocation(locationID))
}

// Transfer moves stock between two locations. The product total does not
// change, so alerts are evaluated once after both legs.
func (l *Ledger) Transfer(ctx context.Context, req domain.StockTransferRequest, actor string) (*domain.StockTransferResult, error) {
	if !l.opts.TrackLocations {
		return nil, domain.NewValidationError("location_id", "location tracking is disabled")
	}
	if req.Quantity < 1 {
		return nil, domain.NewValidationError("quantity", "must be at least 1")
	}
	if req.FromLocationID == req.ToLocationID {
		return nil, domain.NewValidationError("to_location_id", "must differ from from_location_id")
	}

	ref := xid.New("trf")
	var result domain.StockTransferResult
	err := l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		out, err := l.apply(ctx, tx, domain.MovementCommand{
			ProductID:     req.ProductID,
			LocationID:    req.FromLocationID,
			Quantity:      -req.Quantity,
			Type:          domain.MovementTransferOut,
			ReferenceType: "stock_transfer",
			ReferenceID:   ref,
			Notes:         req.Notes,
			Actor:         actor,
		}, false)
		if err != nil {
			return err
		}
		in, err := l.Apply(ctx, tx, domain.MovementCommand{
			ProductID:     req.ProductID,
			LocationID:    req.ToLocationID,
			Quantity:      req.Quantity,
			Type:          domain.MovementTransferIn,
			ReferenceType: "stock_transfer",
			ReferenceID:   ref,
			Notes:         req.Notes,
			Actor:         actor,
		})
		if err != nil {
			return err
		}
		result = domain.StockTransferResult{Out: *out, In: *in}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Receive books inbound stock such as a delivery or an opening balance.
func (l *Ledger) Receive(ctx context.Context, req domain.StockReceiptRequest, actor string) (*domain.StockMovement, error) {
	movementType := req.Type
	if movementType == "" {
		movementType = domain.MovementPurchase
	}
	if movementType != domain.MovementPurchase && movementType != domain.MovementOpeningBalance {
		return nil, domain.NewValidationError("type", "must be purchase or opening_balance")
	}
	if req.UnitCost != nil && req.UnitCost.IsNegative() {
		return nil, domain.NewValidationError("unit_cost", "must not be negative")
	}

	var movement *domain.StockMovement
	err := l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		movement, err = l.Apply(ctx, tx, domain.MovementCommand{
			ProductID:     req.ProductID,
			LocationID:    req.LocationID,
			Quantity:      req.Quantity,
			Type:          movementType,
			UnitCost:      req.UnitCost,
			ReferenceType: "stock_receipt",
			ReferenceID:   req.Reference,
			Notes:         req.Notes,
			Actor:         actor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

func (l *Ledger) ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	if _, err := l.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return l.repo.ListMovements(ctx, productID, limit)
}

func (l *Ledger) ListLocationStock(ctx context.Context, productID string) ([]domain.LocationStock, error) {
	return l.repo.ListLocationStock(ctx, productID)
}

func (l *Ledger) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.StockAlert, error) {
	return l.repo.ListAlerts(ctx, filter)
}

// ResolveAlert closes an alert by hand. Resolving a closed alert is a no-op.
func (l *Ledger) ResolveAlert(ctx context.Context, alertID string, actor string) (*domain.StockAlert, error) {
	alert, err := l.repo.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert.IsResolved {
		return alert, nil
	}
	err = l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.ResolveAlert(ctx, alertID, actor, l.now())
	})
	if err != nil {
		return nil, err
	}
	return l.repo.GetAlert(ctx, alertID)
}

// VerifyChain replays a product's movements and reports every place where the
// history does not explain the stored quantities.
func (l *Ledger) VerifyChain(ctx context.Context, productID string) (*domain.ChainReport, error) {
	product, err := l.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	movements, err := l.repo.ListMovements(ctx, productID, 0)
	if err != nil {
		return nil, err
	}

	report := &domain.ChainReport{
		ProductID:     productID,
		StockQuantity: product.StockQuantity,
		Movements:     len(movements),
	}
	addf := func(format string, args ...any) {
		report.Discrepancies = append(report.Discrepancies, fmt.Sprintf(format, args...))
	}

	running := 0
	for i, m := range movements {
		if i == 0 {
			report.OpeningQuantity = m.QuantityBefore
			running = m.QuantityBefore
		}
		if m.QuantityBefore != running {
			addf("movement %s: quantity_before %d does not follow previous quantity_after %d", m.ID, m.QuantityBefore, running)
		}
		if m.QuantityAfter-m.QuantityBefore != m.Quantity {
			addf("movement %s: after-before is %d but quantity is %d", m.ID, m.QuantityAfter-m.QuantityBefore, m.Quantity)
		}
		switch m.Type.Direction() {
		case domain.DirectionOutbound:
			if m.Quantity >= 0 {
				addf("movement %s: %s with non-negative quantity %d", m.ID, m.Type, m.Quantity)
			}
		case domain.DirectionInbound:
			if m.Quantity <= 0 {
				addf("movement %s: %s with non-positive quantity %d", m.ID, m.Type, m.Quantity)
			}
		case domain.DirectionUnknown:
			addf("movement %s: unknown type %q", m.ID, m.Type)
		}
		report.SignedDeltaTotal += m.Quantity
		running = m.QuantityAfter
	}
	if len(movements) == 0 {
		report.OpeningQuantity = product.StockQuantity
		running = product.StockQuantity
	}
	if running != product.StockQuantity {
		addf("stock_quantity %d does not match last quantity_after %d", product.StockQuantity, running)
	}
	if report.OpeningQuantity+report.SignedDeltaTotal != product.StockQuantity {
		addf("opening %d plus deltas %d does not equal stock_quantity %d", report.OpeningQuantity, report.SignedDeltaTotal, product.StockQuantity)
	}

	if l.opts.TrackLocations && product.TrackStock {
		rows, err := l.repo.ListLocationStock(ctx, productID)
		if err != nil {
			return nil, err
		}
		total := 0
		for _, row := range rows {
			total += row.Quantity
		}
		report.LocationTotal = &total
		if total != product.StockQuantity {
			addf("location rows sum to %d but stock_quantity is %d", total, product.StockQuantity)
		}
	}

	report.Consistent = len(report.Discrepancies) == 0
	return report, nil
}
