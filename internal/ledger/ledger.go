// Package ledger is the only code path that changes stock quantities. Every
// change is a signed movement recorded with before and after snapshots, so a
// product's stock can always be rebuilt from its movement history.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

const systemActor = "system"

type Options struct {
	// TrackLocations keeps per-location rows whose sum equals the product total.
	TrackLocations    bool
	DefaultLocationID string
}

type Ledger struct {
	repo   store.Repository
	logger *zap.Logger
	opts   Options
	now    func() time.Time
}

func New(repo store.Repository, logger *zap.Logger, opts Options) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultLocationID == "" {
		opts.DefaultLocationID = "main"
	}
	return &Ledger{
		repo:   repo,
		logger: logger.Named("ledger"),
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) Options() Options {
	return l.opts
}

// ResolveLocation returns the location a movement is booked against.
func (l *Ledger) ResolveLocation(locationID string) string {
	if locationID != "" {
		return locationID
	}
	if l.opts.TrackLocations {
		return l.opts.DefaultLocationID
	}
	return ""
}

// Apply records one movement inside tx. The product row, and the location row
// when locations are tracked, stay locked until tx ends. Nothing is written
// when the movement would take stock below zero.
func (l *Ledger) Apply(ctx context.Context, tx store.Tx, cmd domain.MovementCommand) (*domain.StockMovement, error) {
	return l.apply(ctx, tx, cmd, true)
}

func (l *Ledger) apply(ctx context.Context, tx store.Tx, cmd domain.MovementCommand, withAlerts bool) (*domain.StockMovement, error) {
	if err := validateCommand(cmd); err != nil {
		return nil, err
	}

	product, err := tx.LockProduct(ctx, cmd.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NewValidationError("product_id", "product not found")
	}
	if err != nil {
		return nil, fmt.Errorf("lock product %s: %w", cmd.ProductID, err)
	}
	if !product.TrackStock {
		return nil, domain.NewValidationError("product_id", "product does not track stock")
	}

	now := l.now()
	locationID := l.ResolveLocation(cmd.LocationID)
	before := product.StockQuantity
	after := before + cmd.Quantity
	if cmd.Quantity < 0 && after < 0 {
		return nil, &domain.InsufficientStockError{
			LineIndex: -1,
			ProductID: product.ID,
			Available: before,
			Requested: -cmd.Quantity,
		}
	}

	if l.opts.TrackLocations {
		locBefore, err := tx.LockLocationStock(ctx, product.ID, locationID)
		if err != nil {
			return nil, fmt.Errorf("lock location stock %s/%s: %w", product.ID, locationID, err)
		}
		locAfter := locBefore + cmd.Quantity
		if cmd.Quantity < 0 && locAfter < 0 {
			return nil, &domain.InsufficientStockError{
				LineIndex:  -1,
				ProductID:  product.ID,
				LocationID: locationID,
				Available:  locBefore,
				Requested:  -cmd.Quantity,
			}
		}
		if err := tx.SetLocationStock(ctx, product.ID, locationID, locAfter, now); err != nil {
			return nil, fmt.Errorf("set location stock: %w", err)
		}
	}

	if err := tx.SetProductStock(ctx, product.ID, after, now); err != nil {
		return nil, fmt.Errorf("set product stock: %w", err)
	}

	actor := cmd.Actor
	if actor == "" {
		actor = systemActor
	}
	movement := &domain.StockMovement{
		ID:             xid.New("mov"),
		ProductID:      product.ID,
		LocationID:     locationID,
		Type:           cmd.Type,
		Quantity:       cmd.Quantity,
		QuantityBefore: before,
		QuantityAfter:  after,
		UnitCost:       cmd.UnitCost,
		ReferenceType:  cmd.ReferenceType,
		ReferenceID:    cmd.ReferenceID,
		Notes:          cmd.Notes,
		Actor:          actor,
		CreatedAt:      now,
	}
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return nil, fmt.Errorf("insert movement: %w", err)
	}

	if withAlerts {
		if err := l.evaluateAlerts(ctx, tx, *product, after, now); err != nil {
			return nil, err
		}
	}
	if product.MaximumStock > 0 && cmd.Quantity > 0 && after > product.MaximumStock {
		l.logger.Warn("stock above maximum level",
			zap.String("product_id", product.ID),
			zap.Int("stock_quantity", after),
			zap.Int("maximum_stock", product.MaximumStock),
		)
	}
	return movement, nil
}

func validateCommand(cmd domain.MovementCommand) error {
	verr := &domain.ValidationError{}
	if cmd.ProductID == "" {
		verr.Add("product_id", "is required")
	}
	switch cmd.Type.Direction() {
	case domain.DirectionUnknown:
		verr.Add("type", fmt.Sprintf("unknown movement type %q", cmd.Type))
	case domain.DirectionOutbound:
		if cmd.Quantity >= 0 {
			verr.Add("quantity", fmt.Sprintf("%s movements must decrease stock", cmd.Type))
		}
	case domain.DirectionInbound:
		if cmd.Quantity <= 0 {
			verr.Add("quantity", fmt.Sprintf("%s movements must increase stock", cmd.Type))
		}
	case domain.DirectionEither:
		if cmd.Quantity == 0 {
			verr.Add("quantity", "must not be zero")
		}
	}
	return verr.OrNil()
}

// evaluateAlerts keeps at most one open alert of each type per product. It is
// evaluated on the product total and may run any number of times.
func (l *Ledger) evaluateAlerts(ctx context.Context, tx store.Tx, product domain.Product, qty int, at time.Time) error {
	switch {
	case qty <= 0:
		if err := l.resolveOpen(ctx, tx, product.ID, domain.AlertLowStock, at); err != nil {
			return err
		}
		return l.openAlert(ctx, tx, product, domain.AlertOutOfStock, qty, at)
	case qty <= product.ReorderLevel:
		if err := l.resolveOpen(ctx, tx, product.ID, domain.AlertOutOfStock, at); err != nil {
			return err
		}
		return l.openAlert(ctx, tx, product, domain.AlertLowStock, qty, at)
	default:
		if err := l.resolveOpen(ctx, tx, product.ID, domain.AlertOutOfStock, at); err != nil {
			return err
		}
		return l.resolveOpen(ctx, tx, product.ID, domain.AlertLowStock, at)
	}
}

func (l *Ledger) openAlert(ctx context.Context, tx store.Tx, product domain.Product, alertType domain.AlertType, qty int, at time.Time) error {
	_, err := tx.FindOpenAlert(ctx, product.ID, "", alertType)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("find open %s alert: %w", alertType, err)
	}

	message := fmt.Sprintf("%s is out of stock!", product.Name)
	if alertType == domain.AlertLowStock {
		message = fmt.Sprintf("%s is running low in stock. Current: %d, Reorder level: %d", product.Name, qty, product.ReorderLevel)
	}
	alert := domain.StockAlert{
		ID:              xid.New("alert"),
		ProductID:       product.ID,
		Type:            alertType,
		Threshold:       product.ReorderLevel,
		CurrentQuantity: qty,
		Message:         message,
		CreatedAt:       at,
	}
	if err := tx.InsertAlert(ctx, alert); err != nil {
		return fmt.Errorf("insert %s alert: %w", alertType, err)
	}
	l.logger.Info("stock alert raised",
		zap.String("product_id", product.ID),
		zap.String("type", string(alertType)),
		zap.Int("current_quantity", qty),
	)
	return nil
}

func (l *Ledger) resolveOpen(ctx context.Context, tx store.Tx, productID string, alertType domain.AlertType, at time.Time) error {
	alert, err := tx.FindOpenAlert(ctx, productID, "", alertType)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find open %s alert: %w", alertType, err)
	}
	if err := tx.ResolveAlert(ctx, alert.ID, systemActor, at); err != nil {
		return fmt.Errorf("resolve alert %s: %w", alert.ID, err)
	}
	return nil
}
