package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

const defaultReorderLevel = 10

var maxTaxRate = decimal.NewFromInt(100)

func (s *Service) ListProducts(ctx context.Context, includeArchived bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeArchived)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, productID)
}

// CreateProduct registers a product. Opening stock is booked as an
// opening_balance movement in the same unit of work, so stock_quantity is
// never written outside the ledger.
func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (*domain.Product, error) {
	if err := requirePrivileged(ctx, "product create"); err != nil {
		return nil, err
	}
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	req.Barcode = strings.TrimSpace(req.Barcode)
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	verr := &domain.ValidationError{}
	if req.SellingPrice.IsNegative() {
		verr.Add("selling_price", "must not be negative")
	}
	if req.CostPrice.IsNegative() {
		verr.Add("cost_price", "must not be negative")
	}
	taxRate := s.defaultTaxRate
	if req.TaxRate != nil {
		taxRate = *req.TaxRate
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(maxTaxRate) {
		verr.Add("tax_rate", "must be between 0 and 100")
	}
	trackStock := true
	if req.TrackStock != nil {
		trackStock = *req.TrackStock
	}
	if !trackStock && req.OpeningStock > 0 {
		verr.Add("opening_stock", "must be zero when track_stock is false")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	reorder := defaultReorderLevel
	if req.ReorderLevel != nil {
		reorder = *req.ReorderLevel
	}

	now := s.now()
	product := domain.Product{
		ID:           xid.New("prod"),
		SKU:          req.SKU,
		Barcode:      req.Barcode,
		Name:         req.Name,
		Category:     defaultString(req.Category, "general"),
		CostPrice:    req.CostPrice,
		SellingPrice: req.SellingPrice,
		TaxRate:      taxRate,
		TrackStock:   trackStock,
		ReorderLevel: reorder,
		MaximumStock: req.MaximumStock,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertProduct(ctx, product); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return domain.NewValidationError("sku", "sku or barcode already exists")
			}
			return err
		}
		if req.OpeningStock == 0 {
			return nil
		}
		cost := req.CostPrice
		_, err := s.stock.Apply(ctx, tx, domain.MovementCommand{
			ProductID:     product.ID,
			LocationID:    req.LocationID,
			Quantity:      req.OpeningStock,
			Type:          domain.MovementOpeningBalance,
			UnitCost:      &cost,
			ReferenceType: "product",
			ReferenceID:   product.ID,
			Notes:         "opening stock",
			Actor:         actorName(ctx),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("product created",
		zap.String("product_id", product.ID),
		zap.String("sku", product.SKU),
		zap.Int("opening_stock", req.OpeningStock),
	)
	return s.repo.GetProduct(ctx, product.ID)
}

// UpdateProduct changes catalog fields. Quantities are not editable here;
// use a stock adjustment.
func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (*domain.Product, error) {
	if err := requirePrivileged(ctx, "product update"); err != nil {
		return nil, err
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	existing, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	updated := *existing
	verr := &domain.ValidationError{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			verr.Add("name", "must not be blank")
		}
		updated.Name = name
	}
	if req.Category != nil {
		updated.Category = defaultString(strings.TrimSpace(*req.Category), "general")
	}
	if req.Barcode != nil {
		updated.Barcode = strings.TrimSpace(*req.Barcode)
	}
	if req.SellingPrice != nil {
		if req.SellingPrice.IsNegative() {
			verr.Add("selling_price", "must not be negative")
		}
		updated.SellingPrice = *req.SellingPrice
	}
	if req.CostPrice != nil {
		if req.CostPrice.IsNegative() {
			verr.Add("cost_price", "must not be negative")
		}
		updated.CostPrice = *req.CostPrice
	}
	if req.TaxRate != nil {
		if req.TaxRate.IsNegative() || req.TaxRate.GreaterThan(maxTaxRate) {
			verr.Add("tax_rate", "must be between 0 and 100")
		}
		updated.TaxRate = *req.TaxRate
	}
	if req.TrackStock != nil {
		if !*req.TrackStock && existing.StockQuantity != 0 {
			verr.Add("track_stock", "adjust stock to zero before disabling tracking")
		}
		updated.TrackStock = *req.TrackStock
	}
	if req.ReorderLevel != nil {
		updated.ReorderLevel = *req.ReorderLevel
	}
	if req.MaximumStock != nil {
		updated.MaximumStock = *req.MaximumStock
	}
	if req.IsArchived != nil {
		updated.IsArchived = *req.IsArchived
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()

	result, err := s.repo.UpdateProduct(ctx, updated)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, domain.NewValidationError("barcode", "barcode already exists")
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("product updated", zap.String("product_id", result.ID), zap.Bool("archived", result.IsArchived))
	return result, nil
}
