package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/mpesa"
	"dukapos/backend/internal/pricing"
	"dukapos/backend/internal/store"
)

// CreatePOSSale is the counter flow: catalog prices, one payment, change.
// The sale and its payment commit together or not at all.
func (s *Service) CreatePOSSale(ctx context.Context, req domain.POSSaleRequest) (*domain.CreateSaleResponse, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	amountPaid := pricing.Round(req.AmountPaid)
	if amountPaid.IsNegative() {
		return nil, domain.NewValidationError("amount_paid", "must not be negative")
	}

	items := make([]domain.SaleItemRequest, len(req.Items))
	for i, item := range req.Items {
		items[i] = domain.SaleItemRequest{ProductID: item.ProductID, Quantity: item.Quantity}
	}
	saleReq := domain.CreateSaleRequest{
		LocationID:      req.LocationID,
		Channel:         domain.ChannelPOS,
		TerminalID:      req.TerminalID,
		Items:           items,
		PaymentMethod:   req.PaymentMethod,
		Phone:           req.Phone,
		DeferCompletion: !req.PaymentMethod.Async(),
	}
	if req.PaymentMethod.Async() {
		if phone, err := mpesa.NormalizePhone(req.Phone); err == nil {
			saleReq.Phone = phone
		}
	}

	var (
		sale   *domain.Sale
		change decimal.Decimal
	)
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		created, err := s.CreateSale(ctx, saleReq)
		if err != nil {
			return err
		}
		if req.PaymentMethod.Async() {
			sale = created.Sale
			return nil
		}

		current, err := tx.LockSale(ctx, created.Sale.ID)
		if err != nil {
			return err
		}
		tendered := amountPaid
		if tendered.IsZero() && req.PaymentMethod != domain.MethodCash {
			tendered = current.TotalAmount
		}
		if tendered.LessThan(current.TotalAmount) {
			return domain.NewValidationError("amount_paid", fmt.Sprintf("must cover the total of %s", current.TotalAmount.StringFixed(2)))
		}
		change = tendered.Sub(current.TotalAmount)

		paidAt := s.now()
		_, err = s.recordPayment(ctx, tx, current, domain.SalePayment{
			Amount:    current.TotalAmount,
			Method:    req.PaymentMethod,
			Reference: req.Reference,
			Status:    domain.PaymentRecordCompleted,
			PaidAt:    &paidAt,
		})
		if errors.Is(err, store.ErrDuplicate) {
			return domain.NewValidationError("reference", "reference already used")
		}
		if err != nil {
			return err
		}
		if err := s.completeTx(ctx, tx, current); err != nil {
			return err
		}
		sale, err = tx.LockSale(ctx, current.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("pos sale recorded",
		zap.String("sale_id", sale.ID),
		zap.String("terminal_id", sale.TerminalID),
		zap.String("status", string(sale.Status)),
		zap.String("change", change.StringFixed(2)),
	)
	s.afterSaleCommit(ctx, sale, "", saleReq.Phone)
	return &domain.CreateSaleResponse{Sale: sale, Change: change}, nil
}
