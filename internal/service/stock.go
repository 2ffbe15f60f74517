package service

import (
	"context"

	"go.uber.org/zap"

	"dukapos/backend/internal/domain"
)

func (s *Service) AdjustStock(ctx context.Context, req domain.StockAdjustmentRequest) (*domain.StockMovement, error) {
	if err := requirePrivileged(ctx, "stock adjustment"); err != nil {
		return nil, err
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	movement, err := s.stock.Adjust(ctx, req, actorName(ctx))
	if err != nil {
		return nil, err
	}
	s.logger.Info("stock adjusted",
		zap.String("product_id", movement.ProductID),
		zap.String("reason", req.Reason),
		zap.Int("quantity", movement.Quantity),
		zap.String("actor", movement.Actor),
	)
	return movement, nil
}

func (s *Service) TransferStock(ctx context.Context, req domain.StockTransferRequest) (*domain.StockTransferResult, error) {
	if err := requirePrivileged(ctx, "stock transfer"); err != nil {
		return nil, err
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return s.stock.Transfer(ctx, req, actorName(ctx))
}

func (s *Service) ReceiveStock(ctx context.Context, req domain.StockReceiptRequest) (*domain.StockMovement, error) {
	if err := requirePrivileged(ctx, "stock receipt"); err != nil {
		return nil, err
	}
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	return s.stock.Receive(ctx, req, actorName(ctx))
}

func (s *Service) ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	return s.stock.ListMovements(ctx, productID, limit)
}

func (s *Service) ListLocationStock(ctx context.Context, productID string) ([]domain.LocationStock, error) {
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return s.stock.ListLocationStock(ctx, productID)
}

func (s *Service) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.StockAlert, error) {
	return s.stock.ListAlerts(ctx, filter)
}

func (s *Service) ResolveAlert(ctx context.Context, alertID string) (*domain.StockAlert, error) {
	if err := requirePrivileged(ctx, "alert resolve"); err != nil {
		return nil, err
	}
	return s.stock.ResolveAlert(ctx, alertID, actorName(ctx))
}

func (s *Service) VerifyStock(ctx context.Context, productID string) (*domain.ChainReport, error) {
	report, err := s.stock.VerifyChain(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !report.Consistent {
		s.logger.Error("stock ledger inconsistent",
			zap.String("product_id", productID),
			zap.Strings("discrepancies", report.Discrepancies),
		)
	}
	return report, nil
}
