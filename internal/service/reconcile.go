package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dukapos/backend/internal/cache"
	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/pricing"
	"dukapos/backend/internal/store"
)

const (
	receiptLockTTL = 30 * time.Second
	expireBatch    = 200

	// Providers give up retrying a callback well inside a day.
	resolvedMarkerTTL = 24 * time.Hour
)

var errDuplicateReceipt = errors.New("receipt already recorded")

// HandleCallback applies a payment confirmation. Providers retry anything
// that is not acknowledged, so the result is always the accepted ack and
// problems are logged instead.
func (s *Service) HandleCallback(ctx context.Context, in domain.CallbackInput) domain.CallbackAck {
	ctx, span := startSpan(ctx, "HandleCallback", trace.WithSpanKind(trace.SpanKindServer))
	err := s.reconcile(ctx, in)
	endSpan(span, err)

	if err != nil {
		fields := []zap.Field{
			zap.String("correlation_token", in.CorrelationToken),
			zap.String("outcome", string(in.Outcome)),
			zap.String("receipt", in.ExternalReceipt),
			zap.Error(err),
		}
		if errors.Is(err, domain.ErrReconciliationMismatch) || errors.Is(err, domain.ErrValidation) {
			s.logger.Warn("payment callback not applied", fields...)
		} else {
			s.logger.Error("payment callback failed", fields...)
		}
	}
	return domain.AcceptedAck()
}

func (s *Service) reconcile(ctx context.Context, in domain.CallbackInput) error {
	in.CorrelationToken = strings.TrimSpace(in.CorrelationToken)
	in.ExternalReceipt = strings.TrimSpace(in.ExternalReceipt)
	if err := validateStruct(in); err != nil {
		return err
	}
	status, resolved, err := s.correlations.Resolved(ctx, in.CorrelationToken)
	if err != nil {
		s.logger.Warn("correlation cache read failed", zap.String("correlation_token", in.CorrelationToken), zap.Error(err))
	} else if resolved {
		s.logger.Info("callback for resolved payment request acknowledged",
			zap.String("correlation_token", in.CorrelationToken),
			zap.String("status", status),
		)
		return nil
	}

	if in.Outcome == domain.OutcomeSuccess {
		return s.settle(ctx, in)
	}
	return s.reject(ctx, in)
}

// settle records a confirmed payment once per external receipt.
func (s *Service) settle(ctx context.Context, in domain.CallbackInput) error {
	if in.ExternalReceipt == "" {
		return &domain.ReconciliationMismatchError{Token: in.CorrelationToken, Reason: "success without a receipt"}
	}

	release, err := s.locker.Lock(ctx, "receipt:"+in.ExternalReceipt, receiptLockTTL)
	switch {
	case errors.Is(err, cache.ErrLockHeld):
		s.logger.Info("callback for receipt already in flight", zap.String("receipt", in.ExternalReceipt))
		return nil
	case err != nil:
		// The unique payment reference still guards the write.
		s.logger.Warn("receipt lock unavailable", zap.String("receipt", in.ExternalReceipt), zap.Error(err))
	default:
		defer release()
	}

	if _, err := s.repo.FindPaymentByReference(ctx, domain.MethodMpesa, in.ExternalReceipt); err == nil {
		s.logger.Info("duplicate payment callback ignored", zap.String("receipt", in.ExternalReceipt))
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	var completed *domain.Sale
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		corr, err := s.lockPendingCorrelation(ctx, tx, in)
		if err != nil {
			return err
		}
		sale, err := tx.LockSale(ctx, corr.SaleID)
		if err != nil {
			return fmt.Errorf("sale for correlation %s: %w", corr.Token, err)
		}
		if sale.Status == domain.SaleCancelled {
			return &domain.ReconciliationMismatchError{Token: corr.Token, Reason: "sale is cancelled"}
		}

		amount := corr.Amount
		if in.Amount.IsPositive() {
			if !pricing.Round(in.Amount).Equal(pricing.Round(corr.Amount)) {
				s.logger.Warn("callback amount differs from request",
					zap.String("correlation_token", corr.Token),
					zap.String("requested", corr.Amount.StringFixed(2)),
					zap.String("paid", in.Amount.StringFixed(2)),
				)
			}
			amount = in.Amount
		}

		now := s.now()
		paidAt := now
		if in.PaidAt != nil {
			paidAt = in.PaidAt.UTC()
		}
		_, err = s.recordPayment(ctx, tx, sale, domain.SalePayment{
			Amount:           amount,
			Method:           domain.MethodMpesa,
			Reference:        in.ExternalReceipt,
			CorrelationToken: corr.Token,
			Status:           domain.PaymentRecordCompleted,
			Notes:            in.ResultDesc,
			PaidAt:           &paidAt,
		})
		if errors.Is(err, store.ErrDuplicate) {
			return errDuplicateReceipt
		}
		if err != nil {
			return err
		}

		corr.Status = domain.CorrelationCompleted
		corr.Receipt = in.ExternalReceipt
		corr.ResultDesc = in.ResultDesc
		corr.ResolvedAt = &now
		if err := tx.UpdateCorrelation(ctx, *corr); err != nil {
			return err
		}

		if sale.Status == domain.SaleProcessing && sale.PaymentStatus == domain.PaymentPaid {
			if err := s.completeTx(ctx, tx, sale); err != nil {
				return err
			}
			completed = sale
			return nil
		}
		return tx.UpdateSale(ctx, *sale)
	})
	if errors.Is(err, errDuplicateReceipt) {
		s.markResolved(ctx, in.CorrelationToken, domain.CorrelationCompleted)
		s.logger.Info("duplicate payment callback ignored", zap.String("receipt", in.ExternalReceipt))
		return nil
	}
	if err != nil {
		return err
	}

	s.markResolved(ctx, in.CorrelationToken, domain.CorrelationCompleted)
	s.logger.Info("mobile payment settled",
		zap.String("correlation_token", in.CorrelationToken),
		zap.String("receipt", in.ExternalReceipt),
		zap.Bool("sale_completed", completed != nil),
	)
	if completed != nil {
		s.events.SaleCompleted(saleEvent(completed, s.now()))
	}
	return nil
}

// reject records a failed or timed-out request. The sale stays processing so
// the payment can be retried.
func (s *Service) reject(ctx context.Context, in domain.CallbackInput) error {
	status := domain.CorrelationFailed
	if in.Outcome == domain.OutcomeTimeout {
		status = domain.CorrelationTimeout
	}

	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		corr, err := s.lockPendingCorrelation(ctx, tx, in)
		if err != nil {
			return err
		}
		sale, err := tx.LockSale(ctx, corr.SaleID)
		if err != nil {
			return fmt.Errorf("sale for correlation %s: %w", corr.Token, err)
		}

		now := s.now()
		_, err = s.recordPayment(ctx, tx, sale, domain.SalePayment{
			Amount:           corr.Amount,
			Method:           domain.MethodMpesa,
			CorrelationToken: corr.Token,
			Status:           domain.PaymentRecordFailed,
			Notes:            defaultString(in.ResultDesc, string(in.Outcome)),
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return err
		}

		corr.Status = status
		corr.ResultDesc = in.ResultDesc
		corr.ResolvedAt = &now
		return tx.UpdateCorrelation(ctx, *corr)
	})
	if err != nil {
		return err
	}

	s.markResolved(ctx, in.CorrelationToken, status)
	s.logger.Warn("mobile payment not completed",
		zap.String("correlation_token", in.CorrelationToken),
		zap.String("status", string(status)),
		zap.String("result_desc", in.ResultDesc),
	)
	return nil
}

// markResolved lets provider retries for token be answered from the cache.
// Only callback outcomes are marked; a late callback for an expired request
// must still reach the store and be logged as a mismatch.
func (s *Service) markResolved(ctx context.Context, token string, status domain.CorrelationStatus) {
	if err := s.correlations.MarkResolved(ctx, token, string(status), resolvedMarkerTTL); err != nil {
		s.logger.Warn("correlation cache write failed", zap.String("correlation_token", token), zap.Error(err))
	}
}

func (s *Service) lockPendingCorrelation(ctx context.Context, tx store.Tx, in domain.CallbackInput) (*domain.PaymentCorrelation, error) {
	corr, err := tx.LockCorrelation(ctx, in.CorrelationToken)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &domain.ReconciliationMismatchError{Token: in.CorrelationToken, Reason: "unknown correlation token"}
	}
	if err != nil {
		return nil, err
	}
	if corr.Status == domain.CorrelationCompleted && in.ExternalReceipt != "" && corr.Receipt == in.ExternalReceipt {
		return nil, errDuplicateReceipt
	}
	if corr.Status != domain.CorrelationPending {
		return nil, &domain.ReconciliationMismatchError{Token: corr.Token, Reason: "correlation is " + string(corr.Status)}
	}
	return corr, nil
}

// ExpireCorrelations marks pending payment requests past their deadline as
// expired and returns how many changed. A late callback for one of them is
// acknowledged and logged as a mismatch.
func (s *Service) ExpireCorrelations(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.repo.ListPendingCorrelations(ctx, now, expireBatch)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, c := range pending {
		changed := false
		err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			locked, err := tx.LockCorrelation(ctx, c.Token)
			if err != nil {
				return err
			}
			if locked.Status != domain.CorrelationPending || locked.ExpiresAt.After(now) {
				return nil
			}
			resolved := now
			locked.Status = domain.CorrelationExpired
			locked.ResultDesc = "no confirmation before deadline"
			locked.ResolvedAt = &resolved
			changed = true
			return tx.UpdateCorrelation(ctx, *locked)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", c.Token, err))
			continue
		}
		if changed {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("payment requests expired", zap.Int("count", expired))
	}
	return expired, errors.Join(errs...)
}
