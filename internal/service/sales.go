package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/integration"
	"dukapos/backend/internal/mpesa"
	"dukapos/backend/internal/pricing"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

// CreateSale prices the request against the locked catalog, persists the sale
// and books a sale movement per tracked item in one unit of work.
//
// When ctx already carries a unit of work the call joins it and leaves
// event dispatch and payment initiation to the caller that owns it.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (resp *domain.CreateSaleResponse, err error) {
	ctx, span := startSpan(ctx, "CreateSale")
	defer func() { endSpan(span, err) }()

	if err := s.prepareSaleRequest(ctx, &req); err != nil {
		return nil, err
	}

	_, joined := store.TxFromContext(ctx)
	var (
		sale   *domain.Sale
		change decimal.Decimal
	)
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var txErr error
		sale, change, txErr = s.createSaleTx(ctx, tx, req)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("sale created",
		zap.String("sale_id", sale.ID),
		zap.String("sale_number", sale.SaleNumber),
		zap.String("status", string(sale.Status)),
		zap.String("payment_method", string(sale.PaymentMethod)),
		zap.String("total", sale.TotalAmount.StringFixed(2)),
		zap.String("actor", sale.Actor),
	)

	if !joined {
		s.afterSaleCommit(ctx, sale, req.CorrelationToken, req.Phone)
	}
	return &domain.CreateSaleResponse{Sale: sale, Change: change}, nil
}

// prepareSaleRequest normalises the request and runs the checks that need no
// stored data.
func (s *Service) prepareSaleRequest(ctx context.Context, req *domain.CreateSaleRequest) error {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.PaymentReference = strings.TrimSpace(req.PaymentReference)
	req.CorrelationToken = strings.TrimSpace(req.CorrelationToken)
	req.Channel = defaultString(req.Channel, domain.ChannelPOS)
	if err := validateStruct(*req); err != nil {
		return err
	}
	req.LocationID = s.stock.ResolveLocation(req.LocationID)

	verr := &domain.ValidationError{}
	if req.AmountTendered != nil && req.AmountTendered.IsNegative() {
		verr.Add("amount_tendered", "must not be negative")
	}
	if req.PaymentMethod.Async() {
		switch {
		case !s.features.Enabled(ctx, integration.FeatureMpesa):
			verr.Add("payment_method", "mpesa payments are disabled")
		case req.CorrelationToken == "" && s.initiator == nil:
			verr.Add("correlation_token", "is required when no payment gateway is configured")
		case req.CorrelationToken == "" || req.Phone != "":
			phone, err := mpesa.NormalizePhone(req.Phone)
			if err != nil {
				verr.Add("phone", err.Error())
			}
			req.Phone = phone
		}
	}
	return verr.OrNil()
}

func (s *Service) createSaleTx(ctx context.Context, tx store.Tx, req domain.CreateSaleRequest) (*domain.Sale, decimal.Decimal, error) {
	actor, _ := ActorFromContext(ctx)
	override := req.PriceOverride && actor.IsPrivileged()

	products, err := tx.LockProducts(ctx, sortedProductIDs(req.Items))
	if err != nil {
		return nil, decimal.Zero, err
	}
	verr := &domain.ValidationError{}
	for i, item := range req.Items {
		field := fmt.Sprintf("items.%d.product_id", i)
		product, ok := products[item.ProductID]
		switch {
		case !ok:
			verr.Add(field, "product not found")
		case product.IsArchived:
			verr.Add(field, "product is archived")
		}
	}
	if err := verr.OrNil(); err != nil {
		return nil, decimal.Zero, err
	}
	if err := s.checkAvailability(ctx, tx, req, products); err != nil {
		return nil, decimal.Zero, err
	}

	lines := make([]pricing.Line, len(req.Items))
	for i, item := range req.Items {
		product := products[item.ProductID]
		line := pricing.Line{
			Quantity:  item.Quantity,
			UnitPrice: product.SellingPrice,
			TaxRate:   product.TaxRate,
		}
		if override && item.UnitPrice != nil {
			line.UnitPrice = *item.UnitPrice
		}
		if override && item.TaxRate != nil {
			line.TaxRate = *item.TaxRate
		}
		if item.Discount != nil {
			line.Discount = *item.Discount
		}
		lines[i] = line
	}
	discount := pricing.Discount{Type: req.DiscountType}
	if req.DiscountValue != nil {
		discount.Value = *req.DiscountValue
	}
	shipping := decimal.Zero
	if req.ShippingAmount != nil {
		shipping = *req.ShippingAmount
	}
	totals, err := pricing.Calculate(lines, discount, shipping)
	if err != nil {
		return nil, decimal.Zero, err
	}

	now := s.now()
	seq, err := tx.NextSaleSequence(ctx, now)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("next sale number: %w", err)
	}
	sale := domain.Sale{
		ID:             xid.New("sale"),
		SaleNumber:     xid.Daily("SAL", now, seq),
		CustomerID:     req.CustomerID,
		LocationID:     req.LocationID,
		Channel:        req.Channel,
		TerminalID:     req.TerminalID,
		Subtotal:       totals.Subtotal,
		TaxAmount:      totals.TaxAmount,
		DiscountAmount: totals.DiscountAmount,
		ShippingAmount: totals.ShippingAmount,
		TotalAmount:    totals.TotalAmount,
		PaidAmount:     decimal.Zero,
		DiscountType:   req.DiscountType,
		DiscountValue:  discount.Value,
		PaymentMethod:  req.PaymentMethod,
		PaymentStatus:  domain.PaymentPending,
		Status:         initialStatus(req),
		Notes:          strings.TrimSpace(req.Notes),
		Actor:          actorName(ctx),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !domain.CanTransition(domain.SaleDraft, sale.Status) {
		return nil, decimal.Zero, &domain.InvalidStateTransitionError{SaleID: sale.ID, From: domain.SaleDraft, To: sale.Status}
	}
	if sale.Status == domain.SaleCompleted {
		sale.CompletedAt = &now
	}
	sale.Items = make([]domain.SaleItem, len(req.Items))
	for i, item := range req.Items {
		product := products[item.ProductID]
		sale.Items[i] = domain.SaleItem{
			ID:             xid.New("item"),
			SaleID:         sale.ID,
			ProductID:      product.ID,
			ProductName:    product.Name,
			SKU:            product.SKU,
			TrackStock:     product.TrackStock,
			Quantity:       item.Quantity,
			UnitCost:       product.CostPrice,
			UnitPrice:      pricing.Round(lines[i].UnitPrice),
			TaxRate:        lines[i].TaxRate,
			TaxAmount:      totals.Lines[i].TaxAmount,
			DiscountAmount: totals.Lines[i].Discount,
			LineTotal:      totals.Lines[i].LineTotal,
		}
	}

	if err := tx.InsertSale(ctx, sale); err != nil {
		return nil, decimal.Zero, fmt.Errorf("insert sale: %w", err)
	}
	for i, item := range sale.Items {
		if !item.TrackStock {
			continue
		}
		cost := item.UnitCost
		_, err := s.stock.Apply(ctx, tx, domain.MovementCommand{
			ProductID:     item.ProductID,
			LocationID:    sale.LocationID,
			Quantity:      -item.Quantity,
			Type:          domain.MovementSale,
			UnitCost:      &cost,
			ReferenceType: "sale",
			ReferenceID:   sale.ID,
			Notes:         sale.SaleNumber,
			Actor:         sale.Actor,
		})
		if err != nil {
			var stockErr *domain.InsufficientStockError
			if errors.As(err, &stockErr) {
				stockErr.LineIndex = i
			}
			return nil, decimal.Zero, err
		}
	}

	change, err := s.settleAtCheckout(ctx, tx, &sale, req)
	if err != nil {
		return nil, decimal.Zero, err
	}

	if req.PaymentMethod.Async() && req.CorrelationToken != "" {
		err := tx.InsertCorrelation(ctx, domain.PaymentCorrelation{
			Token:     req.CorrelationToken,
			SaleID:    sale.ID,
			Amount:    sale.TotalAmount,
			Phone:     req.Phone,
			Status:    domain.CorrelationPending,
			CreatedAt: now,
			ExpiresAt: now.Add(s.correlationTTL),
		})
		if errors.Is(err, store.ErrDuplicate) {
			return nil, decimal.Zero, domain.NewValidationError("correlation_token", "already registered")
		}
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("register correlation: %w", err)
		}
	}

	stored, err := tx.LockSale(ctx, sale.ID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	return stored, change, nil
}

// checkAvailability fails on the first line whose cumulative quantity for
// its product exceeds what is on hand.
func (s *Service) checkAvailability(ctx context.Context, tx store.Tx, req domain.CreateSaleRequest, products map[string]domain.Product) error {
	tracking := s.stock.Options().TrackLocations
	requested := make(map[string]int, len(products))
	available := make(map[string]int, len(products))
	for i, item := range req.Items {
		product := products[item.ProductID]
		if !product.TrackStock {
			continue
		}
		onHand, seen := available[product.ID]
		if !seen {
			onHand = product.StockQuantity
			if tracking {
				qty, err := tx.LockLocationStock(ctx, product.ID, req.LocationID)
				if err != nil {
					return err
				}
				onHand = min(qty, product.StockQuantity)
			}
			available[product.ID] = onHand
		}
		requested[product.ID] += item.Quantity
		if requested[product.ID] > onHand {
			stockErr := &domain.InsufficientStockError{
				LineIndex: i,
				ProductID: product.ID,
				Available: onHand,
				Requested: requested[product.ID],
			}
			if tracking {
				stockErr.LocationID = req.LocationID
			}
			return stockErr
		}
	}
	return nil
}

// settleAtCheckout records the synchronous payment taken at the counter and
// returns the change owed.
func (s *Service) settleAtCheckout(ctx context.Context, tx store.Tx, sale *domain.Sale, req domain.CreateSaleRequest) (decimal.Decimal, error) {
	if req.PaymentMethod.Async() {
		return decimal.Zero, nil
	}

	change := decimal.Zero
	amount := decimal.Zero
	switch {
	case req.AmountTendered != nil:
		tendered := pricing.Round(*req.AmountTendered)
		amount = decimal.Min(tendered, sale.TotalAmount)
		if tendered.GreaterThan(sale.TotalAmount) {
			change = tendered.Sub(sale.TotalAmount)
		}
	case req.PaymentMethod != domain.MethodCredit && !req.DeferCompletion:
		amount = sale.TotalAmount
	}
	if !amount.IsPositive() {
		return change, nil
	}

	paidAt := s.now()
	_, err := s.recordPayment(ctx, tx, sale, domain.SalePayment{
		Amount:    amount,
		Method:    req.PaymentMethod,
		Reference: req.PaymentReference,
		Status:    domain.PaymentRecordCompleted,
		PaidAt:    &paidAt,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return decimal.Zero, domain.NewValidationError("payment_reference", "reference already used")
	}
	if err != nil {
		return decimal.Zero, err
	}
	if err := tx.UpdateSale(ctx, *sale); err != nil {
		return decimal.Zero, fmt.Errorf("update sale: %w", err)
	}
	return change, nil
}

// afterSaleCommit runs the effects that must not hold the unit of work open.
func (s *Service) afterSaleCommit(ctx context.Context, sale *domain.Sale, correlationToken string, phone string) {
	switch sale.Status {
	case domain.SaleCompleted:
		s.events.SaleCompleted(saleEvent(sale, s.now()))
	case domain.SaleProcessing:
		if correlationToken != "" {
			// The client already prompted the customer.
			return
		}
		if _, err := s.pushPayment(ctx, sale, phone); err != nil {
			s.logger.Warn("payment push failed, sale stays processing",
				zap.String("sale_id", sale.ID),
				zap.Error(err),
			)
		}
	}
}

// pushPayment asks the gateway to prompt the customer and registers the
// returned token. It opens its own unit of work and must run after commit.
func (s *Service) pushPayment(ctx context.Context, sale *domain.Sale, phone string) (string, error) {
	if s.initiator == nil {
		return "", domain.NewValidationError("payment_method", "no payment gateway is configured")
	}
	amount := sale.Balance()
	token, err := s.initiator.Initiate(ctx, domain.PaymentInitiation{
		SaleID:     sale.ID,
		SaleNumber: sale.SaleNumber,
		Amount:     amount,
		Phone:      phone,
	})
	if err != nil {
		return "", &domain.IntegrationFailureError{Integration: "mpesa", Err: err}
	}

	now := s.now()
	correlation := domain.PaymentCorrelation{
		Token:     token,
		SaleID:    sale.ID,
		Amount:    amount,
		Phone:     phone,
		Status:    domain.CorrelationPending,
		CreatedAt: now,
		ExpiresAt: now.Add(s.correlationTTL),
	}
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertCorrelation(ctx, correlation)
	})
	if err != nil {
		return "", fmt.Errorf("register correlation %s: %w", token, err)
	}
	s.events.PaymentPushed(saleEvent(sale, now), phone)
	s.logger.Info("payment push sent",
		zap.String("sale_id", sale.ID),
		zap.String("correlation_token", token),
		zap.String("amount", amount.StringFixed(2)),
	)
	return token, nil
}

// recordPayment inserts p against sale and refreshes the sale's paid amount
// and payment status in memory. The caller persists the sale.
func (s *Service) recordPayment(ctx context.Context, tx store.Tx, sale *domain.Sale, p domain.SalePayment) (*domain.SalePayment, error) {
	existing, err := tx.ListPayments(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	p.ID = xid.New("pay")
	p.SaleID = sale.ID
	p.PaymentNumber = fmt.Sprintf("%s-P%02d", sale.SaleNumber, len(existing)+1)
	p.Amount = pricing.Round(p.Amount)
	p.CreatedAt = now
	if err := tx.InsertPayment(ctx, p); err != nil {
		return nil, err
	}

	paid := decimal.Zero
	for _, prev := range append(existing, p) {
		if prev.Status == domain.PaymentRecordCompleted {
			paid = paid.Add(prev.Amount)
		}
	}
	sale.PaidAmount = pricing.Round(paid)
	sale.PaymentStatus = derivePaymentStatus(sale.PaidAmount, sale.TotalAmount)
	sale.UpdatedAt = now
	return &p, nil
}

func derivePaymentStatus(paid decimal.Decimal, total decimal.Decimal) domain.PaymentStatus {
	switch {
	case paid.GreaterThanOrEqual(total):
		return domain.PaymentPaid
	case paid.IsPositive():
		return domain.PaymentPartial
	default:
		return domain.PaymentPending
	}
}

func initialStatus(req domain.CreateSaleRequest) domain.SaleStatus {
	switch {
	case req.PaymentMethod.Async():
		return domain.SaleProcessing
	case req.DeferCompletion:
		return domain.SaleConfirmed
	default:
		return domain.SaleCompleted
	}
}

func sortedProductIDs(items []domain.SaleItemRequest) []string {
	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.ProductID]; ok {
			continue
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	sort.Strings(ids)
	return ids
}

// AddPayment records a payment against an open sale. It opens its own unit
// of work; a repeated (method, reference) pair returns the payment already
// on file instead of a second one.
func (s *Service) AddPayment(ctx context.Context, saleID string, req domain.AddPaymentRequest) (*domain.AddPaymentResponse, error) {
	req.Reference = strings.TrimSpace(req.Reference)
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, domain.NewValidationError("amount", "must be greater than 0")
	}
	if req.Method.Async() && !s.features.Enabled(ctx, integration.FeatureMpesa) {
		return nil, domain.NewValidationError("payment_method", "mpesa payments are disabled")
	}

	if req.Reference != "" {
		if resp, err := s.existingPayment(ctx, saleID, req.Method, req.Reference); resp != nil || err != nil {
			return resp, err
		}
	}

	var (
		payment *domain.SalePayment
		sale    *domain.Sale
	)
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if current.Status == domain.SaleCancelled {
			return &domain.InvalidStateTransitionError{SaleID: saleID, From: current.Status, To: domain.SaleCancelled}
		}
		paidAt := s.now()
		payment, err = s.recordPayment(ctx, tx, current, domain.SalePayment{
			Amount:    req.Amount,
			Method:    req.Method,
			Reference: req.Reference,
			Status:    domain.PaymentRecordCompleted,
			Notes:     strings.TrimSpace(req.Notes),
			PaidAt:    &paidAt,
		})
		if err != nil {
			return err
		}
		if err := tx.UpdateSale(ctx, *current); err != nil {
			return err
		}
		sale, err = tx.LockSale(ctx, saleID)
		return err
	})
	if errors.Is(err, store.ErrDuplicate) && req.Reference != "" {
		// Lost a race with an identical request.
		if resp, lookupErr := s.existingPayment(ctx, saleID, req.Method, req.Reference); resp != nil || lookupErr != nil {
			return resp, lookupErr
		}
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment recorded",
		zap.String("sale_id", saleID),
		zap.String("payment_number", payment.PaymentNumber),
		zap.String("method", string(payment.Method)),
		zap.String("amount", payment.Amount.StringFixed(2)),
		zap.String("payment_status", string(sale.PaymentStatus)),
	)
	return &domain.AddPaymentResponse{Payment: payment, Sale: sale}, nil
}

// existingPayment returns (nil, nil) when no completed payment carries the
// reference yet.
func (s *Service) existingPayment(ctx context.Context, saleID string, method domain.PaymentMethod, reference string) (*domain.AddPaymentResponse, error) {
	existing, err := s.repo.FindPaymentByReference(ctx, method, reference)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.SaleID != saleID {
		return nil, domain.NewValidationError("reference", "reference already used by another sale")
	}
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("duplicate payment ignored",
		zap.String("sale_id", saleID),
		zap.String("reference", reference),
	)
	return &domain.AddPaymentResponse{Payment: existing, Sale: sale, Duplicate: true}, nil
}

// CompleteSale closes a confirmed or processing sale.
func (s *Service) CompleteSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	var sale *domain.Sale
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if err := s.completeTx(ctx, tx, current); err != nil {
			return err
		}
		sale = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("sale completed", zap.String("sale_id", sale.ID), zap.String("actor", actorName(ctx)))
	s.events.SaleCompleted(saleEvent(sale, s.now()))
	return sale, nil
}

func (s *Service) completeTx(ctx context.Context, tx store.Tx, sale *domain.Sale) error {
	if sale.Status == domain.SaleDraft || !domain.CanTransition(sale.Status, domain.SaleCompleted) {
		return &domain.InvalidStateTransitionError{SaleID: sale.ID, From: sale.Status, To: domain.SaleCompleted}
	}
	now := s.now()
	sale.Status = domain.SaleCompleted
	sale.CompletedAt = &now
	sale.UpdatedAt = now
	return tx.UpdateSale(ctx, *sale)
}

func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, saleID)
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListSales(ctx, filter)
}

// RetryPayment re-sends the mobile-money prompt for a processing sale. Any
// request still pending for the sale is expired first so only the new token
// can settle it.
func (s *Service) RetryPayment(ctx context.Context, saleID string, req domain.RetryPaymentRequest) (*domain.Sale, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if !s.features.Enabled(ctx, integration.FeatureMpesa) {
		return nil, domain.NewValidationError("payment_method", "mpesa payments are disabled")
	}
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.Status != domain.SaleProcessing || !sale.PaymentMethod.Async() {
		return nil, &domain.InvalidStateTransitionError{SaleID: saleID, From: sale.Status, To: domain.SaleProcessing}
	}
	if !sale.Balance().IsPositive() {
		return nil, domain.NewValidationError("sale", "nothing left to pay")
	}

	previous, err := s.repo.ListCorrelationsBySale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	phone := strings.TrimSpace(req.Phone)
	if phone == "" {
		for i := len(previous) - 1; i >= 0; i-- {
			if previous[i].Phone != "" {
				phone = previous[i].Phone
				break
			}
		}
	}
	phone, err = mpesa.NormalizePhone(phone)
	if err != nil {
		return nil, domain.NewValidationError("phone", err.Error())
	}

	now := s.now()
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, c := range previous {
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
			locked.ResultDesc = "superseded by retry"
			locked.ResolvedAt = &now
			if err := tx.UpdateCorrelation(ctx, *locked); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.pushPayment(ctx, sale, phone); err != nil {
		return nil, err
	}
	return s.repo.GetSale(ctx, saleID)
}
