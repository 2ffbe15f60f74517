package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

// memTx runs with Store.mu held for writing.
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) InsertProduct(_ context.Context, product domain.Product) error {
	s := t.s
	if _, exists := s.products[product.ID]; exists {
		return store.ErrDuplicate
	}
	sku := strings.ToUpper(product.SKU)
	if _, taken := s.skuIndex[sku]; taken {
		return store.ErrDuplicate
	}
	if product.Barcode != "" {
		if _, taken := s.barcodeIndex[product.Barcode]; taken {
			return store.ErrDuplicate
		}
		s.barcodeIndex[product.Barcode] = product.ID
	}
	product.SKU = sku
	s.products[product.ID] = product
	s.skuIndex[sku] = product.ID
	t.onRollback(func() {
		delete(s.products, product.ID)
		delete(s.skuIndex, sku)
		if product.Barcode != "" {
			delete(s.barcodeIndex, product.Barcode)
		}
	})
	return nil
}

func (t *memTx) LockProduct(_ context.Context, productID string) (*domain.Product, error) {
	p, ok := t.s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (t *memTx) LockProducts(_ context.Context, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := t.s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (t *memTx) SetProductStock(_ context.Context, productID string, qty int, at time.Time) error {
	s := t.s
	prev, ok := s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	next := prev
	next.StockQuantity = qty
	next.UpdatedAt = at
	s.products[productID] = next
	t.onRollback(func() { s.products[productID] = prev })
	return nil
}

func (t *memTx) LockLocationStock(_ context.Context, productID string, locationID string) (int, error) {
	return t.s.locationStock[productID][locationID].Quantity, nil
}

func (t *memTx) SetLocationStock(_ context.Context, productID string, locationID string, qty int, at time.Time) error {
	s := t.s
	rows, ok := s.locationStock[productID]
	if !ok {
		rows = make(map[string]domain.LocationStock)
		s.locationStock[productID] = rows
	}
	prev, existed := rows[locationID]
	rows[locationID] = domain.LocationStock{ProductID: productID, LocationID: locationID, Quantity: qty, UpdatedAt: at}
	t.onRollback(func() {
		if existed {
			rows[locationID] = prev
		} else {
			delete(rows, locationID)
		}
	})
	return nil
}

func (t *memTx) InsertMovement(_ context.Context, movement *domain.StockMovement) error {
	s := t.s
	prevSeq := s.movementSeq
	prevLen := len(s.movements)
	s.movementSeq++
	movement.Sequence = s.movementSeq
	s.movements = append(s.movements, *movement)
	t.onRollback(func() {
		s.movements = s.movements[:prevLen]
		s.movementSeq = prevSeq
	})
	return nil
}

func (t *memTx) FindOpenAlert(_ context.Context, productID string, locationID string, alertType domain.AlertType) (*domain.StockAlert, error) {
	for _, id := range t.s.alertOrder {
		alert := t.s.alerts[id]
		if alert.ProductID == productID && alert.LocationID == locationID && alert.Type == alertType && !alert.IsResolved {
			return &alert, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) InsertAlert(_ context.Context, alert domain.StockAlert) error {
	s := t.s
	prevLen := len(s.alertOrder)
	s.alerts[alert.ID] = alert
	s.alertOrder = append(s.alertOrder, alert.ID)
	t.onRollback(func() {
		delete(s.alerts, alert.ID)
		s.alertOrder = s.alertOrder[:prevLen]
	})
	return nil
}

func (t *memTx) ResolveAlert(_ context.Context, alertID string, resolvedBy string, at time.Time) error {
	s := t.s
	prev, ok := s.alerts[alertID]
	if !ok {
		return store.ErrNotFound
	}
	next := prev
	next.IsResolved = true
	next.ResolvedBy = resolvedBy
	resolvedAt := at
	next.ResolvedAt = &resolvedAt
	s.alerts[alertID] = next
	t.onRollback(func() { s.alerts[alertID] = prev })
	return nil
}

func (t *memTx) NextSaleSequence(_ context.Context, day time.Time) (int, error) {
	s := t.s
	key := day.Format("20060102")
	prev := s.saleSeqByDay[key]
	s.saleSeqByDay[key] = prev + 1
	t.onRollback(func() { s.saleSeqByDay[key] = prev })
	return prev + 1, nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	s := t.s
	if _, exists := s.sales[sale.ID]; exists {
		return store.ErrDuplicate
	}
	for _, id := range s.saleOrder {
		if s.sales[id].SaleNumber == sale.SaleNumber {
			return store.ErrDuplicate
		}
	}
	sale.Payments = nil
	s.sales[sale.ID] = cloneSale(sale)
	prevLen := len(s.saleOrder)
	s.saleOrder = append(s.saleOrder, sale.ID)
	t.onRollback(func() {
		delete(s.sales, sale.ID)
		s.saleOrder = s.saleOrder[:prevLen]
	})
	return nil
}

func (t *memTx) LockSale(_ context.Context, saleID string) (*domain.Sale, error) {
	sale, ok := t.s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	out.Payments = slices.Clone(t.s.paymentsBySale[saleID])
	return &out, nil
}

func (t *memTx) UpdateSale(_ context.Context, sale domain.Sale) error {
	s := t.s
	prev, ok := s.sales[sale.ID]
	if !ok {
		return store.ErrNotFound
	}
	next := prev
	next.Status = sale.Status
	next.PaymentStatus = sale.PaymentStatus
	next.PaidAmount = sale.PaidAmount
	next.Notes = sale.Notes
	next.UpdatedAt = sale.UpdatedAt
	next.CompletedAt = sale.CompletedAt
	next.CancelledAt = sale.CancelledAt
	s.sales[sale.ID] = next
	t.onRollback(func() { s.sales[sale.ID] = prev })
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, payment domain.SalePayment) error {
	s := t.s
	if _, ok := s.sales[payment.SaleID]; !ok {
		return store.ErrNotFound
	}
	refKey := ""
	if payment.Reference != "" && payment.Status == domain.PaymentRecordCompleted {
		refKey = paymentRefKey(payment.Method, payment.Reference)
		if _, taken := s.paymentRefs[refKey]; taken {
			return store.ErrDuplicate
		}
		s.paymentRefs[refKey] = payment.ID
	}
	prevLen := len(s.paymentsBySale[payment.SaleID])
	s.paymentsBySale[payment.SaleID] = append(s.paymentsBySale[payment.SaleID], payment)
	t.onRollback(func() {
		s.paymentsBySale[payment.SaleID] = s.paymentsBySale[payment.SaleID][:prevLen]
		if refKey != "" {
			delete(s.paymentRefs, refKey)
		}
	})
	return nil
}

func (t *memTx) ListPayments(_ context.Context, saleID string) ([]domain.SalePayment, error) {
	payments := slices.Clone(t.s.paymentsBySale[saleID])
	sort.SliceStable(payments, func(i, j int) bool { return payments[i].CreatedAt.Before(payments[j].CreatedAt) })
	return payments, nil
}

func (t *memTx) InsertCorrelation(_ context.Context, correlation domain.PaymentCorrelation) error {
	s := t.s
	if _, exists := s.correlations[correlation.Token]; exists {
		return store.ErrDuplicate
	}
	s.correlations[correlation.Token] = correlation
	t.onRollback(func() { delete(s.correlations, correlation.Token) })
	return nil
}

func (t *memTx) LockCorrelation(_ context.Context, token string) (*domain.PaymentCorrelation, error) {
	c, ok := t.s.correlations[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (t *memTx) UpdateCorrelation(_ context.Context, correlation domain.PaymentCorrelation) error {
	s := t.s
	prev, ok := s.correlations[correlation.Token]
	if !ok {
		return store.ErrNotFound
	}
	s.correlations[correlation.Token] = correlation
	t.onRollback(func() { s.correlations[correlation.Token] = prev })
	return nil
}
