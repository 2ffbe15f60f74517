package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) InsertProduct(ctx context.Context, p domain.Product) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, p.ID, p.SKU, p.Barcode, p.Name, p.Category, p.CostPrice, p.SellingPrice, p.TaxRate,
		p.TrackStock, p.ReorderLevel, p.MaximumStock, p.StockQuantity, p.IsArchived, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *pgTx) LockProduct(ctx context.Context, productID string) (*domain.Product, error) {
	p, err := scanProduct(t.tx.QueryRowContext(ctx, `
		SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE
	`, productID))
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (t *pgTx) LockProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	ids := sortedUnique(productIDs)
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, rows.Err()
}

func (t *pgTx) SetProductStock(ctx context.Context, productID string, qty int, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products SET stock_quantity = $2, updated_at = $3 WHERE id = $1
	`, productID, qty, at)
	return affectedOne(res, err)
}

func (t *pgTx) LockLocationStock(ctx context.Context, productID string, locationID string) (int, error) {
	var qty int
	err := t.tx.QueryRowContext(ctx, `
		SELECT quantity FROM location_stock WHERE product_id = $1 AND location_id = $2 FOR UPDATE
	`, productID, locationID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		// No row yet; the product row lock already serializes writers.
		return 0, nil
	}
	return qty, err
}

func (t *pgTx) SetLocationStock(ctx context.Context, productID string, locationID string, qty int, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO location_stock (product_id, location_id, quantity, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (product_id, location_id)
		DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
	`, productID, locationID, qty, at)
	return err
}

func (t *pgTx) InsertMovement(ctx context.Context, m *domain.StockMovement) error {
	var unitCost decimal.NullDecimal
	if m.UnitCost != nil {
		unitCost = decimal.NewNullDecimal(*m.UnitCost)
	}
	return t.tx.QueryRowContext(ctx, `
		INSERT INTO stock_movements (id, product_id, location_id, type, quantity, quantity_before, quantity_after,
			unit_cost, reference_type, reference_id, notes, actor, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING sequence
	`, m.ID, m.ProductID, m.LocationID, string(m.Type), m.Quantity, m.QuantityBefore, m.QuantityAfter,
		unitCost, m.ReferenceType, m.ReferenceID, m.Notes, m.Actor, m.CreatedAt).Scan(&m.Sequence)
}

func (t *pgTx) FindOpenAlert(ctx context.Context, productID string, locationID string, alertType domain.AlertType) (*domain.StockAlert, error) {
	a, err := scanAlert(t.tx.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM stock_alerts
		WHERE product_id = $1 AND location_id = $2 AND type = $3 AND NOT is_resolved
		FOR UPDATE
	`, productID, locationID, string(alertType)))
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (t *pgTx) InsertAlert(ctx context.Context, a domain.StockAlert) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_alerts (`+alertColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, a.ID, a.ProductID, a.LocationID, string(a.Type), a.Threshold, a.CurrentQuantity, a.Message,
		a.IsResolved, nullIfZero(a.ResolvedAt), a.ResolvedBy, a.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (t *pgTx) ResolveAlert(ctx context.Context, alertID string, resolvedBy string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stock_alerts SET is_resolved = true, resolved_by = $2, resolved_at = $3 WHERE id = $1
	`, alertID, resolvedBy, at)
	return affectedOne(res, err)
}

func (t *pgTx) NextSaleSequence(ctx context.Context, day time.Time) (int, error) {
	var seq int
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO sale_sequences (day, last_value) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET last_value = sale_sequences.last_value + 1
		RETURNING last_value
	`, day.UTC().Format("2006-01-02")).Scan(&seq)
	return seq, err
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, sale.ID, sale.SaleNumber, sale.CustomerID, sale.LocationID, sale.Channel, sale.TerminalID,
		sale.Subtotal, sale.TaxAmount, sale.DiscountAmount, sale.ShippingAmount, sale.TotalAmount, sale.PaidAmount,
		string(sale.DiscountType), sale.DiscountValue, string(sale.PaymentMethod), string(sale.PaymentStatus),
		string(sale.Status), sale.Notes, sale.Actor, sale.CreatedAt, sale.UpdatedAt,
		nullIfZero(sale.CompletedAt), nullIfZero(sale.CancelledAt))
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	if err != nil {
		return err
	}

	for i, item := range sale.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, line_no, product_id, product_name, sku, track_stock, quantity,
				unit_cost, unit_price, tax_rate, tax_amount, discount_amount, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, item.ID, sale.ID, i, item.ProductID, item.ProductName, item.SKU, item.TrackStock, item.Quantity,
			item.UnitCost, item.UnitPrice, item.TaxRate, item.TaxAmount, item.DiscountAmount, item.LineTotal)
		if err != nil {
			return fmt.Errorf("insert sale item %d: %w", i, err)
		}
	}
	return nil
}

func (t *pgTx) LockSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	sale, err := scanSale(t.tx.QueryRowContext(ctx, `
		SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE
	`, saleID))
	if err != nil {
		return nil, notFound(err)
	}
	if err := loadSaleDetails(ctx, t.tx, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (t *pgTx) UpdateSale(ctx context.Context, sale domain.Sale) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, payment_status = $3, paid_amount = $4, notes = $5, updated_at = $6,
			completed_at = $7, cancelled_at = $8
		WHERE id = $1
	`, sale.ID, string(sale.Status), string(sale.PaymentStatus), sale.PaidAmount, sale.Notes, sale.UpdatedAt,
		nullIfZero(sale.CompletedAt), nullIfZero(sale.CancelledAt))
	return affectedOne(res, err)
}

func (t *pgTx) InsertPayment(ctx context.Context, p domain.SalePayment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sale_payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, p.ID, p.PaymentNumber, p.SaleID, p.Amount, string(p.Method), p.Reference, p.CorrelationToken,
		string(p.Status), p.Notes, nullIfZero(p.PaidAt), p.CreatedAt)
	switch {
	case isUniqueViolation(err):
		return store.ErrDuplicate
	case isForeignKeyViolation(err):
		return store.ErrNotFound
	}
	return err
}

func (t *pgTx) ListPayments(ctx context.Context, saleID string) ([]domain.SalePayment, error) {
	return loadPayments(ctx, t.tx, saleID)
}

func (t *pgTx) InsertCorrelation(ctx context.Context, c domain.PaymentCorrelation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payment_correlations (`+correlationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, c.Token, c.SaleID, c.Amount, c.Phone, string(c.Status), c.Receipt, c.ResultDesc,
		c.CreatedAt, c.ExpiresAt, nullIfZero(c.ResolvedAt))
	switch {
	case isUniqueViolation(err):
		return store.ErrDuplicate
	case isForeignKeyViolation(err):
		return store.ErrNotFound
	}
	return err
}

func (t *pgTx) LockCorrelation(ctx context.Context, token string) (*domain.PaymentCorrelation, error) {
	c, err := scanCorrelation(t.tx.QueryRowContext(ctx, `
		SELECT `+correlationColumns+` FROM payment_correlations WHERE token = $1 FOR UPDATE
	`, token))
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (t *pgTx) UpdateCorrelation(ctx context.Context, c domain.PaymentCorrelation) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE payment_correlations
		SET status = $2, receipt = $3, result_desc = $4, resolved_at = $5
		WHERE token = $1
	`, c.Token, string(c.Status), c.Receipt, c.ResultDesc, nullIfZero(c.ResolvedAt))
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
