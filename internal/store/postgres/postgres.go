package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction. Rows that decide a write
// are taken with SELECT ... FOR UPDATE by the Tx methods.
func (s *Store) WithinTx(ctx context.Context, fn store.TxFunc) error {
	if tx, ok := store.TxFromContext(ctx); ok {
		return fn(ctx, tx)
	}

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapTxError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &pgTx{tx: sqlTx}
	if err := fn(store.ContextWithTx(ctx, tx), tx); err != nil {
		return mapTxError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapTxError(err)
	}
	return nil
}

const productColumns = `id, sku, barcode, name, category, cost_price, selling_price, tax_rate,
	track_stock, reorder_level, maximum_stock, stock_quantity, is_archived, created_at, updated_at`

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE sku = $1`,
		strings.ToUpper(strings.TrimSpace(sku))))
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, includeArchived bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE $1 OR NOT is_archived
		ORDER BY category, name
	`, includeArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

// UpdateProduct writes catalog fields only. sku, stock_quantity and
// created_at are never changed here.
func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	updated, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET barcode = $2, name = $3, category = $4, cost_price = $5, selling_price = $6, tax_rate = $7,
			track_stock = $8, reorder_level = $9, maximum_stock = $10, is_archived = $11, updated_at = $12
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Barcode, product.Name, product.Category, product.CostPrice, product.SellingPrice,
		product.TaxRate, product.TrackStock, product.ReorderLevel, product.MaximumStock, product.IsArchived,
		product.UpdatedAt,
	))
	if isUniqueViolation(err) {
		return nil, store.ErrDuplicate
	}
	if err != nil {
		return nil, notFound(err)
	}
	return &updated, nil
}

const movementColumns = `id, sequence, product_id, location_id, type, quantity, quantity_before, quantity_after,
	unit_cost, reference_type, reference_id, notes, actor, created_at`

// ListMovements returns movements in ledger order. A positive limit keeps
// the most recent ones.
func (s *Store) ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE ($1 = '' OR product_id = $1) ORDER BY sequence ASC`
	args := []any{productID}
	if limit > 0 {
		query = `SELECT * FROM (SELECT ` + movementColumns + ` FROM stock_movements
			WHERE ($1 = '' OR product_id = $1) ORDER BY sequence DESC LIMIT $2) recent ORDER BY sequence ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, 32)
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) ListLocationStock(ctx context.Context, productID string) ([]domain.LocationStock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, location_id, quantity, updated_at
		FROM location_stock
		WHERE product_id = $1
		ORDER BY location_id
	`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.LocationStock, 0, 4)
	for rows.Next() {
		var row domain.LocationStock
		if err := rows.Scan(&row.ProductID, &row.LocationID, &row.Quantity, &row.UpdatedAt); err != nil {
			return nil, err
		}
		row.UpdatedAt = row.UpdatedAt.UTC()
		result = append(result, row)
	}
	return result, rows.Err()
}

const alertColumns = `id, product_id, location_id, type, threshold, current_quantity, message,
	is_resolved, resolved_at, resolved_by, created_at`

func (s *Store) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.StockAlert, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM stock_alerts
		WHERE ($1 = '' OR product_id = $1) AND ($2 OR NOT is_resolved)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, filter.ProductID, filter.IncludeResolved, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := make([]domain.StockAlert, 0, 16)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *Store) GetAlert(ctx context.Context, alertID string) (*domain.StockAlert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM stock_alerts WHERE id = $1`, alertID))
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

const saleColumns = `id, sale_number, customer_id, location_id, channel, terminal_id, subtotal, tax_amount,
	discount_amount, shipping_amount, total_amount, paid_amount, discount_type, discount_value,
	payment_method, payment_status, status, notes, actor, created_at, updated_at, completed_at, cancelled_at`

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	sale, err := scanSale(s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, saleID))
	if err != nil {
		return nil, notFound(err)
	}
	if err := loadSaleDetails(ctx, s.db, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	var from, to any
	if !filter.From.IsZero() {
		from = filter.From
	}
	if !filter.To.IsZero() {
		to = filter.To
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE ($1 = '' OR status = $1)
			AND ($2 = '' OR customer_id = $2)
			AND ($3::timestamptz IS NULL OR created_at >= $3)
			AND ($4::timestamptz IS NULL OR created_at < $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`, string(filter.Status), filter.CustomerID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items, err := loadItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

const paymentColumns = `id, payment_number, sale_id, amount, method, reference, correlation_token, status, notes, paid_at, created_at`

func (s *Store) FindPaymentByReference(ctx context.Context, method domain.PaymentMethod, reference string) (*domain.SalePayment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM sale_payments
		WHERE method = $1 AND reference = $2 AND status = 'completed'
	`, string(method), reference))
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

const correlationColumns = `token, sale_id, amount, phone, status, receipt, result_desc, created_at, expires_at, resolved_at`

func (s *Store) GetCorrelation(ctx context.Context, token string) (*domain.PaymentCorrelation, error) {
	c, err := scanCorrelation(s.db.QueryRowContext(ctx, `SELECT `+correlationColumns+` FROM payment_correlations WHERE token = $1`, token))
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) ListPendingCorrelations(ctx context.Context, expiresBefore time.Time, limit int) ([]domain.PaymentCorrelation, error) {
	if limit < 1 {
		limit = 200
	}
	return s.listCorrelations(ctx, `
		SELECT `+correlationColumns+`
		FROM payment_correlations
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, expiresBefore, limit)
}

func (s *Store) ListCorrelationsBySale(ctx context.Context, saleID string) ([]domain.PaymentCorrelation, error) {
	return s.listCorrelations(ctx, `
		SELECT `+correlationColumns+`
		FROM payment_correlations
		WHERE sale_id = $1
		ORDER BY created_at ASC
	`, saleID)
}

func (s *Store) listCorrelations(ctx context.Context, query string, args ...any) ([]domain.PaymentCorrelation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.PaymentCorrelation, 0, 8)
	for rows.Next() {
		c, err := scanCorrelation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("username and password are required")
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username)), password)
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

type scanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanProduct(row scanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Barcode, &p.Name, &p.Category, &p.CostPrice, &p.SellingPrice, &p.TaxRate,
		&p.TrackStock, &p.ReorderLevel, &p.MaximumStock, &p.StockQuantity, &p.IsArchived, &p.CreatedAt, &p.UpdatedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, err
}

func scanMovement(row scanner) (domain.StockMovement, error) {
	var (
		m        domain.StockMovement
		kind     string
		unitCost decimal.NullDecimal
	)
	err := row.Scan(&m.ID, &m.Sequence, &m.ProductID, &m.LocationID, &kind, &m.Quantity, &m.QuantityBefore,
		&m.QuantityAfter, &unitCost, &m.ReferenceType, &m.ReferenceID, &m.Notes, &m.Actor, &m.CreatedAt)
	m.Type = domain.MovementType(kind)
	if unitCost.Valid {
		m.UnitCost = &unitCost.Decimal
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, err
}

func scanAlert(row scanner) (domain.StockAlert, error) {
	var (
		a          domain.StockAlert
		kind       string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.ProductID, &a.LocationID, &kind, &a.Threshold, &a.CurrentQuantity, &a.Message,
		&a.IsResolved, &resolvedAt, &a.ResolvedBy, &a.CreatedAt)
	a.Type = domain.AlertType(kind)
	a.ResolvedAt = timePtr(resolvedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, err
}

func scanSale(row scanner) (domain.Sale, error) {
	var (
		sale                                   domain.Sale
		discountType, method, payStatus, state string
		completedAt, cancelledAt               sql.NullTime
	)
	err := row.Scan(&sale.ID, &sale.SaleNumber, &sale.CustomerID, &sale.LocationID, &sale.Channel, &sale.TerminalID,
		&sale.Subtotal, &sale.TaxAmount, &sale.DiscountAmount, &sale.ShippingAmount, &sale.TotalAmount, &sale.PaidAmount,
		&discountType, &sale.DiscountValue, &method, &payStatus, &state, &sale.Notes, &sale.Actor,
		&sale.CreatedAt, &sale.UpdatedAt, &completedAt, &cancelledAt)
	sale.DiscountType = domain.DiscountType(discountType)
	sale.PaymentMethod = domain.PaymentMethod(method)
	sale.PaymentStatus = domain.PaymentStatus(payStatus)
	sale.Status = domain.SaleStatus(state)
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.UpdatedAt = sale.UpdatedAt.UTC()
	sale.CompletedAt = timePtr(completedAt)
	sale.CancelledAt = timePtr(cancelledAt)
	return sale, err
}

func scanPayment(row scanner) (domain.SalePayment, error) {
	var (
		p              domain.SalePayment
		method, status string
		paidAt         sql.NullTime
	)
	err := row.Scan(&p.ID, &p.PaymentNumber, &p.SaleID, &p.Amount, &method, &p.Reference, &p.CorrelationToken,
		&status, &p.Notes, &paidAt, &p.CreatedAt)
	p.Method = domain.PaymentMethod(method)
	p.Status = domain.PaymentRecord(status)
	p.PaidAt = timePtr(paidAt)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, err
}

func scanCorrelation(row scanner) (domain.PaymentCorrelation, error) {
	var (
		c          domain.PaymentCorrelation
		status     string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&c.Token, &c.SaleID, &c.Amount, &c.Phone, &status, &c.Receipt, &c.ResultDesc,
		&c.CreatedAt, &c.ExpiresAt, &resolvedAt)
	c.Status = domain.CorrelationStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.ResolvedAt = timePtr(resolvedAt)
	return c, err
}

// loadSaleDetails fills items and payments; q is the pool or the open tx.
func loadSaleDetails(ctx context.Context, q queryer, sale *domain.Sale) error {
	items, err := loadItems(ctx, q, []string{sale.ID})
	if err != nil {
		return err
	}
	sale.Items = items[sale.ID]
	sale.Payments, err = loadPayments(ctx, q, sale.ID)
	return err
}

func loadItems(ctx context.Context, q queryer, saleIDs []string) (map[string][]domain.SaleItem, error) {
	result := make(map[string][]domain.SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return result, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, product_id, product_name, sku, track_stock, quantity, unit_cost, unit_price,
			tax_rate, tax_amount, discount_amount, line_total
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, line_no
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.ProductName, &item.SKU, &item.TrackStock,
			&item.Quantity, &item.UnitCost, &item.UnitPrice, &item.TaxRate, &item.TaxAmount, &item.DiscountAmount,
			&item.LineTotal); err != nil {
			return nil, err
		}
		result[item.SaleID] = append(result[item.SaleID], item)
	}
	return result, rows.Err()
}

func loadPayments(ctx context.Context, q queryer, saleID string) ([]domain.SalePayment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM sale_payments
		WHERE sale_id = $1
		ORDER BY created_at ASC, payment_number ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.SalePayment, 0, 2)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullIfZero(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func sortedUnique(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func isUniqueViolation(err error) bool {
	return sqlState(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return sqlState(err) == "23503"
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// mapTxError turns serialization failures and deadlocks into a retryable
// conflict. Anything else passes through unchanged.
func mapTxError(err error) error {
	switch sqlState(err) {
	case "40001", "40P01":
		return &domain.ConflictError{Resource: "transaction", Err: err}
	default:
		return err
	}
}
