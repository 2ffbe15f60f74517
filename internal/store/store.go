package store

import (
	"context"
	"errors"
	"time"

	"dukapos/backend/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate record")
)

// TxFunc runs inside a unit of work. Returning an error rolls back every
// write made through tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Tx is the write side of a unit of work. Lock* methods hold the row until
// the unit of work ends.
type Tx interface {
	InsertProduct(ctx context.Context, product domain.Product) error
	LockProduct(ctx context.Context, productID string) (*domain.Product, error)
	// LockProducts locks in ascending id order. Unknown ids are absent from
	// the result.
	LockProducts(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	SetProductStock(ctx context.Context, productID string, qty int, at time.Time) error
	LockLocationStock(ctx context.Context, productID string, locationID string) (int, error)
	SetLocationStock(ctx context.Context, productID string, locationID string, qty int, at time.Time) error
	InsertMovement(ctx context.Context, movement *domain.StockMovement) error

	FindOpenAlert(ctx context.Context, productID string, locationID string, alertType domain.AlertType) (*domain.StockAlert, error)
	InsertAlert(ctx context.Context, alert domain.StockAlert) error
	ResolveAlert(ctx context.Context, alertID string, resolvedBy string, at time.Time) error

	NextSaleSequence(ctx context.Context, day time.Time) (int, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	LockSale(ctx context.Context, saleID string) (*domain.Sale, error)
	UpdateSale(ctx context.Context, sale domain.Sale) error

	// InsertPayment returns ErrDuplicate when a completed payment with the same
	// method and reference already exists.
	InsertPayment(ctx context.Context, payment domain.SalePayment) error
	ListPayments(ctx context.Context, saleID string) ([]domain.SalePayment, error)

	InsertCorrelation(ctx context.Context, correlation domain.PaymentCorrelation) error
	LockCorrelation(ctx context.Context, token string) (*domain.PaymentCorrelation, error)
	UpdateCorrelation(ctx context.Context, correlation domain.PaymentCorrelation) error
}

type Repository interface {
	// WithinTx joins the unit of work already carried by ctx, or opens a new
	// one that commits when fn returns nil.
	WithinTx(ctx context.Context, fn TxFunc) error

	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	ListProducts(ctx context.Context, includeArchived bool) ([]domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	ListMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)
	ListLocationStock(ctx context.Context, productID string) ([]domain.LocationStock, error)
	ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.StockAlert, error)
	GetAlert(ctx context.Context, alertID string) (*domain.StockAlert, error)

	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	FindPaymentByReference(ctx context.Context, method domain.PaymentMethod, reference string) (*domain.SalePayment, error)
	GetCorrelation(ctx context.Context, token string) (*domain.PaymentCorrelation, error)
	ListPendingCorrelations(ctx context.Context, expiresBefore time.Time, limit int) ([]domain.PaymentCorrelation, error)
	ListCorrelationsBySale(ctx context.Context, saleID string) ([]domain.PaymentCorrelation, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type txContextKey struct{}

// ContextWithTx marks ctx as carrying an open unit of work so nested
// WithinTx calls join it.
func ContextWithTx(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(Tx)
	return tx, ok && tx != nil
}
