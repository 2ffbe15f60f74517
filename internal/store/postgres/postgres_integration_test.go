package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/ledger"
	"dukapos/backend/internal/service"
	"dukapos/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("DUKAPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DUKAPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func managerCtx() context.Context {
	return service.WithActor(context.Background(), domain.Actor{Username: "it-manager", Role: domain.RoleManager})
}

func TestSaleAndCancelRoundTrip(t *testing.T) {
	s := newIntegrationStore(t)
	logger := zaptest.NewLogger(t)
	svc := service.New(s, ledger.New(s, logger, ledger.Options{}), service.Config{Logger: logger})
	ctx := managerCtx()

	sku := fmt.Sprintf("IT-%d", time.Now().UnixNano())
	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU:          sku,
		Name:         "Integration Product",
		CostPrice:    decimal.NewFromInt(50),
		SellingPrice: decimal.NewFromInt(100),
		OpeningStock: 7,
	})
	require.NoError(t, err)

	resp, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:            []domain.SaleItemRequest{{ProductID: product.ID, Quantity: 3}},
		PaymentMethod:    domain.MethodCard,
		PaymentReference: "CARD-" + sku,
	})
	require.NoError(t, err)
	assert.True(t, resp.Sale.TotalAmount.Equal(decimal.RequireFromString("348")))

	stored, err := s.GetSale(context.Background(), resp.Sale.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	require.Len(t, stored.Payments, 1)

	_, err = svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:            []domain.SaleItemRequest{{ProductID: product.ID, Quantity: 1}},
		PaymentMethod:    domain.MethodCard,
		PaymentReference: "CARD-" + sku,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.CancelSale(ctx, resp.Sale.ID, "integration")
	require.NoError(t, err)
	current, err := s.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, current.StockQuantity)

	report, err := svc.VerifyStock(context.Background(), product.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent, report.Discrepancies)
}

func TestConcurrentLastUnitOnPostgres(t *testing.T) {
	s := newIntegrationStore(t)
	logger := zaptest.NewLogger(t)
	svc := service.New(s, ledger.New(s, logger, ledger.Options{}), service.Config{Logger: logger})

	product, err := svc.CreateProduct(managerCtx(), domain.ProductCreateRequest{
		SKU:          fmt.Sprintf("IT-LAST-%d", time.Now().UnixNano()),
		Name:         "Last Unit",
		SellingPrice: decimal.NewFromInt(10),
		OpeningStock: 1,
	})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateSale(managerCtx(), domain.CreateSaleRequest{
				Items:         []domain.SaleItemRequest{{ProductID: product.ID, Quantity: 1}},
				PaymentMethod: domain.MethodCash,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrInsufficientStock) && !errors.Is(err, domain.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	current, err := s.GetProduct(context.Background(), product.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, current.StockQuantity)
}

func TestWithinTxRollsBack(t *testing.T) {
	s := newIntegrationStore(t)
	id := fmt.Sprintf("prod-it-rollback-%d", time.Now().UnixNano())
	now := time.Now().UTC()

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertProduct(ctx, domain.Product{ID: id, SKU: id, Name: "rollback", Category: "general", CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = s.GetProduct(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
