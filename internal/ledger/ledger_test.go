package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/store/memory"
)

func newTestLedger(t *testing.T, opts Options) (*Ledger, *memory.Store) {
	t.Helper()
	repo := memory.New()
	return New(repo, zaptest.NewLogger(t), opts), repo
}

func seedProduct(t *testing.T, l *Ledger, repo *memory.Store, id string, reorder int, opening int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	err := repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertProduct(ctx, domain.Product{
			ID:           id,
			SKU:          "SKU-" + id,
			Name:         "Product " + id,
			SellingPrice: decimal.NewFromInt(100),
			TaxRate:      decimal.NewFromInt(16),
			TrackStock:   true,
			ReorderLevel: reorder,
			CreatedAt:    now,
			UpdatedAt:    now,
		}); err != nil {
			return err
		}
		if opening == 0 {
			return nil
		}
		_, err := l.Apply(ctx, tx, domain.MovementCommand{
			ProductID: id,
			Quantity:  opening,
			Type:      domain.MovementOpeningBalance,
		})
		return err
	})
	require.NoError(t, err)
}

func apply(t *testing.T, l *Ledger, repo *memory.Store, cmd domain.MovementCommand) (*domain.StockMovement, error) {
	t.Helper()
	var movement *domain.StockMovement
	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		movement, err = l.Apply(ctx, tx, cmd)
		return err
	})
	return movement, err
}

func openAlerts(t *testing.T, repo *memory.Store, productID string) map[domain.AlertType]int {
	t.Helper()
	alerts, err := repo.ListAlerts(context.Background(), domain.AlertFilter{ProductID: productID})
	require.NoError(t, err)
	counts := map[domain.AlertType]int{}
	for _, a := range alerts {
		counts[a.Type]++
	}
	return counts
}

func TestApplyKeepsChainAndTotals(t *testing.T) {
	l, repo := newTestLedger(t, Options{})
	seedProduct(t, l, repo, "p1", 2, 20)

	steps := []domain.MovementCommand{
		{ProductID: "p1", Quantity: -3, Type: domain.MovementSale},
		{ProductID: "p1", Quantity: 5, Type: domain.MovementPurchase},
		{ProductID: "p1", Quantity: -1, Type: domain.MovementDamage},
		{ProductID: "p1", Quantity: 2, Type: domain.MovementReturn},
		{ProductID: "p1", Quantity: -4, Type: domain.MovementAdjustment},
	}
	for _, cmd := range steps {
		_, err := apply(t, l, repo, cmd)
		require.NoError(t, err)
	}

	product, err := repo.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 19, product.StockQuantity)

	movements, err := repo.ListMovements(context.Background(), "p1", 0)
	require.NoError(t, err)
	require.Len(t, movements, 6)
	for i := 1; i < len(movements); i++ {
		assert.Equal(t, movements[i-1].QuantityAfter, movements[i].QuantityBefore)
		assert.Equal(t, movements[i].Quantity, movements[i].QuantityAfter-movements[i].QuantityBefore)
		assert.Greater(t, movements[i].Sequence, movements[i-1].Sequence)
	}

	report, err := l.VerifyChain(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, report.Consistent, "discrepancies: %v", report.Discrepancies)
	assert.Equal(t, 0, report.OpeningQuantity)
	assert.Equal(t, 19, report.SignedDeltaTotal)
}

func TestApplyRejectsSignMismatch(t *testing.T) {
	l, repo := newTestLedger(t, Options{})
	seedProduct(t, l, repo, "p1", 0, 10)

	cases := []domain.MovementCommand{
		{ProductID: "p1", Quantity: 1, Type: domain.MovementSale},
		{ProductID: "p1", Quantity: -1, Type: domain.MovementPurchase},
		{ProductID: "p1", Quantity: 0, Type: domain.MovementAdjustment},
		{ProductID: "p1", Quantity: 1, Type: "gift"},
	}
	for _, cmd := range cases {
		_, err := apply(t, l, repo, cmd)
		assert.ErrorIs(t, err, domain.ErrValidation, "type %s qty %d", cmd.Type, cmd.Quantity)
	}

	movements, err := repo.ListMovements(context.Background(), "p1", 0)
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestApplyInsufficientStockWritesNothing(t *testing.T) {
	l, repo := newTestLedger(t, Options{})
	seedProduct(t, l, repo, "p1", 0, 2)

	_, err := apply(t, l, repo, domain.MovementCommand{ProductID: "p1", Quantity: -3, Type: domain.MovementSale})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 2, stockErr.Available)
	assert.Equal(t, 3, stockErr.Requested)
	assert.Equal(t, -1, stockErr.LineIndex)

	product, err := repo.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, product.StockQuantity)
}

// Stock 12 with reorder level 10: selling 3 opens a low stock alert and
// selling down to zero swaps it for an out of stock alert.
func TestAlertLifecycle(t *testing.T) {
	l, repo := newTestLedger(t, Options{})
	seedProduct(t, l, repo, "p1", 10, 12)
	assert.Empty(t, openAlerts(t, repo, "p1"))

	_, err := apply(t, l, repo, domain.MovementCommand{ProductID: "p1", Quantity: -3, Type: domain.MovementSale})
	require.NoError(t, err)
	assert.Equal(t, map[domain.AlertType]int{domain.AlertLowStock: 1}, openAlerts(t, repo, "p1"))

	// still low; no duplicate alert
	_, err = apply(t, l, repo, domain.MovementCommand{ProductID: "p1", Quantity: -1, Type: domain.MovementSale})
	require.NoError(t, err)
	assert.Equal(t, map[domain.AlertType]int{domain.AlertLowStock: 1}, openAlerts(t, repo, "p1"))

	_, err = apply(t, l, repo, domain.MovementCommand{ProductID: "p1", Quantity: -8, Type: domain.MovementSale})
	require.NoError(t, err)
	assert.Equal(t, map[domain.AlertType]int{domain.AlertOutOfStock: 1}, openAlerts(t, repo, "p1"))

	_, err = apply(t, l, repo, domain.MovementCommand{ProductID: "p1", Quantity: 50, Type: domain.MovementPurchase})
	require.NoError(t, err)
	assert.Empty(t, openAlerts(t, repo, "p1"))

	all, err := repo.ListAlerts(context.Background(), domain.AlertFilter{ProductID: "p1", IncludeResolved: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, a := range all {
		assert.True(t, a.IsResolved)
		assert.Equal(t, "system", a.ResolvedBy)
	}
}

func TestLocationRowsSumToProductTotal(t *testing.T) {
	l, repo := newTestLedger(t, Options{TrackLocations: true, DefaultLocationID: "main"})
	seedProduct(t, l, repo, "p1", 0, 10)
	ctx := context.Background()

	_, err := l.Receive(ctx, domain.StockReceiptRequest{ProductID: "p1", LocationID: "branch", Quantity: 4}, "manager")
	require.NoError(t, err)
	_, err = l.Transfer(ctx, domain.StockTransferRequest{ProductID: "p1", FromLocationID: "main", ToLocationID: "branch", Quantity: 3}, "manager")
	require.NoError(t, err)
	_, err = apply(t, l, repo, domain.MovementCommand{ProductID: "p1", LocationID: "branch", Quantity: -5, Type: domain.MovementSale})
	require.NoError(t, err)

	// branch holds 2; selling 3 there fails even though the total is 9
	_, err = apply(t, l, repo, domain.MovementCommand{ProductID: "p1", LocationID: "branch", Quantity: -3, Type: domain.MovementSale})
	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, "branch", stockErr.LocationID)
	assert.Equal(t, 2, stockErr.Available)

	rows, err := repo.ListLocationStock(ctx, "p1")
	require.NoError(t, err)
	byLocation := map[string]int{}
	for _, row := range rows {
		byLocation[row.LocationID] = row.Quantity
	}
	assert.Equal(t, map[string]int{"main": 7, "branch": 2}, byLocation)

	report, err := l.VerifyChain(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, report.Consistent, "discrepancies: %v", report.Discrepancies)
	require.NotNil(t, report.LocationTotal)
	assert.Equal(t, 9, *report.LocationTotal)
}

func TestTransferRequiresLocationTracking(t *testing.T) {
	l, repo := newTestLedger(t, Options{})
	seedProduct(t, l, repo, "p1", 0, 10)

	_, err := l.Transfer(context.Background(), domain.StockTransferRequest{ProductID: "p1", FromLocationID: "a", ToLocationID: "b", Quantity: 1}, "manager")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestTransferDoesNotRaiseAlerts(t *testing.T) {
	l, repo := newTestLedger(t, Options{TrackLocations: true, DefaultLocationID: "main"})
	seedProduct(t, l, repo, "p1", 10, 12)

	_, err := l.Transfer(context.Background(), domain.StockTransferRequest{ProductID: "p1", FromLocationID: "main", ToLocationID: "branch", Quantity: 5}, "manager")
	require.NoError(t, err)

	all, err := repo.ListAlerts(context.Background(), domain.AlertFilter{ProductID: "p1", IncludeResolved: true})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestAdjustStockCount(t *testing.T) {
	l, repo := newTestLedger(t, Options{})
	seedProduct(t, l, repo, "p1", 0, 10)
	ctx := context.Background()

	actual := 7
	movement, err := l.Adjust(ctx, domain.StockAdjustmentRequest{ProductID: "p1", ActualQuantity: &actual, Reason: "stock_count"}, "manager")
	require.NoError(t, err)
	assert.Equal(t, domain.MovementAdjustment, movement.Type)
	assert.Equal(t, -3, movement.Quantity)
	assert.Equal(t, "manager", movement.Actor)

	_, err = l.Adjust(ctx, domain.StockAdjustmentRequest{ProductID: "p1", ActualQuantity: &actual, Reason: "stock_count"}, "manager")
	assert.ErrorIs(t, err, domain.ErrValidation)

	movement, err = l.Adjust(ctx, domain.StockAdjustmentRequest{ProductID: "p1", Quantity: 2, Reason: "damaged"}, "manager")
	require.NoError(t, err)
	assert.Equal(t, domain.MovementDamage, movement.Type)
	assert.Equal(t, 5, movement.QuantityAfter)
}

func TestResolveAlertByHand(t *testing.T) {
	l, repo := newTestLedger(t, Options{})
	seedProduct(t, l, repo, "p1", 10, 5)
	ctx := context.Background()

	alerts, err := l.ListAlerts(ctx, domain.AlertFilter{ProductID: "p1"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	resolved, err := l.ResolveAlert(ctx, alerts[0].ID, "manager")
	require.NoError(t, err)
	assert.True(t, resolved.IsResolved)
	assert.Equal(t, "manager", resolved.ResolvedBy)

	again, err := l.ResolveAlert(ctx, alerts[0].ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, "manager", again.ResolvedBy)
}
