package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

// Store keeps everything in maps behind one RWMutex. A unit of work holds the
// write lock from start to finish, which makes every stock check-then-apply
// linearizable; writes record undo steps so a failed unit leaves no trace.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	skuIndex        map[string]string
	barcodeIndex    map[string]string
	locationStock   map[string]map[string]domain.LocationStock
	movements       []domain.StockMovement
	movementSeq     int64
	alerts          map[string]domain.StockAlert
	alertOrder      []string
	sales           map[string]domain.Sale
	saleOrder       []string
	saleSeqByDay    map[string]int
	paymentsBySale  map[string][]domain.SalePayment
	paymentRefs     map[string]string
	correlations    map[string]domain.PaymentCorrelation
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		skuIndex:        make(map[string]string),
		barcodeIndex:    make(map[string]string),
		locationStock:   make(map[string]map[string]domain.LocationStock),
		movements:       make([]domain.StockMovement, 0, 256),
		alerts:          make(map[string]domain.StockAlert),
		sales:           make(map[string]domain.Sale),
		saleSeqByDay:    make(map[string]int),
		paymentsBySale:  make(map[string][]domain.SalePayment),
		paymentRefs:     make(map[string]string),
		correlations:    make(map[string]domain.PaymentCorrelation),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_CASHIER_PASSWORD; when unset, dev defaults are used with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"manager", managerPwd, domain.RoleManager},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a small Kenyan grocery catalog, opening
// balances recorded in the ledger, and dev users. Opening balances are booked
// at locationID only when trackLocations is set, as the ledger would.
func NewSeeded(locationID string, trackLocations bool) *Store {
	s := New()
	s.usersByUsername = seedUsers()
	switch {
	case !trackLocations:
		locationID = ""
	case locationID == "":
		locationID = "main"
	}

	now := time.Now().UTC()
	catalog := []struct {
		sku, name, category, cost, price string
		reorder, qty                     int
	}{
		{"UNGA-2KG", "Maize Flour 2kg", "grocery", "140", "185", 10, 80},
		{"SUGAR-1KG", "Sugar 1kg", "grocery", "150", "190", 10, 60},
		{"MILK-500", "Fresh Milk 500ml", "dairy", "45", "65", 20, 120},
		{"BREAD-400", "White Bread 400g", "bakery", "50", "65", 15, 40},
		{"TEA-100", "Tea Leaves 100g", "beverage", "70", "110", 5, 30},
		{"SOAP-BAR", "Bar Soap 800g", "household", "160", "230", 5, 25},
		{"AIRTIME-100", "Airtime 100", "services", "97", "100", 0, 0},
	}
	for _, c := range catalog {
		p := domain.Product{
			ID:            xid.New("prod"),
			SKU:           c.sku,
			Name:          c.name,
			Category:      c.category,
			CostPrice:     decimal.RequireFromString(c.cost),
			SellingPrice:  decimal.RequireFromString(c.price),
			TaxRate:       decimal.NewFromInt(16),
			TrackStock:    c.category != "services",
			ReorderLevel:  c.reorder,
			StockQuantity: c.qty,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		s.products[p.ID] = p
		s.skuIndex[p.SKU] = p.ID
		if !p.TrackStock || c.qty == 0 {
			continue
		}
		if trackLocations {
			s.locationStock[p.ID] = map[string]domain.LocationStock{
				locationID: {ProductID: p.ID, LocationID: locationID, Quantity: c.qty, UpdatedAt: now},
			}
		}
		s.movementSeq++
		s.movements = append(s.movements, domain.StockMovement{
			ID:             xid.New("mov"),
			Sequence:       s.movementSeq,
			ProductID:      p.ID,
			LocationID:     locationID,
			Type:           domain.MovementOpeningBalance,
			Quantity:       c.qty,
			QuantityBefore: 0,
			QuantityAfter:  c.qty,
			Notes:          "seed",
			Actor:          "system",
			CreatedAt:      now,
		})
	}
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn store.TxFunc) (err error) {
	if tx, ok := store.TxFromContext(ctx); ok {
		return fn(ctx, tx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(store.ContextWithTx(ctx, tx), tx)
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.skuIndex[strings.ToUpper(strings.TrimSpace(sku))]
	if !ok {
		return nil, store.ErrNotFound
	}
	p := s.products[id]
	return &p, nil
}

func (s *Store) ListProducts(_ context.Context, includeArchived bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.IsArchived && !includeArchived {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Category == result[j].Category {
			return result[i].Name < result[j].Name
		}
		return result[i].Category < result[j].Category
	})
	return result, nil
}

// UpdateProduct writes catalog fields. Stock quantity is kept from the stored
// row so only the ledger changes it.
func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if product.Barcode != "" {
		if owner, taken := s.barcodeIndex[product.Barcode]; taken && owner != product.ID {
			return nil, store.ErrDuplicate
		}
	}
	if existing.Barcode != "" {
		delete(s.barcodeIndex, existing.Barcode)
	}
	if product.Barcode != "" {
		s.barcodeIndex[product.Barcode] = product.ID
	}

	product.SKU = existing.SKU
	product.StockQuantity = existing.StockQuantity
	product.CreatedAt = existing.CreatedAt
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) ListMovements(_ context.Context, productID string, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockMovement, 0, 32)
	for _, m := range s.movements {
		if productID == "" || m.ProductID == productID {
			result = append(result, m)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return slices.Clone(result), nil
}

func (s *Store) ListLocationStock(_ context.Context, productID string) ([]domain.LocationStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.LocationStock, 0, len(s.locationStock[productID]))
	for _, row := range s.locationStock[productID] {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LocationID < rows[j].LocationID })
	return rows, nil
}

func (s *Store) ListAlerts(_ context.Context, filter domain.AlertFilter) ([]domain.StockAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockAlert, 0, 16)
	for i := len(s.alertOrder) - 1; i >= 0; i-- {
		alert := s.alerts[s.alertOrder[i]]
		if filter.ProductID != "" && alert.ProductID != filter.ProductID {
			continue
		}
		if alert.IsResolved && !filter.IncludeResolved {
			continue
		}
		result = append(result, alert)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetAlert(_ context.Context, alertID string) (*domain.StockAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alert, ok := s.alerts[alertID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &alert, nil
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	out.Payments = slices.Clone(s.paymentsBySale[saleID])
	return &out, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 32)
	for i := len(s.saleOrder) - 1; i >= 0; i-- {
		sale := s.sales[s.saleOrder[i]]
		if filter.Status != "" && sale.Status != filter.Status {
			continue
		}
		if filter.CustomerID != "" && sale.CustomerID != filter.CustomerID {
			continue
		}
		if !filter.From.IsZero() && sale.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !sale.CreatedAt.Before(filter.To) {
			continue
		}
		result = append(result, cloneSale(sale))
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *Store) FindPaymentByReference(_ context.Context, method domain.PaymentMethod, reference string) (*domain.SalePayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findPaymentByRef(method, reference)
}

func (s *Store) findPaymentByRef(method domain.PaymentMethod, reference string) (*domain.SalePayment, error) {
	paymentID, ok := s.paymentRefs[paymentRefKey(method, reference)]
	if !ok {
		return nil, store.ErrNotFound
	}
	for _, payments := range s.paymentsBySale {
		for _, p := range payments {
			if p.ID == paymentID {
				found := p
				return &found, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetCorrelation(_ context.Context, token string) (*domain.PaymentCorrelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.correlations[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) ListPendingCorrelations(_ context.Context, expiresBefore time.Time, limit int) ([]domain.PaymentCorrelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PaymentCorrelation, 0, 8)
	for _, c := range s.correlations {
		if c.Status != domain.CorrelationPending || !c.ExpiresAt.Before(expiresBefore) {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListCorrelationsBySale(_ context.Context, saleID string) ([]domain.PaymentCorrelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PaymentCorrelation, 0, 2)
	for _, c := range s.correlations {
		if c.SaleID == saleID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return fmt.Errorf("username required")
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(username))
	user, ok := s.usersByUsername[key]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[key] = user
	return nil
}

func cloneSale(sale domain.Sale) domain.Sale {
	out := sale
	out.Items = slices.Clone(sale.Items)
	out.Payments = slices.Clone(sale.Payments)
	return out
}

func paymentRefKey(method domain.PaymentMethod, reference string) string {
	return string(method) + "|" + reference
}
