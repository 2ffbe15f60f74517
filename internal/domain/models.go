package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            string          `json:"id"`
	SKU           string          `json:"sku"`
	Barcode       string          `json:"barcode,omitempty"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	CostPrice     decimal.Decimal `json:"cost_price"`
	SellingPrice  decimal.Decimal `json:"selling_price"`
	TaxRate       decimal.Decimal `json:"tax_rate"`
	TrackStock    bool            `json:"track_stock"`
	ReorderLevel  int             `json:"reorder_level"`
	MaximumStock  int             `json:"maximum_stock,omitempty"`
	StockQuantity int             `json:"stock_quantity"`
	IsArchived    bool            `json:"is_archived"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	SKU          string           `json:"sku" validate:"required,max=64"`
	Barcode      string           `json:"barcode" validate:"omitempty,max=64"`
	Name         string           `json:"name" validate:"required,max=200"`
	Category     string           `json:"category" validate:"omitempty,max=100"`
	CostPrice    decimal.Decimal  `json:"cost_price"`
	SellingPrice decimal.Decimal  `json:"selling_price"`
	TaxRate      *decimal.Decimal `json:"tax_rate,omitempty"`
	TrackStock   *bool            `json:"track_stock,omitempty"`
	ReorderLevel *int             `json:"reorder_level,omitempty" validate:"omitempty,min=0"`
	MaximumStock int              `json:"maximum_stock" validate:"min=0"`
	OpeningStock int              `json:"opening_stock" validate:"min=0"`
	LocationID   string           `json:"location_id"`
}

// ProductUpdateRequest carries catalog fields only; stock never changes here.
type ProductUpdateRequest struct {
	Name         *string          `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Category     *string          `json:"category,omitempty" validate:"omitempty,max=100"`
	Barcode      *string          `json:"barcode,omitempty" validate:"omitempty,max=64"`
	CostPrice    *decimal.Decimal `json:"cost_price,omitempty"`
	SellingPrice *decimal.Decimal `json:"selling_price,omitempty"`
	TaxRate      *decimal.Decimal `json:"tax_rate,omitempty"`
	TrackStock   *bool            `json:"track_stock,omitempty"`
	ReorderLevel *int             `json:"reorder_level,omitempty" validate:"omitempty,min=0"`
	MaximumStock *int             `json:"maximum_stock,omitempty" validate:"omitempty,min=0"`
	IsArchived   *bool            `json:"is_archived,omitempty"`
}

type LocationStock struct {
	ProductID  string    `json:"product_id"`
	LocationID string    `json:"location_id"`
	Quantity   int       `json:"quantity"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type StockMovement struct {
	ID             string           `json:"id"`
	Sequence       int64            `json:"sequence"`
	ProductID      string           `json:"product_id"`
	LocationID     string           `json:"location_id,omitempty"`
	Type           MovementType     `json:"type"`
	Quantity       int              `json:"quantity"`
	QuantityBefore int              `json:"quantity_before"`
	QuantityAfter  int              `json:"quantity_after"`
	UnitCost       *decimal.Decimal `json:"unit_cost,omitempty"`
	ReferenceType  string           `json:"reference_type,omitempty"`
	ReferenceID    string           `json:"reference_id,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	Actor          string           `json:"actor"`
	CreatedAt      time.Time        `json:"created_at"`
}

// MovementCommand is the input to a single ledger movement. Quantity is the
// signed delta.
type MovementCommand struct {
	ProductID     string
	LocationID    string
	Quantity      int
	Type          MovementType
	UnitCost      *decimal.Decimal
	ReferenceType string
	ReferenceID   string
	Notes         string
	Actor         string
}

type StockAlert struct {
	ID              string     `json:"id"`
	ProductID       string     `json:"product_id"`
	LocationID      string     `json:"location_id,omitempty"`
	Type            AlertType  `json:"type"`
	Threshold       int        `json:"threshold"`
	CurrentQuantity int        `json:"current_quantity"`
	Message         string     `json:"message"`
	IsResolved      bool       `json:"is_resolved"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type AlertFilter struct {
	ProductID       string
	IncludeResolved bool
	Limit           int
}

type StockAdjustmentRequest struct {
	ProductID  string `json:"product_id" validate:"required"`
	LocationID string `json:"location_id"`
	// Counted quantity for stock_count adjustments; ignored for write-offs.
	ActualQuantity *int   `json:"actual_quantity,omitempty" validate:"omitempty,min=0"`
	Quantity       int    `json:"quantity" validate:"min=0"`
	Reason         string `json:"reason" validate:"required,oneof=stock_count correction found damaged theft expired"`
	Notes          string `json:"notes" validate:"max=500"`
}

type StockTransferRequest struct {
	ProductID      string `json:"product_id" validate:"required"`
	FromLocationID string `json:"from_location_id" validate:"required"`
	ToLocationID   string `json:"to_location_id" validate:"required,nefield=FromLocationID"`
	Quantity       int    `json:"quantity" validate:"required,min=1"`
	Notes          string `json:"notes" validate:"max=500"`
}

type StockReceiptRequest struct {
	ProductID  string           `json:"product_id" validate:"required"`
	LocationID string           `json:"location_id"`
	Quantity   int              `json:"quantity" validate:"required,min=1"`
	Type       MovementType     `json:"type" validate:"omitempty,oneof=purchase opening_balance"`
	UnitCost   *decimal.Decimal `json:"unit_cost,omitempty"`
	Reference  string           `json:"reference" validate:"max=100"`
	Notes      string           `json:"notes" validate:"max=500"`
}

type StockTransferResult struct {
	Out StockMovement `json:"out"`
	In  StockMovement `json:"in"`
}

// ChainReport describes ledger consistency for one product.
type ChainReport struct {
	ProductID        string   `json:"product_id"`
	StockQuantity    int      `json:"stock_quantity"`
	Movements        int      `json:"movements"`
	LocationTotal    *int     `json:"location_total,omitempty"`
	Consistent       bool     `json:"consistent"`
	Discrepancies    []string `json:"discrepancies,omitempty"`
	OpeningQuantity  int      `json:"opening_quantity"`
	SignedDeltaTotal int      `json:"signed_delta_total"`
}

type Sale struct {
	ID             string          `json:"id"`
	SaleNumber     string          `json:"sale_number"`
	CustomerID     string          `json:"customer_id,omitempty"`
	LocationID     string          `json:"location_id"`
	Channel        string          `json:"channel"`
	TerminalID     string          `json:"terminal_id,omitempty"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	ShippingAmount decimal.Decimal `json:"shipping_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	DiscountType   DiscountType    `json:"discount_type,omitempty"`
	DiscountValue  decimal.Decimal `json:"discount_value"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	PaymentStatus  PaymentStatus   `json:"payment_status"`
	Status         SaleStatus      `json:"status"`
	Notes          string          `json:"notes,omitempty"`
	Actor          string          `json:"actor"`
	Items          []SaleItem      `json:"items"`
	Payments       []SalePayment   `json:"payments,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
}

// Balance is what remains to be paid; it never goes below zero.
func (s Sale) Balance() decimal.Decimal {
	balance := s.TotalAmount.Sub(s.PaidAmount)
	if balance.IsNegative() {
		return decimal.Zero
	}
	return balance
}

type SaleItem struct {
	ID             string          `json:"id"`
	SaleID         string          `json:"sale_id"`
	ProductID      string          `json:"product_id"`
	ProductName    string          `json:"product_name"`
	SKU            string          `json:"sku"`
	TrackStock     bool            `json:"track_stock"`
	Quantity       int             `json:"quantity"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	LineTotal      decimal.Decimal `json:"line_total"`
}

type SalePayment struct {
	ID               string          `json:"id"`
	PaymentNumber    string          `json:"payment_number"`
	SaleID           string          `json:"sale_id"`
	Amount           decimal.Decimal `json:"amount"`
	Method           PaymentMethod   `json:"method"`
	Reference        string          `json:"reference,omitempty"`
	CorrelationToken string          `json:"correlation_token,omitempty"`
	Status           PaymentRecord   `json:"status"`
	Notes            string          `json:"notes,omitempty"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// PaymentCorrelation links an asynchronous payment request to its sale.
type PaymentCorrelation struct {
	Token      string            `json:"token"`
	SaleID     string            `json:"sale_id"`
	Amount     decimal.Decimal   `json:"amount"`
	Phone      string            `json:"phone,omitempty"`
	Status     CorrelationStatus `json:"status"`
	Receipt    string            `json:"receipt,omitempty"`
	ResultDesc string            `json:"result_desc,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

type SaleFilter struct {
	Status     SaleStatus
	CustomerID string
	From       time.Time
	To         time.Time
	Limit      int
}

type SaleItemRequest struct {
	ProductID string           `json:"product_id" validate:"required"`
	Quantity  int              `json:"quantity" validate:"required,min=1"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
	Discount  *decimal.Decimal `json:"discount,omitempty"`
	TaxRate   *decimal.Decimal `json:"tax_rate,omitempty"`
}

type CreateSaleRequest struct {
	CustomerID       string            `json:"customer_id" validate:"max=64"`
	LocationID       string            `json:"location_id" validate:"max=64"`
	Channel          string            `json:"channel" validate:"omitempty,oneof=pos online"`
	TerminalID       string            `json:"terminal_id" validate:"max=64"`
	Items            []SaleItemRequest `json:"items" validate:"required,min=1,dive"`
	DiscountType     DiscountType      `json:"discount_type" validate:"omitempty,oneof=fixed percentage"`
	DiscountValue    *decimal.Decimal  `json:"discount_value,omitempty"`
	ShippingAmount   *decimal.Decimal  `json:"shipping_amount,omitempty"`
	PaymentMethod    PaymentMethod     `json:"payment_method" validate:"required,oneof=cash card bank_transfer credit mpesa"`
	AmountTendered   *decimal.Decimal  `json:"amount_tendered,omitempty"`
	PaymentReference string            `json:"payment_reference" validate:"max=255"`
	Phone            string            `json:"phone" validate:"max=32"`
	CorrelationToken string            `json:"correlation_token" validate:"max=128"`
	PriceOverride    bool              `json:"price_override"`
	DeferCompletion  bool              `json:"defer_completion"`
	Notes            string            `json:"notes" validate:"max=1000"`
}

type CreateSaleResponse struct {
	Sale   *Sale           `json:"sale"`
	Change decimal.Decimal `json:"change"`
}

type POSSaleItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1"`
}

type POSSaleRequest struct {
	Items         []POSSaleItem   `json:"items" validate:"required,min=1,dive"`
	PaymentMethod PaymentMethod   `json:"payment_method" validate:"required,oneof=cash card mpesa"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	LocationID    string          `json:"location_id" validate:"max=64"`
	TerminalID    string          `json:"terminal_id" validate:"max=64"`
	Phone         string          `json:"phone" validate:"max=32"`
	Reference     string          `json:"reference" validate:"max=255"`
}

type AddPaymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"payment_method" validate:"required,oneof=cash card bank_transfer credit mpesa"`
	Reference string          `json:"reference" validate:"max=255"`
	Notes     string          `json:"notes" validate:"max=500"`
}

type AddPaymentResponse struct {
	Payment *SalePayment `json:"payment"`
	Sale    *Sale        `json:"sale"`
	// Duplicate is set when the reference was already recorded for this sale.
	Duplicate bool `json:"duplicate"`
}

type CancelSaleRequest struct {
	Reason     string `json:"reason" validate:"max=500"`
	ManagerPIN string `json:"manager_pin"`
}

type RetryPaymentRequest struct {
	Phone string `json:"phone" validate:"max=32"`
}

// CallbackInput is the provider-neutral payment confirmation.
type CallbackInput struct {
	CorrelationToken string           `json:"correlation_token" validate:"required"`
	Outcome          CallbackOutcome  `json:"outcome" validate:"required,oneof=success failure timeout"`
	ExternalReceipt  string           `json:"external_receipt"`
	Amount           decimal.Decimal  `json:"amount"`
	PaidAt           *time.Time       `json:"paid_at,omitempty"`
	Phone            string           `json:"phone,omitempty"`
	ResultDesc       string           `json:"result_desc,omitempty"`
}

// CallbackAck is returned to payment providers regardless of the outcome.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func AcceptedAck() CallbackAck {
	return CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}
}

// PaymentInitiation is passed to a mobile-money gateway.
type PaymentInitiation struct {
	SaleID     string
	SaleNumber string
	Amount     decimal.Decimal
	Phone      string
}

// SaleEvent is the payload handed to post-commit integrations.
type SaleEvent struct {
	Kind       string          `json:"kind"`
	SaleID     string          `json:"sale_id"`
	SaleNumber string          `json:"sale_number"`
	CustomerID string          `json:"customer_id,omitempty"`
	Status     SaleStatus      `json:"status"`
	Total      decimal.Decimal `json:"total_amount"`
	Tax        decimal.Decimal `json:"tax_amount"`
	Paid       decimal.Decimal `json:"paid_amount"`
	Items      []SaleItem      `json:"items,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// IsPrivileged reports whether the actor may override catalog prices.
func (a Actor) IsPrivileged() bool {
	return a.Role == RoleManager || a.Role == RoleAdmin
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type UserSummary struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	RoleCashier = "cashier"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)
