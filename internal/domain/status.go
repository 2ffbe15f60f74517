package domain

type MovementType string

const (
	MovementPurchase       MovementType = "purchase"
	MovementSale           MovementType = "sale"
	MovementAdjustment     MovementType = "adjustment"
	MovementTransferIn     MovementType = "transfer_in"
	MovementTransferOut    MovementType = "transfer_out"
	MovementReturn         MovementType = "return"
	MovementDamage         MovementType = "damage"
	MovementTheft          MovementType = "theft"
	MovementExpired        MovementType = "expired"
	MovementOpeningBalance MovementType = "opening_balance"
)

// Direction classifies a movement type. Adding a type means adding it here.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionInbound
	DirectionOutbound
	DirectionEither
)

func (t MovementType) Direction() Direction {
	switch t {
	case MovementSale, MovementTransferOut, MovementDamage, MovementTheft, MovementExpired:
		return DirectionOutbound
	case MovementPurchase, MovementTransferIn, MovementReturn, MovementOpeningBalance:
		return DirectionInbound
	case MovementAdjustment:
		return DirectionEither
	default:
		return DirectionUnknown
	}
}

func (t MovementType) Valid() bool {
	return t.Direction() != DirectionUnknown
}

type AlertType string

const (
	AlertLowStock   AlertType = "low_stock"
	AlertOutOfStock AlertType = "out_of_stock"
)

type SaleStatus string

const (
	SaleDraft      SaleStatus = "draft"
	SaleConfirmed  SaleStatus = "confirmed"
	SaleProcessing SaleStatus = "processing"
	SaleCompleted  SaleStatus = "completed"
	SaleCancelled  SaleStatus = "cancelled"
)

var saleTransitions = map[SaleStatus][]SaleStatus{
	SaleDraft:      {SaleConfirmed, SaleProcessing, SaleCompleted},
	SaleConfirmed:  {SaleCompleted, SaleCancelled},
	SaleProcessing: {SaleCompleted, SaleCancelled},
	SaleCompleted:  {SaleCancelled},
}

// CanTransition reports whether a sale may move from one status to another.
func CanTransition(from SaleStatus, to SaleStatus) bool {
	for _, next := range saleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCredit       PaymentMethod = "credit"
	MethodMpesa        PaymentMethod = "mpesa"
)

// Async reports whether confirmation of the method arrives out of band.
func (m PaymentMethod) Async() bool {
	return m == MethodMpesa
}

// PaymentRecord is the status of a single SalePayment row.
type PaymentRecord string

const (
	PaymentRecordPending   PaymentRecord = "pending"
	PaymentRecordCompleted PaymentRecord = "completed"
	PaymentRecordFailed    PaymentRecord = "failed"
)

type CorrelationStatus string

const (
	CorrelationPending   CorrelationStatus = "pending"
	CorrelationCompleted CorrelationStatus = "completed"
	CorrelationFailed    CorrelationStatus = "failed"
	CorrelationTimeout   CorrelationStatus = "timeout"
	CorrelationExpired   CorrelationStatus = "expired"
)

type CallbackOutcome string

const (
	OutcomeSuccess CallbackOutcome = "success"
	OutcomeFailure CallbackOutcome = "failure"
	OutcomeTimeout CallbackOutcome = "timeout"
)

type DiscountType string

const (
	DiscountFixed      DiscountType = "fixed"
	DiscountPercentage DiscountType = "percentage"
)

const (
	ChannelPOS    = "pos"
	ChannelOnline = "online"
)
