package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from SaleStatus
		to   SaleStatus
		want bool
	}{
		{SaleDraft, SaleCompleted, true},
		{SaleDraft, SaleCancelled, false},
		{SaleConfirmed, SaleCompleted, true},
		{SaleProcessing, SaleCompleted, true},
		{SaleProcessing, SaleCancelled, true},
		{SaleCompleted, SaleCancelled, true},
		{SaleCompleted, SaleCompleted, false},
		{SaleCancelled, SaleCancelled, false},
		{SaleCancelled, SaleCompleted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestMovementDirection(t *testing.T) {
	outbound := []MovementType{MovementSale, MovementTransferOut, MovementDamage, MovementTheft, MovementExpired}
	for _, mt := range outbound {
		assert.Equal(t, DirectionOutbound, mt.Direction(), string(mt))
	}
	inbound := []MovementType{MovementPurchase, MovementTransferIn, MovementReturn, MovementOpeningBalance}
	for _, mt := range inbound {
		assert.Equal(t, DirectionInbound, mt.Direction(), string(mt))
	}
	assert.Equal(t, DirectionEither, MovementAdjustment.Direction())
	assert.False(t, MovementType("gift").Valid())
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	var err error = &InsufficientStockError{LineIndex: 2, ProductID: "p1", Available: 1, Requested: 3}
	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.False(t, errors.Is(err, ErrConflict))

	var stockErr *InsufficientStockError
	assert.True(t, errors.As(err, &stockErr))
	assert.Equal(t, "items.2.quantity", stockErr.Field())
	assert.Equal(t, 2, stockErr.Shortfall())

	v := &ValidationError{}
	assert.NoError(t, v.OrNil())
	v.Add("items.0.quantity", "must be at least 1")
	assert.ErrorIs(t, v.OrNil(), ErrValidation)

	assert.ErrorIs(t, &ConflictError{Resource: "product"}, ErrConflict)
	assert.ErrorIs(t, &InvalidStateTransitionError{From: SaleCancelled, To: SaleCancelled}, ErrInvalidStateTransition)
	assert.ErrorIs(t, &ReconciliationMismatchError{Token: "x"}, ErrReconciliationMismatch)
	assert.ErrorIs(t, &IntegrationFailureError{Integration: "tax", Err: errors.New("boom")}, ErrIntegrationFailure)
}
