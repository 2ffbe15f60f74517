package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dukapos/backend/internal/domain"
)

// Daraja result codes that are not plain failures.
const (
	ResultSuccess         = 0
	ResultCancelledByUser = 1032
	ResultUnreachable     = 1037
)

// Kenya has no daylight saving, so a fixed zone avoids depending on tzdata.
var nairobi = time.FixedZone("EAT", 3*60*60)

type callbackEnvelope struct {
	Body struct {
		StkCallback stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        *int   `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type metadataItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

// ParseCallback turns a Daraja STK callback body into a CallbackInput.
func ParseCallback(body []byte) (domain.CallbackInput, error) {
	var envelope callbackEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return domain.CallbackInput{}, fmt.Errorf("decode stk callback: %w", err)
	}

	cb := envelope.Body.StkCallback
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return domain.CallbackInput{}, errors.New("stk callback without CheckoutRequestID")
	}
	if cb.ResultCode == nil {
		return domain.CallbackInput{}, errors.New("stk callback without ResultCode")
	}

	input := domain.CallbackInput{
		CorrelationToken: cb.CheckoutRequestID,
		ResultDesc:       cb.ResultDesc,
	}
	switch *cb.ResultCode {
	case ResultSuccess:
		input.Outcome = domain.OutcomeSuccess
	case ResultUnreachable:
		input.Outcome = domain.OutcomeTimeout
		return input, nil
	default:
		input.Outcome = domain.OutcomeFailure
		return input, nil
	}

	items := make(map[string]string, len(cb.CallbackMetadata.Item))
	for _, item := range cb.CallbackMetadata.Item {
		items[item.Name] = itemString(item.Value)
	}

	input.ExternalReceipt = items["MpesaReceiptNumber"]
	if input.ExternalReceipt == "" {
		return domain.CallbackInput{}, errors.New("successful stk callback without MpesaReceiptNumber")
	}
	amount, err := decimal.NewFromString(items["Amount"])
	if err != nil {
		return domain.CallbackInput{}, fmt.Errorf("stk callback amount %q: %w", items["Amount"], err)
	}
	input.Amount = amount
	input.Phone = items["PhoneNumber"]
	if raw := items["TransactionDate"]; raw != "" {
		paidAt, err := time.ParseInLocation("20060102150405", raw, nairobi)
		if err != nil {
			return domain.CallbackInput{}, fmt.Errorf("stk callback TransactionDate %q: %w", raw, err)
		}
		paidAt = paidAt.UTC()
		input.PaidAt = &paidAt
	}
	return input, nil
}

// ParseTimeout accepts either the stkCallback envelope or a flat body carrying
// CheckoutRequestID and always reports a timeout.
func ParseTimeout(body []byte) (domain.CallbackInput, error) {
	var flat struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ResultDesc        string `json:"ResultDesc"`
	}
	if err := json.Unmarshal(body, &flat); err != nil {
		return domain.CallbackInput{}, fmt.Errorf("decode timeout: %w", err)
	}
	token, desc := flat.CheckoutRequestID, flat.ResultDesc
	if token == "" {
		var envelope callbackEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return domain.CallbackInput{}, fmt.Errorf("decode timeout: %w", err)
		}
		token, desc = envelope.Body.StkCallback.CheckoutRequestID, envelope.Body.StkCallback.ResultDesc
	}
	if strings.TrimSpace(token) == "" {
		return domain.CallbackInput{}, errors.New("timeout without CheckoutRequestID")
	}
	if desc == "" {
		desc = "Request timed out"
	}
	return domain.CallbackInput{
		CorrelationToken: token,
		Outcome:          domain.OutcomeTimeout,
		ResultDesc:       desc,
	}, nil
}

func itemString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case json.Number:
		return value.String()
	case string:
		return value
	default:
		return fmt.Sprint(value)
	}
}
