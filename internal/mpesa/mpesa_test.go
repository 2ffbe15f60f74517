package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dukapos/backend/internal/domain"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 464.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "Balance"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

func TestParseCallbackSuccess(t *testing.T) {
	input, err := ParseCallback([]byte(successCallback))
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_191220191020363925", input.CorrelationToken)
	assert.Equal(t, domain.OutcomeSuccess, input.Outcome)
	assert.Equal(t, "NLJ7RT61SV", input.ExternalReceipt)
	assert.True(t, input.Amount.Equal(decimal.NewFromInt(464)))
	assert.Equal(t, "254708374149", input.Phone)
	require.NotNil(t, input.PaidAt)
	assert.Equal(t, time.Date(2019, 12, 19, 7, 21, 15, 0, time.UTC), *input.PaidAt)
}

func TestParseCallbackOutcomes(t *testing.T) {
	cases := []struct {
		code int
		want domain.CallbackOutcome
	}{
		{ResultCancelledByUser, domain.OutcomeFailure},
		{1, domain.OutcomeFailure},
		{ResultUnreachable, domain.OutcomeTimeout},
	}
	for _, tc := range cases {
		body, err := json.Marshal(map[string]any{
			"Body": map[string]any{
				"stkCallback": map[string]any{
					"CheckoutRequestID": "ws_CO_1",
					"ResultCode":        tc.code,
					"ResultDesc":        "Request cancelled by user",
				},
			},
		})
		require.NoError(t, err)

		input, err := ParseCallback(body)
		require.NoError(t, err)
		assert.Equal(t, tc.want, input.Outcome, "code %d", tc.code)
		assert.Empty(t, input.ExternalReceipt)
	}
}

func TestParseCallbackRejectsMalformed(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"Body":{"stkCallback":{"ResultCode":0}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1"}}}`,
		`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":10}]}}}}`,
	} {
		_, err := ParseCallback([]byte(body))
		assert.Error(t, err, body)
	}
}

func TestParseTimeout(t *testing.T) {
	input, err := ParseTimeout([]byte(`{"CheckoutRequestID":"ws_CO_9"}`))
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_9", input.CorrelationToken)
	assert.Equal(t, domain.OutcomeTimeout, input.Outcome)

	input, err = ParseTimeout([]byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_10","ResultDesc":"DS timeout"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_10", input.CorrelationToken)
	assert.Equal(t, "DS timeout", input.ResultDesc)

	_, err = ParseTimeout([]byte(`{}`))
	assert.Error(t, err)
}

func TestNormalizePhone(t *testing.T) {
	for _, raw := range []string{"0712345678", "0712 345 678", "+254712345678", "254712345678"} {
		got, err := NormalizePhone(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, "254712345678", got, raw)
	}

	for _, raw := range []string{"", "12", "+14155552671"} {
		_, err := NormalizePhone(raw)
		assert.Error(t, err, raw)
	}
}

func TestInitiateSendsStkPush(t *testing.T) {
	var oauthCalls atomic.Int32
	var pushed stkPushRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			oauthCalls.Add(1)
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "key", user)
			assert.Equal(t, "secret", pass)
			_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
		case "/mpesa/stkpush/v1/processrequest":
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&pushed))
			_, _ = w.Write([]byte(`{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_42","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(Config{
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Passkey:        "pass",
		Shortcode:      "174379",
		CallbackURL:    "https://pos.example.com/api/v1/payments/mpesa/callback",
		BaseURL:        server.URL,
	}, zaptest.NewLogger(t))
	client.now = func() time.Time { return time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC) }

	for i := 0; i < 2; i++ {
		token, err := client.Initiate(context.Background(), domain.PaymentInitiation{
			SaleID:     "sale-1",
			SaleNumber: "SAL-20240131-0001",
			Amount:     decimal.RequireFromString("463.20"),
			Phone:      "0712345678",
		})
		require.NoError(t, err)
		assert.Equal(t, "ws_CO_42", token)
	}

	assert.Equal(t, int32(1), oauthCalls.Load())
	assert.Equal(t, int64(464), pushed.Amount)
	assert.Equal(t, "254712345678", pushed.PartyA)
	assert.Equal(t, "20240131120000", pushed.Timestamp)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("174379pass20240131120000")), pushed.Password)
	assert.Equal(t, "SAL-20240131-0001", pushed.AccountReference)
}

func TestInitiateReportsRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/oauth/v1/generate" {
			_, _ = w.Write([]byte(`{"access_token":"tok","expires_in":"3599"}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`))
	}))
	defer server.Close()

	client := NewClient(Config{ConsumerKey: "k", ConsumerSecret: "s", Passkey: "p", Shortcode: "1", CallbackURL: "https://x", BaseURL: server.URL}, nil)
	_, err := client.Initiate(context.Background(), domain.PaymentInitiation{SaleNumber: "SAL-1", Amount: decimal.NewFromInt(10), Phone: "0712345678"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid PhoneNumber")
}
