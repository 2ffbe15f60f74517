// Package mpesa talks to Safaricom Daraja: it sends STK push prompts and
// parses the callbacks that confirm them.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dukapos/backend/internal/domain"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"
)

type Config struct {
	Environment    string
	ConsumerKey    string
	ConsumerSecret string
	Passkey        string
	Shortcode      string
	CallbackURL    string
	// BaseURL overrides the environment's host, used by tests.
	BaseURL string
}

func (c Config) Enabled() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.Passkey != "" && c.Shortcode != "" && c.CallbackURL != ""
}

type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := sandboxBaseURL
	if strings.EqualFold(cfg.Environment, "production") {
		baseURL = productionBaseURL
	}
	if cfg.BaseURL != "" {
		baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Client{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.Named("mpesa"),
		now:        time.Now,
	}
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ErrorMessage        string `json:"errorMessage"`
}

// Initiate sends an STK push and returns the CheckoutRequestID that the
// callback will carry.
func (c *Client) Initiate(ctx context.Context, req domain.PaymentInitiation) (string, error) {
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return "", err
	}
	// Daraja only takes whole shillings.
	amount := req.Amount.Ceil().IntPart()
	if amount < 1 {
		return "", fmt.Errorf("stk push amount must be at least 1, got %s", req.Amount)
	}

	token, err := c.token(ctx)
	if err != nil {
		return "", err
	}

	timestamp := c.now().In(nairobi).Format("20060102150405")
	payload := stkPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          base64.StdEncoding.EncodeToString([]byte(c.cfg.Shortcode + c.cfg.Passkey + timestamp)),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.SaleNumber,
		TransactionDesc:   "Payment for " + req.SaleNumber,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("stk push: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read stk push response: %w", err)
	}
	var parsed stkPushResponse
	_ = json.Unmarshal(raw, &parsed)
	if resp.StatusCode != http.StatusOK || parsed.ResponseCode != "0" || parsed.CheckoutRequestID == "" {
		msg := parsed.ErrorMessage
		if msg == "" {
			msg = parsed.ResponseDescription
		}
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		c.logger.Warn("stk push rejected", zap.Int("status", resp.StatusCode), zap.String("sale_number", req.SaleNumber), zap.String("message", msg))
		return "", fmt.Errorf("stk push rejected (status %d): %s", resp.StatusCode, msg)
	}

	c.logger.Info("stk push sent",
		zap.String("sale_number", req.SaleNumber),
		zap.String("checkout_request_id", parsed.CheckoutRequestID),
		zap.Int64("amount", amount),
	)
	return parsed.CheckoutRequestID, nil
}

// token returns a cached OAuth token, refreshing it a minute before expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("mpesa oauth: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode mpesa oauth response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || parsed.AccessToken == "" {
		return "", errors.New("mpesa oauth: no access token issued")
	}

	ttl := time.Hour
	if seconds, err := parsed.ExpiresIn.Int64(); err == nil && seconds > 0 {
		ttl = time.Duration(seconds) * time.Second
	}
	if ttl > 2*time.Minute {
		ttl -= time.Minute
	}
	c.accessToken = parsed.AccessToken
	c.tokenExpiry = c.now().Add(ttl)
	return c.accessToken, nil
}
