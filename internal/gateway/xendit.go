package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const XenditName = "xendit"

// XenditAdapter charges through the invoice API. Webhook payloads are
// authenticated with an HMAC-SHA256 signature over the raw body.
type XenditAdapter struct {
	client        *http.Client
	baseURL       string
	apiKey        string
	webhookSecret []byte
	logger        *slog.Logger
}

type XenditConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

func NewXenditAdapter(cfg XenditConfig, logger *slog.Logger) *XenditAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &XenditAdapter{
		client:        &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		webhookSecret: []byte(cfg.WebhookSecret),
		logger:        logger,
	}
}

func (a *XenditAdapter) Name() string {
	return XenditName
}

func (a *XenditAdapter) SignatureHeader() string {
	return "X-Callback-Signature"
}

type xenditInvoiceRequest struct {
	ExternalID  string `json:"external_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	PayerEmail  string `json:"payer_email,omitempty"`
}

func (a *XenditAdapter) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	body, err := json.Marshal(xenditInvoiceRequest{
		ExternalID:  req.TransactionID,
		Amount:      req.AmountCents,
		Currency:    req.Currency,
		Description: req.Description,
		PayerEmail:  req.CustomerEmail,
	})
	if err != nil {
		return nil, fmt.Errorf("xendit marshal invoice request: %w", err)
	}

	respBody, err := a.do(ctx, http.MethodPost, "/v2/invoices", body)
	if err != nil {
		return nil, err
	}

	return &ChargeResult{
		Reference:   gjson.GetBytes(respBody, "id").String(),
		CheckoutURL: gjson.GetBytes(respBody, "invoice_url").String(),
		Status:      xenditStatusOutcome(gjson.GetBytes(respBody, "status").String()),
	}, nil
}

func (a *XenditAdapter) GetCharge(ctx context.Context, reference string) (*ChargeResult, error) {
	respBody, err := a.do(ctx, http.MethodGet, "/v2/invoices/"+reference, nil)
	if err != nil {
		return nil, err
	}

	return &ChargeResult{
		Reference:   gjson.GetBytes(respBody, "id").String(),
		CheckoutURL: gjson.GetBytes(respBody, "invoice_url").String(),
		Status:      xenditStatusOutcome(gjson.GetBytes(respBody, "status").String()),
	}, nil
}

func (a *XenditAdapter) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("xendit build request: %w", err)
	}
	req.SetBasicAuth(a.apiKey, "")
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("xendit request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("xendit read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.logger.Error("xendit API error",
			"status", resp.StatusCode,
			"path", path,
			"error_code", gjson.GetBytes(respBody, "error_code").String())
		return nil, fmt.Errorf("xendit API error: status %d, code %s",
			resp.StatusCode, gjson.GetBytes(respBody, "error_code").String())
	}

	return respBody, nil
}

func xenditStatusOutcome(status string) Outcome {
	switch strings.ToUpper(status) {
	case "PAID", "SETTLED":
		return OutcomeCompleted
	case "EXPIRED", "FAILED":
		return OutcomeFailed
	}
	return OutcomePending
}

// VerifyWebhook computes HMAC-SHA256 over the raw payload and compares it
// against the header value with hmac.Equal. The comparison must stay
// constant-time; a byte-wise short-circuit compare leaks a timing oracle.
func (a *XenditAdapter) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	mac := hmac.New(sha256.New, a.webhookSecret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return nil, ErrInvalidSignature
	}

	eventID := gjson.GetBytes(payload, "webhook_id").String()
	if eventID == "" {
		eventID = gjson.GetBytes(payload, "id").String()
	}
	reference := gjson.GetBytes(payload, "invoice_id").String()
	if reference == "" {
		reference = gjson.GetBytes(payload, "id").String()
	}

	return &Event{
		ProviderEventID: eventID,
		Reference:       reference,
		Outcome:         xenditStatusOutcome(gjson.GetBytes(payload, "status").String()),
		ProviderTxnID:   gjson.GetBytes(payload, "payment_id").String(),
		FailureReason:   gjson.GetBytes(payload, "failure_reason").String(),
		Raw:             json.RawMessage(payload),
	}, nil
}
