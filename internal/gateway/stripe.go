package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/tidwall/gjson"
)

const StripeName = "stripe"

// StripeAdapter drives hosted Checkout Sessions. The transaction id rides
// along as ClientReferenceID and metadata so webhooks and status pulls can
// be tied back to our row.
type StripeAdapter struct {
	client        *stripe.Client
	webhookSecret string
	successURL    string
	cancelURL     string
	timeout       time.Duration
	logger        *slog.Logger
}

type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Timeout       time.Duration
}

func NewStripeAdapter(cfg StripeConfig, logger *slog.Logger) *StripeAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &StripeAdapter{
		client:        stripe.NewClient(cfg.APIKey),
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		timeout:       timeout,
		logger:        logger,
	}
}

func (a *StripeAdapter) Name() string {
	return StripeName
}

func (a *StripeAdapter) SignatureHeader() string {
	return "Stripe-Signature"
}

func (a *StripeAdapter) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String("payment"),
		UIMode:            stripe.String("hosted"),
		ClientReferenceID: stripe.String(req.TransactionID),
		SuccessURL:        stripe.String(a.successURL),
		CancelURL:         stripe.String(a.cancelURL),
		CustomerEmail:     stripe.String(req.CustomerEmail),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(req.AmountCents),
					ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
			},
		},
		Metadata: map[string]string{
			"transaction_id": req.TransactionID,
			"target_tier":    req.TargetTier,
			"billing_cycle":  req.BillingCycle,
		},
	}

	sess, err := a.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		a.logger.Error("stripe checkout session create failed",
			"error", err,
			"transaction_id", req.TransactionID)
		return nil, fmt.Errorf("stripe create checkout session: %w", err)
	}

	return &ChargeResult{
		Reference:   sess.ID,
		CheckoutURL: sess.URL,
		Status:      OutcomePending,
	}, nil
}

func (a *StripeAdapter) GetCharge(ctx context.Context, reference string) (*ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	sess, err := a.client.V1CheckoutSessions.Retrieve(ctx, reference, nil)
	if err != nil {
		return nil, fmt.Errorf("stripe retrieve checkout session: %w", err)
	}

	return &ChargeResult{
		Reference:   sess.ID,
		CheckoutURL: sess.URL,
		Status:      stripeSessionOutcome(sess),
	}, nil
}

func stripeSessionOutcome(sess *stripe.CheckoutSession) Outcome {
	switch sess.Status {
	case stripe.CheckoutSessionStatusComplete:
		if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			return OutcomePending
		}
		return OutcomeCompleted
	case stripe.CheckoutSessionStatusExpired:
		return OutcomeFailed
	}
	return OutcomePending
}

// VerifyWebhook delegates signature verification to stripe-go, which
// implements the timestamped HMAC scheme with a constant-time comparison.
func (a *StripeAdapter) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, a.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	normalized := &Event{
		ProviderEventID: event.ID,
		Raw:             json.RawMessage(payload),
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("stripe parse checkout session: %w", err)
		}
		normalized.Reference = sess.ID
		normalized.Outcome = OutcomeCompleted
		if sess.PaymentIntent != nil {
			normalized.ProviderTxnID = sess.PaymentIntent.ID
		}
	case "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("stripe parse checkout session: %w", err)
		}
		normalized.Reference = sess.ID
		normalized.Outcome = OutcomeFailed
		normalized.FailureReason = "checkout session expired"
	case "checkout.session.async_payment_failed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("stripe parse checkout session: %w", err)
		}
		normalized.Reference = sess.ID
		normalized.Outcome = OutcomeFailed
		normalized.FailureReason = gjson.GetBytes(event.Data.Raw, "last_payment_error.message").String()
		if normalized.FailureReason == "" {
			normalized.FailureReason = "payment failed"
		}
	default:
		// Events we did not subscribe to still verify; report them as
		// pending so the receiver records and skips them.
		normalized.Reference = gjson.GetBytes(event.Data.Raw, "id").String()
		normalized.Outcome = OutcomePending
	}

	return normalized, nil
}
