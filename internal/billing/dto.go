package billing

import (
	"time"

	errors "github.com/creatorhub/membership-billing/internal"
	"github.com/creatorhub/membership-billing/internal/core/common/validation"
	billingmodel "github.com/creatorhub/membership-billing/internal/core/datamodel/billing"
)

// UpgradeRequest is the inbound initiate payload. Ambient fields are set
// by the handler from the verified session and request, never from the
// body.
type UpgradeRequest struct {
	CurrentTier   string `json:"current_tier"`
	TargetTier    string `json:"target_tier"`
	AmountCents   int64  `json:"amount_cents"`
	BillingCycle  string `json:"billing_cycle"`
	PaymentMethod string `json:"payment_method"`
	Email         string `json:"email"`
	Phone         string `json:"phone,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`

	UserID    int64  `json:"-"`
	RequestIP string `json:"-"`
	UserAgent string `json:"-"`
}

func (r *UpgradeRequest) Validate() *errors.AppError {
	validator := validation.NewValidator()

	validator.Field("current_tier", r.CurrentTier).Required()
	validator.Field("target_tier", r.TargetTier).Required()
	validator.Field("amount_cents", r.AmountCents).Required().Positive(errors.ErrCodeInvalidAmount)
	validator.Field("billing_cycle", r.BillingCycle).Required().
		OneOf(errors.ErrCodeInvalidCycle, billingmodel.CycleMonthly, billingmodel.CycleAnnual)
	validator.Field("payment_method", r.PaymentMethod).Required()
	validator.Field("email", r.Email).Required().Email().MaxLength(254)

	return validator.Validate()
}

// UpgradeResponse is returned by Initiate. A resubmission inside the
// idempotency window returns the original transaction unchanged.
type UpgradeResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
	CheckoutURL   string `json:"checkout_url,omitempty"`
	Status        string `json:"status"`
}

// TransactionView is the polling shape. Diagnostics stay user-safe:
// provider internals never leak here.
type TransactionView struct {
	TransactionID string     `json:"transaction_id"`
	Status        string     `json:"status"`
	TargetTier    string     `json:"target_tier"`
	PreviousTier  string     `json:"previous_tier"`
	AmountCents   int64      `json:"amount_cents"`
	Currency      string     `json:"currency"`
	BillingCycle  string     `json:"billing_cycle"`
	CheckoutURL   string     `json:"checkout_url,omitempty"`
	ErrorCode     string     `json:"error_code,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
}

func ToView(t *billingmodel.Transaction) *TransactionView {
	view := &TransactionView{
		TransactionID: t.ID,
		Status:        t.Status,
		TargetTier:    t.TargetTier,
		PreviousTier:  t.PreviousTier,
		AmountCents:   t.AmountCents,
		Currency:      t.Currency,
		BillingCycle:  t.BillingCycle,
		CreatedAt:     t.CreatedAt,
		CompletedAt:   t.CompletedAt,
		FailedAt:      t.FailedAt,
	}
	if t.CheckoutURL != nil && !isTerminalStatus(t.Status) {
		view.CheckoutURL = *t.CheckoutURL
	}
	if t.ErrorCode != nil {
		view.ErrorCode = *t.ErrorCode
	}
	if t.ErrorMessage != nil {
		view.ErrorMessage = *t.ErrorMessage
	}
	return view
}

func isTerminalStatus(status string) bool {
	switch status {
	case billingmodel.StatusCompleted, billingmodel.StatusFailed,
		billingmodel.StatusCancelled, billingmodel.StatusRefunded:
		return true
	}
	return false
}
