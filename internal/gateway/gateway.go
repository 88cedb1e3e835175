// Package gateway normalizes the two payment providers behind one adapter
// contract. Adapters translate the orchestrator's internal request shape
// into provider HTTP calls and map provider responses back.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
)

// Outcome is the normalized charge state across providers.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// ErrInvalidSignature is returned by VerifyWebhook when the payload does
// not authenticate. It is a security rejection, never retried.
var ErrInvalidSignature = errors.New("webhook signature verification failed")

// ChargeRequest carries everything an adapter needs to open a checkout.
// TransactionID doubles as the provider-side reference so the provider's
// own idempotency lines up with ours.
type ChargeRequest struct {
	TransactionID string
	AmountCents   int64
	Currency      string
	Description   string
	CustomerEmail string
	TargetTier    string
	BillingCycle  string
}

// ChargeResult is the normalized provider response.
type ChargeResult struct {
	Reference   string
	CheckoutURL string
	Status      Outcome
}

// Event is a verified, normalized webhook notification.
type Event struct {
	ProviderEventID string
	Reference       string
	Outcome         Outcome
	ProviderTxnID   string
	FailureReason   string
	Raw             json.RawMessage
}

type Adapter interface {
	Name() string
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	GetCharge(ctx context.Context, reference string) (*ChargeResult, error)
	// VerifyWebhook authenticates the raw payload against the signature
	// header and returns the normalized event. It must not touch any store.
	VerifyWebhook(payload []byte, signature string) (*Event, error)
	SignatureHeader() string
}

// Selector maps a requested payment method to exactly one adapter. It is a
// pure lookup built at startup so tests can inject fakes.
type Selector struct {
	adapters map[string]Adapter
}

func NewSelector(byMethod map[string]Adapter) *Selector {
	adapters := make(map[string]Adapter, len(byMethod))
	for method, a := range byMethod {
		adapters[method] = a
	}
	return &Selector{adapters: adapters}
}

// ForMethod resolves the adapter for a payment method.
func (s *Selector) ForMethod(method string) (Adapter, bool) {
	a, ok := s.adapters[method]
	return a, ok
}

// ByName resolves an adapter by provider name, used for webhook routes and
// the reconciliation sweep where the transaction already records the
// resolved gateway.
func (s *Selector) ByName(name string) (Adapter, bool) {
	for _, a := range s.adapters {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

func (s *Selector) Methods() []string {
	methods := make([]string, 0, len(s.adapters))
	for m := range s.adapters {
		methods = append(methods, m)
	}
	return methods
}
