// Package billing orchestrates tier-upgrade payment transactions: it owns
// every Transaction status transition, reconciles asynchronous gateway
// webhooks against synchronously initiated charges, and keeps the
// append-only audit trail.
package billing

import (
	"context"
	"errors"
	"time"

	billingmodel "github.com/creatorhub/membership-billing/internal/core/datamodel/billing"
)

// Sentinel errors surfaced by repositories. Duplicates are how the store
// reports a lost uniqueness race, not failures.
var (
	// ErrDuplicateTransaction: the store-enforced one-active-upgrade
	// constraint rejected the insert; a non-terminal row already exists
	// for this (subject, user, target tier) or idempotency key.
	ErrDuplicateTransaction = errors.New("active transaction already exists")
	// ErrDuplicateEvent: this provider event id was already recorded.
	ErrDuplicateEvent = errors.New("webhook event already recorded")
)

// TransactionRepository is the transaction store contract. Lookups return
// (nil, nil) when no row matches; the Mark* mutations are status-guarded
// conditional updates that report whether they applied, so a lost race is
// observable without a read-modify-write cycle.
type TransactionRepository interface {
	Create(t *billingmodel.Transaction) error
	GetByID(id string) (*billingmodel.Transaction, error)
	GetByProviderRef(gateway, providerRef string) (*billingmodel.Transaction, error)
	GetActiveByIdempotencyKey(key string) (*billingmodel.Transaction, error)
	GetActiveByUserAndTier(subjectType string, userID int64, targetTier string) (*billingmodel.Transaction, error)

	// MarkProcessing applies pending → processing with the provider's
	// reference and checkout URL.
	MarkProcessing(id, providerRef, checkoutURL string, at time.Time) (bool, error)
	// MarkCompleted applies processing → completed.
	MarkCompleted(id string, at time.Time) (bool, error)
	// MarkFailed applies any non-terminal status → failed with diagnostics.
	MarkFailed(id, errorCode, errorMessage string, details []byte, at time.Time) (bool, error)
	// MarkCancelled applies pending → cancelled. A processing row has a
	// live provider reference and is only ended through reconciliation.
	MarkCancelled(id string, at time.Time) (bool, error)
	// MarkRefunded applies completed → refunded (status bookkeeping only).
	MarkRefunded(id string, at time.Time) (bool, error)

	IncrementVerifyAttempts(id string, nextVerifyAt time.Time) error
	// ListStuckProcessing returns processing rows whose processing-started
	// timestamp predates processingBefore and whose next verification is
	// due at dueAt.
	ListStuckProcessing(processingBefore, dueAt time.Time, limit int) ([]*billingmodel.Transaction, error)
	// ListStalePending returns pending rows created before createdBefore.
	// A row stranded in pending never got a gateway charge, yet its
	// active-upgrade uniqueness still blocks fresh attempts.
	ListStalePending(createdBefore time.Time, limit int) ([]*billingmodel.Transaction, error)
	// ListTierMismatches finds completed transactions whose user's current
	// tier does not match the target tier: the detectable inconsistency
	// behind the atomic-completion guarantee.
	ListTierMismatches(limit int) ([]TierMismatch, error)
}

type WebhookEventRepository interface {
	Create(e *billingmodel.WebhookEvent) error
	GetByProviderEventID(gateway, providerEventID string) (*billingmodel.WebhookEvent, error)
	// Settle records the final processing status exactly once.
	Settle(id int64, status string, transactionID *string, processingError *string) error
}

type AuditRepository interface {
	Append(entry *billingmodel.AuditEntry) error
	ListByTransaction(transactionID string) ([]*billingmodel.AuditEntry, error)
}

// ProfileStore is the outbound profile-tier dependency.
type ProfileStore interface {
	SetUserTier(userID int64, newTier string) error
	GetUserTier(userID int64) (string, error)
}

// Store groups the repositories behind one transactional boundary.
// WithinTx runs fn against repositories bound to a single database
// transaction; the orchestrator uses it wherever two writes must not be
// visible independently.
type Store interface {
	Transactions() TransactionRepository
	WebhookEvents() WebhookEventRepository
	Audit() AuditRepository
	Profiles() ProfileStore
	WithinTx(ctx context.Context, fn func(Store) error) error
}

// TierMismatch is one detected completed-transaction/profile-tier drift.
type TierMismatch struct {
	TransactionID string
	UserID        int64
	ExpectedTier  string
	ActualTier    string
}
