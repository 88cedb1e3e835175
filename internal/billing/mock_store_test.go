package billing_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creatorhub/membership-billing/internal/billing"
	billingmodel "github.com/creatorhub/membership-billing/internal/core/datamodel/billing"
)

// mockStore mirrors the database semantics the orchestrator relies on:
// status-guarded conditional updates and unique-constraint rejections.
type mockStore struct {
	mu sync.Mutex

	transactions map[string]*billingmodel.Transaction
	events       map[string]*billingmodel.WebhookEvent
	nextEventID  int64
	auditEntries []*billingmodel.AuditEntry
	userTiers    map[int64]string

	createTxnError error
	setTierError   error
	txFailError    error
}

func newMockStore() *mockStore {
	return &mockStore{
		transactions: make(map[string]*billingmodel.Transaction),
		events:       make(map[string]*billingmodel.WebhookEvent),
		userTiers:    make(map[int64]string),
	}
}

func (s *mockStore) Transactions() billing.TransactionRepository   { return (*mockTxnRepo)(s) }
func (s *mockStore) WebhookEvents() billing.WebhookEventRepository { return (*mockEventRepo)(s) }
func (s *mockStore) Audit() billing.AuditRepository                { return (*mockAuditRepo)(s) }
func (s *mockStore) Profiles() billing.ProfileStore                { return (*mockProfileRepo)(s) }

func (s *mockStore) WithinTx(ctx context.Context, fn func(billing.Store) error) error {
	if s.txFailError != nil {
		return s.txFailError
	}
	return fn(s)
}

func (s *mockStore) auditActions(transactionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var actions []string
	for _, e := range s.auditEntries {
		if e.TransactionID == transactionID {
			actions = append(actions, e.Action)
		}
	}
	return actions
}

type mockTxnRepo mockStore

func (r *mockTxnRepo) Create(t *billingmodel.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createTxnError != nil {
		return r.createTxnError
	}
	for _, existing := range r.transactions {
		if existing.IdempotencyKey == t.IdempotencyKey && !existing.IsTerminal() {
			return billing.ErrDuplicateTransaction
		}
		if existing.SubjectType == t.SubjectType && existing.UserID == t.UserID &&
			existing.TargetTier == t.TargetTier && !existing.IsTerminal() {
			return billing.ErrDuplicateTransaction
		}
	}
	clone := *t
	r.transactions[t.ID] = &clone
	return nil
}

func (r *mockTxnRepo) GetByID(id string) (*billingmodel.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[id]
	if !ok {
		return nil, nil
	}
	clone := *t
	return &clone, nil
}

func (r *mockTxnRepo) GetByProviderRef(gateway, providerRef string) (*billingmodel.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transactions {
		if t.Gateway == gateway && t.ProviderRef != nil && *t.ProviderRef == providerRef {
			clone := *t
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *mockTxnRepo) GetActiveByIdempotencyKey(key string) (*billingmodel.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transactions {
		if t.IdempotencyKey == key && !t.IsTerminal() {
			clone := *t
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *mockTxnRepo) GetActiveByUserAndTier(subjectType string, userID int64, targetTier string) (*billingmodel.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transactions {
		if t.SubjectType == subjectType && t.UserID == userID && t.TargetTier == targetTier && !t.IsTerminal() {
			clone := *t
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *mockTxnRepo) MarkProcessing(id, providerRef, checkoutURL string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[id]
	if !ok || t.Status != billingmodel.StatusPending {
		return false, nil
	}
	t.Status = billingmodel.StatusProcessing
	t.ProviderRef = &providerRef
	t.CheckoutURL = &checkoutURL
	t.ProcessingAt = &at
	t.UpdatedAt = at
	return true, nil
}

func (r *mockTxnRepo) MarkCompleted(id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[id]
	if !ok || t.Status != billingmodel.StatusProcessing {
		return false, nil
	}
	t.Status = billingmodel.StatusCompleted
	t.CompletedAt = &at
	t.UpdatedAt = at
	return true, nil
}

func (r *mockTxnRepo) MarkFailed(id, errorCode, errorMessage string, details []byte, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[id]
	if !ok || t.IsTerminal() {
		return false, nil
	}
	t.Status = billingmodel.StatusFailed
	t.ErrorCode = &errorCode
	t.ErrorMessage = &errorMessage
	t.ErrorDetails = details
	t.FailedAt = &at
	t.UpdatedAt = at
	return true, nil
}

func (r *mockTxnRepo) MarkCancelled(id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[id]
	if !ok || t.Status != billingmodel.StatusPending {
		return false, nil
	}
	t.Status = billingmodel.StatusCancelled
	t.FailedAt = &at
	t.UpdatedAt = at
	return true, nil
}

func (r *mockTxnRepo) MarkRefunded(id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[id]
	if !ok || t.Status != billingmodel.StatusCompleted {
		return false, nil
	}
	t.Status = billingmodel.StatusRefunded
	t.UpdatedAt = at
	return true, nil
}

func (r *mockTxnRepo) IncrementVerifyAttempts(id string, nextVerifyAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s not found", id)
	}
	t.VerifyAttempts++
	t.NextVerifyAt = &nextVerifyAt
	return nil
}

func (r *mockTxnRepo) ListStuckProcessing(processingBefore, dueAt time.Time, limit int) ([]*billingmodel.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stuck []*billingmodel.Transaction
	for _, t := range r.transactions {
		if len(stuck) >= limit {
			break
		}
		if t.Status != billingmodel.StatusProcessing {
			continue
		}
		if t.ProcessingAt == nil || !t.ProcessingAt.Before(processingBefore) {
			continue
		}
		if t.NextVerifyAt != nil && t.NextVerifyAt.After(dueAt) {
			continue
		}
		clone := *t
		stuck = append(stuck, &clone)
	}
	return stuck, nil
}

func (r *mockTxnRepo) ListStalePending(createdBefore time.Time, limit int) ([]*billingmodel.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []*billingmodel.Transaction
	for _, t := range r.transactions {
		if len(stale) >= limit {
			break
		}
		if t.Status != billingmodel.StatusPending {
			continue
		}
		if !t.CreatedAt.Before(createdBefore) {
			continue
		}
		clone := *t
		stale = append(stale, &clone)
	}
	return stale, nil
}

func (r *mockTxnRepo) ListTierMismatches(limit int) ([]billing.TierMismatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var mismatches []billing.TierMismatch
	for _, t := range r.transactions {
		if len(mismatches) >= limit {
			break
		}
		if t.Status != billingmodel.StatusCompleted {
			continue
		}
		if actual, ok := r.userTiers[t.UserID]; ok && actual != t.TargetTier {
			mismatches = append(mismatches, billing.TierMismatch{
				TransactionID: t.ID,
				UserID:        t.UserID,
				ExpectedTier:  t.TargetTier,
				ActualTier:    actual,
			})
		}
	}
	return mismatches, nil
}

type mockEventRepo mockStore

func eventKey(gateway, providerEventID string) string {
	return gateway + "/" + providerEventID
}

func (r *mockEventRepo) Create(e *billingmodel.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := eventKey(e.Gateway, e.ProviderEventID)
	if _, exists := r.events[key]; exists {
		return billing.ErrDuplicateEvent
	}
	r.nextEventID++
	e.ID = r.nextEventID
	clone := *e
	r.events[key] = &clone
	return nil
}

func (r *mockEventRepo) GetByProviderEventID(gateway, providerEventID string) (*billingmodel.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[eventKey(gateway, providerEventID)]
	if !ok {
		return nil, nil
	}
	clone := *e
	return &clone, nil
}

func (r *mockEventRepo) Settle(id int64, status string, transactionID *string, processingError *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID != id {
			continue
		}
		if e.IsSettled() {
			return nil
		}
		e.Status = status
		now := time.Now()
		e.ProcessedAt = &now
		if transactionID != nil {
			e.TransactionID = transactionID
		}
		if processingError != nil {
			e.Error = processingError
		}
		return nil
	}
	return fmt.Errorf("event %d not found", id)
}

type mockAuditRepo mockStore

func (r *mockAuditRepo) Append(entry *billingmodel.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *entry
	clone.ID = int64(len(r.auditEntries) + 1)
	r.auditEntries = append(r.auditEntries, &clone)
	return nil
}

func (r *mockAuditRepo) ListByTransaction(transactionID string) ([]*billingmodel.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []*billingmodel.AuditEntry
	for _, e := range r.auditEntries {
		if e.TransactionID == transactionID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

type mockProfileRepo mockStore

func (r *mockProfileRepo) SetUserTier(userID int64, newTier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setTierError != nil {
		return r.setTierError
	}
	r.userTiers[userID] = newTier
	return nil
}

func (r *mockProfileRepo) GetUserTier(userID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tier, ok := r.userTiers[userID]
	if !ok {
		return "", fmt.Errorf("user %d not found", userID)
	}
	return tier, nil
}
