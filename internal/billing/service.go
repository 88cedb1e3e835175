package billing

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	errors "github.com/creatorhub/membership-billing/internal"
	billingmodel "github.com/creatorhub/membership-billing/internal/core/datamodel/billing"
	"github.com/creatorhub/membership-billing/internal/core/events"
	"github.com/creatorhub/membership-billing/internal/gateway"
	"github.com/creatorhub/membership-billing/internal/tier"
)

type OrchestratorConfig struct {
	IdempotencyWindow time.Duration
	ProcessingTimeout time.Duration
	VerifyBackoff     time.Duration
	MaxVerifyAttempts int
	SweepBatchSize    int
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = DefaultIdempotencyWindow
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 15 * time.Minute
	}
	if c.VerifyBackoff <= 0 {
		c.VerifyBackoff = 5 * time.Minute
	}
	if c.MaxVerifyAttempts <= 0 {
		c.MaxVerifyAttempts = 5
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 100
	}
}

// Orchestrator coordinates initiate, webhook reconciliation, status
// polling and the stuck-transaction sweep. It is stateless between calls;
// all coordination state lives in the store and its constraints.
type Orchestrator struct {
	store    Store
	selector *gateway.Selector
	catalog  *tier.Catalog
	eventBus *events.EventBus
	cfg      OrchestratorConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewOrchestrator(store Store, selector *gateway.Selector, catalog *tier.Catalog, eventBus *events.EventBus, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:    store,
		selector: selector,
		catalog:  catalog,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Initiate starts a tier-upgrade charge. Resubmissions within the
// idempotency window return the original transaction; validation failures
// return before anything is written; no gateway call happens without a
// persisted pending row, because an unpersisted in-flight charge is
// unrecoverable after a crash.
func (o *Orchestrator) Initiate(ctx context.Context, req *UpgradeRequest) (*UpgradeResponse, error) {
	key := DeriveIdempotencyKey(req.UserID, req.TargetTier, o.now(), o.cfg.IdempotencyWindow)

	existing, err := o.store.Transactions().GetActiveByIdempotencyKey(key)
	if err != nil {
		return nil, errors.NewInternalError("could not check for existing transaction", err)
	}
	if existing != nil {
		o.logger.Info("duplicate submission coalesced",
			"transaction_id", existing.ID,
			"user_id", req.UserID,
			"target_tier", req.TargetTier)
		return responseFor(existing), nil
	}

	if appErr := req.Validate(); appErr != nil {
		return nil, appErr
	}
	if appErr := o.catalog.ValidateUpgrade(req.CurrentTier, req.TargetTier); appErr != nil {
		return nil, appErr
	}
	price, currency, appErr := o.catalog.Price(req.TargetTier, req.BillingCycle)
	if appErr != nil {
		return nil, appErr
	}
	if req.AmountCents != price {
		return nil, errors.NewValidationFieldError("amount_cents",
			fmt.Sprintf("amount does not match catalog price for %s/%s", req.TargetTier, req.BillingCycle),
			errors.ErrCodeInvalidAmount)
	}
	adapter, ok := o.selector.ForMethod(req.PaymentMethod)
	if !ok {
		return nil, errors.ErrUnknownMethod
	}

	now := o.now()
	txn := &billingmodel.Transaction{
		ID:             uuid.NewString(),
		SubjectType:    billingmodel.SubjectTypeMembership,
		UserID:         req.UserID,
		IdempotencyKey: key,
		PreviousTier:   req.CurrentTier,
		TargetTier:     req.TargetTier,
		AmountCents:    req.AmountCents,
		Currency:       currency,
		BillingCycle:   req.BillingCycle,
		PaymentMethod:  req.PaymentMethod,
		Gateway:        adapter.Name(),
		Status:         billingmodel.StatusPending,
		CustomerEmail:  req.Email,
		CustomerName:   req.DisplayName,
		CustomerPhone:  req.Phone,
		RequestIP:      req.RequestIP,
		UserAgent:      req.UserAgent,
		CreatedAt:      now,
		InitiatedAt:    &now,
	}

	if err := o.store.Transactions().Create(txn); err != nil {
		if stderrors.Is(err, ErrDuplicateTransaction) {
			// Lost the create race; the winner's row is the transaction.
			winner, lookupErr := o.store.Transactions().GetActiveByIdempotencyKey(key)
			if lookupErr == nil && winner == nil {
				winner, lookupErr = o.store.Transactions().GetActiveByUserAndTier(
					billingmodel.SubjectTypeMembership, req.UserID, req.TargetTier)
			}
			if lookupErr != nil || winner == nil {
				return nil, errors.NewInternalError("could not resolve concurrent transaction", lookupErr)
			}
			o.logger.Info("concurrent initiate resolved to existing transaction",
				"transaction_id", winner.ID,
				"user_id", req.UserID)
			return responseFor(winner), nil
		}
		return nil, errors.NewInternalError("could not record transaction", err)
	}

	// The gateway call holds no store lock; a hung provider delays only
	// this request.
	result, err := adapter.CreateCharge(ctx, gateway.ChargeRequest{
		TransactionID: txn.ID,
		AmountCents:   txn.AmountCents,
		Currency:      txn.Currency,
		Description:   fmt.Sprintf("Membership upgrade to %s (%s)", txn.TargetTier, txn.BillingCycle),
		CustomerEmail: txn.CustomerEmail,
		TargetTier:    txn.TargetTier,
		BillingCycle:  txn.BillingCycle,
	})
	if err != nil {
		o.logger.Error("gateway charge failed",
			"error", err,
			"transaction_id", txn.ID,
			"gateway", txn.Gateway)
		o.recordFailure(ctx, txn, string(errors.ErrCodeGatewayError), "payment provider rejected the charge", err.Error())
		return nil, errors.NewGatewayError("payment could not be initiated", err)
	}

	applied, err := o.store.Transactions().MarkProcessing(txn.ID, result.Reference, result.CheckoutURL, o.now())
	if err != nil {
		return nil, errors.NewInternalError("could not update transaction", err)
	}
	if !applied {
		// A concurrent path already moved the row on. Reload and report
		// whatever it is now.
		current, loadErr := o.store.Transactions().GetByID(txn.ID)
		if loadErr != nil || current == nil {
			return nil, errors.NewInternalError("could not reload transaction", loadErr)
		}
		return responseFor(current), nil
	}

	o.appendAudit(txn.ID, billingmodel.AuditActionInit,
		billingmodel.StatusPending, billingmodel.StatusProcessing,
		map[string]any{"provider_ref": result.Reference, "gateway": txn.Gateway})

	o.logger.Info("upgrade initiated",
		"transaction_id", txn.ID,
		"user_id", txn.UserID,
		"target_tier", txn.TargetTier,
		"gateway", txn.Gateway,
		"provider_ref", result.Reference)

	return &UpgradeResponse{
		Success:       true,
		TransactionID: txn.ID,
		CheckoutURL:   result.CheckoutURL,
		Status:        billingmodel.StatusProcessing,
	}, nil
}

func responseFor(t *billingmodel.Transaction) *UpgradeResponse {
	resp := &UpgradeResponse{
		Success:       true,
		TransactionID: t.ID,
		Status:        t.Status,
	}
	if t.CheckoutURL != nil {
		resp.CheckoutURL = *t.CheckoutURL
	}
	return resp
}

// HandleGatewayEvent processes a verified, normalized webhook event:
// deduplicate, resolve, then funnel into Reconcile. Signature
// verification already happened in the adapter; nothing unauthenticated
// reaches this path.
func (o *Orchestrator) HandleGatewayEvent(ctx context.Context, gatewayName string, ev *gateway.Event) (string, error) {
	existing, err := o.store.WebhookEvents().GetByProviderEventID(gatewayName, ev.ProviderEventID)
	if err != nil {
		return "", errors.NewInternalError("could not check for duplicate event", err)
	}
	if existing != nil && existing.IsSettled() {
		o.logger.Info("webhook event redelivered, absorbing",
			"gateway", gatewayName,
			"provider_event_id", ev.ProviderEventID,
			"status", existing.Status)
		return "duplicate", nil
	}

	record := existing
	if record == nil {
		record = &billingmodel.WebhookEvent{
			Gateway:         gatewayName,
			ProviderEventID: ev.ProviderEventID,
			Payload:         ev.Raw,
			Verified:        true,
			Status:          billingmodel.EventReceived,
			CreatedAt:       o.now(),
		}
		if err := o.store.WebhookEvents().Create(record); err != nil {
			if stderrors.Is(err, ErrDuplicateEvent) {
				return "duplicate", nil
			}
			return "", errors.NewInternalError("could not record webhook event", err)
		}
	}

	txn, err := o.store.Transactions().GetByProviderRef(gatewayName, ev.Reference)
	if err != nil {
		return "", errors.NewInternalError("could not resolve transaction", err)
	}
	if txn == nil {
		// A verified event with no matching transaction is a bug or an
		// attack, never a transient condition. Record and surface it.
		reason := fmt.Sprintf("no transaction for provider reference %q", ev.Reference)
		if settleErr := o.store.WebhookEvents().Settle(record.ID, billingmodel.EventFailed, nil, &reason); settleErr != nil {
			o.logger.Error("could not settle orphaned event", "error", settleErr, "event_id", record.ID)
		}
		o.logger.Error("webhook event references unknown transaction",
			"gateway", gatewayName,
			"provider_event_id", ev.ProviderEventID,
			"provider_ref", ev.Reference)
		return "orphaned", nil
	}

	if txn.IsTerminal() {
		if settleErr := o.store.WebhookEvents().Settle(record.ID, billingmodel.EventSkipped, &txn.ID, nil); settleErr != nil {
			o.logger.Error("could not settle skipped event", "error", settleErr, "event_id", record.ID)
		}
		o.logger.Info("webhook event for terminal transaction skipped",
			"transaction_id", txn.ID,
			"status", txn.Status,
			"provider_event_id", ev.ProviderEventID)
		return "skipped", nil
	}

	outcome, err := o.Reconcile(ctx, txn, ev.Outcome, ev.ProviderTxnID, ev.FailureReason)
	if err != nil {
		// Leave the event in received: the 5xx response makes the
		// provider redeliver, and an unsettled record lets that
		// redelivery retry reconciliation instead of being absorbed
		// as a duplicate.
		o.logger.Error("webhook reconciliation failed, awaiting redelivery",
			"error", err,
			"event_id", record.ID,
			"transaction_id", txn.ID)
		return "", err
	}

	settledStatus := billingmodel.EventProcessed
	if outcome == "skipped" {
		settledStatus = billingmodel.EventSkipped
	}
	if settleErr := o.store.WebhookEvents().Settle(record.ID, settledStatus, &txn.ID, nil); settleErr != nil {
		o.logger.Error("could not settle processed event", "error", settleErr, "event_id", record.ID)
	}
	return outcome, nil
}

// Reconcile is the single completion/failure funnel shared by webhooks,
// status polling and the sweep. The store's status guards make it safe to
// invoke concurrently for the same transaction: exactly one caller
// applies the terminal transition, the rest observe "skipped".
func (o *Orchestrator) Reconcile(ctx context.Context, txn *billingmodel.Transaction, outcome gateway.Outcome, providerTxnID, failureReason string) (string, error) {
	switch outcome {
	case gateway.OutcomeCompleted:
		return o.complete(ctx, txn, providerTxnID)
	case gateway.OutcomeFailed:
		if failureReason == "" {
			failureReason = "payment failed"
		}
		return o.fail(ctx, txn, string(errors.ErrCodeGatewayError), failureReason)
	}
	return "pending", nil
}

// complete commits the terminal transition, tier update and audit entry
// in one database transaction. A tier upgrade without a completed
// transaction record, or vice versa, would break the audit guarantee, so
// the writes are never visible independently.
func (o *Orchestrator) complete(ctx context.Context, txn *billingmodel.Transaction, providerTxnID string) (string, error) {
	var applied bool
	err := o.store.WithinTx(ctx, func(s Store) error {
		ok, err := s.Transactions().MarkCompleted(txn.ID, o.now())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		applied = true

		if err := s.Profiles().SetUserTier(txn.UserID, txn.TargetTier); err != nil {
			return fmt.Errorf("tier update for user %d: %w", txn.UserID, err)
		}

		details, _ := json.Marshal(map[string]string{
			"provider_txn_id": providerTxnID,
			"gateway":         txn.Gateway,
		})
		return s.Audit().Append(&billingmodel.AuditEntry{
			TransactionID: txn.ID,
			Action:        billingmodel.AuditActionComplete,
			PrevStatus:    txn.Status,
			NewStatus:     billingmodel.StatusCompleted,
			Details:       details,
			CreatedAt:     o.now(),
		})
	})
	if err != nil {
		return "", errors.NewInternalError("could not complete transaction", err)
	}
	if !applied {
		return "skipped", nil
	}

	o.logger.Info("upgrade completed",
		"transaction_id", txn.ID,
		"user_id", txn.UserID,
		"target_tier", txn.TargetTier)

	providerRef := ""
	if txn.ProviderRef != nil {
		providerRef = *txn.ProviderRef
	}
	o.eventBus.Publish(ctx, events.NewUpgradeCompletedEvent(
		txn.ID, txn.UserID, txn.PreviousTier, txn.TargetTier,
		txn.AmountCents, txn.Gateway, providerRef))

	return "completed", nil
}

func (o *Orchestrator) fail(ctx context.Context, txn *billingmodel.Transaction, errorCode, reason string) (string, error) {
	var applied bool
	err := o.store.WithinTx(ctx, func(s Store) error {
		details, _ := json.Marshal(map[string]string{"reason": reason})
		ok, err := s.Transactions().MarkFailed(txn.ID, errorCode, reason, details, o.now())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		applied = true

		return s.Audit().Append(&billingmodel.AuditEntry{
			TransactionID: txn.ID,
			Action:        billingmodel.AuditActionFail,
			PrevStatus:    txn.Status,
			NewStatus:     billingmodel.StatusFailed,
			Details:       details,
			CreatedAt:     o.now(),
		})
	})
	if err != nil {
		return "", errors.NewInternalError("could not fail transaction", err)
	}
	if !applied {
		return "skipped", nil
	}

	o.logger.Warn("upgrade failed",
		"transaction_id", txn.ID,
		"user_id", txn.UserID,
		"error_code", errorCode,
		"reason", reason)

	o.eventBus.Publish(ctx, events.NewUpgradeFailedEvent(
		txn.ID, txn.UserID, txn.TargetTier, errorCode, reason, txn.Gateway))

	return "failed", nil
}

// recordFailure durably records an adapter failure before it is reported
// to the caller, so no failure is lost even if reporting fails. The
// failed row is retained; a later initiate creates a fresh row since the
// uniqueness constraint only blocks non-terminal duplicates.
func (o *Orchestrator) recordFailure(ctx context.Context, txn *billingmodel.Transaction, errorCode, userMessage, detail string) {
	details, _ := json.Marshal(map[string]string{"detail": detail})
	applied, err := o.store.Transactions().MarkFailed(txn.ID, errorCode, userMessage, details, o.now())
	if err != nil {
		o.logger.Error("could not record transaction failure",
			"error", err,
			"transaction_id", txn.ID)
		return
	}
	if !applied {
		return
	}
	o.appendAudit(txn.ID, billingmodel.AuditActionFail,
		txn.Status, billingmodel.StatusFailed,
		map[string]any{"error_code": errorCode, "detail": detail})
	o.eventBus.Publish(ctx, events.NewUpgradeFailedEvent(
		txn.ID, txn.UserID, txn.TargetTier, errorCode, userMessage, txn.Gateway))
}

// Status serves client polling. For a due processing transaction it also
// pulls the gateway's status endpoint and funnels the result through
// Reconcile, so poll and webhook completion share one code path.
func (o *Orchestrator) Status(ctx context.Context, transactionID string, userID int64) (*TransactionView, error) {
	txn, err := o.store.Transactions().GetByID(transactionID)
	if err != nil {
		return nil, errors.NewInternalError("could not load transaction", err)
	}
	if txn == nil || txn.UserID != userID {
		return nil, errors.ErrTransactionNotFound
	}

	if txn.Status == billingmodel.StatusProcessing && txn.ProviderRef != nil {
		due := txn.NextVerifyAt == nil || !txn.NextVerifyAt.After(o.now())
		if due && txn.VerifyAttempts < o.cfg.MaxVerifyAttempts {
			if verified := o.pullAndReconcile(ctx, txn); verified {
				if reloaded, loadErr := o.store.Transactions().GetByID(transactionID); loadErr == nil && reloaded != nil {
					txn = reloaded
				}
			}
		}
	}

	return ToView(txn), nil
}

// pullAndReconcile polls the gateway's own status endpoint for one
// processing transaction. Returns true when a pull happened, whether or
// not it resolved the transaction.
func (o *Orchestrator) pullAndReconcile(ctx context.Context, txn *billingmodel.Transaction) bool {
	if err := o.store.Transactions().IncrementVerifyAttempts(txn.ID, o.now().Add(o.cfg.VerifyBackoff)); err != nil {
		o.logger.Error("could not increment verify attempts", "error", err, "transaction_id", txn.ID)
		return false
	}
	o.appendAudit(txn.ID, billingmodel.AuditActionVerify, txn.Status, txn.Status,
		map[string]any{"attempt": txn.VerifyAttempts + 1})

	adapter, ok := o.selector.ByName(txn.Gateway)
	if !ok {
		o.logger.Error("no adapter for gateway", "gateway", txn.Gateway, "transaction_id", txn.ID)
		return true
	}

	result, err := adapter.GetCharge(ctx, *txn.ProviderRef)
	if err != nil {
		o.logger.Warn("gateway status pull failed",
			"error", err,
			"transaction_id", txn.ID,
			"gateway", txn.Gateway)
		return true
	}

	if result.Status != gateway.OutcomePending {
		if _, err := o.Reconcile(ctx, txn, result.Status, "", "gateway reported failure on status pull"); err != nil {
			o.logger.Error("reconcile after status pull failed", "error", err, "transaction_id", txn.ID)
		}
	}
	return true
}

// SweepStats summarizes one reconciliation sweep.
type SweepStats struct {
	Scanned    int
	Completed  int
	Failed     int
	TimedOut   int
	Cancelled  int
	Errors     int
	Mismatches int
}

// VerifyStuck is the scheduled pull-model fallback for lost webhooks:
// processing transactions older than the timeout are polled against the
// gateway; after the attempt budget is exhausted they are failed with
// TIMEOUT rather than left processing forever. It also scans for
// completed-transaction/profile-tier drift and repairs it.
func (o *Orchestrator) VerifyStuck(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := o.now()

	// A row stranded in pending never reached the gateway, but its
	// active-upgrade uniqueness still blocks fresh attempts by that user.
	// There is no provider reference to poll, so cancel it outright.
	stale, err := o.store.Transactions().ListStalePending(
		now.Add(-o.cfg.ProcessingTimeout), o.cfg.SweepBatchSize)
	if err != nil {
		return stats, errors.NewInternalError("could not list stale pending transactions", err)
	}
	for _, txn := range stale {
		stats.Scanned++
		applied, err := o.store.Transactions().MarkCancelled(txn.ID, now)
		if err != nil {
			o.logger.Error("could not cancel stale pending transaction",
				"error", err, "transaction_id", txn.ID)
			stats.Errors++
			continue
		}
		if !applied {
			continue
		}
		stats.Cancelled++
		o.logger.Warn("cancelled stale pending transaction",
			"transaction_id", txn.ID,
			"user_id", txn.UserID,
			"target_tier", txn.TargetTier,
			"age", now.Sub(txn.CreatedAt).String())
		o.appendAudit(txn.ID, billingmodel.AuditActionCancel,
			billingmodel.StatusPending, billingmodel.StatusCancelled,
			map[string]any{"trigger": "sweep", "reason": "no gateway charge created"})
	}

	stuck, err := o.store.Transactions().ListStuckProcessing(
		now.Add(-o.cfg.ProcessingTimeout), now, o.cfg.SweepBatchSize)
	if err != nil {
		return stats, errors.NewInternalError("could not list stuck transactions", err)
	}

	for _, txn := range stuck {
		stats.Scanned++

		if txn.VerifyAttempts >= o.cfg.MaxVerifyAttempts {
			if outcome, err := o.timeOut(ctx, txn); err != nil {
				stats.Errors++
			} else if outcome == "failed" {
				stats.TimedOut++
			}
			continue
		}

		if txn.ProviderRef == nil {
			// Processing without a provider reference should not happen;
			// nothing to poll, so only the attempt budget can end it.
			if err := o.store.Transactions().IncrementVerifyAttempts(txn.ID, now.Add(o.cfg.VerifyBackoff)); err != nil {
				stats.Errors++
			}
			continue
		}

		if err := o.store.Transactions().IncrementVerifyAttempts(txn.ID, now.Add(o.cfg.VerifyBackoff)); err != nil {
			stats.Errors++
			continue
		}
		o.appendAudit(txn.ID, billingmodel.AuditActionVerify, txn.Status, txn.Status,
			map[string]any{"attempt": txn.VerifyAttempts + 1, "trigger": "sweep"})

		adapter, ok := o.selector.ByName(txn.Gateway)
		if !ok {
			stats.Errors++
			continue
		}

		result, err := adapter.GetCharge(ctx, *txn.ProviderRef)
		if err != nil {
			o.logger.Warn("sweep status pull failed",
				"error", err,
				"transaction_id", txn.ID,
				"gateway", txn.Gateway)
			stats.Errors++
			continue
		}

		switch result.Status {
		case gateway.OutcomeCompleted:
			if outcome, err := o.complete(ctx, txn, ""); err != nil {
				stats.Errors++
			} else if outcome == "completed" {
				stats.Completed++
			}
		case gateway.OutcomeFailed:
			if outcome, err := o.fail(ctx, txn, string(errors.ErrCodeGatewayError), "gateway reported failure during reconciliation"); err != nil {
				stats.Errors++
			} else if outcome == "failed" {
				stats.Failed++
			}
		default:
			if txn.VerifyAttempts+1 >= o.cfg.MaxVerifyAttempts {
				if outcome, err := o.timeOut(ctx, txn); err != nil {
					stats.Errors++
				} else if outcome == "failed" {
					stats.TimedOut++
				}
			}
		}
	}

	mismatches, err := o.store.Transactions().ListTierMismatches(o.cfg.SweepBatchSize)
	if err != nil {
		o.logger.Error("tier mismatch scan failed", "error", err)
		stats.Errors++
		return stats, nil
	}
	for _, m := range mismatches {
		stats.Mismatches++
		o.logger.Error("completed transaction with mismatched profile tier",
			"transaction_id", m.TransactionID,
			"user_id", m.UserID,
			"expected_tier", m.ExpectedTier,
			"actual_tier", m.ActualTier)
		o.eventBus.Publish(ctx, events.NewUpgradeInconsistentEvent(
			m.TransactionID, m.UserID, m.ExpectedTier, m.ActualTier))

		if err := o.store.Profiles().SetUserTier(m.UserID, m.ExpectedTier); err != nil {
			o.logger.Error("tier repair failed", "error", err, "user_id", m.UserID)
			stats.Errors++
			continue
		}
		o.appendAudit(m.TransactionID, billingmodel.AuditActionRetry,
			billingmodel.StatusCompleted, billingmodel.StatusCompleted,
			map[string]any{"repaired_tier": m.ExpectedTier, "was": m.ActualTier})
	}

	return stats, nil
}

func (o *Orchestrator) timeOut(ctx context.Context, txn *billingmodel.Transaction) (string, error) {
	return o.fail(ctx, txn, string(errors.ErrCodeTimeout),
		"no confirmation received from payment provider before the deadline")
}

// Refund records refund bookkeeping on a completed transaction. No
// gateway call is made; money movement happens elsewhere.
func (o *Orchestrator) Refund(ctx context.Context, transactionID string) error {
	txn, err := o.store.Transactions().GetByID(transactionID)
	if err != nil {
		return errors.NewInternalError("could not load transaction", err)
	}
	if txn == nil {
		return errors.ErrTransactionNotFound
	}

	applied, err := o.store.Transactions().MarkRefunded(transactionID, o.now())
	if err != nil {
		return errors.NewInternalError("could not mark transaction refunded", err)
	}
	if !applied {
		// Rejected transitions are audited too; the trail records the
		// attempt with an unchanged status.
		o.appendAudit(transactionID, billingmodel.AuditActionFail,
			txn.Status, txn.Status,
			map[string]any{"rejected": "refund requires completed status"})
		return errors.NewConflictError("only completed transactions can be refunded", errors.ErrCodeInvalidTransition)
	}

	o.appendAudit(transactionID, billingmodel.AuditActionComplete,
		billingmodel.StatusCompleted, billingmodel.StatusRefunded, nil)
	return nil
}

func (o *Orchestrator) appendAudit(transactionID, action, prevStatus, newStatus string, detail map[string]any) {
	var details json.RawMessage
	if detail != nil {
		details, _ = json.Marshal(detail)
	}
	entry := &billingmodel.AuditEntry{
		TransactionID: transactionID,
		Action:        action,
		PrevStatus:    prevStatus,
		NewStatus:     newStatus,
		Details:       details,
		CreatedAt:     o.now(),
	}
	if err := o.store.Audit().Append(entry); err != nil {
		// The audit append must never break the main path, but a gap in
		// the trail is worth shouting about.
		o.logger.Error("audit append failed",
			"error", err,
			"transaction_id", transactionID,
			"action", action)
	}
}
