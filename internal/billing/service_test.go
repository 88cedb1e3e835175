package billing_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/creatorhub/membership-billing/internal"
	"github.com/creatorhub/membership-billing/internal/billing"
	billingmodel "github.com/creatorhub/membership-billing/internal/core/datamodel/billing"
	"github.com/creatorhub/membership-billing/internal/core/events"
	"github.com/creatorhub/membership-billing/internal/gateway"
	"github.com/creatorhub/membership-billing/internal/tier"
)

// fakeAdapter scripts gateway behavior per test.
type fakeAdapter struct {
	mu          sync.Mutex
	name        string
	chargeErr   error
	chargeCalls int
	getResult   *gateway.ChargeResult
	getErr      error
	getCalls    int
}

func (f *fakeAdapter) Name() string            { return f.name }
func (f *fakeAdapter) SignatureHeader() string { return "X-Test-Signature" }

func (f *fakeAdapter) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chargeCalls++
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	return &gateway.ChargeResult{
		Reference:   "ref-" + req.TransactionID,
		CheckoutURL: "https://checkout.example/" + req.TransactionID,
		Status:      gateway.OutcomePending,
	}, nil
}

func (f *fakeAdapter) GetCharge(ctx context.Context, reference string) (*gateway.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.getResult != nil {
		return f.getResult, nil
	}
	return &gateway.ChargeResult{Reference: reference, Status: gateway.OutcomePending}, nil
}

func (f *fakeAdapter) VerifyWebhook(payload []byte, signature string) (*gateway.Event, error) {
	if signature != "valid" {
		return nil, gateway.ErrInvalidSignature
	}
	return &gateway.Event{ProviderEventID: "evt-1", Raw: payload}, nil
}

var _ = Describe("Orchestrator", func() {
	var (
		store        *mockStore
		adapter      *fakeAdapter
		orchestrator *billing.Orchestrator
		ctx          context.Context
		now          time.Time
	)

	validRequest := func() *billing.UpgradeRequest {
		return &billing.UpgradeRequest{
			CurrentTier:   "supporter",
			TargetTier:    "premium",
			AmountCents:   999,
			BillingCycle:  "monthly",
			PaymentMethod: "card",
			Email:         "mira@mail.com",
			UserID:        42,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
		store = newMockStore()
		store.userTiers[42] = "supporter"
		adapter = &fakeAdapter{name: "stripe"}

		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		selector := gateway.NewSelector(map[string]gateway.Adapter{"card": adapter})
		eventBus := events.NewEventBus(logger)

		orchestrator = billing.NewOrchestrator(store, selector, tier.NewCatalog(), eventBus, billing.OrchestratorConfig{
			ProcessingTimeout: 15 * time.Minute,
			VerifyBackoff:     5 * time.Minute,
			MaxVerifyAttempts: 3,
			SweepBatchSize:    10,
		}, logger).WithClock(func() time.Time { return now })
	})

	Describe("Initiate", func() {
		Context("when the request is valid", func() {
			It("should create a processing transaction with a checkout URL", func() {
				resp, err := orchestrator.Initiate(ctx, validRequest())

				Expect(err).ToNot(HaveOccurred())
				Expect(resp.Success).To(BeTrue())
				Expect(resp.Status).To(Equal(billingmodel.StatusProcessing))
				Expect(resp.CheckoutURL).To(HavePrefix("https://checkout.example/"))

				txn, _ := store.Transactions().GetByID(resp.TransactionID)
				Expect(txn).ToNot(BeNil())
				Expect(txn.Status).To(Equal(billingmodel.StatusProcessing))
				Expect(txn.PreviousTier).To(Equal("supporter"))
				Expect(txn.TargetTier).To(Equal("premium"))
				Expect(txn.Currency).To(Equal("USD"))
				Expect(*txn.ProviderRef).To(Equal("ref-" + txn.ID))

				Expect(store.auditActions(resp.TransactionID)).To(Equal([]string{billingmodel.AuditActionInit}))
			})
		})

		Context("when the same request is resubmitted inside the window", func() {
			It("should return the original transaction without a second charge", func() {
				first, err := orchestrator.Initiate(ctx, validRequest())
				Expect(err).ToNot(HaveOccurred())

				now = now.Add(10 * time.Second)
				second, err := orchestrator.Initiate(ctx, validRequest())
				Expect(err).ToNot(HaveOccurred())

				Expect(second.TransactionID).To(Equal(first.TransactionID))
				Expect(adapter.chargeCalls).To(Equal(1))
			})
		})

		Context("when validation fails", func() {
			It("should reject a downgrade and write nothing", func() {
				req := validRequest()
				req.CurrentTier = "premium"
				req.TargetTier = "supporter"
				req.AmountCents = 499

				_, err := orchestrator.Initiate(ctx, req)

				appErr, ok := apperrors.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.Code).To(Equal(apperrors.ErrCodeUpgradeNotAllowed))
				Expect(store.transactions).To(BeEmpty())
				Expect(adapter.chargeCalls).To(BeZero())
			})

			It("should reject an amount that disagrees with the catalog", func() {
				req := validRequest()
				req.AmountCents = 500

				_, err := orchestrator.Initiate(ctx, req)

				Expect(err).To(HaveOccurred())
				Expect(store.transactions).To(BeEmpty())
				Expect(adapter.chargeCalls).To(BeZero())
			})

			It("should reject an unknown payment method", func() {
				req := validRequest()
				req.PaymentMethod = "cheque"

				_, err := orchestrator.Initiate(ctx, req)

				appErr, ok := apperrors.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.Code).To(Equal(apperrors.ErrCodeUnknownMethod))
				Expect(store.transactions).To(BeEmpty())
			})

			It("should reject a malformed email before any write", func() {
				req := validRequest()
				req.Email = "not-an-email"

				_, err := orchestrator.Initiate(ctx, req)

				Expect(err).To(HaveOccurred())
				Expect(store.transactions).To(BeEmpty())
			})
		})

		Context("when the gateway rejects the charge", func() {
			It("should persist a failed transaction with diagnostics", func() {
				adapter.chargeErr = errors.New("connection refused")

				_, err := orchestrator.Initiate(ctx, validRequest())

				appErr, ok := apperrors.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.Code).To(Equal(apperrors.ErrCodeGatewayError))
				Expect(appErr.StatusCode).To(Equal(502))

				Expect(store.transactions).To(HaveLen(1))
				for _, txn := range store.transactions {
					Expect(txn.Status).To(Equal(billingmodel.StatusFailed))
					Expect(*txn.ErrorCode).To(Equal(string(apperrors.ErrCodeGatewayError)))
					Expect(store.auditActions(txn.ID)).To(ContainElement(billingmodel.AuditActionFail))
				}
			})

			It("should allow a fresh attempt after the failure", func() {
				adapter.chargeErr = errors.New("connection refused")
				_, err := orchestrator.Initiate(ctx, validRequest())
				Expect(err).To(HaveOccurred())

				adapter.chargeErr = nil
				now = now.Add(2 * time.Minute)
				resp, err := orchestrator.Initiate(ctx, validRequest())
				Expect(err).ToNot(HaveOccurred())
				Expect(resp.Status).To(Equal(billingmodel.StatusProcessing))
			})
		})

		Context("when a concurrent create wins the uniqueness race", func() {
			It("should return the winner's transaction", func() {
				first, err := orchestrator.Initiate(ctx, validRequest())
				Expect(err).ToNot(HaveOccurred())

				// Next minute derives a fresh key, so only the
				// one-active-upgrade constraint blocks the insert.
				now = now.Add(2 * time.Minute)
				second, err := orchestrator.Initiate(ctx, validRequest())
				Expect(err).ToNot(HaveOccurred())
				Expect(second.TransactionID).To(Equal(first.TransactionID))
				Expect(adapter.chargeCalls).To(Equal(1))
			})
		})
	})

	Describe("HandleGatewayEvent", func() {
		var txnID string

		BeforeEach(func() {
			resp, err := orchestrator.Initiate(ctx, validRequest())
			Expect(err).ToNot(HaveOccurred())
			txnID = resp.TransactionID
		})

		completedEvent := func(eventID string) *gateway.Event {
			return &gateway.Event{
				ProviderEventID: eventID,
				Reference:       "ref-" + txnID,
				Outcome:         gateway.OutcomeCompleted,
				ProviderTxnID:   "prov-123",
			}
		}

		Context("when a payment completes", func() {
			It("should complete the transaction and upgrade the tier atomically", func() {
				outcome, err := orchestrator.HandleGatewayEvent(ctx, "stripe", completedEvent("evt-1"))

				Expect(err).ToNot(HaveOccurred())
				Expect(outcome).To(Equal("completed"))

				txn, _ := store.Transactions().GetByID(txnID)
				Expect(txn.Status).To(Equal(billingmodel.StatusCompleted))
				Expect(txn.CompletedAt).ToNot(BeNil())
				Expect(store.userTiers[42]).To(Equal("premium"))
				Expect(store.auditActions(txnID)).To(ContainElement(billingmodel.AuditActionComplete))
			})

			It("should leave everything unchanged when the tier update fails", func() {
				store.setTierError = errors.New("profile service down")

				_, err := orchestrator.HandleGatewayEvent(ctx, "stripe", completedEvent("evt-1"))

				Expect(err).To(HaveOccurred())
				Expect(store.userTiers[42]).To(Equal("supporter"))
			})
		})

		Context("when the same event is redelivered", func() {
			It("should absorb the duplicate without touching the transaction", func() {
				_, err := orchestrator.HandleGatewayEvent(ctx, "stripe", completedEvent("evt-1"))
				Expect(err).ToNot(HaveOccurred())

				outcome, err := orchestrator.HandleGatewayEvent(ctx, "stripe", completedEvent("evt-1"))
				Expect(err).ToNot(HaveOccurred())
				Expect(outcome).To(Equal("duplicate"))

				txn, _ := store.Transactions().GetByID(txnID)
				Expect(txn.Status).To(Equal(billingmodel.StatusCompleted))
			})
		})

		Context("when completion fails transiently", func() {
			It("should let the provider's redelivery finish the upgrade", func() {
				store.txFailError = errors.New("deadlock detected")

				_, err := orchestrator.HandleGatewayEvent(ctx, "stripe", completedEvent("evt-1"))
				Expect(err).To(HaveOccurred())

				txn, _ := store.Transactions().GetByID(txnID)
				Expect(txn.Status).To(Equal(billingmodel.StatusProcessing))

				store.txFailError = nil

				outcome, err := orchestrator.HandleGatewayEvent(ctx, "stripe", completedEvent("evt-1"))
				Expect(err).ToNot(HaveOccurred())
				Expect(outcome).To(Equal("completed"))

				txn, _ = store.Transactions().GetByID(txnID)
				Expect(txn.Status).To(Equal(billingmodel.StatusCompleted))
				Expect(store.userTiers[42]).To(Equal("premium"))
			})
		})

		Context("when a late event arrives for a terminal transaction", func() {
			It("should skip without mutating the row", func() {
				_, err := orchestrator.HandleGatewayEvent(ctx, "stripe", completedEvent("evt-1"))
				Expect(err).ToNot(HaveOccurred())

				late := &gateway.Event{
					ProviderEventID: "evt-2",
					Reference:       "ref-" + txnID,
					Outcome:         gateway.OutcomeFailed,
					FailureReason:   "card declined",
				}
				outcome, err := orchestrator.HandleGatewayEvent(ctx, "stripe", late)
				Expect(err).ToNot(HaveOccurred())
				Expect(outcome).To(Equal("skipped"))

				txn, _ := store.Transactions().GetByID(txnID)
				Expect(txn.Status).To(Equal(billingmodel.StatusCompleted))
				Expect(store.userTiers[42]).To(Equal("premium"))
			})
		})

		Context("when the event references no known transaction", func() {
			It("should record the orphaned event and not create a transaction", func() {
				orphan := &gateway.Event{
					ProviderEventID: "evt-9",
					Reference:       "ref-unknown",
					Outcome:         gateway.OutcomeCompleted,
				}
				outcome, err := orchestrator.HandleGatewayEvent(ctx, "stripe", orphan)
				Expect(err).ToNot(HaveOccurred())
				Expect(outcome).To(Equal("orphaned"))

				rec, _ := store.WebhookEvents().GetByProviderEventID("stripe", "evt-9")
				Expect(rec).ToNot(BeNil())
				Expect(rec.Status).To(Equal(billingmodel.EventFailed))
				Expect(store.transactions).To(HaveLen(1))
			})
		})

		Context("when the payment fails", func() {
			It("should fail the transaction and keep the user's tier", func() {
				failed := &gateway.Event{
					ProviderEventID: "evt-3",
					Reference:       "ref-" + txnID,
					Outcome:         gateway.OutcomeFailed,
					FailureReason:   "card declined",
				}
				outcome, err := orchestrator.HandleGatewayEvent(ctx, "stripe", failed)
				Expect(err).ToNot(HaveOccurred())
				Expect(outcome).To(Equal("failed"))

				txn, _ := store.Transactions().GetByID(txnID)
				Expect(txn.Status).To(Equal(billingmodel.StatusFailed))
				Expect(*txn.ErrorMessage).To(Equal("card declined"))
				Expect(store.userTiers[42]).To(Equal("supporter"))
			})
		})
	})

	Describe("Status", func() {
		var txnID string

		BeforeEach(func() {
			resp, err := orchestrator.Initiate(ctx, validRequest())
			Expect(err).ToNot(HaveOccurred())
			txnID = resp.TransactionID
		})

		It("should return the caller's transaction", func() {
			view, err := orchestrator.Status(ctx, txnID, 42)
			Expect(err).ToNot(HaveOccurred())
			Expect(view.TransactionID).To(Equal(txnID))
			Expect(view.Status).To(Equal(billingmodel.StatusProcessing))
		})

		It("should not reveal another user's transaction", func() {
			_, err := orchestrator.Status(ctx, txnID, 99)
			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(apperrors.ErrCodeTransactionNotFound))
		})

		It("should pull the gateway and resolve a completed charge", func() {
			adapter.getResult = &gateway.ChargeResult{Status: gateway.OutcomeCompleted}

			view, err := orchestrator.Status(ctx, txnID, 42)
			Expect(err).ToNot(HaveOccurred())
			Expect(view.Status).To(Equal(billingmodel.StatusCompleted))
			Expect(store.userTiers[42]).To(Equal("premium"))
			Expect(adapter.getCalls).To(Equal(1))
		})

		It("should back off between gateway pulls", func() {
			_, err := orchestrator.Status(ctx, txnID, 42)
			Expect(err).ToNot(HaveOccurred())
			Expect(adapter.getCalls).To(Equal(1))

			// Second poll before the backoff elapses must not pull again.
			_, err = orchestrator.Status(ctx, txnID, 42)
			Expect(err).ToNot(HaveOccurred())
			Expect(adapter.getCalls).To(Equal(1))

			now = now.Add(6 * time.Minute)
			_, err = orchestrator.Status(ctx, txnID, 42)
			Expect(err).ToNot(HaveOccurred())
			Expect(adapter.getCalls).To(Equal(2))
		})
	})

	Describe("VerifyStuck", func() {
		var txnID string

		BeforeEach(func() {
			resp, err := orchestrator.Initiate(ctx, validRequest())
			Expect(err).ToNot(HaveOccurred())
			txnID = resp.TransactionID
		})

		Context("when the gateway reports completion", func() {
			It("should complete the stuck transaction", func() {
				adapter.getResult = &gateway.ChargeResult{Status: gateway.OutcomeCompleted}
				now = now.Add(20 * time.Minute)

				stats, err := orchestrator.VerifyStuck(ctx)
				Expect(err).ToNot(HaveOccurred())
				Expect(stats.Scanned).To(Equal(1))
				Expect(stats.Completed).To(Equal(1))

				txn, _ := store.Transactions().GetByID(txnID)
				Expect(txn.Status).To(Equal(billingmodel.StatusCompleted))
				Expect(store.userTiers[42]).To(Equal("premium"))
			})
		})

		Context("when the gateway still reports pending", func() {
			It("should fail with a timeout after the attempt budget", func() {
				for i := 0; i < 4; i++ {
					now = now.Add(20 * time.Minute)
					_, err := orchestrator.VerifyStuck(ctx)
					Expect(err).ToNot(HaveOccurred())
				}

				txn, _ := store.Transactions().GetByID(txnID)
				Expect(txn.Status).To(Equal(billingmodel.StatusFailed))
				Expect(*txn.ErrorCode).To(Equal(string(apperrors.ErrCodeTimeout)))
				Expect(store.userTiers[42]).To(Equal("supporter"))
			})
		})

		Context("when the backoff has not elapsed", func() {
			It("should not pull the gateway again", func() {
				now = now.Add(20 * time.Minute)
				_, err := orchestrator.VerifyStuck(ctx)
				Expect(err).ToNot(HaveOccurred())
				Expect(adapter.getCalls).To(Equal(1))

				now = now.Add(time.Minute)
				stats, err := orchestrator.VerifyStuck(ctx)
				Expect(err).ToNot(HaveOccurred())
				Expect(stats.Scanned).To(BeZero())
				Expect(adapter.getCalls).To(Equal(1))
			})
		})

		Context("when a transaction is stranded in pending", func() {
			seedPending := func(id string, userID int64, createdAt time.Time) {
				store.transactions[id] = &billingmodel.Transaction{
					ID:             id,
					SubjectType:    billingmodel.SubjectTypeMembership,
					UserID:         userID,
					IdempotencyKey: "stale-" + id,
					PreviousTier:   "supporter",
					TargetTier:     "premium",
					AmountCents:    999,
					Currency:       "USD",
					BillingCycle:   "monthly",
					PaymentMethod:  "card",
					Gateway:        "stripe",
					Status:         billingmodel.StatusPending,
					CreatedAt:      createdAt,
				}
			}

			It("should cancel the stale row and unblock a fresh upgrade", func() {
				store.userTiers[43] = "supporter"
				seedPending("stale-txn", 43, now.Add(-24*time.Hour))

				stats, err := orchestrator.VerifyStuck(ctx)
				Expect(err).ToNot(HaveOccurred())
				Expect(stats.Cancelled).To(Equal(1))

				txn, _ := store.Transactions().GetByID("stale-txn")
				Expect(txn.Status).To(Equal(billingmodel.StatusCancelled))
				Expect(store.auditActions("stale-txn")).To(ContainElement(billingmodel.AuditActionCancel))

				req := validRequest()
				req.UserID = 43
				resp, err := orchestrator.Initiate(ctx, req)
				Expect(err).ToNot(HaveOccurred())
				Expect(resp.TransactionID).ToNot(Equal("stale-txn"))
				Expect(resp.Status).To(Equal(billingmodel.StatusProcessing))
				Expect(resp.CheckoutURL).ToNot(BeEmpty())
			})

			It("should leave a recent pending row alone", func() {
				seedPending("fresh-txn", 43, now.Add(-time.Minute))

				stats, err := orchestrator.VerifyStuck(ctx)
				Expect(err).ToNot(HaveOccurred())
				Expect(stats.Cancelled).To(BeZero())

				txn, _ := store.Transactions().GetByID("fresh-txn")
				Expect(txn.Status).To(Equal(billingmodel.StatusPending))
			})
		})

		Context("when a completed transaction's tier drifted", func() {
			It("should repair the tier and count the mismatch", func() {
				adapter.getResult = &gateway.ChargeResult{Status: gateway.OutcomeCompleted}
				now = now.Add(20 * time.Minute)
				_, err := orchestrator.VerifyStuck(ctx)
				Expect(err).ToNot(HaveOccurred())

				store.userTiers[42] = "supporter"

				stats, err := orchestrator.VerifyStuck(ctx)
				Expect(err).ToNot(HaveOccurred())
				Expect(stats.Mismatches).To(Equal(1))
				Expect(store.userTiers[42]).To(Equal("premium"))
				Expect(store.auditActions(txnID)).To(ContainElement(billingmodel.AuditActionRetry))
			})
		})
	})

	Describe("Refund", func() {
		It("should mark a completed transaction refunded", func() {
			resp, err := orchestrator.Initiate(ctx, validRequest())
			Expect(err).ToNot(HaveOccurred())

			_, err = orchestrator.HandleGatewayEvent(ctx, "stripe", &gateway.Event{
				ProviderEventID: "evt-1",
				Reference:       "ref-" + resp.TransactionID,
				Outcome:         gateway.OutcomeCompleted,
			})
			Expect(err).ToNot(HaveOccurred())

			Expect(orchestrator.Refund(ctx, resp.TransactionID)).To(Succeed())

			txn, _ := store.Transactions().GetByID(resp.TransactionID)
			Expect(txn.Status).To(Equal(billingmodel.StatusRefunded))
		})

		It("should reject a refund on a processing transaction and audit the attempt", func() {
			resp, err := orchestrator.Initiate(ctx, validRequest())
			Expect(err).ToNot(HaveOccurred())

			err = orchestrator.Refund(ctx, resp.TransactionID)
			appErr, ok := apperrors.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(apperrors.ErrCodeInvalidTransition))

			txn, _ := store.Transactions().GetByID(resp.TransactionID)
			Expect(txn.Status).To(Equal(billingmodel.StatusProcessing))
		})
	})
})
