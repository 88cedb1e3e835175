package billing_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/creatorhub/membership-billing/internal/billing"
)

var _ = Describe("DeriveIdempotencyKey", func() {
	var base time.Time

	BeforeEach(func() {
		base = time.Date(2025, 6, 1, 10, 30, 5, 0, time.UTC)
	})

	It("should derive the same key for submissions in the same bucket", func() {
		first := billing.DeriveIdempotencyKey(42, "premium", base, time.Minute)
		second := billing.DeriveIdempotencyKey(42, "premium", base.Add(20*time.Second), time.Minute)
		Expect(second).To(Equal(first))
	})

	It("should derive different keys across bucket boundaries", func() {
		first := billing.DeriveIdempotencyKey(42, "premium", base, time.Minute)
		second := billing.DeriveIdempotencyKey(42, "premium", base.Add(time.Minute), time.Minute)
		Expect(second).ToNot(Equal(first))
	})

	It("should derive different keys per user", func() {
		first := billing.DeriveIdempotencyKey(42, "premium", base, time.Minute)
		second := billing.DeriveIdempotencyKey(43, "premium", base, time.Minute)
		Expect(second).ToNot(Equal(first))
	})

	It("should derive different keys per target tier", func() {
		first := billing.DeriveIdempotencyKey(42, "premium", base, time.Minute)
		second := billing.DeriveIdempotencyKey(42, "elite", base, time.Minute)
		Expect(second).ToNot(Equal(first))
	})

	It("should be insensitive to the submission's time zone", func() {
		jakarta := time.FixedZone("WIB", 7*3600)
		first := billing.DeriveIdempotencyKey(42, "premium", base, time.Minute)
		second := billing.DeriveIdempotencyKey(42, "premium", base.In(jakarta), time.Minute)
		Expect(second).To(Equal(first))
	})

	It("should fall back to the default window when given zero", func() {
		first := billing.DeriveIdempotencyKey(42, "premium", base, 0)
		second := billing.DeriveIdempotencyKey(42, "premium", base, billing.DefaultIdempotencyWindow)
		Expect(second).To(Equal(first))
	})
})
