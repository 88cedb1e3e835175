package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultIdempotencyWindow is the time bucket width for coalescing rapid
// duplicate submissions.
const DefaultIdempotencyWindow = time.Minute

// DeriveIdempotencyKey maps (userID, targetTier, time bucket) to a stable
// key. Two submissions inside the same bucket derive the same key and
// resolve to the same transaction.
//
// The bucket boundary is a known limitation: a submission at :59 and one
// at :01 of the next minute derive different keys. Cross-bucket double
// charges are still blocked by the store's one-active-upgrade constraint;
// the bucket only bounds how long a resubmission gets the original
// checkout reference back.
func DeriveIdempotencyKey(userID int64, targetTier string, at time.Time, window time.Duration) string {
	if window <= 0 {
		window = DefaultIdempotencyWindow
	}
	bucket := at.UTC().Unix() / int64(window.Seconds())
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%d", userID, targetTier, bucket)))
	return hex.EncodeToString(sum[:])
}
