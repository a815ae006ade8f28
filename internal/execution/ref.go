package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// ClientRef is the idempotency key of an entry order. The same analysis
// entered twice for an account yields the same ref.
func ClientRef(accountID, symbol string, analyzedAt time.Time) string {
	sum := sha256.Sum256([]byte(accountID + "|" + symbol + "|" + strconv.FormatInt(analyzedAt.UnixNano(), 10)))
	return hex.EncodeToString(sum[:])[:20]
}

// exitRef keys the n-th exit attempt of a position
func exitRef(positionID string, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|exit|%d", positionID, attempt)))
	return hex.EncodeToString(sum[:])[:20]
}
