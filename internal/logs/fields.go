package logs

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"
)

// MaskEmail returns a short stable digest of an address so log lines can be
// correlated without recording the address itself.
func MaskEmail(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])[:8]
}

// EmailHash is a zap field carrying the masked form of an email address.
func EmailHash(email string) zap.Field {
	return zap.String("email_hash", MaskEmail(email))
}
