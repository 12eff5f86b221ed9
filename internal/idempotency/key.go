package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/anyulbade/vpos-engine/internal/model"
)

// MaxKeyLen matches the key columns of the idempotency and transaction tables.
const MaxKeyLen = 128

// ValidateKey checks a client supplied key: at most MaxKeyLen characters of
// printable ASCII.
func ValidateKey(key string) error {
	if len(key) > MaxKeyLen {
		return model.Validationf("idempotency key", "exceeds %d characters", MaxKeyLen)
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x20 || key[i] > 0x7e {
			return model.Validationf("idempotency key", "must be printable ASCII")
		}
	}
	return nil
}

// DeriveKey builds the system key for a checkout from the merchant order id,
// the amount and the provider. Amounts are normalised to two decimals so
// "1500" and "1500.00" collide.
func DeriveKey(merchantOrderID string, amount decimal.Decimal, currency model.Currency, provider string) string {
	return digest("key", strings.TrimSpace(merchantOrderID), amount.StringFixed(2), string(currency), provider)
}

// RequestFingerprint identifies the payload a key was first used with.
func RequestFingerprint(merchantOrderID string, amount decimal.Decimal, currency model.Currency, provider string, pt model.PaymentType, installments int) string {
	return digest("fp", strings.TrimSpace(merchantOrderID), amount.StringFixed(2), string(currency), provider, string(pt), strconv.Itoa(installments))
}

func digest(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
