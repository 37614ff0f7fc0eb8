package tenant

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// API keys are tfa_live_<64 lowercase hex chars>; only the HMAC of the
// raw key is ever stored or compared.
const (
	keyDisplayPrefix = "tfa_live_"
	keyRandomBytes   = 32
	prefixDisplayLen = 16
)

// GenerateKey mints a fresh raw API key from the system CSPRNG.
func GenerateKey() (string, error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading key entropy: %w", err)
	}
	return keyDisplayPrefix + hex.EncodeToString(buf), nil
}

// KeyPrefix is the short form shown in dashboards and webhook replies.
func KeyPrefix(rawKey string) string {
	if len(rawKey) < prefixDisplayLen {
		return rawKey
	}
	return rawKey[:prefixDisplayLen]
}

// HashKey derives the storage hash of a raw key under the server salt.
func HashKey(salt, rawKey string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidKeyFormat checks the wire shape before any lookup happens, so
// malformed keys never reach the database.
func ValidKeyFormat(rawKey string) bool {
	if len(rawKey) != len(keyDisplayPrefix)+2*keyRandomBytes {
		return false
	}
	if !strings.HasPrefix(rawKey, keyDisplayPrefix) {
		return false
	}
	for _, c := range rawKey[len(keyDisplayPrefix):] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
