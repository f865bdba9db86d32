// Package signing implements webhook payload authentication: secret
// generation and validation, HMAC-SHA256 signatures over the exact bytes
// put on the wire, and the signed header set receivers verify against.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"
)

const (
	// SecretLength is the number of random bytes in a generated secret;
	// hex-encoded it comes out to 64 characters.
	SecretLength = 32

	// SignaturePrefix tags the hash algorithm in signature headers.
	SignaturePrefix = "sha256="

	minSecretChars   = 32
	minDistinctChars = 12
)

var (
	ErrSecretEmpty      = errors.New("secret is empty")
	ErrSecretTooShort   = errors.New("secret is too short")
	ErrSecretLowEntropy = errors.New("secret has too few distinct characters")
)

// Reserved header names. Callers may attach custom headers to deliveries
// but can never shadow these.
const (
	HeaderSignature      = "X-Nova-Signature"
	HeaderTimestamp      = "X-Nova-Timestamp"
	HeaderDeliveryID     = "X-Nova-Delivery-Id"
	HeaderEvent          = "X-Nova-Event"
	HeaderSubscriptionID = "X-Nova-Webhook-Id"
)

// VerifyResult explains why a signature check failed; see VerifyDetailed.
type VerifyResult string

const (
	VerifyOK          VerifyResult = "ok"
	VerifyNoSignature VerifyResult = "no_signature"
	VerifyBadFormat   VerifyResult = "bad_format"
	VerifyMismatch    VerifyResult = "mismatch"
)

// GenerateSecret returns a fresh webhook secret: 32 cryptographically
// random bytes, lowercase hex encoded.
func GenerateSecret() string {
	b := make([]byte, SecretLength)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("signing: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

// ValidateSecret rejects secrets that are blank, shorter than 32
// characters, or trivially repetitive (fewer than 12 distinct characters).
func ValidateSecret(secret string) error {
	if secret == "" {
		return ErrSecretEmpty
	}
	if len(secret) < minSecretChars {
		return ErrSecretTooShort
	}
	distinct := map[rune]struct{}{}
	for _, r := range secret {
		distinct[r] = struct{}{}
	}
	if len(distinct) < minDistinctChars {
		return ErrSecretLowEntropy
	}
	return nil
}

// SignRaw computes the HMAC-SHA256 of payload under secret as bare
// lowercase hex. The payload must be the exact bytes that will be sent;
// re-serializing between signing and sending breaks verification on the
// receiving side.
func SignRaw(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign is SignRaw with the algorithm prefix, the form carried in the
// signature header.
func Sign(payload []byte, secret string) string {
	return SignaturePrefix + SignRaw(payload, secret)
}

// Verify checks a signature header against the raw payload bytes.
func Verify(payload []byte, signatureHeader, secret string) bool {
	return VerifyDetailed(payload, signatureHeader, secret) == VerifyOK
}

// VerifyDetailed is Verify with a diagnostic reason. The comparison is
// constant-time.
func VerifyDetailed(payload []byte, signatureHeader, secret string) VerifyResult {
	if signatureHeader == "" {
		return VerifyNoSignature
	}
	if !strings.HasPrefix(signatureHeader, SignaturePrefix) {
		return VerifyBadFormat
	}
	got := strings.TrimPrefix(signatureHeader, SignaturePrefix)
	if _, err := hex.DecodeString(got); err != nil || got == "" {
		return VerifyBadFormat
	}
	want := SignRaw(payload, secret)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return VerifyMismatch
	}
	return VerifyOK
}

// VerifyTimestamp checks a timestamp header against the local clock as an
// anti-replay defense, independent of signature validity. The header must
// be RFC3339 and fall within [now-tolerance, now+tolerance].
func VerifyTimestamp(timestampHeader string, tolerance time.Duration) bool {
	ts, err := time.Parse(time.RFC3339, timestampHeader)
	if err != nil {
		return false
	}
	diff := time.Since(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// BuildHeaders assembles the full header set for a delivery attempt.
// Custom headers that collide with a reserved name (in any casing) are
// dropped; they can never override the signed header set.
func BuildHeaders(payload []byte, secret, deliveryID, eventType, subscriptionID, userAgent string, custom map[string]string) map[string]string {
	headers := make(map[string]string, len(custom)+7)
	for k, v := range custom {
		if reservedHeader(k) {
			continue
		}
		headers[k] = v
	}
	headers["Content-Type"] = "application/json"
	headers["User-Agent"] = userAgent
	headers[HeaderSignature] = Sign(payload, secret)
	headers[HeaderTimestamp] = time.Now().UTC().Format(time.RFC3339)
	headers[HeaderDeliveryID] = deliveryID
	headers[HeaderEvent] = eventType
	headers[HeaderSubscriptionID] = subscriptionID
	return headers
}

func reservedHeader(name string) bool {
	switch textproto.CanonicalMIMEHeaderKey(name) {
	case "Content-Type", "User-Agent",
		HeaderSignature, HeaderTimestamp, HeaderDeliveryID, HeaderEvent, HeaderSubscriptionID:
		return true
	}
	return false
}
