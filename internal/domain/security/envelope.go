// Package security implements the webhook security envelope: HMAC
// signing with timestamp+nonce freshness, constant-time verification,
// AES-256-GCM encryption of nominated sensitive fields, and the nonce
// replay cache.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentguard/agentguard/internal/domain/policy"
)

// Header names for the outbound security set. Inbound lookups are
// case-insensitive.
const (
	HeaderSignature = "x-agentguard-signature"
	HeaderTimestamp = "x-agentguard-timestamp"
	HeaderNonce     = "x-agentguard-nonce"
	HeaderRequestID = "x-agentguard-request-id"
)

// UserAgent identifies outbound webhook requests.
const UserAgent = "AgentGuard/1.0"

// MinSigningSecretLen is the minimum accepted signing secret length in
// bytes.
const MinSigningSecretLen = 32

// FreshnessWindow is the maximum accepted clock skew between a signed
// timestamp and local time.
const FreshnessWindow = 5 * time.Minute

// nonceLen is the number of random bytes in a generated nonce
// (hex-encoded on the wire).
const nonceLen = 16

// ErrNoEncryptionKey is returned when encryption or decryption is
// attempted without a configured key.
var ErrNoEncryptionKey = errors.New("no encryption key configured")

// Envelope signs and verifies webhook payloads and encrypts nominated
// sensitive fields. It is stateless; replay protection lives in
// NonceCache.
type Envelope struct {
	signingSecret []byte
	encryptionKey []byte
	now           func() time.Time
}

// NewEnvelope validates the security config and builds an envelope.
// The signing secret must be at least MinSigningSecretLen bytes; the
// optional encryption key must decode to exactly 32 raw bytes.
func NewEnvelope(cfg *policy.WebhookSecurityConfig) (*Envelope, error) {
	if len(cfg.SigningSecret) < MinSigningSecretLen {
		return nil, fmt.Errorf("signing secret must be at least %d bytes, got %d", MinSigningSecretLen, len(cfg.SigningSecret))
	}
	e := &Envelope{
		signingSecret: []byte(cfg.SigningSecret),
		now:           time.Now,
	}
	if cfg.EncryptionKey != "" {
		key, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex chars), got %d bytes", len(key))
		}
		e.encryptionKey = key
	}
	return e, nil
}

// HasEncryption reports whether an encryption key is configured.
func (e *Envelope) HasEncryption() bool { return e.encryptionKey != nil }

// Sign computes the hex-encoded HMAC-SHA-256 of
// "<timestampMs>.<nonce>.<requestID>.<payload>" under the signing
// secret.
func (e *Envelope) Sign(payload []byte, requestID string, timestampMs int64, nonce string) string {
	mac := hmac.New(sha256.New, e.signingSecret)
	mac.Write([]byte(strconv.FormatInt(timestampMs, 10)))
	mac.Write([]byte{'.'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'.'})
	mac.Write([]byte(requestID))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks timestamp freshness and recomputes the signature,
// comparing in constant time. Early return on length mismatch is
// permitted; equal-length comparisons are time-invariant.
func (e *Envelope) Verify(payload []byte, signature, requestID string, timestampMs int64, nonce string) bool {
	nowMs := e.now().UnixMilli()
	skew := nowMs - timestampMs
	if skew < 0 {
		skew = -skew
	}
	if skew > FreshnessWindow.Milliseconds() {
		return false
	}
	expected := e.Sign(payload, requestID, timestampMs, nonce)
	if len(expected) != len(signature) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// GenerateHeaders stamps the current time, mints a fresh nonce, and
// returns the full outbound header set for the payload.
func (e *Envelope) GenerateHeaders(payload []byte, requestID string) (map[string]string, error) {
	raw := make([]byte, nonceLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	nonce := hex.EncodeToString(raw)
	timestampMs := e.now().UnixMilli()

	return map[string]string{
		HeaderSignature: e.Sign(payload, requestID, timestampMs, nonce),
		HeaderTimestamp: strconv.FormatInt(timestampMs, 10),
		HeaderNonce:     nonce,
		HeaderRequestID: requestID,
		"Content-Type":  "application/json",
		"User-Agent":    UserAgent,
	}, nil
}

// ValidationResult is the outcome of ValidateResponse.
type ValidationResult struct {
	Valid  bool
	Reason string
}

// ValidateResponse checks the inbound security header set against the
// response body: header presence, timestamp format, request-id match,
// then signature (freshness + constant-time compare). Nonce uniqueness
// is the caller's responsibility and runs after these checks.
func (e *Envelope) ValidateResponse(body []byte, headers map[string]string, expectedRequestID string) ValidationResult {
	signature, sigOK := headerValue(headers, HeaderSignature)
	timestamp, tsOK := headerValue(headers, HeaderTimestamp)
	nonce, nonceOK := headerValue(headers, HeaderNonce)
	requestID, idOK := headerValue(headers, HeaderRequestID)
	if !sigOK || !tsOK || !nonceOK || !idOK {
		return ValidationResult{Reason: "Missing required security headers"}
	}

	timestampMs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ValidationResult{Reason: "Invalid timestamp format"}
	}

	if requestID != expectedRequestID {
		return ValidationResult{Reason: "Request ID mismatch"}
	}

	if !e.Verify(body, signature, requestID, timestampMs, nonce) {
		return ValidationResult{Reason: "Invalid signature"}
	}
	return ValidationResult{Valid: true}
}

// HeaderLookup finds a non-empty header case-insensitively.
func HeaderLookup(headers map[string]string, name string) (string, bool) {
	return headerValue(headers, name)
}

// headerValue looks up a header case-insensitively.
func headerValue(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok && v != "" {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) && v != "" {
			return v, true
		}
	}
	return "", false
}
