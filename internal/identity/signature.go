package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"time"
)

// MaxClockSkew is the validity window for signed requests. A request whose
// timestamp differs from the verifier's clock by more than this is rejected
// regardless of signature validity (replay-window control). Clients outside
// the window must resynchronise time and resend with a fresh timestamp.
const MaxClockSkew = 5 * time.Minute

// BuildPayload constructs the canonical signing payload for a request.
//
// The payload is METHOD, PATH, TIMESTAMP and the raw body bytes joined by
// newlines. The body bytes must be the exact byte sequence transmitted on
// the wire: signing and verification never re-serialise the body, since any
// whitespace or key-order divergence would break verification.
//
// Parameters:
//   - method: HTTP method (e.g. "POST")
//   - path: Request path (e.g. "/api/v1/devices/abc/heartbeat")
//   - timestamp: ISO 8601 timestamp string, exactly as sent in X-Timestamp
//   - body: Raw request body bytes (may be empty for GET requests)
//
// Returns:
//   - []byte: Canonical payload ready to sign or verify
func BuildPayload(method, path, timestamp string, body []byte) []byte {
	payload := make([]byte, 0, len(method)+len(path)+len(timestamp)+len(body)+3)
	payload = append(payload, method...)
	payload = append(payload, '\n')
	payload = append(payload, path...)
	payload = append(payload, '\n')
	payload = append(payload, timestamp...)
	payload = append(payload, '\n')
	payload = append(payload, body...)
	return payload
}

// Sign signs a payload with the given private key and returns the signature
// as standard base64.
func Sign(priv ed25519.PrivateKey, payload []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))
}

// Verify checks a base64 signature over a payload against a public key.
// It performs no timestamp validation; see VerifyRequest for the full check.
func Verify(pub ed25519.PublicKey, payload []byte, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// VerifyRequest validates a signed request end to end: timestamp format,
// clock-skew window, and signature.
//
// It returns ErrSignatureInvalid for every failure mode. Callers must not
// distinguish which part failed; a single generic rejection avoids giving
// an oracle to forged-signature attempts.
//
// Parameters:
//   - pub: The device's stored public key
//   - method, path: Request method and path as seen by the server
//   - timestamp: The X-Timestamp header value (ISO 8601)
//   - body: Raw request body bytes, exactly as received
//   - signature: The X-Signature header value (base64)
//   - now: Verification time (injected for testability)
//
// Returns:
//   - error: nil if valid, ErrSignatureInvalid otherwise
func VerifyRequest(pub ed25519.PublicKey, method, path, timestamp string, body []byte, signature string, now time.Time) error {
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return ErrSignatureInvalid
	}

	age := now.Sub(ts)
	if age > MaxClockSkew || age < -MaxClockSkew {
		return ErrSignatureInvalid
	}

	if !Verify(pub, BuildPayload(method, path, timestamp, body), signature) {
		return ErrSignatureInvalid
	}

	return nil
}

// Timestamp formats a time as the ISO 8601 string used in X-Timestamp
// headers and signing payloads.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
