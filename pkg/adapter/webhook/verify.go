package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// timestampWindow rejects requests whose X-Timestamp drifts more than
// this from the server clock, blocking replay of expired requests.
const timestampWindow = 300 * time.Second

// sign computes the hex HMAC-SHA256 of "{timestamp}.{body}".
func sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature compares the presented hex signature against the
// expected digest in constant time. A malformed or wrong-length
// signature still performs a dummy compare so timing does not reveal
// where validation stopped.
func verifySignature(secret []byte, timestamp string, body []byte, presented string) bool {
	expected := sign(secret, timestamp, body)

	presentedRaw, err := hex.DecodeString(presented)
	expectedRaw, _ := hex.DecodeString(expected)
	if err != nil || len(presentedRaw) != len(expectedRaw) {
		hmac.Equal(expectedRaw, expectedRaw)
		return false
	}
	return hmac.Equal(presentedRaw, expectedRaw)
}

// verifier runs the full inbound verification pipeline.
type verifier struct {
	secret         []byte
	previousSecret []byte
	nonces         *nonceCache
	now            func() time.Time
}

// verify validates timestamp window, nonce freshness, and the HMAC
// signature (current secret first, then the rotated previous secret).
// The nonce is inserted into the cache only after every check passes.
func (v *verifier) verify(timestamp, nonce, signature string, body []byte) error {
	if timestamp == "" || nonce == "" || signature == "" {
		return fmt.Errorf("missing signature headers")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp")
	}
	drift := v.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if time.Duration(drift)*time.Second > timestampWindow {
		return fmt.Errorf("timestamp outside acceptance window")
	}

	if v.nonces.contains(nonce) {
		return fmt.Errorf("nonce already seen (replay)")
	}

	if !verifySignature(v.secret, timestamp, body, signature) {
		if len(v.previousSecret) == 0 || !verifySignature(v.previousSecret, timestamp, body, signature) {
			return fmt.Errorf("signature mismatch")
		}
	}

	v.nonces.insert(nonce)
	return nil
}
