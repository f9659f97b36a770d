// Package signing implements the keyed command signatures shared between
// the FleetGuard server and agent. The server signs each command fresh on
// delivery; the agent recomputes the digest with its locally held secret
// before executing anything.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Verification failures. Callers discard the command on any of these;
// rejected commands are never executed and never acked.
var (
	ErrMissingField = errors.New("signing: command is missing a required field")
	ErrExpired      = errors.New("signing: command is expired")
	ErrBadSignature = errors.New("signing: signature mismatch")
)

// allowedClockSkew tolerates small disagreement between server and agent
// clocks when the agent re-checks expiry.
const allowedClockSkew = 30 * time.Second

// Sign computes the hex-encoded HMAC-SHA256 digest over
// id|deviceID|action|expiresAt. The expiry is rendered as RFC 3339 at
// second precision so both sides derive an identical message regardless of
// sub-second storage precision.
func Sign(secret, id, deviceID, action string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%s|%s|%s", id, deviceID, action, expiresAt.UTC().Format(time.RFC3339))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the digest for the received command fields and compares
// it against the delivered signature in constant time. Unlike the server's
// poll filter, Verify also re-checks expiry itself so a stale command is
// rejected even if server-side filtering is ever decoupled.
func Verify(secret, id, deviceID, action, signature string, expiresAt time.Time) error {
	if id == "" || deviceID == "" || action == "" || signature == "" || expiresAt.IsZero() {
		return ErrMissingField
	}
	if time.Now().After(expiresAt.Add(allowedClockSkew)) {
		return ErrExpired
	}
	expected := Sign(secret, id, deviceID, action, expiresAt)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
