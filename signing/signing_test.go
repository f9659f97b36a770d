package signing

import (
	"errors"
	"testing"
	"time"
)

const testSecret = "unit-test-secret"

func TestSignDeterminism(t *testing.T) {
	expires := time.Now().Add(5 * time.Minute)

	a := Sign(testSecret, "cmd-1", "device-1", "LOCK", expires)
	b := Sign(testSecret, "cmd-1", "device-1", "LOCK", expires)
	if a != b {
		t.Fatalf("same inputs produced different signatures: %s vs %s", a, b)
	}

	variants := []string{
		Sign(testSecret, "cmd-2", "device-1", "LOCK", expires),
		Sign(testSecret, "cmd-1", "device-2", "LOCK", expires),
		Sign(testSecret, "cmd-1", "device-1", "PING", expires),
		Sign(testSecret, "cmd-1", "device-1", "LOCK", expires.Add(time.Minute)),
		Sign("other-secret", "cmd-1", "device-1", "LOCK", expires),
	}
	for i, v := range variants {
		if v == a {
			t.Errorf("variant %d collided with the original signature", i)
		}
	}
}

func TestSignSubsecondPrecision(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	withNanos := base.Add(123456 * time.Microsecond)

	if Sign(testSecret, "c", "d", "LOCK", base) != Sign(testSecret, "c", "d", "LOCK", withNanos) {
		t.Fatal("signature changed with sub-second precision; server and agent would disagree")
	}
}

func TestVerify(t *testing.T) {
	expires := time.Now().Add(5 * time.Minute)
	sig := Sign(testSecret, "cmd-1", "device-1", "LOCK", expires)

	if err := Verify(testSecret, "cmd-1", "device-1", "LOCK", sig, expires); err != nil {
		t.Fatalf("valid command rejected: %v", err)
	}

	tests := []struct {
		name      string
		id        string
		deviceID  string
		action    string
		signature string
		expiresAt time.Time
		want      error
	}{
		{"tampered action", "cmd-1", "device-1", "UNLOCK", sig, expires, ErrBadSignature},
		{"tampered device", "cmd-1", "device-2", "LOCK", sig, expires, ErrBadSignature},
		{"wrong secret baked in", "cmd-1", "device-1", "LOCK", Sign("x", "cmd-1", "device-1", "LOCK", expires), expires, ErrBadSignature},
		{"missing id", "", "device-1", "LOCK", sig, expires, ErrMissingField},
		{"missing action", "cmd-1", "device-1", "", sig, expires, ErrMissingField},
		{"missing signature", "cmd-1", "device-1", "LOCK", "", expires, ErrMissingField},
		{"zero expiry", "cmd-1", "device-1", "LOCK", sig, time.Time{}, ErrMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(testSecret, tt.id, tt.deviceID, tt.action, tt.signature, tt.expiresAt)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	expires := time.Now().Add(-2 * time.Minute)
	sig := Sign(testSecret, "cmd-1", "device-1", "LOCK", expires)

	err := Verify(testSecret, "cmd-1", "device-1", "LOCK", sig, expires)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expired command not rejected: %v", err)
	}
}

func TestVerifyAllowsClockSkew(t *testing.T) {
	// Expired a few seconds ago: still inside the skew allowance.
	expires := time.Now().Add(-5 * time.Second)
	sig := Sign(testSecret, "cmd-1", "device-1", "LOCK", expires)

	if err := Verify(testSecret, "cmd-1", "device-1", "LOCK", sig, expires); err != nil {
		t.Fatalf("command within clock skew rejected: %v", err)
	}
}
