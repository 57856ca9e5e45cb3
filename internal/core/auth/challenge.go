package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Challenge is the nonce/timestamp pair issued to an unverified connection.
// The client must answer with Prove(secret, ...) before the challenge expires.
type Challenge struct {
	Nonce    string
	IssuedAt time.Time
}

// NewChallenge generates a fresh single-use challenge.
func NewChallenge(issuedAt time.Time) Challenge {
	return Challenge{
		Nonce:    uuid.New().String(),
		IssuedAt: issuedAt,
	}
}

// Prove computes the keyed hash the client is expected to return for a
// challenge: HMAC-SHA256(secret, nonce|timestampMillis) hex encoded.
func Prove(secret, nonce string, issuedAt time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%d", nonce, issuedAt.UnixMilli())
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a client's challenge response. It fails if the response does
// not match the keyed hash or if the challenge is older than timeout at the
// provided observation time.
func (c Challenge) Verify(secret, response string, now time.Time, timeout time.Duration) bool {
	if now.Sub(c.IssuedAt) > timeout {
		return false
	}
	expected := Prove(secret, c.Nonce, c.IssuedAt)
	return hmac.Equal([]byte(expected), []byte(response))
}
