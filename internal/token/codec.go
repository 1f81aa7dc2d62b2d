// Package token implements the two HMAC credentials that gate subscriber
// state transitions: time-boxed verification tokens and durable unsubscribe
// tokens. Pure functions over a shared secret; no I/O, no stored state.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// VerificationTTL is how long a verification token stays valid after issuance.
const VerificationTTL = 24 * time.Hour

var (
	// ErrMalformed means the token could not be decoded or split.
	ErrMalformed = errors.New("token malformed")
	// ErrSignature means the HMAC did not match.
	ErrSignature = errors.New("token signature mismatch")
	// ErrExpired means the embedded issuance time is past the validity window.
	ErrExpired = errors.New("token expired")
)

// Codec derives and validates tokens from a shared secret.
type Codec struct {
	secret []byte
	ttl    time.Duration
}

// NewCodec creates a codec for the given signing secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret), ttl: VerificationTTL}
}

// VerificationToken derives the time-boxed verification token for an email
// issued at the given instant. The token is self-describing: the issuance
// timestamp travels inside it, so validation needs only the token, the email,
// and the secret.
//
// Shape: base64url( hex(HMAC-SHA256(secret, email + ":" + issuedAtMillis)) + ":" + issuedAtMillis )
func (c *Codec) VerificationToken(email string, issuedAt time.Time) string {
	millis := strconv.FormatInt(issuedAt.UnixMilli(), 10)
	sig := c.sign(email + ":" + millis)
	return base64.RawURLEncoding.EncodeToString([]byte(sig + ":" + millis))
}

// ValidateVerification checks a verification token's signature and expiry
// against the given email and clock. It does not consult any store; the
// stored-token equality check is the lifecycle engine's job.
func (c *Codec) ValidateVerification(email, tok string, now time.Time) error {
	raw, err := decodeBase64URL(tok)
	if err != nil {
		return ErrMalformed
	}
	idx := strings.LastIndexByte(raw, ':')
	if idx < 0 {
		return ErrMalformed
	}
	sig, millisStr := raw[:idx], raw[idx+1:]
	millis, err := strconv.ParseInt(millisStr, 10, 64)
	if err != nil {
		return ErrMalformed
	}

	want := c.sign(email + ":" + millisStr)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return ErrSignature
	}
	if now.Sub(time.UnixMilli(millis)) > c.ttl {
		return ErrExpired
	}
	return nil
}

// UnsubscribeToken derives the durable unsubscribe token for an email. No
// timestamp, no expiry: the same token stays valid for the lifetime of the
// secret, so unsubscribe links in old newsletters keep working.
//
// Shape: base64url( hex(HMAC-SHA256(secret, email)) )
func (c *Codec) UnsubscribeToken(email string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(c.sign(email)))
}

// ValidateUnsubscribe checks an unsubscribe token against the given email.
func (c *Codec) ValidateUnsubscribe(email, tok string) error {
	raw, err := decodeBase64URL(tok)
	if err != nil {
		return ErrMalformed
	}
	if !hmac.Equal([]byte(raw), []byte(c.sign(email))) {
		return ErrSignature
	}
	return nil
}

func (c *Codec) sign(msg string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// decodeBase64URL accepts tokens with or without base64 padding. Email
// clients and link rewriters are inconsistent about preserving '=' on URLs,
// so both forms must round-trip.
func decodeBase64URL(s string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
