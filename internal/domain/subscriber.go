package domain

import (
	"net/mail"
	"strings"
	"time"
)

// Subscriber is a single newsletter recipient, keyed by normalized email.
// One row exists per email regardless of how many times it subscribed.
type Subscriber struct {
	Email              string     `json:"email" db:"email"`
	SubscribedAt       time.Time  `json:"subscribed_at" db:"subscribed_at"`
	UnsubscribedAt     *time.Time `json:"unsubscribed_at" db:"unsubscribed_at"`
	EmailVerified      bool       `json:"email_verified" db:"email_verified"`
	VerificationToken  *string    `json:"-" db:"verification_token"`
	VerificationSentAt *time.Time `json:"verification_sent_at" db:"verification_sent_at"`
	VerifiedAt         *time.Time `json:"verified_at" db:"verified_at"`

	// Request metadata captured at subscribe time. Analytics only.
	IPAddress string `json:"ip_address" db:"ip_address"`
	UserAgent string `json:"user_agent" db:"user_agent"`
	Country   string `json:"country" db:"country"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Status reports which lifecycle state the record is in. A verified record
// that later unsubscribed counts as unsubscribed; verification status is
// preserved on the row but does not make it active.
func (s *Subscriber) Status() SubscriberStatus {
	switch {
	case s.UnsubscribedAt != nil:
		return StatusUnsubscribed
	case s.EmailVerified:
		return StatusVerified
	default:
		return StatusPending
	}
}

// Active reports whether the subscriber should receive newsletters.
func (s *Subscriber) Active() bool {
	return s.Status() == StatusVerified
}

// SubscriberStatus enumerates the lifecycle states of a subscriber record.
type SubscriberStatus string

const (
	StatusPending      SubscriberStatus = "pending"
	StatusVerified     SubscriberStatus = "verified"
	StatusUnsubscribed SubscriberStatus = "unsubscribed"
)

// SubscribeMetadata holds the request metadata captured when a visitor signs up.
type SubscribeMetadata struct {
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
	Country   string `json:"country"`
}

// NormalizeEmail lowercases and trims an email address. All store keys and
// token derivations use the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether the address parses as a bare RFC 5322 address.
// Display names ("Bob <bob@x.com>") are rejected; the signup form submits
// plain addresses only.
func ValidEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return addr.Address == email && strings.Count(email, "@") == 1
}
