package worker

import (
	"context"
	"time"
)

// EmailMessage is one outbound email handed to a delivery provider.
type EmailMessage struct {
	To        string
	FromEmail string
	FromName  string
	ReplyTo   string
	Subject   string
	HTML      string
	Text      string

	// Headers carries extra RFC 5322 headers, e.g. List-Unsubscribe.
	Headers map[string]string
}

// SendResult reports what the provider did with a message.
type SendResult struct {
	Success   bool
	MessageID string
	Provider  string
	Error     error
	SentAt    time.Time
}

// DeliveryProvider sends a single email. Implementations must be safe for
// concurrent use.
type DeliveryProvider interface {
	Name() string
	Send(ctx context.Context, msg *EmailMessage) (*SendResult, error)
}
