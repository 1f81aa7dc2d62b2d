package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

// SMTPSender delivers mail through a plain SMTP relay. Used for self-hosted
// deployments where SES is not available.
type SMTPSender struct {
	client *mail.Client
}

// NewSMTPSender creates an SMTP sender. Auth is optional for relays that
// trust the network.
func NewSMTPSender(host string, port int, username, password string, timeout time.Duration) (*SMTPSender, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if username != "" && password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthLogin),
			mail.WithUsername(username),
			mail.WithPassword(password),
		)
	}

	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return &SMTPSender{client: client}, nil
}

func (s *SMTPSender) Name() string { return "smtp" }

// Send delivers a single email over SMTP.
func (s *SMTPSender) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(msg.FromName, msg.FromEmail); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, fmt.Errorf("invalid reply-to: %w", err)
		}
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.HTML)
	if msg.Text != "" {
		m.AddAlternativeString(mail.TypeTextPlain, msg.Text)
	}
	for name, value := range msg.Headers {
		m.SetGenHeader(mail.Header(name), value)
	}

	m.SetMessageID()

	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return &SendResult{Success: false, Error: err, Provider: "smtp"}, nil
	}

	var messageID string
	if ids := m.GetGenHeader(mail.HeaderMessageID); len(ids) > 0 {
		messageID = ids[0]
	}
	return &SendResult{
		Success:   true,
		MessageID: messageID,
		Provider:  "smtp",
		SentAt:    time.Now(),
	}, nil
}
