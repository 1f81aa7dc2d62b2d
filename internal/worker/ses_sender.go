package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/newsletter-service/internal/pkg/logger"
)

// SESSender delivers mail through AWS SES using the SDK v2.
type SESSender struct {
	client  *sesv2.Client
	timeout time.Duration
}

// NewSESSender creates an SES sender from static credentials. Each send is
// bounded by the given timeout; zero disables the bound.
func NewSESSender(accessKey, secretKey, region string, timeout time.Duration) (*SESSender, error) {
	if region == "" {
		region = "us-east-1"
	}
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("ses credentials not configured")
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("init aws config: %w", err)
	}
	return &SESSender{client: sesv2.NewFromConfig(cfg), timeout: timeout}, nil
}

func (s *SESSender) Name() string { return "ses" }

// Send delivers a single email through SES. Provider rejections come back in
// the result rather than as an error so the caller can apply retry policy.
func (s *SESSender) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	for name, value := range msg.Headers {
		input.Content.Simple.Headers = append(input.Content.Simple.Headers, types.MessageHeader{
			Name:  aws.String(name),
			Value: aws.String(value),
		})
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return &SendResult{Success: false, Error: err, Provider: "ses"}, nil
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	logger.Debug("ses send accepted", "recipient", msg.To, "messageId", messageID)

	return &SendResult{
		Success:   true,
		MessageID: messageID,
		Provider:  "ses",
		SentAt:    time.Now(),
	}, nil
}
