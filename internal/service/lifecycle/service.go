package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/newsletter-service/internal/domain"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
	"github.com/ignite/newsletter-service/internal/token"
)

// VerifyOutcome is the typed result of a successful Verify call.
type VerifyOutcome string

const (
	// VerifyConfirmed means this call performed the pending → verified transition.
	VerifyConfirmed VerifyOutcome = "confirmed"
	// VerifyAlreadyConfirmed means the record was verified before this call.
	VerifyAlreadyConfirmed VerifyOutcome = "alreadyConfirmed"
)

// Service applies subscribe / verify / unsubscribe transitions to the
// subscriber store. Safe for concurrent use; all mutual exclusion is
// delegated to the store's atomic primitives.
type Service struct {
	repo  Repository
	queue Enqueuer
	codec *token.Codec
	now   func() time.Time

	mu         sync.Mutex
	lastMillis int64
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a lifecycle service over the given store, dispatch
// queue, and token codec.
func NewService(repo Repository, queue Enqueuer, codec *token.Codec, opts ...Option) *Service {
	s := &Service{
		repo:  repo,
		queue: queue,
		codec: codec,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe creates or resets the record for email and enqueues a
// verification email job. Valid from any prior state: each call issues a
// fresh verification token that supersedes all earlier ones, so a previously
// verified-then-unsubscribed address must re-prove mailbox ownership.
//
// The record write is the only failure that fails the request. Enqueue
// trouble is logged and swallowed; the subscriber is durably stored either
// way and can be re-mailed later.
func (s *Service) Subscribe(ctx context.Context, email string, md domain.SubscribeMetadata) (*domain.Subscriber, error) {
	email = domain.NormalizeEmail(email)
	if !domain.ValidEmail(email) {
		return nil, ErrEmailInvalid
	}

	now := s.issueTime()
	tok := s.codec.VerificationToken(email, now)

	sub := &domain.Subscriber{
		Email:              email,
		SubscribedAt:       now,
		UnsubscribedAt:     nil,
		EmailVerified:      false,
		VerificationToken:  &tok,
		VerificationSentAt: &now,
		VerifiedAt:         nil,
		IPAddress:          md.IPAddress,
		UserAgent:          md.UserAgent,
		Country:            md.Country,
	}
	if err := s.repo.Upsert(ctx, sub); err != nil {
		return nil, fmt.Errorf("store subscriber: %w", err)
	}

	job := &domain.DispatchJob{
		ID:           uuid.New().String(),
		Email:        email,
		Token:        tok,
		SubscribedAt: now,
		Metadata:     md,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		// The record exists; the confirmation email just won't go out until
		// the subscriber retries. Never fail the request over this.
		logger.Error("enqueue verification email failed", "email", email, "error", err)
	}

	return sub, nil
}

// issueTime returns the issuance instant for a fresh verification token.
// The embedded millisecond timestamp is the only thing distinguishing one
// token from the next for the same email, so issuance is strictly monotonic:
// two subscribes landing in the same millisecond still mint distinct tokens,
// and the later one supersedes the earlier.
func (s *Service) issueTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	millis := s.now().UTC().UnixMilli()
	if millis <= s.lastMillis {
		millis = s.lastMillis + 1
	}
	s.lastMillis = millis
	return time.UnixMilli(millis).UTC()
}

// Verify attempts the pending → verified transition. The token must pass
// signature and expiry checks AND equal the row's currently stored token;
// an older superseded token fails even when still cryptographically valid.
// All token failures collapse into ErrInvalidOrExpired.
//
// Verifying an already-verified record is an idempotent success.
func (s *Service) Verify(ctx context.Context, email, tok string) (VerifyOutcome, error) {
	email = domain.NormalizeEmail(email)
	if !domain.ValidEmail(email) {
		return "", ErrEmailInvalid
	}
	if tok == "" {
		return "", ErrTokenRequired
	}

	sub, err := s.repo.Get(ctx, email)
	if err != nil {
		return "", err
	}
	if sub.EmailVerified {
		return VerifyAlreadyConfirmed, nil
	}

	if err := s.codec.ValidateVerification(email, tok, s.now()); err != nil {
		return "", ErrInvalidOrExpired
	}

	updated, err := s.repo.ConfirmVerification(ctx, email, tok, s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("confirm verification: %w", err)
	}
	if updated {
		logger.Info("subscriber verified", "email", email)
		return VerifyConfirmed, nil
	}

	// The conditional update matched nothing: either a concurrent call won
	// the race (report the idempotent success) or the stored token moved on
	// under us (superseded — generic rejection).
	sub, err = s.repo.Get(ctx, email)
	if err != nil {
		return "", err
	}
	if sub.EmailVerified {
		return VerifyAlreadyConfirmed, nil
	}
	return "", ErrInvalidOrExpired
}

// Unsubscribe marks the record inactive. The token is checked against the
// deterministic derivation only; nothing is stored to compare against. The
// write is unconditional, so repeating the call is a no-op success, and
// verification status is preserved on the row.
func (s *Service) Unsubscribe(ctx context.Context, email, tok string) error {
	email = domain.NormalizeEmail(email)
	if !domain.ValidEmail(email) {
		return ErrEmailInvalid
	}
	if tok == "" {
		return ErrTokenRequired
	}

	if _, err := s.repo.Get(ctx, email); err != nil {
		return err
	}
	if err := s.codec.ValidateUnsubscribe(email, tok); err != nil {
		return ErrInvalidToken
	}

	found, err := s.repo.Unsubscribe(ctx, email, s.now().UTC())
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	logger.Info("subscriber unsubscribed", "email", email)
	return nil
}

// ActiveSubscribers returns active verified subscribers for reporting.
func (s *Service) ActiveSubscribers(ctx context.Context, limit, offset int) ([]domain.Subscriber, int, error) {
	return s.repo.ListActive(ctx, limit, offset)
}

// Stats returns aggregate subscriber counts.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.repo.Stats(ctx)
}
