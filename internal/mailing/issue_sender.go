package mailing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/newsletter-service/internal/domain"
	"github.com/ignite/newsletter-service/internal/pkg/distlock"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
	"github.com/ignite/newsletter-service/internal/worker"
)

// ErrSendInProgress means another process is already delivering this issue.
var ErrSendInProgress = errors.New("issue send already in progress")

// issueStore is the slice of the issue repository the sender needs.
type issueStore interface {
	Get(ctx context.Context, id string) (*domain.Issue, error)
	SeedSends(ctx context.Context, issueID string) (int, error)
	PendingRecipients(ctx context.Context, issueID string, limit int) ([]domain.Subscriber, error)
	MarkSent(ctx context.Context, issueID, email string) error
	MarkFailed(ctx context.Context, issueID, email, cause string) error
	Complete(ctx context.Context, issueID string, at time.Time) error
}

// SendGate throttles outbound sends. A nil gate disables throttling.
type SendGate interface {
	Allow(ctx context.Context) (bool, time.Duration, error)
}

// SendReport summarizes one SendIssue run.
type SendReport struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// IssueSender walks an issue's recipient ledger and delivers it. Progress is
// persisted per recipient, so an interrupted run picks up where it stopped
// without re-mailing anyone.
type IssueSender struct {
	store    issueStore
	provider worker.DeliveryProvider
	composer *Composer
	gate     SendGate
	locks    LockFactory

	batchSize int
}

// LockFactory builds a named cross-process lock. A nil factory disables
// locking, which is fine for single-instance deployments.
type LockFactory func(key string) distlock.Lock

// SenderOption customizes an IssueSender.
type SenderOption func(*IssueSender)

// WithLockFactory guards each issue send with a distributed lock so two
// processes cannot deliver the same issue concurrently.
func WithLockFactory(f LockFactory) SenderOption {
	return func(s *IssueSender) { s.locks = f }
}

func NewIssueSender(store issueStore, provider worker.DeliveryProvider, composer *Composer, gate SendGate, batchSize int, opts ...SenderOption) *IssueSender {
	if batchSize <= 0 {
		batchSize = 50
	}
	s := &IssueSender{
		store:     store,
		provider:  provider,
		composer:  composer,
		gate:      gate,
		batchSize: batchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendIssue seeds the recipient ledger from the current active subscriber
// set, then drains pending rows under the send rate limit.
func (s *IssueSender) SendIssue(ctx context.Context, issueID string) (*SendReport, error) {
	issue, err := s.store.Get(ctx, issueID)
	if err != nil {
		return nil, err
	}
	if issue.Status == domain.IssueSent {
		return &SendReport{}, nil
	}

	if s.locks != nil {
		lock := s.locks("issue-send:" + issueID)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire send lock: %w", err)
		}
		if !acquired {
			return nil, ErrSendInProgress
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	seeded, err := s.store.SeedSends(ctx, issueID)
	if err != nil {
		return nil, fmt.Errorf("seed recipients: %w", err)
	}
	logger.Info("issue send started", "issueId", issueID, "newRecipients", seeded)

	report := &SendReport{}
	for {
		recipients, err := s.store.PendingRecipients(ctx, issueID, s.batchSize)
		if err != nil {
			return report, fmt.Errorf("load pending recipients: %w", err)
		}
		if len(recipients) == 0 {
			break
		}

		for i := range recipients {
			if err := s.sendOne(ctx, issue, &recipients[i], report); err != nil {
				return report, err
			}
		}
	}

	if err := s.store.Complete(ctx, issueID, time.Now().UTC()); err != nil {
		return report, fmt.Errorf("complete issue: %w", err)
	}
	logger.Info("issue send finished", "issueId", issueID,
		"sent", report.Sent, "failed", report.Failed)
	return report, nil
}

func (s *IssueSender) sendOne(ctx context.Context, issue *domain.Issue, sub *domain.Subscriber, report *SendReport) error {
	for s.gate != nil {
		allowed, wait, err := s.gate.Allow(ctx)
		if err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
		if allowed {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	msg, err := s.composer.Newsletter(issue, sub)
	if err != nil {
		// A render failure is permanent for this recipient, don't retry it.
		report.Failed++
		return s.store.MarkFailed(ctx, issue.ID, sub.Email, err.Error())
	}

	result, err := s.provider.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send to %s: %w", logger.RedactEmail(sub.Email), err)
	}
	if !result.Success {
		report.Failed++
		cause := "provider rejected message"
		if result.Error != nil {
			cause = result.Error.Error()
		}
		logger.Warn("issue send failed", "issueId", issue.ID,
			"recipient", sub.Email, "cause", cause)
		return s.store.MarkFailed(ctx, issue.ID, sub.Email, cause)
	}

	report.Sent++
	return s.store.MarkSent(ctx, issue.ID, sub.Email)
}
