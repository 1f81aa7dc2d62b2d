package mailing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ignite/newsletter-service/internal/domain"
	"github.com/ignite/newsletter-service/internal/service/lifecycle"
	"github.com/ignite/newsletter-service/internal/worker"
)

type fakeIssueStore struct {
	mu        sync.Mutex
	issue     *domain.Issue
	pending   []domain.Subscriber
	sent      []string
	failed    map[string]string
	completed bool
}

func newFakeIssueStore(issue *domain.Issue, recipients ...domain.Subscriber) *fakeIssueStore {
	return &fakeIssueStore{issue: issue, pending: recipients, failed: make(map[string]string)}
}

func (s *fakeIssueStore) Get(ctx context.Context, id string) (*domain.Issue, error) {
	if s.issue == nil || s.issue.ID != id {
		return nil, lifecycle.ErrNotFound
	}
	return s.issue, nil
}

func (s *fakeIssueStore) SeedSends(ctx context.Context, issueID string) (int, error) {
	return len(s.pending), nil
}

func (s *fakeIssueStore) PendingRecipients(ctx context.Context, issueID string, limit int) ([]domain.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > limit {
		return s.pending[:limit], nil
	}
	return s.pending, nil
}

func (s *fakeIssueStore) remove(email string) {
	for i, sub := range s.pending {
		if sub.Email == email {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *fakeIssueStore) MarkSent(ctx context.Context, issueID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, email)
	s.remove(email)
	return nil
}

func (s *fakeIssueStore) MarkFailed(ctx context.Context, issueID, email, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[email] = cause
	s.remove(email)
	return nil
}

func (s *fakeIssueStore) Complete(ctx context.Context, issueID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	return nil
}

type openGate struct{}

func (openGate) Allow(ctx context.Context) (bool, time.Duration, error) { return true, 0, nil }

// rejectProvider rejects the named address and accepts everyone else.
type rejectProvider struct {
	mu     sync.Mutex
	reject string
	sends  []string
}

func (p *rejectProvider) Name() string { return "fake" }

func (p *rejectProvider) Send(ctx context.Context, msg *worker.EmailMessage) (*worker.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends = append(p.sends, msg.To)
	if msg.To == p.reject {
		return &worker.SendResult{Success: false, Error: fmt.Errorf("mailbox full")}, nil
	}
	return &worker.SendResult{Success: true, SentAt: time.Now()}, nil
}

func testIssue() *domain.Issue {
	return &domain.Issue{
		ID:       "issue-1",
		Subject:  "This week",
		Markdown: "Plain news.",
		Status:   domain.IssueDraft,
	}
}

func recipient(email string) domain.Subscriber {
	at := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	return domain.Subscriber{Email: email, SubscribedAt: at}
}

func TestIssueSender_SendIssue(t *testing.T) {
	store := newFakeIssueStore(testIssue(),
		recipient("a@example.dev"), recipient("b@example.dev"), recipient("c@example.dev"))
	provider := &rejectProvider{reject: "b@example.dev"}
	composer := newTestComposer(t)

	sender := NewIssueSender(store, provider, composer, openGate{}, 2)
	report, err := sender.SendIssue(context.Background(), "issue-1")
	if err != nil {
		t.Fatalf("SendIssue() error: %v", err)
	}
	if report.Sent != 2 {
		t.Errorf("Sent = %d, want 2", report.Sent)
	}
	if report.Failed != 1 {
		t.Errorf("Failed = %d, want 1", report.Failed)
	}
	if store.failed["b@example.dev"] != "mailbox full" {
		t.Errorf("failed cause = %q, want provider error", store.failed["b@example.dev"])
	}
	if !store.completed {
		t.Error("issue not marked complete")
	}
	if len(provider.sends) != 3 {
		t.Errorf("provider sends = %d, want 3", len(provider.sends))
	}
}

func TestIssueSender_AlreadySent(t *testing.T) {
	issue := testIssue()
	issue.Status = domain.IssueSent
	store := newFakeIssueStore(issue, recipient("a@example.dev"))
	provider := &rejectProvider{}
	composer := newTestComposer(t)

	sender := NewIssueSender(store, provider, composer, openGate{}, 10)
	report, err := sender.SendIssue(context.Background(), "issue-1")
	if err != nil {
		t.Fatalf("SendIssue() error: %v", err)
	}
	if report.Sent != 0 || len(provider.sends) != 0 {
		t.Errorf("sent issue must not be re-delivered: %+v, sends=%v", report, provider.sends)
	}
}

func TestIssueSender_UnknownIssue(t *testing.T) {
	store := newFakeIssueStore(testIssue())
	sender := NewIssueSender(store, &rejectProvider{}, newTestComposer(t), openGate{}, 10)

	if _, err := sender.SendIssue(context.Background(), "missing"); err != lifecycle.ErrNotFound {
		t.Fatalf("SendIssue() error = %v, want ErrNotFound", err)
	}
}
