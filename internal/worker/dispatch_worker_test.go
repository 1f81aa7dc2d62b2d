package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter-service/internal/domain"
	"github.com/ignite/newsletter-service/internal/service/lifecycle"
)

type fakeQueue struct {
	mu       sync.Mutex
	acked    []string
	retried  []string
	released []string
	causes   []string
}

func (q *fakeQueue) Claim(ctx context.Context, limit int) ([]domain.DispatchJob, error) {
	return nil, nil
}

func (q *fakeQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, id)
	return nil
}

func (q *fakeQueue) Retry(ctx context.Context, id, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, id)
	q.causes = append(q.causes, cause)
	return nil
}

func (q *fakeQueue) Release(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, id)
	return nil
}

func (q *fakeQueue) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

type fakeStore struct {
	mu         sync.Mutex
	tokens     map[string]*string
	missing    map[string]bool
	markedSent []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{tokens: make(map[string]*string), missing: make(map[string]bool)}
}

func (s *fakeStore) CurrentVerificationToken(ctx context.Context, email string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing[email] {
		return nil, lifecycle.ErrNotFound
	}
	return s.tokens[email], nil
}

func (s *fakeStore) MarkVerificationSent(ctx context.Context, email string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedSent = append(s.markedSent, email)
	return nil
}

type fakeComposer struct{}

func (fakeComposer) Verification(email, tok string) (*EmailMessage, error) {
	return &EmailMessage{To: email, Subject: "Confirm your subscription"}, nil
}

// recordingComposer tracks which token each rendered message carried.
type recordingComposer struct {
	mu     sync.Mutex
	tokens []string
}

func (c *recordingComposer) Verification(email, tok string) (*EmailMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, tok)
	return &EmailMessage{To: email, Subject: "Confirm your subscription"}, nil
}

func (c *recordingComposer) composed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.tokens...)
}

// fakeProvider fails the first failures sends, then succeeds.
type fakeProvider struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return &SendResult{Success: false, Error: fmt.Errorf("transient provider failure %d", p.calls)}, nil
	}
	return &SendResult{Success: true, MessageID: "m-1", Provider: "fake", SentAt: time.Now()}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestWorker(q *fakeQueue, s *fakeStore, p DeliveryProvider, gate *RateLimiter) *DispatchWorker {
	cfg := DefaultDispatchConfig()
	cfg.Production = true
	return NewDispatchWorker(q, s, fakeComposer{}, p, gate, cfg)
}

func makeJob(email, tok string) *domain.DispatchJob {
	return &domain.DispatchJob{
		ID:           uuid.New().String(),
		Email:        email,
		Token:        tok,
		SubscribedAt: time.Now().UTC(),
		Attempts:     0,
	}
}

func TestProcessJob_Success(t *testing.T) {
	q := &fakeQueue{}
	s := newFakeStore()
	p := &fakeProvider{}
	w := newTestWorker(q, s, p, nil)

	tok := "current-token"
	s.tokens["jo@sub.example.dev"] = &tok
	job := makeJob("jo@sub.example.dev", tok)

	outcome := w.processJob(context.Background(), job)
	if outcome != domain.OutcomeAck {
		t.Fatalf("outcome = %v, want ack", outcome)
	}
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.callCount())
	}
	if len(q.acked) != 1 || q.acked[0] != job.ID {
		t.Errorf("acked = %v, want [%s]", q.acked, job.ID)
	}
	if len(s.markedSent) != 1 || s.markedSent[0] != job.Email {
		t.Errorf("markedSent = %v, want [%s]", s.markedSent, job.Email)
	}
	if w.Stats()["total_sent"] != 1 {
		t.Errorf("total_sent = %d, want 1", w.Stats()["total_sent"])
	}
}

func TestProcessJob_SupersededToken(t *testing.T) {
	q := &fakeQueue{}
	s := newFakeStore()
	p := &fakeProvider{}
	w := newTestWorker(q, s, p, nil)

	comp := &recordingComposer{}
	w = NewDispatchWorker(q, s, comp, p, nil, w.config)

	newer := "newer-token"
	s.tokens["jo@sub.example.dev"] = &newer
	job := makeJob("jo@sub.example.dev", "stale-token")

	outcome := w.processJob(context.Background(), job)
	if outcome != domain.OutcomeAck {
		t.Fatalf("outcome = %v, want ack", outcome)
	}
	// The stale job still produces a verification email, but with the
	// row's current link, never the superseded one.
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 for superseded token", p.callCount())
	}
	if got := comp.composed(); len(got) != 1 || got[0] != newer {
		t.Errorf("composed tokens = %v, want [%s]", got, newer)
	}
	if len(q.acked) != 1 {
		t.Errorf("superseded job should be acknowledged after the send")
	}
	if len(s.markedSent) != 1 {
		t.Errorf("markedSent = %v, want one entry", s.markedSent)
	}
}

func TestProcessJob_AlreadyVerified(t *testing.T) {
	q := &fakeQueue{}
	s := newFakeStore()
	p := &fakeProvider{}
	w := newTestWorker(q, s, p, nil)

	// Verified subscribers have no stored token.
	s.tokens["jo@sub.example.dev"] = nil
	job := makeJob("jo@sub.example.dev", "old-token")

	if outcome := w.processJob(context.Background(), job); outcome != domain.OutcomeAck {
		t.Fatalf("outcome = %v, want ack", outcome)
	}
	if p.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0", p.callCount())
	}
}

func TestProcessJob_MissingSubscriber(t *testing.T) {
	q := &fakeQueue{}
	s := newFakeStore()
	p := &fakeProvider{}
	w := newTestWorker(q, s, p, nil)

	s.missing["ghost@sub.example.dev"] = true
	job := makeJob("ghost@sub.example.dev", "tok")

	if outcome := w.processJob(context.Background(), job); outcome != domain.OutcomeAck {
		t.Fatalf("outcome = %v, want ack", outcome)
	}
	if p.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0", p.callCount())
	}
}

func TestProcessJob_TransientFailuresThenSuccess(t *testing.T) {
	q := &fakeQueue{}
	s := newFakeStore()
	p := &fakeProvider{failures: 3}
	w := newTestWorker(q, s, p, nil)

	tok := "current-token"
	s.tokens["jo@sub.example.dev"] = &tok
	job := makeJob("jo@sub.example.dev", tok)

	// Three provider failures: each one requeues the job.
	for attempt := 1; attempt <= 3; attempt++ {
		outcome := w.processJob(context.Background(), job)
		if outcome != domain.OutcomeRetry {
			t.Fatalf("attempt %d outcome = %v, want retry", attempt, outcome)
		}
		job.Attempts = attempt
	}
	if len(q.acked) != 0 {
		t.Fatalf("job acknowledged before a successful send")
	}
	if len(q.retried) != 3 {
		t.Fatalf("retried %d times, want 3", len(q.retried))
	}

	// Fourth delivery succeeds and only then is the job acknowledged.
	if outcome := w.processJob(context.Background(), job); outcome != domain.OutcomeAck {
		t.Fatalf("final outcome = %v, want ack", outcome)
	}
	if len(q.acked) != 1 {
		t.Errorf("acked = %v, want exactly one ack", q.acked)
	}
	if p.callCount() != 4 {
		t.Errorf("provider calls = %d, want 4", p.callCount())
	}
}

func TestProcessJob_TestAddressShortCircuit(t *testing.T) {
	q := &fakeQueue{}
	s := newFakeStore()
	p := &fakeProvider{}
	cfg := DefaultDispatchConfig()
	cfg.Production = false
	w := NewDispatchWorker(q, s, fakeComposer{}, p, nil, cfg)

	tok := "current-token"
	s.tokens["jo@example.com"] = &tok
	job := makeJob("jo@example.com", tok)

	if outcome := w.processJob(context.Background(), job); outcome != domain.OutcomeAck {
		t.Fatalf("outcome = %v, want ack", outcome)
	}
	if p.callCount() != 0 {
		t.Errorf("provider calls = %d, want 0 for test address", p.callCount())
	}
	if len(q.acked) != 1 {
		t.Errorf("test address job should be acknowledged")
	}
}

func TestProcessJob_Throttled(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	gate := NewRateLimiter(client, 1)
	q := &fakeQueue{}
	s := newFakeStore()
	p := &fakeProvider{}
	w := newTestWorker(q, s, p, gate)

	tok := "current-token"
	s.tokens["a@sub.example.dev"] = &tok
	s.tokens["b@sub.example.dev"] = &tok

	// First job takes the only slot in this minute.
	if outcome := w.processJob(context.Background(), makeJob("a@sub.example.dev", tok)); outcome != domain.OutcomeAck {
		t.Fatalf("first job outcome = %v, want ack", outcome)
	}

	// Second job is throttled: released back, no attempt burned.
	job := makeJob("b@sub.example.dev", tok)
	if outcome := w.processJob(context.Background(), job); outcome != domain.OutcomeRetry {
		t.Fatalf("throttled outcome = %v, want retry", outcome)
	}
	if len(q.released) != 1 || q.released[0] != job.ID {
		t.Errorf("released = %v, want [%s]", q.released, job.ID)
	}
	if len(q.retried) != 0 {
		t.Errorf("throttled job must not consume a retry attempt")
	}
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.callCount())
	}
}

func TestDispatchWorker_StartStop(t *testing.T) {
	q := &fakeQueue{}
	s := newFakeStore()
	w := newTestWorker(q, s, &fakeProvider{}, nil)

	if err := w.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := w.Start(); err == nil {
		t.Error("double Start() should return error")
	}
	w.Stop()

	// Stop is idempotent.
	w.Stop()
}

func TestRateLimiter_Allow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRateLimiter(client, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := limiter.Allow(ctx)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !allowed {
			t.Fatalf("Allow() call %d denied, want allowed", i+1)
		}
	}

	allowed, wait, err := limiter.Allow(ctx)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if allowed {
		t.Error("fourth Allow() should be denied")
	}
	if wait <= 0 || wait > time.Minute {
		t.Errorf("wait = %v, want within the current minute", wait)
	}
}

func TestIsTestAddress(t *testing.T) {
	cases := []struct {
		email string
		want  bool
	}{
		{"jo@example.com", true},
		{"jo@example.org", true},
		{"jo@mail.test", true},
		{"jo@broken.invalid", true},
		{"jo+test@gmail.com", true},
		{"jo@gmail.com", false},
		{"jo+news@gmail.com", false},
		{"jo@testexample.com", false},
		{"not-an-email", false},
	}
	for _, tc := range cases {
		if got := isTestAddress(tc.email); got != tc.want {
			t.Errorf("isTestAddress(%q) = %v, want %v", tc.email, got, tc.want)
		}
	}
}
