package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ignite/newsletter-service/internal/domain"
	"github.com/ignite/newsletter-service/internal/token"
)

// mockRepo is an in-memory subscriber store. Its ConfirmVerification is
// atomic under the mutex, mirroring the conditional UPDATE in Postgres.
type mockRepo struct {
	mu       sync.Mutex
	store    map[string]*domain.Subscriber
	confirms int // number of ConfirmVerification calls that changed a row
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[string]*domain.Subscriber)}
}

func (m *mockRepo) Upsert(_ context.Context, sub *domain.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.store[sub.Email] = &cp
	return nil
}

func (m *mockRepo) Get(_ context.Context, email string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.store[email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *mockRepo) ConfirmVerification(_ context.Context, email, tok string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.store[email]
	if !ok || sub.EmailVerified || sub.VerificationToken == nil || *sub.VerificationToken != tok {
		return false, nil
	}
	sub.EmailVerified = true
	sub.VerifiedAt = &now
	sub.VerificationToken = nil
	m.confirms++
	return true, nil
}

func (m *mockRepo) Unsubscribe(_ context.Context, email string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.store[email]
	if !ok {
		return false, nil
	}
	sub.UnsubscribedAt = &now
	return true, nil
}

func (m *mockRepo) ListActive(_ context.Context, limit, offset int) ([]domain.Subscriber, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Subscriber
	for _, sub := range m.store {
		if sub.Active() {
			out = append(out, *sub)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) Stats(_ context.Context) (*Stats, error) {
	return &Stats{}, nil
}

// mockQueue records enqueued jobs.
type mockQueue struct {
	mu   sync.Mutex
	jobs []*domain.DispatchJob
	fail error
}

func (q *mockQueue) Enqueue(_ context.Context, job *domain.DispatchJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func newTestService(t *testing.T) (*Service, *mockRepo, *mockQueue) {
	t.Helper()
	repo := newMockRepo()
	queue := &mockQueue{}
	svc := NewService(repo, queue, token.NewCodec("test-secret"))
	return svc, repo, queue
}

func TestSubscribeThenVerify(t *testing.T) {
	svc, repo, queue := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, "A@X.com ", domain.SubscribeMetadata{IPAddress: "1.2.3.4", Country: "GB"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Email != "a@x.com" {
		t.Errorf("email not normalized: %q", sub.Email)
	}
	if sub.EmailVerified || sub.VerificationToken == nil {
		t.Fatalf("fresh record must be pending with a token: %+v", sub)
	}
	if len(queue.jobs) != 1 || queue.jobs[0].Token != *sub.VerificationToken {
		t.Fatalf("expected one dispatch job carrying the issued token")
	}

	outcome, err := svc.Verify(ctx, "a@x.com", *sub.VerificationToken)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome != VerifyConfirmed {
		t.Errorf("outcome = %s, want confirmed", outcome)
	}

	got, _ := repo.Get(ctx, "a@x.com")
	if !got.EmailVerified || got.VerificationToken != nil || got.VerifiedAt == nil {
		t.Errorf("record after verify: %+v", got)
	}
}

func TestSubscribe_InvalidEmail(t *testing.T) {
	svc, _, _ := newTestService(t)
	for _, email := range []string{"", "   ", "no-at-sign", "a@", "Bob <bob@x.com>"} {
		if _, err := svc.Subscribe(context.Background(), email, domain.SubscribeMetadata{}); err != ErrEmailInvalid {
			t.Errorf("Subscribe(%q): want ErrEmailInvalid, got %v", email, err)
		}
	}
}

func TestSubscribe_SingleRecordPerEmail(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Subscribe(ctx, "a@x.com", domain.SubscribeMetadata{}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if len(repo.store) != 1 {
		t.Errorf("want exactly one record, got %d", len(repo.store))
	}
}

func TestSubscribe_SupersedesEarlierToken(t *testing.T) {
	svc, _, queue := newTestService(t)
	ctx := context.Background()

	svc.Subscribe(ctx, "a@x.com", domain.SubscribeMetadata{})
	first := queue.jobs[0].Token
	svc.Subscribe(ctx, "a@x.com", domain.SubscribeMetadata{})
	second := queue.jobs[1].Token

	if first == second {
		t.Fatal("resubscribe must issue a distinct token")
	}

	// The first token is still unexpired and well-signed, but superseded.
	if _, err := svc.Verify(ctx, "a@x.com", first); err != ErrInvalidOrExpired {
		t.Errorf("superseded token: want ErrInvalidOrExpired, got %v", err)
	}
	if outcome, err := svc.Verify(ctx, "a@x.com", second); err != nil || outcome != VerifyConfirmed {
		t.Errorf("current token: got (%s, %v)", outcome, err)
	}
}

func TestSubscribe_SameInstantIssuesDistinctTokens(t *testing.T) {
	repo := newMockRepo()
	queue := &mockQueue{}
	frozen := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(repo, queue, token.NewCodec("test-secret"),
		WithClock(func() time.Time { return frozen }))
	ctx := context.Background()

	svc.Subscribe(ctx, "a@x.com", domain.SubscribeMetadata{})
	first := queue.jobs[0].Token
	svc.Subscribe(ctx, "a@x.com", domain.SubscribeMetadata{})
	second := queue.jobs[1].Token

	// The clock never moves, but issuance is strictly monotonic: the second
	// token must differ and supersede the first.
	if first == second {
		t.Fatal("same-instant resubscribe must still issue a fresh token")
	}
	if _, err := svc.Verify(ctx, "a@x.com", first); err != ErrInvalidOrExpired {
		t.Errorf("superseded token: want ErrInvalidOrExpired, got %v", err)
	}
	if outcome, err := svc.Verify(ctx, "a@x.com", second); err != nil || outcome != VerifyConfirmed {
		t.Errorf("current token: got (%s, %v)", outcome, err)
	}
}

func TestSubscribe_EnqueueFailureDoesNotFailRequest(t *testing.T) {
	svc, repo, queue := newTestService(t)
	queue.fail = context.DeadlineExceeded

	if _, err := svc.Subscribe(context.Background(), "a@x.com", domain.SubscribeMetadata{}); err != nil {
		t.Fatalf("Subscribe must survive enqueue failure, got %v", err)
	}
	if _, err := repo.Get(context.Background(), "a@x.com"); err != nil {
		t.Errorf("record must exist despite enqueue failure: %v", err)
	}
}

func TestVerify_Idempotent(t *testing.T) {
	svc, repo, queue := newTestService(t)
	ctx := context.Background()

	svc.Subscribe(ctx, "a@x.com", domain.SubscribeMetadata{})
	tok := queue.jobs[0].Token

	if outcome, _ := svc.Verify(ctx, "a@x.com", tok); outcome != VerifyConfirmed {
		t.Fatalf("first verify: %s", outcome)
	}
	if outcome, err := svc.Verify(ctx, "a@x.com", tok); err != nil || outcome != VerifyAlreadyConfirmed {
		t.Fatalf("second verify: got (%s, %v), want alreadyConfirmed", outcome, err)
	}
	if repo.confirms != 1 {
		t.Errorf("record mutated %d times, want once", repo.confirms)
	}
}

func TestVerify_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Verify(context.Background(), "ghost@x.com", "whatever-token"); err != ErrNotFound {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestVerify_ExpiredToken(t *testing.T) {
	repo := newMockRepo()
	queue := &mockQueue{}
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(repo, queue, token.NewCodec("test-secret"),
		WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	svc.Subscribe(ctx, "a@x.com", domain.SubscribeMetadata{})
	tok := queue.jobs[0].Token

	clock = clock.Add(25 * time.Hour)
	if _, err := svc.Verify(ctx, "a@x.com", tok); err != ErrInvalidOrExpired {
		t.Errorf("expired token: want ErrInvalidOrExpired, got %v", err)
	}
}

func TestVerify_GarbageToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	svc.Subscribe(ctx, "a@x.com", domain.SubscribeMetadata{})

	if _, err := svc.Verify(ctx, "a@x.com", "not-a-real-token"); err != ErrInvalidOrExpired {
		t.Errorf("want ErrInvalidOrExpired, got %v", err)
	}
	if _, err := svc.Verify(ctx, "a@x.com", ""); err != ErrTokenRequired {
		t.Errorf("want ErrTokenRequired, got %v", err)
	}
}

func TestVerify_Concurrent(t *testing.T) {
	svc, repo, queue := newTestService(t)
	ctx := context.Background()

	svc.Subscribe(ctx, "a@x.com", domain.SubscribeMetadata{})
	tok := queue.jobs[0].Token

	const callers = 8
	outcomes := make(chan VerifyOutcome, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := svc.Verify(ctx, "a@x.com", tok)
			outcomes <- outcome
			errs <- err
		}()
	}
	wg.Wait()
	close(outcomes)
	close(errs)

	confirmed := 0
	for o := range outcomes {
		if o == VerifyConfirmed {
			confirmed++
		}
	}
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent verify returned error: %v", err)
		}
	}
	if confirmed != 1 {
		t.Errorf("%d callers saw confirmed, want exactly 1", confirmed)
	}
	if repo.confirms != 1 {
		t.Errorf("row transitioned %d times, want once", repo.confirms)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	svc, repo, queue := newTestService(t)
	codec := token.NewCodec("test-secret")
	ctx := context.Background()

	svc.Subscribe(ctx, "a@x.com", domain.SubscribeMetadata{})
	svc.Verify(ctx, "a@x.com", queue.jobs[0].Token)

	unsub := codec.UnsubscribeToken("a@x.com")
	for i := 0; i < 2; i++ {
		if err := svc.Unsubscribe(ctx, "a@x.com", unsub); err != nil {
			t.Fatalf("unsubscribe %d: %v", i, err)
		}
	}

	got, _ := repo.Get(ctx, "a@x.com")
	if got.UnsubscribedAt == nil {
		t.Fatal("unsubscribed_at not set")
	}
	if !got.EmailVerified {
		t.Error("unsubscribe must not reset verification status")
	}
	if got.Active() {
		t.Error("unsubscribed record must not be active")
	}
}

func TestUnsubscribe_NeverSubscribed(t *testing.T) {
	svc, _, _ := newTestService(t)
	codec := token.NewCodec("test-secret")

	err := svc.Unsubscribe(context.Background(), "ghost@x.com", codec.UnsubscribeToken("ghost@x.com"))
	if err != ErrNotFound {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestUnsubscribe_BadToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	codec := token.NewCodec("test-secret")
	ctx := context.Background()
	svc.Subscribe(ctx, "a@x.com", domain.SubscribeMetadata{})

	if err := svc.Unsubscribe(ctx, "a@x.com", codec.UnsubscribeToken("b@x.com")); err != ErrInvalidToken {
		t.Errorf("cross-email token: want ErrInvalidToken, got %v", err)
	}
	if err := svc.Unsubscribe(ctx, "a@x.com", ""); err != ErrTokenRequired {
		t.Errorf("empty token: want ErrTokenRequired, got %v", err)
	}
}

func TestResubscribeAfterUnsubscribe_ResetsVerification(t *testing.T) {
	svc, repo, queue := newTestService(t)
	codec := token.NewCodec("test-secret")
	ctx := context.Background()

	// Verified, then unsubscribed.
	svc.Subscribe(ctx, "a@x.com", domain.SubscribeMetadata{})
	oldToken := queue.jobs[0].Token
	svc.Verify(ctx, "a@x.com", oldToken)
	svc.Unsubscribe(ctx, "a@x.com", codec.UnsubscribeToken("a@x.com"))

	// Resubscribe: no grandfathering back into verified.
	sub, err := svc.Subscribe(ctx, "a@x.com", domain.SubscribeMetadata{})
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if sub.EmailVerified {
		t.Error("resubscribe must reset email_verified")
	}
	if sub.UnsubscribedAt != nil {
		t.Error("resubscribe must clear unsubscribed_at")
	}
	if sub.VerificationToken == nil || *sub.VerificationToken == oldToken {
		t.Error("resubscribe must issue a fresh token")
	}

	// The pre-unsubscribe token is dead (already consumed AND superseded).
	if _, err := svc.Verify(ctx, "a@x.com", oldToken); err != ErrInvalidOrExpired {
		t.Errorf("old token after resubscribe: want ErrInvalidOrExpired, got %v", err)
	}

	got, _ := repo.Get(ctx, "a@x.com")
	if got.Active() {
		t.Error("pending resubscriber must not count as active")
	}
}
