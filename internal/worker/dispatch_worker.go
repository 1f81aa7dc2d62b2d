package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/newsletter-service/internal/domain"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
	"github.com/ignite/newsletter-service/internal/service/lifecycle"
)

// dispatchQueue is the slice of the queue repository the worker consumes.
type dispatchQueue interface {
	Claim(ctx context.Context, limit int) ([]domain.DispatchJob, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, id, cause string) error
	Release(ctx context.Context, id string) error
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error)
}

// subscriberStore gives the worker the current lifecycle view of an address.
type subscriberStore interface {
	CurrentVerificationToken(ctx context.Context, email string) (*string, error)
	MarkVerificationSent(ctx context.Context, email string, at time.Time) error
}

// verificationComposer renders the confirmation email for a job.
type verificationComposer interface {
	Verification(email, tok string) (*EmailMessage, error)
}

// DispatchWorkerConfig tunes the polling loop.
type DispatchWorkerConfig struct {
	ClaimSize    int
	PollInterval time.Duration
	StuckAfter   time.Duration

	// Production gates real delivery to reserved test domains. Outside
	// production such addresses are acknowledged without a provider call.
	Production bool
}

// DefaultDispatchConfig returns conservative loop settings.
func DefaultDispatchConfig() DispatchWorkerConfig {
	return DispatchWorkerConfig{
		ClaimSize:    50,
		PollInterval: 5 * time.Second,
		StuckAfter:   10 * time.Minute,
	}
}

// DispatchWorker drains the verification email queue. Delivery is
// at-least-once, so every step tolerates seeing the same job twice.
type DispatchWorker struct {
	queue    dispatchQueue
	store    subscriberStore
	composer verificationComposer
	provider DeliveryProvider
	gate     *RateLimiter
	config   DispatchWorkerConfig

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	totalSent    atomic.Int64
	totalRetried atomic.Int64
	totalSkipped atomic.Int64
}

// NewDispatchWorker wires the worker. gate may be nil to disable throttling.
func NewDispatchWorker(queue dispatchQueue, store subscriberStore, composer verificationComposer, provider DeliveryProvider, gate *RateLimiter, config DispatchWorkerConfig) *DispatchWorker {
	if config.ClaimSize <= 0 {
		config.ClaimSize = 50
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = 10 * time.Minute
	}
	return &DispatchWorker{
		queue:    queue,
		store:    store,
		composer: composer,
		provider: provider,
		gate:     gate,
		config:   config,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *DispatchWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("dispatch worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})

	w.wg.Add(1)
	go w.run()

	logger.Info("dispatch worker started",
		"claimSize", w.config.ClaimSize,
		"pollInterval", w.config.PollInterval.String(),
		"provider", w.provider.Name())
	return nil
}

// Stop halts the loop and waits for the in-flight batch to finish.
func (w *DispatchWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	logger.Info("dispatch worker stopped")
}

// Stats reports lifetime counters for the admin surface.
func (w *DispatchWorker) Stats() map[string]int64 {
	return map[string]int64{
		"total_sent":    w.totalSent.Load(),
		"total_retried": w.totalRetried.Load(),
		"total_skipped": w.totalSkipped.Load(),
	}
}

func (w *DispatchWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	recovery := time.NewTicker(w.config.StuckAfter / 2)
	defer recovery.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-recovery.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := w.queue.RecoverStuck(ctx, w.config.StuckAfter); err != nil {
				logger.Error("stuck job recovery failed", "error", err.Error())
			} else if n > 0 {
				logger.Warn("requeued stuck dispatch jobs", "count", n)
			}
			cancel()
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			w.drainBatch(ctx)
			cancel()
		}
	}
}

func (w *DispatchWorker) drainBatch(ctx context.Context) {
	jobs, err := w.queue.Claim(ctx, w.config.ClaimSize)
	if err != nil {
		logger.Error("claim dispatch batch failed", "error", err.Error())
		return
	}
	for i := range jobs {
		outcome := w.processJob(ctx, &jobs[i])
		logger.Debug("dispatch job processed",
			"jobId", jobs[i].ID,
			"email", jobs[i].Email,
			"outcome", outcome.String(),
			"attempts", jobs[i].Attempts)
	}
}

// processJob handles one claimed job end to end. The stored token is re-read
// right before sending so a stale job, superseded by a newer subscribe, still
// mails the current link instead of a dead one.
func (w *DispatchWorker) processJob(ctx context.Context, job *domain.DispatchJob) domain.DispatchOutcome {
	current, err := w.store.CurrentVerificationToken(ctx, job.Email)
	if err == lifecycle.ErrNotFound {
		w.totalSkipped.Add(1)
		w.ack(ctx, job.ID)
		return domain.OutcomeAck
	}
	if err != nil {
		w.retry(ctx, job.ID, fmt.Sprintf("read subscriber: %v", err))
		return domain.OutcomeRetry
	}
	if current == nil {
		// Already verified or unsubscribed. Nothing to mail.
		w.totalSkipped.Add(1)
		w.ack(ctx, job.ID)
		return domain.OutcomeAck
	}
	// A superseded job sends the row's current token, not its own stale one.
	// The extra email is benign; a lost one is not.
	tok := *current

	if !w.config.Production && isTestAddress(job.Email) {
		w.totalSent.Add(1)
		w.ack(ctx, job.ID)
		w.markSent(ctx, job.Email)
		return domain.OutcomeAck
	}

	if w.gate != nil {
		allowed, wait, err := w.gate.Allow(ctx)
		if err != nil {
			w.retry(ctx, job.ID, fmt.Sprintf("rate limit: %v", err))
			return domain.OutcomeRetry
		}
		if !allowed {
			// Throttled, not failed. Put it back without burning an attempt.
			logger.Debug("dispatch throttled", "jobId", job.ID, "wait", wait.String())
			if err := w.queue.Release(ctx, job.ID); err != nil {
				logger.Error("release throttled job failed", "jobId", job.ID, "error", err.Error())
			}
			return domain.OutcomeRetry
		}
	}

	msg, err := w.composer.Verification(job.Email, tok)
	if err != nil {
		w.retry(ctx, job.ID, fmt.Sprintf("compose: %v", err))
		return domain.OutcomeRetry
	}

	result, err := w.provider.Send(ctx, msg)
	if err != nil {
		w.retry(ctx, job.ID, fmt.Sprintf("send: %v", err))
		return domain.OutcomeRetry
	}
	if !result.Success {
		cause := "provider rejected message"
		if result.Error != nil {
			cause = result.Error.Error()
		}
		w.retry(ctx, job.ID, cause)
		return domain.OutcomeRetry
	}

	w.totalSent.Add(1)
	w.ack(ctx, job.ID)
	w.markSent(ctx, job.Email)
	return domain.OutcomeAck
}

func (w *DispatchWorker) ack(ctx context.Context, id string) {
	if err := w.queue.Ack(ctx, id); err != nil {
		logger.Error("ack dispatch job failed", "jobId", id, "error", err.Error())
	}
}

func (w *DispatchWorker) retry(ctx context.Context, id, cause string) {
	w.totalRetried.Add(1)
	logger.Warn("dispatch job will retry", "jobId", id, "cause", cause)
	if err := w.queue.Retry(ctx, id, cause); err != nil {
		logger.Error("retry dispatch job failed", "jobId", id, "error", err.Error())
	}
}

// markSent is best effort: the job is already acknowledged and a missed
// timestamp only affects reporting.
func (w *DispatchWorker) markSent(ctx context.Context, email string) {
	if err := w.store.MarkVerificationSent(ctx, email, time.Now().UTC()); err != nil {
		logger.Warn("mark verification sent failed", "email", email, "error", err.Error())
	}
}

// isTestAddress reports whether the address belongs to a reserved
// documentation or test domain, or carries a "+test" local-part tag.
func isTestAddress(email string) bool {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return false
	}
	local := strings.ToLower(email[:at])
	if strings.HasSuffix(local, "+test") {
		return true
	}
	domainPart := strings.ToLower(email[at+1:])
	switch domainPart {
	case "example.com", "example.org", "example.net":
		return true
	}
	return strings.HasSuffix(domainPart, ".test") || strings.HasSuffix(domainPart, ".invalid")
}
