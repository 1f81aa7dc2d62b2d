package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/newsletter-service/internal/domain"
)

// QueueRepo implements the dispatch queue against PostgreSQL. Delivery is
// at-least-once: a worker crash after claiming leaves the row in processing
// until the recovery sweep requeues it, so consumers must tolerate replays.
type QueueRepo struct {
	db *sql.DB

	maxAttempts int
	backoffBase time.Duration
}

// NewQueueRepo creates a Postgres-backed dispatch queue. Retry policy lives
// here, not in the consumer: maxAttempts before a job is parked as dead, and
// backoffBase doubled per attempt.
func NewQueueRepo(db *sql.DB, maxAttempts int, backoffBase time.Duration) *QueueRepo {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoffBase <= 0 {
		backoffBase = 30 * time.Second
	}
	return &QueueRepo{db: db, maxAttempts: maxAttempts, backoffBase: backoffBase}
}

// Enqueue durably stores one dispatch job.
func (r *QueueRepo) Enqueue(ctx context.Context, job *domain.DispatchJob) error {
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO dispatch_queue (id, email, verification_token, subscribed_at, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, job.ID, job.Email, job.Token, job.SubscribedAt, meta)
	if err != nil {
		return fmt.Errorf("enqueue dispatch job: %w", err)
	}
	return nil
}

// Claim atomically moves up to limit ready jobs to processing and returns
// them. FOR UPDATE SKIP LOCKED lets concurrent workers claim disjoint sets
// without blocking each other.
func (r *QueueRepo) Claim(ctx context.Context, limit int) ([]domain.DispatchJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH claimed AS (
			SELECT id FROM dispatch_queue
			WHERE status = 'queued' AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE dispatch_queue q
		SET status = 'processing', claimed_at = NOW()
		FROM claimed c
		WHERE q.id = c.id
		RETURNING q.id, q.email, q.verification_token, q.subscribed_at, q.metadata, q.attempts, q.created_at
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim dispatch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.DispatchJob
	for rows.Next() {
		var job domain.DispatchJob
		var meta []byte
		if err := rows.Scan(&job.ID, &job.Email, &job.Token, &job.SubscribedAt,
			&meta, &job.Attempts, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch job: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &job.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal job metadata: %w", err)
			}
		}
		job.Status = domain.JobProcessing
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Ack marks a job done. It stays on the table as an audit row.
func (r *QueueRepo) Ack(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE dispatch_queue SET status = 'sent', claimed_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ack dispatch job: %w", err)
	}
	return nil
}

// Retry requeues a failed job with exponential backoff, or parks it as dead
// once attempts are exhausted. One statement so a crash mid-retry cannot
// lose the attempt count.
func (r *QueueRepo) Retry(ctx context.Context, id string, cause string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_queue
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'queued' END,
		    next_attempt_at = NOW() + ($3 * POWER(2, attempts)) * interval '1 second',
		    claimed_at = NULL,
		    last_error = $4
		WHERE id = $1
	`, id, r.maxAttempts, int(r.backoffBase.Seconds()), cause)
	if err != nil {
		return fmt.Errorf("retry dispatch job: %w", err)
	}
	return nil
}

// Release returns a claimed job to the queue without burning an attempt.
// Used when the send rate limiter defers a job rather than it failing.
func (r *QueueRepo) Release(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE dispatch_queue SET status = 'queued', claimed_at = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("release dispatch job: %w", err)
	}
	return nil
}

// RecoverStuck requeues jobs claimed by workers that never finished (crash,
// deploy). Returns the number of jobs recovered.
func (r *QueueRepo) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_queue
		SET status = 'queued', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < NOW() - $1 * interval '1 second'
	`, int(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stuck rows: %w", err)
	}
	return int(n), nil
}

// Stats returns job counts by status for the admin dashboard.
func (r *QueueRepo) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM dispatch_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
