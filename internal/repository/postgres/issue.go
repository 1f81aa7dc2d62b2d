package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/newsletter-service/internal/domain"
	"github.com/ignite/newsletter-service/internal/service/lifecycle"
)

// IssueRepo persists newsletter issues and their per-recipient send ledger.
// The ledger makes issue sending restartable: a crashed send resumes from
// pending rows instead of re-mailing everyone.
type IssueRepo struct {
	db *sql.DB
}

func NewIssueRepo(db *sql.DB) *IssueRepo {
	return &IssueRepo{db: db}
}

// Create stores a new draft issue.
func (r *IssueRepo) Create(ctx context.Context, issue *domain.Issue) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO newsletter_issues (id, subject, markdown, source_url, status)
		VALUES ($1, $2, $3, $4, $5)
	`, issue.ID, issue.Subject, issue.Markdown, issue.SourceURL, issue.Status)
	if err != nil {
		return fmt.Errorf("create issue: %w", err)
	}
	return nil
}

// Get fetches an issue by id.
func (r *IssueRepo) Get(ctx context.Context, id string) (*domain.Issue, error) {
	var issue domain.Issue
	err := r.db.QueryRowContext(ctx, `
		SELECT id, subject, markdown, source_url, status, created_at, completed_at
		FROM newsletter_issues WHERE id = $1
	`, id).Scan(&issue.ID, &issue.Subject, &issue.Markdown, &issue.SourceURL,
		&issue.Status, &issue.CreatedAt, &issue.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return &issue, nil
}

// List returns recent issues, newest first.
func (r *IssueRepo) List(ctx context.Context, limit int) ([]domain.Issue, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, subject, markdown, source_url, status, created_at, completed_at
		FROM newsletter_issues ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var issues []domain.Issue
	for rows.Next() {
		var issue domain.Issue
		if err := rows.Scan(&issue.ID, &issue.Subject, &issue.Markdown, &issue.SourceURL,
			&issue.Status, &issue.CreatedAt, &issue.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// SeedSends snapshots the current active subscriber set into the send ledger
// and flips the issue to sending. Idempotent via ON CONFLICT DO NOTHING, so a
// retried seed never duplicates recipients or resets rows already sent.
func (r *IssueRepo) SeedSends(ctx context.Context, issueID string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin seed sends: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO newsletter_sends (issue_id, email)
		SELECT $1, email FROM subscribers
		WHERE subscribed_at IS NOT NULL
		  AND unsubscribed_at IS NULL
		  AND email_verified = TRUE
		ON CONFLICT (issue_id, email) DO NOTHING
	`, issueID)
	if err != nil {
		return 0, fmt.Errorf("seed issue sends: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE newsletter_issues SET status = 'sending' WHERE id = $1 AND status = 'draft'`,
		issueID)
	if err != nil {
		return 0, fmt.Errorf("mark issue sending: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed sends: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PendingRecipients returns up to limit recipients still awaiting this issue,
// joined with the subscriber row so the sender can personalize.
func (r *IssueRepo) PendingRecipients(ctx context.Context, issueID string, limit int) ([]domain.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.email, s.subscribed_at, s.country
		FROM newsletter_sends ns
		JOIN subscribers s ON s.email = ns.email
		WHERE ns.issue_id = $1 AND ns.status = 'pending'
		  AND s.unsubscribed_at IS NULL
		ORDER BY s.email
		LIMIT $2
	`, issueID, limit)
	if err != nil {
		return nil, fmt.Errorf("pending recipients: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscriber
	for rows.Next() {
		var s domain.Subscriber
		if err := rows.Scan(&s.Email, &s.SubscribedAt, &s.Country); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// MarkSent records a successful per-recipient delivery.
func (r *IssueRepo) MarkSent(ctx context.Context, issueID, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE newsletter_sends SET status = 'sent', sent_at = NOW()
		WHERE issue_id = $1 AND email = $2
	`, issueID, email)
	if err != nil {
		return fmt.Errorf("mark send ok: %w", err)
	}
	return nil
}

// MarkFailed records a per-recipient failure with its cause.
func (r *IssueRepo) MarkFailed(ctx context.Context, issueID, email, cause string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE newsletter_sends SET status = 'failed', error = $3
		WHERE issue_id = $1 AND email = $2
	`, issueID, email, cause)
	if err != nil {
		return fmt.Errorf("mark send failed: %w", err)
	}
	return nil
}

// Complete stamps the issue done once no pending rows remain.
func (r *IssueRepo) Complete(ctx context.Context, issueID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE newsletter_issues SET status = 'sent', completed_at = $2 WHERE id = $1
	`, issueID, at)
	if err != nil {
		return fmt.Errorf("complete issue: %w", err)
	}
	return nil
}

// SendProgress reports per-status counts for one issue.
func (r *IssueRepo) SendProgress(ctx context.Context, issueID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM newsletter_sends WHERE issue_id = $1 GROUP BY status`,
		issueID)
	if err != nil {
		return nil, fmt.Errorf("send progress: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan send progress: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
