// Package postgres implements the data access contracts against PostgreSQL
// using database/sql and lib/pq. All mutual exclusion relies on single-
// statement atomic SQL: upserts, conditional updates, and SKIP LOCKED claims.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/newsletter-service/internal/domain"
	"github.com/ignite/newsletter-service/internal/service/lifecycle"
)

// SubscriberRepo implements lifecycle.Repository against PostgreSQL.
type SubscriberRepo struct{ db *sql.DB }

// NewSubscriberRepo creates a Postgres-backed subscriber repository.
func NewSubscriberRepo(db *sql.DB) *SubscriberRepo { return &SubscriberRepo{db: db} }

const subscriberColumns = `email, subscribed_at, unsubscribed_at, email_verified,
	verification_token, verification_sent_at, verified_at,
	ip_address, user_agent, country, created_at, updated_at`

// Upsert inserts the record or resets an existing one to pending in a single
// statement. Two concurrent subscribes for the same address serialize on the
// primary key; neither produces a duplicate row.
func (r *SubscriberRepo) Upsert(ctx context.Context, s *domain.Subscriber) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscribers (email, subscribed_at, unsubscribed_at, email_verified,
			verification_token, verification_sent_at, verified_at,
			ip_address, user_agent, country, created_at, updated_at)
		VALUES ($1, $2, NULL, FALSE, $3, $4, NULL, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (email) DO UPDATE SET
			subscribed_at = $2,
			unsubscribed_at = NULL,
			email_verified = FALSE,
			verification_token = $3,
			verification_sent_at = $4,
			verified_at = NULL,
			ip_address = $5,
			user_agent = $6,
			country = $7,
			updated_at = NOW()
	`, s.Email, s.SubscribedAt, s.VerificationToken, s.VerificationSentAt,
		s.IPAddress, s.UserAgent, s.Country)
	if err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	return nil
}

// Get loads the record for a normalized email.
func (r *SubscriberRepo) Get(ctx context.Context, email string) (*domain.Subscriber, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE email = $1`, email)

	var s domain.Subscriber
	err := row.Scan(&s.Email, &s.SubscribedAt, &s.UnsubscribedAt, &s.EmailVerified,
		&s.VerificationToken, &s.VerificationSentAt, &s.VerifiedAt,
		&s.IPAddress, &s.UserAgent, &s.Country, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return &s, nil
}

// ConfirmVerification performs the pending → verified transition as one
// conditional update. The WHERE clause carries both guards: the row must
// still be unverified and must still hold exactly this token, which closes
// the read-then-write race and rejects superseded tokens in the same breath.
func (r *SubscriberRepo) ConfirmVerification(ctx context.Context, email, tok string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscribers
		SET email_verified = TRUE, verified_at = $3, verification_token = NULL, updated_at = NOW()
		WHERE email = $1 AND email_verified = FALSE AND verification_token = $2
	`, email, tok, now)
	if err != nil {
		return false, fmt.Errorf("confirm verification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm verification rows: %w", err)
	}
	return n > 0, nil
}

// Unsubscribe stamps unsubscribed_at unconditionally. Repeat calls simply
// move the timestamp; verification columns are left untouched.
func (r *SubscriberRepo) Unsubscribe(ctx context.Context, email string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE subscribers SET unsubscribed_at = $2, updated_at = NOW() WHERE email = $1`,
		email, now)
	if err != nil {
		return false, fmt.Errorf("unsubscribe: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unsubscribe rows: %w", err)
	}
	return n > 0, nil
}

// CurrentVerificationToken returns the row's live token, or nil when the
// record is verified, unsubscribed, or has no verification outstanding. The
// dispatcher calls this at send time so a stale job mails the current link.
func (r *SubscriberRepo) CurrentVerificationToken(ctx context.Context, email string) (*string, error) {
	var tok *string
	var verified bool
	var unsubscribedAt *time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT verification_token, email_verified, unsubscribed_at FROM subscribers WHERE email = $1`,
		email,
	).Scan(&tok, &verified, &unsubscribedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lifecycle.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("current verification token: %w", err)
	}
	if verified || unsubscribedAt != nil {
		return nil, nil
	}
	return tok, nil
}

// MarkVerificationSent records the send time after a successful dispatch.
// Best-effort bookkeeping: callers log failures and move on.
func (r *SubscriberRepo) MarkVerificationSent(ctx context.Context, email string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscribers SET verification_sent_at = $2, updated_at = NOW() WHERE email = $1`,
		email, now)
	if err != nil {
		return fmt.Errorf("mark verification sent: %w", err)
	}
	return nil
}

// ListActive returns active verified subscribers, newest first.
func (r *SubscriberRepo) ListActive(ctx context.Context, limit, offset int) ([]domain.Subscriber, int, error) {
	const active = `subscribed_at IS NOT NULL AND unsubscribed_at IS NULL AND email_verified`

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscribers WHERE `+active,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count active subscribers: %w", err)
	}

	if limit <= 0 {
		limit = total
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE `+active+`
		 ORDER BY subscribed_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list active subscribers: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		var s domain.Subscriber
		if err := rows.Scan(&s.Email, &s.SubscribedAt, &s.UnsubscribedAt, &s.EmailVerified,
			&s.VerificationToken, &s.VerificationSentAt, &s.VerifiedAt,
			&s.IPAddress, &s.UserAgent, &s.Country, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// Stats aggregates lifecycle counts plus a by-country breakdown of actives.
func (r *SubscriberRepo) Stats(ctx context.Context) (*lifecycle.Stats, error) {
	stats := &lifecycle.Stats{ByCountry: make(map[string]int)}

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE unsubscribed_at IS NULL AND email_verified),
		       COUNT(*) FILTER (WHERE unsubscribed_at IS NULL AND NOT email_verified),
		       COUNT(*) FILTER (WHERE unsubscribed_at IS NOT NULL)
		FROM subscribers
	`).Scan(&stats.Total, &stats.Active, &stats.Pending, &stats.Unsubscribed)
	if err != nil {
		return nil, fmt.Errorf("subscriber stats: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT COALESCE(NULLIF(country, ''), 'Unknown'), COUNT(*)
		FROM subscribers
		WHERE unsubscribed_at IS NULL AND email_verified
		GROUP BY 1 ORDER BY 2 DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("subscriber stats by country: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var country string
		var n int
		if err := rows.Scan(&country, &n); err != nil {
			return nil, fmt.Errorf("scan country stats: %w", err)
		}
		stats.ByCountry[country] = n
	}
	return stats, rows.Err()
}
