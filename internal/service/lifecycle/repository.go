package lifecycle

import (
	"context"
	"time"

	"github.com/ignite/newsletter-service/internal/domain"
)

// Repository defines the data access contract for subscriber records.
type Repository interface {
	// Upsert inserts or fully resets the record for sub.Email in a single
	// atomic statement. Used by the subscribe transition.
	Upsert(ctx context.Context, sub *domain.Subscriber) error

	// Get loads the record for a normalized email. Returns ErrNotFound if
	// no row exists.
	Get(ctx context.Context, email string) (*domain.Subscriber, error)

	// ConfirmVerification transitions the row to verified in a single
	// conditional update: it applies only while email_verified is false AND
	// the stored verification_token equals tok. Returns whether a row was
	// updated; false means either a concurrent caller won or the token was
	// superseded.
	ConfirmVerification(ctx context.Context, email, tok string, now time.Time) (bool, error)

	// Unsubscribe sets unsubscribed_at unconditionally (idempotent) and
	// reports whether the row exists.
	Unsubscribe(ctx context.Context, email string, now time.Time) (bool, error)

	// ListActive returns active verified subscribers, newest first.
	ListActive(ctx context.Context, limit, offset int) ([]domain.Subscriber, int, error)

	// Stats returns aggregate subscriber counts for reporting.
	Stats(ctx context.Context) (*Stats, error)
}

// Enqueuer is the dispatch queue producer side. Enqueue must be durable
// before returning; delivery semantics are at-least-once.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *domain.DispatchJob) error
}

// Stats aggregates subscriber counts for the admin dashboard, mirroring the
// operator report: totals by state plus a by-country breakdown of actives.
type Stats struct {
	Total        int            `json:"total"`
	Active       int            `json:"active"`
	Pending      int            `json:"pending"`
	Unsubscribed int            `json:"unsubscribed"`
	ByCountry    map[string]int `json:"by_country"`
}
