package mailing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/ignite/newsletter-service/internal/domain"
)

// FeedDrafter turns an RSS or Atom feed into a draft newsletter issue.
type FeedDrafter struct {
	parser   *gofeed.Parser
	maxItems int
}

func NewFeedDrafter(maxItems int) *FeedDrafter {
	if maxItems <= 0 {
		maxItems = 10
	}
	return &FeedDrafter{parser: gofeed.NewParser(), maxItems: maxItems}
}

// Draft fetches the feed and builds a markdown digest of its newest items.
// The result is a draft: it still needs an explicit send.
func (d *FeedDrafter) Draft(ctx context.Context, feedURL string) (*domain.Issue, error) {
	feed, err := d.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}
	if len(feed.Items) == 0 {
		return nil, fmt.Errorf("feed %s has no items", feedURL)
	}

	items := feed.Items
	if len(items) > d.maxItems {
		items = items[:d.maxItems]
	}

	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "## [%s](%s)\n\n", item.Title, item.Link)
		if desc := strings.TrimSpace(item.Description); desc != "" {
			b.WriteString(desc)
			b.WriteString("\n\n")
		}
	}

	subject := feed.Title
	if subject == "" {
		subject = "Newsletter"
	}
	subject = fmt.Sprintf("%s - %s", subject, time.Now().Format("January 2, 2006"))

	return &domain.Issue{
		ID:        uuid.New().String(),
		Subject:   subject,
		Markdown:  strings.TrimRight(b.String(), "\n"),
		SourceURL: feedURL,
		Status:    domain.IssueDraft,
		CreatedAt: time.Now().UTC(),
	}, nil
}
