package mailing

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/osteele/liquid"

	"github.com/ignite/newsletter-service/internal/domain"
	"github.com/ignite/newsletter-service/internal/token"
	"github.com/ignite/newsletter-service/internal/worker"
)

// Composer renders outbound emails from Liquid templates. Verification links
// carry the token issued at subscribe time; unsubscribe links carry the
// durable per-address token so they outlive any resubscribe cycle.
type Composer struct {
	engine *liquid.Engine
	codec  *token.Codec

	baseURL   string
	listName  string
	fromEmail string
	fromName  string
	replyTo   string

	verifyHTML *liquid.Template
	verifyText *liquid.Template
	newsHTML   *liquid.Template
	newsText   *liquid.Template
}

// NewComposer parses the built-in templates once up front so render-time
// errors are limited to bad bindings.
func NewComposer(codec *token.Codec, baseURL, listName, fromEmail, fromName, replyTo string) (*Composer, error) {
	engine := liquid.NewEngine()

	c := &Composer{
		engine:    engine,
		codec:     codec,
		baseURL:   strings.TrimRight(baseURL, "/"),
		listName:  listName,
		fromEmail: fromEmail,
		fromName:  fromName,
		replyTo:   replyTo,
	}

	var err error
	if c.verifyHTML, err = engine.ParseString(verificationHTMLTemplate); err != nil {
		return nil, fmt.Errorf("parse verification html template: %w", err)
	}
	if c.verifyText, err = engine.ParseString(verificationTextTemplate); err != nil {
		return nil, fmt.Errorf("parse verification text template: %w", err)
	}
	if c.newsHTML, err = engine.ParseString(newsletterHTMLTemplate); err != nil {
		return nil, fmt.Errorf("parse newsletter html template: %w", err)
	}
	if c.newsText, err = engine.ParseString(newsletterTextTemplate); err != nil {
		return nil, fmt.Errorf("parse newsletter text template: %w", err)
	}
	return c, nil
}

// VerificationURL builds the link embedded in the confirmation email.
func (c *Composer) VerificationURL(email, tok string) string {
	return fmt.Sprintf("%s/v1/newsletter/verify?token=%s&email=%s",
		c.baseURL, url.QueryEscape(tok), url.QueryEscape(email))
}

// UnsubscribeURL builds the one-click unsubscribe link for an address.
func (c *Composer) UnsubscribeURL(email string) string {
	return fmt.Sprintf("%s/v1/newsletter/unsubscribe?token=%s&email=%s",
		c.baseURL, url.QueryEscape(c.codec.UnsubscribeToken(email)), url.QueryEscape(email))
}

// Verification renders the double-opt-in confirmation email.
func (c *Composer) Verification(email, tok string) (*worker.EmailMessage, error) {
	bindings := map[string]interface{}{
		"list_name":  c.listName,
		"verify_url": c.VerificationURL(email, tok),
	}
	html, err := c.verifyHTML.Render(bindings)
	if err != nil {
		return nil, fmt.Errorf("render verification html: %w", err)
	}
	text, err := c.verifyText.Render(bindings)
	if err != nil {
		return nil, fmt.Errorf("render verification text: %w", err)
	}

	return &worker.EmailMessage{
		To:        email,
		FromEmail: c.fromEmail,
		FromName:  c.fromName,
		ReplyTo:   c.replyTo,
		Subject:   fmt.Sprintf("Confirm your subscription to %s", c.listName),
		HTML:      string(html),
		Text:      string(text),
	}, nil
}

// Newsletter renders one issue for one recipient. The List-Unsubscribe
// headers let mail clients offer their native unsubscribe control.
func (c *Composer) Newsletter(issue *domain.Issue, sub *domain.Subscriber) (*worker.EmailMessage, error) {
	bodyHTML, err := RenderMarkdown(issue.Markdown)
	if err != nil {
		return nil, fmt.Errorf("render issue markdown: %w", err)
	}

	subscribedOn := "an earlier date"
	if !sub.SubscribedAt.IsZero() {
		subscribedOn = sub.SubscribedAt.Format("January 2, 2006")
	}
	unsubURL := c.UnsubscribeURL(sub.Email)

	bindings := map[string]interface{}{
		"list_name":       c.listName,
		"body_html":       bodyHTML,
		"body_text":       issue.Markdown,
		"subscribed_on":   subscribedOn,
		"unsubscribe_url": unsubURL,
	}
	html, err := c.newsHTML.Render(bindings)
	if err != nil {
		return nil, fmt.Errorf("render newsletter html: %w", err)
	}
	text, err := c.newsText.Render(bindings)
	if err != nil {
		return nil, fmt.Errorf("render newsletter text: %w", err)
	}

	return &worker.EmailMessage{
		To:        sub.Email,
		FromEmail: c.fromEmail,
		FromName:  c.fromName,
		ReplyTo:   c.replyTo,
		Subject:   issue.Subject,
		HTML:      string(html),
		Text:      string(text),
		Headers: map[string]string{
			"List-Unsubscribe":      fmt.Sprintf("<%s>", unsubURL),
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
	}, nil
}
