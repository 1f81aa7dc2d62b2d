package domain

import "time"

// IssueStatus enumerates the states of a newsletter issue.
type IssueStatus string

const (
	IssueDraft   IssueStatus = "draft"
	IssueSending IssueStatus = "sending"
	IssueSent    IssueStatus = "sent"
)

// Issue is one newsletter edition: a subject plus a markdown body, sent to
// every active verified subscriber.
type Issue struct {
	ID          string      `json:"id" db:"id"`
	Subject     string      `json:"subject" db:"subject"`
	Markdown    string      `json:"markdown" db:"markdown"`
	SourceURL   string      `json:"source_url" db:"source_url"`
	Status      IssueStatus `json:"status" db:"status"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	CompletedAt *time.Time  `json:"completed_at" db:"completed_at"`
}

// IssueSendStatus enumerates per-recipient send states for an issue.
type IssueSendStatus string

const (
	SendPending IssueSendStatus = "pending"
	SendOK      IssueSendStatus = "sent"
	SendFailed  IssueSendStatus = "failed"
)

// IssueSend records the delivery status of one issue to one subscriber.
// Sends are restartable: recipients already marked sent are skipped.
type IssueSend struct {
	IssueID string          `json:"issue_id" db:"issue_id"`
	Email   string          `json:"email" db:"email"`
	Status  IssueSendStatus `json:"status" db:"status"`
	SentAt  *time.Time      `json:"sent_at" db:"sent_at"`
	Error   string          `json:"error" db:"error"`
}
