package domain

import "time"

// DispatchJobStatus enumerates the states of a queued verification email job.
type DispatchJobStatus string

const (
	JobQueued     DispatchJobStatus = "queued"
	JobProcessing DispatchJobStatus = "processing"
	JobSent       DispatchJobStatus = "sent"
	JobDead       DispatchJobStatus = "dead"
)

// DispatchJob is one "send verification email" unit of work. The payload
// carries everything the dispatcher needs without re-reading the store,
// though the consumer re-reads the current token at send time anyway so a
// superseded job mails a link that still resolves.
type DispatchJob struct {
	ID            string            `json:"id" db:"id"`
	Email         string            `json:"email" db:"email"`
	Token         string            `json:"verificationToken" db:"verification_token"`
	SubscribedAt  time.Time         `json:"subscribedAt" db:"subscribed_at"`
	Metadata      SubscribeMetadata `json:"metadata" db:"metadata"`
	Status        DispatchJobStatus `json:"status" db:"status"`
	Attempts      int               `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time         `json:"next_attempt_at" db:"next_attempt_at"`
	LastError     string            `json:"last_error" db:"last_error"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// DispatchOutcome is the explicit result of processing one dispatch job.
// The retry path is a returned value, not an error thrown through the stack:
// the queue layer maps Ack to deletion-equivalent completion and Retry to
// redelivery with backoff.
type DispatchOutcome int

const (
	// OutcomeAck marks the job done. Used for successful sends and for jobs
	// that must not be retried (record gone, already verified, test address).
	OutcomeAck DispatchOutcome = iota
	// OutcomeRetry requests redelivery after the queue's backoff.
	OutcomeRetry
)

func (o DispatchOutcome) String() string {
	if o == OutcomeAck {
		return "ack"
	}
	return "retry"
}
