// Package httpretry wraps an HTTP client with bounded retries and
// exponential backoff for calls to external APIs.
package httpretry

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/ignite/newsletter-service/internal/pkg/logger"
)

// Doer executes one HTTP request. Both *http.Client and *Client satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client retries transient failures: 429 and 5xx responses, plus network
// errors. Client errors (4xx) pass through immediately.
type Client struct {
	inner      Doer
	maxRetries int
	baseDelay  time.Duration
}

// New wraps client with up to maxRetries retries after the first attempt.
// A nil client gets a default with a 30 second timeout.
func New(client Doer, maxRetries int) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{inner: client, maxRetries: maxRetries, baseDelay: 500 * time.Millisecond}
}

// Do executes the request, retrying when the response is retryable. The
// request needs GetBody set for retries to replay a body; requests built
// with http.NewRequest from a strings.Reader have it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("replay request body: %w", err)
				}
				req.Body = body
			}

			delay := c.backoff(attempt)
			logger.Debug("retrying http call",
				"attempt", attempt, "host", req.URL.Host, "delay", delay.String())
			select {
			case <-req.Context().Done():
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.inner.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if !retryable(resp.StatusCode) || attempt == c.maxRetries {
			return resp, nil
		}
		// Drain so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("http %d from %s", resp.StatusCode, req.URL.Host)
	}
	return nil, lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(c.baseDelay)))
	return delay + jitter
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
