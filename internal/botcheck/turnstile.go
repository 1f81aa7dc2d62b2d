// Package botcheck validates Cloudflare Turnstile responses on the public
// subscribe endpoint.
package botcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/newsletter-service/internal/pkg/httpretry"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
)

const defaultEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// ErrChallengeFailed means Turnstile rejected the response token.
var ErrChallengeFailed = errors.New("bot challenge failed")

// Verifier calls the Turnstile siteverify API. The zero secret disables
// verification so local and test deployments work without Cloudflare.
type Verifier struct {
	secret   string
	endpoint string
	client   httpretry.Doer
}

func NewVerifier(secret string, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Verifier{
		secret:   secret,
		endpoint: defaultEndpoint,
		client:   httpretry.New(&http.Client{Timeout: timeout}, 2),
	}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool { return v.secret != "" }

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify checks one challenge response. Verification fails closed: an
// unreachable siteverify API rejects the request rather than letting
// unchecked traffic through.
func (v *Verifier) Verify(ctx context.Context, responseToken, remoteIP string) error {
	if !v.Enabled() {
		return nil
	}
	if responseToken == "" {
		return ErrChallengeFailed
	}

	form := url.Values{
		"secret":   {v.secret},
		"response": {responseToken},
	}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		logger.Warn("turnstile siteverify unreachable", "error", err.Error())
		return fmt.Errorf("siteverify call: %w", err)
	}
	defer resp.Body.Close()

	var body siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode siteverify response: %w", err)
	}
	if !body.Success {
		logger.Debug("turnstile challenge rejected", "codes", strings.Join(body.ErrorCodes, ","))
		return ErrChallengeFailed
	}
	return nil
}
