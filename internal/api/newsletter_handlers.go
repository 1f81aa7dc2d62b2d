package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ignite/newsletter-service/internal/botcheck"
	"github.com/ignite/newsletter-service/internal/domain"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
	"github.com/ignite/newsletter-service/internal/service/lifecycle"
)

// subscriptionService is the lifecycle surface the handlers call.
type subscriptionService interface {
	Subscribe(ctx context.Context, email string, md domain.SubscribeMetadata) (*domain.Subscriber, error)
	Verify(ctx context.Context, email, tok string) (lifecycle.VerifyOutcome, error)
	Unsubscribe(ctx context.Context, email, tok string) error
	ActiveSubscribers(ctx context.Context, limit, offset int) ([]domain.Subscriber, int, error)
	Stats(ctx context.Context) (*lifecycle.Stats, error)
}

// botVerifier gates the public subscribe endpoint.
type botVerifier interface {
	Enabled() bool
	Verify(ctx context.Context, responseToken, remoteIP string) error
}

type subscribeRequest struct {
	Email          string `json:"email"`
	TurnstileToken string `json:"turnstileToken,omitempty"`
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Subscribe handles POST /v1/newsletter/subscribe.
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if h.botcheck != nil && h.botcheck.Enabled() {
		if err := h.botcheck.Verify(r.Context(), req.TurnstileToken, r.RemoteAddr); err != nil {
			// A rejected challenge and an unreachable verifier both block the
			// request, but the latter is the server's problem, not the client's.
			if errors.Is(err, botcheck.ErrChallengeFailed) {
				respondError(w, http.StatusForbidden, "Bot verification failed")
			} else {
				respondSafeError(w, http.StatusServiceUnavailable, err, "Verification service unavailable")
			}
			return
		}
	}

	md := domain.SubscribeMetadata{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
		Country:   r.Header.Get("CF-IPCountry"),
	}

	sub, err := h.lifecycle.Subscribe(r.Context(), req.Email, md)
	if err != nil {
		if errors.Is(err, lifecycle.ErrEmailInvalid) {
			respondError(w, http.StatusBadRequest, "Please provide a valid email address")
			return
		}
		respondSafeError(w, http.StatusInternalServerError, err, safeErrorMessage(err))
		return
	}

	logger.Info("subscription received", "email", sub.Email)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"verificationPending": true,
		"message":             "Check your inbox to confirm your subscription",
	})
}

// Verify handles GET and POST /v1/newsletter/verify. GET serves the link
// embedded in the confirmation email.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	tok := r.URL.Query().Get("token")

	outcome, err := h.lifecycle.Verify(r.Context(), email, tok)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrEmailInvalid) || errors.Is(err, lifecycle.ErrTokenRequired):
			respondError(w, http.StatusBadRequest, "Invalid verification link")
		case errors.Is(err, lifecycle.ErrNotFound):
			respondError(w, http.StatusNotFound, "No pending subscription for this address")
		case errors.Is(err, lifecycle.ErrInvalidOrExpired):
			respondError(w, http.StatusBadRequest, "This verification link is invalid or has expired")
		default:
			respondSafeError(w, http.StatusInternalServerError, err, safeErrorMessage(err))
		}
		return
	}

	message := "Your subscription is confirmed"
	if outcome == lifecycle.VerifyAlreadyConfirmed {
		message = "Your subscription was already confirmed"
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"outcome": string(outcome),
		"message": message,
	})
}

// Unsubscribe handles GET /v1/newsletter/unsubscribe, the link carried in
// every issue footer and List-Unsubscribe header.
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	tok := r.URL.Query().Get("token")

	err := h.lifecycle.Unsubscribe(r.Context(), email, tok)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrEmailInvalid) || errors.Is(err, lifecycle.ErrTokenRequired):
			respondError(w, http.StatusBadRequest, "Invalid unsubscribe link")
		case errors.Is(err, lifecycle.ErrNotFound):
			respondError(w, http.StatusNotFound, "This address is not subscribed")
		case errors.Is(err, lifecycle.ErrInvalidToken):
			respondError(w, http.StatusBadRequest, "Invalid unsubscribe link")
		default:
			respondSafeError(w, http.StatusInternalServerError, err, safeErrorMessage(err))
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "unsubscribed",
		"message": "You have been unsubscribed",
	})
}
