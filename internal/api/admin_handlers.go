package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/newsletter-service/internal/domain"
	"github.com/ignite/newsletter-service/internal/mailing"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
	"github.com/ignite/newsletter-service/internal/service/lifecycle"
)

// issueStore is the issue repository surface the admin handlers use.
type issueStore interface {
	Create(ctx context.Context, issue *domain.Issue) error
	Get(ctx context.Context, id string) (*domain.Issue, error)
	List(ctx context.Context, limit int) ([]domain.Issue, error)
	SendProgress(ctx context.Context, issueID string) (map[string]int, error)
}

// queueStatser exposes dispatch queue depth by status.
type queueStatser interface {
	Stats(ctx context.Context) (map[string]int, error)
}

// issueSender runs a full issue delivery.
type issueSender interface {
	SendIssue(ctx context.Context, issueID string) (*mailing.SendReport, error)
}

// issueDrafter builds a draft issue from an RSS feed.
type issueDrafter interface {
	Draft(ctx context.Context, feedURL string) (*domain.Issue, error)
}

// Handlers bundles the dependencies for all HTTP endpoints.
type Handlers struct {
	lifecycle  subscriptionService
	botcheck   botVerifier
	queueStats queueStatser
	issues     issueStore
	sender     issueSender
	drafter    issueDrafter

	// defaultFeedURL backs from-feed requests that omit feedUrl.
	defaultFeedURL string
}

func NewHandlers(lifecycle subscriptionService, botcheck botVerifier, queueStats queueStatser, issues issueStore, sender issueSender, drafter issueDrafter, defaultFeedURL string) *Handlers {
	return &Handlers{
		lifecycle:      lifecycle,
		botcheck:       botcheck,
		queueStats:     queueStats,
		issues:         issues,
		sender:         sender,
		drafter:        drafter,
		defaultFeedURL: defaultFeedURL,
	}
}

// ListSubscribers handles GET /admin/subscribers with limit/offset paging.
func (h *Handlers) ListSubscribers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	subs, total, err := h.lifecycle.ActiveSubscribers(r.Context(), limit, offset)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, safeErrorMessage(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"subscribers": subs,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

// SubscriberStats handles GET /admin/subscribers/stats.
func (h *Handlers) SubscriberStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.lifecycle.Stats(r.Context())
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, safeErrorMessage(err))
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// QueueStats handles GET /admin/queue/stats.
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queueStats.Stats(r.Context())
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, safeErrorMessage(err))
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type createIssueRequest struct {
	Subject  string `json:"subject"`
	Markdown string `json:"markdown"`
}

// CreateIssue handles POST /admin/issues.
func (h *Handlers) CreateIssue(w http.ResponseWriter, r *http.Request) {
	var req createIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Subject == "" || req.Markdown == "" {
		respondError(w, http.StatusBadRequest, "subject and markdown are required")
		return
	}

	issue := &domain.Issue{
		ID:        uuid.New().String(),
		Subject:   req.Subject,
		Markdown:  req.Markdown,
		Status:    domain.IssueDraft,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.issues.Create(r.Context(), issue); err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, safeErrorMessage(err))
		return
	}
	respondJSON(w, http.StatusCreated, issue)
}

type draftFromFeedRequest struct {
	FeedURL string `json:"feedUrl"`
}

// DraftIssueFromFeed handles POST /admin/issues/from-feed.
func (h *Handlers) DraftIssueFromFeed(w http.ResponseWriter, r *http.Request) {
	var req draftFromFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	feedURL := req.FeedURL
	if feedURL == "" {
		feedURL = h.defaultFeedURL
	}
	if feedURL == "" {
		respondError(w, http.StatusBadRequest, "feedUrl is required")
		return
	}

	issue, err := h.drafter.Draft(r.Context(), feedURL)
	if err != nil {
		respondSafeError(w, http.StatusBadGateway, err, "Could not fetch or parse the feed")
		return
	}
	if err := h.issues.Create(r.Context(), issue); err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, safeErrorMessage(err))
		return
	}
	respondJSON(w, http.StatusCreated, issue)
}

// ListIssues handles GET /admin/issues.
func (h *Handlers) ListIssues(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	issues, err := h.issues.List(r.Context(), limit)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, safeErrorMessage(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"issues": issues})
}

// GetIssue handles GET /admin/issues/{id} with send progress.
func (h *Handlers) GetIssue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	issue, err := h.issues.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Issue not found")
			return
		}
		respondSafeError(w, http.StatusInternalServerError, err, safeErrorMessage(err))
		return
	}
	progress, err := h.issues.SendProgress(r.Context(), id)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, safeErrorMessage(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"issue":    issue,
		"progress": progress,
	})
}

// SendIssue handles POST /admin/issues/{id}/send. Delivery runs in the
// request goroutine; an interrupted run resumes from the recipient ledger.
func (h *Handlers) SendIssue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := h.sender.SendIssue(r.Context(), id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Issue not found")
			return
		}
		if errors.Is(err, mailing.ErrSendInProgress) {
			respondError(w, http.StatusConflict, "This issue is already being sent")
			return
		}
		logger.Error("issue send aborted", "issueId", id, "error", err.Error())
		respondSafeError(w, http.StatusInternalServerError, err, safeErrorMessage(err))
		return
	}
	respondJSON(w, http.StatusOK, report)
}
