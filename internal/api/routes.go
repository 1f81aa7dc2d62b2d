package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the routing knobs from the server config.
type RouterConfig struct {
	AllowedOrigins []string
	AdminAPIKey    string
}

// NewRouter builds the HTTP surface: public newsletter endpoints under /v1
// and key-protected operator endpoints under /admin.
func NewRouter(h *Handlers, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/v1/newsletter", func(r chi.Router) {
		r.Post("/subscribe", h.Subscribe)
		r.Get("/verify", h.Verify)
		r.Post("/verify", h.Verify)
		r.Get("/unsubscribe", h.Unsubscribe)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAPIKey(cfg.AdminAPIKey))
		r.Get("/subscribers", h.ListSubscribers)
		r.Get("/subscribers/stats", h.SubscriberStats)
		r.Get("/queue/stats", h.QueueStats)
		r.Post("/issues", h.CreateIssue)
		r.Post("/issues/from-feed", h.DraftIssueFromFeed)
		r.Get("/issues", h.ListIssues)
		r.Get("/issues/{id}", h.GetIssue)
		r.Post("/issues/{id}/send", h.SendIssue)
	})

	return r
}

// requireAPIKey guards the admin surface with a shared key in the
// X-API-Key header. An unset key locks the surface entirely.
func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-API-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
