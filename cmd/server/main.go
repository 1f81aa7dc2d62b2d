package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/newsletter-service/internal/api"
	"github.com/ignite/newsletter-service/internal/botcheck"
	"github.com/ignite/newsletter-service/internal/config"
	"github.com/ignite/newsletter-service/internal/mailing"
	"github.com/ignite/newsletter-service/internal/pkg/distlock"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
	"github.com/ignite/newsletter-service/internal/repository/postgres"
	"github.com/ignite/newsletter-service/internal/service/lifecycle"
	"github.com/ignite/newsletter-service/internal/token"
	"github.com/ignite/newsletter-service/internal/worker"
)

func main() {
	logger.SetLevelFromEnv()

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("Database unreachable: %v", err)
	}
	cancel()

	codec := token.NewCodec(cfg.Tokens.Secret)
	subscriberRepo := postgres.NewSubscriberRepo(db)
	queueRepo := postgres.NewQueueRepo(db, cfg.Dispatch.MaxAttempts,
		time.Duration(cfg.Dispatch.BackoffBaseSeconds)*time.Second)
	issueRepo := postgres.NewIssueRepo(db)

	svc := lifecycle.NewService(subscriberRepo, queueRepo, codec)

	turnstileSecret := ""
	if cfg.Turnstile.Enabled {
		turnstileSecret = cfg.Turnstile.SecretKey
	}
	verifier := botcheck.NewVerifier(turnstileSecret, cfg.Turnstile.CallTimeout())

	composer, err := mailing.NewComposer(codec, cfg.Server.BaseURL,
		cfg.Delivery.FromName, cfg.Delivery.FromEmail, cfg.Delivery.FromName, cfg.Delivery.ReplyTo)
	if err != nil {
		log.Fatalf("Failed to build composer: %v", err)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		log.Fatalf("Failed to build delivery provider: %v", err)
	}

	var gate *worker.RateLimiter
	if cfg.Redis.URL != "" {
		gate, err = worker.NewRateLimiterFromURL(cfg.Redis.URL, cfg.Delivery.RatePerMinute)
		if err != nil {
			log.Fatalf("Failed to connect rate limiter: %v", err)
		}
	} else {
		logger.Warn("REDIS_URL not set, issue sends are unthrottled")
	}

	sender := mailing.NewIssueSender(issueRepo, provider, composer, gateOrNil(gate), cfg.Dispatch.ClaimSize,
		mailing.WithLockFactory(func(key string) distlock.Lock {
			return distlock.NewPGLock(db, key)
		}))
	drafter := mailing.NewFeedDrafter(10)

	handlers := api.NewHandlers(svc, verifier, queueRepo, issueRepo, sender, drafter,
		cfg.Newsletter.FeedURL)
	router := api.NewRouter(handlers, api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AdminAPIKey:    cfg.Server.AdminAPIKey,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server listening", "addr", addr, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err.Error())
	}
	logger.Info("server stopped")
}

func buildProvider(cfg *config.Config) (worker.DeliveryProvider, error) {
	switch cfg.Delivery.Provider {
	case "smtp":
		return worker.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password,
			cfg.Delivery.DeliveryTimeout())
	default:
		return worker.NewSESSender(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region,
			cfg.Delivery.DeliveryTimeout())
	}
}

// gateOrNil avoids handing the sender a typed non-nil interface wrapping a
// nil limiter.
func gateOrNil(gate *worker.RateLimiter) mailing.SendGate {
	if gate == nil {
		return nil
	}
	return gate
}
