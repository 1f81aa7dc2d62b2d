package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/newsletter-service/internal/config"
	"github.com/ignite/newsletter-service/internal/mailing"
	"github.com/ignite/newsletter-service/internal/pkg/logger"
	"github.com/ignite/newsletter-service/internal/repository/postgres"
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
		logger.Warn("REDIS_URL not set, dispatch is unthrottled")
	}

	w := worker.NewDispatchWorker(queueRepo, subscriberRepo, composer, provider, gate, worker.DispatchWorkerConfig{
		ClaimSize:    cfg.Dispatch.ClaimSize,
		PollInterval: cfg.Dispatch.PollInterval(),
		StuckAfter:   time.Duration(cfg.Dispatch.StuckAfterMinutes) * time.Minute,
		Production:   cfg.IsProduction(),
	})
	if err := w.Start(); err != nil {
		log.Fatalf("Failed to start dispatch worker: %v", err)
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	logger.Info("shutting down")
	w.Stop()
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
