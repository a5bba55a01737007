/**
 * @description
 * This is the main entry point for the donation-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application services,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/robfig/cron/v3: Background schedules (retry sweep, ledger retention).
 * - internal/api, internal/app, internal/config, internal/provider, internal/store:
 *   Internal packages for the service.
 * - pkg/walletclient: Client for the wallet service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/givly/donation-service/internal/api"
	"github.com/givly/donation-service/internal/app"
	"github.com/givly/donation-service/internal/config"
	"github.com/givly/donation-service/internal/provider"
	"github.com/givly/donation-service/internal/store"
	rmrabbit "github.com/givly/donation-service/pkg/rabbitmq"
	"github.com/givly/donation-service/pkg/walletclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.WalletServiceURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"wallet service url must be configured\" env=WALLET_SERVICE_URL")
	}

	log.Printf("level=info component=bootstrap msg=\"starting donation-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Configure connection pool for high-traffic scenarios
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish events.
	// This service only needs to publish, so we use a producer.
	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the wallet service.
	walletClient := walletclient.NewClient(cfg.WalletServiceURL, cfg.WalletServiceAPIKey)

	// Optional Redis connection for the webhook ingress rate limiter.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Provider registry backed by persisted endpoint secrets, with a short
	// Redis read-through cache when Redis is available.
	var secretCache app.SecretCache
	if redisClient != nil {
		secretCache = app.NewRedisSecretCache(redisClient)
	}
	secrets := app.NewStoreSecretSource(repository, secretCache, 0)
	registry := provider.NewRegistry(
		provider.NewCardProcessor(secrets, time.Duration(cfg.SignatureToleranceSecs)*time.Second),
		provider.NewPayPal(cfg.PayPalVerifyURL, nil),
		provider.NewCustom(secrets),
	)

	// Core application services.
	retryPolicy := app.RetryPolicy{
		InitialDelay: time.Duration(cfg.RetryInitialDelayMillis) * time.Millisecond,
		Multiplier:   cfg.RetryMultiplier,
		MaxDelay:     time.Duration(cfg.RetryMaxDelayMillis) * time.Millisecond,
		MaxRetries:   cfg.WebhookMaxRetries,
	}
	settlement := app.NewSettlement(repository, walletClient, publisher)
	dispatcher := app.NewDispatcher(repository, registry, settlement, publisher, retryPolicy)
	ingress := app.NewIngress(repository, registry, dispatcher, cfg.WebhookMaxRetries)
	donationService := app.NewService(repository, settlement, app.FeeSchedule{
		CardPercent:   cfg.CardFeePercent,
		PayPalPercent: cfg.PayPalFeePercent,
	})

	var limiter *app.RedisWebhookRateLimiter
	if redisClient != nil {
		limiter = app.NewRedisWebhookRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Background schedules: retry sweep and ledger retention.
	sweeper := app.NewRetrySweeper(dispatcher, cfg.WebhookRetryBatchSize)
	purger := app.NewLedgerPurger(dispatcher, time.Duration(cfg.WebhookRetentionDays)*24*time.Hour)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.WebhookSweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		sweeper.Sweep(ctx)
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid sweep schedule\" schedule=%q err=%v", cfg.WebhookSweepSchedule, err)
	}
	if _, err := scheduler.AddFunc(cfg.WebhookPurgeSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		purger.Purge(ctx)
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid purge schedule\" schedule=%q err=%v", cfg.WebhookPurgeSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()
	log.Printf("level=info component=bootstrap msg=\"background schedules started\" sweep=%q purge=%q", cfg.WebhookSweepSchedule, cfg.WebhookPurgeSchedule)

	// Initialize the API handlers.
	donationHandlers := api.NewDonationHandlers(donationService, ingress, limiter, cfg.WebhookRateLimitPerMin)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.DonationRoutes(donationHandlers, cfg.AuthJWKSURL))

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
