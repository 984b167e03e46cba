/**
 * @description
 * This is the main entry point for the settlement-service. It initializes configuration,
 * the payment and tracked-transaction store, the chain observer, the confirmation
 * registry and its event relay, invoice reconciliation with its broker consumer and
 * sweep scheduler, and the HTTP server, then shuts them down in reverse order.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Distributed invoice locks.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/*, pkg/*: Internal packages for the service.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/settlement-service/internal/api"
	"github.com/transfa/settlement-service/internal/app"
	"github.com/transfa/settlement-service/internal/config"
	"github.com/transfa/settlement-service/internal/events"
	"github.com/transfa/settlement-service/internal/lock"
	"github.com/transfa/settlement-service/internal/monitor"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/chainclient"
	rmrabbit "github.com/transfa/settlement-service/pkg/rabbitmq"
)

const sqliteScheme = "sqlite://"

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; relying on environment\"")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.MerchantJWTSecret == "" {
		log.Println("level=warn component=bootstrap msg=\"merchant jwt secret not set; transaction endpoints will reject every request\" env=MERCHANT_JWT_SECRET")
	}
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not set; internal endpoints are unauthenticated\" env=INTERNAL_API_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s observer=%s", cfg.ServerPort, cfg.ObserverMode)

	// Open the store. sqlite:// URLs are for local runs; anything else is PostgreSQL.
	var repository store.Repository
	if strings.HasPrefix(cfg.DatabaseURL, sqliteScheme) {
		db, err := store.OpenSQLite(strings.TrimPrefix(cfg.DatabaseURL, sqliteScheme))
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"sqlite open failed\" err=%v", err)
		}
		defer db.Close()
		repository = store.NewSQLiteRepository(db)
		log.Println("level=info component=bootstrap msg=\"sqlite store opened\"")
	} else {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 20
		poolConfig.MinConns = 2
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()

		pgRepo := store.NewPostgresRepository(dbpool)
		schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 15*time.Second)
		err = pgRepo.EnsureSchema(schemaCtx)
		cancelSchema()
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
		}
		repository = pgRepo
		log.Println("level=info component=bootstrap msg=\"database connected\"")
	}

	// Initialize the RabbitMQ producer. A missing broker degrades to log-only publishing.
	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		} else {
			producer = eventProducer
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	}
	defer producer.Close()

	// Invoice locks: always serialize in-process, and across replicas when Redis is reachable.
	locks := lock.Stack{lock.NewKeyedMutex()}
	if cfg.RedisURL != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; invoice locks are process-local\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; invoice locks are process-local\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				locks = append(locks, lock.NewRedisLocker(redisClient, cfg.RedisLockPrefix, 0))
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Chain observer.
	var observer monitor.ChainObserver
	if cfg.ObserverMode == config.ObserverModeSimulated {
		observer = chainclient.NewSimulated(1, 1)
		log.Println("level=warn component=bootstrap msg=\"using simulated chain observer\"")
	} else {
		if len(cfg.RPCEndpoints) == 0 {
			log.Println("level=warn component=bootstrap msg=\"no chain rpc endpoints configured; every observation will fail\" env=CHAIN_RPC_URLS")
		}
		observer = chainclient.NewClient(cfg.RPCEndpoints)
	}

	// Events: in-process dispatcher with a broker relay subscribed to it.
	dispatcher := events.NewDispatcher()
	relay := events.NewBrokerRelay(producer, cfg.EventsExchange, 0)
	relay.Attach(dispatcher)
	relay.Start()

	registry := monitor.NewRegistry(observer, dispatcher, monitor.Options{
		PollInterval:   cfg.PollInterval(),
		ObserveTimeout: cfg.ObserveTimeout(),
		Chains:         cfg.ChainParams(),
		Store:          repository,
	})

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 15*time.Second)
	active, err := repository.ListActiveTrackedTransactions(restoreCtx)
	cancelRestore()
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"failed to load tracked transactions; starting empty\" err=%v", err)
	} else {
		registry.Restore(active)
	}

	reconciler := app.NewReconciliationService(repository, locks, producer, app.ReconcileOptions{
		MaxAttempts:  cfg.ReconcileMaxAttempts,
		RetryBackoff: cfg.ReconcileRetryBackoff(),
		LockTimeout:  cfg.ReconcileLockTimeout(),
		Exchange:     cfg.EventsExchange,
	})

	// Consume payment status events. Without a broker, reconciliation is driven by
	// the internal API and the sweep only.
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; payment events disabled\" err=%v", err)
		} else {
			defer rabbitConsumer.Close()
			paymentConsumer := app.NewPaymentStatusConsumer(reconciler)
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.PaymentEventQueue, paymentConsumer.Bindings()); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"payment consumer start failed\" err=%v", err)
			}
		}
	}

	jobs := app.NewJobs(repository, reconciler, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	handler := api.NewHandler(registry, reconciler, repository)
	router := api.NewRouter(handler, api.RouterConfig{
		MerchantJWTSecret: cfg.MerchantJWTSecret,
		InternalAPIKey:    cfg.InternalAPIKey,
		AllowedOrigins:    cfg.AllowedOrigins(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
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
	<-scheduler.Stop().Done()
	registry.Close()
	relay.Close()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
