package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-fulfillment/internal/api"
	"ms-fulfillment/internal/audit"
	"ms-fulfillment/internal/checkin"
	"ms-fulfillment/internal/config"
	"ms-fulfillment/internal/database/migrations"
	"ms-fulfillment/internal/identity"
	"ms-fulfillment/internal/issuance"
	"ms-fulfillment/internal/ledger"
	"ms-fulfillment/internal/logger"
	"ms-fulfillment/internal/notify"
	"ms-fulfillment/internal/qr"
	"ms-fulfillment/internal/registry"
	"ms-fulfillment/internal/settings"
	"ms-fulfillment/internal/transfer"
)

func connectDatabase(cfg config.DatabaseConfig, log *logger.Logger) *bun.DB {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", dsn)
		if err != nil {
			log.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.Ping()
		if err == nil {
			break
		}

		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}

	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	log.Info("DATABASE", "✅ PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

func startTransferSweeper(engine *transfer.Engine, interval time.Duration, log *logger.Logger) (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			expired, err := engine.ExpireDue(ctx, time.Now().UTC())
			if err != nil {
				log.Error("TRANSFER", fmt.Sprintf("Transfer expiry sweep failed: %v", err))
				return
			}
			if expired > 0 {
				log.Info("TRANSFER", fmt.Sprintf("Expired %d pending transfers", expired))
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	scheduler.Start()
	log.Info("TRANSFER", fmt.Sprintf("Transfer expiry sweeper running every %s", interval))
	return scheduler, nil
}

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting Fulfillment Service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	ctx := context.Background()

	bunDB := connectDatabase(cfg.Database, log)
	defer bunDB.Close()

	runner := migrations.NewRunner(bunDB, migrations.DefaultOptions(), log)
	if err := runner.Run(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
	}

	redisClient, err := identity.InitializeCache(cfg.Redis.Addr, log)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	defer redisClient.Close()

	httpClient := &http.Client{Timeout: 10 * time.Second}

	var dispatcher notify.Dispatcher = notify.Nop{}
	if cfg.Kafka.Enabled {
		if err := notify.EnsureTopicsExist(cfg.Kafka); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			log.Info("KAFKA", "Required topics ensured successfully")
		}
		producer := notify.NewProducer(cfg.Kafka, log)
		defer producer.Close()
		dispatcher = producer
		log.Info("KAFKA", "Kafka producer initialized successfully")
	} else {
		log.Warn("KAFKA", "Kafka disabled, notifications will be dropped")
	}

	trail := audit.NewTrail(bunDB, log)
	qrGen := qr.NewGenerator(cfg.QR.Secret)
	ident := identity.NewClient(cfg.Auth, redisClient, httpClient, log)
	eventRegistry := registry.NewHTTPRegistry(cfg.Registry.BaseURL, httpClient)
	settingsStore := settings.NewStatic(cfg.Checkin)

	issuanceEngine := issuance.NewEngine(bunDB, trail, dispatcher, log)
	paymentLedger := ledger.NewLedger(bunDB, issuanceEngine, trail, log)
	transferEngine := transfer.NewEngine(bunDB, trail, dispatcher, ident, cfg.Transfer, log)
	checkinEngine := checkin.NewEngine(bunDB, trail, dispatcher, settingsStore, log)

	paymentHandler := api.NewPaymentHandler(paymentLedger, issuanceEngine, qrGen, log, cfg.Stripe.WebhookSecret)
	transferHandler := api.NewTransferHandler(transferEngine, log)
	scanHandler := api.NewScanHandler(checkinEngine, qrGen, eventRegistry, log)

	sweeper, err := startTransferSweeper(transferEngine, cfg.Transfer.SweepInterval, log)
	if err != nil {
		log.Fatal("TRANSFER", fmt.Sprintf("Failed to start transfer expiry sweeper: %v", err))
	}

	log.Info("HTTP", "Setting up router and middleware")
	router := api.NewRouter(cfg.Auth.OIDCIssuer, ident, paymentHandler, transferHandler, scanHandler, log)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Fulfillment Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sweeper.Shutdown(); err != nil {
		log.Error("TRANSFER", fmt.Sprintf("Sweeper shutdown failed: %v", err))
	}

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Fulfillment Service shutdown complete")
	}
}
