package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shaxa2505/fudly-bot-sub003/internal/booking"
	"github.com/shaxa2505/fudly-bot-sub003/internal/clock"
	"github.com/shaxa2505/fudly-bot-sub003/internal/config"
	"github.com/shaxa2505/fudly-bot-sub003/internal/db"
	"github.com/shaxa2505/fudly-bot-sub003/internal/events"
	"github.com/shaxa2505/fudly-bot-sub003/internal/lock"
	"github.com/shaxa2505/fudly-bot-sub003/internal/metrics"
	"github.com/shaxa2505/fudly-bot-sub003/internal/repo"
	"github.com/shaxa2505/fudly-bot-sub003/internal/worker"
	"github.com/shaxa2505/fudly-bot-sub003/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Booking service starting")

	// Connect to database
	log.Info("Connecting to database...")
	database, err := db.Connect(cfg.PGDSN, db.PoolConfig{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	// Run migrations
	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Initialize repositories and the reservation engine
	offerRepo := repo.NewOfferRepository(database, log)
	bookingRepo := repo.NewBookingRepository(database, log)
	collectors := metrics.New(prometheus.DefaultRegisterer)

	service := booking.NewService(
		database, offerRepo, bookingRepo,
		clock.NewSystem(), collectors, log,
		booking.WithPickupWindow(cfg.PickupWindow),
	)

	// Connect to RabbitMQ for notifications; run with a log-only
	// notifier when the broker is unavailable, since notifications are
	// best-effort anyway.
	log.Info("Connecting to RabbitMQ")
	var notifier events.Notifier
	amqpNotifier, err := events.NewAMQPNotifier(cfg.RabbitMQURL, log)
	if err != nil {
		log.Warn("RabbitMQ unavailable, notifications will only be logged", zap.Error(err))
		notifier = events.NewLogNotifier(log)
	} else {
		defer amqpNotifier.Close()
		notifier = amqpNotifier
	}

	// Connect to Redis for the distributed worker lock
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()
	locker := lock.NewRedisLock(redisClient, log)

	// Start the maintenance worker
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	maintenance := worker.New(service, bookingRepo, notifier, locker, clock.NewSystem(), collectors, log, worker.Config{
		Interval:             cfg.WorkerInterval,
		ReminderWindow:       cfg.ReminderWindow,
		PartnerReminderAfter: cfg.PartnerReminderAfter,
		DeliveryTimeout:      cfg.DeliveryTimeout,
		ReadyTimeout:         cfg.ReadyTimeout,
		PendingPickupTimeout: cfg.PendingPickupTimeout,
	})
	go maintenance.Start(workerCtx)

	// Start HTTP server for health checks and metrics
	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", healthHandler(database, redisClient, log))
	httpMux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPHealthPort),
		Handler:      httpMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopWorker()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Server stopped")
}

func healthHandler(database *db.DB, redisClient *redis.Client, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Check database connection
		if err := database.Ping(); err != nil {
			log.Error("Database health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: database connection failed"))
			return
		}

		// Check Redis connection; the worker fails closed without it
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Error("Redis health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: redis connection failed"))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	}
}
