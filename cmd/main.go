package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"app-hivepay/config"
	"app-hivepay/database"
	"app-hivepay/gateway"
	"app-hivepay/jobs"
	"app-hivepay/middleware"
	"app-hivepay/queue"
	"app-hivepay/repositories"
	"app-hivepay/routes"
	"app-hivepay/services"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Set Gin mode based on configuration
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	// Connect to database and migrate
	db := database.ConnectDB(cfg)
	database.AutoMigrate(db)

	// Redis-backed job queue
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	jobQueue := queue.NewQueue(redisClient, cfg.CycleJobTimeout)

	// In-process dedup locks with TTL reaping
	locks := queue.NewLockManager(cfg.LocalLockTTL)
	stopReaper := make(chan struct{})
	locks.StartReaper(time.Minute, stopReaper)
	defer close(stopReaper)

	// Repositories
	groupRepo := repositories.NewGroupRepository(db)
	membershipRepo := repositories.NewMembershipRepository(db)
	paymentRepo := repositories.NewPaymentRepository(db)
	payoutRepo := repositories.NewPayoutRepository(db)
	jobLogRepo := repositories.NewJobLogRepository(db)

	// Services
	gw := gateway.NewHTTPGateway(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayPerGroupRate)
	fees := services.NewFeeCalculator(cfg)
	enqueuer := jobs.NewEnqueuer(jobQueue)
	notifications := services.NewNotificationService(&services.LogNotifier{})

	scheduler := services.NewSchedulerService(db, groupRepo, membershipRepo, enqueuer, notifications)
	cycleProcessor := services.NewCycleProcessorService(
		db, groupRepo, membershipRepo, paymentRepo, payoutRepo, jobLogRepo,
		gw, fees, enqueuer, notifications, cfg)
	retryProcessor := services.NewRetryProcessorService(
		db, groupRepo, membershipRepo, paymentRepo,
		gw, fees, enqueuer, notifications, cfg)
	ingest := services.NewWebhookIngestService(
		db, groupRepo, membershipRepo, paymentRepo, payoutRepo,
		gw, scheduler, enqueuer, notifications, cfg)
	exports := services.NewStatementExportService(db, groupRepo, membershipRepo, payoutRepo)

	// Job workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs.NewHandlers(locks, cycleProcessor, retryProcessor, scheduler).Register(jobQueue)
	go jobQueue.Run(ctx, cfg.QueueWorkers)
	go jobs.NewMaintenanceJob(jobLogRepo).Start(ctx)

	// Initialize Gin router without default middleware
	r := gin.New()
	r.Use(middleware.RecoverPanic())
	if cfg.Environment != "production" {
		r.Use(gin.Logger())
	}
	r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	// CORS middleware
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
	}))

	// Setup routes
	routes.SetupRoutes(r, routes.Deps{
		DB:        db,
		Config:    cfg,
		Scheduler: scheduler,
		Ingest:    ingest,
		Exports:   exports,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown: stop taking requests, then stop the workers
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	cancel()
}
