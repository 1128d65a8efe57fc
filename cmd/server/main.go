package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/auth"
	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/mail"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.ServiceName, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	logger.Info("Starting checkout service",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port))

	tp, err := util.InitTracer(cfg.Server.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := db.Migrate(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to apply schema", zap.Error(err))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)

	plisio := gateway.NewClient(gateway.Config{
		BaseURL:        cfg.Gateway.BaseURL,
		APIKey:         cfg.Gateway.APIKey,
		SourceCurrency: cfg.Gateway.SourceCurrency,
		Currency:       cfg.Gateway.Currency,
		AppURL:         cfg.Gateway.AppURL,
		CallbackSecret: cfg.Gateway.CallbackSecret,
		Timeout:        cfg.Gateway.Timeout,
	})

	invoicer := service.NewOrderInvoicer(db, plisio)
	checkoutService := service.NewCheckoutService(db, invoicer, eventPublisher)
	orderService := service.NewOrderService(db, eventPublisher)
	walletService := service.NewWalletService(db, plisio)
	settlements := service.NewSettlementReconciler(db, redisClient, eventPublisher,
		cfg.Gateway.CallbackSecret, cfg.Business.SettlementCacheTTL)
	invoiceReconciler := service.NewInvoiceReconciler(db, invoicer, orderService,
		cfg.Business.PendingOrderTTL, cfg.Business.MaxInvoiceAttempts, cfg.Business.ReconcileBatchSize)

	var sender mail.EmailSender = mail.NewLogSender()
	if cfg.Mail.Host != "" {
		smtpSender, err := mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
		})
		if err != nil {
			logger.Fatal("Invalid SMTP configuration", zap.Error(err))
		}
		sender = smtpSender
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.NotificationGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, sender, redisClient)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	reconcileWorker := worker.NewReconcileWorker(invoiceReconciler, redisClient, cfg.Business.InvoiceRetryInterval)
	go func() {
		if err := reconcileWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Reconcile worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	sessions := auth.NewMiddleware(auth.NewSessions(cfg.Session.Secret, cfg.Session.TTL), cfg.Session.CookieName)

	router := gin.New()
	handler := api.NewHandler(checkoutService, orderService, walletService, settlements, sessions,
		map[string]api.Pinger{"postgres": db, "redis": redisClient})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	reconcileWorker.Stop()
	workerCancel()
	notificationWorker.Stop()

	logger.Info("Server exited")
}
