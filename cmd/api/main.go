package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/school-payments/internal/api"
	"github.com/sambitmohanty1/school-payments/internal/app"
	"github.com/sambitmohanty1/school-payments/internal/auth"
	"github.com/sambitmohanty1/school-payments/internal/config"
	"github.com/sambitmohanty1/school-payments/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := app.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting school payments API", zap.String("environment", cfg.Environment))

	db, err := app.NewDatabase(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	cipher, err := app.NewCipher(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to load credential cipher", zap.Error(err))
	}

	redisClient := app.NewRedisClient(cfg, logger)
	bus, err := app.NewEventBus(redisClient, logger)
	if err != nil {
		logger.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer bus.Close()

	provider := app.NewProvider(cfg, cipher, logger)
	verifier := app.NewVerifier()
	metrics := services.NewPaymentMetrics()

	invoiceService := services.NewInvoiceService(db, logger)
	paymentService := services.NewPaymentService(db, provider, verifier, invoiceService, bus, metrics, logger)
	webhookService := services.NewWebhookService(db, paymentService, provider, verifier, metrics, logger)
	reconciliationService := services.NewReconciliationService(db, paymentService, provider, metrics, logger)

	monitoring, err := app.NewMonitoring(cfg, db, redisClient, metrics)
	if err != nil {
		logger.Fatal("Failed to initialize monitoring", zap.Error(err))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	handlers := api.NewHandlers(paymentService, webhookService, reconciliationService, monitoring, logger)
	router := api.NewRouter(handlers, auth.NewJWTService(cfg.Auth.JWTSecret, 0), cfg.Webhook, logger)

	srv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info("Server exited")
}
