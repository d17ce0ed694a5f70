// Package app holds the constructors shared by the api, worker and paymentsctl
// binaries. Each returns its dependency ready for use and can be handed to fx.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/school-payments/internal/config"
	"github.com/sambitmohanty1/school-payments/internal/database"
	"github.com/sambitmohanty1/school-payments/internal/eventbus"
	"github.com/sambitmohanty1/school-payments/internal/gateway"
	"github.com/sambitmohanty1/school-payments/internal/logger"
	"github.com/sambitmohanty1/school-payments/internal/secrets"
	"github.com/sambitmohanty1/school-payments/internal/services"
)

const startupTimeout = 10 * time.Second

func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Log.Level)
}

// NewDatabase opens the database and applies pending migrations.
func NewDatabase(cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if err := database.RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

// NewRedisClient returns nil when redis.addr is empty.
func NewRedisClient(cfg *config.Config, log *zap.Logger) *redis.Client {
	if cfg.Redis.Addr == "" {
		log.Info("Redis not configured; using in-process event bus and unlocked reconciliation")
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// NewEventBus uses Redis Streams when a client is available.
func NewEventBus(client *redis.Client, log *zap.Logger) (eventbus.EventBus, error) {
	if client == nil {
		return eventbus.NewMemoryEventBus(log), nil
	}
	return eventbus.NewRedisEventBus(client, log)
}

// NewLocker returns nil without Redis; the worker then sweeps unlocked.
func NewLocker(client *redis.Client, log *zap.Logger) services.Locker {
	if client == nil {
		return nil
	}
	return services.NewRedisLocker(client, log)
}

func NewCipher(cfg *config.Config, log *zap.Logger) (*secrets.Cipher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	return secrets.LoadCipher(ctx, cfg, log)
}

// NewProvider builds the per-school credential provider. Outside production
// the fallback webhook secret may also come from Vault.
func NewProvider(cfg *config.Config, cipher *secrets.Cipher, log *zap.Logger) *gateway.Provider {
	fallback := cfg.Razorpay.WebhookSecret
	if fallback == "" && cfg.Vault.URL != "" && !cfg.IsProduction() {
		fallback = vaultWebhookSecret(cfg, log)
	}
	return gateway.NewProvider(cipher, gateway.ProviderOptions{
		Timeout:               cfg.Razorpay.Timeout,
		FallbackWebhookSecret: fallback,
		Production:            cfg.IsProduction(),
	}, log)
}

func vaultWebhookSecret(cfg *config.Config, log *zap.Logger) string {
	vault, err := secrets.NewVaultClient(cfg.Vault.URL, cfg.Vault.Token)
	if err != nil {
		log.Warn("Vault unavailable for webhook fallback secret", zap.Error(err))
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	secret, err := vault.GetString(ctx, cfg.Vault.KeyPath, "webhook_secret")
	if err != nil {
		log.Debug("No webhook fallback secret in Vault", zap.Error(err))
		return ""
	}
	return secret
}

func NewCredentialProvider(p *gateway.Provider) services.CredentialProvider { return p }

func NewVerifier() gateway.Verifier { return gateway.RazorpayVerifier{} }

func ReconciliationConfig(cfg *config.Config) config.ReconciliationConfig { return cfg.Reconciliation }

// NewMonitoring registers the database as critical and Redis and Vault as optional.
func NewMonitoring(cfg *config.Config, db *gorm.DB, client *redis.Client, metrics *services.PaymentMetrics) (*services.MonitoringService, error) {
	m := services.NewMonitoringService(metrics)

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	m.Register("database", true, sqlDB.PingContext)

	if client != nil {
		m.Register("redis", false, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	if cfg.Vault.URL != "" {
		vault, err := secrets.NewVaultClient(cfg.Vault.URL, cfg.Vault.Token)
		if err != nil {
			return nil, err
		}
		m.Register("vault", false, vault.Health)
	}
	return m, nil
}

// Core provides config, infrastructure and the payment services.
var Core = fx.Options(
	fx.Provide(
		config.Load,
		NewLogger,
		NewDatabase,
		NewRedisClient,
		NewEventBus,
		NewLocker,
		NewCipher,
		NewProvider,
		NewCredentialProvider,
		NewVerifier,
		ReconciliationConfig,
		services.NewPaymentMetrics,
		services.NewInvoiceService,
		services.NewPaymentService,
		services.NewWebhookService,
		services.NewReconciliationService,
		NewMonitoring,
	),
	fx.Invoke(registerShutdown),
)

func registerShutdown(lc fx.Lifecycle, db *gorm.DB, bus eventbus.EventBus, client *redis.Client, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := bus.Close(); err != nil {
				log.Warn("Failed to close event bus", zap.Error(err))
			}
			if client != nil {
				if err := client.Close(); err != nil {
					log.Warn("Failed to close redis client", zap.Error(err))
				}
			}
			if sqlDB, err := db.DB(); err == nil {
				return sqlDB.Close()
			}
			return nil
		},
	})
}
