package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/school-payments/internal/app"
	"github.com/sambitmohanty1/school-payments/internal/config"
	"github.com/sambitmohanty1/school-payments/internal/eventbus"
	"github.com/sambitmohanty1/school-payments/internal/logger"
	"github.com/sambitmohanty1/school-payments/internal/services"
)

func main() {
	worker := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		app.Core,
		fx.Provide(services.NewReconciliationWorker),
		fx.Invoke(startReconciliation, watchAllocationFailures),
		fx.StopTimeout(30*time.Second),
	)

	if err := worker.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down worker...")
	if err := worker.Stop(context.Background()); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Worker shutdown complete")
}

func startReconciliation(lc fx.Lifecycle, cfg *config.Config, w *services.ReconciliationWorker, log *zap.Logger) {
	if !cfg.Reconciliation.Enabled {
		log.Info("Reconciliation disabled")
		return
	}
	lc.Append(fx.Hook{
		OnStart: w.Start,
		OnStop:  w.Stop,
	})
}

// watchAllocationFailures re-raises allocation failures from every producer
// so a single process carries the alert routing.
func watchAllocationFailures(lc fx.Lifecycle, bus eventbus.EventBus, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	var sub eventbus.Subscription

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var err error
			sub, err = bus.Subscribe(ctx, eventbus.TopicPaymentAllocationFailed, func(_ context.Context, event eventbus.PaymentEvent) error {
				logger.Alert(log, "captured payment has no allocation",
					zap.String("payment_id", event.PaymentID),
					zap.String("school_id", event.SchoolID),
					zap.String("gateway_payment_id", event.GatewayPaymentID),
					zap.String("amount", event.Amount),
					zap.String("source", event.Source),
					zap.String("error", event.Error))
				return nil
			})
			return err
		},
		OnStop: func(context.Context) error {
			cancel()
			if sub != nil {
				return sub.Unsubscribe()
			}
			return nil
		},
	})
}
