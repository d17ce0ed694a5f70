package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/school-payments/internal/app"
	"github.com/sambitmohanty1/school-payments/internal/config"
	"github.com/sambitmohanty1/school-payments/internal/database"
	"github.com/sambitmohanty1/school-payments/internal/models"
	"github.com/sambitmohanty1/school-payments/internal/secrets"
	"github.com/sambitmohanty1/school-payments/internal/services"
)

// env is the subset of the service graph a command needs.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB
}

func load() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	db, err := app.NewDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, db: db}, nil
}

func (e *env) close() {
	if sqlDB, err := e.db.DB(); err == nil {
		sqlDB.Close()
	}
	e.logger.Sync()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			defer e.close()

			if !status {
				fmt.Println("Migrations applied")
				return nil
			}
			applied, err := database.GetMigrationStatus(e.db)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), applied)
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print applied migrations")
	return cmd
}

func generateKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-key",
		Short: "Print a fresh base64 credential encryption key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
}

func sealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seal [plaintext]",
		Short: "Encrypt a value with the configured credential key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cipher, err := app.NewCipher(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			sealed, err := cipher.Encrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Println(sealed)
			return nil
		},
	}
}

func setCredentialsCmd() *cobra.Command {
	var schoolID, keyID, keySecret, webhookSecret string
	cmd := &cobra.Command{
		Use:   "set-credentials",
		Short: "Store encrypted gateway credentials for a school",
		Long: `Encrypts the given values and stores them on the school row.
Flags left empty keep their current value.

Examples:
  paymentsctl set-credentials --school 6f1c... --key-id rzp_live_x --key-secret s3cr3t
  paymentsctl set-credentials --school 6f1c... --webhook-secret whsec_x`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(schoolID)
			if err != nil {
				return fmt.Errorf("invalid --school: %w", err)
			}
			if keyID == "" && keySecret == "" && webhookSecret == "" {
				return errors.New("nothing to set: pass --key-id, --key-secret or --webhook-secret")
			}

			e, err := load()
			if err != nil {
				return err
			}
			defer e.close()

			cipher, err := app.NewCipher(e.cfg, e.logger)
			if err != nil {
				return err
			}

			updates := map[string]interface{}{}
			for column, value := range map[string]string{
				"razorpay_key_id_encrypted":         keyID,
				"razorpay_key_secret_encrypted":     keySecret,
				"razorpay_webhook_secret_encrypted": webhookSecret,
			} {
				if value == "" {
					continue
				}
				sealed, err := cipher.Encrypt(value)
				if err != nil {
					return err
				}
				updates[column] = sealed
			}

			res := e.db.Model(&models.School{}).Where("id = ?", id).Updates(updates)
			if res.Error != nil {
				return fmt.Errorf("failed to update school: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("school %s not found", id)
			}
			fmt.Printf("Updated %d credential field(s) for school %s\n", len(updates), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&schoolID, "school", "", "school id")
	cmd.Flags().StringVar(&keyID, "key-id", "", "gateway API key id")
	cmd.Flags().StringVar(&keySecret, "key-secret", "", "gateway API key secret")
	cmd.Flags().StringVar(&webhookSecret, "webhook-secret", "", "gateway webhook secret")
	_ = cmd.MarkFlagRequired("school")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var staleAfter time.Duration
	var batchSize int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := load()
			if err != nil {
				return err
			}
			defer e.close()

			cipher, err := app.NewCipher(e.cfg, e.logger)
			if err != nil {
				return err
			}
			bus, err := app.NewEventBus(app.NewRedisClient(e.cfg, e.logger), e.logger)
			if err != nil {
				return err
			}
			defer bus.Close()

			provider := app.NewProvider(e.cfg, cipher, e.logger)
			metrics := services.NewPaymentMetrics()
			invoices := services.NewInvoiceService(e.db, e.logger)
			payments := services.NewPaymentService(e.db, provider, app.NewVerifier(), invoices, bus, metrics, e.logger)
			recon := services.NewReconciliationService(e.db, payments, provider, metrics, e.logger)

			result, err := recon.Reconcile(cmd.Context(), services.ReconcileOptions{
				StaleAfter: staleAfter,
				BatchSize:  batchSize,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", services.DefaultStaleAfter, "minimum age of a pending payment")
	cmd.Flags().IntVar(&batchSize, "batch-size", services.DefaultBatchSize, "maximum payments per sweep")
	return cmd
}

func recomputeInvoiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute-invoice [invoice-id]",
		Short: "Rebuild an invoice's totals and status from its allocations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid invoice id: %w", err)
			}

			e, err := load()
			if err != nil {
				return err
			}
			defer e.close()

			invoice, err := services.NewInvoiceService(e.db, e.logger).Recompute(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), invoice)
		},
	}
}
