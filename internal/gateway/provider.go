package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/school-payments/internal/models"
)

// Decrypter opens credentials sealed at rest.
type Decrypter interface {
	Decrypt(token string) (string, error)
}

// ClientFactory builds a client for a decrypted key pair.
type ClientFactory func(keyID, keySecret string) Client

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	Timeout time.Duration
	// FallbackWebhookSecret is used for schools without their own webhook
	// secret, and only when Production is false.
	FallbackWebhookSecret string
	Production            bool
	// NewClient overrides the Razorpay client constructor.
	NewClient ClientFactory
}

// Provider resolves per-school gateway credentials. It never caches decrypted
// secrets or clients, so a credential rotation takes effect on the next call.
type Provider struct {
	cipher  Decrypter
	opts    ProviderOptions
	logger  *zap.Logger
	factory ClientFactory
}

func NewProvider(cipher Decrypter, opts ProviderOptions, logger *zap.Logger) *Provider {
	factory := opts.NewClient
	if factory == nil {
		timeout := opts.Timeout
		factory = func(keyID, keySecret string) Client {
			return NewRazorpayClient(keyID, keySecret, timeout)
		}
	}
	return &Provider{cipher: cipher, opts: opts, logger: logger, factory: factory}
}

// Client returns a fresh client for the school. db may be a transaction.
func (p *Provider) Client(ctx context.Context, db *gorm.DB, schoolID uuid.UUID) (Client, error) {
	school, err := p.loadSchool(ctx, db, schoolID)
	if err != nil {
		return nil, err
	}
	if !school.HasGatewayCredentials() {
		return nil, fmt.Errorf("%w for school %s", ErrNotConfigured, schoolID)
	}

	keyID, err := p.open(*school.RazorpayKeyIDEncrypted, "key id")
	if err != nil {
		return nil, err
	}
	keySecret, err := p.open(*school.RazorpayKeySecretEncrypted, "key secret")
	if err != nil {
		return nil, err
	}
	return p.factory(keyID, keySecret), nil
}

// KeySecret returns only the decrypted key secret, for payment signature checks.
func (p *Provider) KeySecret(ctx context.Context, db *gorm.DB, schoolID uuid.UUID) (string, error) {
	school, err := p.loadSchool(ctx, db, schoolID)
	if err != nil {
		return "", err
	}
	if school.RazorpayKeySecretEncrypted == nil || *school.RazorpayKeySecretEncrypted == "" {
		return "", fmt.Errorf("%w for school %s", ErrNotConfigured, schoolID)
	}
	return p.open(*school.RazorpayKeySecretEncrypted, "key secret")
}

// WebhookSecret resolves the school's webhook secret, falling back to the
// process-wide secret outside production.
func (p *Provider) WebhookSecret(ctx context.Context, db *gorm.DB, schoolID uuid.UUID) (string, error) {
	school, err := p.loadSchool(ctx, db, schoolID)
	if err != nil {
		return "", err
	}
	if school.RazorpayWebhookSecretEncrypted != nil && *school.RazorpayWebhookSecretEncrypted != "" {
		return p.open(*school.RazorpayWebhookSecretEncrypted, "webhook secret")
	}

	if !p.opts.Production && p.opts.FallbackWebhookSecret != "" {
		p.logger.Warn("Using process-wide webhook secret fallback; configure a per-school webhook secret",
			zap.String("school_id", schoolID.String()))
		return p.opts.FallbackWebhookSecret, nil
	}
	return "", fmt.Errorf("%w: no webhook secret for school %s", ErrNotConfigured, schoolID)
}

func (p *Provider) loadSchool(ctx context.Context, db *gorm.DB, schoolID uuid.UUID) (*models.School, error) {
	var school models.School
	if err := db.WithContext(ctx).First(&school, "id = ?", schoolID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: school %s not found", ErrNotConfigured, schoolID)
		}
		return nil, fmt.Errorf("failed to load school: %w", err)
	}
	return &school, nil
}

func (p *Provider) open(token, what string) (string, error) {
	plain, err := p.cipher.Decrypt(token)
	if err != nil {
		return "", fmt.Errorf("%w: cannot decrypt %s: %v", ErrNotConfigured, what, err)
	}
	return plain, nil
}
