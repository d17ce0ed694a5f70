package secrets

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/school-payments/internal/config"
)

// VaultClient reads service secrets from HashiCorp Vault
type VaultClient struct {
	client *api.Client
}

// NewVaultClient creates a new Vault client
func NewVaultClient(baseURL, token string) (*VaultClient, error) {
	cfg := &api.Config{
		Address: baseURL,
		HttpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultClient{client: client}, nil
}

// GetSecret returns the key/value data at path. KV v2 responses are unwrapped.
func (v *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret data found at %s", path)
	}
	if inner, ok := secret.Data["data"].(map[string]interface{}); ok {
		return inner, nil
	}
	return secret.Data, nil
}

// GetString returns a single string field of the secret at path.
func (v *VaultClient) GetString(ctx context.Context, path, field string) (string, error) {
	data, err := v.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}
	value, ok := data[field].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("field %q missing at %s", field, path)
	}
	return value, nil
}

// Health checks Vault health
func (v *VaultClient) Health(ctx context.Context) error {
	health, err := v.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if !health.Initialized || health.Sealed {
		return fmt.Errorf("vault is not ready (initialized=%t, sealed=%t)", health.Initialized, health.Sealed)
	}
	return nil
}

// LoadCipher builds the credential cipher. The Vault-held key wins when Vault
// is configured; otherwise crypto.encryption_key is used.
func LoadCipher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Cipher, error) {
	if cfg.Vault.URL != "" {
		vault, err := NewVaultClient(cfg.Vault.URL, cfg.Vault.Token)
		if err != nil {
			return nil, err
		}
		key, err := vault.GetString(ctx, cfg.Vault.KeyPath, "encryption_key")
		if err != nil {
			return nil, fmt.Errorf("failed to load encryption key from vault: %w", err)
		}
		logger.Info("Loaded credential encryption key from Vault", zap.String("path", cfg.Vault.KeyPath))
		return NewCipherFromBase64(key)
	}

	if cfg.Crypto.EncryptionKey == "" {
		return nil, fmt.Errorf("no encryption key configured: set crypto.encryption_key or vault.url")
	}
	return NewCipherFromBase64(cfg.Crypto.EncryptionKey)
}
