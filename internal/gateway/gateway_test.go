package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/school-payments/internal/models"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
		message   string
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout, true, "gateway timed out"},
		{"net timeout", &url.Error{Op: "Post", URL: "https://api.razorpay.com", Err: timeoutErr{}}, KindTimeout, true, "gateway timed out"},
		{"connection refused", &url.Error{Op: "Post", URL: "https://api.razorpay.com", Err: errors.New("connection refused")}, KindUnknown, false, "gateway request failed"},
		{"gateway response", errors.New("BAD_REQUEST_ERROR: amount exceeds maximum"), KindGateway, false, "gateway error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("create_order", tt.err)
			var gwErr *Error
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, tt.kind, gwErr.Kind)
			assert.Equal(t, tt.retryable, gwErr.Retryable())
			assert.Contains(t, err.Error(), tt.message)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	t.Run("already classified", func(t *testing.T) {
		original := &Error{Kind: KindUnavailable, Op: "verify"}
		assert.Same(t, original, Classify("other", original))
	})

	assert.Nil(t, Classify("noop", nil))
}

func kindOf(err error) Kind {
	var gwErr *Error
	if !errors.As(err, &gwErr) {
		return Kind(-1)
	}
	return gwErr.Kind
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("verify: %w", &Error{Kind: KindUnavailable, Op: "verify"})))
	assert.True(t, IsRetryable(&Error{Kind: KindTimeout, Op: "fetch_payment"}))
	assert.False(t, IsRetryable(&Error{Kind: KindGateway, Op: "create_order"}))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestBounded(t *testing.T) {
	t.Run("returns value", func(t *testing.T) {
		v, err := bounded(context.Background(), time.Second, "op", func() (int, error) { return 7, nil })
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("times out slow call", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		_, err := bounded(context.Background(), 10*time.Millisecond, "op", func() (int, error) {
			<-release
			return 0, nil
		})
		assert.Equal(t, KindTimeout, kindOf(err))
	})

	t.Run("classifies sdk error", func(t *testing.T) {
		_, err := bounded(context.Background(), time.Second, "op", func() (int, error) {
			return 0, fmt.Errorf("SERVER_ERROR")
		})
		assert.Equal(t, KindGateway, kindOf(err))
	})
}

func TestDecode(t *testing.T) {
	raw := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{
				"id":         "pay_1",
				"order_id":   "order_1",
				"status":     "captured",
				"method":     "card",
				"amount":     float64(12000),
				"captured":   true,
				"created_at": float64(1700000000),
				"notes":      []interface{}{},
			},
		},
	}
	var out struct {
		Items []PaymentDetails `mapstructure:"items"`
	}
	require.NoError(t, decode(raw, &out))
	require.Len(t, out.Items, 1)
	assert.Equal(t, int64(12000), out.Items[0].Amount)
	assert.True(t, out.Items[0].IsCaptured())
	assert.False(t, out.Items[0].InFlight())
}

func TestRazorpayVerifier(t *testing.T) {
	v := RazorpayVerifier{}

	ok, err := v.VerifyPaymentSignature("order_1", "pay_1", "deadbeef", "secret")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = v.VerifyWebhookSignature([]byte("{}"), "sig", "")
	assert.Equal(t, KindUnavailable, kindOf(err))
}

type plainCipher struct{}

func (plainCipher) Decrypt(token string) (string, error) {
	if token == "corrupt" {
		return "", errors.New("bad token")
	}
	return "plain:" + token, nil
}

type stubClient struct {
	Client
	keyID, keySecret string
}

func setupProviderDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.School{}))
	return db
}

func strPtr(s string) *string { return &s }

func TestProvider(t *testing.T) {
	db := setupProviderDB(t)
	ctx := context.Background()

	configured := models.School{
		Name:                           "Configured",
		RazorpayKeyIDEncrypted:         strPtr("kid"),
		RazorpayKeySecretEncrypted:     strPtr("ksecret"),
		RazorpayWebhookSecretEncrypted: strPtr("whsecret"),
	}
	bare := models.School{Name: "Bare"}
	corrupt := models.School{Name: "Corrupt", RazorpayKeyIDEncrypted: strPtr("kid"), RazorpayKeySecretEncrypted: strPtr("corrupt")}
	require.NoError(t, db.Create(&configured).Error)
	require.NoError(t, db.Create(&bare).Error)
	require.NoError(t, db.Create(&corrupt).Error)

	built := 0
	factory := func(keyID, keySecret string) Client {
		built++
		return &stubClient{keyID: keyID, keySecret: keySecret}
	}

	core, logs := observer.New(zap.WarnLevel)
	provider := NewProvider(plainCipher{}, ProviderOptions{
		FallbackWebhookSecret: "dev-secret",
		NewClient:             factory,
	}, zap.New(core))

	t.Run("builds a fresh client per call", func(t *testing.T) {
		c1, err := provider.Client(ctx, db, configured.ID)
		require.NoError(t, err)
		c2, err := provider.Client(ctx, db, configured.ID)
		require.NoError(t, err)

		assert.NotSame(t, c1, c2)
		assert.Equal(t, 2, built)
		assert.Equal(t, "plain:kid", c1.(*stubClient).keyID)
		assert.Equal(t, "plain:ksecret", c1.(*stubClient).keySecret)
	})

	t.Run("missing credentials", func(t *testing.T) {
		_, err := provider.Client(ctx, db, bare.ID)
		assert.ErrorIs(t, err, ErrNotConfigured)

		_, err = provider.KeySecret(ctx, db, bare.ID)
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("unknown school", func(t *testing.T) {
		_, err := provider.Client(ctx, db, uuid.New())
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("undecryptable credentials", func(t *testing.T) {
		_, err := provider.Client(ctx, db, corrupt.ID)
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("per-school webhook secret", func(t *testing.T) {
		secret, err := provider.WebhookSecret(ctx, db, configured.ID)
		require.NoError(t, err)
		assert.Equal(t, "plain:whsecret", secret)
		assert.Equal(t, 0, logs.Len())
	})

	t.Run("fallback warns every time", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			secret, err := provider.WebhookSecret(ctx, db, bare.ID)
			require.NoError(t, err)
			assert.Equal(t, "dev-secret", secret)
		}
		assert.Equal(t, 2, logs.FilterMessageSnippet("fallback").Len())
	})

	t.Run("no fallback in production", func(t *testing.T) {
		prod := NewProvider(plainCipher{}, ProviderOptions{
			FallbackWebhookSecret: "dev-secret",
			Production:            true,
			NewClient:             factory,
		}, zap.NewNop())
		_, err := prod.WebhookSecret(ctx, db, bare.ID)
		assert.ErrorIs(t, err, ErrNotConfigured)
	})
}
