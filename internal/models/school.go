package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// School is the tenant that owns invoices, orders and gateway credentials.
// Gateway credentials are stored sealed by the secrets cipher and are only
// decrypted on demand by the gateway provider.
type School struct {
	ID   uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Name string    `json:"name" gorm:"not null"`

	RazorpayKeyIDEncrypted         *string `json:"-" gorm:"column:razorpay_key_id_encrypted"`
	RazorpayKeySecretEncrypted     *string `json:"-" gorm:"column:razorpay_key_secret_encrypted"`
	RazorpayWebhookSecretEncrypted *string `json:"-" gorm:"column:razorpay_webhook_secret_encrypted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (School) TableName() string { return "schools" }

func (s *School) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// HasGatewayCredentials reports whether both halves of the API key pair are stored.
func (s *School) HasGatewayCredentials() bool {
	return nonEmpty(s.RazorpayKeyIDEncrypted) && nonEmpty(s.RazorpayKeySecretEncrypted)
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}
