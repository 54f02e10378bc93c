package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RegistrationPaymentStatus mirrors the payment state kept on a registration.
type RegistrationPaymentStatus string

const (
	RegistrationUnpaid   RegistrationPaymentStatus = "pending"
	RegistrationPaid     RegistrationPaymentStatus = "paid"
	RegistrationRefunded RegistrationPaymentStatus = "refunded"
)

// Registration is the slice of the registration record this service reads
// and writes. The registration service owns the table.
type Registration struct {
	ID            uuid.UUID                 `gorm:"type:uuid;primaryKey" json:"id"`
	EventID       uuid.UUID                 `gorm:"type:uuid;not null;index" json:"event_id"`
	Email         string                    `gorm:"type:varchar(255);index" json:"email"`
	FullName      string                    `gorm:"type:varchar(255)" json:"full_name"`
	Phone         string                    `gorm:"type:varchar(30)" json:"phone"`
	PaymentStatus RegistrationPaymentStatus `gorm:"type:varchar(20);not null;default:'pending'" json:"payment_status"`
	UpdatedAt     time.Time                 `gorm:"autoUpdateTime" json:"updated_at"`
}

// Event is the slice of the event record needed for invoices and notices.
type Event struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255)" json:"name"`
	Venue     string    `gorm:"type:varchar(255)" json:"venue"`
	StartDate time.Time `json:"start_date"`
}

// EventPaymentConfig selects the gateway and credentials for an event.
// Credentials are either stored inline or loaded from the named secret.
type EventPaymentConfig struct {
	EventID           uuid.UUID         `gorm:"type:uuid;primaryKey" json:"event_id"`
	Provider          ProviderName      `gorm:"type:varchar(20);not null;index" json:"provider"`
	Mode              string            `gorm:"type:varchar(10);not null;default:'test'" json:"mode"`
	Currency          string            `gorm:"type:varchar(3);not null;default:'INR'" json:"currency"`
	Credentials       datatypes.JSONMap `gorm:"type:jsonb" json:"-"`
	CredentialsSecret string            `gorm:"type:varchar(255)" json:"credentials_secret,omitempty"`
	Enabled           bool              `gorm:"not null;default:true" json:"enabled"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// CredentialMap flattens the stored credentials to strings.
func (c *EventPaymentConfig) CredentialMap() map[string]string {
	out := make(map[string]string, len(c.Credentials))
	for k, v := range c.Credentials {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
