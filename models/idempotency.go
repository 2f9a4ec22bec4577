package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is a row of the claim table.
type IdempotencyRecord struct {
	Key       string            `gorm:"column:idem_key;primaryKey;type:varchar(255)" json:"key"`
	Status    IdempotencyStatus `gorm:"not null;index" json:"status"`
	Attempts  int               `gorm:"not null;default:1" json:"attempts"`
	LastError string            `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	ExpiresAt time.Time         `gorm:"not null;index" json:"expires_at"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }
