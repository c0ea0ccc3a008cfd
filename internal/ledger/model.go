package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TransactionType string

const (
	TransactionDeposit TransactionType = "DEPOSIT"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "PENDING"
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionFailed    TransactionStatus = "FAILED"
)

// Transaction is one funding attempt. ClientReference is our order id and never
// changes; GatewayReference is the provider's payment id, written once by the
// completing claim. The unique index on it is the idempotency guard.
type Transaction struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID           uuid.UUID         `gorm:"type:uuid;not null;index" json:"user_id"`
	Type             TransactionType   `gorm:"not null" json:"type"`
	Gateway          string            `gorm:"not null;index" json:"gateway"`
	Amount           decimal.Decimal   `gorm:"type:numeric(20,2);not null" json:"amount"`
	Currency         string            `gorm:"not null" json:"currency"`
	Status           TransactionStatus `gorm:"not null;index" json:"status"`
	ClientReference  string            `gorm:"not null;index" json:"client_reference"`
	GatewayReference *string           `gorm:"uniqueIndex" json:"gateway_reference,omitempty"`
	Credited         bool              `gorm:"not null" json:"credited"`
	CreditedAt       *time.Time        `json:"credited_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	Description      string            `json:"description"`
	GatewayMetadata  datatypes.JSON    `gorm:"type:jsonb" json:"-"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

func (t *Transaction) GatewayRef() string {
	if t.GatewayReference == nil {
		return ""
	}
	return *t.GatewayReference
}

// Completion carries what the settling claim writes onto a pending row.
type Completion struct {
	GatewayReference string
	Amount           decimal.Decimal
	Metadata         datatypes.JSON
}
