package wallet

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const Currency = "USD"

// Balance is a user's spendable USD balance. It is only ever changed by adding
// a delta inside the database.
type Balance struct {
	UserID    uuid.UUID       `gorm:"type:uuid;primaryKey" json:"user_id"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0;check:balance >= 0" json:"balance"`
	Currency  string          `gorm:"not null;default:USD" json:"currency"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (Balance) TableName() string {
	return "wallet_balances"
}

// Credit journals a credit applied for a ledger transaction. One row per
// transaction at most.
type Credit struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	TransactionID uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex" json:"transaction_id"`
	UserID        uuid.UUID       `gorm:"type:uuid;not null;index" json:"user_id"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (Credit) TableName() string {
	return "wallet_credits"
}

func (c *Credit) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
