package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zjoart/go-numbers-wallet/pkg/database"
	"gorm.io/gorm"
)

var (
	// ErrAlreadyCredited means the transaction's credit was applied earlier.
	ErrAlreadyCredited = errors.New("transaction already credited")
	ErrInvalidAmount   = errors.New("credit amount must be positive")
)

type Store interface {
	// Credit adds amount to the user's balance exactly once per transaction
	// and returns the balance after the increment.
	Credit(ctx context.Context, userID, transactionID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (*Balance, error)
}

type store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &store{db: db}
}

const upsertBalance = `INSERT INTO wallet_balances (user_id, balance, currency, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO UPDATE SET balance = wallet_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
RETURNING balance`

func (s *store) Credit(ctx context.Context, userID, transactionID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	var balance decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		credit := Credit{TransactionID: transactionID, UserID: userID, Amount: amount}
		if err := tx.Create(&credit).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return ErrAlreadyCredited
			}
			return err
		}

		now := time.Now()
		return tx.Raw(upsertBalance, userID, amount, Currency, now, now).Row().Scan(&balance)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

func (s *store) GetBalance(ctx context.Context, userID uuid.UUID) (*Balance, error) {
	var b Balance
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Balance{UserID: userID, Balance: decimal.Zero, Currency: Currency}, nil
		}
		return nil, err
	}
	return &b, nil
}
