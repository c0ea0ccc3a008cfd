package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		TranslateError:         true,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return db, mock
}

func TestCredit(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	txID := uuid.New()

	t.Run("journals and increments in one transaction", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "wallet_credits"`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`INSERT INTO wallet_balances .* ON CONFLICT \(user_id\) DO UPDATE SET balance = wallet_balances.balance \+ EXCLUDED.balance`).
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow("35.37"))
		mock.ExpectCommit()

		balance, err := NewStore(db).Credit(ctx, userID, txID, decimal.RequireFromString("25.37"))
		require.NoError(t, err)
		assert.Equal(t, "35.37", balance.StringFixed(2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second credit for a transaction is refused", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "wallet_credits"`).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_wallet_credits_transaction_id"})
		mock.ExpectRollback()

		_, err := NewStore(db).Credit(ctx, userID, txID, decimal.NewFromInt(10))
		assert.ErrorIs(t, err, ErrAlreadyCredited)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed increment rolls back the journal row", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO "wallet_credits"`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`INSERT INTO wallet_balances`).WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		_, err := NewStore(db).Credit(ctx, userID, txID, decimal.NewFromInt(10))
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrAlreadyCredited)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		db, mock := newMockDB(t)
		_, err := NewStore(db).Credit(ctx, userID, txID, decimal.Zero)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetBalance(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	t.Run("existing balance", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`SELECT \* FROM "wallet_balances" WHERE user_id = \$1`).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "currency"}).AddRow(userID.String(), "10.00", "USD"))

		b, err := NewStore(db).GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, "10.00", b.Balance.StringFixed(2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no row reads as zero", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery(`SELECT \* FROM "wallet_balances"`).WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

		b, err := NewStore(db).GetBalance(ctx, userID)
		require.NoError(t, err)
		assert.True(t, b.Balance.IsZero())
		assert.Equal(t, Currency, b.Currency)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
