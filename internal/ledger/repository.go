package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zjoart/go-numbers-wallet/pkg/database"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("transaction not found")
	// ErrAlreadyClaimed means another transaction already carries the gateway
	// reference: the payment has been settled.
	ErrAlreadyClaimed = errors.New("gateway reference already claimed")
	// ErrNotPending means the row left PENDING before this write.
	ErrNotPending = errors.New("transaction is not pending")
)

type Repository interface {
	Create(ctx context.Context, tx *Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	// FindPending looks a pending row up by order id; userID narrows the
	// match when known and is ignored when uuid.Nil.
	FindPending(ctx context.Context, clientRef string, userID uuid.UUID) (*Transaction, error)
	FindCompleted(ctx context.Context, gatewayRef string) (*Transaction, error)
	// Complete is the idempotency claim: a single conditional UPDATE that
	// moves a pending row to COMPLETED and stamps the gateway reference.
	Complete(ctx context.Context, id uuid.UUID, c Completion) error
	// CreateCompleted inserts a row already COMPLETED, guarded by the same
	// unique gateway reference.
	CreateCompleted(ctx context.Context, tx *Transaction) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	MarkCredited(ctx context.Context, id uuid.UUID) error
	FindUncredited(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error)
	FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error)
	CountByUser(ctx context.Context, userID uuid.UUID) (int64, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, tx *Transaction) error {
	if tx.Status == "" {
		tx.Status = TransactionPending
	}
	return r.db.WithContext(ctx).Create(tx).Error
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	var tx Transaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error; err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

func (r *repository) FindPending(ctx context.Context, clientRef string, userID uuid.UUID) (*Transaction, error) {
	q := r.db.WithContext(ctx).Where("client_reference = ? AND status = ?", clientRef, TransactionPending)
	if userID != uuid.Nil {
		q = q.Where("user_id = ?", userID)
	}

	var tx Transaction
	if err := q.Order("created_at asc").First(&tx).Error; err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

func (r *repository) FindCompleted(ctx context.Context, gatewayRef string) (*Transaction, error) {
	var tx Transaction
	err := r.db.WithContext(ctx).
		Where("gateway_reference = ? AND status = ?", gatewayRef, TransactionCompleted).
		First(&tx).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

func (r *repository) Complete(ctx context.Context, id uuid.UUID, c Completion) error {
	updates := map[string]interface{}{
		"status":            TransactionCompleted,
		"gateway_reference": c.GatewayReference,
		"amount":            c.Amount,
		"completed_at":      time.Now(),
	}
	if len(c.Metadata) > 0 {
		updates["gateway_metadata"] = c.Metadata
	}

	res := r.db.WithContext(ctx).Model(&Transaction{}).
		Where("id = ? AND status = ?", id, TransactionPending).
		Updates(updates)
	if res.Error != nil {
		if database.IsUniqueViolation(res.Error) {
			return ErrAlreadyClaimed
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

func (r *repository) CreateCompleted(ctx context.Context, tx *Transaction) error {
	if tx.GatewayReference == nil || *tx.GatewayReference == "" {
		return fmt.Errorf("completed transaction requires a gateway reference")
	}
	now := time.Now()
	tx.Status = TransactionCompleted
	tx.CompletedAt = &now

	if err := r.db.WithContext(ctx).Create(tx).Error; err != nil {
		if database.IsUniqueViolation(err) {
			return ErrAlreadyClaimed
		}
		return err
	}
	return nil
}

func (r *repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	res := r.db.WithContext(ctx).Model(&Transaction{}).
		Where("id = ? AND status = ?", id, TransactionPending).
		Updates(map[string]interface{}{"status": TransactionFailed, "failure_reason": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotPending
	}
	return nil
}

// MarkCredited is idempotent: marking an already credited row is not an error.
func (r *repository) MarkCredited(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&Transaction{}).
		Where("id = ? AND status = ? AND credited = ?", id, TransactionCompleted, false).
		Updates(map[string]interface{}{"credited": true, "credited_at": time.Now()}).Error
}

func (r *repository) FindUncredited(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error) {
	var txs []Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND credited = ? AND completed_at <= ?", TransactionCompleted, false, olderThan).
		Order("completed_at asc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (r *repository) FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]Transaction, error) {
	var txs []Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", TransactionPending, olderThan).
		Order("created_at asc").
		Limit(limit).
		Find(&txs).Error
	return txs, err
}

func (r *repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, error) {
	var txs []Transaction
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&txs).Error
	return txs, err
}

func (r *repository) CountByUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Transaction{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
