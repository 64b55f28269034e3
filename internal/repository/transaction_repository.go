package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
)

type TransactionRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewTransactionRepository(db *gorm.DB, log *logrus.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:  db,
		log: log,
	}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, t *model.TipTransaction) error {
	return tx.WithContext(ctx).Create(t).Error
}

func (r *TransactionRepository) FindByID(ctx context.Context, id string) (*model.TipTransaction, error) {
	var t model.TipTransaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrTransactionNotFound
	}
	return &t, err
}

func (r *TransactionRepository) FindByOperation(ctx context.Context, tx *gorm.DB, operationKey string) (*model.TipTransaction, error) {
	db := r.db
	if tx != nil {
		db = tx
	}
	var t model.TipTransaction
	err := db.WithContext(ctx).Where("operation_key = ?", operationKey).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrTransactionNotFound
	}
	return &t, err
}

// LockByID locks the transaction row so concurrent reversals serialise.
func (r *TransactionRepository) LockByID(ctx context.Context, tx *gorm.DB, id string) (*model.TipTransaction, error) {
	var t model.TipTransaction
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrTransactionNotFound
	}
	return &t, err
}

func (r *TransactionRepository) MarkReversed(ctx context.Context, tx *gorm.DB, id string, policy model.ReversalPolicy, at time.Time) error {
	return tx.WithContext(ctx).Model(&model.TipTransaction{}).
		Where("id = ? AND reversed_at IS NULL", id).
		Updates(map[string]interface{}{
			"reversed_at":     at,
			"reversal_policy": policy,
		}).Error
}
