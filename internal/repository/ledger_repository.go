package repository

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
)

type LedgerRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewLedgerRepository(db *gorm.DB, log *logrus.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:  db,
		log: log,
	}
}

// conn returns tx when the caller already holds a transaction.
func (r *LedgerRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// EnsureLocked creates the ledger for key if it does not exist yet and returns
// it with its row locked for the rest of tx.
func (r *LedgerRepository) EnsureLocked(ctx context.Context, tx *gorm.DB, key model.LedgerKey) (*model.TipLedger, error) {
	ledger := model.TipLedger{
		Kind:       key.Kind,
		OwnerID:    key.OwnerID,
		LocationID: key.LocationID,
	}
	err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "kind"}, {Name: "owner_id"}, {Name: "location_id"}},
		DoNothing: true,
	}).Create(&ledger).Error
	if err != nil {
		return nil, err
	}

	var locked model.TipLedger
	err = tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("kind = ? AND owner_id = ? AND location_id = ?", key.Kind, key.OwnerID, key.LocationID).
		First(&locked).Error
	if err != nil {
		return nil, err
	}
	return &locked, nil
}

// LockByID locks an existing ledger row.
func (r *LedgerRepository) LockByID(ctx context.Context, tx *gorm.DB, id string) (*model.TipLedger, error) {
	var ledger model.TipLedger
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&ledger).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrLedgerNotFound
	}
	return &ledger, err
}

func (r *LedgerRepository) FindByID(ctx context.Context, tx *gorm.DB, id string) (*model.TipLedger, error) {
	var ledger model.TipLedger
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&ledger).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrLedgerNotFound
	}
	return &ledger, err
}

func (r *LedgerRepository) FindByKey(ctx context.Context, tx *gorm.DB, key model.LedgerKey) (*model.TipLedger, error) {
	var ledger model.TipLedger
	err := r.conn(tx).WithContext(ctx).
		Where("kind = ? AND owner_id = ? AND location_id = ?", key.Kind, key.OwnerID, key.LocationID).
		First(&ledger).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrLedgerNotFound
	}
	return &ledger, err
}

// ApplyDelta adds delta to the cached balance inside tx.
func (r *LedgerRepository) ApplyDelta(ctx context.Context, tx *gorm.DB, id string, delta int64) error {
	result := tx.WithContext(ctx).Model(&model.TipLedger{}).
		Where("id = ?", id).
		Update("balance", gorm.Expr("balance + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return model.ErrLedgerNotFound
	}
	return nil
}

// SetBalance overwrites the cached balance. Only the integrity checker uses it.
func (r *LedgerRepository) SetBalance(ctx context.Context, tx *gorm.DB, id string, balance int64) error {
	return tx.WithContext(ctx).Model(&model.TipLedger{}).
		Where("id = ?", id).
		Update("balance", balance).Error
}

// ListByEmployee returns an employee's ledgers, optionally limited to one location.
func (r *LedgerRepository) ListByEmployee(ctx context.Context, employeeID, locationID string) ([]model.TipLedger, error) {
	var ledgers []model.TipLedger
	q := r.db.WithContext(ctx).Where("kind = ? AND owner_id = ?", model.LedgerEmployee, employeeID)
	if locationID != "" {
		q = q.Where("location_id = ?", locationID)
	}
	err := q.Order("location_id").Find(&ledgers).Error
	return ledgers, err
}

// ListPage retrieves ledgers ordered by id (for the reconciliation sweep).
func (r *LedgerRepository) ListPage(ctx context.Context, limit, offset int) ([]model.TipLedger, error) {
	var ledgers []model.TipLedger
	err := r.db.WithContext(ctx).
		Order("id").
		Limit(limit).
		Offset(offset).
		Find(&ledgers).Error

	return ledgers, err
}

// Count returns total count of ledgers
func (r *LedgerRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.TipLedger{}).Count(&count).Error
	return count, err
}

func (r *LedgerRepository) Archive(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&model.TipLedger{}).
		Where("id = ?", id).
		Update("archived", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return model.ErrLedgerNotFound
	}
	return nil
}
