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

// DebtRepository stores TipDebt rows.
type DebtRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewDebtRepository(db *gorm.DB, log *logrus.Logger) *DebtRepository {
	return &DebtRepository{
		db:  db,
		log: log,
	}
}

func (r *DebtRepository) Create(ctx context.Context, tx *gorm.DB, d *model.TipDebt) error {
	return tx.WithContext(ctx).Create(d).Error
}

// OpenLocked returns the ledger's open debts, oldest first, locked for tx.
func (r *DebtRepository) OpenLocked(ctx context.Context, tx *gorm.DB, ledgerID string) ([]model.TipDebt, error) {
	var debts []model.TipDebt
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("ledger_id = ? AND status = ?", ledgerID, model.DebtOpen).
		Order("created_at, id").
		Find(&debts).Error
	return debts, err
}

func (r *DebtRepository) HasOpen(ctx context.Context, tx *gorm.DB, ledgerID string) (bool, error) {
	var count int64
	err := tx.WithContext(ctx).Model(&model.TipDebt{}).
		Where("ledger_id = ? AND status = ?", ledgerID, model.DebtOpen).
		Count(&count).Error
	return count > 0, err
}

// Reduce lowers the remaining amount and closes the debt when it reaches zero.
func (r *DebtRepository) Reduce(ctx context.Context, tx *gorm.DB, d *model.TipDebt, by int64, at time.Time) error {
	d.Remaining -= by
	updates := map[string]interface{}{"remaining": d.Remaining}
	if d.Remaining == 0 {
		d.Status = model.DebtReclaimed
		d.ClosedAt = &at
		updates["status"] = d.Status
		updates["closed_at"] = at
	}
	return tx.WithContext(ctx).Model(&model.TipDebt{}).Where("id = ?", d.ID).Updates(updates).Error
}

func (r *DebtRepository) WriteOff(ctx context.Context, id string, at time.Time) (*model.TipDebt, error) {
	var debt model.TipDebt
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&debt).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrDebtNotFound
			}
			return err
		}
		if debt.Status != model.DebtOpen {
			return model.ErrInvalidInput
		}
		debt.Status = model.DebtWrittenOff
		debt.ClosedAt = &at
		return tx.Model(&model.TipDebt{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":    debt.Status,
			"closed_at": at,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &debt, nil
}

func (r *DebtRepository) ListByLedger(ctx context.Context, ledgerID string) ([]model.TipDebt, error) {
	var debts []model.TipDebt
	err := r.db.WithContext(ctx).Where("ledger_id = ?", ledgerID).Order("created_at").Find(&debts).Error
	return debts, err
}

func (r *DebtRepository) ListByTransaction(ctx context.Context, transactionID string) ([]model.TipDebt, error) {
	var debts []model.TipDebt
	err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).Order("created_at").Find(&debts).Error
	return debts, err
}

// AdjustmentRepository stores the audit side of adjustments.
type AdjustmentRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewAdjustmentRepository(db *gorm.DB, log *logrus.Logger) *AdjustmentRepository {
	return &AdjustmentRepository{
		db:  db,
		log: log,
	}
}

func (r *AdjustmentRepository) Create(ctx context.Context, tx *gorm.DB, a *model.TipAdjustment) error {
	return tx.WithContext(ctx).Create(a).Error
}

func (r *AdjustmentRepository) FindByRequestID(ctx context.Context, requestID string) (*model.TipAdjustment, error) {
	var a model.TipAdjustment
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &a, err
}

func (r *AdjustmentRepository) ListByLedger(ctx context.Context, ledgerID string) ([]model.TipAdjustment, error) {
	var out []model.TipAdjustment
	err := r.db.WithContext(ctx).Where("ledger_id = ?", ledgerID).Order("created_at DESC").Find(&out).Error
	return out, err
}

// ReviewRepository is the manual-review queue.
type ReviewRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewReviewRepository(db *gorm.DB, log *logrus.Logger) *ReviewRepository {
	return &ReviewRepository{
		db:  db,
		log: log,
	}
}

func (r *ReviewRepository) Flag(ctx context.Context, f *model.ReviewFlag) error {
	return r.db.WithContext(ctx).Create(f).Error
}

func (r *ReviewRepository) ListOpen(ctx context.Context, limit int) ([]model.ReviewFlag, error) {
	var flags []model.ReviewFlag
	err := r.db.WithContext(ctx).Where("resolved = ?", false).Order("created_at").Limit(limit).Find(&flags).Error
	return flags, err
}
