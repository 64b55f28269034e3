package repository

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
)

type EntryRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewEntryRepository(db *gorm.DB, log *logrus.Logger) *EntryRepository {
	return &EntryRepository{
		db:  db,
		log: log,
	}
}

func (r *EntryRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// InsertBatch appends entries. A reused idempotency key fails on the unique
// index with gorm.ErrDuplicatedKey.
func (r *EntryRepository) InsertBatch(ctx context.Context, tx *gorm.DB, entries []model.TipLedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return tx.WithContext(ctx).Create(&entries).Error
}

// OperationExists checks if any entry was committed under the operation key.
func (r *EntryRepository) OperationExists(ctx context.Context, tx *gorm.DB, operationKey string) (bool, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.TipLedgerEntry{}).
		Where("operation_key = ?", operationKey).
		Count(&count).Error

	return count > 0, err
}

// FindByOperation returns the entries an operation produced, in insert order.
func (r *EntryRepository) FindByOperation(ctx context.Context, tx *gorm.DB, operationKey string) ([]model.TipLedgerEntry, error) {
	var entries []model.TipLedgerEntry
	err := r.conn(tx).WithContext(ctx).
		Where("operation_key = ?", operationKey).
		Order("idempotency_key").
		Find(&entries).Error
	return entries, err
}

func (r *EntryRepository) KeyExists(ctx context.Context, tx *gorm.DB, idempotencyKey string) (bool, error) {
	var count int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.TipLedgerEntry{}).
		Where("idempotency_key = ?", idempotencyKey).
		Count(&count).Error
	return count > 0, err
}

// FindByKeyPrefix returns entries whose idempotency key starts with prefix.
// LIKE wildcards in the prefix are re-checked exactly in Go.
func (r *EntryRepository) FindByKeyPrefix(ctx context.Context, tx *gorm.DB, prefix string) ([]model.TipLedgerEntry, error) {
	var entries []model.TipLedgerEntry
	err := r.conn(tx).WithContext(ctx).
		Where("idempotency_key LIKE ?", prefix+"%").
		Order("idempotency_key").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if strings.HasPrefix(e.IdempotencyKey, prefix) {
			out = append(out, e)
		}
	}
	return out, nil
}

// SumByLedger recomputes a ledger balance from its full history.
func (r *EntryRepository) SumByLedger(ctx context.Context, tx *gorm.DB, ledgerID string) (sum int64, count int64, err error) {
	var row struct {
		Total int64
		N     int64
	}
	err = r.conn(tx).WithContext(ctx).
		Model(&model.TipLedgerEntry{}).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS n").
		Where("ledger_id = ?", ledgerID).
		Scan(&row).Error
	return row.Total, row.N, err
}

// ListByLedger returns a page of history, newest first.
func (r *EntryRepository) ListByLedger(ctx context.Context, ledgerID string, limit, offset int) ([]model.TipLedgerEntry, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.TipLedgerEntry{}).
		Where("ledger_id = ?", ledgerID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []model.TipLedgerEntry
	err := r.db.WithContext(ctx).
		Where("ledger_id = ?", ledgerID).
		Order("created_at DESC, idempotency_key DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	return entries, total, err
}

func (r *EntryRepository) ListByTransaction(ctx context.Context, tx *gorm.DB, transactionID string) ([]model.TipLedgerEntry, error) {
	var entries []model.TipLedgerEntry
	err := r.conn(tx).WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("idempotency_key").
		Find(&entries).Error
	return entries, err
}

// TipOutPaid sums what a ledger has paid out per tip-out rule on a business
// day. Amounts are positive.
func (r *EntryRepository) TipOutPaid(ctx context.Context, tx *gorm.DB, ledgerID, businessDate string) (map[uint]int64, error) {
	var rows []struct {
		RuleID uint
		Paid   int64
	}
	err := r.conn(tx).WithContext(ctx).
		Model(&model.TipLedgerEntry{}).
		Select("rule_id, -SUM(amount) AS paid").
		Where("ledger_id = ? AND source_type = ? AND business_date = ?", ledgerID, model.SourceTipOut, businessDate).
		Where("rule_id IS NOT NULL AND amount < 0").
		Group("rule_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	paid := make(map[uint]int64, len(rows))
	for _, row := range rows {
		paid[row.RuleID] = row.Paid
	}
	return paid, nil
}

// PayrollRow is one aggregate line of the payroll export.
type PayrollRow struct {
	EmployeeID      string
	SourceType      model.SourceType
	TransactionKind string
	Amount          int64
	Entries         int64
}

// PayrollAggregate sums employee entries by source type and income kind for a
// location and an inclusive business-date range. The kind stamped on an entry
// wins over the kind of its transaction.
func (r *EntryRepository) PayrollAggregate(ctx context.Context, locationID, from, to string) ([]PayrollRow, error) {
	const kind = "COALESCE(NULLIF(e.income_kind, ''), t.kind, '')"
	var rows []PayrollRow
	err := r.db.WithContext(ctx).
		Table("tip_ledger_entries AS e").
		Select("l.owner_id AS employee_id, e.source_type AS source_type, " + kind + " AS transaction_kind, SUM(e.amount) AS amount, COUNT(*) AS entries").
		Joins("JOIN tip_ledgers AS l ON l.id = e.ledger_id").
		Joins("LEFT JOIN tip_transactions AS t ON t.id = e.transaction_id").
		Where("l.kind = ? AND l.location_id = ?", model.LedgerEmployee, locationID).
		Where("e.business_date >= ? AND e.business_date <= ?", from, to).
		Group("l.owner_id, e.source_type, " + kind).
		Order("l.owner_id, e.source_type").
		Scan(&rows).Error
	return rows, err
}
