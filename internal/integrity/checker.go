// Package integrity reconciles cached ledger balances against their entry
// history.
package integrity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/metrics"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/repository"
)

// Actor is recorded on adjustments made by auto-correction.
const Actor = "integrity-checker"

// Report is the outcome of verifying one ledger. Drift is stored minus
// computed.
type Report struct {
	LedgerID     string `json:"ledger_id"`
	Stored       int64  `json:"stored"`
	Computed     int64  `json:"computed"`
	Drift        int64  `json:"drift"`
	Entries      int64  `json:"entries"`
	Corrected    bool   `json:"corrected"`
	CorrectionID string `json:"correction_entry_id,omitempty"`
}

func (r *Report) OK() bool { return r.Drift == 0 }

// Err returns ErrIntegrityDrift for drift that was found and left in place.
func (r *Report) Err() error {
	if r.Drift == 0 || r.Corrected {
		return nil
	}
	return fmt.Errorf("ledger %s drift %d: %w", r.LedgerID, r.Drift, model.ErrIntegrityDrift)
}

// Summary aggregates a sweep over many ledgers.
type Summary struct {
	Checked   int      `json:"checked"`
	Drifted   int      `json:"drifted"`
	Corrected int      `json:"corrected"`
	Failed    int      `json:"failed"`
	Drifts    []Report `json:"drifts,omitempty"`
}

type Checker struct {
	db          *gorm.DB
	store       *ledger.Store
	ledgers     *repository.LedgerRepository
	adjustments *repository.AdjustmentRepository
	autoCorrect bool
	log         *logrus.Logger
}

func NewChecker(db *gorm.DB, store *ledger.Store, autoCorrect bool, log *logrus.Logger) *Checker {
	return &Checker{
		db:          db,
		store:       store,
		ledgers:     repository.NewLedgerRepository(db, log),
		adjustments: repository.NewAdjustmentRepository(db, log),
		autoCorrect: autoCorrect,
		log:         log,
	}
}

// Verify recomputes a ledger's balance from its entries. With auto-correct on,
// drift is repaired by exactly one integrity_correction entry and an audit
// adjustment; existing entries are never touched.
func (c *Checker) Verify(ctx context.Context, ledgerID string) (*Report, error) {
	return c.verify(ctx, ledgerID, c.autoCorrect)
}

// VerifyWith is Verify with an explicit auto-correct choice.
func (c *Checker) VerifyWith(ctx context.Context, ledgerID string, autoCorrect bool) (*Report, error) {
	return c.verify(ctx, ledgerID, autoCorrect)
}

func (c *Checker) verify(ctx context.Context, ledgerID string, autoCorrect bool) (*Report, error) {
	report := &Report{LedgerID: ledgerID}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := c.ledgers.LockByID(ctx, tx, ledgerID)
		if err != nil {
			return err
		}
		sum, count, err := c.store.Entries().SumByLedger(ctx, tx, ledgerID)
		if err != nil {
			return err
		}
		report.Stored = account.Balance
		report.Computed = sum
		report.Entries = count
		report.Drift = account.Balance - sum
		if report.Drift == 0 || !autoCorrect {
			return nil
		}

		key := "integrity:" + ledgerID + ":" + uuid.NewString()
		entry, newSum, err := c.store.Correct(ctx, tx, ledgerID, report.Drift, key)
		if err != nil {
			return err
		}
		report.Corrected = true
		report.CorrectionID = entry.ID

		reason := fmt.Sprintf("stored balance %d differed from entry sum %d", account.Balance, sum)
		return c.adjustments.Create(ctx, tx, &model.TipAdjustment{
			LedgerID:  ledgerID,
			EntryID:   entry.ID,
			Delta:     report.Drift,
			Reason:    reason,
			Actor:     Actor,
			RequestID: key,
			Context: datatypes.NewJSONType(model.AdjustmentContext{
				BalanceBefore: sum,
				BalanceAfter:  newSum,
				Delta:         report.Drift,
				Reason:        reason,
				Actor:         Actor,
			}),
		})
	})
	if err != nil {
		return nil, err
	}

	if report.Drift != 0 {
		metrics.IntegrityDrift.WithLabelValues(fmt.Sprint(report.Corrected)).Inc()
		c.log.WithFields(logrus.Fields{
			"ledger_id": ledgerID,
			"stored":    report.Stored,
			"computed":  report.Computed,
			"drift":     report.Drift,
			"corrected": report.Corrected,
		}).Warn("ledger balance drift detected")
	}
	return report, nil
}

// VerifyAll walks every ledger in pages of batchSize.
func (c *Checker) VerifyAll(ctx context.Context, batchSize int) (*Summary, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	summary := &Summary{}
	offset := 0
	for {
		page, err := c.ledgers.ListPage(ctx, batchSize, offset)
		if err != nil {
			return summary, fmt.Errorf("list ledgers: %w", err)
		}
		for _, l := range page {
			report, err := c.Verify(ctx, l.ID)
			if err != nil {
				summary.Failed++
				c.log.WithError(err).WithField("ledger_id", l.ID).Error("ledger verification failed")
				continue
			}
			summary.Checked++
			if !report.OK() {
				summary.Drifted++
				summary.Drifts = append(summary.Drifts, *report)
				if report.Corrected {
					summary.Corrected++
				}
			}
		}
		if len(page) < batchSize {
			return summary, nil
		}
		offset += len(page)

		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}
	}
}
