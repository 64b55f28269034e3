package chargeback

import (
	"context"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/metrics"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
)

// OnCredit diverts part of an employee credit into open debts, oldest first.
// It takes at most the credited amount and never more than the balance the
// posting would leave. The diverted total is credited back to the suspense
// ledger that fronted the debt.
func (r *Resolver) OnCredit(ctx context.Context, tx *gorm.DB, account *model.TipLedger, credited, balanceAfter int64, p ledger.Posting) (int64, error) {
	available := credited
	if balanceAfter < available {
		available = balanceAfter
	}
	if available <= 0 {
		return 0, nil
	}

	debts, err := r.debts.OpenLocked(ctx, tx, account.ID)
	if err != nil || len(debts) == 0 {
		return 0, err
	}

	now := r.store.Now()
	var diverted int64
	for i := range debts {
		if available == 0 {
			break
		}
		take := debts[i].Remaining
		if take > available {
			take = available
		}
		if err := r.debts.Reduce(ctx, tx, &debts[i], take, now); err != nil {
			return 0, err
		}
		available -= take
		diverted += take
	}
	if diverted == 0 {
		return 0, nil
	}

	_, err = r.store.Post(ctx, tx, model.SuspenseKey(account.LocationID), []ledger.EntryInput{{
		Amount:        diverted,
		SourceType:    model.SourceDebtReclaim,
		TransactionID: p.TransactionID,
		Memo:          "reclaimed from " + account.OwnerID,
	}}, p.IdempotencyKey+"/reclaim",
		ledger.WithOperation(p.OperationKey),
		ledger.WithBusinessDate(p.BusinessDate))
	if err != nil {
		return 0, err
	}

	metrics.DebtReclaimed.Add(float64(diverted))
	r.log.WithFields(logrus.Fields{
		"employee_id": account.OwnerID,
		"ledger_id":   account.ID,
		"reclaimed":   diverted,
	}).Info("debt reclaimed from credit")
	return diverted, nil
}

// WriteOff gives up on the rest of a debt. The suspense ledger already fronted
// it, so no entry is posted.
func (r *Resolver) WriteOff(ctx context.Context, debtID, actor, reason string) (*model.TipDebt, error) {
	debt, err := r.debts.WriteOff(ctx, debtID, r.store.Now())
	if err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{
		"debt_id":   debtID,
		"remaining": debt.Remaining,
		"actor":     actor,
		"reason":    reason,
	}).Warn("tip debt written off")
	return debt, nil
}

// Debts lists every debt of a ledger.
func (r *Resolver) Debts(ctx context.Context, ledgerID string) ([]model.TipDebt, error) {
	if _, err := r.store.Ledger(ctx, ledgerID); err != nil {
		return nil, err
	}
	return r.debts.ListByLedger(ctx, ledgerID)
}
