// Package chargeback reverses allocated tips after a void or a payment
// dispute and carries unrecoverable amounts forward as tip debt.
package chargeback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/metrics"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/repository"
)

// Request asks for one transaction to be reversed.
type Request struct {
	TransactionID string               `json:"transaction_id"`
	Policy        model.ReversalPolicy `json:"policy"`
	Reason        string               `json:"reason"`
}

// Leg is the amount taken back from one ledger.
type Leg struct {
	LedgerID string           `json:"ledger_id"`
	Kind     model.LedgerKind `json:"kind"`
	OwnerID  string           `json:"owner_id"`
	Amount   int64            `json:"amount"`
}

type Result struct {
	TransactionID string               `json:"transaction_id"`
	Policy        model.ReversalPolicy `json:"policy"`
	Legs          []Leg                `json:"legs"`
	Debts         []model.TipDebt      `json:"debts"`
	Duplicate     bool                 `json:"duplicate"`
}

type Resolver struct {
	store   *ledger.Store
	guard   *ledger.Guard
	txns    *repository.TransactionRepository
	debts   *repository.DebtRepository
	reviews *repository.ReviewRepository
	log     *logrus.Logger
}

func NewResolver(db *gorm.DB, store *ledger.Store, guard *ledger.Guard, log *logrus.Logger) *Resolver {
	return &Resolver{
		store:   store,
		guard:   guard,
		txns:    repository.NewTransactionRepository(db, log),
		debts:   repository.NewDebtRepository(db, log),
		reviews: repository.NewReviewRepository(db, log),
		log:     log,
	}
}

// ReversalKey is the operation key of a transaction reversal.
func ReversalKey(transactionID string) string {
	return "reversal:" + transactionID
}

// Reverse takes back what a transaction credited. BUSINESS_ABSORBS leaves
// employee ledgers alone and debits the location suspense ledger for the full
// amount. EMPLOYEE_CHARGEBACK debits each employee's net credit down to zero
// and records the rest as debt the suspense ledger fronts. Pool legs are
// always absorbed by suspense.
func (r *Resolver) Reverse(ctx context.Context, req Request) (*Result, error) {
	if !req.Policy.Valid() {
		return nil, fmt.Errorf("%w: reversal policy %q", model.ErrInvalidInput, req.Policy)
	}

	txn, err := r.txns.FindByID(ctx, req.TransactionID)
	if err != nil {
		if errors.Is(err, model.ErrTransactionNotFound) {
			r.flag(ctx, req, "transaction not found")
		}
		return nil, err
	}

	legs, err := r.legs(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	suspense := model.SuspenseKey(txn.LocationID)
	suspenseOK := r.store.Resolve(ctx, suspense) == nil
	employeesOK := len(legs.employees) > 0
	for _, l := range legs.employees {
		if r.store.Resolve(ctx, l.key) != nil {
			employeesOK = false
		}
	}
	needSuspense := req.Policy == model.PolicyBusinessAbsorbs || legs.pool > 0 || !employeesOK
	if needSuspense && !suspenseOK {
		reason := "suspense ledger unavailable"
		if !employeesOK {
			reason = "neither employee nor suspense ledger resolvable"
		}
		r.flag(ctx, req, reason)
		metrics.Reversals.WithLabelValues(string(req.Policy), "rejected").Inc()
		return nil, fmt.Errorf("transaction %s: %s: %w", txn.ID, reason, model.ErrReversalRejected)
	}

	result := &Result{TransactionID: txn.ID, Policy: req.Policy}
	_, err = r.guard.Execute(ctx, nil, ReversalKey(txn.ID), func(op *ledger.Operation) error {
		op.TransactionID = txn.ID
		locked, err := r.txns.LockByID(ctx, op.Tx, txn.ID)
		if err != nil {
			return err
		}
		if locked.ReversedAt != nil {
			return model.ErrDuplicateKey
		}

		if req.Policy == model.PolicyBusinessAbsorbs || !employeesOK {
			if err := r.absorb(ctx, op, suspense, txn.TotalAmount, req.Reason, result); err != nil {
				return err
			}
		} else {
			if err := r.chargeEmployees(ctx, op, txn, legs.employees, req.Reason, result); err != nil {
				return err
			}
			if err := r.absorb(ctx, op, suspense, legs.pool, "pool share: "+req.Reason, result); err != nil {
				return err
			}
		}
		return r.txns.MarkReversed(ctx, op.Tx, txn.ID, req.Policy, r.store.Now())
	})
	if errors.Is(err, model.ErrDuplicateKey) {
		metrics.Reversals.WithLabelValues(string(req.Policy), "duplicate").Inc()
		return r.prior(ctx, txn)
	}
	if err != nil {
		metrics.Reversals.WithLabelValues(string(req.Policy), "failed").Inc()
		return nil, err
	}

	metrics.Reversals.WithLabelValues(string(req.Policy), "applied").Inc()
	r.log.WithFields(logrus.Fields{
		"transaction_id": txn.ID,
		"policy":         req.Policy,
		"legs":           len(result.Legs),
		"debts":          len(result.Debts),
	}).Info("transaction reversed")
	return result, nil
}

func (r *Resolver) absorb(ctx context.Context, op *ledger.Operation, suspense model.LedgerKey, amount int64, memo string, result *Result) error {
	if amount <= 0 {
		return nil
	}
	res, err := op.Post(ctx, suspense, "suspense", ledger.EntryInput{
		Amount:     -amount,
		SourceType: model.SourceChargeback,
		Memo:       memo,
	})
	if err != nil {
		return err
	}
	result.Legs = append(result.Legs, legOf(res.Ledger, amount))
	return nil
}

// chargeEmployees debits each employee leg as far as the balance allows. The
// uncovered part becomes a TipDebt and is fronted by the suspense ledger.
func (r *Resolver) chargeEmployees(ctx context.Context, op *ledger.Operation, txn *model.TipTransaction, legs []leg, memo string, result *Result) error {
	suspense := model.SuspenseKey(txn.LocationID)
	keys := make([]model.LedgerKey, 0, len(legs))
	for _, l := range legs {
		if l.amount > 0 {
			keys = append(keys, l.key)
		}
	}
	locked, err := r.store.Lock(ctx, op.Tx, keys...)
	if err != nil {
		return err
	}

	for _, l := range legs {
		if l.amount <= 0 {
			continue
		}
		account := locked[l.key]

		take := l.amount
		if account.Balance < take {
			take = account.Balance
		}
		if take < 0 {
			take = 0
		}
		shortfall := l.amount - take

		if take > 0 {
			if _, err := op.Post(ctx, l.key, l.key.OwnerID, ledger.EntryInput{
				Amount:     -take,
				SourceType: model.SourceChargeback,
				Memo:       memo,
			}); err != nil {
				return err
			}
			result.Legs = append(result.Legs, legOf(*account, take))
		}
		if shortfall == 0 {
			continue
		}

		debt := model.TipDebt{
			LedgerID:       account.ID,
			EmployeeID:     l.key.OwnerID,
			TransactionID:  txn.ID,
			OriginalAmount: shortfall,
			Remaining:      shortfall,
			Status:         model.DebtOpen,
		}
		if err := r.debts.Create(ctx, op.Tx, &debt); err != nil {
			return err
		}
		result.Debts = append(result.Debts, debt)

		res, err := op.Post(ctx, suspense, "debt/"+l.key.OwnerID, ledger.EntryInput{
			Amount:     -shortfall,
			SourceType: model.SourceChargeback,
			Memo:       "shortfall of " + l.key.OwnerID,
		})
		if err != nil {
			return err
		}
		result.Legs = append(result.Legs, legOf(res.Ledger, shortfall))

		r.log.WithFields(logrus.Fields{
			"employee_id": l.key.OwnerID,
			"ledger_id":   account.ID,
			"shortfall":   shortfall,
		}).Warn("chargeback exceeded balance, debt recorded")
	}
	return nil
}

func (r *Resolver) prior(ctx context.Context, txn *model.TipTransaction) (*Result, error) {
	entries, err := r.store.Entries().FindByOperation(ctx, nil, ReversalKey(txn.ID))
	if err != nil {
		return nil, err
	}
	debts, err := r.debts.ListByTransaction(ctx, txn.ID)
	if err != nil {
		return nil, err
	}
	current, err := r.txns.FindByID(ctx, txn.ID)
	if err != nil {
		return nil, err
	}

	result := &Result{TransactionID: txn.ID, Policy: current.ReversalPolicy, Debts: debts, Duplicate: true}
	for _, e := range entries {
		account, err := r.store.Ledger(ctx, e.LedgerID)
		if err != nil {
			return nil, err
		}
		result.Legs = append(result.Legs, legOf(*account, -e.Amount))
	}
	return result, model.ErrDuplicateKey
}

type leg struct {
	key    model.LedgerKey
	amount int64
}

type transactionLegs struct {
	employees []leg
	pool      int64
}

// legs computes the net amount each ledger received from a transaction.
// Debt reclaim entries are ignored: the employee was credited the full amount
// even when part of it paid off older debt.
func (r *Resolver) legs(ctx context.Context, transactionID string) (transactionLegs, error) {
	entries, err := r.store.Entries().ListByTransaction(ctx, nil, transactionID)
	if err != nil {
		return transactionLegs{}, err
	}

	net := make(map[string]int64)
	for _, e := range entries {
		switch e.SourceType {
		case model.SourceDebtReclaim, model.SourceChargeback:
			continue
		}
		net[e.LedgerID] += e.Amount
	}

	var out transactionLegs
	ids := make([]string, 0, len(net))
	for id := range net {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		account, err := r.store.Ledger(ctx, id)
		if err != nil {
			return transactionLegs{}, err
		}
		switch account.Kind {
		case model.LedgerEmployee:
			out.employees = append(out.employees, leg{key: account.Key(), amount: net[id]})
		case model.LedgerPool:
			out.pool += net[id]
		}
	}
	return out, nil
}

func (r *Resolver) flag(ctx context.Context, req Request, reason string) {
	payload, _ := json.Marshal(req)
	err := r.reviews.Flag(ctx, &model.ReviewFlag{
		Kind:      "reversal",
		Reference: req.TransactionID,
		Reason:    reason,
		Payload:   datatypes.JSON(payload),
	})
	if err != nil {
		r.log.WithError(err).WithField("transaction_id", req.TransactionID).Error("failed to write review flag")
		return
	}
	r.log.WithFields(logrus.Fields{
		"transaction_id": req.TransactionID,
		"reason":         reason,
	}).Warn("reversal flagged for manual review")
}

func legOf(l model.TipLedger, amount int64) Leg {
	return Leg{LedgerID: l.ID, Kind: l.Kind, OwnerID: l.OwnerID, Amount: amount}
}
