// Package payout moves money out of tip ledgers: cash or payroll payouts and
// manual transfers between employees.
package payout

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
)

type PayoutRequest struct {
	EmployeeID string `json:"employee_id"`
	LocationID string `json:"location_id"`
	Amount     int64  `json:"amount"`
	RequestID  string `json:"request_id"`
	Memo       string `json:"memo,omitempty"`
}

type TransferRequest struct {
	FromEmployeeID string `json:"from_employee_id"`
	ToEmployeeID   string `json:"to_employee_id"`
	LocationID     string `json:"location_id"`
	Amount         int64  `json:"amount"`
	RequestID      string `json:"request_id"`
	Memo           string `json:"memo,omitempty"`
}

type Service struct {
	store *ledger.Store
	guard *ledger.Guard
	log   *logrus.Logger
}

func NewService(store *ledger.Store, guard *ledger.Guard, log *logrus.Logger) *Service {
	return &Service{
		store: store,
		guard: guard,
		log:   log,
	}
}

// Payout debits the employee and credits the location suspense ledger, which
// stands for the business paying the cash out.
func (s *Service) Payout(ctx context.Context, req PayoutRequest) (*ledger.Outcome, error) {
	if req.Amount <= 0 || req.RequestID == "" {
		return nil, fmt.Errorf("%w: payout needs a positive amount and a request id", model.ErrInvalidInput)
	}
	employee := model.EmployeeKey(req.EmployeeID, req.LocationID)
	suspense := model.SuspenseKey(req.LocationID)
	if err := s.store.Resolve(ctx, employee); err != nil {
		return nil, err
	}

	out, err := s.guard.Execute(ctx, nil, "payout:"+req.RequestID, func(op *ledger.Operation) error {
		if _, err := op.Post(ctx, employee, "employee", ledger.EntryInput{
			Amount:     -req.Amount,
			SourceType: model.SourcePayout,
			Memo:       req.Memo,
		}); err != nil {
			return err
		}
		_, err := op.Post(ctx, suspense, "suspense", ledger.EntryInput{
			Amount:     req.Amount,
			SourceType: model.SourcePayout,
			Memo:       "payout to " + req.EmployeeID,
		})
		return err
	})
	if err != nil {
		return out, err
	}

	s.log.WithFields(logrus.Fields{
		"employee_id": req.EmployeeID,
		"amount":      req.Amount,
		"request_id":  req.RequestID,
	}).Info("tips paid out")
	return out, nil
}

// Transfer moves an amount between two employees at the same location. Both
// ledgers are locked in key order before either leg is written, so opposite
// transfers between the same pair queue up instead of deadlocking.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*ledger.Outcome, error) {
	if req.Amount <= 0 || req.RequestID == "" {
		return nil, fmt.Errorf("%w: transfer needs a positive amount and a request id", model.ErrInvalidInput)
	}
	if req.FromEmployeeID == req.ToEmployeeID {
		return nil, fmt.Errorf("%w: transfer to self", model.ErrInvalidInput)
	}
	from := model.EmployeeKey(req.FromEmployeeID, req.LocationID)
	to := model.EmployeeKey(req.ToEmployeeID, req.LocationID)
	for _, key := range []model.LedgerKey{from, to} {
		if err := s.store.Resolve(ctx, key); err != nil {
			return nil, err
		}
	}

	out, err := s.guard.Execute(ctx, nil, "transfer:"+req.RequestID, func(op *ledger.Operation) error {
		if _, err := s.store.Lock(ctx, op.Tx, from, to); err != nil {
			return err
		}
		if _, err := op.Post(ctx, from, "from", ledger.EntryInput{
			Amount:     -req.Amount,
			SourceType: model.SourceManualTransfer,
			Memo:       req.Memo,
		}); err != nil {
			return err
		}
		_, err := op.Post(ctx, to, "to", ledger.EntryInput{
			Amount:     req.Amount,
			SourceType: model.SourceManualTransfer,
			Memo:       req.Memo,
		})
		return err
	})
	if err != nil {
		return out, err
	}

	s.log.WithFields(logrus.Fields{
		"from":       req.FromEmployeeID,
		"to":         req.ToEmployeeID,
		"amount":     req.Amount,
		"request_id": req.RequestID,
	}).Info("tips transferred")
	return out, nil
}
