// Package adjustment applies manager corrections as new ledger entries and
// keeps a structured audit record of each one.
package adjustment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/repository"
)

type Request struct {
	LedgerID   string            `json:"ledger_id"`
	Delta      int64             `json:"delta"`
	Reason     string            `json:"reason"`
	Actor      string            `json:"actor"`
	RequestID  string            `json:"request_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (r Request) validate() error {
	switch {
	case r.LedgerID == "":
		return fmt.Errorf("%w: ledger id required", model.ErrInvalidInput)
	case r.Delta == 0:
		return fmt.Errorf("%w: zero delta", model.ErrInvalidInput)
	case strings.TrimSpace(r.Reason) == "":
		return fmt.Errorf("%w: reason required", model.ErrInvalidInput)
	case strings.TrimSpace(r.Actor) == "":
		return fmt.Errorf("%w: actor required", model.ErrInvalidInput)
	case r.RequestID == "":
		return fmt.Errorf("%w: request id required", model.ErrInvalidInput)
	}
	return nil
}

// Key is the operation key of an adjustment request.
func Key(requestID string) string {
	return "adjustment:" + requestID
}

type Engine struct {
	store   *ledger.Store
	guard   *ledger.Guard
	records *repository.AdjustmentRepository
	log     *logrus.Logger
}

func NewEngine(db *gorm.DB, store *ledger.Store, guard *ledger.Guard, log *logrus.Logger) *Engine {
	return &Engine{
		store:   store,
		guard:   guard,
		records: repository.NewAdjustmentRepository(db, log),
		log:     log,
	}
}

// Adjust posts delta against the ledger and the opposite amount against the
// location's suspense ledger, then records who did it and why together with
// the balance before and after. A repeated request id returns the original
// record with ErrDuplicateKey.
func (e *Engine) Adjust(ctx context.Context, req Request) (*model.TipAdjustment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	prior, err := e.records.FindByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return prior, model.ErrDuplicateKey
	}

	target, err := e.store.Ledger(ctx, req.LedgerID)
	if err != nil {
		return nil, err
	}
	if target.Kind == model.LedgerSuspense {
		return nil, fmt.Errorf("%w: suspense ledgers are not adjusted directly", model.ErrInvalidInput)
	}
	suspense := model.SuspenseKey(target.LocationID)
	if err := e.store.Resolve(ctx, suspense); err != nil {
		return nil, err
	}

	var record *model.TipAdjustment
	_, err = e.guard.Execute(ctx, nil, Key(req.RequestID), func(op *ledger.Operation) error {
		res, err := op.Post(ctx, target.Key(), "target", ledger.EntryInput{
			Amount:     req.Delta,
			SourceType: model.SourceAdjustment,
			Memo:       req.Reason,
		})
		if err != nil {
			return err
		}
		counter, err := op.Post(ctx, suspense, "suspense", ledger.EntryInput{
			Amount:     -req.Delta,
			SourceType: model.SourceAdjustment,
			Memo:       req.Reason,
		})
		if err != nil {
			return err
		}

		record = &model.TipAdjustment{
			LedgerID:  target.ID,
			EntryID:   res.Entries[0].ID,
			Delta:     req.Delta,
			Reason:    req.Reason,
			Actor:     req.Actor,
			RequestID: req.RequestID,
			Context: datatypes.NewJSONType(model.AdjustmentContext{
				BalanceBefore:      res.BalanceBefore,
				BalanceAfter:       res.BalanceAfter,
				Delta:              req.Delta,
				Reason:             req.Reason,
				Actor:              req.Actor,
				CounterpartyLedger: counter.Ledger.ID,
				Attributes:         req.Attributes,
			}),
		}
		return e.records.Create(ctx, op.Tx, record)
	})
	if errors.Is(err, model.ErrDuplicateKey) || errors.Is(err, gorm.ErrDuplicatedKey) {
		if prior, ferr := e.records.FindByRequestID(ctx, req.RequestID); ferr == nil && prior != nil {
			return prior, model.ErrDuplicateKey
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"adjustment_id": record.ID,
		"ledger_id":     target.ID,
		"delta":         req.Delta,
		"actor":         req.Actor,
		"reason":        req.Reason,
	}).Info("ledger adjusted")
	return record, nil
}

// History lists a ledger's adjustments, newest first.
func (e *Engine) History(ctx context.Context, ledgerID string) ([]model.TipAdjustment, error) {
	if _, err := e.store.Ledger(ctx, ledgerID); err != nil {
		return nil, err
	}
	return e.records.ListByLedger(ctx, ledgerID)
}
