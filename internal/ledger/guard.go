package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/metrics"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
)

// Guard runs an operation at most once per key. The key check and every write
// of the operation share one database transaction.
type Guard struct {
	store *Store
	log   *logrus.Logger
}

func NewGuard(store *Store, log *logrus.Logger) *Guard {
	return &Guard{
		store: store,
		log:   log,
	}
}

// Operation is handed to the guarded function. Posts made through it carry
// the operation key and use the operation's transaction.
type Operation struct {
	Key           string
	Tx            *gorm.DB
	BusinessDate  string
	TransactionID string

	store   *Store
	entries []model.TipLedgerEntry
}

// Post writes entries against one ledger under "<operation key>/<suffix>".
func (op *Operation) Post(ctx context.Context, key model.LedgerKey, suffix string, inputs ...EntryInput) (*PostResult, error) {
	return op.PostOn(ctx, op.BusinessDate, key, suffix, inputs...)
}

// PostOn is Post with the entries stamped on an explicit business date.
func (op *Operation) PostOn(ctx context.Context, businessDate string, key model.LedgerKey, suffix string, inputs ...EntryInput) (*PostResult, error) {
	opts := []PostOption{WithOperation(op.Key), WithTransaction(op.TransactionID)}
	if businessDate != "" {
		opts = append(opts, WithBusinessDate(businessDate))
	}
	res, err := op.store.Post(ctx, op.Tx, key, inputs, op.Key+"/"+suffix, opts...)
	if err != nil {
		return nil, err
	}
	op.entries = append(op.entries, res.Entries...)
	return res, nil
}

// Outcome is what an operation left in the entry log.
type Outcome struct {
	Key       string
	Entries   []model.TipLedgerEntry
	Duplicate bool
}

// Execute runs fn under key. When entries carrying key already exist the
// prior outcome is returned with ErrDuplicateKey and fn is not called. tx may
// be nil, in which case Execute opens the transaction itself.
func (g *Guard) Execute(ctx context.Context, tx *gorm.DB, key string, fn func(op *Operation) error) (*Outcome, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: operation key required", model.ErrInvalidInput)
	}
	started := time.Now()
	defer func() { metrics.PostDuration.Observe(time.Since(started).Seconds()) }()

	var outcome *Outcome
	run := func(tx *gorm.DB) error {
		exists, err := g.store.entries.OperationExists(ctx, tx, key)
		if err != nil {
			return err
		}
		if exists {
			return model.ErrDuplicateKey
		}

		op := &Operation{
			Key:          key,
			Tx:           tx,
			BusinessDate: g.store.BusinessDate(g.store.Now()),
			store:        g.store,
		}
		if err := fn(op); err != nil {
			return err
		}
		outcome = &Outcome{Key: key, Entries: op.entries}
		return nil
	}

	var err error
	if tx != nil {
		err = run(tx)
	} else {
		err = g.store.db.WithContext(ctx).Transaction(run)
	}

	switch {
	case err == nil:
		return outcome, nil
	case errors.Is(err, model.ErrDuplicateKey):
		return g.prior(ctx, tx, key, nil)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return g.prior(ctx, tx, key, err)
	default:
		return nil, err
	}
}

// Prior returns the committed outcome of key, or nil when nothing was posted.
func (g *Guard) Prior(ctx context.Context, key string) (*Outcome, error) {
	entries, err := g.store.entries.FindByOperation(ctx, nil, key)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &Outcome{Key: key, Entries: entries, Duplicate: true}, nil
}

// prior loads the outcome of an operation found to be committed already.
// cause is the unique violation that led here, if any; when the operation
// left no entries it came from somewhere else and is returned as is.
func (g *Guard) prior(ctx context.Context, tx *gorm.DB, key string, cause error) (*Outcome, error) {
	entries, err := g.store.entries.FindByOperation(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 && cause != nil {
		return nil, fmt.Errorf("operation %s: %w", key, cause)
	}
	metrics.DuplicateOperations.WithLabelValues(metrics.OperationLabel(key)).Inc()
	g.log.WithField("operation_key", key).Info("operation already committed, returning prior outcome")
	return &Outcome{Key: key, Entries: entries, Duplicate: true}, model.ErrDuplicateKey
}
