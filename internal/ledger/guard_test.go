package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/collaborator"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/config"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/database"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/testkit"
)

func TestGuardRunsOnce(t *testing.T) {
	store, db := newStore(t)
	guard := ledger.NewGuard(store, testkit.Logger())
	ctx := context.Background()
	alice := model.EmployeeKey("alice", testkit.Location)
	suspense := model.SuspenseKey(testkit.Location)

	calls := 0
	fn := func(op *ledger.Operation) error {
		calls++
		if _, err := op.Post(ctx, alice, "alice", credit(400)); err != nil {
			return err
		}
		_, err := op.Post(ctx, suspense, "suspense", ledger.EntryInput{Amount: -400, SourceType: model.SourcePaymentTip})
		return err
	}

	first, err := guard.Execute(ctx, nil, "payment:p1:allocate", fn)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	require.Len(t, first.Entries, 2)

	second, err := guard.Execute(ctx, nil, "payment:p1:allocate", fn)
	require.ErrorIs(t, err, model.ErrDuplicateKey)
	assert.True(t, second.Duplicate)
	assert.Len(t, second.Entries, 2)

	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(400), testkit.Balance(t, db, alice))
	assert.Equal(t, int64(-400), testkit.Balance(t, db, suspense))
}

func TestGuardFailureLeavesNothing(t *testing.T) {
	store, db := newStore(t)
	guard := ledger.NewGuard(store, testkit.Logger())
	ctx := context.Background()
	alice := model.EmployeeKey("alice", testkit.Location)

	_, err := guard.Execute(ctx, nil, "payment:p2:allocate", func(op *ledger.Operation) error {
		if _, err := op.Post(ctx, alice, "alice", credit(400)); err != nil {
			return err
		}
		_, err := op.Post(ctx, model.EmployeeKey("bob", testkit.Location), "bob",
			ledger.EntryInput{Amount: -1, SourceType: model.SourceTipOut})
		return err
	})
	require.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Zero(t, testkit.Balance(t, db, alice))

	prior, err := guard.Prior(ctx, "payment:p2:allocate")
	require.NoError(t, err)
	assert.Nil(t, prior)

	// The failed run is safe to retry.
	out, err := guard.Execute(ctx, nil, "payment:p2:allocate", func(op *ledger.Operation) error {
		_, err := op.Post(ctx, alice, "alice", credit(400))
		return err
	})
	require.NoError(t, err)
	assert.Len(t, out.Entries, 1)
}

func TestGuardUniqueViolationWithoutPriorIsAnError(t *testing.T) {
	store, db := newStore(t)
	guard := ledger.NewGuard(store, testkit.Logger())
	ctx := context.Background()
	alice := model.EmployeeKey("alice", testkit.Location)

	out, err := guard.Execute(ctx, nil, "payment:p3:allocate", func(op *ledger.Operation) error {
		res, err := op.Post(ctx, alice, "alice", credit(400))
		if err != nil {
			return err
		}
		// Another writer got the entry key in first, under its own operation.
		return op.Tx.Create(&model.TipLedgerEntry{
			LedgerID:       res.Ledger.ID,
			Amount:         400,
			Kind:           model.EntryCredit,
			SourceType:     model.SourcePaymentTip,
			IdempotencyKey: res.Entries[0].IdempotencyKey,
			OperationKey:   "payment:other:allocate",
			BusinessDate:   res.Entries[0].BusinessDate,
		}).Error
	})
	require.ErrorIs(t, err, gorm.ErrDuplicatedKey)
	assert.NotErrorIs(t, err, model.ErrDuplicateKey)
	assert.Nil(t, out)
	assert.Zero(t, testkit.Balance(t, db, alice))

	prior, err := guard.Prior(ctx, "payment:p3:allocate")
	require.NoError(t, err)
	assert.Nil(t, prior)
}

func TestGuardConcurrentExecuteCommitsOnce(t *testing.T) {
	log := testkit.Logger()
	db, err := database.New(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "tips.db"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	testkit.Employees(t, db.DB, "server", "alice")

	store := ledger.NewStore(db.DB, collaborator.NewReader(db.DB, log), collaborator.UTCCalendar(), log)
	guard := ledger.NewGuard(store, log)
	ctx := context.Background()
	alice := model.EmployeeKey("alice", testkit.Location)
	const key = "payment:race:allocate"

	const workers = 8
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		fresh, dup int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := guard.Execute(ctx, nil, key, func(op *ledger.Operation) error {
				_, err := op.Post(ctx, alice, "alice", credit(250))
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				fresh++
			case errors.Is(err, model.ErrDuplicateKey):
				dup++
				if assert.NotNil(t, out) {
					assert.True(t, out.Duplicate)
					assert.Len(t, out.Entries, 1)
				}
			default:
				t.Errorf("execute: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	assert.Equal(t, workers-1, dup)
	assert.Equal(t, int64(250), testkit.Balance(t, db.DB, alice))

	var n int64
	require.NoError(t, db.DB.Model(&model.TipLedgerEntry{}).Where("operation_key = ?", key).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}
