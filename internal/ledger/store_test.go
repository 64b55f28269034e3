package ledger_test

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/collaborator"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/testkit"
)

func newStore(t *testing.T) (*ledger.Store, *gorm.DB) {
	t.Helper()
	db := testkit.DB(t)
	log := testkit.Logger()
	testkit.Employees(t, db, "server", "alice", "bob")
	return ledger.NewStore(db, collaborator.NewReader(db, log), collaborator.UTCCalendar(), log), db
}

func credit(amount int64) ledger.EntryInput {
	return ledger.EntryInput{Amount: amount, SourceType: model.SourcePaymentTip}
}

func TestPostCreatesLedgerAndUpdatesBalance(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()
	key := model.EmployeeKey("alice", testkit.Location)

	res, err := store.Post(ctx, nil, key, []ledger.EntryInput{credit(700), {Amount: -200, SourceType: model.SourceTipOut}}, "k1")
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.BalanceBefore)
	assert.Equal(t, int64(500), res.BalanceAfter)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, model.EntryCredit, res.Entries[0].Kind)
	assert.Equal(t, model.EntryDebit, res.Entries[1].Kind)

	balance, err := store.Balance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
	assert.Equal(t, balance, testkit.EntrySum(t, db, key))
}

func TestPostDuplicateKeyIsNoOp(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()
	key := model.EmployeeKey("alice", testkit.Location)

	first, err := store.Post(ctx, nil, key, []ledger.EntryInput{credit(300)}, "payment:1")
	require.NoError(t, err)

	second, err := store.Post(ctx, nil, key, []ledger.EntryInput{credit(300)}, "payment:1")
	require.ErrorIs(t, err, model.ErrDuplicateKey)
	require.NotNil(t, second)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Entries[0].ID, second.Entries[0].ID)

	assert.Equal(t, int64(300), testkit.Balance(t, db, key))

	var count int64
	require.NoError(t, db.Model(&model.TipLedgerEntry{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPostRejectsNegativeEmployeeBalance(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()
	key := model.EmployeeKey("bob", testkit.Location)

	_, err := store.Post(ctx, nil, key, []ledger.EntryInput{credit(100)}, "c1")
	require.NoError(t, err)

	_, err = store.Post(ctx, nil, key, []ledger.EntryInput{{Amount: -150, SourceType: model.SourcePayout}}, "d1")
	require.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Equal(t, int64(100), testkit.Balance(t, db, key))
}

func TestPostAllowsNegativeSuspense(t *testing.T) {
	store, db := newStore(t)
	key := model.SuspenseKey(testkit.Location)

	_, err := store.Post(context.Background(), nil, key, []ledger.EntryInput{{Amount: -900, SourceType: model.SourceChargeback}}, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(-900), testkit.Balance(t, db, key))
}

func TestPostValidation(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	key := model.EmployeeKey("alice", testkit.Location)

	_, err := store.Post(ctx, nil, key, nil, "k")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = store.Post(ctx, nil, key, []ledger.EntryInput{credit(0)}, "k")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = store.Post(ctx, nil, key, []ledger.EntryInput{credit(1)}, "")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestResolveUnknownEmployee(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	assert.NoError(t, store.Resolve(ctx, model.EmployeeKey("alice", testkit.Location)))
	assert.ErrorIs(t, store.Resolve(ctx, model.EmployeeKey("mallory", testkit.Location)), model.ErrLedgerNotFound)
	assert.ErrorIs(t, store.Resolve(ctx, model.SuspenseKey("nowhere")), model.ErrLedgerNotFound)

	_, err := store.Balance(ctx, model.EmployeeKey("mallory", testkit.Location))
	assert.ErrorIs(t, err, model.ErrLedgerNotFound)

	balance, err := store.Balance(ctx, model.EmployeeKey("bob", testkit.Location))
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestPostInsideCallerTransactionRollsBack(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()
	key := model.EmployeeKey("alice", testkit.Location)

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := store.Post(ctx, tx, key, []ledger.EntryInput{credit(100)}, "outer")
		require.NoError(t, err)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, testkit.Balance(t, db, key))
}

func TestHistoryNewestFirst(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	key := model.EmployeeKey("alice", testkit.Location)

	var ledgerID string
	for i, k := range []string{"a", "b", "c"} {
		res, err := store.Post(ctx, nil, key, []ledger.EntryInput{credit(int64(i + 1))}, k)
		require.NoError(t, err)
		ledgerID = res.Ledger.ID
	}

	page, err := store.History(ctx, ledgerID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, int64(3), page.Entries[0].Amount)

	_, err = store.History(ctx, "missing", 10, 0)
	assert.ErrorIs(t, err, model.ErrLedgerNotFound)
}

func TestCorrectRestoresEntrySum(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()
	key := model.EmployeeKey("alice", testkit.Location)

	res, err := store.Post(ctx, nil, key, []ledger.EntryInput{credit(1000)}, "c")
	require.NoError(t, err)
	require.NoError(t, db.Model(&model.TipLedger{}).Where("id = ?", res.Ledger.ID).Update("balance", 1250).Error)

	err = db.Transaction(func(tx *gorm.DB) error {
		entry, sum, err := store.Correct(ctx, tx, res.Ledger.ID, 250, "integrity:1")
		require.NoError(t, err)
		assert.Equal(t, int64(250), entry.Amount)
		assert.Equal(t, int64(1250), sum)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, testkit.EntrySum(t, db, key), testkit.Balance(t, db, key))
}

func TestLockTakesLedgersInKeyOrder(t *testing.T) {
	store, db := newStore(t)
	ctx := context.Background()
	alice := model.EmployeeKey("alice", testkit.Location)
	bob := model.EmployeeKey("bob", testkit.Location)
	suspense := model.SuspenseKey(testkit.Location)
	pool := model.PoolKey("g1", testkit.Location)

	keys := []model.LedgerKey{pool, suspense, bob, alice}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	assert.Equal(t, []model.LedgerKey{alice, bob, suspense, pool}, keys)

	var locked map[model.LedgerKey]*model.TipLedger
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		locked, err = store.Lock(ctx, tx, pool, bob, suspense, alice, bob)
		return err
	}))
	require.Len(t, locked, 4)
	for key, l := range locked {
		assert.Equal(t, key, l.Key())
	}
}
