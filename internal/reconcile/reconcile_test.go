package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/collaborator"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/integrity"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/pool"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/reconcile"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/testkit"
)

func TestSweepSettlesAndVerifies(t *testing.T) {
	db := testkit.DB(t)
	log := testkit.Logger()
	testkit.Employees(t, db, "server", "alice", "bob")
	reader := collaborator.NewReader(db, log)
	store := ledger.NewStore(db, reader, collaborator.UTCCalendar(), log)
	guard := ledger.NewGuard(store, log)
	pools := pool.NewManager(db, store, guard, reader, log)
	checker := integrity.NewChecker(db, store, false, log)
	r := reconcile.New(checker, pools, 1, log)
	ctx := context.Background()

	g, err := pools.CreateGroup(ctx, pool.NewGroup{
		LocationID: testkit.Location,
		Name:       "floor",
		SplitMode:  model.SplitEqual,
		Members:    []pool.Member{{EmployeeID: "alice", RoleID: "server"}, {EmployeeID: "bob", RoleID: "server"}},
	}, testkit.Epoch)
	require.NoError(t, err)

	routing, err := pools.Resolve(ctx, "alice", testkit.Location, testkit.Epoch.Add(time.Minute))
	require.NoError(t, err)
	_, err = guard.Execute(ctx, nil, "test:contribution", func(op *ledger.Operation) error {
		return pools.Contribute(ctx, op, routing, "alice", 101, model.TransactionTip, "pool")
	})
	require.NoError(t, err)
	_, err = pools.CloseSegment(ctx, routing.SegmentID, testkit.Epoch.Add(time.Hour))
	require.NoError(t, err)

	report, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 3, report.Integrity.Checked)
	assert.Zero(t, report.Integrity.Drifted)

	assert.Equal(t, int64(51), testkit.Balance(t, db, model.EmployeeKey("alice", testkit.Location)))
	assert.Equal(t, int64(50), testkit.Balance(t, db, model.EmployeeKey("bob", testkit.Location)))
	assert.Zero(t, testkit.Balance(t, db, model.PoolKey(g.ID, testkit.Location)))

	require.NoError(t, db.Model(&model.TipLedger{}).
		Where("kind = ? AND owner_id = ?", model.LedgerEmployee, "bob").
		Update("balance", 75).Error)

	report, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Settled)
	assert.Equal(t, 1, report.Integrity.Drifted)
	assert.Equal(t, int64(25), report.Integrity.Drifts[0].Drift)
}
