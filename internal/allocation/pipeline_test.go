package allocation_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/allocation"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/collaborator"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/export"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/ownership"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/pool"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/share"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/testkit"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/tipout"
)

type fixture struct {
	db       *gorm.DB
	store    *ledger.Store
	pools    *pool.Manager
	pipeline *allocation.Pipeline
}

func setup(t *testing.T, opts allocation.Options) fixture {
	t.Helper()
	db := testkit.DB(t)
	log := testkit.Logger()
	testkit.Employees(t, db, "server", "alice", "bob")
	testkit.Employees(t, db, "busser", "ben", "dan")
	testkit.OnDuty(t, db, "busser", "ben")

	reader := collaborator.NewReader(db, log)
	store := ledger.NewStore(db, reader, collaborator.UTCCalendar(), log)
	guard := ledger.NewGuard(store, log)
	pools := pool.NewManager(db, store, guard, reader, log)
	p := allocation.NewPipeline(db, reader,
		ownership.NewSplitter(reader, log),
		tipout.NewEngine(reader, log),
		pools, store, guard, opts, log)
	return fixture{db: db, store: store, pools: pools, pipeline: p}
}

func (f fixture) busserRule(t *testing.T) {
	t.Helper()
	require.NoError(t, f.db.Create(&model.TipOutRule{
		LocationID:  testkit.Location,
		PayerRoleID: "server",
		PayeeRoleID: "busser",
		Basis:       model.BasisTips,
		Percentage:  decimal.NewFromInt(10),
		Active:      true,
	}).Error)
}

func (f fixture) count(t *testing.T, m any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(m).Count(&n).Error)
	return n
}

func (f fixture) entryTotal(t *testing.T) int64 {
	t.Helper()
	var sum int64
	require.NoError(t, f.db.Model(&model.TipLedgerEntry{}).Select("COALESCE(SUM(amount), 0)").Scan(&sum).Error)
	return sum
}

func event(payment, order string, tip int64) allocation.PaymentCompleted {
	return allocation.PaymentCompleted{
		PaymentID: payment,
		OrderID:   order,
		TipAmount: tip,
		Timestamp: testkit.Epoch.Add(time.Minute),
	}
}

func employee(id string) model.LedgerKey {
	return model.EmployeeKey(id, testkit.Location)
}

func TestAllocateSplitsAndTipsOut(t *testing.T) {
	f := setup(t, allocation.Options{})
	f.busserRule(t)
	testkit.Order(t, f.db, "o1", "alice")
	testkit.Ownership(t, f.db, "o1", "alice", "60", "bob", "40")
	ctx := context.Background()

	res, err := f.pipeline.Allocate(ctx, event("p1", "o1", 1001))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, []share.Share{{EmployeeID: "alice", Amount: 601}, {EmployeeID: "bob", Amount: 400}}, res.Shares)
	require.Len(t, res.TipOuts, 2)

	assert.Equal(t, int64(541), testkit.Balance(t, f.db, employee("alice")))
	assert.Equal(t, int64(360), testkit.Balance(t, f.db, employee("bob")))
	assert.Equal(t, int64(100), testkit.Balance(t, f.db, employee("ben")))
	assert.Equal(t, int64(1001), f.entryTotal(t))

	var txn model.TipTransaction
	require.NoError(t, f.db.First(&txn, "id = ?", res.TransactionID).Error)
	assert.Equal(t, model.TransactionTip, txn.Kind)
	assert.Equal(t, "2024-03-15", txn.BusinessDate)
	for _, e := range res.Entries {
		assert.Equal(t, res.TransactionID, e.TransactionID)
		assert.Equal(t, allocation.Key("p1"), e.OperationKey)
	}
}

func TestAllocateRedeliveryIsNoOp(t *testing.T) {
	f := setup(t, allocation.Options{})
	f.busserRule(t)
	testkit.Order(t, f.db, "o1", "alice")
	ctx := context.Background()

	first, err := f.pipeline.Allocate(ctx, event("p1", "o1", 500))
	require.NoError(t, err)
	entries := f.count(t, &model.TipLedgerEntry{})

	again, err := f.pipeline.Allocate(ctx, event("p1", "o1", 500))
	require.ErrorIs(t, err, model.ErrDuplicateKey)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.TransactionID, again.TransactionID)
	assert.Len(t, again.Entries, len(first.Entries))

	assert.Equal(t, entries, f.count(t, &model.TipLedgerEntry{}))
	assert.Equal(t, int64(1), f.count(t, &model.TipTransaction{}))
	assert.Equal(t, int64(450), testkit.Balance(t, f.db, employee("alice")))
	assert.Equal(t, int64(50), testkit.Balance(t, f.db, employee("ben")))
}

func TestAllocateRoutesPooledPayeeToGroup(t *testing.T) {
	f := setup(t, allocation.Options{})
	f.busserRule(t)
	testkit.Order(t, f.db, "o1", "alice")
	ctx := context.Background()

	group, err := f.pools.CreateGroup(ctx, pool.NewGroup{
		LocationID: testkit.Location,
		Name:       "bussers",
		SplitMode:  model.SplitEqual,
		Members: []pool.Member{
			{EmployeeID: "ben", RoleID: "busser"},
			{EmployeeID: "dan", RoleID: "busser"},
		},
	}, testkit.Epoch)
	require.NoError(t, err)

	res, err := f.pipeline.Allocate(ctx, event("p1", "o1", 1000))
	require.NoError(t, err)
	assert.True(t, res.Routing["ben"].Pooled)
	assert.False(t, res.Routing["alice"].Pooled)

	assert.Equal(t, int64(900), testkit.Balance(t, f.db, employee("alice")))
	assert.Zero(t, testkit.Balance(t, f.db, employee("ben")))
	assert.Equal(t, int64(100), testkit.Balance(t, f.db, model.PoolKey(group.ID, testkit.Location)))
	assert.Equal(t, int64(1000), f.entryTotal(t))

	segments, err := f.pools.Segments(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, int64(100), segments[0].PoolAmount)
	assert.Equal(t, int64(1), f.count(t, &model.TipGroupContribution{}))
}

func TestAllocateFailureWritesNothing(t *testing.T) {
	f := setup(t, allocation.Options{})
	ctx := context.Background()

	testkit.Order(t, f.db, "bad-split", "alice")
	testkit.Ownership(t, f.db, "bad-split", "alice", "60", "bob", "30")
	_, err := f.pipeline.Allocate(ctx, event("p1", "bad-split", 1000))
	assert.ErrorIs(t, err, model.ErrInvalidOwnershipSplit)

	testkit.Order(t, f.db, "ghost-owner", "alice")
	testkit.Ownership(t, f.db, "ghost-owner", "alice", "50", "ghost", "50")
	_, err = f.pipeline.Allocate(ctx, event("p2", "ghost-owner", 1000))
	assert.ErrorIs(t, err, model.ErrLedgerNotFound)

	_, err = f.pipeline.Allocate(ctx, event("p3", "missing", 1000))
	assert.ErrorIs(t, err, model.ErrLedgerNotFound)

	_, err = f.pipeline.Allocate(ctx, event("", "o1", 1000))
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	assert.Zero(t, f.count(t, &model.TipTransaction{}))
	assert.Zero(t, f.count(t, &model.TipLedgerEntry{}))
	assert.Zero(t, f.count(t, &model.TipLedger{}))
}

func TestAllocateProcessingFee(t *testing.T) {
	f := setup(t, allocation.Options{StaffBearsProcessingFee: true})
	testkit.Order(t, f.db, "o1", "alice")
	testkit.Order(t, f.db, "o2", "bob")
	ctx := context.Background()

	ev := event("p1", "o1", 1000)
	ev.ProcessingFee = 30
	_, err := f.pipeline.Allocate(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, int64(970), testkit.Balance(t, f.db, employee("alice")))
	assert.Equal(t, int64(30), testkit.Balance(t, f.db, model.SuspenseKey(testkit.Location)))

	sc := event("p2", "o2", 1000)
	sc.Kind = model.TransactionServiceCharge
	sc.ProcessingFee = 30
	_, err = f.pipeline.Allocate(ctx, sc)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), testkit.Balance(t, f.db, employee("bob")))

	var txn model.TipTransaction
	require.NoError(t, f.db.First(&txn, "payment_id = ?", "p2").Error)
	assert.Equal(t, model.TransactionServiceCharge, txn.Kind)
	assert.Zero(t, txn.ProcessingFee)
}

func TestAllocateZeroTip(t *testing.T) {
	f := setup(t, allocation.Options{})
	testkit.Order(t, f.db, "o1", "alice")

	res, err := f.pipeline.Allocate(context.Background(), event("p1", "o1", 0))
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	assert.Zero(t, f.count(t, &model.TipTransaction{}))
}

func TestSalesBasisTipOutOwedOncePerDay(t *testing.T) {
	f := setup(t, allocation.Options{})
	require.NoError(t, f.db.Create(&model.TipOutRule{
		LocationID:  testkit.Location,
		PayerRoleID: "server",
		PayeeRoleID: "busser",
		Basis:       model.BasisTotalSales,
		Percentage:  decimal.NewFromInt(2),
		Active:      true,
	}).Error)
	require.NoError(t, f.db.Create(&model.ShiftSales{
		EmployeeID:   "alice",
		LocationID:   testkit.Location,
		BusinessDate: "2024-03-15",
		TotalSales:   50000,
	}).Error)
	testkit.Order(t, f.db, "o1", "alice")
	ctx := context.Background()

	// 2% of 50000 is 1000: the first payment covers 1000 of its 2000 tip and
	// the next four owe nothing more.
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		_, err := f.pipeline.Allocate(ctx, event(id, "o1", 2000))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1000), testkit.Balance(t, f.db, employee("ben")))
	assert.Equal(t, int64(9000), testkit.Balance(t, f.db, employee("alice")))

	var ruled int64
	require.NoError(t, f.db.Model(&model.TipLedgerEntry{}).
		Where("source_type = ? AND rule_id IS NOT NULL", model.SourceTipOut).
		Count(&ruled).Error)
	assert.Equal(t, int64(2), ruled)
}

func TestSalesBasisTipOutSpreadsOverSmallTips(t *testing.T) {
	f := setup(t, allocation.Options{})
	require.NoError(t, f.db.Create(&model.TipOutRule{
		LocationID:  testkit.Location,
		PayerRoleID: "server",
		PayeeRoleID: "busser",
		Basis:       model.BasisFoodSales,
		Percentage:  decimal.NewFromInt(5),
		Active:      true,
	}).Error)
	require.NoError(t, f.db.Create(&model.ShiftSales{
		EmployeeID:   "alice",
		LocationID:   testkit.Location,
		BusinessDate: "2024-03-15",
		FoodSales:    10000,
	}).Error)
	testkit.Order(t, f.db, "o1", "alice")
	ctx := context.Background()

	// 5% of 10000 is 500, collected across tips that are each too small.
	for _, id := range []string{"p1", "p2", "p3"} {
		res, err := f.pipeline.Allocate(ctx, event(id, "o1", 200))
		require.NoError(t, err)
		if id == "p3" {
			require.Len(t, res.TipOuts, 1)
			assert.Equal(t, int64(100), res.TipOuts[0].Amount)
		}
	}
	assert.Equal(t, int64(500), testkit.Balance(t, f.db, employee("ben")))
	assert.Equal(t, int64(100), testkit.Balance(t, f.db, employee("alice")))
}

func TestPooledServiceChargeExportsAsServiceCharge(t *testing.T) {
	f := setup(t, allocation.Options{})
	testkit.Order(t, f.db, "o1", "alice")
	ctx := context.Background()

	group, err := f.pools.CreateGroup(ctx, pool.NewGroup{
		LocationID: testkit.Location,
		Name:       "floor",
		SplitMode:  model.SplitEqual,
		Members: []pool.Member{
			{EmployeeID: "alice", RoleID: "server"},
			{EmployeeID: "bob", RoleID: "server"},
		},
	}, testkit.Epoch)
	require.NoError(t, err)

	ev := event("p1", "o1", 1000)
	ev.Kind = model.TransactionServiceCharge
	res, err := f.pipeline.Allocate(ctx, ev)
	require.NoError(t, err)
	segmentID := res.Routing["alice"].SegmentID

	_, err = f.pools.CloseSegment(ctx, segmentID, testkit.Epoch.Add(30*time.Hour))
	require.NoError(t, err)
	_, err = f.pools.SettleSegment(ctx, segmentID)
	require.NoError(t, err)
	assert.Zero(t, testkit.Balance(t, f.db, model.PoolKey(group.ID, testkit.Location)))

	report, err := export.NewExporter(f.store.Entries(), testkit.Logger()).
		Build(ctx, testkit.Location, "2024-03-15", "2024-03-16")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), report.Totals.ServiceCharges)
	assert.Zero(t, report.Totals.Tips)
	assert.Zero(t, report.Totals.AutoGratuity)
	require.Len(t, report.Lines, 2)
	assert.Equal(t, int64(500), report.Lines[0].ServiceCharges)
	assert.Equal(t, int64(500), report.Lines[1].ServiceCharges)
}
