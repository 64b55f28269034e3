package export_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/collaborator"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/export"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/testkit"
)

func post(t *testing.T, db *gorm.DB, store *ledger.Store, employeeID string, kind model.TransactionKind, amount int64, date, key string) {
	t.Helper()
	opts := []ledger.PostOption{ledger.WithBusinessDate(date)}
	source := model.SourcePaymentTip
	if kind != "" {
		txn := &model.TipTransaction{
			PaymentID:    key,
			OrderID:      key,
			LocationID:   testkit.Location,
			Kind:         kind,
			TotalAmount:  amount,
			OperationKey: key,
			BusinessDate: date,
			OccurredAt:   testkit.Epoch,
		}
		require.NoError(t, db.Create(txn).Error)
		opts = append(opts, ledger.WithTransaction(txn.ID))
	} else {
		source = model.SourcePayout
	}
	_, err := store.Post(context.Background(), nil, model.EmployeeKey(employeeID, testkit.Location),
		[]ledger.EntryInput{{Amount: amount, SourceType: source}}, key, opts...)
	require.NoError(t, err)
}

func setup(t *testing.T) *export.Exporter {
	t.Helper()
	db := testkit.DB(t)
	log := testkit.Logger()
	testkit.Employees(t, db, "server", "alice", "bob")
	store := ledger.NewStore(db, collaborator.NewReader(db, log), collaborator.UTCCalendar(), log)

	post(t, db, store, "alice", model.TransactionTip, 1000, "2024-03-15", "k1")
	post(t, db, store, "alice", model.TransactionServiceCharge, 500, "2024-03-15", "k2")
	post(t, db, store, "bob", model.TransactionAutoGratuity, 300, "2024-03-16", "k3")
	post(t, db, store, "alice", "", -200, "2024-03-16", "k4")
	post(t, db, store, "bob", model.TransactionTip, 999, "2024-03-20", "k5")
	return export.NewExporter(store.Entries(), log)
}

func TestBuildSeparatesKinds(t *testing.T) {
	exp := setup(t)

	report, err := exp.Build(context.Background(), testkit.Location, "2024-03-15", "2024-03-16")
	require.NoError(t, err)
	require.Len(t, report.Lines, 2)

	alice := report.Lines[0]
	assert.Equal(t, "alice", alice.EmployeeID)
	assert.Equal(t, int64(1000), alice.Tips)
	assert.Equal(t, int64(500), alice.ServiceCharges)
	assert.Equal(t, int64(200), alice.PaidOut)
	assert.Equal(t, int64(1300), alice.Net)
	assert.Equal(t, int64(1500), alice.BySource[model.SourcePaymentTip])

	bob := report.Lines[1]
	assert.Equal(t, int64(300), bob.AutoGratuity)
	assert.Zero(t, bob.Tips)

	assert.Equal(t, int64(1600), report.Totals.Net)
	assert.Equal(t, int64(1000), report.Totals.Tips)

	var buf bytes.Buffer
	require.NoError(t, export.WriteJSON(&buf, report))
	var decoded export.Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, report.Totals.Net, decoded.Totals.Net)
}

func TestBuildValidatesRange(t *testing.T) {
	exp := setup(t)
	ctx := context.Background()

	_, err := exp.Build(ctx, testkit.Location, "2024-03-16", "2024-03-15")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = exp.Build(ctx, testkit.Location, "15/03/2024", "2024-03-15")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
	_, err = exp.Build(ctx, "", "2024-03-15", "2024-03-15")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestWriteXLSX(t *testing.T) {
	exp := setup(t)
	report, err := exp.Build(context.Background(), testkit.Location, "2024-03-01", "2024-03-31")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, export.WriteXLSX(&buf, report))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Payroll")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Employee", rows[0][0])
	assert.Equal(t, "alice", rows[1][0])
	assert.Equal(t, "bob", rows[2][0])
	assert.Equal(t, "TOTAL", rows[3][0])

	sources, err := f.GetRows("By source")
	require.NoError(t, err)
	assert.Len(t, sources, 4)
}
