package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/adjustment"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/api"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/chargeback"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/collaborator"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/export"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/integrity"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/ledger"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/payout"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/pool"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/repository"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/testkit"
)

type fixture struct {
	db      *gorm.DB
	handler http.Handler
	alice   string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testkit.DB(t)
	log := testkit.Logger()
	testkit.Employees(t, db, "server", "alice", "bob", "carol")

	reader := collaborator.NewReader(db, log)
	store := ledger.NewStore(db, reader, collaborator.UTCCalendar(), log)
	guard := ledger.NewGuard(store, log)
	resolver := chargeback.NewResolver(db, store, guard, log)
	store.SetCreditHook(resolver)

	res, err := store.Post(context.Background(), nil, model.EmployeeKey("alice", testkit.Location),
		[]ledger.EntryInput{{Amount: 1000, SourceType: model.SourcePaymentTip}}, "seed",
		ledger.WithBusinessDate("2024-03-15"))
	require.NoError(t, err)

	srv := api.NewServer(api.Services{
		Store:       store,
		Pools:       pool.NewManager(db, store, guard, reader, log),
		Resolver:    resolver,
		Adjustments: adjustment.NewEngine(db, store, guard, log),
		Payouts:     payout.NewService(store, guard, log),
		Checker:     integrity.NewChecker(db, store, false, log),
		Exporter:    export.NewExporter(store.Entries(), log),
		Reviews:     repository.NewReviewRepository(db, log),
	}, log)
	srv.EnableMetrics()
	return &fixture{db: db, handler: srv.Handler(), alice: res.Ledger.ID}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthAndMetrics(t *testing.T) {
	f := setup(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestLedgerReads(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodGet, "/api/v1/employees/alice/ledgers?location="+testkit.Location, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ledgers []model.TipLedger
	decodeBody(t, rec, &ledgers)
	require.Len(t, ledgers, 1)
	assert.Equal(t, f.alice, ledgers[0].ID)

	rec = f.do(t, http.MethodGet, "/api/v1/ledgers/"+f.alice+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var bal struct {
		Balance int64 `json:"balance"`
	}
	decodeBody(t, rec, &bal)
	assert.Equal(t, int64(1000), bal.Balance)

	rec = f.do(t, http.MethodGet, "/api/v1/ledgers/"+f.alice+"/entries?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page ledger.Page
	decodeBody(t, rec, &page)
	assert.Equal(t, int64(1), page.Total)
	assert.Equal(t, 10, page.Limit)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/ledgers/nope", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/ledgers/"+f.alice+"/entries?limit=x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/employees/alice/ledgers", nil).Code)

	rec = f.do(t, http.MethodPost, "/api/v1/ledgers/"+f.alice+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report integrity.Report
	decodeBody(t, rec, &report)
	assert.True(t, report.OK())
}

func TestPayoutReplaysDuplicates(t *testing.T) {
	f := setup(t)
	body := payout.PayoutRequest{EmployeeID: "alice", LocationID: testkit.Location, Amount: 300, RequestID: "p1"}

	rec := f.do(t, http.MethodPost, "/api/v1/payouts", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/payouts", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))

	rec = f.do(t, http.MethodPost, "/api/v1/payouts",
		payout.PayoutRequest{EmployeeID: "alice", LocationID: testkit.Location, Amount: 5000, RequestID: "p2"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/transfers",
		payout.TransferRequest{FromEmployeeID: "alice", ToEmployeeID: "bob", LocationID: testkit.Location, Amount: 200, RequestID: "t1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, int64(500), testkit.Balance(t, f.db, model.EmployeeKey("alice", testkit.Location)))
	assert.Equal(t, int64(200), testkit.Balance(t, f.db, model.EmployeeKey("bob", testkit.Location)))
}

func TestAdjustment(t *testing.T) {
	f := setup(t)
	body := adjustment.Request{LedgerID: f.alice, Delta: -150, Reason: "overpaid", Actor: "mgr", RequestID: "r1"}

	rec := f.do(t, http.MethodPost, "/api/v1/adjustments", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/v1/adjustments", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/ledgers/"+f.alice+"/adjustments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []model.TipAdjustment
	decodeBody(t, rec, &records)
	assert.Len(t, records, 1)

	rec = f.do(t, http.MethodPost, "/api/v1/adjustments", adjustment.Request{LedgerID: f.alice, Delta: 5, RequestID: "r2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/adjustments", map[string]any{"ledger_id": f.alice, "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, int64(850), testkit.Balance(t, f.db, model.EmployeeKey("alice", testkit.Location)))
}

func TestGroupLifecycle(t *testing.T) {
	f := setup(t)

	rec := f.do(t, http.MethodPost, "/api/v1/groups", map[string]any{
		"location_id": testkit.Location,
		"name":        "bar",
		"split_mode":  model.SplitEqual,
		"members":     []pool.Member{{EmployeeID: "alice", RoleID: "server"}},
		"at":          testkit.Epoch,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var group model.TipGroup
	decodeBody(t, rec, &group)

	rec = f.do(t, http.MethodPost, "/api/v1/groups/"+group.ID+"/join",
		map[string]any{"employee_id": "bob", "role_id": "server", "at": testkit.Epoch.Add(time.Hour)})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/groups/"+group.ID+"/join",
		map[string]any{"employee_id": "alice", "role_id": "server"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/groups/"+group.ID+"/segments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var segments []model.TipGroupSegment
	decodeBody(t, rec, &segments)
	require.Len(t, segments, 2)

	rec = f.do(t, http.MethodPost, "/api/v1/segments/"+segments[1].ID+"/settle", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/segments/"+segments[0].ID+"/settle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Idempotent-Replayed"))
	var first map[string]any
	decodeBody(t, rec, &first)

	rec = f.do(t, http.MethodPost, "/api/v1/segments/"+segments[0].ID+"/settle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
	var again map[string]any
	decodeBody(t, rec, &again)
	assert.Equal(t, first, again)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/v1/groups/"+group.ID+"/close", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/groups/missing/segments", nil).Code)
}

func TestReversalOfUnknownTransaction(t *testing.T) {
	f := setup(t)
	rec := f.do(t, http.MethodPost, "/api/v1/reversals",
		chargeback.Request{TransactionID: "ghost", Policy: model.PolicyBusinessAbsorbs})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/reviews", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var flags []model.ReviewFlag
	decodeBody(t, rec, &flags)
	assert.Len(t, flags, 1)
}

func TestPayrollExport(t *testing.T) {
	f := setup(t)
	base := "/api/v1/payroll/export?location=" + testkit.Location + "&from=2024-03-01&to=2024-03-31"

	rec := f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report export.Report
	decodeBody(t, rec, &report)
	require.Len(t, report.Lines, 1)
	assert.Equal(t, int64(1000), report.Totals.Tips)

	rec = f.do(t, http.MethodGet, base+"&format=xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "spreadsheetml")
	assert.NotZero(t, rec.Body.Len())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, base+"&format=csv", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/payroll/export?from=2024-03-01&to=2024-03-31", nil).Code)
}
