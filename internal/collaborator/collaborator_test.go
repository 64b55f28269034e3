package collaborator_test

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/collaborator"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/testkit"
)

func TestBusinessDateCutoff(t *testing.T) {
	cal, err := collaborator.NewBusinessCalendar("America/New_York", 4)
	require.NoError(t, err)

	// 06:30 UTC is 02:30 in New York during daylight time: still the previous day.
	assert.Equal(t, "2024-07-09", cal.BusinessDate(time.Date(2024, 7, 10, 6, 30, 0, 0, time.UTC)))
	assert.Equal(t, "2024-07-10", cal.BusinessDate(time.Date(2024, 7, 10, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-07-10", collaborator.UTCCalendar().BusinessDate(time.Date(2024, 7, 10, 0, 0, 0, 0, time.UTC)))

	_, err = collaborator.NewBusinessCalendar("Mars/Olympus", 4)
	assert.Error(t, err)

	_, err = collaborator.ParseDate("2024-02-30")
	assert.Error(t, err)
}

func TestReader(t *testing.T) {
	db := testkit.DB(t)
	log := testkit.Logger()
	r := collaborator.NewReader(db, log)
	ctx := context.Background()

	testkit.Employees(t, db, "server", "alice")
	testkit.Role(t, db, "bar", "1.5")
	testkit.OnDuty(t, db, "busser", "zed", "ben")

	ok, err := r.EmployeeExists(ctx, "alice", testkit.Location)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.EmployeeExists(ctx, "alice", "elsewhere")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Employee(ctx, "ghost", testkit.Location)
	assert.True(t, model.IsNotFound(err))

	w, err := r.RoleWeight(ctx, "bar")
	require.NoError(t, err)
	assert.True(t, w.Equal(decimal.RequireFromString("1.5")))
	w, err = r.RoleWeight(ctx, "unknown")
	require.NoError(t, err)
	assert.True(t, w.Equal(decimal.NewFromInt(1)))

	order, err := r.Order(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, order)

	sales, err := r.ShiftSales(ctx, "alice", testkit.Location, "2024-03-15")
	require.NoError(t, err)
	assert.Zero(t, sales.TotalSales)
	assert.Equal(t, "2024-03-15", sales.BusinessDate)

	ids, err := r.OnDuty(ctx, testkit.Location, "busser", testkit.Epoch)
	require.NoError(t, err)
	assert.Equal(t, []string{"ben", "zed"}, ids)
	ids, err = r.OnDuty(ctx, testkit.Location, "busser", testkit.Epoch.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)

	for i, prio := range []int{2, 1} {
		require.NoError(t, db.Create(&model.TipOutRule{
			LocationID:  testkit.Location,
			PayerRoleID: "server",
			PayeeRoleID: "busser",
			Basis:       model.BasisTips,
			Percentage:  decimal.NewFromInt(int64(i + 1)),
			Priority:    prio,
			Active:      true,
		}).Error)
	}
	rules, err := r.RulesForRole(ctx, testkit.Location, "server")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, 1, rules[0].Priority)
}
