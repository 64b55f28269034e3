// Package testkit builds in-memory databases and reference data for package
// tests.
package testkit

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/database"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
)

// Location is the default location used by fixtures.
const Location = "loc-1"

// Epoch is a fixed instant tests schedule shifts and memberships around.
var Epoch = time.Date(2024, 3, 15, 18, 0, 0, 0, time.UTC)

// DB opens a fresh migrated database private to the test.
func DB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "_" + uuid.NewString()[:8]
	db, err := database.OpenMemory(name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db.DB
}

func Logger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// Employees registers employees with a role at Location.
func Employees(t *testing.T, db *gorm.DB, roleID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, db.Create(&model.Employee{ID: id, LocationID: Location, RoleID: roleID, Active: true}).Error)
	}
}

func Role(t *testing.T, db *gorm.DB, id string, weight string) {
	t.Helper()
	require.NoError(t, db.Create(&model.Role{ID: id, Name: id, TipWeight: decimal.RequireFromString(weight)}).Error)
}

// OnDuty puts employees on a role from Epoch minus one hour, open ended.
func OnDuty(t *testing.T, db *gorm.DB, roleID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, db.Create(&model.ShiftAssignment{
			EmployeeID: id,
			LocationID: Location,
			RoleID:     roleID,
			StartsAt:   Epoch.Add(-time.Hour),
		}).Error)
	}
}

// Order registers an order owned by primary.
func Order(t *testing.T, db *gorm.DB, id, primary string) {
	t.Helper()
	require.NoError(t, db.Create(&model.Order{ID: id, LocationID: Location, PrimaryEmployeeID: primary}).Error)
}

// Ownership adds a co-ownership record, alternating employee id and percentage.
func Ownership(t *testing.T, db *gorm.DB, orderID string, pairs ...string) {
	t.Helper()
	o := model.OrderOwnership{OrderID: orderID}
	for i := 0; i+1 < len(pairs); i += 2 {
		o.Entries = append(o.Entries, model.OrderOwnershipEntry{
			EmployeeID: pairs[i],
			Percentage: decimal.RequireFromString(pairs[i+1]),
		})
	}
	require.NoError(t, db.Create(&o).Error)
}

// Balance reads a ledger balance straight from the table.
func Balance(t *testing.T, db *gorm.DB, key model.LedgerKey) int64 {
	t.Helper()
	var l model.TipLedger
	err := db.Where("kind = ? AND owner_id = ? AND location_id = ?", key.Kind, key.OwnerID, key.LocationID).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0
	}
	require.NoError(t, err)
	return l.Balance
}

// EntrySum sums a ledger's entries.
func EntrySum(t *testing.T, db *gorm.DB, key model.LedgerKey) int64 {
	t.Helper()
	var sum int64
	require.NoError(t, db.Table("tip_ledger_entries AS e").
		Select("COALESCE(SUM(e.amount), 0)").
		Joins("JOIN tip_ledgers AS l ON l.id = e.ledger_id").
		Where("l.kind = ? AND l.owner_id = ? AND l.location_id = ?", key.Kind, key.OwnerID, key.LocationID).
		Scan(&sum).Error)
	return sum
}
