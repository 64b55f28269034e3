package database_test

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/config"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/database"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
)

func TestRecordNotFoundIsNotLogged(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)

	db, err := database.New(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   "file:not_found_quiet?mode=memory&cache=shared",
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	buf.Reset()

	var ledger model.TipLedger
	err = db.DB.Where("owner_id = ?", "nobody").First(&ledger).Error
	require.Error(t, err)
	assert.Empty(t, buf.String())

	err = db.DB.Exec("SELECT * FROM no_such_table").Error
	require.Error(t, err)
	assert.Contains(t, buf.String(), "no_such_table")
}
