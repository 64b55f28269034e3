package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "tip_events", cfg.Rabbit.Queue)
	assert.Equal(t, 5*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 4, cfg.Engine.BusinessDayCutoffHour)
	assert.False(t, cfg.Engine.StaffBearsProcessingFee)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("RABBITMQ_WORKERS", "50")
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "30")
	t.Setenv("BUSINESS_DAY_CUTOFF_HOUR", "-3")
	t.Setenv("STAFF_BEARS_PROCESSING_FEE", "true")
	t.Setenv("RABBITMQ_DEAD_LETTER", "tips.dlx")

	cfg := Load()
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 10, cfg.Rabbit.Workers)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, 0, cfg.Engine.BusinessDayCutoffHour)
	assert.True(t, cfg.Engine.StaffBearsProcessingFee)
	assert.Equal(t, "tips.dlx", cfg.Rabbit.DeadLetterExchange)
}
