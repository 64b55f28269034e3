package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/GetwithitMan/gwi-pos-sub000/internal/config"
	"github.com/GetwithitMan/gwi-pos-sub000/internal/model"
)

type Database struct {
	DB *gorm.DB
}

// Models lists every table the engine owns or reads, in migration order.
func Models() []any {
	return []any{
		&model.TipLedger{},
		&model.TipLedgerEntry{},
		&model.TipTransaction{},
		&model.TipGroup{},
		&model.TipGroupMembership{},
		&model.TipGroupSegment{},
		&model.TipGroupSegmentMember{},
		&model.TipGroupContribution{},
		&model.TipDebt{},
		&model.TipAdjustment{},
		&model.ReviewFlag{},
		&model.Role{},
		&model.Employee{},
		&model.Order{},
		&model.OrderOwnership{},
		&model.OrderOwnershipEntry{},
		&model.TipOutRule{},
		&model.ShiftSales{},
		&model.ShiftAssignment{},
	}
}

func New(cfg config.DatabaseConfig, log *logrus.Logger) (*Database, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         Logger(log),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql DB: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite allows a single writer; one connection keeps transactions serialised.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.WithFields(logrus.Fields{
		"driver": cfg.Driver,
		"host":   cfg.Host,
		"db":     cfg.DBName,
	}).Info("connected to database")

	return &Database{DB: db}, nil
}

// Logger routes gorm's slow query and error lines through log. Misses on
// lookups are expected and not logged.
func Logger(log *logrus.Logger) logger.Interface {
	return logger.New(log, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// Migrate creates or updates the schema.
func (d *Database) Migrate() error {
	if err := d.DB.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		)
		return postgres.Open(dsn), nil
	case "mysql":
		dsn := fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName,
		)
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(sqliteDSN(cfg.Path)), nil
	}
	return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.Driver)
}

func sqliteDSN(path string) string {
	switch {
	case path == ":memory:":
		return "file::memory:?cache=shared"
	case strings.Contains(path, "?"):
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}
