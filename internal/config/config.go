package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Database  DatabaseConfig
	Rabbit    RabbitConfig
	Reconcile ReconcileConfig
	HTTP      HTTPConfig
	Engine    EngineConfig
	Log       LogConfig
}

type DatabaseConfig struct {
	Driver       string // postgres, mysql or sqlite
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	SSLMode      string
	Path         string // sqlite file, ":memory:" allowed
	MaxOpenConns int
	MaxIdleConns int
}

type RabbitConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
	Queue    string
	Prefetch int
	Workers  int
	// Exchange receiving events rejected without requeue; empty disables it.
	DeadLetterExchange string
}

// ReconcileConfig drives the periodic integrity sweep.
type ReconcileConfig struct {
	Interval    time.Duration
	BatchSize   int
	AutoCorrect bool
}

type HTTPConfig struct {
	Addr           string
	MetricsEnabled bool
}

type EngineConfig struct {
	// Hour of day (location time) at which a new business day begins.
	BusinessDayCutoffHour int
	TimeZone              string
	// When true the card processing fee is taken out of the tip before it is split.
	StaffBearsProcessingFee bool
	MaxRetries              int
}

type LogConfig struct {
	Level  string
	Format string
}

var defaults = map[string]any{
	"DB_DRIVER":                  "postgres",
	"DB_HOST":                    "localhost",
	"DB_PORT":                    5432,
	"DB_USER":                    "postgres",
	"DB_PASSWORD":                "postgres",
	"DB_NAME":                    "tip_ledger",
	"DB_SSLMODE":                 "disable",
	"DB_PATH":                    "tip_ledger.db",
	"DB_MAX_OPEN_CONNS":          100,
	"DB_MAX_IDLE_CONNS":          25,
	"RABBITMQ_ENABLED":           true,
	"RABBITMQ_HOST":              "localhost",
	"RABBITMQ_PORT":              5672,
	"RABBITMQ_USER":              "guest",
	"RABBITMQ_PASSWORD":          "guest",
	"RABBITMQ_VHOST":             "/",
	"RABBITMQ_QUEUE":             "tip_events",
	"RABBITMQ_PREFETCH":          50,
	"RABBITMQ_WORKERS":           5,
	"RABBITMQ_DEAD_LETTER":       "",
	"RECONCILE_INTERVAL_SECONDS": 300,
	"RECONCILE_BATCH_SIZE":       500,
	"RECONCILE_AUTO_CORRECT":     false,
	"HTTP_ADDR":                  ":8080",
	"METRICS_ENABLED":            true,
	"BUSINESS_DAY_CUTOFF_HOUR":   4,
	"BUSINESS_TIMEZONE":          "UTC",
	"STAFF_BEARS_PROCESSING_FEE": false,
	"PROCESSING_MAX_RETRIES":     3,
	"LOG_LEVEL":                  "info",
	"LOG_FORMAT":                 "json",
}

// Load reads configuration from the environment. A .env file in the working
// directory, if present, is loaded first and never overrides real variables.
func Load() *Config {
	_ = godotenv.Load()

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	return &Config{
		Database: DatabaseConfig{
			Driver:       v.GetString("DB_DRIVER"),
			Host:         v.GetString("DB_HOST"),
			Port:         v.GetInt("DB_PORT"),
			User:         v.GetString("DB_USER"),
			Password:     v.GetString("DB_PASSWORD"),
			DBName:       v.GetString("DB_NAME"),
			SSLMode:      v.GetString("DB_SSLMODE"),
			Path:         v.GetString("DB_PATH"),
			MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		},
		Rabbit: RabbitConfig{
			Enabled:  v.GetBool("RABBITMQ_ENABLED"),
			Host:     v.GetString("RABBITMQ_HOST"),
			Port:     v.GetInt("RABBITMQ_PORT"),
			User:     v.GetString("RABBITMQ_USER"),
			Password: v.GetString("RABBITMQ_PASSWORD"),
			VHost:    v.GetString("RABBITMQ_VHOST"),
			Queue:    v.GetString("RABBITMQ_QUEUE"),
			Prefetch: v.GetInt("RABBITMQ_PREFETCH"),
			Workers:  clamp(v.GetInt("RABBITMQ_WORKERS"), 1, 10),

			DeadLetterExchange: v.GetString("RABBITMQ_DEAD_LETTER"),
		},
		Reconcile: ReconcileConfig{
			Interval:    time.Duration(v.GetInt("RECONCILE_INTERVAL_SECONDS")) * time.Second,
			BatchSize:   v.GetInt("RECONCILE_BATCH_SIZE"),
			AutoCorrect: v.GetBool("RECONCILE_AUTO_CORRECT"),
		},
		HTTP: HTTPConfig{
			Addr:           v.GetString("HTTP_ADDR"),
			MetricsEnabled: v.GetBool("METRICS_ENABLED"),
		},
		Engine: EngineConfig{
			BusinessDayCutoffHour:   clamp(v.GetInt("BUSINESS_DAY_CUTOFF_HOUR"), 0, 23),
			TimeZone:                v.GetString("BUSINESS_TIMEZONE"),
			StaffBearsProcessingFee: v.GetBool("STAFF_BEARS_PROCESSING_FEE"),
			MaxRetries:              clamp(v.GetInt("PROCESSING_MAX_RETRIES"), 1, 10),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}
}

func clamp(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
