package database

import (
	"fmt"
	"time"

	"github.com/zfogg/livecache/internal/logger"
	"github.com/zfogg/livecache/internal/telemetry"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB holds the database connection
var DB *gorm.DB

// Config selects and tunes the SQL backend
type Config struct {
	// Driver is "sqlite" or "postgres"
	Driver string
	DSN    string
	// Debug logs every statement
	Debug bool
}

// Open connects to the configured database and applies pool settings
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	system := cfg.Driver
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
		system = "postgresql"
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
		system = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	gormLogger := gormlogger.Default.LogMode(gormlogger.Warn)
	if cfg.Debug {
		gormLogger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Use(telemetry.GORMTracingPlugin(system)); err != nil {
		return nil, fmt.Errorf("failed to install tracing plugin: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if system == "sqlite" {
		// one connection keeps an in-memory database shared and writers serial
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(0)
		// subtree queries use LIKE, which sqlite folds ASCII case for by default
		if err := db.Exec("PRAGMA case_sensitive_like = ON").Error; err != nil {
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	logger.Log.Info("Database connected", zap.String("driver", system))
	return db, nil
}

// Initialize opens the process-wide connection and migrates it
func Initialize(cfg Config) error {
	db, err := Open(cfg)
	if err != nil {
		return err
	}
	if err := Migrate(db); err != nil {
		return err
	}
	DB = db
	return nil
}

// Migrate creates the node, revision and change tables
func Migrate(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := db.AutoMigrate(&Node{}, &Revision{}, &Change{}); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Log.Debug("Database migrations completed")
	return nil
}

// Close closes the process-wide connection
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health checks database connectivity
func Health() error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
