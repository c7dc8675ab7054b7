package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Use modernc.org/sqlite (pure Go, no CGO)
	"gorm.io/driver/sqlite"
	_ "modernc.org/sqlite"
)

const defaultPath = "osdp-nexus.db"

// pragmas applied to every connection. WAL lets the web API read the
// journal while the writer appends.
var pragmas = []struct{ name, stmt string }{
	{"WAL mode", "PRAGMA journal_mode=WAL"},
	{"synchronous mode", "PRAGMA synchronous=NORMAL"},
	{"busy timeout", "PRAGMA busy_timeout=5000"},
}

// DB is the event journal store
type DB struct {
	db  *gorm.DB
	log *logger.Logger
}

// Config holds database configuration
type Config struct {
	Path string // SQLite file; parent directories are created
}

// NewDB opens (or creates) the journal database and migrates its tables
func NewDB(cfg Config, log *logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("database")
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: cfg.Path}, &gorm.Config{
		Logger: gormlogger.New(&gormLogAdapter{log: log}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	// One writer (the journal) plus a few API readers
	sqlDB.SetMaxOpenConns(4)

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p.stmt); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to set %s: %w", p.name, err)
		}
	}

	if err := db.AutoMigrate(&EventRecord{}, &StateTransition{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("Journal database ready", logger.String("path", cfg.Path))
	return &DB{db: db, log: log}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB returns the underlying GORM database instance
func (d *DB) GetDB() *gorm.DB {
	return d.db
}

// Events returns a repository over the journal's event table
func (d *DB) Events() *EventRepository {
	return NewEventRepository(d.db)
}

// Transitions returns a repository over the state transition table
func (d *DB) Transitions() *TransitionRepository {
	return NewTransitionRepository(d.db)
}

// Prune removes events and transitions that occurred before the cutoff, in
// one transaction.
func (d *DB) Prune(before time.Time) (events, transitions int64, err error) {
	err = d.db.Transaction(func(tx *gorm.DB) error {
		var err error
		if events, err = NewEventRepository(tx).DeleteOlderThan(before); err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		if transitions, err = NewTransitionRepository(tx).DeleteOlderThan(before); err != nil {
			return fmt.Errorf("prune transitions: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if events+transitions > 0 {
		d.log.Info("Pruned journal",
			logger.Int64("events", events),
			logger.Int64("transitions", transitions),
			logger.String("before", before.Format(time.RFC3339)))
	}
	return events, transitions, nil
}

// gormLogAdapter routes GORM's slow query and error output to our logger
type gormLogAdapter struct {
	log *logger.Logger
}

func (l *gormLogAdapter) Printf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}
