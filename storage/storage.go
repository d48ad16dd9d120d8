// Package storage opens the relational database and runs migrations.
package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chatpay/storage/models"
)

// Options controls how the database is opened.
type Options struct {
	// URL is the primary DSN. postgres:// URLs use the postgres driver,
	// sqlite:// and file: URLs the embedded sqlite driver.
	URL string
	// SQLiteFallback opens an on-disk sqlite database when URL is empty or
	// the postgres connection cannot be established.
	SQLiteFallback bool
	// FallbackPath is the sqlite file used when falling back.
	FallbackPath string
	// Echo enables SQL statement logging.
	Echo bool
	// Log receives fallback notices.
	Log *slog.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(opts Options) (*gorm.DB, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if opts.Echo {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := open(opts.URL, cfg)
	if err != nil {
		if !opts.SQLiteFallback {
			return nil, err
		}
		path := opts.FallbackPath
		if path == "" {
			path = "chatpay.db"
		}
		log.Warn("primary database unavailable, using sqlite fallback", "path", path, "error", err)
		db, err = gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, fmt.Errorf("storage: sqlite fallback: %w", err)
		}
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return db, nil
}

func open(url string, cfg *gorm.Config) (*gorm.DB, error) {
	switch {
	case url == "":
		return nil, fmt.Errorf("storage: empty database url")
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return gorm.Open(postgres.Open(url), cfg)
	case strings.HasPrefix(url, "sqlite://"):
		return gorm.Open(sqlite.Open(strings.TrimPrefix(url, "sqlite://")), cfg)
	default:
		return gorm.Open(sqlite.Open(url), cfg)
	}
}

// OpenTest opens an isolated in-memory database for tests.
func OpenTest() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
