// Package store is the persistence layer: queue state, stagings, splits
// and forward-port chains, backed by PostgreSQL via gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides typed access to the database. All methods are safe for
// concurrent use.
type Store struct {
	db *gorm.DB
}

// New wraps an open gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database failed: %w", err)
	}

	return New(db), nil
}

// Migrate applies the SQL migrations from dir.
func (s *Store) Migrate(dir string) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver failed: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		return fmt.Errorf("loading migrations from %s failed: %w", abs, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations failed: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// DB exposes the underlying gorm handle, for components owning their own
// tables.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// WithinTx runs fn in a database transaction. The *Store passed to fn is
// scoped to the transaction, fn returning an error rolls back.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// ErrNotFound is returned by lookups for missing records.
var ErrNotFound = gorm.ErrRecordNotFound
