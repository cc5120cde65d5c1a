package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoDatabaseConnection is returned when a store is constructed without a
// database connection.
var ErrNoDatabaseConnection = errors.New("database connection is required")

// pingTimeout bounds the initial connectivity check.
const pingTimeout = 5 * time.Second

// Connection wraps the PostgreSQL connection pool. The pool is shared across
// stores and closed by the owner that created it.
type Connection struct {
	*sql.DB
}

// NewConnection opens a PostgreSQL connection pool from config and verifies
// connectivity with a bounded ping.
func NewConnection(config *Config) (*Connection, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid storage config: %w", err)
	}

	db, err := sql.Open("postgres", config.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Connection{DB: db}, nil
}
