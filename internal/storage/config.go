package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/Parthchavann/ecommerce-funnel-dashboard/internal/config"
)

// Pool defaults sized for the archiver's write rate plus occasional history
// queries; both are low-volume next to the in-memory pipeline.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// ErrDatabaseURLEmpty is returned by Validate when no DATABASE_URL is set.
// Callers treat it as "archive disabled", not as a failure: the engine is
// fully functional in memory.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config holds the archive database connection settings. The URL stays
// unexported so it can only leave this package masked.
type Config struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig reads the archive database settings from DATABASE_* environment
// variables, falling back to the pool defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// Validate reports whether a database is configured at all. A blank or
// whitespace-only URL yields ErrDatabaseURLEmpty.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaskDatabaseURL returns the URL with any password replaced by "***" so it
// can be logged. URLs without userinfo or without a password pass through
// unchanged, as do strings that are not URLs at all.
func (c *Config) MaskDatabaseURL() string {
	scheme, rest, ok := strings.Cut(c.databaseURL, "://")
	if !ok {
		return c.databaseURL
	}

	// The last @ separates userinfo from host: passwords may themselves
	// contain @.
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return c.databaseURL
	}

	user, password, ok := strings.Cut(rest[:at], ":")
	if !ok || password == "" {
		return c.databaseURL
	}

	return scheme + "://" + user + ":***" + rest[at:]
}
