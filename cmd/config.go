// Package cmd collects the configuration plumbing shared by the service
// binaries: the JSON config file shape, struct-tag validation, and the
// small process helpers.
package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	validator "github.com/letsencrypt/validator/v10"

	"github.com/sigil-dev/sigil/db"
	serrors "github.com/sigil-dev/sigil/errors"
)

// Config stores configuration parameters for the storage service, decoded
// from one JSON file.
type Config struct {
	SA SAConfig `validate:"required"`

	// DebugAddr is where the metrics/debug HTTP listener binds.
	DebugAddr string `validate:"omitempty,hostname_port"`
}

// SAConfig configures the storage authority: backend, cache, and schema
// bootstrap.
type SAConfig struct {
	DB    DBConfig    `validate:"required"`
	Cache CacheConfig `validate:"-"`

	// CreateSchema issues the engine-specific DDL at startup.
	CreateSchema bool
}

// DBConfig carries every backend knob. Defaults are applied by
// applyDefaults, not by the decoder.
type DBConfig struct {
	// Type selects the backend.
	Type string `validate:"required,oneof=postgresql sqlite"`

	// ConnectionString is the Postgres DSN. Required when Type is
	// postgresql.
	ConnectionString string `validate:"required_if=Type postgresql"`

	// SQLiteFile is a path or :memory:. Required when Type is sqlite.
	SQLiteFile string `validate:"required_if=Type sqlite"`
	// SQLiteBusyTimeout is in milliseconds.
	SQLiteBusyTimeout int    `validate:"omitempty,min=0"`
	SQLiteSyncMode    string `validate:"omitempty,oneof=OFF NORMAL FULL"`
	// SQLiteCacheSize is in pages.
	SQLiteCacheSize int `validate:"omitempty,min=0"`

	MaxOpenConns       int `validate:"omitempty,min=1"`
	MaxIdleConns       int `validate:"omitempty,min=0"`
	IdleTimeoutSec     int `validate:"omitempty,min=1"`
	ConnectTimeoutSec  int `validate:"omitempty,min=1"`
	MaxLifetimeSec     int `validate:"omitempty,min=1"`
}

// CacheConfig switches the read-through repository cache.
type CacheConfig struct {
	// Enabled defaults to true; use the pointer form in JSON to turn it
	// off explicitly.
	Enabled    *bool
	MaxEntries int `validate:"omitempty,min=1"`
}

// CacheEnabled resolves the default.
func (c CacheConfig) CacheEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

const (
	defaultSQLiteBusyTimeout = 5000
	defaultSQLiteSyncMode    = "NORMAL"
	defaultSQLiteCacheSize   = 10000
	defaultMaxOpenConns      = 20
	defaultIdleTimeoutSec    = 30
	defaultConnectTimeoutSec = 10
	defaultMaxLifetimeSec    = 3600
)

func (c *DBConfig) applyDefaults() {
	if c.SQLiteBusyTimeout == 0 {
		c.SQLiteBusyTimeout = defaultSQLiteBusyTimeout
	}
	if c.SQLiteSyncMode == "" {
		c.SQLiteSyncMode = defaultSQLiteSyncMode
	}
	if c.SQLiteCacheSize == 0 {
		c.SQLiteCacheSize = defaultSQLiteCacheSize
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.IdleTimeoutSec == 0 {
		c.IdleTimeoutSec = defaultIdleTimeoutSec
	}
	if c.ConnectTimeoutSec == 0 {
		c.ConnectTimeoutSec = defaultConnectTimeoutSec
	}
	if c.MaxLifetimeSec == 0 {
		c.MaxLifetimeSec = defaultMaxLifetimeSec
	}
}

// DriverAndDSN maps the config onto a driver name and connection string.
// SQLite pragmas travel as DSN parameters so every pooled connection gets
// them.
func (c *DBConfig) DriverAndDSN() (string, string, error) {
	c.applyDefaults()
	switch c.Type {
	case "postgresql":
		return "postgres", c.ConnectionString, nil
	case "sqlite":
		params := url.Values{}
		params.Set("_busy_timeout", fmt.Sprintf("%d", c.SQLiteBusyTimeout))
		params.Set("_synchronous", c.SQLiteSyncMode)
		params.Set("_cache_size", fmt.Sprintf("%d", c.SQLiteCacheSize))
		params.Set("_foreign_keys", "on")
		file := c.SQLiteFile
		if file == ":memory:" {
			file = "file::memory:"
		} else {
			file = "file:" + file
		}
		return "sqlite3", file + "?" + params.Encode(), nil
	default:
		return "", "", serrors.ValidationError("unknown database type %q", c.Type)
	}
}

// BackendConfig resolves the full db.Config for the configured backend.
func (c *DBConfig) BackendConfig() (db.Config, error) {
	driver, dsn, err := c.DriverAndDSN()
	if err != nil {
		return db.Config{}, err
	}
	return db.Config{
		Driver:          driver,
		DSN:             dsn,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		IdleTimeout:     time.Duration(c.IdleTimeoutSec) * time.Second,
		ConnMaxLifetime: time.Duration(c.MaxLifetimeSec) * time.Second,
		ConnectTimeout:  time.Duration(c.ConnectTimeoutSec) * time.Second,
	}, nil
}

// ReadConfigFile decodes the JSON config at path into out and validates
// it.
func ReadConfigFile(path string, out interface{}) error {
	configData, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if err := json.Unmarshal(configData, out); err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return ValidateConfig(out)
}

// ValidateConfig runs the struct-tag validation rules over a decoded
// config.
func ValidateConfig(cfg interface{}) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return serrors.ValidationError("invalid configuration: %s", err)
	}
	return nil
}
