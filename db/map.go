// Package db owns the connection/pool lifecycle for the SQL backends and
// the small set of database helpers the repositories build on: the gorp
// DbMap construction with per-engine dialects, transactions, driver error
// classification, and pagination bounds.
package db

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	gorp "gopkg.in/go-gorp/gorp.v2"

	// Load all three drivers so any dialect in dialectMap can be configured.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	serrors "github.com/sigil-dev/sigil/errors"
	blog "github.com/sigil-dev/sigil/log"
	"github.com/sigil-dev/sigil/metrics"
)

var dialectMap = map[string]gorp.Dialect{
	"sqlite3":  gorp.SqliteDialect{},
	"mysql":    gorp.MySQLDialect{Engine: "InnoDB", Encoding: "UTF8"},
	"postgres": gorp.PostgresDialect{},
}

// Config carries everything needed to open one backend.
type Config struct {
	// Driver is one of sqlite3, mysql, postgres.
	Driver string
	// DSN is the driver-native connection string. For SQLite it already
	// carries the pragma parameters (_busy_timeout, _synchronous,
	// _cache_size, _foreign_keys).
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	IdleTimeout     time.Duration
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration

	// TypeConverter translates domain types to the engine's column types;
	// it is installed on the gorp DbMap.
	TypeConverter gorp.TypeConverter
}

// Executor is the subset of gorp.SqlExecutor the repositories use. By
// convention, any function that takes an Executor expects that a context
// has already been applied via WithContext.
type Executor interface {
	SelectOne(holder interface{}, query string, args ...interface{}) error
	Select(holder interface{}, query string, args ...interface{}) ([]interface{}, error)
	SelectInt(query string, args ...interface{}) (int64, error)
	Insert(list ...interface{}) error
	Update(list ...interface{}) (int64, error)
	Delete(list ...interface{}) (int64, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// Health is the diagnostics surface of one backend connection.
type Health struct {
	Connected          bool
	ResponseTime       time.Duration
	Uptime             time.Duration
	ConnectionAttempts int64
	LastError          string
	Configuration      map[string]interface{}
}

// WrappedMap owns one gorp DbMap plus the connection bookkeeping for the
// health probe. It is the only process-wide database resource; the
// repository factory creates exactly one.
type WrappedMap struct {
	dbMap  *gorp.DbMap
	driver string
	cfg    Config
	clk    clock.Clock
	log    blog.Logger
	stats  metrics.Scope
	opened time.Time

	mu       sync.Mutex
	attempts int64
	lastErr  string
}

// NewDbMap opens the configured backend, applies the pool limits, verifies
// connectivity, and returns the wrapped root mapping object.
func NewDbMap(cfg Config, clk clock.Clock, logger blog.Logger, stats metrics.Scope) (*WrappedMap, error) {
	dialect, ok := dialectMap[cfg.Driver]
	if !ok {
		return nil, serrors.ValidationError("no dialect registered for driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, serrors.BackendUnavailableError("opening %s database: %s", cfg.Driver, err)
	}

	maxOpen := cfg.MaxOpenConns
	if cfg.Driver == "sqlite3" {
		// SQLite supports one writer; a single pooled connection avoids
		// SQLITE_BUSY churn and makes the in-memory DSN usable.
		maxOpen = 1
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	wm := &WrappedMap{
		dbMap:  &gorp.DbMap{Db: db, Dialect: dialect, TypeConverter: cfg.TypeConverter},
		driver: cfg.Driver,
		cfg:    cfg,
		clk:    clk,
		log:    logger,
		stats:  stats,
		opened: clk.Now(),
	}

	pingCtx := context.Background()
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(pingCtx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := wm.ping(pingCtx); err != nil {
		_ = db.Close()
		return nil, serrors.BackendUnavailableError("connecting to %s database: %s", cfg.Driver, err)
	}

	logger.Info("connected to database", "driver", cfg.Driver, "dsn", blog.Redact(cfg.DSN))
	return wm, nil
}

func (m *WrappedMap) ping(ctx context.Context) error {
	m.mu.Lock()
	m.attempts++
	m.stats.Inc("db.connection_attempts", 1)
	m.mu.Unlock()

	err := m.dbMap.Db.PingContext(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.lastErr = err.Error()
	}
	return err
}

// WithContext applies ctx to subsequent queries and returns the executor
// the repositories run on. This, Begin, and the transaction helpers are the
// only suspension points of the storage layer.
func (m *WrappedMap) WithContext(ctx context.Context) Executor {
	return m.dbMap.WithContext(ctx)
}

// Driver returns the configured driver name.
func (m *WrappedMap) Driver() string {
	return m.driver
}

// Underlying exposes the gorp DbMap for table registration and schema DDL.
// Repositories must not query through it directly.
func (m *WrappedMap) Underlying() *gorp.DbMap {
	return m.dbMap
}

// Health probes the backend with a trivial query and reports the
// connection diagnostics.
func (m *WrappedMap) Health(ctx context.Context) Health {
	begin := m.clk.Now()
	_, err := m.dbMap.WithContext(ctx).SelectInt("SELECT 1")
	took := m.clk.Now().Sub(begin)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if err != nil {
		m.lastErr = err.Error()
	}
	m.stats.TimingDuration("db.health_probe", took)

	return Health{
		Connected:          err == nil,
		ResponseTime:       took,
		Uptime:             m.clk.Now().Sub(m.opened),
		ConnectionAttempts: m.attempts,
		LastError:          m.lastErr,
		Configuration: map[string]interface{}{
			"driver":          m.driver,
			"maxOpenConns":    m.cfg.MaxOpenConns,
			"maxIdleConns":    m.cfg.MaxIdleConns,
			"idleTimeout":     m.cfg.IdleTimeout.String(),
			"connMaxLifetime": m.cfg.ConnMaxLifetime.String(),
		},
	}
}

// Close releases the underlying pool.
func (m *WrappedMap) Close() error {
	return m.dbMap.Db.Close()
}
