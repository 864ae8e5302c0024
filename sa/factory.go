package sa

import (
	"context"
	"sync"

	"github.com/jmhodges/clock"

	"github.com/sigil-dev/sigil/core"
	"github.com/sigil-dev/sigil/db"
	serrors "github.com/sigil-dev/sigil/errors"
	blog "github.com/sigil-dev/sigil/log"
	"github.com/sigil-dev/sigil/metrics"
)

// FactoryState is the lifecycle state of the repository factory.
type FactoryState int

const (
	StateUninitialized FactoryState = iota
	StateInitializing
	StateReady
	StateClosing
	StateClosed
)

func (s FactoryState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// FactoryConfig selects the backend and the cache behavior.
type FactoryConfig struct {
	DB db.Config
	// CacheEnabled wraps the issuer, badge class, and assertion
	// repositories in the read-through cache.
	CacheEnabled bool
	// CacheMaxEntries bounds each cache family; zero means the default.
	CacheMaxEntries int
	// CreateSchema issues the engine-specific DDL during initialization.
	CreateSchema bool
}

// RepositoryFactory owns the process's one backend connection and hands
// out repository instances. Concurrent initializers share a single
// initialization effort; Close waits for any in-flight initialization
// before releasing resources.
type RepositoryFactory struct {
	clk   clock.Clock
	log   blog.Logger
	stats metrics.Scope

	mu           sync.Mutex
	state        FactoryState
	initDone     chan struct{}
	initErr      error
	dbMap        *db.WrappedMap
	cache        *Cache
	cacheEnabled bool
}

// NewRepositoryFactory returns an uninitialized factory.
func NewRepositoryFactory(clk clock.Clock, logger blog.Logger, stats metrics.Scope) *RepositoryFactory {
	return &RepositoryFactory{
		clk:   clk,
		log:   logger,
		stats: stats,
		state: StateUninitialized,
	}
}

// State reports the current lifecycle state.
func (f *RepositoryFactory) State() FactoryState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Initialize opens the backend and moves the factory to Ready. When an
// initialization is already in flight the caller waits for it and shares
// its outcome; when the factory is already Ready the call is a warned
// no-op.
func (f *RepositoryFactory) Initialize(ctx context.Context, cfg FactoryConfig) error {
	f.mu.Lock()
	switch f.state {
	case StateInitializing:
		done := f.initDone
		f.mu.Unlock()
		select {
		case <-done:
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.initErr
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateReady:
		f.mu.Unlock()
		f.log.Warning("repository factory already initialized", "state", StateReady.String())
		return nil
	case StateClosing:
		f.mu.Unlock()
		return serrors.InternalServerError("repository factory is closing")
	}
	f.state = StateInitializing
	f.initDone = make(chan struct{})
	done := f.initDone
	f.mu.Unlock()

	err := f.open(cfg)

	f.mu.Lock()
	if err != nil {
		f.state = StateUninitialized
	} else {
		f.state = StateReady
	}
	f.initErr = err
	close(done)
	f.mu.Unlock()
	return err
}

func (f *RepositoryFactory) open(cfg FactoryConfig) error {
	dbCfg := cfg.DB
	dbCfg.TypeConverter = NewTypeConverter(dbCfg.Driver)
	wm, err := db.NewDbMap(dbCfg, f.clk, f.log, f.stats)
	if err != nil {
		return err
	}
	initTables(wm.Underlying())
	if cfg.CreateSchema {
		if err := CreateTables(wm); err != nil {
			_ = wm.Close()
			return err
		}
	}

	f.mu.Lock()
	f.dbMap = wm
	f.cacheEnabled = cfg.CacheEnabled
	if cfg.CacheEnabled {
		f.cache = NewCache(cfg.CacheMaxEntries, f.stats.NewScope("cache"))
	}
	f.mu.Unlock()

	f.log.Info("repository factory initialized",
		"driver", dbCfg.Driver, "cache", cfg.CacheEnabled)
	return nil
}

// requireReady returns the backend or an error when the factory is not
// Ready.
func (f *RepositoryFactory) requireReady() (*db.WrappedMap, *Cache, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateReady {
		return nil, nil, false, serrors.InternalServerError(
			"repository factory is %s, not ready", f.state)
	}
	return f.dbMap, f.cache, f.cacheEnabled, nil
}

// NewIssuerRepository constructs the issuer repository, cache-wrapped when
// caching is enabled.
func (f *RepositoryFactory) NewIssuerRepository() (core.IssuerRepository, error) {
	dbMap, cache, cached, err := f.requireReady()
	if err != nil {
		return nil, err
	}
	repo := NewSQLIssuerRepository(dbMap, f.clk, f.log, f.stats)
	if cached {
		return NewCachedIssuerRepository(repo, cache), nil
	}
	return repo, nil
}

// NewBadgeClassRepository constructs the badge class repository,
// cache-wrapped when caching is enabled.
func (f *RepositoryFactory) NewBadgeClassRepository() (core.BadgeClassRepository, error) {
	dbMap, cache, cached, err := f.requireReady()
	if err != nil {
		return nil, err
	}
	repo := NewSQLBadgeClassRepository(dbMap, f.clk, f.log, f.stats)
	if cached {
		return NewCachedBadgeClassRepository(repo, cache), nil
	}
	return repo, nil
}

// NewAssertionRepository constructs the assertion repository,
// cache-wrapped when caching is enabled.
func (f *RepositoryFactory) NewAssertionRepository() (core.AssertionRepository, error) {
	dbMap, cache, cached, err := f.requireReady()
	if err != nil {
		return nil, err
	}
	repo := NewSQLAssertionRepository(dbMap, f.clk, f.log, f.stats)
	if cached {
		return NewCachedAssertionRepository(repo, cache), nil
	}
	return repo, nil
}

// NewStatusListRepository constructs the status list repository. Status
// mutations bypass the cache by design.
func (f *RepositoryFactory) NewStatusListRepository() (core.StatusListRepository, error) {
	dbMap, _, _, err := f.requireReady()
	if err != nil {
		return nil, err
	}
	return NewSQLStatusListRepository(dbMap, f.clk, f.log, f.stats), nil
}

// IsConnected probes the backend with a trivial query.
func (f *RepositoryFactory) IsConnected(ctx context.Context) bool {
	dbMap, _, _, err := f.requireReady()
	if err != nil {
		return false
	}
	return dbMap.Health(ctx).Connected
}

// Health reports the backend diagnostics surface.
func (f *RepositoryFactory) Health(ctx context.Context) (db.Health, error) {
	dbMap, _, _, err := f.requireReady()
	if err != nil {
		return db.Health{}, err
	}
	return dbMap.Health(ctx), nil
}

// Close waits for any in-flight initialization, releases the backend, and
// leaves the factory re-initializable.
func (f *RepositoryFactory) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.state == StateInitializing {
		done := f.initDone
		f.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		f.mu.Lock()
	}
	if f.state != StateReady {
		f.state = StateClosed
		f.mu.Unlock()
		return nil
	}
	f.state = StateClosing
	wm := f.dbMap
	f.mu.Unlock()

	err := wm.Close()

	f.mu.Lock()
	f.dbMap = nil
	f.cache = nil
	f.state = StateClosed
	f.mu.Unlock()

	f.log.Info("repository factory closed")
	return err
}
