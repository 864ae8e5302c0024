package db

import (
	"context"
	"testing"

	"github.com/jmhodges/clock"

	blog "github.com/sigil-dev/sigil/log"
	"github.com/sigil-dev/sigil/metrics"
	"github.com/sigil-dev/sigil/test"
)

func fakeClock() clock.Clock {
	return clock.NewFake()
}

func testLogger() blog.Logger {
	return blog.NewMock().Logger
}

func testScope() metrics.Scope {
	return metrics.NewNoopScope()
}

func memConfig() Config {
	return Config{
		Driver: "sqlite3",
		DSN:    ":memory:",
	}
}

func TestNewDbMapConnects(t *testing.T) {
	wm, err := NewDbMap(memConfig(), fakeClock(), testLogger(), testScope())
	test.AssertNotError(t, err, "opening in-memory sqlite")
	defer func() { _ = wm.Close() }()

	test.AssertEquals(t, wm.Driver(), "sqlite3")

	health := wm.Health(context.Background())
	test.Assert(t, health.Connected, "fresh map should be connected")
	test.Assert(t, health.ConnectionAttempts >= 2, "open ping plus probe should be counted")
	test.AssertEquals(t, health.Configuration["driver"], "sqlite3")
}

func TestWithTransactionCommit(t *testing.T) {
	wm, err := NewDbMap(memConfig(), fakeClock(), testLogger(), testScope())
	test.AssertNotError(t, err, "opening in-memory sqlite")
	defer func() { _ = wm.Close() }()

	_, err = wm.WithContext(context.Background()).Exec(
		"CREATE TABLE things (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	test.AssertNotError(t, err, "creating table")

	result, err := WithTransaction(context.Background(), wm, func(tx Executor) (interface{}, error) {
		if _, err := tx.Exec("INSERT INTO things (name) VALUES (:name)",
			map[string]interface{}{"name": "widget"}); err != nil {
			return nil, err
		}
		return tx.SelectInt("SELECT COUNT(1) FROM things")
	})
	test.AssertNotError(t, err, "transaction failed")
	test.AssertEquals(t, result.(int64), int64(1))
}

func TestWithTransactionRollsBack(t *testing.T) {
	wm, err := NewDbMap(memConfig(), fakeClock(), testLogger(), testScope())
	test.AssertNotError(t, err, "opening in-memory sqlite")
	defer func() { _ = wm.Close() }()

	_, err = wm.WithContext(context.Background()).Exec(
		"CREATE TABLE things (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	test.AssertNotError(t, err, "creating table")

	_, err = WithTransaction(context.Background(), wm, func(tx Executor) (interface{}, error) {
		if _, err := tx.Exec("INSERT INTO things (name) VALUES (:name)",
			map[string]interface{}{"name": "widget"}); err != nil {
			return nil, err
		}
		// Violate the NOT NULL constraint so the insert above must not
		// survive.
		_, err := tx.Exec("INSERT INTO things (name) VALUES (NULL)")
		return nil, err
	})
	test.AssertError(t, err, "constraint violation should fail the transaction")

	count, err := wm.WithContext(context.Background()).SelectInt("SELECT COUNT(1) FROM things")
	test.AssertNotError(t, err, "counting rows")
	test.AssertEquals(t, count, int64(0))
}
