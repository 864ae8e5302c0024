package sa

import (
	"time"

	"github.com/jmhodges/clock"

	"github.com/sigil-dev/sigil/core"
	"github.com/sigil-dev/sigil/db"
	serrors "github.com/sigil-dev/sigil/errors"
	blog "github.com/sigil-dev/sigil/log"
	"github.com/sigil-dev/sigil/metrics"
)

// dbBase carries the shared plumbing of every repository: the wrapped
// DbMap, the clock all timestamps come from, the structured logger, and
// the stats scope. Repositories embed it.
type dbBase struct {
	dbMap *db.WrappedMap
	clk   clock.Clock
	log   blog.Logger
	stats metrics.Scope
}

func newDbBase(dbMap *db.WrappedMap, clk clock.Clock, logger blog.Logger, stats metrics.Scope) dbBase {
	return dbBase{
		dbMap: dbMap,
		clk:   clk,
		log:   logger,
		stats: stats,
	}
}

// key converts an entity identifier to the value the backend stores for
// it. The native-UUID backend compares against bare UUIDs.
func (b *dbBase) key(id core.IRI) string {
	if b.dbMap.Driver() == "postgres" {
		return id.UUIDValue()
	}
	return string(id)
}

// dbTime converts a timestamp for use as a raw query argument. Raw query
// arguments do not pass through the gorp type converter, so the textual
// backend's epoch-millisecond representation is applied here.
func (b *dbBase) dbTime(t time.Time) interface{} {
	if b.dbMap.Driver() == "postgres" {
		return t
	}
	return t.UnixMilli()
}

// finish records the operation outcome: a timing stat, an error counter on
// failure, and a structured log line with operation name, entity id, row
// count, and duration. It returns the classified error.
func (b *dbBase) finish(op string, id core.IRI, rows int, begin time.Time, err error) error {
	took := b.clk.Now().Sub(begin)
	b.stats.TimingDuration(op, took)
	if err != nil {
		err = classifyError(err)
		b.stats.Inc(op+".errors", 1)
		b.log.Err("storage operation failed",
			"op", op, "id", string(id), "duration", took.String(), "err", err.Error())
		return err
	}
	b.log.Debug("storage operation",
		"op", op, "id", string(id), "rows", rows, "duration", took.String())
	return nil
}

// classifyError maps a driver error to one of the typed categories.
// Already-classified errors pass through unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*serrors.SigilError); ok {
		return err
	}
	switch {
	case db.IsDuplicate(err):
		return serrors.ConflictError("unique constraint rejected the write: %s", err)
	case db.IsConnectionFailure(err):
		return serrors.BackendUnavailableError("backend unreachable: %s", err)
	default:
		return serrors.InternalServerError("storage operation failed: %s", err)
	}
}

// bumpUpdated advances updatedAt, keeping it strictly greater than the
// previous value even under a coarse or frozen clock.
func bumpUpdated(now, previous time.Time) time.Time {
	if now.After(previous) {
		return now
	}
	return previous.Add(time.Millisecond)
}
