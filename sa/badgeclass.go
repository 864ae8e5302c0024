package sa

import (
	"context"

	"github.com/jmhodges/clock"

	"github.com/sigil-dev/sigil/core"
	"github.com/sigil-dev/sigil/db"
	serrors "github.com/sigil-dev/sigil/errors"
	blog "github.com/sigil-dev/sigil/log"
	"github.com/sigil-dev/sigil/metrics"
)

// maxVersionChainLength bounds the walk that rejects previousVersion
// cycles. A chain longer than this is treated as corrupt.
const maxVersionChainLength = 1000

// SQLBadgeClassRepository provides persistence for badge templates.
type SQLBadgeClassRepository struct {
	dbBase
}

var _ core.BadgeClassRepository = (*SQLBadgeClassRepository)(nil)

// NewSQLBadgeClassRepository constructs a badge class repository on the
// given backend.
func NewSQLBadgeClassRepository(dbMap *db.WrappedMap, clk clock.Clock, logger blog.Logger, stats metrics.Scope) *SQLBadgeClassRepository {
	return &SQLBadgeClassRepository{dbBase: newDbBase(dbMap, clk, logger, stats)}
}

// checkPreviousVersion enforces the version-chain invariants inside the
// caller's transaction: the referenced badge class must exist, belong to
// the same issuer, and the chain reachable from it must not loop back to
// the badge class being written.
func (r *SQLBadgeClassRepository) checkPreviousVersion(tx db.Executor, b *core.BadgeClass) error {
	if b.PreviousVersion == "" {
		return nil
	}
	if b.PreviousVersion == b.ID {
		return serrors.ValidationError("badge class %q cannot be its own previous version", b.ID)
	}

	seen := map[core.IRI]bool{b.ID: true}
	next := b.PreviousVersion
	for hop := 0; next != ""; hop++ {
		if hop >= maxVersionChainLength {
			return serrors.CorruptionError("version chain from %q exceeds %d links", b.ID, maxVersionChainLength)
		}
		if seen[next] {
			return serrors.ValidationError("previousVersion %q would create a version cycle", b.PreviousVersion)
		}
		seen[next] = true

		model, err := selectBadgeClass(tx, "WHERE id = :id",
			map[string]interface{}{"id": r.key(next)})
		if db.IsNoRows(err) {
			if next == b.PreviousVersion {
				return serrors.ValidationError("previousVersion %q does not exist", next)
			}
			return serrors.CorruptionError("version chain from %q references missing badge class %q", b.ID, next)
		}
		if err != nil {
			return err
		}
		if model.IssuerID != b.IssuerID {
			return serrors.ValidationError(
				"previousVersion %q belongs to issuer %q, not %q", next, model.IssuerID, b.IssuerID)
		}
		if model.PreviousVersion == nil {
			break
		}
		next = *model.PreviousVersion
	}
	return nil
}

// Create stores a new badge class after validating the version-chain
// invariant.
func (r *SQLBadgeClassRepository) Create(ctx context.Context, badgeClass *core.BadgeClass) (*core.BadgeClass, error) {
	begin := r.clk.Now()
	if badgeClass.ID == "" {
		badgeClass.ID = core.NewIRI()
	}
	badgeClass.CreatedAt = r.clk.Now()
	badgeClass.UpdatedAt = badgeClass.CreatedAt
	if err := badgeClass.Validate(); err != nil {
		return nil, err
	}
	r.log.Debug("creating badge class",
		"id", string(badgeClass.ID), "issuer", string(badgeClass.IssuerID),
		"payload", blog.Redact(badgeClass))

	result, err := db.WithTransaction(ctx, r.dbMap, func(tx db.Executor) (interface{}, error) {
		if err := r.checkPreviousVersion(tx, badgeClass); err != nil {
			return nil, err
		}
		model, err := badgeClassToModel(badgeClass)
		if err != nil {
			return nil, err
		}
		if err := tx.Insert(model); err != nil {
			return nil, err
		}
		return modelToBadgeClass(model)
	})
	if err := r.finish("badgeClass.create", badgeClass.ID, 1, begin, err); err != nil {
		return nil, err
	}
	return result.(*core.BadgeClass), nil
}

// FindByID returns the badge class, or (nil, nil) when no row exists.
func (r *SQLBadgeClassRepository) FindByID(ctx context.Context, id core.IRI) (*core.BadgeClass, error) {
	begin := r.clk.Now()
	model, err := selectBadgeClass(r.dbMap.WithContext(ctx), "WHERE id = :id",
		map[string]interface{}{"id": r.key(id)})
	if db.IsNoRows(err) {
		_ = r.finish("badgeClass.findById", id, 0, begin, nil)
		return nil, nil
	}
	if err := r.finish("badgeClass.findById", id, 1, begin, err); err != nil {
		return nil, err
	}
	return modelToBadgeClass(model)
}

// FindByIssuer returns every badge class of one issuer.
func (r *SQLBadgeClassRepository) FindByIssuer(ctx context.Context, issuerID core.IRI) ([]*core.BadgeClass, error) {
	begin := r.clk.Now()
	models, err := selectBadgeClasses(r.dbMap.WithContext(ctx),
		"WHERE issuer_id = :issuerId ORDER BY created_at ASC",
		map[string]interface{}{"issuerId": r.key(issuerID)})
	if err := r.finish("badgeClass.findByIssuer", issuerID, len(models), begin, err); err != nil {
		return nil, err
	}
	return badgeClassModelsToEntities(models)
}

// FindByIssuerPaged returns one page of an issuer's badge classes.
func (r *SQLBadgeClassRepository) FindByIssuerPaged(ctx context.Context, issuerID core.IRI, limit, offset int64) ([]*core.BadgeClass, error) {
	if err := db.ValidatePagination(limit, offset); err != nil {
		return nil, err
	}
	begin := r.clk.Now()
	models, err := selectBadgeClasses(r.dbMap.WithContext(ctx),
		"WHERE issuer_id = :issuerId ORDER BY created_at ASC LIMIT :limit OFFSET :offset",
		map[string]interface{}{"issuerId": r.key(issuerID), "limit": limit, "offset": offset})
	if err := r.finish("badgeClass.findByIssuerPaged", issuerID, len(models), begin, err); err != nil {
		return nil, err
	}
	return badgeClassModelsToEntities(models)
}

// Update merges the partial update over the stored badge class, re-checking
// the version-chain invariant when the chain or issuer changes.
func (r *SQLBadgeClassRepository) Update(ctx context.Context, id core.IRI, update core.BadgeClassUpdate) (*core.BadgeClass, error) {
	begin := r.clk.Now()
	result, err := db.WithTransaction(ctx, r.dbMap, func(tx db.Executor) (interface{}, error) {
		model, err := selectBadgeClass(tx, "WHERE id = :id",
			map[string]interface{}{"id": r.key(id)})
		if db.IsNoRows(err) {
			return nil, serrors.NotFoundError("no badge class with id %q", id)
		}
		if err != nil {
			return nil, err
		}
		badgeClass, err := modelToBadgeClass(model)
		if err != nil {
			return nil, err
		}

		applyBadgeClassUpdate(badgeClass, update)
		badgeClass.ID = model.ID
		badgeClass.CreatedAt = model.CreatedAt
		badgeClass.UpdatedAt = bumpUpdated(r.clk.Now(), model.UpdatedAt)
		if err := badgeClass.Validate(); err != nil {
			return nil, err
		}
		if update.PreviousVersion != nil || update.IssuerID != nil {
			if err := r.checkPreviousVersion(tx, badgeClass); err != nil {
				return nil, err
			}
		}

		updated, err := badgeClassToModel(badgeClass)
		if err != nil {
			return nil, err
		}
		n, err := tx.Update(updated)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, serrors.NotFoundError("no badge class with id %q", id)
		}
		return badgeClass, nil
	})
	if err := r.finish("badgeClass.update", id, 1, begin, err); err != nil {
		return nil, err
	}
	return result.(*core.BadgeClass), nil
}

// Delete removes the badge class, cascading to its assertions. It reports
// whether a row was removed.
func (r *SQLBadgeClassRepository) Delete(ctx context.Context, id core.IRI) (bool, error) {
	begin := r.clk.Now()
	res, err := r.dbMap.WithContext(ctx).Exec(
		"DELETE FROM badge_classes WHERE id = :id",
		map[string]interface{}{"id": r.key(id)})
	if err := r.finish("badgeClass.delete", id, 0, begin, err); err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, classifyError(err)
	}
	return rows > 0, nil
}

func badgeClassModelsToEntities(models []badgeClassModel) ([]*core.BadgeClass, error) {
	out := make([]*core.BadgeClass, 0, len(models))
	for i := range models {
		badgeClass, err := modelToBadgeClass(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, badgeClass)
	}
	return out, nil
}
