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

// SQLAssertionRepository provides persistence for issued credentials.
type SQLAssertionRepository struct {
	dbBase
}

var _ core.AssertionRepository = (*SQLAssertionRepository)(nil)

// NewSQLAssertionRepository constructs an assertion repository on the given
// backend.
func NewSQLAssertionRepository(dbMap *db.WrappedMap, clk clock.Clock, logger blog.Logger, stats metrics.Scope) *SQLAssertionRepository {
	return &SQLAssertionRepository{dbBase: newDbBase(dbMap, clk, logger, stats)}
}

// Create stores a new assertion. The badge class and issuer foreign keys
// are enforced by the schema.
func (r *SQLAssertionRepository) Create(ctx context.Context, assertion *core.Assertion) (*core.Assertion, error) {
	begin := r.clk.Now()
	if assertion.ID == "" {
		assertion.ID = core.NewIRI()
	}
	assertion.CreatedAt = r.clk.Now()
	assertion.UpdatedAt = assertion.CreatedAt
	if err := assertion.Validate(r.clk.Now()); err != nil {
		return nil, err
	}
	r.log.Debug("creating assertion",
		"id", string(assertion.ID), "badgeClass", string(assertion.BadgeClassID),
		"payload", blog.Redact(assertion))

	model, err := assertionToModel(assertion)
	if err != nil {
		return nil, err
	}
	err = r.dbMap.WithContext(ctx).Insert(model)
	if err := r.finish("assertion.create", assertion.ID, 1, begin, err); err != nil {
		return nil, err
	}
	return modelToAssertion(model)
}

// FindByID returns the assertion, or (nil, nil) when no row exists.
func (r *SQLAssertionRepository) FindByID(ctx context.Context, id core.IRI) (*core.Assertion, error) {
	begin := r.clk.Now()
	model, err := selectAssertion(r.dbMap.WithContext(ctx), "WHERE id = :id",
		map[string]interface{}{"id": r.key(id)})
	if db.IsNoRows(err) {
		_ = r.finish("assertion.findById", id, 0, begin, nil)
		return nil, nil
	}
	if err := r.finish("assertion.findById", id, 1, begin, err); err != nil {
		return nil, err
	}
	return modelToAssertion(model)
}

// FindByBadgeClass returns every assertion of one badge class.
func (r *SQLAssertionRepository) FindByBadgeClass(ctx context.Context, badgeClassID core.IRI) ([]*core.Assertion, error) {
	begin := r.clk.Now()
	models, err := selectAssertions(r.dbMap.WithContext(ctx),
		"WHERE badge_class_id = :badgeClassId ORDER BY created_at ASC",
		map[string]interface{}{"badgeClassId": r.key(badgeClassID)})
	if err := r.finish("assertion.findByBadgeClass", badgeClassID, len(models), begin, err); err != nil {
		return nil, err
	}
	return assertionModelsToEntities(models)
}

// FindByBadgeClassPaged returns one page of a badge class's assertions.
func (r *SQLAssertionRepository) FindByBadgeClassPaged(ctx context.Context, badgeClassID core.IRI, limit, offset int64) ([]*core.Assertion, error) {
	if err := db.ValidatePagination(limit, offset); err != nil {
		return nil, err
	}
	begin := r.clk.Now()
	models, err := selectAssertions(r.dbMap.WithContext(ctx),
		"WHERE badge_class_id = :badgeClassId ORDER BY created_at ASC LIMIT :limit OFFSET :offset",
		map[string]interface{}{"badgeClassId": r.key(badgeClassID), "limit": limit, "offset": offset})
	if err := r.finish("assertion.findByBadgeClassPaged", badgeClassID, len(models), begin, err); err != nil {
		return nil, err
	}
	return assertionModelsToEntities(models)
}

// FindByRecipientIdentity returns every assertion issued to the given
// recipient identity. Postgres resolves this through the functional index
// on the recipient document; SQLite through a JSON-extract expression.
func (r *SQLAssertionRepository) FindByRecipientIdentity(ctx context.Context, identity string) ([]*core.Assertion, error) {
	begin := r.clk.Now()
	var where string
	if r.dbMap.Driver() == "postgres" {
		where = "WHERE recipient->>'identity' = :identity ORDER BY created_at ASC"
	} else {
		where = "WHERE json_extract(recipient, '$.identity') = :identity ORDER BY created_at ASC"
	}
	models, err := selectAssertions(r.dbMap.WithContext(ctx), where,
		map[string]interface{}{"identity": identity})
	if err := r.finish("assertion.findByRecipientIdentity", "", len(models), begin, err); err != nil {
		return nil, err
	}
	return assertionModelsToEntities(models)
}

// Update merges the partial update over the stored assertion. The
// revocation invariant is re-checked: a revoked assertion keeps requiring
// a reason.
func (r *SQLAssertionRepository) Update(ctx context.Context, id core.IRI, update core.AssertionUpdate) (*core.Assertion, error) {
	begin := r.clk.Now()
	result, err := db.WithTransaction(ctx, r.dbMap, func(tx db.Executor) (interface{}, error) {
		model, err := selectAssertion(tx, "WHERE id = :id",
			map[string]interface{}{"id": r.key(id)})
		if db.IsNoRows(err) {
			return nil, serrors.NotFoundError("no assertion with id %q", id)
		}
		if err != nil {
			return nil, err
		}
		assertion, err := modelToAssertion(model)
		if err != nil {
			return nil, err
		}

		applyAssertionUpdate(assertion, update)
		assertion.ID = model.ID
		assertion.CreatedAt = model.CreatedAt
		assertion.UpdatedAt = bumpUpdated(r.clk.Now(), model.UpdatedAt)
		if assertion.Revoked && assertion.RevocationReason == "" {
			return nil, serrors.ValidationError("revoked assertion requires a revocationReason")
		}
		if assertion.Expires != nil && !assertion.Expires.After(assertion.IssuedOn) {
			return nil, serrors.ValidationError("assertion expires is not after issuedOn")
		}

		updated, err := assertionToModel(assertion)
		if err != nil {
			return nil, err
		}
		n, err := tx.Update(updated)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, serrors.NotFoundError("no assertion with id %q", id)
		}
		return assertion, nil
	})
	if err := r.finish("assertion.update", id, 1, begin, err); err != nil {
		return nil, err
	}
	return result.(*core.Assertion), nil
}

// Delete removes the assertion, cascading to its status entries. It
// reports whether a row was removed.
func (r *SQLAssertionRepository) Delete(ctx context.Context, id core.IRI) (bool, error) {
	begin := r.clk.Now()
	res, err := r.dbMap.WithContext(ctx).Exec(
		"DELETE FROM assertions WHERE id = :id",
		map[string]interface{}{"id": r.key(id)})
	if err := r.finish("assertion.delete", id, 0, begin, err); err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, classifyError(err)
	}
	return rows > 0, nil
}

func assertionModelsToEntities(models []assertionModel) ([]*core.Assertion, error) {
	out := make([]*core.Assertion, 0, len(models))
	for i := range models {
		assertion, err := modelToAssertion(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, assertion)
	}
	return out, nil
}
