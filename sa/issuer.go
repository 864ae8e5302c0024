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

// SQLIssuerRepository provides persistence for signing authorities.
type SQLIssuerRepository struct {
	dbBase
}

var _ core.IssuerRepository = (*SQLIssuerRepository)(nil)

// NewSQLIssuerRepository constructs an issuer repository on the given
// backend.
func NewSQLIssuerRepository(dbMap *db.WrappedMap, clk clock.Clock, logger blog.Logger, stats metrics.Scope) *SQLIssuerRepository {
	return &SQLIssuerRepository{dbBase: newDbBase(dbMap, clk, logger, stats)}
}

// Create stores a new issuer. A missing id is generated; createdAt and
// updatedAt are stamped from the repository clock.
func (r *SQLIssuerRepository) Create(ctx context.Context, issuer *core.Issuer) (*core.Issuer, error) {
	begin := r.clk.Now()
	if issuer.ID == "" {
		issuer.ID = core.NewIRI()
	}
	issuer.CreatedAt = r.clk.Now()
	issuer.UpdatedAt = issuer.CreatedAt
	if err := issuer.Validate(); err != nil {
		return nil, err
	}
	r.log.Debug("creating issuer",
		"id", string(issuer.ID), "payload", blog.Redact(issuer))

	model, err := issuerToModel(issuer)
	if err != nil {
		return nil, err
	}
	err = r.dbMap.WithContext(ctx).Insert(model)
	if err := r.finish("issuer.create", issuer.ID, 1, begin, err); err != nil {
		return nil, err
	}
	return modelToIssuer(model)
}

// FindByID returns the issuer, or (nil, nil) when no row exists.
func (r *SQLIssuerRepository) FindByID(ctx context.Context, id core.IRI) (*core.Issuer, error) {
	begin := r.clk.Now()
	model, err := selectIssuer(r.dbMap.WithContext(ctx), "WHERE id = :id",
		map[string]interface{}{"id": r.key(id)})
	if db.IsNoRows(err) {
		_ = r.finish("issuer.findById", id, 0, begin, nil)
		return nil, nil
	}
	if err := r.finish("issuer.findById", id, 1, begin, err); err != nil {
		return nil, err
	}
	return modelToIssuer(model)
}

// FindAll returns every issuer. Unbounded listings are permitted but
// logged; prefer FindAllPaged.
func (r *SQLIssuerRepository) FindAll(ctx context.Context) ([]*core.Issuer, error) {
	begin := r.clk.Now()
	r.log.Warning("unbounded issuer listing", "op", "issuer.findAll")
	models, err := selectIssuers(r.dbMap.WithContext(ctx), "ORDER BY created_at ASC", nil)
	if err := r.finish("issuer.findAll", "", len(models), begin, err); err != nil {
		return nil, err
	}
	return issuerModelsToEntities(models)
}

// FindAllPaged returns one page of issuers, validating the page bounds
// before touching the backend.
func (r *SQLIssuerRepository) FindAllPaged(ctx context.Context, limit, offset int64) ([]*core.Issuer, error) {
	if err := db.ValidatePagination(limit, offset); err != nil {
		return nil, err
	}
	begin := r.clk.Now()
	models, err := selectIssuers(r.dbMap.WithContext(ctx),
		"ORDER BY created_at ASC LIMIT :limit OFFSET :offset",
		map[string]interface{}{"limit": limit, "offset": offset})
	if err := r.finish("issuer.findAllPaged", "", len(models), begin, err); err != nil {
		return nil, err
	}
	return issuerModelsToEntities(models)
}

// Update merges the partial update over the stored issuer, preserving the
// immutable id and createdAt and advancing updatedAt. Returns NotFound if
// the row is gone.
func (r *SQLIssuerRepository) Update(ctx context.Context, id core.IRI, update core.IssuerUpdate) (*core.Issuer, error) {
	begin := r.clk.Now()
	result, err := db.WithTransaction(ctx, r.dbMap, func(tx db.Executor) (interface{}, error) {
		model, err := selectIssuer(tx, "WHERE id = :id",
			map[string]interface{}{"id": r.key(id)})
		if db.IsNoRows(err) {
			return nil, serrors.NotFoundError("no issuer with id %q", id)
		}
		if err != nil {
			return nil, err
		}
		issuer, err := modelToIssuer(model)
		if err != nil {
			return nil, err
		}

		applyIssuerUpdate(issuer, update)
		issuer.ID = model.ID
		issuer.CreatedAt = model.CreatedAt
		issuer.UpdatedAt = bumpUpdated(r.clk.Now(), model.UpdatedAt)
		if err := issuer.Validate(); err != nil {
			return nil, err
		}

		updated, err := issuerToModel(issuer)
		if err != nil {
			return nil, err
		}
		n, err := tx.Update(updated)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, serrors.NotFoundError("no issuer with id %q", id)
		}
		return issuer, nil
	})
	if err := r.finish("issuer.update", id, 1, begin, err); err != nil {
		return nil, err
	}
	return result.(*core.Issuer), nil
}

// Delete removes the issuer, cascading to its badge classes, assertions,
// and status lists. It reports whether a row was removed.
func (r *SQLIssuerRepository) Delete(ctx context.Context, id core.IRI) (bool, error) {
	begin := r.clk.Now()
	res, err := r.dbMap.WithContext(ctx).Exec(
		"DELETE FROM issuers WHERE id = :id",
		map[string]interface{}{"id": r.key(id)})
	if err := r.finish("issuer.delete", id, 0, begin, err); err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, classifyError(err)
	}
	return rows > 0, nil
}

func issuerModelsToEntities(models []issuerModel) ([]*core.Issuer, error) {
	out := make([]*core.Issuer, 0, len(models))
	for i := range models {
		issuer, err := modelToIssuer(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, issuer)
	}
	return out, nil
}
