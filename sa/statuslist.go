package sa

import (
	"context"
	"fmt"

	"github.com/jmhodges/clock"

	"github.com/sigil-dev/sigil/bitstring"
	"github.com/sigil-dev/sigil/core"
	"github.com/sigil-dev/sigil/db"
	serrors "github.com/sigil-dev/sigil/errors"
	blog "github.com/sigil-dev/sigil/log"
	"github.com/sigil-dev/sigil/metrics"
)

// allocationRetries bounds how often AssignStatusToCredential restarts
// after losing an optimistic allocation race.
const allocationRetries = 3

// SQLStatusListRepository owns the bitstring status lists: slot
// allocation, status mutation, and the bindings from credentials to slots.
type SQLStatusListRepository struct {
	dbBase
}

var _ core.StatusListRepository = (*SQLStatusListRepository)(nil)

// NewSQLStatusListRepository constructs a status list repository on the
// given backend.
func NewSQLStatusListRepository(dbMap *db.WrappedMap, clk clock.Clock, logger blog.Logger, stats metrics.Scope) *SQLStatusListRepository {
	return &SQLStatusListRepository{dbBase: newDbBase(dbMap, clk, logger, stats)}
}

// availableListQuery selects the tightest-packed list with free capacity,
// oldest first among equals.
const availableListQuery = `WHERE issuer_id = :issuerId AND purpose = :purpose AND status_size = :statusSize
	AND used_entries < total_entries
	ORDER BY used_entries ASC, created_at ASC LIMIT 1`

// FindByID returns one status list, or (nil, nil) when absent.
func (r *SQLStatusListRepository) FindByID(ctx context.Context, id core.IRI) (*core.StatusList, error) {
	begin := r.clk.Now()
	model, err := selectStatusList(r.dbMap.WithContext(ctx), "WHERE id = :id",
		map[string]interface{}{"id": r.key(id)})
	if db.IsNoRows(err) {
		_ = r.finish("statusList.findById", id, 0, begin, nil)
		return nil, nil
	}
	if err := r.finish("statusList.findById", id, 1, begin, err); err != nil {
		return nil, err
	}
	return modelToStatusList(model)
}

// FindAvailableStatusList returns the allocation candidate for the given
// coordinates, or (nil, nil) when every list is full or none exists.
func (r *SQLStatusListRepository) FindAvailableStatusList(ctx context.Context, issuerID core.IRI, purpose core.StatusPurpose, statusSize int64) (*core.StatusList, error) {
	if err := validateStatusCoordinates(purpose, statusSize); err != nil {
		return nil, err
	}
	begin := r.clk.Now()
	model, err := selectStatusList(r.dbMap.WithContext(ctx), availableListQuery,
		map[string]interface{}{
			"issuerId":   r.key(issuerID),
			"purpose":    purpose,
			"statusSize": statusSize,
		})
	if db.IsNoRows(err) {
		_ = r.finish("statusList.findAvailable", issuerID, 0, begin, nil)
		return nil, nil
	}
	if err := r.finish("statusList.findAvailable", issuerID, 1, begin, err); err != nil {
		return nil, err
	}
	return modelToStatusList(model)
}

// newStatusList builds an all-zero list for the given coordinates.
func (r *SQLStatusListRepository) newStatusList(issuerID core.IRI, purpose core.StatusPurpose, statusSize int64) (*statusListModel, error) {
	encoded, err := bitstring.EncodeList(bitstring.NewList(core.DefaultStatusListSize, statusSize))
	if err != nil {
		return nil, err
	}
	now := r.clk.Now()
	return &statusListModel{
		ID:           core.NewIRI(),
		IssuerID:     issuerID,
		Purpose:      purpose,
		StatusSize:   statusSize,
		EncodedList:  encoded,
		TotalEntries: core.DefaultStatusListSize,
		UsedEntries:  0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// allocateInTx reserves the next free slot inside the caller's
// transaction. The used_entries increment is guarded on the value just
// read, so two racing allocations cannot both claim the same index: the
// loser sees zero updated rows and fails with Conflict.
func (r *SQLStatusListRepository) allocateInTx(tx db.Executor, issuerID core.IRI, purpose core.StatusPurpose, statusSize int64) (*core.StatusPosition, error) {
	// Under snapshot isolation two racing transactions could each see no
	// available list and both create one. Postgres serializes allocation
	// per coordinate set with an advisory transaction lock; SQLite writes
	// are single-writer already.
	if r.dbMap.Driver() == "postgres" {
		if _, err := tx.Exec(
			"SELECT pg_advisory_xact_lock(hashtext(:coordinates))",
			map[string]interface{}{
				"coordinates": fmt.Sprintf("status_lists/%s/%s/%d", r.key(issuerID), purpose, statusSize),
			}); err != nil {
			return nil, err
		}
	}

	model, err := selectStatusList(tx, availableListQuery,
		map[string]interface{}{
			"issuerId":   r.key(issuerID),
			"purpose":    purpose,
			"statusSize": statusSize,
		})
	if db.IsNoRows(err) {
		model, err = r.newStatusList(issuerID, purpose, statusSize)
		if err != nil {
			return nil, err
		}
		if err := tx.Insert(model); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	index := model.UsedEntries
	res, err := tx.Exec(
		`UPDATE status_lists SET used_entries = used_entries + 1, updated_at = :now
		 WHERE id = :id AND used_entries = :expected`,
		map[string]interface{}{
			"now":      r.dbTime(r.clk.Now()),
			"id":       r.key(model.ID),
			"expected": index,
		})
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, serrors.ConflictError(
			"lost allocation race on status list %q at index %d", model.ID, index)
	}
	return &core.StatusPosition{StatusListID: model.ID, Index: index}, nil
}

// AllocateStatusPosition reserves the next free slot, creating a fresh
// list when every existing one is full. Callers that bind the slot to a
// credential should prefer AssignStatusToCredential, which pairs the
// allocation and the entry insert in one transaction.
func (r *SQLStatusListRepository) AllocateStatusPosition(ctx context.Context, issuerID core.IRI, purpose core.StatusPurpose, statusSize int64) (*core.StatusPosition, error) {
	if err := validateStatusCoordinates(purpose, statusSize); err != nil {
		return nil, err
	}
	begin := r.clk.Now()
	result, err := db.WithTransaction(ctx, r.dbMap, func(tx db.Executor) (interface{}, error) {
		return r.allocateInTx(tx, issuerID, purpose, statusSize)
	})
	if err := r.finish("statusList.allocate", issuerID, 1, begin, err); err != nil {
		return nil, err
	}
	return result.(*core.StatusPosition), nil
}

// CreateStatusEntry persists a binding claimed through
// AllocateStatusPosition, verifying that its width and purpose match the
// owning list. The unique indexes on (status_list_id, status_list_index)
// and (credential_id, purpose) reject duplicates with Conflict.
func (r *SQLStatusListRepository) CreateStatusEntry(ctx context.Context, entry *core.CredentialStatusEntry) (*core.CredentialStatusEntry, error) {
	begin := r.clk.Now()
	if entry.ID == "" {
		entry.ID = core.NewIRI()
	}
	entry.CreatedAt = r.clk.Now()
	entry.UpdatedAt = entry.CreatedAt
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	result, err := db.WithTransaction(ctx, r.dbMap, func(tx db.Executor) (interface{}, error) {
		return r.createStatusEntryInTx(tx, entry)
	})
	if err := r.finish("statusEntry.create", entry.ID, 1, begin, err); err != nil {
		return nil, err
	}
	return result.(*core.CredentialStatusEntry), nil
}

func (r *SQLStatusListRepository) createStatusEntryInTx(tx db.Executor, entry *core.CredentialStatusEntry) (*core.CredentialStatusEntry, error) {
	list, err := selectStatusList(tx, "WHERE id = :id",
		map[string]interface{}{"id": r.key(entry.StatusListID)})
	if db.IsNoRows(err) {
		return nil, serrors.ValidationError("status list %q does not exist", entry.StatusListID)
	}
	if err != nil {
		return nil, err
	}
	if list.StatusSize != entry.StatusSize {
		return nil, serrors.ValidationError(
			"entry statusSize %d does not match status list width %d", entry.StatusSize, list.StatusSize)
	}
	if list.Purpose != entry.Purpose {
		return nil, serrors.ValidationError(
			"entry purpose %q does not match status list purpose %q", entry.Purpose, list.Purpose)
	}
	if entry.StatusListIndex >= list.TotalEntries {
		return nil, serrors.ValidationError(
			"entry index %d exceeds status list capacity %d", entry.StatusListIndex, list.TotalEntries)
	}

	model, err := statusEntryToModel(entry)
	if err != nil {
		return nil, err
	}
	if err := tx.Insert(model); err != nil {
		return nil, err
	}
	return modelToStatusEntry(model)
}

// AssignStatusToCredential allocates a slot and binds it to the credential
// inside one transaction, retrying a bounded number of times when an
// optimistic allocation race is lost.
func (r *SQLStatusListRepository) AssignStatusToCredential(ctx context.Context, credentialID, issuerID core.IRI, purpose core.StatusPurpose, statusSize int64) (*core.CredentialStatusEntry, error) {
	if err := validateStatusCoordinates(purpose, statusSize); err != nil {
		return nil, err
	}
	begin := r.clk.Now()

	var lastErr error
	for attempt := 0; attempt < allocationRetries; attempt++ {
		result, err := db.WithTransaction(ctx, r.dbMap, func(tx db.Executor) (interface{}, error) {
			position, err := r.allocateInTx(tx, issuerID, purpose, statusSize)
			if err != nil {
				return nil, err
			}
			now := r.clk.Now()
			entry := &core.CredentialStatusEntry{
				ID:              core.NewIRI(),
				CredentialID:    credentialID,
				StatusListID:    position.StatusListID,
				StatusListIndex: position.Index,
				StatusSize:      statusSize,
				Purpose:         purpose,
				CurrentStatus:   0,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			return r.createStatusEntryInTx(tx, entry)
		})
		if err == nil {
			_ = r.finish("statusEntry.assign", credentialID, 1, begin, nil)
			return result.(*core.CredentialStatusEntry), nil
		}
		classified := classifyError(err)
		// A duplicate (credential_id, purpose) means the credential is
		// already bound; retrying cannot help.
		if serrors.Is(classified, serrors.Conflict) && attempt < allocationRetries-1 {
			if existing, ferr := r.FindStatusEntry(ctx, credentialID, purpose); ferr == nil && existing != nil {
				lastErr = classified
				break
			}
			lastErr = classified
			continue
		}
		lastErr = classified
		break
	}
	return nil, r.finish("statusEntry.assign", credentialID, 0, begin, lastErr)
}

// FindStatusEntry returns the binding for (credential, purpose), or
// (nil, nil) when absent.
func (r *SQLStatusListRepository) FindStatusEntry(ctx context.Context, credentialID core.IRI, purpose core.StatusPurpose) (*core.CredentialStatusEntry, error) {
	begin := r.clk.Now()
	model, err := selectStatusEntry(r.dbMap.WithContext(ctx),
		"WHERE credential_id = :credentialId AND purpose = :purpose",
		map[string]interface{}{"credentialId": r.key(credentialID), "purpose": purpose})
	if db.IsNoRows(err) {
		_ = r.finish("statusEntry.find", credentialID, 0, begin, nil)
		return nil, nil
	}
	if err := r.finish("statusEntry.find", credentialID, 1, begin, err); err != nil {
		return nil, err
	}
	return modelToStatusEntry(model)
}

// UpdateCredentialStatus rewrites the credential's bits and its entry in
// one transaction: load entry and list, decode, overwrite the
// statusSize-wide field at the entry's index, re-encode, persist both
// rows. Failures roll everything back and surface in the structured
// result.
func (r *SQLStatusListRepository) UpdateCredentialStatus(ctx context.Context, update core.StatusUpdate) *core.StatusUpdateResult {
	begin := r.clk.Now()
	result, err := db.WithTransaction(ctx, r.dbMap, func(tx db.Executor) (interface{}, error) {
		entryModel, err := selectStatusEntry(tx,
			"WHERE credential_id = :credentialId AND purpose = :purpose",
			map[string]interface{}{"credentialId": r.key(update.CredentialID), "purpose": update.Purpose})
		if db.IsNoRows(err) {
			return nil, serrors.NotFoundError(
				"no status entry for credential %q with purpose %q", update.CredentialID, update.Purpose)
		}
		if err != nil {
			return nil, err
		}
		listModel, err := selectStatusList(tx, "WHERE id = :id",
			map[string]interface{}{"id": r.key(entryModel.StatusListID)})
		if db.IsNoRows(err) {
			return nil, serrors.CorruptionError(
				"status entry %q references missing status list %q", entryModel.ID, entryModel.StatusListID)
		}
		if err != nil {
			return nil, err
		}

		if update.Status < 0 || update.Status > bitstring.MaxValue(listModel.StatusSize) {
			return nil, serrors.ValidationError(
				"status %d does not fit in %d bits", update.Status, listModel.StatusSize)
		}

		bits, err := bitstring.DecodeList(listModel.EncodedList,
			bitstring.ByteLength(listModel.TotalEntries, listModel.StatusSize))
		if err != nil {
			return nil, err
		}
		if err := bitstring.Set(bits, entryModel.StatusListIndex, listModel.StatusSize, update.Status); err != nil {
			return nil, err
		}
		encoded, err := bitstring.EncodeList(bits)
		if err != nil {
			return nil, err
		}

		now := r.clk.Now()
		if _, err := tx.Exec(
			"UPDATE status_lists SET encoded_list = :encoded, updated_at = :now WHERE id = :id",
			map[string]interface{}{
				"encoded": encoded,
				"now":     r.dbTime(now),
				"id":      r.key(entryModel.StatusListID),
			}); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(
			`UPDATE credential_status_entries
			 SET current_status = :status, status_reason = :reason, updated_at = :now
			 WHERE id = :id`,
			map[string]interface{}{
				"status": update.Status,
				"reason": strOrNil(update.Reason),
				"now":    r.dbTime(bumpUpdated(now, entryModel.UpdatedAt)),
				"id":     r.key(entryModel.ID),
			}); err != nil {
			return nil, err
		}

		entryModel.CurrentStatus = update.Status
		entryModel.StatusReason = strOrNil(update.Reason)
		entryModel.UpdatedAt = bumpUpdated(now, entryModel.UpdatedAt)
		return modelToStatusEntry(entryModel)
	})
	if err := r.finish("statusList.updateStatus", update.CredentialID, 1, begin, err); err != nil {
		return &core.StatusUpdateResult{Success: false, Error: err.Error()}
	}
	return &core.StatusUpdateResult{Success: true, Entry: result.(*core.CredentialStatusEntry)}
}

// GetStatus reads the current status value for (credential, purpose)
// straight from the bitstring; callers interpret the integer per purpose.
func (r *SQLStatusListRepository) GetStatus(ctx context.Context, credentialID core.IRI, purpose core.StatusPurpose) (int64, error) {
	begin := r.clk.Now()
	value, err := db.WithTransaction(ctx, r.dbMap, func(tx db.Executor) (interface{}, error) {
		entryModel, err := selectStatusEntry(tx,
			"WHERE credential_id = :credentialId AND purpose = :purpose",
			map[string]interface{}{"credentialId": r.key(credentialID), "purpose": purpose})
		if db.IsNoRows(err) {
			return nil, serrors.NotFoundError(
				"no status entry for credential %q with purpose %q", credentialID, purpose)
		}
		if err != nil {
			return nil, err
		}
		listModel, err := selectStatusList(tx, "WHERE id = :id",
			map[string]interface{}{"id": r.key(entryModel.StatusListID)})
		if db.IsNoRows(err) {
			return nil, serrors.CorruptionError(
				"status entry %q references missing status list %q", entryModel.ID, entryModel.StatusListID)
		}
		if err != nil {
			return nil, err
		}
		bits, err := bitstring.DecodeList(listModel.EncodedList,
			bitstring.ByteLength(listModel.TotalEntries, listModel.StatusSize))
		if err != nil {
			return nil, err
		}
		return bitstring.Get(bits, entryModel.StatusListIndex, listModel.StatusSize)
	})
	if err := r.finish("statusList.getStatus", credentialID, 1, begin, err); err != nil {
		return 0, err
	}
	return value.(int64), nil
}

// statusStatsRow is the aggregation row shape for GetStatusListStats.
type statusStatsRow struct {
	Purpose      core.StatusPurpose `db:"purpose"`
	Lists        int64              `db:"lists"`
	TotalEntries int64              `db:"total_entries"`
	UsedEntries  int64              `db:"used_entries"`
}

// GetStatusListStats aggregates list counts and capacity per purpose for
// one issuer.
func (r *SQLStatusListRepository) GetStatusListStats(ctx context.Context, issuerID core.IRI) (map[core.StatusPurpose]core.StatusListStats, error) {
	begin := r.clk.Now()
	var rows []statusStatsRow
	_, err := r.dbMap.WithContext(ctx).Select(&rows,
		`SELECT purpose, COUNT(1) AS lists,
			SUM(total_entries) AS total_entries, SUM(used_entries) AS used_entries
		 FROM status_lists WHERE issuer_id = :issuerId GROUP BY purpose`,
		map[string]interface{}{"issuerId": r.key(issuerID)})
	if err := r.finish("statusList.stats", issuerID, len(rows), begin, err); err != nil {
		return nil, err
	}
	out := make(map[core.StatusPurpose]core.StatusListStats, len(rows))
	for _, row := range rows {
		out[row.Purpose] = core.StatusListStats{
			Lists:        row.Lists,
			TotalEntries: row.TotalEntries,
			UsedEntries:  row.UsedEntries,
		}
	}
	return out, nil
}

func validateStatusCoordinates(purpose core.StatusPurpose, statusSize int64) error {
	if !core.ValidStatusPurpose(purpose) {
		return serrors.ValidationError("status purpose %q is not a known purpose", purpose)
	}
	if !core.ValidStatusSize(statusSize) {
		return serrors.ValidationError("statusSize %d must be 1, 2, 4 or 8", statusSize)
	}
	return nil
}
