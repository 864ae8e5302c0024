package sa

import (
	"github.com/sigil-dev/sigil/db"
	serrors "github.com/sigil-dev/sigil/errors"
)

// The two backends implement the same logical schema. Postgres uses native
// UUID, TIMESTAMPTZ, JSONB, and BOOLEAN columns plus GIN and functional
// indexes on the JSON documents; SQLite stores text identifiers,
// epoch-millisecond integers, 0/1 integers, and JSON text with an
// expression index for the recipient identity lookup. Every foreign key
// cascades on delete and every FK and lookup column is indexed.

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS issuers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		email TEXT,
		description TEXT,
		image TEXT,
		public_key TEXT,
		additional_fields TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS badge_classes (
		id TEXT PRIMARY KEY,
		issuer_id TEXT NOT NULL REFERENCES issuers(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		image TEXT NOT NULL,
		criteria TEXT NOT NULL DEFAULT '{}',
		alignment TEXT,
		tags TEXT,
		version TEXT,
		previous_version TEXT REFERENCES badge_classes(id) ON DELETE CASCADE,
		related TEXT,
		endorsement TEXT,
		additional_fields TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_badge_classes_issuer ON badge_classes (issuer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_badge_classes_previous_version ON badge_classes (previous_version)`,
	`CREATE TABLE IF NOT EXISTS assertions (
		id TEXT PRIMARY KEY,
		badge_class_id TEXT NOT NULL REFERENCES badge_classes(id) ON DELETE CASCADE,
		issuer_id TEXT NOT NULL REFERENCES issuers(id) ON DELETE CASCADE,
		recipient TEXT NOT NULL,
		issued_on INTEGER NOT NULL,
		expires INTEGER,
		evidence TEXT,
		verification TEXT,
		revoked INTEGER NOT NULL DEFAULT 0,
		revocation_reason TEXT,
		additional_fields TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assertions_badge_class ON assertions (badge_class_id)`,
	`CREATE INDEX IF NOT EXISTS idx_assertions_issuer ON assertions (issuer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_assertions_recipient_identity
		ON assertions (json_extract(recipient, '$.identity'))`,
	`CREATE TABLE IF NOT EXISTS status_lists (
		id TEXT PRIMARY KEY,
		issuer_id TEXT NOT NULL REFERENCES issuers(id) ON DELETE CASCADE,
		purpose TEXT NOT NULL,
		status_size INTEGER NOT NULL,
		encoded_list TEXT NOT NULL,
		ttl INTEGER,
		total_entries INTEGER NOT NULL,
		used_entries INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_status_lists_coordinates
		ON status_lists (issuer_id, purpose, status_size)`,
	`CREATE TABLE IF NOT EXISTS credential_status_entries (
		id TEXT PRIMARY KEY,
		credential_id TEXT NOT NULL REFERENCES assertions(id) ON DELETE CASCADE,
		status_list_id TEXT NOT NULL REFERENCES status_lists(id) ON DELETE CASCADE,
		status_list_index INTEGER NOT NULL,
		status_size INTEGER NOT NULL,
		purpose TEXT NOT NULL,
		current_status INTEGER NOT NULL DEFAULT 0,
		status_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (status_list_id, status_list_index),
		UNIQUE (credential_id, purpose)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_status_entries_credential
		ON credential_status_entries (credential_id)`,
	`CREATE INDEX IF NOT EXISTS idx_status_entries_list
		ON credential_status_entries (status_list_id)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS issuers (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		email TEXT,
		description TEXT,
		image JSONB,
		public_key JSONB,
		additional_fields JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS badge_classes (
		id UUID PRIMARY KEY,
		issuer_id UUID NOT NULL REFERENCES issuers(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		description TEXT NOT NULL,
		image JSONB NOT NULL,
		criteria JSONB NOT NULL DEFAULT '{}',
		alignment JSONB,
		tags JSONB,
		version TEXT,
		previous_version UUID REFERENCES badge_classes(id) ON DELETE CASCADE,
		related JSONB,
		endorsement JSONB,
		additional_fields JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_badge_classes_issuer ON badge_classes (issuer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_badge_classes_previous_version ON badge_classes (previous_version)`,
	`CREATE INDEX IF NOT EXISTS idx_badge_classes_related ON badge_classes USING GIN (related)`,
	`CREATE INDEX IF NOT EXISTS idx_badge_classes_endorsement ON badge_classes USING GIN (endorsement)`,
	`CREATE TABLE IF NOT EXISTS assertions (
		id UUID PRIMARY KEY,
		badge_class_id UUID NOT NULL REFERENCES badge_classes(id) ON DELETE CASCADE,
		issuer_id UUID NOT NULL REFERENCES issuers(id) ON DELETE CASCADE,
		recipient JSONB NOT NULL,
		issued_on TIMESTAMPTZ NOT NULL,
		expires TIMESTAMPTZ,
		evidence JSONB,
		verification JSONB,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		revocation_reason TEXT,
		additional_fields JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assertions_badge_class ON assertions (badge_class_id)`,
	`CREATE INDEX IF NOT EXISTS idx_assertions_issuer ON assertions (issuer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_assertions_recipient_email ON assertions ((recipient->>'email'))`,
	`CREATE INDEX IF NOT EXISTS idx_assertions_recipient_identity ON assertions ((recipient->>'identity'))`,
	`CREATE INDEX IF NOT EXISTS idx_assertions_recipient_type ON assertions ((recipient->>'type'))`,
	`CREATE TABLE IF NOT EXISTS status_lists (
		id UUID PRIMARY KEY,
		issuer_id UUID NOT NULL REFERENCES issuers(id) ON DELETE CASCADE,
		purpose TEXT NOT NULL,
		status_size SMALLINT NOT NULL,
		encoded_list TEXT NOT NULL,
		ttl BIGINT,
		total_entries BIGINT NOT NULL,
		used_entries BIGINT NOT NULL DEFAULT 0,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_status_lists_coordinates
		ON status_lists (issuer_id, purpose, status_size)`,
	`CREATE TABLE IF NOT EXISTS credential_status_entries (
		id UUID PRIMARY KEY,
		credential_id UUID NOT NULL REFERENCES assertions(id) ON DELETE CASCADE,
		status_list_id UUID NOT NULL REFERENCES status_lists(id) ON DELETE CASCADE,
		status_list_index BIGINT NOT NULL,
		status_size SMALLINT NOT NULL,
		purpose TEXT NOT NULL,
		current_status BIGINT NOT NULL DEFAULT 0,
		status_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (status_list_id, status_list_index),
		UNIQUE (credential_id, purpose)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_status_entries_credential
		ON credential_status_entries (credential_id)`,
	`CREATE INDEX IF NOT EXISTS idx_status_entries_list
		ON credential_status_entries (status_list_id)`,
}

// CreateTables issues the engine-specific DDL for the configured backend.
// The statements are idempotent; this is schema bootstrap, not a migration
// tool.
func CreateTables(dbMap *db.WrappedMap) error {
	var stmts []string
	switch dbMap.Driver() {
	case "sqlite3":
		stmts = sqliteSchema
	case "postgres":
		stmts = postgresSchema
	default:
		return serrors.ValidationError("no schema defined for driver %q", dbMap.Driver())
	}
	for _, stmt := range stmts {
		if _, err := dbMap.Underlying().Exec(stmt); err != nil {
			return serrors.BackendUnavailableError("creating schema: %s", err)
		}
	}
	return nil
}
