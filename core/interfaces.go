package core

import (
	"context"
)

// The repository interfaces below are the surface the rest of the service
// consumes. FindByID-style lookups return (nil, nil) on a miss; Update of a
// missing row returns a NotFound error; Delete reports whether a row was
// removed. All methods classify driver failures into the error categories
// of the errors package before returning.

// IssuerRepository stores signing authorities.
type IssuerRepository interface {
	Create(ctx context.Context, issuer *Issuer) (*Issuer, error)
	FindByID(ctx context.Context, id IRI) (*Issuer, error)
	FindAll(ctx context.Context) ([]*Issuer, error)
	FindAllPaged(ctx context.Context, limit, offset int64) ([]*Issuer, error)
	Update(ctx context.Context, id IRI, update IssuerUpdate) (*Issuer, error)
	Delete(ctx context.Context, id IRI) (bool, error)
}

// BadgeClassRepository stores badge templates.
type BadgeClassRepository interface {
	Create(ctx context.Context, badgeClass *BadgeClass) (*BadgeClass, error)
	FindByID(ctx context.Context, id IRI) (*BadgeClass, error)
	FindByIssuer(ctx context.Context, issuerID IRI) ([]*BadgeClass, error)
	FindByIssuerPaged(ctx context.Context, issuerID IRI, limit, offset int64) ([]*BadgeClass, error)
	Update(ctx context.Context, id IRI, update BadgeClassUpdate) (*BadgeClass, error)
	Delete(ctx context.Context, id IRI) (bool, error)
}

// AssertionRepository stores issued credentials.
type AssertionRepository interface {
	Create(ctx context.Context, assertion *Assertion) (*Assertion, error)
	FindByID(ctx context.Context, id IRI) (*Assertion, error)
	FindByBadgeClass(ctx context.Context, badgeClassID IRI) ([]*Assertion, error)
	FindByBadgeClassPaged(ctx context.Context, badgeClassID IRI, limit, offset int64) ([]*Assertion, error)
	FindByRecipientIdentity(ctx context.Context, identity string) ([]*Assertion, error)
	Update(ctx context.Context, id IRI, update AssertionUpdate) (*Assertion, error)
	Delete(ctx context.Context, id IRI) (bool, error)
}

// StatusListRepository owns the bitstring status lists and the bindings
// from credentials to slots.
type StatusListRepository interface {
	// FindByID returns one status list, or (nil, nil) when absent.
	FindByID(ctx context.Context, id IRI) (*StatusList, error)
	// FindAvailableStatusList returns the tightest-packed list with free
	// capacity for the given coordinates, or (nil, nil) when none exists.
	FindAvailableStatusList(ctx context.Context, issuerID IRI, purpose StatusPurpose, statusSize int64) (*StatusList, error)
	// AllocateStatusPosition reserves the next free slot, creating a fresh
	// list when every existing one is full.
	AllocateStatusPosition(ctx context.Context, issuerID IRI, purpose StatusPurpose, statusSize int64) (*StatusPosition, error)
	// CreateStatusEntry persists a binding claimed through
	// AllocateStatusPosition.
	CreateStatusEntry(ctx context.Context, entry *CredentialStatusEntry) (*CredentialStatusEntry, error)
	// AssignStatusToCredential allocates a slot and binds it to the
	// credential inside one transaction.
	AssignStatusToCredential(ctx context.Context, credentialID, issuerID IRI, purpose StatusPurpose, statusSize int64) (*CredentialStatusEntry, error)
	// FindStatusEntry returns the binding for (credential, purpose), or
	// (nil, nil) when absent.
	FindStatusEntry(ctx context.Context, credentialID IRI, purpose StatusPurpose) (*CredentialStatusEntry, error)
	// UpdateCredentialStatus rewrites the credential's bits and entry
	// inside one transaction.
	UpdateCredentialStatus(ctx context.Context, update StatusUpdate) *StatusUpdateResult
	// GetStatus reads the current status value for (credential, purpose).
	GetStatus(ctx context.Context, credentialID IRI, purpose StatusPurpose) (int64, error)
	// GetStatusListStats aggregates list counts and capacity per purpose
	// for one issuer.
	GetStatusListStats(ctx context.Context, issuerID IRI) (map[StatusPurpose]StatusListStats, error)
}
