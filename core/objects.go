// Package core defines the domain objects of the credential store: issuers,
// badge classes, assertions, status lists, and the bindings between
// assertions and status-list slots. The database representation of these
// objects lives in the sa package; everything here is backend-agnostic.
package core

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	jose "gopkg.in/square/go-jose.v2"

	serrors "github.com/sigil-dev/sigil/errors"
)

// IRI is the identifier shape for all core entities: an opaque URI-shaped
// string, stable once issued. Entity identifiers are urn:uuid IRIs; other
// IRI-valued attributes (issuer URLs, image locations) may be any absolute
// URI.
type IRI string

const uuidURNPrefix = "urn:uuid:"

// NewIRI produces a fresh urn:uuid identifier.
func NewIRI() IRI {
	return IRI(uuidURNPrefix + uuid.New().String())
}

// ValidIRI checks that the given IRI is a urn:uuid identifier, a bare UUID,
// or an absolute URI.
func ValidIRI(i IRI) bool {
	s := string(i)
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, uuidURNPrefix) {
		_, err := uuid.Parse(strings.TrimPrefix(s, uuidURNPrefix))
		return err == nil
	}
	if _, err := uuid.Parse(s); err == nil {
		return true
	}
	u, err := url.Parse(s)
	return err == nil && u.IsAbs()
}

// UUIDValue returns the bare UUID carried by a urn:uuid (or bare-UUID) IRI,
// suitable for a native UUID column. Non-UUID IRIs are returned unchanged.
func (i IRI) UUIDValue() string {
	s := string(i)
	if strings.HasPrefix(s, uuidURNPrefix) {
		return strings.TrimPrefix(s, uuidURNPrefix)
	}
	return s
}

// NormalizeIRI restores the urn:uuid form for a bare UUID read back from a
// native UUID column. Anything that does not parse as a UUID is returned
// unchanged.
func NormalizeIRI(s string) IRI {
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, uuidURNPrefix) {
		return IRI(s)
	}
	if _, err := uuid.Parse(s); err == nil {
		return IRI(uuidURNPrefix + strings.ToLower(s))
	}
	return IRI(s)
}

// JSONBuffer holds raw JSON column content. A nil buffer is an absent
// value; the literal bytes "null" are a stored JSON null.
type JSONBuffer []byte

// MarshalJSON emits the raw bytes unchanged; an empty buffer is emitted as
// null.
func (jb JSONBuffer) MarshalJSON() ([]byte, error) {
	if len(jb) == 0 {
		return []byte("null"), nil
	}
	return jb, nil
}

// UnmarshalJSON stores a copy of the raw bytes.
func (jb *JSONBuffer) UnmarshalJSON(data []byte) error {
	*jb = append((*jb)[0:0], data...)
	return nil
}

// JSONMap is an open-ended JSON object, used for criteria and for the
// additionalFields passthrough that keeps unknown spec-extension keys
// intact across a round-trip.
type JSONMap map[string]interface{}

// StatusPurpose names the reason a status bit is read.
type StatusPurpose string

const (
	StatusPurposeRevocation StatusPurpose = "revocation"
	StatusPurposeSuspension StatusPurpose = "suspension"
	StatusPurposeRefresh    StatusPurpose = "refresh"
	StatusPurposeMessage    StatusPurpose = "message"
)

// ValidStatusPurpose reports whether p is one of the four known purposes.
func ValidStatusPurpose(p StatusPurpose) bool {
	switch p {
	case StatusPurposeRevocation, StatusPurposeSuspension, StatusPurposeRefresh, StatusPurposeMessage:
		return true
	}
	return false
}

// ValidStatusSize reports whether n is a legal bits-per-entry width.
func ValidStatusSize(n int64) bool {
	switch n {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// ImageRef is an image attribute that is either a plain IRI or a structured
// image object carrying at least an id. The stored shape is preserved.
type ImageRef struct {
	IRI    IRI
	Object JSONMap
}

// IsObject reports whether the structured variant is populated.
func (ir ImageRef) IsObject() bool {
	return ir.Object != nil
}

// MarshalJSON serializes whichever variant is populated.
func (ir ImageRef) MarshalJSON() ([]byte, error) {
	if ir.Object != nil {
		return json.Marshal(map[string]interface{}(ir.Object))
	}
	return json.Marshal(string(ir.IRI))
}

// UnmarshalJSON accepts either a JSON string or an object.
func (ir *ImageRef) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*ir = ImageRef{}
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*ir = ImageRef{IRI: IRI(s)}
		return nil
	}
	var obj JSONMap
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*ir = ImageRef{Object: obj}
	return nil
}

// Recipient identifies who an assertion was issued to. The classic Open
// Badges shape carries type/identity/hashed/salt; a Verifiable Credentials
// subject may carry arbitrary additional claims, which round-trip through
// Extra.
type Recipient struct {
	Type     string
	Identity string
	Hashed   bool
	Salt     string
	Extra    JSONMap
}

// MarshalJSON emits known keys plus the Extra passthrough.
func (r Recipient) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Extra)+4)
	for k, v := range r.Extra {
		out[k] = v
	}
	if r.Type != "" {
		out["type"] = r.Type
	}
	if r.Identity != "" {
		out["identity"] = r.Identity
	}
	out["hashed"] = r.Hashed
	if r.Salt != "" {
		out["salt"] = r.Salt
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits known keys from the passthrough.
func (r *Recipient) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Recipient{}
	for k, v := range raw {
		switch k {
		case "type":
			if err := json.Unmarshal(v, &out.Type); err != nil {
				return err
			}
		case "identity":
			if err := json.Unmarshal(v, &out.Identity); err != nil {
				return err
			}
		case "hashed":
			if err := json.Unmarshal(v, &out.Hashed); err != nil {
				return err
			}
		case "salt":
			if err := json.Unmarshal(v, &out.Salt); err != nil {
				return err
			}
		default:
			if out.Extra == nil {
				out.Extra = JSONMap{}
			}
			var val interface{}
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			out.Extra[k] = val
		}
	}
	*r = out
	return nil
}

// Issuer is a signing authority. ID and CreatedAt are immutable once
// stored; UpdatedAt advances on every mutation.
type Issuer struct {
	ID               IRI
	Name             string
	URL              IRI
	Email            string
	Description      string
	Image            *ImageRef
	PublicKey        JSONBuffer
	AdditionalFields JSONMap
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks the create-time invariants of an issuer.
func (i *Issuer) Validate() error {
	if !ValidIRI(i.ID) {
		return serrors.ValidationError("issuer id %q is not a valid IRI", i.ID)
	}
	if i.Name == "" {
		return serrors.ValidationError("issuer name is required")
	}
	if !ValidIRI(i.URL) {
		return serrors.ValidationError("issuer url %q is not a valid IRI", i.URL)
	}
	return nil
}

// ParsePublicKey decodes the opaque publicKey JSON into a JSON Web Key for
// callers that sign assertions. Storage never interprets the blob.
func (i *Issuer) ParsePublicKey() (*jose.JSONWebKey, error) {
	if len(i.PublicKey) == 0 {
		return nil, serrors.NotFoundError("issuer %s has no public key", i.ID)
	}
	var key jose.JSONWebKey
	if err := key.UnmarshalJSON(i.PublicKey); err != nil {
		return nil, serrors.CorruptionError("issuer %s public key does not parse as a JWK: %s", i.ID, err)
	}
	return &key, nil
}

// IssuerUpdate is a partial update. Nil fields are left alone; JSONBuffer
// fields distinguish unset (nil) from an explicit JSON null.
type IssuerUpdate struct {
	Name             *string
	URL              *IRI
	Email            *string
	Description      *string
	Image            *ImageRef
	PublicKey        JSONBuffer
	AdditionalFields JSONMap
}

// BadgeClass is the reusable definition of an award. PreviousVersion forms
// a single-parent version chain within one issuer.
type BadgeClass struct {
	ID               IRI
	IssuerID         IRI
	Name             string
	Description      string
	Image            ImageRef
	Criteria         JSONMap
	Alignment        JSONBuffer
	Tags             []string
	Version          string
	PreviousVersion  IRI
	Related          JSONBuffer
	Endorsement      JSONBuffer
	AdditionalFields JSONMap
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks the create-time invariants of a badge class. The
// previousVersion same-issuer and acyclicity invariants need storage access
// and are enforced by the repository.
func (b *BadgeClass) Validate() error {
	if !ValidIRI(b.ID) {
		return serrors.ValidationError("badge class id %q is not a valid IRI", b.ID)
	}
	if !ValidIRI(b.IssuerID) {
		return serrors.ValidationError("badge class issuer %q is not a valid IRI", b.IssuerID)
	}
	if b.Name == "" {
		return serrors.ValidationError("badge class name is required")
	}
	if b.Description == "" {
		return serrors.ValidationError("badge class description is required")
	}
	if b.Image.IRI == "" && b.Image.Object == nil {
		return serrors.ValidationError("badge class image is required")
	}
	if b.Criteria == nil {
		b.Criteria = JSONMap{}
	}
	if b.PreviousVersion != "" && !ValidIRI(b.PreviousVersion) {
		return serrors.ValidationError("badge class previousVersion %q is not a valid IRI", b.PreviousVersion)
	}
	return nil
}

// BadgeClassUpdate is a partial update of a badge class.
type BadgeClassUpdate struct {
	IssuerID         *IRI
	Name             *string
	Description      *string
	Image            *ImageRef
	Criteria         JSONMap
	Alignment        JSONBuffer
	Tags             *[]string
	Version          *string
	PreviousVersion  *IRI
	Related          JSONBuffer
	Endorsement      JSONBuffer
	AdditionalFields JSONMap
}

// Assertion is a single issuance of a badge class to a recipient. Revoked
// is authoritative only together with the revocation status list; the
// boolean is the denormalized quick check.
type Assertion struct {
	ID               IRI
	BadgeClassID     IRI
	IssuerID         IRI
	Recipient        Recipient
	IssuedOn         time.Time
	Expires          *time.Time
	Evidence         JSONBuffer
	Verification     JSONBuffer
	Revoked          bool
	RevocationReason string
	AdditionalFields JSONMap
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Validate checks the create-time invariants of an assertion against the
// supplied current time.
func (a *Assertion) Validate(now time.Time) error {
	if !ValidIRI(a.ID) {
		return serrors.ValidationError("assertion id %q is not a valid IRI", a.ID)
	}
	if !ValidIRI(a.BadgeClassID) {
		return serrors.ValidationError("assertion badge class %q is not a valid IRI", a.BadgeClassID)
	}
	if !ValidIRI(a.IssuerID) {
		return serrors.ValidationError("assertion issuer %q is not a valid IRI", a.IssuerID)
	}
	if a.IssuedOn.IsZero() {
		return serrors.ValidationError("assertion issuedOn is required")
	}
	if a.IssuedOn.After(now) {
		return serrors.ValidationError("assertion issuedOn %s is in the future", a.IssuedOn.Format(time.RFC3339))
	}
	if a.Expires != nil && !a.Expires.After(a.IssuedOn) {
		return serrors.ValidationError("assertion expires %s is not after issuedOn", a.Expires.Format(time.RFC3339))
	}
	if a.Revoked && a.RevocationReason == "" {
		return serrors.ValidationError("revoked assertion requires a revocationReason")
	}
	return nil
}

// AssertionUpdate is a partial update of an assertion.
type AssertionUpdate struct {
	Recipient        *Recipient
	Expires          *time.Time
	Evidence         JSONBuffer
	Verification     JSONBuffer
	Revoked          *bool
	RevocationReason *string
	AdditionalFields JSONMap
}

// DefaultStatusListSize is the entry capacity of a freshly allocated status
// list. 131072 1-bit entries make a 16KB uncompressed bitstring, the
// minimum size the Bitstring Status List specification requires for herd
// privacy.
const DefaultStatusListSize = 131072

// StatusList is the aggregate holding one encoded bitstring, its purpose,
// entry width, and capacity counters.
type StatusList struct {
	ID           IRI
	IssuerID     IRI
	Purpose      StatusPurpose
	StatusSize   int64
	EncodedList  string
	TTL          *int64
	TotalEntries int64
	UsedEntries  int64
	Metadata     JSONBuffer
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasCapacity reports whether another slot can be allocated.
func (sl *StatusList) HasCapacity() bool {
	return sl.UsedEntries < sl.TotalEntries
}

// Validate checks the structural invariants of a status list.
func (sl *StatusList) Validate() error {
	if !ValidIRI(sl.ID) {
		return serrors.ValidationError("status list id %q is not a valid IRI", sl.ID)
	}
	if !ValidIRI(sl.IssuerID) {
		return serrors.ValidationError("status list issuer %q is not a valid IRI", sl.IssuerID)
	}
	if !ValidStatusPurpose(sl.Purpose) {
		return serrors.ValidationError("status list purpose %q is not a known purpose", sl.Purpose)
	}
	if !ValidStatusSize(sl.StatusSize) {
		return serrors.ValidationError("status list statusSize %d must be 1, 2, 4 or 8", sl.StatusSize)
	}
	if sl.TotalEntries < DefaultStatusListSize {
		return serrors.ValidationError("status list totalEntries %d is below the minimum %d", sl.TotalEntries, DefaultStatusListSize)
	}
	if sl.UsedEntries < 0 || sl.UsedEntries > sl.TotalEntries {
		return serrors.ValidationError("status list usedEntries %d is outside [0, %d]", sl.UsedEntries, sl.TotalEntries)
	}
	if sl.EncodedList == "" {
		return serrors.ValidationError("status list encodedList is required")
	}
	return nil
}

// CredentialStatusEntry binds one assertion to one slot in one status
// list. At most one entry exists per (credential, purpose).
type CredentialStatusEntry struct {
	ID              IRI
	CredentialID    IRI
	StatusListID    IRI
	StatusListIndex int64
	StatusSize      int64
	Purpose         StatusPurpose
	CurrentStatus   int64
	StatusReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks the structural invariants of a status entry.
func (e *CredentialStatusEntry) Validate() error {
	if !ValidIRI(e.ID) {
		return serrors.ValidationError("status entry id %q is not a valid IRI", e.ID)
	}
	if !ValidIRI(e.CredentialID) {
		return serrors.ValidationError("status entry credential %q is not a valid IRI", e.CredentialID)
	}
	if !ValidIRI(e.StatusListID) {
		return serrors.ValidationError("status entry status list %q is not a valid IRI", e.StatusListID)
	}
	if e.StatusListIndex < 0 {
		return serrors.ValidationError("status entry index %d is negative", e.StatusListIndex)
	}
	if !ValidStatusSize(e.StatusSize) {
		return serrors.ValidationError("status entry statusSize %d must be 1, 2, 4 or 8", e.StatusSize)
	}
	if !ValidStatusPurpose(e.Purpose) {
		return serrors.ValidationError("status entry purpose %q is not a known purpose", e.Purpose)
	}
	if max := int64(1)<<uint(e.StatusSize) - 1; e.CurrentStatus < 0 || e.CurrentStatus > max {
		return serrors.ValidationError("status entry value %d is outside [0, %d]", e.CurrentStatus, max)
	}
	return nil
}

// StatusPosition is the result of allocating one slot in a status list.
type StatusPosition struct {
	StatusListID IRI
	Index        int64
}

// StatusUpdate is the request shape for mutating a credential's status.
type StatusUpdate struct {
	CredentialID IRI
	Purpose      StatusPurpose
	Status       int64
	Reason       string
}

// StatusUpdateResult is the structured outcome of a status mutation. It is
// the only structured-result type; every other method returns the entity or
// an error.
type StatusUpdateResult struct {
	Success bool
	Error   string
	Entry   *CredentialStatusEntry
}

// StatusListStats aggregates capacity counters for one purpose.
type StatusListStats struct {
	Lists        int64
	TotalEntries int64
	UsedEntries  int64
}
