package sa

import (
	"time"

	gorp "gopkg.in/go-gorp/gorp.v2"

	"github.com/sigil-dev/sigil/core"
	"github.com/sigil-dev/sigil/db"
	serrors "github.com/sigil-dev/sigil/errors"
)

// The row models below describe the five tables. Both backends share one
// model set; the type converter translates the field types to whatever the
// engine stores. Mappers enforce invariants at the boundary and never let a
// row with a missing required field cross into the domain.

type issuerModel struct {
	ID               core.IRI        `db:"id"`
	Name             string          `db:"name"`
	URL              core.IRI        `db:"url"`
	Email            *string         `db:"email"`
	Description      *string         `db:"description"`
	Image            *core.ImageRef  `db:"image"`
	PublicKey        core.JSONBuffer `db:"public_key"`
	AdditionalFields core.JSONMap    `db:"additional_fields"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

type badgeClassModel struct {
	ID               core.IRI        `db:"id"`
	IssuerID         core.IRI        `db:"issuer_id"`
	Name             string          `db:"name"`
	Description      string          `db:"description"`
	Image            core.ImageRef   `db:"image"`
	Criteria         core.JSONMap    `db:"criteria"`
	Alignment        core.JSONBuffer `db:"alignment"`
	Tags             []string        `db:"tags"`
	Version          *string         `db:"version"`
	PreviousVersion  *core.IRI       `db:"previous_version"`
	Related          core.JSONBuffer `db:"related"`
	Endorsement      core.JSONBuffer `db:"endorsement"`
	AdditionalFields core.JSONMap    `db:"additional_fields"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

type assertionModel struct {
	ID               core.IRI        `db:"id"`
	BadgeClassID     core.IRI        `db:"badge_class_id"`
	IssuerID         core.IRI        `db:"issuer_id"`
	Recipient        core.Recipient  `db:"recipient"`
	IssuedOn         time.Time       `db:"issued_on"`
	Expires          *time.Time      `db:"expires"`
	Evidence         core.JSONBuffer `db:"evidence"`
	Verification     core.JSONBuffer `db:"verification"`
	Revoked          bool            `db:"revoked"`
	RevocationReason *string         `db:"revocation_reason"`
	AdditionalFields core.JSONMap    `db:"additional_fields"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

type statusListModel struct {
	ID           core.IRI           `db:"id"`
	IssuerID     core.IRI           `db:"issuer_id"`
	Purpose      core.StatusPurpose `db:"purpose"`
	StatusSize   int64              `db:"status_size"`
	EncodedList  string             `db:"encoded_list"`
	TTL          *int64             `db:"ttl"`
	TotalEntries int64              `db:"total_entries"`
	UsedEntries  int64              `db:"used_entries"`
	Metadata     core.JSONBuffer    `db:"metadata"`
	CreatedAt    time.Time          `db:"created_at"`
	UpdatedAt    time.Time          `db:"updated_at"`
}

type statusEntryModel struct {
	ID              core.IRI           `db:"id"`
	CredentialID    core.IRI           `db:"credential_id"`
	StatusListID    core.IRI           `db:"status_list_id"`
	StatusListIndex int64              `db:"status_list_index"`
	StatusSize      int64              `db:"status_size"`
	Purpose         core.StatusPurpose `db:"purpose"`
	CurrentStatus   int64              `db:"current_status"`
	StatusReason    *string            `db:"status_reason"`
	CreatedAt       time.Time          `db:"created_at"`
	UpdatedAt       time.Time          `db:"updated_at"`
}

// initTables constructs the table map for the ORM. Schema creation is
// separate; see CreateTables.
func initTables(dbMap *gorp.DbMap) {
	dbMap.AddTableWithName(issuerModel{}, "issuers").SetKeys(false, "ID")
	dbMap.AddTableWithName(badgeClassModel{}, "badge_classes").SetKeys(false, "ID")
	dbMap.AddTableWithName(assertionModel{}, "assertions").SetKeys(false, "ID")
	dbMap.AddTableWithName(statusListModel{}, "status_lists").SetKeys(false, "ID")
	dbMap.AddTableWithName(statusEntryModel{}, "credential_status_entries").SetKeys(false, "ID")
}

const issuerFields = "id, name, url, email, description, image, public_key, additional_fields, created_at, updated_at"

func selectIssuer(s db.OneSelector, q string, args map[string]interface{}) (*issuerModel, error) {
	var model issuerModel
	err := s.SelectOne(
		&model,
		"SELECT "+issuerFields+" FROM issuers "+q,
		ensureArgs(args),
	)
	return &model, err
}

func selectIssuers(s db.Selector, q string, args map[string]interface{}) ([]issuerModel, error) {
	var models []issuerModel
	_, err := s.Select(
		&models,
		"SELECT "+issuerFields+" FROM issuers "+q,
		ensureArgs(args),
	)
	return models, err
}

const badgeClassFields = "id, issuer_id, name, description, image, criteria, alignment, tags, version, previous_version, related, endorsement, additional_fields, created_at, updated_at"

func selectBadgeClass(s db.OneSelector, q string, args map[string]interface{}) (*badgeClassModel, error) {
	var model badgeClassModel
	err := s.SelectOne(
		&model,
		"SELECT "+badgeClassFields+" FROM badge_classes "+q,
		ensureArgs(args),
	)
	return &model, err
}

func selectBadgeClasses(s db.Selector, q string, args map[string]interface{}) ([]badgeClassModel, error) {
	var models []badgeClassModel
	_, err := s.Select(
		&models,
		"SELECT "+badgeClassFields+" FROM badge_classes "+q,
		ensureArgs(args),
	)
	return models, err
}

const assertionFields = "id, badge_class_id, issuer_id, recipient, issued_on, expires, evidence, verification, revoked, revocation_reason, additional_fields, created_at, updated_at"

func selectAssertion(s db.OneSelector, q string, args map[string]interface{}) (*assertionModel, error) {
	var model assertionModel
	err := s.SelectOne(
		&model,
		"SELECT "+assertionFields+" FROM assertions "+q,
		ensureArgs(args),
	)
	return &model, err
}

func selectAssertions(s db.Selector, q string, args map[string]interface{}) ([]assertionModel, error) {
	var models []assertionModel
	_, err := s.Select(
		&models,
		"SELECT "+assertionFields+" FROM assertions "+q,
		ensureArgs(args),
	)
	return models, err
}

const statusListFields = "id, issuer_id, purpose, status_size, encoded_list, ttl, total_entries, used_entries, metadata, created_at, updated_at"

func selectStatusList(s db.OneSelector, q string, args map[string]interface{}) (*statusListModel, error) {
	var model statusListModel
	err := s.SelectOne(
		&model,
		"SELECT "+statusListFields+" FROM status_lists "+q,
		ensureArgs(args),
	)
	return &model, err
}

func selectStatusLists(s db.Selector, q string, args map[string]interface{}) ([]statusListModel, error) {
	var models []statusListModel
	_, err := s.Select(
		&models,
		"SELECT "+statusListFields+" FROM status_lists "+q,
		ensureArgs(args),
	)
	return models, err
}

const statusEntryFields = "id, credential_id, status_list_id, status_list_index, status_size, purpose, current_status, status_reason, created_at, updated_at"

func selectStatusEntry(s db.OneSelector, q string, args map[string]interface{}) (*statusEntryModel, error) {
	var model statusEntryModel
	err := s.SelectOne(
		&model,
		"SELECT "+statusEntryFields+" FROM credential_status_entries "+q,
		ensureArgs(args),
	)
	return &model, err
}

func selectStatusEntries(s db.Selector, q string, args map[string]interface{}) ([]statusEntryModel, error) {
	var models []statusEntryModel
	_, err := s.Select(
		&models,
		"SELECT "+statusEntryFields+" FROM credential_status_entries "+q,
		ensureArgs(args),
	)
	return models, err
}

// ensureArgs keeps the named-parameter expansion happy for queries without
// parameters.
func ensureArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}

// strOrNil maps the empty string to NULL.
func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func issuerToModel(i *core.Issuer) (*issuerModel, error) {
	if i.ID == "" {
		return nil, serrors.InternalServerError("issuer is missing an id")
	}
	return &issuerModel{
		ID:               i.ID,
		Name:             i.Name,
		URL:              i.URL,
		Email:            strOrNil(i.Email),
		Description:      strOrNil(i.Description),
		Image:            i.Image,
		PublicKey:        i.PublicKey,
		AdditionalFields: i.AdditionalFields,
		CreatedAt:        i.CreatedAt,
		UpdatedAt:        i.UpdatedAt,
	}, nil
}

func modelToIssuer(m *issuerModel) (*core.Issuer, error) {
	if m.ID == "" || m.Name == "" || m.URL == "" {
		return nil, serrors.CorruptionError("issuer row %q is missing required fields", m.ID)
	}
	return &core.Issuer{
		ID:               m.ID,
		Name:             m.Name,
		URL:              m.URL,
		Email:            derefStr(m.Email),
		Description:      derefStr(m.Description),
		Image:            m.Image,
		PublicKey:        m.PublicKey,
		AdditionalFields: m.AdditionalFields,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}, nil
}

func badgeClassToModel(b *core.BadgeClass) (*badgeClassModel, error) {
	if b.ID == "" || b.IssuerID == "" {
		return nil, serrors.InternalServerError("badge class is missing an id or issuer")
	}
	var prev *core.IRI
	if b.PreviousVersion != "" {
		p := b.PreviousVersion
		prev = &p
	}
	criteria := b.Criteria
	if criteria == nil {
		criteria = core.JSONMap{}
	}
	return &badgeClassModel{
		ID:               b.ID,
		IssuerID:         b.IssuerID,
		Name:             b.Name,
		Description:      b.Description,
		Image:            b.Image,
		Criteria:         criteria,
		Alignment:        b.Alignment,
		Tags:             b.Tags,
		Version:          strOrNil(b.Version),
		PreviousVersion:  prev,
		Related:          b.Related,
		Endorsement:      b.Endorsement,
		AdditionalFields: b.AdditionalFields,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}, nil
}

func modelToBadgeClass(m *badgeClassModel) (*core.BadgeClass, error) {
	if m.ID == "" || m.IssuerID == "" || m.Name == "" || m.Description == "" {
		return nil, serrors.CorruptionError("badge class row %q is missing required fields", m.ID)
	}
	var prev core.IRI
	if m.PreviousVersion != nil {
		prev = *m.PreviousVersion
	}
	criteria := m.Criteria
	if criteria == nil {
		criteria = core.JSONMap{}
	}
	return &core.BadgeClass{
		ID:               m.ID,
		IssuerID:         m.IssuerID,
		Name:             m.Name,
		Description:      m.Description,
		Image:            m.Image,
		Criteria:         criteria,
		Alignment:        m.Alignment,
		Tags:             m.Tags,
		Version:          derefStr(m.Version),
		PreviousVersion:  prev,
		Related:          m.Related,
		Endorsement:      m.Endorsement,
		AdditionalFields: m.AdditionalFields,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}, nil
}

func assertionToModel(a *core.Assertion) (*assertionModel, error) {
	if a.ID == "" || a.BadgeClassID == "" || a.IssuerID == "" {
		return nil, serrors.InternalServerError("assertion is missing an id, badge class, or issuer")
	}
	if a.Revoked && a.RevocationReason == "" {
		return nil, serrors.InternalServerError("revoked assertion %q has no revocation reason", a.ID)
	}
	return &assertionModel{
		ID:               a.ID,
		BadgeClassID:     a.BadgeClassID,
		IssuerID:         a.IssuerID,
		Recipient:        a.Recipient,
		IssuedOn:         a.IssuedOn,
		Expires:          a.Expires,
		Evidence:         a.Evidence,
		Verification:     a.Verification,
		Revoked:          a.Revoked,
		RevocationReason: strOrNil(a.RevocationReason),
		AdditionalFields: a.AdditionalFields,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}, nil
}

func modelToAssertion(m *assertionModel) (*core.Assertion, error) {
	if m.ID == "" || m.BadgeClassID == "" || m.IssuerID == "" {
		return nil, serrors.CorruptionError("assertion row %q is missing required fields", m.ID)
	}
	if m.IssuedOn.IsZero() {
		return nil, serrors.CorruptionError("assertion row %q has no issuedOn", m.ID)
	}
	return &core.Assertion{
		ID:               m.ID,
		BadgeClassID:     m.BadgeClassID,
		IssuerID:         m.IssuerID,
		Recipient:        m.Recipient,
		IssuedOn:         m.IssuedOn,
		Expires:          m.Expires,
		Evidence:         m.Evidence,
		Verification:     m.Verification,
		Revoked:          m.Revoked,
		RevocationReason: derefStr(m.RevocationReason),
		AdditionalFields: m.AdditionalFields,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}, nil
}

func statusListToModel(sl *core.StatusList) (*statusListModel, error) {
	if sl.ID == "" || sl.IssuerID == "" {
		return nil, serrors.InternalServerError("status list is missing an id or issuer")
	}
	return &statusListModel{
		ID:           sl.ID,
		IssuerID:     sl.IssuerID,
		Purpose:      sl.Purpose,
		StatusSize:   sl.StatusSize,
		EncodedList:  sl.EncodedList,
		TTL:          sl.TTL,
		TotalEntries: sl.TotalEntries,
		UsedEntries:  sl.UsedEntries,
		Metadata:     sl.Metadata,
		CreatedAt:    sl.CreatedAt,
		UpdatedAt:    sl.UpdatedAt,
	}, nil
}

func modelToStatusList(m *statusListModel) (*core.StatusList, error) {
	if m.ID == "" || m.IssuerID == "" || m.EncodedList == "" {
		return nil, serrors.CorruptionError("status list row %q is missing required fields", m.ID)
	}
	if !core.ValidStatusSize(m.StatusSize) {
		return nil, serrors.CorruptionError("status list row %q has statusSize %d", m.ID, m.StatusSize)
	}
	return &core.StatusList{
		ID:           m.ID,
		IssuerID:     m.IssuerID,
		Purpose:      m.Purpose,
		StatusSize:   m.StatusSize,
		EncodedList:  m.EncodedList,
		TTL:          m.TTL,
		TotalEntries: m.TotalEntries,
		UsedEntries:  m.UsedEntries,
		Metadata:     m.Metadata,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}, nil
}

func statusEntryToModel(e *core.CredentialStatusEntry) (*statusEntryModel, error) {
	if e.ID == "" || e.CredentialID == "" || e.StatusListID == "" {
		return nil, serrors.InternalServerError("status entry is missing an id, credential, or status list")
	}
	return &statusEntryModel{
		ID:              e.ID,
		CredentialID:    e.CredentialID,
		StatusListID:    e.StatusListID,
		StatusListIndex: e.StatusListIndex,
		StatusSize:      e.StatusSize,
		Purpose:         e.Purpose,
		CurrentStatus:   e.CurrentStatus,
		StatusReason:    strOrNil(e.StatusReason),
		CreatedAt:       e.CreatedAt,
		UpdatedAt:       e.UpdatedAt,
	}, nil
}

func modelToStatusEntry(m *statusEntryModel) (*core.CredentialStatusEntry, error) {
	if m.ID == "" || m.CredentialID == "" || m.StatusListID == "" {
		return nil, serrors.CorruptionError("status entry row %q is missing required fields", m.ID)
	}
	if !core.ValidStatusSize(m.StatusSize) {
		return nil, serrors.CorruptionError("status entry row %q has statusSize %d", m.ID, m.StatusSize)
	}
	return &core.CredentialStatusEntry{
		ID:              m.ID,
		CredentialID:    m.CredentialID,
		StatusListID:    m.StatusListID,
		StatusListIndex: m.StatusListIndex,
		StatusSize:      m.StatusSize,
		Purpose:         m.Purpose,
		CurrentStatus:   m.CurrentStatus,
		StatusReason:    derefStr(m.StatusReason),
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}, nil
}

// applyIssuerUpdate merges a partial update over the current entity,
// leaving nil fields alone.
func applyIssuerUpdate(i *core.Issuer, u core.IssuerUpdate) {
	if u.Name != nil {
		i.Name = *u.Name
	}
	if u.URL != nil {
		i.URL = *u.URL
	}
	if u.Email != nil {
		i.Email = *u.Email
	}
	if u.Description != nil {
		i.Description = *u.Description
	}
	if u.Image != nil {
		img := *u.Image
		i.Image = &img
	}
	if u.PublicKey != nil {
		i.PublicKey = u.PublicKey
	}
	if u.AdditionalFields != nil {
		i.AdditionalFields = u.AdditionalFields
	}
}

func applyBadgeClassUpdate(b *core.BadgeClass, u core.BadgeClassUpdate) {
	if u.IssuerID != nil {
		b.IssuerID = *u.IssuerID
	}
	if u.Name != nil {
		b.Name = *u.Name
	}
	if u.Description != nil {
		b.Description = *u.Description
	}
	if u.Image != nil {
		b.Image = *u.Image
	}
	if u.Criteria != nil {
		b.Criteria = u.Criteria
	}
	if u.Alignment != nil {
		b.Alignment = u.Alignment
	}
	if u.Tags != nil {
		b.Tags = *u.Tags
	}
	if u.Version != nil {
		b.Version = *u.Version
	}
	if u.PreviousVersion != nil {
		b.PreviousVersion = *u.PreviousVersion
	}
	if u.Related != nil {
		b.Related = u.Related
	}
	if u.Endorsement != nil {
		b.Endorsement = u.Endorsement
	}
	if u.AdditionalFields != nil {
		b.AdditionalFields = u.AdditionalFields
	}
}

func applyAssertionUpdate(a *core.Assertion, u core.AssertionUpdate) {
	if u.Recipient != nil {
		a.Recipient = *u.Recipient
	}
	if u.Expires != nil {
		exp := *u.Expires
		a.Expires = &exp
	}
	if u.Evidence != nil {
		a.Evidence = u.Evidence
	}
	if u.Verification != nil {
		a.Verification = u.Verification
	}
	if u.Revoked != nil {
		a.Revoked = *u.Revoked
	}
	if u.RevocationReason != nil {
		a.RevocationReason = *u.RevocationReason
	}
	if u.AdditionalFields != nil {
		a.AdditionalFields = u.AdditionalFields
	}
}
