package sa

import (
	"context"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/sigil-dev/sigil/core"
	"github.com/sigil-dev/sigil/db"
	serrors "github.com/sigil-dev/sigil/errors"
	blog "github.com/sigil-dev/sigil/log"
	"github.com/sigil-dev/sigil/metrics"
	"github.com/sigil-dev/sigil/test"
)

var ctx = context.Background()

// initSA constructs a fresh in-memory backend and a clean up function that
// should be defer'ed to the end of the test.
func initSA(t *testing.T) (*db.WrappedMap, clock.FakeClock, func()) {
	t.Helper()
	clk := clock.NewFake()
	clk.Set(time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC))

	dbMap, err := db.NewDbMap(db.Config{
		Driver:        "sqlite3",
		DSN:           "file::memory:?_foreign_keys=on&_busy_timeout=5000",
		TypeConverter: NewTypeConverter("sqlite3"),
	}, clk, blog.NewMock().Logger, metrics.NewNoopScope())
	if err != nil {
		t.Fatalf("Failed to create dbMap: %s", err)
	}
	initTables(dbMap.Underlying())
	if err := CreateTables(dbMap); err != nil {
		t.Fatalf("Failed to create schema: %s", err)
	}
	return dbMap, clk, func() {
		_ = dbMap.Close()
	}
}

func newIssuerRepo(dbMap *db.WrappedMap, clk clock.Clock) *SQLIssuerRepository {
	return NewSQLIssuerRepository(dbMap, clk, blog.NewMock().Logger, metrics.NewNoopScope())
}

func newBadgeClassRepo(dbMap *db.WrappedMap, clk clock.Clock) *SQLBadgeClassRepository {
	return NewSQLBadgeClassRepository(dbMap, clk, blog.NewMock().Logger, metrics.NewNoopScope())
}

func newAssertionRepo(dbMap *db.WrappedMap, clk clock.Clock) *SQLAssertionRepository {
	return NewSQLAssertionRepository(dbMap, clk, blog.NewMock().Logger, metrics.NewNoopScope())
}

func newStatusListRepo(dbMap *db.WrappedMap, clk clock.Clock) *SQLStatusListRepository {
	return NewSQLStatusListRepository(dbMap, clk, blog.NewMock().Logger, metrics.NewNoopScope())
}

// goodIssuer inserts a minimal valid issuer and returns it.
func goodIssuer(t *testing.T, repo *SQLIssuerRepository) *core.Issuer {
	t.Helper()
	issuer, err := repo.Create(ctx, &core.Issuer{
		Name: "Acme",
		URL:  "https://acme.example",
	})
	test.AssertNotError(t, err, "creating issuer")
	return issuer
}

// goodBadgeClass inserts a minimal valid badge class under the issuer.
func goodBadgeClass(t *testing.T, repo *SQLBadgeClassRepository, issuerID core.IRI) *core.BadgeClass {
	t.Helper()
	badgeClass, err := repo.Create(ctx, &core.BadgeClass{
		IssuerID:    issuerID,
		Name:        "Widget Wrangler",
		Description: "Wrangled a widget",
		Image:       core.ImageRef{IRI: "https://acme.example/badge.png"},
		Criteria:    core.JSONMap{"narrative": "ship widget"},
	})
	test.AssertNotError(t, err, "creating badge class")
	return badgeClass
}

// goodAssertion issues the badge class to a recipient.
func goodAssertion(t *testing.T, repo *SQLAssertionRepository, clk clock.Clock, badgeClass *core.BadgeClass) *core.Assertion {
	t.Helper()
	assertion, err := repo.Create(ctx, &core.Assertion{
		BadgeClassID: badgeClass.ID,
		IssuerID:     badgeClass.IssuerID,
		Recipient:    core.Recipient{Type: "email", Identity: "a@b.test", Hashed: false},
		IssuedOn:     clk.Now().Add(-time.Hour),
	})
	test.AssertNotError(t, err, "creating assertion")
	return assertion
}

func TestIssuerCreateAndFind(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	repo := newIssuerRepo(dbMap, clk)

	issuer, err := repo.Create(ctx, &core.Issuer{
		Name:        "Acme",
		URL:         "https://acme.example",
		Email:       "badges@acme.example",
		Description: "Acme widget badges",
		Image:       &core.ImageRef{IRI: "https://acme.example/logo.png"},
		PublicKey:   core.JSONBuffer(`{"kty":"OKP","crv":"Ed25519","x":"abc"}`),
		AdditionalFields: core.JSONMap{
			"telephone": "+1-555-0100",
		},
	})
	test.AssertNotError(t, err, "creating issuer")
	test.Assert(t, issuer.ID != "", "create should assign an id")
	test.Assert(t, core.ValidIRI(issuer.ID), "assigned id should be a valid IRI")
	test.AssertEquals(t, issuer.CreatedAt, clk.Now())

	found, err := repo.FindByID(ctx, issuer.ID)
	test.AssertNotError(t, err, "finding issuer")
	test.Assert(t, found != nil, "issuer should be found")
	test.AssertEquals(t, found.Name, "Acme")
	test.AssertEquals(t, found.Email, "badges@acme.example")
	test.AssertEquals(t, found.URL, core.IRI("https://acme.example"))
	test.Assert(t, found.Image != nil && found.Image.IRI == "https://acme.example/logo.png",
		"image IRI should round-trip")
	test.AssertEquals(t, found.AdditionalFields["telephone"], "+1-555-0100")
	test.AssertEquals(t, string(found.PublicKey), `{"kty":"OKP","crv":"Ed25519","x":"abc"}`)
}

func TestIssuerFindByIDMissing(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	repo := newIssuerRepo(dbMap, clk)

	found, err := repo.FindByID(ctx, core.NewIRI())
	test.AssertNotError(t, err, "missing issuer should not error")
	test.Assert(t, found == nil, "missing issuer should be nil")
}

func TestIssuerCreateValidation(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	repo := newIssuerRepo(dbMap, clk)

	_, err := repo.Create(ctx, &core.Issuer{URL: "https://acme.example"})
	test.AssertError(t, err, "nameless issuer accepted")
	test.Assert(t, serrors.Is(err, serrors.Validation), "expected a validation error")

	_, err = repo.Create(ctx, &core.Issuer{Name: "Acme", URL: "not a url"})
	test.AssertError(t, err, "bad url accepted")
	test.Assert(t, serrors.Is(err, serrors.Validation), "expected a validation error")
}

func TestIssuerUpdatePreservesIDAndCreatedAt(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	repo := newIssuerRepo(dbMap, clk)
	issuer := goodIssuer(t, repo)

	clk.Add(time.Minute)
	newName := "New Acme"
	updated, err := repo.Update(ctx, issuer.ID, core.IssuerUpdate{Name: &newName})
	test.AssertNotError(t, err, "updating issuer")
	test.AssertEquals(t, updated.ID, issuer.ID)
	test.AssertEquals(t, updated.CreatedAt, issuer.CreatedAt)
	test.AssertEquals(t, updated.Name, "New Acme")
	test.Assert(t, updated.UpdatedAt.After(issuer.UpdatedAt), "updatedAt should advance")
	// Fields not named in the update are untouched.
	test.AssertEquals(t, updated.URL, issuer.URL)

	found, err := repo.FindByID(ctx, issuer.ID)
	test.AssertNotError(t, err, "re-reading issuer")
	test.AssertEquals(t, found.Name, "New Acme")
	test.AssertEquals(t, found.CreatedAt, issuer.CreatedAt)
}

func TestIssuerUpdateAdvancesUpdatedAtUnderFrozenClock(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	repo := newIssuerRepo(dbMap, clk)
	issuer := goodIssuer(t, repo)

	// No clock movement: updatedAt must still be strictly greater.
	newName := "Still Acme"
	updated, err := repo.Update(ctx, issuer.ID, core.IssuerUpdate{Name: &newName})
	test.AssertNotError(t, err, "updating issuer")
	test.Assert(t, updated.UpdatedAt.After(issuer.UpdatedAt), "updatedAt should advance under a frozen clock")
}

func TestIssuerUpdateMissing(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	repo := newIssuerRepo(dbMap, clk)

	name := "Ghost"
	_, err := repo.Update(ctx, core.NewIRI(), core.IssuerUpdate{Name: &name})
	test.AssertError(t, err, "updating a missing issuer should fail")
	test.Assert(t, serrors.Is(err, serrors.NotFound), "expected a not-found error")
}

func TestIssuerDelete(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	repo := newIssuerRepo(dbMap, clk)
	issuer := goodIssuer(t, repo)

	deleted, err := repo.Delete(ctx, issuer.ID)
	test.AssertNotError(t, err, "deleting issuer")
	test.Assert(t, deleted, "delete should report a removed row")

	deleted, err = repo.Delete(ctx, issuer.ID)
	test.AssertNotError(t, err, "second delete should not error")
	test.Assert(t, !deleted, "second delete should report no removed row")
}

func TestIssuerPagination(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	repo := newIssuerRepo(dbMap, clk)

	for i := 0; i < 5; i++ {
		goodIssuer(t, repo)
		clk.Add(time.Second)
	}

	page, err := repo.FindAllPaged(ctx, 2, 0)
	test.AssertNotError(t, err, "first page")
	test.AssertEquals(t, len(page), 2)

	page, err = repo.FindAllPaged(ctx, 2, 4)
	test.AssertNotError(t, err, "last page")
	test.AssertEquals(t, len(page), 1)

	all, err := repo.FindAll(ctx)
	test.AssertNotError(t, err, "unbounded listing")
	test.AssertEquals(t, len(all), 5)
}

func TestPaginationBoundsRejectedBeforeBackend(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	repo := newIssuerRepo(dbMap, clk)

	for _, tc := range []struct{ limit, offset int64 }{
		{0, 0}, {-1, 0}, {1001, 0}, {10, -1},
	} {
		_, err := repo.FindAllPaged(ctx, tc.limit, tc.offset)
		test.AssertError(t, err, "bad pagination accepted")
		test.Assert(t, serrors.Is(err, serrors.Validation), "expected a validation error")
	}
}

func TestUnboundedFindAllLogsWarning(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	mock := blog.NewMock()
	repo := NewSQLIssuerRepository(dbMap, clk, mock.Logger, metrics.NewNoopScope())

	_, err := repo.FindAll(ctx)
	test.AssertNotError(t, err, "unbounded listing")
	test.Assert(t, len(mock.GetAllMatching(`WARNING.*unbounded`)) == 1,
		"unbounded listing should warn")
}

// Deleting an issuer removes every badge class, assertion, and status list
// reachable from it.
func TestCascadeDelete(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	badgeClasses := newBadgeClassRepo(dbMap, clk)
	assertions := newAssertionRepo(dbMap, clk)
	statusLists := newStatusListRepo(dbMap, clk)

	issuer := goodIssuer(t, issuers)
	badgeClass := goodBadgeClass(t, badgeClasses, issuer.ID)
	assertion := goodAssertion(t, assertions, clk, badgeClass)

	entry, err := statusLists.AssignStatusToCredential(
		ctx, assertion.ID, issuer.ID, core.StatusPurposeRevocation, 1)
	test.AssertNotError(t, err, "assigning status")

	deleted, err := issuers.Delete(ctx, issuer.ID)
	test.AssertNotError(t, err, "deleting issuer")
	test.Assert(t, deleted, "issuer should be removed")

	foundBC, err := badgeClasses.FindByID(ctx, badgeClass.ID)
	test.AssertNotError(t, err, "finding badge class after cascade")
	test.Assert(t, foundBC == nil, "badge class should be gone")

	foundA, err := assertions.FindByID(ctx, assertion.ID)
	test.AssertNotError(t, err, "finding assertion after cascade")
	test.Assert(t, foundA == nil, "assertion should be gone")

	foundSL, err := statusLists.FindByID(ctx, entry.StatusListID)
	test.AssertNotError(t, err, "finding status list after cascade")
	test.Assert(t, foundSL == nil, "status list should be gone")

	foundEntry, err := statusLists.FindStatusEntry(ctx, assertion.ID, core.StatusPurposeRevocation)
	test.AssertNotError(t, err, "finding status entry after cascade")
	test.Assert(t, foundEntry == nil, "status entry should be gone")
}
