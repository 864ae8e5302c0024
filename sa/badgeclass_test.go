package sa

import (
	"testing"
	"time"

	"github.com/sigil-dev/sigil/core"
	serrors "github.com/sigil-dev/sigil/errors"
	"github.com/sigil-dev/sigil/test"
)

func TestBadgeClassCreateAndFind(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	repo := newBadgeClassRepo(dbMap, clk)
	issuer := goodIssuer(t, issuers)

	badgeClass, err := repo.Create(ctx, &core.BadgeClass{
		IssuerID:    issuer.ID,
		Name:        "Widget Wrangler",
		Description: "Wrangled a widget",
		Image:       core.ImageRef{Object: core.JSONMap{"id": "https://acme.example/badge.png", "caption": "gold"}},
		Criteria:    core.JSONMap{"narrative": "ship widget"},
		Tags:        []string{"widgets", "ops"},
		Version:     "1.0",
		Related:     core.JSONBuffer(`[{"id":"https://acme.example/related"}]`),
	})
	test.AssertNotError(t, err, "creating badge class")

	found, err := repo.FindByID(ctx, badgeClass.ID)
	test.AssertNotError(t, err, "finding badge class")
	test.Assert(t, found != nil, "badge class should be found")
	test.AssertEquals(t, found.Name, "Widget Wrangler")
	test.Assert(t, found.Image.IsObject(), "object image should stay an object")
	test.AssertEquals(t, found.Image.Object["caption"], "gold")
	test.AssertEquals(t, found.Criteria["narrative"], "ship widget")
	test.AssertDeepEquals(t, found.Tags, []string{"widgets", "ops"})
	test.AssertEquals(t, found.Version, "1.0")
	test.AssertEquals(t, string(found.Related), `[{"id":"https://acme.example/related"}]`)
}

func TestBadgeClassRequiredFields(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	repo := newBadgeClassRepo(dbMap, clk)
	issuer := goodIssuer(t, issuers)

	_, err := repo.Create(ctx, &core.BadgeClass{
		IssuerID: issuer.ID,
		Name:     "No description",
		Image:    core.ImageRef{IRI: "https://acme.example/badge.png"},
	})
	test.AssertError(t, err, "badge class without description accepted")
	test.Assert(t, serrors.Is(err, serrors.Validation), "expected a validation error")

	_, err = repo.Create(ctx, &core.BadgeClass{
		IssuerID:    issuer.ID,
		Name:        "No image",
		Description: "missing image",
	})
	test.AssertError(t, err, "badge class without image accepted")
}

// Criteria defaults to the empty object when omitted.
func TestBadgeClassCriteriaDefault(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	repo := newBadgeClassRepo(dbMap, clk)
	issuer := goodIssuer(t, issuers)

	badgeClass, err := repo.Create(ctx, &core.BadgeClass{
		IssuerID:    issuer.ID,
		Name:        "Minimal",
		Description: "minimal",
		Image:       core.ImageRef{IRI: "https://acme.example/badge.png"},
	})
	test.AssertNotError(t, err, "creating badge class")

	found, err := repo.FindByID(ctx, badgeClass.ID)
	test.AssertNotError(t, err, "finding badge class")
	test.Assert(t, found.Criteria != nil, "criteria should default to an object")
	test.AssertEquals(t, len(found.Criteria), 0)
}

func TestBadgeClassVersionChain(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	repo := newBadgeClassRepo(dbMap, clk)
	issuer := goodIssuer(t, issuers)
	otherIssuer := goodIssuer(t, issuers)

	b1 := goodBadgeClass(t, repo, issuer.ID)

	// Same issuer: allowed.
	b2, err := repo.Create(ctx, &core.BadgeClass{
		IssuerID:        issuer.ID,
		Name:            "Widget Wrangler v2",
		Description:     "Wrangled more widgets",
		Image:           core.ImageRef{IRI: "https://acme.example/badge2.png"},
		PreviousVersion: b1.ID,
	})
	test.AssertNotError(t, err, "creating second version")
	test.AssertEquals(t, b2.PreviousVersion, b1.ID)

	// Different issuer: rejected.
	_, err = repo.Create(ctx, &core.BadgeClass{
		IssuerID:        otherIssuer.ID,
		Name:            "Stolen valor",
		Description:     "chains across issuers",
		Image:           core.ImageRef{IRI: "https://acme.example/badge3.png"},
		PreviousVersion: b2.ID,
	})
	test.AssertError(t, err, "cross-issuer version chain accepted")
	test.Assert(t, serrors.Is(err, serrors.Validation), "expected a validation error")

	// Unknown previous version: rejected.
	_, err = repo.Create(ctx, &core.BadgeClass{
		IssuerID:        issuer.ID,
		Name:            "Orphan",
		Description:     "chains to nothing",
		Image:           core.ImageRef{IRI: "https://acme.example/badge4.png"},
		PreviousVersion: core.NewIRI(),
	})
	test.AssertError(t, err, "dangling version chain accepted")
}

func TestBadgeClassVersionCycleRejected(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	repo := newBadgeClassRepo(dbMap, clk)
	issuer := goodIssuer(t, issuers)

	b1 := goodBadgeClass(t, repo, issuer.ID)
	b2, err := repo.Create(ctx, &core.BadgeClass{
		IssuerID:        issuer.ID,
		Name:            "v2",
		Description:     "v2",
		Image:           core.ImageRef{IRI: "https://acme.example/badge.png"},
		PreviousVersion: b1.ID,
	})
	test.AssertNotError(t, err, "creating second version")

	// Completing the loop b1 -> b2 -> b1 must fail.
	prev := b2.ID
	_, err = repo.Update(ctx, b1.ID, core.BadgeClassUpdate{PreviousVersion: &prev})
	test.AssertError(t, err, "version cycle accepted")
	test.Assert(t, serrors.Is(err, serrors.Validation), "expected a validation error")

	self := b1.ID
	_, err = repo.Update(ctx, b1.ID, core.BadgeClassUpdate{PreviousVersion: &self})
	test.AssertError(t, err, "self-referencing version accepted")
}

func TestBadgeClassFindByIssuer(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	repo := newBadgeClassRepo(dbMap, clk)
	issuerA := goodIssuer(t, issuers)
	issuerB := goodIssuer(t, issuers)

	for i := 0; i < 3; i++ {
		goodBadgeClass(t, repo, issuerA.ID)
		clk.Add(time.Second)
	}
	goodBadgeClass(t, repo, issuerB.ID)

	listA, err := repo.FindByIssuer(ctx, issuerA.ID)
	test.AssertNotError(t, err, "listing issuer A badge classes")
	test.AssertEquals(t, len(listA), 3)

	listB, err := repo.FindByIssuer(ctx, issuerB.ID)
	test.AssertNotError(t, err, "listing issuer B badge classes")
	test.AssertEquals(t, len(listB), 1)

	page, err := repo.FindByIssuerPaged(ctx, issuerA.ID, 2, 2)
	test.AssertNotError(t, err, "paging issuer A badge classes")
	test.AssertEquals(t, len(page), 1)
}

func TestBadgeClassUpdateMergesPartial(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	repo := newBadgeClassRepo(dbMap, clk)
	issuer := goodIssuer(t, issuers)
	badgeClass := goodBadgeClass(t, repo, issuer.ID)

	clk.Add(time.Minute)
	desc := "Now with more widgets"
	updated, err := repo.Update(ctx, badgeClass.ID, core.BadgeClassUpdate{Description: &desc})
	test.AssertNotError(t, err, "updating badge class")
	test.AssertEquals(t, updated.Description, desc)
	test.AssertEquals(t, updated.Name, badgeClass.Name)
	test.AssertEquals(t, updated.ID, badgeClass.ID)
	test.AssertEquals(t, updated.CreatedAt, badgeClass.CreatedAt)
	test.Assert(t, updated.UpdatedAt.After(badgeClass.UpdatedAt), "updatedAt should advance")
}
