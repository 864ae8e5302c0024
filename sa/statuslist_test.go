package sa

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/sigil-dev/sigil/bitstring"
	"github.com/sigil-dev/sigil/core"
	serrors "github.com/sigil-dev/sigil/errors"
	"github.com/sigil-dev/sigil/test"
)

// Issue a credential, bind it to a revocation slot, revoke it, and read
// the status back from the bitstring.
func TestIssueAndRevoke(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	badgeClasses := newBadgeClassRepo(dbMap, clk)
	assertions := newAssertionRepo(dbMap, clk)
	statusLists := newStatusListRepo(dbMap, clk)

	issuer := goodIssuer(t, issuers)
	badgeClass := goodBadgeClass(t, badgeClasses, issuer.ID)
	assertion := goodAssertion(t, assertions, clk, badgeClass)

	position, err := statusLists.AllocateStatusPosition(
		ctx, issuer.ID, core.StatusPurposeRevocation, 1)
	test.AssertNotError(t, err, "allocating status position")
	test.AssertEquals(t, position.Index, int64(0))

	entry, err := statusLists.CreateStatusEntry(ctx, &core.CredentialStatusEntry{
		CredentialID:    assertion.ID,
		StatusListID:    position.StatusListID,
		StatusListIndex: position.Index,
		StatusSize:      1,
		Purpose:         core.StatusPurposeRevocation,
		CurrentStatus:   0,
	})
	test.AssertNotError(t, err, "creating status entry")

	status, err := statusLists.GetStatus(ctx, assertion.ID, core.StatusPurposeRevocation)
	test.AssertNotError(t, err, "reading initial status")
	test.AssertEquals(t, status, int64(0))

	result := statusLists.UpdateCredentialStatus(ctx, core.StatusUpdate{
		CredentialID: assertion.ID,
		Purpose:      core.StatusPurposeRevocation,
		Status:       1,
		Reason:       "fraud",
	})
	test.Assert(t, result.Success, "status update should succeed: "+result.Error)
	test.AssertEquals(t, result.Entry.CurrentStatus, int64(1))
	test.AssertEquals(t, result.Entry.StatusReason, "fraud")

	status, err = statusLists.GetStatus(ctx, assertion.ID, core.StatusPurposeRevocation)
	test.AssertNotError(t, err, "reading status after revocation")
	test.AssertEquals(t, status, int64(1))

	stored, err := statusLists.FindStatusEntry(ctx, assertion.ID, core.StatusPurposeRevocation)
	test.AssertNotError(t, err, "re-reading status entry")
	test.AssertEquals(t, stored.StatusReason, "fraud")
	test.AssertEquals(t, stored.CurrentStatus, int64(1))

	list, err := statusLists.FindByID(ctx, entry.StatusListID)
	test.AssertNotError(t, err, "re-reading status list")
	test.AssertEquals(t, list.UsedEntries, int64(1))
	test.AssertEquals(t, list.TotalEntries, int64(core.DefaultStatusListSize))
}

// With statusSize=2, setting index 3 to value 2 must produce byte 0 ==
// 0b00000010 in the decoded list and leave every other byte zero.
func TestStatusBitPackingAtByteBoundary(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	badgeClasses := newBadgeClassRepo(dbMap, clk)
	assertions := newAssertionRepo(dbMap, clk)
	statusLists := newStatusListRepo(dbMap, clk)

	issuer := goodIssuer(t, issuers)
	badgeClass := goodBadgeClass(t, badgeClasses, issuer.ID)

	// Occupy slots 0..3; the fourth credential lands at index 3.
	var last *core.CredentialStatusEntry
	for i := 0; i < 4; i++ {
		assertion := goodAssertion(t, assertions, clk, badgeClass)
		entry, err := statusLists.AssignStatusToCredential(
			ctx, assertion.ID, issuer.ID, core.StatusPurposeSuspension, 2)
		test.AssertNotError(t, err, "assigning status slot")
		test.AssertEquals(t, entry.StatusListIndex, int64(i))
		last = entry
	}

	result := statusLists.UpdateCredentialStatus(ctx, core.StatusUpdate{
		CredentialID: last.CredentialID,
		Purpose:      core.StatusPurposeSuspension,
		Status:       2,
	})
	test.Assert(t, result.Success, "status update should succeed: "+result.Error)

	list, err := statusLists.FindByID(ctx, last.StatusListID)
	test.AssertNotError(t, err, "reading status list")
	bits, err := bitstring.DecodeList(list.EncodedList,
		bitstring.ByteLength(list.TotalEntries, list.StatusSize))
	test.AssertNotError(t, err, "decoding status list")
	test.AssertEquals(t, bits[0], byte(0x02))
	for i := 1; i < len(bits); i++ {
		if bits[i] != 0 {
			t.Fatalf("byte %d unexpectedly nonzero: %#x", i, bits[i])
		}
	}
}

// Two parallel issuance flows with no existing status list: exactly one
// list is created and the entries get distinct indices 0 and 1.
func TestConcurrentAllocation(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	badgeClasses := newBadgeClassRepo(dbMap, clk)
	assertions := newAssertionRepo(dbMap, clk)
	statusLists := newStatusListRepo(dbMap, clk)

	issuer := goodIssuer(t, issuers)
	badgeClass := goodBadgeClass(t, badgeClasses, issuer.ID)
	a1 := goodAssertion(t, assertions, clk, badgeClass)
	a2 := goodAssertion(t, assertions, clk, badgeClass)

	entries := make([]*core.CredentialStatusEntry, 2)
	var eg errgroup.Group
	for i, credential := range []core.IRI{a1.ID, a2.ID} {
		i, credential := i, credential
		eg.Go(func() error {
			entry, err := statusLists.AssignStatusToCredential(
				ctx, credential, issuer.ID, core.StatusPurposeRevocation, 1)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	test.AssertNotError(t, eg.Wait(), "concurrent assignment failed")

	test.AssertEquals(t, entries[0].StatusListID, entries[1].StatusListID)
	test.Assert(t, entries[0].StatusListIndex != entries[1].StatusListIndex,
		"concurrent assignments must not share an index")
	seen := map[int64]bool{entries[0].StatusListIndex: true, entries[1].StatusListIndex: true}
	test.Assert(t, seen[0] && seen[1], "indices should be 0 and 1")

	list, err := statusLists.FindByID(ctx, entries[0].StatusListID)
	test.AssertNotError(t, err, "reading status list")
	test.AssertEquals(t, list.UsedEntries, int64(2))
}

func TestDuplicateBindingRejected(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	badgeClasses := newBadgeClassRepo(dbMap, clk)
	assertions := newAssertionRepo(dbMap, clk)
	statusLists := newStatusListRepo(dbMap, clk)

	issuer := goodIssuer(t, issuers)
	badgeClass := goodBadgeClass(t, badgeClasses, issuer.ID)
	assertion := goodAssertion(t, assertions, clk, badgeClass)

	_, err := statusLists.AssignStatusToCredential(
		ctx, assertion.ID, issuer.ID, core.StatusPurposeRevocation, 1)
	test.AssertNotError(t, err, "first binding")

	_, err = statusLists.AssignStatusToCredential(
		ctx, assertion.ID, issuer.ID, core.StatusPurposeRevocation, 1)
	test.AssertError(t, err, "duplicate (credential, purpose) binding accepted")
	test.Assert(t, serrors.Is(err, serrors.Conflict), "expected a conflict error")

	// A different purpose is a separate binding and succeeds.
	_, err = statusLists.AssignStatusToCredential(
		ctx, assertion.ID, issuer.ID, core.StatusPurposeSuspension, 1)
	test.AssertNotError(t, err, "binding under a second purpose")
}

func TestDuplicateSlotRejectedByUniqueIndex(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	badgeClasses := newBadgeClassRepo(dbMap, clk)
	assertions := newAssertionRepo(dbMap, clk)
	statusLists := newStatusListRepo(dbMap, clk)

	issuer := goodIssuer(t, issuers)
	badgeClass := goodBadgeClass(t, badgeClasses, issuer.ID)
	a1 := goodAssertion(t, assertions, clk, badgeClass)
	a2 := goodAssertion(t, assertions, clk, badgeClass)

	position, err := statusLists.AllocateStatusPosition(
		ctx, issuer.ID, core.StatusPurposeRevocation, 1)
	test.AssertNotError(t, err, "allocating slot")

	_, err = statusLists.CreateStatusEntry(ctx, &core.CredentialStatusEntry{
		CredentialID:    a1.ID,
		StatusListID:    position.StatusListID,
		StatusListIndex: position.Index,
		StatusSize:      1,
		Purpose:         core.StatusPurposeRevocation,
	})
	test.AssertNotError(t, err, "claiming slot")

	// A second entry claiming the same slot violates the unique index.
	_, err = statusLists.CreateStatusEntry(ctx, &core.CredentialStatusEntry{
		CredentialID:    a2.ID,
		StatusListID:    position.StatusListID,
		StatusListIndex: position.Index,
		StatusSize:      1,
		Purpose:         core.StatusPurposeRevocation,
	})
	test.AssertError(t, err, "duplicate slot accepted")
	test.Assert(t, serrors.Is(err, serrors.Conflict), "expected a conflict error")
}

func TestCreateStatusEntryChecksListCoordinates(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	badgeClasses := newBadgeClassRepo(dbMap, clk)
	assertions := newAssertionRepo(dbMap, clk)
	statusLists := newStatusListRepo(dbMap, clk)

	issuer := goodIssuer(t, issuers)
	badgeClass := goodBadgeClass(t, badgeClasses, issuer.ID)
	assertion := goodAssertion(t, assertions, clk, badgeClass)

	position, err := statusLists.AllocateStatusPosition(
		ctx, issuer.ID, core.StatusPurposeRevocation, 2)
	test.AssertNotError(t, err, "allocating slot")

	// Width mismatch with the owning list.
	_, err = statusLists.CreateStatusEntry(ctx, &core.CredentialStatusEntry{
		CredentialID:    assertion.ID,
		StatusListID:    position.StatusListID,
		StatusListIndex: position.Index,
		StatusSize:      1,
		Purpose:         core.StatusPurposeRevocation,
	})
	test.AssertError(t, err, "width mismatch accepted")
	test.Assert(t, serrors.Is(err, serrors.Validation), "expected a validation error")

	// Purpose mismatch with the owning list.
	_, err = statusLists.CreateStatusEntry(ctx, &core.CredentialStatusEntry{
		CredentialID:    assertion.ID,
		StatusListID:    position.StatusListID,
		StatusListIndex: position.Index,
		StatusSize:      2,
		Purpose:         core.StatusPurposeSuspension,
	})
	test.AssertError(t, err, "purpose mismatch accepted")
}

func TestUpdateStatusValidation(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	badgeClasses := newBadgeClassRepo(dbMap, clk)
	assertions := newAssertionRepo(dbMap, clk)
	statusLists := newStatusListRepo(dbMap, clk)

	issuer := goodIssuer(t, issuers)
	badgeClass := goodBadgeClass(t, badgeClasses, issuer.ID)
	assertion := goodAssertion(t, assertions, clk, badgeClass)

	// No binding yet.
	result := statusLists.UpdateCredentialStatus(ctx, core.StatusUpdate{
		CredentialID: assertion.ID,
		Purpose:      core.StatusPurposeRevocation,
		Status:       1,
	})
	test.Assert(t, !result.Success, "update without a binding should fail")

	_, err := statusLists.AssignStatusToCredential(
		ctx, assertion.ID, issuer.ID, core.StatusPurposeRevocation, 1)
	test.AssertNotError(t, err, "binding credential")

	// Status out of range for a 1-bit list.
	result = statusLists.UpdateCredentialStatus(ctx, core.StatusUpdate{
		CredentialID: assertion.ID,
		Purpose:      core.StatusPurposeRevocation,
		Status:       2,
	})
	test.Assert(t, !result.Success, "out-of-range status accepted")

	// A failed update leaves the bitstring untouched.
	status, err := statusLists.GetStatus(ctx, assertion.ID, core.StatusPurposeRevocation)
	test.AssertNotError(t, err, "reading status after failed update")
	test.AssertEquals(t, status, int64(0))
}

// A mutation of one entry must leave every other entry's bits unchanged.
func TestUpdateStatusIsolation(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	badgeClasses := newBadgeClassRepo(dbMap, clk)
	assertions := newAssertionRepo(dbMap, clk)
	statusLists := newStatusListRepo(dbMap, clk)

	issuer := goodIssuer(t, issuers)
	badgeClass := goodBadgeClass(t, badgeClasses, issuer.ID)

	var credentials []core.IRI
	for i := 0; i < 3; i++ {
		assertion := goodAssertion(t, assertions, clk, badgeClass)
		_, err := statusLists.AssignStatusToCredential(
			ctx, assertion.ID, issuer.ID, core.StatusPurposeRevocation, 1)
		test.AssertNotError(t, err, "binding credential")
		credentials = append(credentials, assertion.ID)
	}

	result := statusLists.UpdateCredentialStatus(ctx, core.StatusUpdate{
		CredentialID: credentials[1],
		Purpose:      core.StatusPurposeRevocation,
		Status:       1,
		Reason:       "suspicious",
	})
	test.Assert(t, result.Success, "status update should succeed: "+result.Error)

	for i, credential := range credentials {
		want := int64(0)
		if i == 1 {
			want = 1
		}
		status, err := statusLists.GetStatus(ctx, credential, core.StatusPurposeRevocation)
		test.AssertNotError(t, err, "reading status")
		test.AssertEquals(t, status, want)
	}
}

func TestFindAvailableStatusListPrefersTightestPack(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	statusLists := newStatusListRepo(dbMap, clk)
	issuer := goodIssuer(t, issuers)

	none, err := statusLists.FindAvailableStatusList(
		ctx, issuer.ID, core.StatusPurposeRevocation, 1)
	test.AssertNotError(t, err, "empty lookup should not error")
	test.Assert(t, none == nil, "no list should exist yet")

	position, err := statusLists.AllocateStatusPosition(
		ctx, issuer.ID, core.StatusPurposeRevocation, 1)
	test.AssertNotError(t, err, "allocating first slot")

	available, err := statusLists.FindAvailableStatusList(
		ctx, issuer.ID, core.StatusPurposeRevocation, 1)
	test.AssertNotError(t, err, "finding available list")
	test.Assert(t, available != nil, "the fresh list should have capacity")
	test.AssertEquals(t, available.ID, position.StatusListID)
	test.AssertEquals(t, available.UsedEntries, int64(1))

	// Coordinates are distinct per (purpose, statusSize).
	other, err := statusLists.FindAvailableStatusList(
		ctx, issuer.ID, core.StatusPurposeRevocation, 2)
	test.AssertNotError(t, err, "lookup with different width")
	test.Assert(t, other == nil, "different width must not share a list")
}

func TestGetStatusListStats(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	issuers := newIssuerRepo(dbMap, clk)
	badgeClasses := newBadgeClassRepo(dbMap, clk)
	assertions := newAssertionRepo(dbMap, clk)
	statusLists := newStatusListRepo(dbMap, clk)

	issuer := goodIssuer(t, issuers)
	badgeClass := goodBadgeClass(t, badgeClasses, issuer.ID)

	for i := 0; i < 2; i++ {
		assertion := goodAssertion(t, assertions, clk, badgeClass)
		_, err := statusLists.AssignStatusToCredential(
			ctx, assertion.ID, issuer.ID, core.StatusPurposeRevocation, 1)
		test.AssertNotError(t, err, "binding for revocation")
	}
	assertion := goodAssertion(t, assertions, clk, badgeClass)
	_, err := statusLists.AssignStatusToCredential(
		ctx, assertion.ID, issuer.ID, core.StatusPurposeSuspension, 2)
	test.AssertNotError(t, err, "binding for suspension")

	stats, err := statusLists.GetStatusListStats(ctx, issuer.ID)
	test.AssertNotError(t, err, "reading stats")
	test.AssertEquals(t, len(stats), 2)
	test.AssertEquals(t, stats[core.StatusPurposeRevocation].Lists, int64(1))
	test.AssertEquals(t, stats[core.StatusPurposeRevocation].UsedEntries, int64(2))
	test.AssertEquals(t, stats[core.StatusPurposeRevocation].TotalEntries, int64(core.DefaultStatusListSize))
	test.AssertEquals(t, stats[core.StatusPurposeSuspension].UsedEntries, int64(1))
}

func TestAllocateRejectsBadCoordinates(t *testing.T) {
	dbMap, clk, cleanUp := initSA(t)
	defer cleanUp()
	statusLists := newStatusListRepo(dbMap, clk)

	_, err := statusLists.AllocateStatusPosition(ctx, core.NewIRI(), "destruction", 1)
	test.AssertError(t, err, "unknown purpose accepted")
	test.Assert(t, serrors.Is(err, serrors.Validation), "expected a validation error")

	_, err = statusLists.AllocateStatusPosition(ctx, core.NewIRI(), core.StatusPurposeRevocation, 3)
	test.AssertError(t, err, "statusSize 3 accepted")
}
