package profile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datumfab/datum/pkg/audit"
	"github.com/datumfab/datum/pkg/catalog"
	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

func newTestService(t *testing.T) (*Service, *catalog.Memory, *audit.MemoryStore) {
	t.Helper()
	cat, err := catalog.Seed()
	require.NoError(t, err)
	store := audit.NewMemoryStore()
	svc := NewService(cat, audit.NewLog(store, nil), nil).WithClock(func() time.Time {
		return time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	})
	return svc, cat, store
}

func putDraft(t *testing.T, cat *catalog.Memory, id string) {
	t.Helper()
	require.NoError(t, cat.PutProfileVersion(&contracts.StandardsProfile{
		ProfileID:    id,
		ProfileType:  contracts.ProfileTypeBase,
		DefaultPacks: []string{"IPC_6012_BASELINE"},
		State:        contracts.ProfileStateDraft,
		Version:      "0.1.0",
	}))
}

func TestLifecycleHappyPath(t *testing.T) {
	svc, cat, store := newTestService(t)
	ctx := context.Background()
	putDraft(t, cat, "NEW_PROFILE")

	p, err := svc.Submit(ctx, "NEW_PROFILE", "0.1.0", "qa.user", "QA", "initial review")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProfileStateSubmitted, p.State)
	assert.Equal(t, "qa.user", p.SubmittedBy)

	p, err = svc.Approve(ctx, "NEW_PROFILE", "0.1.0", "qa.lead", "ADMIN", "approved")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProfileStateApproved, p.State)
	assert.Equal(t, "qa.lead", p.ApprovedBy)
	assert.NotEmpty(t, p.ApprovedAt)

	entries, err := store.List(ctx, "NEW_PROFILE")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "submit", entries[0].Action)
	assert.Equal(t, "approve", entries[1].Action)
}

func TestRejectRequiresReason(t *testing.T) {
	svc, cat, _ := newTestService(t)
	putDraft(t, cat, "P1")
	_, err := svc.Submit(context.Background(), "P1", "0.1.0", "u", "QA", "r")
	require.NoError(t, err)

	_, err = svc.Reject(context.Background(), "P1", "0.1.0", "u", "QA", "")
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalid, fault.CodeOf(err))

	p, err := svc.Reject(context.Background(), "P1", "0.1.0", "u", "QA", "incomplete citations")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProfileStateRejected, p.State)
	assert.Equal(t, "incomplete citations", p.RejectReason)
}

func TestApprovedCannotMoveBackward(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	// BASE_IPC ships approved in the seed catalog.
	_, err := svc.Submit(ctx, "BASE_IPC", "1.0.0", "u", "QA", "again")
	require.Error(t, err)
	assert.Equal(t, fault.CodeProfileStateTransitionInvalid, fault.CodeOf(err))

	_, err = svc.Reject(ctx, "BASE_IPC", "1.0.0", "u", "QA", "no")
	require.Error(t, err)
	assert.Equal(t, fault.CodeProfileStateTransitionInvalid, fault.CodeOf(err))

	// Denied attempts still leave audit entries.
	entries, err := store.List(ctx, "BASE_IPC")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, audit.ResultDenied, e.Result)
		assert.Equal(t, e.FromState, e.ToState)
	}
}

func TestDeprecateOnlyFromApproved(t *testing.T) {
	svc, cat, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.Deprecate(ctx, "BASE_IPC", "1.0.0", "u", "ADMIN", "superseded", "BASE_IPC_V2")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProfileStateDeprecated, p.State)
	assert.Equal(t, "BASE_IPC_V2", p.SupersededBy)

	putDraft(t, cat, "P2")
	_, err = svc.Deprecate(ctx, "P2", "0.1.0", "u", "ADMIN", "", "")
	require.Error(t, err)
	assert.Equal(t, fault.CodeProfileStateTransitionInvalid, fault.CodeOf(err))
}

func TestNewVersionClonesAndBumps(t *testing.T) {
	svc, cat, _ := newTestService(t)
	ctx := context.Background()

	draft, err := svc.NewVersion(ctx, "AS9100_DOMAIN", BumpMinor, "qa.user", "QA", func(p *contracts.StandardsProfile) {
		p.DefaultPacks = append(p.DefaultPacks, "CUSTOMER_X_OVERLAY")
	})
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", draft.Version)
	assert.Equal(t, "1.0.0", draft.ParentVersion)
	assert.Equal(t, contracts.ProfileStateDraft, draft.State)
	assert.Empty(t, draft.ApprovedBy)
	assert.Contains(t, draft.DefaultPacks, "CUSTOMER_X_OVERLAY")

	// The approved 1.0.0 is untouched.
	original, err := cat.ProfileVersion("AS9100_DOMAIN", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, contracts.ProfileStateApproved, original.State)
	assert.NotContains(t, original.DefaultPacks, "CUSTOMER_X_OVERLAY")

	versions, err := svc.Versions("AS9100_DOMAIN")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestNewVersionConflictOnRace(t *testing.T) {
	svc, cat, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.NewVersion(ctx, "BASE_IPC", BumpPatch, "u", "QA", nil)
	require.NoError(t, err)

	// A second writer that read the same latest version loses.
	err = cat.PutProfileVersion(&contracts.StandardsProfile{
		ProfileID:   "BASE_IPC",
		ProfileType: contracts.ProfileTypeBase,
		State:       contracts.ProfileStateDraft,
		Version:     "1.0.1",
	})
	require.Error(t, err)
	assert.Equal(t, fault.CodeVersionConflict, fault.CodeOf(err))
}

func TestCreateBundleValidatesProfiles(t *testing.T) {
	svc, cat, _ := newTestService(t)
	ctx := context.Background()

	err := svc.CreateBundle(ctx, &contracts.ProfileBundle{
		BundleID:   "MED_DEFAULT",
		ProfileIDs: []string{"BASE_IPC", "NOPE"},
	}, "u", "OPS")
	require.Error(t, err)

	err = svc.CreateBundle(ctx, &contracts.ProfileBundle{
		BundleID:   "MED_DEFAULT",
		ProfileIDs: []string{"BASE_IPC"},
	}, "u", "OPS")
	require.NoError(t, err)

	b, err := cat.Bundle("MED_DEFAULT")
	require.NoError(t, err)
	assert.Equal(t, []string{"BASE_IPC"}, b.ProfileIDs)
}

func TestVersionDiff(t *testing.T) {
	from := &contracts.StandardsProfile{
		ProfileID:       "P",
		Version:         "1.0.0",
		DefaultPacks:    []string{"A", "B"},
		SourceStandards: []string{"IPC-6012"},
		ConflictPolicy:  contracts.ConflictPolicyError,
	}
	to := &contracts.StandardsProfile{
		ProfileID:       "P",
		Version:         "1.1.0",
		DefaultPacks:    []string{"B", "C"},
		SourceStandards: []string{"IPC-6012", "AS9100D"},
		ConflictPolicy:  contracts.ConflictPolicyChildWins,
	}
	d := Diff(from, to)
	assert.Equal(t, []string{"C"}, d.PacksAdded)
	assert.Equal(t, []string{"A"}, d.PacksRemoved)
	assert.Equal(t, []string{"AS9100D"}, d.StandardsAdded)
	assert.True(t, d.PolicyChanged)
}
