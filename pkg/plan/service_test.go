package plan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datumfab/datum/pkg/audit"
	"github.com/datumfab/datum/pkg/contracts"
	"github.com/datumfab/datum/pkg/fault"
)

func newTestService(t *testing.T) (*Service, *audit.MemoryStore) {
	t.Helper()
	store := audit.NewMemoryStore()
	log := audit.NewLog(store, nil).WithClock(fixedClock())
	svc := NewService(NewMemoryStore(), log, nil).WithClock(fixedClock())
	return svc, store
}

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func generateDraft(t *testing.T, svc *Service) *contracts.DatumPlan {
	t.Helper()
	p, err := svc.Generate(context.Background(), contracts.Quote{QuoteID: "Q500", AssemblySides: 1, Tier: 3}, polymericsRun(), "ops-1", "OPS")
	require.NoError(t, err)
	return p
}

func TestEditRemovingLockedStepRequiresOverride(t *testing.T) {
	svc, _ := newTestService(t)
	p := generateDraft(t, svc)
	ctx := context.Background()

	var kept []contracts.Step
	var removedID string
	for _, s := range p.Steps {
		if s.SOEDecisionID != "" && removedID == "" {
			removedID = s.StepID
			continue
		}
		kept = append(kept, s)
	}
	require.NotEmpty(t, removedID)

	_, err := svc.Edit(ctx, p.PlanID, EditRequest{Steps: kept, Reason: "trim"}, "ops-1", "OPS")
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanInvalidEdit, fault.CodeOf(err))

	// Override present but without a reason.
	_, err = svc.Edit(ctx, p.PlanID, EditRequest{
		Steps:     kept,
		Reason:    "trim",
		Overrides: []contracts.Override{{Constraint: removeConstraint("step", removedID)}},
	}, "ops-1", "OPS")
	require.Error(t, err)
	assert.Equal(t, fault.CodeOverrideMissingReason, fault.CodeOf(err))

	next, err := svc.Edit(ctx, p.PlanID, EditRequest{
		Steps:  kept,
		Reason: "trim",
		Overrides: []contracts.Override{{
			Constraint: removeConstraint("step", removedID),
			Reason:     "customer waived polymeric staking for engineering unit",
		}},
	}, "ops-1", "OPS")
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, 1, next.ParentVersion)
	require.Len(t, next.EditMetadata, 1)
	require.Len(t, next.EditMetadata[0].Overrides, 1)
	assert.Equal(t, "ops-1", next.EditMetadata[0].Overrides[0].UserID)
	assert.NotEmpty(t, next.EditMetadata[0].Overrides[0].Timestamp)
	assert.Nil(t, next.StepByID(removedID))
}

func TestEditReorderingLockedSequenceRequiresOverride(t *testing.T) {
	svc, _ := newTestService(t)
	p := generateDraft(t, svc)

	steps := append([]contracts.Step(nil), p.Steps...)
	var bake, clean *contracts.Step
	for i := range steps {
		switch steps[i].Title {
		case "Bake":
			bake = &steps[i]
		case "Clean":
			clean = &steps[i]
		}
	}
	require.NotNil(t, bake)
	require.NotNil(t, clean)
	bake.Sequence, clean.Sequence = clean.Sequence, bake.Sequence

	_, err := svc.Edit(context.Background(), p.PlanID, EditRequest{Steps: steps, Reason: "swap"}, "ops-1", "OPS")
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanInvalidEdit, fault.CodeOf(err))
}

func TestApprovalLifecycle(t *testing.T) {
	svc, auditStore := newTestService(t)
	p := generateDraft(t, svc)
	ctx := context.Background()

	// Approving a draft is not a legal transition.
	_, err := svc.Approve(ctx, p.PlanID, "lgtm", "ops-2", "OPS")
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanStateTransitionInvalid, fault.CodeOf(err))

	sub, err := svc.Submit(ctx, p.PlanID, "ready for review", "ops-1", "OPS")
	require.NoError(t, err)
	assert.Equal(t, contracts.PlanStateSubmitted, sub.State)
	assert.Equal(t, "ops-1", sub.SubmittedBy)

	// CUSTOMER cannot approve.
	_, err = svc.Approve(ctx, p.PlanID, "lgtm", "cust-1", "CUSTOMER")
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalid, fault.CodeOf(err))

	appr, err := svc.Approve(ctx, p.PlanID, "meets class 3", "ops-2", "OPS")
	require.NoError(t, err)
	assert.Equal(t, contracts.PlanStateApproved, appr.State)
	assert.True(t, appr.Locked)
	assert.Equal(t, "ops-2", appr.ApprovedBy)
	assert.NotEmpty(t, appr.ApprovedAt)
	assert.Equal(t, 1, appr.Version)

	// Approved versions refuse edits outright.
	_, err = svc.Edit(ctx, p.PlanID, EditRequest{Steps: appr.Steps, Reason: "tweak"}, "ops-1", "OPS")
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanApprovedImmutable, fault.CodeOf(err))

	_, _, err = svc.Optimize(ctx, p.PlanID, ObjectiveThroughput, "ops-1", "OPS")
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanApprovedImmutable, fault.CodeOf(err))

	// Every denial above is in the audit chain with from == to.
	entries, err := auditStore.List(ctx, p.PlanID)
	require.NoError(t, err)
	denied := 0
	for _, e := range entries {
		if e.Result == audit.ResultDenied {
			denied++
			assert.Equal(t, e.FromState, e.ToState)
		}
	}
	assert.Equal(t, 3, denied)

	res, err := auditStore.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestRejectReturnsToDraftSameVersion(t *testing.T) {
	svc, _ := newTestService(t)
	p := generateDraft(t, svc)
	ctx := context.Background()

	_, err := svc.Submit(ctx, p.PlanID, "", "ops-1", "OPS")
	require.NoError(t, err)

	_, err = svc.Reject(ctx, p.PlanID, "", "qa-1", "QA")
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalid, fault.CodeOf(err))

	rej, err := svc.Reject(ctx, p.PlanID, "missing coating thickness spec", "qa-1", "QA")
	require.NoError(t, err)
	assert.Equal(t, contracts.PlanStateDraft, rej.State)
	assert.Equal(t, 1, rej.Version)
	require.NotEmpty(t, rej.EditMetadata)
	last := rej.EditMetadata[len(rej.EditMetadata)-1]
	assert.Equal(t, "qa-1", last.EditedBy)
	assert.Contains(t, last.EditReason, "missing coating thickness spec")
}

func TestForkFromApproved(t *testing.T) {
	svc, _ := newTestService(t)
	p := generateDraft(t, svc)
	ctx := context.Background()

	// Fork before approval is refused.
	_, err := svc.Fork(ctx, p.PlanID, "early", "ops-1", "OPS")
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanStateTransitionInvalid, fault.CodeOf(err))

	_, err = svc.Submit(ctx, p.PlanID, "", "ops-1", "OPS")
	require.NoError(t, err)
	appr, err := svc.Approve(ctx, p.PlanID, "", "ops-2", "ADMIN")
	require.NoError(t, err)

	fork, err := svc.Fork(ctx, p.PlanID, "rev B bom change", "ops-1", "OPS")
	require.NoError(t, err)
	assert.Equal(t, appr.Version+1, fork.Version)
	assert.Equal(t, appr.Version, fork.ParentVersion)
	assert.Equal(t, contracts.PlanStateDraft, fork.State)
	assert.False(t, fork.Locked)
	assert.Empty(t, fork.ApprovedBy)

	// The approved ancestor is untouched.
	orig, err := svc.Get(ctx, p.PlanID, appr.Version)
	require.NoError(t, err)
	assert.Equal(t, contracts.PlanStateApproved, orig.State)
	assert.True(t, orig.Locked)
}

func TestOptimizePreservesLockedSteps(t *testing.T) {
	svc, _ := newTestService(t)
	p := generateDraft(t, svc)

	next, summary, err := svc.Optimize(context.Background(), p.PlanID, ObjectiveThroughput, "ops-1", "OPS")
	require.NoError(t, err)
	assert.True(t, summary.ConstraintsPreserved)
	assert.Equal(t, 2, next.Version)

	// Overlay-sourced steps keep their exact relative order.
	var before, after []string
	for _, s := range p.Steps {
		if s.SOEDecisionID != "" {
			before = append(before, s.SOEDecisionID)
		}
	}
	for _, s := range next.Steps {
		if s.SOEDecisionID != "" {
			after = append(after, s.SOEDecisionID)
		}
	}
	assert.Equal(t, before, after)
}

func TestOptimizeUnknownObjective(t *testing.T) {
	svc, _ := newTestService(t)
	p := generateDraft(t, svc)
	_, _, err := svc.Optimize(context.Background(), p.PlanID, Objective("vibes"), "ops-1", "OPS")
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalid, fault.CodeOf(err))
}

func TestDiffSelfIsEmpty(t *testing.T) {
	svc, _ := newTestService(t)
	p := generateDraft(t, svc)
	d, err := svc.Diff(context.Background(), p.PlanID, p.Version, p.Version)
	require.NoError(t, err)
	assert.True(t, d.Empty())
}

func TestDiffAcrossEdit(t *testing.T) {
	svc, _ := newTestService(t)
	p := generateDraft(t, svc)
	ctx := context.Background()

	steps := append([]contracts.Step(nil), p.Steps...)
	steps = append(steps, contracts.Step{
		Type: "INSPECT", Title: "AOI After Reflow", Sequence: 35, Required: true,
	})
	next, err := svc.Edit(ctx, p.PlanID, EditRequest{Steps: steps, Reason: "add AOI"}, "ops-1", "OPS")
	require.NoError(t, err)

	d, err := svc.Diff(ctx, p.PlanID, p.Version, next.Version)
	require.NoError(t, err)
	assert.Len(t, d.StepsAdded, 1)
	assert.Empty(t, d.StepsRemoved)
	assert.Empty(t, d.StepsModified)
}

func TestStoreVersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	p, err := Generate(contracts.Quote{QuoteID: "Q900", AssemblySides: 1}, nil)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, p))
	err = store.Put(ctx, p)
	require.Error(t, err)
	assert.Equal(t, fault.CodeVersionConflict, fault.CodeOf(err))

	_, err = store.Get(ctx, p.PlanID, 99)
	require.Error(t, err)
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
}
